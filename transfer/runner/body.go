package runner

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
)

// Body is the request payload for a single run. Byte and string bodies are
// replayable, so they allow the full retry budget. A raw stream cannot be
// rewound: it caps the run at a single attempt and disables redirect
// following. A stream factory hands out a fresh stream per attempt and keeps
// the full budget.
type Body interface {
	newReader() (io.ReadCloser, int64, error)
	replayable() bool
}

type bytesBody struct {
	data []byte
}

func (b *bytesBody) newReader() (io.ReadCloser, int64, error) {
	return io.NopCloser(bytes.NewReader(b.data)), int64(len(b.data)), nil
}

func (b *bytesBody) replayable() bool { return true }

func (b *bytesBody) sum() string {
	h := sha256.Sum256(b.data)
	return hex.EncodeToString(h[:])
}

type streamBody struct {
	factory func() (io.ReadCloser, error)
	raw     bool
	size    int64
}

func (b *streamBody) newReader() (io.ReadCloser, int64, error) {
	rc, err := b.factory()
	return rc, b.size, err
}

func (b *streamBody) replayable() bool { return !b.raw }

// BytesBody wraps an in-memory payload.
func BytesBody(data []byte) Body {
	return &bytesBody{data: data}
}

// StringBody wraps a string payload.
func StringBody(data string) Body {
	return &bytesBody{data: []byte(data)}
}

// StreamBody wraps a live stream. The stream is consumed on the first
// attempt and cannot be replayed, so the retry budget for the run is one
// attempt and redirects are not followed.
func StreamBody(r io.Reader) Body {
	rc, ok := r.(io.ReadCloser)
	if !ok {
		rc = io.NopCloser(r)
	}
	used := false
	return &streamBody{
		raw:  true,
		size: -1,
		factory: func() (io.ReadCloser, error) {
			if used {
				return nil, errStreamConsumed
			}
			used = true
			return rc, nil
		},
	}
}

// StreamFactoryBody wraps a factory producing a fresh stream per attempt,
// which keeps the full retry budget available.
func StreamFactoryBody(factory func() (io.ReadCloser, error)) Body {
	return &streamBody{factory: factory, size: -1}
}

// SizedStreamFactoryBody is StreamFactoryBody with a known byte length, set
// as the request's Content-Length. Presigned part uploads sign the length,
// so chunked transfer encoding is not an option there.
func SizedStreamFactoryBody(factory func() (io.ReadCloser, error), size int64) Body {
	return &streamBody{factory: factory, size: size}
}
