// Package digest provides streaming pass-through hashing. A Reader or Writer
// forwards bytes unchanged while keeping a running hash and byte count, so
// the caller learns exactly what travelled through the pipe without ever
// buffering the stream.
package digest

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"io"
)

// Reader wraps an io.Reader, hashing and counting everything read through it.
type Reader struct {
	r io.Reader
	h hash.Hash
	n int64
}

// NewReader returns a pass-through reader using SHA-256.
func NewReader(r io.Reader) *Reader {
	return NewReaderWithHash(r, sha256.New())
}

// NewReaderWithHash returns a pass-through reader using the provided hash.
func NewReaderWithHash(r io.Reader, h hash.Hash) *Reader {
	return &Reader{r: r, h: h}
}

// Read ...
func (d *Reader) Read(p []byte) (int, error) {
	n, err := d.r.Read(p)
	if n > 0 {
		// hash.Hash.Write never returns an error
		d.h.Write(p[:n]) //nolint:errcheck
		d.n += int64(n)
	}
	return n, err
}

// Sum returns the hex-encoded digest of all bytes read so far.
func (d *Reader) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Size returns the number of bytes read so far.
func (d *Reader) Size() int64 {
	return d.n
}

// Writer wraps an io.Writer, hashing and counting everything written
// through it.
type Writer struct {
	w io.Writer
	h hash.Hash
	n int64
}

// NewWriter returns a pass-through writer using SHA-256.
func NewWriter(w io.Writer) *Writer {
	return NewWriterWithHash(w, sha256.New())
}

// NewWriterWithHash returns a pass-through writer using the provided hash.
func NewWriterWithHash(w io.Writer, h hash.Hash) *Writer {
	return &Writer{w: w, h: h}
}

// Write ...
func (d *Writer) Write(p []byte) (int, error) {
	n, err := d.w.Write(p)
	if n > 0 {
		d.h.Write(p[:n]) //nolint:errcheck
		d.n += int64(n)
	}
	return n, err
}

// Sum returns the hex-encoded digest of all bytes written so far.
func (d *Writer) Sum() string {
	return hex.EncodeToString(d.h.Sum(nil))
}

// Size returns the number of bytes written so far.
func (d *Writer) Size() int64 {
	return d.n
}

// Sum256 digests an entire reader and returns the hex digest and byte count.
// Convenience for post-hoc file verification.
func Sum256(r io.Reader) (string, int64, error) {
	d := NewReader(r)
	if _, err := io.Copy(io.Discard, d); err != nil {
		return "", 0, err
	}
	return d.Sum(), d.Size(), nil
}
