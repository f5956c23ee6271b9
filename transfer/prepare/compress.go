package prepare

import (
	"fmt"
	"io"
	"os"

	"github.com/bitrise-io/go-transferutils/transfer/digest"
	"github.com/klauspost/compress/gzip"
)

// compressResult captures both sides of the compression boundary: the
// logical (pre-compression) digest/size and the wire (post-compression)
// digest/size, plus the temp file holding the wire bytes.
type compressResult struct {
	path           string
	contentSHA256  string
	contentSize    int64
	transferSHA256 string
	transferSize   int64
}

// compress pipes the source through a digest transform, the gzip writer and
// a second digest transform into a temporary file, then re-checks the
// source's identity. The caller owns the temp file.
func (p *Preparer) compress(path string) (*compressResult, error) {
	before, err := snapshotFile(path)
	if err != nil {
		return nil, err
	}

	src, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer func() {
		if err := src.Close(); err != nil {
			p.logger.Errorf("failed to close source file: %s", err)
		}
	}()

	out, err := os.CreateTemp("", "transfer-gzip-")
	if err != nil {
		return nil, fmt.Errorf("create temp file: %w", err)
	}

	content := digest.NewReader(src)
	wire := digest.NewWriter(out)
	gz := gzip.NewWriter(wire)

	if _, err := io.Copy(gz, content); err != nil {
		removeQuietly(out, p)
		return nil, fmt.Errorf("gzip: %w", err)
	}
	if err := gz.Close(); err != nil {
		removeQuietly(out, p)
		return nil, fmt.Errorf("flush gzip: %w", err)
	}
	if err := out.Close(); err != nil {
		removeQuietly(out, p)
		return nil, fmt.Errorf("close temp file: %w", err)
	}

	if err := before.recheck(path); err != nil {
		if removeErr := os.Remove(out.Name()); removeErr != nil {
			p.logger.Warnf("failed to remove temp file: %s", removeErr)
		}
		return nil, err
	}

	return &compressResult{
		path:           out.Name(),
		contentSHA256:  content.Sum(),
		contentSize:    content.Size(),
		transferSHA256: wire.Sum(),
		transferSize:   wire.Size(),
	}, nil
}

func removeQuietly(f *os.File, p *Preparer) {
	_ = f.Close()
	if err := os.Remove(f.Name()); err != nil {
		p.logger.Warnf("failed to remove temp file: %s", err)
	}
}
