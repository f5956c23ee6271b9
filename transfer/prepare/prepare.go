// Package prepare turns files on disk into content-addressed transfer
// descriptors: whole-file and per-part SHA-256 digests, byte counts, part
// offsets and optional gzip content encoding. Every read pass re-validates
// the file's identity afterwards, so a digest is never trusted for a file
// that changed underneath it.
package prepare

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/bitrise-io/go-transferutils/transfer/digest"
	"github.com/bitrise-io/go-utils/v2/log"
	"github.com/docker/go-units"
)

// Preparer computes transfer descriptors according to its configuration.
type Preparer struct {
	cfg    Config
	logger log.Logger
}

// NewPreparer validates the configuration and returns a Preparer.
func NewPreparer(cfg Config, logger log.Logger) (*Preparer, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Preparer{cfg: cfg.withDefaults(), logger: logger}, nil
}

// Prepare builds the descriptor for the file at path. With gzip compression
// the wire bytes are written to a temporary file first and the descriptor's
// Filename points at that file; removing it after the transfer is the
// caller's responsibility.
func (p *Preparer) Prepare(path string) (*Descriptor, error) {
	desc := &Descriptor{
		Filename:        path,
		ContentEncoding: p.cfg.Compression,
	}

	var compressed *compressResult
	if p.cfg.Compression == EncodingGzip {
		var err error
		compressed, err = p.compress(path)
		if err != nil {
			return nil, fmt.Errorf("compress %s: %w", path, err)
		}
		desc.Filename = compressed.path
		desc.SHA256 = compressed.contentSHA256
		desc.Size = compressed.contentSize
	}

	info, err := os.Stat(desc.Filename)
	if err != nil {
		return nil, fmt.Errorf("stat %s: %w", desc.Filename, err)
	}
	if info.Size() == 0 {
		return nil, &ConfigurationError{Option: "Filename", Reason: fmt.Sprintf("%s is empty, transfers need at least one byte", desc.Filename)}
	}

	multipart, err := p.selectMode(info.Size())
	if err != nil {
		return nil, err
	}

	if multipart {
		parts, wireSum, wireSize, err := p.chunkFile(desc.Filename, p.cfg.PartSize)
		if err != nil {
			return nil, err
		}
		desc.Parts = parts
		desc.TransferSHA256 = wireSum
		desc.TransferSize = wireSize
	} else {
		wireSum, wireSize, err := p.digestFile(desc.Filename)
		if err != nil {
			return nil, err
		}
		desc.TransferSHA256 = wireSum
		desc.TransferSize = wireSize
	}

	if compressed != nil {
		// The compression pass already digested the wire bytes; disagreement
		// means the temp file changed between the two passes.
		if desc.TransferSHA256 != compressed.transferSHA256 || desc.TransferSize != compressed.transferSize {
			return nil, &ConcurrentModificationError{Path: desc.Filename, Detail: "compressed output changed between passes"}
		}
	} else {
		desc.SHA256 = desc.TransferSHA256
		desc.Size = desc.TransferSize
	}

	p.logger.Debugf("Prepared %s: %s on the wire, %d part(s)", path, units.BytesSize(float64(desc.TransferSize)), len(desc.Parts))
	return desc, nil
}

// selectMode decides single-part versus multipart from the wire size, with
// explicit force flags taking precedence over the threshold.
func (p *Preparer) selectMode(wireSize int64) (bool, error) {
	if p.cfg.ForceSinglePart {
		return false, nil
	}
	if p.cfg.ForceMultipart {
		return true, nil
	}
	return wireSize >= p.cfg.MultipartThreshold, nil
}

// digestFile streams the whole file once for its digest and size, then
// re-checks the file identity.
func (p *Preparer) digestFile(path string) (string, int64, error) {
	before, err := snapshotFile(path)
	if err != nil {
		return "", 0, err
	}

	f, err := os.Open(path)
	if err != nil {
		return "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			p.logger.Errorf("failed to close file: %s", err)
		}
	}()

	d := digest.NewReader(f)
	if _, err := io.Copy(io.Discard, d); err != nil {
		return "", 0, fmt.Errorf("read %s: %w", path, err)
	}

	if err := before.recheck(path); err != nil {
		return "", 0, err
	}
	return d.Sum(), d.Size(), nil
}

// chunkFile streams the file once, computing per-part digests and the
// whole-file digest simultaneously, then re-checks the file identity.
func (p *Preparer) chunkFile(path string, partSize int64) ([]Part, string, int64, error) {
	before, err := snapshotFile(path)
	if err != nil {
		return nil, "", 0, err
	}

	count := partCount(before.info.Size(), partSize)
	if count < 2 {
		return nil, "", 0, &ConfigurationError{
			Option: "PartSize",
			Reason: fmt.Sprintf("%s of %s yields %d part, multipart needs at least 2", units.BytesSize(float64(partSize)), units.BytesSize(float64(before.info.Size())), count),
		}
	}
	if count > MaxPartCount {
		return nil, "", 0, &ConfigurationError{
			Option: "PartSize",
			Reason: fmt.Sprintf("%s of %s yields %d parts, the maximum is %d", units.BytesSize(float64(partSize)), units.BytesSize(float64(before.info.Size())), count, MaxPartCount),
		}
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, "", 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			p.logger.Errorf("failed to close file: %s", err)
		}
	}()

	parts, wireSum, wireSize, err := chunkReader(f, partSize)
	if err != nil {
		return nil, "", 0, fmt.Errorf("read %s: %w", path, err)
	}

	for i, part := range parts {
		if i < len(parts)-1 && part.Size != partSize {
			return nil, "", 0, &ConcurrentModificationError{
				Path:   path,
				Detail: fmt.Sprintf("part %d read %d bytes, expected %d", i+1, part.Size, partSize),
			}
		}
	}
	if int64(len(parts)) != count {
		return nil, "", 0, &ConcurrentModificationError{
			Path:   path,
			Detail: fmt.Sprintf("read %d parts, expected %d", len(parts), count),
		}
	}

	if err := before.recheck(path); err != nil {
		return nil, "", 0, err
	}
	return parts, wireSum, wireSize, nil
}

// chunkReader partitions a stream into parts of exactly partSize bytes (the
// final part may be shorter but never empty), digesting each part and the
// whole stream in a single pass.
func chunkReader(r io.Reader, partSize int64) ([]Part, string, int64, error) {
	whole := sha256.New()
	var parts []Part
	var offset int64

	for {
		part := digest.NewReader(io.TeeReader(io.LimitReader(r, partSize), whole))
		n, err := io.Copy(io.Discard, part)
		if err != nil {
			return nil, "", 0, err
		}
		if n == 0 {
			break
		}
		parts = append(parts, Part{SHA256: part.Sum(), Size: n, Start: offset})
		offset += n
		if n < partSize {
			break
		}
	}

	return parts, hex.EncodeToString(whole.Sum(nil)), offset, nil
}

// partCount is ceil(fileSize / partSize).
func partCount(fileSize, partSize int64) int64 {
	return (fileSize + partSize - 1) / partSize
}

// fileIdentity is the stat snapshot compared before and after a read pass.
type fileIdentity struct {
	info os.FileInfo
}

func snapshotFile(path string) (fileIdentity, error) {
	info, err := os.Stat(path)
	if err != nil {
		return fileIdentity{}, fmt.Errorf("stat %s: %w", path, err)
	}
	return fileIdentity{info: info}, nil
}

// recheck fails with a ConcurrentModificationError when the file's size,
// modification time or underlying inode changed since the snapshot.
func (id fileIdentity) recheck(path string) error {
	after, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("re-stat %s: %w", path, err)
	}
	if after.Size() != id.info.Size() {
		return &ConcurrentModificationError{
			Path:   path,
			Detail: fmt.Sprintf("size changed from %d to %d", id.info.Size(), after.Size()),
		}
	}
	if !after.ModTime().Equal(id.info.ModTime()) {
		return &ConcurrentModificationError{
			Path:   path,
			Detail: fmt.Sprintf("modified at %s, after digesting started at %s", after.ModTime().Format(time.RFC3339Nano), id.info.ModTime().Format(time.RFC3339Nano)),
		}
	}
	if !os.SameFile(id.info, after) {
		return &ConcurrentModificationError{Path: path, Detail: "file was replaced"}
	}
	return nil
}
