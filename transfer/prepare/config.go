package prepare

import (
	"fmt"

	"github.com/docker/go-units"
)

// Content encodings supported on the wire.
const (
	EncodingIdentity = "identity"
	EncodingGzip     = "gzip"
)

const (
	// MinPartSize is the smallest allowed size for any non-final part.
	MinPartSize = 5 * units.MiB

	// MaxPartSize is the largest allowed size for any part.
	MaxPartSize = 5 * units.GiB

	// MaxPartCount is the most parts one transfer may have.
	MaxPartCount = 10000

	// DefaultPartSize is used when the caller does not override it.
	DefaultPartSize = 25 * units.MiB

	// DefaultMultipartThreshold is the wire size at or above which a
	// transfer becomes multipart unless forced otherwise.
	DefaultMultipartThreshold = 100 * units.MiB
)

// Config controls how files are turned into transfer descriptors.
// Zero values select defaults.
type Config struct {
	// PartSize is the size of every part except the final one.
	PartSize int64

	// MultipartThreshold is the wire size at or above which the transfer
	// is split into parts.
	MultipartThreshold int64

	// Compression is the content encoding applied to the wire bytes,
	// EncodingIdentity or EncodingGzip.
	Compression string

	// ForceMultipart and ForceSinglePart override threshold-based mode
	// selection, mainly for testing. Setting both is a configuration error.
	ForceMultipart  bool
	ForceSinglePart bool
}

func (c Config) withDefaults() Config {
	if c.PartSize == 0 {
		c.PartSize = DefaultPartSize
	}
	if c.MultipartThreshold == 0 {
		c.MultipartThreshold = DefaultMultipartThreshold
	}
	if c.Compression == "" {
		c.Compression = EncodingIdentity
	}
	return c
}

func (c Config) validate() error {
	if c.PartSize != 0 && c.PartSize < MinPartSize {
		return &ConfigurationError{
			Option: "PartSize",
			Reason: fmt.Sprintf("%s is below the minimum part size %s", units.BytesSize(float64(c.PartSize)), units.BytesSize(float64(MinPartSize))),
		}
	}
	if c.PartSize > MaxPartSize {
		return &ConfigurationError{
			Option: "PartSize",
			Reason: fmt.Sprintf("%s is above the maximum part size %s", units.BytesSize(float64(c.PartSize)), units.BytesSize(float64(MaxPartSize))),
		}
	}
	if c.Compression != "" && c.Compression != EncodingIdentity && c.Compression != EncodingGzip {
		return &ConfigurationError{
			Option: "Compression",
			Reason: fmt.Sprintf("unsupported content encoding %q", c.Compression),
		}
	}
	if c.ForceMultipart && c.ForceSinglePart {
		return &ConfigurationError{
			Option: "ForceMultipart",
			Reason: "cannot force both multipart and single-part mode",
		}
	}
	return nil
}
