// Package transfer executes prepared uploads and downloads against an
// S3-compatible object store using presigned requests. A trusted controller
// signs the requests; this package moves and verifies the bytes.
package transfer

import (
	"context"

	"github.com/bitrise-io/go-transferutils/transfer/interchange"
	"github.com/bitrise-io/go-transferutils/transfer/prepare"
	"github.com/bitrise-io/go-transferutils/transfer/runner"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Signer is the trusted collaborator producing presigned interchange
// requests. Implementations talk to whatever controller guards the store;
// this package never constructs signatures itself.
type Signer interface {
	// SignUpload registers the prepared transfer and returns an upload id
	// plus one presigned request per part (exactly one for single-part).
	SignUpload(ctx context.Context, name string, desc *prepare.Descriptor) (string, []interchange.Request, error)

	// CompleteUpload finalizes a registered upload with the collected ETags.
	CompleteUpload(ctx context.Context, uploadID string, etags []string) error

	// AbortUpload cancels a registered upload after a part failure.
	AbortUpload(ctx context.Context, uploadID string) error

	// SignDownload returns a presigned GET for the named object.
	SignDownload(ctx context.Context, name string) (interchange.Request, error)
}

// ErrorResponseParser decodes a store-specific error body into a structured
// error. Signers may implement it in addition to Signer.
type ErrorResponseParser interface {
	ParseErrorResponse(body []byte) error
}

// ClientConfig configures a transfer Client.
type ClientConfig struct {
	// Runner controls retry, backoff and redirect behavior.
	Runner runner.Config

	// ErrorParser, when set, is used to decode error bodies from failed
	// part requests into UpstreamError.Parsed.
	ErrorParser ErrorResponseParser
}

// Client executes prepared transfers.
type Client struct {
	runner      *runner.Runner
	errorParser ErrorResponseParser
	logger      log.Logger
}

// NewClient ...
func NewClient(cfg ClientConfig, logger log.Logger) (*Client, error) {
	r, err := runner.New(cfg.Runner, logger)
	if err != nil {
		return nil, err
	}
	return &Client{
		runner:      r,
		errorParser: cfg.ErrorParser,
		logger:      logger,
	}, nil
}
