package transfer

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/bitrise-io/go-transferutils/transfer/interchange"
	"github.com/bitrise-io/go-transferutils/transfer/prepare"
	"github.com/bitrise-io/go-transferutils/transfer/runner"
	"github.com/bmatcuk/doublestar/v4"
)

// NoETag is recorded for a part whose response carried no ETag header.
// Whether that matters is the completion step's concern, not the executor's.
const NoETag = "no-etag"

// maxErrorBodySnippet caps how much of a failing response body ends up in an
// UpstreamError.
const maxErrorBodySnippet = 1024

// UploadResult carries the per-part outcomes of a finished upload, both
// index-aligned with the descriptor's parts.
type UploadResult struct {
	ETags     []string
	Responses []*runner.Result
}

// Upload runs every part of the prepared transfer through its matching
// presigned request, in part order. The first failing part is terminal: no
// further parts are attempted and the caller is expected to abort any
// multipart session already opened on the remote side.
func (c *Client) Upload(ctx context.Context, desc *prepare.Descriptor, requests []interchange.Request) (*UploadResult, error) {
	parts := desc.Parts
	if !desc.Multipart() {
		parts = []prepare.Part{{SHA256: desc.TransferSHA256, Size: desc.TransferSize, Start: 0}}
	}
	if len(requests) != len(parts) {
		return nil, &ConfigurationError{
			Reason: fmt.Sprintf("descriptor has %d part(s) but %d signed request(s) were provided", len(parts), len(requests)),
		}
	}
	if err := interchange.ValidateAll(requests); err != nil {
		return nil, err
	}

	result := &UploadResult{
		ETags:     make([]string, 0, len(parts)),
		Responses: make([]*runner.Result, 0, len(parts)),
	}

	for i, part := range parts {
		c.logger.Debugf("Uploading part %d/%d (%d bytes at offset %d)", i+1, len(parts), part.Size, part.Start)

		body := runner.SizedStreamFactoryBody(fileRangeFactory(desc.Filename, part.Start, part.Size), part.Size)
		response, err := c.runner.Run(ctx, requests[i], body)
		if err != nil {
			return nil, fmt.Errorf("upload part %d: %w", i+1, err)
		}

		if response.StatusCode >= 300 {
			return nil, c.upstreamError(requests[i], response)
		}

		if response.RequestHash != part.SHA256 || response.RequestSize != part.Size {
			return nil, &IntegrityError{Failures: []string{
				fmt.Sprintf("part %d transmitted SHA256 %s (%d bytes), prepared as %s (%d bytes)",
					i+1, response.RequestHash, response.RequestSize, part.SHA256, part.Size),
			}}
		}

		etag := strings.TrimSpace(response.Headers.Get("ETag"))
		if etag == "" {
			etag = NoETag
		}
		result.ETags = append(result.ETags, etag)
		result.Responses = append(result.Responses, response)
	}

	return result, nil
}

// UploadParams names the object and locates its source file.
type UploadParams struct {
	// Name identifies the object at the controller.
	Name string

	// SourcePattern is a doublestar glob that must resolve to exactly one
	// file.
	SourcePattern string
}

// UploadFile is the whole flow: resolve the source, prepare the descriptor,
// have the signer produce the request set, execute the parts and complete
// the upload. A part failure aborts the registered upload before returning.
func (c *Client) UploadFile(ctx context.Context, signer Signer, preparer *prepare.Preparer, params UploadParams) (*UploadResult, error) {
	path, err := ResolveSourcePath(params.SourcePattern)
	if err != nil {
		return nil, err
	}

	desc, err := preparer.Prepare(path)
	if err != nil {
		return nil, fmt.Errorf("prepare %s: %w", path, err)
	}
	if desc.Filename != path {
		defer func() {
			if err := os.Remove(desc.Filename); err != nil {
				c.logger.Warnf("failed to remove compressed temp file: %s", err)
			}
		}()
	}

	uploadID, requests, err := signer.SignUpload(ctx, params.Name, desc)
	if err != nil {
		return nil, fmt.Errorf("sign upload: %w", err)
	}

	result, err := c.Upload(ctx, desc, requests)
	if err != nil {
		if abortErr := signer.AbortUpload(ctx, uploadID); abortErr != nil {
			c.logger.Warnf("failed to abort upload %s: %s", uploadID, abortErr)
		}
		return nil, err
	}

	if err := signer.CompleteUpload(ctx, uploadID, result.ETags); err != nil {
		return nil, fmt.Errorf("complete upload: %w", err)
	}
	return result, nil
}

// ResolveSourcePath expands a doublestar pattern and requires exactly one
// matching file.
func ResolveSourcePath(pattern string) (string, error) {
	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return "", fmt.Errorf("invalid source pattern %s: %w", pattern, err)
	}
	if len(matches) == 0 {
		return "", fmt.Errorf("no file matches source pattern %s", pattern)
	}
	if len(matches) > 1 {
		return "", fmt.Errorf("source pattern %s matches %d files, expected exactly one", pattern, len(matches))
	}
	return matches[0], nil
}

func (c *Client) upstreamError(req interchange.Request, response *runner.Result) *UpstreamError {
	body := response.Body
	if len(body) > maxErrorBodySnippet {
		body = body[:maxErrorBodySnippet]
	}

	upstreamErr := &UpstreamError{
		Method:        req.Method,
		URL:           req.URL,
		Headers:       req.Headers,
		StatusCode:    response.StatusCode,
		StatusMessage: response.StatusMessage,
		Body:          string(body),
	}
	if c.errorParser != nil {
		upstreamErr.Parsed = c.errorParser.ParseErrorResponse(response.Body)
	}
	return upstreamErr
}

// fileRangeFactory opens the byte range [start, start+size) of the file
// lazily, once per attempt.
func fileRangeFactory(path string, start, size int64) func() (io.ReadCloser, error) {
	return func() (io.ReadCloser, error) {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("open %s: %w", path, err)
		}
		return &fileRange{section: io.NewSectionReader(f, start, size), file: f}, nil
	}
}

type fileRange struct {
	section *io.SectionReader
	file    *os.File
}

func (r *fileRange) Read(p []byte) (int, error) {
	return r.section.Read(p)
}

func (r *fileRange) Close() error {
	return r.file.Close()
}
