package transfer

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/bitrise-io/go-transferutils/transfer/digest"
	"github.com/bitrise-io/go-transferutils/transfer/interchange"
	"github.com/bitrise-io/go-transferutils/transfer/prepare"
	"github.com/bitrise-io/go-transferutils/transfer/runner"
	"github.com/klauspost/compress/gzip"
)

// DownloadResult reports what was actually received and verified.
type DownloadResult struct {
	SHA256          string
	Size            int64
	TransferSHA256  string
	TransferSize    int64
	ContentEncoding string
}

// expectations are the digests and sizes a download must match, read from
// response metadata before any byte is written.
type expectations struct {
	encoding       string
	contentLength  int64
	transferSHA256 string
	transferLength int64
	contentSHA256  string
	contentSize    int64
}

// Download executes one presigned GET in streaming mode, pipes the response
// through the decode-and-digest pipeline into output and verifies every
// expected digest and size. Mismatches are aggregated into one
// IntegrityError; a partially-written output is never reported as success.
func (c *Client) Download(ctx context.Context, req interchange.Request, output io.Writer) (*DownloadResult, error) {
	if strings.ToUpper(req.Method) != http.MethodGet {
		return nil, &runner.ProtocolError{Method: req.Method, Reason: "downloads are GET requests"}
	}

	response, err := c.runner.RunStream(ctx, req, nil)
	if err != nil {
		return nil, err
	}

	if response.StatusCode >= 300 {
		snippet := make([]byte, maxErrorBodySnippet)
		n, _ := io.ReadFull(response.BodyStream, snippet)
		if err := response.BodyStream.Close(); err != nil {
			c.logger.Warnf("failed to close response stream: %s", err)
		}
		response.Body = snippet[:n]
		return nil, c.upstreamError(req, response)
	}

	expected, err := expectationsFromHeaders(response.Headers)
	if err != nil {
		if closeErr := response.BodyStream.Close(); closeErr != nil {
			c.logger.Warnf("failed to close response stream: %s", closeErr)
		}
		return nil, err
	}

	result, pipeErr := runDigestPipeline(response.BodyStream, expected.encoding, output)
	if closeErr := response.BodyStream.Close(); closeErr != nil && pipeErr == nil {
		pipeErr = closeErr
	}
	if pipeErr != nil {
		return nil, fmt.Errorf("read download stream: %w", pipeErr)
	}

	if err := expected.verify(result); err != nil {
		return nil, err
	}
	return result, nil
}

// DownloadFile signs and downloads the named object into destPath. The
// partial file is removed when the download fails.
func (c *Client) DownloadFile(ctx context.Context, signer Signer, name, destPath string) (*DownloadResult, error) {
	req, err := signer.SignDownload(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("sign download: %w", err)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return nil, fmt.Errorf("create %s: %w", destPath, err)
	}

	result, err := c.Download(ctx, req, out)
	if closeErr := out.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("close %s: %w", destPath, closeErr)
	}
	if err != nil {
		if removeErr := os.Remove(destPath); removeErr != nil {
			c.logger.Warnf("failed to remove partial download: %s", removeErr)
		}
		return nil, err
	}
	return result, nil
}

// runDigestPipeline copies the stream to output through a pre-decode digest,
// the decoder selected by encoding and a post-decode digest.
func runDigestPipeline(r io.Reader, encoding string, output io.Writer) (*DownloadResult, error) {
	wire := digest.NewReader(r)

	var decoded io.Reader = wire
	if encoding == prepare.EncodingGzip {
		gz, err := gzip.NewReader(wire)
		if err != nil {
			return nil, fmt.Errorf("open gzip stream: %w", err)
		}
		decoded = gz
	}

	content := digest.NewReader(decoded)
	if _, err := io.Copy(output, content); err != nil {
		return nil, err
	}

	return &DownloadResult{
		SHA256:          content.Sum(),
		Size:            content.Size(),
		TransferSHA256:  wire.Sum(),
		TransferSize:    wire.Size(),
		ContentEncoding: encoding,
	}, nil
}

// expectationsFromHeaders validates and extracts the metadata headers,
// batching every problem into a single HeaderValidationError.
func expectationsFromHeaders(headers http.Header) (*expectations, error) {
	var problems []string
	expected := &expectations{}

	expected.encoding = headers.Get("Content-Encoding")
	if expected.encoding == "" {
		expected.encoding = prepare.EncodingIdentity
	}
	if expected.encoding != prepare.EncodingIdentity && expected.encoding != prepare.EncodingGzip {
		problems = append(problems, fmt.Sprintf("unsupported content-encoding %q", expected.encoding))
	}

	expected.contentLength = requireIntHeader(headers, "Content-Length", &problems)
	expected.transferLength = requireIntHeader(headers, HeaderTransferLength, &problems)
	expected.contentSize = requireIntHeader(headers, HeaderContentLength, &problems)
	expected.transferSHA256 = requireHeader(headers, HeaderTransferSHA256, &problems)
	expected.contentSHA256 = requireHeader(headers, HeaderContentSHA256, &problems)

	if len(problems) > 0 {
		return nil, &HeaderValidationError{Problems: problems}
	}
	return expected, nil
}

func requireHeader(headers http.Header, name string, problems *[]string) string {
	value := strings.TrimSpace(headers.Get(name))
	if value == "" {
		*problems = append(*problems, fmt.Sprintf("missing header %s", name))
	}
	return value
}

func requireIntHeader(headers http.Header, name string, problems *[]string) int64 {
	value := requireHeader(headers, name, problems)
	if value == "" {
		return 0
	}
	parsed, err := strconv.ParseInt(value, 10, 64)
	if err != nil {
		*problems = append(*problems, fmt.Sprintf("header %s is not an integer: %q", name, value))
		return 0
	}
	return parsed
}

// verify runs every integrity check and aggregates all failures.
func (e *expectations) verify(result *DownloadResult) error {
	var failures []string

	if result.TransferSHA256 != e.transferSHA256 {
		failures = append(failures, fmt.Sprintf("Transfer SHA256 mismatch: expected %s, received %s", e.transferSHA256, result.TransferSHA256))
	}
	if result.TransferSize != e.transferLength {
		failures = append(failures, fmt.Sprintf("Transfer size mismatch: expected %d bytes, received %d", e.transferLength, result.TransferSize))
	}
	if result.SHA256 != e.contentSHA256 {
		failures = append(failures, fmt.Sprintf("Content SHA256 mismatch: expected %s, received %s", e.contentSHA256, result.SHA256))
	}
	if result.Size != e.contentSize {
		failures = append(failures, fmt.Sprintf("Content size mismatch: expected %d bytes, received %d", e.contentSize, result.Size))
	}
	if result.TransferSize != e.contentLength {
		failures = append(failures, fmt.Sprintf("Content-Length mismatch: header declared %d bytes, received %d", e.contentLength, result.TransferSize))
	}

	if len(failures) > 0 {
		return &IntegrityError{Failures: failures}
	}
	return nil
}
