package transfer

import (
	"errors"
	"fmt"
	"strings"
)

// ErrObjectNotFound is returned by the direct S3 download path when no
// object exists under the requested key.
var ErrObjectNotFound = errors.New("no object found for the provided key")

// ConfigurationError is a mismatch between a transfer descriptor and the
// signed requests handed to the executor.
type ConfigurationError struct {
	Reason string
}

// Error ...
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid transfer configuration: %s", e.Reason)
}

// UpstreamError is a non-success response from the object store. It carries
// the failing request and response so the failure can be diagnosed without
// re-running with extra logging.
type UpstreamError struct {
	Method        string
	URL           string
	Headers       map[string]string
	StatusCode    int
	StatusMessage string
	Body          string

	// Parsed is the structured error decoded from the response body by the
	// signer, when one was recognized.
	Parsed error
}

// Error ...
func (e *UpstreamError) Error() string {
	message := fmt.Sprintf("%s %s failed with status %d %s", e.Method, e.URL, e.StatusCode, e.StatusMessage)
	if e.Parsed != nil {
		return fmt.Sprintf("%s: %v", message, e.Parsed)
	}
	if e.Body != "" {
		return fmt.Sprintf("%s: %s", message, e.Body)
	}
	return message
}

// Unwrap ...
func (e *UpstreamError) Unwrap() error {
	return e.Parsed
}

// HeaderValidationError collects every missing or malformed metadata header
// of a download response. It is raised before any byte is written.
type HeaderValidationError struct {
	Problems []string
}

// Error ...
func (e *HeaderValidationError) Error() string {
	return fmt.Sprintf("invalid download metadata: %s", strings.Join(e.Problems, "; "))
}

// IntegrityError collects every digest or size check that failed for a
// transfer. All applicable checks run before it is raised, so one failure
// shows the complete picture.
type IntegrityError struct {
	Failures []string
}

// Error ...
func (e *IntegrityError) Error() string {
	return fmt.Sprintf("transfer integrity check failed: %s", strings.Join(e.Failures, "; "))
}
