package runner

import (
	"errors"
	"fmt"
)

var errStreamConsumed = errors.New("stream body already consumed, use a stream factory for retryable bodies")

// ProtocolError is an HTTP semantic violation detected before any network
// I/O, such as a body supplied on a GET or HEAD request.
type ProtocolError struct {
	Method string
	Reason string
}

// Error ...
func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error for %s request: %s", e.Method, e.Reason)
}

// ConfigurationError is a runner option outside its allowed range.
type ConfigurationError struct {
	Option string
	Reason string
}

// Error ...
func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid runner configuration: %s: %s", e.Option, e.Reason)
}

// TransportError is a socket or network level failure, including a server
// hangup mid-response. One transport error fails one attempt; the retry loop
// decides whether another attempt follows.
type TransportError struct {
	URL string
	Err error
}

// Error ...
func (e *TransportError) Error() string {
	return fmt.Sprintf("transport error for %s: %v", e.URL, e.Err)
}

// Unwrap ...
func (e *TransportError) Unwrap() error {
	return e.Err
}
