// Package interchange defines the language-agnostic description of a single
// presigned HTTP request: a URL, a method and a set of headers. The trusted
// controller produces these and the transfer engine executes them without
// ever constructing a signature itself.
package interchange

import (
	"fmt"
	"strings"
)

// Request is one presigned HTTP request, decoupled from its body.
// It is a value object: construct it, validate it, never mutate it.
type Request struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Headers map[string]string `json:"headers"`
}

// ValidationError describes a malformed interchange request.
type ValidationError struct {
	Field  string
	Reason string
}

// Error ...
func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid interchange request: %s: %s", e.Field, e.Reason)
}

var methods = map[string]bool{
	"GET":     true,
	"HEAD":    true,
	"PUT":     true,
	"POST":    true,
	"PATCH":   true,
	"DELETE":  true,
	"OPTIONS": true,
	"TRACE":   true,
	"CONNECT": true,
}

// Validate checks that the request is well formed: the URL is an absolute
// http(s) URL, the method is a recognized HTTP verb (case-insensitive) and
// the header map is present.
func (r Request) Validate() error {
	lowered := strings.ToLower(r.URL)
	if !strings.HasPrefix(lowered, "http:") && !strings.HasPrefix(lowered, "https:") {
		return &ValidationError{Field: "url", Reason: fmt.Sprintf("must start with http: or https:, got %q", r.URL)}
	}

	if !methods[strings.ToUpper(r.Method)] {
		return &ValidationError{Field: "method", Reason: fmt.Sprintf("unrecognized HTTP method %q", r.Method)}
	}

	if r.Headers == nil {
		return &ValidationError{Field: "headers", Reason: "header map is missing"}
	}

	return nil
}

// ValidateAll validates a batch of requests before any of them is executed,
// so a single malformed entry fails the whole batch up front.
func ValidateAll(requests []Request) error {
	for i, req := range requests {
		if err := req.Validate(); err != nil {
			return fmt.Errorf("request %d: %w", i, err)
		}
	}
	return nil
}
