package runner

import (
	"io"
	"net/http"
)

// Result is the normalized outcome of one logical run. Exactly one of Body
// and BodyStream is set: buffered runs carry the full body plus its digest
// bookkeeping, streaming runs hand the live response stream to the caller
// and leave digesting to them.
type Result struct {
	Body       []byte
	BodyStream io.ReadCloser

	Headers       http.Header
	StatusCode    int
	StatusMessage string

	// RequestHash/RequestSize describe the bytes actually sent on the final
	// attempt; they are only known for stream bodies after the fact and for
	// byte bodies up front.
	RequestHash string
	RequestSize int64

	// ResponseHash/ResponseSize are set for buffered responses only.
	ResponseHash string
	ResponseSize int64
}
