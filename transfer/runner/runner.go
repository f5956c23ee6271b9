// Package runner executes interchange-format HTTP requests with retry,
// backoff and redirect handling. One logical run is an explicit state loop:
// attempt, on a 5xx back off and attempt again, and once a terminal response
// arrives optionally resolve a redirect into a fresh attempt sequence
// against the new location.
package runner

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/bitrise-io/go-transferutils/transfer/digest"
	"github.com/bitrise-io/go-transferutils/transfer/interchange"
	"github.com/bitrise-io/go-utils/v2/log"
)

// Runner executes single interchange requests.
type Runner struct {
	cfg    Config
	client *http.Client
	logger log.Logger
}

// New validates the configuration and returns a Runner.
func New(cfg Config, logger log.Logger) (*Runner, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	client := cfg.HTTPClient
	if client == nil {
		client = DefaultHTTPClient()
	} else {
		// Copy so the caller's client keeps its own redirect behavior.
		clone := *client
		client = &clone
	}
	client.CheckRedirect = func(req *http.Request, via []*http.Request) error {
		return http.ErrUseLastResponse
	}

	return &Runner{cfg: cfg, client: client, logger: logger}, nil
}

// Run executes the request and buffers the response body, recording its
// digest and size. body may be nil for bodiless requests.
func (r *Runner) Run(ctx context.Context, req interchange.Request, body Body) (*Result, error) {
	return r.run(ctx, req, body, false)
}

// RunStream executes the request and returns the live response stream as
// Result.BodyStream. Consuming and digesting the stream is the caller's
// responsibility, as is closing it.
func (r *Runner) RunStream(ctx context.Context, req interchange.Request, body Body) (*Result, error) {
	return r.run(ctx, req, body, true)
}

func (r *Runner) run(ctx context.Context, req interchange.Request, body Body, streaming bool) (*Result, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	method := strings.ToUpper(req.Method)
	if body != nil && (method == http.MethodGet || method == http.MethodHead) {
		return nil, &ProtocolError{Method: method, Reason: "request body is not allowed"}
	}

	maxAttempts := r.cfg.MaxRetries
	followRedirects := r.cfg.FollowRedirects
	if body != nil && !body.replayable() {
		// A raw stream cannot be replayed: one attempt, no redirect hops.
		maxAttempts = 1
		followRedirects = false
	}

	currentURL := req.URL
	for hop := 0; ; hop++ {
		result, err := r.attemptLoop(ctx, method, currentURL, req.Headers, body, maxAttempts, streaming)
		if err != nil {
			return nil, err
		}

		if !followRedirects || !isRedirect(result.StatusCode) {
			return result, nil
		}
		if method != http.MethodGet && method != http.MethodHead {
			return result, nil
		}
		location := result.Headers.Get("Location")
		if location == "" || hop >= r.cfg.MaxRedirects {
			return result, nil
		}

		next, err := resolveLocation(currentURL, location)
		if err != nil {
			r.logger.Debugf("Returning %d response verbatim, Location %q does not parse: %s", result.StatusCode, location, err)
			return result, nil
		}
		if result.BodyStream != nil {
			discardAndClose(result.BodyStream)
		}
		r.logger.Debugf("Following %d redirect from %s to %s", result.StatusCode, currentURL, next)
		currentURL = next
	}
}

// attemptLoop runs the attempt/backoff sequence for one location.
func (r *Runner) attemptLoop(ctx context.Context, method, rawURL string, headers map[string]string, body Body, maxAttempts int, streaming bool) (*Result, error) {
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if attempt > 0 {
			delay := r.cfg.backoff(attempt - 1)
			r.logger.Debugf("Attempt %d/%d for %s failed, retrying in %s", attempt, maxAttempts, rawURL, delay)
			if err := sleepContext(ctx, delay); err != nil {
				return nil, err
			}
		}

		result, err := r.attempt(ctx, method, rawURL, headers, body, streaming)
		if err != nil {
			lastErr = err
			continue
		}

		if result.StatusCode >= 500 && attempt < maxAttempts-1 {
			r.logger.Warnf("%s %s responded with %d", method, rawURL, result.StatusCode)
			if result.BodyStream != nil {
				discardAndClose(result.BodyStream)
			}
			continue
		}

		return result, nil
	}

	return nil, lastErr
}

// attempt performs exactly one HTTP exchange.
func (r *Runner) attempt(ctx context.Context, method, rawURL string, headers map[string]string, body Body, streaming bool) (*Result, error) {
	var reqReader io.Reader
	var reqDigest *digest.Reader
	var reqHash string
	var reqSize int64

	if body != nil {
		rc, size, err := body.newReader()
		if err != nil {
			return nil, err
		}
		switch b := body.(type) {
		case *bytesBody:
			reqReader = rc
			reqHash = b.sum()
			reqSize = size
		default:
			// Digest the stream on its way to the socket so the hash of the
			// actually-transmitted bytes is known after the fact.
			reqDigest = digest.NewReader(rc)
			reqReader = readCloser{Reader: reqDigest, Closer: rc}
			reqSize = size
		}
	}

	httpReq, err := http.NewRequestWithContext(ctx, method, rawURL, reqReader)
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	for name, value := range headers {
		httpReq.Header.Set(name, value)
	}
	if httpReq.Header.Get("Accept-Encoding") == "" {
		// An explicit Accept-Encoding keeps the transport from requesting
		// gzip and transparently decoding the response. Caller-supplied
		// clients share their own transport, so this cannot rely on
		// DisableCompression alone.
		httpReq.Header.Set("Accept-Encoding", "identity")
	}
	if body != nil && reqSize >= 0 {
		httpReq.ContentLength = reqSize
	}

	resp, err := r.client.Do(httpReq)
	if reqDigest != nil {
		reqHash = reqDigest.Sum()
		reqSize = reqDigest.Size()
	}
	if err != nil {
		return nil, &TransportError{URL: rawURL, Err: err}
	}

	result := &Result{
		Headers:       resp.Header,
		StatusCode:    resp.StatusCode,
		StatusMessage: statusMessage(resp),
		RequestHash:   reqHash,
		RequestSize:   reqSize,
	}

	if streaming {
		result.BodyStream = resp.Body
		return result, nil
	}

	respDigest := digest.NewReader(resp.Body)
	buffered, err := io.ReadAll(respDigest)
	closeErr := resp.Body.Close()
	if err != nil {
		// Server hangup mid-response is a transport error.
		return nil, &TransportError{URL: rawURL, Err: err}
	}
	if closeErr != nil {
		return nil, &TransportError{URL: rawURL, Err: closeErr}
	}

	result.Body = buffered
	result.ResponseHash = respDigest.Sum()
	result.ResponseSize = respDigest.Size()
	return result, nil
}

func isRedirect(status int) bool {
	return status == http.StatusMovedPermanently ||
		status == http.StatusFound ||
		status == http.StatusSeeOther
}

func resolveLocation(base, location string) (string, error) {
	baseURL, err := url.Parse(base)
	if err != nil {
		return "", err
	}
	locationURL, err := url.Parse(location)
	if err != nil {
		return "", err
	}
	return baseURL.ResolveReference(locationURL).String(), nil
}

func statusMessage(resp *http.Response) string {
	message := strings.TrimSpace(strings.TrimPrefix(resp.Status, strconv.Itoa(resp.StatusCode)))
	if message == "" {
		message = http.StatusText(resp.StatusCode)
	}
	return message
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func discardAndClose(rc io.ReadCloser) {
	_, _ = io.Copy(io.Discard, rc)
	_ = rc.Close()
}

type readCloser struct {
	io.Reader
	io.Closer
}
