package runner

import (
	"math/rand"
	"net/http"
	"time"
)

const (
	// DefaultMaxRetries is the attempt budget for one logical run.
	DefaultMaxRetries = 5

	// MaxRetriesLimit caps the configurable attempt budget.
	MaxRetriesLimit = 10

	// DefaultRetryDelayFactor is the base unit of the exponential backoff.
	DefaultRetryDelayFactor = 100 * time.Millisecond

	// MinRetryDelayFactor is the smallest allowed backoff base.
	MinRetryDelayFactor = 100 * time.Millisecond

	// DefaultMaxRedirects caps redirect hops when following is enabled.
	DefaultMaxRedirects = 10
)

// Config controls retry, backoff and redirect behavior of a Runner.
// The zero value of every field selects its default.
type Config struct {
	// MaxRetries is the total number of attempts for one logical request,
	// between 1 and 10. A non-replayable stream body overrides this to 1.
	MaxRetries int

	// RetryDelayFactor is the base delay: retry n (0-indexed) sleeps
	// 2^n * RetryDelayFactor before the next attempt.
	RetryDelayFactor time.Duration

	// RetryDelayJitter scales each delay by a uniform random factor in
	// [1-jitter, 1+jitter].
	RetryDelayJitter float64

	// FollowRedirects makes the runner follow 301/302/303 responses to
	// GET and HEAD requests, up to MaxRedirects hops.
	FollowRedirects bool

	// MaxRedirects caps redirect hops. Only used when FollowRedirects is set.
	MaxRedirects int

	// HTTPClient overrides the transport. The runner disables the client's
	// own redirect handling; redirects are a runner concern.
	HTTPClient *http.Client
}

func (c Config) withDefaults() Config {
	if c.MaxRetries == 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.RetryDelayFactor == 0 {
		c.RetryDelayFactor = DefaultRetryDelayFactor
	}
	if c.MaxRedirects == 0 {
		c.MaxRedirects = DefaultMaxRedirects
	}
	return c
}

func (c Config) validate() error {
	if c.MaxRetries < 0 || c.MaxRetries > MaxRetriesLimit {
		return &ConfigurationError{Option: "MaxRetries", Reason: "must be between 0 and 10"}
	}
	if c.RetryDelayFactor != 0 && c.RetryDelayFactor < MinRetryDelayFactor {
		return &ConfigurationError{Option: "RetryDelayFactor", Reason: "must be at least 100ms"}
	}
	if c.RetryDelayJitter < 0 {
		return &ConfigurationError{Option: "RetryDelayJitter", Reason: "must not be negative"}
	}
	if c.MaxRedirects < 0 {
		return &ConfigurationError{Option: "MaxRedirects", Reason: "must not be negative"}
	}
	return nil
}

// backoff computes the delay before retry n (0-indexed).
func (c Config) backoff(retry int) time.Duration {
	delay := time.Duration(1<<uint(retry)) * c.RetryDelayFactor
	if c.RetryDelayJitter > 0 {
		multiplier := 1 - c.RetryDelayJitter + 2*c.RetryDelayJitter*rand.Float64()
		if multiplier < 0 {
			multiplier = 0
		}
		delay = time.Duration(float64(delay) * multiplier)
	}
	return delay
}

// DefaultHTTPClient is tuned for many sequential part transfers: no global
// timeout, per-request deadlines come from the context.
func DefaultHTTPClient() *http.Client {
	return &http.Client{
		Timeout: 0,
		Transport: &http.Transport{
			MaxIdleConns:        50,
			MaxConnsPerHost:     20,
			IdleConnTimeout:     10 * time.Second,
			TLSHandshakeTimeout: 5 * time.Second,
			Proxy:               http.ProxyFromEnvironment,
			// Transparent gzip would decode bodies and strip the
			// Content-Encoding and Content-Length headers before the caller
			// sees them; digests must cover the wire bytes.
			DisableCompression: true,
		},
	}
}
