package transport

import (
	"log/slog"
	"net/http"
	"time"
)

// Option configures a Client at construction time.
type Option func(*Client)

// WithHTTPClient replaces the default tuned HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) { c.http = h }
}

// WithLogger sets the structured logger. If not set, a default JSON
// logger writing to stderr is used.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithBasePath overrides the backend function base path
// (default "/functions/v1").
func WithBasePath(path string) Option {
	return func(c *Client) { c.basePath = path }
}

// WithTimeout sets the per-attempt request timeout (default 30s).
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.timeout = d }
}

// WithMaxAttempts sets how many times a request is tried before the
// transport gives up (default 3).
func WithMaxAttempts(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxAttempts = n
		}
	}
}

// WithCacheTTL sets the GET-response cache TTL (default 5m).
func WithCacheTTL(d time.Duration) Option {
	return func(c *Client) { c.cacheTTL = d }
}

// WithCacheCap bounds the number of cached GET responses (default 100).
func WithCacheCap(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.cacheCap = n
		}
	}
}

// WithSigningDisabled turns off request signing for every call. Intended
// for tests and local development against unsigned backends.
func WithSigningDisabled() Option {
	return func(c *Client) { c.signingEnabled = false }
}

// WithValidationDisabled turns off response shape validation. Malformed
// backend responses are then mapped best-effort from the HTTP status.
func WithValidationDisabled() Option {
	return func(c *Client) { c.validate = false }
}

// WithUserAgent sets the User-Agent header sent on every request.
func WithUserAgent(ua string) Option {
	return func(c *Client) { c.userAgent = ua }
}

// requestOptions is the resolved per-call behavior.
type requestOptions struct {
	sign  bool
	cache bool
}

// RequestOption adjusts behavior for a single call.
type RequestOption func(*requestOptions)

// WithoutCache disables response caching for this call even if it is a GET.
func WithoutCache() RequestOption {
	return func(o *requestOptions) { o.cache = false }
}

// WithoutSigning disables signing for this call.
func WithoutSigning() RequestOption {
	return func(o *requestOptions) { o.sign = false }
}

// withForcedSigning enables signing for this call regardless of the
// client-level setting. Used by the prebuilt auth calls.
func withForcedSigning() RequestOption {
	return func(o *requestOptions) { o.sign = true }
}
