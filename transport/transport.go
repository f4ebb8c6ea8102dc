// Package transport implements the secure API transport: every outbound
// HTTP call to the backend's function endpoints goes through one Client,
// which applies request signing, in-flight deduplication, GET-response
// caching, timeouts, and retry with exponential backoff.
package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mfallon/opsgate/storage"
)

// DefaultBasePath is the backend function base path.
const DefaultBasePath = "/functions/v1"

const (
	defaultTimeout     = 30 * time.Second
	defaultMaxAttempts = 3
	defaultCacheTTL    = 5 * time.Minute
	defaultCacheCap    = 100
	defaultBackoffBase = 1 * time.Second
	defaultBackoffCap  = 5 * time.Second
	defaultUserAgent   = "opsgate-client/1.0"

	maxResponseBytes = 1 << 20
)

// Request headers attached by the transport.
const (
	HeaderRequestID = "X-Request-ID"
	HeaderTimestamp = "X-Request-Timestamp"
	HeaderNonce     = "X-Request-Nonce"
	HeaderSignature = "X-Request-Signature"
	HeaderAlgorithm = "X-Request-Algorithm"
)

// Client performs signed, deduplicated, cached, retried HTTP calls.
// Construct one Client per process and share it; all methods are safe for
// concurrent use.
type Client struct {
	baseURL  string
	basePath string

	http      *http.Client
	signer    *Signer
	logger    *slog.Logger
	userAgent string

	timeout        time.Duration
	maxAttempts    int
	cacheTTL       time.Duration
	cacheCap       int
	backoffBase    time.Duration
	backoffCap     time.Duration
	signingEnabled bool
	validate       bool

	cache *responseCache

	mu       sync.Mutex
	inflight map[string]*inflightCall

	reqCounter atomic.Uint64
}

// inflightCall lets concurrent identical requests share one network
// operation. The entry is removed from the in-flight map once the call
// settles, success or failure.
type inflightCall struct {
	done chan struct{}
	resp *Response
}

// New creates a transport Client. sessionStore holds the per-session
// signing key; it should be the same session-scoped store the auth
// service persists tokens to.
func New(baseURL string, sessionStore storage.Store, opts ...Option) *Client {
	c := &Client{
		baseURL:        baseURL,
		basePath:       DefaultBasePath,
		signer:         NewSigner(sessionStore),
		userAgent:      defaultUserAgent,
		timeout:        defaultTimeout,
		maxAttempts:    defaultMaxAttempts,
		cacheTTL:       defaultCacheTTL,
		cacheCap:       defaultCacheCap,
		backoffBase:    defaultBackoffBase,
		backoffCap:     defaultBackoffCap,
		signingEnabled: true,
		validate:       true,
		inflight:       make(map[string]*inflightCall),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.logger == nil {
		c.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	if c.http == nil {
		c.http = defaultHTTPClient()
	}
	c.cache = newResponseCache(c.cacheTTL, c.cacheCap)
	return c
}

// defaultHTTPClient builds a tuned HTTP client. The overall deadline is
// enforced per attempt via request contexts, not here.
func defaultHTTPClient() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout:   10 * time.Second,
				KeepAlive: 30 * time.Second,
			}).DialContext,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// BaseURL returns the configured backend origin.
func (c *Client) BaseURL() string { return c.baseURL }

// UserAgent returns the User-Agent header value sent on every request.
func (c *Client) UserAgent() string { return c.userAgent }

// Do performs one transport call. It never returns nil and never panics
// for runtime failures: network errors, timeouts, and malformed responses
// all come back as Success=false with an Error string.
func (c *Client) Do(ctx context.Context, method, endpoint string, body any, opts ...RequestOption) *Response {
	start := time.Now()
	requestID := c.nextRequestID()

	o := requestOptions{
		sign:  c.signingEnabled,
		cache: method == http.MethodGet,
	}
	for _, opt := range opts {
		opt(&o)
	}

	bodyJSON, err := marshalBody(body)
	if err != nil {
		// Unserializable bodies are programmer errors; surface loudly in
		// the log but keep the no-panic contract.
		c.logger.Error("request body not serializable",
			slog.String("endpoint", endpoint), slog.String("error", err.Error()))
		return c.failure(requestID, start, "invalid request body: "+err.Error())
	}

	var key string
	if o.cache {
		key = cacheKey(endpoint, bodyJSON)
		if resp, ok := c.cache.get(key); ok {
			return resp
		}
	}

	fingerprint := method + " " + endpoint + " " + string(bodyJSON)
	c.mu.Lock()
	if call, ok := c.inflight[fingerprint]; ok {
		c.mu.Unlock()
		<-call.done
		return call.resp
	}
	call := &inflightCall{done: make(chan struct{})}
	c.inflight[fingerprint] = call
	c.mu.Unlock()

	resp := c.perform(ctx, method, endpoint, bodyJSON, o, requestID, start)

	if o.cache && resp.Success {
		c.cache.put(key, resp)
	}

	c.mu.Lock()
	delete(c.inflight, fingerprint)
	c.mu.Unlock()
	call.resp = resp
	close(call.done)

	return resp
}

// Get issues a GET request (cached by default).
func (c *Client) Get(ctx context.Context, endpoint string, opts ...RequestOption) *Response {
	return c.Do(ctx, http.MethodGet, endpoint, nil, opts...)
}

// Post issues a POST request.
func (c *Client) Post(ctx context.Context, endpoint string, body any, opts ...RequestOption) *Response {
	return c.Do(ctx, http.MethodPost, endpoint, body, opts...)
}

// Put issues a PUT request.
func (c *Client) Put(ctx context.Context, endpoint string, body any, opts ...RequestOption) *Response {
	return c.Do(ctx, http.MethodPut, endpoint, body, opts...)
}

// Delete issues a DELETE request.
func (c *Client) Delete(ctx context.Context, endpoint string, opts ...RequestOption) *Response {
	return c.Do(ctx, http.MethodDelete, endpoint, nil, opts...)
}

// Patch issues a PATCH request.
func (c *Client) Patch(ctx context.Context, endpoint string, body any, opts ...RequestOption) *Response {
	return c.Do(ctx, http.MethodPatch, endpoint, body, opts...)
}

// Authenticate posts credentials to the login endpoint. Signing is forced
// on and caching off regardless of client configuration.
func (c *Client) Authenticate(ctx context.Context, body any) *Response {
	return c.Do(ctx, http.MethodPost, "/auth-login", body, withForcedSigning(), WithoutCache())
}

// RefreshToken exchanges a refresh token for fresh token material.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) *Response {
	body := map[string]string{"refreshToken": refreshToken}
	return c.Do(ctx, http.MethodPost, "/auth-refresh", body, withForcedSigning(), WithoutCache())
}

// Logout notifies the backend that the session is over.
func (c *Client) Logout(ctx context.Context) *Response {
	return c.Do(ctx, http.MethodPost, "/auth-logout", nil, withForcedSigning(), WithoutCache())
}

// perform runs the retry loop for a single deduplicated call.
func (c *Client) perform(ctx context.Context, method, endpoint string, bodyJSON []byte, o requestOptions, requestID string, start time.Time) *Response {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return c.failure(requestID, start, "request canceled: "+ctx.Err().Error())
			case <-time.After(c.backoff(attempt - 1)):
			}
		}

		resp, err := c.attempt(ctx, method, endpoint, bodyJSON, o, requestID, start)
		if err == nil {
			return resp
		}
		lastErr = err
		if ctx.Err() != nil {
			// The caller's context is gone; retrying cannot help.
			break
		}
		c.logger.Warn("request attempt failed",
			slog.String("method", method),
			slog.String("endpoint", endpoint),
			slog.String("request_id", requestID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()))
	}
	return c.failure(requestID, start, lastErr.Error())
}

// attempt performs one network round trip. A returned error means the
// attempt is retryable (timeout or connection failure); HTTP responses of
// any status are terminal and mapped to a Response.
func (c *Client) attempt(ctx context.Context, method, endpoint string, bodyJSON []byte, o requestOptions, requestID string, start time.Time) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if len(bodyJSON) > 0 {
		reader = bytes.NewReader(bodyJSON)
	}
	req, err := http.NewRequestWithContext(attemptCtx, method, c.baseURL+c.basePath+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set(HeaderRequestID, requestID)

	if o.sign {
		// Signing is defense-in-depth, not the sole authorization
		// mechanism: a signing failure logs and the request proceeds
		// unsigned rather than being blocked.
		if sig, err := c.signer.Sign(bodyJSON); err != nil {
			c.logger.Warn("request signing failed; proceeding unsigned",
				slog.String("request_id", requestID),
				slog.String("error", err.Error()))
		} else {
			req.Header.Set(HeaderTimestamp, strconv.FormatInt(sig.Timestamp, 10))
			req.Header.Set(HeaderNonce, sig.Nonce)
			req.Header.Set(HeaderSignature, sig.Signature)
			req.Header.Set(HeaderAlgorithm, sig.Algorithm)
		}
	}

	httpResp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer httpResp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	return c.parseResponse(httpResp.StatusCode, raw, requestID, start), nil
}

// parseResponse maps the wire envelope to a Response. When validation is
// enabled, anything that is not a JSON object with a success field is
// treated as a failure regardless of HTTP status.
func (c *Client) parseResponse(status int, raw []byte, requestID string, start time.Time) *Response {
	var wire wireResponse
	decodeErr := json.Unmarshal(raw, &wire)

	if decodeErr != nil || wire.Success == nil {
		if c.validate {
			return c.failure(requestID, start, "invalid response format from server")
		}
		return &Response{
			Success:  status >= 200 && status < 300,
			Data:     json.RawMessage(raw),
			Metadata: c.metadata(requestID, start, nil),
		}
	}

	return &Response{
		Success:  *wire.Success,
		Data:     wire.Data,
		Error:    wire.Error,
		Message:  wire.Message,
		Metadata: c.metadata(requestID, start, wire.RateLimitInfo),
	}
}

func (c *Client) failure(requestID string, start time.Time, msg string) *Response {
	return &Response{
		Success:  false,
		Error:    msg,
		Metadata: c.metadata(requestID, start, nil),
	}
}

func (c *Client) metadata(requestID string, start time.Time, rl *RateLimitInfo) Metadata {
	return Metadata{
		RequestID:        requestID,
		Timestamp:        start.UnixMilli(),
		ProcessingMillis: time.Since(start).Milliseconds(),
		RateLimit:        rl,
	}
}

// backoff returns the delay before retry n (0-based): min(base*2^n, cap).
func (c *Client) backoff(n int) time.Duration {
	d := c.backoffBase
	for i := 0; i < n; i++ {
		d *= 2
		if d > c.backoffCap {
			break
		}
	}
	if d > c.backoffCap {
		d = c.backoffCap
	}
	return d
}

// nextRequestID combines a timestamp with a monotonic counter so IDs are
// unique within the process and sortable across restarts.
func (c *Client) nextRequestID() string {
	return fmt.Sprintf("req-%d-%d", time.Now().UnixMilli(), c.reqCounter.Add(1))
}

func marshalBody(body any) ([]byte, error) {
	if body == nil {
		return nil, nil
	}
	return json.Marshal(body)
}
