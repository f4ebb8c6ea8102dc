package transport

import "encoding/json"

// RateLimitInfo mirrors the backend's rate-limit block on rejected
// authentication attempts. It is passed through verbatim for UI display.
type RateLimitInfo struct {
	RemainingAttempts int   `json:"remainingAttempts"`
	ResetTime         int64 `json:"resetTime"`
}

// Metadata carries per-request correlation data attached to every Response.
type Metadata struct {
	RequestID        string         `json:"requestId"`
	Timestamp        int64          `json:"timestamp"`
	ProcessingMillis int64          `json:"processingTimeMs"`
	RateLimit        *RateLimitInfo `json:"rateLimitInfo,omitempty"`
}

// Response is the uniform result of every transport call. Runtime
// failures are represented as Success=false with an Error string; the
// transport never panics or propagates errors for expected failure modes.
type Response struct {
	Success  bool            `json:"success"`
	Data     json.RawMessage `json:"data,omitempty"`
	Error    string          `json:"error,omitempty"`
	Message  string          `json:"message,omitempty"`
	Metadata Metadata        `json:"metadata"`
}

// DecodeData unmarshals the response payload into v.
func (r *Response) DecodeData(v any) error {
	return json.Unmarshal(r.Data, v)
}

// wireResponse is the backend's envelope as it appears on the wire.
type wireResponse struct {
	Success       *bool           `json:"success"`
	Data          json.RawMessage `json:"data,omitempty"`
	Error         string          `json:"error,omitempty"`
	Message       string          `json:"message,omitempty"`
	RateLimitInfo *RateLimitInfo  `json:"rateLimitInfo,omitempty"`
}
