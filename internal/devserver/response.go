package devserver

import (
	"encoding/json"
	"net/http"
	"time"
)

// envelope is the uniform response body emitted by every endpoint.
// Handlers always answer 200 with success=false for expected failures so
// clients can treat the envelope as the single source of truth.
type envelope struct {
	Success       bool           `json:"success"`
	Data          any            `json:"data,omitempty"`
	Error         string         `json:"error,omitempty"`
	Message       string         `json:"message,omitempty"`
	RateLimitInfo *rateLimitInfo `json:"rateLimitInfo,omitempty"`
}

type rateLimitInfo struct {
	RemainingAttempts int   `json:"remainingAttempts"`
	ResetTime         int64 `json:"resetTime"`
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeSuccess(w http.ResponseWriter, data any) {
	writeJSON(w, http.StatusOK, envelope{Success: true, Data: data})
}

func writeFailure(w http.ResponseWriter, msg string, rl *rateLimitInfo) {
	writeJSON(w, http.StatusOK, envelope{Success: false, Error: msg, RateLimitInfo: rl})
}

func rateLimitBlock(remaining int, resetAt time.Time) *rateLimitInfo {
	return &rateLimitInfo{
		RemainingAttempts: remaining,
		ResetTime:         resetAt.UnixMilli(),
	}
}
