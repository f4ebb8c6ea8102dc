// Package devserver is a self-contained stand-in for the production
// authentication backend. It implements the same function endpoints and
// response envelope so the client SDK and CLI can be exercised without
// network access to the real service. Accounts and sessions live in
// memory and reset on restart.
package devserver

import (
	_ "embed"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"
	"github.com/google/uuid"
)

//go:embed openapi.yaml
var openapiSpec []byte

// tokenTTL is how long issued access tokens remain valid.
const tokenTTL = 15 * time.Minute

// Server holds the in-memory account table and active sessions.
type Server struct {
	mu       sync.Mutex
	users    map[string]account // keyed by email
	sessions map[string]session // keyed by refresh token

	limiter *loginRateLimiter
	logger  *slog.Logger
}

type account struct {
	ID       string
	Email    string
	Password string
	Role     string
}

type session struct {
	UserEmail   string
	AccessToken string
	ExpiresAt   time.Time
}

// Option configures the Server.
type Option func(*Server)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) { s.logger = logger }
}

// WithUser seeds an additional account.
func WithUser(email, password, role string) Option {
	return func(s *Server) {
		s.users[email] = account{
			ID:       uuid.NewString(),
			Email:    email,
			Password: password,
			Role:     role,
		}
	}
}

// New creates a Server seeded with two demo accounts: an administrator
// and a standard staff member.
func New(opts ...Option) *Server {
	s := &Server{
		users:    make(map[string]account),
		sessions: make(map[string]session),
		limiter:  newLoginRateLimiter(),
	}
	WithUser("admin@clinic.example", "admin-password", "admin")(s)
	WithUser("staff@clinic.example", "staff-password", "staff")(s)
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return s
}

// Router returns a chi.Router with the function endpoints and API docs
// mounted. The function routes live under /functions/v1 to match the
// production URL layout.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: "/openapi.yaml",
		Path:    "docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: "/openapi.yaml",
		Path:    "redoc",
	}, nil))

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeSuccess(w, map[string]string{"status": "ok"})
	})

	r.Route("/functions/v1", func(r chi.Router) {
		r.Use(s.logSignature)
		r.Post("/auth-login", s.handleLogin)
		r.Post("/auth-refresh", s.handleRefresh)
		r.Post("/auth-logout", s.handleLogout)
		r.Get("/auth-extend", s.handleExtend)
		r.Post("/security-event", s.handleSecurityEvent)
	})

	return r
}

// logSignature records request integrity headers at debug level. The dev
// server has no copy of the client's derived signing key, so signatures
// are observed rather than verified.
func (s *Server) logSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if sig := r.Header.Get("X-Request-Signature"); sig != "" {
			s.logger.Debug("signed request",
				slog.String("path", r.URL.Path),
				slog.String("requestId", r.Header.Get("X-Request-ID")),
				slog.String("algorithm", r.Header.Get("X-Request-Algorithm")),
				slog.String("nonce", r.Header.Get("X-Request-Nonce")))
		}
		next.ServeHTTP(w, r)
	})
}

type loginRequest struct {
	Email      string `json:"email"`
	Password   string `json:"password"`
	CSRFToken  string `json:"csrfToken"`
	RememberMe bool   `json:"rememberMe"`
}

type userPayload struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

type tokenPayload struct {
	AccessToken  string       `json:"accessToken"`
	RefreshToken string       `json:"refreshToken"`
	ExpiresIn    int64        `json:"expiresIn"`
	User         *userPayload `json:"user,omitempty"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, "invalid request body", nil)
		return
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))

	if blocked, resetAt := s.limiter.check(email); blocked {
		s.logger.Warn("login rate limited", slog.String("email", email))
		writeFailure(w, "Too many failed attempts. Please try again later.",
			rateLimitBlock(0, resetAt))
		return
	}

	s.mu.Lock()
	acct, ok := s.users[email]
	s.mu.Unlock()
	if !ok || acct.Password != req.Password {
		s.limiter.recordFailure(email)
		s.logger.Info("login rejected", slog.String("email", email))
		writeFailure(w, "Invalid email or password", &rateLimitInfo{
			RemainingAttempts: s.limiter.remaining(email),
		})
		return
	}

	s.limiter.recordSuccess(email)
	tokens := s.issueSession(acct)
	s.logger.Info("login accepted",
		slog.String("email", email), slog.String("userId", acct.ID))
	writeSuccess(w, tokens)
}

func (s *Server) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req struct {
		RefreshToken string `json:"refreshToken"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeFailure(w, "invalid request body", nil)
		return
	}

	s.mu.Lock()
	sess, ok := s.sessions[req.RefreshToken]
	if ok {
		delete(s.sessions, req.RefreshToken)
	}
	acct, haveUser := s.users[sess.UserEmail]
	s.mu.Unlock()

	if !ok || !haveUser {
		s.logger.Info("refresh rejected: unknown token")
		writeFailure(w, "Invalid or expired refresh token", nil)
		return
	}

	tokens := s.issueSession(acct)
	tokens.User = nil // refresh responses carry tokens only
	writeSuccess(w, tokens)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	for rt, sess := range s.sessions {
		if sess.AccessToken == auth {
			delete(s.sessions, rt)
			break
		}
	}
	s.mu.Unlock()

	writeSuccess(w, map[string]string{"status": "logged_out"})
}

// handleExtend is a keep-alive ping. It extends the matching session
// when credentials are presented and succeeds either way: clients also
// use it as a liveness probe before any session exists.
func (s *Server) handleExtend(w http.ResponseWriter, r *http.Request) {
	auth := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	for rt, sess := range s.sessions {
		if auth != "" && sess.AccessToken == auth {
			sess.ExpiresAt = time.Now().Add(tokenTTL)
			s.sessions[rt] = sess
			break
		}
	}
	s.mu.Unlock()

	writeSuccess(w, map[string]int64{
		"expiresIn": int64(tokenTTL.Seconds()),
	})
}

func (s *Server) handleSecurityEvent(w http.ResponseWriter, r *http.Request) {
	var event struct {
		EventType string         `json:"eventType"`
		Details   map[string]any `json:"details"`
		Timestamp int64          `json:"timestamp"`
	}
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		writeFailure(w, "invalid request body", nil)
		return
	}

	s.logger.Info("security event reported",
		slog.String("eventType", event.EventType),
		slog.Int64("timestamp", event.Timestamp))
	writeSuccess(w, map[string]string{"status": "recorded"})
}

// issueSession mints a fresh token pair for the account and stores the
// session keyed by refresh token.
func (s *Server) issueSession(acct account) tokenPayload {
	access := uuid.NewString()
	refresh := uuid.NewString()

	s.mu.Lock()
	s.sessions[refresh] = session{
		UserEmail:   acct.Email,
		AccessToken: access,
		ExpiresAt:   time.Now().Add(tokenTTL),
	}
	s.mu.Unlock()

	return tokenPayload{
		AccessToken:  access,
		RefreshToken: refresh,
		ExpiresIn:    int64(tokenTTL.Seconds()),
		User: &userPayload{
			ID:    acct.ID,
			Email: acct.Email,
			Role:  acct.Role,
		},
	}
}
