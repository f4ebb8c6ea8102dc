// Package auth implements the client-side secure authentication service:
// the single source of truth for the current session and the operations
// that change it. All network traffic goes through the transport package;
// session state persists to session-scoped storage and is rebuilt from it
// on initialization.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mfallon/opsgate/internal/util"
	"github.com/mfallon/opsgate/migration"
	"github.com/mfallon/opsgate/storage"
	"github.com/mfallon/opsgate/transport"
)

const defaultValidationInterval = 5 * time.Minute

// Migrator gates service initialization on the legacy-storage migration.
// Satisfied by *migration.Service.
type Migrator interface {
	IsComplete() bool
	Run(ctx context.Context) (migration.Status, error)
}

// Credentials carries a login attempt. The email is normalized before
// transmission; the password is sent as provided.
type Credentials struct {
	Email      string
	Password   string
	RememberMe bool
}

// LoginResult is the outcome of an Authenticate call. Failures carry the
// server's error message verbatim, plus rate-limit info when the server
// supplied it, for UI display. Authentication is never retried
// automatically; retrying a login is a user decision.
type LoginResult struct {
	Success   bool
	Error     string
	RateLimit *transport.RateLimitInfo
}

// Service owns the session token state machine. Construct exactly one per
// process and share it; all methods are safe for concurrent use.
type Service struct {
	transport *transport.Client
	store     storage.Store
	logger    *slog.Logger
	interval  time.Duration
	now       func() time.Time

	mu              sync.Mutex
	current         *SessionRecord
	refresh         *refreshCall
	stopValidation  context.CancelFunc
	migrationFailed bool
}

// refreshCall collapses concurrent refresh attempts into one network
// operation; late callers wait on done and share the outcome.
type refreshCall struct {
	done chan struct{}
	ok   bool
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithLogger sets the structured logger. If not set, a default JSON
// logger writing to stderr is used.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithValidationInterval overrides the periodic revalidation interval
// (default 5m).
func WithValidationInterval(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// NewService creates an authentication service over the given transport
// and session-scoped store. Call Initialize before trusting any other
// method.
func NewService(tc *transport.Client, store storage.Store, opts ...ServiceOption) *Service {
	s := &Service{
		transport: tc,
		store:     store,
		interval:  defaultValidationInterval,
		now:       time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return s
}

// Initialize runs the storage migration if needed, then loads and
// validates any persisted session. A validation failure clears the
// persisted record rather than leaving ambiguous state. Migration failure
// blocks authentication and is reported as ErrMigrationFailed.
func (s *Service) Initialize(ctx context.Context, m Migrator) error {
	if m != nil && !m.IsComplete() {
		status, err := m.Run(ctx)
		if err != nil {
			s.setMigrationFailed()
			return fmt.Errorf("running storage migration: %w", err)
		}
		if !status.Complete {
			s.setMigrationFailed()
			return fmt.Errorf("%w: %s", ErrMigrationFailed, strings.Join(status.Errors, "; "))
		}
	}

	rec, err := loadSession(s.store)
	if err != nil {
		s.logger.Warn("discarding unreadable persisted session", slog.String("error", err.Error()))
		if clearErr := clearSession(s.store); clearErr != nil {
			s.logger.Warn("clearing persisted session failed", slog.String("error", clearErr.Error()))
		}
		return nil
	}
	if rec == nil {
		return nil
	}

	s.mu.Lock()
	s.current = rec
	s.mu.Unlock()

	if s.ValidateToken(ctx) {
		s.mu.Lock()
		s.startValidationLocked()
		s.mu.Unlock()
	}
	return nil
}

// MigrationFailed reports whether initialization was blocked by a failed
// migration. UI layers surface this as "migration failed, please refresh".
func (s *Service) MigrationFailed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.migrationFailed
}

func (s *Service) setMigrationFailed() {
	s.mu.Lock()
	s.migrationFailed = true
	s.mu.Unlock()
}

// Authenticate exchanges credentials for a session. On success the record
// is persisted and periodic revalidation starts. On failure the server's
// message and any rate-limit info are returned verbatim.
func (s *Service) Authenticate(ctx context.Context, creds Credentials) *LoginResult {
	if s.MigrationFailed() {
		return &LoginResult{Success: false, Error: ErrMigrationFailed.Error()}
	}

	csrf, err := s.ensureCSRFToken()
	if err != nil {
		s.logger.Warn("csrf token unavailable", slog.String("error", err.Error()))
	}

	body := loginRequest{
		Email:           util.NormalizeEmail(creds.Email),
		Password:        creds.Password,
		CSRFToken:       csrf,
		RememberMe:      creds.RememberMe,
		SecurityContext: s.securityContext(),
	}
	resp := s.transport.Authenticate(ctx, body)
	if !resp.Success {
		return &LoginResult{
			Success:   false,
			Error:     resp.Error,
			RateLimit: resp.Metadata.RateLimit,
		}
	}

	var data loginData
	if err := resp.DecodeData(&data); err != nil {
		s.logger.Error("malformed login payload", slog.String("error", err.Error()))
		return &LoginResult{Success: false, Error: "invalid response format from server"}
	}

	rec := &SessionRecord{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresAt:    s.now().UnixMilli() + data.ExpiresIn*1000,
		User:         data.User,
	}
	if err := saveSession(s.store, rec); err != nil {
		s.logger.Warn("persisting session failed", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	s.current = rec
	s.startValidationLocked()
	s.mu.Unlock()

	s.logger.Info("authenticated", slog.String("user_id", rec.User.ID), slog.String("role", rec.User.Role))
	return &LoginResult{Success: true}
}

// Logout notifies the server best-effort, then unconditionally clears
// local session state and stops revalidation. It never fails: even when
// the network call does, the local session is gone.
func (s *Service) Logout(ctx context.Context) {
	if resp := s.transport.Logout(ctx); !resp.Success {
		s.logger.Warn("server logout failed; clearing local session anyway",
			slog.String("error", resp.Error))
	}
	s.clear()
}

// ValidateToken reports whether the current session is valid. Expiry is
// checked client-side first; an expired record is repaired via refresh
// rather than rejected outright.
func (s *Service) ValidateToken(ctx context.Context) bool {
	s.mu.Lock()
	rec := s.current
	s.mu.Unlock()

	if rec == nil {
		return false
	}
	if rec.Expired(s.now()) {
		return s.RefreshToken(ctx)
	}
	return true
}

// RefreshToken exchanges the stored refresh token for fresh token
// material. Concurrent callers collapse onto a single network call. Any
// failure clears the session: the service fails closed rather than
// keeping a half-valid record.
func (s *Service) RefreshToken(ctx context.Context) bool {
	s.mu.Lock()
	if s.refresh != nil {
		call := s.refresh
		s.mu.Unlock()
		<-call.done
		return call.ok
	}
	call := &refreshCall{done: make(chan struct{})}
	s.refresh = call
	rec := s.current
	s.mu.Unlock()

	ok := s.doRefresh(ctx, rec)

	s.mu.Lock()
	s.refresh = nil
	s.mu.Unlock()
	call.ok = ok
	close(call.done)
	return ok
}

func (s *Service) doRefresh(ctx context.Context, rec *SessionRecord) bool {
	if rec == nil {
		return false
	}

	resp := s.transport.RefreshToken(ctx, rec.RefreshToken)
	if !resp.Success {
		s.logger.Warn("token refresh rejected; clearing session", slog.String("error", resp.Error))
		s.clear()
		return false
	}

	var data refreshData
	if err := resp.DecodeData(&data); err != nil {
		s.logger.Warn("malformed refresh payload; clearing session", slog.String("error", err.Error()))
		s.clear()
		return false
	}

	// Refresh responses return token material only, so the user identity
	// is carried over from the prior record. A server-side role change is
	// not observed until the next full authentication.
	next := &SessionRecord{
		AccessToken:  data.AccessToken,
		RefreshToken: data.RefreshToken,
		ExpiresAt:    s.now().UnixMilli() + data.ExpiresIn*1000,
		User:         rec.User,
	}
	if err := saveSession(s.store, next); err != nil {
		s.logger.Warn("persisting refreshed session failed", slog.String("error", err.Error()))
	}

	s.mu.Lock()
	s.current = next
	s.startValidationLocked()
	s.mu.Unlock()
	return true
}

// CurrentUser returns the authenticated user, or nil when the session is
// absent or cannot be validated.
func (s *Service) CurrentUser(ctx context.Context) *User {
	if !s.ValidateToken(ctx) {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return nil
	}
	u := s.current.User
	return &u
}

// IsAuthenticated is the cheap boolean form of CurrentUser != nil.
func (s *Service) IsAuthenticated(ctx context.Context) bool {
	return s.CurrentUser(ctx) != nil
}

// AccessToken returns the current access token without validation, for
// attaching to ad hoc requests. Empty when unauthenticated.
func (s *Service) AccessToken() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.current == nil {
		return ""
	}
	return s.current.AccessToken
}

// ExtendSession sends a best-effort keep-alive ping. Failures are
// swallowed and reported as false; callers fire this opportunistically
// (e.g. on tab unload) and must never see an error from it.
func (s *Service) ExtendSession(ctx context.Context) bool {
	resp := s.transport.Get(ctx, "/auth-extend", transport.WithoutCache())
	if !resp.Success {
		s.logger.Debug("session extension failed", slog.String("error", resp.Error))
	}
	return resp.Success
}

// ReportSecurityEvent sends fire-and-forget security telemetry. Failures
// are logged, never surfaced.
func (s *Service) ReportSecurityEvent(ctx context.Context, eventType string, details map[string]any) {
	body := securityEvent{
		EventType:       eventType,
		Details:         details,
		Timestamp:       s.now().UnixMilli(),
		SecurityContext: s.securityContext(),
	}
	if resp := s.transport.Post(ctx, "/security-event", body); !resp.Success {
		s.logger.Debug("security event dropped",
			slog.String("event_type", eventType), slog.String("error", resp.Error))
	}
}

// NotifyForeground triggers an out-of-band validation, catching token
// expiry that happened while the client was backgrounded. Embedders call
// this from their visibility-regained hook.
func (s *Service) NotifyForeground(ctx context.Context) {
	s.mu.Lock()
	active := s.current != nil
	s.mu.Unlock()
	if !active {
		return
	}
	if !s.ValidateToken(ctx) {
		s.logger.Info("session expired while backgrounded")
	}
}

// Close stops the periodic validation task. The session record is left
// intact; use Logout to end the session.
func (s *Service) Close() {
	s.mu.Lock()
	s.stopValidationLocked()
	s.mu.Unlock()
}

// clear drops the session: validation stops, the in-memory record is
// discarded, and every session key is removed from storage.
func (s *Service) clear() {
	s.mu.Lock()
	s.stopValidationLocked()
	s.current = nil
	s.mu.Unlock()

	if err := clearSession(s.store); err != nil {
		s.logger.Warn("clearing session storage failed", slog.String("error", err.Error()))
	}
}

// startValidationLocked launches the periodic revalidation task if it is
// not already running. Callers must hold s.mu.
func (s *Service) startValidationLocked() {
	if s.stopValidation != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.stopValidation = cancel
	go s.validationLoop(ctx)
}

// stopValidationLocked cancels the periodic revalidation task. Callers
// must hold s.mu.
func (s *Service) stopValidationLocked() {
	if s.stopValidation != nil {
		s.stopValidation()
		s.stopValidation = nil
	}
}

func (s *Service) validationLoop(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !s.ValidateToken(ctx) {
				// ValidateToken already cleared the session, which
				// cancels this loop's context.
				return
			}
		}
	}
}

// ensureCSRFToken returns the per-session CSRF token, generating and
// persisting one if absent.
func (s *Service) ensureCSRFToken() (string, error) {
	token, err := s.store.Get(KeyCSRFToken)
	if err == nil {
		return token, nil
	}
	if !errors.Is(err, storage.ErrNotFound) {
		return "", fmt.Errorf("reading csrf token: %w", err)
	}
	token = uuid.NewString()
	if err := s.store.Set(KeyCSRFToken, token); err != nil {
		return "", fmt.Errorf("persisting csrf token: %w", err)
	}
	return token, nil
}

func (s *Service) securityContext() securityContext {
	return securityContext{
		UserAgent: s.transport.UserAgent(),
		Origin:    s.transport.BaseURL(),
		Timestamp: s.now().UnixMilli(),
	}
}

// Ping issues a no-op call against the backend to confirm the secure auth
// scheme responds. Used by the migration service's initialization step.
func (s *Service) Ping(ctx context.Context) error {
	resp := s.transport.Get(ctx, "/auth-extend", transport.WithoutCache())
	if !resp.Success {
		return fmt.Errorf("secure auth probe: %s", resp.Error)
	}
	return nil
}

// Authenticated implements migration.SessionProbe.
func (s *Service) Authenticated(ctx context.Context) bool {
	return s.IsAuthenticated(ctx)
}

// HasTokens reports whether any token material exists in the session
// store, regardless of validity.
func (s *Service) HasTokens() bool {
	for _, key := range []string{KeyAccessToken, KeyRefreshToken} {
		if _, err := s.store.Get(key); err == nil {
			return true
		}
	}
	return false
}

var _ migration.SessionProbe = (*Service)(nil)

// Wire shapes for the auth endpoints.
type loginRequest struct {
	Email           string          `json:"email"`
	Password        string          `json:"password"`
	CSRFToken       string          `json:"csrfToken"`
	RememberMe      bool            `json:"rememberMe"`
	SecurityContext securityContext `json:"securityContext"`
}

type loginData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
	User         User   `json:"user"`
}

type refreshData struct {
	AccessToken  string `json:"accessToken"`
	RefreshToken string `json:"refreshToken"`
	ExpiresIn    int64  `json:"expiresIn"`
}

type securityContext struct {
	UserAgent string `json:"userAgent"`
	Origin    string `json:"origin"`
	Timestamp int64  `json:"timestamp"`
}

type securityEvent struct {
	EventType       string          `json:"eventType"`
	Details         map[string]any  `json:"details"`
	Timestamp       int64           `json:"timestamp"`
	SecurityContext securityContext `json:"securityContext"`
}
