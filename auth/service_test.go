package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mfallon/opsgate/migration"
	"github.com/mfallon/opsgate/storage"
	"github.com/mfallon/opsgate/storage/memory"
	"github.com/mfallon/opsgate/transport"
)

func newTestService(t *testing.T, handler http.Handler) (*Service, storage.Store) {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)

	store := memory.New()
	tc := transport.New(ts.URL, store,
		transport.WithBasePath(""),
		transport.WithMaxAttempts(1))
	svc := NewService(tc, store)
	t.Cleanup(svc.Close)
	return svc, store
}

func writeEnvelope(w http.ResponseWriter, success bool, data any, errMsg string) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"data":    data,
		"error":   errMsg,
	})
}

func loginHandler(t *testing.T, captured *loginRequest) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth-login", func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		if captured != nil {
			*captured = req
		}
		writeEnvelope(w, true, loginData{
			AccessToken:  "access-1",
			RefreshToken: "refresh-1",
			ExpiresIn:    900,
			User:         User{ID: "u-42", Email: req.Email, Role: "nurse"},
		}, "")
	})
	mux.HandleFunc("/auth-logout", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, true, nil, "")
	})
	return mux
}

func TestAuthenticateSuccess(t *testing.T) {
	var captured loginRequest
	svc, store := newTestService(t, loginHandler(t, &captured))

	ctx := context.Background()
	result := svc.Authenticate(ctx, Credentials{
		Email:    "  Nurse@Clinic.Example  ",
		Password: "s3cret",
	})
	require.True(t, result.Success)

	assert.Equal(t, "nurse@clinic.example", captured.Email, "email must be normalized before transmission")
	assert.Equal(t, "s3cret", captured.Password)
	assert.NotEmpty(t, captured.CSRFToken)
	assert.NotZero(t, captured.SecurityContext.Timestamp)

	require.True(t, svc.IsAuthenticated(ctx))
	user := svc.CurrentUser(ctx)
	require.NotNil(t, user)
	assert.Equal(t, "u-42", user.ID)
	assert.Equal(t, "nurse", user.Role)
	assert.Equal(t, "access-1", svc.AccessToken())

	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyTokenExpires, KeyUserID, KeyUserEmail, KeyUserRole} {
		_, err := store.Get(key)
		assert.NoError(t, err, "expected %s to be persisted", key)
	}
}

func TestAuthenticateFailurePassesThroughRateLimit(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth-login", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"success":false,"error":"Invalid email or password","rateLimitInfo":{"remainingAttempts":3,"resetTime":1700000000000}}`))
	})
	svc, _ := newTestService(t, mux)

	result := svc.Authenticate(context.Background(), Credentials{Email: "a@b.c", Password: "x"})
	assert.False(t, result.Success)
	assert.Equal(t, "Invalid email or password", result.Error)
	require.NotNil(t, result.RateLimit)
	assert.Equal(t, 3, result.RateLimit.RemainingAttempts)
	assert.False(t, svc.IsAuthenticated(context.Background()))
}

func TestLogoutClearsEverySessionKey(t *testing.T) {
	svc, store := newTestService(t, loginHandler(t, nil))

	ctx := context.Background()
	require.True(t, svc.Authenticate(ctx, Credentials{Email: "a@b.c", Password: "x"}).Success)
	svc.Logout(ctx)

	for _, key := range SessionKeys {
		_, err := store.Get(key)
		assert.ErrorIs(t, err, storage.ErrNotFound, "expected %s to be cleared", key)
	}
	// The signing key survives logout: it is scoped to the browsing
	// session, not the login.
	_, err := store.Get(transport.SigningKeyStorageKey)
	assert.NoError(t, err)

	assert.False(t, svc.IsAuthenticated(ctx))
	assert.Empty(t, svc.AccessToken())
}

func TestLogoutClearsLocalStateWhenServerFails(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth-login", loginHandler(t, nil).ServeHTTP)
	mux.HandleFunc("/auth-logout", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, false, nil, "backend unavailable")
	})
	svc, store := newTestService(t, mux)

	ctx := context.Background()
	require.True(t, svc.Authenticate(ctx, Credentials{Email: "a@b.c", Password: "x"}).Success)
	svc.Logout(ctx)

	for _, key := range SessionKeys {
		_, err := store.Get(key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	assert.False(t, svc.IsAuthenticated(ctx))
}

func seedExpiredSession(t *testing.T, store storage.Store) {
	t.Helper()
	require.NoError(t, saveSession(store, &SessionRecord{
		AccessToken:  "stale-access",
		RefreshToken: "stale-refresh",
		ExpiresAt:    time.Now().Add(-time.Minute).UnixMilli(),
		User:         User{ID: "u-42", Email: "a@b.c", Role: "nurse"},
	}))
}

func TestConcurrentRefreshCollapses(t *testing.T) {
	var refreshCalls atomic.Int64
	release := make(chan struct{})
	mux := http.NewServeMux()
	mux.HandleFunc("/auth-refresh", func(w http.ResponseWriter, r *http.Request) {
		refreshCalls.Add(1)
		<-release
		writeEnvelope(w, true, refreshData{
			AccessToken:  "fresh-access",
			RefreshToken: "fresh-refresh",
			ExpiresIn:    900,
		}, "")
	})
	svc, store := newTestService(t, mux)

	seedExpiredSession(t, store)
	require.NoError(t, svc.Initialize(context.Background(), nil))

	const n = 8
	var wg sync.WaitGroup
	results := make([]bool, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = svc.RefreshToken(context.Background())
		}(i)
	}
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	assert.Equal(t, int64(1), refreshCalls.Load(), "concurrent refreshes must share one network call")
	for _, ok := range results {
		assert.True(t, ok)
	}
	assert.Equal(t, "fresh-access", svc.AccessToken())
}

func TestExpiredSessionRefreshesTransparently(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth-refresh", func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			RefreshToken string `json:"refreshToken"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "stale-refresh", req.RefreshToken)
		writeEnvelope(w, true, refreshData{
			AccessToken:  "fresh-access",
			RefreshToken: "fresh-refresh",
			ExpiresIn:    900,
		}, "")
	})
	svc, store := newTestService(t, mux)

	seedExpiredSession(t, store)
	require.NoError(t, svc.Initialize(context.Background(), nil))

	user := svc.CurrentUser(context.Background())
	require.NotNil(t, user, "an expired session should be repaired via refresh")
	assert.Equal(t, "u-42", user.ID, "identity carries over from the prior record")

	tokenInStore, err := store.Get(KeyAccessToken)
	require.NoError(t, err)
	assert.Equal(t, "fresh-access", tokenInStore)
}

func TestRefreshFailureClearsSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth-refresh", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, false, nil, "Invalid or expired refresh token")
	})
	svc, store := newTestService(t, mux)

	seedExpiredSession(t, store)
	require.NoError(t, svc.Initialize(context.Background(), nil))

	assert.False(t, svc.ValidateToken(context.Background()))
	assert.False(t, svc.IsAuthenticated(context.Background()))
	for _, key := range SessionKeys {
		_, err := store.Get(key)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
}

func TestInitializeRestoresPersistedSession(t *testing.T) {
	svc, store := newTestService(t, http.NewServeMux())

	require.NoError(t, saveSession(store, &SessionRecord{
		AccessToken:  "persisted-access",
		RefreshToken: "persisted-refresh",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		User:         User{ID: "u-9", Email: "x@y.z", Role: "admin"},
	}))
	require.NoError(t, svc.Initialize(context.Background(), nil))

	user := svc.CurrentUser(context.Background())
	require.NotNil(t, user)
	assert.Equal(t, "u-9", user.ID)
}

func TestInitializeIgnoresPartialRecord(t *testing.T) {
	svc, store := newTestService(t, http.NewServeMux())

	require.NoError(t, store.Set(KeyAccessToken, "orphaned-token"))
	require.NoError(t, svc.Initialize(context.Background(), nil))

	assert.False(t, svc.IsAuthenticated(context.Background()))
}

type fakeMigrator struct {
	complete bool
	status   migration.Status
	err      error
	runs     atomic.Int64
}

func (m *fakeMigrator) IsComplete() bool { return m.complete }

func (m *fakeMigrator) Run(ctx context.Context) (migration.Status, error) {
	m.runs.Add(1)
	return m.status, m.err
}

func TestInitializeRunsMigration(t *testing.T) {
	svc, _ := newTestService(t, http.NewServeMux())

	m := &fakeMigrator{status: migration.Status{Complete: true}}
	require.NoError(t, svc.Initialize(context.Background(), m))
	assert.Equal(t, int64(1), m.runs.Load())
	assert.False(t, svc.MigrationFailed())
}

func TestInitializeSkipsCompletedMigration(t *testing.T) {
	svc, _ := newTestService(t, http.NewServeMux())

	m := &fakeMigrator{complete: true}
	require.NoError(t, svc.Initialize(context.Background(), m))
	assert.Equal(t, int64(0), m.runs.Load())
}

func TestMigrationFailureBlocksAuthentication(t *testing.T) {
	var loginCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/auth-login", func(w http.ResponseWriter, r *http.Request) {
		loginCalls.Add(1)
		writeEnvelope(w, true, nil, "")
	})
	svc, _ := newTestService(t, mux)

	m := &fakeMigrator{status: migration.Status{
		Complete: false,
		Errors:   []string{"clear_old_tokens: boom"},
	}}
	err := svc.Initialize(context.Background(), m)
	require.ErrorIs(t, err, ErrMigrationFailed)
	assert.True(t, svc.MigrationFailed())

	result := svc.Authenticate(context.Background(), Credentials{Email: "a@b.c", Password: "x"})
	assert.False(t, result.Success)
	assert.Equal(t, int64(0), loginCalls.Load(), "a failed migration must block login without touching the network")
}

func TestCSRFTokenIsStablePerSession(t *testing.T) {
	tokens := make(chan string, 2)
	mux := http.NewServeMux()
	mux.HandleFunc("/auth-login", func(w http.ResponseWriter, r *http.Request) {
		var req loginRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		tokens <- req.CSRFToken
		writeEnvelope(w, false, nil, "Invalid email or password")
	})
	svc, _ := newTestService(t, mux)

	ctx := context.Background()
	svc.Authenticate(ctx, Credentials{Email: "a@b.c", Password: "one"})
	svc.Authenticate(ctx, Credentials{Email: "a@b.c", Password: "two"})

	first, second := <-tokens, <-tokens
	assert.NotEmpty(t, first)
	assert.Equal(t, first, second)
}

func TestNotifyForegroundClearsDeadSession(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/auth-refresh", func(w http.ResponseWriter, r *http.Request) {
		writeEnvelope(w, false, nil, "Invalid or expired refresh token")
	})
	svc, store := newTestService(t, mux)

	seedExpiredSession(t, store)
	require.NoError(t, svc.Initialize(context.Background(), nil))

	svc.NotifyForeground(context.Background())
	assert.False(t, svc.IsAuthenticated(context.Background()))
}

func TestExtendSession(t *testing.T) {
	var extendCalls atomic.Int64
	mux := http.NewServeMux()
	mux.HandleFunc("/auth-extend", func(w http.ResponseWriter, r *http.Request) {
		extendCalls.Add(1)
		writeEnvelope(w, true, map[string]int64{"expiresIn": 900}, "")
	})
	svc, _ := newTestService(t, mux)

	assert.True(t, svc.ExtendSession(context.Background()))
	assert.Equal(t, int64(1), extendCalls.Load())
}

func TestHasTokens(t *testing.T) {
	svc, store := newTestService(t, loginHandler(t, nil))

	ctx := context.Background()
	assert.False(t, svc.HasTokens())

	require.True(t, svc.Authenticate(ctx, Credentials{Email: "a@b.c", Password: "x"}).Success)
	assert.True(t, svc.HasTokens())

	svc.Logout(ctx)
	assert.False(t, svc.HasTokens())

	// Orphaned token material still counts.
	require.NoError(t, store.Set(KeyRefreshToken, "leftover"))
	assert.True(t, svc.HasTokens())
}

func TestReportSecurityEventIsFireAndForget(t *testing.T) {
	received := make(chan securityEvent, 1)
	mux := http.NewServeMux()
	mux.HandleFunc("/security-event", func(w http.ResponseWriter, r *http.Request) {
		var ev securityEvent
		require.NoError(t, json.NewDecoder(r.Body).Decode(&ev))
		received <- ev
		writeEnvelope(w, true, nil, "")
	})
	svc, _ := newTestService(t, mux)

	svc.ReportSecurityEvent(context.Background(), "suspicious_navigation", map[string]any{
		"path": "/admin",
	})

	ev := <-received
	assert.Equal(t, "suspicious_navigation", ev.EventType)
	assert.Equal(t, "/admin", ev.Details["path"])
	assert.NotZero(t, ev.Timestamp)
}
