package auth

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/mfallon/opsgate/storage"
)

// Storage keys for the secure session scheme. Together with the signing
// key they form the persisted state layout of the client.
const (
	KeyAccessToken  = "access_token"
	KeyRefreshToken = "refresh_token"
	KeyTokenExpires = "token_expires"
	KeyUserID       = "user_id"
	KeyUserEmail    = "user_email"
	KeyUserRole     = "user_role"
	KeyCSRFToken    = "csrf_token"
)

// SessionKeys lists every key cleared on logout. The signing key is
// deliberately absent: it is per browsing session, not per login.
var SessionKeys = []string{
	KeyAccessToken,
	KeyRefreshToken,
	KeyTokenExpires,
	KeyUserID,
	KeyUserEmail,
	KeyUserRole,
	KeyCSRFToken,
}

// User identifies the authenticated account.
type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Role  string `json:"role"`
}

// SessionRecord is the authoritative client-side representation of an
// authenticated session. Records are immutable values: state changes
// replace the whole record rather than mutating fields in place.
type SessionRecord struct {
	AccessToken  string
	RefreshToken string
	// ExpiresAt is the absolute access-token expiry in epoch milliseconds.
	ExpiresAt int64
	User      User
}

// Expired reports whether the access token's expiry has passed.
func (r *SessionRecord) Expired(now time.Time) bool {
	return now.UnixMilli() >= r.ExpiresAt
}

// loadSession reads a SessionRecord from the store. The record is
// all-or-nothing: if any of the six fields is missing the whole record is
// treated as absent (nil, nil).
func loadSession(store storage.Store) (*SessionRecord, error) {
	get := func(key string) (string, bool, error) {
		v, err := store.Get(key)
		if errors.Is(err, storage.ErrNotFound) {
			return "", false, nil
		}
		if err != nil {
			return "", false, fmt.Errorf("reading %s: %w", key, err)
		}
		return v, true, nil
	}

	values := make(map[string]string, 6)
	for _, key := range []string{KeyAccessToken, KeyRefreshToken, KeyTokenExpires, KeyUserID, KeyUserEmail, KeyUserRole} {
		v, ok, err := get(key)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, nil
		}
		values[key] = v
	}

	expiresAt, err := strconv.ParseInt(values[KeyTokenExpires], 10, 64)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", KeyTokenExpires, err)
	}

	return &SessionRecord{
		AccessToken:  values[KeyAccessToken],
		RefreshToken: values[KeyRefreshToken],
		ExpiresAt:    expiresAt,
		User: User{
			ID:    values[KeyUserID],
			Email: values[KeyUserEmail],
			Role:  values[KeyUserRole],
		},
	}, nil
}

// saveSession persists the record across the session-store keys.
func saveSession(store storage.Store, rec *SessionRecord) error {
	pairs := map[string]string{
		KeyAccessToken:  rec.AccessToken,
		KeyRefreshToken: rec.RefreshToken,
		KeyTokenExpires: strconv.FormatInt(rec.ExpiresAt, 10),
		KeyUserID:       rec.User.ID,
		KeyUserEmail:    rec.User.Email,
		KeyUserRole:     rec.User.Role,
	}
	for key, value := range pairs {
		if err := store.Set(key, value); err != nil {
			return fmt.Errorf("writing %s: %w", key, err)
		}
	}
	return nil
}

// clearSession removes every session key from the store.
func clearSession(store storage.Store) error {
	var firstErr error
	for _, key := range SessionKeys {
		if err := store.Delete(key); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("deleting %s: %w", key, err)
		}
	}
	return firstErr
}
