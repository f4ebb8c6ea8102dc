package migration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mfallon/opsgate/storage"
)

// backupTokens bundles every present legacy key into a timestamped backup
// slot. The step is best-effort: any failure is logged and recorded as a
// warning, and the step still completes — a missing backup must not block
// the migration itself.
func (s *Service) backupTokens() error {
	record := backupRecord{
		Values:        map[string]string{},
		SessionValues: map[string]string{},
		CapturedAt:    s.now().UnixMilli(),
		UserAgent:     s.userAgent,
		Origin:        s.origin,
	}

	for _, key := range legacyKeys {
		if v, err := s.legacy.Get(key); err == nil {
			record.Values[key] = v
		} else if !errors.Is(err, storage.ErrNotFound) {
			s.noteBackupFailure(key, err)
		}
		if v, err := s.session.Get(key); err == nil {
			record.SessionValues[key] = v
		} else if !errors.Is(err, storage.ErrNotFound) {
			s.noteBackupFailure(key, err)
		}
	}

	if err := s.writeBackup(record); err != nil {
		s.logger.Warn("writing token backup failed; continuing without one",
			slog.String("error", err.Error()))
		s.addWarning(StepBackupTokens + ": " + err.Error())
	}
	return nil
}

func (s *Service) noteBackupFailure(key string, err error) {
	s.logger.Warn("backing up legacy key failed",
		slog.String("key", key), slog.String("error", err.Error()))
	s.addWarning(fmt.Sprintf("%s: reading %s: %v", StepBackupTokens, key, err))
}

// clearOldTokens deletes every known legacy key from both storage scopes.
// Unlike backup, a failure here is fatal: leaving legacy tokens behind
// defeats the point of the migration.
func (s *Service) clearOldTokens() error {
	for _, key := range legacyKeys {
		if err := s.legacy.Delete(key); err != nil {
			return fmt.Errorf("deleting legacy key %s: %w", key, err)
		}
		if err := s.session.Delete(key); err != nil {
			return fmt.Errorf("deleting session copy of legacy key %s: %w", key, err)
		}
	}
	return nil
}

// initializeSecureAuth confirms the secure scheme's backend responds.
func (s *Service) initializeSecureAuth(ctx context.Context) error {
	if s.probe == nil {
		return errors.New("no session probe configured")
	}
	if err := s.probe.Ping(ctx); err != nil {
		return fmt.Errorf("probing secure auth: %w", err)
	}
	return nil
}

// migratePreferences copies the legacy preferences blob into the new
// scheme's storage, stamped with migration metadata. The legacy keys were
// already cleared by the previous step, so the blob is sourced from the
// backup taken in the first step.
func (s *Service) migratePreferences() error {
	backup, _, err := s.latestBackup()
	if err != nil {
		if errors.Is(err, ErrNoBackup) {
			// Nothing captured, nothing to migrate.
			return nil
		}
		return fmt.Errorf("loading backup for preference migration: %w", err)
	}

	blob, ok := backup.Values[legacyPrefsKey]
	if !ok {
		blob, ok = backup.SessionValues[legacyPrefsKey]
	}
	if !ok {
		return nil
	}

	migrated, err := json.Marshal(migratedPrefs{
		Data:       json.RawMessage(normalizePrefsBlob(blob)),
		MigratedAt: s.now().UnixMilli(),
		Version:    prefsVersion,
	})
	if err != nil {
		return fmt.Errorf("encoding migrated preferences: %w", err)
	}
	if err := s.session.Set(newPrefsKey, string(migrated)); err != nil {
		return fmt.Errorf("writing migrated preferences: %w", err)
	}
	return nil
}

// normalizePrefsBlob keeps valid JSON as-is and wraps anything else as a
// JSON string so the migrated record is always well-formed.
func normalizePrefsBlob(blob string) []byte {
	if json.Valid([]byte(blob)) {
		return []byte(blob)
	}
	quoted, err := json.Marshal(blob)
	if err != nil {
		return []byte(`""`)
	}
	return quoted
}

type migratedPrefs struct {
	Data       json.RawMessage `json:"data"`
	MigratedAt int64           `json:"migratedAt"`
	Version    string          `json:"version"`
}

// validateOutcome confirms the new system is in a consistent state:
// either authenticated, or unauthenticated with no token material at all.
// It also confirms no legacy keys survived the clear step.
func (s *Service) validateOutcome(ctx context.Context) error {
	if s.probe == nil {
		return errors.New("no session probe configured")
	}

	if s.probe.HasTokens() && !s.probe.Authenticated(ctx) {
		return errors.New("inconsistent state: tokens present but session not authenticated")
	}

	for _, key := range legacyKeys {
		if _, err := s.legacy.Get(key); err == nil {
			return fmt.Errorf("legacy key %s still present after migration", key)
		}
		if _, err := s.session.Get(key); err == nil {
			return fmt.Errorf("legacy key %s still present in session storage", key)
		}
	}
	return nil
}
