package migration

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"
)

const (
	backupKeyPrefix    = "auth_backup_"
	backupExpirySuffix = "_expires"
	backupTTL          = 7 * 24 * time.Hour
)

// backupRecord is the JSON bundle written to one backup slot. Values come
// from long-lived storage, SessionValues from session-scoped storage, so
// rollback can restore each key to the scope it came from.
type backupRecord struct {
	Values        map[string]string `json:"values"`
	SessionValues map[string]string `json:"sessionValues"`
	CapturedAt    int64             `json:"capturedAt"`
	UserAgent     string            `json:"userAgent"`
	Origin        string            `json:"origin"`
}

// writeBackup persists record under a uniquely keyed slot with a 7-day
// expiry marker.
func (s *Service) writeBackup(record backupRecord) error {
	data, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("encoding backup: %w", err)
	}

	key := backupKeyPrefix + strconv.FormatInt(record.CapturedAt, 10)
	if err := s.legacy.Set(key, string(data)); err != nil {
		return fmt.Errorf("writing backup slot: %w", err)
	}
	expiresAt := record.CapturedAt + backupTTL.Milliseconds()
	if err := s.legacy.Set(key+backupExpirySuffix, strconv.FormatInt(expiresAt, 10)); err != nil {
		return fmt.Errorf("writing backup expiry marker: %w", err)
	}
	return nil
}

// latestBackup locates and parses the most recent backup slot.
func (s *Service) latestBackup() (*backupRecord, string, error) {
	keys, err := s.legacy.Keys()
	if err != nil {
		return nil, "", fmt.Errorf("listing backup slots: %w", err)
	}

	var slots []string
	for _, k := range keys {
		if strings.HasPrefix(k, backupKeyPrefix) && !strings.HasSuffix(k, backupExpirySuffix) {
			slots = append(slots, k)
		}
	}
	if len(slots) == 0 {
		return nil, "", ErrNoBackup
	}
	// Slot keys embed the capture timestamp, so the lexicographically
	// greatest key of equal length is the newest; sort numerically on the
	// suffix to be safe.
	sort.Slice(slots, func(i, j int) bool {
		return backupSlotTime(slots[i]) < backupSlotTime(slots[j])
	})
	key := slots[len(slots)-1]

	raw, err := s.legacy.Get(key)
	if err != nil {
		return nil, "", fmt.Errorf("reading backup slot %s: %w", key, err)
	}
	var record backupRecord
	if err := json.Unmarshal([]byte(raw), &record); err != nil {
		return nil, "", fmt.Errorf("parsing backup slot %s: %w", key, err)
	}
	return &record, key, nil
}

func backupSlotTime(key string) int64 {
	ts, err := strconv.ParseInt(strings.TrimPrefix(key, backupKeyPrefix), 10, 64)
	if err != nil {
		return 0
	}
	return ts
}

// Rollback restores the most recent backup verbatim, logs the client out
// of the secure scheme, and resets every step so a fresh run can start.
// It refuses to run while a migration is in flight and errors when no
// parseable backup exists — both indicate programmer misuse or an
// unrecoverable state the caller must see.
func (s *Service) Rollback(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrMigrationRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	record, slot, err := s.latestBackup()
	if err != nil {
		return err
	}
	s.logger.Info("rolling back auth storage migration", slog.String("backup", slot))

	for key, value := range record.Values {
		if err := s.legacy.Set(key, value); err != nil {
			return fmt.Errorf("restoring %s: %w", key, err)
		}
	}
	for key, value := range record.SessionValues {
		if err := s.session.Set(key, value); err != nil {
			return fmt.Errorf("restoring session copy of %s: %w", key, err)
		}
	}

	if s.probe != nil {
		s.probe.Logout(ctx)
	}
	s.resetSteps()
	return nil
}

// CleanupBackups deletes backup slots past their expiry marker. It is
// best-effort housekeeping: failures are logged and never returned.
func (s *Service) CleanupBackups() {
	keys, err := s.legacy.Keys()
	if err != nil {
		s.logger.Warn("listing backups for cleanup failed", slog.String("error", err.Error()))
		return
	}

	now := s.now().UnixMilli()
	for _, key := range keys {
		if !strings.HasPrefix(key, backupKeyPrefix) || !strings.HasSuffix(key, backupExpirySuffix) {
			continue
		}
		raw, err := s.legacy.Get(key)
		if err != nil {
			continue
		}
		expiresAt, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || now <= expiresAt {
			if err != nil {
				s.logger.Warn("unparseable backup expiry marker",
					slog.String("key", key), slog.String("value", raw))
			}
			continue
		}

		slot := strings.TrimSuffix(key, backupExpirySuffix)
		if err := s.legacy.Delete(slot); err != nil {
			s.logger.Warn("deleting expired backup failed",
				slog.String("key", slot), slog.String("error", err.Error()))
			continue
		}
		if err := s.legacy.Delete(key); err != nil {
			s.logger.Warn("deleting backup expiry marker failed",
				slog.String("key", key), slog.String("error", err.Error()))
		}
	}
}
