// Package migration implements the one-shot transition from the legacy
// token-storage scheme to the secure session scheme. Steps run strictly
// in order; required-step failures halt the run, optional-step failures
// downgrade to warnings. The migration gates the authentication service:
// no session is trusted until the migration reports complete.
package migration

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/mfallon/opsgate/storage"
)

// Step identifiers, in execution order.
const (
	StepBackupTokens    = "backup_tokens"
	StepClearOldTokens  = "clear_old_tokens"
	StepInitializeAuth  = "initialize_secure_auth"
	StepMigratePrefs    = "migrate_user_preferences"
	StepValidateOutcome = "validate_migration"
)

// Legacy storage keys read, backed up, and deleted by the migration.
var legacyKeys = []string{
	"sb-access-token",
	"sb-refresh-token",
	"sb-expires-at",
	"sb-user",
	"auth_token",
	"auth_expiry",
	"user_data",
}

const (
	legacyPrefsKey = "user_data"
	newPrefsKey    = "user_preferences"
	prefsVersion   = "1"
)

var (
	// ErrMigrationRunning is returned when a run or rollback is requested
	// while another run is in flight. Concurrent runs are rejected, not
	// queued.
	ErrMigrationRunning = errors.New("migration already running")
	// ErrNoBackup is returned by Rollback when no usable backup exists.
	ErrNoBackup = errors.New("no migration backup found")
)

// SessionProbe is the migration's view of the secure authentication
// service. Satisfied by *auth.Service.
type SessionProbe interface {
	// Ping confirms the secure scheme's backend responds.
	Ping(ctx context.Context) error
	// Authenticated reports whether a valid session exists.
	Authenticated(ctx context.Context) bool
	// HasTokens reports whether token material is present in the new
	// scheme's storage, valid or not.
	HasTokens() bool
	// Logout clears the secure session; used during rollback.
	Logout(ctx context.Context)
}

// Step describes one unit of migration work.
type Step struct {
	ID        string
	Name      string
	Required  bool
	Completed bool
	Err       string
}

// Status is the aggregate read-only view of a migration run. Complete is
// true only when every required step has completed.
type Status struct {
	Complete       bool
	StepsCompleted []string
	StepsRemaining []string
	Errors         []string
	Warnings       []string
}

// Service runs the migration. Step completion lives in memory only: a
// process restart re-runs from the first step, and each step tolerates
// re-execution against already-migrated storage.
type Service struct {
	legacy  storage.Store
	session storage.Store
	probe   SessionProbe
	logger  *slog.Logger
	now     func() time.Time

	userAgent string
	origin    string

	mu       sync.Mutex
	running  bool
	steps    []Step
	warnings []string
}

// ServiceOption configures a migration Service.
type ServiceOption func(*Service)

// WithLogger sets the structured logger.
func WithLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// WithClock injects a time source for tests.
func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

// WithClientInfo records the client identity stamped into backup records.
func WithClientInfo(userAgent, origin string) ServiceOption {
	return func(s *Service) {
		s.userAgent = userAgent
		s.origin = origin
	}
}

// NewService creates a migration service over the legacy (long-lived) and
// session-scoped stores. probe may be nil only in tests that never reach
// the initialization step.
func NewService(legacy, session storage.Store, probe SessionProbe, opts ...ServiceOption) *Service {
	s := &Service{
		legacy:  legacy,
		session: session,
		probe:   probe,
		now:     time.Now,
		steps: []Step{
			// backup_tokens carries the required flag but its body is
			// best-effort: failures are logged and recorded as warnings,
			// never fatal. Losing a backup is survivable; losing the
			// migration is not.
			{ID: StepBackupTokens, Name: "Back up legacy tokens", Required: true},
			{ID: StepClearOldTokens, Name: "Clear legacy tokens", Required: true},
			{ID: StepInitializeAuth, Name: "Initialize secure authentication", Required: true},
			{ID: StepMigratePrefs, Name: "Migrate user preferences", Required: false},
			{ID: StepValidateOutcome, Name: "Validate migration", Required: true},
		},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.New(slog.NewJSONHandler(os.Stderr, nil))
	}
	return s
}

// Run executes the step sequence. It returns an error only when another
// run is already in flight; step failures are captured in the returned
// Status, never thrown. Steps already marked completed are skipped, so a
// halted run can resume within the same service lifetime.
func (s *Service) Run(ctx context.Context) (Status, error) {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return Status{}, ErrMigrationRunning
	}
	s.running = true
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
	}()

	s.logger.Info("starting auth storage migration")

	for i := range s.steps {
		step := s.stepAt(i)
		if step.Completed {
			continue
		}

		err := s.runStep(ctx, step.ID)
		if err == nil {
			s.markCompleted(i)
			s.logger.Info("migration step completed", slog.String("step", step.ID))
			continue
		}

		if step.Required {
			s.markError(i, err)
			s.logger.Error("required migration step failed; halting",
				slog.String("step", step.ID), slog.String("error", err.Error()))
			break
		}
		s.markError(i, err)
		s.logger.Warn("optional migration step failed; continuing",
			slog.String("step", step.ID), slog.String("error", err.Error()))
	}

	status := s.Status()
	if status.Complete {
		s.logger.Info("auth storage migration complete")
	}
	return status, nil
}

func (s *Service) runStep(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	switch id {
	case StepBackupTokens:
		return s.backupTokens()
	case StepClearOldTokens:
		return s.clearOldTokens()
	case StepInitializeAuth:
		return s.initializeSecureAuth(ctx)
	case StepMigratePrefs:
		return s.migratePreferences()
	case StepValidateOutcome:
		return s.validateOutcome(ctx)
	default:
		return fmt.Errorf("unknown migration step %q", id)
	}
}

// Status returns the aggregate view of the current step state.
func (s *Service) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{Complete: true}
	st.Warnings = append(st.Warnings, s.warnings...)
	for _, step := range s.steps {
		if step.Completed {
			st.StepsCompleted = append(st.StepsCompleted, step.ID)
		} else {
			st.StepsRemaining = append(st.StepsRemaining, step.ID)
			if step.Required {
				st.Complete = false
			}
		}
		if step.Err == "" {
			continue
		}
		msg := step.ID + ": " + step.Err
		if step.Required {
			st.Errors = append(st.Errors, msg)
		} else {
			st.Warnings = append(st.Warnings, msg)
		}
	}
	return st
}

// Steps returns a defensive copy of the step sequence.
func (s *Service) Steps() []Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Step, len(s.steps))
	copy(out, s.steps)
	return out
}

// IsComplete reports whether every required step has completed.
func (s *Service) IsComplete() bool {
	return s.Status().Complete
}

// IsRunning reports whether a run is currently in flight.
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

func (s *Service) stepAt(i int) Step {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.steps[i]
}

func (s *Service) markCompleted(i int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[i].Completed = true
	s.steps[i].Err = ""
}

func (s *Service) markError(i int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps[i].Err = err.Error()
}

func (s *Service) addWarning(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.warnings = append(s.warnings, msg)
}

// resetSteps clears completion and error state so a fresh run can start.
func (s *Service) resetSteps() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.steps {
		s.steps[i].Completed = false
		s.steps[i].Err = ""
	}
	s.warnings = nil
}
