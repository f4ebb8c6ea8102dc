package auth

import "errors"

var (
	// ErrMigrationFailed indicates the legacy-storage migration could not
	// complete; authentication is blocked until the client is restarted
	// and the migration retried.
	ErrMigrationFailed = errors.New("storage migration failed")
)
