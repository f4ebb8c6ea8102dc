// Package storage provides the key/value storage abstraction used for
// client-side session state. Two scopes exist: session-scoped storage
// (memory) that lives for one process lifetime, and long-lived storage
// (bbolt) that survives restarts and holds legacy tokens and backups.
package storage

import "errors"

// ErrNotFound is returned when a key does not exist in the store.
var ErrNotFound = errors.New("key not found")

// Store defines the interface for a flat key/value store of string values.
// Implementations must be safe for concurrent use.
type Store interface {
	// Get retrieves the value for key. Returns ErrNotFound if absent.
	Get(key string) (string, error)
	// Set stores value under key, overwriting any existing value.
	Set(key, value string) error
	// Delete removes key. Deleting an absent key is not an error.
	Delete(key string) error
	// Keys lists every key currently present in the store.
	Keys() ([]string, error)
}
