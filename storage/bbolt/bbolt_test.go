package bbolt

import (
	"path/filepath"
	"testing"

	"github.com/mfallon/opsgate/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStoreFromFile(filepath.Join(t.TempDir(), "opsgate.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestBoltStore(t *testing.T) {
	s := newTestStore(t)

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, s.Set("sb-access-token", "legacy-tok"))
		v, err := s.Get("sb-access-token")
		require.NoError(t, err)
		assert.Equal(t, "legacy-tok", v)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get("no-such-key")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		assert.NoError(t, s.Delete("never-existed"))
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Set("gone", "x"))
		require.NoError(t, s.Delete("gone"))
		_, err := s.Get("gone")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Keys", func(t *testing.T) {
		fresh := newTestStore(t)
		require.NoError(t, fresh.Set("a", "1"))
		require.NoError(t, fresh.Set("b", "2"))
		keys, err := fresh.Keys()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, keys)
	})
}

func TestBoltStoreSurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "opsgate.db")

	s1, err := NewStoreFromFile(path, nil)
	require.NoError(t, err)
	require.NoError(t, s1.Set("auth_token", "persisted"))
	require.NoError(t, s1.Close())

	s2, err := NewStoreFromFile(path, nil)
	require.NoError(t, err)
	defer s2.Close()

	v, err := s2.Get("auth_token")
	require.NoError(t, err)
	assert.Equal(t, "persisted", v)
}
