package memory

import (
	"testing"

	"github.com/mfallon/opsgate/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore(t *testing.T) {
	s := New()

	t.Run("SetAndGet", func(t *testing.T) {
		require.NoError(t, s.Set("access_token", "tok-1"))
		v, err := s.Get("access_token")
		require.NoError(t, err)
		assert.Equal(t, "tok-1", v)
	})

	t.Run("GetMissing", func(t *testing.T) {
		_, err := s.Get("no-such-key")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("Overwrite", func(t *testing.T) {
		require.NoError(t, s.Set("k", "v1"))
		require.NoError(t, s.Set("k", "v2"))
		v, err := s.Get("k")
		require.NoError(t, err)
		assert.Equal(t, "v2", v)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, s.Set("gone", "x"))
		require.NoError(t, s.Delete("gone"))
		_, err := s.Get("gone")
		assert.ErrorIs(t, err, storage.ErrNotFound)
	})

	t.Run("DeleteMissing", func(t *testing.T) {
		assert.NoError(t, s.Delete("never-existed"))
	})

	t.Run("Keys", func(t *testing.T) {
		fresh := New()
		require.NoError(t, fresh.Set("a", "1"))
		require.NoError(t, fresh.Set("b", "2"))
		keys, err := fresh.Keys()
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"a", "b"}, keys)
	})
}
