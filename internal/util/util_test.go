package util

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRandomBytes(t *testing.T) {
	a, err := RandomBytes(16)
	require.NoError(t, err)
	b, err := RandomBytes(16)
	require.NoError(t, err)
	assert.Len(t, a, 16)
	assert.NotEqual(t, a, b, "random bytes should differ between calls")
}

func TestRandomHex(t *testing.T) {
	s, err := RandomHex(16)
	require.NoError(t, err)
	assert.Len(t, s, 32)
	decoded, err := HexDecode(s)
	require.NoError(t, err)
	assert.Len(t, decoded, 16)
}

func TestHKDFDeterministic(t *testing.T) {
	seed := []byte("seed material")
	k1, err := HKDF(seed, []byte("salt"), []byte("info"))
	require.NoError(t, err)
	k2, err := HKDF(seed, []byte("salt"), []byte("info"))
	require.NoError(t, err)
	assert.Equal(t, k1, k2)
	assert.Len(t, k1, HKDFKeyLength)

	k3, err := HKDF(seed, []byte("salt"), []byte("other"))
	require.NoError(t, err)
	assert.NotEqual(t, k1, k3, "different info should derive a different key")
}

func TestNormalizeEmail(t *testing.T) {
	assert.Equal(t, "user@example.com", NormalizeEmail("  User@Example.com "))
	assert.Equal(t, "user@example.com", NormalizeEmail("USER@EXAMPLE.COM"))
	// NFKC folds the fullwidth form to ASCII.
	assert.Equal(t, "abc@x.io", NormalizeEmail("ａｂｃ@x.io"))
}

func TestWipeBytes(t *testing.T) {
	b := []byte{1, 2, 3}
	WipeBytes(b)
	assert.Equal(t, []byte{0, 0, 0}, b)
}
