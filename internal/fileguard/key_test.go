package fileguard

import (
	"encoding/hex"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeriveKeyIsStable(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)

	a, err := DeriveKey("correct horse battery staple", salt)
	require.NoError(t, err)
	b, err := DeriveKey("correct horse battery staple", salt)
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.Len(t, a, 32)
}

func TestDeriveKeyVariesWithInputs(t *testing.T) {
	salt1, err := NewSalt()
	require.NoError(t, err)
	salt2, err := NewSalt()
	require.NoError(t, err)

	a, err := DeriveKey("passphrase", salt1)
	require.NoError(t, err)
	b, err := DeriveKey("passphrase", salt2)
	require.NoError(t, err)
	c, err := DeriveKey("other passphrase", salt1)
	require.NoError(t, err)

	assert.NotEqual(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestKeyFromConfig(t *testing.T) {
	salt, err := NewSalt()
	require.NoError(t, err)
	saltHex := hex.EncodeToString(salt)
	keyHex := strings.Repeat("ab", 32)

	t.Run("raw hex key", func(t *testing.T) {
		key, err := KeyFromConfig(keyHex, "", "")
		require.NoError(t, err)
		assert.Len(t, key, 32)
	})

	t.Run("hex key takes precedence over passphrase", func(t *testing.T) {
		key, err := KeyFromConfig(keyHex, "passphrase", saltHex)
		require.NoError(t, err)
		expected, _ := hex.DecodeString(keyHex)
		assert.Equal(t, expected, key)
	})

	t.Run("passphrase derivation", func(t *testing.T) {
		key, err := KeyFromConfig("", "passphrase", saltHex)
		require.NoError(t, err)
		assert.Len(t, key, 32)
	})

	t.Run("wrong key length", func(t *testing.T) {
		_, err := KeyFromConfig(strings.Repeat("ab", 16), "", "")
		assert.ErrorIs(t, err, ErrInvalidKeySize)
	})

	t.Run("no material", func(t *testing.T) {
		_, err := KeyFromConfig("", "", "")
		assert.ErrorIs(t, err, ErrNoKeyMaterial)
	})
}
