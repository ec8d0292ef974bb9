package fileguard

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey(t *testing.T) []byte {
	t.Helper()
	key := make([]byte, 32)
	_, err := rand.Read(key)
	require.NoError(t, err)
	return key
}

func TestNewCryptorRejectsBadKeySize(t *testing.T) {
	for _, size := range []int{0, 16, 24, 31, 33, 64} {
		_, err := NewCryptor(make([]byte, size))
		assert.ErrorIs(t, err, ErrInvalidKeySize, "key size %d", size)
	}

	_, err := NewCryptor(make([]byte, 32))
	assert.NoError(t, err)
}

func TestChunkRoundTrip(t *testing.T) {
	cryptor, err := NewCryptor(testKey(t))
	require.NoError(t, err)

	payloads := [][]byte{
		[]byte(""),
		[]byte("a"),
		bytes.Repeat([]byte("chunk"), 20000),
	}

	for _, plaintext := range payloads {
		sealed, err := cryptor.EncryptChunk(plaintext)
		require.NoError(t, err)
		assert.Equal(t, len(plaintext)+nonceSize+tagSize, len(sealed))

		got, err := cryptor.DecryptChunk(sealed)
		require.NoError(t, err)
		if len(plaintext) == 0 {
			// GCM returns a nil slice for empty plaintext.
			assert.Empty(t, got)
		} else {
			assert.Equal(t, plaintext, got)
		}
	}
}

func TestDecryptChunkDetectsTampering(t *testing.T) {
	cryptor, err := NewCryptor(testKey(t))
	require.NoError(t, err)

	sealed, err := cryptor.EncryptChunk([]byte("registry export"))
	require.NoError(t, err)

	sealed[len(sealed)-1] ^= 0x01
	_, err = cryptor.DecryptChunk(sealed)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestDecryptChunkRejectsWrongKey(t *testing.T) {
	a, err := NewCryptor(testKey(t))
	require.NoError(t, err)
	b, err := NewCryptor(testKey(t))
	require.NoError(t, err)

	sealed, err := a.EncryptChunk([]byte("secret"))
	require.NoError(t, err)

	_, err = b.DecryptChunk(sealed)
	assert.ErrorIs(t, err, ErrAuthenticationFailed)
}

func TestDecryptChunkTooShort(t *testing.T) {
	cryptor, err := NewCryptor(testKey(t))
	require.NoError(t, err)

	_, err = cryptor.DecryptChunk(make([]byte, nonceSize+tagSize-1))
	assert.ErrorIs(t, err, ErrCiphertextTooShort)
}

func TestNoncesAreFresh(t *testing.T) {
	cryptor, err := NewCryptor(testKey(t))
	require.NoError(t, err)

	a, err := cryptor.EncryptChunk([]byte("same plaintext"))
	require.NoError(t, err)
	b, err := cryptor.EncryptChunk([]byte("same plaintext"))
	require.NoError(t, err)

	assert.NotEqual(t, a[:nonceSize], b[:nonceSize])
	assert.NotEqual(t, a, b)
}

func TestFileRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "report.pdf")
	enc := filepath.Join(dir, "report.pdf.enc")
	dec := filepath.Join(dir, "report.decrypted.pdf")

	original := bytes.Repeat([]byte("%PDF fake content "), 4096)
	require.NoError(t, os.WriteFile(src, original, 0600))

	cryptor, err := NewCryptor(testKey(t))
	require.NoError(t, err)

	require.NoError(t, cryptor.EncryptFile(src, enc))
	sealed, err := os.ReadFile(enc)
	require.NoError(t, err)
	assert.NotEqual(t, original, sealed)

	require.NoError(t, cryptor.DecryptFile(enc, dec))
	got, err := os.ReadFile(dec)
	require.NoError(t, err)
	assert.Equal(t, original, got)
}

func TestSecureDelete(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "cancelled_download.bin")
	require.NoError(t, os.WriteFile(path, bytes.Repeat([]byte{0xAB}, 8192), 0600))

	require.NoError(t, SecureDelete(path))

	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
}

func TestSecureDeleteMissingFile(t *testing.T) {
	err := SecureDelete(filepath.Join(t.TempDir(), "nope"))
	assert.Error(t, err)
}
