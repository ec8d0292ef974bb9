package fileguard

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"
)

const (
	nonceSize = 12
	tagSize   = 16
)

var (
	// ErrInvalidKeySize is returned when the provided key is not 32 bytes
	ErrInvalidKeySize = errors.New("key must be exactly 32 bytes for AES-256")

	// ErrAuthenticationFailed is returned when GCM authentication tag verification fails
	ErrAuthenticationFailed = errors.New("authentication failed: ciphertext has been tampered with")

	// ErrCiphertextTooShort is returned when the input cannot contain nonce and tag
	ErrCiphertextTooShort = errors.New("ciphertext too short")
)

// Cryptor encrypts and decrypts files and chunks with AES-256-GCM.
//
// Ciphertext layout for every unit is nonce(12) || ciphertext || tag(16),
// with a fresh random nonce per unit. The key must come from configuration;
// it is never generated here, so at-rest data stays decryptable across
// restarts.
type Cryptor struct {
	aead cipher.AEAD
}

// NewCryptor builds a Cryptor from a strict 32-byte key.
func NewCryptor(key []byte) (*Cryptor, error) {
	if len(key) != 32 {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return &Cryptor{aead: aead}, nil
}

// EncryptChunk seals a chunk payload. The returned slice is
// nonce || ciphertext || tag.
func (c *Cryptor) EncryptChunk(plaintext []byte) ([]byte, error) {
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("failed to generate nonce: %w", err)
	}

	// Seal appends ciphertext+tag to the nonce so the layout comes out in one allocation.
	return c.aead.Seal(nonce, nonce, plaintext, nil), nil
}

// DecryptChunk opens a sealed chunk produced by EncryptChunk.
func (c *Cryptor) DecryptChunk(sealed []byte) ([]byte, error) {
	if len(sealed) < nonceSize+tagSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCiphertextTooShort, len(sealed))
	}

	nonce, ciphertext := sealed[:nonceSize], sealed[nonceSize:]
	plaintext, err := c.aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAuthenticationFailed, err)
	}
	return plaintext, nil
}

// EncryptFile reads the file at src and writes the sealed bytes to dst.
// The whole file is sealed as a single unit; quarantined files are small
// enough that streaming encryption is not worth the complexity.
func (c *Cryptor) EncryptFile(src, dst string) error {
	plaintext, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read plaintext file: %w", err)
	}

	sealed, err := c.EncryptChunk(plaintext)
	if err != nil {
		return err
	}

	if err := writeFileSync(dst, sealed, 0600); err != nil {
		return fmt.Errorf("failed to write encrypted file: %w", err)
	}
	return nil
}

// DecryptFile reads the sealed file at src and writes the plaintext to dst.
func (c *Cryptor) DecryptFile(src, dst string) error {
	sealed, err := os.ReadFile(src)
	if err != nil {
		return fmt.Errorf("failed to read encrypted file: %w", err)
	}

	plaintext, err := c.DecryptChunk(sealed)
	if err != nil {
		return err
	}

	if err := writeFileSync(dst, plaintext, 0600); err != nil {
		return fmt.Errorf("failed to write decrypted file: %w", err)
	}
	return nil
}

func writeFileSync(path string, data []byte, perm os.FileMode) error {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, perm)
	if err != nil {
		return err
	}
	if _, err := file.Write(data); err != nil {
		file.Close()
		return err
	}
	if err := file.Sync(); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}

// SecureDelete overwrites the file with cryptographic randomness three times,
// syncing after each pass, then unlinks it.
func SecureDelete(path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat file for secure delete: %w", err)
	}
	size := info.Size()

	file, err := os.OpenFile(path, os.O_WRONLY, 0)
	if err != nil {
		return fmt.Errorf("failed to open file for secure delete: %w", err)
	}

	for pass := 0; pass < 3; pass++ {
		if _, err := file.Seek(0, io.SeekStart); err != nil {
			file.Close()
			return fmt.Errorf("secure delete pass %d: %w", pass+1, err)
		}
		if _, err := io.CopyN(file, rand.Reader, size); err != nil {
			file.Close()
			return fmt.Errorf("secure delete pass %d: %w", pass+1, err)
		}
		if err := file.Sync(); err != nil {
			file.Close()
			return fmt.Errorf("secure delete pass %d sync: %w", pass+1, err)
		}
	}

	if err := file.Close(); err != nil {
		return err
	}
	return os.Remove(path)
}
