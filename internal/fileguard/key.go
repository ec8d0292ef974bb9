package fileguard

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
)

const (
	// Argon2id parameters (recommended values for interactive use)
	argon2Time    = 3     // Number of iterations
	argon2Memory  = 65536 // Memory in KiB (64 MiB)
	argon2Threads = 4     // Parallelism factor
	argon2KeyLen  = 32    // Output key length (AES-256)
	saltSize      = 32    // Salt size in bytes
)

var (
	ErrNoKeyMaterial = errors.New("no encryption key material configured")
	ErrInvalidSalt   = errors.New("salt must be 32 bytes")
)

// DeriveKey derives a stable 32-byte AES key from a passphrase and salt using
// Argon2id. The same passphrase and salt always yield the same key, so
// at-rest ciphertext stays decryptable across restarts.
func DeriveKey(passphrase string, salt []byte) ([]byte, error) {
	if passphrase == "" {
		return nil, ErrNoKeyMaterial
	}
	if len(salt) != saltSize {
		return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidSalt, len(salt))
	}
	return argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen), nil
}

// NewSalt generates a random Argon2 salt.
func NewSalt() ([]byte, error) {
	salt := make([]byte, saltSize)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

// KeyFromConfig resolves the 32-byte key from configured material: a raw hex
// key takes precedence, else passphrase+salt derivation. The key is never
// autogenerated here.
func KeyFromConfig(keyHex, passphrase, saltHex string) ([]byte, error) {
	if keyHex != "" {
		key, err := hex.DecodeString(keyHex)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption_key hex: %w", err)
		}
		if len(key) != 32 {
			return nil, fmt.Errorf("%w: got %d bytes", ErrInvalidKeySize, len(key))
		}
		return key, nil
	}

	if passphrase != "" {
		salt, err := hex.DecodeString(saltHex)
		if err != nil {
			return nil, fmt.Errorf("invalid encryption_salt hex: %w", err)
		}
		return DeriveKey(passphrase, salt)
	}

	return nil, ErrNoKeyMaterial
}
