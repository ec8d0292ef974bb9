package fileguard

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Checksum computes the SHA-256 of a file and returns it hex-encoded.
func Checksum(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for checksum: %w", err)
	}
	defer file.Close()

	hasher := sha256.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to hash file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifyChecksum compares the file's SHA-256 against an expected hex digest.
func VerifyChecksum(path, expected string) error {
	actual, err := Checksum(path)
	if err != nil {
		return err
	}
	if actual != expected {
		return fmt.Errorf("%w: expected %s, got %s", ErrChecksumMismatch, expected, actual)
	}
	return nil
}

// ChunkChecksum computes the SHA-256 of a chunk payload, hex-encoded. This is
// the per-chunk integrity digest carried in the wire header.
func ChunkChecksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Fingerprint computes a BLAKE3 digest of the whole file, hex-encoded.
// Used for quarantine manifests where speed matters more than protocol
// compatibility.
func Fingerprint(path string) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for fingerprint: %w", err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.Copy(hasher, file); err != nil {
		return "", fmt.Errorf("failed to fingerprint file: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// FingerprintPrefix computes the BLAKE3 digest of the first n bytes of the
// file. The transfer engine uses it to verify an already-received prefix
// before resuming a paused upload.
func FingerprintPrefix(path string, n int64) (string, error) {
	file, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("failed to open file for fingerprint: %w", err)
	}
	defer file.Close()

	hasher := blake3.New()
	if _, err := io.CopyN(hasher, file, n); err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to fingerprint prefix: %w", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}
