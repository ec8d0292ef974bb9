package fileguard

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubScanner struct {
	clean   bool
	verdict string
	err     error
}

func (s *stubScanner) Scan(path string) (ScanResult, error) {
	if s.err != nil {
		return ScanResult{}, s.err
	}
	return ScanResult{Clean: s.clean, Verdict: s.verdict}, nil
}

func writeTestFile(t *testing.T, dir, name string, content []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, content, 0600))
	return path
}

func TestValidateFilename(t *testing.T) {
	v := NewValidator(DefaultPolicy(), nil, nil, nil, nil)

	tests := []struct {
		name     string
		filename string
		wantOK   bool
	}{
		{"plain text file", "notes.txt", true},
		{"empty", "", false},
		{"too long", strings.Repeat("a", 256) + ".txt", false},
		{"angle bracket", "a<b.txt", false},
		{"pipe", "a|b.txt", false},
		{"nul byte", "a\x00b.txt", false},
		{"reserved CON", "CON.txt", false},
		{"reserved com5 lowercase", "com5.log", false},
		{"blocked exe", "payload.exe", false},
		{"blocked uppercase EXE", "PAYLOAD.EXE", false},
		{"blocked shell script", "run.sh", false},
		{"pdf allowed", "invoice.pdf", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			problems := v.ValidateFilename(tt.filename)
			if tt.wantOK {
				assert.Empty(t, problems)
			} else {
				assert.NotEmpty(t, problems)
			}
		})
	}
}

func TestValidateFileComputesChecksumAndMime(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "doc.bin", []byte("%PDF-1.7 content"))

	v := NewValidator(DefaultPolicy(), nil, nil, nil, nil)
	result, err := v.ValidateFile(path, "doc.bin")
	require.NoError(t, err)

	assert.True(t, result.Valid)
	assert.Equal(t, "application/pdf", result.MimeType, "magic sniff should identify PDF")
	assert.Equal(t, int64(16), result.FileSize)
	assert.Len(t, result.Checksum, 64)

	require.NoError(t, VerifyChecksum(path, result.Checksum))
	assert.ErrorIs(t, VerifyChecksum(path, strings.Repeat("0", 64)), ErrChecksumMismatch)
}

func TestValidateFileMimeByExtensionWins(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "notes.txt", []byte("PK but still text"))

	v := NewValidator(DefaultPolicy(), nil, nil, nil, nil)
	result, err := v.ValidateFile(path, "notes.txt")
	require.NoError(t, err)
	assert.Equal(t, "text/plain", result.MimeType)
}

func TestValidateFileAllowedMimeTypes(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "image.png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A})

	policy := DefaultPolicy()
	policy.AllowedMimeTypes = []string{"text/plain"}
	v := NewValidator(policy, nil, nil, nil, nil)

	result, err := v.ValidateFile(path, "image.png")
	require.NoError(t, err)
	assert.False(t, result.Valid)
	assert.Contains(t, strings.Join(result.Errors, " "), "image/png")
}

func TestValidateFileQuarantinesDirtyFiles(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "update.zip", []byte("PK\x03\x04malicious"))

	policy := DefaultPolicy()
	policy.ScanForMalware = true
	policy.QuarantineDir = filepath.Join(dir, "quarantine")
	v := NewValidator(policy, &stubScanner{clean: false, verdict: "Trojan.Generic"}, nil, nil, nil)

	result, err := v.ValidateFile(path, "update.zip")
	require.NoError(t, err)

	assert.False(t, result.Valid)
	assert.True(t, result.Quarantined)

	// Original file is gone; quarantine holds the timestamped copy.
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))

	entries, err := os.ReadDir(policy.QuarantineDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Regexp(t, `^\d{8}_\d{6}_update\.zip$`, entries[0].Name())
}

func TestValidateFileScannerUnavailableIsWarning(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "notes.txt", []byte("hello"))

	policy := DefaultPolicy()
	policy.ScanForMalware = true
	v := NewValidator(policy, &stubScanner{err: os.ErrDeadlineExceeded}, nil, nil, nil)

	result, err := v.ValidateFile(path, "notes.txt")
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.NotEmpty(t, result.Warnings)
}

func TestFingerprintPrefix(t *testing.T) {
	dir := t.TempDir()
	path := writeTestFile(t, dir, "partial.bin", []byte("0123456789abcdef"))

	full, err := Fingerprint(path)
	require.NoError(t, err)

	prefix8, err := FingerprintPrefix(path, 8)
	require.NoError(t, err)
	prefix8again, err := FingerprintPrefix(path, 8)
	require.NoError(t, err)
	prefixAll, err := FingerprintPrefix(path, 16)
	require.NoError(t, err)

	assert.Equal(t, prefix8, prefix8again)
	assert.NotEqual(t, prefix8, full)
	assert.Equal(t, full, prefixAll)
}

func TestChunkChecksumMatchesFileChecksum(t *testing.T) {
	dir := t.TempDir()
	content := []byte("single chunk file")
	path := writeTestFile(t, dir, "one.txt", content)

	fileSum, err := Checksum(path)
	require.NoError(t, err)
	assert.Equal(t, fileSum, ChunkChecksum(content))
}
