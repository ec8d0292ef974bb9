// Package fileguard validates files against security policy, encrypts data
// at rest, and quarantines anything a malware scan flags.
package fileguard

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/onlitec/onlidesk-broker/internal/audit"
	"github.com/onlitec/onlidesk-broker/internal/observability"
)

var (
	ErrChecksumMismatch = errors.New("checksum mismatch")
	ErrEmptyFilename    = errors.New("filename must not be empty")
)

// windowsReserved are base names rejected regardless of extension.
var windowsReserved = map[string]struct{}{
	"CON": {}, "PRN": {}, "AUX": {}, "NUL": {},
	"COM1": {}, "COM2": {}, "COM3": {}, "COM4": {}, "COM5": {},
	"COM6": {}, "COM7": {}, "COM8": {}, "COM9": {},
	"LPT1": {}, "LPT2": {}, "LPT3": {}, "LPT4": {}, "LPT5": {},
	"LPT6": {}, "LPT7": {}, "LPT8": {}, "LPT9": {},
}

const invalidFilenameChars = "<>:\"|?*\x00"

// mimeByExtension covers the types the portal commonly exchanges; anything
// else falls through to magic-number sniffing.
var mimeByExtension = map[string]string{
	".txt":  "text/plain",
	".log":  "text/plain",
	".csv":  "text/csv",
	".json": "application/json",
	".xml":  "application/xml",
	".pdf":  "application/pdf",
	".zip":  "application/zip",
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	".xls":  "application/vnd.ms-excel",
	".xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
}

// Policy holds the validation rules.
type Policy struct {
	MaxFilenameLength int
	BlockedExtensions []string
	AllowedMimeTypes  []string
	RequireChecksum   bool
	ScanForMalware    bool
	QuarantineDir     string
}

// DefaultPolicy returns the stock validation rules.
func DefaultPolicy() Policy {
	return Policy{
		MaxFilenameLength: 255,
		BlockedExtensions: []string{
			".exe", ".bat", ".cmd", ".com", ".scr", ".pif", ".vbs", ".js",
			".jar", ".msi", ".dll", ".sys", ".ps1", ".sh", ".php", ".asp", ".jsp",
		},
		RequireChecksum: true,
		ScanForMalware:  false,
		QuarantineDir:   "quarantine",
	}
}

// ScanResult is the verdict of a malware scanner.
type ScanResult struct {
	Clean   bool
	Verdict string
	Details map[string]string
}

// Scanner is the pluggable malware scanner interface.
type Scanner interface {
	Scan(path string) (ScanResult, error)
}

// ValidationResult reports the outcome of ValidateFile.
type ValidationResult struct {
	Valid       bool
	Errors      []string
	Warnings    []string
	MimeType    string
	FileSize    int64
	Checksum    string
	Quarantined bool
	ScanDetails map[string]string
}

// Validator checks files against policy before a transfer is surfaced to the
// end user for approval.
type Validator struct {
	policy  Policy
	scanner Scanner
	auditor *audit.Logger
	logger  *observability.Logger
	metrics *observability.Metrics
}

// NewValidator builds a Validator. scanner may be nil when scanning is
// disabled; auditor, logger and metrics may be nil in tests.
func NewValidator(policy Policy, scanner Scanner, auditor *audit.Logger, logger *observability.Logger, metrics *observability.Metrics) *Validator {
	return &Validator{
		policy:  policy,
		scanner: scanner,
		auditor: auditor,
		logger:  logger,
		metrics: metrics,
	}
}

// ValidateFilename checks name rules only, with no file on disk. Used to
// reject a transfer request before any bytes flow.
func (v *Validator) ValidateFilename(name string) []string {
	var problems []string

	if name == "" {
		return []string{ErrEmptyFilename.Error()}
	}
	if len(name) > v.policy.MaxFilenameLength {
		problems = append(problems, fmt.Sprintf("filename exceeds %d characters", v.policy.MaxFilenameLength))
	}
	if strings.ContainsAny(name, invalidFilenameChars) {
		problems = append(problems, "filename contains invalid characters")
	}

	base := strings.ToUpper(strings.TrimSuffix(filepath.Base(name), filepath.Ext(name)))
	if _, reserved := windowsReserved[base]; reserved {
		problems = append(problems, fmt.Sprintf("filename %q is a reserved name", name))
	}

	ext := strings.ToLower(filepath.Ext(name))
	for _, blocked := range v.policy.BlockedExtensions {
		if ext == blocked {
			problems = append(problems, fmt.Sprintf("file extension %s is blocked", ext))
			break
		}
	}

	return problems
}

// ValidateFile runs the full policy against a file on disk. originalName is
// the peer-supplied filename; path is where the broker holds the bytes.
func (v *Validator) ValidateFile(path, originalName string) (*ValidationResult, error) {
	result := &ValidationResult{Valid: true}

	result.Errors = append(result.Errors, v.ValidateFilename(originalName)...)

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat file: %w", err)
	}
	result.FileSize = info.Size()

	result.MimeType = v.detectMime(path, originalName)
	if len(v.policy.AllowedMimeTypes) > 0 && !contains(v.policy.AllowedMimeTypes, result.MimeType) {
		result.Errors = append(result.Errors, fmt.Sprintf("MIME type %s is not allowed", result.MimeType))
	}

	if v.policy.RequireChecksum {
		checksum, err := Checksum(path)
		if err != nil {
			return nil, err
		}
		result.Checksum = checksum
	}

	if v.policy.ScanForMalware && v.scanner != nil {
		scan, err := v.scanner.Scan(path)
		if err != nil {
			// Scanner unavailable is a warning, not a rejection.
			result.Warnings = append(result.Warnings, fmt.Sprintf("malware scan unavailable: %v", err))
		} else if !scan.Clean {
			result.ScanDetails = scan.Details
			quarantinePath, qerr := v.Quarantine(path, originalName)
			if qerr != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("quarantine failed: %v", qerr))
			} else {
				result.Quarantined = true
				if v.logger != nil {
					v.logger.FileQuarantined(originalName, quarantinePath, scan.Verdict)
				}
				if v.metrics != nil {
					v.metrics.RecordQuarantine()
				}
				v.auditQuarantine(originalName, info.Size(), scan.Verdict, quarantinePath)
			}
			result.Errors = append(result.Errors, fmt.Sprintf("malware detected: %s", scan.Verdict))
		}
	}

	result.Valid = len(result.Errors) == 0

	if v.metrics != nil {
		v.metrics.RecordValidation(result.Valid)
	}
	v.auditValidation(originalName, info.Size(), result)

	return result, nil
}

// Quarantine moves the file into the quarantine directory under
// <YYYYMMDD_HHMMSS>_<original>. Returns the quarantine path.
func (v *Validator) Quarantine(path, originalName string) (string, error) {
	if err := os.MkdirAll(v.policy.QuarantineDir, 0700); err != nil {
		return "", fmt.Errorf("failed to create quarantine directory: %w", err)
	}

	name := fmt.Sprintf("%s_%s", time.Now().Format("20060102_150405"), filepath.Base(originalName))
	dst := filepath.Join(v.policy.QuarantineDir, name)
	if err := os.Rename(path, dst); err != nil {
		return "", fmt.Errorf("failed to move file to quarantine: %w", err)
	}
	return dst, nil
}

func (v *Validator) detectMime(path, originalName string) string {
	if mime, ok := mimeByExtension[strings.ToLower(filepath.Ext(originalName))]; ok {
		return mime
	}
	return sniffMime(path)
}

// sniffMime inspects the first 512 bytes for well-known magic numbers.
func sniffMime(path string) string {
	file, err := os.Open(path)
	if err != nil {
		return "application/octet-stream"
	}
	defer file.Close()

	head := make([]byte, 512)
	n, _ := file.Read(head)
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, []byte("%PDF")):
		return "application/pdf"
	case bytes.HasPrefix(head, []byte("PK")):
		return "application/zip"
	case bytes.HasPrefix(head, []byte{0xFF, 0xD8, 0xFF}):
		return "image/jpeg"
	case bytes.HasPrefix(head, []byte{0x89, 0x50, 0x4E, 0x47}):
		return "image/png"
	default:
		return "application/octet-stream"
	}
}

func (v *Validator) auditValidation(name string, size int64, result *ValidationResult) {
	if v.auditor == nil {
		return
	}

	if result.Valid {
		event := audit.NewEvent(audit.EventFileValidated)
		event.Filename = name
		event.FileSize = size
		event.Details = map[string]string{"mime_type": result.MimeType}
		v.auditor.Log(event)
		return
	}

	event := audit.NewEvent(audit.EventSecurityViolation)
	event.Filename = name
	event.FileSize = size
	event.Success = false
	event.Error = strings.Join(result.Errors, "; ")
	v.auditor.Log(event)
}

func (v *Validator) auditQuarantine(name string, size int64, verdict, quarantinePath string) {
	if v.auditor == nil {
		return
	}

	fingerprint, _ := Fingerprint(quarantinePath)
	event := audit.NewEvent(audit.EventFileQuarantined)
	event.Filename = name
	event.FileSize = size
	event.Success = false
	event.Details = map[string]string{
		"verdict":         verdict,
		"quarantine_path": quarantinePath,
		"fingerprint":     fingerprint,
	}
	v.auditor.Log(event)
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}
