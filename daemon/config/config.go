// Package config defines the broker configuration and the on-disk JSON
// manager with validated live updates.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/onlitec/onlidesk-broker/internal/validation"
)

var (
	ErrInvalidConfig = errors.New("invalid configuration")
)

// Duration wraps time.Duration so JSON configs can say "30m" or "4h".
// Plain numbers are read as seconds.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

func (d *Duration) UnmarshalJSON(data []byte) error {
	var raw interface{}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	switch value := raw.(type) {
	case float64:
		*d = Duration(time.Duration(value) * time.Second)
		return nil
	case string:
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return fmt.Errorf("invalid duration %q: %w", value, err)
		}
		*d = Duration(parsed)
		return nil
	default:
		return fmt.Errorf("invalid duration value %v", raw)
	}
}

// ServerConfig covers the HTTP/WebSocket listener.
type ServerConfig struct {
	Host           string   `json:"host"`
	Port           int      `json:"port"`
	TLSEnabled     bool     `json:"tls_enabled"`
	CertFile       string   `json:"cert_file,omitempty"`
	KeyFile        string   `json:"key_file,omitempty"`
	CORSOrigins    []string `json:"cors_origins,omitempty"`
	MaxConnections int      `json:"max_connections"`
	ReadTimeout    Duration `json:"read_timeout"`
	WriteTimeout   Duration `json:"write_timeout"`
	IdleTimeout    Duration `json:"idle_timeout"`
}

// TransferConfig covers the transfer engine.
type TransferConfig struct {
	MaxFileSize     int64    `json:"max_file_size"`
	AllowedTypes    []string `json:"allowed_types,omitempty"`
	TempDir         string   `json:"temp_dir"`
	MaxConcurrent   int      `json:"max_concurrent"`
	TransferTimeout Duration `json:"transfer_timeout"`
	CleanupInterval Duration `json:"cleanup_interval"`
	RequireApproval bool     `json:"require_approval"`
	AuditLog        bool     `json:"audit_log"`
	EncryptFiles    bool     `json:"encrypt_files"`
	ChunkSize       int64    `json:"chunk_size"`
	RetryAttempts   int      `json:"retry_attempts"`
}

// SecurityConfig covers validation and at-rest encryption. Key material is
// never serialised back out.
type SecurityConfig struct {
	EncryptionKey        string   `json:"-"`
	EncryptionPassphrase string   `json:"-"`
	EncryptionSalt       string   `json:"encryption_salt,omitempty"`
	AllowedMimeTypes     []string `json:"allowed_mime_types,omitempty"`
	BlockedExtensions    []string `json:"blocked_extensions"`
	MaxFilenameLength    int      `json:"max_filename_length"`
	ScanForMalware       bool     `json:"scan_for_malware"`
	QuarantineDir        string   `json:"quarantine_dir"`
	RequireChecksum      bool     `json:"require_checksum"`
	ChecksumAlgorithm    string   `json:"checksum_algorithm"`
}

// PrivilegeEscalationConfig governs privilege requests within a session.
type PrivilegeEscalationConfig struct {
	Enabled                  bool     `json:"enabled"`
	RequireApproval          bool     `json:"require_approval"`
	MaxPrivilegeDuration     Duration `json:"max_privilege_duration"`
	DefaultPrivilegeDuration Duration `json:"default_privilege_duration"`
	MinJustificationLength   int      `json:"min_justification_length"`
	AllowedPrivileges        []string `json:"allowed_privileges"`
	RequireJustification     bool     `json:"require_justification"`
}

// RemoteAccessConfig covers session lifecycle and the WebSocket plane.
type RemoteAccessConfig struct {
	MaxConcurrentSessions   int                       `json:"max_concurrent_sessions"`
	SessionTimeout          Duration                  `json:"session_timeout"`
	IdleTimeout             Duration                  `json:"idle_timeout"`
	CleanupInterval         Duration                  `json:"cleanup_interval"`
	WebSocketReadTimeout    Duration                  `json:"websocket_read_timeout"`
	WebSocketWriteTimeout   Duration                  `json:"websocket_write_timeout"`
	MaxMessageSize          int64                     `json:"max_message_size"`
	PrivilegeEscalation     PrivilegeEscalationConfig `json:"privilege_escalation"`
	AuditEnabled            bool                      `json:"audit_enabled"`
	AuditLogDir             string                    `json:"audit_log_dir"`
	AuditRetentionDays      int                       `json:"audit_retention_days"`
}

// Config is the full broker configuration.
type Config struct {
	Server       ServerConfig       `json:"server"`
	Transfer     TransferConfig     `json:"transfer"`
	Security     SecurityConfig     `json:"security"`
	RemoteAccess RemoteAccessConfig `json:"remote_access"`

	// DecisionStorePath holds remembered approval decisions.
	DecisionStorePath string `json:"decision_store_path"`
	// CheckpointDBPath holds transfer checkpoints.
	CheckpointDBPath string `json:"checkpoint_db_path"`
}

// Default returns the stock configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:           "0.0.0.0",
			Port:           8080,
			MaxConnections: 100,
			ReadTimeout:    Duration(30 * time.Second),
			WriteTimeout:   Duration(30 * time.Second),
			IdleTimeout:    Duration(2 * time.Minute),
		},
		Transfer: TransferConfig{
			MaxFileSize:     100 * 1024 * 1024, // 100 MiB
			TempDir:         "temp",
			MaxConcurrent:   5,
			TransferTimeout: Duration(30 * time.Minute),
			CleanupInterval: Duration(5 * time.Minute),
			RequireApproval: true,
			AuditLog:        true,
			EncryptFiles:    false,
			ChunkSize:       64 * 1024, // 64 KiB
			RetryAttempts:   3,
		},
		Security: SecurityConfig{
			BlockedExtensions: []string{
				".exe", ".bat", ".cmd", ".com", ".scr", ".pif", ".vbs", ".js",
				".jar", ".msi", ".dll", ".sys", ".ps1", ".sh", ".php", ".asp", ".jsp",
			},
			MaxFilenameLength: 255,
			ScanForMalware:    false,
			QuarantineDir:     "quarantine",
			RequireChecksum:   true,
			ChecksumAlgorithm: "SHA256",
		},
		RemoteAccess: RemoteAccessConfig{
			MaxConcurrentSessions: 10,
			SessionTimeout:        Duration(4 * time.Hour),
			IdleTimeout:           Duration(30 * time.Minute),
			CleanupInterval:       Duration(5 * time.Minute),
			WebSocketReadTimeout:  Duration(60 * time.Second),
			WebSocketWriteTimeout: Duration(10 * time.Second),
			MaxMessageSize:        1024 * 1024,
			PrivilegeEscalation: PrivilegeEscalationConfig{
				Enabled:                  true,
				RequireApproval:          true,
				MaxPrivilegeDuration:     Duration(2 * time.Hour),
				DefaultPrivilegeDuration: Duration(30 * time.Minute),
				MinJustificationLength:   10,
				AllowedPrivileges:        []string{"elevated", "registry", "services"},
				RequireJustification:     true,
			},
			AuditEnabled:       true,
			AuditLogDir:        "audit",
			AuditRetentionDays: 90,
		},
		DecisionStorePath: "data/decisions.db",
		CheckpointDBPath:  "data/checkpoints.db",
	}
}

// Validate checks field bounds.
func (c *Config) Validate() error {
	if err := validation.ValidateRangeInt(c.Server.Port, 1, 65535); err != nil {
		return fmt.Errorf("%w: server.port: %v", ErrInvalidConfig, err)
	}
	if err := validation.ValidateRangeInt(c.Server.MaxConnections, 1, 10000); err != nil {
		return fmt.Errorf("%w: server.max_connections: %v", ErrInvalidConfig, err)
	}
	if c.Server.TLSEnabled && (c.Server.CertFile == "") != (c.Server.KeyFile == "") {
		return fmt.Errorf("%w: cert_file and key_file must be set together", ErrInvalidConfig)
	}

	if err := validation.ValidateRangeInt64(c.Transfer.MaxFileSize, 1, 10*1024*1024*1024); err != nil {
		return fmt.Errorf("%w: transfer.max_file_size: %v", ErrInvalidConfig, err)
	}
	if err := validation.ValidateRangeInt(c.Transfer.MaxConcurrent, 1, 100); err != nil {
		return fmt.Errorf("%w: transfer.max_concurrent: %v", ErrInvalidConfig, err)
	}
	if err := validation.ValidateRangeInt64(c.Transfer.ChunkSize, 1024, 10*1024*1024); err != nil {
		return fmt.Errorf("%w: transfer.chunk_size: %v", ErrInvalidConfig, err)
	}
	if err := validation.ValidateRangeInt(c.Transfer.RetryAttempts, 0, 10); err != nil {
		return fmt.Errorf("%w: transfer.retry_attempts: %v", ErrInvalidConfig, err)
	}
	if err := validation.ValidateStringNonEmpty(c.Transfer.TempDir); err != nil {
		return fmt.Errorf("%w: transfer.temp_dir: %v", ErrInvalidConfig, err)
	}
	if err := validation.ValidateDurationPositive(c.Transfer.TransferTimeout.Std()); err != nil {
		return fmt.Errorf("%w: transfer.transfer_timeout: %v", ErrInvalidConfig, err)
	}
	if err := validation.ValidateDurationPositive(c.Transfer.CleanupInterval.Std()); err != nil {
		return fmt.Errorf("%w: transfer.cleanup_interval: %v", ErrInvalidConfig, err)
	}

	if err := validation.ValidateRangeInt(c.Security.MaxFilenameLength, 1, 4096); err != nil {
		return fmt.Errorf("%w: security.max_filename_length: %v", ErrInvalidConfig, err)
	}
	if c.Security.ChecksumAlgorithm != "SHA256" {
		return fmt.Errorf("%w: security.checksum_algorithm must be SHA256", ErrInvalidConfig)
	}
	if c.Transfer.EncryptFiles && c.Security.EncryptionKey == "" && c.Security.EncryptionPassphrase == "" {
		return fmt.Errorf("%w: encrypt_files requires encryption key material", ErrInvalidConfig)
	}

	ra := &c.RemoteAccess
	if err := validation.ValidateRangeInt(ra.MaxConcurrentSessions, 1, 1000); err != nil {
		return fmt.Errorf("%w: remote_access.max_concurrent_sessions: %v", ErrInvalidConfig, err)
	}
	if err := validation.ValidateDurationPositive(ra.SessionTimeout.Std()); err != nil {
		return fmt.Errorf("%w: remote_access.session_timeout: %v", ErrInvalidConfig, err)
	}
	if err := validation.ValidateDurationPositive(ra.IdleTimeout.Std()); err != nil {
		return fmt.Errorf("%w: remote_access.idle_timeout: %v", ErrInvalidConfig, err)
	}
	if err := validation.ValidateDurationPositive(ra.CleanupInterval.Std()); err != nil {
		return fmt.Errorf("%w: remote_access.cleanup_interval: %v", ErrInvalidConfig, err)
	}

	pe := &ra.PrivilegeEscalation
	if pe.Enabled {
		if pe.MaxPrivilegeDuration.Std() <= 0 || pe.DefaultPrivilegeDuration.Std() <= 0 {
			return fmt.Errorf("%w: privilege durations must be positive", ErrInvalidConfig)
		}
		if pe.DefaultPrivilegeDuration > pe.MaxPrivilegeDuration {
			return fmt.Errorf("%w: default_privilege_duration exceeds max_privilege_duration", ErrInvalidConfig)
		}
		if pe.RequireJustification && pe.MinJustificationLength < 1 {
			return fmt.Errorf("%w: min_justification_length must be positive", ErrInvalidConfig)
		}
		if len(pe.AllowedPrivileges) == 0 {
			return fmt.Errorf("%w: allowed_privileges must not be empty", ErrInvalidConfig)
		}
	}

	return nil
}

// Clone returns a deep copy.
func (c *Config) Clone() *Config {
	copied := *c
	copied.Server.CORSOrigins = append([]string(nil), c.Server.CORSOrigins...)
	copied.Transfer.AllowedTypes = append([]string(nil), c.Transfer.AllowedTypes...)
	copied.Security.AllowedMimeTypes = append([]string(nil), c.Security.AllowedMimeTypes...)
	copied.Security.BlockedExtensions = append([]string(nil), c.Security.BlockedExtensions...)
	copied.RemoteAccess.PrivilegeEscalation.AllowedPrivileges = append([]string(nil), c.RemoteAccess.PrivilegeEscalation.AllowedPrivileges...)
	return &copied
}

// EffectivePrivilegeDuration clamps a requested duration to policy: non
// positive requests get the default, anything above the maximum is cut to
// the maximum.
func (pe *PrivilegeEscalationConfig) EffectivePrivilegeDuration(requested time.Duration) time.Duration {
	if requested <= 0 {
		return pe.DefaultPrivilegeDuration.Std()
	}
	if requested > pe.MaxPrivilegeDuration.Std() {
		return pe.MaxPrivilegeDuration.Std()
	}
	return requested
}

// PrivilegeAllowed reports whether the privilege type is in the allow-list.
func (pe *PrivilegeEscalationConfig) PrivilegeAllowed(privilegeType string) bool {
	for _, allowed := range pe.AllowedPrivileges {
		if allowed == privilegeType {
			return true
		}
	}
	return false
}
