package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// UpdateCallback is invoked with the new snapshot after a successful update.
type UpdateCallback func(*Config)

// Manager owns the on-disk JSON config and publishes immutable snapshots.
// Updates are validated first and rolled back on failure; readers always see
// a complete config via copy-on-write swap.
type Manager struct {
	mu        sync.RWMutex
	path      string
	current   *Config
	callbacks []UpdateCallback
}

// NewManager loads the config at path, falling back to defaults when the
// file does not exist (the defaults are then written out).
func NewManager(path string) (*Manager, error) {
	m := &Manager{path: path}

	cfg, err := loadFile(path)
	if os.IsNotExist(err) {
		cfg = Default()
		if err := saveFile(path, cfg); err != nil {
			return nil, err
		}
	} else if err != nil {
		return nil, err
	}

	// Key material never lives in the file; it arrives via environment.
	if v := os.Getenv("ONLIDESK_ENCRYPTION_KEY"); v != "" {
		cfg.Security.EncryptionKey = v
	}
	if v := os.Getenv("ONLIDESK_ENCRYPTION_PASSPHRASE"); v != "" {
		cfg.Security.EncryptionPassphrase = v
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	m.current = cfg
	return m, nil
}

// Get returns the current snapshot. Callers must treat it as read-only;
// Update never mutates a published snapshot.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Update validates the candidate, persists it, swaps the snapshot and fires
// callbacks. On validation or save failure the previous snapshot stays
// published.
func (m *Manager) Update(candidate *Config) error {
	if err := candidate.Validate(); err != nil {
		return err
	}

	snapshot := candidate.Clone()

	m.mu.Lock()
	// Key material never round-trips through JSON; carry it forward.
	if snapshot.Security.EncryptionKey == "" {
		snapshot.Security.EncryptionKey = m.current.Security.EncryptionKey
	}
	if snapshot.Security.EncryptionPassphrase == "" {
		snapshot.Security.EncryptionPassphrase = m.current.Security.EncryptionPassphrase
	}
	if err := saveFile(m.path, snapshot); err != nil {
		m.mu.Unlock()
		return err
	}
	m.current = snapshot
	callbacks := append([]UpdateCallback(nil), m.callbacks...)
	m.mu.Unlock()

	for _, callback := range callbacks {
		callback(snapshot)
	}
	return nil
}

// OnUpdate registers a callback fired after each successful update.
func (m *Manager) OnUpdate(callback UpdateCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callbacks = append(m.callbacks, callback)
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Start from defaults so absent keys keep their stock values.
	cfg := Default()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	return cfg, nil
}

func saveFile(path string, cfg *Config) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0750); err != nil {
			return fmt.Errorf("failed to create config directory: %w", err)
		}
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	data = append(data, '\n')

	if err := os.WriteFile(path, data, 0640); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}
