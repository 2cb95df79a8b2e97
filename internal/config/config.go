package config

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	"github.com/adrg/xdg"
)

// Config holds application configuration.
type Config struct {
	// DestinationRoot is the vault directory exported capture files land in.
	// Must live on a filesystem supporting atomic rename and durable flush.
	DestinationRoot string `json:"destination_root"`

	// BackupDir is where ledger snapshots are written.
	// Defaults to <baseDir>/backups.
	BackupDir string `json:"backup_dir,omitempty"`

	// BackupKeep is how many verified snapshots to retain.
	BackupKeep int `json:"backup_keep"`

	// BackupIntervalMinutes is the backup timer period.
	BackupIntervalMinutes int `json:"backup_interval_minutes"`

	// StaleAfterMinutes is the recovery staleness threshold: a non-terminal
	// capture untouched for longer is classified timed-out, not replayed.
	StaleAfterMinutes int `json:"stale_after_minutes"`

	// RetentionDays is how long terminal captures stay in the ledger before
	// pruning. Non-terminal captures are never pruned.
	RetentionDays int `json:"retention_days"`

	// ErrorLogRetentionDays is the diagnostic-record retention window.
	ErrorLogRetentionDays int `json:"error_log_retention_days"`

	// ExportMaxRetries bounds backoff retries of transient export errors.
	ExportMaxRetries int `json:"export_max_retries"`
}

// DefaultBaseDir returns the data directory holding the ledger, config, and
// backups: $XDG_DATA_HOME/holdfast.
func DefaultBaseDir() string {
	return filepath.Join(xdg.DataHome, "holdfast")
}

// DefaultConfig returns the default configuration rooted at baseDir.
func DefaultConfig(baseDir string) *Config {
	return &Config{
		DestinationRoot:       filepath.Join(baseDir, "vault"),
		BackupDir:             filepath.Join(baseDir, "backups"),
		BackupKeep:            24,
		BackupIntervalMinutes: 60,
		StaleAfterMinutes:     10,
		RetentionDays:         30,
		ErrorLogRetentionDays: 90,
		ExportMaxRetries:      3,
	}
}

// Load loads configuration from baseDir/config.json.
// Returns default config if the file doesn't exist.
// The baseDir parameter allows tests to use t.TempDir().
func Load(baseDir string) (*Config, error) {
	cfg, err := loadFileRaw(filepath.Join(baseDir, "config.json"))
	if err != nil {
		return nil, err
	}
	return Merge(DefaultConfig(baseDir), cfg), nil
}

// loadFileRaw loads configuration from a specific file path.
// Returns zero-valued config if the file doesn't exist (not defaults).
func loadFileRaw(configPath string) (*Config, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &Config{}, nil
		}
		return nil, err
	}

	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Merge combines base and overlay configs. Overlay values win when non-zero.
func Merge(base, overlay *Config) *Config {
	result := &Config{}

	result.DestinationRoot = overlay.DestinationRoot
	if result.DestinationRoot == "" {
		result.DestinationRoot = base.DestinationRoot
	}

	result.BackupDir = overlay.BackupDir
	if result.BackupDir == "" {
		result.BackupDir = base.BackupDir
	}

	result.BackupKeep = overlay.BackupKeep
	if result.BackupKeep == 0 {
		result.BackupKeep = base.BackupKeep
	}

	result.BackupIntervalMinutes = overlay.BackupIntervalMinutes
	if result.BackupIntervalMinutes == 0 {
		result.BackupIntervalMinutes = base.BackupIntervalMinutes
	}

	result.StaleAfterMinutes = overlay.StaleAfterMinutes
	if result.StaleAfterMinutes == 0 {
		result.StaleAfterMinutes = base.StaleAfterMinutes
	}

	result.RetentionDays = overlay.RetentionDays
	if result.RetentionDays == 0 {
		result.RetentionDays = base.RetentionDays
	}

	result.ErrorLogRetentionDays = overlay.ErrorLogRetentionDays
	if result.ErrorLogRetentionDays == 0 {
		result.ErrorLogRetentionDays = base.ErrorLogRetentionDays
	}

	result.ExportMaxRetries = overlay.ExportMaxRetries
	if result.ExportMaxRetries == 0 {
		result.ExportMaxRetries = base.ExportMaxRetries
	}

	return result
}
