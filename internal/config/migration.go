package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// MigrationResult describes what a configuration migration did.
type MigrationResult struct {
	FromVersion int
	ToVersion   int
	Backup      string
	Changes     []string
	Warnings    []string
}

// MigrateConfig upgrades a configuration from an older schema version
// to the current one, backing up the file first. Returns nil when no
// migration is needed.
func MigrateConfig(cfg *Config, configPath string) (*MigrationResult, error) {
	if cfg.Version >= Version {
		return nil, nil
	}

	result := &MigrationResult{
		FromVersion: cfg.Version,
		ToVersion:   Version,
	}

	if configPath != "" {
		backup, err := backupConfig(configPath)
		if err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not create backup: %v", err))
		} else {
			result.Backup = backup
		}
	}

	for cfg.Version < Version {
		if err := applyMigration(cfg, result); err != nil {
			return result, err
		}
	}

	if configPath != "" {
		if err := SaveConfig(cfg, configPath); err != nil {
			result.Warnings = append(result.Warnings, fmt.Sprintf("could not save migrated config: %v", err))
		}
	}

	return result, nil
}

// applyMigration advances cfg by exactly one schema version.
func applyMigration(cfg *Config, result *MigrationResult) error {
	switch cfg.Version {
	case 0:
		// Files written before versioning carry no version field.
		cfg.Version = 1
		result.Changes = append(result.Changes, "assumed schema version 1 for unversioned config")

	case 1:
		// Version 2 added the partitions and search sections.
		if cfg.Partitions.Prefixes == nil {
			cfg.Partitions.Prefixes = []string{}
			result.Changes = append(result.Changes, "added partitions section (no prefixes)")
		}
		if cfg.Search.DefaultLimit == 0 {
			cfg.Search = DefaultConfig().Search
			result.Changes = append(result.Changes, "added search section with defaults")
		}
		cfg.Version = 2

	default:
		return fmt.Errorf("no migration path from config version %d", cfg.Version)
	}

	return nil
}

// backupConfig copies the configuration file aside before migration.
func backupConfig(path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}

	backup := path + ".backup-" + time.Now().Format("20060102-150405")
	if err := os.WriteFile(backup, data, 0600); err != nil {
		return "", err
	}
	return backup, nil
}

// SaveConfig writes the configuration to path, choosing the format by
// extension. TOML output is generated from a commented template so the
// file documents itself.
func SaveConfig(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return fmt.Errorf("create config directory: %w", err)
	}

	var data []byte
	var err error

	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return fmt.Errorf("encode JSON config: %w", err)
		}
		data = append(data, '\n')
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode YAML config: %w", err)
		}
	default:
		data = []byte(generateTOML(cfg))
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("write config %s: %w", path, err)
	}
	return nil
}

func generateTOML(cfg *Config) string {
	return fmt.Sprintf(`# basin configuration
# Generated %s

version = %d

[storage]
# Repository root directory.
root = %q
# Object cache size in entries. 0 disables the cache.
cache_size = %d

[log]
# Operation log segment size before rotation.
segment_size_bytes = %d
# Fsync after every appended record. Durable but slow.
sync_on_append = %t

[conflict]
# Path filter geometry. All sessions in a repository share it.
bloom_expected_paths = %d
bloom_target_rate = %g

[partitions]
# Disjoint path prefixes that land independently.
prefixes = %s

[watch]
# Directories to capture file changes from.
paths = %s
include_patterns = %s
exclude_patterns = %s
# Quiet time before a changed file is recorded.
debounce_ms = %d
# Files larger than this are skipped. 0 means no limit.
max_file_size = %d
recursive = %t
follow_symlinks = %t

[logging]
# debug, info, warn, or error.
level = %q
# text or json.
format = %q
# stdout, stderr, file, or both.
output = %q
file_path = %q
max_size_mb = %d
max_backups = %d
max_age_days = %d
compress = %t

[metrics]
enabled = %t
listen_addr = %q

[search]
enabled = %t
default_limit = %d
`,
		time.Now().Format(time.RFC3339),
		cfg.Version,
		cfg.Storage.Root,
		cfg.Storage.CacheSize,
		cfg.Log.SegmentSizeBytes,
		cfg.Log.SyncOnAppend,
		cfg.Conflict.BloomExpectedPaths,
		cfg.Conflict.BloomTargetRate,
		toTOMLArray(cfg.Partitions.Prefixes),
		toTOMLArray(cfg.Watch.Paths),
		toTOMLArray(cfg.Watch.IncludePatterns),
		toTOMLArray(cfg.Watch.ExcludePatterns),
		cfg.Watch.DebounceMs,
		cfg.Watch.MaxFileSize,
		cfg.Watch.Recursive,
		cfg.Watch.FollowSymlinks,
		cfg.Logging.Level,
		cfg.Logging.Format,
		cfg.Logging.Output,
		cfg.Logging.FilePath,
		cfg.Logging.MaxSizeMB,
		cfg.Logging.MaxBackups,
		cfg.Logging.MaxAgeDays,
		cfg.Logging.Compress,
		cfg.Metrics.Enabled,
		cfg.Metrics.ListenAddr,
		cfg.Search.Enabled,
		cfg.Search.DefaultLimit,
	)
}

func toTOMLArray(values []string) string {
	if len(values) == 0 {
		return "[]"
	}
	quoted := make([]string, len(values))
	for i, v := range values {
		quoted[i] = fmt.Sprintf("%q", v)
	}
	return "[" + strings.Join(quoted, ", ") + "]"
}

// MigrationRecord is one entry in the migration history file.
type MigrationRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	FromVersion int       `json:"from_version"`
	ToVersion   int       `json:"to_version"`
	Backup      string    `json:"backup,omitempty"`
	Changes     []string  `json:"changes,omitempty"`
	Warnings    []string  `json:"warnings,omitempty"`
}

func migrationHistoryPath() string {
	return filepath.Join(BasinDir(), "migration_history.json")
}

// GetMigrationHistory returns past migrations, oldest first.
func GetMigrationHistory() ([]MigrationRecord, error) {
	data, err := os.ReadFile(migrationHistoryPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var records []MigrationRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, fmt.Errorf("parse migration history: %w", err)
	}
	return records, nil
}

// SaveMigrationHistory appends a migration to the history file.
func SaveMigrationHistory(result *MigrationResult) error {
	records, err := GetMigrationHistory()
	if err != nil {
		return err
	}

	records = append(records, MigrationRecord{
		Timestamp:   time.Now(),
		FromVersion: result.FromVersion,
		ToVersion:   result.ToVersion,
		Backup:      result.Backup,
		Changes:     result.Changes,
		Warnings:    result.Warnings,
	})

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}

	path := migrationHistoryPath()
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0600)
}
