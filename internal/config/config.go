// Package config handles configuration loading, validation, and
// migration for basin.
package config

import (
	"os"
	"path/filepath"
)

// Version is the schema version new configurations are written at.
const Version = 2

// Config holds the complete basin configuration.
type Config struct {
	// Version records which schema the file was written at, so older
	// files can be migrated.
	Version int `toml:"version" json:"version" yaml:"version"`

	// Storage configuration for the repository and object store.
	Storage StorageConfig `toml:"storage" json:"storage" yaml:"storage"`

	// Log configuration for session operation logs.
	Log LogConfig `toml:"log" json:"log" yaml:"log"`

	// Conflict configuration for landing-time screening.
	Conflict ConflictConfig `toml:"conflict" json:"conflict" yaml:"conflict"`

	// Partitions configuration for independent landing lanes.
	Partitions PartitionConfig `toml:"partitions" json:"partitions" yaml:"partitions"`

	// Watch configuration for workspace capture.
	Watch WatchConfig `toml:"watch" json:"watch" yaml:"watch"`

	// Logging configuration for the structured logger.
	Logging LoggingConfig `toml:"logging" json:"logging" yaml:"logging"`

	// Metrics configuration for the scrape endpoint.
	Metrics MetricsConfig `toml:"metrics" json:"metrics" yaml:"metrics"`

	// Search configuration for the full-text index.
	Search SearchConfig `toml:"search" json:"search" yaml:"search"`
}

// StorageConfig holds repository storage configuration.
type StorageConfig struct {
	// Root is the repository directory.
	Root string `toml:"root" json:"root" yaml:"root"`

	// CacheSize is the object read cache capacity in objects.
	CacheSize int `toml:"cache_size" json:"cache_size" yaml:"cache_size"`
}

// LogConfig holds session operation log configuration.
type LogConfig struct {
	// SegmentSizeBytes is the log segment rollover threshold.
	SegmentSizeBytes int64 `toml:"segment_size_bytes" json:"segment_size_bytes" yaml:"segment_size_bytes"`

	// SyncOnAppend forces an fsync after every appended record.
	SyncOnAppend bool `toml:"sync_on_append" json:"sync_on_append" yaml:"sync_on_append"`
}

// ConflictConfig holds conflict screening configuration.
type ConflictConfig struct {
	// BloomExpectedPaths sizes the per-session touched-path filter.
	BloomExpectedPaths int `toml:"bloom_expected_paths" json:"bloom_expected_paths" yaml:"bloom_expected_paths"`

	// BloomTargetRate is the filter's target false-positive rate.
	BloomTargetRate float64 `toml:"bloom_target_rate" json:"bloom_target_rate" yaml:"bloom_target_rate"`
}

// PartitionConfig holds landing partition configuration.
type PartitionConfig struct {
	// Prefixes lists path prefixes that land independently of each
	// other. Prefixes must not contain one another.
	Prefixes []string `toml:"prefixes" json:"prefixes" yaml:"prefixes"`
}

// WatchConfig holds workspace watching configuration.
type WatchConfig struct {
	// Paths lists the workspace directories to watch.
	Paths []string `toml:"paths" json:"paths" yaml:"paths"`

	// IncludePatterns are glob patterns for files to capture.
	// If empty, all files are captured.
	IncludePatterns []string `toml:"include_patterns" json:"include_patterns" yaml:"include_patterns"`

	// ExcludePatterns are glob patterns for files to skip.
	ExcludePatterns []string `toml:"exclude_patterns" json:"exclude_patterns" yaml:"exclude_patterns"`

	// DebounceMs is how long a file must stay unchanged before its
	// content is recorded.
	DebounceMs int `toml:"debounce_ms" json:"debounce_ms" yaml:"debounce_ms"`

	// MaxFileSize is the largest file to capture, in bytes.
	MaxFileSize int64 `toml:"max_file_size" json:"max_file_size" yaml:"max_file_size"`

	// Recursive extends the watch to subdirectories.
	Recursive bool `toml:"recursive" json:"recursive" yaml:"recursive"`

	// FollowSymlinks lets the watcher traverse symbolic links.
	FollowSymlinks bool `toml:"follow_symlinks" json:"follow_symlinks" yaml:"follow_symlinks"`
}

// LoggingConfig mirrors logging.Config in file-friendly string form.
type LoggingConfig struct {
	// Level is one of "debug", "info", "warn", "error".
	Level string `toml:"level" json:"level" yaml:"level"`

	// Format is "text" or "json".
	Format string `toml:"format" json:"format" yaml:"format"`

	// Output is the log output: "stdout", "stderr", "file", or "both".
	Output string `toml:"output" json:"output" yaml:"output"`

	// FilePath is the path to the log file (when Output includes file).
	FilePath string `toml:"file_path" json:"file_path" yaml:"file_path"`

	// MaxSizeMB caps the log file size before rotation.
	MaxSizeMB int `toml:"max_size_mb" json:"max_size_mb" yaml:"max_size_mb"`

	// MaxBackups is the number of rotated log files to keep.
	MaxBackups int `toml:"max_backups" json:"max_backups" yaml:"max_backups"`

	// MaxAgeDays is the maximum age of rotated log files in days.
	MaxAgeDays int `toml:"max_age_days" json:"max_age_days" yaml:"max_age_days"`

	// Compress gzips rotated logs.
	Compress bool `toml:"compress" json:"compress" yaml:"compress"`
}

// MetricsConfig holds metrics configuration.
type MetricsConfig struct {
	// Enabled determines whether the metrics endpoint is served.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// ListenAddr is the address the metrics endpoint binds to.
	ListenAddr string `toml:"listen_addr" json:"listen_addr" yaml:"listen_addr"`
}

// SearchConfig holds full-text search configuration.
type SearchConfig struct {
	// Enabled determines whether narrative records are indexed.
	Enabled bool `toml:"enabled" json:"enabled" yaml:"enabled"`

	// DefaultLimit is the result count when a query gives none.
	DefaultLimit int `toml:"default_limit" json:"default_limit" yaml:"default_limit"`
}

// DefaultConfig builds the configuration basin runs with when no file
// overrides it.
func DefaultConfig() *Config {
	dir := BasinDir()

	return &Config{
		Version: Version,
		Storage: StorageConfig{
			Root:      filepath.Join(dir, "repo"),
			CacheSize: 512,
		},
		Log: LogConfig{
			SegmentSizeBytes: 4 * 1024 * 1024,
			SyncOnAppend:     false,
		},
		Conflict: ConflictConfig{
			BloomExpectedPaths: 1024,
			BloomTargetRate:    0.01,
		},
		Partitions: PartitionConfig{
			Prefixes: []string{},
		},
		Watch: WatchConfig{
			Paths:           []string{},
			IncludePatterns: []string{},
			ExcludePatterns: []string{".*", "*~", "*.tmp", "*.swp", "*.part"},
			DebounceMs:      2000,
			MaxFileSize:     16 * 1024 * 1024,
			Recursive:       true,
			FollowSymlinks:  false,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stderr",
			FilePath:   filepath.Join(dir, "basin.log"),
			MaxSizeMB:  50,
			MaxBackups: 3,
			MaxAgeDays: 14,
			Compress:   true,
		},
		Metrics: MetricsConfig{
			Enabled:    false,
			ListenAddr: "127.0.0.1:9815",
		},
		Search: SearchConfig{
			Enabled:      true,
			DefaultLimit: 10,
		},
	}
}

// ConfigPath locates the configuration file inside the data dir.
func ConfigPath() string {
	return filepath.Join(BasinDir(), "config.toml")
}

// BasinDir returns the base basin directory, honoring the
// BASIN_DATA_DIR environment override.
func BasinDir() string {
	if envDir := os.Getenv("BASIN_DATA_DIR"); envDir != "" {
		return envDir
	}
	return PlatformDataDir()
}

// ApplyEnvOverrides applies environment variable overrides to the
// configuration. Variables are prefixed with BASIN_.
func (c *Config) ApplyEnvOverrides() {
	if v := os.Getenv("BASIN_REPO"); v != "" {
		c.Storage.Root = v
	}
	if v := os.Getenv("BASIN_LOG_LEVEL"); v != "" {
		c.Logging.Level = v
	}
	if v := os.Getenv("BASIN_LOG_FORMAT"); v != "" {
		c.Logging.Format = v
	}
	if v := os.Getenv("BASIN_LOG_PATH"); v != "" {
		c.Logging.FilePath = v
	}
	if v := os.Getenv("BASIN_METRICS_ADDR"); v != "" {
		c.Metrics.ListenAddr = v
	}
}

// Clone deep-copies the configuration, including its slices.
func (c *Config) Clone() *Config {
	clone := *c
	clone.Partitions.Prefixes = append([]string(nil), c.Partitions.Prefixes...)
	clone.Watch.Paths = append([]string(nil), c.Watch.Paths...)
	clone.Watch.IncludePatterns = append([]string(nil), c.Watch.IncludePatterns...)
	clone.Watch.ExcludePatterns = append([]string(nil), c.Watch.ExcludePatterns...)
	return &clone
}

// Validate reports every problem in the configuration at once.
func (c *Config) Validate() error {
	return ValidateConfig(c)
}
