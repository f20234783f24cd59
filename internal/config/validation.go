package config

import (
	"fmt"
	"net"
	"sort"
	"strings"

	"github.com/gobwas/glob"
)

// ValidationError names one bad configuration field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Message)
}

// ValidationErrors aggregates every problem found in one pass.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	if len(e) == 0 {
		return ""
	}
	var msgs []string
	for _, err := range e {
		msgs = append(msgs, err.Error())
	}
	return strings.Join(msgs, "; ")
}

// ValidateConfig checks every section of the configuration and returns
// all problems at once rather than stopping at the first.
func ValidateConfig(c *Config) error {
	var errs ValidationErrors

	errs = append(errs, validateStorage(&c.Storage)...)
	errs = append(errs, validateLog(&c.Log)...)
	errs = append(errs, validateConflict(&c.Conflict)...)
	errs = append(errs, validatePartitions(&c.Partitions)...)
	errs = append(errs, validateWatch(&c.Watch)...)
	errs = append(errs, validateLogging(&c.Logging)...)
	errs = append(errs, validateMetrics(&c.Metrics)...)
	errs = append(errs, validateSearch(&c.Search)...)

	if len(errs) > 0 {
		return errs
	}
	return nil
}

func validateStorage(c *StorageConfig) ValidationErrors {
	var errs ValidationErrors

	if c.Root == "" {
		errs = append(errs, ValidationError{
			Field:   "storage.root",
			Message: "must not be empty",
		})
	}
	if c.CacheSize < 0 {
		errs = append(errs, ValidationError{
			Field:   "storage.cache_size",
			Message: fmt.Sprintf("must be >= 0, got %d", c.CacheSize),
		})
	}

	return errs
}

func validateLog(c *LogConfig) ValidationErrors {
	var errs ValidationErrors

	if c.SegmentSizeBytes < 4096 {
		errs = append(errs, ValidationError{
			Field:   "log.segment_size_bytes",
			Message: fmt.Sprintf("must be >= 4096, got %d", c.SegmentSizeBytes),
		})
	}

	return errs
}

func validateConflict(c *ConflictConfig) ValidationErrors {
	var errs ValidationErrors

	if c.BloomExpectedPaths < 1 {
		errs = append(errs, ValidationError{
			Field:   "conflict.bloom_expected_paths",
			Message: fmt.Sprintf("must be >= 1, got %d", c.BloomExpectedPaths),
		})
	}
	if c.BloomTargetRate <= 0 || c.BloomTargetRate >= 1 {
		errs = append(errs, ValidationError{
			Field:   "conflict.bloom_target_rate",
			Message: fmt.Sprintf("must be in (0, 1), got %g", c.BloomTargetRate),
		})
	}

	return errs
}

func validatePartitions(c *PartitionConfig) ValidationErrors {
	var errs ValidationErrors

	// Prefixes must be disjoint. Sorting puts any prefix directly
	// before the paths it contains, so one adjacent comparison finds
	// every nested pair.
	sorted := make([]string, len(c.Prefixes))
	copy(sorted, c.Prefixes)
	sort.Strings(sorted)

	for i := 1; i < len(sorted); i++ {
		if sorted[i] == sorted[i-1] {
			errs = append(errs, ValidationError{
				Field:   "partitions.prefixes",
				Message: fmt.Sprintf("duplicate prefix %q", sorted[i]),
			})
			continue
		}
		if strings.HasPrefix(sorted[i], sorted[i-1]) {
			errs = append(errs, ValidationError{
				Field:   "partitions.prefixes",
				Message: fmt.Sprintf("prefix %q contains %q", sorted[i-1], sorted[i]),
			})
		}
	}

	return errs
}

func validateWatch(c *WatchConfig) ValidationErrors {
	var errs ValidationErrors

	if c.DebounceMs < 100 {
		errs = append(errs, ValidationError{
			Field:   "watch.debounce_ms",
			Message: fmt.Sprintf("must be >= 100, got %d", c.DebounceMs),
		})
	}
	if c.DebounceMs > 60000 {
		errs = append(errs, ValidationError{
			Field:   "watch.debounce_ms",
			Message: fmt.Sprintf("must be <= 60000, got %d", c.DebounceMs),
		})
	}
	if c.MaxFileSize < 0 {
		errs = append(errs, ValidationError{
			Field:   "watch.max_file_size",
			Message: fmt.Sprintf("must be >= 0, got %d", c.MaxFileSize),
		})
	}
	for _, pattern := range c.IncludePatterns {
		if _, err := glob.Compile(pattern); err != nil {
			errs = append(errs, ValidationError{
				Field:   "watch.include_patterns",
				Message: fmt.Sprintf("invalid pattern %q: %v", pattern, err),
			})
		}
	}
	for _, pattern := range c.ExcludePatterns {
		if _, err := glob.Compile(pattern); err != nil {
			errs = append(errs, ValidationError{
				Field:   "watch.exclude_patterns",
				Message: fmt.Sprintf("invalid pattern %q: %v", pattern, err),
			})
		}
	}

	return errs
}

func validateLogging(c *LoggingConfig) ValidationErrors {
	var errs ValidationErrors

	switch strings.ToLower(c.Level) {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.level",
			Message: fmt.Sprintf("must be one of debug, info, warn, error; got %q", c.Level),
		})
	}

	switch strings.ToLower(c.Format) {
	case "text", "json":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.format",
			Message: fmt.Sprintf("must be text or json, got %q", c.Format),
		})
	}

	switch strings.ToLower(c.Output) {
	case "stdout", "stderr", "file", "both":
	default:
		errs = append(errs, ValidationError{
			Field:   "logging.output",
			Message: fmt.Sprintf("must be one of stdout, stderr, file, both; got %q", c.Output),
		})
	}

	if (strings.ToLower(c.Output) == "file" || strings.ToLower(c.Output) == "both") && c.FilePath == "" {
		errs = append(errs, ValidationError{
			Field:   "logging.file_path",
			Message: "required when output is file or both",
		})
	}

	if c.MaxSizeMB < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_size_mb",
			Message: fmt.Sprintf("must be >= 0, got %d", c.MaxSizeMB),
		})
	}
	if c.MaxBackups < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_backups",
			Message: fmt.Sprintf("must be >= 0, got %d", c.MaxBackups),
		})
	}
	if c.MaxAgeDays < 0 {
		errs = append(errs, ValidationError{
			Field:   "logging.max_age_days",
			Message: fmt.Sprintf("must be >= 0, got %d", c.MaxAgeDays),
		})
	}

	return errs
}

func validateMetrics(c *MetricsConfig) ValidationErrors {
	var errs ValidationErrors

	if c.Enabled {
		if _, _, err := net.SplitHostPort(c.ListenAddr); err != nil {
			errs = append(errs, ValidationError{
				Field:   "metrics.listen_addr",
				Message: fmt.Sprintf("invalid address %q: %v", c.ListenAddr, err),
			})
		}
	}

	return errs
}

func validateSearch(c *SearchConfig) ValidationErrors {
	var errs ValidationErrors

	if c.DefaultLimit < 1 {
		errs = append(errs, ValidationError{
			Field:   "search.default_limit",
			Message: fmt.Sprintf("must be >= 1, got %d", c.DefaultLimit),
		})
	}

	return errs
}
