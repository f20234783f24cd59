// Package logging provides structured logging for basin.
//
// It wraps log/slog with output routing, size and age based file
// rotation, sensitive-value redaction, and an activity journal for
// repository lifecycle events.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"runtime"
	"strings"
	"sync"
)

// Level aliases slog.Level so callers configure severity without
// importing slog themselves.
type Level = slog.Level

// Severity thresholds, re-exported from slog.
const (
	LevelDebug = slog.LevelDebug
	LevelInfo  = slog.LevelInfo
	LevelWarn  = slog.LevelWarn
	LevelError = slog.LevelError
)

// Format selects the handler encoding.
type Format int

const (
	// FormatText renders key=value lines.
	FormatText Format = iota
	// FormatJSON renders one JSON object per entry.
	FormatJSON
)

// Config controls how a Logger is built.
type Config struct {
	// Level is the minimum severity that gets emitted.
	Level Level

	// Format picks text or JSON encoding.
	Format Format

	// Output routes entries: "stdout", "stderr", "file", or "both"
	// (stderr plus file).
	Output string

	// FilePath locates the log file when Output includes "file".
	FilePath string

	// MaxSize caps a log file's size in megabytes before rotation.
	// Zero disables size-based rotation.
	MaxSize int64

	// MaxAge prunes rotated files older than this many days.
	MaxAge int

	// MaxBackups caps how many rotated files are kept.
	MaxBackups int

	// Compress gzips rotated log files.
	Compress bool

	// AddSource stamps entries with their call site.
	AddSource bool

	// RedactPatterns are regular expressions whose matches are masked
	// in string attribute values.
	RedactPatterns []string

	// Component tags every entry from this logger.
	Component string
}

// DefaultConfig is the stderr text setup short-lived commands start
// from.
func DefaultConfig() *Config {
	return &Config{
		Level:      LevelInfo,
		Format:     FormatText,
		Output:     "stderr",
		FilePath:   defaultLogPath(),
		MaxSize:    50,
		MaxAge:     14,
		MaxBackups: 3,
		Compress:   true,
		Component:  "basin",
	}
}

// defaultLogPath picks the conventional log location per platform.
func defaultLogPath() string {
	switch runtime.GOOS {
	case "darwin":
		homeDir, _ := os.UserHomeDir()
		return filepath.Join(homeDir, "Library", "Logs", "basin", "basin.log")
	case "windows":
		appData := os.Getenv("LOCALAPPDATA")
		if appData == "" {
			appData = os.Getenv("APPDATA")
		}
		return filepath.Join(appData, "basin", "logs", "basin.log")
	default:
		stateHome := os.Getenv("XDG_STATE_HOME")
		if stateHome == "" {
			homeDir, _ := os.UserHomeDir()
			stateHome = filepath.Join(homeDir, ".local", "state")
		}
		return filepath.Join(stateHome, "basin", "basin.log")
	}
}

// Logger wraps slog.Logger with output management.
type Logger struct {
	*slog.Logger
	config  *Config
	writers []io.Writer
	rotator *FileRotator
	redact  []*regexp.Regexp
	mu      sync.Mutex
}

var (
	defaultLogger *Logger
	loggerOnce    sync.Once
)

// Default returns the process-wide logger, building it lazily from
// DefaultConfig.
func Default() *Logger {
	loggerOnce.Do(func() {
		var err error
		defaultLogger, err = New(DefaultConfig())
		if err != nil {
			defaultLogger = &Logger{
				Logger: slog.Default(),
				config: DefaultConfig(),
			}
		}
	})
	return defaultLogger
}

// SetDefault installs l as both basin's and slog's default logger.
func SetDefault(l *Logger) {
	defaultLogger = l
	slog.SetDefault(l.Logger)
}

// New creates a Logger from the given configuration.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	l := &Logger{config: cfg}

	for _, pattern := range cfg.RedactPatterns {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, fmt.Errorf("redact pattern %q: %w", pattern, err)
		}
		l.redact = append(l.redact, re)
	}

	if err := l.setupWriters(); err != nil {
		return nil, fmt.Errorf("setup writers: %w", err)
	}

	var w io.Writer
	if len(l.writers) == 1 {
		w = l.writers[0]
	} else {
		w = io.MultiWriter(l.writers...)
	}

	opts := &slog.HandlerOptions{
		Level:       cfg.Level,
		AddSource:   cfg.AddSource,
		ReplaceAttr: l.redactAttr,
	}

	var handler slog.Handler
	switch cfg.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	if cfg.Component != "" {
		handler = handler.WithAttrs([]slog.Attr{
			slog.String("component", cfg.Component),
		})
	}

	l.Logger = slog.New(handler)
	return l, nil
}

func (l *Logger) setupWriters() error {
	switch strings.ToLower(l.config.Output) {
	case "stdout":
		l.writers = append(l.writers, os.Stdout)
	case "stderr":
		l.writers = append(l.writers, os.Stderr)
	case "file":
		if err := l.addFileWriter(); err != nil {
			return err
		}
	case "both":
		l.writers = append(l.writers, os.Stderr)
		if err := l.addFileWriter(); err != nil {
			return err
		}
	default:
		l.writers = append(l.writers, os.Stderr)
	}
	return nil
}

func (l *Logger) addFileWriter() error {
	if l.config.FilePath == "" {
		l.config.FilePath = defaultLogPath()
	}
	rotator, err := NewFileRotator(l.config)
	if err != nil {
		return err
	}
	l.rotator = rotator
	l.writers = append(l.writers, rotator)
	return nil
}

// redactAttr masks sensitive attributes. Attributes with secret-like
// keys are replaced wholesale; configured patterns mask only the
// matching portions of string values.
func (l *Logger) redactAttr(groups []string, a slog.Attr) slog.Attr {
	if shouldRedact(a.Key) {
		a.Value = slog.StringValue("[REDACTED]")
		return a
	}
	if len(l.redact) > 0 && a.Value.Kind() == slog.KindString {
		s := a.Value.String()
		masked := s
		for _, re := range l.redact {
			masked = re.ReplaceAllString(masked, "[REDACTED]")
		}
		if masked != s {
			a.Value = slog.StringValue(masked)
		}
	}
	return a
}

// shouldRedact reports whether an attribute key names sensitive data.
func shouldRedact(key string) bool {
	sensitiveKeys := []string{
		"password", "secret", "token", "credential",
		"private", "auth", "cookie", "api_key", "apikey", "bearer",
	}

	keyLower := strings.ToLower(key)
	for _, sensitive := range sensitiveKeys {
		if strings.Contains(keyLower, sensitive) {
			return true
		}
	}
	return false
}

// WithComponent returns a child logger tagged with a component name.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(slog.String("component", name)),
		config:  l.config,
		writers: l.writers,
		rotator: l.rotator,
		redact:  l.redact,
	}
}

// WithSession returns a child logger tagged with a session id.
func (l *Logger) WithSession(id string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(slog.String("session", id)),
		config:  l.config,
		writers: l.writers,
		rotator: l.rotator,
		redact:  l.redact,
	}
}

// WithContext returns a logger carrying the context's session id, when
// one is present.
func (l *Logger) WithContext(ctx context.Context) *Logger {
	if id := SessionFromContext(ctx); id != "" {
		return l.WithSession(id)
	}
	return l
}

// Close releases the file rotator when one is open.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rotator != nil {
		return l.rotator.Close()
	}
	return nil
}

// Sync forces the rotator's file to disk.
func (l *Logger) Sync() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.rotator != nil {
		return l.rotator.Sync()
	}
	return nil
}

type contextKey int

const sessionKey contextKey = iota

// ContextWithSession returns a context carrying a session id for
// logging.
func ContextWithSession(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, sessionKey, id)
}

// SessionFromContext extracts the logging session id from a context.
func SessionFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	if id, ok := ctx.Value(sessionKey).(string); ok {
		return id
	}
	return ""
}

// Package-level helpers log through Default().

// Debug logs msg at debug level.
func Debug(msg string, args ...any) {
	Default().Debug(msg, args...)
}

// Info logs msg at info level.
func Info(msg string, args ...any) {
	Default().Info(msg, args...)
}

// Warn logs msg at warn level.
func Warn(msg string, args ...any) {
	Default().Warn(msg, args...)
}

// Error logs msg at error level.
func Error(msg string, args ...any) {
	Default().Error(msg, args...)
}

// ParseLevel maps a config string onto a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return LevelDebug, nil
	case "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("unknown log level: %s", s)
	}
}

// LevelString renders a Level the way ParseLevel accepts it.
func LevelString(level Level) string {
	switch level {
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "info"
	}
}

// ParseFormat parses a string into an output format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "text", "":
		return FormatText, nil
	case "json":
		return FormatJSON, nil
	default:
		return FormatText, fmt.Errorf("unknown log format: %s", s)
	}
}
