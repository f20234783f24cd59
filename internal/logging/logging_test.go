package logging

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================
// Test helpers
// ============================================================

func fileLogger(t *testing.T, mutate func(*Config)) (*Logger, string) {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.log")
	cfg := DefaultConfig()
	cfg.Output = "file"
	cfg.FilePath = path
	cfg.Compress = false
	if mutate != nil {
		mutate(cfg)
	}

	logger, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { logger.Close() })
	return logger, path
}

func readLog(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

// ============================================================
// Levels and formats
// ============================================================

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input   string
		want    Level
		wantErr bool
	}{
		{"debug", LevelDebug, false},
		{"DEBUG", LevelDebug, false},
		{"info", LevelInfo, false},
		{"warn", LevelWarn, false},
		{"warning", LevelWarn, false},
		{"error", LevelError, false},
		{"loud", LevelInfo, true},
		{"", LevelInfo, true},
	}

	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			level, err := ParseLevel(test.input)
			if test.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.want, level)
		})
	}
}

func TestParseFormat(t *testing.T) {
	format, err := ParseFormat("json")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, format)

	format, err = ParseFormat("TEXT")
	require.NoError(t, err)
	assert.Equal(t, FormatText, format)

	_, err = ParseFormat("xml")
	require.Error(t, err)
}

func TestLevelString(t *testing.T) {
	assert.Equal(t, "debug", LevelString(LevelDebug))
	assert.Equal(t, "info", LevelString(LevelInfo))
	assert.Equal(t, "warn", LevelString(LevelWarn))
	assert.Equal(t, "error", LevelString(LevelError))
}

func TestDefaultConfig_Sane(t *testing.T) {
	cfg := DefaultConfig()

	assert.Equal(t, LevelInfo, cfg.Level)
	assert.Equal(t, FormatText, cfg.Format)
	assert.Equal(t, "stderr", cfg.Output)
	assert.Equal(t, "basin", cfg.Component)
	assert.Positive(t, cfg.MaxSize)
	assert.Positive(t, cfg.MaxAge)
	assert.Positive(t, cfg.MaxBackups)
}

// ============================================================
// Logger output
// ============================================================

func TestLogger_WritesToFile(t *testing.T) {
	logger, path := fileLogger(t, nil)

	logger.Info("landing complete", "position", 4)
	require.NoError(t, logger.Sync())

	content := readLog(t, path)
	assert.Contains(t, content, "landing complete")
	assert.Contains(t, content, "position=4")
	assert.Contains(t, content, "component=basin")
}

func TestLogger_JSONFormat(t *testing.T) {
	logger, path := fileLogger(t, func(cfg *Config) {
		cfg.Format = FormatJSON
	})

	logger.Info("session opened", "owner", "amara")
	require.NoError(t, logger.Sync())

	lines := strings.Split(strings.TrimSpace(readLog(t, path)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "session opened", entry["msg"])
	assert.Equal(t, "amara", entry["owner"])
}

func TestLogger_LevelFilters(t *testing.T) {
	logger, path := fileLogger(t, func(cfg *Config) {
		cfg.Level = LevelWarn
	})

	logger.Info("quiet")
	logger.Warn("loud")
	require.NoError(t, logger.Sync())

	content := readLog(t, path)
	assert.NotContains(t, content, "quiet")
	assert.Contains(t, content, "loud")
}

func TestLogger_WithComponent(t *testing.T) {
	logger, path := fileLogger(t, nil)

	logger.WithComponent("land").Info("head advanced")
	require.NoError(t, logger.Sync())

	assert.Contains(t, readLog(t, path), "component=land")
}

func TestLogger_WithContextCarriesSession(t *testing.T) {
	logger, path := fileLogger(t, nil)

	ctx := ContextWithSession(context.Background(), "sess-42")
	logger.WithContext(ctx).Info("append")
	require.NoError(t, logger.Sync())

	assert.Contains(t, readLog(t, path), "session=sess-42")
}

func TestSessionFromContext(t *testing.T) {
	assert.Equal(t, "", SessionFromContext(context.Background()))
	assert.Equal(t, "", SessionFromContext(nil))

	ctx := ContextWithSession(context.Background(), "sess-7")
	assert.Equal(t, "sess-7", SessionFromContext(ctx))
}

// ============================================================
// Redaction
// ============================================================

func TestShouldRedact(t *testing.T) {
	for _, key := range []string{"password", "PASSWORD", "api_token", "Secret", "private_key", "authorization"} {
		assert.True(t, shouldRedact(key), key)
	}
	for _, key := range []string{"owner", "path", "position", "goal"} {
		assert.False(t, shouldRedact(key), key)
	}
}

func TestLogger_RedactsSensitiveKeys(t *testing.T) {
	logger, path := fileLogger(t, nil)

	logger.Info("remote configured", "api_token", "tok-12345")
	require.NoError(t, logger.Sync())

	content := readLog(t, path)
	assert.Contains(t, content, "[REDACTED]")
	assert.NotContains(t, content, "tok-12345")
}

func TestLogger_RedactsConfiguredPatterns(t *testing.T) {
	logger, path := fileLogger(t, func(cfg *Config) {
		cfg.RedactPatterns = []string{`ghp_[A-Za-z0-9]+`}
	})

	logger.Info("clone", "url", "https://ghp_abc123@example.com/repo")
	require.NoError(t, logger.Sync())

	content := readLog(t, path)
	assert.Contains(t, content, "[REDACTED]@example.com")
	assert.NotContains(t, content, "ghp_abc123")
}

func TestNew_RejectsBadRedactPattern(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RedactPatterns = []string{"[unclosed"}

	_, err := New(cfg)
	require.Error(t, err)
}

// ============================================================
// Rotation
// ============================================================

func TestFileRotator_RotatesAtSizeLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rotate.log")
	rotator, err := NewFileRotator(&Config{
		FilePath:   path,
		MaxSize:    1,
		MaxBackups: 5,
	})
	require.NoError(t, err)
	defer rotator.Close()

	chunk := make([]byte, 700*1024)
	_, err = rotator.Write(chunk)
	require.NoError(t, err)
	_, err = rotator.Write(chunk)
	require.NoError(t, err)

	rotated, err := filepath.Glob(filepath.Join(filepath.Dir(path), "rotate-*.log"))
	require.NoError(t, err)
	assert.Len(t, rotated, 1)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunk)), info.Size())
}

func TestFileRotator_PruneHonorsMaxBackups(t *testing.T) {
	path := filepath.Join(t.TempDir(), "prune.log")
	rotator, err := NewFileRotator(&Config{
		FilePath:   path,
		MaxSize:    1,
		MaxBackups: 1,
	})
	require.NoError(t, err)
	defer rotator.Close()

	chunk := make([]byte, 700*1024)
	for i := 0; i < 4; i++ {
		_, err = rotator.Write(chunk)
		require.NoError(t, err)
	}

	rotated, err := filepath.Glob(filepath.Join(filepath.Dir(path), "prune-*.log"))
	require.NoError(t, err)
	assert.Len(t, rotated, 1)
}

func TestFileRotator_ZeroMaxSizeNeverRotatesBySize(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nolimit.log")
	rotator, err := NewFileRotator(&Config{FilePath: path})
	require.NoError(t, err)
	defer rotator.Close()

	chunk := make([]byte, 700*1024)
	for i := 0; i < 3; i++ {
		_, err = rotator.Write(chunk)
		require.NoError(t, err)
	}

	rotated, err := filepath.Glob(filepath.Join(filepath.Dir(path), "nolimit-*.log"))
	require.NoError(t, err)
	assert.Empty(t, rotated)
}

// ============================================================
// Activity journal
// ============================================================

func TestActivityLog_WritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	journal, err := NewActivityLog(&ActivityConfig{FilePath: path, Repo: "/repos/alpha"})
	require.NoError(t, err)
	defer journal.Close()

	require.NoError(t, journal.SessionStarted("sess-1", "amara", "fix parser"))
	require.NoError(t, journal.SessionLanded("sess-1", 3))
	require.NoError(t, journal.SessionConflicted("sess-2", []string{"src/shared.go"}))
	require.NoError(t, journal.Sync())

	lines := strings.Split(strings.TrimSpace(readLog(t, path)), "\n")
	require.Len(t, lines, 3)

	var events []ActivityEvent
	for _, line := range lines {
		var event ActivityEvent
		require.NoError(t, json.Unmarshal([]byte(line), &event))
		events = append(events, event)
	}

	assert.Equal(t, ActivitySessionStart, events[0].Type)
	assert.Equal(t, "amara", events[0].Owner)
	assert.Equal(t, "ok", events[0].Result)
	assert.Equal(t, "/repos/alpha", events[0].Repo)
	assert.False(t, events[0].Timestamp.IsZero())

	assert.Equal(t, ActivitySessionLand, events[1].Type)
	assert.Equal(t, uint64(3), events[1].Position)

	assert.Equal(t, ActivitySessionConflict, events[2].Type)
	assert.Equal(t, "conflicted", events[2].Result)
}

func TestActivityLog_RecordsFailures(t *testing.T) {
	path := filepath.Join(t.TempDir(), "activity.log")
	journal, err := NewActivityLog(&ActivityConfig{FilePath: path})
	require.NoError(t, err)
	defer journal.Close()

	require.NoError(t, journal.Failure(ActivitySessionLand, "sess-9", os.ErrPermission))
	require.NoError(t, journal.Sync())

	var event ActivityEvent
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(readLog(t, path))), &event))
	assert.Equal(t, "error", event.Result)
	assert.Equal(t, os.ErrPermission.Error(), event.Error)
}

// ============================================================
// Crash handler
// ============================================================

func TestCrashHandler_WritesReport(t *testing.T) {
	handler := NewCrashHandler(&CrashHandlerConfig{
		CrashDir:  t.TempDir(),
		Version:   "1.2.3",
		Component: "watch",
	})

	handler.HandlePanic("boom", map[string]any{"op": "capture"})

	reports, err := handler.GetCrashReports()
	require.NoError(t, err)
	require.Len(t, reports, 1)

	report := reports[0]
	assert.Equal(t, "boom", report.PanicValue)
	assert.Equal(t, "1.2.3", report.Version)
	assert.Equal(t, "watch", report.Component)
	assert.Equal(t, runtime.GOOS, report.GOOS)
	assert.NotEmpty(t, report.StackTrace)
}

func TestCrashHandler_RecoverCatchesPanic(t *testing.T) {
	handler := NewCrashHandler(&CrashHandlerConfig{CrashDir: t.TempDir()})

	ran := false
	handler.Recover(func() {
		ran = true
		panic("intentional")
	})

	assert.True(t, ran)
	reports, err := handler.GetCrashReports()
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestCrashHandler_RapidPanicsKeepDistinctReports(t *testing.T) {
	handler := NewCrashHandler(&CrashHandlerConfig{CrashDir: t.TempDir()})

	for i := 0; i < 3; i++ {
		handler.HandlePanic("again", nil)
	}

	reports, err := handler.GetCrashReports()
	require.NoError(t, err)
	assert.Len(t, reports, 3)
}

func TestCrashHandler_ClearCrashReports(t *testing.T) {
	handler := NewCrashHandler(&CrashHandlerConfig{CrashDir: t.TempDir()})
	handler.HandlePanic("gone", nil)

	require.NoError(t, handler.ClearCrashReports())

	reports, err := handler.GetCrashReports()
	require.NoError(t, err)
	assert.Empty(t, reports)
}
