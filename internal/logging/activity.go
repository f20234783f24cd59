package logging

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"time"
)

// ActivityType classifies an entry in the activity journal.
type ActivityType string

// Activity event types.
const (
	ActivityRepoInit        ActivityType = "repo_init"
	ActivitySessionStart    ActivityType = "session_start"
	ActivitySessionLand     ActivityType = "session_land"
	ActivitySessionConflict ActivityType = "session_conflict"
	ActivitySessionAbandon  ActivityType = "session_abandon"
	ActivitySessionReopen   ActivityType = "session_reopen"
	ActivityCapture         ActivityType = "capture"
	ActivityReindex         ActivityType = "reindex"
	ActivityVerify          ActivityType = "verify"
	ActivityExport          ActivityType = "export"
)

// ActivityEvent is one entry in the activity journal. The journal
// records what was done to a repository and by whom; the operation log
// inside the repository remains the authoritative record of content.
type ActivityEvent struct {
	Timestamp time.Time      `json:"timestamp"`
	Type      ActivityType   `json:"type"`
	Repo      string         `json:"repo,omitempty"`
	SessionID string         `json:"session_id,omitempty"`
	Owner     string         `json:"owner,omitempty"`
	Result    string         `json:"result"`
	Position  uint64         `json:"position,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	Error     string         `json:"error,omitempty"`
}

// ActivityConfig configures the activity journal.
type ActivityConfig struct {
	// FilePath is the journal location. Defaults next to the log file.
	FilePath string

	// Repo is stamped on every event.
	Repo string

	// MaxSize is the rotation threshold in megabytes.
	MaxSize int64

	// MaxAge is the retention age for rotated files in days.
	MaxAge int

	// MaxBackups is the number of rotated files to keep.
	MaxBackups int

	// Compress gzips rotated files.
	Compress bool
}

// DefaultActivityConfig returns the default journal configuration.
func DefaultActivityConfig() *ActivityConfig {
	return &ActivityConfig{
		FilePath:   filepath.Join(filepath.Dir(defaultLogPath()), "activity.log"),
		MaxSize:    20,
		MaxAge:     90,
		MaxBackups: 5,
		Compress:   true,
	}
}

// ActivityLog appends JSON-line events to a rotated journal file.
type ActivityLog struct {
	mu      sync.Mutex
	rotator *FileRotator
	repo    string
}

// NewActivityLog opens the activity journal at cfg.FilePath.
func NewActivityLog(cfg *ActivityConfig) (*ActivityLog, error) {
	if cfg == nil {
		cfg = DefaultActivityConfig()
	}
	if cfg.FilePath == "" {
		cfg.FilePath = DefaultActivityConfig().FilePath
	}

	rotator, err := NewFileRotator(&Config{
		FilePath:   cfg.FilePath,
		MaxSize:    cfg.MaxSize,
		MaxAge:     cfg.MaxAge,
		MaxBackups: cfg.MaxBackups,
		Compress:   cfg.Compress,
	})
	if err != nil {
		return nil, fmt.Errorf("open activity journal: %w", err)
	}

	return &ActivityLog{rotator: rotator, repo: cfg.Repo}, nil
}

// Record appends one event to the journal.
func (a *ActivityLog) Record(event ActivityEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	if event.Result == "" {
		event.Result = "ok"
	}
	if event.Repo == "" {
		event.Repo = a.repo
	}

	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode activity event: %w", err)
	}
	data = append(data, '\n')

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.rotator.Write(data); err != nil {
		return fmt.Errorf("write activity event: %w", err)
	}
	return nil
}

// RepoInit records the creation of a repository.
func (a *ActivityLog) RepoInit(root string) error {
	return a.Record(ActivityEvent{
		Type: ActivityRepoInit,
		Repo: root,
	})
}

// SessionStarted records a new session.
func (a *ActivityLog) SessionStarted(sessionID, owner, goal string) error {
	return a.Record(ActivityEvent{
		Type:      ActivitySessionStart,
		SessionID: sessionID,
		Owner:     owner,
		Details:   map[string]any{"goal": goal},
	})
}

// SessionLanded records a successful land and its history position.
func (a *ActivityLog) SessionLanded(sessionID string, position uint64) error {
	return a.Record(ActivityEvent{
		Type:      ActivitySessionLand,
		SessionID: sessionID,
		Position:  position,
	})
}

// SessionConflicted records a land attempt rejected for overlap.
func (a *ActivityLog) SessionConflicted(sessionID string, paths []string) error {
	return a.Record(ActivityEvent{
		Type:      ActivitySessionConflict,
		SessionID: sessionID,
		Result:    "conflicted",
		Details:   map[string]any{"paths": paths},
	})
}

// SessionAbandoned records an abandoned session.
func (a *ActivityLog) SessionAbandoned(sessionID, reason string) error {
	return a.Record(ActivityEvent{
		Type:      ActivitySessionAbandon,
		SessionID: sessionID,
		Details:   map[string]any{"reason": reason},
	})
}

// SessionReopened records a conflicted session rebased for another try.
func (a *ActivityLog) SessionReopened(sessionID string, basePosition uint64) error {
	return a.Record(ActivityEvent{
		Type:      ActivitySessionReopen,
		SessionID: sessionID,
		Position:  basePosition,
	})
}

// Captured records a file change captured into a session.
func (a *ActivityLog) Captured(sessionID, path string) error {
	return a.Record(ActivityEvent{
		Type:      ActivityCapture,
		SessionID: sessionID,
		Details:   map[string]any{"path": path},
	})
}

// Failure records a failed operation of the given type.
func (a *ActivityLog) Failure(typ ActivityType, sessionID string, opErr error) error {
	event := ActivityEvent{
		Type:      typ,
		SessionID: sessionID,
		Result:    "error",
	}
	if opErr != nil {
		event.Error = opErr.Error()
	}
	return a.Record(event)
}

// Sync flushes the journal to disk.
func (a *ActivityLog) Sync() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rotator.Sync()
}

// Close closes the journal.
func (a *ActivityLog) Close() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.rotator.Close()
}
