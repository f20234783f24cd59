package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync/atomic"

	"github.com/google/uuid"

	"basin/internal/hashing"
	"basin/internal/logging"
	"basin/internal/metrics"
	"basin/internal/oplog"
)

// Recorder is the slice of the repository the capturer writes through.
type Recorder interface {
	PutBlob(data []byte) (hashing.Hash, error)
	AppendOperation(sessionID uuid.UUID, rec *oplog.Record) (uint64, error)
}

// CapturerConfig carries the session to record into and optional hooks.
type CapturerConfig struct {
	// SessionID is the open session that receives the records.
	SessionID uuid.UUID

	// Logger receives per-file debug output. Defaults to discarding.
	Logger *slog.Logger

	// Metrics, when set, counts captures, blobs, and errors.
	Metrics *metrics.BasinMetrics

	// Activity, when set, journals each captured path.
	Activity *logging.ActivityLog
}

// Capturer records settled file changes into a session as file write
// and delete operations.
type Capturer struct {
	rec      Recorder
	cfg      CapturerConfig
	logger   *slog.Logger
	captured atomic.Uint64
}

// NewCapturer builds a capturer that records through rec.
func NewCapturer(rec Recorder, cfg CapturerConfig) *Capturer {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Capturer{rec: rec, cfg: cfg, logger: logger}
}

// Run consumes events until ctx is cancelled or the channel closes.
// Individual capture failures are logged and counted but do not stop
// the loop.
func (c *Capturer) Run(ctx context.Context, events <-chan Event) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if _, err := c.Capture(ev); err != nil {
				c.logger.Warn("capture failed", "path", ev.Rel, "op", ev.Op.String(), "error", err)
				if c.cfg.Metrics != nil {
					c.cfg.Metrics.RecordError()
				}
				if c.cfg.Activity != nil {
					_ = c.cfg.Activity.Failure(logging.ActivityCapture, c.cfg.SessionID.String(), err)
				}
			}
		}
	}
}

// Capture records a single event and returns the sequence number of
// the appended operation.
func (c *Capturer) Capture(ev Event) (uint64, error) {
	switch ev.Op {
	case OpWrite:
		return c.captureWrite(ev)
	case OpDelete:
		return c.captureDelete(ev)
	default:
		return 0, fmt.Errorf("unknown op %d for %s", int(ev.Op), ev.Rel)
	}
}

func (c *Capturer) captureWrite(ev Event) (uint64, error) {
	data, err := os.ReadFile(ev.Path)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", ev.Path, err)
	}

	blobHash, err := c.rec.PutBlob(data)
	if err != nil {
		return 0, fmt.Errorf("storing blob for %s: %w", ev.Rel, err)
	}

	mode := ev.Mode
	if mode == 0 {
		mode = 0644
	}
	payload := oplog.FileWritePayload{
		Path:     ev.Rel,
		BlobHash: blobHash,
		Size:     uint64(len(data)),
		Mode:     mode,
	}
	seq, err := c.rec.AppendOperation(c.cfg.SessionID, &oplog.Record{
		Type:    oplog.RecordFileWrite,
		Payload: payload.Serialize(),
	})
	if err != nil {
		return 0, fmt.Errorf("recording write of %s: %w", ev.Rel, err)
	}

	c.captured.Add(1)
	c.logger.Debug("captured write", "path", ev.Rel, "seq", seq, "bytes", len(data))
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordCapture()
		c.cfg.Metrics.RecordBlob(int64(len(data)))
	}
	if c.cfg.Activity != nil {
		_ = c.cfg.Activity.Captured(c.cfg.SessionID.String(), ev.Rel)
	}
	return seq, nil
}

func (c *Capturer) captureDelete(ev Event) (uint64, error) {
	payload := oplog.FileDeletePayload{Path: ev.Rel}
	seq, err := c.rec.AppendOperation(c.cfg.SessionID, &oplog.Record{
		Type:    oplog.RecordFileDelete,
		Payload: payload.Serialize(),
	})
	if err != nil {
		return 0, fmt.Errorf("recording delete of %s: %w", ev.Rel, err)
	}

	c.captured.Add(1)
	c.logger.Debug("captured delete", "path", ev.Rel, "seq", seq)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordCapture()
	}
	if c.cfg.Activity != nil {
		_ = c.cfg.Activity.Captured(c.cfg.SessionID.String(), ev.Rel)
	}
	return seq, nil
}

// Captured returns how many events have been recorded so far.
func (c *Capturer) Captured() uint64 {
	return c.captured.Load()
}
