// Package index maintains the rebuildable query indexes: a SQLite
// database mapping paths to the sessions and land events that touched
// them, and a bleve full-text index over narrative records.
//
// Nothing in here is a system of record. Both indexes are derived from
// the session logs and the land history, and either one can be deleted
// and regenerated with Rebuild.
package index

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"basin/internal/land"
	"basin/internal/oplog"
	"basin/internal/session"
)

const (
	pathsDBName     = "paths.db"
	searchIndexName = "search.bleve"
)

// Stats summarizes index contents.
type Stats struct {
	Sessions   uint64 `json:"sessions"`
	LandEvents uint64 `json:"land_events"`
	Documents  uint64 `json:"documents"`
}

// Index bundles the path index and the search index behind one handle.
type Index struct {
	dir    string
	logger *slog.Logger

	// mu guards the handles, which Rebuild swaps out.
	mu     sync.RWMutex
	paths  *pathIndex
	search *searchIndex
}

// Open prepares both indexes under dir, creating or recreating whatever
// is missing or unreadable.
func Open(dir string, logger *slog.Logger) (*Index, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create index directory: %w", err)
	}
	ix := &Index{dir: dir, logger: logger}
	if err := ix.openLocked(); err != nil {
		return nil, err
	}
	return ix, nil
}

func (ix *Index) openLocked() error {
	paths, err := openPathIndex(filepath.Join(ix.dir, pathsDBName), ix.logger)
	if err != nil {
		return err
	}
	search, err := openSearchIndex(filepath.Join(ix.dir, searchIndexName), ix.logger)
	if err != nil {
		paths.close()
		return err
	}
	ix.paths = paths
	ix.search = search
	return nil
}

func (ix *Index) closeLocked() error {
	var firstErr error
	if ix.paths != nil {
		if err := ix.paths.close(); err != nil {
			firstErr = err
		}
		ix.paths = nil
	}
	if ix.search != nil {
		if err := ix.search.close(); err != nil && firstErr == nil {
			firstErr = err
		}
		ix.search = nil
	}
	return firstErr
}

// Close releases both index handles.
func (ix *Index) Close() error {
	ix.mu.Lock()
	defer ix.mu.Unlock()
	return ix.closeLocked()
}

// UpsertSession refreshes the indexed row for one session.
func (ix *Index) UpsertSession(meta session.Meta) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.paths.upsertSession(meta)
}

// RecordLand indexes a land event and its touched paths.
func (ix *Index) RecordLand(event *land.Event) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.paths.recordLand(event)
}

// IndexRecord adds a narrative record to the search index. Other record
// types are ignored; a narrative payload that does not parse is skipped
// with a warning rather than failing the caller.
func (ix *Index) IndexRecord(sessionID uuid.UUID, rec *oplog.Record) error {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.indexRecordLocked(sessionID, rec)
}

func (ix *Index) indexRecordLocked(sessionID uuid.UUID, rec *oplog.Record) error {
	text, narrative, err := narrativeText(rec)
	if err != nil {
		ix.logger.Warn("skipping unparseable narrative record",
			"session", sessionID, "seq", rec.Seq, "type", rec.Type.String(), "error", err)
		return nil
	}
	if !narrative {
		return nil
	}
	return ix.search.add(sessionID, rec, text)
}

// SessionsTouching returns the sessions that wrote or deleted the path.
func (ix *Index) SessionsTouching(path string) ([]uuid.UUID, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.paths.sessionsTouching(path)
}

// LandsTouching returns land positions after afterPosition that touched
// the path, ascending.
func (ix *Index) LandsTouching(path string, afterPosition uint64) ([]uint64, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.paths.landsTouching(path, afterPosition)
}

// PathsUnder returns every indexed path with the given prefix, sorted.
func (ix *Index) PathsUnder(prefix string) ([]string, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.paths.pathsUnder(prefix)
}

// SearchText runs a full-text query over narrative records.
func (ix *Index) SearchText(ctx context.Context, query string, limit int) ([]SearchHit, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()
	return ix.search.query(ctx, query, limit)
}

// Stats reports row and document counts.
func (ix *Index) Stats() (Stats, error) {
	ix.mu.RLock()
	defer ix.mu.RUnlock()

	var stats Stats
	var err error
	if stats.Sessions, err = ix.paths.sessionCount(); err != nil {
		return Stats{}, err
	}
	if stats.LandEvents, err = ix.paths.landCount(); err != nil {
		return Stats{}, err
	}
	if stats.Documents, err = ix.search.count(); err != nil {
		return Stats{}, err
	}
	return stats, nil
}

// Rebuild drops both indexes and regenerates them from the session
// manager and the land history.
func (ix *Index) Rebuild(mgr *session.Manager, events []land.Event) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	if err := ix.closeLocked(); err != nil {
		return fmt.Errorf("close indexes for rebuild: %w", err)
	}
	if err := removeSQLiteFiles(filepath.Join(ix.dir, pathsDBName)); err != nil {
		return fmt.Errorf("remove path index: %w", err)
	}
	if err := os.RemoveAll(filepath.Join(ix.dir, searchIndexName)); err != nil {
		return fmt.Errorf("remove search index: %w", err)
	}
	if err := ix.openLocked(); err != nil {
		return err
	}

	metas, err := mgr.List()
	if err != nil {
		return fmt.Errorf("list sessions: %w", err)
	}
	for _, meta := range metas {
		if err := ix.paths.upsertSession(meta); err != nil {
			return err
		}
		sess, err := mgr.Get(meta.ID)
		if err != nil {
			return err
		}
		records, err := sess.Replay()
		if err != nil {
			return fmt.Errorf("replay session %s: %w", meta.ID, err)
		}
		for _, rec := range records {
			if err := ix.indexRecordLocked(meta.ID, rec); err != nil {
				return err
			}
		}
	}
	for i := range events {
		if err := ix.paths.recordLand(&events[i]); err != nil {
			return err
		}
	}

	ix.logger.Info("indexes rebuilt", "sessions", len(metas), "land_events", len(events))
	return nil
}
