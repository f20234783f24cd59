// Package repo assembles a repository from its parts: the object store,
// the session manager, the landing coordinator, and the derived indexes,
// behind a single facade.
//
// A Repo holds the repository lock for the lifetime of the handle, so
// two processes never recover, append, or land against the same state.
// Index updates are best-effort; the indexes are derived data and a
// failed update degrades queries, never correctness.
package repo

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/uuid"

	"basin/internal/hashing"
	"basin/internal/index"
	"basin/internal/land"
	"basin/internal/objectstore"
	"basin/internal/oplog"
	"basin/internal/session"
	"basin/internal/tree"
	"basin/internal/verify"
)

const (
	sessionsDirName = "sessions"
	objectsDirName  = "objects"
	mainDirName     = "main"
	indexesDirName  = "indexes"
	lockFileName    = "repo.lock"
)

var (
	// ErrRepoLocked indicates another process holds the repository lock.
	ErrRepoLocked = errors.New("repository is locked by another process")

	// ErrAlreadyInitialized rejects Init on a repository that has a head.
	ErrAlreadyInitialized = errors.New("repository already initialized")
)

// Options configures an open repository handle.
type Options struct {
	// Logger receives component logs. Nil means discard.
	Logger *slog.Logger

	// CacheSize is the object read cache capacity; <= 0 selects the
	// object store default.
	CacheSize int

	// SegmentSize and SyncOnAppend pass through to session logs.
	SegmentSize  int64
	SyncOnAppend bool

	// BloomExpectedPaths and BloomTargetRate tune the touched-path
	// filter geometry; zero selects the session package defaults.
	BloomExpectedPaths int
	BloomTargetRate    float64

	// Partitions lists path prefixes that land independently. Paths
	// outside every prefix, and sessions spanning prefixes, serialize
	// through the root partition.
	Partitions []string
}

// Repo is an open repository rooted at a directory.
type Repo struct {
	root     string
	logger   *slog.Logger
	lockPath string
	lockFile *os.File

	store    *objectstore.Store
	sessions *session.Manager
	land     *land.Coordinator
	index    *index.Index

	mu     sync.Mutex
	closed bool
}

// Init creates the repository skeleton under dir: the sessions, objects,
// main, and indexes directories, plus the position-zero head over the
// empty tree. It refuses to touch a directory that already holds a head.
func Init(dir string) error {
	mainDir := filepath.Join(dir, mainDirName)
	if land.Initialized(mainDir) {
		return fmt.Errorf("%w: %s", ErrAlreadyInitialized, dir)
	}
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create repository directory: %w", err)
	}
	store, err := objectstore.Open(filepath.Join(dir, objectsDirName), 0)
	if err != nil {
		return fmt.Errorf("create object store: %w", err)
	}
	for _, sub := range []string{sessionsDirName, indexesDirName} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return fmt.Errorf("create %s directory: %w", sub, err)
		}
	}
	if err := land.Init(mainDir, store); err != nil {
		return fmt.Errorf("initialize history: %w", err)
	}
	return nil
}

// Open acquires the repository lock and wires up the components. Session
// log recovery and head reconciliation run before Open returns, so the
// handle always starts from a consistent state.
func Open(dir string, opts Options) (*Repo, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	info, err := os.Stat(dir)
	if err != nil {
		return nil, fmt.Errorf("open repository: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("open repository: %s is not a directory", dir)
	}

	lockPath := filepath.Join(dir, lockFileName)
	lockFile, err := acquireLock(lockPath)
	if err != nil {
		return nil, err
	}

	r := &Repo{
		root:     dir,
		logger:   logger.With("component", "repo"),
		lockPath: lockPath,
		lockFile: lockFile,
	}
	ok := false
	defer func() {
		if !ok {
			r.Close()
		}
	}()

	r.store, err = objectstore.Open(filepath.Join(dir, objectsDirName), opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("open object store: %w", err)
	}

	r.sessions, err = session.Open(filepath.Join(dir, sessionsDirName), session.Options{
		Logger:              logger.With("component", "session"),
		SegmentSize:         opts.SegmentSize,
		SyncOnAppend:        opts.SyncOnAppend,
		FilterExpectedPaths: opts.BloomExpectedPaths,
		FilterTargetRate:    opts.BloomTargetRate,
	})
	if err != nil {
		return nil, fmt.Errorf("open sessions: %w", err)
	}

	partitions, err := land.NewPartitions(opts.Partitions)
	if err != nil {
		return nil, fmt.Errorf("configure partitions: %w", err)
	}

	r.land, err = land.Open(filepath.Join(dir, mainDirName), r.store, r.sessions, partitions, logger.With("component", "land"))
	if err != nil {
		return nil, err
	}

	r.index, err = index.Open(filepath.Join(dir, indexesDirName), logger.With("component", "index"))
	if err != nil {
		return nil, fmt.Errorf("open indexes: %w", err)
	}

	ok = true
	return r, nil
}

// Close releases every component and the repository lock. Safe to call
// more than once.
func (r *Repo) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true

	var first error
	if r.index != nil {
		if err := r.index.Close(); err != nil && first == nil {
			first = err
		}
	}
	if r.sessions != nil {
		if err := r.sessions.Close(); err != nil && first == nil {
			first = err
		}
	}
	if r.lockFile != nil {
		if err := releaseLock(r.lockPath, r.lockFile); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// Root returns the repository directory.
func (r *Repo) Root() string {
	return r.root
}

// Store exposes the object store for read-side tooling.
func (r *Repo) Store() *objectstore.Store {
	return r.store
}

// Index exposes the derived indexes for query tooling.
func (r *Repo) Index() *index.Index {
	return r.index
}

// StartSession opens a session against the current head and returns its
// ID. An owner with an open session gets session.ErrAlreadyInSession
// (the BusyError names the existing session).
func (r *Repo) StartSession(goal string, owner uuid.UUID) (uuid.UUID, error) {
	head := r.land.Head()
	sess, err := r.sessions.Start(goal, owner, head.Position, head.TreeHash)
	if err != nil {
		return uuid.Nil, err
	}
	r.indexSession(sess.ID())
	return sess.ID(), nil
}

// AppendOperation appends one record to a session's log and returns the
// sequence number it was assigned.
func (r *Repo) AppendOperation(sessionID uuid.UUID, rec *oplog.Record) (uint64, error) {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return 0, err
	}
	if err := sess.Append(rec); err != nil {
		return 0, err
	}

	if err := r.index.IndexRecord(sessionID, rec); err != nil {
		r.logger.Warn("index record", "session", sessionID, "seq", rec.Seq, "error", err)
	}
	r.indexSession(sessionID)
	return rec.Seq, nil
}

// Land submits a session for landing. The result reports landed or
// conflicted; an error with no result leaves the session open.
func (r *Repo) Land(ctx context.Context, sessionID uuid.UUID) (*land.Result, error) {
	result, err := r.land.Land(ctx, sessionID)
	if result != nil {
		if result.Outcome == land.OutcomeLanded {
			if event, eventErr := r.land.EventAt(result.Position); eventErr == nil {
				if ixErr := r.index.RecordLand(event); ixErr != nil {
					r.logger.Warn("index land event", "position", result.Position, "error", ixErr)
				}
			}
		}
		r.indexSession(sessionID)
	}
	return result, err
}

// Abandon closes a session permanently. Its log is retained.
func (r *Repo) Abandon(sessionID uuid.UUID, reason string) error {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	if err := sess.Abandon(reason); err != nil {
		return err
	}
	r.indexSession(sessionID)
	return nil
}

// ReopenSession rebases a conflicted session onto the current head so it
// can be revised and resubmitted.
func (r *Repo) ReopenSession(sessionID uuid.UUID, reason string) error {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return err
	}
	head := r.land.Head()
	if err := sess.Reopen(head.Position, head.TreeHash, reason); err != nil {
		return err
	}
	r.indexSession(sessionID)
	return nil
}

// Session returns a session's metadata.
func (r *Repo) Session(sessionID uuid.UUID) (session.Meta, error) {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return session.Meta{}, err
	}
	return sess.Meta(), nil
}

// ListSessions returns metadata for every session in the repository.
func (r *Repo) ListSessions() ([]session.Meta, error) {
	return r.sessions.List()
}

// SessionRecords replays a session's full operation log in sequence
// order.
func (r *Repo) SessionRecords(sessionID uuid.UUID) ([]*oplog.Record, error) {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Replay()
}

// Checkpoint folds the session's file operations so far onto its base
// tree, stores the snapshot, and appends a checkpoint record naming it.
// Returns the snapshot tree hash.
func (r *Repo) Checkpoint(sessionID uuid.UUID, note string) (hashing.Hash, error) {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		return hashing.Hash{}, err
	}
	meta := sess.Meta()
	base, err := r.store.GetTree(meta.BaseTree)
	if err != nil {
		return hashing.Hash{}, fmt.Errorf("checkpoint base: %w", err)
	}
	records, err := sess.Replay()
	if err != nil {
		return hashing.Hash{}, err
	}

	snapshot := base.Clone()
	for _, rec := range records {
		switch rec.Type {
		case oplog.RecordFileWrite:
			p, err := oplog.DeserializeFileWrite(rec.Payload)
			if err != nil {
				return hashing.Hash{}, fmt.Errorf("record %d: %w", rec.Seq, err)
			}
			snapshot.Insert(p.Path, p.BlobHash)
		case oplog.RecordFileDelete:
			p, err := oplog.DeserializeFileDelete(rec.Payload)
			if err != nil {
				return hashing.Hash{}, fmt.Errorf("record %d: %w", rec.Seq, err)
			}
			snapshot.Delete(p.Path)
		}
	}

	treeHash, err := r.store.PutTree(snapshot)
	if err != nil {
		return hashing.Hash{}, fmt.Errorf("store checkpoint tree: %w", err)
	}

	payload := oplog.CheckpointPayload{TreeHash: treeHash, Note: note}
	rec := &oplog.Record{Type: oplog.RecordCheckpoint, Payload: payload.Serialize()}
	if _, err := r.AppendOperation(sessionID, rec); err != nil {
		return hashing.Hash{}, err
	}
	return treeHash, nil
}

// Diff compares two stored trees and returns the entries that differ,
// sorted by path.
func (r *Repo) Diff(treeA, treeB hashing.Hash) ([]tree.DiffEntry, error) {
	from, err := r.store.GetTree(treeA)
	if err != nil {
		return nil, fmt.Errorf("diff source: %w", err)
	}
	to, err := r.store.GetTree(treeB)
	if err != nil {
		return nil, fmt.Errorf("diff target: %w", err)
	}
	return tree.Diff(from, to), nil
}

// PutBlob stores blob content and returns its hash.
func (r *Repo) PutBlob(data []byte) (hashing.Hash, error) {
	return r.store.PutBlob(data)
}

// GetBlob returns verified blob content by hash. Corrupt stored bytes
// surface as objectstore.ErrHashMismatch.
func (r *Repo) GetBlob(h hashing.Hash) ([]byte, error) {
	return r.store.GetBlob(h)
}

// Head returns the current main position and tree.
func (r *Repo) Head() land.Head {
	return r.land.Head()
}

// HeadTree loads the tree the head points at.
func (r *Repo) HeadTree() (*tree.Tree, error) {
	return r.land.HeadTree()
}

// History returns every land event in position order.
func (r *Repo) History() []land.Event {
	return r.land.Events()
}

// EventAt returns the land event at a position.
func (r *Repo) EventAt(position uint64) (*land.Event, error) {
	return r.land.EventAt(position)
}

// SearchText queries the full-text index over narrative records.
func (r *Repo) SearchText(ctx context.Context, query string, limit int) ([]index.SearchHit, error) {
	return r.index.SearchText(ctx, query, limit)
}

// Reindex drops the derived indexes and rebuilds them from the session
// logs and land history.
func (r *Repo) Reindex() error {
	return r.index.Rebuild(r.sessions, r.land.Events())
}

// Verify audits the repository and returns the report. The repository
// stays usable during and after a scan regardless of what it finds.
func (r *Repo) Verify(ctx context.Context, opts ...verify.Option) (*verify.Report, error) {
	opts = append([]verify.Option{verify.WithLogger(r.logger)}, opts...)
	return verify.New(r.root, r.store, r.sessions, r.land, opts...).Verify(ctx)
}

// indexSession mirrors a session's current metadata into the path index.
func (r *Repo) indexSession(sessionID uuid.UUID) {
	sess, err := r.sessions.Get(sessionID)
	if err != nil {
		r.logger.Warn("index session", "session", sessionID, "error", err)
		return
	}
	if err := r.index.UpsertSession(sess.Meta()); err != nil {
		r.logger.Warn("index session", "session", sessionID, "error", err)
	}
}
