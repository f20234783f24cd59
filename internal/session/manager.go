package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"basin/internal/hashing"
	"basin/internal/oplog"
)

// BusyError reports that an owner already has an open session, naming it
// so the caller can resume instead of starting a duplicate.
type BusyError struct {
	SessionID uuid.UUID
}

func (e *BusyError) Error() string {
	return fmt.Sprintf("owner already has an open session: %s", e.SessionID)
}

func (e *BusyError) Is(target error) bool {
	return target == ErrAlreadyInSession
}

// ErrAlreadyInSession matches BusyError via errors.Is.
var ErrAlreadyInSession = errors.New("owner already has an open session")

// ErrSessionNotFound indicates no session directory under the given ID.
var ErrSessionNotFound = errors.New("session not found")

// Options configures a Manager.
type Options struct {
	// Logger receives recovery and healing warnings. Nil means discard.
	Logger *slog.Logger

	// SegmentSize and SyncOnAppend pass through to each session's log.
	SegmentSize  int64
	SyncOnAppend bool

	// FilterExpectedPaths and FilterTargetRate set the bloom filter
	// geometry sessions build their touched-path filters with. Zero
	// selects the package defaults. Every session in a repository must
	// share one geometry.
	FilterExpectedPaths int
	FilterTargetRate    float64
}

// Manager owns the sessions/ directory: it starts sessions, loads them
// with their cached metadata healed against the log, and enforces the
// one-open-session-per-owner rule.
type Manager struct {
	mu     sync.Mutex
	root   string
	opts   Options
	logger *slog.Logger
	open   map[uuid.UUID]*Session
}

// Open prepares a manager over the sessions directory.
func Open(root string, opts Options) (*Manager, error) {
	if opts.Logger == nil {
		opts.Logger = slog.New(slog.DiscardHandler)
	}
	if opts.FilterExpectedPaths <= 0 {
		opts.FilterExpectedPaths = FilterExpectedPaths
	}
	if opts.FilterTargetRate <= 0 || opts.FilterTargetRate >= 1 {
		opts.FilterTargetRate = FilterTargetRate
	}
	if err := os.MkdirAll(root, 0700); err != nil {
		return nil, fmt.Errorf("create sessions directory: %w", err)
	}
	return &Manager{
		root:   root,
		opts:   opts,
		logger: opts.Logger,
		open:   make(map[uuid.UUID]*Session),
	}, nil
}

func (m *Manager) logOptions() oplog.Options {
	return oplog.Options{
		SegmentSize:  m.opts.SegmentSize,
		SyncOnAppend: m.opts.SyncOnAppend,
		Logger:       m.logger,
	}
}

// Start creates a new open session for owner based on the given main
// position. An owner with an open session gets a BusyError naming it.
func (m *Manager) Start(goal string, owner uuid.UUID, basePosition uint64, baseTree hashing.Hash) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing, err := m.findOpenLocked(owner)
	if err != nil {
		return nil, err
	}
	if existing != uuid.Nil {
		return nil, &BusyError{SessionID: existing}
	}

	id := uuid.New()
	dir := filepath.Join(m.root, id.String())
	now := time.Now().UTC()
	meta := Meta{
		ID:           id,
		Goal:         goal,
		Owner:        owner,
		State:        StateOpen,
		BasePosition: basePosition,
		BaseTree:     baseTree,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	if err := writeMeta(dir, &meta); err != nil {
		return nil, err
	}
	log, err := oplog.OpenWriter(filepath.Join(dir, "ops"), m.logOptions())
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}

	sess := &Session{
		dir:         dir,
		meta:        meta,
		log:         log,
		touched:     make(map[string]struct{}),
		filterPaths: m.opts.FilterExpectedPaths,
		filterRate:  m.opts.FilterTargetRate,
	}
	m.open[id] = sess
	m.logger.Info("session started", "session", id, "owner", owner, "base", basePosition)
	return sess, nil
}

// Get returns a handle on the session, loading and healing it if this
// manager has not opened it yet. Repeated calls share one handle.
func (m *Manager) Get(id uuid.UUID) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.getLocked(id)
}

func (m *Manager) getLocked(id uuid.UUID) (*Session, error) {
	if sess, ok := m.open[id]; ok {
		return sess, nil
	}
	sess, err := m.load(id)
	if err != nil {
		return nil, err
	}
	m.open[id] = sess
	return sess, nil
}

// load reads meta.json, recovers the log, and heals the cached portion
// of the metadata from a replay.
func (m *Manager) load(id uuid.UUID) (*Session, error) {
	dir := filepath.Join(m.root, id.String())
	if _, err := os.Stat(dir); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("session %s: %w", id, ErrSessionNotFound)
	}

	meta, err := readMeta(dir)
	if err != nil {
		return nil, err
	}

	log, err := oplog.OpenWriter(filepath.Join(dir, "ops"), m.logOptions())
	if err != nil {
		return nil, fmt.Errorf("open session log: %w", err)
	}

	// OpenWriter has already truncated any torn tail, so this replay
	// sees exactly the records the log will ever admit to.
	records, _, err := oplog.Replay(filepath.Join(dir, "ops"), m.logger)
	if err != nil && !errors.Is(err, oplog.ErrNoSegments) {
		log.Close()
		return nil, fmt.Errorf("replay session log: %w", err)
	}

	d := derive(records)
	if meta.Records != d.records || meta.State != d.state || !equalPaths(meta.TouchedPaths, d.touched) {
		m.logger.Warn("session metadata healed from log",
			"session", id, "cached_records", meta.Records, "log_records", d.records,
			"cached_state", meta.State, "log_state", d.state)
		meta.Records = d.records
		meta.State = d.state
		meta.TouchedPaths = d.touched
		if !d.updated.IsZero() {
			meta.UpdatedAt = d.updated
		}
		if err := writeMeta(dir, meta); err != nil {
			log.Close()
			return nil, err
		}
	}

	touched := make(map[string]struct{}, len(meta.TouchedPaths))
	for _, p := range meta.TouchedPaths {
		touched[p] = struct{}{}
	}
	return &Session{
		dir:         dir,
		meta:        *meta,
		log:         log,
		touched:     touched,
		filterPaths: m.opts.FilterExpectedPaths,
		filterRate:  m.opts.FilterTargetRate,
	}, nil
}

type logDerived struct {
	records uint64
	state   State
	touched []string
	updated time.Time
}

// derive recomputes the cacheable metadata from a full replay. State is
// the last valid state-change record's target, open when there is none.
func derive(records []*oplog.Record) logDerived {
	d := logDerived{state: StateOpen}
	seen := make(map[string]struct{})

	for _, rec := range records {
		d.records++
		d.updated = time.Unix(0, rec.Timestamp).UTC()

		switch rec.Type {
		case oplog.RecordFileWrite:
			if p, err := oplog.DeserializeFileWrite(rec.Payload); err == nil {
				seen[p.Path] = struct{}{}
			}
		case oplog.RecordFileDelete:
			if p, err := oplog.DeserializeFileDelete(rec.Payload); err == nil {
				seen[p.Path] = struct{}{}
			}
		case oplog.RecordStateChange:
			if p, err := oplog.DeserializeStateChange(rec.Payload); err == nil {
				if next := State(p.To); next.Valid() {
					d.state = next
				}
			}
		}
	}

	d.touched = make([]string, 0, len(seen))
	for p := range seen {
		d.touched = append(d.touched, p)
	}
	sort.Strings(d.touched)
	return d
}

func equalPaths(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// List returns metadata for every session, oldest first. Sessions whose
// meta.json cannot be decoded are skipped with a warning.
func (m *Manager) List() ([]Meta, error) {
	entries, err := os.ReadDir(m.root)
	if err != nil {
		return nil, fmt.Errorf("read sessions directory: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var metas []Meta
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := uuid.Parse(entry.Name())
		if err != nil {
			continue
		}
		if sess, ok := m.open[id]; ok {
			metas = append(metas, sess.Meta())
			continue
		}
		meta, err := readMeta(filepath.Join(m.root, entry.Name()))
		if err != nil {
			m.logger.Warn("skipping unreadable session metadata", "session", id, "error", err)
			continue
		}
		metas = append(metas, *meta)
	}

	sort.Slice(metas, func(i, j int) bool {
		if !metas[i].CreatedAt.Equal(metas[j].CreatedAt) {
			return metas[i].CreatedAt.Before(metas[j].CreatedAt)
		}
		return metas[i].ID.String() < metas[j].ID.String()
	})
	return metas, nil
}

// FindOpenByOwner returns the ID of owner's open session, or uuid.Nil.
func (m *Manager) FindOpenByOwner(owner uuid.UUID) (uuid.UUID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.findOpenLocked(owner)
}

func (m *Manager) findOpenLocked(owner uuid.UUID) (uuid.UUID, error) {
	for id, sess := range m.open {
		if sess.Owner() == owner && sess.State() == StateOpen {
			return id, nil
		}
	}

	entries, err := os.ReadDir(m.root)
	if err != nil {
		return uuid.Nil, fmt.Errorf("read sessions directory: %w", err)
	}
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		id, err := uuid.Parse(entry.Name())
		if err != nil {
			continue
		}
		if _, ok := m.open[id]; ok {
			continue
		}
		meta, err := readMeta(filepath.Join(m.root, entry.Name()))
		if err != nil {
			m.logger.Warn("skipping unreadable session metadata", "session", id, "error", err)
			continue
		}
		if meta.Owner == owner && meta.State == StateOpen {
			return id, nil
		}
	}
	return uuid.Nil, nil
}

// TouchedPaths returns the exact touched-path set of a session, healing
// its metadata first. Implements the conflict detector's path source.
func (m *Manager) TouchedPaths(sessionID uuid.UUID) ([]string, error) {
	sess, err := m.Get(sessionID)
	if err != nil {
		return nil, err
	}
	return sess.Touched(), nil
}

// Close releases every loaded session handle.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var firstErr error
	for id, sess := range m.open {
		if err := sess.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(m.open, id)
	}
	return firstErr
}

func metaPath(dir string) string {
	return filepath.Join(dir, "meta.json")
}

func readMeta(dir string) (*Meta, error) {
	data, err := os.ReadFile(metaPath(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: meta.json missing", ErrCorruptMeta)
	}
	if err != nil {
		return nil, fmt.Errorf("read session metadata: %w", err)
	}
	var meta Meta
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptMeta, err)
	}
	if meta.ID == uuid.Nil || !meta.State.Valid() {
		return nil, fmt.Errorf("%w: missing identity fields", ErrCorruptMeta)
	}
	return &meta, nil
}

// writeMeta persists metadata atomically so a crash never leaves a torn
// meta.json behind.
func writeMeta(dir string, meta *Meta) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("encode session metadata: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "meta-*.tmp")
	if err != nil {
		return fmt.Errorf("create metadata temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write session metadata: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close metadata temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), metaPath(dir)); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit session metadata: %w", err)
	}
	return nil
}
