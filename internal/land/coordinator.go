// Package land implements the landing coordinator: the only place where
// sessions' changes merge into main.
//
// Lands serialize per path-prefix partition, so sessions working in
// disjoint ranges land in parallel. The commit itself is a short global
// critical section that assigns the next position, persists the land
// event, and advances head. The land event's rename into
// main/history/<position>.json is the commit point: before it, any
// failure aborts cleanly and the session stays open; after it, the land
// is durable and recovery rolls the head and session state forward.
package land

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"basin/internal/bloom"
	"basin/internal/conflict"
	"basin/internal/hashing"
	"basin/internal/objectstore"
	"basin/internal/oplog"
	"basin/internal/session"
	"basin/internal/tree"
)

var (
	// ErrNotInitialized means main/head.json is missing; the repository
	// has not been initialized.
	ErrNotInitialized = errors.New("main head not initialized")

	// ErrSessionNotLandable rejects landing a session that is neither
	// open nor already landed.
	ErrSessionNotLandable = errors.New("session cannot land from its current state")
)

// Outcome is the result kind of a land attempt.
type Outcome int

const (
	// OutcomeLanded means the session's changes are now part of main.
	OutcomeLanded Outcome = iota
	// OutcomeConflicted means the session overlaps landed work and moved
	// to the conflicted state. This is a normal outcome, not an error.
	OutcomeConflicted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeLanded:
		return "landed"
	case OutcomeConflicted:
		return "conflicted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes how a land attempt ended.
type Result struct {
	Outcome  Outcome
	Position uint64
	TreeHash hashing.Hash

	// Conflicts is populated on OutcomeConflicted: each entry names the
	// overlapping paths and the other session involved.
	Conflicts []conflict.Overlap
}

// Coordinator serializes lands and owns the head pointer and position
// counter.
type Coordinator struct {
	dir        string
	store      *objectstore.Store
	sessions   *session.Manager
	partitions *Partitions
	detector   *conflict.Detector
	logger     *slog.Logger

	// mu guards head and events: the global commit section.
	mu     sync.Mutex
	head   Head
	events []*Event

	// lockMu guards the lazily-built partition lock table.
	lockMu    sync.Mutex
	partLocks map[string]*sync.Mutex
}

// Init writes the empty-tree head for a fresh repository.
func Init(dir string, store *objectstore.Store) error {
	if err := os.MkdirAll(historyDir(dir), 0700); err != nil {
		return fmt.Errorf("create main directory: %w", err)
	}
	empty := tree.New()
	if _, err := store.PutTree(empty); err != nil {
		return fmt.Errorf("store empty tree: %w", err)
	}
	return writeHead(dir, &Head{Position: 0, TreeHash: empty.Hash()})
}

// Open loads the head and history, rolling forward any land a crash cut
// short.
func Open(dir string, store *objectstore.Store, sessions *session.Manager, partitions *Partitions, logger *slog.Logger) (*Coordinator, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if partitions == nil {
		partitions = &Partitions{}
	}

	head, err := readHead(dir)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotInitialized
	}
	if err != nil {
		return nil, err
	}

	events, err := loadEvents(dir)
	if err != nil {
		return nil, err
	}

	c := &Coordinator{
		dir:        dir,
		store:      store,
		sessions:   sessions,
		partitions: partitions,
		detector:   conflict.New(sessions),
		logger:     logger,
		head:       *head,
		events:     events,
		partLocks:  make(map[string]*sync.Mutex),
	}
	if err := c.reconcile(); err != nil {
		return nil, err
	}
	return c, nil
}

// reconcile completes the crash window after an event rename: the head
// may trail the newest event, and the landed session may still read
// open.
func (c *Coordinator) reconcile() error {
	healFrom := len(c.events)
	if n := len(c.events); n > 0 && c.events[n-1].Position > c.head.Position {
		first := c.head.Position + 1
		c.logger.Warn("rolling head forward to committed land events",
			"head", c.head.Position, "latest", c.events[n-1].Position)
		c.head = Head{Position: c.events[n-1].Position, TreeHash: c.events[n-1].TreeHash}
		if err := writeHead(c.dir, &c.head); err != nil {
			return err
		}
		healFrom = int(first) - 1
	} else if n > 0 {
		// The newest land may have committed without marking its
		// session; older ones completed or heal lazily on re-land.
		healFrom = n - 1
	}

	for _, event := range c.events[healFrom:] {
		c.healSession(event)
	}
	return nil
}

// healSession marks a session landed when a committed event says so but
// the session still reads open.
func (c *Coordinator) healSession(event *Event) {
	sess, err := c.sessions.Get(event.SessionID)
	if err != nil {
		c.logger.Warn("cannot heal session for land event",
			"position", event.Position, "session", event.SessionID, "error", err)
		return
	}
	if sess.State() != session.StateOpen {
		return
	}
	if err := sess.MarkLanded(fmt.Sprintf("landed at position %d", event.Position)); err != nil {
		c.logger.Warn("cannot mark session landed during recovery",
			"session", event.SessionID, "error", err)
		return
	}
	c.logger.Info("healed session state from land event",
		"session", event.SessionID, "position", event.Position)
}

// Head returns the current head pointer.
func (c *Coordinator) Head() Head {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.head
}

// HeadTree loads the tree the head points at.
func (c *Coordinator) HeadTree() (*tree.Tree, error) {
	return c.store.GetTree(c.Head().TreeHash)
}

// Events returns a copy of the land history in position order.
func (c *Coordinator) Events() []Event {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Event, len(c.events))
	for i, e := range c.events {
		out[i] = *e
	}
	return out
}

// EventAt returns the land event at a position.
func (c *Coordinator) EventAt(position uint64) (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if position == 0 || position > uint64(len(c.events)) {
		return nil, fmt.Errorf("no land event at position %d", position)
	}
	event := *c.events[position-1]
	return &event, nil
}

func (c *Coordinator) eventBySessionLocked(sessionID uuid.UUID) *Event {
	for i := len(c.events) - 1; i >= 0; i-- {
		if c.events[i].SessionID == sessionID {
			event := *c.events[i]
			return &event
		}
	}
	return nil
}

func (c *Coordinator) eventBySession(sessionID uuid.UUID) *Event {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.eventBySessionLocked(sessionID)
}

// partitionLock returns the mutex for a partition, creating it on first
// use.
func (c *Coordinator) partitionLock(name string) *sync.Mutex {
	c.lockMu.Lock()
	defer c.lockMu.Unlock()

	if l, ok := c.partLocks[name]; ok {
		return l
	}
	l := &sync.Mutex{}
	c.partLocks[name] = l
	return l
}

// lockPartition serializes lands within one partition. The root
// partition ranges over everything, so it takes every partition's lock
// in sorted order.
func (c *Coordinator) lockPartition(name string) (unlock func()) {
	names := []string{name}
	if name == RootPartition {
		names = append(names, c.partitions.Prefixes()...)
	}

	locks := make([]*sync.Mutex, len(names))
	for i, n := range names {
		locks[i] = c.partitionLock(n)
	}
	for _, l := range locks {
		l.Lock()
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// Land attempts to merge the session's changes into main. It blocks
// while earlier lands in the same partition finish. Cancellation is
// honored up to the commit; the commit itself is not interruptible.
//
// Landing an already-landed session returns its recorded result, so a
// caller that lost the first response can safely retry.
//
// Operations appended to the session while its land is in flight are
// not part of the landed tree.
func (c *Coordinator) Land(ctx context.Context, sessionID uuid.UUID) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sess, err := c.sessions.Get(sessionID)
	if err != nil {
		return nil, err
	}

	switch sess.State() {
	case session.StateOpen:
	case session.StateLanded:
		if event := c.eventBySession(sessionID); event != nil {
			return &Result{Outcome: OutcomeLanded, Position: event.Position, TreeHash: event.TreeHash}, nil
		}
		return nil, fmt.Errorf("session %s is marked landed but has no land event", sessionID)
	default:
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotLandable, sessionID, sess.State())
	}

	touched := sess.Touched()
	partition := c.partitions.Resolve(touched)

	unlock := c.lockPartition(partition)
	defer unlock()

	// A crash may have committed this session's land without marking
	// it; finish the bookkeeping instead of landing twice.
	if event := c.eventBySession(sessionID); event != nil {
		if sess.State() == session.StateOpen {
			if err := sess.MarkLanded(fmt.Sprintf("landed at position %d", event.Position)); err != nil {
				return nil, err
			}
		}
		return &Result{Outcome: OutcomeLanded, Position: event.Position, TreeHash: event.TreeHash}, nil
	}

	if sess.State() != session.StateOpen {
		return nil, fmt.Errorf("%w: %s is %s", ErrSessionNotLandable, sessionID, sess.State())
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	meta := sess.Meta()
	overlaps, stats, err := c.screen(sess, meta.BasePosition, partition, touched)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("conflict screen complete", "session", sessionID,
		"screened", stats.Screened, "exact_checks", stats.ExactChecks, "overlaps", stats.Overlaps)

	if len(overlaps) > 0 {
		infos := make([]session.ConflictInfo, len(overlaps))
		for i, o := range overlaps {
			infos[i] = session.ConflictInfo{OtherSession: o.OtherSession, Paths: o.Paths}
		}
		reason := fmt.Sprintf("overlap with %d landed session(s)", len(overlaps))
		if err := sess.MarkConflicted(reason, infos); err != nil {
			return nil, err
		}
		c.logger.Info("land conflicted", "session", sessionID, "overlaps", len(overlaps))
		return &Result{Outcome: OutcomeConflicted, Conflicts: overlaps}, nil
	}

	records, err := sess.Replay()
	if err != nil {
		return nil, fmt.Errorf("replay session log: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	event, err := c.commit(sess, partition, touched, records)
	if err != nil {
		return nil, err
	}

	result := &Result{Outcome: OutcomeLanded, Position: event.Position, TreeHash: event.TreeHash}
	if err := sess.MarkLanded(fmt.Sprintf("landed at position %d", event.Position)); err != nil {
		// The land is committed; only the session bookkeeping failed.
		// Recovery finishes it on the next open or retry.
		c.logger.Error("land committed but session state update failed",
			"session", sessionID, "position", event.Position, "error", err)
		return result, fmt.Errorf("land committed at position %d, but marking the session failed: %w",
			event.Position, err)
	}

	c.logger.Info("session landed", "session", sessionID,
		"position", event.Position, "tree", event.TreeHash.Short(), "partition", partition)
	return result, nil
}

// screen runs the two-tier conflict check against every event landed
// after the session's base whose partition may overlap.
func (c *Coordinator) screen(sess *session.Session, basePosition uint64, partition string, touched []string) ([]conflict.Overlap, conflict.Stats, error) {
	c.mu.Lock()
	var landed []conflict.Landed
	for _, event := range c.events {
		if event.Position <= basePosition || !MayOverlap(partition, event.Partition) {
			continue
		}
		var filter *bloom.Filter
		if len(event.Filter) > 0 {
			f, err := bloom.Deserialize(event.Filter)
			if err != nil {
				c.logger.Warn("land event filter unreadable, using exact comparison",
					"position", event.Position, "error", err)
			} else {
				filter = f
			}
		}
		landed = append(landed, conflict.Landed{SessionID: event.SessionID, Filter: filter})
	}
	c.mu.Unlock()

	candidate := conflict.Candidate{SessionID: sess.ID(), Paths: touched, Filter: sess.Filter()}
	return c.detector.Check(candidate, landed)
}

// commit is step five: build the candidate tree on the current head,
// persist the land event, and advance head. The event rename is the
// commit point.
func (c *Coordinator) commit(sess *session.Session, partition string, touched []string, records []*oplog.Record) (*Event, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	base, err := c.store.GetTree(c.head.TreeHash)
	if err != nil {
		return nil, fmt.Errorf("load head tree: %w", err)
	}
	candidate, err := applyFileOperations(base.Clone(), records)
	if err != nil {
		return nil, err
	}
	treeHash, err := c.store.PutTree(candidate)
	if err != nil {
		return nil, fmt.Errorf("store candidate tree: %w", err)
	}

	var prev hashing.Hash
	if n := len(c.events); n > 0 {
		prev = c.events[n-1].Hash
	}

	event := &Event{
		Position:     c.head.Position + 1,
		TreeHash:     treeHash,
		SessionID:    sess.ID(),
		AgentID:      sess.Owner(),
		Partition:    partition,
		TouchedPaths: touched,
		Filter:       sess.Filter().Serialize(),
		LandedAt:     time.Now().UTC(),
	}
	if err := event.Seal(prev); err != nil {
		return nil, err
	}

	// Commit point. Failure before or during the rename leaves no
	// visible event and the session open for retry.
	if err := writeEvent(c.dir, event); err != nil {
		return nil, err
	}

	c.events = append(c.events, event)
	c.head = Head{Position: event.Position, TreeHash: event.TreeHash}
	if err := writeHead(c.dir, &c.head); err != nil {
		// The event is durable; the stale on-disk head rolls forward on
		// the next open.
		c.logger.Error("head update failed after committed land",
			"position", event.Position, "error", err)
	}
	return event, nil
}

// applyFileOperations folds a session's file records into a tree.
func applyFileOperations(t *tree.Tree, records []*oplog.Record) (*tree.Tree, error) {
	for _, rec := range records {
		switch rec.Type {
		case oplog.RecordFileWrite:
			p, err := oplog.DeserializeFileWrite(rec.Payload)
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", rec.Seq, err)
			}
			t.Insert(p.Path, p.BlobHash)
		case oplog.RecordFileDelete:
			p, err := oplog.DeserializeFileDelete(rec.Payload)
			if err != nil {
				return nil, fmt.Errorf("record %d: %w", rec.Seq, err)
			}
			t.Delete(p.Path)
		}
	}
	return t, nil
}
