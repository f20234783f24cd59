// Package session manages writer sessions: each owns an append-only
// operation log under its own directory, a lifecycle state, and the
// touched-path set used for conflict screening.
//
// meta.json holds the session's identity facts (id, owner, base) plus a
// cache of log-derived state. The log is the source of truth for the
// cached portion: loading a session replays the log and heals the cache
// when the two disagree, so a crash between a log append and the meta
// rewrite loses nothing.
package session

import (
	"errors"
	"fmt"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"basin/internal/bloom"
	"basin/internal/hashing"
	"basin/internal/oplog"
)

// State is a session lifecycle state.
type State string

const (
	// StateOpen accepts appended operations.
	StateOpen State = "open"
	// StateLanded means the session's changes are part of main.
	StateLanded State = "landed"
	// StateAbandoned means the session was discarded without landing.
	StateAbandoned State = "abandoned"
	// StateConflicted means the last land attempt overlapped with
	// already-landed work. The session can reopen on a fresh base.
	StateConflicted State = "conflicted"
)

// Valid reports whether s is a known state.
func (s State) Valid() bool {
	switch s {
	case StateOpen, StateLanded, StateAbandoned, StateConflicted:
		return true
	}
	return false
}

// Terminal reports whether the state admits no further transitions.
func (s State) Terminal() bool {
	return s == StateLanded || s == StateAbandoned
}

var transitions = map[State][]State{
	StateOpen:       {StateLanded, StateAbandoned, StateConflicted},
	StateConflicted: {StateOpen},
}

// CanTransition reports whether from may move to to.
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Default filter geometry. Every session in a repository must build its
// filter with the same geometry so land-event filters can be ANDed
// against each other; changing the configured geometry demotes older
// filters to the exact comparison path.
const (
	FilterExpectedPaths = 1024
	FilterTargetRate    = 0.01
)

var (
	// ErrSessionNotOpen rejects operations that require an open session.
	ErrSessionNotOpen = errors.New("session is not open")

	// ErrBadTransition rejects a lifecycle move the state machine does
	// not allow.
	ErrBadTransition = errors.New("invalid session state transition")

	// ErrBadPayload rejects an append whose payload does not parse as
	// its declared record type.
	ErrBadPayload = errors.New("payload does not match record type")

	// ErrCorruptMeta indicates a meta.json that cannot be decoded. The
	// identity facts it held are not recoverable from the log.
	ErrCorruptMeta = errors.New("session metadata is corrupt")
)

// ConflictInfo names one landed session whose paths overlap this one's.
type ConflictInfo struct {
	OtherSession uuid.UUID `json:"other_session"`
	Paths        []string  `json:"paths"`
}

// Meta is the persisted session record. ID, Owner, BasePosition,
// BaseTree and CreatedAt are identity facts written once at start; the
// rest is a cache rebuilt from the log on load.
type Meta struct {
	ID           uuid.UUID      `json:"id"`
	Goal         string         `json:"goal"`
	Owner        uuid.UUID      `json:"owner"`
	State        State          `json:"state"`
	BasePosition uint64         `json:"base_position"`
	BaseTree     hashing.Hash   `json:"base_tree"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
	Records      uint64         `json:"records"`
	TouchedPaths []string       `json:"touched_paths,omitempty"`
	Conflicts    []ConflictInfo `json:"conflicts,omitempty"`
}

// Session is an open handle on one session's log and metadata.
type Session struct {
	mu      sync.Mutex
	dir     string
	meta    Meta
	log     *oplog.Writer
	touched map[string]struct{}

	filterPaths int
	filterRate  float64
}

// ID returns the session identifier.
func (s *Session) ID() uuid.UUID {
	return s.meta.ID
}

// Owner returns the owning agent's identifier.
func (s *Session) Owner() uuid.UUID {
	return s.meta.Owner
}

// Goal returns the goal the session was started with.
func (s *Session) Goal() string {
	return s.meta.Goal
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.meta.State
}

// Meta returns a copy of the session metadata.
func (s *Session) Meta() Meta {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.copyMetaLocked()
}

func (s *Session) copyMetaLocked() Meta {
	meta := s.meta
	meta.TouchedPaths = append([]string(nil), s.meta.TouchedPaths...)
	meta.Conflicts = append([]ConflictInfo(nil), s.meta.Conflicts...)
	return meta
}

// Dir returns the session directory.
func (s *Session) Dir() string {
	return s.dir
}

// Append writes one record to the session log. The session must be
// open. AgentID and SessionID are stamped from the session's identity;
// file-write and file-delete payloads must parse, since they feed the
// touched-path set.
func (s *Session) Append(rec *oplog.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.meta.State != StateOpen {
		return fmt.Errorf("%w: state is %s", ErrSessionNotOpen, s.meta.State)
	}

	path, err := touchedPath(rec.Type, rec.Payload)
	if err != nil {
		return err
	}

	rec.AgentID = s.meta.Owner
	rec.SessionID = s.meta.ID
	if _, err := s.log.Append(rec); err != nil {
		return err
	}

	if path != "" {
		s.touch(path)
	}
	s.meta.Records++
	s.meta.UpdatedAt = time.Unix(0, rec.Timestamp).UTC()
	return s.persistMetaLocked()
}

// touchedPath extracts the path a record touches, validating the payload
// for the record types that carry one.
func touchedPath(t oplog.RecordType, payload []byte) (string, error) {
	switch t {
	case oplog.RecordFileWrite:
		p, err := oplog.DeserializeFileWrite(payload)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return p.Path, nil
	case oplog.RecordFileDelete:
		p, err := oplog.DeserializeFileDelete(payload)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrBadPayload, err)
		}
		return p.Path, nil
	}
	return "", nil
}

func (s *Session) touch(path string) {
	if _, ok := s.touched[path]; ok {
		return
	}
	s.touched[path] = struct{}{}
	s.meta.TouchedPaths = append(s.meta.TouchedPaths, path)
	sort.Strings(s.meta.TouchedPaths)
}

// Touched returns the sorted set of paths the session has written or
// deleted.
func (s *Session) Touched() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.meta.TouchedPaths...)
}

// Filter builds a bloom filter over the touched paths with the shared
// geometry, suitable for ANDing against other sessions' filters.
func (s *Session) Filter() *bloom.Filter {
	s.mu.Lock()
	defer s.mu.Unlock()

	f := bloom.New(s.filterPaths, s.filterRate)
	for _, p := range s.meta.TouchedPaths {
		f.Add([]byte(p))
	}
	return f
}

// Replay returns every record in the session log in order.
func (s *Session) Replay() ([]*oplog.Record, error) {
	records, _, err := oplog.Replay(filepath.Join(s.dir, "ops"), nil)
	if errors.Is(err, oplog.ErrNoSegments) {
		return nil, nil
	}
	return records, err
}

// Seq returns the sequence number of the last appended record.
func (s *Session) Seq() uint64 {
	return s.log.Seq()
}

// Compact merges the session's closed log segments.
func (s *Session) Compact() error {
	return s.log.Compact()
}

// MarkLanded moves an open session to landed.
func (s *Session) MarkLanded(reason string) error {
	return s.transition(StateLanded, reason, nil)
}

// MarkConflicted moves an open session to conflicted, recording which
// sessions and paths it collided with.
func (s *Session) MarkConflicted(reason string, conflicts []ConflictInfo) error {
	return s.transition(StateConflicted, reason, conflicts)
}

// Abandon discards the session. The log stays on disk for audit.
func (s *Session) Abandon(reason string) error {
	return s.transition(StateAbandoned, reason, nil)
}

// Reopen moves a conflicted session back to open on a fresh base, so its
// operations can be re-applied and landed again.
func (s *Session) Reopen(basePosition uint64, baseTree hashing.Hash, reason string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !CanTransition(s.meta.State, StateOpen) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, s.meta.State, StateOpen)
	}
	if err := s.appendStateChangeLocked(s.meta.State, StateOpen, reason); err != nil {
		return err
	}
	s.meta.State = StateOpen
	s.meta.BasePosition = basePosition
	s.meta.BaseTree = baseTree
	s.meta.Conflicts = nil
	return s.persistMetaLocked()
}

func (s *Session) transition(to State, reason string, conflicts []ConflictInfo) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !CanTransition(s.meta.State, to) {
		return fmt.Errorf("%w: %s -> %s", ErrBadTransition, s.meta.State, to)
	}
	if err := s.appendStateChangeLocked(s.meta.State, to, reason); err != nil {
		return err
	}
	s.meta.State = to
	s.meta.Conflicts = conflicts
	return s.persistMetaLocked()
}

// appendStateChangeLocked records the transition in the log so state is
// rebuildable without meta.json.
func (s *Session) appendStateChangeLocked(from, to State, reason string) error {
	payload := oplog.StateChangePayload{From: string(from), To: string(to), Reason: reason}
	rec := &oplog.Record{
		Type:      oplog.RecordStateChange,
		AgentID:   s.meta.Owner,
		SessionID: s.meta.ID,
		Payload:   payload.Serialize(),
	}
	if _, err := s.log.Append(rec); err != nil {
		return err
	}
	s.meta.Records++
	s.meta.UpdatedAt = time.Unix(0, rec.Timestamp).UTC()
	return nil
}

func (s *Session) persistMetaLocked() error {
	return writeMeta(s.dir, &s.meta)
}

// Close releases the session's log handle. The session directory and
// its contents stay intact.
func (s *Session) Close() error {
	return s.log.Close()
}
