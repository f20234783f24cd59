// Package verify inspects every layer of a repository and produces a
// structured report: directory layout, head consistency, the landing
// event chain, session logs against their metadata, and the object
// store contents.
package verify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"basin/internal/hashing"
	"basin/internal/land"
	"basin/internal/objectstore"
	"basin/internal/oplog"
	"basin/internal/session"
)

// Level specifies how deep the scan goes.
type Level int

const (
	// LevelQuick checks layout, head, and the event chain.
	LevelQuick Level = iota

	// LevelStandard additionally replays every session log, cross-checks
	// metadata, and re-hashes a sample of stored objects.
	LevelStandard

	// LevelFull re-hashes every stored object and walks every landed
	// tree down to its blobs.
	LevelFull
)

// String returns the level name used in reports and CLI flags.
func (l Level) String() string {
	switch l {
	case LevelQuick:
		return "quick"
	case LevelStandard:
		return "standard"
	case LevelFull:
		return "full"
	default:
		return "unknown"
	}
}

// ParseLevel maps a level name to its Level.
func ParseLevel(s string) (Level, error) {
	switch s {
	case "quick":
		return LevelQuick, nil
	case "standard", "":
		return LevelStandard, nil
	case "full":
		return LevelFull, nil
	default:
		return 0, fmt.Errorf("unknown verification level: %s (quick, standard, full)", s)
	}
}

// MarshalJSON encodes the level by name.
func (l Level) MarshalJSON() ([]byte, error) {
	return json.Marshal(l.String())
}

// UnmarshalJSON decodes a level name.
func (l *Level) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	parsed, err := ParseLevel(s)
	if err != nil {
		return err
	}
	*l = parsed
	return nil
}

// DefaultSampleSize bounds how many objects per kind a standard scan
// re-hashes.
const DefaultSampleSize = 256

// Verifier runs the checks against an open repository's components.
type Verifier struct {
	root     string
	store    *objectstore.Store
	sessions *session.Manager
	coord    *land.Coordinator

	level   Level
	sample  int
	logger  *slog.Logger
	results []CheckResult
}

// Option configures a verifier.
type Option func(*Verifier)

// WithLevel sets the scan depth.
func WithLevel(level Level) Option {
	return func(v *Verifier) {
		v.level = level
	}
}

// WithSampleSize bounds the standard-level object sample.
func WithSampleSize(n int) Option {
	return func(v *Verifier) {
		if n > 0 {
			v.sample = n
		}
	}
}

// WithLogger sets the progress logger.
func WithLogger(logger *slog.Logger) Option {
	return func(v *Verifier) {
		if logger != nil {
			v.logger = logger
		}
	}
}

// New builds a verifier over an open repository's components. The
// caller keeps ownership of all of them.
func New(root string, store *objectstore.Store, sessions *session.Manager, coord *land.Coordinator, opts ...Option) *Verifier {
	v := &Verifier{
		root:     root,
		store:    store,
		sessions: sessions,
		coord:    coord,
		level:    LevelStandard,
		sample:   DefaultSampleSize,
		logger:   slog.New(slog.DiscardHandler),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Verify runs the configured checks and assembles the report. The
// context is consulted between checks; a cancelled scan returns the
// context error with no report.
func (v *Verifier) Verify(ctx context.Context) (*Report, error) {
	report := &Report{
		Root:      v.root,
		Level:     v.level,
		StartedAt: time.Now(),
	}
	v.results = v.results[:0]

	checks := []struct {
		name string
		min  Level
		fn   func(map[string]any) (Status, string, error)
	}{
		{"layout", LevelQuick, v.checkLayout},
		{"head", LevelQuick, v.checkHead},
		{"chain", LevelQuick, v.checkChain},
		{"sessions", LevelStandard, v.checkSessions},
		{"objects", LevelStandard, v.checkObjects},
		{"reachability", LevelFull, v.checkReachability},
	}

	for _, c := range checks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if v.level < c.min {
			v.results = append(v.results, CheckResult{
				Check:   c.name,
				Status:  StatusSkipped,
				Message: fmt.Sprintf("requires level %s", c.min),
			})
			continue
		}
		v.runCheck(c.name, c.fn)
	}

	report.Checks = append(report.Checks, v.results...)
	report.CompletedAt = time.Now()
	report.Duration = report.CompletedAt.Sub(report.StartedAt)
	summarize(report)

	v.logger.Info("verification finished",
		"valid", report.Valid,
		"passed", report.Passed,
		"failed", report.Failed,
		"warnings", report.Warnings,
		"duration", report.Duration.Round(time.Millisecond))
	return report, nil
}

// runCheck times one check and records its result.
func (v *Verifier) runCheck(name string, fn func(map[string]any) (Status, string, error)) {
	start := time.Now()
	details := make(map[string]any)
	status, msg, err := fn(details)

	res := CheckResult{
		Check:    name,
		Status:   status,
		Message:  msg,
		Duration: time.Since(start),
	}
	if len(details) > 0 {
		res.Details = details
	}
	if err != nil {
		res.Error = err.Error()
	}
	v.results = append(v.results, res)
	v.logger.Debug("check finished", "check", name, "status", status, "duration", res.Duration)
}

// ============================================================
// Checks
// ============================================================

// checkLayout confirms the repository skeleton is present.
func (v *Verifier) checkLayout(details map[string]any) (Status, string, error) {
	required := []string{"sessions", "objects", filepath.Join("objects", "blobs"), filepath.Join("objects", "trees"), "main"}
	var missing []string
	for _, sub := range required {
		info, err := os.Stat(filepath.Join(v.root, sub))
		if err != nil || !info.IsDir() {
			missing = append(missing, sub)
		}
	}
	if len(missing) > 0 {
		details["missing"] = missing
		return StatusFailed, "repository layout incomplete", fmt.Errorf("missing directories: %v", missing)
	}
	if !land.Initialized(filepath.Join(v.root, "main")) {
		return StatusFailed, "repository has no head", land.ErrNotInitialized
	}
	if _, err := os.Stat(filepath.Join(v.root, "indexes")); err != nil {
		// Indexes rebuild from the logs, so absence is not corruption.
		return StatusWarning, "indexes directory missing (rebuildable)", nil
	}
	return StatusPassed, "repository layout intact", nil
}

// checkHead confirms the head points at a real, loadable tree and, past
// position zero, at the newest event.
func (v *Verifier) checkHead(details map[string]any) (Status, string, error) {
	head := v.coord.Head()
	details["position"] = head.Position
	details["tree_hash"] = head.TreeHash.String()

	if _, err := v.store.GetTree(head.TreeHash); err != nil {
		return StatusFailed, "head tree unreadable", err
	}
	if head.Position == 0 {
		return StatusPassed, "head at position 0 (empty history)", nil
	}

	event, err := v.coord.EventAt(head.Position)
	if err != nil {
		return StatusFailed, fmt.Sprintf("head points at missing event %d", head.Position), err
	}
	if event.TreeHash != head.TreeHash {
		return StatusFailed, fmt.Sprintf("head tree does not match event %d", head.Position),
			fmt.Errorf("head %s, event %s", head.TreeHash.Short(), event.TreeHash.Short())
	}
	return StatusPassed, fmt.Sprintf("head at position %d", head.Position), nil
}

// checkChain walks the landing history verifying every event hash and
// link.
func (v *Verifier) checkChain(details map[string]any) (Status, string, error) {
	events := v.coord.Events()
	details["events"] = len(events)

	var prev hashing.Hash
	for i := range events {
		event := &events[i]
		if event.Position != uint64(i+1) {
			return StatusFailed, "history positions not contiguous",
				fmt.Errorf("expected position %d, found %d", i+1, event.Position)
		}
		if err := event.VerifyHash(); err != nil {
			return StatusFailed, fmt.Sprintf("event %d hash mismatch", event.Position), err
		}
		if event.PrevHash != prev {
			return StatusFailed, fmt.Sprintf("chain link broken at position %d", event.Position),
				fmt.Errorf("expected prev %s, found %s", prev.Short(), event.PrevHash.Short())
		}
		prev = event.Hash
	}

	if head := v.coord.Head(); head.Position != uint64(len(events)) {
		return StatusFailed, "head position does not match history length",
			fmt.Errorf("head %d, events %d", head.Position, len(events))
	}
	if len(events) == 0 {
		return StatusPassed, "history empty", nil
	}
	return StatusPassed, fmt.Sprintf("%d events chained", len(events)), nil
}

// checkSessions replays every session log and cross-checks the stored
// metadata against what the log actually holds.
func (v *Verifier) checkSessions(details map[string]any) (Status, string, error) {
	metas, err := v.sessions.List()
	if err != nil {
		return StatusFailed, "cannot list sessions", err
	}
	details["sessions"] = len(metas)
	if len(metas) == 0 {
		return StatusPassed, "no sessions", nil
	}

	var (
		totalRecords int
		truncated    int
		mismatches   []string
		failures     []string
	)
	for _, meta := range metas {
		logDir := filepath.Join(v.root, "sessions", meta.ID.String(), "ops")
		records, stats, err := oplog.Replay(logDir, v.logger)
		if err != nil && !errors.Is(err, oplog.ErrNoSegments) {
			failures = append(failures, fmt.Sprintf("%s: %v", meta.ID, err))
			continue
		}
		totalRecords += len(records)
		if stats.Truncated {
			truncated++
		}

		if uint64(len(records)) != meta.Records {
			mismatches = append(mismatches, fmt.Sprintf(
				"%s: meta says %d records, log holds %d", meta.ID, meta.Records, len(records)))
		}
		if diff := touchedDiff(meta.TouchedPaths, records); diff != "" {
			mismatches = append(mismatches, fmt.Sprintf("%s: %s", meta.ID, diff))
		}
		switch meta.State {
		case session.StateOpen, session.StateLanded, session.StateAbandoned, session.StateConflicted:
		default:
			failures = append(failures, fmt.Sprintf("%s: unknown state %q", meta.ID, meta.State))
		}
	}

	details["records"] = totalRecords
	if truncated > 0 {
		details["truncated_logs"] = truncated
	}
	if len(mismatches) > 0 {
		details["meta_mismatches"] = mismatches
	}
	if len(failures) > 0 {
		details["failures"] = failures
		return StatusFailed, fmt.Sprintf("%d of %d session logs unreadable", len(failures), len(metas)),
			fmt.Errorf("%s", failures[0])
	}
	if len(mismatches) > 0 || truncated > 0 {
		// Stale metadata and torn tails heal on the next open; they are
		// findings, not corruption.
		return StatusWarning, fmt.Sprintf("%d sessions verified, %d metadata drift, %d torn logs",
			len(metas), len(mismatches), truncated), nil
	}
	return StatusPassed, fmt.Sprintf("%d sessions, %d records verified", len(metas), totalRecords), nil
}

// touchedDiff compares stored touched paths with the set derived from
// the log. Returns "" when they agree.
func touchedDiff(stored []string, records []*oplog.Record) string {
	derived := make(map[string]struct{})
	for _, rec := range records {
		switch rec.Type {
		case oplog.RecordFileWrite:
			if p, err := oplog.DeserializeFileWrite(rec.Payload); err == nil {
				derived[p.Path] = struct{}{}
			}
		case oplog.RecordFileDelete:
			if p, err := oplog.DeserializeFileDelete(rec.Payload); err == nil {
				derived[p.Path] = struct{}{}
			}
		}
	}
	if len(derived) != len(stored) {
		return fmt.Sprintf("meta lists %d touched paths, log derives %d", len(stored), len(derived))
	}
	for _, p := range stored {
		if _, ok := derived[p]; !ok {
			return fmt.Sprintf("touched path %q not present in log", p)
		}
	}
	return ""
}

// checkObjects re-hashes stored objects: all of them at full level, an
// evenly spaced sample otherwise.
func (v *Verifier) checkObjects(details map[string]any) (Status, string, error) {
	var corrupt []string
	checked := 0

	for _, kind := range []objectstore.Kind{objectstore.KindBlob, objectstore.KindTree} {
		count, err := v.store.Count(kind)
		if err != nil {
			return StatusFailed, fmt.Sprintf("cannot enumerate %s", kind), err
		}
		size, err := v.store.Size(kind)
		if err != nil {
			return StatusFailed, fmt.Sprintf("cannot size %s", kind), err
		}
		details[string(kind)] = count
		details[string(kind)+"_bytes"] = size

		hashes := make([]hashing.Hash, 0, count)
		if err := v.store.ForEach(kind, func(h hashing.Hash) error {
			hashes = append(hashes, h)
			return nil
		}); err != nil {
			return StatusFailed, fmt.Sprintf("cannot walk %s", kind), err
		}

		for _, h := range sampleHashes(hashes, v.sampleFor(len(hashes))) {
			if err := v.store.Verify(kind, h); err != nil {
				corrupt = append(corrupt, fmt.Sprintf("%s/%s: %v", kind, h.Short(), err))
			}
			checked++
		}
	}

	details["verified"] = checked
	if len(corrupt) > 0 {
		details["corrupt"] = corrupt
		return StatusFailed, fmt.Sprintf("%d corrupt objects", len(corrupt)),
			fmt.Errorf("%s", corrupt[0])
	}
	mode := "sampled"
	if v.level >= LevelFull {
		mode = "all"
	}
	return StatusPassed, fmt.Sprintf("%d objects re-hashed (%s)", checked, mode), nil
}

func (v *Verifier) sampleFor(total int) int {
	if v.level >= LevelFull {
		return total
	}
	if total < v.sample {
		return total
	}
	return v.sample
}

// sampleHashes picks n evenly spaced hashes in deterministic order.
func sampleHashes(hashes []hashing.Hash, n int) []hashing.Hash {
	if n >= len(hashes) {
		return hashes
	}
	sort.Slice(hashes, func(i, j int) bool {
		return hashes[i].String() < hashes[j].String()
	})
	picked := make([]hashing.Hash, 0, n)
	step := float64(len(hashes)) / float64(n)
	for i := 0; i < n; i++ {
		picked = append(picked, hashes[int(float64(i)*step)])
	}
	return picked
}

// checkReachability loads every landed tree and confirms the head
// tree's blobs are all present.
func (v *Verifier) checkReachability(details map[string]any) (Status, string, error) {
	events := v.coord.Events()
	for i := range events {
		if _, err := v.store.GetTree(events[i].TreeHash); err != nil {
			return StatusFailed, fmt.Sprintf("tree for position %d unreadable", events[i].Position), err
		}
	}
	details["trees"] = len(events)

	headTree, err := v.coord.HeadTree()
	if err != nil {
		return StatusFailed, "head tree unreadable", err
	}
	entries := headTree.Entries()
	details["head_entries"] = len(entries)

	var missing []string
	for _, entry := range entries {
		if !v.store.HasBlob(entry.Hash) {
			missing = append(missing, entry.Path)
		}
	}
	if len(missing) > 0 {
		details["missing_blobs"] = missing
		return StatusFailed, fmt.Sprintf("%d blobs missing from head tree", len(missing)),
			fmt.Errorf("first missing: %s", missing[0])
	}
	return StatusPassed, fmt.Sprintf("%d landed trees loadable, %d head blobs present", len(events), len(entries)), nil
}
