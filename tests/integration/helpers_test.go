//go:build integration

// Package integration provides end-to-end integration tests for basin.
//
// These tests drive the repository the way agent processes would:
// concurrent sessions, operation records, landings, restarts, and
// verification. cli_test.go additionally builds the basin binary and
// exercises it as a subprocess.
//
// The build tag keeps them out of ordinary test runs:
//
//	go test -tags=integration ./tests/integration
package integration

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"basin/internal/land"
	"basin/internal/oplog"
	"basin/internal/repo"
	"basin/internal/verify"
)

// =============================================================================
// Test environment
// =============================================================================

// TestEnv holds an initialized repository and two writer identities.
type TestEnv struct {
	T       *testing.T
	TempDir string
	Root    string
	Options repo.Options

	Repo *repo.Repo

	// Writer identities
	Alice uuid.UUID
	Bob   uuid.UUID

	// Deadline shared by every helper call
	Ctx    context.Context
	Cancel context.CancelFunc
}

// NewTestEnv creates a repository under a fresh temp dir and opens it.
func NewTestEnv(t *testing.T) *TestEnv {
	t.Helper()
	return NewTestEnvWith(t, repo.Options{})
}

// NewTestEnvWith creates the environment with custom open options.
func NewTestEnvWith(t *testing.T, opts repo.Options) *TestEnv {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)

	tempDir := t.TempDir()
	root := filepath.Join(tempDir, "repo")

	if err := repo.Init(root); err != nil {
		cancel()
		t.Fatalf("failed to init repository: %v", err)
	}
	r, err := repo.Open(root, opts)
	if err != nil {
		cancel()
		t.Fatalf("failed to open repository: %v", err)
	}

	return &TestEnv{
		T:       t,
		TempDir: tempDir,
		Root:    root,
		Options: opts,
		Repo:    r,
		Alice:   uuid.New(),
		Bob:     uuid.New(),
		Ctx:     ctx,
		Cancel:  cancel,
	}
}

// Cleanup cancels the context and closes the repository.
func (env *TestEnv) Cleanup() {
	env.Cancel()
	if env.Repo != nil {
		env.Repo.Close()
	}
}

// CloseRepo releases the repository handle and its lock so the test can
// mutate files on disk directly.
func (env *TestEnv) CloseRepo() {
	env.T.Helper()
	if env.Repo == nil {
		return
	}
	if err := env.Repo.Close(); err != nil {
		env.T.Fatalf("failed to close repository: %v", err)
	}
	env.Repo = nil
}

// OpenRepo reopens the repository with the environment's options.
func (env *TestEnv) OpenRepo() {
	env.T.Helper()
	r, err := repo.Open(env.Root, env.Options)
	if err != nil {
		env.T.Fatalf("failed to reopen repository: %v", err)
	}
	env.Repo = r
}

// Restart closes and reopens the repository, as a process restart would.
func (env *TestEnv) Restart() {
	env.T.Helper()
	env.CloseRepo()
	env.OpenRepo()
}

// =============================================================================
// Session and Record Helpers
// =============================================================================

// StartSession opens a session for the owner and returns its id.
func (env *TestEnv) StartSession(goal string, owner uuid.UUID) uuid.UUID {
	env.T.Helper()

	id, err := env.Repo.StartSession(goal, owner)
	if err != nil {
		env.T.Fatalf("failed to start session: %v", err)
	}
	return id
}

// WriteFile records content for a path in the session.
func (env *TestEnv) WriteFile(sessionID uuid.UUID, path, content string) {
	env.T.Helper()

	blobHash, err := env.Repo.PutBlob([]byte(content))
	if err != nil {
		env.T.Fatalf("failed to store blob: %v", err)
	}
	payload := oplog.FileWritePayload{
		Path:     path,
		BlobHash: blobHash,
		Size:     uint64(len(content)),
		Mode:     0o644,
	}
	if _, err := env.Repo.AppendOperation(sessionID, &oplog.Record{
		Type:    oplog.RecordFileWrite,
		Payload: payload.Serialize(),
	}); err != nil {
		env.T.Fatalf("failed to append file-write: %v", err)
	}
}

// DeleteFile records the removal of a path in the session.
func (env *TestEnv) DeleteFile(sessionID uuid.UUID, path string) {
	env.T.Helper()

	payload := oplog.FileDeletePayload{Path: path}
	if _, err := env.Repo.AppendOperation(sessionID, &oplog.Record{
		Type:    oplog.RecordFileDelete,
		Payload: payload.Serialize(),
	}); err != nil {
		env.T.Fatalf("failed to append file-delete: %v", err)
	}
}

// Intend records an intent note in the session.
func (env *TestEnv) Intend(sessionID uuid.UUID, text string) {
	env.T.Helper()

	payload := oplog.IntentPayload{Text: text}
	if _, err := env.Repo.AppendOperation(sessionID, &oplog.Record{
		Type:    oplog.RecordIntent,
		Payload: payload.Serialize(),
	}); err != nil {
		env.T.Fatalf("failed to append intent: %v", err)
	}
}

// Decide records a decision with its rationale in the session.
func (env *TestEnv) Decide(sessionID uuid.UUID, text, rationale string) {
	env.T.Helper()

	payload := oplog.DecisionPayload{Text: text, Rationale: rationale}
	if _, err := env.Repo.AppendOperation(sessionID, &oplog.Record{
		Type:    oplog.RecordDecision,
		Payload: payload.Serialize(),
	}); err != nil {
		env.T.Fatalf("failed to append decision: %v", err)
	}
}

// Land submits the session. A conflicted outcome is not an error; only
// infrastructure failures fail the test.
func (env *TestEnv) Land(sessionID uuid.UUID) *land.Result {
	env.T.Helper()

	result, err := env.Repo.Land(env.Ctx, sessionID)
	if err != nil {
		env.T.Fatalf("failed to land session: %v", err)
	}
	return result
}

// MustLand lands the session and fails the test on any other outcome.
func (env *TestEnv) MustLand(sessionID uuid.UUID) *land.Result {
	env.T.Helper()

	result := env.Land(sessionID)
	if result.Outcome != land.OutcomeLanded {
		env.T.Fatalf("expected session %s to land, got outcome %v with %d overlap(s)",
			sessionID, result.Outcome, len(result.Conflicts))
	}
	return result
}

// ReadLanded reads a path's content out of the current head tree.
func (env *TestEnv) ReadLanded(path string) string {
	env.T.Helper()

	head, err := env.Repo.HeadTree()
	if err != nil {
		env.T.Fatalf("failed to load head tree: %v", err)
	}
	blobHash, ok := head.Get(path)
	if !ok {
		env.T.Fatalf("path %s not in head tree", path)
	}
	data, err := env.Repo.GetBlob(blobHash)
	if err != nil {
		env.T.Fatalf("failed to read blob for %s: %v", path, err)
	}
	return string(data)
}

// LandedHas reports whether the head tree holds the path.
func (env *TestEnv) LandedHas(path string) bool {
	env.T.Helper()

	head, err := env.Repo.HeadTree()
	if err != nil {
		env.T.Fatalf("failed to load head tree: %v", err)
	}
	_, ok := head.Get(path)
	return ok
}

// =============================================================================
// Assertions
// =============================================================================

// AssertNoError fails t when err is non-nil.
func AssertNoError(t *testing.T, err error, msg string) {
	t.Helper()
	if err != nil {
		t.Fatalf("%s: %v", msg, err)
	}
}

// AssertError fails t when err is nil.
func AssertError(t *testing.T, err error, msg string) {
	t.Helper()
	if err == nil {
		t.Fatalf("%s: expected error but got nil", msg)
	}
}

// AssertEqual fails t unless expected and actual match.
func AssertEqual[T comparable](t *testing.T, expected, actual T, msg string) {
	t.Helper()
	if expected != actual {
		t.Fatalf("%s: expected %v, got %v", msg, expected, actual)
	}
}

// AssertNotEqual fails t when the values match.
func AssertNotEqual[T comparable](t *testing.T, expected, actual T, msg string) {
	t.Helper()
	if expected == actual {
		t.Fatalf("%s: expected values to differ, both were %v", msg, actual)
	}
}

// AssertTrue fails t unless condition holds.
func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Fatalf("%s: expected true", msg)
	}
}

// AssertFalse fails t when condition holds.
func AssertFalse(t *testing.T, condition bool, msg string) {
	t.Helper()
	if condition {
		t.Fatalf("%s: expected false", msg)
	}
}

// AssertCleanReport fails unless the verification report is fully green.
func AssertCleanReport(t *testing.T, report *verify.Report) {
	t.Helper()

	AssertTrue(t, report != nil, "report should not be nil")
	AssertTrue(t, report.Valid, "report should be valid")
	AssertEqual(t, 0, report.Failed, "no checks should fail")
	AssertTrue(t, len(report.Checks) > 0, "report should carry check results")
	AssertEqual(t, 0, len(report.Problems), "no problems should be listed")
}
