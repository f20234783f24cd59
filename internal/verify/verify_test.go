package verify

import (
	"bytes"
	"context"
	"encoding/json"
	"io/fs"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basin/internal/hashing"
	"basin/internal/land"
	"basin/internal/objectstore"
	"basin/internal/oplog"
	"basin/internal/session"
)

// Test helpers

type testRepo struct {
	root     string
	store    *objectstore.Store
	sessions *session.Manager
	coord    *land.Coordinator
}

func newTestRepo(t *testing.T) *testRepo {
	t.Helper()
	r := &testRepo{root: t.TempDir()}

	store, err := objectstore.Open(filepath.Join(r.root, "objects"), 0)
	require.NoError(t, err)
	require.NoError(t, land.Init(filepath.Join(r.root, "main"), store))
	require.NoError(t, os.MkdirAll(filepath.Join(r.root, "indexes"), 0700))

	r.reopen(t)
	t.Cleanup(func() { r.sessions.Close() })
	return r
}

// reopen rebuilds the store, manager, and coordinator over the same
// directory tree, simulating a process restart with cold caches.
func (r *testRepo) reopen(t *testing.T) {
	t.Helper()
	if r.sessions != nil {
		require.NoError(t, r.sessions.Close())
	}

	store, err := objectstore.Open(filepath.Join(r.root, "objects"), 0)
	require.NoError(t, err)
	r.store = store

	mgr, err := session.Open(filepath.Join(r.root, "sessions"), session.Options{})
	require.NoError(t, err)
	r.sessions = mgr

	coord, err := land.Open(filepath.Join(r.root, "main"), r.store, mgr, nil, nil)
	require.NoError(t, err)
	r.coord = coord
}

func (r *testRepo) verifier(opts ...Option) *Verifier {
	return New(r.root, r.store, r.sessions, r.coord, opts...)
}

// landFiles starts a session, writes the given files into it, and lands
// it on the current head.
func (r *testRepo) landFiles(t *testing.T, files map[string]string) *session.Session {
	t.Helper()
	head := r.coord.Head()
	sess, err := r.sessions.Start("verify fixture", uuid.New(), head.Position, head.TreeHash)
	require.NoError(t, err)

	for path, content := range files {
		blobHash, err := r.store.PutBlob([]byte(content))
		require.NoError(t, err)
		payload := oplog.FileWritePayload{
			Path:     path,
			BlobHash: blobHash,
			Size:     uint64(len(content)),
			Mode:     0644,
		}
		require.NoError(t, sess.Append(&oplog.Record{Type: oplog.RecordFileWrite, Payload: payload.Serialize()}))
	}

	result, err := r.coord.Land(context.Background(), sess.ID())
	require.NoError(t, err)
	require.Equal(t, land.OutcomeLanded, result.Outcome)
	return sess
}

func checkByName(t *testing.T, report *Report, name string) CheckResult {
	t.Helper()
	for _, check := range report.Checks {
		if check.Check == name {
			return check
		}
	}
	t.Fatalf("report has no check named %q", name)
	return CheckResult{}
}

// onlyObjectFile returns the single object file under the given store
// namespace.
func onlyObjectFile(t *testing.T, root string, kind objectstore.Kind) string {
	t.Helper()
	var files []string
	err := filepath.WalkDir(filepath.Join(root, "objects", string(kind)), func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		files = append(files, path)
		return nil
	})
	require.NoError(t, err)
	require.Len(t, files, 1)
	return files[0]
}

// ============================================================
// Levels
// ============================================================

func TestParseLevel(t *testing.T) {
	for _, tc := range []struct {
		in   string
		want Level
	}{
		{"quick", LevelQuick},
		{"standard", LevelStandard},
		{"", LevelStandard},
		{"full", LevelFull},
	} {
		level, err := ParseLevel(tc.in)
		require.NoError(t, err)
		assert.Equal(t, tc.want, level, "input %q", tc.in)
	}

	_, err := ParseLevel("paranoid")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown verification level")
}

func TestLevel_String(t *testing.T) {
	assert.Equal(t, "quick", LevelQuick.String())
	assert.Equal(t, "standard", LevelStandard.String())
	assert.Equal(t, "full", LevelFull.String())
	assert.Equal(t, "unknown", Level(9).String())
}

func TestLevel_JSONRoundTrip(t *testing.T) {
	data, err := json.Marshal(LevelFull)
	require.NoError(t, err)
	assert.Equal(t, `"full"`, string(data))

	var level Level
	require.NoError(t, json.Unmarshal([]byte(`"quick"`), &level))
	assert.Equal(t, LevelQuick, level)

	assert.Error(t, json.Unmarshal([]byte(`"bogus"`), &level))
}

// ============================================================
// Clean repositories
// ============================================================

func TestVerifier_EmptyRepositoryPasses(t *testing.T) {
	r := newTestRepo(t)

	report, err := r.verifier(WithLevel(LevelFull)).Verify(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Valid)
	assert.Equal(t, 6, report.Passed)
	assert.Zero(t, report.Failed)
	assert.Contains(t, checkByName(t, report, "head").Message, "position 0")
	assert.Contains(t, checkByName(t, report, "chain").Message, "history empty")
}

func TestVerifier_CleanRepositoryPasses(t *testing.T) {
	r := newTestRepo(t)
	r.landFiles(t, map[string]string{
		"src/main.go":    "package main\n",
		"docs/readme.md": "# readme\n",
	})
	r.landFiles(t, map[string]string{
		"src/util.go": "package main\n\nfunc u() {}\n",
	})

	report, err := r.verifier(WithLevel(LevelFull)).Verify(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Valid)
	assert.Equal(t, 6, report.Passed)
	assert.Zero(t, report.Failed)
	assert.Zero(t, report.Warnings)
	assert.Zero(t, report.Skipped)
	assert.Empty(t, report.Problems)
	assert.Contains(t, report.Summary(), "[OK]")

	chain := checkByName(t, report, "chain")
	assert.Equal(t, "2 events chained", chain.Message)
	sessions := checkByName(t, report, "sessions")
	assert.Equal(t, StatusPassed, sessions.Status)
	assert.Equal(t, 2, sessions.Details["sessions"])
}

func TestVerifier_QuickSkipsDeepChecks(t *testing.T) {
	r := newTestRepo(t)

	report, err := r.verifier(WithLevel(LevelQuick)).Verify(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Valid)
	assert.Equal(t, 3, report.Passed)
	assert.Equal(t, 3, report.Skipped)
	for _, name := range []string{"sessions", "objects", "reachability"} {
		check := checkByName(t, report, name)
		assert.Equal(t, StatusSkipped, check.Status, name)
		assert.Contains(t, check.Message, "requires level")
	}
}

func TestVerifier_StandardSkipsReachability(t *testing.T) {
	r := newTestRepo(t)

	report, err := r.verifier().Verify(context.Background())
	require.NoError(t, err)

	assert.Equal(t, StatusSkipped, checkByName(t, report, "reachability").Status)
	assert.Equal(t, StatusPassed, checkByName(t, report, "sessions").Status)
	assert.Equal(t, StatusPassed, checkByName(t, report, "objects").Status)
}

func TestVerifier_SampleSizeBoundsObjectAudit(t *testing.T) {
	r := newTestRepo(t)
	r.landFiles(t, map[string]string{
		"a.txt": "alpha",
		"b.txt": "bravo",
		"c.txt": "charlie",
	})

	report, err := r.verifier(WithSampleSize(2)).Verify(context.Background())
	require.NoError(t, err)

	// Three blobs sampled down to two, both trees small enough to audit
	// in full.
	check := checkByName(t, report, "objects")
	assert.Equal(t, StatusPassed, check.Status)
	assert.Equal(t, 4, check.Details["verified"])
	assert.Contains(t, check.Message, "sampled")
}

func TestVerifier_ContextCancelled(t *testing.T) {
	r := newTestRepo(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := r.verifier().Verify(ctx)
	require.ErrorIs(t, err, context.Canceled)
	assert.Nil(t, report)
}

// ============================================================
// Layout damage
// ============================================================

func TestVerifier_MissingIndexesWarns(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, os.Remove(filepath.Join(r.root, "indexes")))

	report, err := r.verifier(WithLevel(LevelQuick)).Verify(context.Background())
	require.NoError(t, err)

	check := checkByName(t, report, "layout")
	assert.Equal(t, StatusWarning, check.Status)
	assert.Contains(t, check.Message, "rebuildable")
	assert.True(t, report.Valid)
	assert.Equal(t, 1, report.Warnings)
	assert.Len(t, report.Problems, 1)
}

func TestVerifier_MissingObjectDirectoryFails(t *testing.T) {
	r := newTestRepo(t)
	require.NoError(t, os.RemoveAll(filepath.Join(r.root, "objects", "trees")))

	report, err := r.verifier(WithLevel(LevelQuick)).Verify(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Valid)
	check := checkByName(t, report, "layout")
	assert.Equal(t, StatusFailed, check.Status)
	assert.Contains(t, check.Error, filepath.Join("objects", "trees"))
	assert.Contains(t, report.FailedChecks(), "layout")
	assert.Contains(t, report.Summary(), "[CORRUPT]")
}

// ============================================================
// Head and chain damage
// ============================================================

func TestVerifier_PhantomHeadTreeFails(t *testing.T) {
	r := newTestRepo(t)
	r.landFiles(t, map[string]string{"a.txt": "one"})

	head := land.Head{Position: 1, TreeHash: hashing.Sum(hashing.DomainTree, []byte("phantom"))}
	data, err := json.Marshal(&head)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(r.root, "main", "head.json"), data, 0600))
	r.reopen(t)

	report, err := r.verifier(WithLevel(LevelQuick)).Verify(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Valid)
	check := checkByName(t, report, "head")
	assert.Equal(t, StatusFailed, check.Status)
	assert.Contains(t, check.Message, "head tree unreadable")
}

func TestVerifier_TamperedEventDetected(t *testing.T) {
	r := newTestRepo(t)
	r.landFiles(t, map[string]string{"a.txt": "one"})
	r.landFiles(t, map[string]string{"b.txt": "two"})

	// Rewrite a sealed field without resealing. The stored hash no
	// longer matches the content.
	path := filepath.Join(r.root, "main", "history", "1.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var event land.Event
	require.NoError(t, json.Unmarshal(data, &event))
	event.Partition = "stealth"
	tampered, err := json.Marshal(&event)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0600))
	r.reopen(t)

	report, err := r.verifier(WithLevel(LevelQuick)).Verify(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Valid)
	check := checkByName(t, report, "chain")
	assert.Equal(t, StatusFailed, check.Status)
	assert.Contains(t, check.Message, "event 1 hash mismatch")
}

func TestVerifier_BrokenChainLinkDetected(t *testing.T) {
	r := newTestRepo(t)
	r.landFiles(t, map[string]string{"a.txt": "one"})
	r.landFiles(t, map[string]string{"b.txt": "two"})

	// Reseal the second event against a forged predecessor. Its own
	// hash verifies, but the link to event one is severed.
	path := filepath.Join(r.root, "main", "history", "2.json")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var event land.Event
	require.NoError(t, json.Unmarshal(data, &event))
	require.NoError(t, event.Seal(hashing.Sum(hashing.DomainLand, []byte("forged"))))
	tampered, err := json.Marshal(&event)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, tampered, 0600))
	r.reopen(t)

	report, err := r.verifier(WithLevel(LevelQuick)).Verify(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Valid)
	check := checkByName(t, report, "chain")
	assert.Equal(t, StatusFailed, check.Status)
	assert.Contains(t, check.Message, "chain link broken at position 2")
}

// ============================================================
// Session damage
// ============================================================

func TestVerifier_MetadataDriftWarns(t *testing.T) {
	r := newTestRepo(t)
	head := r.coord.Head()
	sess, err := r.sessions.Start("drift", uuid.New(), head.Position, head.TreeHash)
	require.NoError(t, err)
	intent := oplog.IntentPayload{Text: "rework the parser"}
	require.NoError(t, sess.Append(&oplog.Record{Type: oplog.RecordIntent, Payload: intent.Serialize()}))
	dir := sess.Dir()

	// Skew the cached record count behind the manager's back.
	require.NoError(t, r.sessions.Close())
	metaPath := filepath.Join(dir, "meta.json")
	data, err := os.ReadFile(metaPath)
	require.NoError(t, err)
	var meta session.Meta
	require.NoError(t, json.Unmarshal(data, &meta))
	meta.Records = 7
	skewed, err := json.Marshal(&meta)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(metaPath, skewed, 0600))
	r.reopen(t)

	report, err := r.verifier().Verify(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Valid)
	check := checkByName(t, report, "sessions")
	assert.Equal(t, StatusWarning, check.Status)
	assert.Contains(t, check.Message, "1 metadata drift")
	assert.NotEmpty(t, check.Details["meta_mismatches"])
}

func TestVerifier_TornLogTailWarns(t *testing.T) {
	r := newTestRepo(t)
	head := r.coord.Head()
	sess, err := r.sessions.Start("torn", uuid.New(), head.Position, head.TreeHash)
	require.NoError(t, err)
	intent := oplog.IntentPayload{Text: "write the docs"}
	require.NoError(t, sess.Append(&oplog.Record{Type: oplog.RecordIntent, Payload: intent.Serialize()}))
	dir := sess.Dir()
	require.NoError(t, r.sessions.Close())

	// A crash-torn tail: garbage past the last valid frame.
	segments, err := filepath.Glob(filepath.Join(dir, "ops", "segment-*.log"))
	require.NoError(t, err)
	require.NotEmpty(t, segments)
	f, err := os.OpenFile(segments[0], os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.Write([]byte{0xde, 0xad, 0xbe, 0xef})
	require.NoError(t, err)
	require.NoError(t, f.Close())
	r.reopen(t)

	report, err := r.verifier().Verify(context.Background())
	require.NoError(t, err)

	assert.True(t, report.Valid)
	check := checkByName(t, report, "sessions")
	assert.Equal(t, StatusWarning, check.Status)
	assert.Contains(t, check.Message, "1 torn logs")
}

func TestVerifier_UnreadableSessionLogFails(t *testing.T) {
	r := newTestRepo(t)
	head := r.coord.Head()
	sess, err := r.sessions.Start("mangled", uuid.New(), head.Position, head.TreeHash)
	require.NoError(t, err)
	intent := oplog.IntentPayload{Text: "refactor storage"}
	require.NoError(t, sess.Append(&oplog.Record{Type: oplog.RecordIntent, Payload: intent.Serialize()}))
	dir := sess.Dir()
	require.NoError(t, r.sessions.Close())

	// Destroying the segment magic makes the whole log unreadable, not
	// merely truncated.
	segments, err := filepath.Glob(filepath.Join(dir, "ops", "segment-*.log"))
	require.NoError(t, err)
	require.NotEmpty(t, segments)
	data, err := os.ReadFile(segments[0])
	require.NoError(t, err)
	require.GreaterOrEqual(t, len(data), 8)
	for i := 0; i < 8; i++ {
		data[i] = 0xFF
	}
	require.NoError(t, os.WriteFile(segments[0], data, 0600))
	r.reopen(t)

	report, err := r.verifier().Verify(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Valid)
	check := checkByName(t, report, "sessions")
	assert.Equal(t, StatusFailed, check.Status)
	assert.Contains(t, check.Message, "1 of 1 session logs unreadable")
}

// ============================================================
// Object damage
// ============================================================

func TestVerifier_CorruptBlobDetected(t *testing.T) {
	r := newTestRepo(t)
	r.landFiles(t, map[string]string{"data.bin": "payload bytes"})

	target := onlyObjectFile(t, r.root, objectstore.KindBlob)
	require.NoError(t, os.WriteFile(target, []byte{0x00, 0xde, 0xad}, 0600))

	report, err := r.verifier(WithLevel(LevelFull)).Verify(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Valid)
	check := checkByName(t, report, "objects")
	assert.Equal(t, StatusFailed, check.Status)
	assert.Contains(t, check.Message, "corrupt")
	assert.NotEmpty(t, check.Details["corrupt"])
}

func TestVerifier_MissingHeadBlobFails(t *testing.T) {
	r := newTestRepo(t)
	r.landFiles(t, map[string]string{"data.txt": "some payload"})

	target := onlyObjectFile(t, r.root, objectstore.KindBlob)
	require.NoError(t, os.Remove(target))
	r.reopen(t)

	report, err := r.verifier(WithLevel(LevelFull)).Verify(context.Background())
	require.NoError(t, err)

	assert.False(t, report.Valid)
	check := checkByName(t, report, "reachability")
	assert.Equal(t, StatusFailed, check.Status)
	assert.Contains(t, check.Message, "missing from head tree")
	assert.Equal(t, []string{"data.txt"}, check.Details["missing_blobs"])
}

// ============================================================
// Sampling
// ============================================================

func TestSampleHashes(t *testing.T) {
	hashes := make([]hashing.Hash, 10)
	for i := range hashes {
		hashes[i] = hashing.Sum(hashing.DomainBlob, []byte{byte(i)})
	}

	assert.Len(t, sampleHashes(hashes, 10), 10)
	assert.Len(t, sampleHashes(hashes, 20), 10)

	picked := sampleHashes(hashes, 3)
	require.Len(t, picked, 3)
	again := sampleHashes(hashes, 3)
	assert.Equal(t, picked, again)
}

// ============================================================
// Reports
// ============================================================

func sampleReport() *Report {
	report := &Report{
		Level:     LevelStandard,
		Root:      "/work/basin-repo",
		StartedAt: time.Date(2026, 4, 2, 10, 0, 0, 0, time.UTC),
		Checks: []CheckResult{
			{Check: "layout", Status: StatusPassed, Message: "repository layout intact", Duration: time.Millisecond},
			{Check: "head", Status: StatusPassed, Message: "head at position 3", Details: map[string]any{"position": uint64(3)}},
			{Check: "chain", Status: StatusFailed, Message: "event 2 hash mismatch", Error: "stored hash differs"},
			{Check: "sessions", Status: StatusWarning, Message: "2 sessions verified, 1 metadata drift, 0 torn logs"},
			{Check: "objects", Status: StatusPassed, Message: "14 objects re-hashed (sampled)"},
			{Check: "reachability", Status: StatusSkipped, Message: "requires level full"},
		},
	}
	report.CompletedAt = report.StartedAt.Add(42 * time.Millisecond)
	report.Duration = 42 * time.Millisecond
	summarize(report)
	return report
}

func TestSummarize(t *testing.T) {
	report := sampleReport()

	assert.False(t, report.Valid)
	assert.Equal(t, 3, report.Passed)
	assert.Equal(t, 1, report.Failed)
	assert.Equal(t, 1, report.Warnings)
	assert.Equal(t, 1, report.Skipped)
	require.Len(t, report.Problems, 2)
	assert.Contains(t, report.Problems[0], "chain:")
}

func TestReport_Summary(t *testing.T) {
	report := sampleReport()
	summary := report.Summary()
	assert.Contains(t, summary, "[CORRUPT]")
	assert.Contains(t, summary, "3/5 checks passed")
	assert.Contains(t, summary, "1 failed")
	assert.Contains(t, summary, "1 warnings")

	clean := &Report{
		Level: LevelQuick,
		Checks: []CheckResult{
			{Check: "layout", Status: StatusPassed},
			{Check: "head", Status: StatusPassed},
		},
	}
	summarize(clean)
	assert.Contains(t, clean.Summary(), "[OK] 2/2 checks passed")
}

func TestReport_FailedChecks(t *testing.T) {
	assert.Equal(t, []string{"chain"}, sampleReport().FailedChecks())
	assert.Empty(t, (&Report{}).FailedChecks())
}

func TestReportGenerator_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewReportGenerator(FormatJSON).Generate(sampleReport(), &buf))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, "standard", decoded["level"])
	assert.Equal(t, false, decoded["valid"])
	assert.Len(t, decoded["checks"], 6)
}

func TestReportGenerator_Text(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewReportGenerator(FormatText).Generate(sampleReport(), &buf))

	out := buf.String()
	assert.Contains(t, out, "BASIN REPOSITORY VERIFICATION")
	assert.Contains(t, out, "Result:     CORRUPT")
	assert.Contains(t, out, "[OK] layout")
	assert.Contains(t, out, "[!!] chain")
	assert.Contains(t, out, "[??] sessions")
	assert.Contains(t, out, "[--] reachability")
	assert.Contains(t, out, "--- Problems ---")
	assert.NotContains(t, out, "stored hash differs")
}

func TestReportGenerator_TextVerbose(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewReportGenerator(FormatText).WithVerbose(true).Generate(sampleReport(), &buf))

	out := buf.String()
	assert.Contains(t, out, "error: stored hash differs")
	assert.Contains(t, out, "position: 3")
}

func TestReportGenerator_Markdown(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewReportGenerator(FormatMarkdown).Generate(sampleReport(), &buf))

	out := buf.String()
	assert.Contains(t, out, "# Repository Verification Report")
	assert.Contains(t, out, "| **Result** | CORRUPT |")
	assert.Contains(t, out, "| layout | PASS |")
	assert.Contains(t, out, "| chain | FAIL |")
	assert.Contains(t, out, "| sessions | WARN |")
	assert.Contains(t, out, "| reachability | SKIP |")
}

func TestReportGenerator_HTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, NewReportGenerator(FormatHTML).Generate(sampleReport(), &buf))

	out := buf.String()
	assert.Contains(t, out, "<!DOCTYPE html>")
	assert.Contains(t, out, "CORRUPT")
	assert.Contains(t, out, "status-failed")
	assert.Contains(t, out, "/work/basin-repo")
}

func TestReportGenerator_UnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	err := NewReportGenerator("csv").Generate(sampleReport(), &buf)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown format")
}
