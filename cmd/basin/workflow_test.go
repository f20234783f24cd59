package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"basin/internal/export"
	"basin/internal/repo"
	"basin/internal/session"
	"basin/internal/verify"
)

const otherAgent = "b7f3d9a1-4c2e-4b8a-9d6f-1e5a7c3b9d2f"

// landFiles starts a session, records each path with its content, and
// lands it.
func landFiles(t *testing.T, home, goal string, files map[string]string) {
	t.Helper()
	startSession(t, home, goal)
	for path, content := range files {
		recordWrite(t, path, content)
	}
	require.NoError(t, runBasin(t, "land"))
}

// ============================================================
// Landing
// ============================================================

func TestLand_PublishesSession(t *testing.T) {
	home := testHome(t)
	id := startSession(t, home, "ship two files")
	recordWrite(t, "src/app.go", "package app\n")
	recordWrite(t, "docs/guide.md", "# Guide\n")

	out := captureStdout(t, func() {
		require.NoError(t, runBasin(t, "land"))
	})
	assert.Contains(t, out, "Landed session")
	assert.Contains(t, out, "position 1")

	inspect(t, home, func(r *repo.Repo) {
		assert.Equal(t, uint64(1), r.Head().Position)

		meta, err := r.Session(id)
		require.NoError(t, err)
		assert.Equal(t, session.StateLanded, meta.State)

		head, err := r.HeadTree()
		require.NoError(t, err)
		_, ok := head.Get("src/app.go")
		assert.True(t, ok)
		_, ok = head.Get("docs/guide.md")
		assert.True(t, ok)
	})
}

func TestLand_RequiresOpenSession(t *testing.T) {
	testHome(t)
	err := runBasin(t, "land")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no open session")
}

// ============================================================
// Conflict, reopen, and the second landing
// ============================================================

func TestLand_ConflictReopenLand(t *testing.T) {
	home := testHome(t)

	// Both writers base themselves on position 0 before either lands.
	startSession(t, home, "first writer")
	require.NoError(t, runBasin(t, "session", "start", "second writer", "--agent", otherAgent))
	var otherID string
	for _, meta := range sessionsByState(t, home, session.StateOpen) {
		if meta.Goal == "second writer" {
			otherID = meta.ID.String()
		}
	}
	require.NotEmpty(t, otherID)

	recordWrite(t, "shared/config.toml", "retries = 3\n")
	require.NoError(t, runBasin(t, "land"))

	src := writeWorkFile(t, "retries = 5\n")
	require.NoError(t, runBasin(t, "record", "file-write",
		"--path", "shared/config.toml", "--from", src, "--agent", otherAgent))

	var landErr error
	out := captureStdout(t, func() {
		landErr = runBasin(t, "land", "--agent", otherAgent)
	})
	require.Error(t, landErr)
	assert.Contains(t, landErr.Error(), "landing rejected")
	assert.Contains(t, out, "conflicted")
	assert.Contains(t, out, "shared/config.toml")

	inspect(t, home, func(r *repo.Repo) {
		meta, err := r.Session(uuidMustParse(t, otherID))
		require.NoError(t, err)
		assert.Equal(t, session.StateConflicted, meta.State)
		require.Len(t, meta.Conflicts, 1)
		assert.Equal(t, []string{"shared/config.toml"}, meta.Conflicts[0].Paths)
	})

	require.NoError(t, runBasin(t, "session", "reopen", otherID, "--reason", "rebased on first landing"))

	inspect(t, home, func(r *repo.Repo) {
		meta, err := r.Session(uuidMustParse(t, otherID))
		require.NoError(t, err)
		assert.Equal(t, session.StateOpen, meta.State)
		assert.Equal(t, uint64(1), meta.BasePosition)
	})

	require.NoError(t, runBasin(t, "land", "--agent", otherAgent))

	inspect(t, home, func(r *repo.Repo) {
		assert.Equal(t, uint64(2), r.Head().Position)

		head, err := r.HeadTree()
		require.NoError(t, err)
		blobHash, ok := head.Get("shared/config.toml")
		require.True(t, ok)
		data, err := r.GetBlob(blobHash)
		require.NoError(t, err)
		assert.Equal(t, "retries = 5\n", string(data))
	})
}

// ============================================================
// History
// ============================================================

func TestHistory_TableAndJSON(t *testing.T) {
	home := testHome(t)
	landFiles(t, home, "seed history", map[string]string{"a.txt": "one\n"})

	table := captureStdout(t, func() {
		require.NoError(t, runBasin(t, "history"))
	})
	assert.Contains(t, table, "POSITION")
	assert.Contains(t, table, "(root)")

	raw := captureStdout(t, func() {
		require.NoError(t, runBasin(t, "history", "--format", "json"))
	})
	var entries []export.HistoryEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(1), entries[0].Position)
	assert.Equal(t, []string{"a.txt"}, entries[0].TouchedPaths)
}

func TestHistory_EmptyRepository(t *testing.T) {
	testHome(t)
	out := captureStdout(t, func() {
		require.NoError(t, runBasin(t, "history"))
	})
	assert.Contains(t, out, "Nothing has landed yet")
}

func TestHistory_Limit(t *testing.T) {
	home := testHome(t)
	landFiles(t, home, "first", map[string]string{"a.txt": "1"})
	landFiles(t, home, "second", map[string]string{"b.txt": "2"})

	raw := captureStdout(t, func() {
		require.NoError(t, runBasin(t, "history", "--limit", "1", "--format", "json"))
	})
	var entries []export.HistoryEntry
	require.NoError(t, json.Unmarshal([]byte(raw), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, uint64(2), entries[0].Position)
}

// ============================================================
// Diff and cat
// ============================================================

func TestDiff_BetweenPositions(t *testing.T) {
	home := testHome(t)
	landFiles(t, home, "add a", map[string]string{"notes/a.txt": "first\n"})
	landFiles(t, home, "change a add b", map[string]string{
		"notes/a.txt": "second\n",
		"notes/b.txt": "fresh\n",
	})

	out := captureStdout(t, func() {
		require.NoError(t, runBasin(t, "diff", "1", "2"))
	})
	assert.Contains(t, out, "2 paths differ")
	for _, line := range strings.Split(out, "\n") {
		switch {
		case strings.Contains(line, "notes/a.txt"):
			assert.True(t, strings.HasPrefix(line, "M"), "line %q", line)
		case strings.Contains(line, "notes/b.txt"):
			assert.True(t, strings.HasPrefix(line, "A"), "line %q", line)
		}
	}

	fromEmpty := captureStdout(t, func() {
		require.NoError(t, runBasin(t, "diff", "0"))
	})
	assert.Contains(t, fromEmpty, "2 paths differ")
}

func TestDiff_IdenticalTrees(t *testing.T) {
	home := testHome(t)
	landFiles(t, home, "one landing", map[string]string{"a.txt": "x"})

	out := captureStdout(t, func() {
		require.NoError(t, runBasin(t, "diff", "1", "1"))
	})
	assert.Contains(t, out, "No differences")
}

func TestDiff_RejectsBadRef(t *testing.T) {
	home := testHome(t)
	landFiles(t, home, "one landing", map[string]string{"a.txt": "x"})

	err := runBasin(t, "diff", "not-a-ref")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "neither a position nor a tree hash")
}

func TestCat_BlobAndTree(t *testing.T) {
	home := testHome(t)
	landFiles(t, home, "content to read back", map[string]string{"poem.txt": "stone and water\n"})

	var blobHex, treeHex string
	inspect(t, home, func(r *repo.Repo) {
		event, err := r.EventAt(1)
		require.NoError(t, err)
		treeHex = event.TreeHash.String()

		head, err := r.HeadTree()
		require.NoError(t, err)
		h, ok := head.Get("poem.txt")
		require.True(t, ok)
		blobHex = h.String()
	})

	blob := captureStdout(t, func() {
		require.NoError(t, runBasin(t, "cat", blobHex))
	})
	assert.Equal(t, "stone and water\n", blob)

	listing := captureStdout(t, func() {
		require.NoError(t, runBasin(t, "cat", "--tree", treeHex))
	})
	assert.Contains(t, listing, "poem.txt")
	assert.Contains(t, listing, blobHex)
}

func TestCat_RejectsMalformedHash(t *testing.T) {
	testHome(t)
	err := runBasin(t, "cat", "zzzz")
	require.Error(t, err)
}

// ============================================================
// Status
// ============================================================

func TestStatus_EmptyRepository(t *testing.T) {
	testHome(t)
	out := captureStdout(t, func() {
		require.NoError(t, runBasin(t, "status"))
	})
	assert.Contains(t, out, "Head:       position 0")
	assert.Contains(t, out, "Sessions:   0 total")
}

func TestStatus_AfterActivity(t *testing.T) {
	home := testHome(t)
	landFiles(t, home, "landed work", map[string]string{"a.txt": "done"})
	startSession(t, home, "ongoing work")
	recordWrite(t, "b.txt", "in flight")

	out := captureStdout(t, func() {
		require.NoError(t, runBasin(t, "status"))
	})
	assert.Contains(t, out, "Head:       position 1")
	assert.Contains(t, out, "1 open")
	assert.Contains(t, out, "1 landed")
	assert.Contains(t, out, "Objects:")
	assert.Contains(t, out, "Open session")
	assert.Contains(t, out, "ongoing work")
}

// ============================================================
// Verify
// ============================================================

func TestVerify_WritesJSONReport(t *testing.T) {
	home := testHome(t)
	landFiles(t, home, "verified work", map[string]string{"a.txt": "sound"})

	reportPath := filepath.Join(t.TempDir(), "report.json")
	require.NoError(t, runBasin(t, "verify", "--level", "full", "--format", "json", "--output", reportPath))

	raw, err := os.ReadFile(reportPath)
	require.NoError(t, err)
	var report verify.Report
	require.NoError(t, json.Unmarshal(raw, &report))
	assert.True(t, report.Valid)
	assert.NotEmpty(t, report.Checks)
	assert.Zero(t, report.Failed)
}

func TestVerify_DetectsCorruption(t *testing.T) {
	home := testHome(t)
	landFiles(t, home, "soon corrupted", map[string]string{"a.txt": "original bytes"})

	blobs, err := filepath.Glob(filepath.Join(repoRoot(home), "objects", "blobs", "*", "*"))
	require.NoError(t, err)
	require.NotEmpty(t, blobs)
	require.NoError(t, os.WriteFile(blobs[0], []byte("flipped"), 0600))

	verifyErr := runBasin(t, "verify", "--level", "full")
	require.Error(t, verifyErr)
	assert.Contains(t, verifyErr.Error(), "verification failed")
}

func TestVerify_RejectsUnknownLevel(t *testing.T) {
	testHome(t)
	err := runBasin(t, "verify", "--level", "paranoid")
	require.Error(t, err)
}

// ============================================================
// Export
// ============================================================

func TestExport_JSONTranscript(t *testing.T) {
	home := testHome(t)
	id := startSession(t, home, "document the session")
	require.NoError(t, runBasin(t, "record", "intent", "write it all down"))
	recordWrite(t, "log.txt", "entry one\n")
	require.NoError(t, runBasin(t, "record", "decision", "jsonl for the archive",
		"--rationale", "line-oriented tooling"))

	outPath := filepath.Join(t.TempDir(), "transcript.json")
	require.NoError(t, runBasin(t, "export", id.String(), "--out", outPath))

	raw, err := os.ReadFile(outPath)
	require.NoError(t, err)
	var transcript export.Transcript
	require.NoError(t, json.Unmarshal(raw, &transcript))
	assert.Equal(t, id.String(), transcript.SessionID)
	assert.Equal(t, "document the session", transcript.Goal)
	require.Len(t, transcript.Entries, 3)
	assert.Equal(t, "intent", transcript.Entries[0].Type)
	assert.Equal(t, "file-write", transcript.Entries[1].Type)
	assert.Equal(t, "decision", transcript.Entries[2].Type)
}

func TestExport_RejectsUnknownFormat(t *testing.T) {
	testHome(t)
	err := runBasin(t, "export", "whatever", "--format", "protobuf")
	require.Error(t, err)
}

// ============================================================
// Search and reindex
// ============================================================

func TestSearch_FindsNarrative(t *testing.T) {
	home := testHome(t)
	startSession(t, home, "tuning work")
	require.NoError(t, runBasin(t, "record", "intent", "tune the overlap screen before the next run"))

	out := captureStdout(t, func() {
		require.NoError(t, runBasin(t, "search", "overlap"))
	})
	assert.Contains(t, out, "1.")
	assert.Contains(t, out, "tune the overlap screen")
}

func TestSearch_NoMatches(t *testing.T) {
	testHome(t)
	out := captureStdout(t, func() {
		require.NoError(t, runBasin(t, "search", "xylophone"))
	})
	assert.Contains(t, out, "No matches")
}

func TestReindex_Rebuilds(t *testing.T) {
	home := testHome(t)
	landFiles(t, home, "indexed landing", map[string]string{"a.txt": "indexed"})

	out := captureStdout(t, func() {
		require.NoError(t, runBasin(t, "reindex"))
	})
	assert.Contains(t, out, "Reindexed 1 sessions, 1 land events")
}

// ============================================================
// Repository discovery
// ============================================================

func TestCommands_FailWithoutRepository(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("BASIN_DATA_DIR", dir)
	t.Setenv("BASIN_REPO", "")

	err := runBasin(t, "status")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "basin init")
}

func TestInit_RefusesSecondInit(t *testing.T) {
	testHome(t)
	err := runBasin(t, "init")
	require.Error(t, err)
}
