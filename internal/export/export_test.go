package export

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"basin/internal/hashing"
	"basin/internal/land"
	"basin/internal/oplog"
	"basin/internal/session"
)

// ============================================================
// Test helpers
// ============================================================

var exportBase = time.Date(2026, 3, 14, 9, 30, 0, 0, time.UTC)

func sampleMeta() session.Meta {
	return session.Meta{
		ID:           uuid.New(),
		Goal:         "refactor the parser",
		Owner:        uuid.New(),
		State:        session.StateOpen,
		BasePosition: 3,
		BaseTree:     hashing.Sum(hashing.DomainTree, []byte("base")),
		CreatedAt:    exportBase,
		UpdatedAt:    exportBase.Add(10 * time.Minute),
	}
}

func sampleRecords() []*oplog.Record {
	blobHash := hashing.Sum(hashing.DomainBlob, []byte("package main\n"))
	payloads := [][]byte{
		(&oplog.IntentPayload{Text: "split the lexer out"}).Serialize(),
		(&oplog.FileWritePayload{Path: "src/lexer.go", BlobHash: blobHash, Size: 13, Mode: 0644}).Serialize(),
		(&oplog.ConversationEntryPayload{Role: "agent", Text: "lexer extracted"}).Serialize(),
		(&oplog.StateChangePayload{From: "open", To: "landed", Reason: "merged"}).Serialize(),
	}
	types := []oplog.RecordType{
		oplog.RecordIntent,
		oplog.RecordFileWrite,
		oplog.RecordConversationEntry,
		oplog.RecordStateChange,
	}

	records := make([]*oplog.Record, len(payloads))
	for i := range payloads {
		records[i] = &oplog.Record{
			Seq:       uint64(i + 1),
			Type:      types[i],
			Timestamp: exportBase.Add(time.Duration(i) * time.Minute).UnixNano(),
			Payload:   payloads[i],
		}
	}
	return records
}

func sampleTranscript() *Transcript {
	return BuildTranscript(sampleMeta(), sampleRecords())
}

// ============================================================
// Transcript building
// ============================================================

func TestBuildTranscript_DecodesRecords(t *testing.T) {
	meta := sampleMeta()
	tr := BuildTranscript(meta, sampleRecords())

	assert.Equal(t, meta.ID.String(), tr.SessionID)
	assert.Equal(t, "refactor the parser", tr.Goal)
	assert.Equal(t, "open", tr.State)
	assert.Equal(t, uint64(3), tr.BasePosition)
	require.Len(t, tr.Entries, 4)

	intent := tr.Entries[0]
	assert.Equal(t, uint64(1), intent.Seq)
	assert.Equal(t, "intent", intent.Type)
	assert.Equal(t, exportBase, intent.LoggedAt)
	assert.Equal(t, "split the lexer out", intent.Detail["text"])

	write := tr.Entries[1]
	assert.Equal(t, "file-write", write.Type)
	assert.Equal(t, "src/lexer.go", write.Detail["path"])
	assert.Equal(t, uint64(13), write.Detail["size"])
	assert.Equal(t, "0644", write.Detail["mode"])
	assert.Equal(t, hashing.Sum(hashing.DomainBlob, []byte("package main\n")).String(),
		write.Detail["blob_hash"])

	change := tr.Entries[3]
	assert.Equal(t, "state-change", change.Type)
	assert.Equal(t, "landed", change.Detail["to"])
}

func TestBuildTranscript_KeepsUndecodablePayloads(t *testing.T) {
	records := []*oplog.Record{{
		Seq:       7,
		Type:      oplog.RecordFileWrite,
		Timestamp: exportBase.UnixNano(),
		Payload:   []byte{0x01},
	}}

	tr := BuildTranscript(sampleMeta(), records)
	require.Len(t, tr.Entries, 1)
	assert.Equal(t, uint64(7), tr.Entries[0].Seq)
	assert.Contains(t, tr.Entries[0].Detail, "decode_error")
	assert.Equal(t, 1, tr.Entries[0].Detail["payload_bytes"])
}

// ============================================================
// Format selection
// ============================================================

func TestNewExporter_KnownFormats(t *testing.T) {
	tests := []struct {
		format string
		ext    string
	}{
		{"json", "json"},
		{"jsonl", "jsonl"},
		{"yaml", "yaml"},
		{"yml", "yaml"},
		{"md", "md"},
		{"markdown", "md"},
	}
	for _, tt := range tests {
		t.Run(tt.format, func(t *testing.T) {
			e, err := NewExporter(tt.format)
			require.NoError(t, err)
			assert.Equal(t, tt.ext, e.Extension())
		})
	}
}

func TestNewExporter_RejectsUnknownFormat(t *testing.T) {
	_, err := NewExporter("xml")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

// ============================================================
// Exporters
// ============================================================

func TestJSONExporter_RoundTrips(t *testing.T) {
	tr := sampleTranscript()
	var buf bytes.Buffer
	require.NoError(t, (&JSONExporter{}).Export(tr, &buf))

	var decoded Transcript
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, tr.SessionID, decoded.SessionID)
	assert.Equal(t, tr.Goal, decoded.Goal)
	require.Len(t, decoded.Entries, 4)
	assert.Equal(t, "src/lexer.go", decoded.Entries[1].Detail["path"])
	assert.True(t, tr.CreatedAt.Equal(decoded.CreatedAt))
}

func TestYAMLExporter_RoundTrips(t *testing.T) {
	tr := sampleTranscript()
	var buf bytes.Buffer
	require.NoError(t, (&YAMLExporter{}).Export(tr, &buf))

	var decoded Transcript
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, tr.SessionID, decoded.SessionID)
	require.Len(t, decoded.Entries, 4)
	assert.Equal(t, "intent", decoded.Entries[0].Type)
}

func TestJSONLExporter_OneLinePerEntry(t *testing.T) {
	tr := sampleTranscript()
	var buf bytes.Buffer
	require.NoError(t, (&JSONLExporter{}).Export(tr, &buf))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	require.Len(t, lines, 4)

	for _, line := range lines {
		var obj map[string]any
		require.NoError(t, json.Unmarshal([]byte(line), &obj))
		assert.Equal(t, tr.SessionID, obj["session_id"])
	}

	var first map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, float64(1), first["seq"])
	assert.Equal(t, "intent", first["type"])
}

func TestMarkdownExporter_RendersSections(t *testing.T) {
	tr := sampleTranscript()
	var buf bytes.Buffer
	require.NoError(t, (&MarkdownExporter{}).Export(tr, &buf))

	out := buf.String()
	want := []string{
		"# Session " + tr.SessionID,
		"**Goal:** refactor the parser",
		"**State:** open",
		"## Log",
		"**1 · intent**",
		"split the lexer out",
		"`src/lexer.go` (13 bytes, mode 0644)",
		"open -> landed (merged)",
	}
	for _, s := range want {
		assert.Contains(t, out, s)
	}
}

func TestMarkdownExporter_EscapesOutsideCodeBlocks(t *testing.T) {
	records := []*oplog.Record{
		{
			Seq: 1, Type: oplog.RecordIntent, Timestamp: exportBase.UnixNano(),
			Payload: (&oplog.IntentPayload{Text: "make it **bold**"}).Serialize(),
		},
		{
			Seq: 2, Type: oplog.RecordConversationEntry, Timestamp: exportBase.UnixNano(),
			Payload: (&oplog.ConversationEntryPayload{
				Role: "agent",
				Text: "```\n**verbatim**\n```",
			}).Serialize(),
		},
	}

	var buf bytes.Buffer
	tr := BuildTranscript(sampleMeta(), records)
	require.NoError(t, (&MarkdownExporter{}).Export(tr, &buf))

	out := buf.String()
	assert.Contains(t, out, `make it \*\*bold\*\*`)
	assert.Contains(t, out, "**verbatim**")
}

// ============================================================
// History export
// ============================================================

func sampleHistory() []HistoryEntry {
	events := []land.Event{
		{
			Position:     1,
			SessionID:    uuid.New(),
			AgentID:      uuid.New(),
			Partition:    "src",
			TreeHash:     hashing.Sum(hashing.DomainTree, []byte("one")),
			TouchedPaths: []string{"src/a.go"},
			LandedAt:     exportBase,
		},
		{
			Position:     2,
			SessionID:    uuid.New(),
			AgentID:      uuid.New(),
			Partition:    "docs",
			TreeHash:     hashing.Sum(hashing.DomainTree, []byte("two")),
			TouchedPaths: []string{"docs/readme.md", "docs/intro.md"},
			LandedAt:     exportBase.Add(time.Hour),
		},
	}
	return BuildHistory(events)
}

func TestBuildHistory_ConvertsEvents(t *testing.T) {
	entries := sampleHistory()
	require.Len(t, entries, 2)
	assert.Equal(t, uint64(1), entries[0].Position)
	assert.Equal(t, "src", entries[0].Partition)
	assert.Len(t, entries[1].TouchedPaths, 2)
}

func TestWriteHistory_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHistory(sampleHistory(), "json", &buf))

	var decoded []HistoryEntry
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, uint64(2), decoded[1].Position)
}

func TestWriteHistory_JSONL(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHistory(sampleHistory(), "jsonl", &buf))

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	assert.Len(t, lines, 2)
}

func TestWriteHistory_YAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHistory(sampleHistory(), "yaml", &buf))

	var decoded []HistoryEntry
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "docs", decoded[1].Partition)
}

func TestWriteHistory_Markdown(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteHistory(sampleHistory(), "md", &buf))

	out := buf.String()
	assert.Contains(t, out, "# Landing history")
	assert.Contains(t, out, "**Landings:** 2")
	assert.Contains(t, out, "| 1 | ")
	assert.Contains(t, out, "| docs |")
}

func TestWriteHistory_RejectsUnknownFormat(t *testing.T) {
	err := WriteHistory(sampleHistory(), "csv", &bytes.Buffer{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported format")
}

func TestShortID(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"f47ac10b-58cc-4372-a567-0e02b2c3d479", "f47ac10b"},
		{"abcdef0123456789abcdef", "abcdef012345"},
		{"short", "short"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, shortID(tt.in))
	}
}
