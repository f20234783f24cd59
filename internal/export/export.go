// Package export renders session transcripts and landing history in
// interchange formats. Exporters write to an io.Writer so callers
// choose the destination.
package export

import (
	"fmt"
	"io"
	"time"

	"basin/internal/oplog"
	"basin/internal/session"
)

// Transcript is the exportable view of one session: its metadata and
// the decoded operation log.
type Transcript struct {
	SessionID    string    `json:"session_id" yaml:"session_id"`
	Goal         string    `json:"goal" yaml:"goal"`
	Owner        string    `json:"owner" yaml:"owner"`
	State        string    `json:"state" yaml:"state"`
	BasePosition uint64    `json:"base_position" yaml:"base_position"`
	BaseTree     string    `json:"base_tree" yaml:"base_tree"`
	CreatedAt    time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt    time.Time `json:"updated_at" yaml:"updated_at"`
	Entries      []Entry   `json:"entries" yaml:"entries"`
}

// Entry is one decoded record of the session log.
type Entry struct {
	Seq      uint64         `json:"seq" yaml:"seq"`
	Type     string         `json:"type" yaml:"type"`
	LoggedAt time.Time      `json:"logged_at" yaml:"logged_at"`
	Detail   map[string]any `json:"detail,omitempty" yaml:"detail,omitempty"`
}

// BuildTranscript decodes a session's records into a Transcript.
// Records whose payload cannot be decoded keep their place with the
// decode error in the detail map.
func BuildTranscript(meta session.Meta, records []*oplog.Record) *Transcript {
	t := &Transcript{
		SessionID:    meta.ID.String(),
		Goal:         meta.Goal,
		Owner:        meta.Owner.String(),
		State:        string(meta.State),
		BasePosition: meta.BasePosition,
		BaseTree:     meta.BaseTree.String(),
		CreatedAt:    meta.CreatedAt,
		UpdatedAt:    meta.UpdatedAt,
		Entries:      make([]Entry, 0, len(records)),
	}
	for _, rec := range records {
		t.Entries = append(t.Entries, Entry{
			Seq:      rec.Seq,
			Type:     rec.Type.String(),
			LoggedAt: time.Unix(0, rec.Timestamp).UTC(),
			Detail:   decodeDetail(rec),
		})
	}
	return t
}

func decodeDetail(rec *oplog.Record) map[string]any {
	switch rec.Type {
	case oplog.RecordFileWrite:
		p, err := oplog.DeserializeFileWrite(rec.Payload)
		if err != nil {
			return decodeError(rec, err)
		}
		return map[string]any{
			"path":      p.Path,
			"blob_hash": p.BlobHash.String(),
			"size":      p.Size,
			"mode":      fmt.Sprintf("%04o", p.Mode),
		}
	case oplog.RecordFileDelete:
		p, err := oplog.DeserializeFileDelete(rec.Payload)
		if err != nil {
			return decodeError(rec, err)
		}
		return map[string]any{"path": p.Path}
	case oplog.RecordIntent:
		p, err := oplog.DeserializeIntent(rec.Payload)
		if err != nil {
			return decodeError(rec, err)
		}
		return map[string]any{"text": p.Text}
	case oplog.RecordDecision:
		p, err := oplog.DeserializeDecision(rec.Payload)
		if err != nil {
			return decodeError(rec, err)
		}
		return map[string]any{"text": p.Text, "rationale": p.Rationale}
	case oplog.RecordConversationEntry:
		p, err := oplog.DeserializeConversationEntry(rec.Payload)
		if err != nil {
			return decodeError(rec, err)
		}
		return map[string]any{"role": p.Role, "text": p.Text}
	case oplog.RecordStateChange:
		p, err := oplog.DeserializeStateChange(rec.Payload)
		if err != nil {
			return decodeError(rec, err)
		}
		return map[string]any{"from": p.From, "to": p.To, "reason": p.Reason}
	case oplog.RecordCheckpoint:
		p, err := oplog.DeserializeCheckpoint(rec.Payload)
		if err != nil {
			return decodeError(rec, err)
		}
		return map[string]any{"tree_hash": p.TreeHash.String(), "note": p.Note}
	default:
		return map[string]any{"payload_bytes": len(rec.Payload)}
	}
}

func decodeError(rec *oplog.Record, err error) map[string]any {
	return map[string]any{
		"decode_error":  err.Error(),
		"payload_bytes": len(rec.Payload),
	}
}

// Exporter renders a transcript in one output format.
type Exporter interface {
	Export(t *Transcript, w io.Writer) error
	Extension() string
}

// NewExporter returns the exporter for a format name.
func NewExporter(format string) (Exporter, error) {
	switch format {
	case "json":
		return &JSONExporter{}, nil
	case "jsonl":
		return &JSONLExporter{}, nil
	case "yaml", "yml":
		return &YAMLExporter{}, nil
	case "md", "markdown":
		return &MarkdownExporter{}, nil
	default:
		return nil, fmt.Errorf("unsupported format: %s (supported: json, jsonl, yaml, md)", format)
	}
}

// Formats lists the supported format names.
func Formats() []string {
	return []string{"json", "jsonl", "yaml", "md"}
}
