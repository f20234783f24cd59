package export

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"basin/internal/land"
)

// HistoryEntry is the exportable view of one landing event.
type HistoryEntry struct {
	Position     uint64    `json:"position" yaml:"position"`
	SessionID    string    `json:"session_id" yaml:"session_id"`
	AgentID      string    `json:"agent_id" yaml:"agent_id"`
	Partition    string    `json:"partition" yaml:"partition"`
	TreeHash     string    `json:"tree_hash" yaml:"tree_hash"`
	TouchedPaths []string  `json:"touched_paths,omitempty" yaml:"touched_paths,omitempty"`
	LandedAt     time.Time `json:"landed_at" yaml:"landed_at"`
}

// BuildHistory converts landing events into export entries.
func BuildHistory(events []land.Event) []HistoryEntry {
	entries := make([]HistoryEntry, 0, len(events))
	for _, ev := range events {
		entries = append(entries, HistoryEntry{
			Position:     ev.Position,
			SessionID:    ev.SessionID.String(),
			AgentID:      ev.AgentID.String(),
			Partition:    ev.Partition,
			TreeHash:     ev.TreeHash.String(),
			TouchedPaths: ev.TouchedPaths,
			LandedAt:     ev.LandedAt,
		})
	}
	return entries
}

// WriteHistory renders the entries in the named format.
func WriteHistory(entries []HistoryEntry, format string, w io.Writer) error {
	switch format {
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(entries)
	case "jsonl":
		enc := json.NewEncoder(w)
		for _, entry := range entries {
			if err := enc.Encode(entry); err != nil {
				return fmt.Errorf("encoding position %d: %w", entry.Position, err)
			}
		}
		return nil
	case "yaml", "yml":
		enc := yaml.NewEncoder(w)
		defer func() { _ = enc.Close() }()
		return enc.Encode(entries)
	case "md", "markdown":
		return writeHistoryMarkdown(entries, w)
	default:
		return fmt.Errorf("unsupported format: %s (supported: json, jsonl, yaml, md)", format)
	}
}

func writeHistoryMarkdown(entries []HistoryEntry, w io.Writer) error {
	_, _ = fmt.Fprintf(w, "# Landing history\n\n")
	_, _ = fmt.Fprintf(w, "**Landings:** %d\n\n", len(entries))
	if len(entries) == 0 {
		return nil
	}
	_, _ = fmt.Fprintf(w, "| Position | Session | Partition | Landed at | Paths | Tree |\n")
	_, _ = fmt.Fprintf(w, "|---|---|---|---|---|---|\n")
	for _, entry := range entries {
		_, _ = fmt.Fprintf(w, "| %d | `%s` | %s | %s | %d | `%s` |\n",
			entry.Position,
			shortID(entry.SessionID),
			entry.Partition,
			entry.LandedAt.Format(time.RFC3339),
			len(entry.TouchedPaths),
			shortID(entry.TreeHash),
		)
	}
	return nil
}

// shortID trims identifiers to a readable prefix for table cells.
func shortID(s string) string {
	if i := strings.IndexByte(s, '-'); i > 0 && i <= 12 {
		return s[:i]
	}
	if len(s) > 12 {
		return s[:12]
	}
	return s
}
