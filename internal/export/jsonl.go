package export

import (
	"encoding/json"
	"fmt"
	"io"
)

// JSONLExporter writes one JSON object per log entry, each carrying the
// session id so lines stay self-contained when shipped elsewhere.
type JSONLExporter struct{}

// Export writes t to w.
func (e *JSONLExporter) Export(t *Transcript, w io.Writer) error {
	enc := json.NewEncoder(w)
	for _, entry := range t.Entries {
		obj := map[string]any{
			"session_id": t.SessionID,
			"seq":        entry.Seq,
			"type":       entry.Type,
			"logged_at":  entry.LoggedAt,
		}
		if len(entry.Detail) > 0 {
			obj["detail"] = entry.Detail
		}
		if err := enc.Encode(obj); err != nil {
			return fmt.Errorf("encoding entry %d: %w", entry.Seq, err)
		}
	}
	return nil
}

// Extension returns the file extension for this format.
func (e *JSONLExporter) Extension() string {
	return "jsonl"
}
