package export

import (
	"fmt"
	"io"
	"strings"
	"time"
)

// MarkdownExporter writes the transcript as a readable document.
type MarkdownExporter struct{}

// Export writes t to w.
func (e *MarkdownExporter) Export(t *Transcript, w io.Writer) error {
	_, _ = fmt.Fprintf(w, "# Session %s\n\n", t.SessionID)
	if t.Goal != "" {
		_, _ = fmt.Fprintf(w, "**Goal:** %s  \n", escapeMarkdown(t.Goal))
	}
	_, _ = fmt.Fprintf(w, "**Owner:** %s  \n", t.Owner)
	_, _ = fmt.Fprintf(w, "**State:** %s  \n", t.State)
	_, _ = fmt.Fprintf(w, "**Base position:** %d  \n", t.BasePosition)
	_, _ = fmt.Fprintf(w, "**Entries:** %d\n\n", len(t.Entries))

	_, _ = fmt.Fprintf(w, "---\n\n")
	_, _ = fmt.Fprintf(w, "## Log\n\n")

	for i, entry := range t.Entries {
		_, _ = fmt.Fprintf(w, "**%d · %s** (%s)\n\n", entry.Seq, entry.Type,
			entry.LoggedAt.Format(time.RFC3339))

		if body := entryBody(entry); body != "" {
			_, _ = fmt.Fprintf(w, "%s\n\n", body)
		}

		if i < len(t.Entries)-1 {
			_, _ = fmt.Fprintf(w, "---\n\n")
		}
	}
	return nil
}

// entryBody renders the decoded detail of one entry. File operations
// become single summary lines, free-text records keep their text.
func entryBody(entry Entry) string {
	d := entry.Detail
	switch entry.Type {
	case "file-write":
		return fmt.Sprintf("`%v` (%v bytes, mode %v)  \nblob `%v`",
			d["path"], d["size"], d["mode"], d["blob_hash"])
	case "file-delete":
		return fmt.Sprintf("deleted `%v`", d["path"])
	case "intent":
		return escapeMarkdown(str(d["text"]))
	case "decision":
		body := escapeMarkdown(str(d["text"]))
		if r := str(d["rationale"]); r != "" {
			body += "\n\n*Rationale:* " + escapeMarkdown(r)
		}
		return body
	case "conversation-entry":
		return fmt.Sprintf("*%v:* %s", d["role"], escapeMarkdown(str(d["text"])))
	case "state-change":
		body := fmt.Sprintf("%v -> %v", d["from"], d["to"])
		if r := str(d["reason"]); r != "" {
			body += " (" + r + ")"
		}
		return body
	case "checkpoint":
		body := fmt.Sprintf("tree `%v`", d["tree_hash"])
		if n := str(d["note"]); n != "" {
			body += "  \n" + escapeMarkdown(n)
		}
		return body
	default:
		if msg := str(d["decode_error"]); msg != "" {
			return "*undecodable payload: " + msg + "*"
		}
		return ""
	}
}

func str(v any) string {
	s, _ := v.(string)
	return s
}

// escapeMarkdown neutralizes emphasis markers outside fenced code
// blocks so captured text cannot reshape the document.
func escapeMarkdown(text string) string {
	lines := strings.Split(text, "\n")
	var result []string
	inCodeBlock := false

	for _, line := range lines {
		if strings.HasPrefix(line, "```") {
			inCodeBlock = !inCodeBlock
			result = append(result, line)
		} else if inCodeBlock {
			result = append(result, line)
		} else {
			line = strings.ReplaceAll(line, "**", "\\*\\*")
			line = strings.ReplaceAll(line, "__", "\\_\\_")
			result = append(result, line)
		}
	}
	return strings.Join(result, "\n")
}

// Extension returns the file extension for this format.
func (e *MarkdownExporter) Extension() string {
	return "md"
}
