package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/google/uuid"

	"basin/internal/oplog"
)

const (
	searchDocType = "record"

	// DefaultSearchLimit caps result counts when the caller passes none.
	DefaultSearchLimit = 10
)

// SearchHit is one full-text match from the narrative index.
type SearchHit struct {
	SessionID uuid.UUID
	Seq       uint64
	Type      string
	Text      string
	LoggedAt  time.Time
	Score     float64
}

// searchIndex is the bleve side of the index: full-text over intent,
// decision and conversation-entry records.
type searchIndex struct {
	idx bleve.Index
}

// openSearchIndex opens or creates the bleve index. Anything unreadable
// is removed and recreated, since the contents are rebuildable.
func openSearchIndex(path string, logger *slog.Logger) (*searchIndex, error) {
	idx, err := bleve.Open(path)
	if err == nil {
		return &searchIndex{idx: idx}, nil
	}
	if !errors.Is(err, bleve.ErrorIndexPathDoesNotExist) {
		logger.Warn("search index unreadable, recreating", "path", path, "error", err)
		if err := os.RemoveAll(path); err != nil {
			return nil, fmt.Errorf("remove unreadable search index: %w", err)
		}
	}
	idx, err = bleve.New(path, buildSearchMapping())
	if err != nil {
		return nil, fmt.Errorf("create search index: %w", err)
	}
	return &searchIndex{idx: idx}, nil
}

// buildSearchMapping defines the static document schema: exact-match
// session and type fields, analyzed text, stored timestamp and seq.
func buildSearchMapping() *mapping.IndexMappingImpl {
	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name
	keywordField.Store = true
	keywordField.IncludeInAll = false

	textField := bleve.NewTextFieldMapping()
	textField.Store = true

	timeField := bleve.NewTextFieldMapping()
	timeField.Analyzer = keyword.Name
	timeField.Store = true
	timeField.Index = false
	timeField.IncludeInAll = false

	numField := bleve.NewNumericFieldMapping()
	numField.Store = true
	numField.IncludeInAll = false

	doc := bleve.NewDocumentMapping()
	doc.Dynamic = false
	doc.AddFieldMappingsAt("session", keywordField)
	doc.AddFieldMappingsAt("type", keywordField)
	doc.AddFieldMappingsAt("text", textField)
	doc.AddFieldMappingsAt("timestamp", timeField)
	doc.AddFieldMappingsAt("seq", numField)

	m := bleve.NewIndexMapping()
	m.DefaultType = searchDocType
	m.DefaultMapping.Dynamic = false
	m.AddDocumentMapping(searchDocType, doc)
	return m
}

func (s *searchIndex) close() error {
	if s.idx == nil {
		return nil
	}
	return s.idx.Close()
}

// add indexes one narrative record under "<session>/<seq>".
func (s *searchIndex) add(sessionID uuid.UUID, rec *oplog.Record, text string) error {
	doc := map[string]interface{}{
		"session":   sessionID.String(),
		"type":      rec.Type.String(),
		"text":      text,
		"timestamp": time.Unix(0, rec.Timestamp).UTC().Format(time.RFC3339Nano),
		"seq":       rec.Seq,
	}
	id := fmt.Sprintf("%s/%d", sessionID, rec.Seq)
	if err := s.idx.Index(id, doc); err != nil {
		return fmt.Errorf("index record %d of session %s: %w", rec.Seq, sessionID, err)
	}
	return nil
}

// query runs a bleve query-string search and decodes the stored fields.
func (s *searchIndex) query(ctx context.Context, queryStr string, limit int) ([]SearchHit, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}

	q := bleve.NewQueryStringQuery(queryStr)
	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Fields = []string{"session", "type", "text", "timestamp", "seq"}

	result, err := s.idx.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	hits := make([]SearchHit, 0, len(result.Hits))
	for _, hit := range result.Hits {
		h := SearchHit{Score: hit.Score}
		if v, ok := hit.Fields["session"].(string); ok {
			if id, err := uuid.Parse(v); err == nil {
				h.SessionID = id
			}
		}
		if v, ok := hit.Fields["type"].(string); ok {
			h.Type = v
		}
		if v, ok := hit.Fields["text"].(string); ok {
			h.Text = v
		}
		if v, ok := hit.Fields["timestamp"].(string); ok {
			if ts, err := time.Parse(time.RFC3339Nano, v); err == nil {
				h.LoggedAt = ts
			}
		}
		if v, ok := hit.Fields["seq"].(float64); ok {
			h.Seq = uint64(v)
		}
		hits = append(hits, h)
	}
	return hits, nil
}

func (s *searchIndex) count() (uint64, error) {
	n, err := s.idx.DocCount()
	if err != nil {
		return 0, fmt.Errorf("count documents: %w", err)
	}
	return n, nil
}

// narrativeText extracts the searchable text of a record. The second
// return is false for record types the search index does not cover.
func narrativeText(rec *oplog.Record) (string, bool, error) {
	switch rec.Type {
	case oplog.RecordIntent:
		p, err := oplog.DeserializeIntent(rec.Payload)
		if err != nil {
			return "", true, err
		}
		return p.Text, true, nil
	case oplog.RecordDecision:
		p, err := oplog.DeserializeDecision(rec.Payload)
		if err != nil {
			return "", true, err
		}
		if p.Rationale != "" {
			return p.Text + "\n" + p.Rationale, true, nil
		}
		return p.Text, true, nil
	case oplog.RecordConversationEntry:
		p, err := oplog.DeserializeConversationEntry(rec.Payload)
		if err != nil {
			return "", true, err
		}
		return p.Text, true, nil
	}
	return "", false, nil
}
