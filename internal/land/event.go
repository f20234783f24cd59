package land

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/google/uuid"

	"basin/internal/hashing"
)

// chainTag versions the event hash computation. Changing how an event
// hash is derived means changing the tag.
const chainTag = "basin-land-v1"

// Head is the content of main/head.json: the current global position
// and the tree it points at.
type Head struct {
	Position uint64       `json:"position"`
	TreeHash hashing.Hash `json:"tree_hash"`
}

// Event is one immutable land record, stored as
// main/history/<position>.json. Events form a hash chain through
// PrevHash, so history tampering is detectable.
type Event struct {
	Position     uint64       `json:"position"`
	TreeHash     hashing.Hash `json:"tree_hash"`
	SessionID    uuid.UUID    `json:"session_id"`
	AgentID      uuid.UUID    `json:"agent_id"`
	Partition    string       `json:"partition"`
	TouchedPaths []string     `json:"touched_paths,omitempty"`
	Filter       []byte       `json:"filter,omitempty"`
	LandedAt     time.Time    `json:"landed_at"`
	PrevHash     hashing.Hash `json:"prev_hash"`
	Hash         hashing.Hash `json:"hash"`
}

// computeHash hashes the event with its Hash field zeroed, prefixed by
// the chain tag.
func (e *Event) computeHash() (hashing.Hash, error) {
	unsealed := *e
	unsealed.Hash = hashing.Hash{}
	data, err := json.Marshal(&unsealed)
	if err != nil {
		return hashing.Hash{}, fmt.Errorf("encode land event: %w", err)
	}
	return hashing.Sum(hashing.DomainLand, append([]byte(chainTag), data...)), nil
}

// Seal links the event to its predecessor and stamps its own hash.
func (e *Event) Seal(prev hashing.Hash) error {
	e.PrevHash = prev
	h, err := e.computeHash()
	if err != nil {
		return err
	}
	e.Hash = h
	return nil
}

// VerifyHash recomputes the event hash and compares it to the stored
// one.
func (e *Event) VerifyHash() error {
	h, err := e.computeHash()
	if err != nil {
		return err
	}
	if h != e.Hash {
		return fmt.Errorf("land event %d: stored hash %s does not match computed %s",
			e.Position, e.Hash.Short(), h.Short())
	}
	return nil
}

func headPath(dir string) string {
	return filepath.Join(dir, "head.json")
}

// Initialized reports whether a head file exists under dir.
func Initialized(dir string) bool {
	_, err := os.Stat(headPath(dir))
	return err == nil
}

func historyDir(dir string) string {
	return filepath.Join(dir, "history")
}

func eventPath(dir string, position uint64) string {
	return filepath.Join(historyDir(dir), strconv.FormatUint(position, 10)+".json")
}

func readHead(dir string) (*Head, error) {
	data, err := os.ReadFile(headPath(dir))
	if err != nil {
		return nil, err
	}
	var head Head
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("decode head.json: %w", err)
	}
	return &head, nil
}

func writeHead(dir string, head *Head) error {
	data, err := json.MarshalIndent(head, "", "  ")
	if err != nil {
		return fmt.Errorf("encode head.json: %w", err)
	}
	return writeFileAtomic(dir, headPath(dir), data)
}

func readEvent(dir string, position uint64) (*Event, error) {
	data, err := os.ReadFile(eventPath(dir, position))
	if err != nil {
		return nil, err
	}
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, fmt.Errorf("decode land event %d: %w", position, err)
	}
	return &event, nil
}

func writeEvent(dir string, event *Event) error {
	data, err := json.MarshalIndent(event, "", "  ")
	if err != nil {
		return fmt.Errorf("encode land event: %w", err)
	}
	return writeFileAtomic(historyDir(dir), eventPath(dir, event.Position), data)
}

// loadEvents reads the full history in position order and checks it is
// gapless from position one.
func loadEvents(dir string) ([]*Event, error) {
	entries, err := os.ReadDir(historyDir(dir))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read history directory: %w", err)
	}

	positions := make([]uint64, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || filepath.Ext(name) != ".json" {
			continue
		}
		position, err := strconv.ParseUint(name[:len(name)-len(".json")], 10, 64)
		if err != nil {
			continue
		}
		positions = append(positions, position)
	}
	sort.Slice(positions, func(i, j int) bool { return positions[i] < positions[j] })

	events := make([]*Event, 0, len(positions))
	for i, position := range positions {
		if position != uint64(i)+1 {
			return nil, fmt.Errorf("history has a gap: expected position %d, found %d", i+1, position)
		}
		event, err := readEvent(dir, position)
		if err != nil {
			return nil, err
		}
		if event.Position != position {
			return nil, fmt.Errorf("land event file %d claims position %d", position, event.Position)
		}
		events = append(events, event)
	}
	return events, nil
}

// writeFileAtomic stages data in a temp file in dir and renames it over
// path, so readers never observe a torn file.
func writeFileAtomic(dir, path string, data []byte) error {
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("sync %s: %w", filepath.Base(path), err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("commit %s: %w", filepath.Base(path), err)
	}
	return nil
}
