package oplog

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

const (
	journalName   = "compaction.json"
	compactSuffix = ".compact"
)

// compactionJournal records an in-flight compaction so an interrupted one
// can be completed or rolled back on the next open. The rename of the
// merged temp file over the target segment is the commit point; the
// journal's MergedSize tells recovery which side of it the crash was on.
type compactionJournal struct {
	Into       int   `json:"into"`
	Merged     []int `json:"merged"`
	MergedSize int64 `json:"merged_size"`
}

// Compact merges all closed segments into one equivalent segment under the
// lowest closed ordinal, reducing file count without changing the replayed
// record sequence. The active segment is never touched, so compaction runs
// concurrently with appends.
func (w *Writer) Compact() error {
	w.compactMu.Lock()
	defer w.compactMu.Unlock()

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrLogClosed
	}
	active := w.ordinal
	w.mu.Unlock()

	segs, err := listSegments(w.dir)
	if err != nil {
		return err
	}
	var closed []segment
	for _, s := range segs {
		if s.ordinal < active {
			closed = append(closed, s)
		}
	}
	if len(closed) < 2 {
		return nil
	}

	// Re-serializing scanned records reproduces their frames byte for
	// byte, so the merged segment replays identically to the originals.
	merged := encodeSegmentHeader()
	mergedOrdinals := make([]int, 0, len(closed)-1)
	for _, s := range closed {
		res, err := scanSegment(s.path)
		if err != nil {
			return fmt.Errorf("segment %s: %w", filepath.Base(s.path), err)
		}
		if res.tailErr != nil {
			return fmt.Errorf("segment %s: %w", filepath.Base(s.path), res.tailErr)
		}
		for _, rec := range res.records {
			merged = append(merged, serializeFrame(rec)...)
		}
		if s.ordinal != closed[0].ordinal {
			mergedOrdinals = append(mergedOrdinals, s.ordinal)
		}
	}

	target := closed[0]
	tempPath := target.path + compactSuffix
	if err := writeFileSynced(tempPath, merged); err != nil {
		return fmt.Errorf("write merged segment: %w", err)
	}

	journal := compactionJournal{
		Into:       target.ordinal,
		Merged:     mergedOrdinals,
		MergedSize: int64(len(merged)),
	}
	journalData, err := json.Marshal(journal)
	if err != nil {
		return fmt.Errorf("encode compaction journal: %w", err)
	}
	journalPath := filepath.Join(w.dir, journalName)
	if err := writeFileSynced(journalPath, journalData); err != nil {
		return fmt.Errorf("write compaction journal: %w", err)
	}

	if err := os.Rename(tempPath, target.path); err != nil {
		return fmt.Errorf("commit merged segment: %w", err)
	}
	for _, ordinal := range mergedOrdinals {
		if err := removeIfExists(filepath.Join(w.dir, segmentName(ordinal))); err != nil {
			return err
		}
	}
	return removeIfExists(journalPath)
}

// recoverCompaction finishes or rolls back a compaction interrupted by a
// crash. Without a journal, stray temp files are leftovers from before the
// journal write and are simply removed.
func recoverCompaction(dir string, logger ReplayLogger) error {
	journalPath := filepath.Join(dir, journalName)
	data, err := os.ReadFile(journalPath)
	if errors.Is(err, os.ErrNotExist) {
		return removeCompactTemps(dir)
	}
	if err != nil {
		return fmt.Errorf("read compaction journal: %w", err)
	}

	var journal compactionJournal
	if err := json.Unmarshal(data, &journal); err != nil {
		// An unreadable journal means the journal write itself was torn,
		// which precedes the commit point. Originals are intact.
		logger.Warn("discarding torn compaction journal")
		if err := removeCompactTemps(dir); err != nil {
			return err
		}
		return removeIfExists(journalPath)
	}

	targetPath := filepath.Join(dir, segmentName(journal.Into))
	info, err := os.Stat(targetPath)
	committed := err == nil && info.Size() == journal.MergedSize

	if committed {
		logger.Warn("completing interrupted compaction",
			"into", segmentName(journal.Into),
			"merged_segments", len(journal.Merged))
		for _, ordinal := range journal.Merged {
			if err := removeIfExists(filepath.Join(dir, segmentName(ordinal))); err != nil {
				return err
			}
		}
	} else {
		logger.Warn("rolling back interrupted compaction",
			"into", segmentName(journal.Into))
	}
	if err := removeCompactTemps(dir); err != nil {
		return err
	}
	return removeIfExists(journalPath)
}

func removeCompactTemps(dir string) error {
	temps, err := filepath.Glob(filepath.Join(dir, "*"+compactSuffix))
	if err != nil {
		return fmt.Errorf("list compaction temps: %w", err)
	}
	for _, p := range temps {
		if err := removeIfExists(p); err != nil {
			return err
		}
	}
	return nil
}

func removeIfExists(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", filepath.Base(path), err)
	}
	return nil
}

// writeFileSynced writes data to path and forces it durable before
// returning.
func writeFileSynced(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
