package oplog

import (
	"fmt"
	"os"
	"path/filepath"
)

// ReplayLogger receives warnings about data dropped during replay or
// recovery. *slog.Logger satisfies it.
type ReplayLogger interface {
	Warn(msg string, args ...any)
}

type noopLogger struct{}

func (noopLogger) Warn(string, ...any) {}

// ReplayStats summarizes one replay pass.
type ReplayStats struct {
	Segments     int
	Records      int
	DroppedBytes int64
	Truncated    bool
}

// scanResult describes one scanned segment.
type scanResult struct {
	records   []*Record
	validSize int64
	fileSize  int64
	tailErr   error
}

// scanSegment reads a segment and decodes frames until the first invalid
// one. Torn or corrupt tails are reported through tailErr; a wrong magic
// or an unreadable future format version is returned as a hard error.
func scanSegment(path string) (*scanResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read segment: %w", err)
	}

	res := &scanResult{fileSize: int64(len(data))}
	if len(data) < SegmentHeaderSize {
		res.tailErr = ErrTruncatedFrame
		return res, nil
	}
	if err := validateSegmentHeader(data); err != nil {
		return nil, err
	}

	offset := SegmentHeaderSize
	res.validSize = int64(offset)
	for offset < len(data) {
		rec, n, err := deserializeFrame(data[offset:])
		if err != nil {
			res.tailErr = err
			break
		}
		res.records = append(res.records, rec)
		offset += n
		res.validSize = int64(offset)
	}
	return res, nil
}

// Replay reads a session's segments in ordinal order, validates every
// frame's checksum, and returns the records with sequence numbers
// assigned from 1. Replay stops at the first invalid or truncated frame:
// everything after it is a crash-torn write to be discarded, not evidence
// that the rest of the log is bad. Authoritative session state is always
// reconstructable from this fold; on-disk indexes are only caches of it.
//
// Magic or version failures are fatal and returned as errors.
func Replay(dir string, logger ReplayLogger) ([]*Record, ReplayStats, error) {
	if logger == nil {
		logger = noopLogger{}
	}

	var stats ReplayStats
	segs, err := listSegments(dir)
	if err != nil {
		return nil, stats, err
	}
	if len(segs) == 0 {
		return nil, stats, ErrNoSegments
	}

	var records []*Record
	for i, s := range segs {
		res, err := scanSegment(s.path)
		if err != nil {
			return nil, stats, fmt.Errorf("segment %s: %w", filepath.Base(s.path), err)
		}
		stats.Segments++
		records = append(records, res.records...)
		stats.Records += len(res.records)

		if res.tailErr == nil {
			continue
		}

		stats.Truncated = true
		stats.DroppedBytes += res.fileSize - res.validSize
		logger.Warn("replay stopped at invalid frame",
			"segment", filepath.Base(s.path),
			"records_read", len(res.records),
			"bytes_dropped", res.fileSize-res.validSize,
			"reason", res.tailErr.Error())

		for _, later := range segs[i+1:] {
			info, statErr := os.Stat(later.path)
			if statErr == nil {
				stats.DroppedBytes += info.Size()
			}
			logger.Warn("segment unreachable past invalid frame",
				"segment", filepath.Base(later.path))
		}
		break
	}

	for i, rec := range records {
		rec.Seq = uint64(i + 1)
	}
	return records, stats, nil
}

// ReadSegment decodes a single segment file, stopping at the first invalid
// frame. Sequence numbers are positions within this segment only.
func ReadSegment(path string) ([]*Record, error) {
	res, err := scanSegment(path)
	if err != nil {
		return nil, err
	}
	for i, rec := range res.records {
		rec.Seq = uint64(i + 1)
	}
	return res.records, nil
}
