package oplog

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultSegmentSize is the rollover threshold when none is configured.
const DefaultSegmentSize = 4 << 20

// Options configures a Writer.
type Options struct {
	// SegmentSize is the size threshold at which the active segment is
	// closed and a new one opened. Zero means DefaultSegmentSize.
	SegmentSize int64

	// SyncOnAppend forces the segment durable after every append instead
	// of only at segment boundaries and close.
	SyncOnAppend bool

	// Logger receives warnings about data dropped during recovery.
	// Nil means discard.
	Logger ReplayLogger
}

// Writer appends framed records to a session's segment files. A session's
// log has exactly one writer; appends never rewrite prior bytes.
type Writer struct {
	mu      sync.Mutex
	dir     string
	opts    Options
	file    *os.File
	ordinal int
	size    int64
	seq     uint64
	closed  bool

	compactMu sync.Mutex
}

type segment struct {
	ordinal int
	path    string
}

func segmentName(ordinal int) string {
	return fmt.Sprintf("segment-%04d.log", ordinal)
}

func segmentOrdinal(name string) (int, bool) {
	if !strings.HasPrefix(name, "segment-") || !strings.HasSuffix(name, ".log") {
		return 0, false
	}
	digits := strings.TrimSuffix(strings.TrimPrefix(name, "segment-"), ".log")
	if len(digits) < 4 {
		return 0, false
	}
	n, err := strconv.Atoi(digits)
	if err != nil || n < 1 {
		return 0, false
	}
	return n, true
}

// listSegments returns the directory's segment files ordered by ordinal.
// Ordinals may have gaps after compaction; only the order matters.
func listSegments(dir string) ([]segment, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list segments: %w", err)
	}
	var segs []segment
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if n, ok := segmentOrdinal(e.Name()); ok {
			segs = append(segs, segment{ordinal: n, path: filepath.Join(dir, e.Name())})
		}
	}
	sort.Slice(segs, func(i, j int) bool { return segs[i].ordinal < segs[j].ordinal })
	return segs, nil
}

// OpenWriter opens the log in dir for appending, creating it if needed.
// Recovery runs first: an interrupted compaction is completed or rolled
// back, then a crash-torn tail is truncated at the last valid record and
// any segments past the truncation point are removed.
func OpenWriter(dir string, opts Options) (*Writer, error) {
	if opts.SegmentSize <= 0 {
		opts.SegmentSize = DefaultSegmentSize
	}
	if opts.Logger == nil {
		opts.Logger = noopLogger{}
	}

	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	if err := recoverCompaction(dir, opts.Logger); err != nil {
		return nil, err
	}

	segs, err := listSegments(dir)
	if err != nil {
		return nil, err
	}

	w := &Writer{dir: dir, opts: opts}
	if len(segs) == 0 {
		if err := w.openSegment(1); err != nil {
			return nil, err
		}
		return w, nil
	}
	if err := w.recover(segs); err != nil {
		return nil, err
	}
	return w, nil
}

// recover scans every segment in order, counting records toward the next
// sequence number. The first torn or corrupt frame truncates the log:
// the segment is cut back to its last valid record and all later segments
// are removed, since nothing after the bad frame can be trusted.
func (w *Writer) recover(segs []segment) error {
	var seq uint64
	for i := 0; i < len(segs); i++ {
		s := segs[i]
		res, err := scanSegment(s.path)
		if err != nil {
			return fmt.Errorf("segment %s: %w", filepath.Base(s.path), err)
		}
		seq += uint64(len(res.records))
		if res.tailErr == nil {
			continue
		}

		w.opts.Logger.Warn("truncating log at last valid record",
			"segment", filepath.Base(s.path),
			"records_kept", len(res.records),
			"bytes_dropped", res.fileSize-res.validSize,
			"reason", res.tailErr.Error())
		if err := os.Truncate(s.path, res.validSize); err != nil {
			return fmt.Errorf("truncate segment: %w", err)
		}
		for _, later := range segs[i+1:] {
			w.opts.Logger.Warn("removing segment past truncation point",
				"segment", filepath.Base(later.path))
			if err := os.Remove(later.path); err != nil {
				return fmt.Errorf("remove segment: %w", err)
			}
		}
		segs = segs[:i+1]
		break
	}

	last := segs[len(segs)-1]
	f, err := os.OpenFile(last.path, os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat segment: %w", err)
	}
	size := info.Size()
	if size < SegmentHeaderSize {
		// Creation was torn before the header landed. Start the segment
		// over; it held no records.
		if err := f.Truncate(0); err != nil {
			f.Close()
			return fmt.Errorf("reset segment: %w", err)
		}
		if _, err := f.Write(encodeSegmentHeader()); err != nil {
			f.Close()
			return fmt.Errorf("write segment header: %w", err)
		}
		size = SegmentHeaderSize
	}

	w.file = f
	w.ordinal = last.ordinal
	w.size = size
	w.seq = seq
	return nil
}

// openSegment creates a fresh segment file with its header synced.
func (w *Writer) openSegment(ordinal int) error {
	path := filepath.Join(w.dir, segmentName(ordinal))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("create segment: %w", err)
	}
	if _, err := f.Write(encodeSegmentHeader()); err != nil {
		f.Close()
		return fmt.Errorf("write segment header: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync segment header: %w", err)
	}
	w.file = f
	w.ordinal = ordinal
	w.size = SegmentHeaderSize
	return nil
}

// Append assigns the next sequence number, serializes the record's frame,
// and writes it with a single append. The record's Seq is set on success;
// a zero Timestamp is filled with the current time.
func (w *Writer) Append(rec *Record) (uint64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, ErrLogClosed
	}
	if len(rec.Payload) > MaxPayloadSize {
		return 0, ErrPayloadTooLarge
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixNano()
	}

	frame := serializeFrame(rec)
	if w.size+int64(len(frame)) > w.opts.SegmentSize && w.size > SegmentHeaderSize {
		if err := w.rollover(); err != nil {
			return 0, err
		}
	}

	if _, err := w.file.Write(frame); err != nil {
		return 0, fmt.Errorf("append record: %w", err)
	}
	w.size += int64(len(frame))

	if w.opts.SyncOnAppend {
		if err := w.file.Sync(); err != nil {
			return 0, fmt.Errorf("sync segment: %w", err)
		}
	}

	w.seq++
	rec.Seq = w.seq
	return w.seq, nil
}

// rollover seals the active segment and opens the next one. The sealed
// segment is forced durable before the switch.
func (w *Writer) rollover() error {
	if err := w.file.Sync(); err != nil {
		return fmt.Errorf("sync segment: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close segment: %w", err)
	}
	return w.openSegment(w.ordinal + 1)
}

// Sync forces the active segment durable.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrLogClosed
	}
	return w.file.Sync()
}

// Seq returns the last assigned sequence number.
func (w *Writer) Seq() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// Ordinal returns the active segment's ordinal.
func (w *Writer) Ordinal() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.ordinal
}

// Dir returns the log directory.
func (w *Writer) Dir() string {
	return w.dir
}

// Close syncs and closes the active segment. Further appends fail with
// ErrLogClosed.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.file.Sync(); err != nil {
		w.file.Close()
		return fmt.Errorf("sync segment: %w", err)
	}
	return w.file.Close()
}
