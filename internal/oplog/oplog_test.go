package oplog

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test helpers

func createTestWriter(t *testing.T, opts Options) (*Writer, string) {
	t.Helper()
	dir := filepath.Join(t.TempDir(), "ops")

	w, err := OpenWriter(dir, opts)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	return w, dir
}

func appendN(t *testing.T, w *Writer, n int) {
	t.Helper()
	for i := 0; i < n; i++ {
		payload := []byte(fmt.Sprintf("record-%04d", i))
		seq, err := w.Append(newTestRecord(RecordFileWrite, payload))
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), seq)
	}
}

// =============================================================================
// Writer Tests
// =============================================================================

func TestWriter_AppendAssignsGaplessSequence(t *testing.T) {
	w, dir := createTestWriter(t, Options{})
	appendN(t, w, 25)

	assert.Equal(t, uint64(25), w.Seq())
	require.NoError(t, w.Close())

	records, stats, err := Replay(dir, nil)
	require.NoError(t, err)
	require.Len(t, records, 25)
	assert.False(t, stats.Truncated)

	for i, rec := range records {
		assert.Equal(t, uint64(i+1), rec.Seq)
		assert.Equal(t, []byte(fmt.Sprintf("record-%04d", i)), rec.Payload)
	}
}

func TestWriter_AppendAfterCloseFails(t *testing.T) {
	w, _ := createTestWriter(t, Options{})
	require.NoError(t, w.Close())

	_, err := w.Append(newTestRecord(RecordIntent, nil))
	assert.ErrorIs(t, err, ErrLogClosed)
}

func TestWriter_RejectsOversizedPayload(t *testing.T) {
	w, _ := createTestWriter(t, Options{})

	_, err := w.Append(newTestRecord(RecordFileWrite, make([]byte, MaxPayloadSize+1)))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)
}

func TestWriter_FillsZeroTimestamp(t *testing.T) {
	w, _ := createTestWriter(t, Options{})

	rec := newTestRecord(RecordIntent, []byte("note"))
	rec.Timestamp = 0
	_, err := w.Append(rec)
	require.NoError(t, err)
	assert.NotZero(t, rec.Timestamp)
}

func TestWriter_RolloverAtThreshold(t *testing.T) {
	w, dir := createTestWriter(t, Options{SegmentSize: 256})
	appendN(t, w, 20)

	assert.Greater(t, w.Ordinal(), 1)

	segs, err := listSegments(dir)
	require.NoError(t, err)
	assert.Greater(t, len(segs), 1)

	// Records replay across segments in append order.
	records, stats, err := Replay(dir, nil)
	require.NoError(t, err)
	require.Len(t, records, 20)
	assert.Equal(t, len(segs), stats.Segments)
	for i, rec := range records {
		assert.Equal(t, []byte(fmt.Sprintf("record-%04d", i)), rec.Payload)
	}
}

func TestWriter_OversizedRecordGetsOwnSegment(t *testing.T) {
	w, dir := createTestWriter(t, Options{SegmentSize: 128})

	// Larger than a whole segment: still appended, on its own.
	big := newTestRecord(RecordFileWrite, make([]byte, 512))
	_, err := w.Append(big)
	require.NoError(t, err)
	_, err = w.Append(newTestRecord(RecordFileWrite, []byte("after")))
	require.NoError(t, err)
	require.NoError(t, w.Close())

	records, _, err := Replay(dir, nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)
}

func TestWriter_ReopenContinuesSequence(t *testing.T) {
	w, dir := createTestWriter(t, Options{SegmentSize: 256})
	appendN(t, w, 10)
	require.NoError(t, w.Close())

	w2, err := OpenWriter(dir, Options{SegmentSize: 256})
	require.NoError(t, err)
	defer w2.Close()

	seq, err := w2.Append(newTestRecord(RecordIntent, []byte("resumed")))
	require.NoError(t, err)
	assert.Equal(t, uint64(11), seq)

	records, _, err := Replay(dir, nil)
	require.NoError(t, err)
	assert.Len(t, records, 11)
}

// =============================================================================
// Recovery Tests
// =============================================================================

func TestReplay_EmptyDirectory(t *testing.T) {
	_, _, err := Replay(t.TempDir(), nil)
	assert.ErrorIs(t, err, ErrNoSegments)
}

func TestReplay_CorruptedThirdRecordYieldsFirstTwo(t *testing.T) {
	w, dir := createTestWriter(t, Options{})
	appendN(t, w, 3)
	require.NoError(t, w.Close())

	// Corrupt the CRC of the third record: the trailing four bytes of the
	// only segment.
	path := filepath.Join(dir, segmentName(1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(path, data, 0600))

	records, stats, err := Replay(dir, nil)
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, []byte("record-0000"), records[0].Payload)
	assert.Equal(t, []byte("record-0001"), records[1].Payload)
	assert.True(t, stats.Truncated)
	assert.Greater(t, stats.DroppedBytes, int64(0))
}

func TestReplay_TornTailYieldsCompleteRecords(t *testing.T) {
	w, dir := createTestWriter(t, Options{})
	appendN(t, w, 2)
	require.NoError(t, w.Close())

	// Simulate a crash mid-append by writing half of a valid frame.
	frame := serializeFrame(newTestRecord(RecordFileWrite, []byte("torn away")))
	path := filepath.Join(dir, segmentName(1))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.Write(frame[:len(frame)/2])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, stats, err := Replay(dir, nil)
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.True(t, stats.Truncated)
}

func TestReplay_StopsAtBadFrameInEarlierSegment(t *testing.T) {
	w, dir := createTestWriter(t, Options{SegmentSize: 256})
	appendN(t, w, 20)
	require.NoError(t, w.Close())

	segs, err := listSegments(dir)
	require.NoError(t, err)
	require.Greater(t, len(segs), 2)

	// Flip a payload byte inside the second segment.
	data, err := os.ReadFile(segs[1].path)
	require.NoError(t, err)
	data[SegmentHeaderSize+10] ^= 0xFF
	require.NoError(t, os.WriteFile(segs[1].path, data, 0600))

	firstSeg, err := ReadSegment(segs[0].path)
	require.NoError(t, err)

	records, stats, err := Replay(dir, nil)
	require.NoError(t, err)
	assert.Len(t, records, len(firstSeg))
	assert.True(t, stats.Truncated)
}

func TestReplay_UnsupportedVersionFatal(t *testing.T) {
	w, dir := createTestWriter(t, Options{})
	appendN(t, w, 1)
	require.NoError(t, w.Close())

	path := filepath.Join(dir, segmentName(1))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	data[8] = 0xFF
	data[9] = 0xFF
	require.NoError(t, os.WriteFile(path, data, 0600))

	_, _, err = Replay(dir, nil)
	assert.ErrorIs(t, err, ErrUnsupportedVersion)

	_, err = OpenWriter(dir, Options{})
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestOpenWriter_TruncatesTornTail(t *testing.T) {
	w, dir := createTestWriter(t, Options{})
	appendN(t, w, 3)
	require.NoError(t, w.Close())

	path := filepath.Join(dir, segmentName(1))
	clean, err := os.ReadFile(path)
	require.NoError(t, err)

	frame := serializeFrame(newTestRecord(RecordFileWrite, []byte("partial")))
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0600)
	require.NoError(t, err)
	_, err = f.Write(frame[:20])
	require.NoError(t, err)
	require.NoError(t, f.Close())

	w2, err := OpenWriter(dir, Options{})
	require.NoError(t, err)
	defer w2.Close()

	// The torn bytes are gone and the file is back to its last valid state.
	after, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, clean, after)

	seq, err := w2.Append(newTestRecord(RecordFileWrite, []byte("recovered")))
	require.NoError(t, err)
	assert.Equal(t, uint64(4), seq)
}

func TestOpenWriter_DropsSegmentsPastCorruption(t *testing.T) {
	w, dir := createTestWriter(t, Options{SegmentSize: 256})
	appendN(t, w, 20)
	require.NoError(t, w.Close())

	segs, err := listSegments(dir)
	require.NoError(t, err)
	require.Greater(t, len(segs), 2)

	data, err := os.ReadFile(segs[0].path)
	require.NoError(t, err)
	data[len(data)-1] ^= 0xFF
	require.NoError(t, os.WriteFile(segs[0].path, data, 0600))

	firstSeg, err := ReadSegment(segs[0].path)
	require.NoError(t, err)
	kept := len(firstSeg)

	w2, err := OpenWriter(dir, Options{SegmentSize: 256})
	require.NoError(t, err)
	defer w2.Close()

	remaining, err := listSegments(dir)
	require.NoError(t, err)
	assert.Len(t, remaining, 1)

	seq, err := w2.Append(newTestRecord(RecordFileWrite, []byte("after recovery")))
	require.NoError(t, err)
	assert.Equal(t, uint64(kept+1), seq)

	records, _, err := Replay(dir, nil)
	require.NoError(t, err)
	assert.Len(t, records, kept+1)
}

func TestOpenWriter_RebuildsTornHeader(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "ops")
	require.NoError(t, os.MkdirAll(dir, 0700))

	// A creation torn before the header finished.
	path := filepath.Join(dir, segmentName(1))
	require.NoError(t, os.WriteFile(path, []byte("BAS"), 0600))

	w, err := OpenWriter(dir, Options{})
	require.NoError(t, err)
	defer w.Close()

	seq, err := w.Append(newTestRecord(RecordIntent, []byte("fresh start")))
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	records, _, err := Replay(dir, nil)
	require.NoError(t, err)
	assert.Len(t, records, 1)
}
