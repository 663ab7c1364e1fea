package sstables

import (
	"encoding/binary"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// chunkedStream is a test-only InputStream that replays a fixed sequence
// of chunks, then signals end of stream.
type chunkedStream struct {
	chunks [][]byte
	i      int
}

func (s *chunkedStream) NextChunk() ([]byte, error) {
	if s.i >= len(s.chunks) {
		return nil, nil
	}
	c := s.chunks[s.i]
	s.i++
	return c, nil
}

// splitChunks slices data into pieces of at most size bytes each, the
// worst-case input shape for the chunk-invariance property (spec §8,
// property 1).
func splitChunks(data []byte, size int) [][]byte {
	var out [][]byte
	for len(data) > 0 {
		n := size
		if n > len(data) {
			n = len(data)
		}
		out = append(out, data[:n])
		data = data[n:]
	}
	return out
}

func beU16(v uint16) []byte {
	b := make([]byte, 2)
	binary.BigEndian.PutUint16(b, v)
	return b
}

func beU32(v uint32) []byte {
	b := make([]byte, 4)
	binary.BigEndian.PutUint32(b, v)
	return b
}

func beU64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func shortBytes(b []byte) []byte {
	return append(beU16(uint16(len(b))), b...)
}

// legacyRowBytes builds a complete legacy-format row: header, the given
// already-encoded atoms, and the terminating zero-length atom name.
func legacyRowBytes(key []byte, deltime DeletionTime, atoms ...[]byte) []byte {
	out := append([]byte{}, shortBytes(key)...)
	out = append(out, beU32(deltime.LocalDeletionTime)...)
	out = append(out, beU64(uint64(deltime.MarkedForDeleteAt))...)
	for _, a := range atoms {
		out = append(out, a...)
	}
	out = append(out, beU16(0)...) // terminating zero-length atom name
	return out
}

func legacyCellAtom(name []byte, mask ColumnMask, timestamp int64, value []byte) []byte {
	out := append([]byte{}, shortBytes(name)...)
	out = append(out, byte(mask))
	out = append(out, beU64(uint64(timestamp))...)
	out = append(out, beU32(uint32(len(value)))...)
	out = append(out, value...)
	return out
}

func legacyCounterAtom(name []byte, timestamp int64, value []byte) []byte {
	out := append([]byte{}, shortBytes(name)...)
	out = append(out, byte(ColumnMaskCounter))
	out = append(out, beU64(0)...) // discarded timestamp-of-last-deletion
	out = append(out, beU64(uint64(timestamp))...)
	out = append(out, beU32(uint32(len(value)))...)
	out = append(out, value...)
	return out
}

func legacyExpiringAtom(name []byte, ttl, expiration uint32, timestamp int64, value []byte) []byte {
	out := append([]byte{}, shortBytes(name)...)
	out = append(out, byte(ColumnMaskExpiration))
	out = append(out, beU32(ttl)...)
	out = append(out, beU32(expiration)...)
	out = append(out, beU64(uint64(timestamp))...)
	out = append(out, beU32(uint32(len(value)))...)
	out = append(out, value...)
	return out
}

func legacyDeletedAtom(name []byte, timestamp int64, deltime DeletionTime) []byte {
	out := append([]byte{}, shortBytes(name)...)
	out = append(out, byte(ColumnMaskDeletion))
	out = append(out, beU64(uint64(timestamp))...)
	out = append(out, beU32(4)...)
	out = append(out, beU32(deltime.LocalDeletionTime)...)
	return out
}

func legacyRangeTombstoneAtom(start, end []byte, deltime DeletionTime) []byte {
	out := append([]byte{}, shortBytes(start)...)
	out = append(out, byte(ColumnMaskRangeTombstone))
	out = append(out, shortBytes(end)...)
	out = append(out, beU32(deltime.LocalDeletionTime)...)
	out = append(out, beU64(uint64(deltime.MarkedForDeleteAt))...)
	return out
}

// legacyShadowableAtom is legacyRangeTombstoneAtom with the shadowable
// bit also set in the mask byte that follows the name.
func legacyShadowableAtom(name, end []byte, deltime DeletionTime) []byte {
	out := legacyRangeTombstoneAtom(name, end, deltime)
	out[2+len(name)] = byte(ColumnMaskRangeTombstone | ColumnMaskShadowable)
	return out
}

// trackingResourceTracker records every Reserve/Release call so tests can
// assert the parser charges and un-charges buffers in balance (spec §5,
// "resource accounting").
type trackingResourceTracker struct {
	current int
	peak    int
	calls   []string
}

func (t *trackingResourceTracker) Reserve(n int) {
	t.current += n
	if t.current > t.peak {
		t.peak = t.current
	}
	t.calls = append(t.calls, fmt.Sprintf("reserve(%d)", n))
}

func (t *trackingResourceTracker) Release(n int) {
	t.current -= n
	t.calls = append(t.calls, fmt.Sprintf("release(%d)", n))
}

type recordingLegacyConsumer struct {
	BaseConsumer
	events []string
	stopAt int // ProceedNo is returned once events reaches this length, 0 disables
}

func (c *recordingLegacyConsumer) record(s string) Proceed {
	c.events = append(c.events, s)
	if c.stopAt != 0 && len(c.events) == c.stopAt {
		return ProceedNo
	}
	return ProceedYes
}

func (c *recordingLegacyConsumer) ConsumeRowStart(key KeyView, deltime DeletionTime) Proceed {
	return c.record(fmt.Sprintf("row_start(%s,%+v)", key, deltime))
}
func (c *recordingLegacyConsumer) ConsumeCell(name KeyView, value ValueView, timestamp int64, ttl, expiration uint32) Proceed {
	return c.record(fmt.Sprintf("cell(%s,%s,%d,%d,%d)", name, value, timestamp, ttl, expiration))
}
func (c *recordingLegacyConsumer) ConsumeCounterCell(name KeyView, value ValueView, timestamp int64) Proceed {
	return c.record(fmt.Sprintf("counter(%s,%s,%d)", name, value, timestamp))
}
func (c *recordingLegacyConsumer) ConsumeDeletedCell(name KeyView, deltime DeletionTime) Proceed {
	return c.record(fmt.Sprintf("deleted(%s,%+v)", name, deltime))
}
func (c *recordingLegacyConsumer) ConsumeShadowableRowTombstone(name KeyView, deltime DeletionTime) Proceed {
	return c.record(fmt.Sprintf("shadowable(%s,%+v)", name, deltime))
}
func (c *recordingLegacyConsumer) ConsumeRangeTombstone(start, end KeyView, deltime DeletionTime) Proceed {
	return c.record(fmt.Sprintf("range_tombstone(%s,%s,%+v)", start, end, deltime))
}
func (c *recordingLegacyConsumer) ConsumeRowEnd() Proceed {
	return c.record("row_end")
}

func runLegacy(t *testing.T, chunks [][]byte, consumer *recordingLegacyConsumer) (stopped bool, consumed uint64) {
	t.Helper()
	ctx := NewLegacyRowContext(consumer, &chunkedStream{chunks: chunks}, uint64(1<<30))
	stopped, err := ctx.Run()
	require.NoError(t, err)
	return stopped, ctx.Consumed()
}

func TestLegacyRowBasicCellScenario(t *testing.T) {
	deltime := LiveDeletionTime
	full := legacyRowBytes([]byte("pk1"), deltime,
		legacyCellAtom([]byte("c1"), ColumnMaskNone, 100, []byte("v1")),
	)

	consumer := &recordingLegacyConsumer{}
	stopped, consumed := runLegacy(t, [][]byte{full}, consumer)
	require.False(t, stopped)
	require.Equal(t, uint64(len(full)), consumed)
	require.Equal(t, []string{
		fmt.Sprintf("row_start(pk1,%+v)", deltime),
		"cell(c1,v1,100,0,0)",
		"row_end",
	}, consumer.events)
}

func TestLegacyRowAllAtomKinds(t *testing.T) {
	deltime := LiveDeletionTime
	// A deleted cell's MarkedForDeleteAt is its own timestamp (103 below).
	rowDel := DeletionTime{LocalDeletionTime: 42, MarkedForDeleteAt: 103}
	full := legacyRowBytes([]byte("pk1"), deltime,
		legacyCellAtom([]byte("c1"), ColumnMaskNone, 100, []byte("v1")),
		legacyCounterAtom([]byte("c2"), 101, []byte("v2")),
		legacyExpiringAtom([]byte("c3"), 3600, 999, 102, []byte("v3")),
		legacyDeletedAtom([]byte("c4"), 103, rowDel),
	)

	consumer := &recordingLegacyConsumer{}
	stopped, _ := runLegacy(t, [][]byte{full}, consumer)
	require.False(t, stopped)
	require.Equal(t, []string{
		fmt.Sprintf("row_start(pk1,%+v)", deltime),
		"cell(c1,v1,100,0,0)",
		"counter(c2,v2,101)",
		"cell(c3,v3,102,3600,999)",
		fmt.Sprintf("deleted(c4,%+v)", rowDel),
		"row_end",
	}, consumer.events)
}

func TestLegacyRowRangeTombstoneAndShadowable(t *testing.T) {
	deltime := LiveDeletionTime
	rtDel := DeletionTime{LocalDeletionTime: 5, MarkedForDeleteAt: 9}
	shDel := DeletionTime{LocalDeletionTime: 6, MarkedForDeleteAt: 11}
	full := legacyRowBytes([]byte("pk1"), deltime,
		legacyRangeTombstoneAtom([]byte("a"), []byte("z"), rtDel),
		legacyShadowableAtom([]byte("s"), []byte("t"), shDel),
	)
	consumer := &recordingLegacyConsumer{}
	_, _ = runLegacy(t, [][]byte{full}, consumer)
	require.Equal(t, []string{
		fmt.Sprintf("row_start(pk1,%+v)", deltime),
		fmt.Sprintf("range_tombstone(a,z,%+v)", rtDel),
		fmt.Sprintf("shadowable(s,%+v)", shDel),
		"row_end",
	}, consumer.events)
}

// TestLegacyRowChunkInvariance exercises spec §8 property 1: splitting
// the exact same bytes into chunks of any size must produce the same
// sequence of consume events.
func TestLegacyRowChunkInvariance(t *testing.T) {
	deltime := LiveDeletionTime
	full := legacyRowBytes([]byte("partition-key"), deltime,
		legacyCellAtom([]byte("col-a"), ColumnMaskNone, 100, []byte("value-a")),
		legacyExpiringAtom([]byte("col-b"), 60, 1000, 101, []byte("value-b")),
	)

	var want []string
	for _, size := range []int{1, 2, 3, 7, len(full), len(full) * 2} {
		consumer := &recordingLegacyConsumer{}
		runLegacy(t, splitChunks(full, size), consumer)
		if want == nil {
			want = consumer.events
		} else {
			require.Equal(t, want, consumer.events, "chunk size %d", size)
		}
	}
}

// TestLegacyRowStopResumability exercises spec §8 property 2: stopping
// mid-row and resuming Run later continues from exactly where the
// consumer asked to stop, without dropping or repeating events.
func TestLegacyRowStopResumability(t *testing.T) {
	deltime := LiveDeletionTime
	full := legacyRowBytes([]byte("pk1"), deltime,
		legacyCellAtom([]byte("c1"), ColumnMaskNone, 100, []byte("v1")),
		legacyCellAtom([]byte("c2"), ColumnMaskNone, 101, []byte("v2")),
	)

	consumer := &recordingLegacyConsumer{stopAt: 2} // stop right after "cell(c1,...)"
	ctx := NewLegacyRowContext(consumer, &chunkedStream{chunks: [][]byte{full}}, uint64(1<<30))

	stopped, err := ctx.Run()
	require.NoError(t, err)
	require.True(t, stopped)
	require.Equal(t, []string{
		fmt.Sprintf("row_start(pk1,%+v)", deltime),
		"cell(c1,v1,100,0,0)",
	}, consumer.events)

	consumer.stopAt = 0
	stopped, err = ctx.Run()
	require.NoError(t, err)
	require.False(t, stopped)
	require.Equal(t, []string{
		fmt.Sprintf("row_start(pk1,%+v)", deltime),
		"cell(c1,v1,100,0,0)",
		"cell(c2,v2,101,0,0)",
		"row_end",
	}, consumer.events)
}

func TestLegacyRowVerifyEndStateAcceptsCleanRowEnd(t *testing.T) {
	deltime := LiveDeletionTime
	full := legacyRowBytes([]byte("pk1"), deltime,
		legacyCellAtom([]byte("c1"), ColumnMaskNone, 100, []byte("v1")),
	)
	// Drop the terminating zero-length atom name: a clustering filter
	// may cut a row off right at an atom boundary (spec §4.2, §8
	// property 4) and that must not be treated as truncation.
	truncated := full[:len(full)-2]

	consumer := &recordingLegacyConsumer{}
	stopped, consumed := runLegacy(t, [][]byte{truncated}, consumer)
	require.False(t, stopped)
	require.Equal(t, uint64(len(truncated)), consumed)
	require.Equal(t, []string{
		fmt.Sprintf("row_start(pk1,%+v)", deltime),
		"cell(c1,v1,100,0,0)",
		"row_end",
	}, consumer.events)
}

func TestLegacyRowVerifyEndStateRejectsPartialPrimitive(t *testing.T) {
	full := legacyRowBytes([]byte("pk1"), LiveDeletionTime,
		legacyCellAtom([]byte("c1"), ColumnMaskNone, 100, []byte("v1")),
	)
	truncated := full[:len(full)-5] // cuts into the trailing cell's 4-byte value length

	consumer := &recordingLegacyConsumer{}
	ctx := NewLegacyRowContext(consumer, &chunkedStream{chunks: [][]byte{truncated}}, uint64(1<<30))
	_, err := ctx.Run()
	require.ErrorIs(t, err, ErrUnexpectedEOF)
}

// TestLegacyRowResourceAccounting exercises spec §5, "resource
// accounting": every parser-owned buffer of non-trivial size must be
// reserved for exactly the span it's held and released again, leaving
// the tracker's running total back at zero once the row is fully
// consumed.
func TestLegacyRowResourceAccounting(t *testing.T) {
	deltime := LiveDeletionTime
	full := legacyRowBytes([]byte("partition-key"), deltime,
		legacyCellAtom([]byte("col-a"), ColumnMaskNone, 100, []byte("value-a")),
	)

	tracker := &trackingResourceTracker{}
	consumer := &recordingLegacyConsumer{BaseConsumer: BaseConsumer{Tracker: tracker}}
	_, err := NewLegacyRowContext(consumer, &chunkedStream{chunks: [][]byte{full}}, uint64(1<<30)).Run()
	require.NoError(t, err)

	require.Zero(t, tracker.current, "every reserve must be matched by a release")
	require.Greater(t, tracker.peak, 0, "non-trivial buffers must actually be charged")
	require.NotEmpty(t, tracker.calls)
}

// TestLegacyRowDeletedCellWrongLengthRejected exercises spec.md scenario
// S2: a deleted cell whose value isn't exactly the 4-byte
// local_deletion_time is malformed.
func TestLegacyRowDeletedCellWrongLengthRejected(t *testing.T) {
	full := legacyRowBytes([]byte("pk1"), LiveDeletionTime,
		legacyCellAtom([]byte("c1"), ColumnMaskDeletion, 100, []byte("xyz")), // 3 bytes, not 4
	)

	consumer := &recordingLegacyConsumer{}
	ctx := NewLegacyRowContext(consumer, &chunkedStream{chunks: [][]byte{full}}, uint64(1<<30))
	_, err := ctx.Run()
	require.ErrorIs(t, err, ErrMalformedSstable)
}

// TestLegacyRowCounterUpdateMaskRejected exercises spec.md scenario S3:
// an atom carrying COUNTER_UPDATE_MASK is rejected rather than decoded,
// since a stable on-disk sstable should never carry one.
func TestLegacyRowCounterUpdateMaskRejected(t *testing.T) {
	full := legacyRowBytes([]byte("pk1"), LiveDeletionTime,
		legacyCellAtom([]byte("c1"), ColumnMaskCounterUpdate, 100, []byte("v1")),
	)

	consumer := &recordingLegacyConsumer{}
	ctx := NewLegacyRowContext(consumer, &chunkedStream{chunks: [][]byte{full}}, uint64(1<<30))
	_, err := ctx.Run()
	require.ErrorIs(t, err, ErrMalformedSstable)
}
