package wal

import (
	"bytes"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// --- Test Helpers ---

// testAllocator hands out fresh segment slots in order.
type testAllocator struct {
	mu          sync.Mutex
	next        int
	deactivated []int
	stable      LSN
}

func (a *testAllocator) Activate(lsn LSN) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := a.next
	a.next++
	return idx, nil
}

func (a *testAllocator) Deactivate(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.deactivated = append(a.deactivated, idx)
}

func (a *testAllocator) Stabilized(stable LSN) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stable = stable
}

// setupLogManager recovers and opens a LogManager in dir.
func setupLogManager(t *testing.T, dir string, segmentSize int) (*LogManager, *Recovered) {
	t.Helper()
	logger, err := zap.NewDevelopment()
	require.NoError(t, err)

	rec, err := Recover(dir, segmentSize, logger)
	require.NoError(t, err)

	lm, err := NewLogManager(Options{
		Dir:         dir,
		SegmentSize: segmentSize,
		Allocator:   &testAllocator{next: rec.NumSegments},
		Logger:      logger,
	}, rec)
	require.NoError(t, err)
	return lm, rec
}

func appendRecord(t *testing.T, lm *LogManager, kind MessageKind, pid pagemanager.PageID, payload []byte) DiskPtr {
	t.Helper()
	r, err := lm.Reserve(kind, pid, payload)
	require.NoError(t, err)
	ptr, err := r.Complete()
	require.NoError(t, err)
	return ptr
}

func recoverRecords(t *testing.T, dir string, segmentSize int) *Recovered {
	t.Helper()
	rec, err := Recover(dir, segmentSize, zap.NewNop())
	require.NoError(t, err)
	return rec
}

// --- Test Cases ---

// TestLog_AppendAndRecover writes a few records, closes the log and checks
// that recovery returns them in order with LSNs equal to their positions.
func TestLog_AppendAndRecover(t *testing.T) {
	dir := t.TempDir()
	lm, _ := setupLogManager(t, dir, 1024)

	// 1. Write some records
	payloads := [][]byte{[]byte("one"), []byte("two"), []byte("three")}
	var ptrs []DiskPtr
	for i, p := range payloads {
		ptrs = append(ptrs, appendRecord(t, lm, KindInlineReplace, pagemanager.PageID(i+2), p))
	}
	require.Equal(t, LSN(SegHeaderLen), ptrs[0].LSN)
	require.Equal(t, ptrs[0].LSN+LSN(MaxMsgHeaderLen+3), ptrs[1].LSN)
	require.NoError(t, lm.Close())

	// 2. Recover and verify
	rec := recoverRecords(t, dir, 1024)
	require.Len(t, rec.Records, len(payloads))
	for i, r := range rec.Records {
		require.Equal(t, ptrs[i], r.Ptr)
		require.Equal(t, payloads[i], r.Payload)
		require.Equal(t, pagemanager.PageID(i+2), r.Header.PID)
		require.Equal(t, KindInlineReplace, r.Header.Kind)
	}
	require.NotNil(t, rec.Tail)
	require.Equal(t, int(ptrs[2].LSN)+MaxMsgHeaderLen+5, rec.Tail.Filled)
	require.False(t, rec.Tail.Sealed)
}

// TestLog_AbortedRecordIsNeverRecovered checks that a reservation that lost
// its race is rewritten as canceled and skipped by recovery.
func TestLog_AbortedRecordIsNeverRecovered(t *testing.T) {
	dir := t.TempDir()
	lm, _ := setupLogManager(t, dir, 1024)

	appendRecord(t, lm, KindInlineAppend, 2, []byte("kept"))
	r, err := lm.Reserve(KindInlineAppend, 2, []byte("lost"))
	require.NoError(t, err)
	require.NoError(t, r.Abort())
	last := appendRecord(t, lm, KindInlineAppend, 2, []byte("also kept"))
	require.NoError(t, lm.Close())

	rec := recoverRecords(t, dir, 1024)
	require.Len(t, rec.Records, 2)
	require.Equal(t, []byte("kept"), rec.Records[0].Payload)
	require.Equal(t, []byte("also kept"), rec.Records[1].Payload)
	require.Equal(t, last.LSN, rec.Records[1].Ptr.LSN)
}

// TestLog_ResolvingTwiceFails checks that a reservation resolves exactly once.
func TestLog_ResolvingTwiceFails(t *testing.T) {
	lm, _ := setupLogManager(t, t.TempDir(), 1024)
	defer lm.Close()

	r, err := lm.Reserve(KindInlineAppend, 2, []byte("x"))
	require.NoError(t, err)
	_, err = r.Complete()
	require.NoError(t, err)
	require.Error(t, r.Abort())
}

// TestLog_SegmentsRollInLSNOrder fills several small segments and checks
// that a segment's LSN advances by exactly the segment size.
func TestLog_SegmentsRollInLSNOrder(t *testing.T) {
	const segmentSize = 256
	dir := t.TempDir()
	lm, _ := setupLogManager(t, dir, segmentSize)

	// 1. Write enough records to span several segments
	payload := bytes.Repeat([]byte{'x'}, 40)
	var ptrs []DiskPtr
	for i := 0; i < 20; i++ {
		ptrs = append(ptrs, appendRecord(t, lm, KindInlineAppend, 2, payload))
	}
	require.NoError(t, lm.Close())

	// 2. Every record's LSN equals segment LSN plus offset
	for _, p := range ptrs {
		seg := p.Segment(segmentSize)
		require.Equal(t, LSN(seg*segmentSize)+LSN(p.Offset%segmentSize), p.LSN)
	}

	// 3. Recovery sees them all in order
	rec := recoverRecords(t, dir, segmentSize)
	require.Len(t, rec.Records, len(ptrs))
	for i := 1; i < len(rec.Records); i++ {
		require.Greater(t, rec.Records[i].Ptr.LSN, rec.Records[i-1].Ptr.LSN)
	}
	require.Greater(t, len(rec.Segments), 3)
	for i := 1; i < len(rec.Segments); i++ {
		require.Equal(t, rec.Segments[i-1].LSN+segmentSize, rec.Segments[i].LSN)
	}
}

// TestLog_TornTailIsTruncated corrupts the last record on disk and checks
// that recovery stops before it and that new appends reuse its position.
func TestLog_TornTailIsTruncated(t *testing.T) {
	dir := t.TempDir()
	lm, _ := setupLogManager(t, dir, 1024)

	appendRecord(t, lm, KindInlineReplace, 2, []byte("one"))
	appendRecord(t, lm, KindInlineReplace, 3, []byte("two"))
	torn := appendRecord(t, lm, KindInlineReplace, 4, []byte("three"))
	require.NoError(t, lm.Close())

	// 1. Flip a payload byte of the last record
	path := filepath.Join(dir, DataFileName)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'X'}, torn.Offset+MaxMsgHeaderLen)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// 2. Recovery keeps only the intact prefix
	lm2, rec := setupLogManager(t, dir, 1024)
	require.Len(t, rec.Records, 2)
	require.Equal(t, int(torn.LSN), rec.Tail.Filled)

	// 3. The next append lands where the torn record was
	next := appendRecord(t, lm2, KindInlineReplace, 5, []byte("four"))
	require.Equal(t, torn.LSN, next.LSN)
	require.NoError(t, lm2.Close())

	rec = recoverRecords(t, dir, 1024)
	require.Len(t, rec.Records, 3)
	require.Equal(t, []byte("four"), rec.Records[2].Payload)
}

// TestLog_CorruptSealedSegmentEndsTheLog flips a byte inside an early,
// sealed segment and checks that recovery stops there instead of replaying
// the segments written after it.
func TestLog_CorruptSealedSegmentEndsTheLog(t *testing.T) {
	const segmentSize = 256
	dir := t.TempDir()
	lm, _ := setupLogManager(t, dir, segmentSize)

	// 1. Fill several segments
	payload := bytes.Repeat([]byte{'x'}, 40)
	var ptrs []DiskPtr
	for i := 0; i < 12; i++ {
		ptrs = append(ptrs, appendRecord(t, lm, KindInlineAppend, pagemanager.PageID(i+2), payload))
	}
	require.NoError(t, lm.Close())
	require.Equal(t, 0, ptrs[1].Segment(segmentSize))
	require.Greater(t, ptrs[len(ptrs)-1].Segment(segmentSize), 1)

	// 2. Corrupt the second record of the first segment
	path := filepath.Join(dir, DataFileName)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte{'X'}, ptrs[1].Offset+MaxMsgHeaderLen)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	// 3. Only the record before the corruption survives
	lm2, rec := setupLogManager(t, dir, segmentSize)
	require.Len(t, rec.Records, 1)
	require.Equal(t, ptrs[0], rec.Records[0].Ptr)
	require.Len(t, rec.Segments, 1)
	require.Equal(t, 0, rec.Tail.Idx)
	require.Equal(t, int(ptrs[1].LSN), rec.Tail.Filled)
	require.False(t, rec.Tail.Sealed)
	require.NotEmpty(t, rec.Discarded)

	// 4. Appends resume at the corrupt position and the dropped segments stay gone
	next := appendRecord(t, lm2, KindInlineAppend, 20, []byte("after"))
	require.Equal(t, ptrs[1].LSN, next.LSN)
	require.NoError(t, lm2.Close())

	rec = recoverRecords(t, dir, segmentSize)
	require.Len(t, rec.Records, 2)
	require.Equal(t, []byte("after"), rec.Records[1].Payload)
	require.Empty(t, rec.Discarded)
}

// TestLog_BlobPayloads checks that large payloads move to blob files and are
// read back transparently.
func TestLog_BlobPayloads(t *testing.T) {
	const segmentSize = 256
	dir := t.TempDir()
	lm, _ := setupLogManager(t, dir, segmentSize)

	big := bytes.Repeat([]byte("blob"), 50)
	ptr := appendRecord(t, lm, KindInlineReplace, 7, big)
	require.True(t, ptr.Blob)
	require.Equal(t, int64(MaxMsgHeaderLen+8), ptr.Size)

	_, err := os.Stat(blobPath(filepath.Join(dir, BlobDirName), ptr.LSN))
	require.NoError(t, err)

	header, payload, err := lm.Read(ptr)
	require.NoError(t, err)
	require.Equal(t, KindBlobReplace, header.Kind)
	require.Equal(t, big, payload)
	require.NoError(t, lm.Close())

	rec := recoverRecords(t, dir, segmentSize)
	require.Len(t, rec.Records, 1)
	require.Equal(t, big, rec.Records[0].Payload)
}

// TestLog_AbortedBlobIsRemoved checks that aborting a blob record deletes the
// blob file.
func TestLog_AbortedBlobIsRemoved(t *testing.T) {
	const segmentSize = 256
	dir := t.TempDir()
	lm, _ := setupLogManager(t, dir, segmentSize)
	defer lm.Close()

	r, err := lm.Reserve(KindInlineAppend, 7, bytes.Repeat([]byte{1}, 100))
	require.NoError(t, err)
	require.True(t, r.Ptr.Blob)
	require.NoError(t, r.Abort())

	_, err = os.Stat(blobPath(filepath.Join(dir, BlobDirName), r.LSN()))
	require.True(t, os.IsNotExist(err))
}

// TestLog_ReadFromMemoryAndDisk reads a record before and after it has been
// flushed.
func TestLog_ReadFromMemoryAndDisk(t *testing.T) {
	lm, _ := setupLogManager(t, t.TempDir(), 1024)
	defer lm.Close()

	ptr := appendRecord(t, lm, KindInlineMeta, pagemanager.MetaPID, []byte("meta"))
	_, payload, err := lm.Read(ptr)
	require.NoError(t, err)
	require.Equal(t, []byte("meta"), payload)

	_, err = lm.Flush()
	require.NoError(t, err)
	require.Greater(t, lm.StableLSN(), ptr.LSN)

	header, payload, err := lm.Read(ptr)
	require.NoError(t, err)
	require.Equal(t, KindInlineMeta, header.Kind)
	require.Equal(t, []byte("meta"), payload)
}

// TestLog_IncompleteBatchIsCut writes a batch manifest promising a record
// that never arrives and checks that recovery drops everything from the
// manifest on.
func TestLog_IncompleteBatchIsCut(t *testing.T) {
	dir := t.TempDir()
	lm, _ := setupLogManager(t, dir, 1024)

	before := appendRecord(t, lm, KindInlineReplace, 2, []byte("before"))
	manifest := appendRecord(t, lm, KindBatchManifest, pagemanager.BatchManifestPID, EncodeManifest(900))
	appendRecord(t, lm, KindInlineReplace, 3, []byte("partial batch"))
	require.NoError(t, lm.Close())

	rec := recoverRecords(t, dir, 1024)
	require.Equal(t, manifest.LSN, rec.Cut)
	require.Len(t, rec.Records, 1)
	require.Equal(t, before.LSN, rec.Records[0].Ptr.LSN)
	require.Equal(t, int(manifest.LSN), rec.Tail.Filled)
}

// TestLog_CompleteBatchIsKept checks that a manifest whose records all made
// it to disk is recovered intact.
func TestLog_CompleteBatchIsKept(t *testing.T) {
	dir := t.TempDir()
	lm, _ := setupLogManager(t, dir, 1024)

	manifest, err := lm.Reserve(KindBatchManifest, pagemanager.BatchManifestPID, EncodeManifest(0))
	require.NoError(t, err)
	a, err := lm.Reserve(KindInlineReplace, 2, []byte("a"))
	require.NoError(t, err)
	b, err := lm.Reserve(KindInlineReplace, 3, []byte("b"))
	require.NoError(t, err)

	// The manifest is rewritten in place before completion.
	require.NoError(t, manifest.SetManifestEnd(b.LSN()))
	for _, r := range []*Reservation{manifest, a, b} {
		_, err := r.Complete()
		require.NoError(t, err)
	}
	require.NoError(t, lm.Close())

	rec := recoverRecords(t, dir, 1024)
	require.Equal(t, LSN(-1), rec.Cut)
	require.Len(t, rec.Records, 3)
}

// TestLog_FlushWaitsForEarlierReservations checks that a record is not made
// stable while an earlier reservation is still unresolved.
func TestLog_FlushWaitsForEarlierReservations(t *testing.T) {
	lm, _ := setupLogManager(t, t.TempDir(), 1024)
	defer lm.Close()

	// 1. Reserve two records and complete only the second
	first, err := lm.Reserve(KindInlineAppend, 2, []byte("first"))
	require.NoError(t, err)
	second := appendRecord(t, lm, KindInlineAppend, 3, []byte("second"))

	// 2. Flush in the background; it must block on the first reservation
	done := make(chan LSN, 1)
	go func() {
		stable, err := lm.Flush()
		if err == nil {
			done <- stable
		}
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("flush returned while an earlier reservation was unresolved")
	case <-time.After(100 * time.Millisecond):
	}
	require.LessOrEqual(t, lm.StableLSN(), first.LSN())

	// 3. Resolving the first reservation releases the flush
	_, err = first.Complete()
	require.NoError(t, err)

	select {
	case stable := <-done:
		require.Greater(t, stable, second.LSN)
	case <-time.After(5 * time.Second):
		t.Fatal("flush did not return after the reservation resolved")
	}
}

// TestLog_SealWritesAreDurable checks that filling a segment makes it stable
// without an explicit flush.
func TestLog_SealWritesAreDurable(t *testing.T) {
	const segmentSize = 256
	alloc := &testAllocator{}
	lm, err := NewLogManager(Options{Dir: t.TempDir(), SegmentSize: segmentSize, Allocator: alloc}, nil)
	require.NoError(t, err)
	defer lm.Close()

	var first DiskPtr
	for i := 0; i < 10; i++ {
		ptr := appendRecord(t, lm, KindInlineAppend, 2, bytes.Repeat([]byte{'y'}, 30))
		if i == 0 {
			first = ptr
		}
	}
	require.Greater(t, lm.StableLSN(), first.LSN)
	require.Contains(t, alloc.deactivated, 0)
	require.Positive(t, lm.Syncs())
}

// TestLog_RejectsOversizedInlineRecords checks kinds that cannot spill to a
// blob are bounded by the segment size.
func TestLog_RejectsOversizedInlineRecords(t *testing.T) {
	lm, _ := setupLogManager(t, t.TempDir(), 256)
	defer lm.Close()

	_, err := lm.Reserve(KindBatchManifest, pagemanager.BatchManifestPID, make([]byte, 300))
	require.ErrorIs(t, err, ErrRecordTooLarge)
}
