package wal

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// DataFileName is the single file holding every segment; segment i lives at
// offset i*segmentSize.
const DataFileName = "db"

// SegmentAllocator hands out segment slots to the log. It is implemented by
// the segment accountant. The log calls it while holding its own lock, so
// implementations must never call back into the LogManager.
type SegmentAllocator interface {
	// Activate picks the segment that will hold the records starting at lsn.
	Activate(lsn LSN) (int, error)
	// Deactivate reports that the log will not append to idx again.
	Deactivate(idx int)
	// Stabilized reports that every record below stable is durable.
	Stabilized(stable LSN)
}

// DiskPtr locates a record in the log.
type DiskPtr struct {
	LSN    LSN
	Offset int64 // file offset of the message header
	Size   int64 // bytes occupied in the segment, header included
	Blob   bool
}

// Segment returns the index of the segment holding the record.
func (p DiskPtr) Segment(segmentSize int) int {
	return int(p.Offset / int64(segmentSize))
}

// ioBuffer is the in-memory image of one segment that has not been fully
// written yet. Buffers are written strictly in LSN order.
type ioBuffer struct {
	idx        int
	lsn        LSN
	data       []byte
	filled     int
	written    int
	unresolved map[int]struct{}
	sealed     bool
}

// writable returns the end of the prefix whose reservations have all
// resolved.
func (b *ioBuffer) writable() int {
	limit := b.filled
	for off := range b.unresolved {
		if off < limit {
			limit = off
		}
	}
	return limit
}

// Options configures a LogManager.
type Options struct {
	Dir         string
	SegmentSize int
	Allocator   SegmentAllocator
	Logger      *zap.Logger
}

// LogManager appends records to a segmented log file. Appends are two-phase:
// Reserve copies the record into the current segment buffer, and the caller
// then either Completes it or Aborts it, which rewrites the record as
// KindCanceled. A buffer reaches disk only once every reservation in its
// written prefix has resolved.
type LogManager struct {
	dir         string
	blobDir     string
	file        *os.File
	segmentSize int
	alloc       SegmentAllocator
	logger      *zap.Logger

	mu         sync.Mutex
	stableCond *sync.Cond
	queue      []*ioBuffer // not yet fully written, lsn order; the last one is current
	stable     LSN
	closed     bool

	stableLSN    atomic.Int64
	bytesWritten atomic.Int64
	syncs        atomic.Int64
}

// NewLogManager opens the data file under opts.Dir and resumes appending
// after the recovered tail, or at LSN 0 when rec is nil or empty.
func NewLogManager(opts Options, rec *Recovered) (*LogManager, error) {
	if opts.SegmentSize < minSegmentSize {
		return nil, fmt.Errorf("segment size %d is below the minimum of %d", opts.SegmentSize, minSegmentSize)
	}
	if opts.Allocator == nil {
		return nil, fmt.Errorf("log manager requires a segment allocator")
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	blobDir := filepath.Join(opts.Dir, BlobDirName)
	if err := os.MkdirAll(blobDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create blob directory %s: %w", blobDir, err)
	}
	path := filepath.Join(opts.Dir, DataFileName)
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open data file %s: %w", path, err)
	}

	lm := &LogManager{
		dir:         opts.Dir,
		blobDir:     blobDir,
		file:        file,
		segmentSize: opts.SegmentSize,
		alloc:       opts.Allocator,
		logger:      opts.Logger.Named("log"),
	}
	lm.stableCond = sync.NewCond(&lm.mu)

	if err := lm.resume(rec); err != nil {
		file.Close()
		return nil, err
	}
	lm.logger.Info("log manager initialized",
		zap.String("path", path),
		zap.Int("segment_size", lm.segmentSize),
		zap.Int64("stable_lsn", int64(lm.stable)),
	)
	return lm, nil
}

const minSegmentSize = 256

func (lm *LogManager) resume(rec *Recovered) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	if rec != nil {
		for _, idx := range rec.Discarded {
			if err := lm.discardLocked(idx); err != nil {
				return err
			}
		}
		if len(rec.Discarded) > 0 {
			if err := lm.file.Sync(); err != nil {
				return fmt.Errorf("failed to sync discarded segments: %w", err)
			}
		}
	}

	if rec == nil || rec.Tail == nil {
		return lm.nextSegmentLocked(0)
	}

	tail := rec.Tail
	if tail.Sealed {
		lm.setStableLocked(tail.LSN + LSN(lm.segmentSize))
		return lm.nextSegmentLocked(tail.LSN + LSN(lm.segmentSize))
	}

	// Zero whatever follows the recovered prefix so stale bytes from an
	// earlier life of the segment can never be mistaken for records.
	zeros := make([]byte, lm.segmentSize-tail.Filled)
	if _, err := lm.file.WriteAt(zeros, lm.segmentOffset(tail.Idx)+int64(tail.Filled)); err != nil {
		return fmt.Errorf("failed to zero log tail: %w", err)
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync log tail: %w", err)
	}

	data := make([]byte, lm.segmentSize)
	copy(data, tail.Data[:tail.Filled])
	lm.queue = append(lm.queue, &ioBuffer{
		idx:        tail.Idx,
		lsn:        tail.LSN,
		data:       data,
		filled:     tail.Filled,
		written:    tail.Filled,
		unresolved: make(map[int]struct{}),
	})
	lm.setStableLocked(tail.LSN + LSN(tail.Filled))
	return nil
}

func (lm *LogManager) segmentOffset(idx int) int64 {
	return int64(idx) * int64(lm.segmentSize)
}

// SegmentSize returns the fixed size of every segment.
func (lm *LogManager) SegmentSize() int { return lm.segmentSize }

// BlobThreshold is the payload size at which records spill to a blob file.
func (lm *LogManager) BlobThreshold() int { return lm.segmentSize / MinimumItemsPerSegment }

// StableLSN returns the LSN below which every record is durable.
func (lm *LogManager) StableLSN() LSN { return LSN(lm.stableLSN.Load()) }

// BytesWritten returns the total bytes written to the data file.
func (lm *LogManager) BytesWritten() int64 { return lm.bytesWritten.Load() }

// Syncs returns the number of fsyncs issued on the data file.
func (lm *LogManager) Syncs() int64 { return lm.syncs.Load() }

func (lm *LogManager) setStableLocked(stable LSN) {
	if stable <= lm.stable {
		return
	}
	lm.stable = stable
	lm.stableLSN.Store(int64(stable))
	lm.alloc.Stabilized(stable)
	lm.stableCond.Broadcast()
}

func (lm *LogManager) nextSegmentLocked(lsn LSN) error {
	idx, err := lm.alloc.Activate(lsn)
	if err != nil {
		return fmt.Errorf("failed to activate segment for lsn %d: %w", lsn, err)
	}
	buf := &ioBuffer{
		idx:        idx,
		lsn:        lsn,
		data:       make([]byte, lm.segmentSize),
		filled:     SegHeaderLen,
		unresolved: make(map[int]struct{}),
	}
	header := SegmentHeader{LSN: lsn, MaxStableLSN: lm.stable}
	header.encodeInto(buf.data)
	lm.queue = append(lm.queue, buf)
	lm.logger.Debug("segment activated", zap.Int("segment", idx), zap.Int64("lsn", int64(lsn)))
	return nil
}

func (lm *LogManager) currentLocked() *ioBuffer {
	return lm.queue[len(lm.queue)-1]
}

// sealLocked closes the current buffer with a cap marker and opens the next
// segment.
func (lm *LogManager) sealLocked() error {
	buf := lm.currentLocked()
	if lm.segmentSize-buf.filled >= MaxMsgHeaderLen {
		header := MessageHeader{Kind: KindCap, LSN: buf.lsn + LSN(buf.filled)}
		header.encodeInto(buf.data[buf.filled:buf.filled+MaxMsgHeaderLen], nil)
		buf.filled += MaxMsgHeaderLen
	}
	buf.sealed = true
	lm.alloc.Deactivate(buf.idx)
	if err := lm.nextSegmentLocked(buf.lsn + LSN(lm.segmentSize)); err != nil {
		return err
	}
	return lm.drainLocked(false)
}

// drainLocked writes every buffer prefix that is ready, in LSN order, and
// fsyncs once if anything was written. The current buffer is only written
// when includeCurrent is set.
func (lm *LogManager) drainLocked(includeCurrent bool) error {
	wrote := false
	for len(lm.queue) > 0 {
		buf := lm.queue[0]
		if !buf.sealed && !includeCurrent {
			break
		}
		limit := buf.writable()
		complete := buf.sealed && limit == buf.filled
		if complete {
			limit = len(buf.data)
		}
		if limit > buf.written {
			n, err := lm.file.WriteAt(buf.data[buf.written:limit], lm.segmentOffset(buf.idx)+int64(buf.written))
			lm.bytesWritten.Add(int64(n))
			if err != nil {
				return fmt.Errorf("failed to write segment %d: %w", buf.idx, err)
			}
			buf.written = limit
			wrote = true
		}
		if !complete {
			break
		}
		lm.queue = lm.queue[1:]
	}
	if !wrote {
		return nil
	}
	if err := lm.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync data file: %w", err)
	}
	lm.syncs.Add(1)

	head := lm.queue[0]
	written := head.written
	if written > head.filled {
		written = head.filled
	}
	lm.setStableLocked(head.lsn + LSN(written))
	return nil
}

// Reserve claims space for a record in the current segment and copies it
// there. Payloads of at least BlobThreshold bytes are stored in a blob file
// when the kind allows it.
func (lm *LogManager) Reserve(kind MessageKind, pid pagemanager.PageID, payload []byte) (*Reservation, error) {
	logged := payload
	blob := false
	if len(payload) >= lm.BlobThreshold() {
		if blobKind, ok := kind.toBlob(); ok {
			kind = blobKind
			blob = true
			logged = make([]byte, 8)
		}
	}
	size := MaxMsgHeaderLen + len(logged)
	if size > lm.segmentSize-SegHeaderLen {
		return nil, fmt.Errorf("%w: %s record of %d bytes", ErrRecordTooLarge, kind, size)
	}

	lm.mu.Lock()
	if lm.closed {
		lm.mu.Unlock()
		return nil, ErrLogClosed
	}
	if lm.currentLocked().filled+size > lm.segmentSize {
		if err := lm.sealLocked(); err != nil {
			lm.mu.Unlock()
			return nil, err
		}
	}
	buf := lm.currentLocked()
	off := buf.filled
	lsn := buf.lsn + LSN(off)
	if blob {
		binary.LittleEndian.PutUint64(logged, uint64(lsn))
	}
	header := MessageHeader{Kind: kind, PID: pid, LSN: lsn, Len: uint64(len(logged))}
	copy(buf.data[off+MaxMsgHeaderLen:], logged)
	header.encodeInto(buf.data[off:off+MaxMsgHeaderLen], logged)
	buf.filled += size
	buf.unresolved[off] = struct{}{}
	lm.mu.Unlock()

	r := &Reservation{
		lm:     lm,
		buf:    buf,
		off:    off,
		Header: header,
		Ptr: DiskPtr{
			LSN:    lsn,
			Offset: lm.segmentOffset(buf.idx) + int64(off),
			Size:   int64(size),
			Blob:   blob,
		},
	}
	if blob {
		if err := writeBlob(lm.blobDir, lsn, payload); err != nil {
			r.Abort()
			return nil, err
		}
	}
	return r, nil
}

// Flush writes and fsyncs every record reserved before the call, waiting for
// outstanding reservations below that point to resolve. It returns the
// stable LSN afterwards.
func (lm *LogManager) Flush() (LSN, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return lm.stable, ErrLogClosed
	}
	cur := lm.currentLocked()
	target := cur.lsn + LSN(cur.filled)
	for {
		if err := lm.drainLocked(true); err != nil {
			return lm.stable, err
		}
		if lm.stable >= target || lm.closed {
			return lm.stable, nil
		}
		lm.stableCond.Wait()
	}
}

// MakeStable flushes until lsn is durable.
func (lm *LogManager) MakeStable(lsn LSN) error {
	if lm.StableLSN() > lsn {
		return nil
	}
	_, err := lm.Flush()
	return err
}

// Read returns the header and payload of the record at ptr. Blob payloads
// are loaded from their blob file.
func (lm *LogManager) Read(ptr DiskPtr) (MessageHeader, []byte, error) {
	raw := make([]byte, ptr.Size)
	lm.mu.Lock()
	inMemory := false
	idx := ptr.Segment(lm.segmentSize)
	for _, buf := range lm.queue {
		off := int(ptr.Offset - lm.segmentOffset(buf.idx))
		if buf.idx == idx && buf.lsn+LSN(off) == ptr.LSN {
			copy(raw, buf.data[off:off+int(ptr.Size)])
			inMemory = true
			break
		}
	}
	lm.mu.Unlock()

	if !inMemory {
		if _, err := lm.file.ReadAt(raw, ptr.Offset); err != nil {
			return MessageHeader{}, nil, fmt.Errorf("failed to read record at lsn %d: %w", ptr.LSN, err)
		}
	}

	header, err := decodeMessageHeader(raw)
	if err != nil {
		return header, nil, err
	}
	if header.LSN != ptr.LSN {
		return header, nil, fmt.Errorf("%w: expected %d, found %d", ErrLSNMismatch, ptr.LSN, header.LSN)
	}
	if int64(header.Len)+MaxMsgHeaderLen != ptr.Size {
		return header, nil, fmt.Errorf("%w: length %d does not match pointer size %d", ErrCorruptHeader, header.Len, ptr.Size)
	}
	payload := raw[MaxMsgHeaderLen:]
	if err := header.verify(raw, payload); err != nil {
		return header, nil, err
	}
	if !header.Kind.IsBlob() {
		return header, payload, nil
	}
	id, err := blobID(payload)
	if err != nil {
		return header, nil, err
	}
	blob, err := readBlob(lm.blobDir, id)
	if err != nil {
		return header, nil, fmt.Errorf("failed to read blob %d: %w", id, err)
	}
	return header, blob, nil
}

// RemoveBlob deletes the blob file of a superseded record. Callers must only
// do so once the superseding record is stable.
func (lm *LogManager) RemoveBlob(ptr DiskPtr) error {
	if !ptr.Blob {
		return nil
	}
	return removeBlob(lm.blobDir, ptr.LSN)
}

// DiscardSegment zeroes the header of a segment that no longer holds live
// data, so recovery will not scan it. The segment must not be active.
func (lm *LogManager) DiscardSegment(idx int) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return ErrLogClosed
	}
	for _, buf := range lm.queue {
		if buf.idx == idx {
			return fmt.Errorf("cannot discard segment %d while it is buffered", idx)
		}
	}
	return lm.discardLocked(idx)
}

func (lm *LogManager) discardLocked(idx int) error {
	var zeros [SegHeaderLen]byte
	if _, err := lm.file.WriteAt(zeros[:], lm.segmentOffset(idx)); err != nil {
		return fmt.Errorf("failed to discard segment %d: %w", idx, err)
	}
	return nil
}

// Close flushes outstanding records and closes the data file.
func (lm *LogManager) Close() error {
	if _, err := lm.Flush(); err != nil && err != ErrLogClosed {
		return err
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	if lm.closed {
		return nil
	}
	lm.closed = true
	lm.stableCond.Broadcast()
	lm.logger.Info("log manager closed", zap.Int64("stable_lsn", int64(lm.stable)))
	return lm.file.Close()
}
