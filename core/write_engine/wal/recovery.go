package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"go.uber.org/zap"
)

// Record is one completed record read back from the log.
type Record struct {
	Header  MessageHeader
	Payload []byte
	Ptr     DiskPtr
}

// RecoveredSegment is a segment holding at least one recovered record.
type RecoveredSegment struct {
	Idx int
	LSN LSN
}

// TailState is the segment the log resumes appending to.
type TailState struct {
	Idx    int
	LSN    LSN
	Filled int
	Sealed bool
	Data   []byte
}

// Recovered is the result of scanning the data file.
type Recovered struct {
	Records   []Record
	Segments  []RecoveredSegment
	Tail      *TailState
	Discarded []int
	// NumSegments is the number of segment slots present in the file.
	NumSegments int
	// Cut is the LSN the log was truncated at because a batch manifest
	// promised records that never made it to disk, or -1.
	Cut LSN
}

type scannedSegment struct {
	idx     int
	header  SegmentHeader
	data    []byte
	records []Record
	end     int
	sealed  bool
}

// Recover reads every valid segment of the data file in LSN order. Within a
// segment, scanning stops at the first record whose checksum or LSN does not
// match, and no later segment is read past such a record. Records of an incomplete batch are dropped along with everything
// after the batch manifest. Canceled records are skipped.
func Recover(dir string, segmentSize int, logger *zap.Logger) (*Recovered, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("recovery")
	rec := &Recovered{Cut: -1}

	path := filepath.Join(dir, DataFileName)
	file, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return rec, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open data file %s: %w", path, err)
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat data file %s: %w", path, err)
	}
	rec.NumSegments = int((info.Size() + int64(segmentSize) - 1) / int64(segmentSize))

	// 1. Collect segments with a valid header.
	var segments []*scannedSegment
	seen := make(map[LSN]int)
	for idx := 0; idx < rec.NumSegments; idx++ {
		data := make([]byte, segmentSize)
		n, err := file.ReadAt(data, int64(idx)*int64(segmentSize))
		if err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("failed to read segment %d: %w", idx, err)
		}
		if n < SegHeaderLen {
			continue
		}
		header, err := decodeSegmentHeader(data)
		if err != nil || header.LSN%LSN(segmentSize) != 0 {
			continue
		}
		if prev, dup := seen[header.LSN]; dup {
			logger.Warn("two segments claim the same lsn, keeping the first",
				zap.Int64("lsn", int64(header.LSN)), zap.Int("kept", prev), zap.Int("ignored", idx))
			rec.Discarded = append(rec.Discarded, idx)
			continue
		}
		seen[header.LSN] = idx
		segments = append(segments, &scannedSegment{idx: idx, header: header, data: data})
	}
	sort.Slice(segments, func(i, j int) bool { return segments[i].header.LSN < segments[j].header.LSN })

	// 2. Scan the records of each segment.
	blobDir := filepath.Join(dir, BlobDirName)
	for _, seg := range segments {
		scanSegment(seg, segmentSize, blobDir, logger)
	}

	// 3. Segments reach disk in LSN order, so every segment but the last is
	// sealed. The first unsealed one ends the log: whatever follows it was
	// written after a record that is now lost.
	for i, seg := range segments {
		if seg.sealed || i == len(segments)-1 {
			continue
		}
		end := seg.header.LSN + LSN(seg.end)
		for _, later := range segments[i+1:] {
			if later.header.MaxStableLSN > end {
				logger.Error("discarding records that were reported durable",
					zap.Int("segment", later.idx),
					zap.Int64("segment_lsn", int64(later.header.LSN)),
					zap.Int64("max_stable_lsn", int64(later.header.MaxStableLSN)),
				)
			}
			rec.Discarded = append(rec.Discarded, later.idx)
		}
		logger.Warn("log ends inside an unsealed segment, discarding later segments",
			zap.Int("segment", seg.idx),
			zap.Int64("end_lsn", int64(end)),
			zap.Int("discarded", len(segments)-i-1),
		)
		segments = segments[:i+1]
		break
	}

	// 4. Find the first batch whose manifest points past the recovered tip.
	var last LSN = -1
	for _, seg := range segments {
		if n := len(seg.records); n > 0 {
			last = seg.records[n-1].Ptr.LSN
		}
	}
	cut := LSN(-1)
	for _, seg := range segments {
		for _, r := range seg.records {
			if r.Header.Kind != KindBatchManifest {
				continue
			}
			end, err := decodeManifest(r.Payload)
			if err != nil || end > last {
				cut = r.Ptr.LSN
				break
			}
		}
		if cut >= 0 {
			break
		}
	}
	if cut >= 0 {
		logger.Warn("incomplete batch found, truncating log", zap.Int64("cut_lsn", int64(cut)))
		rec.Cut = cut
	}

	// 5. Assemble the result, applying the cut.
	for _, seg := range segments {
		if cut >= 0 && seg.header.LSN > cut {
			rec.Discarded = append(rec.Discarded, seg.idx)
			continue
		}
		kept := seg.records
		end, sealed := seg.end, seg.sealed
		if cut >= 0 && cut < seg.header.LSN+LSN(segmentSize) {
			kept = kept[:0]
			for _, r := range seg.records {
				if r.Ptr.LSN < cut {
					kept = append(kept, r)
				}
			}
			end, sealed = int(cut-seg.header.LSN), false
		}
		for _, r := range kept {
			if r.Header.Kind != KindCanceled {
				rec.Records = append(rec.Records, r)
			}
		}
		rec.Segments = append(rec.Segments, RecoveredSegment{Idx: seg.idx, LSN: seg.header.LSN})
		rec.Tail = &TailState{Idx: seg.idx, LSN: seg.header.LSN, Filled: end, Sealed: sealed, Data: seg.data}
	}

	logger.Info("log recovered",
		zap.Int("segments", len(rec.Segments)),
		zap.Int("records", len(rec.Records)),
		zap.Int("discarded", len(rec.Discarded)),
	)
	return rec, nil
}

// scanSegment parses records until the first invalid one. Canceled records
// are kept in seg.records so the tail position accounts for them.
func scanSegment(seg *scannedSegment, segmentSize int, blobDir string, logger *zap.Logger) {
	off := SegHeaderLen
	for off+MaxMsgHeaderLen <= segmentSize {
		raw := seg.data[off:]
		header, err := decodeMessageHeader(raw)
		if err != nil || !header.Kind.valid() {
			break
		}
		if header.LSN != seg.header.LSN+LSN(off) {
			break
		}
		if header.Kind == KindCap {
			seg.sealed = true
			break
		}
		if header.Len > uint64(segmentSize-off-MaxMsgHeaderLen) {
			break
		}
		size := MaxMsgHeaderLen + int(header.Len)
		payload := raw[MaxMsgHeaderLen:size]
		if header.verify(raw, payload) != nil {
			break
		}
		r := Record{
			Header: header,
			Payload: append([]byte(nil), payload...),
			Ptr: DiskPtr{
				LSN:    header.LSN,
				Offset: int64(seg.idx)*int64(segmentSize) + int64(off),
				Size:   int64(size),
				Blob:   header.Kind.IsBlob(),
			},
		}
		off += size
		if header.Kind.IsBlob() {
			id, err := blobID(payload)
			if err == nil {
				r.Payload, err = readBlob(blobDir, id)
			}
			if err != nil {
				// The record was superseded and its blob reclaimed.
				logger.Debug("skipping record with missing blob", zap.Int64("lsn", int64(header.LSN)), zap.Error(err))
				r.Header.Kind = KindCanceled
			}
		}
		seg.records = append(seg.records, r)
	}
	seg.end = off
	if segmentSize-off < MaxMsgHeaderLen {
		seg.sealed = true
	}
}

// EncodeManifest builds the payload of a batch manifest: the LSN of the last
// record in the batch.
func EncodeManifest(end LSN) []byte {
	return binary.LittleEndian.AppendUint64(nil, uint64(end))
}

func decodeManifest(payload []byte) (LSN, error) {
	if len(payload) != 8 {
		return 0, fmt.Errorf("%w: manifest payload is %d bytes", ErrCorruptHeader, len(payload))
	}
	return LSN(binary.LittleEndian.Uint64(payload)), nil
}

// DiscardFrom drops every segment of the data file under dir whose LSN is at
// or past lsn by zeroing its header. Recovery then ends in the segment that
// holds lsn-1.
func DiscardFrom(dir string, segmentSize int, lsn LSN) (int, error) {
	path := filepath.Join(dir, DataFileName)
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return 0, fmt.Errorf("failed to open data file %s: %w", path, err)
	}
	defer file.Close()
	info, err := file.Stat()
	if err != nil {
		return 0, fmt.Errorf("failed to stat data file %s: %w", path, err)
	}

	dropped := 0
	var buf, zeros [SegHeaderLen]byte
	for off := int64(0); off+SegHeaderLen <= info.Size(); off += int64(segmentSize) {
		if _, err := file.ReadAt(buf[:], off); err != nil {
			return dropped, fmt.Errorf("failed to read segment header at %d: %w", off, err)
		}
		header, err := decodeSegmentHeader(buf[:])
		if err != nil || header.LSN < lsn {
			continue
		}
		if _, err := file.WriteAt(zeros[:], off); err != nil {
			return dropped, fmt.Errorf("failed to discard segment at %d: %w", off, err)
		}
		dropped++
	}
	if err := file.Sync(); err != nil {
		return dropped, fmt.Errorf("failed to sync data file %s: %w", path, err)
	}
	return dropped, nil
}
