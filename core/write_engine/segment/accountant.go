// Package segment tracks which pages are live in which log segment and
// decides when a segment can be reused.
package segment

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
	"github.com/Crixalis2013/sled/core/write_engine/wal"
	"go.uber.org/zap"
)

type LSN = pagemanager.LSN

// State is the lifecycle stage of a segment slot.
type State int

const (
	// Free slots hold no live data and may be activated.
	Free State = iota
	// Active is the segment the log is appending to.
	Active
	// Inactive segments are sealed and hold live data.
	Inactive
	// Draining segments are empty and waiting for readers to move on before
	// they become Free.
	Draining
)

func (s State) String() string {
	switch s {
	case Free:
		return "free"
	case Active:
		return "active"
	case Inactive:
		return "inactive"
	case Draining:
		return "draining"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

var ErrUnknownSegment = errors.New("unknown segment")

type slot struct {
	state     State
	lsn       LSN
	live      map[pagemanager.PageID]int64
	liveBytes int64
	// emptiedAt is the LSN of the record that removed the last live page,
	// or -1 when the slot was emptied by something already durable.
	emptiedAt LSN
}

func (s *slot) empty() bool { return len(s.live) == 0 }

// Stats is a point-in-time summary of the segment slots.
type Stats struct {
	Free      int
	Active    int
	Inactive  int
	Draining  int
	LiveBytes int64
}

// Accountant implements wal.SegmentAllocator and keeps per-segment live
// page sets. A segment is reclaimable once it is empty, no longer active,
// fully written, and the record that emptied it is stable.
type Accountant struct {
	mu          sync.Mutex
	segmentSize int
	slots       []*slot
	stable      LSN
	logger      *zap.Logger
}

var _ wal.SegmentAllocator = (*Accountant)(nil)

// NewAccountant returns an accountant with no segments.
func NewAccountant(segmentSize int, logger *zap.Logger) *Accountant {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Accountant{segmentSize: segmentSize, logger: logger.Named("segments")}
}

func newSlot() *slot {
	return &slot{live: make(map[pagemanager.PageID]int64), emptiedAt: -1}
}

// Restore seeds the slots from recovery. Recovered segments start Inactive,
// except an unsealed tail which stays Active; every other slot is Free.
func (a *Accountant) Restore(rec *wal.Recovered) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.slots = make([]*slot, rec.NumSegments)
	for i := range a.slots {
		a.slots[i] = newSlot()
	}
	for _, seg := range rec.Segments {
		s := a.slots[seg.Idx]
		s.state = Inactive
		s.lsn = seg.LSN
	}
	if rec.Tail != nil && !rec.Tail.Sealed {
		a.slots[rec.Tail.Idx].state = Active
	}
}

// Activate picks the lowest free slot, or grows the file by one segment.
func (a *Accountant) Activate(lsn LSN) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := -1
	for i, s := range a.slots {
		if s.state == Free {
			idx = i
			break
		}
	}
	if idx < 0 {
		idx = len(a.slots)
		a.slots = append(a.slots, newSlot())
	}
	s := a.slots[idx]
	s.state = Active
	s.lsn = lsn
	s.live = make(map[pagemanager.PageID]int64)
	s.liveBytes = 0
	s.emptiedAt = -1
	return idx, nil
}

// Deactivate marks an active slot as sealed.
func (a *Accountant) Deactivate(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < len(a.slots) && a.slots[idx].state == Active {
		a.slots[idx].state = Inactive
	}
}

// Stabilized records the log's stable LSN.
func (a *Accountant) Stabilized(stable LSN) {
	a.mu.Lock()
	if stable > a.stable {
		a.stable = stable
	}
	a.mu.Unlock()
}

func (a *Accountant) slotFor(ptr wal.DiskPtr) (*slot, error) {
	idx := ptr.Segment(a.segmentSize)
	if idx < 0 || idx >= len(a.slots) {
		return nil, fmt.Errorf("%w: %d for lsn %d", ErrUnknownSegment, idx, ptr.LSN)
	}
	return a.slots[idx], nil
}

// MarkLive records that ptr holds part of pid's current state.
func (a *Accountant) MarkLive(pid pagemanager.PageID, ptr wal.DiskPtr) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, err := a.slotFor(ptr)
	if err != nil {
		return err
	}
	s.live[pid] += ptr.Size
	s.liveBytes += ptr.Size
	s.emptiedAt = -1
	return nil
}

// MarkReplaced drops the records in old from pid's live set and records
// that supersededBy made them dead. Pass -1 when the superseding state is
// already durable.
func (a *Accountant) MarkReplaced(pid pagemanager.PageID, old []wal.DiskPtr, supersededBy LSN) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, ptr := range old {
		s, err := a.slotFor(ptr)
		if err != nil {
			return err
		}
		remaining, ok := s.live[pid]
		if !ok {
			continue
		}
		remaining -= ptr.Size
		s.liveBytes -= ptr.Size
		if remaining <= 0 {
			delete(s.live, pid)
		} else {
			s.live[pid] = remaining
		}
		if s.empty() {
			s.liveBytes = 0
			if supersededBy > s.emptiedAt {
				s.emptiedAt = supersededBy
			}
		}
	}
	return nil
}

// TakeReclaimable moves every reclaimable slot to Draining and returns
// their indexes. The caller frees them once no reader can observe them.
func (a *Accountant) TakeReclaimable() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []int
	for i, s := range a.slots {
		if s.state != Inactive || !s.empty() || s.emptiedAt >= a.stable {
			continue
		}
		// The segment's own buffer must have reached disk.
		if s.lsn+LSN(a.segmentSize) > a.stable {
			continue
		}
		s.state = Draining
		out = append(out, i)
	}
	return out
}

// Free returns a draining slot to the free list.
func (a *Accountant) Free(idx int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < len(a.slots) && a.slots[idx].state == Draining {
		a.slots[idx].state = Free
		a.logger.Debug("segment freed", zap.Int("segment", idx), zap.Int64("lsn", int64(a.slots[idx].lsn)))
	}
}

// CleanupCandidates returns inactive slots whose live fraction is below
// threshold, least live first.
func (a *Accountant) CleanupCandidates(threshold float64, limit int) []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	var out []int
	for i, s := range a.slots {
		if s.state != Inactive || s.empty() {
			continue
		}
		if float64(s.liveBytes)/float64(a.segmentSize) < threshold {
			out = append(out, i)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return a.slots[out[i]].liveBytes < a.slots[out[j]].liveBytes
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

// LivePages returns the pages with live data in segment idx.
func (a *Accountant) LivePages(idx int) []pagemanager.PageID {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx >= len(a.slots) {
		return nil
	}
	out := make([]pagemanager.PageID, 0, len(a.slots[idx].live))
	for pid := range a.slots[idx].live {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// State returns the state of slot idx.
func (a *Accountant) State(idx int) State {
	a.mu.Lock()
	defer a.mu.Unlock()
	if idx < 0 || idx >= len(a.slots) {
		return Free
	}
	return a.slots[idx].state
}

// NumSegments returns the number of slots, free ones included.
func (a *Accountant) NumSegments() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.slots)
}

// Stats summarizes the slots.
func (a *Accountant) Stats() Stats {
	a.mu.Lock()
	defer a.mu.Unlock()
	var st Stats
	for _, s := range a.slots {
		switch s.state {
		case Free:
			st.Free++
		case Active:
			st.Active++
		case Inactive:
			st.Inactive++
		case Draining:
			st.Draining++
		}
		st.LiveBytes += s.liveBytes
	}
	return st
}
