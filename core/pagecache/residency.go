package pagecache

import (
	"context"
	"fmt"

	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// A fragment page is paged out by swapping in a state with the same version
// and records but no fragments. Paging in reads the records back. Neither
// changes the page's logical content, so both look like moves to callers
// holding an older PagePtr.

func (s *pageState) resident() bool {
	return s.kind != kindFrags || len(s.frags) > 0
}

func fragsSize(frags []pagemanager.Frag) int64 {
	var n int64
	for _, f := range frags {
		n += int64(f.Size())
	}
	return n
}

// touch records a use of pid and pages out whatever the cache capacity no
// longer has room for.
func (pc *PageCache) touch(pid pagemanager.PageID, st *pageState) {
	if pc.residency == nil || st == nil || st.kind != kindFrags || !st.resident() {
		return
	}
	for _, victim := range pc.residency.Touch(uint64(pid), fragsSize(st.frags)) {
		pc.pageOut(pagemanager.PageID(victim))
	}
}

// pageOut drops the fragments of pid from memory. Losing the race to a
// writer leaves the page resident until its next use.
func (pc *PageCache) pageOut(pid pagemanager.PageID) {
	st := pc.table.load(pid)
	if st == nil || st.kind != kindFrags || !st.resident() || len(st.ptrs) == 0 {
		return
	}
	next := &pageState{kind: kindFrags, ptrs: st.ptrs, version: st.version}
	if pc.table.cas(pid, st, next) {
		pc.metrics.PageOutsCounter.Add(context.Background(), 1)
	}
}

// pageIn reads the fragments of a paged out state back from the log. It
// returns nil when st was replaced meanwhile.
func (pc *PageCache) pageIn(pid pagemanager.PageID, st *pageState) (*pageState, error) {
	frags := make([]pagemanager.Frag, 0, len(st.ptrs))
	for _, ptr := range st.ptrs {
		_, payload, err := pc.log.Read(ptr)
		if err != nil {
			if pc.table.load(pid) != st {
				return nil, nil
			}
			return nil, fmt.Errorf("%w: page %d at lsn %d: %v", ErrCorruption, pid, ptr.LSN, err)
		}
		f, err := pagemanager.DecodeFrag(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: page %d at lsn %d: %v", ErrCorruption, pid, ptr.LSN, err)
		}
		frags = append(frags, f)
	}
	next := &pageState{kind: kindFrags, frags: frags, ptrs: st.ptrs, version: st.version}
	if !pc.table.cas(pid, st, next) {
		return nil, nil
	}
	pc.metrics.PageInsCounter.Add(context.Background(), 1)
	pc.logger.Debug("page in", zap.Uint64("pid", uint64(pid)), zap.Int("frags", len(frags)))
	pc.touch(pid, next)
	return next, nil
}

// residentState loads the fragment page pid, paging it in if needed.
func (pc *PageCache) residentState(pid pagemanager.PageID) (*pageState, error) {
	for {
		st, err := pc.loadFrags(pid)
		if err != nil {
			return nil, err
		}
		if st.resident() {
			return st, nil
		}
		in, err := pc.pageIn(pid, st)
		if err != nil {
			return nil, err
		}
		if in != nil {
			return in, nil
		}
	}
}
