package pagecache

import (
	"fmt"

	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
	"github.com/Crixalis2013/sled/core/write_engine/wal"
	"go.uber.org/zap"
)

// replayState accumulates page states while replaying.
type replayState struct {
	states map[pagemanager.PageID]*pageState
	// skip holds, per page, the LSN the snapshot already covers.
	skip map[pagemanager.PageID]wal.LSN
	// unresolved pages had snapshot records that no longer exist; a newer
	// replacing record must turn up in the log.
	unresolved map[pagemanager.PageID]bool
}

// replay rebuilds the page table from the newest snapshot and the records
// of the log that are newer than it.
func (pc *PageCache) replay(snap *snapshot, rec *wal.Recovered) error {
	rs := &replayState{
		states:     make(map[pagemanager.PageID]*pageState),
		skip:       make(map[pagemanager.PageID]wal.LSN),
		unresolved: make(map[pagemanager.PageID]bool),
	}

	// 1. Seed pages from the snapshot.
	if snap != nil {
		byLSN := make(map[wal.LSN]wal.Record, len(rec.Records))
		for _, r := range rec.Records {
			byLSN[r.Ptr.LSN] = r
		}
		for raw, sp := range snap.Pages {
			pid := pagemanager.PageID(raw)
			rs.skip[pid] = sp.LSN
			if err := rs.seed(pid, sp, byLSN); err != nil {
				return err
			}
		}
	}

	// 2. Apply newer records in LSN order.
	for _, r := range rec.Records {
		pid := r.Header.PID
		if r.Header.Kind == wal.KindBatchManifest || pid == pagemanager.BatchManifestPID {
			continue
		}
		if covered, ok := rs.skip[pid]; ok && r.Ptr.LSN <= covered {
			continue
		}
		if err := rs.apply(r); err != nil {
			return err
		}
	}

	// 3. Validate and install.
	var maxPID pagemanager.PageID
	var free []pagemanager.PageID
	for _, pid := range sortedPIDs(rs.states) {
		st := rs.states[pid]
		if rs.unresolved[pid] {
			return fmt.Errorf("%w: page %d lost records covered by the snapshot", ErrCorruption, pid)
		}
		switch st.kind {
		case kindFrags:
			if len(st.frags) == 0 || !st.frags[len(st.frags)-1].IsBase() {
				return fmt.Errorf("%w: page %d: %v", ErrCorruption, pid, pagemanager.ErrChainWithoutBase)
			}
		case kindFree:
			if !pid.IsReserved() {
				free = append(free, pid)
			}
		}
		st.version = pc.versions.Add(1)
		if !pc.table.cas(pid, nil, st) {
			return fmt.Errorf("%w: page %d cannot be held by the page table", ErrCorruption, pid)
		}
		for _, ptr := range st.ptrs {
			if err := pc.acct.MarkLive(pid, ptr); err != nil {
				return fmt.Errorf("%w: page %d: %v", ErrCorruption, pid, err)
			}
		}
		pc.touch(pid, st)
		if pid != pagemanager.BatchManifestPID && pid > maxPID {
			maxPID = pid
		}
	}

	next := maxPID + 1
	if next < pagemanager.FirstAllocatablePID {
		next = pagemanager.FirstAllocatablePID
	}
	if ceil := pc.counterCeiling(); pagemanager.PageID(ceil) > next {
		next = pagemanager.PageID(ceil)
	}
	pc.nextPID = next
	pc.freePIDs = free

	pc.logger.Info("page table rebuilt",
		zap.Int("pages", len(rs.states)),
		zap.Int("free", len(free)),
		zap.Bool("from_snapshot", snap != nil),
	)
	return nil
}

// seed installs a snapshot page by resolving its record pointers.
func (rs *replayState) seed(pid pagemanager.PageID, sp snapshotPage, byLSN map[wal.LSN]wal.Record) error {
	kind := pageKind(sp.Kind)
	if kind == kindFree && len(sp.Ptrs) == 0 {
		rs.states[pid] = &pageState{kind: kindFree, freedAt: sp.LSN}
		return nil
	}
	records := make([]wal.Record, 0, len(sp.Ptrs))
	for _, p := range sp.Ptrs {
		r, ok := byLSN[p.LSN]
		if !ok || r.Header.PID != pid {
			rs.unresolved[pid] = true
			return nil
		}
		records = append(records, r)
	}
	// Pointers are newest first; rebuild oldest first.
	for i := len(records) - 1; i >= 0; i-- {
		if err := rs.apply(records[i]); err != nil {
			return err
		}
	}
	return nil
}

func (rs *replayState) apply(r wal.Record) error {
	pid := r.Header.PID
	switch r.Header.Kind {
	case wal.KindInlineReplace, wal.KindBlobReplace:
		f, err := pagemanager.DecodeFrag(r.Payload)
		if err != nil {
			return fmt.Errorf("%w: page %d at lsn %d: %v", ErrCorruption, pid, r.Ptr.LSN, err)
		}
		rs.states[pid] = &pageState{kind: kindFrags, frags: []pagemanager.Frag{f}, ptrs: []wal.DiskPtr{r.Ptr}}
	case wal.KindInlineAppend, wal.KindBlobAppend:
		f, err := pagemanager.DecodeFrag(r.Payload)
		if err != nil {
			return fmt.Errorf("%w: page %d at lsn %d: %v", ErrCorruption, pid, r.Ptr.LSN, err)
		}
		cur := rs.states[pid]
		next := &pageState{kind: kindFrags, frags: []pagemanager.Frag{f}, ptrs: []wal.DiskPtr{r.Ptr}}
		// An append whose base was reclaimed is superseded by a later
		// replace; validation catches it otherwise.
		if cur != nil && cur.kind == kindFrags {
			next.frags = append(next.frags, cur.frags...)
			next.ptrs = append(next.ptrs, cur.ptrs...)
		}
		rs.states[pid] = next
	case wal.KindInlineMeta, wal.KindBlobMeta:
		m, err := pagemanager.DecodeMeta(r.Payload)
		if err != nil {
			return fmt.Errorf("%w: meta at lsn %d: %v", ErrCorruption, r.Ptr.LSN, err)
		}
		rs.states[pid] = &pageState{kind: kindMeta, meta: m, ptrs: []wal.DiskPtr{r.Ptr}}
	case wal.KindCounter:
		v, err := pagemanager.DecodeCounter(r.Payload)
		if err != nil {
			return fmt.Errorf("%w: counter at lsn %d: %v", ErrCorruption, r.Ptr.LSN, err)
		}
		rs.states[pid] = &pageState{kind: kindCounter, counter: v, ptrs: []wal.DiskPtr{r.Ptr}}
	case wal.KindFree:
		rs.states[pid] = &pageState{kind: kindFree, ptrs: []wal.DiskPtr{r.Ptr}, freedAt: r.Ptr.LSN}
	default:
		return nil
	}
	if r.Header.Kind != wal.KindInlineAppend && r.Header.Kind != wal.KindBlobAppend {
		delete(rs.unresolved, pid)
	}
	return nil
}
