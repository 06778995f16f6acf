// Package pagecache maps logical page ids to fragment chains persisted in a
// log-structured store. Every update is a CAS on a single page table slot;
// superseded log space is reclaimed through the segment accountant once no
// epoch guard can still observe it.
package pagecache

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Crixalis2013/sled/core/write_engine/epoch"
	flushmanager "github.com/Crixalis2013/sled/core/write_engine/flush_manager"
	"github.com/Crixalis2013/sled/core/write_engine/memtable"
	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
	"github.com/Crixalis2013/sled/core/write_engine/segment"
	"github.com/Crixalis2013/sled/core/write_engine/wal"
	internaltelemetry "github.com/Crixalis2013/sled/internal/telemetry"
	"go.uber.org/zap"
)

// counterBatch is how far the persisted allocation ceiling moves past the
// next id each time it is bumped.
const counterBatch = 1024

type blobGrave struct {
	ptr   wal.DiskPtr
	after wal.LSN
}

// PageCache is the shared page store of a database.
type PageCache struct {
	cfg       Config
	logger    *zap.Logger
	table     *pageTable
	log       *wal.LogManager
	acct      *segment.Accountant
	collector *epoch.Collector
	metrics   *internaltelemetry.PageCacheMetrics
	flusher   *flushmanager.Flusher
	compactor *compactor
	residency *memtable.Residency

	allocMu  sync.Mutex
	nextPID  pagemanager.PageID
	freePIDs []pagemanager.PageID

	versions atomic.Uint64

	graveMu sync.Mutex
	graves  []blobGrave

	opsSinceSnapshot atomic.Uint64
	snapshotting     atomic.Bool
	snapshotMu       sync.Mutex
	snapshotWG       sync.WaitGroup

	// reclaimMu is held shared while a segment or blob is being reclaimed
	// and exclusively by Checkpoint.
	reclaimMu sync.RWMutex

	closing atomic.Bool
	closed  atomic.Bool
}

// Open recovers the page cache stored under cfg.Path, creating it if needed.
func Open(cfg Config) (*PageCache, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger.Named("pagecache")
	if err := os.MkdirAll(cfg.Path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", cfg.Path, err)
	}

	metrics := internaltelemetry.NoopPageCacheMetrics()
	if cfg.Meter != nil {
		m, err := internaltelemetry.NewPageCacheMetrics(cfg.Meter)
		if err != nil {
			return nil, fmt.Errorf("failed to register page cache metrics: %w", err)
		}
		metrics = m
	}

	// 1. Scan the log and load the newest snapshot.
	rec, err := wal.Recover(cfg.Path, cfg.SegmentSize, logger)
	if err != nil {
		return nil, err
	}
	snap, err := loadLatestSnapshot(cfg.Path, logger)
	if err != nil {
		return nil, err
	}

	// 2. Resume the log on top of the recovered segments.
	acct := segment.NewAccountant(cfg.SegmentSize, logger)
	acct.Restore(rec)
	lm, err := wal.NewLogManager(wal.Options{
		Dir:         cfg.Path,
		SegmentSize: cfg.SegmentSize,
		Allocator:   acct,
		Logger:      logger,
	}, rec)
	if err != nil {
		return nil, err
	}

	pc := &PageCache{
		cfg:       cfg,
		logger:    logger,
		table:     newPageTable(),
		log:       lm,
		acct:      acct,
		collector: epoch.NewCollector(logger),
		metrics:   metrics,
		residency: memtable.NewResidency(cfg.CacheCapacity),
	}

	// 3. Rebuild the page table and make sure the directory page exists.
	if err := pc.replay(snap, rec); err != nil {
		lm.Close()
		return nil, err
	}
	if err := pc.ensureMeta(); err != nil {
		lm.Close()
		return nil, err
	}

	pc.flusher = flushmanager.NewFlusher(pc.Flush, cfg.FlushEvery, logger)
	pc.compactor = startCompactor(pc)

	logger.Info("page cache opened",
		zap.String("path", cfg.Path),
		zap.Int("segment_size", cfg.SegmentSize),
		zap.Uint64("next_pid", uint64(pc.nextPID)),
		zap.Int("free_pids", len(pc.freePIDs)),
	)
	return pc, nil
}

// Pin returns an epoch guard. Every page cache call takes one, and the caller
// unpins it when done with anything it read.
func (pc *PageCache) Pin() *epoch.Guard {
	return pc.collector.Pin()
}

// install reserves a log record for pid, then swaps old for next. On success
// the reservation is completed and the records next supersedes are retired;
// on a lost race the reservation is aborted and the current state returned.
// next.ptrs must hold the records next keeps from old; the new record is
// prepended.
func (pc *PageCache) install(pid pagemanager.PageID, old *pageState, kind wal.MessageKind, payload []byte, next *pageState, guard *epoch.Guard) (*pageState, bool, error) {
	r, err := pc.log.Reserve(kind, pid, payload)
	if err != nil {
		return nil, false, err
	}
	next.ptrs = append([]wal.DiskPtr{r.Ptr}, next.ptrs...)
	if next.kind == kindFree {
		next.freedAt = r.Ptr.LSN
	}
	if err := pc.acct.MarkLive(pid, r.Ptr); err != nil {
		r.Abort()
		return nil, false, err
	}

	if !pc.table.cas(pid, old, next) {
		if err := pc.acct.MarkReplaced(pid, []wal.DiskPtr{r.Ptr}, -1); err != nil {
			r.Abort()
			return nil, false, err
		}
		if err := r.Abort(); err != nil {
			return nil, false, err
		}
		pc.metrics.CasFailuresCounter.Add(context.Background(), 1)
		return pc.table.load(pid), false, nil
	}

	if _, err := r.Complete(); err != nil {
		return next, true, err
	}
	if kind != wal.KindInlineAppend && old != nil && len(old.ptrs) > 0 {
		if err := pc.acct.MarkReplaced(pid, old.ptrs, r.Ptr.LSN); err != nil {
			return next, true, err
		}
		pc.bury(old.ptrs, r.Ptr.LSN)
	}
	pc.afterWrite(guard)
	return next, true, nil
}

// bury schedules the blob files of superseded records for removal once the
// superseding record is stable.
func (pc *PageCache) bury(ptrs []wal.DiskPtr, after wal.LSN) {
	pc.graveMu.Lock()
	for _, p := range ptrs {
		if p.Blob {
			pc.graves = append(pc.graves, blobGrave{ptr: p, after: after})
		}
	}
	pc.graveMu.Unlock()
}

func (pc *PageCache) afterWrite(guard *epoch.Guard) {
	ops := pc.opsSinceSnapshot.Add(1)
	if pc.cfg.SnapshotAfterOps > 0 && ops >= pc.cfg.SnapshotAfterOps && pc.snapshotting.CompareAndSwap(false, true) {
		pc.opsSinceSnapshot.Store(0)
		pc.snapshotWG.Add(1)
		go func() {
			defer pc.snapshotWG.Done()
			defer pc.snapshotting.Store(false)
			if err := pc.takeSnapshot(); err != nil {
				pc.logger.Error("snapshot failed", zap.Error(err))
			}
		}()
	}
	pc.reclaim(guard)
}

// reclaim hands reclaimable segments and stable blob graves to the guard.
func (pc *PageCache) reclaim(guard *epoch.Guard) {
	for _, idx := range pc.acct.TakeReclaimable() {
		guard.Defer(func() {
			pc.reclaimMu.RLock()
			defer pc.reclaimMu.RUnlock()
			if err := pc.log.DiscardSegment(idx); err != nil && !errors.Is(err, wal.ErrLogClosed) {
				pc.logger.Warn("failed to discard segment", zap.Int("segment", idx), zap.Error(err))
			}
			pc.acct.Free(idx)
			pc.metrics.SegmentsReclaimedCounter.Add(context.Background(), 1)
		})
	}

	stable := pc.log.StableLSN()
	pc.graveMu.Lock()
	var ready []wal.DiskPtr
	kept := pc.graves[:0]
	for _, g := range pc.graves {
		if g.after < stable {
			ready = append(ready, g.ptr)
		} else {
			kept = append(kept, g)
		}
	}
	pc.graves = kept
	pc.graveMu.Unlock()
	for _, ptr := range ready {
		guard.Defer(func() {
			pc.reclaimMu.RLock()
			defer pc.reclaimMu.RUnlock()
			if err := pc.log.RemoveBlob(ptr); err != nil {
				pc.logger.Warn("failed to remove blob", zap.Int64("lsn", int64(ptr.LSN)), zap.Error(err))
			}
		})
	}
}

func (pc *PageCache) checkOpen() error {
	if pc.closed.Load() {
		return ErrClosed
	}
	return nil
}

// --- Allocation ---

// Allocate reserves a fresh PageID, durably logs frag as its initial
// content and installs it. frag must be a Base.
func (pc *PageCache) Allocate(frag pagemanager.Frag, guard *epoch.Guard) (pagemanager.PageID, PagePtr, error) {
	if err := pc.checkOpen(); err != nil {
		return 0, PagePtr{}, err
	}
	if !frag.IsBase() {
		return 0, PagePtr{}, fmt.Errorf("allocate: %w", pagemanager.ErrChainWithoutBase)
	}
	payload, err := pagemanager.EncodeFrag(frag)
	if err != nil {
		return 0, PagePtr{}, err
	}
	pid, err := pc.nextFreePID(guard)
	if err != nil {
		return 0, PagePtr{}, err
	}

	for {
		old := pc.table.load(pid)
		next := &pageState{
			kind:    kindFrags,
			frags:   []pagemanager.Frag{frag},
			version: pc.versions.Add(1),
		}
		st, swapped, err := pc.install(pid, old, wal.KindInlineReplace, payload, next, guard)
		if err != nil {
			if st == nil {
				pc.releasePID(pid)
			}
			return 0, PagePtr{}, err
		}
		if swapped {
			pc.metrics.AllocationsCounter.Add(context.Background(), 1)
			pc.touch(pid, st)
			return pid, PagePtr{state: st}, nil
		}
		// Only compaction touches an unallocated id, by relocating its
		// tombstone. Retry against the relocated state.
	}
}

func (pc *PageCache) nextFreePID(guard *epoch.Guard) (pagemanager.PageID, error) {
	pc.allocMu.Lock()
	defer pc.allocMu.Unlock()
	if n := len(pc.freePIDs); n > 0 {
		pid := pc.freePIDs[n-1]
		pc.freePIDs = pc.freePIDs[:n-1]
		return pid, nil
	}
	pid := pc.nextPID
	if pid > maxTablePID {
		return 0, ErrPageIDSpaceExhausted
	}
	if uint64(pid) >= pc.counterCeiling() {
		if err := pc.setCounter(uint64(pid)+counterBatch, guard); err != nil {
			return 0, err
		}
	}
	pc.nextPID++
	return pid, nil
}

// releasePID makes pid available to Allocate again. Called through the
// epoch guard so no reader of the freed page remains.
func (pc *PageCache) releasePID(pid pagemanager.PageID) {
	pc.allocMu.Lock()
	pc.freePIDs = append(pc.freePIDs, pid)
	pc.allocMu.Unlock()
}

func (pc *PageCache) counterCeiling() uint64 {
	if st := pc.table.load(pagemanager.CounterPID); st != nil {
		return st.counter
	}
	return 0
}

func (pc *PageCache) setCounter(v uint64, guard *epoch.Guard) error {
	payload := pagemanager.EncodeCounter(v)
	for {
		old := pc.table.load(pagemanager.CounterPID)
		next := &pageState{kind: kindCounter, counter: v, version: pc.versions.Add(1)}
		_, swapped, err := pc.install(pagemanager.CounterPID, old, wal.KindCounter, payload, next, guard)
		if err != nil || swapped {
			return err
		}
	}
}

// Free replaces the page with a tombstone if ptr is still its current state.
// Swapped == false means ptr was stale; callers treat that as ErrFreeRaced.
// The id becomes reusable once no guard pinned before the free remains.
func (pc *PageCache) Free(pid pagemanager.PageID, ptr PagePtr, guard *epoch.Guard) (CasResult[PagePtr], error) {
	if err := pc.checkOpen(); err != nil {
		return CasResult[PagePtr]{}, err
	}
	if pid.IsReserved() {
		return CasResult[PagePtr]{}, fmt.Errorf("%w: cannot free %d", ErrUnsupportedPageID, pid)
	}
	if ptr.state == nil || ptr.state.kind == kindFree {
		return CasResult[PagePtr]{Current: PagePtr{state: pc.table.load(pid)}}, nil
	}
	cur := ptr.state
	var st *pageState
	for {
		next := &pageState{kind: kindFree, version: pc.versions.Add(1)}
		var swapped bool
		var err error
		st, swapped, err = pc.install(pid, cur, wal.KindFree, nil, next, guard)
		if err != nil {
			return CasResult[PagePtr]{}, err
		}
		if swapped {
			break
		}
		if !moved(cur, st) {
			return CasResult[PagePtr]{Current: PagePtr{state: st}}, nil
		}
		cur = st
	}
	pc.residency.Forget(uint64(pid))
	guard.Defer(func() { pc.releasePID(pid) })
	pc.metrics.FreesCounter.Add(context.Background(), 1)
	return CasResult[PagePtr]{Swapped: true, Current: PagePtr{state: st}}, nil
}

// --- Fragment pages ---

func (pc *PageCache) loadFrags(pid pagemanager.PageID) (*pageState, error) {
	switch pid {
	case pagemanager.MetaPID, pagemanager.CounterPID, pagemanager.BatchManifestPID:
		return nil, fmt.Errorf("%w: %d is reserved", ErrUnsupportedPageID, pid)
	}
	st := pc.table.load(pid)
	if st == nil {
		return nil, fmt.Errorf("%w: %d", ErrPageNotFound, pid)
	}
	if st.kind == kindFree {
		return nil, fmt.Errorf("%w: %d", ErrPageFreed, pid)
	}
	return st, nil
}

// Get returns the current fragment chain of pid. A chain with more than
// PageConsolidationThreshold deltas is folded into a new base first; losing
// that race is harmless and the unfolded view is returned.
func (pc *PageCache) Get(pid pagemanager.PageID, guard *epoch.Guard) (Page, error) {
	if err := pc.checkOpen(); err != nil {
		return Page{}, err
	}
	st, err := pc.residentState(pid)
	if err != nil {
		return Page{}, err
	}
	if st.deltas() <= pagemanager.PageConsolidationThreshold {
		pc.touch(pid, st)
		return Page{ptr: PagePtr{state: st}}, nil
	}

	node, err := pagemanager.Consolidate(st.frags)
	if err != nil {
		return Page{}, fmt.Errorf("%w: page %d: %v", ErrCorruption, pid, err)
	}
	res, err := pc.replace(pid, st, pagemanager.BaseFrag(node), st.version, guard)
	if err != nil {
		pc.logger.Warn("consolidation failed", zap.Uint64("pid", uint64(pid)), zap.Error(err))
		return Page{ptr: PagePtr{state: st}}, nil
	}
	if res.Swapped {
		pc.metrics.ConsolidationsCounter.Add(context.Background(), 1)
		return Page{ptr: res.Current}, nil
	}
	return Page{ptr: PagePtr{state: st}}, nil
}

// Link prepends delta to the chain at old. A chain that was only
// consolidated or relocated since old was read still matches.
func (pc *PageCache) Link(pid pagemanager.PageID, old PagePtr, delta pagemanager.Frag, guard *epoch.Guard) (CasResult[PagePtr], error) {
	if err := pc.checkOpen(); err != nil {
		return CasResult[PagePtr]{}, err
	}
	if delta.IsBase() {
		return CasResult[PagePtr]{}, fmt.Errorf("%w: link requires a delta", ErrInvalidFrag)
	}
	if _, err := pc.loadFrags(pid); err != nil {
		return CasResult[PagePtr]{}, err
	}
	cur := old.state
	if cur == nil || cur.kind != kindFrags {
		return CasResult[PagePtr]{Current: PagePtr{state: pc.table.load(pid)}}, nil
	}
	payload, err := pagemanager.EncodeFrag(delta)
	if err != nil {
		return CasResult[PagePtr]{}, err
	}

	for {
		if !cur.resident() {
			in, err := pc.pageIn(pid, cur)
			if err != nil {
				return CasResult[PagePtr]{}, err
			}
			if in == nil {
				found := pc.table.load(pid)
				if !moved(cur, found) {
					return CasResult[PagePtr]{Current: PagePtr{state: found}}, nil
				}
				cur = found
				continue
			}
			cur = in
		}
		frags := make([]pagemanager.Frag, 0, len(cur.frags)+1)
		frags = append(frags, delta)
		frags = append(frags, cur.frags...)
		next := &pageState{
			kind:    kindFrags,
			frags:   frags,
			ptrs:    append([]wal.DiskPtr(nil), cur.ptrs...),
			version: pc.versions.Add(1),
		}
		st, swapped, err := pc.install(pid, cur, wal.KindInlineAppend, payload, next, guard)
		if err != nil {
			return CasResult[PagePtr]{}, err
		}
		if swapped {
			pc.touch(pid, st)
		}
		if swapped || !moved(cur, st) {
			return CasResult[PagePtr]{Swapped: swapped, Current: PagePtr{state: st}}, nil
		}
		cur = st
	}
}

// moved reports whether cur was only consolidated or relocated into found,
// leaving its logical content unchanged.
func moved(cur, found *pageState) bool {
	return found != nil && found != cur && found.kind == cur.kind && found.version == cur.version
}

// Replace installs frag, a Base, as the whole content of pid. It matches
// old the same way Link does.
func (pc *PageCache) Replace(pid pagemanager.PageID, old PagePtr, frag pagemanager.Frag, guard *epoch.Guard) (CasResult[PagePtr], error) {
	if err := pc.checkOpen(); err != nil {
		return CasResult[PagePtr]{}, err
	}
	if _, err := pc.loadFrags(pid); err != nil {
		return CasResult[PagePtr]{}, err
	}
	cur := old.state
	if cur == nil || cur.kind != kindFrags {
		return CasResult[PagePtr]{Current: PagePtr{state: pc.table.load(pid)}}, nil
	}
	for {
		res, err := pc.replace(pid, cur, frag, pc.versions.Add(1), guard)
		if err != nil || res.Swapped || !moved(cur, res.Current.state) {
			return res, err
		}
		cur = res.Current.state
	}
}

func (pc *PageCache) replace(pid pagemanager.PageID, old *pageState, frag pagemanager.Frag, version uint64, guard *epoch.Guard) (CasResult[PagePtr], error) {
	if !frag.IsBase() {
		return CasResult[PagePtr]{}, fmt.Errorf("replace: %w", pagemanager.ErrChainWithoutBase)
	}
	payload, err := pagemanager.EncodeFrag(frag)
	if err != nil {
		return CasResult[PagePtr]{}, err
	}
	next := &pageState{kind: kindFrags, frags: []pagemanager.Frag{frag}, version: version}
	st, swapped, err := pc.install(pid, old, wal.KindInlineReplace, payload, next, guard)
	if err != nil {
		return CasResult[PagePtr]{}, err
	}
	if swapped {
		pc.touch(pid, st)
	}
	return CasResult[PagePtr]{Swapped: swapped, Current: PagePtr{state: st}}, nil
}

// BatchItem is one page replacement of a ReplaceBatch.
type BatchItem struct {
	PID  pagemanager.PageID
	Old  PagePtr
	Frag pagemanager.Frag
}

// ReplaceBatch replaces several pages so that recovery sees either all of
// them or none. The log holds a manifest followed by the replacements. A
// page that only moved because compaction relocated it still matches its
// expected state. Any other concurrent change fails with ErrBatchConflict;
// callers serialize batches against other writers of the same pages.
func (pc *PageCache) ReplaceBatch(items []BatchItem, guard *epoch.Guard) ([]PagePtr, error) {
	if err := pc.checkOpen(); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, nil
	}
	for _, it := range items {
		if _, err := pc.loadFrags(it.PID); err != nil {
			return nil, err
		}
		if it.Old.state == nil || !it.Frag.IsBase() {
			return nil, fmt.Errorf("%w: batch item for page %d", ErrInvalidFrag, it.PID)
		}
	}

	// 1. Reserve the manifest and every replacement.
	manifest, err := pc.log.Reserve(wal.KindBatchManifest, pagemanager.BatchManifestPID, wal.EncodeManifest(0))
	if err != nil {
		return nil, err
	}
	reservations := make([]*wal.Reservation, 0, len(items))
	abortAll := func() {
		for i, r := range reservations {
			pc.acct.MarkReplaced(items[i].PID, []wal.DiskPtr{r.Ptr}, -1)
			r.Abort()
		}
		manifest.Abort()
	}
	for _, it := range items {
		payload, err := pagemanager.EncodeFrag(it.Frag)
		if err != nil {
			abortAll()
			return nil, err
		}
		r, err := pc.log.Reserve(wal.KindInlineReplace, it.PID, payload)
		if err != nil {
			abortAll()
			return nil, err
		}
		reservations = append(reservations, r)
		if err := pc.acct.MarkLive(it.PID, r.Ptr); err != nil {
			abortAll()
			return nil, err
		}
	}
	if err := manifest.SetManifestEnd(reservations[len(reservations)-1].LSN()); err != nil {
		abortAll()
		return nil, err
	}

	// 2. Install each page.
	out := make([]PagePtr, len(items))
	installed := 0
	for i, it := range items {
		r := reservations[i]
		next := &pageState{
			kind:    kindFrags,
			frags:   []pagemanager.Frag{it.Frag},
			ptrs:    []wal.DiskPtr{r.Ptr},
			version: pc.versions.Add(1),
		}
		var replaced *pageState
		for {
			cur := pc.table.load(it.PID)
			if cur != it.Old.state && !moved(it.Old.state, cur) {
				break
			}
			if pc.table.cas(it.PID, cur, next) {
				replaced = cur
				break
			}
		}
		if replaced == nil {
			// Abandon the rest of the batch. Pages already installed stay,
			// and without a manifest recovery keeps them too.
			for j := i; j < len(reservations); j++ {
				pc.acct.MarkReplaced(items[j].PID, []wal.DiskPtr{reservations[j].Ptr}, -1)
				reservations[j].Abort()
			}
			manifest.Abort()
			for j := 0; j < installed; j++ {
				reservations[j].Complete()
			}
			pc.metrics.CasFailuresCounter.Add(context.Background(), 1)
			return nil, fmt.Errorf("%w: page %d", ErrBatchConflict, it.PID)
		}
		pc.acct.MarkReplaced(it.PID, replaced.ptrs, r.Ptr.LSN)
		pc.bury(replaced.ptrs, r.Ptr.LSN)
		out[i] = PagePtr{state: next}
		installed++
		pc.touch(it.PID, next)
	}

	// 3. Complete the manifest and the records.
	var firstErr error
	if _, err := manifest.Complete(); err != nil {
		firstErr = err
	}
	for _, r := range reservations {
		if _, err := r.Complete(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	pc.afterWrite(guard)
	return out, firstErr
}

// --- Meta directory ---

func (pc *PageCache) ensureMeta() error {
	if pc.table.load(pagemanager.MetaPID) != nil {
		return nil
	}
	guard := pc.Pin()
	defer guard.Unpin()
	meta := pagemanager.NewMeta()
	next := &pageState{kind: kindMeta, meta: meta, version: pc.versions.Add(1)}
	_, _, err := pc.install(pagemanager.MetaPID, nil, wal.KindInlineMeta, pagemanager.EncodeMeta(meta), next, guard)
	return err
}

func (pc *PageCache) loadMeta() (*pageState, error) {
	st := pc.table.load(pagemanager.MetaPID)
	if st == nil || st.kind != kindMeta {
		return nil, fmt.Errorf("%w: meta page missing", ErrCorruption)
	}
	return st, nil
}

// MetaPidForName returns the root registered under name.
func (pc *PageCache) MetaPidForName(name []byte, guard *epoch.Guard) (pagemanager.PageID, error) {
	if err := pc.checkOpen(); err != nil {
		return 0, err
	}
	st, err := pc.loadMeta()
	if err != nil {
		return 0, err
	}
	root, ok := st.meta.Root(name)
	if !ok {
		return 0, ErrCollectionNotFound
	}
	return root, nil
}

// CasRootInMeta sets the root of name to new if it currently is old. A nil
// old means absent; a nil new removes the name. On mismatch nothing changes
// and Current holds the root found. Concurrent updates of other names are
// retried internally.
func (pc *PageCache) CasRootInMeta(name []byte, old, new *pagemanager.PageID, guard *epoch.Guard) (CasResult[*pagemanager.PageID], error) {
	if err := pc.checkOpen(); err != nil {
		return CasResult[*pagemanager.PageID]{}, err
	}
	for {
		cur, err := pc.loadMeta()
		if err != nil {
			return CasResult[*pagemanager.PageID]{}, err
		}
		var current *pagemanager.PageID
		if root, ok := cur.meta.Root(name); ok {
			current = &root
		}
		if !samePID(current, old) {
			return CasResult[*pagemanager.PageID]{Current: current}, nil
		}

		var meta *pagemanager.Meta
		if new == nil {
			meta = cur.meta.Without(name)
		} else {
			meta = cur.meta.With(name, *new)
		}
		next := &pageState{kind: kindMeta, meta: meta, version: pc.versions.Add(1)}
		_, swapped, err := pc.install(pagemanager.MetaPID, cur, wal.KindInlineMeta, pagemanager.EncodeMeta(meta), next, guard)
		if err != nil {
			return CasResult[*pagemanager.PageID]{}, err
		}
		if swapped {
			return CasResult[*pagemanager.PageID]{Swapped: true, Current: new}, nil
		}
	}
}

func samePID(a, b *pagemanager.PageID) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

// TreeNames returns every registered tree name in sorted order.
func (pc *PageCache) TreeNames(guard *epoch.Guard) ([][]byte, error) {
	if err := pc.checkOpen(); err != nil {
		return nil, err
	}
	st, err := pc.loadMeta()
	if err != nil {
		return nil, err
	}
	return st.meta.Names(), nil
}

// --- Durability and maintenance ---

// Flush makes every completed write durable and returns the bytes written.
func (pc *PageCache) Flush() (int, error) {
	if err := pc.checkOpen(); err != nil {
		return 0, err
	}
	start := time.Now()
	before := pc.log.BytesWritten()
	if _, err := pc.log.Flush(); err != nil {
		return 0, err
	}
	pc.metrics.FlushLatencyHistogram.Record(context.Background(), time.Since(start).Microseconds())

	guard := pc.Pin()
	pc.reclaim(guard)
	guard.Unpin()
	pc.collector.Quiesce()
	return int(pc.log.BytesWritten() - before), nil
}

// SizeOnDisk returns the total size of the files under the cache directory.
func (pc *PageCache) SizeOnDisk() (int64, error) {
	var total int64
	err := filepath.WalkDir(pc.cfg.Path, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		total += info.Size()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to measure %s: %w", pc.cfg.Path, err)
	}
	return total, nil
}

// Stats is a point-in-time summary used by the shell and tests.
type Stats struct {
	Segments       segment.Stats
	StableLSN      wal.LSN
	NextPID        pagemanager.PageID
	FreePIDs       int
	Epoch          uint64
	PendingGarbage int64
	LogSyncs       int64
	ResidentPages  int
	ResidentBytes  int64
}

// Stats returns a summary of the cache.
func (pc *PageCache) Stats() Stats {
	pc.allocMu.Lock()
	next, free := pc.nextPID, len(pc.freePIDs)
	pc.allocMu.Unlock()
	return Stats{
		Segments:       pc.acct.Stats(),
		StableLSN:      pc.log.StableLSN(),
		NextPID:        next,
		FreePIDs:       free,
		Epoch:          pc.collector.Epoch(),
		PendingGarbage: pc.collector.Pending(),
		LogSyncs:       pc.log.Syncs(),
		ResidentPages:  pc.residency.Len(),
		ResidentBytes:  pc.residency.Size(),
	}
}

// Close stops background work, flushes the log and closes it. No operation
// may be in flight.
func (pc *PageCache) Close() error {
	if !pc.closing.CompareAndSwap(false, true) {
		return nil
	}
	// The flusher's last run must still find the cache open.
	pc.flusher.Stop()
	pc.closed.Store(true)
	pc.compactor.stop()
	pc.snapshotWG.Wait()

	_, flushErr := pc.log.Flush()
	pc.collector.Quiesce()
	pc.collector.Close()
	closeErr := pc.log.Close()
	pc.logger.Info("page cache closed", zap.String("path", pc.cfg.Path))
	return errors.Join(flushErr, closeErr)
}

// pidLimit is one past the highest id that may be installed.
func (pc *PageCache) pidLimit() pagemanager.PageID {
	pc.allocMu.Lock()
	defer pc.allocMu.Unlock()
	return pc.nextPID
}

func sortedPIDs(m map[pagemanager.PageID]*pageState) []pagemanager.PageID {
	out := make([]pagemanager.PageID, 0, len(m))
	for pid := range m {
		out = append(out, pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
