package pagecache

import (
	"context"
	"fmt"
	"sync"
	"time"

	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
	"github.com/Crixalis2013/sled/core/write_engine/wal"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// compactionBatch is how many candidate segments one pass relocates.
const compactionBatch = 4

// compactor periodically relocates the live pages of sparsely used segments
// so the segments can be reclaimed.
type compactor struct {
	pc       *PageCache
	limiter  *rate.Limiter
	interval time.Duration
	stopChan chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	once     sync.Once
}

func newLimiter(bytesPerSec, segmentSize int) *rate.Limiter {
	if bytesPerSec <= 0 {
		return rate.NewLimiter(rate.Inf, segmentSize)
	}
	burst := bytesPerSec
	if burst < segmentSize {
		burst = segmentSize
	}
	return rate.NewLimiter(rate.Limit(bytesPerSec), burst)
}

// startCompactor returns a compactor; its loop only runs when an interval
// is configured, but Compact is always usable.
func startCompactor(pc *PageCache) *compactor {
	ctx, cancel := context.WithCancel(context.Background())
	c := &compactor{
		pc:       pc,
		limiter:  newLimiter(pc.cfg.CompactionRateBytes, pc.cfg.SegmentSize),
		interval: pc.cfg.CompactionInterval,
		stopChan: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
	}
	if c.interval > 0 {
		c.wg.Add(1)
		go c.loop()
	}
	return c
}

func (c *compactor) loop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			n, err := c.pc.compact(c.ctx, c.limiter)
			if err != nil && c.ctx.Err() == nil {
				c.pc.logger.Warn("compaction pass failed", zap.Error(err))
			} else if n > 0 {
				c.pc.logger.Debug("compaction pass done", zap.Int("relocated", n))
			}
		case <-c.stopChan:
			return
		}
	}
}

func (c *compactor) stop() {
	c.once.Do(func() {
		c.cancel()
		close(c.stopChan)
	})
	c.wg.Wait()
}

// Compact relocates the live pages of up to a few segments whose live
// fraction is below the cleanup threshold. It returns the number of pages
// moved.
func (pc *PageCache) Compact(ctx context.Context) (int, error) {
	if err := pc.checkOpen(); err != nil {
		return 0, err
	}
	return pc.compact(ctx, pc.compactor.limiter)
}

func (pc *PageCache) compact(ctx context.Context, limiter *rate.Limiter) (int, error) {
	moved := 0
	for _, idx := range pc.acct.CleanupCandidates(pc.cfg.SegmentCleanupThreshold, compactionBatch) {
		for _, pid := range pc.acct.LivePages(idx) {
			if err := ctx.Err(); err != nil {
				return moved, err
			}
			ok, err := pc.relocate(ctx, limiter, pid, idx)
			if err != nil {
				return moved, fmt.Errorf("relocate page %d from segment %d: %w", pid, idx, err)
			}
			if ok {
				moved++
			}
		}
	}
	return moved, nil
}

// relocate rewrites pid as a single record in the active segment if any of
// its records still live in segment idx. The page version is kept, so the
// move is invisible to callers holding a PagePtr apart from their CAS being
// retried.
func (pc *PageCache) relocate(ctx context.Context, limiter *rate.Limiter, pid pagemanager.PageID, idx int) (bool, error) {
	guard := pc.Pin()
	defer guard.Unpin()

	for {
		st := pc.table.load(pid)
		if st == nil || !pc.residesIn(st, idx) {
			return false, nil
		}

		var kind wal.MessageKind
		var payload []byte
		next := &pageState{kind: st.kind, version: st.version}
		switch st.kind {
		case kindFrags:
			if !st.resident() {
				if _, err := pc.pageIn(pid, st); err != nil {
					return false, err
				}
				continue
			}
			node, err := pagemanager.Consolidate(st.frags)
			if err != nil {
				return false, fmt.Errorf("%w: %v", ErrCorruption, err)
			}
			base := pagemanager.BaseFrag(node)
			if payload, err = pagemanager.EncodeFrag(base); err != nil {
				return false, err
			}
			kind = wal.KindInlineReplace
			next.frags = []pagemanager.Frag{base}
		case kindMeta:
			kind, payload = wal.KindInlineMeta, pagemanager.EncodeMeta(st.meta)
			next.meta = st.meta
		case kindCounter:
			kind, payload = wal.KindCounter, pagemanager.EncodeCounter(st.counter)
			next.counter = st.counter
		case kindFree:
			kind = wal.KindFree
		}

		n := wal.MaxMsgHeaderLen + len(payload)
		if n > limiter.Burst() {
			n = limiter.Burst()
		}
		if err := limiter.WaitN(ctx, n); err != nil {
			return false, err
		}

		_, swapped, err := pc.install(pid, st, kind, payload, next, guard)
		if err != nil {
			return false, err
		}
		if swapped {
			pc.touch(pid, next)
			pc.metrics.BytesRelocatedCounter.Add(context.Background(), int64(n))
			return true, nil
		}
	}
}

func (pc *PageCache) residesIn(st *pageState, idx int) bool {
	for _, p := range st.ptrs {
		if p.Segment(pc.cfg.SegmentSize) == idx {
			return true
		}
	}
	return false
}
