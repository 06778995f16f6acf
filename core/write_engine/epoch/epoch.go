// Package epoch implements epoch-based reclamation for the page cache.
//
// A reader pins the collector before touching shared state and unpins when
// done. Work deferred through a Guard runs only after the global epoch has
// advanced twice past the epoch the work was retired in, at which point no
// guard that could still observe the retired state remains pinned.
package epoch

import (
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

// participant state is epoch<<1 | pinned.
type participant struct {
	state atomic.Uint64
}

func (p *participant) pinned() (uint64, bool) {
	s := p.state.Load()
	return s >> 1, s&1 == 1
}

type bag struct {
	epoch uint64
	fns   []func()
}

// Collector owns the global epoch and the retired garbage.
type Collector struct {
	global       atomic.Uint64
	participants atomic.Pointer[[]*participant]

	idleMu sync.Mutex
	idle   []*participant

	garbageMu sync.Mutex
	garbage   []bag
	pending   atomic.Int64

	logger *zap.Logger
}

// NewCollector returns a collector at epoch 0.
func NewCollector(logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{logger: logger.Named("epoch")}
	empty := make([]*participant, 0)
	c.participants.Store(&empty)
	return c
}

// Epoch returns the current global epoch.
func (c *Collector) Epoch() uint64 { return c.global.Load() }

// Pending returns the number of deferred functions that have not run yet.
func (c *Collector) Pending() int64 { return c.pending.Load() }

func (c *Collector) acquire() *participant {
	c.idleMu.Lock()
	if n := len(c.idle); n > 0 {
		p := c.idle[n-1]
		c.idle = c.idle[:n-1]
		c.idleMu.Unlock()
		return p
	}
	c.idleMu.Unlock()

	p := &participant{}
	for {
		old := c.participants.Load()
		next := make([]*participant, len(*old)+1)
		copy(next, *old)
		next[len(*old)] = p
		if c.participants.CompareAndSwap(old, &next) {
			return p
		}
	}
}

func (c *Collector) release(p *participant) {
	c.idleMu.Lock()
	c.idle = append(c.idle, p)
	c.idleMu.Unlock()
}

// Pin registers the caller as active in the current epoch. The returned
// Guard must be unpinned by the same goroutine.
func (c *Collector) Pin() *Guard {
	p := c.acquire()
	for {
		e := c.global.Load()
		p.state.Store(e<<1 | 1)
		if c.global.Load() == e {
			break
		}
	}
	return &Guard{c: c, p: p}
}

// tryAdvance moves the global epoch forward if every pinned participant has
// observed the current one.
func (c *Collector) tryAdvance() bool {
	e := c.global.Load()
	for _, p := range *c.participants.Load() {
		if local, pinned := p.pinned(); pinned && local != e {
			return false
		}
	}
	return c.global.CompareAndSwap(e, e+1)
}

func (c *Collector) retire(epoch uint64, fns []func()) {
	if len(fns) == 0 {
		return
	}
	c.pending.Add(int64(len(fns)))
	c.garbageMu.Lock()
	c.garbage = append(c.garbage, bag{epoch: epoch, fns: fns})
	c.garbageMu.Unlock()
}

// collect runs every bag retired at least two epochs ago.
func (c *Collector) collect() {
	e := c.global.Load()
	c.garbageMu.Lock()
	var ready []bag
	kept := c.garbage[:0]
	for _, b := range c.garbage {
		if b.epoch+2 <= e {
			ready = append(ready, b)
		} else {
			kept = append(kept, b)
		}
	}
	c.garbage = kept
	c.garbageMu.Unlock()

	for _, b := range ready {
		for _, fn := range b.fns {
			fn()
		}
		c.pending.Add(-int64(len(b.fns)))
	}
}

// Quiesce advances the epoch and collects until no garbage is pending or
// some pinned guard holds the epoch back. It returns the remaining count.
func (c *Collector) Quiesce() int64 {
	for i := 0; i < 3 && c.pending.Load() > 0; i++ {
		if !c.tryAdvance() {
			break
		}
		c.collect()
	}
	return c.pending.Load()
}

// Close runs all remaining garbage. No guard may be pinned.
func (c *Collector) Close() {
	c.garbageMu.Lock()
	garbage := c.garbage
	c.garbage = nil
	c.garbageMu.Unlock()
	for _, b := range garbage {
		for _, fn := range b.fns {
			fn()
		}
		c.pending.Add(-int64(len(b.fns)))
	}
	c.logger.Debug("collector closed", zap.Uint64("epoch", c.global.Load()))
}

// Guard is a pinned participant. It is not safe for concurrent use.
type Guard struct {
	c     *Collector
	p     *participant
	local []func()
}

// Defer schedules fn to run once no guard that was pinned when the work is
// retired can still be active. Work is retired at Flush or Unpin.
func (g *Guard) Defer(fn func()) {
	g.local = append(g.local, fn)
}

// Flush hands the guard's deferred work to the collector now instead of at
// Unpin.
func (g *Guard) Flush() {
	g.c.retire(g.c.global.Load(), g.local)
	g.local = nil
	g.c.tryAdvance()
	g.c.collect()
}

// Unpin releases the guard. The guard must not be used afterwards.
func (g *Guard) Unpin() {
	if g.p == nil {
		return
	}
	g.c.retire(g.c.global.Load(), g.local)
	g.local = nil
	g.p.state.Store(0)
	g.c.release(g.p)
	g.p = nil
	g.c.tryAdvance()
	g.c.collect()
}
