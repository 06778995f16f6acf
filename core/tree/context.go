// Package tree implements named keyspaces on top of the page cache.
package tree

import (
	"sync"
	"sync/atomic"

	"github.com/Crixalis2013/sled/core/pagecache"
	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
	"github.com/Crixalis2013/sled/pkg/datastructs/shardedmap"
	"github.com/cespare/xxhash/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/Crixalis2013/sled/core/tree"

// Context is the state shared by every tree of one database.
type Context struct {
	PageCache *pagecache.PageCache
	Logger    *zap.Logger
	// Tracer defaults to the global provider's tracer.
	Tracer trace.Tracer

	lostRaces atomic.Int64

	treesOnce sync.Once
	trees     *shardedmap.Map[string, *shared]
}

// LostRaces returns how many bootstrap attempts lost the race to register
// their root and were discarded.
func (ctx *Context) LostRaces() int64 { return ctx.lostRaces.Load() }

func (ctx *Context) logger() *zap.Logger {
	if ctx.Logger == nil {
		return zap.NewNop()
	}
	return ctx.Logger
}

func (ctx *Context) tracer() trace.Tracer {
	if ctx.Tracer == nil {
		return otel.Tracer(instrumentationName)
	}
	return ctx.Tracer
}

func (ctx *Context) registry() *shardedmap.Map[string, *shared] {
	ctx.treesOnce.Do(func() {
		ctx.trees = shardedmap.New[string, *shared](16, xxhash.Sum64String)
	})
	return ctx.trees
}

// attach returns a new handle on the state of tree name, creating that
// state around root when no other handle holds it.
func (ctx *Context) attach(name []byte, root pagemanager.PageID) *Tree {
	st, _ := ctx.registry().Compute(string(name), func(cur *shared, ok bool) (*shared, bool) {
		if !ok {
			cur = newShared(ctx, root)
		}
		cur.handles++
		return cur, true
	})
	return &Tree{ID: append([]byte(nil), name...), shared: st, ctx: ctx}
}

// detach releases one handle on st. The last one closes the subscribers
// and forgets the state.
func (ctx *Context) detach(name []byte, st *shared) {
	ctx.registry().Compute(string(name), func(cur *shared, ok bool) (*shared, bool) {
		if !ok || cur != st {
			return cur, ok
		}
		cur.handles--
		if cur.handles > 0 {
			return cur, true
		}
		cur.subscriptions.closeAll()
		return nil, false
	})
}

// handleCount returns how many open handles refer to tree name.
func (ctx *Context) handleCount(name []byte) int {
	n := 0
	ctx.registry().Compute(string(name), func(cur *shared, ok bool) (*shared, bool) {
		if ok {
			n = cur.handles
		}
		return cur, ok
	})
	return n
}
