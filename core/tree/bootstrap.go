package tree

import (
	"context"
	"errors"
	"fmt"

	"github.com/Crixalis2013/sled/core/pagecache"
	"github.com/Crixalis2013/sled/core/write_engine/epoch"
	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Open returns the tree registered under name, creating it if needed.
//
// Creation races other openers of the same name: each speculatively
// allocates an empty leaf and a root index pointing at it, then tries to
// register the root in the meta directory. Losers free both pages and start
// over, which finds the winner's root. The returned handle must be closed.
func Open(ctx *Context, name []byte, guard *epoch.Guard) (*Tree, error) {
	_, span := ctx.tracer().Start(context.Background(), "tree.Open", trace.WithAttributes(
		attribute.String("sled.tree", string(name)),
	))
	defer span.End()

	pc := ctx.PageCache
	attempts := 0
	for {
		attempts++

		// 1. Open the existing tree.
		root, err := pc.MetaPidForName(name, guard)
		if err == nil {
			span.SetAttributes(attribute.Int("sled.attempts", attempts))
			return ctx.attach(name, root), nil
		}
		if !errors.Is(err, pagecache.ErrCollectionNotFound) {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}

		// 2. Allocate an empty leaf covering the whole keyspace.
		leafID, leafPtr, err := pc.Allocate(pagemanager.BaseFrag(pagemanager.NewEmptyLeaf()), guard)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, fmt.Errorf("failed to allocate leaf for tree %q: %w", name, err)
		}

		// 3. Allocate the root index routing everything to the leaf.
		rootID, rootPtr, err := pc.Allocate(pagemanager.BaseFrag(pagemanager.NewRootIndex(leafID)), guard)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, errors.Join(
				fmt.Errorf("failed to allocate root for tree %q: %w", name, err),
				ctx.freeSpeculative(leafID, leafPtr, guard),
			)
		}

		// 4. Race to register the root.
		res, err := pc.CasRootInMeta(name, nil, &rootID, guard)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, errors.Join(
				err,
				ctx.freeSpeculative(rootID, rootPtr, guard),
				ctx.freeSpeculative(leafID, leafPtr, guard),
			)
		}

		// 5. Won.
		if res.Swapped {
			ctx.logger().Info("tree created",
				zap.ByteString("name", name),
				zap.Uint64("root", uint64(rootID)),
				zap.Uint64("leaf", uint64(leafID)),
			)
			span.SetAttributes(attribute.Int("sled.attempts", attempts), attribute.Bool("sled.created", true))
			return ctx.attach(name, rootID), nil
		}

		// 6. Lost: discard the speculative pages and retry.
		ctx.lostRaces.Add(1)
		if err := ctx.freeSpeculative(rootID, rootPtr, guard); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
		if err := ctx.freeSpeculative(leafID, leafPtr, guard); err != nil {
			span.SetStatus(codes.Error, err.Error())
			return nil, err
		}
	}
}

// freeSpeculative frees a page only this caller has seen. Finding it
// replaced means a lost update elsewhere in the page table.
func (ctx *Context) freeSpeculative(pid pagemanager.PageID, ptr pagecache.PagePtr, guard *epoch.Guard) error {
	res, err := ctx.PageCache.Free(pid, ptr, guard)
	if err != nil {
		return fmt.Errorf("failed to free speculative page %d: %w", pid, err)
	}
	if !res.Swapped {
		ctx.logger().DPanic("speculative page was replaced before it was freed", zap.Uint64("pid", uint64(pid)))
		return fmt.Errorf("%w: page %d", pagecache.ErrFreeRaced, pid)
	}
	return nil
}
