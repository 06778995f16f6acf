package tree

import (
	"errors"

	"github.com/Crixalis2013/sled/core/pagecache"
	"github.com/Crixalis2013/sled/core/write_engine/epoch"
	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
)

// Batch collects writes applied atomically by ApplyBatch.
type Batch struct {
	writes []pagemanager.Frag
}

// Insert queues key = value.
func (b *Batch) Insert(key, value []byte) {
	b.writes = append(b.writes, pagemanager.SetFrag(clone(key), clone(value)))
}

// Remove queues the removal of key.
func (b *Batch) Remove(key []byte) {
	b.writes = append(b.writes, pagemanager.DelFrag(clone(key)))
}

// Len returns the number of queued writes.
func (b *Batch) Len() int { return len(b.writes) }

// ApplyBatch applies every write of b or, after a crash, none of them. It
// excludes all other writers of the tree while it runs.
func (t *Tree) ApplyBatch(b *Batch) error {
	if b.Len() == 0 {
		return nil
	}
	t.concurrencyControl.Lock()
	defer t.concurrencyControl.Unlock()

	pc := t.ctx.PageCache
	for {
		guard := pc.Pin()
		err := t.applyBatch(b, guard)
		guard.Unpin()
		if errors.Is(err, pagecache.ErrBatchConflict) {
			continue
		}
		if err != nil {
			return err
		}
		for _, w := range b.writes {
			t.notify(w)
		}
		return nil
	}
}

// applyBatch folds the writes into a new base for every leaf they touch and
// replaces those leaves together.
func (t *Tree) applyBatch(b *Batch, guard *epoch.Guard) error {
	type touched struct {
		ptr   pagecache.PagePtr
		chain []pagemanager.Frag // newest first
	}
	leaves := make(map[pagemanager.PageID]*touched)
	var order []pagemanager.PageID

	for _, w := range b.writes {
		l, err := t.leafFor(w.Key, guard)
		if err != nil {
			return err
		}
		tl, ok := leaves[l.pid]
		if !ok {
			tl = &touched{ptr: l.ptr, chain: []pagemanager.Frag{pagemanager.BaseFrag(l.node)}}
			leaves[l.pid] = tl
			order = append(order, l.pid)
		}
		tl.chain = append([]pagemanager.Frag{w}, tl.chain...)
	}

	items := make([]pagecache.BatchItem, 0, len(order))
	for _, pid := range order {
		tl := leaves[pid]
		node, err := pagemanager.Consolidate(tl.chain)
		if err != nil {
			return err
		}
		items = append(items, pagecache.BatchItem{PID: pid, Old: tl.ptr, Frag: pagemanager.BaseFrag(node)})
	}
	_, err := t.ctx.PageCache.ReplaceBatch(items, guard)
	return err
}
