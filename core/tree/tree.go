package tree

import (
	"bytes"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/Crixalis2013/sled/core/pagecache"
	"github.com/Crixalis2013/sled/core/write_engine/epoch"
	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
)

// ErrNoMergeOperator is returned by Merge on a tree without a merge operator.
var ErrNoMergeOperator = errors.New("no merge operator set")

// MergeOperator combines the current value of key (nil when absent) with a
// merged value. Returning nil removes the key.
type MergeOperator func(key, old, merged []byte) []byte

// Tree is a handle on a named keyspace. Handles for the same name opened
// from the same Context share one root, lock, merge operator and set of
// subscribers.
type Tree struct {
	ID []byte
	*shared

	ctx    *Context
	closed atomic.Bool
}

// shared is the state of one open tree, held by every handle on it.
type shared struct {
	root               atomic.Uint64
	concurrencyControl sync.RWMutex
	mergeOperator      atomic.Pointer[MergeOperator]
	subscriptions      *Subscriptions

	// handles is guarded by the Context registry.
	handles int
}

func newShared(ctx *Context, root pagemanager.PageID) *shared {
	st := &shared{subscriptions: newSubscriptions(ctx.logger().Named("subscriptions"))}
	st.root.Store(uint64(root))
	return st
}

// Root returns the PageID of the tree's root.
func (t *Tree) Root() pagemanager.PageID {
	return pagemanager.PageID(t.root.Load())
}

// SetMergeOperator installs the operator used by Merge.
func (t *Tree) SetMergeOperator(op MergeOperator) {
	t.mergeOperator.Store(&op)
}

// Subscribe returns a subscriber for writes to keys starting with prefix.
func (t *Tree) Subscribe(prefix []byte) *Subscriber {
	return t.subscriptions.subscribe(prefix)
}

// Close releases the handle. Closing the last handle on a tree closes
// every subscriber of it. Further calls are no-ops.
func (t *Tree) Close() {
	if t.closed.CompareAndSwap(false, true) {
		t.ctx.detach(t.ID, t.shared)
	}
}

// leaf is the leaf responsible for a key, as read under a guard.
type leaf struct {
	pid  pagemanager.PageID
	ptr  pagecache.PagePtr
	node pagemanager.Node
}

// leafFor descends from the root to the leaf covering key, following right
// siblings for keys at or past a node's high bound.
func (t *Tree) leafFor(key []byte, guard *epoch.Guard) (leaf, error) {
	pc := t.ctx.PageCache
	pid := t.Root()
	for {
		page, err := pc.Get(pid, guard)
		if err != nil {
			return leaf{}, fmt.Errorf("tree %q: read page %d: %w", t.ID, pid, err)
		}
		node, err := page.Node()
		if err != nil {
			return leaf{}, fmt.Errorf("tree %q: page %d: %w", t.ID, pid, err)
		}
		if len(node.Hi) > 0 && bytes.Compare(key, node.Hi) >= 0 && node.Next != nil {
			pid = *node.Next
			continue
		}
		if node.IsLeaf() {
			return leaf{pid: pid, ptr: page.Ptr(), node: node}, nil
		}
		child, ok := node.ChildFor(key)
		if !ok {
			return leaf{}, fmt.Errorf("%w: tree %q index page %d has no children", pagecache.ErrCorruption, t.ID, pid)
		}
		pid = child
	}
}

// update runs a read-modify-write on key until its delta lands. decide
// returns the delta to link, or nil to leave the key unchanged.
func (t *Tree) update(key []byte, decide func(old []byte, found bool) (*pagemanager.Frag, error)) ([]byte, error) {
	t.concurrencyControl.RLock()
	defer t.concurrencyControl.RUnlock()

	pc := t.ctx.PageCache
	for {
		guard := pc.Pin()
		l, err := t.leafFor(key, guard)
		if err != nil {
			guard.Unpin()
			return nil, err
		}
		old, found := l.node.Get(key)
		delta, err := decide(old, found)
		if err != nil || delta == nil {
			guard.Unpin()
			return old, err
		}
		res, err := pc.Link(l.pid, l.ptr, *delta, guard)
		guard.Unpin()
		if err != nil {
			return nil, err
		}
		if res.Swapped {
			t.notify(*delta)
			return old, nil
		}
	}
}

func (t *Tree) notify(delta pagemanager.Frag) {
	if t.subscriptions.empty() {
		return
	}
	switch delta.Kind {
	case pagemanager.FragSet:
		t.subscriptions.publish(Event{Kind: EventInsert, Key: delta.Key, Value: delta.Value})
	case pagemanager.FragDel:
		t.subscriptions.publish(Event{Kind: EventRemove, Key: delta.Key})
	}
}

// Get returns the value stored under key.
func (t *Tree) Get(key []byte) ([]byte, bool, error) {
	guard := t.ctx.PageCache.Pin()
	defer guard.Unpin()
	l, err := t.leafFor(key, guard)
	if err != nil {
		return nil, false, err
	}
	v, ok := l.node.Get(key)
	return v, ok, nil
}

// Insert sets key to value and returns the previous value, if any.
func (t *Tree) Insert(key, value []byte) ([]byte, error) {
	frag := pagemanager.SetFrag(clone(key), clone(value))
	return t.update(key, func([]byte, bool) (*pagemanager.Frag, error) {
		return &frag, nil
	})
}

// Remove deletes key and returns its previous value, if any.
func (t *Tree) Remove(key []byte) ([]byte, error) {
	frag := pagemanager.DelFrag(clone(key))
	return t.update(key, func(_ []byte, found bool) (*pagemanager.Frag, error) {
		if !found {
			return nil, nil
		}
		return &frag, nil
	})
}

// CompareAndSwap sets key to new if its current value is old. A nil old
// means absent and a nil new removes the key. When the values differ the
// current value is returned with swapped == false.
func (t *Tree) CompareAndSwap(key, old, new []byte) (current []byte, swapped bool, err error) {
	k := clone(key)
	cur, err := t.update(key, func(v []byte, found bool) (*pagemanager.Frag, error) {
		if found != (old != nil) || !bytes.Equal(v, old) {
			return nil, nil
		}
		swapped = true
		if new == nil {
			if !found {
				return nil, nil
			}
			f := pagemanager.DelFrag(k)
			return &f, nil
		}
		f := pagemanager.SetFrag(k, clone(new))
		return &f, nil
	})
	if err != nil {
		return nil, false, err
	}
	if swapped {
		return new, true, nil
	}
	return cur, false, nil
}

// Merge combines value into key with the tree's merge operator and returns
// the previous value.
func (t *Tree) Merge(key, value []byte) ([]byte, error) {
	opPtr := t.mergeOperator.Load()
	if opPtr == nil {
		return nil, ErrNoMergeOperator
	}
	op := *opPtr
	k := clone(key)
	return t.update(key, func(old []byte, found bool) (*pagemanager.Frag, error) {
		var current []byte
		if found {
			current = old
		}
		merged := op(k, current, value)
		if merged == nil {
			if !found {
				return nil, nil
			}
			f := pagemanager.DelFrag(k)
			return &f, nil
		}
		f := pagemanager.SetFrag(k, clone(merged))
		return &f, nil
	})
}

// Scan calls fn for every key in [start, end) in order until fn returns
// false. A nil end means unbounded.
func (t *Tree) Scan(start, end []byte, fn func(key, value []byte) bool) error {
	pc := t.ctx.PageCache
	guard := pc.Pin()
	defer guard.Unpin()

	l, err := t.leafFor(start, guard)
	if err != nil {
		return err
	}
	node := l.node
	for {
		for _, kv := range node.Data.Leaf {
			if bytes.Compare(kv.Key, start) < 0 {
				continue
			}
			if end != nil && bytes.Compare(kv.Key, end) >= 0 {
				return nil
			}
			if !fn(kv.Key, kv.Value) {
				return nil
			}
		}
		if node.Next == nil || len(node.Hi) == 0 || (end != nil && bytes.Compare(node.Hi, end) >= 0) {
			return nil
		}
		page, err := pc.Get(*node.Next, guard)
		if err != nil {
			return err
		}
		if node, err = page.Node(); err != nil {
			return err
		}
	}
}

// Len counts the keys of the tree.
func (t *Tree) Len() (int, error) {
	n := 0
	err := t.Scan(nil, nil, func(_, _ []byte) bool {
		n++
		return true
	})
	return n, err
}

func clone(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return append([]byte(nil), b...)
}
