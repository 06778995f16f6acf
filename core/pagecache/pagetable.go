package pagecache

import (
	"sync/atomic"

	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
)

// The page table is a two-level radix of atomic slots. Level-two nodes are
// installed lazily with a CAS and never removed, so a slot address is stable
// for the life of the cache.

const (
	l2Bits   = 12
	l1Bits   = 16
	l2Fanout = 1 << l2Bits
	l1Fanout = 1 << l1Bits
	l2Mask   = l2Fanout - 1

	maxTablePID = pagemanager.PageID(l1Fanout*l2Fanout - 1)
)

type tableNode [l2Fanout]atomic.Pointer[pageState]

type pageTable struct {
	roots [l1Fanout]atomic.Pointer[tableNode]
}

func newPageTable() *pageTable {
	return &pageTable{}
}

// slot returns the slot for pid, creating the level-two node when create is
// set. It returns nil for ids the table cannot hold or, without create, for
// ids whose node does not exist yet.
func (t *pageTable) slot(pid pagemanager.PageID, create bool) *atomic.Pointer[pageState] {
	if pid > maxTablePID {
		return nil
	}
	l1 := &t.roots[pid>>l2Bits]
	node := l1.Load()
	if node == nil {
		if !create {
			return nil
		}
		fresh := new(tableNode)
		if l1.CompareAndSwap(nil, fresh) {
			node = fresh
		} else {
			node = l1.Load()
		}
	}
	return &node[pid&l2Mask]
}

func (t *pageTable) load(pid pagemanager.PageID) *pageState {
	s := t.slot(pid, false)
	if s == nil {
		return nil
	}
	return s.Load()
}

func (t *pageTable) cas(pid pagemanager.PageID, old, next *pageState) bool {
	s := t.slot(pid, true)
	if s == nil {
		return false
	}
	return s.CompareAndSwap(old, next)
}

// forEach visits every installed page with an id below limit.
func (t *pageTable) forEach(limit pagemanager.PageID, fn func(pagemanager.PageID, *pageState)) {
	for hi := range t.roots {
		base := pagemanager.PageID(hi) << l2Bits
		if base >= limit {
			return
		}
		node := t.roots[hi].Load()
		if node == nil {
			continue
		}
		for lo := range node {
			pid := base | pagemanager.PageID(lo)
			if pid >= limit {
				return
			}
			if st := node[lo].Load(); st != nil {
				fn(pid, st)
			}
		}
	}
}
