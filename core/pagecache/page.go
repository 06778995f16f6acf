package pagecache

import (
	pagemanager "github.com/Crixalis2013/sled/core/write_engine/page_manager"
	"github.com/Crixalis2013/sled/core/write_engine/wal"
)

type pageKind byte

const (
	kindFrags pageKind = iota + 1
	kindMeta
	kindCounter
	kindFree
)

func (k pageKind) String() string {
	switch k {
	case kindFrags:
		return "frags"
	case kindMeta:
		return "meta"
	case kindCounter:
		return "counter"
	case kindFree:
		return "free"
	default:
		return "unknown"
	}
}

// pageState is the immutable content of one page table slot. Every update
// installs a new pageState; the pointer identity is what CAS compares.
type pageState struct {
	kind    pageKind
	frags   []pagemanager.Frag // newest first
	meta    *pagemanager.Meta
	counter uint64
	// ptrs are the log records holding this state, newest first.
	ptrs []wal.DiskPtr
	// version changes on every logical update and survives relocation.
	version uint64
	// freedAt is the LSN of the free record of a tombstone. It outlives
	// ptrs once a snapshot covers the free.
	freedAt wal.LSN
}

func (s *pageState) lsn() wal.LSN {
	if s == nil {
		return -1
	}
	if len(s.ptrs) == 0 {
		if s.kind == kindFree {
			return s.freedAt
		}
		return -1
	}
	return s.ptrs[0].LSN
}

// deltas returns the number of fragments stacked above the base.
func (s *pageState) deltas() int {
	if len(s.frags) == 0 {
		return 0
	}
	return len(s.frags) - 1
}

// PagePtr is an opaque handle to the state a page had when it was read. It
// is only meaningful as the expected value of a later CAS on the same page.
type PagePtr struct {
	state *pageState
}

// IsNil reports whether the pointer refers to no state.
func (p PagePtr) IsNil() bool { return p.state == nil }

// LSN returns the log position of the newest record behind the pointer.
func (p PagePtr) LSN() wal.LSN { return p.state.lsn() }

// Page is a consistent view of a fragment page.
type Page struct {
	ptr PagePtr
}

// Ptr returns the pointer to pass to Link, Replace or Free.
func (p Page) Ptr() PagePtr { return p.ptr }

// Frags returns the fragment chain, newest first. Callers must not modify it.
func (p Page) Frags() []pagemanager.Frag {
	if p.ptr.state == nil {
		return nil
	}
	return p.ptr.state.frags
}

// Node folds the chain into a node.
func (p Page) Node() (pagemanager.Node, error) {
	return pagemanager.Consolidate(p.Frags())
}

// CasResult reports the outcome of a compare-and-swap. When Swapped is false,
// Current holds the value that was found instead of the expected one.
type CasResult[T any] struct {
	Swapped bool
	Current T
}
