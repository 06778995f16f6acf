// Package memtable tracks which pages keep their content in memory.
package memtable

import (
	"container/list" // For LRU
	"sync"
)

// Residency is an LRU of resident pages bounded by their total size. A nil
// Residency tracks nothing and never evicts.
type Residency struct {
	mu       sync.Mutex
	capacity int64
	size     int64
	lruList  *list.List // front is the most recently used
	lruMap   map[uint64]*list.Element
}

type resident struct {
	pid  uint64
	size int64
}

// NewResidency returns a tracker holding at most capacity bytes, or nil
// when capacity is not positive.
func NewResidency(capacity int64) *Residency {
	if capacity <= 0 {
		return nil
	}
	return &Residency{
		capacity: capacity,
		lruList:  list.New(),
		lruMap:   make(map[uint64]*list.Element),
	}
}

// Touch marks pid as just used with the given size and returns the least
// recently used pages that must leave memory to get back under capacity.
// The returned pages are no longer tracked. pid itself is never returned.
func (r *Residency) Touch(pid uint64, size int64) []uint64 {
	if r == nil {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, ok := r.lruMap[pid]; ok {
		res := e.Value.(*resident)
		r.size += size - res.size
		res.size = size
		r.lruList.MoveToFront(e)
	} else {
		r.lruMap[pid] = r.lruList.PushFront(&resident{pid: pid, size: size})
		r.size += size
	}

	var victims []uint64
	for r.size > r.capacity {
		e := r.lruList.Back()
		res := e.Value.(*resident)
		if res.pid == pid {
			break
		}
		r.removeLocked(e)
		victims = append(victims, res.pid)
	}
	return victims
}

// Forget stops tracking pid.
func (r *Residency) Forget(pid uint64) {
	if r == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.lruMap[pid]; ok {
		r.removeLocked(e)
	}
}

func (r *Residency) removeLocked(e *list.Element) {
	res := e.Value.(*resident)
	r.lruList.Remove(e)
	delete(r.lruMap, res.pid)
	r.size -= res.size
}

// Size returns the tracked bytes.
func (r *Residency) Size() int64 {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.size
}

// Len returns the number of tracked pages.
func (r *Residency) Len() int {
	if r == nil {
		return 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lruList.Len()
}
