// Package shardedmap provides a concurrent map split into independently
// locked shards.
package shardedmap

import (
	"math/bits"
	"sync"
)

// Map is a thread-safe map that uses sharding to minimize lock contention.
type Map[K comparable, V any] struct {
	shards []*lockedShard[K, V]
	mask   uint64
	hasher func(K) uint64
}

type lockedShard[K comparable, V any] struct {
	sync.RWMutex
	data map[K]V

	// keeps shards on separate cache lines
	pad [64]byte
}

// New creates a map with shards rounded up to a power of two; zero or less
// means 256.
func New[K comparable, V any](shards int, hashFn func(K) uint64) *Map[K, V] {
	if shards <= 0 {
		shards = 256
	}
	n := ceilPowerOfTwo(shards)
	m := &Map[K, V]{
		shards: make([]*lockedShard[K, V], n),
		mask:   uint64(n - 1),
		hasher: hashFn,
	}
	for i := range m.shards {
		m.shards[i] = &lockedShard[K, V]{data: make(map[K]V)}
	}
	return m
}

func ceilPowerOfTwo(n int) int {
	if n <= 1 {
		return 1
	}
	return 1 << bits.Len(uint(n-1))
}

func (m *Map[K, V]) shard(key K) *lockedShard[K, V] {
	return m.shards[m.hasher(key)&m.mask]
}

// Get retrieves a value from the map.
func (m *Map[K, V]) Get(key K) (V, bool) {
	s := m.shard(key)
	s.RLock()
	val, ok := s.data[key]
	s.RUnlock()
	return val, ok
}

// Set adds or updates a value in the map.
func (m *Map[K, V]) Set(key K, value V) {
	s := m.shard(key)
	s.Lock()
	s.data[key] = value
	s.Unlock()
}

// GetOrCreate returns the value under key, calling create to build it when
// absent. create runs under the shard lock, so it runs at most once per key
// until the key is deleted. A create error leaves the map unchanged.
func (m *Map[K, V]) GetOrCreate(key K, create func() (V, error)) (V, error) {
	s := m.shard(key)
	s.RLock()
	val, ok := s.data[key]
	s.RUnlock()
	if ok {
		return val, nil
	}

	s.Lock()
	defer s.Unlock()
	if val, ok := s.data[key]; ok {
		return val, nil
	}
	val, err := create()
	if err != nil {
		return val, err
	}
	s.data[key] = val
	return val, nil
}

// Compute replaces the value under key with the result of fn, which sees
// the current value and whether it exists. Returning keep == false deletes
// the key. fn runs under the shard lock.
func (m *Map[K, V]) Compute(key K, fn func(val V, ok bool) (V, bool)) (V, bool) {
	s := m.shard(key)
	s.Lock()
	defer s.Unlock()
	cur, ok := s.data[key]
	val, keep := fn(cur, ok)
	if keep {
		s.data[key] = val
	} else {
		delete(s.data, key)
	}
	return val, keep
}

// Del removes a value from the map.
func (m *Map[K, V]) Del(key K) {
	s := m.shard(key)
	s.Lock()
	delete(s.data, key)
	s.Unlock()
}

// Len returns the number of items. It is not atomic across shards.
func (m *Map[K, V]) Len() int {
	total := 0
	for _, s := range m.shards {
		s.RLock()
		total += len(s.data)
		s.RUnlock()
	}
	return total
}

// Do calls fn for every item, locking one shard at a time.
func (m *Map[K, V]) Do(fn func(K, V)) {
	for _, s := range m.shards {
		s.RLock()
		for k, v := range s.data {
			fn(k, v)
		}
		s.RUnlock()
	}
}
