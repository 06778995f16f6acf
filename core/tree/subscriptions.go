package tree

import (
	"bytes"
	"sync"

	"go.uber.org/zap"
)

// subscriberBuffer is the number of events a slow subscriber may lag behind
// before events are dropped for it.
const subscriberBuffer = 256

// EventKind tells an insert from a removal.
type EventKind int

const (
	EventInsert EventKind = iota + 1
	EventRemove
)

func (k EventKind) String() string {
	switch k {
	case EventInsert:
		return "insert"
	case EventRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Event describes one applied write.
type Event struct {
	Kind  EventKind
	Key   []byte
	Value []byte
}

// Subscriber receives the events whose key starts with its prefix.
type Subscriber struct {
	C <-chan Event

	ch     chan Event
	id     uint64
	prefix []byte
	subs   *Subscriptions
}

// Close stops delivery and closes C.
func (s *Subscriber) Close() {
	s.subs.remove(s.id)
}

// Subscriptions fans events out to subscribers. Delivery never blocks a
// writer: a subscriber whose buffer is full misses the event.
type Subscriptions struct {
	mu       sync.RWMutex
	next     uint64
	watchers map[uint64]*Subscriber
	logger   *zap.Logger
}

func newSubscriptions(logger *zap.Logger) *Subscriptions {
	return &Subscriptions{watchers: make(map[uint64]*Subscriber), logger: logger}
}

func (s *Subscriptions) subscribe(prefix []byte) *Subscriber {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	ch := make(chan Event, subscriberBuffer)
	sub := &Subscriber{C: ch, ch: ch, id: s.next, prefix: append([]byte(nil), prefix...), subs: s}
	s.watchers[sub.id] = sub
	return sub
}

func (s *Subscriptions) remove(id uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sub, ok := s.watchers[id]; ok {
		delete(s.watchers, id)
		close(sub.ch)
	}
}

func (s *Subscriptions) publish(ev Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, sub := range s.watchers {
		if !bytes.HasPrefix(ev.Key, sub.prefix) {
			continue
		}
		select {
		case sub.ch <- ev:
		default:
			s.logger.Warn("subscriber is full, dropping event",
				zap.Uint64("subscriber", sub.id),
				zap.Stringer("kind", ev.Kind),
			)
		}
	}
}

// closeAll closes every subscriber.
func (s *Subscriptions) closeAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, sub := range s.watchers {
		delete(s.watchers, id)
		close(sub.ch)
	}
}

func (s *Subscriptions) empty() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.watchers) == 0
}
