// ABOUTME: TTL and size bounded set of recently seen call ids
// ABOUTME: Rejects a caller-supplied call id reused by the same user within the window

package dispatch

import (
	"container/list"
	"sync"
	"time"
)

// DefaultCallIDWindow is how long a caller-supplied call id stays reserved.
const DefaultCallIDWindow = 5 * time.Minute

// DefaultCallIDCapacity bounds the number of remembered call ids.
const DefaultCallIDCapacity = 10000

type callIDEntry struct {
	seenAt  time.Time
	element *list.Element
}

// callIDSet remembers call ids in insertion order so the oldest can be
// evicted in O(1) once the set is full.
type callIDSet struct {
	mu      sync.Mutex
	seen    map[string]*callIDEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

func newCallIDSet(ttl time.Duration, maxSize int, now func() time.Time) *callIDSet {
	s := &callIDSet{
		seen:    make(map[string]*callIDEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     now,
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// reserve records key and reports whether it was already reserved within
// the window. Check and mark happen under one lock.
func (s *callIDSet) reserve(key string) (duplicate bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if entry, ok := s.seen[key]; ok {
		if now.Sub(entry.seenAt) < s.ttl {
			return true
		}
		entry.seenAt = now
		s.order.MoveToBack(entry.element)
		return false
	}

	if len(s.seen) >= s.maxSize {
		s.evictOldest()
	}
	s.seen[key] = &callIDEntry{seenAt: now, element: s.order.PushBack(key)}
	return false
}

func (s *callIDSet) evictOldest() {
	front := s.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	s.order.Remove(front)
	delete(s.seen, key)
}

func (s *callIDSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *callIDSet) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep()
		case <-s.done:
			return
		}
	}
}

// sweep drops expired ids.
func (s *callIDSet) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	for key, entry := range s.seen {
		if now.Sub(entry.seenAt) >= s.ttl {
			s.order.Remove(entry.element)
			delete(s.seen, key)
		}
	}
}

func (s *callIDSet) close() {
	s.closeOnce.Do(func() { close(s.done) })
}
