// Package timer implements the shared timer service: single-shot timers
// keyed by an opaque identifier, backed by a min-heap of (deadline, key)
// entries with a generation counter per key. Cancel and re-arm never search
// the heap; stale entries stay in it and are popped lazily when they reach
// the top.
//
// A Service is owned by exactly one event loop and is not safe for
// concurrent use; callbacks run inside Advance, in the same serialized
// context as packet and application events.
package timer

import (
	"container/heap"
	"time"
)

type entry struct {
	deadline time.Time
	key      uint64
	gen      uint64
	index    int
}

// entryHeap orders pending timers by deadline.
type entryHeap []*entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	return h[i].deadline.Before(h[j].deadline)
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}

type armed struct {
	gen      uint64
	callback func()
}

// Service manages the pending timers of one protocol endpoint.
type Service struct {
	heap  entryHeap
	keys  map[uint64]*armed
	now   func() time.Time
	gen   uint64
}

// New returns an empty timer service.
func New() *Service {
	return &Service{keys: make(map[uint64]*armed), now: time.Now}
}

// Start arms (or re-arms) the timer for key to fire after delay. Any
// previous timer under the same key is superseded.
func (s *Service) Start(key uint64, delay time.Duration, callback func()) {
	s.gen++
	s.keys[key] = &armed{gen: s.gen, callback: callback}
	heap.Push(&s.heap, &entry{
		deadline: s.now().Add(delay),
		key:      key,
		gen:      s.gen,
	})
}

// Cancel disarms the timer for key. An already-expired but not yet
// delivered entry for the key is suppressed.
func (s *Service) Cancel(key uint64) {
	delete(s.keys, key)
}

// Restart re-arms key with a new delay, keeping its callback. It is a no-op
// if the key is not armed.
func (s *Service) Restart(key uint64, delay time.Duration) {
	a, ok := s.keys[key]
	if !ok {
		return
	}
	s.Start(key, delay, a.callback)
}

// Active reports whether key is currently armed.
func (s *Service) Active(key uint64) bool {
	_, ok := s.keys[key]
	return ok
}

// Next returns the delay until the earliest pending timer. ok is false when
// nothing is armed. The returned delay is never negative so it can feed a
// channel recv timeout directly.
func (s *Service) Next() (time.Duration, bool) {
	s.drainStale()
	if len(s.heap) == 0 {
		return 0, false
	}
	d := time.Until(s.heap[0].deadline)
	if d < 0 {
		d = 0
	}
	return d, true
}

// drainStale pops heap entries whose key was cancelled or re-armed since.
func (s *Service) drainStale() {
	for len(s.heap) > 0 {
		top := s.heap[0]
		a, ok := s.keys[top.key]
		if ok && a.gen == top.gen {
			return
		}
		heap.Pop(&s.heap)
	}
}

// Advance fires every timer whose deadline has passed. Callbacks may start,
// cancel or restart timers; entries armed during Advance with a zero delay
// fire on the next call, keeping the loop free of self-feeding livelock.
func (s *Service) Advance() {
	now := s.now()
	var due []*armed
	for {
		s.drainStale()
		if len(s.heap) == 0 || s.heap[0].deadline.After(now) {
			break
		}
		e := heap.Pop(&s.heap).(*entry)
		a := s.keys[e.key]
		delete(s.keys, e.key)
		due = append(due, a)
	}
	for _, a := range due {
		a.callback()
	}
}
