// Package wanted implements a deduplicating wait-list keyed by an opaque
// comparable key (spec §4.1): "I asked for X; if nobody answers within the
// timeout, re-broadcast." Grounded on original_source/node/node.cpp's
// Wanted<T> template (instantiated there as WantedTx and Bbs::WantedMsg),
// re-expressed without the intrusive multi-index the source uses.
package wanted

import (
	"container/list"
	"sync"
	"time"
)

// OnTimeoutFunc is invoked with the oldest still-pending key once it has
// been outstanding for at least the configured timeout.
type OnTimeoutFunc[K comparable] func(key K)

type entry[K comparable] struct {
	key          K
	advertisedAt time.Time
}

// Set is one instantiation of the wait-list, e.g. one for transactions
// (timeout GetTx_ms) and a separate one for BBS messages (GetBbsMsg_ms).
type Set[K comparable] struct {
	mu      sync.Mutex
	order   *list.List // of *entry[K], oldest at Front
	index   map[K]*list.Element
	timeout time.Duration
	onTimer OnTimeoutFunc[K]

	timer *time.Timer
}

// New builds a Set with the given timeout and expiry handler.
func New[K comparable](timeout time.Duration, onTimeout OnTimeoutFunc[K]) *Set[K] {
	return &Set[K]{
		order:   list.New(),
		index:   make(map[K]*list.Element),
		timeout: timeout,
		onTimer: onTimeout,
	}
}

// Add records key as pending. Returns false if it was already present.
func (s *Set[K]) Add(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.index[key]; exists {
		return false
	}

	wasEmpty := s.order.Len() == 0
	el := s.order.PushBack(&entry[K]{key: key, advertisedAt: time.Now()})
	s.index[key] = el

	if wasEmpty {
		s.armLocked()
	}
	return true
}

// Delete removes key. Returns false if it was not present. If key was the
// head of the queue, the timer is rearmed for the new head.
func (s *Set[K]) Delete(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.deleteLocked(key)
}

func (s *Set[K]) deleteLocked(key K) bool {
	el, exists := s.index[key]
	if !exists {
		return false
	}
	wasHead := s.order.Front() == el
	s.order.Remove(el)
	delete(s.index, key)

	if wasHead {
		s.disarmLocked()
		s.armLocked()
	}
	return true
}

// Has reports whether key is currently pending.
func (s *Set[K]) Has(key K) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.index[key]
	return exists
}

// Len reports the number of pending keys.
func (s *Set[K]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.order.Len()
}

// Close stops the armed timer, if any. The Set must not be used afterward.
func (s *Set[K]) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.disarmLocked()
}

func (s *Set[K]) armLocked() {
	front := s.order.Front()
	if front == nil {
		return
	}
	e := front.Value.(*entry[K])
	due := s.timeout - time.Since(e.advertisedAt)
	if due < 0 {
		due = 0
	}
	s.timer = time.AfterFunc(due, func() { s.fire(e.key) })
}

func (s *Set[K]) disarmLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Set[K]) fire(key K) {
	s.mu.Lock()
	_, stillHead := s.index[key]
	s.mu.Unlock()
	if !stillHead {
		return
	}

	s.onTimer(key)

	// Re-advertise: treat like a fresh Add so the timer measures again from
	// now, rather than firing in a tight loop if the handler can't satisfy
	// the want immediately.
	s.mu.Lock()
	if el, exists := s.index[key]; exists {
		el.Value.(*entry[K]).advertisedAt = time.Now()
		if s.order.Front() == el {
			s.disarmLocked()
			s.armLocked()
		}
	}
	s.mu.Unlock()
}
