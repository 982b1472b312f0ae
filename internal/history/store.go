// Package history keeps recent analysis outcomes for the HTTP API and fans
// them out to live subscribers.
package history

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/regionwatch/internal/queue"
)

// Store is a bounded in-memory outcome log.
type Store struct {
	mu      sync.RWMutex
	entries []queue.Outcome
	maxSize int
	matches map[string]int // per region
	now     func() time.Time

	subMu  sync.Mutex
	subs   map[int]chan queue.Outcome
	nextID int
	buffer int
}

// NewStore creates a store keeping at most maxEntries outcomes. Each
// subscriber gets a channel with eventBuffer slots.
func NewStore(maxEntries, eventBuffer int) *Store {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	if eventBuffer <= 0 {
		eventBuffer = DefaultEventBuffer
	}
	return &Store{
		entries: make([]queue.Outcome, 0, maxEntries),
		maxSize: maxEntries,
		matches: make(map[string]int),
		now:     time.Now,
		subs:    make(map[int]chan queue.Outcome),
		buffer:  eventBuffer,
	}
}

// WithClock replaces the time source used by Recent.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

// Add stores o and emits it to subscribers.
func (s *Store) Add(o queue.Outcome) {
	s.mu.Lock()
	s.entries = append(s.entries, o)
	if len(s.entries) > s.maxSize {
		s.entries = s.entries[len(s.entries)-s.maxSize:]
	}
	if o.HadMatch {
		s.matches[o.RegionID]++
	}
	s.mu.Unlock()

	s.emit(o)
}

// Recent returns outcomes detected within d, oldest first.
func (s *Store) Recent(d time.Duration) []queue.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()

	cutoff := s.now().Add(-d)
	var out []queue.Outcome
	for _, e := range s.entries {
		if !e.DetectedAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Entries returns a copy of all retained outcomes.
func (s *Store) Entries() []queue.Outcome {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make([]queue.Outcome, len(s.entries))
	copy(result, s.entries)
	return result
}

// MatchCounts returns matches per region since start, including evicted entries.
func (s *Store) MatchCounts() map[string]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	result := make(map[string]int, len(s.matches))
	for k, v := range s.matches {
		result[k] = v
	}
	return result
}

// Subscribe registers a live listener. The returned cancel func must be
// called to release it.
func (s *Store) Subscribe() (<-chan queue.Outcome, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan queue.Outcome, s.buffer)
	s.subs[id] = ch

	return ch, func() {
		s.subMu.Lock()
		defer s.subMu.Unlock()
		if c, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(c)
		}
	}
}

// Subscribers returns the number of live listeners.
func (s *Store) Subscribers() int {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	return len(s.subs)
}

// emit is non-blocking; slow subscribers miss events.
func (s *Store) emit(o queue.Outcome) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- o:
		default:
		}
	}
}
