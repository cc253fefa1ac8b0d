package memory

import (
	"context"
	"sort"
	"sync"

	"carbonledger/pkg/platform/events"
)

// InMemoryStore keeps committed events in sequence order.
type InMemoryStore struct {
	mu     sync.RWMutex
	events []events.Event
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{}
}

func (s *InMemoryStore) Append(_ context.Context, event events.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
	return nil
}

// ListAfter returns up to limit events with Seq greater than seq. A limit of
// zero or less returns everything after seq.
func (s *InMemoryStore) ListAfter(_ context.Context, seq uint64, limit int) ([]events.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start := sort.Search(len(s.events), func(i int) bool {
		return s.events[i].Seq > seq
	})
	end := len(s.events)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return append([]events.Event{}, s.events[start:end]...), nil
}

// Clear drops every event. Tests use it between cases.
func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
}
