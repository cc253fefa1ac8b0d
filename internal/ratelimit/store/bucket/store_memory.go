package bucket

import (
	"context"
	"sync"
	"time"

	"carbonledger/internal/ratelimit/models"
)

// sweepEvery is how often Allow drops windows that have emptied out.
const sweepEvery = time.Minute

// InMemoryBucketStore is a per-process sliding window limiter. It backs
// single-node deployments and stands in for Redis while that is unreachable.
type InMemoryBucketStore struct {
	mu        sync.Mutex
	buckets   map[string]*window
	now       func() time.Time
	lastSweep time.Time
}

type window struct {
	stamps []time.Time
	span   time.Duration
}

func NewInMemoryBucketStore() *InMemoryBucketStore {
	return &InMemoryBucketStore{buckets: make(map[string]*window), now: time.Now}
}

// Allow records one request against key if the window has room.
func (s *InMemoryBucketStore) Allow(_ context.Context, key string, limit models.Limit) (*models.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	s.sweep(now)

	var stamps []time.Time
	if w, ok := s.buckets[key]; ok {
		stamps = prune(w.stamps, now.Add(-limit.Window))
	}

	if len(stamps) >= limit.Requests {
		s.keep(key, stamps, limit.Window)
		resetAt := now.Add(limit.Window)
		if len(stamps) > 0 {
			resetAt = stamps[0].Add(limit.Window)
		}
		return &models.Result{
			Allowed:    false,
			Limit:      limit.Requests,
			ResetAt:    resetAt,
			RetryAfter: models.RetryAfterSeconds(now, resetAt),
		}, nil
	}

	stamps = append(stamps, now)
	s.keep(key, stamps, limit.Window)
	return &models.Result{
		Allowed:   true,
		Limit:     limit.Requests,
		Remaining: limit.Requests - len(stamps),
		ResetAt:   stamps[0].Add(limit.Window),
	}, nil
}

// keep stores stamps for key, or forgets key when nothing is left in it.
func (s *InMemoryBucketStore) keep(key string, stamps []time.Time, span time.Duration) {
	if len(stamps) == 0 {
		delete(s.buckets, key)
		return
	}
	s.buckets[key] = &window{stamps: stamps, span: span}
}

// sweep drops every window whose newest request has aged out. Callers hold mu.
func (s *InMemoryBucketStore) sweep(now time.Time) {
	if now.Sub(s.lastSweep) < sweepEvery {
		return
	}
	s.lastSweep = now
	for key, w := range s.buckets {
		w.stamps = prune(w.stamps, now.Add(-w.span))
		if len(w.stamps) == 0 {
			delete(s.buckets, key)
		}
	}
}

// Reset forgets key's window.
func (s *InMemoryBucketStore) Reset(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.buckets, key)
	return nil
}

// prune drops timestamps at or before cutoff. stamps is ascending.
func prune(stamps []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(stamps); i++ {
		if stamps[i].After(cutoff) {
			break
		}
	}
	return stamps[i:]
}
