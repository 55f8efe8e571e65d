package guard

import (
	"context"
	"strconv"
	"sync"
	"time"
)

// MemoryStore is an in-process Store for tests and single-node setups.
type MemoryStore struct {
	mu      sync.Mutex
	now     func() time.Time
	claims  map[string]time.Time // key -> claim expiry
	windows map[string]windowBucket
}

type windowBucket struct {
	count int64
	end   time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		now:     time.Now,
		claims:  make(map[string]time.Time),
		windows: make(map[string]windowBucket),
	}
}

func (s *MemoryStore) ClaimCall(_ context.Context, installationID, callID string, window time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.pruneLocked(now)

	key := installationID + ":" + callID
	if exp, ok := s.claims[key]; ok && exp.After(now) {
		return false, nil
	}
	s.claims[key] = now.Add(window)
	return true, nil
}

func (s *MemoryStore) IncrementWindow(_ context.Context, installationID string, windowStart, windowSeconds int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	s.pruneLocked(now)

	key := installationID + ":" + strconv.FormatInt(windowStart, 10)
	b := s.windows[key]
	if b.end.IsZero() {
		b.end = time.Unix(windowStart+windowSeconds, 0)
	}
	b.count++
	s.windows[key] = b
	return b.count, nil
}

func (s *MemoryStore) pruneLocked(now time.Time) {
	for key, exp := range s.claims {
		if !exp.After(now) {
			delete(s.claims, key)
		}
	}
	for key, b := range s.windows {
		if !b.end.After(now) {
			delete(s.windows, key)
		}
	}
}
