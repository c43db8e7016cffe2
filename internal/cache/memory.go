package cache

import (
	"context"
	"sync"
	"time"
)

// memorySweepEvery is how many writes pass between sweeps of expired entries.
const memorySweepEvery = 64

// MemoryStore implements Store with a process-local map and TTL-based expiry.
// Expired entries are removed on access and swept every memorySweepEvery writes,
// so keys that are never read again do not accumulate. Used for single-instance
// deployments and tests.
type MemoryStore struct {
	mu     sync.Mutex
	data   map[string]memoryEntry
	now    func() time.Time
	down   error
	writes int
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore creates a MemoryStore. now defaults to time.Now.
func NewMemoryStore(now func() time.Time) *MemoryStore {
	if now == nil {
		now = time.Now
	}
	return &MemoryStore{data: make(map[string]memoryEntry), now: now}
}

// Get returns the value for key if present and not expired.
func (s *MemoryStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, storeError("memory get", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down != nil {
		return nil, false, storeError("memory get", s.down)
	}
	e, ok := s.data[key]
	if !ok {
		return nil, false, nil
	}
	if !s.now().Before(e.expiresAt) {
		delete(s.data, key)
		return nil, false, nil
	}
	return e.value, true, nil
}

// Set stores value under key until ttl elapses.
func (s *MemoryStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := ctx.Err(); err != nil {
		return storeError("memory set", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down != nil {
		return storeError("memory set", s.down)
	}
	now := s.now()
	s.writes++
	if s.writes%memorySweepEvery == 0 {
		s.sweepLocked(now)
	}
	buf := make([]byte, len(value))
	copy(buf, value)
	s.data[key] = memoryEntry{value: buf, expiresAt: now.Add(ttl)}
	return nil
}

// Len returns the number of stored keys, expired or not.
func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *MemoryStore) sweepLocked(now time.Time) {
	for k, e := range s.data {
		if !now.Before(e.expiresAt) {
			delete(s.data, k)
		}
	}
}

// Ping reports the simulated outage error, if any.
func (s *MemoryStore) Ping(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.down != nil {
		return storeError("memory ping", s.down)
	}
	return ctx.Err()
}

// Close is a no-op.
func (s *MemoryStore) Close() error { return nil }

// SetDown simulates an outage: while err is non-nil every operation fails with it.
// Data written before the outage survives.
func (s *MemoryStore) SetDown(err error) {
	s.mu.Lock()
	s.down = err
	s.mu.Unlock()
}
