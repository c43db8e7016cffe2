package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryStore keeps bucket state in process. Buckets start full.
type MemoryStore struct {
	mu      sync.Mutex
	buckets map[Partition]*memoryBucket
}

type memoryBucket struct {
	tokens float64
	last   time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{buckets: make(map[Partition]*memoryBucket)}
}

// Take implements BucketStore. The whole refill-check-deduct runs under one lock.
func (s *MemoryStore) Take(_ context.Context, p Partition, b Bucket, n float64, now time.Time) (bool, float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st, ok := s.buckets[p]
	if !ok {
		st = &memoryBucket{tokens: b.Capacity, last: now}
		s.buckets[p] = st
	}
	st.tokens = refill(st.tokens, st.last, now, b)
	if now.After(st.last) {
		st.last = now
	}
	if n > 0 && st.tokens >= n {
		st.tokens -= n
		return true, st.tokens, nil
	}
	return n == 0, st.tokens, nil
}
