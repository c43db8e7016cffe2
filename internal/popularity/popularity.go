// Package popularity counts user reads per city so the warmer and the
// deferred-work queue can rank cities by demand.
package popularity

import (
	"context"
	"sort"
	"sync"

	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/validation"
)

// Stats is a monotonically increasing per-city request counter.
type Stats interface {
	Increment(ctx context.Context, city string) error
	Top(ctx context.Context, k int) ([]models.CityCount, error)
	Count(ctx context.Context, city string) (int64, error)
}

// MemoryStats keeps counters in process memory.
type MemoryStats struct {
	mu     sync.Mutex
	counts map[string]int64
}

// NewMemoryStats creates an empty MemoryStats.
func NewMemoryStats() *MemoryStats {
	return &MemoryStats{counts: make(map[string]int64)}
}

// Increment adds one to city's counter.
func (s *MemoryStats) Increment(_ context.Context, city string) error {
	key := validation.NormalizeCity(city)
	if key == "" {
		return nil
	}
	s.mu.Lock()
	s.counts[key]++
	s.mu.Unlock()
	return nil
}

// Count returns city's counter, zero if never seen.
func (s *MemoryStats) Count(_ context.Context, city string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[validation.NormalizeCity(city)], nil
}

// Top returns up to k cities ordered by count descending, ties by name.
func (s *MemoryStats) Top(_ context.Context, k int) ([]models.CityCount, error) {
	if k <= 0 {
		return nil, nil
	}
	s.mu.Lock()
	out := make([]models.CityCount, 0, len(s.counts))
	for city, n := range s.counts {
		out = append(out, models.CityCount{City: city, Count: n})
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].City < out[j].City
	})
	if len(out) > k {
		out = out[:k]
	}
	return out, nil
}
