// Package ratelimit guards the upstream call budget with one token bucket per
// partition. User traffic and the cache warmer draw from separate buckets carved
// out of a single hourly ceiling, so neither can starve the other.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// Partition names a token bucket.
type Partition string

const (
	User    Partition = "user"
	Warming Partition = "warming"
)

// Bucket describes a partition's capacity and continuous refill rate.
type Bucket struct {
	Capacity        float64
	RefillPerSecond float64
}

// BucketStore performs the refill-then-take step as one atomic operation.
// Take with n == 0 refills and reports the balance without deducting.
type BucketStore interface {
	Take(ctx context.Context, partition Partition, b Bucket, n float64, now time.Time) (ok bool, balance float64, err error)
}

// Config splits RequestsPerHour between partitions: Warming gets WarmingReserve
// and User the remainder. Each bucket refills its capacity once per hour.
type Config struct {
	RequestsPerHour int
	WarmingReserve  int
	Now             func() time.Time
}

// Limiter is a non-blocking partitioned token-bucket admission controller.
type Limiter struct {
	store   BucketStore
	buckets map[Partition]Bucket
	now     func() time.Time
	logger  *zap.Logger
}

// New validates cfg and builds a Limiter over store.
func New(store BucketStore, cfg Config, logger *zap.Logger) (*Limiter, error) {
	if store == nil {
		return nil, errors.New("ratelimit: store is required")
	}
	if cfg.RequestsPerHour <= 0 {
		return nil, fmt.Errorf("ratelimit: requests_per_hour must be positive, got %d", cfg.RequestsPerHour)
	}
	if cfg.WarmingReserve < 0 || cfg.WarmingReserve >= cfg.RequestsPerHour {
		return nil, fmt.Errorf("ratelimit: warming_reserve %d must be in [0, %d)", cfg.WarmingReserve, cfg.RequestsPerHour)
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	user := float64(cfg.RequestsPerHour - cfg.WarmingReserve)
	warm := float64(cfg.WarmingReserve)
	return &Limiter{
		store: store,
		buckets: map[Partition]Bucket{
			User:    {Capacity: user, RefillPerSecond: user / time.Hour.Seconds()},
			Warming: {Capacity: warm, RefillPerSecond: warm / time.Hour.Seconds()},
		},
		now:    cfg.Now,
		logger: observability.OrNop(logger),
	}, nil
}

// TryAcquire takes n tokens from partition if the refilled balance covers them.
// It never blocks and never deducts on denial. Store errors deny: the upstream
// quota is a hard external limit, so an unknown balance is treated as empty.
func (l *Limiter) TryAcquire(ctx context.Context, p Partition, n int) bool {
	b, ok := l.buckets[p]
	if !ok || n <= 0 {
		return false
	}
	allowed, balance, err := l.store.Take(ctx, p, b, float64(n), l.now())
	if err != nil {
		observability.TokenDenialsTotal.WithLabelValues(string(p)).Inc()
		l.logger.Warn("token bucket unavailable, denying", zap.String("partition", string(p)), zap.Error(err))
		return false
	}
	observability.TokenBalance.WithLabelValues(string(p)).Set(balance)
	if !allowed {
		observability.TokenDenialsTotal.WithLabelValues(string(p)).Inc()
		l.logger.Debug("token denied", zap.String("partition", string(p)), zap.Float64("balance", balance))
	}
	return allowed
}

// Balance returns the refilled balance for p without deducting.
func (l *Limiter) Balance(ctx context.Context, p Partition) (float64, error) {
	b, ok := l.buckets[p]
	if !ok {
		return 0, fmt.Errorf("ratelimit: unknown partition %q", p)
	}
	_, balance, err := l.store.Take(ctx, p, b, 0, l.now())
	if err != nil {
		return 0, err
	}
	observability.TokenBalance.WithLabelValues(string(p)).Set(balance)
	return balance, nil
}

// Balances returns every partition's balance. Unreadable partitions are omitted.
func (l *Limiter) Balances(ctx context.Context) map[string]float64 {
	out := make(map[string]float64, len(l.buckets))
	for p := range l.buckets {
		if v, err := l.Balance(ctx, p); err == nil {
			out[string(p)] = v
		}
	}
	return out
}

// Capacity returns p's bucket capacity.
func (l *Limiter) Capacity(p Partition) float64 {
	return l.buckets[p].Capacity
}

// RetryAfter is how long p takes to refill one token.
func (l *Limiter) RetryAfter(p Partition) time.Duration {
	b := l.buckets[p]
	if b.RefillPerSecond <= 0 {
		return time.Hour
	}
	return time.Duration(math.Round(float64(time.Second) / b.RefillPerSecond))
}

// refill applies elapsed-time refill capped at capacity. Shared by in-process stores.
func refill(tokens float64, last, now time.Time, b Bucket) float64 {
	elapsed := now.Sub(last).Seconds()
	if elapsed < 0 {
		elapsed = 0
	}
	tokens += elapsed * b.RefillPerSecond
	if tokens > b.Capacity {
		tokens = b.Capacity
	}
	return tokens
}
