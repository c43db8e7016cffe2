// Package fetch performs upstream weather fetches behind the circuit breaker,
// the token budget and the retry policy, and writes successes through the cache.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/ratelimit"
	"github.com/kjstillabower/weather-cache-service/internal/retry"
	"github.com/kjstillabower/weather-cache-service/internal/validation"
)

var (
	// ErrCircuitOpen means the breaker rejected the call; no token was spent.
	ErrCircuitOpen = errors.New("circuit open")
	// ErrRateLimited means the partition had no token; no upstream call was made.
	ErrRateLimited = errors.New("rate limited")
	// ErrUpstreamUnavailable is the terminal outcome after attempts were made
	// and failed. The city has been handed to the deferred-work queue.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	// ErrInvalidCity means the city normalized to an empty key.
	ErrInvalidCity = errors.New("invalid city")
)

// Breaker is the circuit breaker surface the orchestrator needs.
type Breaker interface {
	Allow() bool
	ReleaseTrial()
	RecordSuccess()
	RecordFailure()
}

// Limiter is the token budget surface the orchestrator needs.
type Limiter interface {
	TryAcquire(ctx context.Context, p ratelimit.Partition, n int) bool
}

// Cache receives successful fetches.
type Cache interface {
	Put(ctx context.Context, entry models.WeatherEntry)
}

// Deferrer accepts cities to retry later.
type Deferrer interface {
	Enqueue(city string, score float64) bool
}

// Popularity ranks deferred cities.
type Popularity interface {
	Count(ctx context.Context, city string) (int64, error)
}

// Deps are the collaborators of an Orchestrator. Stats may be nil.
type Deps struct {
	Provider client.Provider
	Breaker  Breaker
	Limiter  Limiter
	Cache    Cache
	Queue    Deferrer
	Stats    Popularity
	Policy   *retry.Policy
}

// Config tunes an Orchestrator.
type Config struct {
	AttemptTimeout  time.Duration // bound on each upstream call (default 5s)
	Coalesce        bool          // share one fetch among concurrent callers per (partition, city)
	CoalesceTimeout time.Duration // how long a caller waits on a shared fetch (default 30s)
}

// Orchestrator runs single-city upstream fetches for user requests and the warmer.
type Orchestrator struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
	group  singleflight.Group
}

// New validates deps and creates an Orchestrator.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Orchestrator, error) {
	switch {
	case deps.Provider == nil:
		return nil, errors.New("fetch: provider is required")
	case deps.Breaker == nil:
		return nil, errors.New("fetch: breaker is required")
	case deps.Limiter == nil:
		return nil, errors.New("fetch: limiter is required")
	case deps.Cache == nil:
		return nil, errors.New("fetch: cache is required")
	case deps.Queue == nil:
		return nil, errors.New("fetch: queue is required")
	}
	if deps.Policy == nil {
		deps.Policy = retry.New(0, 0, 0, 0, 0)
	}
	if cfg.AttemptTimeout <= 0 {
		cfg.AttemptTimeout = 5 * time.Second
	}
	if cfg.CoalesceTimeout <= 0 {
		cfg.CoalesceTimeout = 30 * time.Second
	}
	return &Orchestrator{deps: deps, cfg: cfg, logger: observability.OrNop(logger)}, nil
}

// Fetch gets fresh weather for city on behalf of partition. On success the
// entry is already written through the cache. Errors: ErrCircuitOpen and
// ErrRateLimited when gating refused the first attempt, client.ErrLocationNotFound,
// ErrUpstreamUnavailable after attempts failed, or ctx's error if the caller
// stopped waiting. With coalescing enabled the upstream work is detached from
// ctx and completes for the benefit of later readers.
func (o *Orchestrator) Fetch(ctx context.Context, city string, p ratelimit.Partition) (models.WeatherEntry, error) {
	key := validation.NormalizeCity(city)
	if key == "" {
		return models.WeatherEntry{}, ErrInvalidCity
	}
	if !o.cfg.Coalesce {
		return o.fetch(ctx, key, p)
	}

	ch := o.group.DoChan(string(p)+":"+key, func() (any, error) {
		return o.fetch(context.WithoutCancel(ctx), key, p)
	})
	wait, cancel := context.WithTimeout(ctx, o.cfg.CoalesceTimeout)
	defer cancel()
	select {
	case <-wait.Done():
		return models.WeatherEntry{}, wait.Err()
	case res := <-ch:
		if res.Shared {
			observability.RequestCoalescingHitsTotal.Inc()
		}
		entry, _ := res.Val.(models.WeatherEntry)
		return entry, res.Err
	}
}

// Defer enqueues city for a later retry, scored by popularity + 1.
func (o *Orchestrator) Defer(ctx context.Context, city string) bool {
	key := validation.NormalizeCity(city)
	score := 1.0
	if o.deps.Stats != nil {
		if n, err := o.deps.Stats.Count(ctx, key); err == nil {
			score += float64(n)
		}
	}
	ok := o.deps.Queue.Enqueue(key, score)
	logger := observability.LoggerFromContext(ctx, o.logger)
	if ok {
		logger.Info("deferred fetch queued", zap.String("city", key), zap.Float64("score", score))
	} else {
		logger.Warn("deferred queue full, city dropped", zap.String("city", key), zap.Float64("score", score))
	}
	return ok
}

func (o *Orchestrator) fetch(ctx context.Context, key string, p ratelimit.Partition) (models.WeatherEntry, error) {
	logger := observability.LoggerFromContext(ctx, o.logger).With(
		zap.String("city", key),
		zap.String("partition", string(p)),
	)
	attempts := o.deps.Policy.Attempts()
	var lastErr error

	for attempt := 1; attempt <= attempts; attempt++ {
		if attempt > 1 {
			observability.WeatherAPIRetriesTotal.Inc()
			if err := o.deps.Policy.Wait(ctx, attempt-1); err != nil {
				lastErr = errors.Join(lastErr, err)
				break
			}
		}

		if !o.deps.Breaker.Allow() {
			if attempt == 1 {
				logger.Debug("fetch rejected, circuit open")
				return models.WeatherEntry{}, ErrCircuitOpen
			}
			logger.Info("retry stopped, circuit opened", zap.Int("attempt", attempt))
			break
		}
		if !o.deps.Limiter.TryAcquire(ctx, p, 1) {
			o.deps.Breaker.ReleaseTrial()
			if attempt == 1 {
				logger.Debug("fetch rejected, token budget exhausted")
				return models.WeatherEntry{}, ErrRateLimited
			}
			logger.Info("retry stopped, token budget exhausted", zap.Int("attempt", attempt))
			break
		}

		attemptCtx, cancel := context.WithTimeout(ctx, o.cfg.AttemptTimeout)
		entry, err := o.deps.Provider.FetchHourly(attemptCtx, key)
		cancel()

		if err == nil {
			o.deps.Breaker.RecordSuccess()
			entry.City = key
			o.deps.Cache.Put(ctx, entry)
			logger.Debug("upstream fetch succeeded", zap.Int("attempt", attempt))
			return entry.WithTier(models.TierFresh), nil
		}
		if errors.Is(err, client.ErrLocationNotFound) {
			// A definitive answer: the upstream is healthy.
			o.deps.Breaker.RecordSuccess()
			return models.WeatherEntry{}, err
		}
		if ctx.Err() != nil {
			// Caller went away mid-attempt; says nothing about upstream health.
			o.deps.Breaker.ReleaseTrial()
			return models.WeatherEntry{}, ctx.Err()
		}

		o.deps.Breaker.RecordFailure()
		lastErr = err
		logger.Warn("upstream fetch failed",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", attempts),
			zap.String("category", string(client.CategorizeError(err))),
			zap.Error(err),
		)
		if !client.Retryable(err) {
			break
		}
	}

	o.Defer(ctx, key)
	return models.WeatherEntry{}, fmt.Errorf("%w: %s: %w", ErrUpstreamUnavailable, key, lastErr)
}
