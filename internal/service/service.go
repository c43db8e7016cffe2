// Package service is the weather facade consumed by the HTTP layer. It turns
// cache lookups and gated upstream fetches into a WeatherResult and never
// returns an error.
package service

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/fetch"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/ratelimit"
	"github.com/kjstillabower/weather-cache-service/internal/traffic"
	"github.com/kjstillabower/weather-cache-service/internal/validation"
)

const (
	warnStaleRateLimited = "Data might be up to 24 hours old due to rate limiting"
	warnStaleUpstream    = "Data might be up to 24 hours old because the weather provider is unavailable"
	warnQueued           = "Weather data is temporarily unavailable; the city has been queued for refresh, retry later"
	warnUnavailable      = "Weather data is temporarily unavailable, retry later"
)

// Cache is the read side of the tiered cache.
type Cache interface {
	Get(ctx context.Context, city string) (models.WeatherEntry, bool)
	StoreDegraded() bool
}

// Fetcher performs gated upstream fetches and defers cities it could not serve.
type Fetcher interface {
	Fetch(ctx context.Context, city string, p ratelimit.Partition) (models.WeatherEntry, error)
	Defer(ctx context.Context, city string) bool
}

// Popularity records demand and ranks cities.
type Popularity interface {
	Increment(ctx context.Context, city string) error
	Top(ctx context.Context, k int) ([]models.CityCount, error)
}

// Breaker exposes circuit state for snapshots.
type Breaker interface {
	Snapshot() models.CircuitSnapshot
}

// Balances exposes token balances for snapshots.
type Balances interface {
	Balances(ctx context.Context) map[string]float64
}

// QueueDepth exposes the deferred queue length for snapshots.
type QueueDepth interface {
	Len() int
}

// Deps are the collaborators of a WeatherService. Stats, Tracker, Breaker,
// Limiter and Queue may be nil.
type Deps struct {
	Cache   Cache
	Fetcher Fetcher
	Stats   Popularity
	Tracker *traffic.Tracker
	Breaker Breaker
	Limiter Balances
	Queue   QueueDepth
}

// Config tunes the facade.
type Config struct {
	MinLocationLength int           // default 1
	MaxLocationLength int           // default 100
	TopCities         int           // entries in Snapshot.TopCities, default 5
	StatsTimeout      time.Duration // bound on popularity calls, default 500ms
}

// WeatherService answers weather lookups from cache, upstream, or not at all.
type WeatherService struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// NewWeatherService creates a WeatherService. Cache and Fetcher are required.
func NewWeatherService(deps Deps, cfg Config, logger *zap.Logger) (*WeatherService, error) {
	if deps.Cache == nil || deps.Fetcher == nil {
		return nil, errors.New("service: cache and fetcher are required")
	}
	if cfg.MinLocationLength <= 0 {
		cfg.MinLocationLength = 1
	}
	if cfg.MaxLocationLength <= 0 {
		cfg.MaxLocationLength = 100
	}
	if cfg.TopCities <= 0 {
		cfg.TopCities = 5
	}
	if cfg.StatsTimeout <= 0 {
		cfg.StatsTimeout = 500 * time.Millisecond
	}
	return &WeatherService{deps: deps, cfg: cfg, logger: observability.OrNop(logger)}, nil
}

// Get returns the best available weather for city. A fresh cache hit is served
// directly. Otherwise a user-partition fetch is attempted; if it fails the
// stale entry is served when one exists, else the result is unavailable with a
// Reason. Cities rejected by the breaker or the token budget are deferred.
func (s *WeatherService) Get(ctx context.Context, city string) models.WeatherResult {
	start := time.Now()
	logger := observability.LoggerFromContext(ctx, s.logger)

	trimmed, err := validation.ValidateLocation(city, s.cfg.MinLocationLength, s.cfg.MaxLocationLength)
	if err != nil {
		return s.finish(unavailable(city, models.ReasonInvalidCity))
	}
	key := validation.NormalizeCity(trimmed)
	observability.RecordWeatherQuery(key)

	cached, hit := s.deps.Cache.Get(ctx, key)
	if hit && cached.Tier == models.TierFresh {
		logger.Debug("weather served", zap.String("city", key), zap.String("source", "cache"), zap.Duration("duration", time.Since(start)))
		return s.finish(result(key, cached, models.FreshnessFresh, models.SourceCache))
	}
	if !hit {
		// Hits are counted by the cache itself.
		s.recordDemand(ctx, key)
	}

	entry, err := s.deps.Fetcher.Fetch(ctx, key, ratelimit.User)
	if err == nil {
		logger.Debug("weather served", zap.String("city", key), zap.String("source", "api"), zap.Duration("duration", time.Since(start)))
		return s.finish(result(key, entry, models.FreshnessFresh, models.SourceAPI))
	}

	if errors.Is(err, client.ErrLocationNotFound) {
		return s.finish(unavailable(key, models.ReasonNotFound))
	}

	if hit {
		r := result(key, cached, models.FreshnessStale, models.SourceCache)
		r.Warnings = []string{staleWarning(err)}
		logger.Info("serving stale weather", zap.String("city", key), zap.Error(err))
		return s.finish(r)
	}

	var r models.WeatherResult
	switch {
	case errors.Is(err, fetch.ErrCircuitOpen):
		r = unavailable(key, models.ReasonCircuitOpen)
		r.Queued = s.deps.Fetcher.Defer(ctx, key)
	case errors.Is(err, fetch.ErrRateLimited):
		r = unavailable(key, models.ReasonRateLimited)
		r.Queued = s.deps.Fetcher.Defer(ctx, key)
	case errors.Is(err, fetch.ErrUpstreamUnavailable):
		// The orchestrator has already deferred the city.
		r = unavailable(key, models.ReasonUpstreamUnavailable)
		r.Queued = true
	default:
		r = unavailable(key, models.ReasonUpstreamUnavailable)
	}
	if r.Queued {
		r.Warnings = []string{warnQueued}
	} else {
		r.Warnings = []string{warnUnavailable}
	}
	logger.Warn("weather unavailable", zap.String("city", key), zap.String("reason", r.Reason), zap.Bool("queued", r.Queued), zap.Error(err))
	return s.finish(r)
}

// Snapshot returns a read-only view of breaker, token, queue and store state
// plus the most requested cities.
func (s *WeatherService) Snapshot(ctx context.Context) models.Snapshot {
	snap := models.Snapshot{
		Tokens:        map[string]float64{},
		StoreDegraded: s.deps.Cache.StoreDegraded(),
	}
	if s.deps.Breaker != nil {
		snap.Circuit = s.deps.Breaker.Snapshot()
	}
	if s.deps.Limiter != nil {
		snap.Tokens = s.deps.Limiter.Balances(ctx)
	}
	if s.deps.Queue != nil {
		snap.QueueDepth = s.deps.Queue.Len()
	}
	if s.deps.Stats != nil {
		tctx, cancel := context.WithTimeout(ctx, s.cfg.StatsTimeout)
		defer cancel()
		top, err := s.deps.Stats.Top(tctx, s.cfg.TopCities)
		if err != nil {
			s.logger.Debug("top cities unavailable", zap.Error(err))
		} else {
			snap.TopCities = top
		}
	}
	return snap
}

func (s *WeatherService) recordDemand(ctx context.Context, key string) {
	if s.deps.Stats == nil {
		return
	}
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.StatsTimeout)
	defer cancel()
	if err := s.deps.Stats.Increment(tctx, key); err != nil {
		s.logger.Debug("popularity increment failed", zap.String("city", key), zap.Error(err))
	}
}

func (s *WeatherService) finish(r models.WeatherResult) models.WeatherResult {
	observability.WeatherResultsTotal.WithLabelValues(string(r.Freshness), string(r.Source)).Inc()
	if s.deps.Tracker != nil && r.Reason != models.ReasonInvalidCity && r.Reason != models.ReasonNotFound {
		if r.Available() {
			s.deps.Tracker.Record(traffic.Served)
		} else {
			s.deps.Tracker.Record(traffic.Unavailable)
		}
	}
	return r
}

func result(city string, entry models.WeatherEntry, f models.Freshness, src models.Source) models.WeatherResult {
	return models.WeatherResult{City: city, Entry: &entry, Freshness: f, Source: src}
}

func unavailable(city, reason string) models.WeatherResult {
	return models.WeatherResult{
		City:      city,
		Freshness: models.FreshnessUnavailable,
		Source:    models.SourceUnavailable,
		Reason:    reason,
	}
}

func staleWarning(err error) string {
	if errors.Is(err, fetch.ErrRateLimited) {
		return warnStaleRateLimited
	}
	return warnStaleUpstream
}
