package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/degraded"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/popularity"
	"github.com/kjstillabower/weather-cache-service/internal/validation"
)

const (
	freshPrefix = "weather:fresh:"
	stalePrefix = "weather:stale:"
)

// Config holds Manager tuning. Zero durations use 1h fresh, 24h stale and a
// 500ms store timeout; FallbackSize defaults to 200.
type Config struct {
	FreshTTL     time.Duration
	StaleTTL     time.Duration
	StoreTimeout time.Duration
	FallbackSize int
	Now          func() time.Time
}

// Manager is the single read/write path for weather entries. It owns the
// fresh/stale tiers in the backing store and the local fallback cache.
type Manager struct {
	store    Store
	fallback *FallbackCache
	monitor  *degraded.Monitor
	stats    popularity.Stats
	cfg      Config
	logger   *zap.Logger

	pending sync.WaitGroup
}

// NewManager creates a Manager over store. monitor and stats may be nil: without
// a monitor the store is tried on every call; without stats no popularity is recorded.
func NewManager(store Store, monitor *degraded.Monitor, stats popularity.Stats, cfg Config, logger *zap.Logger) (*Manager, error) {
	if store == nil {
		return nil, errors.New("cache: store is required")
	}
	if cfg.FreshTTL <= 0 {
		cfg.FreshTTL = time.Hour
	}
	if cfg.StaleTTL <= 0 {
		cfg.StaleTTL = 24 * time.Hour
	}
	if cfg.StaleTTL <= cfg.FreshTTL {
		return nil, fmt.Errorf("cache: stale TTL %v must exceed fresh TTL %v", cfg.StaleTTL, cfg.FreshTTL)
	}
	if cfg.StoreTimeout <= 0 {
		cfg.StoreTimeout = 500 * time.Millisecond
	}
	if cfg.FallbackSize <= 0 {
		cfg.FallbackSize = 200
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	fb, err := NewFallbackCache(cfg.FallbackSize, cfg.FreshTTL, cfg.StaleTTL)
	if err != nil {
		return nil, fmt.Errorf("cache: fallback: %w", err)
	}
	return &Manager{
		store:    store,
		fallback: fb,
		monitor:  monitor,
		stats:    stats,
		cfg:      cfg,
		logger:   observability.OrNop(logger),
	}, nil
}

// Get returns the freshest entry for city and true, or false when absent.
// Reads the fresh tier, then the stale tier. When the store cannot answer the
// local fallback cache is served instead. Store errors never reach the caller.
func (m *Manager) Get(ctx context.Context, city string) (models.WeatherEntry, bool) {
	key := validation.NormalizeCity(city)
	if key == "" {
		return models.WeatherEntry{}, false
	}

	if m.storeUsable() {
		entry, ok, err := m.getFromStore(ctx, key)
		if err == nil {
			if ok {
				observability.CacheLookupsTotal.WithLabelValues("store", string(entry.Tier)).Inc()
				m.recordHit(key)
				return entry, true
			}
			observability.CacheLookupsTotal.WithLabelValues("store", "miss").Inc()
			return models.WeatherEntry{}, false
		}
		// A caller that went away says nothing about store health.
		if ctx.Err() == nil {
			m.storeFailed("get", err)
		}
	}

	entry, ok := m.fallback.Get(key, m.cfg.Now())
	if !ok {
		observability.CacheLookupsTotal.WithLabelValues("fallback", "miss").Inc()
		return models.WeatherEntry{}, false
	}
	observability.CacheLookupsTotal.WithLabelValues("fallback", string(entry.Tier)).Inc()
	m.logger.Debug("served from fallback cache", zap.String("city", key), zap.String("tier", string(entry.Tier)))
	m.recordHit(key)
	return entry, true
}

// Put writes entry to the fallback cache and to both store tiers. Store writes
// run on a context detached from ctx's cancellation and bounded by the store
// timeout; a failure is logged and flips the store into degraded mode.
func (m *Manager) Put(ctx context.Context, entry models.WeatherEntry) {
	key := validation.NormalizeCity(entry.City)
	if key == "" {
		return
	}
	entry.City = key
	entry.Tier = ""
	m.fallback.Add(key, entry, m.cfg.Now())

	if !m.storeUsable() {
		return
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		m.logger.Error("encode weather entry", zap.String("city", key), zap.Error(err))
		return
	}
	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), m.cfg.StoreTimeout)
	defer cancel()

	start := time.Now()
	err = m.store.Set(wctx, freshPrefix+key, raw, m.cfg.FreshTTL)
	if err == nil {
		err = m.store.Set(wctx, stalePrefix+key, raw, m.cfg.StaleTTL)
	}
	observeStoreOp("set", start, err)
	if err != nil {
		m.storeFailed("set", err)
	}
}

// Flush waits for pending asynchronous popularity updates.
func (m *Manager) Flush() {
	m.pending.Wait()
}

// StoreDegraded reports whether reads are currently served from the fallback cache.
func (m *Manager) StoreDegraded() bool {
	return m.monitor != nil && m.monitor.Unavailable()
}

// Ping probes the backing store directly, bypassing degraded mode.
func (m *Manager) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()
	return m.store.Ping(ctx)
}

func (m *Manager) storeUsable() bool {
	return m.monitor == nil || !m.monitor.Unavailable()
}

func (m *Manager) getFromStore(ctx context.Context, key string) (models.WeatherEntry, bool, error) {
	rctx, cancel := context.WithTimeout(ctx, m.cfg.StoreTimeout)
	defer cancel()

	start := time.Now()
	entry, ok, err := m.readTier(rctx, freshPrefix+key, models.TierFresh)
	if err == nil && !ok {
		entry, ok, err = m.readTier(rctx, stalePrefix+key, models.TierStale)
	}
	observeStoreOp("get", start, err)
	return entry, ok, err
}

func (m *Manager) readTier(ctx context.Context, key string, tier models.Tier) (models.WeatherEntry, bool, error) {
	raw, ok, err := m.store.Get(ctx, key)
	if err != nil || !ok {
		return models.WeatherEntry{}, false, err
	}
	var entry models.WeatherEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		// Undecodable entries are treated as a miss and overwritten by the next Put.
		m.logger.Warn("discarding undecodable cache entry", zap.String("key", key), zap.Error(err))
		return models.WeatherEntry{}, false, nil
	}
	return entry.WithTier(tier), true, nil
}

func (m *Manager) storeFailed(op string, err error) {
	observability.CacheErrorsTotal.WithLabelValues(op, errorCategory(err)).Inc()
	m.logger.Warn("backing store operation failed", zap.String("op", op), zap.Error(err))
	if m.monitor != nil {
		m.monitor.MarkUnavailable(err)
	}
}

func (m *Manager) recordHit(key string) {
	if m.stats == nil {
		return
	}
	m.pending.Add(1)
	go func() {
		defer m.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.StoreTimeout)
		defer cancel()
		if err := m.stats.Increment(ctx, key); err != nil {
			m.logger.Debug("popularity increment failed", zap.String("city", key), zap.Error(err))
		}
	}()
}

func observeStoreOp(op string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	observability.CacheOperationDurationSeconds.WithLabelValues(op, status).Observe(time.Since(start).Seconds())
}
