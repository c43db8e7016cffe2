package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-cache-service/internal/cache"
	"github.com/kjstillabower/weather-cache-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/config"
	"github.com/kjstillabower/weather-cache-service/internal/degraded"
	"github.com/kjstillabower/weather-cache-service/internal/fetch"
	httphandler "github.com/kjstillabower/weather-cache-service/internal/http"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/popularity"
	"github.com/kjstillabower/weather-cache-service/internal/queue"
	"github.com/kjstillabower/weather-cache-service/internal/ratelimit"
	"github.com/kjstillabower/weather-cache-service/internal/retry"
	"github.com/kjstillabower/weather-cache-service/internal/service"
	"github.com/kjstillabower/weather-cache-service/internal/traffic"
	"github.com/kjstillabower/weather-cache-service/internal/warmer"
)

func main() {
	logger, err := observability.NewLogger()
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = logger.Sync() }()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("config", zap.Error(err))
	}

	rootCtx, rootCancel := context.WithCancel(context.Background())
	defer rootCancel()

	store, redisClient := newStore(cfg, logger)
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("store close", zap.Error(err))
		}
	}()

	monitor := degraded.NewMonitor(store.Ping, degraded.MonitorConfig{
		Name:    cfg.CacheBackend,
		Initial: cfg.StoreRecoveryInitial,
		Max:     cfg.StoreRecoveryMax,
	}, logger)
	monitor.Start(rootCtx)

	var stats popularity.Stats = popularity.NewMemoryStats()
	if redisClient != nil {
		stats = popularity.NewRedisStats(redisClient, popularity.DefaultRedisKey)
	}

	cacheManager, err := cache.NewManager(store, monitor, stats, cache.Config{
		FreshTTL:     cfg.FreshTTL,
		StaleTTL:     cfg.StaleTTL,
		StoreTimeout: cfg.StoreTimeout,
		FallbackSize: cfg.FallbackSize,
	}, logger)
	if err != nil {
		logger.Fatal("cache manager", zap.Error(err))
	}

	var bucketStore ratelimit.BucketStore = ratelimit.NewMemoryStore()
	if cfg.SharedLimiter && redisClient != nil {
		bucketStore = ratelimit.NewRedisStore(redisClient, "")
	}
	limiter, err := ratelimit.New(bucketStore, ratelimit.Config{
		RequestsPerHour: cfg.RequestsPerHour,
		WarmingReserve:  cfg.WarmingReserve,
	}, logger)
	if err != nil {
		logger.Fatal("rate limiter", zap.Error(err))
	}

	breaker, err := circuitbreaker.New(circuitbreaker.Config{
		FailureThreshold: cfg.BreakerFailureThreshold,
		SuccessThreshold: cfg.BreakerSuccessThreshold,
		HalfOpenMaxCalls: cfg.BreakerHalfOpenMaxCalls,
		Cooldown:         cfg.BreakerCooldown,
		Component:        "weather_api",
		OnStateChange:    circuitbreaker.ObserveTransitions("weather_api", logger),
	})
	if err != nil {
		logger.Fatal("circuit breaker", zap.Error(err))
	}

	provider := newProvider(cfg, logger)
	deferred := queue.New(cfg.QueueCapacity, nil)
	orchestrator, err := fetch.New(fetch.Deps{
		Provider: provider,
		Breaker:  breaker,
		Limiter:  limiter,
		Cache:    cacheManager,
		Queue:    deferred,
		Stats:    stats,
		Policy:   retry.New(cfg.RetryMaxAttempts, cfg.RetryBaseDelay, cfg.RetryMultiplier, cfg.RetryMaxDelay, cfg.RetryJitter),
	}, fetch.Config{
		AttemptTimeout:  cfg.WeatherAPITimeout,
		Coalesce:        cfg.CoalesceEnabled,
		CoalesceTimeout: cfg.CoalesceTimeout,
	}, logger)
	if err != nil {
		logger.Fatal("fetch orchestrator", zap.Error(err))
	}

	tracker := traffic.NewTracker(0, nil)
	weatherService, err := service.NewWeatherService(service.Deps{
		Cache:   cacheManager,
		Fetcher: orchestrator,
		Stats:   stats,
		Tracker: tracker,
		Breaker: breaker,
		Limiter: limiter,
		Queue:   deferred,
	}, service.Config{
		MinLocationLength: cfg.LocationMinLength,
		MaxLocationLength: cfg.LocationMaxLength,
	}, logger)
	if err != nil {
		logger.Fatal("weather service", zap.Error(err))
	}

	handler := httphandler.NewHandler(weatherService, httphandler.Config{
		Version:           cfg.Version,
		MinLocationLength: cfg.LocationMinLength,
		MaxLocationLength: cfg.LocationMaxLength,
		HealthWindow:      cfg.HealthWindow,
		UnavailablePct:    cfg.HealthUnavailablePct,
		Tracker:           tracker,
		StorePing:         cacheManager.Ping,
		RetryAfter: func(reason string) time.Duration {
			switch reason {
			case "rate_limited":
				return limiter.RetryAfter(ratelimit.User)
			case "circuit_open":
				return breaker.CooldownRemaining()
			default:
				return 0
			}
		},
	}, logger)

	var ingress *rate.Limiter
	if cfg.IngressRPS > 0 {
		ingress = rate.NewLimiter(rate.Limit(cfg.IngressRPS), cfg.IngressBurst)
	}
	router := httphandler.NewRouter(handler, httphandler.RouterConfig{
		Limiter:        ingress,
		Tracker:        tracker,
		RequestTimeout: cfg.RequestTimeout,
	}, logger)

	if len(cfg.TrackedLocations) > 0 {
		observability.SetTrackedLocations(cfg.TrackedLocations)
	}

	var cacheWarmer *warmer.Warmer
	if cfg.WarmingEnabled {
		cacheWarmer, err = warmer.New(orchestrator, stats, deferred, warmer.Config{
			Interval:      cfg.WarmingInterval,
			TopK:          cfg.WarmingTopK,
			MaxPerCycle:   cfg.WarmingMaxPerCycle,
			FetchTimeout:  cfg.WarmingFetchTimeout,
			DefaultCities: cfg.DefaultCities,
		}, logger)
		if err != nil {
			logger.Fatal("cache warmer", zap.Error(err))
		}
		if err := cacheWarmer.Start(rootCtx); err != nil {
			logger.Fatal("cache warmer start", zap.Error(err))
		}
		logger.Info("cache warming enabled", zap.Duration("interval", cfg.WarmingInterval), zap.Int("top_k", cfg.WarmingTopK))
	}

	srv := &http.Server{
		Addr:         ":" + cfg.ServerPort,
		Handler:      router,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: cfg.RequestTimeout + 5*time.Second,
	}

	go func() {
		logger.Info("server starting", zap.String("addr", srv.Addr), zap.String("cache_backend", cfg.CacheBackend),
			zap.String("provider", cfg.WeatherProvider))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("server", zap.Error(err))
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	<-ctx.Done()
	stop()

	logger.Info("graceful shutdown triggered")
	handler.SetShuttingDown(true)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown", zap.Error(err))
	}

	inFlight := httphandler.InFlightCount()
	logger.Info("waiting for in-flight requests", zap.Int64("count", inFlight))
	waitCtx, waitCancel := context.WithTimeout(context.Background(), cfg.ShutdownInFlightTimeout)
	defer waitCancel()
	if err := httphandler.WaitForInFlight(waitCtx, 100*time.Millisecond); err != nil {
		logger.Warn("in-flight requests not completed", zap.Error(err), zap.Int64("remaining", httphandler.InFlightCount()))
	}

	if cacheWarmer != nil {
		cacheWarmer.Stop()
	}
	rootCancel()
	monitor.Wait()
	cacheManager.Flush()

	if err := observability.FlushTelemetry(context.Background(), logger); err != nil {
		logger.Error("telemetry flush", zap.Error(err))
	}
	logger.Info("shutdown complete", zap.Int("deferred_pending", deferred.Len()))
}

// newStore builds the configured backing store. The Redis client is returned
// as well so popularity and the shared limiter can use the same pool.
func newStore(cfg *config.Config, logger *zap.Logger) (cache.Store, *redis.Client) {
	switch cfg.CacheBackend {
	case "redis":
		rc, err := cache.NewRedisClient(cache.RedisOptions{
			URL:          cfg.RedisURL,
			PoolSize:     cfg.RedisPoolSize,
			MinIdleConns: cfg.RedisMinIdleConns,
			DialTimeout:  cfg.StoreTimeout,
			ReadTimeout:  cfg.StoreTimeout,
			WriteTimeout: cfg.StoreTimeout,
		})
		if err != nil {
			logger.Fatal("redis client", zap.Error(err))
		}
		logger.Info("cache backend: redis")
		return cache.NewRedisStore(rc), rc
	case "memcached":
		logger.Info("cache backend: memcached", zap.String("addrs", cfg.MemcachedAddrs))
		return cache.NewMemcachedStore(cfg.MemcachedAddrs, cfg.MemcachedTimeout, cfg.MemcachedMaxIdleConns), nil
	default:
		logger.Info("cache backend: in_memory")
		return cache.NewMemoryStore(nil), nil
	}
}

func newProvider(cfg *config.Config, logger *zap.Logger) client.Provider {
	if cfg.WeatherProvider == "simulated" {
		logger.Warn("simulated weather provider enabled; responses are generated locally",
			zap.Float64("failure_rate", cfg.SimulatedFailureRate))
		return client.NewSimulatedProvider(client.SimulatedConfig{
			FailureRate: cfg.SimulatedFailureRate,
			MinLatency:  cfg.SimulatedMinLatency,
			MaxLatency:  cfg.SimulatedMaxLatency,
		})
	}
	p, err := client.NewHTTPProvider(cfg.WeatherAPIURL, cfg.WeatherAPITimeout)
	if err != nil {
		logger.Fatal("weather provider", zap.Error(err))
	}
	return p
}
