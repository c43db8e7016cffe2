// Package config loads service configuration from config/{ENV_NAME}.yaml, an
// optional .env file, and a small set of environment overrides.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds service configuration loaded from YAML and env.
type Config struct {
	ServerPort              string
	Version                 string
	RequestTimeout          time.Duration
	ShutdownTimeout         time.Duration
	ShutdownInFlightTimeout time.Duration

	WeatherProvider      string // "http" or "simulated"
	WeatherAPIURL        string
	WeatherAPITimeout    time.Duration
	SimulatedFailureRate float64
	SimulatedMinLatency  time.Duration
	SimulatedMaxLatency  time.Duration

	CacheBackend          string // "redis", "memcached" or "in_memory"
	FreshTTL              time.Duration
	StaleTTL              time.Duration
	StoreTimeout          time.Duration
	FallbackSize          int
	RedisURL              string
	RedisPoolSize         int
	RedisMinIdleConns     int
	MemcachedAddrs        string
	MemcachedTimeout      time.Duration
	MemcachedMaxIdleConns int

	RequestsPerHour int
	WarmingReserve  int
	SharedLimiter   bool // keep token buckets in Redis so instances share one budget

	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerHalfOpenMaxCalls int
	BreakerCooldown         time.Duration

	RetryMaxAttempts int
	RetryBaseDelay   time.Duration
	RetryMultiplier  float64
	RetryMaxDelay    time.Duration
	RetryJitter      float64

	WarmingEnabled      bool
	WarmingInterval     time.Duration
	WarmingTopK         int
	WarmingMaxPerCycle  int
	WarmingFetchTimeout time.Duration
	DefaultCities       []string

	QueueCapacity int

	CoalesceEnabled bool
	CoalesceTimeout time.Duration

	IngressRPS   int
	IngressBurst int

	StoreRecoveryInitial time.Duration
	StoreRecoveryMax     time.Duration

	HealthWindow         time.Duration
	HealthUnavailablePct int

	LocationMinLength int
	LocationMaxLength int

	TrackedLocations []string
}

type fileConfig struct {
	Server struct {
		Port           string `yaml:"port"`
		Version        string `yaml:"version"`
		RequestTimeout string `yaml:"request_timeout"`
	} `yaml:"server"`

	WeatherAPI struct {
		Provider  string `yaml:"provider"`
		URL       string `yaml:"url"`
		Timeout   string `yaml:"timeout"`
		Simulated struct {
			FailureRate float64 `yaml:"failure_rate"`
			MinLatency  string  `yaml:"min_latency"`
			MaxLatency  string  `yaml:"max_latency"`
		} `yaml:"simulated"`
	} `yaml:"weather_api"`

	Cache struct {
		Backend      string `yaml:"backend"`
		FreshTTL     string `yaml:"fresh_ttl"`
		StaleTTL     string `yaml:"stale_ttl"`
		StoreTimeout string `yaml:"store_timeout"`
		FallbackSize int    `yaml:"fallback_size"`
		Redis        struct {
			URL          string `yaml:"url"`
			PoolSize     int    `yaml:"pool_size"`
			MinIdleConns int    `yaml:"min_idle_conns"`
		} `yaml:"redis"`
		Memcached struct {
			Addrs        string `yaml:"addrs"`
			Timeout      string `yaml:"timeout"`
			MaxIdleConns int    `yaml:"max_idle_conns"`
		} `yaml:"memcached"`
	} `yaml:"cache"`

	RateLimit struct {
		RequestsPerHour int   `yaml:"requests_per_hour"`
		WarmingReserve  *int  `yaml:"warming_reserve"`
		Shared          *bool `yaml:"shared"`
	} `yaml:"rate_limit"`

	CircuitBreaker struct {
		FailureThreshold int    `yaml:"failure_threshold"`
		SuccessThreshold int    `yaml:"success_threshold"`
		HalfOpenMaxCalls int    `yaml:"half_open_max_calls"`
		Cooldown         string `yaml:"cooldown"`
	} `yaml:"circuit_breaker"`

	Retry struct {
		MaxAttempts int      `yaml:"max_attempts"`
		BaseDelay   string   `yaml:"base_delay"`
		Multiplier  float64  `yaml:"multiplier"`
		MaxDelay    string   `yaml:"max_delay"`
		Jitter      *float64 `yaml:"jitter"`
	} `yaml:"retry"`

	Warming struct {
		Enabled       *bool    `yaml:"enabled"`
		Interval      string   `yaml:"interval"`
		TopK          int      `yaml:"top_k"`
		MaxPerCycle   int      `yaml:"max_per_cycle"`
		FetchTimeout  string   `yaml:"fetch_timeout"`
		DefaultCities []string `yaml:"default_cities"`
	} `yaml:"warming"`

	Queue struct {
		Capacity int `yaml:"capacity"`
	} `yaml:"queue"`

	Coalesce struct {
		Enabled *bool  `yaml:"enabled"`
		Timeout string `yaml:"timeout"`
	} `yaml:"coalesce"`

	Ingress struct {
		RPS   int `yaml:"rps"`
		Burst int `yaml:"burst"`
	} `yaml:"ingress"`

	StoreRecovery struct {
		Initial string `yaml:"initial"`
		Max     string `yaml:"max"`
	} `yaml:"store_recovery"`

	Health struct {
		Window         string `yaml:"window"`
		UnavailablePct int    `yaml:"unavailable_pct"`
	} `yaml:"health"`

	Location struct {
		MinLength int `yaml:"min_length"`
		MaxLength int `yaml:"max_length"`
	} `yaml:"location"`

	Shutdown struct {
		Timeout         string `yaml:"timeout"`
		InFlightTimeout string `yaml:"in_flight_timeout"`
	} `yaml:"shutdown"`

	Metrics struct {
		TrackedLocations []string `yaml:"tracked_locations"`
	} `yaml:"metrics"`
}

// Load reads .env (if present) and config/{ENV_NAME}.yaml (default dev) from
// the working directory. Call from project root.
func Load() (*Config, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("config: get working directory: %w", err)
	}
	return LoadDir(cwd)
}

// LoadDir is Load rooted at dir.
func LoadDir(dir string) (*Config, error) {
	if err := godotenv.Load(filepath.Join(dir, ".env")); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}

	env := os.Getenv("ENV_NAME")
	if env == "" {
		env = "dev"
	}
	configPath := filepath.Join(dir, "config", env+".yaml")
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found: %s", configPath)
		}
		return nil, fmt.Errorf("read config file: %w", err)
	}
	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return nil, fmt.Errorf("parse config file: %w", err)
	}

	cfg := fromFile(&fc)
	applyEnv(cfg)
	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromFile(fc *fileConfig) *Config {
	cfg := &Config{}

	cfg.ServerPort = stringOr(fc.Server.Port, "8080")
	cfg.Version = stringOr(fc.Server.Version, "dev")
	cfg.RequestTimeout = parseDuration(fc.Server.RequestTimeout, 10*time.Second)
	cfg.ShutdownTimeout = parseDuration(fc.Shutdown.Timeout, 30*time.Second)
	cfg.ShutdownInFlightTimeout = parseDuration(fc.Shutdown.InFlightTimeout, 10*time.Second)

	cfg.WeatherProvider = lower(stringOr(fc.WeatherAPI.Provider, "http"))
	cfg.WeatherAPIURL = stringOr(fc.WeatherAPI.URL, "http://localhost:8081/weather/hourly")
	cfg.WeatherAPITimeout = parseDurationOrZero(fc.WeatherAPI.Timeout, 5*time.Second)
	cfg.SimulatedFailureRate = fc.WeatherAPI.Simulated.FailureRate
	cfg.SimulatedMinLatency = parseDurationOrZero(fc.WeatherAPI.Simulated.MinLatency, 50*time.Millisecond)
	cfg.SimulatedMaxLatency = parseDurationOrZero(fc.WeatherAPI.Simulated.MaxLatency, 300*time.Millisecond)

	cfg.CacheBackend = lower(stringOr(fc.Cache.Backend, "in_memory"))
	cfg.FreshTTL = parseDuration(fc.Cache.FreshTTL, time.Hour)
	cfg.StaleTTL = parseDuration(fc.Cache.StaleTTL, 24*time.Hour)
	cfg.StoreTimeout = parseDuration(fc.Cache.StoreTimeout, 500*time.Millisecond)
	cfg.FallbackSize = intOr(fc.Cache.FallbackSize, 200)
	cfg.RedisURL = stringOr(fc.Cache.Redis.URL, "redis://localhost:6379/0")
	cfg.RedisPoolSize = intOr(fc.Cache.Redis.PoolSize, 20)
	cfg.RedisMinIdleConns = intOr(fc.Cache.Redis.MinIdleConns, 2)
	cfg.MemcachedAddrs = stringOr(fc.Cache.Memcached.Addrs, "localhost:11211")
	cfg.MemcachedTimeout = parseDuration(fc.Cache.Memcached.Timeout, 500*time.Millisecond)
	cfg.MemcachedMaxIdleConns = intOr(fc.Cache.Memcached.MaxIdleConns, 2)

	cfg.RequestsPerHour = intOr(fc.RateLimit.RequestsPerHour, 100)
	cfg.WarmingReserve = 20
	if fc.RateLimit.WarmingReserve != nil {
		cfg.WarmingReserve = *fc.RateLimit.WarmingReserve
	}
	cfg.SharedLimiter = true
	if fc.RateLimit.Shared != nil {
		cfg.SharedLimiter = *fc.RateLimit.Shared
	}

	cfg.BreakerFailureThreshold = intOr(fc.CircuitBreaker.FailureThreshold, 5)
	cfg.BreakerSuccessThreshold = intOr(fc.CircuitBreaker.SuccessThreshold, 1)
	cfg.BreakerHalfOpenMaxCalls = intOr(fc.CircuitBreaker.HalfOpenMaxCalls, 1)
	cfg.BreakerCooldown = parseDuration(fc.CircuitBreaker.Cooldown, 5*time.Minute)

	cfg.RetryMaxAttempts = intOr(fc.Retry.MaxAttempts, 3)
	cfg.RetryBaseDelay = parseDuration(fc.Retry.BaseDelay, time.Second)
	cfg.RetryMultiplier = fc.Retry.Multiplier
	if cfg.RetryMultiplier < 1 {
		cfg.RetryMultiplier = 2
	}
	cfg.RetryMaxDelay = parseDuration(fc.Retry.MaxDelay, 8*time.Second)
	cfg.RetryJitter = 0.5
	if fc.Retry.Jitter != nil {
		cfg.RetryJitter = *fc.Retry.Jitter
	}

	cfg.WarmingEnabled = true
	if fc.Warming.Enabled != nil {
		cfg.WarmingEnabled = *fc.Warming.Enabled
	}
	cfg.WarmingInterval = parseDuration(fc.Warming.Interval, time.Hour)
	cfg.WarmingTopK = intOr(fc.Warming.TopK, 10)
	cfg.WarmingMaxPerCycle = intOr(fc.Warming.MaxPerCycle, 20)
	cfg.WarmingFetchTimeout = parseDuration(fc.Warming.FetchTimeout, 15*time.Second)
	cfg.DefaultCities = fc.Warming.DefaultCities

	cfg.QueueCapacity = intOr(fc.Queue.Capacity, 500)

	cfg.CoalesceEnabled = true
	if fc.Coalesce.Enabled != nil {
		cfg.CoalesceEnabled = *fc.Coalesce.Enabled
	}
	cfg.CoalesceTimeout = parseDuration(fc.Coalesce.Timeout, 30*time.Second)

	cfg.IngressRPS = fc.Ingress.RPS
	cfg.IngressBurst = intOr(fc.Ingress.Burst, 2*cfg.IngressRPS)

	cfg.StoreRecoveryInitial = parseDuration(fc.StoreRecovery.Initial, time.Second)
	cfg.StoreRecoveryMax = parseDuration(fc.StoreRecovery.Max, time.Minute)

	cfg.HealthWindow = parseDuration(fc.Health.Window, time.Minute)
	cfg.HealthUnavailablePct = intOr(fc.Health.UnavailablePct, 50)

	cfg.LocationMinLength = intOr(fc.Location.MinLength, 1)
	cfg.LocationMaxLength = intOr(fc.Location.MaxLength, 100)

	cfg.TrackedLocations = fc.Metrics.TrackedLocations
	return cfg
}

// applyEnv lets deployment environments override connection settings.
func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("SERVER_PORT")); v != "" {
		cfg.ServerPort = v
	}
	if v := lower(os.Getenv("WEATHER_PROVIDER")); v != "" {
		cfg.WeatherProvider = v
	}
	if v := strings.TrimSpace(os.Getenv("WEATHER_API_URL")); v != "" {
		cfg.WeatherAPIURL = v
	}
	if v := lower(os.Getenv("CACHE_BACKEND")); v != "" {
		cfg.CacheBackend = v
	}
	if v := strings.TrimSpace(os.Getenv("REDIS_URL")); v != "" {
		cfg.RedisURL = v
	}
	if v := strings.TrimSpace(os.Getenv("MEMCACHED_ADDRS")); v != "" {
		cfg.MemcachedAddrs = v
	}
}

func stringOr(s, def string) string {
	if s = strings.TrimSpace(s); s != "" {
		return s
	}
	return def
}

func intOr(n, def int) int {
	if n > 0 {
		return n
	}
	return def
}

func lower(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// parseDuration parses a duration string and returns defaultVal if parsing fails or result is <= 0.
func parseDuration(s string, defaultVal time.Duration) time.Duration {
	d := parseDurationOrZero(s, defaultVal)
	if d <= 0 {
		return defaultVal
	}
	return d
}

// parseDurationOrZero parses a duration string, returning defaultVal on empty string or parse error.
// Zero or negative durations are returned as-is so validate can reject them.
func parseDurationOrZero(s string, defaultVal time.Duration) time.Duration {
	s = strings.TrimSpace(s)
	if s == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return defaultVal
	}
	return d
}

// validate rejects settings the components cannot honour. RequestTimeout is
// raised to cover at least one upstream attempt.
func validate(cfg *Config) error {
	if cfg.WeatherAPITimeout <= 0 {
		return fmt.Errorf("weather_api.timeout must be positive")
	}
	if cfg.RequestTimeout <= cfg.WeatherAPITimeout {
		cfg.RequestTimeout = cfg.WeatherAPITimeout + time.Second
	}
	switch cfg.WeatherProvider {
	case "http", "simulated":
	default:
		return fmt.Errorf("weather_api.provider must be http or simulated, got %q", cfg.WeatherProvider)
	}
	if cfg.SimulatedFailureRate < 0 || cfg.SimulatedFailureRate > 1 {
		return fmt.Errorf("weather_api.simulated.failure_rate must be within [0, 1], got %v", cfg.SimulatedFailureRate)
	}
	if cfg.SimulatedMaxLatency < cfg.SimulatedMinLatency {
		return fmt.Errorf("weather_api.simulated.max_latency %v is below min_latency %v", cfg.SimulatedMaxLatency, cfg.SimulatedMinLatency)
	}
	switch cfg.CacheBackend {
	case "redis", "memcached", "in_memory":
	default:
		return fmt.Errorf("cache.backend must be redis, memcached or in_memory, got %q", cfg.CacheBackend)
	}
	if cfg.StaleTTL <= cfg.FreshTTL {
		return fmt.Errorf("cache.stale_ttl %v must exceed cache.fresh_ttl %v", cfg.StaleTTL, cfg.FreshTTL)
	}
	if cfg.WarmingReserve < 0 || cfg.WarmingReserve >= cfg.RequestsPerHour {
		return fmt.Errorf("rate_limit.warming_reserve %d must be within [0, requests_per_hour %d)", cfg.WarmingReserve, cfg.RequestsPerHour)
	}
	if cfg.BreakerHalfOpenMaxCalls < cfg.BreakerSuccessThreshold {
		return fmt.Errorf("circuit_breaker.half_open_max_calls %d cannot reach success_threshold %d",
			cfg.BreakerHalfOpenMaxCalls, cfg.BreakerSuccessThreshold)
	}
	if cfg.RetryJitter < 0 || cfg.RetryJitter > 1 {
		return fmt.Errorf("retry.jitter must be within [0, 1], got %v", cfg.RetryJitter)
	}
	if cfg.RetryMaxDelay < cfg.RetryBaseDelay {
		return fmt.Errorf("retry.max_delay %v is below base_delay %v", cfg.RetryMaxDelay, cfg.RetryBaseDelay)
	}
	if cfg.HealthUnavailablePct > 100 {
		return fmt.Errorf("health.unavailable_pct must be at most 100, got %d", cfg.HealthUnavailablePct)
	}
	if cfg.LocationMaxLength < cfg.LocationMinLength {
		return fmt.Errorf("location.max_length %d is below min_length %d", cfg.LocationMaxLength, cfg.LocationMinLength)
	}
	return nil
}
