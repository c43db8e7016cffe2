package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

const minimalEnvYAML = `
server:
  port: "8080"
weather_api:
  url: "https://api.example.com/weather"
  timeout: "2s"
cache:
  backend: in_memory
`

// TestLoad_Defaults checks that a minimal file yields the documented defaults.
func TestLoad_Defaults(t *testing.T) {
	dir := setupDir(t, minimalEnvYAML)

	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	checks := []struct {
		name string
		got  any
		want any
	}{
		{"FreshTTL", cfg.FreshTTL, time.Hour},
		{"StaleTTL", cfg.StaleTTL, 24 * time.Hour},
		{"FallbackSize", cfg.FallbackSize, 200},
		{"RequestsPerHour", cfg.RequestsPerHour, 100},
		{"WarmingReserve", cfg.WarmingReserve, 20},
		{"SharedLimiter", cfg.SharedLimiter, true},
		{"BreakerFailureThreshold", cfg.BreakerFailureThreshold, 5},
		{"BreakerCooldown", cfg.BreakerCooldown, 5 * time.Minute},
		{"BreakerHalfOpenMaxCalls", cfg.BreakerHalfOpenMaxCalls, 1},
		{"RetryMaxAttempts", cfg.RetryMaxAttempts, 3},
		{"RetryBaseDelay", cfg.RetryBaseDelay, time.Second},
		{"RetryMultiplier", cfg.RetryMultiplier, 2.0},
		{"RetryMaxDelay", cfg.RetryMaxDelay, 8 * time.Second},
		{"RetryJitter", cfg.RetryJitter, 0.5},
		{"WarmingEnabled", cfg.WarmingEnabled, true},
		{"WarmingInterval", cfg.WarmingInterval, time.Hour},
		{"WarmingTopK", cfg.WarmingTopK, 10},
		{"WarmingMaxPerCycle", cfg.WarmingMaxPerCycle, 20},
		{"QueueCapacity", cfg.QueueCapacity, 500},
		{"CoalesceEnabled", cfg.CoalesceEnabled, true},
		{"WeatherProvider", cfg.WeatherProvider, "http"},
		{"LocationMaxLength", cfg.LocationMaxLength, 100},
	}
	for _, c := range checks {
		if c.got != c.want {
			t.Errorf("%s = %v, want %v", c.name, c.got, c.want)
		}
	}
}

// TestLoad_ValuesFromFile checks that explicit settings, including zero
// pointers, override defaults.
func TestLoad_ValuesFromFile(t *testing.T) {
	dir := setupDir(t, minimalEnvYAML+`
rate_limit:
  requests_per_hour: 50
  warming_reserve: 0
  shared: false
circuit_breaker:
  failure_threshold: 3
  success_threshold: 2
  half_open_max_calls: 2
  cooldown: "1m"
retry:
  jitter: 0
warming:
  enabled: false
  default_cities: ["Oslo", "Lima"]
metrics:
  tracked_locations: ["seattle"]
`)

	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if cfg.RequestsPerHour != 50 || cfg.WarmingReserve != 0 || cfg.SharedLimiter {
		t.Errorf("rate limit = %d/%d shared=%v, want 50/0 shared=false", cfg.RequestsPerHour, cfg.WarmingReserve, cfg.SharedLimiter)
	}
	if cfg.BreakerFailureThreshold != 3 || cfg.BreakerSuccessThreshold != 2 || cfg.BreakerCooldown != time.Minute {
		t.Errorf("breaker = %d/%d/%v, want 3/2/1m", cfg.BreakerFailureThreshold, cfg.BreakerSuccessThreshold, cfg.BreakerCooldown)
	}
	if cfg.RetryJitter != 0 {
		t.Errorf("RetryJitter = %v, want 0", cfg.RetryJitter)
	}
	if cfg.WarmingEnabled {
		t.Error("WarmingEnabled = true, want false")
	}
	if strings.Join(cfg.DefaultCities, ",") != "Oslo,Lima" {
		t.Errorf("DefaultCities = %v", cfg.DefaultCities)
	}
	if len(cfg.TrackedLocations) != 1 || cfg.TrackedLocations[0] != "seattle" {
		t.Errorf("TrackedLocations = %v", cfg.TrackedLocations)
	}
}

// TestLoad_EnvOverrides checks that environment variables, including ones from
// .env, replace connection settings.
func TestLoad_EnvOverrides(t *testing.T) {
	dir := setupDir(t, minimalEnvYAML)
	if err := os.WriteFile(filepath.Join(dir, ".env"), []byte("MEMCACHED_ADDRS=cache-1:11211,cache-2:11211\n"), 0644); err != nil {
		t.Fatalf("write .env: %v", err)
	}
	t.Setenv("CACHE_BACKEND", "Redis")
	t.Setenv("REDIS_URL", "redis://cache:6379/1")
	t.Setenv("WEATHER_PROVIDER", "simulated")
	t.Setenv("SERVER_PORT", "9090")
	t.Cleanup(func() { _ = os.Unsetenv("MEMCACHED_ADDRS") })

	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if cfg.CacheBackend != "redis" {
		t.Errorf("CacheBackend = %q, want redis", cfg.CacheBackend)
	}
	if cfg.RedisURL != "redis://cache:6379/1" {
		t.Errorf("RedisURL = %q", cfg.RedisURL)
	}
	if cfg.WeatherProvider != "simulated" {
		t.Errorf("WeatherProvider = %q, want simulated", cfg.WeatherProvider)
	}
	if cfg.ServerPort != "9090" {
		t.Errorf("ServerPort = %q, want 9090", cfg.ServerPort)
	}
	if cfg.MemcachedAddrs != "cache-1:11211,cache-2:11211" {
		t.Errorf("MemcachedAddrs = %q, want value from .env", cfg.MemcachedAddrs)
	}
}

// TestLoad_EnvFileNotFound checks the error when ENV_NAME names a missing file.
func TestLoad_EnvFileNotFound(t *testing.T) {
	t.Setenv("ENV_NAME", "nonexistent")
	dir := setupDir(t, minimalEnvYAML)

	_, err := LoadDir(dir)
	if err == nil || !strings.Contains(err.Error(), "config file not found") {
		t.Fatalf("LoadDir() error = %v, want config file not found", err)
	}
}

// TestLoad_InvalidConfigYAML checks that malformed YAML is reported.
func TestLoad_InvalidConfigYAML(t *testing.T) {
	dir := setupDir(t, "server: [unclosed\n")

	_, err := LoadDir(dir)
	if err == nil || !strings.Contains(err.Error(), "parse config file") {
		t.Fatalf("LoadDir() error = %v, want parse error", err)
	}
}

// TestLoad_InvalidDurationFallsBackToDefault checks that unparseable durations
// use defaults instead of failing.
func TestLoad_InvalidDurationFallsBackToDefault(t *testing.T) {
	dir := setupDir(t, minimalEnvYAML+`
circuit_breaker:
  cooldown: "soon"
warming:
  interval: ""
`)

	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if cfg.BreakerCooldown != 5*time.Minute {
		t.Errorf("BreakerCooldown = %v, want 5m", cfg.BreakerCooldown)
	}
	if cfg.WarmingInterval != time.Hour {
		t.Errorf("WarmingInterval = %v, want 1h", cfg.WarmingInterval)
	}
}

// TestLoad_RequestTimeoutCoversUpstream checks that a request timeout shorter
// than one upstream attempt is raised.
func TestLoad_RequestTimeoutCoversUpstream(t *testing.T) {
	dir := setupDir(t, `
server:
  request_timeout: "1s"
weather_api:
  timeout: "3s"
`)

	cfg, err := LoadDir(dir)
	if err != nil {
		t.Fatalf("LoadDir() error = %v", err)
	}
	if cfg.RequestTimeout != 4*time.Second {
		t.Errorf("RequestTimeout = %v, want 4s", cfg.RequestTimeout)
	}
}

// TestLoad_ValidationErrors checks each rejected combination.
func TestLoad_ValidationErrors(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"zero upstream timeout", "weather_api:\n  timeout: \"0s\"\n", "weather_api.timeout"},
		{"unknown provider", "weather_api:\n  provider: carrier-pigeon\n", "weather_api.provider"},
		{"failure rate above one", "weather_api:\n  simulated:\n    failure_rate: 1.5\n", "failure_rate"},
		{"unknown backend", "cache:\n  backend: disk\n", "cache.backend"},
		{"stale not above fresh", "cache:\n  fresh_ttl: \"2h\"\n  stale_ttl: \"1h\"\n", "stale_ttl"},
		{"reserve consumes budget", "rate_limit:\n  requests_per_hour: 10\n  warming_reserve: 10\n", "warming_reserve"},
		{"half-open cannot close", "circuit_breaker:\n  success_threshold: 3\n  half_open_max_calls: 2\n", "half_open_max_calls"},
		{"jitter above one", "retry:\n  jitter: 2\n", "retry.jitter"},
		{"max delay below base", "retry:\n  base_delay: \"5s\"\n  max_delay: \"1s\"\n", "retry.max_delay"},
		{"pct above 100", "health:\n  unavailable_pct: 101\n", "unavailable_pct"},
		{"location bounds inverted", "location:\n  min_length: 10\n  max_length: 5\n", "location.max_length"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := setupDir(t, tt.yaml)
			cfg, err := LoadDir(dir)
			if err == nil {
				t.Fatalf("LoadDir() error = nil, cfg = %+v", cfg)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("LoadDir() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

// TestLoad_UsesWorkingDirectory checks Load against the repository's dev.yaml.
func TestLoad_UsesWorkingDirectory(t *testing.T) {
	root := findProjectRoot(t)
	origWd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	if err := os.Chdir(root); err != nil {
		t.Fatalf("Chdir: %v", err)
	}
	defer func() { _ = os.Chdir(origWd) }()

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.ServerPort == "" || cfg.CacheBackend == "" {
		t.Errorf("Load() returned incomplete config: %+v", cfg)
	}
}

func setupDir(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	configDir := filepath.Join(dir, "config")
	if err := os.MkdirAll(configDir, 0755); err != nil {
		t.Fatalf("mkdir config: %v", err)
	}
	if err := os.WriteFile(filepath.Join(configDir, "dev.yaml"), []byte(content), 0644); err != nil {
		t.Fatalf("write config file: %v", err)
	}
	return dir
}

func findProjectRoot(t *testing.T) string {
	t.Helper()
	dir, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	for {
		if _, err := os.Stat(filepath.Join(dir, "config", "dev.yaml")); err == nil {
			return dir
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			t.Fatal("config/dev.yaml not found (run tests from project root)")
		}
		dir = parent
	}
}
