package http

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/kjstillabower/weather-cache-service/internal/cache"
	"github.com/kjstillabower/weather-cache-service/internal/circuitbreaker"
	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/fetch"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/popularity"
	"github.com/kjstillabower/weather-cache-service/internal/queue"
	"github.com/kjstillabower/weather-cache-service/internal/ratelimit"
	"github.com/kjstillabower/weather-cache-service/internal/retry"
	"github.com/kjstillabower/weather-cache-service/internal/service"
	"github.com/kjstillabower/weather-cache-service/internal/testhelpers"
	"github.com/kjstillabower/weather-cache-service/internal/traffic"
)

const upstreamPayload = `{"result":[
	{"hour":0,"temperature":"10°C","condition":"Partly Cloudy","humidity":71,"wind_direction":"NE"},
	{"hour":1,"temperature":"9°C","condition":"light rain"}
]}`

// upstream is a fake weather provider endpoint.
type upstream struct {
	server  *httptest.Server
	calls   atomic.Int64
	failing atomic.Bool
	corrIDs chan string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{corrIDs: make(chan string, 16)}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		u.calls.Add(1)
		select {
		case u.corrIDs <- r.Header.Get("X-Correlation-ID"):
		default:
		}
		switch {
		case u.failing.Load():
			w.WriteHeader(http.StatusInternalServerError)
		case r.URL.Query().Get("city") == "atlantis":
			w.WriteHeader(http.StatusNotFound)
		default:
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(upstreamPayload))
		}
	}))
	t.Cleanup(u.server.Close)
	return u
}

type fullStack struct {
	router   http.Handler
	upstream *upstream
	redis    interface{ FastForward(time.Duration) }
	queue    *queue.Queue
}

// newFullStack wires every component against miniredis and a fake upstream.
func newFullStack(t *testing.T) *fullStack {
	t.Helper()
	logger := zaptest.NewLogger(t)
	rdb, mr := testhelpers.NewRedis(t)
	up := newUpstream(t)

	provider, err := client.NewHTTPProvider(up.server.URL, time.Second)
	if err != nil {
		t.Fatalf("NewHTTPProvider: %v", err)
	}
	stats := popularity.NewRedisStats(rdb, popularity.DefaultRedisKey)
	mgr, err := cache.NewManager(cache.NewRedisStore(rdb), nil, stats, cache.Config{}, logger)
	if err != nil {
		t.Fatalf("NewManager: %v", err)
	}
	breaker, err := circuitbreaker.New(circuitbreaker.Config{})
	if err != nil {
		t.Fatalf("circuitbreaker.New: %v", err)
	}
	limiter, err := ratelimit.New(ratelimit.NewRedisStore(rdb, ""), ratelimit.Config{RequestsPerHour: 100, WarmingReserve: 20}, logger)
	if err != nil {
		t.Fatalf("ratelimit.New: %v", err)
	}
	q := queue.New(10, nil)
	orch, err := fetch.New(fetch.Deps{
		Provider: provider,
		Breaker:  breaker,
		Limiter:  limiter,
		Cache:    mgr,
		Queue:    q,
		Stats:    stats,
		Policy:   retry.New(1, time.Millisecond, 2, time.Millisecond, 0),
	}, fetch.Config{Coalesce: true}, logger)
	if err != nil {
		t.Fatalf("fetch.New: %v", err)
	}
	tracker := traffic.NewTracker(time.Minute, nil)
	svc, err := service.NewWeatherService(service.Deps{
		Cache:   mgr,
		Fetcher: orch,
		Stats:   stats,
		Tracker: tracker,
		Breaker: breaker,
		Limiter: limiter,
		Queue:   q,
	}, service.Config{}, logger)
	if err != nil {
		t.Fatalf("NewWeatherService: %v", err)
	}
	h := NewHandler(svc, Config{
		Tracker:      tracker,
		HealthWindow: time.Minute,
		StorePing:    mgr.Ping,
		RetryAfter: func(reason string) time.Duration {
			return limiter.RetryAfter(ratelimit.User)
		},
	}, logger)
	t.Cleanup(mgr.Flush)
	return &fullStack{
		router:   NewRouter(h, RouterConfig{Tracker: tracker, RequestTimeout: 5 * time.Second}, logger),
		upstream: up,
		redis:    mr,
		queue:    q,
	}
}

func (s *fullStack) get(t *testing.T, path, corrID string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decodeWeather(t *testing.T, w *httptest.ResponseRecorder) weatherResponse {
	t.Helper()
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", w.Code, w.Body.String())
	}
	var resp weatherResponse
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	return resp
}

// TestIntegration_MissThenHit verifies the first request reaches upstream with
// the caller's correlation ID and the second is served from Redis.
func TestIntegration_MissThenHit(t *testing.T) {
	s := newFullStack(t)

	first := decodeWeather(t, s.get(t, "/weather/London", "corr-1"))
	if first.Metadata.Source != models.SourceAPI || first.City != "london" || len(first.Weather) != 2 {
		t.Errorf("first = %+v", first)
	}
	if got := <-s.upstream.corrIDs; got != "corr-1" {
		t.Errorf("upstream X-Correlation-ID = %q, want corr-1", got)
	}
	if first.Weather[1].Condition != client.ConditionRainy {
		t.Errorf("condition = %q, want normalized Rainy", first.Weather[1].Condition)
	}

	second := decodeWeather(t, s.get(t, "/weather/london", ""))
	if second.Metadata.Source != models.SourceCache || second.Metadata.DataFreshness != models.FreshnessFresh {
		t.Errorf("second metadata = %+v", second.Metadata)
	}
	if n := s.upstream.calls.Load(); n != 1 {
		t.Errorf("upstream calls = %d, want 1", n)
	}
}

// TestIntegration_NotFound verifies an upstream 404 becomes a 404 and is not queued.
func TestIntegration_NotFound(t *testing.T) {
	s := newFullStack(t)
	w := s.get(t, "/weather/Atlantis", "")
	if w.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", w.Code)
	}
	if s.queue.Len() != 0 {
		t.Error("not-found city must not be queued")
	}
}

// TestIntegration_StaleOnUpstreamFailure verifies an expired fresh tier falls
// back to the stale tier with a warning when upstream fails.
func TestIntegration_StaleOnUpstreamFailure(t *testing.T) {
	s := newFullStack(t)
	decodeWeather(t, s.get(t, "/weather/Paris", ""))

	s.redis.FastForward(61 * time.Minute)
	s.upstream.failing.Store(true)

	resp := decodeWeather(t, s.get(t, "/weather/Paris", ""))
	if resp.Metadata.DataFreshness != models.FreshnessStale || resp.Metadata.Source != models.SourceCache {
		t.Errorf("metadata = %+v", resp.Metadata)
	}
	if len(resp.Warnings) != 1 {
		t.Errorf("warnings = %v", resp.Warnings)
	}
}

// TestIntegration_UnavailableQueues verifies a failing upstream with nothing
// cached yields 503 with Retry-After and defers the city.
func TestIntegration_UnavailableQueues(t *testing.T) {
	s := newFullStack(t)
	s.upstream.failing.Store(true)

	w := s.get(t, "/weather/Berlin", "")
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", w.Code)
	}
	if w.Header().Get("Retry-After") == "" {
		t.Error("Retry-After missing")
	}
	if !s.queue.Contains("berlin") {
		t.Error("berlin should be queued")
	}
}

// TestIntegration_Health verifies /health reports healthy against a live store.
func TestIntegration_Health(t *testing.T) {
	s := newFullStack(t)
	w := s.get(t, "/health", "")
	var resp struct {
		Status string `json:"status"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if w.Code != http.StatusOK || resp.Status != "healthy" {
		t.Errorf("health = %d %q", w.Code, resp.Status)
	}
}
