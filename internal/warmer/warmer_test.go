package warmer

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/fetch"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/popularity"
	"github.com/kjstillabower/weather-cache-service/internal/queue"
	"github.com/kjstillabower/weather-cache-service/internal/ratelimit"
)

// scriptedFetcher returns a per-city error and records calls.
type scriptedFetcher struct {
	mu      sync.Mutex
	errs    map[string]error
	calls   []string
	parts   []ratelimit.Partition
	onFetch func(city string)
}

func (f *scriptedFetcher) Fetch(_ context.Context, city string, p ratelimit.Partition) (models.WeatherEntry, error) {
	f.mu.Lock()
	f.calls = append(f.calls, city)
	f.parts = append(f.parts, p)
	err := f.errs[city]
	hook := f.onFetch
	f.mu.Unlock()
	if hook != nil {
		hook(city)
	}
	if err != nil {
		return models.WeatherEntry{}, err
	}
	return models.WeatherEntry{City: city, Tier: models.TierFresh}, nil
}

func (f *scriptedFetcher) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func rankedStats(t *testing.T, counts map[string]int) *popularity.MemoryStats {
	t.Helper()
	stats := popularity.NewMemoryStats()
	for city, n := range counts {
		for i := 0; i < n; i++ {
			if err := stats.Increment(context.Background(), city); err != nil {
				t.Fatalf("Increment: %v", err)
			}
		}
	}
	return stats
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// TestRunCycle_WarmsTopKInPopularityOrder verifies only the top-K cities are
// fetched, most popular first, on the warming partition.
func TestRunCycle_WarmsTopKInPopularityOrder(t *testing.T) {
	f := &scriptedFetcher{}
	stats := rankedStats(t, map[string]int{"london": 5, "paris": 9, "rome": 1, "tokyo": 3})
	w, err := New(f, stats, nil, Config{TopK: 3}, zap.NewNop())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	report := w.RunCycle(context.Background())
	if want := []string{"paris", "london", "tokyo"}; !equalStrings(f.Calls(), want) {
		t.Errorf("calls = %v, want %v", f.Calls(), want)
	}
	for _, p := range f.parts {
		if p != ratelimit.Warming {
			t.Errorf("partition = %q, want warming", p)
		}
	}
	if report.Warmed != 3 || report.Stopped != "" {
		t.Errorf("report = %+v", report)
	}
}

// TestRunCycle_StopsOnGatingRejection verifies exhausting the warming budget or
// an open circuit ends the cycle and skips the rest.
func TestRunCycle_StopsOnGatingRejection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"rate limited", fetch.ErrRateLimited, "rate_limited"},
		{"circuit open", fetch.ErrCircuitOpen, "circuit_open"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := &scriptedFetcher{errs: map[string]error{"london": tc.err}}
			stats := rankedStats(t, map[string]int{"paris": 3, "london": 2, "rome": 1})
			w, _ := New(f, stats, nil, Config{TopK: 3}, zap.NewNop())

			report := w.RunCycle(context.Background())
			if want := []string{"paris", "london"}; !equalStrings(f.Calls(), want) {
				t.Errorf("calls = %v, want %v", f.Calls(), want)
			}
			if report.Stopped != tc.want || report.Warmed != 1 || report.Skipped != 2 {
				t.Errorf("report = %+v", report)
			}
		})
	}
}

// TestRunCycle_ContinuesPastFailures verifies ordinary failures do not end the cycle.
func TestRunCycle_ContinuesPastFailures(t *testing.T) {
	f := &scriptedFetcher{errs: map[string]error{
		"paris":  fetch.ErrUpstreamUnavailable,
		"london": client.ErrLocationNotFound,
	}}
	stats := rankedStats(t, map[string]int{"paris": 3, "london": 2, "rome": 1})
	w, _ := New(f, stats, nil, Config{TopK: 3}, zap.NewNop())

	report := w.RunCycle(context.Background())
	if len(f.Calls()) != 3 {
		t.Errorf("calls = %v, want all three", f.Calls())
	}
	if report.Failed != 2 || report.Warmed != 1 {
		t.Errorf("report = %+v", report)
	}
}

// TestRunCycle_MaxPerCycle verifies the per-cycle cap bounds fetches.
func TestRunCycle_MaxPerCycle(t *testing.T) {
	f := &scriptedFetcher{}
	stats := rankedStats(t, map[string]int{"a": 4, "b": 3, "c": 2, "d": 1})
	w, _ := New(f, stats, nil, Config{TopK: 4, MaxPerCycle: 2}, zap.NewNop())

	report := w.RunCycle(context.Background())
	if len(f.Calls()) != 2 || report.Skipped != 2 {
		t.Errorf("calls = %v, report = %+v", f.Calls(), report)
	}
}

// TestRunCycle_DefaultCities verifies an empty popularity table falls back to
// the configured defaults.
func TestRunCycle_DefaultCities(t *testing.T) {
	f := &scriptedFetcher{}
	w, _ := New(f, popularity.NewMemoryStats(), nil, Config{TopK: 2, DefaultCities: []string{"New York", "Berlin", "Oslo"}}, zap.NewNop())

	w.RunCycle(context.Background())
	if want := []string{"new york", "berlin"}; !equalStrings(f.Calls(), want) {
		t.Errorf("calls = %v, want %v", f.Calls(), want)
	}
}

// failingRanker always errors.
type failingRanker struct{}

func (failingRanker) Top(context.Context, int) ([]models.CityCount, error) {
	return nil, errors.New("redis down")
}

// TestRunCycle_RankerErrorLogsAndUsesDefaults verifies an unreadable ranking is
// logged and the default list is warmed.
func TestRunCycle_RankerErrorLogsAndUsesDefaults(t *testing.T) {
	core, logs := observer.New(zapcore.WarnLevel)
	f := &scriptedFetcher{}
	w, _ := New(f, failingRanker{}, nil, Config{TopK: 1}, zap.New(core))

	w.RunCycle(context.Background())
	if want := []string{"london"}; !equalStrings(f.Calls(), want) {
		t.Errorf("calls = %v, want %v", f.Calls(), want)
	}
	if logs.FilterMessage("popularity ranking unavailable, warming default cities").Len() != 1 {
		t.Error("expected ranking failure to be logged")
	}
}

// TestRunCycle_DrainsBacklogWithRemainingBudget verifies deferred cities are
// fetched highest priority first after warming.
func TestRunCycle_DrainsBacklogWithRemainingBudget(t *testing.T) {
	f := &scriptedFetcher{}
	stats := rankedStats(t, map[string]int{"paris": 1})
	q := queue.New(10, nil)
	q.Enqueue("lima", 2)
	q.Enqueue("quito", 7)
	w, _ := New(f, stats, q, Config{TopK: 1, MaxPerCycle: 5}, zap.NewNop())

	report := w.RunCycle(context.Background())
	if want := []string{"paris", "quito", "lima"}; !equalStrings(f.Calls(), want) {
		t.Errorf("calls = %v, want %v", f.Calls(), want)
	}
	if report.Drained != 2 || q.Len() != 0 {
		t.Errorf("report = %+v, queue len = %d", report, q.Len())
	}
}

// TestRunCycle_DrainRequeuesOnRejection verifies a drained task blocked by
// gating goes back on the queue with its score.
func TestRunCycle_DrainRequeuesOnRejection(t *testing.T) {
	f := &scriptedFetcher{errs: map[string]error{"quito": fetch.ErrRateLimited}}
	q := queue.New(10, nil)
	q.Enqueue("quito", 7)
	q.Enqueue("lima", 2)
	w, _ := New(f, failingRanker{}, q, Config{TopK: 1, DefaultCities: []string{"Paris"}}, zap.NewNop())

	report := w.RunCycle(context.Background())
	if report.Stopped != "rate_limited" {
		t.Errorf("stopped = %q, want rate_limited", report.Stopped)
	}
	task, ok := q.PopNext()
	if !ok || task.City != "quito" || task.Score != 7 {
		t.Errorf("head = %+v, %v; want quito/7", task, ok)
	}
	if !q.Contains("lima") {
		t.Error("lima should remain queued")
	}
}

// TestRunCycle_DrainStopsOnRepeatFailure verifies a city re-deferred during the
// cycle is not retried again in the same cycle.
func TestRunCycle_DrainStopsOnRepeatFailure(t *testing.T) {
	q := queue.New(10, nil)
	q.Enqueue("lima", 5)
	f := &scriptedFetcher{errs: map[string]error{"lima": fetch.ErrUpstreamUnavailable}}
	f.onFetch = func(city string) { q.Enqueue(city, 1) }
	w, _ := New(f, failingRanker{}, q, Config{TopK: 1, MaxPerCycle: 10, DefaultCities: []string{"Paris"}}, zap.NewNop())

	w.RunCycle(context.Background())
	calls := f.Calls()
	if len(calls) != 2 || calls[1] != "lima" {
		t.Errorf("calls = %v, want paris then lima once", calls)
	}
	if !q.Contains("lima") {
		t.Error("lima should be back in the queue")
	}
}

// TestStartStop verifies the schedule runs a first cycle immediately and Stop
// waits for it.
func TestStartStop(t *testing.T) {
	done := make(chan struct{}, 1)
	f := &scriptedFetcher{onFetch: func(string) {
		select {
		case done <- struct{}{}:
		default:
		}
	}}
	w, _ := New(f, nil, nil, Config{Interval: time.Hour, TopK: 1}, zap.NewNop())

	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := w.Start(context.Background()); err == nil {
		t.Error("second Start should fail")
	}
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never ran")
	}
	w.Stop()
	w.Stop()
}

// TestStop_WaitsForRunningCycle verifies Stop returns only after an in-progress
// cycle has finished, and a job dispatched after Stop does no work.
func TestStop_WaitsForRunningCycle(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f := &scriptedFetcher{onFetch: func(string) {
		once.Do(func() { close(started) })
		<-release
	}}
	w, _ := New(f, nil, nil, Config{Interval: time.Hour, TopK: 1, DefaultCities: []string{"Oslo"}}, zap.NewNop())
	if err := w.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	select {
	case <-started:
	case <-time.After(2 * time.Second):
		t.Fatal("first cycle never ran")
	}

	stopped := make(chan struct{})
	go func() {
		w.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
		t.Fatal("Stop returned while a cycle was still fetching")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not return after the cycle finished")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	w.scheduledCycle(ctx)
	if got := len(f.Calls()); got != 1 {
		t.Errorf("fetch calls = %d, want 1 (late job must not fetch)", got)
	}
}

// TestNew_RequiresFetcher verifies construction fails without a fetcher.
func TestNew_RequiresFetcher(t *testing.T) {
	if _, err := New(nil, nil, nil, Config{}, nil); err == nil {
		t.Error("expected error")
	}
}
