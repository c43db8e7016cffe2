// Package warmer refreshes popular cities ahead of demand and drains the
// deferred-work queue, on one periodic schedule using the warming token partition.
package warmer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/client"
	"github.com/kjstillabower/weather-cache-service/internal/fetch"
	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/queue"
	"github.com/kjstillabower/weather-cache-service/internal/ratelimit"
	"github.com/kjstillabower/weather-cache-service/internal/validation"
)

// DefaultCities seed warming before any popularity has been recorded.
var DefaultCities = []string{
	"London", "New York", "Tokyo", "Paris", "Berlin",
	"Sydney", "Mumbai", "Singapore", "Dubai", "Toronto",
}

// Fetcher performs one gated upstream fetch.
type Fetcher interface {
	Fetch(ctx context.Context, city string, p ratelimit.Partition) (models.WeatherEntry, error)
}

// Ranker returns the most requested cities.
type Ranker interface {
	Top(ctx context.Context, k int) ([]models.CityCount, error)
}

// Backlog is the deferred-work queue as seen by the drainer.
type Backlog interface {
	PopNext() (queue.Task, bool)
	Enqueue(city string, score float64) bool
}

// Config tunes the warmer.
type Config struct {
	Interval      time.Duration // default 1h
	TopK          int           // default 10
	MaxPerCycle   int           // fetch cap per cycle, default 20
	FetchTimeout  time.Duration // bound on each fetch, default 10s
	DefaultCities []string      // used when popularity is empty or unreadable
}

// CycleReport summarizes one warming cycle.
type CycleReport struct {
	Warmed   int
	Drained  int
	Failed   int
	Skipped  int
	Stopped  string // why the cycle ended early, empty when it ran to completion
	Duration time.Duration
}

// Warmer runs warming cycles on a gocron schedule. Cycles never overlap.
type Warmer struct {
	fetcher Fetcher
	ranker  Ranker
	backlog Backlog
	cfg     Config
	logger  *zap.Logger

	mu        sync.Mutex
	scheduler *gocron.Scheduler
	cancel    context.CancelFunc
	cycleMu   sync.Mutex // held for the length of a scheduled cycle
}

// New creates a Warmer. ranker and backlog may be nil.
func New(fetcher Fetcher, ranker Ranker, backlog Backlog, cfg Config, logger *zap.Logger) (*Warmer, error) {
	if fetcher == nil {
		return nil, errors.New("warmer: fetcher is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Hour
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 10
	}
	if cfg.MaxPerCycle <= 0 {
		cfg.MaxPerCycle = 20
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = 10 * time.Second
	}
	if len(cfg.DefaultCities) == 0 {
		cfg.DefaultCities = DefaultCities
	}
	return &Warmer{
		fetcher: fetcher,
		ranker:  ranker,
		backlog: backlog,
		cfg:     cfg,
		logger:  observability.OrNop(logger),
	}, nil
}

// Start schedules cycles every Interval, the first one immediately. It returns
// an error if the warmer is already running.
func (w *Warmer) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.scheduler != nil {
		return errors.New("warmer: already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	s := gocron.NewScheduler(time.UTC)
	_, err := s.Every(w.cfg.Interval).SingletonMode().Do(w.scheduledCycle, runCtx)
	if err != nil {
		cancel()
		return fmt.Errorf("warmer: schedule: %w", err)
	}
	s.StartAsync()
	w.scheduler = s
	w.cancel = cancel
	w.logger.Info("cache warmer started",
		zap.Duration("interval", w.cfg.Interval),
		zap.Int("top_k", w.cfg.TopK),
		zap.Int("max_per_cycle", w.cfg.MaxPerCycle),
	)
	return nil
}

// Stop cancels any in-progress cycle, stops the schedule and waits for the
// cycle to return. Safe to call when not started.
func (w *Warmer) Stop() {
	w.mu.Lock()
	s, cancel := w.scheduler, w.cancel
	w.scheduler, w.cancel = nil, nil
	w.mu.Unlock()
	if s == nil {
		return
	}
	cancel()
	s.Stop()
	// Wait out a cycle already in progress.
	w.cycleMu.Lock()
	w.cycleMu.Unlock()
	w.logger.Info("cache warmer stopped")
}

// scheduledCycle is the gocron job. A job dispatched around Stop either
// finishes before Stop returns or sees the cancelled context and does nothing.
func (w *Warmer) scheduledCycle(ctx context.Context) {
	w.cycleMu.Lock()
	defer w.cycleMu.Unlock()
	if ctx.Err() != nil {
		return
	}
	w.RunCycle(ctx)
}

// RunCycle warms the top-K cities, then drains the backlog with whatever
// per-cycle budget remains. A gating rejection (token budget or open circuit)
// ends the cycle; other failures move on to the next city.
func (w *Warmer) RunCycle(ctx context.Context) CycleReport {
	start := time.Now()
	observability.CacheWarmingTotal.Inc()
	var report CycleReport

	candidates := w.candidates(ctx)
	budget := w.cfg.MaxPerCycle
	for i, city := range candidates {
		if budget == 0 {
			report.Skipped += len(candidates) - i
			report.Stopped = "cycle cap reached"
			break
		}
		if ctx.Err() != nil {
			report.Stopped = "canceled"
			break
		}
		budget--
		outcome, stop := w.fetchOne(ctx, city, "warm")
		switch outcome {
		case "success":
			report.Warmed++
		case "rate_limited", "circuit_open":
			report.Skipped += len(candidates) - i
		default:
			report.Failed++
		}
		if stop {
			report.Stopped = outcome
			break
		}
	}

	if report.Stopped == "" {
		w.drain(ctx, budget, &report)
	}

	report.Duration = time.Since(start)
	observability.CacheWarmingDurationSeconds.Observe(report.Duration.Seconds())
	w.logger.Info("cache warming cycle complete",
		zap.Int("warmed", report.Warmed),
		zap.Int("drained", report.Drained),
		zap.Int("failed", report.Failed),
		zap.Int("skipped", report.Skipped),
		zap.String("stopped", report.Stopped),
		zap.Duration("duration", report.Duration),
	)
	return report
}

func (w *Warmer) drain(ctx context.Context, budget int, report *CycleReport) {
	if w.backlog == nil {
		return
	}
	attempted := make(map[string]bool)
	for budget > 0 && ctx.Err() == nil {
		task, ok := w.backlog.PopNext()
		if !ok {
			return
		}
		if attempted[task.City] {
			// Failed earlier this cycle and was deferred again.
			w.backlog.Enqueue(task.City, task.Score)
			return
		}
		attempted[task.City] = true
		budget--

		outcome, stop := w.fetchOne(ctx, task.City, "drain")
		switch outcome {
		case "success":
			report.Drained++
		case "rate_limited", "circuit_open":
			w.backlog.Enqueue(task.City, task.Score)
		default:
			report.Failed++
		}
		if stop {
			report.Stopped = outcome
			return
		}
	}
	if budget == 0 {
		report.Stopped = "cycle cap reached"
	}
}

// fetchOne runs a single bounded fetch and reports its outcome label and
// whether the cycle should stop.
func (w *Warmer) fetchOne(ctx context.Context, city, kind string) (string, bool) {
	fctx, cancel := context.WithTimeout(ctx, w.cfg.FetchTimeout)
	defer cancel()
	_, err := w.fetcher.Fetch(fctx, city, ratelimit.Warming)

	outcome, stop := classify(err)
	observability.CacheWarmingFetchesTotal.WithLabelValues(kind, outcome).Inc()
	if err != nil && !stop {
		w.logger.Debug("warming fetch failed",
			zap.String("city", city),
			zap.String("kind", kind),
			zap.String("outcome", outcome),
			zap.Error(err),
		)
	}
	return outcome, stop
}

func classify(err error) (outcome string, stop bool) {
	switch {
	case err == nil:
		return "success", false
	case errors.Is(err, fetch.ErrRateLimited):
		return "rate_limited", true
	case errors.Is(err, fetch.ErrCircuitOpen):
		return "circuit_open", true
	case errors.Is(err, client.ErrLocationNotFound):
		return "not_found", false
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout", false
	case errors.Is(err, context.Canceled):
		return "canceled", true
	default:
		return "failed", false
	}
}

// candidates returns up to TopK normalized cities by popularity, or the
// default list when popularity has nothing to offer.
func (w *Warmer) candidates(ctx context.Context) []string {
	if w.ranker != nil {
		top, err := w.ranker.Top(ctx, w.cfg.TopK)
		if err != nil {
			w.logger.Warn("popularity ranking unavailable, warming default cities", zap.Error(err))
		} else if len(top) > 0 {
			out := make([]string, 0, len(top))
			for _, c := range top {
				out = append(out, c.City)
			}
			return out
		}
	}
	n := min(w.cfg.TopK, len(w.cfg.DefaultCities))
	out := make([]string, 0, n)
	for _, c := range w.cfg.DefaultCities[:n] {
		out = append(out, validation.NormalizeCity(c))
	}
	return out
}
