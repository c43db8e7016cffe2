package degraded

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// ProbeFunc checks whether the dependency has recovered. Returns nil when healthy.
type ProbeFunc func(ctx context.Context) error

// MonitorConfig configures the recovery probe schedule.
type MonitorConfig struct {
	Name         string        // dependency label for logs, e.g. "redis"
	Initial      time.Duration // first probe delay; Fibonacci multiples follow
	Max          time.Duration // delays are capped here and the probe keeps running
	ProbeTimeout time.Duration
}

// Monitor tracks whether the backing store is usable. MarkUnavailable flips it
// into degraded mode and starts one recovery goroutine that probes on a
// Fibonacci schedule (1x, 2x, 3x, 5x, 8x initial...) until the probe succeeds.
type Monitor struct {
	probe  ProbeFunc
	cfg    MonitorConfig
	logger *zap.Logger

	unavailable atomic.Bool
	recovering  atomic.Bool
	since       atomic.Int64 // unix nanos of the current outage

	mu   sync.Mutex
	base context.Context
	wg   sync.WaitGroup

	after func(time.Duration) <-chan time.Time
}

// NewMonitor creates a Monitor. Zero config values fall back to 1s initial,
// 1m max and a 2s probe timeout.
func NewMonitor(probe ProbeFunc, cfg MonitorConfig, logger *zap.Logger) *Monitor {
	if cfg.Initial <= 0 {
		cfg.Initial = time.Second
	}
	if cfg.Max < cfg.Initial {
		cfg.Max = time.Minute
		if cfg.Max < cfg.Initial {
			cfg.Max = cfg.Initial
		}
	}
	if cfg.ProbeTimeout <= 0 {
		cfg.ProbeTimeout = 2 * time.Second
	}
	if cfg.Name == "" {
		cfg.Name = "store"
	}
	return &Monitor{
		probe:  probe,
		cfg:    cfg,
		logger: observability.OrNop(logger),
		base:   context.Background(),
		after:  time.After,
	}
}

// Start sets the context recovery loops run under. Cancelling it stops any
// running probe; the store stays marked unavailable.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	m.base = ctx
	m.mu.Unlock()
}

// Unavailable reports whether callers should bypass the store.
func (m *Monitor) Unavailable() bool {
	return m.unavailable.Load()
}

// Since returns when the current outage began, or zero when healthy.
func (m *Monitor) Since() time.Time {
	if !m.unavailable.Load() {
		return time.Time{}
	}
	return time.Unix(0, m.since.Load())
}

// MarkUnavailable records a store failure. Non-blocking; safe from any goroutine.
// Only the first call of an outage starts the recovery loop.
func (m *Monitor) MarkUnavailable(cause error) {
	if !m.unavailable.Swap(true) {
		m.since.Store(time.Now().UnixNano())
		observability.StoreDegraded.Set(1)
		m.logger.Warn("backing store unavailable, serving from fallback cache",
			zap.String("store", m.cfg.Name),
			zap.Error(cause),
		)
	}
	if m.recovering.Swap(true) {
		return
	}
	m.mu.Lock()
	ctx := m.base
	m.mu.Unlock()

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		for {
			m.recover(ctx)
			m.recovering.Store(false)
			// A failure reported between recovery and the flag reset found the
			// loop still running; pick it up here instead of stranding it.
			if ctx.Err() != nil || !m.unavailable.Load() || m.recovering.Swap(true) {
				return
			}
		}
	}()
}

// Wait blocks until any running recovery loop has exited.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

func (m *Monitor) recover(ctx context.Context) {
	delays := fibDelays(m.cfg.Initial, m.cfg.Max)
	for attempt := 0; ; attempt++ {
		d := delays[len(delays)-1]
		if attempt < len(delays) {
			d = delays[attempt]
		}
		select {
		case <-ctx.Done():
			return
		case <-m.after(d):
		}

		probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
		err := m.probe(probeCtx)
		cancel()
		if err == nil {
			m.unavailable.Store(false)
			observability.StoreDegraded.Set(0)
			m.logger.Info("backing store recovered",
				zap.String("store", m.cfg.Name),
				zap.Int("attempts", attempt+1),
			)
			return
		}
		observability.CacheErrorsTotal.WithLabelValues("ping", "unavailable").Inc()
		m.logger.Debug("backing store probe failed",
			zap.String("store", m.cfg.Name),
			zap.Int("attempt", attempt+1),
			zap.Duration("next_delay", d),
			zap.Error(err),
		)
	}
}

// fibDelays returns initial multiplied by 1, 2, 3, 5, 8... up to and including
// max. The last element is max when the sequence does not land on it exactly.
func fibDelays(initial, max time.Duration) []time.Duration {
	if initial <= 0 {
		return []time.Duration{max}
	}
	var out []time.Duration
	a, b := int64(1), int64(2)
	for {
		d := time.Duration(a) * initial
		if d > max {
			break
		}
		out = append(out, d)
		a, b = b, a+b
	}
	if len(out) == 0 || out[len(out)-1] < max {
		out = append(out, max)
	}
	return out
}
