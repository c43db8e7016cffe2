package circuitbreaker

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// State represents the circuit breaker state.
const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

// State is the circuit breaker state (Closed, Open, HalfOpen).
type State int

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// CircuitBreaker gates calls to one upstream. It opens after FailureThreshold
// consecutive failures, rejects everything for Cooldown, then admits up to
// HalfOpenMaxCalls trial calls. SuccessThreshold trial successes close it; any
// trial failure reopens it and restarts the cooldown.
//
// Allow and the Record methods are separate so callers can check the breaker
// before spending other resources (rate-limit tokens) on a call.
type CircuitBreaker struct {
	mu        sync.Mutex
	state     State
	failures  int
	successes int
	trials    int // trial permits issued in the current half-open window
	openedAt  time.Time

	failureThreshold int
	successThreshold int
	halfOpenMax      int
	cooldown         time.Duration
	now              func() time.Time
	component        string
	onStateChange    func(from, to State) // optional, for metrics
}

// Config holds circuit breaker parameters.
type Config struct {
	FailureThreshold int
	SuccessThreshold int
	HalfOpenMaxCalls int
	Cooldown         time.Duration
	Now              func() time.Time
	Component        string
	OnStateChange    func(from, to State)
}

// New creates a CircuitBreaker. Zero values default to 5 failures, 1 success,
// 1 trial call, a 5 minute cooldown and component "weather_api".
func New(cfg Config) (*CircuitBreaker, error) {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = 1
	}
	if cfg.HalfOpenMaxCalls <= 0 {
		cfg.HalfOpenMaxCalls = 1
	}
	if cfg.HalfOpenMaxCalls < cfg.SuccessThreshold {
		return nil, fmt.Errorf("circuitbreaker: half_open_max_calls %d cannot reach success_threshold %d",
			cfg.HalfOpenMaxCalls, cfg.SuccessThreshold)
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 5 * time.Minute
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Component == "" {
		cfg.Component = "weather_api"
	}
	return &CircuitBreaker{
		state:            StateClosed,
		failureThreshold: cfg.FailureThreshold,
		successThreshold: cfg.SuccessThreshold,
		halfOpenMax:      cfg.HalfOpenMaxCalls,
		cooldown:         cfg.Cooldown,
		now:              cfg.Now,
		component:        cfg.Component,
		onStateChange:    cfg.OnStateChange,
	}, nil
}

// Allow reports whether a call may proceed. It never blocks. When open and the
// cooldown has elapsed it moves to half-open; in half-open each true result
// consumes one trial permit.
func (cb *CircuitBreaker) Allow() bool {
	cb.mu.Lock()
	var from State
	changed := false
	if cb.state == StateOpen && cb.now().Sub(cb.openedAt) >= cb.cooldown {
		from, changed = cb.state, true
		cb.state = StateHalfOpen
		cb.trials = 0
		cb.successes = 0
	}
	allowed := false
	switch cb.state {
	case StateClosed:
		allowed = true
	case StateHalfOpen:
		if cb.trials < cb.halfOpenMax {
			cb.trials++
			allowed = true
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateHalfOpen)
	}
	return allowed
}

// ReleaseTrial returns a half-open permit that Allow issued but the caller did
// not use (for example the rate limiter denied the call). No-op in other states.
func (cb *CircuitBreaker) ReleaseTrial() {
	cb.mu.Lock()
	if cb.state == StateHalfOpen && cb.trials > 0 {
		cb.trials--
	}
	cb.mu.Unlock()
}

// RecordSuccess records a completed call. Closed: resets the failure streak.
// Half-open: counts toward closing. Open: ignored (a late result from before the trip).
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	var from State
	changed := false
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.successThreshold {
			from, changed = cb.state, true
			cb.reset()
		}
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateClosed)
	}
}

// RecordFailure records a failed call. Closed: trips once the streak reaches the
// threshold. Half-open: reopens immediately. Open: ignored.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	var from State
	changed := false
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.failureThreshold {
			from, changed = cb.state, true
			cb.trip()
		}
	case StateHalfOpen:
		from, changed = cb.state, true
		cb.trip()
	}
	cb.mu.Unlock()

	if changed {
		cb.notify(from, StateOpen)
	}
}

// State returns the current state (for metrics). It does not advance open to half-open.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// Snapshot returns a consistent read-only view.
func (cb *CircuitBreaker) Snapshot() models.CircuitSnapshot {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return models.CircuitSnapshot{
		State:     cb.state.String(),
		Failures:  cb.failures,
		Successes: cb.successes,
		OpenedAt:  cb.openedAt,
	}
}

// CooldownRemaining returns how long until an open breaker admits a trial call.
func (cb *CircuitBreaker) CooldownRemaining() time.Duration {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	if cb.state != StateOpen {
		return 0
	}
	if d := cb.cooldown - cb.now().Sub(cb.openedAt); d > 0 {
		return d
	}
	return 0
}

// Component returns the label this breaker reports under.
func (cb *CircuitBreaker) Component() string {
	return cb.component
}

func (cb *CircuitBreaker) trip() {
	cb.state = StateOpen
	cb.openedAt = cb.now()
	cb.failures = 0
	cb.successes = 0
	cb.trials = 0
}

func (cb *CircuitBreaker) reset() {
	cb.state = StateClosed
	cb.failures = 0
	cb.successes = 0
	cb.trials = 0
	cb.openedAt = time.Time{}
}

func (cb *CircuitBreaker) notify(from, to State) {
	if cb.onStateChange != nil {
		cb.onStateChange(from, to)
	}
}

// ObserveTransitions returns an OnStateChange hook that records the transition
// metric and logs it. Opening logs at WARN, everything else at INFO.
func ObserveTransitions(component string, logger *zap.Logger) func(from, to State) {
	logger = observability.OrNop(logger)
	observability.CircuitBreakerState.WithLabelValues(component).Set(0)
	return func(from, to State) {
		observability.RecordCircuitBreakerTransition(component, from.String(), to.String())
		fields := []zap.Field{
			zap.String("component", component),
			zap.String("from", from.String()),
			zap.String("to", to.String()),
		}
		if to == StateOpen {
			logger.Warn("circuit breaker opened", fields...)
			return
		}
		logger.Info("circuit breaker state change", fields...)
	}
}
