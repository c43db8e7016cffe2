// Package retry provides the exponential backoff policy shared by upstream callers.
package retry

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"time"
)

// Policy is exponential backoff with symmetric jitter. Attempt n (1-based) is
// followed by BaseDelay * Multiplier^(n-1), capped at MaxDelay, then scaled by a
// random factor in [1-Jitter, 1+Jitter].
type Policy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	Multiplier  float64
	MaxDelay    time.Duration
	Jitter      float64 // 0.5 means up to ±50%

	mu   sync.Mutex
	rand *rand.Rand
}

// New returns a Policy with defaults applied: 3 attempts, 1s base, x2, 8s cap, ±50% jitter.
func New(maxAttempts int, base time.Duration, multiplier float64, max time.Duration, jitter float64) *Policy {
	p := &Policy{
		MaxAttempts: maxAttempts,
		BaseDelay:   base,
		Multiplier:  multiplier,
		MaxDelay:    max,
		Jitter:      jitter,
	}
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = 3
	}
	if p.BaseDelay <= 0 {
		p.BaseDelay = time.Second
	}
	if p.Multiplier < 1 {
		p.Multiplier = 2
	}
	if p.MaxDelay < p.BaseDelay {
		p.MaxDelay = 8 * p.BaseDelay
	}
	if p.Jitter < 0 || p.Jitter > 1 {
		p.Jitter = 0.5
	}
	return p
}

// WithSeed makes jitter deterministic. For tests.
func (p *Policy) WithSeed(seed int64) *Policy {
	p.mu.Lock()
	p.rand = rand.New(rand.NewSource(seed))
	p.mu.Unlock()
	return p
}

// Delay returns the wait after the given failed attempt (1-based).
func (p *Policy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1))
	if d > float64(p.MaxDelay) {
		d = float64(p.MaxDelay)
	}
	if p.Jitter > 0 {
		d *= 1 + p.Jitter*(2*p.float()-1)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// Wait sleeps for Delay(attempt) or until ctx is done.
func (p *Policy) Wait(ctx context.Context, attempt int) error {
	t := time.NewTimer(p.Delay(attempt))
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Attempts returns MaxAttempts, at least 1.
func (p *Policy) Attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

func (p *Policy) float() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.rand == nil {
		return rand.Float64()
	}
	return p.rand.Float64()
}
