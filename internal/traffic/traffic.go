// Package traffic keeps sliding windows of weather result outcomes for the
// health endpoint.
package traffic

import (
	"sync"
	"time"
)

// Outcome classifies one weather request.
type Outcome int

const (
	// Served means data (fresh or stale) was returned.
	Served Outcome = iota
	// Unavailable means no data could be returned.
	Unavailable
	// Denied means the request was rejected at ingress (429).
	Denied
)

// Counts are outcomes inside one window.
type Counts struct {
	Served      int `json:"served"`
	Unavailable int `json:"unavailable"`
	Denied      int `json:"denied"`
}

// UnavailablePct is unavailable / (served + unavailable) as a percentage.
// Denials are excluded. Zero when nothing was answered.
func (c Counts) UnavailablePct() float64 {
	total := c.Served + c.Unavailable
	if total == 0 {
		return 0
	}
	return float64(c.Unavailable) * 100 / float64(total)
}

// Tracker holds outcome timestamps for at most MaxAge.
type Tracker struct {
	mu     sync.Mutex
	times  [3][]time.Time
	maxAge time.Duration
	now    func() time.Time
}

// NewTracker creates a Tracker keeping maxAge of history (default 5m).
func NewTracker(maxAge time.Duration, now func() time.Time) *Tracker {
	if maxAge <= 0 {
		maxAge = 5 * time.Minute
	}
	if now == nil {
		now = time.Now
	}
	return &Tracker{maxAge: maxAge, now: now}
}

// Record adds one outcome at the current time.
func (t *Tracker) Record(o Outcome) {
	if o < Served || o > Denied {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	t.times[o] = append(t.times[o], now)
	t.pruneLocked(now)
}

// Counts returns the outcomes recorded within window ending now.
func (t *Tracker) Counts(window time.Duration) Counts {
	t.mu.Lock()
	defer t.mu.Unlock()
	cutoff := t.now().Add(-window)
	return Counts{
		Served:      countSince(t.times[Served], cutoff),
		Unavailable: countSince(t.times[Unavailable], cutoff),
		Denied:      countSince(t.times[Denied], cutoff),
	}
}

// Reset clears all recorded outcomes.
func (t *Tracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.times = [3][]time.Time{}
}

func countSince(times []time.Time, cutoff time.Time) int {
	n := 0
	for _, ts := range times {
		if !ts.Before(cutoff) {
			n++
		}
	}
	return n
}

// pruneLocked drops timestamps older than maxAge. Timestamps are appended in
// order, so each slice is trimmed from the front.
func (t *Tracker) pruneLocked(now time.Time) {
	cutoff := now.Add(-t.maxAge)
	for o := range t.times {
		times := t.times[o]
		i := 0
		for ; i < len(times) && times[i].Before(cutoff); i++ {
		}
		if i > 0 {
			t.times[o] = append(times[:0], times[i:]...)
		}
	}
}
