package client

import (
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

type weightedCondition struct {
	condition string
	weight    float64
}

type cityPattern struct {
	tempMin, tempMax         int
	humidityMin, humidityMax int
	conditions               []weightedCondition
}

var cityPatterns = map[string]cityPattern{
	"singapore": {24, 32, 70, 90, []weightedCondition{
		{ConditionRainy, 0.3}, {ConditionPartlyCloudy, 0.4}, {ConditionCloudy, 0.2}, {ConditionStormy, 0.1},
	}},
	"dubai": {25, 45, 30, 60, []weightedCondition{
		{ConditionClear, 0.6}, {ConditionPartlyCloudy, 0.3}, {ConditionWindy, 0.1},
	}},
	"london": {5, 25, 60, 80, []weightedCondition{
		{ConditionCloudy, 0.3}, {ConditionRainy, 0.3}, {ConditionPartlyCloudy, 0.2}, {ConditionClear, 0.1}, {ConditionFoggy, 0.1},
	}},
	"new york": {-5, 35, 40, 70, []weightedCondition{
		{ConditionClear, 0.3}, {ConditionPartlyCloudy, 0.3}, {ConditionCloudy, 0.2}, {ConditionRainy, 0.1}, {ConditionSnowy, 0.1},
	}},
	"toronto": {-20, 30, 50, 75, []weightedCondition{
		{ConditionSnowy, 0.3}, {ConditionCloudy, 0.3}, {ConditionClear, 0.2}, {ConditionPartlyCloudy, 0.2},
	}},
}

var defaultPattern = cityPattern{10, 30, 40, 80, []weightedCondition{
	{ConditionClear, 0.25}, {ConditionPartlyCloudy, 0.25}, {ConditionCloudy, 0.25}, {ConditionRainy, 0.25},
}}

var compass = []string{"N", "NE", "E", "SE", "S", "SW", "W", "NW"}

// SimulatedConfig tunes SimulatedProvider.
type SimulatedConfig struct {
	FailureRate float64       // probability an attempt returns ErrUpstreamFailure
	MinLatency  time.Duration // simulated network delay bounds
	MaxLatency  time.Duration
	Seed        int64 // 0 seeds from the clock
	Now         func() time.Time
}

// SimulatedProvider generates plausible hourly weather locally for development.
// It produces the same wire payload the HTTP provider parses and runs it
// through the same normalization.
type SimulatedProvider struct {
	cfg SimulatedConfig

	mu   sync.Mutex
	rand *rand.Rand
}

// NewSimulatedProvider creates a SimulatedProvider.
func NewSimulatedProvider(cfg SimulatedConfig) *SimulatedProvider {
	if cfg.Seed == 0 {
		cfg.Seed = time.Now().UnixNano()
	}
	if cfg.MaxLatency < cfg.MinLatency {
		cfg.MaxLatency = cfg.MinLatency
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &SimulatedProvider{cfg: cfg, rand: rand.New(rand.NewSource(cfg.Seed))}
}

// FetchHourly implements Provider.
func (p *SimulatedProvider) FetchHourly(ctx context.Context, city string) (models.WeatherEntry, error) {
	start := time.Now()
	delay, fail := p.roll()
	if delay > 0 {
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-ctx.Done():
			observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
			return models.WeatherEntry{}, fmt.Errorf("%w: %w", ErrUpstreamTimeout, ctx.Err())
		case <-t.C:
		}
	}
	if fail {
		observability.WeatherAPICallsTotal.WithLabelValues("server_error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("server_error").Observe(time.Since(start).Seconds())
		return models.WeatherEntry{}, fmt.Errorf("%w: simulated server error", ErrUpstreamFailure)
	}

	raw, err := json.Marshal(p.generate(city))
	if err != nil {
		return models.WeatherEntry{}, fmt.Errorf("%w: encode simulated payload: %w", ErrUpstreamFailure, err)
	}
	var payload upstreamResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return models.WeatherEntry{}, fmt.Errorf("%w: parse response: %w", ErrUpstreamFailure, err)
	}
	hours, err := normalizeHours(payload.Result)
	if err != nil {
		return models.WeatherEntry{}, fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
	}
	observability.WeatherAPICallsTotal.WithLabelValues("success").Inc()
	observability.WeatherAPIDuration.WithLabelValues("success").Observe(time.Since(start).Seconds())
	return models.WeatherEntry{City: city, Hours: hours, FetchedAt: p.cfg.Now()}, nil
}

func (p *SimulatedProvider) roll() (time.Duration, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delay := p.cfg.MinLatency
	if span := p.cfg.MaxLatency - p.cfg.MinLatency; span > 0 {
		delay += time.Duration(p.rand.Int63n(int64(span)))
	}
	return delay, p.rand.Float64() < p.cfg.FailureRate
}

func (p *SimulatedProvider) generate(city string) map[string]any {
	p.mu.Lock()
	defer p.mu.Unlock()

	pattern := patternFor(city)
	baseTemp := p.between(pattern.tempMin, pattern.tempMax)
	baseHumidity := p.between(pattern.humidityMin, pattern.humidityMax)
	dominant := p.pick(pattern.conditions)

	hours := make([]map[string]any, 24)
	for h := range hours {
		temp := temperatureCurve(baseTemp, h)
		humidity := clamp(baseHumidity+p.between(-5, 5), 0, 100)
		wind := p.between(5, 25)
		if dominant == ConditionStormy || dominant == ConditionWindy {
			wind = p.between(20, 40)
		}
		condition := dominant
		if p.rand.Float64() >= 0.8 {
			condition = p.pick(pattern.conditions)
		}
		feels := temp
		if wind > 20 {
			feels -= 3
		}
		if humidity > 80 {
			feels += 2
		}
		uv := 0
		if condition == ConditionClear {
			uv = p.between(0, 11)
		}
		hours[h] = map[string]any{
			"hour":           h,
			"temperature":    fmt.Sprintf("%d°C", temp),
			"condition":      condition,
			"feels_like":     feels,
			"humidity":       humidity,
			"wind_speed":     wind,
			"wind_direction": compass[p.rand.Intn(len(compass))],
			"pressure":       p.between(1000, 1020),
			"visibility":     p.between(5, 20),
			"uv_index":       uv,
		}
	}
	return map[string]any{"result": hours}
}

func patternFor(city string) cityPattern {
	lower := strings.ToLower(city)
	for name, pattern := range cityPatterns {
		if strings.Contains(lower, name) {
			return pattern
		}
	}
	return defaultPattern
}

// temperatureCurve warms from 06:00 to a peak at 14:00, cools until 22:00, and dips overnight.
func temperatureCurve(base, hour int) int {
	offset := ((hour-6)%24 + 24) % 24
	switch {
	case offset <= 8:
		return base + 5*offset/8
	case offset <= 16:
		return base + 5*(16-offset)/8
	default:
		return base - 2
	}
}

func (p *SimulatedProvider) between(lo, hi int) int {
	return lo + p.rand.Intn(hi-lo+1)
}

func (p *SimulatedProvider) pick(options []weightedCondition) string {
	r := p.rand.Float64()
	cumulative := 0.0
	for _, o := range options {
		cumulative += o.weight
		if r <= cumulative {
			return o.condition
		}
	}
	return options[0].condition
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
