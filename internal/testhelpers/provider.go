package testhelpers

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kjstillabower/weather-cache-service/internal/models"
)

// FakeProvider is a scriptable upstream. By default every call succeeds with a
// 24-hour entry for the requested city. Errs, when non-empty, are returned in
// order (nil entries mean success) before falling back to Err.
type FakeProvider struct {
	mu    sync.Mutex
	Err   error
	Errs  []error
	Delay time.Duration
	Now   func() time.Time

	calls  atomic.Int64
	cities []string
}

// FetchHourly implements client.Provider.
func (p *FakeProvider) FetchHourly(ctx context.Context, city string) (models.WeatherEntry, error) {
	p.calls.Add(1)
	p.mu.Lock()
	p.cities = append(p.cities, city)
	var err error
	if len(p.Errs) > 0 {
		err = p.Errs[0]
		p.Errs = p.Errs[1:]
	} else {
		err = p.Err
	}
	delay := p.Delay
	now := p.Now
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return models.WeatherEntry{}, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return models.WeatherEntry{}, err
	}
	if now == nil {
		now = time.Now
	}
	return SampleEntry(city, now()), nil
}

// Calls returns how many times FetchHourly was invoked.
func (p *FakeProvider) Calls() int {
	return int(p.calls.Load())
}

// Cities returns the cities requested, in call order.
func (p *FakeProvider) Cities() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.cities))
	copy(out, p.cities)
	return out
}

// SetErr replaces the default error under lock.
func (p *FakeProvider) SetErr(err error) {
	p.mu.Lock()
	p.Err = err
	p.mu.Unlock()
}

// SampleEntry builds a full-day entry with every optional attribute set on hour 0.
func SampleEntry(city string, fetchedAt time.Time) models.WeatherEntry {
	hours := make([]models.HourlyForecast, 24)
	for h := range hours {
		hours[h] = models.HourlyForecast{
			Hour:            h,
			Temperature:     10 + h%8,
			TemperatureUnit: "celsius",
			Condition:       "Cloudy",
		}
	}
	feels, hum, wind, pres, vis, uv := 8, 71, 12, 1013, 10, 0
	dir := "NE"
	hours[0].FeelsLike = &feels
	hours[0].Humidity = &hum
	hours[0].WindSpeed = &wind
	hours[0].WindDirection = &dir
	hours[0].Pressure = &pres
	hours[0].Visibility = &vis
	hours[0].UVIndex = &uv
	return models.WeatherEntry{City: city, Hours: hours, FetchedAt: fetchedAt}
}
