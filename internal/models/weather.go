package models

import "time"

// Tier marks which cache tier an entry was read from.
type Tier string

const (
	TierFresh Tier = "fresh"
	TierStale Tier = "stale"
)

// Freshness is the freshness tag reported to callers.
type Freshness string

const (
	FreshnessFresh       Freshness = "fresh"
	FreshnessStale       Freshness = "stale"
	FreshnessUnavailable Freshness = "unavailable"
)

// Source is where a result's data came from.
type Source string

const (
	SourceCache       Source = "cache"
	SourceAPI         Source = "api"
	SourceUnavailable Source = "unavailable"
)

// HourlyForecast is one hour (0-23) of a day's forecast. Pointer fields are
// optional attributes the upstream may omit.
type HourlyForecast struct {
	Hour            int     `json:"hour"`
	Temperature     int     `json:"temperature"`
	TemperatureUnit string  `json:"temperature_unit"`
	Condition       string  `json:"condition"`
	FeelsLike       *int    `json:"feels_like,omitempty"`
	Humidity        *int    `json:"humidity,omitempty"`
	WindSpeed       *int    `json:"wind_speed,omitempty"`
	WindDirection   *string `json:"wind_direction,omitempty"`
	Pressure        *int    `json:"pressure,omitempty"`
	Visibility      *int    `json:"visibility,omitempty"`
	UVIndex         *int    `json:"uv_index,omitempty"`
}

// WeatherEntry is a cached day of hourly weather for one normalized city key.
// Entries are treated as immutable: a refresh produces a new entry.
type WeatherEntry struct {
	City      string           `json:"city"`
	Hours     []HourlyForecast `json:"hours"`
	FetchedAt time.Time        `json:"fetched_at"`
	Tier      Tier             `json:"tier,omitempty"`
}

// WithTier returns a copy of e tagged with tier. The hourly slice is shared;
// callers must not mutate it.
func (e WeatherEntry) WithTier(tier Tier) WeatherEntry {
	e.Tier = tier
	return e
}

// Unavailable reasons reported on WeatherResult.Reason.
const (
	ReasonCircuitOpen         = "circuit_open"
	ReasonRateLimited         = "rate_limited"
	ReasonUpstreamUnavailable = "upstream_unavailable"
	ReasonNotFound            = "not_found"
	ReasonInvalidCity         = "invalid_city"
)

// WeatherResult is what the facade hands to the formatting layer.
// Entry is nil when Freshness is unavailable.
type WeatherResult struct {
	City      string        `json:"city"`
	Entry     *WeatherEntry `json:"entry,omitempty"`
	Freshness Freshness     `json:"freshness"`
	Source    Source        `json:"source"`
	Reason    string        `json:"reason,omitempty"`
	Queued    bool          `json:"queued,omitempty"`
	Warnings  []string      `json:"warnings,omitempty"`
}

// Available reports whether the result carries data.
func (r WeatherResult) Available() bool {
	return r.Entry != nil && r.Freshness != FreshnessUnavailable
}

// CircuitSnapshot is a read-only view of breaker state.
type CircuitSnapshot struct {
	State     string    `json:"state"`
	Failures  int       `json:"failures"`
	Successes int       `json:"successes"`
	OpenedAt  time.Time `json:"opened_at,omitempty"`
}

// CityCount pairs a city key with its request counter.
type CityCount struct {
	City  string `json:"city"`
	Count int64  `json:"count"`
}

// Snapshot is the health/metrics view of the core.
type Snapshot struct {
	Circuit       CircuitSnapshot    `json:"circuit"`
	Tokens        map[string]float64 `json:"tokens"`
	QueueDepth    int                `json:"queue_depth"`
	StoreDegraded bool               `json:"store_degraded"`
	TopCities     []CityCount        `json:"top_cities,omitempty"`
}
