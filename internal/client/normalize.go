package client

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/kjstillabower/weather-cache-service/internal/models"
)

// Normalized condition names.
const (
	ConditionClear        = "Clear"
	ConditionCloudy       = "Cloudy"
	ConditionPartlyCloudy = "Partly Cloudy"
	ConditionRainy        = "Rainy"
	ConditionStormy       = "Stormy"
	ConditionSnowy        = "Snowy"
	ConditionFoggy        = "Foggy"
	ConditionWindy        = "Windy"
)

var conditions = []string{
	ConditionClear, ConditionCloudy, ConditionPartlyCloudy, ConditionRainy,
	ConditionStormy, ConditionSnowy, ConditionFoggy, ConditionWindy,
}

// conditionKeywords is checked in order when the raw condition is not an exact match.
var conditionKeywords = []struct{ keyword, condition string }{
	{"sun", ConditionClear},
	{"cloud", ConditionCloudy},
	{"rain", ConditionRainy},
	{"storm", ConditionStormy},
	{"snow", ConditionSnowy},
	{"fog", ConditionFoggy},
	{"wind", ConditionWindy},
	{"partly", ConditionPartlyCloudy},
}

var windDirections = map[string]bool{
	"N": true, "NE": true, "E": true, "SE": true, "S": true, "SW": true, "W": true, "NW": true,
}

// upstreamResponse is the provider's wire shape: {"result": [hour, ...]}.
type upstreamResponse struct {
	Result []upstreamHour `json:"result"`
}

type upstreamHour struct {
	Hour          *int            `json:"hour"`
	Temperature   json.RawMessage `json:"temperature"` // "12°C", "54°F" or a bare number
	Condition     string          `json:"condition"`
	FeelsLike     *float64        `json:"feels_like,omitempty"`
	Humidity      *float64        `json:"humidity,omitempty"`
	WindSpeed     *float64        `json:"wind_speed,omitempty"`
	WindDirection *string         `json:"wind_direction,omitempty"`
	Pressure      *float64        `json:"pressure,omitempty"`
	Visibility    *float64        `json:"visibility,omitempty"`
	UVIndex       *float64        `json:"uv_index,omitempty"`
}

var errEmptyPayload = errors.New("payload has no usable hours")

// normalizeHours converts upstream hours into HourlyForecast sorted by hour.
// Hours outside 0-23 or with unparseable temperatures are dropped; a later
// duplicate hour replaces an earlier one.
func normalizeHours(in []upstreamHour) ([]models.HourlyForecast, error) {
	byHour := make(map[int]models.HourlyForecast, len(in))
	for i, h := range in {
		hour := i
		if h.Hour != nil {
			hour = *h.Hour
		}
		if hour < 0 || hour > 23 {
			continue
		}
		temp, err := parseTemperature(h.Temperature)
		if err != nil {
			continue
		}
		byHour[hour] = models.HourlyForecast{
			Hour:            hour,
			Temperature:     temp,
			TemperatureUnit: "celsius",
			Condition:       NormalizeCondition(h.Condition),
			FeelsLike:       roundPtr(h.FeelsLike),
			Humidity:        roundPtr(h.Humidity),
			WindSpeed:       roundPtr(h.WindSpeed),
			WindDirection:   normalizeWindDirection(h.WindDirection),
			Pressure:        roundPtr(h.Pressure),
			Visibility:      roundPtr(h.Visibility),
			UVIndex:         roundPtr(h.UVIndex),
		}
	}
	if len(byHour) == 0 {
		return nil, errEmptyPayload
	}
	out := make([]models.HourlyForecast, 0, len(byHour))
	for _, f := range byHour {
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hour < out[j].Hour })
	return out, nil
}

// parseTemperature accepts "12°C", "12C", "54°F", "12" or a JSON number and returns whole celsius.
func parseTemperature(raw json.RawMessage) (int, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return 0, errors.New("missing temperature")
	}
	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return int(math.Round(n)), nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, fmt.Errorf("temperature: %w", err)
	}
	s = strings.TrimSpace(s)
	fahrenheit := false
	switch {
	case strings.HasSuffix(s, "°F"), strings.HasSuffix(s, "F"):
		fahrenheit = true
		s = strings.TrimSuffix(strings.TrimSuffix(s, "F"), "°")
	case strings.HasSuffix(s, "°C"), strings.HasSuffix(s, "C"):
		s = strings.TrimSuffix(strings.TrimSuffix(s, "C"), "°")
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, fmt.Errorf("temperature %q: %w", s, err)
	}
	if fahrenheit {
		v = (v - 32) * 5 / 9
	}
	return int(math.Round(v)), nil
}

// NormalizeCondition maps a free-form condition onto the fixed set. Unknown values become Clear.
func NormalizeCondition(raw string) string {
	lower := strings.ToLower(strings.TrimSpace(raw))
	if lower == "" {
		return ConditionClear
	}
	for _, c := range conditions {
		if strings.ToLower(c) == lower {
			return c
		}
	}
	for _, kw := range conditionKeywords {
		if strings.Contains(lower, kw.keyword) {
			return kw.condition
		}
	}
	return ConditionClear
}

func normalizeWindDirection(raw *string) *string {
	if raw == nil {
		return nil
	}
	d := strings.ToUpper(strings.TrimSpace(*raw))
	if !windDirections[d] {
		return nil
	}
	return &d
}

func roundPtr(f *float64) *int {
	if f == nil {
		return nil
	}
	v := int(math.Round(*f))
	return &v
}
