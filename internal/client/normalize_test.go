package client

import (
	"encoding/json"
	"testing"
)

// TestNormalizeCondition verifies exact, keyword and default mappings.
func TestNormalizeCondition(t *testing.T) {
	tests := []struct {
		in, want string
	}{
		{"Clear", ConditionClear},
		{"partly cloudy", ConditionPartlyCloudy},
		{"Sunny", ConditionClear},
		{"overcast clouds", ConditionCloudy},
		{"heavy rain", ConditionRainy},
		{"thunderstorm", ConditionStormy},
		{"light snow", ConditionSnowy},
		{"fog", ConditionFoggy},
		{"windy", ConditionWindy},
		{"", ConditionClear},
		{"volcanic ash", ConditionClear},
	}
	for _, tt := range tests {
		if got := NormalizeCondition(tt.in); got != tt.want {
			t.Errorf("NormalizeCondition(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// TestParseTemperature verifies unit suffixes, numbers and fahrenheit conversion.
func TestParseTemperature(t *testing.T) {
	tests := []struct {
		raw     string
		want    int
		wantErr bool
	}{
		{`"12°C"`, 12, false},
		{`"-3°C"`, -3, false},
		{`"12C"`, 12, false},
		{`"50°F"`, 10, false},
		{`"7"`, 7, false},
		{`21.6`, 22, false},
		{`"warm"`, 0, true},
		{`null`, 0, true},
	}
	for _, tt := range tests {
		got, err := parseTemperature(json.RawMessage(tt.raw))
		if (err != nil) != tt.wantErr {
			t.Errorf("parseTemperature(%s) error = %v, wantErr %v", tt.raw, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("parseTemperature(%s) = %d, want %d", tt.raw, got, tt.want)
		}
	}
}

// TestNormalizeHours_DropsInvalid verifies out-of-range hours and bad wind directions are dropped.
func TestNormalizeHours_DropsInvalid(t *testing.T) {
	var payload upstreamResponse
	raw := `{"result":[
		{"hour":24,"temperature":"1°C","condition":"Clear"},
		{"hour":-1,"temperature":"1°C","condition":"Clear"},
		{"hour":5,"temperature":"bad","condition":"Clear"},
		{"hour":3,"temperature":"4°C","condition":"Clear","wind_direction":"NNE"}
	]}`
	if err := json.Unmarshal([]byte(raw), &payload); err != nil {
		t.Fatal(err)
	}
	hours, err := normalizeHours(payload.Result)
	if err != nil {
		t.Fatalf("normalizeHours() error = %v", err)
	}
	if len(hours) != 1 || hours[0].Hour != 3 {
		t.Fatalf("hours = %+v, want only hour 3", hours)
	}
	if hours[0].WindDirection != nil {
		t.Errorf("WindDirection = %q, want dropped", *hours[0].WindDirection)
	}

	if _, err := normalizeHours(nil); err == nil {
		t.Error("normalizeHours(nil) error = nil, want error")
	}
}
