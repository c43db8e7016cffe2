package http

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/traffic"
	"github.com/kjstillabower/weather-cache-service/internal/validation"
)

const serviceName = "weather-cache-service"

// WeatherService is the facade the handlers format.
type WeatherService interface {
	Get(ctx context.Context, city string) models.WeatherResult
	Snapshot(ctx context.Context) models.Snapshot
}

// Config holds handler settings. Zero values disable the related checks.
type Config struct {
	Version           string
	MinLocationLength int
	MaxLocationLength int
	// HealthWindow and UnavailablePct mark the service degraded when at least
	// UnavailablePct of answered requests in the window had no data.
	HealthWindow   time.Duration
	UnavailablePct int
	Tracker        *traffic.Tracker
	// StorePing checks backing store reachability for /health.
	StorePing func(ctx context.Context) error
	// RetryAfter returns the Retry-After hint for an unavailable reason.
	RetryAfter func(reason string) time.Duration
}

// Handler holds dependencies for HTTP handlers.
type Handler struct {
	weather WeatherService
	cfg     Config
	logger  *zap.Logger

	shuttingDown     atomic.Bool
	healthStatusMu   sync.Mutex
	healthStatusPrev string
}

// NewHandler returns a new Handler.
func NewHandler(weather WeatherService, cfg Config, logger *zap.Logger) *Handler {
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.MinLocationLength <= 0 {
		cfg.MinLocationLength = 1
	}
	if cfg.MaxLocationLength <= 0 {
		cfg.MaxLocationLength = 100
	}
	return &Handler{weather: weather, cfg: cfg, logger: observability.OrNop(logger)}
}

// SetShuttingDown flips /health to 503 shutting-down. Called on SIGTERM/SIGINT.
func (h *Handler) SetShuttingDown(v bool) {
	h.shuttingDown.Store(v)
}

// weatherResponse is the body of a successful GET /weather/{location}.
type weatherResponse struct {
	City     string                  `json:"city"`
	Date     string                  `json:"date"`
	Weather  []models.HourlyForecast `json:"weather"`
	Metadata responseMetadata        `json:"metadata"`
	Warnings []string                `json:"warnings"`
}

type responseMetadata struct {
	LastUpdated   time.Time        `json:"last_updated"`
	DataFreshness models.Freshness `json:"data_freshness"`
	Source        models.Source    `json:"source"`
}

// GetWeather handles GET /weather/{location}.
func (h *Handler) GetWeather(w http.ResponseWriter, r *http.Request) {
	location, err := validation.ValidateLocation(mux.Vars(r)["location"], h.cfg.MinLocationLength, h.cfg.MaxLocationLength)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", locationErrorMessage(err))
		return
	}

	result := h.weather.Get(r.Context(), location)
	if result.Available() {
		warnings := result.Warnings
		if warnings == nil {
			warnings = []string{}
		}
		meta := responseMetadata{
			LastUpdated:   result.Entry.FetchedAt.UTC(),
			DataFreshness: result.Freshness,
			Source:        result.Source,
		}
		writeJSON(w, http.StatusOK, weatherResponse{
			City:     result.City,
			Date:     result.Entry.FetchedAt.UTC().Format(time.DateOnly),
			Weather:  result.Entry.Hours,
			Metadata: meta,
			Warnings: warnings,
		})
		return
	}

	switch result.Reason {
	case models.ReasonNotFound:
		writeError(w, r, http.StatusNotFound, "LOCATION_NOT_FOUND", "No weather data for "+location)
	case models.ReasonInvalidCity:
		writeError(w, r, http.StatusBadRequest, "INVALID_LOCATION", "location is invalid")
	default:
		if h.cfg.RetryAfter != nil {
			if d := h.cfg.RetryAfter(result.Reason); d > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(d.Seconds()))))
			}
		}
		writeJSON(w, http.StatusServiceUnavailable, map[string]interface{}{
			"error": map[string]interface{}{
				"code":      "WEATHER_UNAVAILABLE",
				"message":   "Weather data is temporarily unavailable",
				"reason":    result.Reason,
				"queued":    result.Queued,
				"warnings":  result.Warnings,
				"requestId": correlationID(r),
			},
		})
	}
}

func locationErrorMessage(err error) string {
	switch {
	case errors.Is(err, validation.ErrLocationEmpty):
		return "location is required"
	case errors.Is(err, validation.ErrLocationTooShort):
		return "location is too short"
	case errors.Is(err, validation.ErrLocationTooLong):
		return "location is too long"
	default:
		return "location contains invalid characters"
	}
}

// healthResult holds the computed health status and metadata for logging.
type healthResult struct {
	status     string
	statusCode int
	reason     string
	checks     map[string]string
}

// GetHealth handles GET /health.
func (h *Handler) GetHealth(w http.ResponseWriter, r *http.Request) {
	result := h.computeHealthStatus(r.Context())

	h.healthStatusMu.Lock()
	prev := h.healthStatusPrev
	if prev != "" && prev != result.status {
		h.logger.Info("health status transition",
			zap.String("previous_status", prev),
			zap.String("current_status", result.status),
			zap.String("reason", result.reason))
	}
	h.healthStatusPrev = result.status
	h.healthStatusMu.Unlock()

	writeJSON(w, result.statusCode, map[string]interface{}{
		"status":    result.status,
		"service":   serviceName,
		"version":   h.cfg.Version,
		"checks":    result.checks,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

// computeHealthStatus evaluates, in order: shutting-down, store reachability,
// circuit state, then the unavailable-result rate. Only shutting-down returns
// 503; a degraded instance still serves cached data.
func (h *Handler) computeHealthStatus(ctx context.Context) healthResult {
	checks := map[string]string{"cache": "healthy", "weatherApi": "healthy"}
	if h.shuttingDown.Load() {
		return healthResult{"shutting-down", http.StatusServiceUnavailable, "signal", checks}
	}

	snap := h.weather.Snapshot(ctx)
	result := healthResult{"healthy", http.StatusOK, "", checks}

	storeDown := snap.StoreDegraded
	if !storeDown && h.cfg.StorePing != nil {
		storeDown = h.cfg.StorePing(ctx) != nil
	}
	if storeDown {
		checks["cache"] = "unhealthy"
		result.status, result.reason = "degraded", "store_unavailable"
	}
	if snap.Circuit.State != "" && snap.Circuit.State != "closed" {
		checks["weatherApi"] = "unhealthy"
		if result.reason == "" {
			result.status, result.reason = "degraded", "circuit_"+snap.Circuit.State
		}
	}
	if result.reason == "" && h.cfg.Tracker != nil && h.cfg.HealthWindow > 0 && h.cfg.UnavailablePct > 0 {
		counts := h.cfg.Tracker.Counts(h.cfg.HealthWindow)
		if counts.Served+counts.Unavailable > 0 && counts.UnavailablePct() >= float64(h.cfg.UnavailablePct) {
			result.status, result.reason = "degraded", "unavailable_rate_breach"
		}
	}
	return result
}

// GetStatus handles GET /status: the core snapshot plus recent outcome counts.
func (h *Handler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]interface{}{
		"service":  serviceName,
		"version":  h.cfg.Version,
		"snapshot": h.weather.Snapshot(r.Context()),
	}
	if h.cfg.Tracker != nil && h.cfg.HealthWindow > 0 {
		resp["window"] = h.cfg.HealthWindow.String()
		resp["outcomes"] = h.cfg.Tracker.Counts(h.cfg.HealthWindow)
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON writes a JSON response with the specified HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes an error response in the standard error format with code,
// message and requestId (correlation ID) when available.
func writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	writeJSON(w, status, map[string]interface{}{
		"error": map[string]string{
			"code":      code,
			"message":   message,
			"requestId": correlationID(r),
		},
	})
}

func correlationID(r *http.Request) string {
	if v, ok := r.Context().Value("correlation_id").(string); ok {
		return v
	}
	return ""
}
