package http

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/kjstillabower/weather-cache-service/internal/observability"
	"github.com/kjstillabower/weather-cache-service/internal/traffic"
)

// RouterConfig configures the /weather subrouter.
type RouterConfig struct {
	Limiter        *rate.Limiter // ingress limiter, nil disables
	Tracker        *traffic.Tracker
	RequestTimeout time.Duration
}

// NewRouter wires the handlers and middleware:
// GET /weather/{location}, GET /health, GET /status and /metrics.
func NewRouter(h *Handler, cfg RouterConfig, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(CorrelationIDMiddleware(logger))
	router.Use(MetricsMiddleware)
	router.HandleFunc("/health", h.GetHealth).Methods(http.MethodGet)
	router.HandleFunc("/status", h.GetStatus).Methods(http.MethodGet)
	router.Handle("/metrics", observability.MetricsHandler())

	weatherRouter := router.PathPrefix("/weather").Subrouter()
	weatherRouter.Use(RateLimitMiddleware(cfg.Limiter, cfg.Tracker))
	weatherRouter.Use(TimeoutMiddleware(cfg.RequestTimeout))
	weatherRouter.HandleFunc("/{location}", h.GetWeather).Methods(http.MethodGet)
	return router
}
