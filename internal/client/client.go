package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/kjstillabower/weather-cache-service/internal/models"
	"github.com/kjstillabower/weather-cache-service/internal/observability"
)

// Provider fetches the current day's hourly weather for one city. One call is
// one upstream attempt: retries, breaker and budget are the caller's concern.
type Provider interface {
	FetchHourly(ctx context.Context, city string) (models.WeatherEntry, error)
}

var (
	ErrLocationNotFound = errors.New("location not found")
	ErrUpstreamFailure  = errors.New("upstream failure")
	ErrUpstreamTimeout  = errors.New("upstream timeout")
	ErrRateLimited      = errors.New("upstream rate limited")
)

// maxBodyBytes bounds how much of an upstream response is read.
const maxBodyBytes = 1 << 20

// HTTPProvider calls GET {url}?city={city} and normalizes the hourly payload.
type HTTPProvider struct {
	apiURL  *url.URL
	timeout time.Duration
	client  *http.Client
	now     func() time.Time
}

// NewHTTPProvider creates an HTTPProvider. timeout bounds each attempt.
func NewHTTPProvider(apiURL string, timeout time.Duration) (*HTTPProvider, error) {
	u, err := url.Parse(apiURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid weather API URL %q", apiURL)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("weather API timeout must be positive, got %v", timeout)
	}
	return &HTTPProvider{
		apiURL:  u,
		timeout: timeout,
		client:  &http.Client{Timeout: timeout},
		now:     time.Now,
	}, nil
}

// FetchHourly implements Provider.
func (p *HTTPProvider) FetchHourly(ctx context.Context, city string) (models.WeatherEntry, error) {
	start := time.Now()

	reqCtx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	req, err := p.buildRequest(reqCtx, city)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		return models.WeatherEntry{}, fmt.Errorf("build request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		observability.WeatherAPICallsTotal.WithLabelValues("error").Inc()
		observability.WeatherAPIDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		if isTimeout(err) {
			return models.WeatherEntry{}, fmt.Errorf("%w: %w", ErrUpstreamTimeout, err)
		}
		return models.WeatherEntry{}, fmt.Errorf("%w: http request failed: %w", ErrUpstreamFailure, err)
	}
	defer resp.Body.Close()

	status := statusLabel(resp.StatusCode)
	observability.WeatherAPICallsTotal.WithLabelValues(status).Inc()
	observability.WeatherAPIDuration.WithLabelValues(status).Observe(time.Since(start).Seconds())

	if err := handleErrorResponse(resp); err != nil {
		return models.WeatherEntry{}, err
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		if isTimeout(err) {
			return models.WeatherEntry{}, fmt.Errorf("%w: read body: %w", ErrUpstreamTimeout, err)
		}
		return models.WeatherEntry{}, fmt.Errorf("%w: read body: %w", ErrUpstreamFailure, err)
	}

	var payload upstreamResponse
	if err := json.Unmarshal(body, &payload); err != nil {
		return models.WeatherEntry{}, fmt.Errorf("%w: parse response: %w", ErrUpstreamFailure, err)
	}
	hours, err := normalizeHours(payload.Result)
	if err != nil {
		return models.WeatherEntry{}, fmt.Errorf("%w: %w", ErrUpstreamFailure, err)
	}
	return models.WeatherEntry{City: city, Hours: hours, FetchedAt: p.now()}, nil
}

func (p *HTTPProvider) buildRequest(ctx context.Context, city string) (*http.Request, error) {
	u := *p.apiURL
	q := u.Query()
	q.Set("city", city)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if corrID := extractCorrelationID(ctx); corrID != "" {
		req.Header.Set("X-Correlation-ID", corrID)
	}
	return req, nil
}

func handleErrorResponse(resp *http.Response) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return ErrLocationNotFound
	case resp.StatusCode == http.StatusTooManyRequests:
		return ErrRateLimited
	case resp.StatusCode == http.StatusGatewayTimeout:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamTimeout, resp.StatusCode)
	default:
		return fmt.Errorf("%w: HTTP %d", ErrUpstreamFailure, resp.StatusCode)
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func extractCorrelationID(ctx context.Context) string {
	if corrIDVal := ctx.Value("correlation_id"); corrIDVal != nil {
		if corrID, ok := corrIDVal.(string); ok {
			return corrID
		}
	}
	return ""
}

func statusLabel(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return "success"
	case statusCode == http.StatusNotFound:
		return "not_found"
	case statusCode == http.StatusTooManyRequests:
		return "rate_limited"
	case statusCode >= 400 && statusCode < 500:
		return "client_error"
	case statusCode >= 500:
		return "server_error"
	default:
		return "error"
	}
}
