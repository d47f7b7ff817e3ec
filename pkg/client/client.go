// Package client provides the HTTP client used against the public data APIs,
// with request pacing, error classification and a retry policy.
//
// Client performs single attempts. Retrying is the caller's decision and is
// done through a Retrier, so that one retry budget covers the request, the
// decode and the shape check of a fetch unit.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/opengeo-uk/geoingest/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Prometheus metrics for client operations.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoingest_requests_total",
		Help: "Total API requests by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "geoingest_request_duration_seconds",
		Help:    "API request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "geoingest_request_errors_total",
		Help: "Total API request errors by class",
	}, []string{"class"})
)

// maxErrorBody bounds how much of an error response is kept in the message.
const maxErrorBody = 512

// Client issues paced GET requests.
type Client struct {
	httpClient *http.Client
	pacer      *ratelimit.Pacer
	config     Config
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// User-Agent header sent with every request.
	UserAgent string

	// Timeout for a single request, body included.
	Timeout time.Duration

	// MinInterval between consecutive successful requests.
	MinInterval time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(userAgent string) Config {
	return Config{
		UserAgent:   userAgent,
		Timeout:     30 * time.Second,
		MinInterval: ratelimit.DefaultInterval,
	}
}

// New creates a new client.
func New(cfg Config) (*Client, error) {
	if cfg.UserAgent == "" {
		return nil, fmt.Errorf("user-agent is required")
	}

	if cfg.Timeout <= 0 {
		return nil, fmt.Errorf("timeout must be positive (got %s)", cfg.Timeout)
	}

	if cfg.MinInterval < 0 {
		return nil, fmt.Errorf("min interval must not be negative (got %s)", cfg.MinInterval)
	}

	logger := log.With().Str("component", "http-client").Logger()

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		pacer:  ratelimit.NewPacer(cfg.MinInterval, logger),
		config: cfg,
		logger: logger,
	}, nil
}

// Get performs one paced GET of rawURL with params and returns the body of a
// 2xx response. endpoint is a short label for logs and metrics.
//
// Non-2xx responses and transport failures are returned as *APIError.
func (c *Client) Get(ctx context.Context, endpoint, rawURL string, params url.Values) ([]byte, error) {
	if err := c.pacer.Wait(ctx); err != nil {
		return nil, err
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parse url %q: %w", rawURL, err)
	}
	if len(params) > 0 {
		q := u.Query()
		for k, vs := range params {
			for _, v := range vs {
				q.Add(k, v)
			}
		}
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("url", u.String()).
		Msg("Executing request")

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &APIError{
			Class:   ErrorClassNetwork,
			Message: "request failed",
			Err:     err,
		}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, &APIError{
			StatusCode: resp.StatusCode,
			Class:      ErrorClassNetwork,
			Message:    "read response body",
			Err:        err,
		}
	}

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if class := classifyStatus(resp.StatusCode); class != "" {
		errorsTotal.WithLabelValues(string(class)).Inc()
		msg := resp.Status
		if len(body) > 0 {
			snippet := body
			if len(snippet) > maxErrorBody {
				snippet = snippet[:maxErrorBody]
			}
			msg = fmt.Sprintf("%s: %s", resp.Status, snippet)
		}
		return nil, StatusError(resp.StatusCode, msg)
	}

	c.pacer.MarkSuccess()
	return body, nil
}

// GetJSON performs Get and decodes the body into v. A body that does not
// decode is reported as ErrorClassMalformed.
func (c *Client) GetJSON(ctx context.Context, endpoint, rawURL string, params url.Values, v any) error {
	body, err := c.Get(ctx, endpoint, rawURL, params)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, v); err != nil {
		errorsTotal.WithLabelValues(string(ErrorClassMalformed)).Inc()
		return Malformed("decode "+endpoint+" response", err)
	}
	return nil
}

// Pacer returns the client's pacer.
func (c *Client) Pacer() *ratelimit.Pacer {
	return c.pacer
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}

// SetPacer replaces the pacer (for testing).
func (c *Client) SetPacer(p *ratelimit.Pacer) {
	c.pacer = p
}
