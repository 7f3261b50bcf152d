// Package client provides the retrying HTTP transport used to read the
// statistics API.
package client

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Prometheus metrics for API requests.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_requests_total",
		Help: "Total API request attempts by endpoint and status",
	}, []string{"endpoint", "status"})

	requestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "harvest_request_duration_seconds",
		Help:    "API request duration in seconds by endpoint, retries included",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
	}, []string{"endpoint"})

	errorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "harvest_request_errors_total",
		Help: "Total failed API request attempts by class",
	}, []string{"class"})
)

// ErrorClass represents a classification of request failures.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents connection and timeout errors.
	ErrorClassNetwork ErrorClass = "network"
)

// Client issues GET requests against the API base URL.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	baseURL    *url.URL
	config     Config
	logger     zerolog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is prefixed to every endpoint.
	BaseURL string

	// UserAgent header sent with every request.
	UserAgent string

	// Timeout applies to each attempt when the caller passes none.
	Timeout time.Duration

	// RateLimit in requests per second; 0 disables client-side throttling.
	RateLimit float64
	RateBurst int

	Retry RetryConfig
}

// DefaultConfig returns a default configuration for baseURL.
func DefaultConfig(baseURL string) Config {
	return Config{
		BaseURL:   baseURL,
		UserAgent: "mzcr-harvester/1.0",
		Timeout:   10 * time.Second,
		RateLimit: 0,
		RateBurst: 1,
		Retry:     DefaultRetryConfig(),
	}
}

// New creates a new API client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("parse base url: %w", err)
	}
	if base.Scheme != "http" && base.Scheme != "https" {
		return nil, fmt.Errorf("base url must be http or https (got %q)", cfg.BaseURL)
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}

	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	return &Client{
		httpClient: &http.Client{},
		limiter:    limiter,
		baseURL:    base,
		config:     cfg,
		logger:     log.With().Str("component", "client").Logger(),
		sleep:      sleepContext,
	}, nil
}

// Get fetches endpoint with the given query parameters and returns the
// response body. timeout bounds each attempt; zero means the configured
// default. Retryable failures are absorbed until the retry budget is spent,
// after which a single *TransientError is returned.
func (c *Client) Get(ctx context.Context, endpoint string, params url.Values, timeout time.Duration) ([]byte, error) {
	if timeout <= 0 {
		timeout = c.config.Timeout
	}

	target := c.resolve(endpoint, params)

	startTime := time.Now()
	defer func() {
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	var body []byte
	err := c.retryWithBackoff(ctx, endpoint, func(attempt int) error {
		b, err := c.doOnce(ctx, endpoint, target, timeout)
		if err != nil {
			errorsTotal.WithLabelValues(string(classifyError(err))).Inc()
			return err
		}
		body = b
		return nil
	})
	if err != nil {
		return nil, err
	}

	return body, nil
}

// doOnce performs a single attempt bounded by timeout.
func (c *Client) doOnce(ctx context.Context, endpoint, target string, timeout time.Duration) ([]byte, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("rate limiter: %w", err)
		}
	}

	attemptCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(attemptCtx, http.MethodGet, target, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.Header.Set("Accept", "application/ld+json, application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		requestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return nil, err
	}
	defer resp.Body.Close()

	requestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return nil, &StatusError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			ErrorClass: classifyStatus(resp.StatusCode),
			Body:       snippet,
		}
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return body, nil
}

// resolve joins the base URL, endpoint, and encoded query.
func (c *Client) resolve(endpoint string, params url.Values) string {
	full := strings.TrimSuffix(c.baseURL.String(), "/") + "/" + strings.TrimPrefix(endpoint, "/")
	if len(params) > 0 {
		full += "?" + params.Encode()
	}
	return full
}

// SetHTTPClient sets a custom HTTP client (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
}
