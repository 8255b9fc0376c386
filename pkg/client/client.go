// Package client provides the BLS public data API client with request pacing,
// daily quota tracking, retry and error classification.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/cpi-ingest/pkg/quota"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

// Prometheus metrics for upstream client operations.
var (
	upstreamRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpi_upstream_requests_total",
		Help: "Total upstream requests by endpoint and status",
	}, []string{"endpoint", "status"})

	upstreamRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "cpi_upstream_request_duration_seconds",
		Help:    "Upstream request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30},
	}, []string{"endpoint"})

	upstreamErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cpi_upstream_errors_total",
		Help: "Total upstream errors by class",
	}, []string{"class"})
)

// DefaultBaseURL is the BLS public data API v2 root.
const DefaultBaseURL = "https://api.bls.gov/publicAPI/v2"

// TimeseriesEndpoint is the path of the timeseries data endpoint.
const TimeseriesEndpoint = "/timeseries/data/"

// maxErrorBody bounds how much of an error response body is kept for messages.
const maxErrorBody = 512

// ErrorClass represents a classification of upstream errors.
type ErrorClass string

const (
	// ErrorClassClient represents 4xx client errors.
	ErrorClassClient ErrorClass = "client"

	// ErrorClassServer represents 5xx server errors.
	ErrorClassServer ErrorClass = "server"

	// ErrorClassRateLimit represents 429 responses.
	ErrorClassRateLimit ErrorClass = "rate_limit"

	// ErrorClassNetwork represents network/timeout errors.
	ErrorClassNetwork ErrorClass = "network"

	// ErrorClassEnvelope represents a 2xx response whose envelope is malformed
	// or reports that the request was not processed.
	ErrorClassEnvelope ErrorClass = "envelope"
)

// Client is the upstream API client.
type Client struct {
	httpClient *http.Client
	limiter    *rate.Limiter
	quota      *quota.Tracker
	config     Config
	retry      RetryConfig
	logger     zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL is the API root, without the endpoint path.
	BaseURL string

	// APIKey is the registration key sent as a query parameter. It is treated
	// as an opaque credential and never logged.
	APIKey string

	// UserAgent header sent with every request.
	UserAgent string

	// Redis client for daily quota tracking (optional; nil disables tracking)
	Redis *redis.Client

	// Quota
	DailyQuota        int  // Calls allowed per day
	EnforceDailyQuota bool // Refuse calls once DailyQuota is spent

	// Pacing
	RequestsPerSecond float64

	// Timeout per HTTP call
	Timeout time.Duration

	// Retry
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(apiKey string) Config {
	return Config{
		BaseURL:           DefaultBaseURL,
		APIKey:            apiKey,
		UserAgent:         "cpi-ingest/0.1.0",
		DailyQuota:        500,
		EnforceDailyQuota: false,
		RequestsPerSecond: 5,
		Timeout:           30 * time.Second,
		MaxRetries:        3,
		InitialBackoff:    1 * time.Second,
		MaxBackoff:        30 * time.Second,
	}
}

// New creates a new upstream client.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}
	if _, err := url.Parse(cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}

	if cfg.RequestsPerSecond <= 0 {
		return nil, fmt.Errorf("requests_per_second must be > 0 (got %v)", cfg.RequestsPerSecond)
	}

	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("max_retries must be >= 1 (got %d)", cfg.MaxRetries)
	}

	if cfg.EnforceDailyQuota && cfg.Redis == nil {
		return nil, fmt.Errorf("redis client is required to enforce the daily quota")
	}

	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	logger := log.With().Str("component", "bls-client").Logger()

	if cfg.APIKey == "" {
		logger.Warn().Msg("No registration key configured - upstream applies anonymous limits")
	}

	var tracker *quota.Tracker
	if cfg.Redis != nil {
		tracker = quota.NewTracker(cfg.Redis, cfg.DailyQuota, logger)
	}

	burst := int(cfg.RequestsPerSecond)
	if burst < 1 {
		burst = 1
	}

	retry := DefaultRetryConfig()
	retry.MaxAttempts = cfg.MaxRetries
	if cfg.InitialBackoff > 0 {
		retry.InitialBackoff = cfg.InitialBackoff
	}
	if cfg.MaxBackoff > 0 {
		retry.MaxBackoff = cfg.MaxBackoff
	}

	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst),
		quota:   tracker,
		config:  cfg,
		retry:   retry,
		logger:  logger,
	}, nil
}

// PostTimeseries requests the given series for the year range and returns the
// decoded envelope. Every failure matches ErrUpstreamUnavailable, except
// context cancellation and quota refusal.
func (c *Client) PostTimeseries(ctx context.Context, body TimeseriesRequest) (*TimeseriesResponse, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	data, err := c.post(ctx, TimeseriesEndpoint, payload)
	if err != nil {
		return nil, err
	}

	var resp TimeseriesResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassEnvelope)).Inc()
		return nil, &UpstreamError{
			StatusCode: http.StatusOK,
			ErrorClass: ErrorClassEnvelope,
			Message:    "malformed response envelope",
			Err:        err,
		}
	}

	if resp.Status != StatusSucceeded {
		upstreamErrorsTotal.WithLabelValues(string(ErrorClassEnvelope)).Inc()
		reason := envelopeReason(resp.Status)
		c.logger.Warn().
			Str("status", resp.Status).
			Str("reason", reason).
			Strs("messages", resp.Message).
			Msg("Upstream did not process request")
		return nil, &UpstreamError{
			StatusCode: http.StatusOK,
			ErrorClass: ErrorClassEnvelope,
			Message:    fmt.Sprintf("%s: %s", reason, strings.Join(resp.Message, "; ")),
		}
	}

	return &resp, nil
}

// envelopeReason describes a non-success envelope status.
func envelopeReason(status string) string {
	switch status {
	case StatusNotProcessed:
		return "request not processed (daily threshold reached or request rejected)"
	case StatusFailed:
		return "request failed upstream"
	default:
		return fmt.Sprintf("unexpected envelope status %q", status)
	}
}

// post performs a POST with pacing, quota tracking and retry, and returns the
// body of a 2xx response.
func (c *Client) post(ctx context.Context, endpoint string, payload []byte) ([]byte, error) {
	startTime := time.Now()
	defer func() {
		upstreamRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	target, err := c.endpointURL(endpoint)
	if err != nil {
		return nil, err
	}

	var body []byte
	var errClass ErrorClass

	retryErr := retryWithBackoff(ctx, c.retry, func() error {
		errClass = ""

		if err := c.checkQuota(ctx); err != nil {
			return err
		}

		if err := c.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter wait: %w", err)
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(payload))
		if err != nil {
			return fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Accept", "application/json")
		if c.config.UserAgent != "" {
			req.Header.Set("User-Agent", c.config.UserAgent)
		}

		c.logger.Debug().
			Str("endpoint", endpoint).
			Int("payload_bytes", len(payload)).
			Msg("Executing upstream request")

		resp, reqErr := c.httpClient.Do(req)
		c.recordCall(ctx)

		if reqErr != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.logger.Error().Err(reqErr).Str("endpoint", endpoint).Msg("HTTP request failed")
			errClass = c.classifyError(nil, reqErr)
			upstreamErrorsTotal.WithLabelValues(string(errClass)).Inc()
			upstreamRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
			return &UpstreamError{ErrorClass: errClass, Message: "transport failure", Err: reqErr}
		}
		defer resp.Body.Close()

		data, readErr := io.ReadAll(resp.Body)
		upstreamRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			errClass = c.classifyError(resp, nil)
			upstreamErrorsTotal.WithLabelValues(string(errClass)).Inc()

			c.logger.Warn().
				Str("endpoint", endpoint).
				Int("status", resp.StatusCode).
				Str("error_class", string(errClass)).
				Msg("Upstream request error")

			return &UpstreamError{
				StatusCode: resp.StatusCode,
				ErrorClass: errClass,
				Message:    errorMessage(resp.Status, data),
			}
		}

		if readErr != nil {
			errClass = ErrorClassNetwork
			return &UpstreamError{
				StatusCode: resp.StatusCode,
				ErrorClass: errClass,
				Message:    "read response body",
				Err:        readErr,
			}
		}

		body = data
		return nil
	}, func(err error) ErrorClass {
		return errClass
	})

	if retryErr != nil {
		return nil, retryErr
	}
	return body, nil
}

// checkQuota refuses the call when enforcement is on and today's quota is spent.
func (c *Client) checkQuota(ctx context.Context) error {
	if c.quota == nil {
		return nil
	}

	allowed, err := c.quota.ShouldAllowRequest(ctx)
	if err != nil {
		c.logger.Warn().Err(err).Msg("Quota check failed")
		return nil
	}
	if !allowed && c.config.EnforceDailyQuota {
		upstreamRequestsTotal.WithLabelValues(TimeseriesEndpoint, "quota_blocked").Inc()
		return ErrQuotaExhausted
	}
	return nil
}

func (c *Client) recordCall(ctx context.Context) {
	if c.quota == nil {
		return
	}
	if _, err := c.quota.RecordCall(context.WithoutCancel(ctx)); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to record upstream call")
	}
}

// classifyError categorizes an error for observability and retry handling.
func (c *Client) classifyError(resp *http.Response, err error) ErrorClass {
	if err != nil {
		c.logger.Debug().Str("class", string(ErrorClassNetwork)).Msg("Error classified")
		return ErrorClassNetwork
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		c.logger.Debug().Str("class", string(ErrorClassRateLimit)).Msg("Error classified")
		return ErrorClassRateLimit
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		c.logger.Debug().Str("class", string(ErrorClassClient)).Msg("Error classified")
		return ErrorClassClient
	case resp.StatusCode >= 500:
		c.logger.Debug().Str("class", string(ErrorClassServer)).Msg("Error classified")
		return ErrorClassServer
	default:
		// 1xx/3xx are not followed for POST; treat as a client-side contract problem
		return ErrorClassClient
	}
}

// endpointURL joins the base URL and endpoint and adds the registration key.
func (c *Client) endpointURL(endpoint string) (string, error) {
	u, err := url.Parse(strings.TrimRight(c.config.BaseURL, "/") + endpoint)
	if err != nil {
		return "", fmt.Errorf("build request url: %w", err)
	}
	if c.config.APIKey != "" {
		q := u.Query()
		q.Set("registrationkey", c.config.APIKey)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}

func errorMessage(status string, body []byte) string {
	msg := strings.TrimSpace(string(body))
	if len(msg) > maxErrorBody {
		msg = msg[:maxErrorBody]
	}
	if msg == "" {
		return status
	}
	return status + ": " + msg
}

// IsContextError reports whether err stems from context cancellation.
func IsContextError(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrContextCancelled)
}

// Close closes the client and releases idle connections.
func (c *Client) Close() error {
	c.httpClient.CloseIdleConnections()
	return nil
}
