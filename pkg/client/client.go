// Package client talks to Notion's private web API: it submits export tasks,
// queries their status and opens archive downloads. Every API call is paced
// by a ratelimit.Tracker and guarded by a circuit breaker.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Sternrassler/notion-exporter/pkg/export"
	"github.com/Sternrassler/notion-exporter/pkg/ratelimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
)

// Prometheus metrics for Notion client operations.
var (
	notionRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notion_requests_total",
		Help: "Total Notion requests by endpoint and status",
	}, []string{"endpoint", "status"})

	notionRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "notion_request_duration_seconds",
		Help:    "Notion request duration in seconds by endpoint",
		Buckets: []float64{0.1, 0.5, 1, 2, 5, 10},
	}, []string{"endpoint"})

	notionErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notion_errors_total",
		Help: "Total Notion errors by class",
	}, []string{"class"})

	notionBreakerTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notion_breaker_transitions_total",
		Help: "Circuit breaker state transitions by target state",
	}, []string{"to"})
)

const (
	// DefaultBaseURL is the private API used by the Notion web app.
	DefaultBaseURL = "https://www.notion.so/api/v3"

	// EndpointEnqueueTask submits a background task.
	EndpointEnqueueTask = "/enqueueTask"

	// EndpointGetTasks queries background task status.
	EndpointGetTasks = "/getTasks"

	endpointDownload = "download"

	maxResponseBytes = 4 << 20
)

// Client is the Notion web API client.
type Client struct {
	httpClient     *http.Client
	downloadClient *http.Client
	throttle       *ratelimit.Tracker
	breaker        *gobreaker.CircuitBreaker
	config         Config
	logger         zerolog.Logger
}

// Config holds the client configuration.
type Config struct {
	// BaseURL of the API (overridable for tests).
	BaseURL string

	// Credentials are the session cookies (REQUIRED).
	Credentials export.Credentials

	// UserAgent header sent with every request.
	UserAgent string

	// Locale sent with export requests.
	Locale string

	// Timeout for API calls. Downloads are bounded by their context only.
	Timeout time.Duration

	// Throttle paces API calls. Nil creates an in-memory tracker with
	// ratelimit.DefaultConfig.
	Throttle *ratelimit.Tracker

	// BreakerThreshold is the number of consecutive transient failures that
	// open the circuit breaker.
	BreakerThreshold uint32

	// BreakerCooldown is how long the breaker stays open before probing.
	BreakerCooldown time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig(creds export.Credentials) Config {
	return Config{
		BaseURL:          DefaultBaseURL,
		Credentials:      creds,
		UserAgent:        "notion-exporter/0.1.0",
		Locale:           "en",
		Timeout:          30 * time.Second,
		BreakerThreshold: 5,
		BreakerCooldown:  30 * time.Second,
	}
}

// New creates a new Notion client.
func New(cfg Config) (*Client, error) {
	if err := cfg.Credentials.Validate(); err != nil {
		return nil, err
	}

	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("base url is required")
	}

	if cfg.BreakerThreshold == 0 {
		return nil, fmt.Errorf("breaker_threshold must be > 0")
	}

	logger := log.With().Str("component", "notion-client").Logger()

	throttle := cfg.Throttle
	if throttle == nil {
		throttle = ratelimit.NewTracker(ratelimit.NewMemoryStore(), ratelimit.DefaultConfig(), logger)
	}

	c := &Client{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
		downloadClient: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				ResponseHeaderTimeout: 60 * time.Second,
			},
		},
		throttle: throttle,
		config:   cfg,
		logger:   logger,
	}
	c.config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "notion-api",
		MaxRequests: 1,
		Timeout:     cfg.BreakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !IsTransient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			notionBreakerTransitionsTotal.WithLabelValues(to.String()).Inc()
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("Circuit breaker state changed")
		},
	})

	return c, nil
}

// EnqueueExport submits an exportBlock task for one page and returns the
// task identifier. It does not retry; failures are *export.RequestError.
func (c *Client) EnqueueExport(ctx context.Context, pageID string, cfg export.Config) (string, error) {
	blockID, err := export.NormalizePageID(pageID)
	if err != nil {
		return "", &export.RequestError{PageID: pageID, Err: err}
	}

	body := enqueueTaskRequest{
		Task: exportTask{
			EventName: "exportBlock",
			Request: exportBlockRequest{
				Block:         blockRef{ID: blockID},
				Recursive:     cfg.Recursive,
				ExportOptions: BuildExportOptions(cfg, c.config.Locale),
			},
		},
	}

	var resp enqueueTaskResponse
	if err := c.post(ctx, EndpointEnqueueTask, body, &resp); err != nil {
		reqErr := &export.RequestError{PageID: blockID, StatusCode: StatusCode(err), Err: err}
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			reqErr.Message = apiErr.Message
		}
		return "", reqErr
	}

	if resp.TaskID == "" {
		return "", &export.RequestError{PageID: blockID, Message: "response missing taskId"}
	}

	c.logger.Debug().
		Str("page_id", blockID).
		Str("task_id", resp.TaskID).
		Msg("Export task enqueued")

	return resp.TaskID, nil
}

// GetTask queries the status of one task. It returns (nil, nil) when the
// service does not know the task yet.
func (c *Client) GetTask(ctx context.Context, taskID string) (*Task, error) {
	var resp getTasksResponse
	if err := c.post(ctx, EndpointGetTasks, getTasksRequest{TaskIDs: []string{taskID}}, &resp); err != nil {
		return nil, err
	}

	if len(resp.Results) == 0 {
		return nil, nil
	}
	for i := range resp.Results {
		if resp.Results[i].ID == taskID {
			return &resp.Results[i], nil
		}
	}
	return &resp.Results[0], nil
}

// OpenDownload starts the archive download. On success the caller owns the
// response body; any non-200 status is returned as *APIError.
func (c *Client) OpenDownload(ctx context.Context, url string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.AddCookie(&http.Cookie{Name: "file_token", Value: c.config.Credentials.FileToken})

	startTime := time.Now()
	resp, err := c.downloadClient.Do(req)
	notionRequestDuration.WithLabelValues(endpointDownload).Observe(time.Since(startTime).Seconds())
	if err != nil {
		notionErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		notionRequestsTotal.WithLabelValues(endpointDownload, "network_error").Inc()
		return nil, &APIError{Endpoint: endpointDownload, ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
	}

	notionRequestsTotal.WithLabelValues(endpointDownload, strconv.Itoa(resp.StatusCode)).Inc()
	if resp.StatusCode != http.StatusOK {
		defer resp.Body.Close()
		class := classifyStatus(resp.StatusCode)
		if class == "" {
			class = ErrorClassClient
		}
		notionErrorsTotal.WithLabelValues(string(class)).Inc()
		return nil, &APIError{
			Endpoint:   endpointDownload,
			StatusCode: resp.StatusCode,
			ErrorClass: class,
			Message:    resp.Status,
		}
	}

	return resp, nil
}

// post sends a JSON request through the circuit breaker and decodes the
// JSON response into out.
func (c *Client) post(ctx context.Context, endpoint string, in, out any) error {
	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal %s request: %w", endpoint, err)
	}

	_, err = c.breaker.Execute(func() (interface{}, error) {
		return nil, c.doPost(ctx, endpoint, payload, out)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		notionRequestsTotal.WithLabelValues(endpoint, "breaker_open").Inc()
		return fmt.Errorf("%w: %v", ErrCircuitOpen, err)
	}
	return err
}

func (c *Client) doPost(ctx context.Context, endpoint string, payload []byte, out any) error {
	if err := c.throttle.Wait(ctx); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	req.AddCookie(&http.Cookie{Name: "token_v2", Value: c.config.Credentials.SessionToken})

	c.logger.Debug().
		Str("endpoint", endpoint).
		Str("method", req.Method).
		Msg("Executing Notion request")

	startTime := time.Now()
	defer func() {
		notionRequestDuration.WithLabelValues(endpoint).Observe(time.Since(startTime).Seconds())
	}()

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("%s: %w", endpoint, ctx.Err())
		}
		c.logger.Error().Err(err).Str("endpoint", endpoint).Msg("HTTP request failed")
		notionErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		notionRequestsTotal.WithLabelValues(endpoint, "network_error").Inc()
		return &APIError{Endpoint: endpoint, ErrorClass: ErrorClassNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	notionRequestsTotal.WithLabelValues(endpoint, strconv.Itoa(resp.StatusCode)).Inc()

	if err := c.throttle.UpdateFromResponse(ctx, endpoint, resp); err != nil {
		c.logger.Warn().Err(err).Msg("Failed to update throttle state")
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		notionErrorsTotal.WithLabelValues(string(ErrorClassNetwork)).Inc()
		return &APIError{Endpoint: endpoint, StatusCode: resp.StatusCode, ErrorClass: ErrorClassNetwork, Message: "read body", Err: err}
	}

	if resp.StatusCode >= 400 {
		errClass := classifyStatus(resp.StatusCode)
		notionErrorsTotal.WithLabelValues(string(errClass)).Inc()

		c.logger.Warn().
			Str("endpoint", endpoint).
			Int("status", resp.StatusCode).
			Str("error_class", string(errClass)).
			Msg("Notion request error")

		return &APIError{
			Endpoint:   endpoint,
			StatusCode: resp.StatusCode,
			ErrorClass: errClass,
			Message:    errorMessage(resp.Status, body),
		}
	}

	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrMalformedResponse, endpoint, err)
	}
	return nil
}

// errorMessage extracts the message of a Notion error body
// ({"name":"UnauthorizedError","message":"..."}), falling back to status.
func errorMessage(status string, body []byte) string {
	var apiErr struct {
		Name    string `json:"name"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(body, &apiErr); err != nil || apiErr.Message == "" {
		return status
	}
	if apiErr.Name != "" {
		return apiErr.Name + ": " + apiErr.Message
	}
	return apiErr.Message
}

// SetHTTPClient sets a custom HTTP client for API calls and downloads (for testing).
func (c *Client) SetHTTPClient(client *http.Client) {
	c.httpClient = client
	c.downloadClient = client
}

// BreakerState returns the current circuit breaker state.
func (c *Client) BreakerState() gobreaker.State {
	return c.breaker.State()
}
