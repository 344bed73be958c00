package ratelimit

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Prometheus metrics for throttle tracking.
var (
	notionThrottleWindowsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notion_throttle_windows_total",
		Help: "Total number of throttle windows opened by 429 responses",
	})

	notionThrottleWaitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notion_throttle_waits_total",
		Help: "Total number of requests that waited for an open throttle window",
	})

	notionThrottleWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notion_throttle_wait_seconds",
		Help:    "Time spent waiting for throttle windows and rate tokens",
		Buckets: []float64{0.01, 0.1, 0.5, 1, 5, 30, 60, 300},
	})
)

// Config holds tracker configuration.
type Config struct {
	// RequestsPerSecond paces outbound calls. Zero or negative disables pacing.
	RequestsPerSecond float64

	// Burst is the token bucket size.
	Burst int
}

// DefaultConfig returns pacing suitable for Notion's private API (about
// three requests per second).
func DefaultConfig() Config {
	return Config{
		RequestsPerSecond: 3,
		Burst:             1,
	}
}

// Tracker gates outbound requests on the throttle window and the token bucket.
type Tracker struct {
	store   Store
	limiter *rate.Limiter
	logger  zerolog.Logger
	now     func() time.Time
}

// NewTracker creates a tracker. A nil store falls back to process memory.
func NewTracker(store Store, cfg Config, logger zerolog.Logger) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = 1
	}

	return &Tracker{
		store:   store,
		limiter: rate.NewLimiter(limit, burst),
		logger:  logger,
		now:     time.Now,
	}
}

// Wait blocks until a request may be sent: first until any open throttle
// window has passed, then until a rate token is available.
func (t *Tracker) Wait(ctx context.Context) error {
	start := t.now()
	defer func() {
		notionThrottleWaitSeconds.Observe(t.now().Sub(start).Seconds())
	}()

	state, err := t.store.Load(ctx)
	if err != nil {
		// A broken store must not stop the export; pacing still applies.
		t.logger.Warn().Err(err).Msg("Failed to load throttle state")
	} else if wait := state.TimeUntilUnblocked(t.now()); wait > 0 {
		notionThrottleWaitsTotal.Inc()
		t.logger.Warn().
			Dur("wait_duration", wait).
			Str("reason", state.Reason).
			Msg("Throttle window open - waiting")

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("wait for throttle window: %w", ctx.Err())
		case <-timer.C:
		}
	}

	if err := t.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("wait for rate token: %w", err)
	}
	return nil
}

// UpdateFromResponse opens a throttle window when resp is a 429 response.
// Other responses are ignored.
func (t *Tracker) UpdateFromResponse(ctx context.Context, endpoint string, resp *http.Response) error {
	if resp == nil || resp.StatusCode != http.StatusTooManyRequests {
		return nil
	}

	now := t.now()
	retryAfter := ParseRetryAfter(resp.Header.Get("Retry-After"), now)

	current, err := t.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load throttle state: %w", err)
	}

	blockedUntil := now.Add(retryAfter)
	if current.BlockedUntil.After(blockedUntil) {
		// A longer window is already open.
		return nil
	}

	state := &ThrottleState{
		BlockedUntil: blockedUntil,
		LastUpdate:   now,
		Reason:       fmt.Sprintf("%s returned %d", endpoint, resp.StatusCode),
	}
	if err := t.store.Save(ctx, state); err != nil {
		return fmt.Errorf("save throttle state: %w", err)
	}

	notionThrottleWindowsTotal.Inc()
	t.logger.Warn().
		Str("endpoint", endpoint).
		Dur("retry_after", retryAfter).
		Time("blocked_until", blockedUntil).
		Msg("Notion rate limit hit - throttle window opened")

	return nil
}

// State returns the current throttle window.
func (t *Tracker) State(ctx context.Context) (*ThrottleState, error) {
	return t.store.Load(ctx)
}

// ParseRetryAfter interprets a Retry-After header value, given either as
// delay seconds or as an HTTP date. Missing or invalid values yield
// DefaultRetryAfter; results are capped at MaxRetryAfter.
func ParseRetryAfter(value string, now time.Time) time.Duration {
	value = strings.TrimSpace(value)
	if value == "" {
		return DefaultRetryAfter
	}

	var d time.Duration
	if secs, err := strconv.Atoi(value); err == nil {
		d = time.Duration(secs) * time.Second
	} else if at, err := http.ParseTime(value); err == nil {
		d = at.Sub(now)
	} else {
		return DefaultRetryAfter
	}

	if d <= 0 {
		return 0
	}
	if d > MaxRetryAfter {
		return MaxRetryAfter
	}
	return d
}
