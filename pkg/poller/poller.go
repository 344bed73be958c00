// Package poller waits for a remote export task to finish.
//
// The loop is a fixed-interval sleep-and-query cycle bounded by a maximum
// wait. Transient status-query failures are tolerated up to a configured
// count of consecutive failures; there is no exponential backoff.
package poller

import (
	"context"
	"fmt"
	"time"

	"github.com/Sternrassler/notion-exporter/pkg/client"
	"github.com/Sternrassler/notion-exporter/pkg/export"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for poll operations.
var (
	notionPollAttemptsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notion_poll_attempts_total",
		Help: "Total number of task status queries",
	})

	notionPollFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notion_poll_failures_total",
		Help: "Total number of failed task status queries",
	})

	notionPollTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "notion_poll_timeouts_total",
		Help: "Total number of tasks that exceeded the maximum wait",
	})

	notionPollWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "notion_poll_wait_seconds",
		Help:    "Time from first status query to a terminal state",
		Buckets: []float64{1, 5, 10, 30, 60, 120, 300, 900},
	})
)

// TaskFetcher queries one task's status. A nil task with a nil error means
// the service does not report the task yet.
type TaskFetcher interface {
	GetTask(ctx context.Context, taskID string) (*client.Task, error)
}

// Config holds the polling configuration.
type Config struct {
	// Interval between status queries.
	Interval time.Duration

	// MaxWait bounds the total time spent polling one task.
	MaxWait time.Duration

	// MaxFailures is the number of consecutive failed status queries
	// tolerated; the next failure aborts with *export.PollRequestError.
	MaxFailures int
}

// DefaultConfig returns the default polling configuration.
func DefaultConfig() Config {
	return Config{
		Interval:    2 * time.Second,
		MaxWait:     15 * time.Minute,
		MaxFailures: 3,
	}
}

// Poller waits on export tasks.
type Poller struct {
	fetcher TaskFetcher
	config  Config
	logger  zerolog.Logger
}

// New creates a poller.
func New(fetcher TaskFetcher, cfg Config, logger zerolog.Logger) (*Poller, error) {
	if fetcher == nil {
		return nil, fmt.Errorf("task fetcher is required")
	}
	if cfg.Interval <= 0 {
		return nil, fmt.Errorf("poll interval must be > 0 (got %s)", cfg.Interval)
	}
	if cfg.MaxWait <= 0 {
		return nil, fmt.Errorf("poll max wait must be > 0 (got %s)", cfg.MaxWait)
	}
	if cfg.MaxFailures < 0 {
		return nil, fmt.Errorf("poll max failures must be >= 0 (got %d)", cfg.MaxFailures)
	}

	return &Poller{
		fetcher: fetcher,
		config:  cfg,
		logger:  logger,
	}, nil
}

// Wait polls taskID until it completes, fails, or MaxWait passes.
//
// It returns the finished task on success (Done() is true, ExportURL set),
// *export.TaskFailedError when the service reports failure,
// *export.PollTimeoutError when MaxWait elapses, and
// *export.PollRequestError when status queries keep failing or fail with a
// non-transient error.
func (p *Poller) Wait(ctx context.Context, taskID string) (*client.Task, error) {
	start := time.Now()
	deadline := start.Add(p.config.MaxWait)

	var (
		failures  int
		lastState client.TaskState
	)

	for attempt := 1; ; attempt++ {
		notionPollAttemptsTotal.Inc()

		task, err := p.fetcher.GetTask(ctx, taskID)
		switch {
		case err != nil:
			if ctx.Err() != nil {
				return nil, fmt.Errorf("poll task %s: %w", taskID, ctx.Err())
			}
			failures++
			notionPollFailuresTotal.Inc()

			if !client.IsTransient(err) || failures > p.config.MaxFailures {
				p.logger.Error().
					Err(err).
					Str("task_id", taskID).
					Int("failures", failures).
					Msg("Status query failed - giving up")
				return nil, &export.PollRequestError{TaskID: taskID, Failures: failures, Err: err}
			}

			p.logger.Warn().
				Err(err).
				Str("task_id", taskID).
				Int("attempt", attempt).
				Int("failures", failures).
				Msg("Status query failed - will retry")

		case task == nil:
			failures = 0
			p.logger.Debug().
				Str("task_id", taskID).
				Int("attempt", attempt).
				Msg("Task not visible yet")

		default:
			failures = 0
			lastState = task.State

			if task.Failed() {
				notionPollWaitSeconds.Observe(time.Since(start).Seconds())
				return nil, &export.TaskFailedError{TaskID: taskID, Reason: task.ErrorMessage()}
			}
			if task.Done() {
				notionPollWaitSeconds.Observe(time.Since(start).Seconds())
				p.logger.Debug().
					Str("task_id", taskID).
					Int("attempt", attempt).
					Int("pages_exported", task.Status.PagesExported).
					Dur("duration", time.Since(start)).
					Msg("Task complete")
				return task, nil
			}

			p.logger.Debug().
				Str("task_id", taskID).
				Str("state", string(task.State)).
				Int("attempt", attempt).
				Int("pages_exported", task.Status.PagesExported).
				Msg("Task still running")
		}

		now := time.Now()
		if !now.Before(deadline) {
			notionPollTimeoutsTotal.Inc()
			p.logger.Warn().
				Str("task_id", taskID).
				Str("state", string(lastState)).
				Dur("waited", now.Sub(start)).
				Msg("Task did not complete in time")
			return nil, &export.PollTimeoutError{
				TaskID:    taskID,
				Waited:    now.Sub(start),
				LastState: string(lastState),
			}
		}

		sleep := p.config.Interval
		if remaining := deadline.Sub(now); remaining < sleep {
			sleep = remaining
		}

		timer := time.NewTimer(sleep)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("poll task %s: %w", taskID, ctx.Err())
		case <-timer.C:
		}
	}
}
