// Package metrics exposes the exporter's Prometheus metrics.
// All metrics are defined in their respective packages (client, poller,
// download, unpack, batch, ratelimit) via promauto and land in the default
// registry; this package serves them and documents the catalogue.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

// Registry is the default Prometheus registry used by the exporter.
var Registry = prometheus.DefaultRegisterer

// Handler returns the /metrics handler for the default gatherer.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Server serves /metrics on a listener until its context ends.
type Server struct {
	listener net.Listener
	server   *http.Server
	logger   zerolog.Logger
}

// Listen binds addr (":9090", "127.0.0.1:0", ...) for metrics.
func Listen(addr string, logger zerolog.Logger) (*Server, error) {
	if addr == "" {
		return nil, fmt.Errorf("metrics address is required")
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler())

	return &Server{
		listener: ln,
		server: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		logger: logger,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Serve blocks until ctx is done, then shuts the server down.
func (s *Server) Serve(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().Str("addr", s.Addr()).Msg("Serving metrics")
		errCh <- s.server.Serve(s.listener)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	return nil
}

// Metrics Documentation
//
// Request Metrics (pkg/client):
//   - notion_requests_total{endpoint, status} (Counter): API calls by endpoint and HTTP status
//   - notion_request_duration_seconds{endpoint} (Histogram): API call duration by endpoint
//   - notion_errors_total{class} (Counter): Errors by class (client, server, rate_limit, network)
//   - notion_breaker_transitions_total{to} (Counter): Circuit breaker state changes
//
// Throttle Metrics (pkg/ratelimit):
//   - notion_throttle_windows_total (Counter): 429 responses that opened a Retry-After window
//   - notion_throttle_waits_total (Counter): Calls that waited for a throttle window
//   - notion_throttle_wait_seconds (Histogram): Time spent waiting for throttle windows
//
// Poll Metrics (pkg/poller):
//   - notion_poll_attempts_total (Counter): Task status queries
//   - notion_poll_failures_total (Counter): Failed task status queries
//   - notion_poll_timeouts_total (Counter): Tasks that exceeded the maximum wait
//   - notion_poll_wait_seconds (Histogram): Time from first status query to terminal state
//
// Download Metrics (pkg/download):
//   - notion_downloads_total{result} (Counter): Archive downloads by result
//   - notion_download_bytes_total (Counter): Archive bytes written to disk
//
// Unpack Metrics (pkg/unpack):
//   - notion_unpacked_files_total (Counter): Files extracted
//   - notion_attachments_removed_total (Counter): Attachments removed when files are excluded
//   - notion_flatten_renames_total (Counter): Collision renames while flattening
//
// Batch Metrics (pkg/batch):
//   - notion_exports_total{result} (Counter): Page exports by result (success or failing stage)
//   - notion_batch_in_flight (Gauge): Page pipelines currently running
//
// Example Prometheus Queries:
//
//   # Page failure ratio
//   sum(rate(notion_exports_total{result!="success"}[1h])) / sum(rate(notion_exports_total[1h]))
//
//   # Throttled share of API calls
//   rate(notion_throttle_waits_total[5m]) / sum(rate(notion_requests_total[5m]))
//
//   # P95 time to a finished export task
//   histogram_quantile(0.95, rate(notion_poll_wait_seconds_bucket[1h]))
