package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/Sternrassler/notion-exporter/pkg/batch"
	"github.com/Sternrassler/notion-exporter/pkg/client"
	"github.com/Sternrassler/notion-exporter/pkg/export"
	"github.com/Sternrassler/notion-exporter/pkg/logging"
	"github.com/Sternrassler/notion-exporter/pkg/metrics"
	"github.com/Sternrassler/notion-exporter/pkg/poller"
	"github.com/Sternrassler/notion-exporter/pkg/ratelimit"
	"github.com/redis/go-redis/v9"
)

// runExport wires the pipeline from opts, runs the batch and prints a
// per-page summary to stdout. It returns an error wrapping
// export.ErrAllFailed when no page succeeded.
func runExport(ctx context.Context, opts options, stdout, stderr io.Writer) error {
	logCfg := opts.Logging
	logCfg.Output = stderr
	logging.Setup(logCfg)
	logger := logging.NewLogger("notion-export")

	var store ratelimit.Store = ratelimit.NewMemoryStore()
	if opts.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: opts.RedisAddr})
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis at %s: %w", opts.RedisAddr, err)
		}
		logger.Info().Str("addr", opts.RedisAddr).Msg("Sharing throttle state through Redis")
		store = ratelimit.NewRedisStore(rdb)
	}

	throttle := ratelimit.NewTracker(store, ratelimit.Config{
		RequestsPerSecond: opts.RequestsPerSecond,
		Burst:             1,
	}, logging.NewLogger("ratelimit"))

	clientCfg := client.DefaultConfig(opts.Credentials)
	if opts.BaseURL != "" {
		clientCfg.BaseURL = opts.BaseURL
	}
	clientCfg.Throttle = throttle
	notion, err := client.New(clientCfg)
	if err != nil {
		return err
	}

	stages, err := batch.NewStages(notion, poller.Config{
		Interval:    opts.PollInterval,
		MaxWait:     opts.PollTimeout,
		MaxFailures: opts.MaxPollFailures,
	}, logger)
	if err != nil {
		return err
	}

	batchLogger := logging.NewLogger("batch")
	orch, err := batch.New(opts.Pages, stages, batch.Config{
		Export:     opts.Export,
		Workers:    opts.Workers,
		ExportName: opts.ExportName,
		Reporter:   batch.LogReporter{Logger: batchLogger},
	}, batchLogger)
	if err != nil {
		return err
	}

	if opts.MetricsAddr != "" {
		srv, err := metrics.Listen(opts.MetricsAddr, logging.NewLogger("metrics"))
		if err != nil {
			return err
		}
		metricsCtx, cancel := context.WithCancel(ctx)
		done := make(chan struct{})
		go func() {
			defer close(done)
			if err := srv.Serve(metricsCtx); err != nil {
				logger.Error().Err(err).Msg("Metrics server failed")
			}
		}()
		defer func() {
			cancel()
			<-done
		}()
	}

	results, err := orch.Process(ctx)
	if results != nil {
		printSummary(stdout, orch.Pages(), results)
	}
	return err
}

// printSummary writes one line per page in processing order.
func printSummary(w io.Writer, pages []batch.Page, results map[string]export.Result) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "PAGE\tRESULT\tPAGES\tDETAIL")

	ok := 0
	for _, p := range pages {
		res, found := results[p.Name]
		if !found {
			continue
		}
		if res.OK() {
			ok++
			fmt.Fprintf(tw, "%s\tok\t%d\t%s\n", p.Name, res.PagesExported, res.Path)
		} else {
			fmt.Fprintf(tw, "%s\tfailed (%s)\t%d\t%v\n", p.Name, export.Stage(res.Err), res.PagesExported, res.Err)
		}
	}
	tw.Flush()

	fmt.Fprintf(w, "%d of %d pages exported\n", ok, len(results))
}
