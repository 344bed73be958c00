package batch

import (
	"sync/atomic"

	"github.com/Sternrassler/notion-exporter/pkg/export"
	"github.com/rs/zerolog"
)

// Reporter receives batch progress. Calls are made from a single goroutine.
type Reporter interface {
	OnStart(total int)
	OnPageDone(done, total int, result export.Result)
	OnComplete(results map[string]export.Result)
}

// NullReporter discards progress.
type NullReporter struct{}

// OnStart does nothing.
func (NullReporter) OnStart(int) {}

// OnPageDone does nothing.
func (NullReporter) OnPageDone(int, int, export.Result) {}

// OnComplete does nothing.
func (NullReporter) OnComplete(map[string]export.Result) {}

// LogReporter writes progress to a zerolog logger.
type LogReporter struct {
	Logger zerolog.Logger
}

// OnStart logs the batch size.
func (r LogReporter) OnStart(total int) {
	r.Logger.Info().Int("total", total).Msg("Export started")
}

// OnPageDone logs one finished page with the aggregate counter.
func (r LogReporter) OnPageDone(done, total int, result export.Result) {
	var ev *zerolog.Event
	if result.OK() {
		ev = r.Logger.Info().Str("path", result.Path)
	} else {
		ev = r.Logger.Error().Err(result.Err).Str("stage", export.Stage(result.Err))
	}
	ev.Str("page", result.PageName).
		Str("page_id", result.PageID).
		Int("pages_exported", result.PagesExported).
		Dur("duration", result.Duration).
		Int("done", done).
		Int("total", total).
		Msg("Page finished")
}

// OnComplete logs the success count.
func (r LogReporter) OnComplete(results map[string]export.Result) {
	ok := 0
	for _, res := range results {
		if res.OK() {
			ok++
		}
	}
	r.Logger.Info().
		Int("succeeded", ok).
		Int("failed", len(results)-ok).
		Int("total", len(results)).
		Msg("Export finished")
}

// Progress is the aggregate counter of finished pages. It is safe to read
// from any goroutine while a batch runs.
type Progress struct {
	done  atomic.Int64
	total atomic.Int64
}

func (p *Progress) reset(total int) {
	p.done.Store(0)
	p.total.Store(int64(total))
}

func (p *Progress) inc() int {
	return int(p.done.Add(1))
}

// Done returns the number of finished pages, successful or not.
func (p *Progress) Done() int {
	return int(p.done.Load())
}

// Total returns the number of pages in the running batch.
func (p *Progress) Total() int {
	return int(p.total.Load())
}
