package batch

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Sternrassler/notion-exporter/pkg/export"
	"github.com/Sternrassler/notion-exporter/pkg/unpack"
	"github.com/gosimple/slug"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Prometheus metrics for batch runs.
var (
	notionExportsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "notion_exports_total",
		Help: "Total page exports by result",
	}, []string{"result"})

	notionBatchInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "notion_batch_in_flight",
		Help: "Page pipelines currently running",
	})
)

// ExportNameLayout formats the default export folder name.
const ExportNameLayout = "export-2006-01-02-15-04-05"

// ExportName returns the export folder name for t.
func ExportName(t time.Time) string {
	return t.Format(ExportNameLayout)
}

// Config holds the batch configuration.
type Config struct {
	// Export is shared read-only by every page. Export.ExportDirectory is
	// the output root.
	Export export.Config

	// Workers caps the pool size; <= 0 means one per CPU.
	Workers int

	// ExportName is the folder created below the output root; empty means
	// ExportName(time.Now()) at construction.
	ExportName string

	// Reporter receives progress; nil means NullReporter.
	Reporter Reporter
}

// DefaultConfig returns the default batch configuration.
func DefaultConfig() Config {
	return Config{
		Export:  export.DefaultConfig(),
		Workers: runtime.NumCPU(),
	}
}

// Page is one unit of work.
type Page struct {
	Name string
	ID   string
	// Dir is the page directory name below the export root.
	Dir string
}

// Orchestrator runs the pipeline for every configured page.
type Orchestrator struct {
	pages    []Page
	stages   Stages
	config   Config
	progress Progress
	logger   zerolog.Logger
}

// New creates an orchestrator for pages (name -> page ID).
func New(pages map[string]string, stages Stages, cfg Config, logger zerolog.Logger) (*Orchestrator, error) {
	if len(pages) == 0 {
		return nil, fmt.Errorf("at least one page is required")
	}
	if err := stages.validate(); err != nil {
		return nil, err
	}
	if err := cfg.Export.Validate(); err != nil {
		return nil, err
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.ExportName == "" {
		cfg.ExportName = ExportName(time.Now())
	}
	if cfg.Reporter == nil {
		cfg.Reporter = NullReporter{}
	}

	return &Orchestrator{
		pages:  PlanPages(pages),
		stages: stages,
		config: cfg,
		logger: logger,
	}, nil
}

// PlanPages orders pages by name and assigns each a distinct directory: the
// slug of the page name, or of the page ID when the name has no usable
// characters, with _1, _2, ... appended on collision.
func PlanPages(pages map[string]string) []Page {
	names := make([]string, 0, len(pages))
	for name := range pages {
		names = append(names, name)
	}
	sort.Strings(names)

	taken := make(map[string]bool, len(names))
	planned := make([]Page, 0, len(names))
	for _, name := range names {
		id := pages[name]
		dir := slug.Make(name)
		if dir == "" {
			dir = slug.Make(id)
		}
		if dir == "" {
			dir = "page"
		}
		dir = unpack.UniqueName(dir, taken)
		taken[strings.ToLower(dir)] = true

		planned = append(planned, Page{Name: name, ID: id, Dir: dir})
	}
	return planned
}

// Pages returns the planned pages in processing order.
func (o *Orchestrator) Pages() []Page {
	out := make([]Page, len(o.pages))
	copy(out, o.pages)
	return out
}

// Root returns the export root directory.
func (o *Orchestrator) Root() string {
	return filepath.Join(o.config.Export.ExportDirectory, o.config.ExportName)
}

// Progress returns the aggregate counter for the running batch.
func (o *Orchestrator) Progress() *Progress {
	return &o.progress
}

type pageOutcome struct {
	page   Page
	result export.Result
}

// Process runs every page and returns one result per page name. The error
// wraps export.ErrAllFailed when no page succeeded; the result map is
// returned in that case too.
func (o *Orchestrator) Process(ctx context.Context) (map[string]export.Result, error) {
	start := time.Now()
	root := o.Root()
	total := len(o.pages)

	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create export directory: %w", err)
	}

	workers := o.config.Workers
	if total < workers {
		workers = total
	}

	o.logger.Info().
		Str("path", root).
		Int("total", total).
		Int("workers", workers).
		Str("format", string(o.config.Export.Format)).
		Msg("Starting batch export")

	o.progress.reset(total)
	o.config.Reporter.OnStart(total)

	queue := make(chan Page, total)
	for _, p := range o.pages {
		queue <- p
	}
	close(queue)

	outcomes := make(chan pageOutcome, total)

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go o.worker(ctx, root, queue, outcomes, &wg, i)
	}

	go func() {
		wg.Wait()
		close(outcomes)
	}()

	results := make(map[string]export.Result, total)
	succeeded := 0
	for out := range outcomes {
		results[out.page.Name] = out.result
		if out.result.OK() {
			succeeded++
			notionExportsTotal.WithLabelValues("success").Inc()
		} else {
			notionExportsTotal.WithLabelValues(export.Stage(out.result.Err)).Inc()
		}
		o.config.Reporter.OnPageDone(o.progress.inc(), total, out.result)
	}

	o.config.Reporter.OnComplete(results)

	o.logger.Info().
		Int("succeeded", succeeded).
		Int("total", total).
		Dur("duration", time.Since(start)).
		Msg("Batch export complete")

	if succeeded == 0 {
		return results, fmt.Errorf("%w (%d pages)", export.ErrAllFailed, total)
	}
	return results, nil
}

// worker runs pages from the queue until it is drained.
func (o *Orchestrator) worker(ctx context.Context, root string, queue <-chan Page, outcomes chan<- pageOutcome, wg *sync.WaitGroup, workerID int) {
	defer wg.Done()
	processed := 0

	for p := range queue {
		outcomes <- pageOutcome{page: p, result: o.runPage(ctx, root, p)}
		processed++
	}

	o.logger.Debug().
		Int("worker_id", workerID).
		Int("pages_processed", processed).
		Msg("Worker completed")
}

// runPage runs the pipeline for one page and fills in the result metadata.
func (o *Orchestrator) runPage(ctx context.Context, root string, p Page) export.Result {
	notionBatchInFlight.Inc()
	defer notionBatchInFlight.Dec()

	start := time.Now()
	job := export.NewJob(p.Name, p.ID)
	logger := o.logger.With().Str("page", p.Name).Str("page_id", p.ID).Logger()

	var result export.Result
	if err := ctx.Err(); err != nil {
		failJob(job, logger)
		result = export.Failure(fmt.Errorf("page %s not started: %w", p.Name, err))
	} else {
		result = o.pipeline(ctx, root, p, job, logger)
	}

	result.PageName = p.Name
	result.PageID = job.PageID
	result.PagesExported = job.PagesExported
	result.Duration = time.Since(start)
	return result
}

// pipeline runs submit, poll, download and unpack in order. The job is
// moved to Failed when the remote task did not complete; failures after
// completion leave the job Complete and only fail the result.
func (o *Orchestrator) pipeline(ctx context.Context, root string, p Page, job *export.Job, logger zerolog.Logger) export.Result {
	pageID, err := export.NormalizePageID(p.ID)
	if err != nil {
		failJob(job, logger)
		return export.Failure(&export.RequestError{PageID: p.ID, Message: "invalid page id", Err: err})
	}
	job.PageID = pageID

	taskID, err := o.stages.Submitter.EnqueueExport(ctx, pageID, o.config.Export)
	if err != nil {
		failJob(job, logger)
		return export.Failure(err)
	}
	if err := job.Start(taskID); err != nil {
		failJob(job, logger)
		return export.Failure(&export.RequestError{PageID: pageID, Message: "response missing taskId", Err: err})
	}
	logger.Info().Str("task_id", taskID).Msg("Export task submitted")

	task, err := o.stages.Waiter.Wait(ctx, taskID)
	if err != nil {
		failJob(job, logger)
		return export.Failure(err)
	}
	if err := job.Complete(task.Status.ExportURL, task.Status.PagesExported); err != nil {
		failJob(job, logger)
		return export.Failure(&export.TaskFailedError{TaskID: taskID, Reason: "completed without export url"})
	}
	logger.Info().
		Str("task_id", taskID).
		Int("pages_exported", job.PagesExported).
		Msg("Export task complete")

	archive, err := o.stages.Fetcher.Download(ctx, job.DownloadURL, root, p.Dir)
	if err != nil {
		return export.Failure(err)
	}
	job.ArchivePath = archive

	dest := filepath.Join(root, p.Dir)
	stats, err := o.stages.Extractor.Unpack(archive, dest, unpack.OptionsFor(o.config.Export))
	if err != nil {
		return export.Failure(err)
	}
	logger.Info().
		Str("path", dest).
		Int("files", stats.Files).
		Msg("Archive unpacked")

	return export.Success(dest)
}

// failJob moves job to Failed. A rejected transition means the pipeline
// called Fail twice or after Complete.
func failJob(job *export.Job, logger zerolog.Logger) {
	if err := job.Fail(); err != nil {
		logger.Debug().Err(err).Str("state", job.Status().String()).Msg("Job already terminal")
	}
}
