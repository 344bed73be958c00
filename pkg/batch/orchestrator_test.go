package batch

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Sternrassler/notion-exporter/internal/testutil"
	"github.com/Sternrassler/notion-exporter/pkg/client"
	"github.com/Sternrassler/notion-exporter/pkg/export"
	"github.com/Sternrassler/notion-exporter/pkg/poller"
	"github.com/Sternrassler/notion-exporter/pkg/ratelimit"
	"github.com/Sternrassler/notion-exporter/pkg/unpack"
	"github.com/rs/zerolog"
)

const (
	docAID = "0a1b2c3d-4e5f-6071-8293-a4b5c6d7e8f9"
	docBID = "1b2c3d4e-5f60-7182-93a4-b5c6d7e8f90a"
)

var testCreds = export.Credentials{SessionToken: "v2-secret", FileToken: "file-secret"}

// newMockStages wires real stages against the mock server with fast polling.
func newMockStages(t *testing.T, mock *testutil.MockNotion, pollCfg poller.Config) Stages {
	t.Helper()

	cfg := client.DefaultConfig(testCreds)
	cfg.BaseURL = mock.BaseURL()
	cfg.Throttle = ratelimit.NewTracker(nil, ratelimit.Config{}, zerolog.Nop())

	c, err := client.New(cfg)
	if err != nil {
		t.Fatalf("client.New() error = %v", err)
	}

	stages, err := NewStages(c, pollCfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewStages() error = %v", err)
	}
	return stages
}

func fastPoll() poller.Config {
	return poller.Config{Interval: 5 * time.Millisecond, MaxWait: 2 * time.Second, MaxFailures: 3}
}

func testConfig(t *testing.T) Config {
	cfg := DefaultConfig()
	cfg.Export.ExportDirectory = t.TempDir()
	cfg.Export.Scope = export.AllContent
	cfg.Export.FlattenTree = false
	cfg.ExportName = "export-test"
	return cfg
}

func TestProcess_AllPagesSucceed(t *testing.T) {
	mock := testutil.NewMockNotion()
	defer mock.Close()
	mock.SetArchive(docAID, testutil.BuildZip(map[string]string{"Doc A.md": "# A", "Doc A/Child.md": "child"}))
	mock.SetArchive(docBID, testutil.BuildZip(map[string]string{"Doc B.md": "# B"}))

	cfg := testConfig(t)
	orch, err := New(map[string]string{"Doc A": docAID, "Doc B": docBID}, newMockStages(t, mock, fastPoll()), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	results, err := orch.Process(context.Background())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}

	wantDirs := map[string]string{"Doc A": "doc-a", "Doc B": "doc-b"}
	for name, dir := range wantDirs {
		res, ok := results[name]
		if !ok {
			t.Fatalf("missing result for %s", name)
		}
		if !res.OK() {
			t.Fatalf("%s = %s, want Success", name, res)
		}
		want := filepath.Join(cfg.Export.ExportDirectory, "export-test", dir)
		if res.Path != want {
			t.Errorf("%s path = %s, want %s", name, res.Path, want)
		}
		if info, err := os.Stat(res.Path); err != nil || !info.IsDir() {
			t.Errorf("%s path %s is not a directory (err = %v)", name, res.Path, err)
		}
		if res.PageName != name {
			t.Errorf("PageName = %s, want %s", res.PageName, name)
		}
	}

	if _, err := os.Stat(filepath.Join(results["Doc A"].Path, "Doc A", "Child.md")); err != nil {
		t.Errorf("nested file missing without flattening: %v", err)
	}

	entries, _ := os.ReadDir(orch.Root())
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".zip") || strings.HasSuffix(e.Name(), ".part") {
			t.Errorf("archive %s left in export root", e.Name())
		}
	}

	if mock.GetEnqueueCount() != 2 {
		t.Errorf("enqueue count = %d, want 2", mock.GetEnqueueCount())
	}
	if mock.FileCookie != "file-secret" {
		t.Errorf("file_token cookie = %q, want file-secret", mock.FileCookie)
	}
	if done := orch.Progress().Done(); done != 2 {
		t.Errorf("Progress().Done() = %d, want 2", done)
	}
}

func TestProcess_DownloadForbiddenFailsOnlyThatPage(t *testing.T) {
	mock := testutil.NewMockNotion()
	defer mock.Close()
	mock.SetDownloadStatus(docBID, http.StatusForbidden)

	orch, err := New(map[string]string{"Doc A": docAID, "Doc B": docBID}, newMockStages(t, mock, fastPoll()), testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	results, err := orch.Process(context.Background())
	if err != nil {
		t.Fatalf("Process() error = %v, want nil with one success", err)
	}

	if !results["Doc A"].OK() {
		t.Errorf("Doc A = %s, want Success", results["Doc A"])
	}

	var dlErr *export.DownloadError
	if !errors.As(results["Doc B"].Err, &dlErr) {
		t.Fatalf("Doc B error = %v, want *export.DownloadError", results["Doc B"].Err)
	}
	if dlErr.StatusCode != http.StatusForbidden {
		t.Errorf("StatusCode = %d, want 403", dlErr.StatusCode)
	}

	entries, _ := os.ReadDir(orch.Root())
	for _, e := range entries {
		if strings.HasPrefix(strings.TrimPrefix(e.Name(), "."), "doc-b") {
			t.Errorf("partial output %s left for failed download", e.Name())
		}
	}
}

func TestProcess_PollTimeoutSkipsDownload(t *testing.T) {
	mock := testutil.NewMockNotion()
	defer mock.Close()
	mock.SetTaskBehavior(testutil.AlwaysInProgress())

	pollCfg := poller.Config{Interval: 5 * time.Millisecond, MaxWait: 40 * time.Millisecond, MaxFailures: 3}
	orch, err := New(map[string]string{"Doc A": docAID}, newMockStages(t, mock, pollCfg), testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	results, err := orch.Process(context.Background())
	if !errors.Is(err, export.ErrAllFailed) {
		t.Fatalf("Process() error = %v, want ErrAllFailed", err)
	}

	var timeout *export.PollTimeoutError
	if !errors.As(results["Doc A"].Err, &timeout) {
		t.Fatalf("Doc A error = %v, want *export.PollTimeoutError", results["Doc A"].Err)
	}
	if mock.GetDownloadCount() != 0 {
		t.Errorf("download count = %d, want 0", mock.GetDownloadCount())
	}
}

func TestProcess_AllFail(t *testing.T) {
	mock := testutil.NewMockNotion()
	defer mock.Close()
	mock.SetEnqueueResponse(http.StatusUnauthorized, `{"name":"UnauthorizedError","message":"Token was invalid or expired."}`)

	orch, err := New(map[string]string{"Doc A": docAID, "Doc B": docBID}, newMockStages(t, mock, fastPoll()), testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	results, err := orch.Process(context.Background())
	if !errors.Is(err, export.ErrAllFailed) {
		t.Fatalf("Process() error = %v, want ErrAllFailed", err)
	}
	if len(results) != 2 {
		t.Fatalf("len(results) = %d, want 2", len(results))
	}
	for name, res := range results {
		var reqErr *export.RequestError
		if !errors.As(res.Err, &reqErr) {
			t.Errorf("%s error = %v, want *export.RequestError", name, res.Err)
		}
	}
	if mock.GetPollCount() != 0 {
		t.Errorf("poll count = %d, want 0", mock.GetPollCount())
	}
}

func TestProcess_TaskFailure(t *testing.T) {
	mock := testutil.NewMockNotion()
	defer mock.Close()
	mock.SetTaskBehavior(testutil.FailTask("Export too large"))

	orch, err := New(map[string]string{"Doc A": docAID}, newMockStages(t, mock, fastPoll()), testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	results, _ := orch.Process(context.Background())

	var taskErr *export.TaskFailedError
	if !errors.As(results["Doc A"].Err, &taskErr) {
		t.Fatalf("error = %v, want *export.TaskFailedError", results["Doc A"].Err)
	}
	if !strings.Contains(taskErr.Reason, "Export too large") {
		t.Errorf("Reason = %q, want to contain remote error", taskErr.Reason)
	}
}

func TestProcess_PlainPageIDsReachTheService(t *testing.T) {
	mock := testutil.NewMockNotion()
	defer mock.Close()

	cfg := testConfig(t)
	orch, err := New(map[string]string{"Doc A": "id-1", "Doc B": "id-2"}, newMockStages(t, mock, fastPoll()), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	results, err := orch.Process(context.Background())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	for name, id := range map[string]string{"Doc A": "id-1", "Doc B": "id-2"} {
		res := results[name]
		if !res.OK() {
			t.Fatalf("%s = %s, want Success", name, res)
		}
		if res.PageID != id {
			t.Errorf("%s PageID = %q, want %q", name, res.PageID, id)
		}
		if _, err := os.Stat(filepath.Join(res.Path, id+".md")); err != nil {
			t.Errorf("%s extracted file missing: %v", name, err)
		}
	}
	if mock.GetEnqueueCount() != 2 {
		t.Errorf("enqueue count = %d, want 2", mock.GetEnqueueCount())
	}
}

func TestProcess_EmptyPageID(t *testing.T) {
	mock := testutil.NewMockNotion()
	defer mock.Close()

	orch, err := New(map[string]string{"Doc A": docAID, "Broken": "  "}, newMockStages(t, mock, fastPoll()), testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	results, err := orch.Process(context.Background())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	var reqErr *export.RequestError
	if !errors.As(results["Broken"].Err, &reqErr) {
		t.Errorf("Broken error = %v, want *export.RequestError", results["Broken"].Err)
	}
	if mock.GetEnqueueCount() != 1 {
		t.Errorf("enqueue count = %d, want 1", mock.GetEnqueueCount())
	}
}

// countingReporter records reporter calls.
type countingReporter struct {
	started  int
	total    int
	done     []int
	complete int
}

func (r *countingReporter) OnStart(total int) {
	r.started++
	r.total = total
}

func (r *countingReporter) OnPageDone(done, total int, result export.Result) {
	r.done = append(r.done, done)
}

func (r *countingReporter) OnComplete(results map[string]export.Result) {
	r.complete++
}

// fakeStages implements every stage in memory and tracks concurrency.
type fakeStages struct {
	fail    map[string]bool
	delay   time.Duration
	active  atomic.Int32
	maxSeen atomic.Int32
	mu      sync.Mutex
	tasks   map[string]string
}

func newFakeStages(fail ...string) *fakeStages {
	f := &fakeStages{fail: make(map[string]bool), tasks: make(map[string]string), delay: 10 * time.Millisecond}
	for _, id := range fail {
		f.fail[id] = true
	}
	return f
}

func (f *fakeStages) stages() Stages {
	return Stages{Submitter: f, Waiter: f, Fetcher: f, Extractor: f}
}

func (f *fakeStages) EnqueueExport(ctx context.Context, pageID string, cfg export.Config) (string, error) {
	if f.fail[pageID] {
		return "", &export.RequestError{PageID: pageID, Message: "rejected"}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	taskID := "task-" + pageID
	f.tasks[taskID] = pageID
	return taskID, nil
}

func (f *fakeStages) Wait(ctx context.Context, taskID string) (*client.Task, error) {
	n := f.active.Add(1)
	defer f.active.Add(-1)
	for {
		cur := f.maxSeen.Load()
		if n <= cur || f.maxSeen.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(f.delay)
	return &client.Task{
		ID:     taskID,
		State:  client.TaskSuccess,
		Status: client.TaskStatus{ExportURL: "https://files.example/" + taskID + ".zip", PagesExported: 3},
	}, nil
}

func (f *fakeStages) Download(ctx context.Context, url, dir, prefix string) (string, error) {
	path := filepath.Join(dir, prefix+".zip")
	return path, os.WriteFile(path, []byte("zip"), 0o644)
}

func (f *fakeStages) Unpack(archivePath, destDir string, opts unpack.Options) (unpack.Stats, error) {
	if err := os.MkdirAll(destDir, 0o755); err != nil {
		return unpack.Stats{}, err
	}
	return unpack.Stats{Files: 1}, os.Remove(archivePath)
}

func TestProcess_ProgressAndPoolSize(t *testing.T) {
	pages := map[string]string{}
	ids := []string{
		"00000000-0000-0000-0000-000000000001",
		"00000000-0000-0000-0000-000000000002",
		"00000000-0000-0000-0000-000000000003",
		"00000000-0000-0000-0000-000000000004",
		"00000000-0000-0000-0000-000000000005",
		"00000000-0000-0000-0000-000000000006",
	}
	for i, id := range ids {
		pages[string(rune('A'+i))+" page"] = id
	}

	fake := newFakeStages(ids[1], ids[4])
	reporter := &countingReporter{}

	cfg := testConfig(t)
	cfg.Workers = 2
	cfg.Reporter = reporter

	orch, err := New(pages, fake.stages(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	results, err := orch.Process(context.Background())
	if err != nil {
		t.Fatalf("Process() error = %v", err)
	}

	if len(results) != len(ids) {
		t.Fatalf("len(results) = %d, want %d", len(results), len(ids))
	}
	failed := 0
	for _, res := range results {
		if !res.OK() {
			failed++
			continue
		}
		if res.PagesExported != 3 {
			t.Errorf("PagesExported = %d, want 3", res.PagesExported)
		}
	}
	if failed != 2 {
		t.Errorf("failed = %d, want 2", failed)
	}

	if peak := fake.maxSeen.Load(); peak > 2 {
		t.Errorf("max concurrent pipelines = %d, want <= 2", peak)
	}

	if reporter.started != 1 || reporter.complete != 1 {
		t.Errorf("OnStart/OnComplete calls = %d/%d, want 1/1", reporter.started, reporter.complete)
	}
	if reporter.total != len(ids) {
		t.Errorf("reported total = %d, want %d", reporter.total, len(ids))
	}
	for i, d := range reporter.done {
		if d != i+1 {
			t.Errorf("done[%d] = %d, want %d", i, d, i+1)
		}
	}
	if len(reporter.done) != len(ids) {
		t.Errorf("OnPageDone calls = %d, want %d", len(reporter.done), len(ids))
	}
	if p := orch.Progress(); p.Done() != p.Total() {
		t.Errorf("Progress = %d/%d, want complete", p.Done(), p.Total())
	}
}

func TestProcess_CancelledContext(t *testing.T) {
	fake := newFakeStages()
	orch, err := New(map[string]string{"Doc A": docAID}, fake.stages(), testConfig(t), zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results, err := orch.Process(ctx)
	if !errors.Is(err, export.ErrAllFailed) {
		t.Fatalf("Process() error = %v, want ErrAllFailed", err)
	}
	if !errors.Is(results["Doc A"].Err, context.Canceled) {
		t.Errorf("Doc A error = %v, want context.Canceled", results["Doc A"].Err)
	}
	if orch.Progress().Done() != 1 {
		t.Errorf("Progress().Done() = %d, want 1", orch.Progress().Done())
	}
}

func TestNew_Validation(t *testing.T) {
	fake := newFakeStages()

	if _, err := New(nil, fake.stages(), DefaultConfig(), zerolog.Nop()); err == nil {
		t.Error("New() with no pages should fail")
	}

	stages := fake.stages()
	stages.Fetcher = nil
	if _, err := New(map[string]string{"a": docAID}, stages, DefaultConfig(), zerolog.Nop()); err == nil {
		t.Error("New() with missing stage should fail")
	}

	cfg := DefaultConfig()
	cfg.Export.Format = "docx"
	if _, err := New(map[string]string{"a": docAID}, fake.stages(), cfg, zerolog.Nop()); err == nil {
		t.Error("New() with invalid format should fail")
	}

	cfg = DefaultConfig()
	cfg.Workers = 0
	orch, err := New(map[string]string{"a": docAID}, fake.stages(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if orch.config.Workers <= 0 {
		t.Errorf("Workers = %d, want CPU default", orch.config.Workers)
	}
	if !strings.HasPrefix(orch.config.ExportName, "export-") {
		t.Errorf("ExportName = %s, want export- prefix", orch.config.ExportName)
	}
}

func TestPlanPages(t *testing.T) {
	pages := PlanPages(map[string]string{
		"Doc A":   docAID,
		"doc a":   docBID,
		"???":     docAID,
		"Roadmap": docBID,
	})

	want := map[string]string{
		"???":     docAID,
		"Doc A":   "doc-a",
		"Roadmap": "roadmap",
		"doc a":   "doc-a_1",
	}
	if len(pages) != len(want) {
		t.Fatalf("len(pages) = %d, want %d", len(pages), len(want))
	}
	for _, p := range pages {
		if p.Dir != want[p.Name] {
			t.Errorf("%q dir = %q, want %q", p.Name, p.Dir, want[p.Name])
		}
	}
	if pages[0].Name != "???" || pages[1].Name != "Doc A" {
		t.Errorf("pages not in name order: %v", pages)
	}
}

func TestExportName(t *testing.T) {
	ts := time.Date(2024, 3, 9, 7, 5, 1, 0, time.UTC)
	if got := ExportName(ts); got != "export-2024-03-09-07-05-01" {
		t.Errorf("ExportName() = %s, want export-2024-03-09-07-05-01", got)
	}
}

func TestFailJob_LogsRejectedTransition(t *testing.T) {
	job := export.NewJob("Doc A", docAID)
	if err := job.Start("task-1"); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := job.Complete("https://files.example/a.zip", 1); err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	var buf bytes.Buffer
	failJob(job, zerolog.New(&buf).Level(zerolog.DebugLevel))

	if job.Status() != export.StatusComplete {
		t.Errorf("Status() = %s, want complete", job.Status())
	}
	if !strings.Contains(buf.String(), "Job already terminal") || !strings.Contains(buf.String(), "invalid") {
		t.Errorf("log = %q, want rejected transition logged", buf.String())
	}
}
