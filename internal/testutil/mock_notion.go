// Package testutil provides testing utilities for the Notion exporter.
package testutil

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sort"
	"strings"
	"sync"
)

// MockTask is the state a mock task reports on one status query.
type MockTask struct {
	State         string
	ExportURL     string
	PagesExported int
	Error         string
}

// TaskInfo identifies a status query for a task behaviour function.
type TaskInfo struct {
	TaskID string
	PageID string
	// Poll is the 1-based number of this status query for the task.
	Poll int
}

// EnqueueRequest is a decoded enqueueTask body.
type EnqueueRequest struct {
	Task struct {
		EventName string `json:"eventName"`
		Request   struct {
			Block struct {
				ID string `json:"id"`
			} `json:"block"`
			Recursive     bool           `json:"recursive"`
			ExportOptions map[string]any `json:"exportOptions"`
		} `json:"request"`
	} `json:"task"`
}

type mockTask struct {
	pageID string
	polls  int
}

// MockNotion is a configurable mock of the Notion web API and file host.
type MockNotion struct {
	server *httptest.Server
	mu     sync.Mutex

	tasks          map[string]*mockTask
	archives       map[string][]byte
	downloadStatus map[string]int
	behavior       func(TaskInfo) MockTask
	enqueueStatus  int
	enqueueBody    string
	pollFailures   int

	// Tracking
	EnqueueCount  int
	PollCount     int
	DownloadCount int
	SessionCookie string
	FileCookie    string
	Enqueued      []EnqueueRequest
}

// NewMockNotion creates a mock whose tasks succeed on the first poll and
// whose archives contain a single markdown file named after the page ID.
func NewMockNotion() *MockNotion {
	mock := &MockNotion{
		tasks:          make(map[string]*mockTask),
		archives:       make(map[string][]byte),
		downloadStatus: make(map[string]int),
		behavior:       SucceedAfter(1),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/enqueueTask", mock.handleEnqueue)
	mux.HandleFunc("/api/v3/getTasks", mock.handleGetTasks)
	mux.HandleFunc("/files/", mock.handleDownload)
	mock.server = httptest.NewServer(mux)

	return mock
}

// URL returns the mock server URL.
func (m *MockNotion) URL() string {
	return m.server.URL
}

// BaseURL returns the API base URL to configure clients with.
func (m *MockNotion) BaseURL() string {
	return m.server.URL + "/api/v3"
}

// Close shuts down the mock server.
func (m *MockNotion) Close() {
	m.server.Close()
}

// SetTaskBehavior sets the function deciding what each status query returns.
func (m *MockNotion) SetTaskBehavior(fn func(TaskInfo) MockTask) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.behavior = fn
}

// SetArchive sets the archive served for a page (dashed page ID).
func (m *MockNotion) SetArchive(pageID string, archive []byte) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.archives[pageID] = archive
}

// SetDownloadStatus makes downloads for a page answer with status code.
func (m *MockNotion) SetDownloadStatus(pageID string, status int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.downloadStatus[pageID] = status
}

// SetEnqueueResponse overrides the enqueueTask response for all pages.
func (m *MockNotion) SetEnqueueResponse(status int, body string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.enqueueStatus = status
	m.enqueueBody = body
}

// FailNextPolls makes the next n getTasks calls answer 500.
func (m *MockNotion) FailNextPolls(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pollFailures = n
}

// GetEnqueueCount returns the number of enqueueTask calls.
func (m *MockNotion) GetEnqueueCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.EnqueueCount
}

// GetPollCount returns the number of getTasks calls.
func (m *MockNotion) GetPollCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.PollCount
}

// GetDownloadCount returns the number of download requests.
func (m *MockNotion) GetDownloadCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.DownloadCount
}

// LastEnqueued returns the most recent enqueueTask body.
func (m *MockNotion) LastEnqueued() (EnqueueRequest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Enqueued) == 0 {
		return EnqueueRequest{}, false
	}
	return m.Enqueued[len(m.Enqueued)-1], true
}

func (m *MockNotion) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	var req EnqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"name": "ValidationError", "message": err.Error()})
		return
	}

	m.mu.Lock()
	m.EnqueueCount++
	m.Enqueued = append(m.Enqueued, req)
	if c, err := r.Cookie("token_v2"); err == nil {
		m.SessionCookie = c.Value
	}
	status, body := m.enqueueStatus, m.enqueueBody
	taskID := fmt.Sprintf("task-%d", m.EnqueueCount)
	if status == 0 {
		m.tasks[taskID] = &mockTask{pageID: req.Task.Request.Block.ID}
	}
	m.mu.Unlock()

	if status != 0 {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		w.Write([]byte(body))
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"taskId": taskID})
}

func (m *MockNotion) handleGetTasks(w http.ResponseWriter, r *http.Request) {
	var req struct {
		TaskIDs []string `json:"taskIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"name": "ValidationError", "message": err.Error()})
		return
	}

	m.mu.Lock()
	m.PollCount++
	if m.pollFailures > 0 {
		m.pollFailures--
		m.mu.Unlock()
		writeJSON(w, http.StatusInternalServerError, map[string]string{"name": "InternalServerError", "message": "mock failure"})
		return
	}

	results := make([]map[string]any, 0, len(req.TaskIDs))
	for _, id := range req.TaskIDs {
		task, ok := m.tasks[id]
		if !ok {
			continue
		}
		task.polls++
		state := m.behavior(TaskInfo{TaskID: id, PageID: task.pageID, Poll: task.polls})
		if state.State == "success" && state.ExportURL == "" {
			state.ExportURL = fmt.Sprintf("%s/files/%s/Export-%s.zip", m.server.URL, id, id)
		}

		result := map[string]any{
			"id":        id,
			"eventName": "exportBlock",
			"state":     state.State,
			"status": map[string]any{
				"type":          "progress",
				"exportURL":     state.ExportURL,
				"pagesExported": state.PagesExported,
			},
		}
		if state.Error != "" {
			result["error"] = state.Error
		}
		results = append(results, result)
	}
	m.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

func (m *MockNotion) handleDownload(w http.ResponseWriter, r *http.Request) {
	// /files/<taskID>/<name>
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/files/"), "/")
	taskID := parts[0]

	m.mu.Lock()
	m.DownloadCount++
	if c, err := r.Cookie("file_token"); err == nil {
		m.FileCookie = c.Value
	}
	task, ok := m.tasks[taskID]
	var (
		status  int
		archive []byte
	)
	if ok {
		status = m.downloadStatus[task.pageID]
		archive, ok = m.archives[task.pageID]
		if !ok {
			archive = BuildZip(map[string]string{task.pageID + ".md": "# " + task.pageID + "\n"})
		}
	}
	m.mu.Unlock()

	if task == nil {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	if status != 0 && status != http.StatusOK {
		w.WriteHeader(status)
		w.Write([]byte("denied"))
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.WriteHeader(http.StatusOK)
	w.Write(archive)
}

// SucceedAfter returns a behaviour that reports in_progress until the n-th
// poll, then success.
func SucceedAfter(n int) func(TaskInfo) MockTask {
	return func(info TaskInfo) MockTask {
		if info.Poll < n {
			return MockTask{State: "in_progress", PagesExported: info.Poll}
		}
		return MockTask{State: "success", PagesExported: info.Poll}
	}
}

// AlwaysInProgress returns a behaviour that never completes.
func AlwaysInProgress() func(TaskInfo) MockTask {
	return func(info TaskInfo) MockTask {
		return MockTask{State: "in_progress"}
	}
}

// FailTask returns a behaviour that reports failure with reason.
func FailTask(reason string) func(TaskInfo) MockTask {
	return func(info TaskInfo) MockTask {
		return MockTask{State: "failure", Error: reason}
	}
}

// BuildZip creates an in-memory zip archive. Entries are written in sorted
// name order; names ending in "/" become directories.
func BuildZip(files map[string]string) []byte {
	names := make([]string, 0, len(files))
	for name := range files {
		names = append(names, name)
	}
	sort.Strings(names)

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for _, name := range names {
		w, err := zw.Create(name)
		if err != nil {
			panic(err)
		}
		if !strings.HasSuffix(name, "/") {
			if _, err := w.Write([]byte(files[name])); err != nil {
				panic(err)
			}
		}
	}
	if err := zw.Close(); err != nil {
		panic(err)
	}
	return buf.Bytes()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
