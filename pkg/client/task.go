package client

import (
	"encoding/json"
	"strings"

	"github.com/Sternrassler/notion-exporter/pkg/export"
)

// TaskState is the remote state of an enqueued task.
type TaskState string

const (
	// TaskNotStarted means the task is queued but no worker has picked it up.
	TaskNotStarted TaskState = "not_started"

	// TaskInProgress means the export is being built.
	TaskInProgress TaskState = "in_progress"

	// TaskSuccess means the export is ready and carries a download URL.
	TaskSuccess TaskState = "success"

	// TaskFailure means the task ended with an error.
	TaskFailure TaskState = "failure"
)

// Task is one entry of a getTasks response.
type Task struct {
	ID        string          `json:"id"`
	EventName string          `json:"eventName"`
	State     TaskState       `json:"state"`
	Error     json.RawMessage `json:"error,omitempty"`
	Status    TaskStatus      `json:"status"`
}

// TaskStatus carries export progress and, once finished, the archive URL.
type TaskStatus struct {
	Type          string `json:"type"`
	ExportURL     string `json:"exportURL"`
	PagesExported int    `json:"pagesExported"`
}

// Done reports whether the export finished and produced a download URL.
func (t *Task) Done() bool {
	return t.State != TaskFailure && t.Status.ExportURL != ""
}

// Failed reports whether the remote task failed.
func (t *Task) Failed() bool {
	return t.State == TaskFailure
}

// ErrorMessage returns the remote error, which Notion sends either as a
// string or as an object.
func (t *Task) ErrorMessage() string {
	if len(t.Error) == 0 || string(t.Error) == "null" {
		return ""
	}
	var s string
	if err := json.Unmarshal(t.Error, &s); err == nil {
		return s
	}
	return strings.TrimSpace(string(t.Error))
}

type enqueueTaskRequest struct {
	Task exportTask `json:"task"`
}

type exportTask struct {
	EventName string             `json:"eventName"`
	Request   exportBlockRequest `json:"request"`
}

type exportBlockRequest struct {
	Block         blockRef      `json:"block"`
	Recursive     bool          `json:"recursive"`
	ExportOptions ExportOptions `json:"exportOptions"`
}

type blockRef struct {
	ID string `json:"id"`
}

type enqueueTaskResponse struct {
	TaskID string `json:"taskId"`
}

type getTasksRequest struct {
	TaskIDs []string `json:"taskIds"`
}

type getTasksResponse struct {
	Results []Task `json:"results"`
}

// ExportOptions is the exportOptions object of an exportBlock task.
type ExportOptions struct {
	ExportType               export.ExportType `json:"exportType"`
	Locale                   string            `json:"locale"`
	TimeZone                 string            `json:"timeZone"`
	CollectionViewExportType export.ViewScope  `json:"collectionViewExportType"`
	FlattenExportFiletree    bool              `json:"flattenExportFiletree"`
	PDFFormat                string            `json:"pdfFormat,omitempty"`
	IncludeContents          string            `json:"includeContents,omitempty"`
}

// BuildExportOptions maps an export configuration onto the wire options.
func BuildExportOptions(cfg export.Config, locale string) ExportOptions {
	opts := ExportOptions{
		ExportType:               cfg.Format,
		Locale:                   locale,
		TimeZone:                 cfg.TimeZone,
		CollectionViewExportType: cfg.Scope,
		FlattenExportFiletree:    cfg.FlattenTree,
	}
	if cfg.Format == export.PDF {
		opts.PDFFormat = "Letter"
	}
	if !cfg.IncludeFiles {
		opts.IncludeContents = "no_files"
	}
	return opts
}
