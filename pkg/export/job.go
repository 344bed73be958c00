package export

import (
	"errors"
	"fmt"
	"time"
)

// ErrInvalidTransition is returned when a job is moved backwards or out of a
// terminal state.
var ErrInvalidTransition = errors.New("invalid job status transition")

// Status is the lifecycle state of an export job.
type Status int

const (
	// StatusPending means the job exists but no task has been submitted.
	StatusPending Status = iota

	// StatusInProgress means the remote task was accepted and is running.
	StatusInProgress

	// StatusComplete means the remote task finished and a download URL exists.
	StatusComplete

	// StatusFailed means submission or the remote task failed.
	StatusFailed
)

// String returns the status name.
func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusInProgress:
		return "in_progress"
	case StatusComplete:
		return "complete"
	case StatusFailed:
		return "failed"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Terminal reports whether no further transition is possible.
func (s Status) Terminal() bool {
	return s == StatusComplete || s == StatusFailed
}

// Job tracks one request-to-unpack lifecycle for a single page.
//
// Status only moves forward: Pending -> InProgress -> Complete|Failed, and
// Pending -> Failed when submission itself fails. DownloadURL is set exactly
// when the job reaches Complete.
type Job struct {
	PageName      string
	PageID        string
	TaskID        string
	DownloadURL   string
	ArchivePath   string
	PagesExported int
	CreatedAt     time.Time

	status  Status
	history []Status
}

// NewJob creates a pending job for a page.
func NewJob(pageName, pageID string) *Job {
	return &Job{
		PageName:  pageName,
		PageID:    pageID,
		CreatedAt: time.Now(),
		status:    StatusPending,
		history:   []Status{StatusPending},
	}
}

// Status returns the current status.
func (j *Job) Status() Status {
	return j.status
}

// History returns every status the job has been in, oldest first.
func (j *Job) History() []Status {
	out := make([]Status, len(j.history))
	copy(out, j.history)
	return out
}

// Start records the remote task identifier and moves the job to InProgress.
func (j *Job) Start(taskID string) error {
	if taskID == "" {
		return fmt.Errorf("%w: empty task id", ErrInvalidTransition)
	}
	if err := j.transition(StatusInProgress); err != nil {
		return err
	}
	j.TaskID = taskID
	return nil
}

// Complete records the download URL and moves the job to Complete.
func (j *Job) Complete(downloadURL string, pagesExported int) error {
	if downloadURL == "" {
		return fmt.Errorf("%w: complete without download url", ErrInvalidTransition)
	}
	if err := j.transition(StatusComplete); err != nil {
		return err
	}
	j.DownloadURL = downloadURL
	j.PagesExported = pagesExported
	return nil
}

// Fail moves the job to Failed.
func (j *Job) Fail() error {
	return j.transition(StatusFailed)
}

func (j *Job) transition(to Status) error {
	from := j.status
	ok := false
	switch from {
	case StatusPending:
		ok = to == StatusInProgress || to == StatusFailed
	case StatusInProgress:
		ok = to == StatusComplete || to == StatusFailed
	}
	if !ok {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	j.status = to
	j.history = append(j.history, to)
	return nil
}

// Result is the outcome of one page's pipeline: either Success with the
// extracted directory, or Failure with the reason.
type Result struct {
	PageName      string
	PageID        string
	Path          string
	PagesExported int
	Duration      time.Duration
	Err           error
}

// Success builds a successful result pointing at the extracted directory.
func Success(path string) Result {
	return Result{Path: path}
}

// Failure builds a failed result.
func Failure(err error) Result {
	return Result{Err: err}
}

// OK reports whether the page was exported and unpacked.
func (r Result) OK() bool {
	return r.Err == nil
}

// String renders the result as Success(path) or Failure(reason).
func (r Result) String() string {
	if r.OK() {
		return fmt.Sprintf("Success(%s)", r.Path)
	}
	return fmt.Sprintf("Failure(%v)", r.Err)
}
