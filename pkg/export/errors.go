package export

import (
	"errors"
	"fmt"
	"time"
)

// ErrAllFailed is returned by a batch run when no page succeeded.
var ErrAllFailed = errors.New("all pages failed to export")

// RequestError means the export submission was rejected or the response
// did not carry a task identifier.
type RequestError struct {
	PageID     string
	StatusCode int
	Message    string
	Err        error
}

// Error implements the error interface.
func (e *RequestError) Error() string {
	msg := fmt.Sprintf("export request for page %s failed", e.PageID)
	if e.StatusCode != 0 {
		msg += fmt.Sprintf(" (status %d)", e.StatusCode)
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *RequestError) Unwrap() error {
	return e.Err
}

// PollRequestError means status queries kept failing past the allowed
// number of consecutive failures.
type PollRequestError struct {
	TaskID   string
	Failures int
	Err      error
}

// Error implements the error interface.
func (e *PollRequestError) Error() string {
	return fmt.Sprintf("status query for task %s failed %d times: %v", e.TaskID, e.Failures, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *PollRequestError) Unwrap() error {
	return e.Err
}

// PollTimeoutError means the task never reached a terminal state within the
// configured maximum wait.
type PollTimeoutError struct {
	TaskID    string
	Waited    time.Duration
	LastState string
}

// Error implements the error interface.
func (e *PollTimeoutError) Error() string {
	state := e.LastState
	if state == "" {
		state = "unknown"
	}
	return fmt.Sprintf("task %s did not complete within %s (last state %s)", e.TaskID, e.Waited.Round(time.Millisecond), state)
}

// TaskFailedError means the remote service reported the task as failed.
type TaskFailedError struct {
	TaskID string
	Reason string
}

// Error implements the error interface.
func (e *TaskFailedError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("task %s failed", e.TaskID)
	}
	return fmt.Sprintf("task %s failed: %s", e.TaskID, e.Reason)
}

// DownloadError means the archive could not be fetched or written.
type DownloadError struct {
	URL        string
	StatusCode int
	Err        error
}

// Error implements the error interface.
func (e *DownloadError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("download failed (status %d): %v", e.StatusCode, e.Err)
	}
	return fmt.Sprintf("download failed: %v", e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *DownloadError) Unwrap() error {
	return e.Err
}

// UnpackError means the archive was corrupt or extraction hit a filesystem
// failure.
type UnpackError struct {
	Archive string
	Entry   string
	Err     error
}

// Error implements the error interface.
func (e *UnpackError) Error() string {
	if e.Entry != "" {
		return fmt.Sprintf("unpack %s: entry %s: %v", e.Archive, e.Entry, e.Err)
	}
	return fmt.Sprintf("unpack %s: %v", e.Archive, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *UnpackError) Unwrap() error {
	return e.Err
}

// Stage names the pipeline step an error belongs to. It is used as a
// metrics label and in log output.
func Stage(err error) string {
	var (
		reqErr     *RequestError
		pollErr    *PollRequestError
		timeoutErr *PollTimeoutError
		taskErr    *TaskFailedError
		dlErr      *DownloadError
		unpackErr  *UnpackError
	)
	switch {
	case err == nil:
		return ""
	case errors.As(err, &reqErr):
		return "request"
	case errors.As(err, &pollErr):
		return "poll"
	case errors.As(err, &timeoutErr):
		return "poll_timeout"
	case errors.As(err, &taskErr):
		return "task"
	case errors.As(err, &dlErr):
		return "download"
	case errors.As(err, &unpackErr):
		return "unpack"
	default:
		return "other"
	}
}
