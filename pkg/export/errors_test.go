package export

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"testing"
	"time"
)

func TestStage(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"nil", nil, ""},
		{"request", &RequestError{PageID: "p"}, "request"},
		{"poll", &PollRequestError{TaskID: "t", Failures: 3, Err: io.EOF}, "poll"},
		{"timeout", &PollTimeoutError{TaskID: "t", Waited: time.Second}, "poll_timeout"},
		{"task", &TaskFailedError{TaskID: "t"}, "task"},
		{"download", &DownloadError{StatusCode: 403, Err: io.ErrUnexpectedEOF}, "download"},
		{"unpack", &UnpackError{Archive: "a.zip", Err: io.EOF}, "unpack"},
		{"wrapped", fmt.Errorf("page x: %w", &DownloadError{Err: io.EOF}), "download"},
		{"other", errors.New("boom"), "other"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Stage(tt.err); got != tt.want {
				t.Errorf("Stage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestErrorMessages(t *testing.T) {
	reqErr := &RequestError{PageID: "p1", StatusCode: 401, Message: "unauthorized"}
	if !strings.Contains(reqErr.Error(), "status 401") {
		t.Errorf("RequestError.Error() = %q", reqErr.Error())
	}

	pollErr := &PollRequestError{TaskID: "t1", Failures: 4, Err: io.EOF}
	if !errors.Is(pollErr, io.EOF) {
		t.Error("PollRequestError should unwrap to its cause")
	}

	timeoutErr := &PollTimeoutError{TaskID: "t1", Waited: 1500 * time.Millisecond, LastState: "in_progress"}
	if !strings.Contains(timeoutErr.Error(), "in_progress") {
		t.Errorf("PollTimeoutError.Error() = %q", timeoutErr.Error())
	}

	unpackErr := &UnpackError{Archive: "a.zip", Entry: "x.md", Err: io.ErrUnexpectedEOF}
	if !errors.Is(unpackErr, io.ErrUnexpectedEOF) {
		t.Error("UnpackError should unwrap to its cause")
	}
}
