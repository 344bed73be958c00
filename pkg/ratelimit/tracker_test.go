package ratelimit

import (
	"context"
	"net/http"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestParseRetryAfter(t *testing.T) {
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	tests := []struct {
		name  string
		value string
		want  time.Duration
	}{
		{"empty uses default", "", DefaultRetryAfter},
		{"seconds", "7", 7 * time.Second},
		{"zero", "0", 0},
		{"http date", now.Add(90 * time.Second).Format(http.TimeFormat), 90 * time.Second},
		{"date in the past", now.Add(-time.Minute).Format(http.TimeFormat), 0},
		{"garbage uses default", "soon", DefaultRetryAfter},
		{"capped", "86400", MaxRetryAfter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseRetryAfter(tt.value, now); got != tt.want {
				t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.value, got, tt.want)
			}
		})
	}
}

func TestTracker_UpdateFromResponse(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	tracker := NewTracker(store, DefaultConfig(), zerolog.Nop())

	// Non-429 responses leave the window closed.
	if err := tracker.UpdateFromResponse(ctx, "/getTasks", &http.Response{StatusCode: http.StatusOK, Header: http.Header{}}); err != nil {
		t.Fatalf("UpdateFromResponse(200) error = %v", err)
	}
	state, _ := tracker.State(ctx)
	if state.IsBlocked(time.Now()) {
		t.Fatal("200 response must not open a throttle window")
	}

	headers := http.Header{}
	headers.Set("Retry-After", "60")
	if err := tracker.UpdateFromResponse(ctx, "/enqueueTask", &http.Response{StatusCode: http.StatusTooManyRequests, Header: headers}); err != nil {
		t.Fatalf("UpdateFromResponse(429) error = %v", err)
	}

	state, _ = tracker.State(ctx)
	wait := state.TimeUntilUnblocked(time.Now())
	if wait < 55*time.Second || wait > 60*time.Second {
		t.Errorf("TimeUntilUnblocked = %v, want about 60s", wait)
	}
	if state.Reason != "/enqueueTask returned 429" {
		t.Errorf("Reason = %q", state.Reason)
	}

	// A shorter window must not shrink the open one.
	headers.Set("Retry-After", "1")
	if err := tracker.UpdateFromResponse(ctx, "/getTasks", &http.Response{StatusCode: http.StatusTooManyRequests, Header: headers}); err != nil {
		t.Fatalf("UpdateFromResponse(429) error = %v", err)
	}
	state, _ = tracker.State(ctx)
	if state.TimeUntilUnblocked(time.Now()) < 50*time.Second {
		t.Error("shorter Retry-After shrank the throttle window")
	}
}

func TestTracker_WaitHonoursWindow(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_ = store.Save(ctx, &ThrottleState{BlockedUntil: time.Now().Add(100 * time.Millisecond)})

	tracker := NewTracker(store, Config{}, zerolog.Nop())

	start := time.Now()
	if err := tracker.Wait(ctx); err != nil {
		t.Fatalf("Wait() error = %v", err)
	}
	if elapsed := time.Since(start); elapsed < 90*time.Millisecond {
		t.Errorf("Wait() returned after %v, want at least ~100ms", elapsed)
	}
}

func TestTracker_WaitCancelled(t *testing.T) {
	store := NewMemoryStore()
	_ = store.Save(context.Background(), &ThrottleState{BlockedUntil: time.Now().Add(time.Hour)})
	tracker := NewTracker(store, Config{}, zerolog.Nop())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := tracker.Wait(ctx); err == nil {
		t.Fatal("Wait() should fail when the context ends inside a throttle window")
	}
}

func TestTracker_Pacing(t *testing.T) {
	tracker := NewTracker(nil, Config{RequestsPerSecond: 20, Burst: 1}, zerolog.Nop())
	ctx := context.Background()

	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := tracker.Wait(ctx); err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	}
	// Burst 1 at 20 req/s: the 2nd and 3rd calls wait ~50ms each.
	if elapsed := time.Since(start); elapsed < 80*time.Millisecond {
		t.Errorf("3 paced calls took %v, want at least ~100ms", elapsed)
	}
}
