// Package ratelimit throttles outbound Notion API calls.
//
// Two mechanisms combine: a token bucket paces every request, and a shared
// throttle window is opened whenever the service answers 429 Too Many
// Requests. The window is kept in a Store so that several exporter processes
// sharing one account (via Redis) back off together.
package ratelimit

import (
	"time"
)

// Redis keys for throttle state storage.
const (
	RedisKeyBlockedUntil = "notion:throttle:blocked_until"
	RedisKeyLastUpdate   = "notion:throttle:last_update"
	RedisKeyReason       = "notion:throttle:reason"
)

const (
	// DefaultRetryAfter is used when a 429 carries no usable Retry-After header.
	DefaultRetryAfter = 30 * time.Second

	// MaxRetryAfter caps the window a single response can open.
	MaxRetryAfter = 10 * time.Minute
)

// ThrottleState is the current throttle window.
type ThrottleState struct {
	// BlockedUntil is the time before which no request should be sent.
	BlockedUntil time.Time `json:"blocked_until"`

	// LastUpdate is when the window was last opened.
	LastUpdate time.Time `json:"last_update"`

	// Reason describes what opened the window (endpoint and status).
	Reason string `json:"reason"`
}

// IsBlocked reports whether requests must wait at now.
func (s *ThrottleState) IsBlocked(now time.Time) bool {
	return now.Before(s.BlockedUntil)
}

// TimeUntilUnblocked returns how long requests must wait at now.
// Returns 0 if the window has already passed.
func (s *ThrottleState) TimeUntilUnblocked(now time.Time) time.Duration {
	d := s.BlockedUntil.Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

// IsStale returns true if the state is older than maxAge.
func (s *ThrottleState) IsStale(maxAge time.Duration) bool {
	return time.Since(s.LastUpdate) > maxAge
}
