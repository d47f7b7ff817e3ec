// Package ratelimit spaces out requests to public APIs that publish a
// requests-per-second ceiling. It enforces a fixed minimum interval between
// consecutive successful requests; failed requests are paced by the retry
// policy instead.
package ratelimit

import (
	"time"
)

// DefaultInterval keeps a single client well under the data.police.uk
// ceiling of 15 requests per second.
const DefaultInterval = 100 * time.Millisecond

// PacingState is the pacer's view of the most recent successful request.
type PacingState struct {
	// Interval is the minimum gap enforced after a successful request.
	Interval time.Duration `json:"interval"`

	// LastSuccess is when the last successful request completed.
	// Zero until the first success.
	LastSuccess time.Time `json:"last_success"`

	// Successes counts requests marked successful.
	Successes int `json:"successes"`
}

// WaitFor returns how long a request issued at now must wait.
// Returns 0 if no success has been recorded or the interval has passed.
func (s PacingState) WaitFor(now time.Time) time.Duration {
	if s.LastSuccess.IsZero() || s.Interval <= 0 {
		return 0
	}
	wait := s.LastSuccess.Add(s.Interval).Sub(now)
	if wait < 0 {
		return 0
	}
	return wait
}

// Ready reports whether a request may be issued at now without waiting.
func (s PacingState) Ready(now time.Time) bool {
	return s.WaitFor(now) == 0
}
