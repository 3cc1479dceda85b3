package models

import "time"

// RateLimitWindow is the persisted fixed-window counter for one identifier.
type RateLimitWindow struct {
	Identifier     string        `json:"identifier"`
	WindowStart    time.Time     `json:"window_start"`
	WindowDuration time.Duration `json:"window_duration"`
	MaxRequests    int           `json:"max_requests"`
	RequestCount   int           `json:"request_count"`
	BlockedUntil   *time.Time    `json:"blocked_until,omitempty"`
}

// RateLimitResult is the outcome of one check-and-increment.
type RateLimitResult struct {
	Allowed   bool      `json:"allowed"`
	Limit     int       `json:"limit"`
	Remaining int       `json:"remaining"`
	ResetAt   time.Time `json:"reset_at"`
}
