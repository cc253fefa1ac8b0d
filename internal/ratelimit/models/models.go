package models

import (
	"time"

	id "carbonledger/pkg/domain"
)

// Class groups routes that share a budget.
type Class string

const (
	// ClassRead covers GET requests.
	ClassRead Class = "read"
	// ClassWrite covers every ledger mutation.
	ClassWrite Class = "write"
)

// Limit allows Requests per sliding Window.
type Limit struct {
	Requests int
	Window   time.Duration
}

// Result is the outcome of one check.
type Result struct {
	Allowed    bool      `json:"allowed"`
	Limit      int       `json:"limit"`
	Remaining  int       `json:"remaining"`
	ResetAt    time.Time `json:"reset_at"`
	RetryAfter int       `json:"retry_after,omitempty"` // seconds, only set when not allowed
}

// NewCallerKey builds the bucket key for caller's class budget.
func NewCallerKey(class Class, caller id.Address) string {
	return "carbon:rl:" + string(class) + ":" + caller.String()
}

// RetryAfterSeconds rounds the wait until resetAt up to whole seconds.
func RetryAfterSeconds(now, resetAt time.Time) int {
	wait := resetAt.Sub(now)
	if wait <= 0 {
		return 1
	}
	secs := int(wait / time.Second)
	if wait%time.Second != 0 {
		secs++
	}
	return secs
}
