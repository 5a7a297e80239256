// Package ratelimit enforces the three admission classes: join attempts per
// IP, one answer per (participant, question), and per-socket message floods.
package ratelimit

import (
	"context"
	"time"
)

// Result is the outcome of one limiter check.
type Result struct {
	Allowed bool
	// RetryAfter hints when the caller may try again; zero when allowed.
	RetryAfter time.Duration
	// Count is the observed counter value inside the current window.
	Count int64
}

// Limiter is the admission surface the gateway consults. Implementations
// fail open: a backing-store error yields Allowed=true, never an error that
// blocks traffic.
type Limiter interface {
	// AllowJoin counts a join attempt from one source IP.
	AllowJoin(ctx context.Context, ip string) Result
	// AllowAnswer is a single-shot lock per (participantID, questionID);
	// the first call within the TTL wins, every later call loses.
	AllowAnswer(ctx context.Context, participantID, questionID string) Result
	// AllowMessage counts one inbound event on a socket.
	AllowMessage(ctx context.Context, socketID string) Result

	// Reset clears all counters for an identifier; for tests and operators.
	Reset(ctx context.Context, class Class, identifier string) error
	// Inspect returns the current count for an identifier, zero when unset.
	Inspect(ctx context.Context, class Class, identifier string) (int64, error)
}

// Class names one limit family.
type Class string

const (
	ClassJoin    Class = "join"
	ClassAnswer  Class = "answer"
	ClassMessage Class = "message"
)

// Config carries the per-class thresholds.
type Config struct {
	JoinAttempts   int           // default 5
	JoinWindow     time.Duration // default 60s
	AnswerLockTTL  time.Duration // default 5m
	MessagesPerSec int           // default 10
}

// WithDefaults fills zero fields.
func (c Config) WithDefaults() Config {
	if c.JoinAttempts <= 0 {
		c.JoinAttempts = 5
	}
	if c.JoinWindow <= 0 {
		c.JoinWindow = 60 * time.Second
	}
	if c.AnswerLockTTL <= 0 {
		c.AnswerLockTTL = 5 * time.Minute
	}
	if c.MessagesPerSec <= 0 {
		c.MessagesPerSec = 10
	}
	return c
}
