// Package audit defines the narrow sink the authentication and rate-limiting
// layers report security events to. Components receive a Sink at construction
// time instead of importing a logging implementation.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Event is one security-relevant occurrence: an auth rejection, a rate-limit
// violation, a moderation action.
type Event struct {
	Kind          string         `json:"kind"`
	SocketID      string         `json:"socketId,omitempty"`
	RemoteAddr    string         `json:"remoteAddr,omitempty"`
	SessionID     string         `json:"sessionId,omitempty"`
	ParticipantID string         `json:"participantId,omitempty"`
	Reason        string         `json:"reason"`
	Details       map[string]any `json:"details,omitempty"`
	At            time.Time      `json:"at"`
}

// Event kinds recorded by the core.
const (
	KindAuthRejected       = "auth_rejected"
	KindValidationFailed   = "validation_failed"
	KindRateLimitViolation = "rate_limit_violation"
	KindAdmissionRejected  = "admission_rejected"
	KindModeration         = "moderation"
)

// Sink receives audit events. Implementations must not block the caller for
// long; delivery is best effort.
type Sink interface {
	Record(ctx context.Context, ev Event)
}

// SlogSink writes audit events to the process logger.
type SlogSink struct {
	logger *slog.Logger
}

func NewSlogSink(logger *slog.Logger) *SlogSink {
	return &SlogSink{logger: logger.With("component", "audit")}
}

func (s *SlogSink) Record(_ context.Context, ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	s.logger.Warn("security event",
		"kind", ev.Kind,
		"reason", ev.Reason,
		"socketId", ev.SocketID,
		"remoteAddr", ev.RemoteAddr,
		"sessionId", ev.SessionID,
		"participantId", ev.ParticipantID,
	)
}

// Multi fans one event out to several sinks.
type Multi []Sink

func (m Multi) Record(ctx context.Context, ev Event) {
	for _, s := range m {
		s.Record(ctx, ev)
	}
}

// Nop discards events; useful in tests.
type Nop struct{}

func (Nop) Record(context.Context, Event) {}
