package postgres

import (
	"context"
	"log/slog"
	"time"

	"quizlive/internal/audit"
)

// AuditSink appends security events to the durable audit trail. Insert
// failures are logged and dropped; auditing must not block the hot path.
type AuditSink struct {
	store  *Store
	logger *slog.Logger
}

func NewAuditSink(store *Store, logger *slog.Logger) *AuditSink {
	return &AuditSink{store: store, logger: logger.With("component", "audit-pg")}
}

func (s *AuditSink) Record(ctx context.Context, ev audit.Event) {
	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}
	if err := s.store.InsertAuditEvent(ctx, ev.Kind, ev.SessionID, ev.ParticipantID, ev.RemoteAddr, ev.Reason, at); err != nil {
		s.logger.Error("audit insert failed", "kind", ev.Kind, "err", err)
	}
}
