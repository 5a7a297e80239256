package app

import (
	"context"

	"quizlive/internal/domain"
)

// SessionStore is the live session record, cache-first with durable fallback.
type SessionStore interface {
	SaveSession(ctx context.Context, session domain.Session) error
	GetSession(ctx context.Context, sessionID string) (domain.Session, error)
	UpdateState(ctx context.Context, sessionID string, state domain.SessionState) error
	SetCurrentQuestion(ctx context.Context, sessionID string, index int) error
	SetTimerEndTime(ctx context.Context, sessionID string, endTime int64) error
	SetAllowLateJoiners(ctx context.Context, sessionID string, allow bool) error
	IncrParticipantCount(ctx context.Context, sessionID string, delta int) (int, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// ParticipantStore is the short-TTL participant record.
type ParticipantStore interface {
	SaveParticipant(ctx context.Context, p domain.Participant) error
	GetParticipant(ctx context.Context, sessionID, participantID string) (domain.Participant, error)
	SetBanned(ctx context.Context, sessionID, participantID string, banned bool) error
	SetActive(ctx context.Context, sessionID, participantID string, active bool) error
	DeleteParticipant(ctx context.Context, sessionID, participantID string) error
}

// LeaderboardStore ranks participants per session.
type LeaderboardStore interface {
	UpdateScore(ctx context.Context, sessionID string, entry domain.LeaderboardEntry) error
	TopK(ctx context.Context, sessionID string, k int) ([]domain.LeaderboardEntry, error)
	RemoveParticipant(ctx context.Context, sessionID, participantID string) error
	DeleteLeaderboard(ctx context.Context, sessionID string) error
}

// AnswerBuffer holds raw submissions until the scoring flush drains them.
type AnswerBuffer interface {
	Append(ctx context.Context, answer domain.Answer) error
	Flush(ctx context.Context, sessionID string) ([]domain.Answer, error)
	Len(ctx context.Context, sessionID string) (int64, error)
}

// JoinCodeStore maps short codes to sessions.
type JoinCodeStore interface {
	Mint(ctx context.Context, sessionID string) (string, error)
	Bind(ctx context.Context, code, sessionID string) error
	ResolveJoinCode(ctx context.Context, code string) (string, error)
	Release(ctx context.Context, code string) error
}

// QuizRepository loads quiz content (from cache/backing store).
type QuizRepository interface {
	GetQuiz(ctx context.Context, quizID string) (domain.Quiz, error)
}

// DurableStore is the system of record behind the cache. Optional: a nil
// DurableStore skips the durable writes (single-node, cache-only runs).
type DurableStore interface {
	SaveSession(ctx context.Context, session domain.Session) error
	SaveParticipant(ctx context.Context, p domain.Participant) error
	InsertAnswers(ctx context.Context, answers []domain.Answer) error
	SetParticipantBanned(ctx context.Context, sessionID, participantID string, banned bool) error
}
