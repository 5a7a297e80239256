package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quizlive/internal/domain"
)

// SessionFallback reads session records from the durable store on a cache
// miss. Live sessions normally never reach it.
type SessionFallback interface {
	FindSession(ctx context.Context, sessionID string) (domain.Session, error)
}

// SessionStore keeps live session state in a Redis hash per session, TTL
// bound to the operational lifetime of a session. Reads fall back to the
// durable store on a miss and backfill the cache.
type SessionStore struct {
	client   *redis.Client
	fallback SessionFallback
	ttl      time.Duration
}

func NewSessionStore(client *redis.Client, fallback SessionFallback, ttl time.Duration) *SessionStore {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &SessionStore{client: client, fallback: fallback, ttl: ttl}
}

func sessionKey(sessionID string) string { return "session:" + sessionID + ":state" }

func (s *SessionStore) SaveSession(ctx context.Context, session domain.Session) error {
	key := sessionKey(session.SessionID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"quizId":               session.QuizID,
		"joinCode":             session.JoinCode,
		"state":                string(session.State),
		"currentQuestionIndex": encodeInt(session.CurrentQuestionIndex),
		"participantCount":     encodeInt(session.ParticipantCount),
		"allowLateJoiners":     encodeBool(session.AllowLateJoiners),
		"timerEndTime":         encodeInt64(session.TimerEndTime),
		"createdAt":            encodeInt64(session.CreatedAt.UnixMilli()),
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save session %s: %w", session.SessionID, err)
	}
	return nil
}

func (s *SessionStore) GetSession(ctx context.Context, sessionID string) (domain.Session, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(sessionID)).Result()
	if err == nil && len(fields) > 0 {
		return decodeSession(sessionID, fields), nil
	}
	if err != nil && err != redis.Nil {
		// Cache unavailable; authentication still needs an answer, so ask
		// the durable store directly.
		return s.fromFallback(ctx, sessionID, false)
	}
	return s.fromFallback(ctx, sessionID, true)
}

func (s *SessionStore) fromFallback(ctx context.Context, sessionID string, backfill bool) (domain.Session, error) {
	if s.fallback == nil {
		return domain.Session{}, domain.ErrSessionNotFound
	}
	session, err := s.fallback.FindSession(ctx, sessionID)
	if err != nil {
		return domain.Session{}, err
	}
	if backfill {
		_ = s.SaveSession(ctx, session)
	}
	return session, nil
}

func (s *SessionStore) UpdateState(ctx context.Context, sessionID string, state domain.SessionState) error {
	return s.setField(ctx, sessionID, "state", string(state))
}

func (s *SessionStore) SetCurrentQuestion(ctx context.Context, sessionID string, index int) error {
	return s.setField(ctx, sessionID, "currentQuestionIndex", encodeInt(index))
}

func (s *SessionStore) SetTimerEndTime(ctx context.Context, sessionID string, endTime int64) error {
	return s.setField(ctx, sessionID, "timerEndTime", encodeInt64(endTime))
}

func (s *SessionStore) SetAllowLateJoiners(ctx context.Context, sessionID string, allow bool) error {
	return s.setField(ctx, sessionID, "allowLateJoiners", encodeBool(allow))
}

func (s *SessionStore) IncrParticipantCount(ctx context.Context, sessionID string, delta int) (int, error) {
	count, err := s.client.HIncrBy(ctx, sessionKey(sessionID), "participantCount", int64(delta)).Result()
	if err != nil {
		return 0, fmt.Errorf("incr participant count %s: %w", sessionID, err)
	}
	return int(count), nil
}

// DeleteSession removes the cache record on session teardown.
func (s *SessionStore) DeleteSession(ctx context.Context, sessionID string) error {
	return s.client.Del(ctx, sessionKey(sessionID)).Err()
}

func (s *SessionStore) setField(ctx context.Context, sessionID, field, value string) error {
	if err := s.client.HSet(ctx, sessionKey(sessionID), field, value).Err(); err != nil {
		return fmt.Errorf("set session %s field %s: %w", sessionID, field, err)
	}
	return nil
}

func decodeSession(sessionID string, fields map[string]string) domain.Session {
	return domain.Session{
		SessionID:            sessionID,
		QuizID:               fields["quizId"],
		JoinCode:             fields["joinCode"],
		State:                domain.SessionState(fields["state"]),
		CurrentQuestionIndex: decodeInt(fields["currentQuestionIndex"]),
		ParticipantCount:     decodeInt(fields["participantCount"]),
		AllowLateJoiners:     decodeBool(fields["allowLateJoiners"]),
		TimerEndTime:         decodeInt64(fields["timerEndTime"]),
		CreatedAt:            time.UnixMilli(decodeInt64(fields["createdAt"])),
	}
}
