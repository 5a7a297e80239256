package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quizlive/internal/domain"
)

// ParticipantFallback reads participant records from the durable store on a
// cache miss.
type ParticipantFallback interface {
	FindParticipant(ctx context.Context, sessionID, participantID string) (domain.Participant, error)
}

// ParticipantStore holds one short-TTL hash per participant. The short
// window forces authentication to re-read status on reconnect, so an
// administrative ban takes effect promptly even on an already-issued token.
type ParticipantStore struct {
	client   *redis.Client
	fallback ParticipantFallback
	ttl      time.Duration
}

func NewParticipantStore(client *redis.Client, fallback ParticipantFallback, ttl time.Duration) *ParticipantStore {
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &ParticipantStore{client: client, fallback: fallback, ttl: ttl}
}

func participantKey(sessionID, participantID string) string {
	return "participant:" + sessionID + ":" + participantID
}

func (s *ParticipantStore) SaveParticipant(ctx context.Context, p domain.Participant) error {
	key := participantKey(p.SessionID, p.ParticipantID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"nickname":     p.Nickname,
		"totalScore":   encodeInt(p.TotalScore),
		"totalTimeMs":  encodeInt64(p.TotalTimeMs),
		"streakCount":  encodeInt(p.StreakCount),
		"isActive":     encodeBool(p.IsActive),
		"isEliminated": encodeBool(p.IsEliminated),
		"isBanned":     encodeBool(p.IsBanned),
		"isSpectator":  encodeBool(p.IsSpectator),
	})
	pipe.Expire(ctx, key, s.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save participant %s: %w", p.ParticipantID, err)
	}
	return nil
}

func (s *ParticipantStore) GetParticipant(ctx context.Context, sessionID, participantID string) (domain.Participant, error) {
	fields, err := s.client.HGetAll(ctx, participantKey(sessionID, participantID)).Result()
	if err == nil && len(fields) > 0 {
		return decodeParticipant(sessionID, participantID, fields), nil
	}
	if s.fallback == nil {
		return domain.Participant{}, domain.ErrParticipantNotFound
	}
	p, ferr := s.fallback.FindParticipant(ctx, sessionID, participantID)
	if ferr != nil {
		return domain.Participant{}, ferr
	}
	if err == nil || err == redis.Nil {
		_ = s.SaveParticipant(ctx, p)
	}
	return p, nil
}

func (s *ParticipantStore) SetBanned(ctx context.Context, sessionID, participantID string, banned bool) error {
	if err := s.setFlag(ctx, sessionID, participantID, "isBanned", banned); err != nil {
		return fmt.Errorf("set banned %s: %w", participantID, err)
	}
	return nil
}

func (s *ParticipantStore) SetActive(ctx context.Context, sessionID, participantID string, active bool) error {
	if err := s.setFlag(ctx, sessionID, participantID, "isActive", active); err != nil {
		return fmt.Errorf("set active %s: %w", participantID, err)
	}
	return nil
}

// setFlag re-arms the TTL alongside the write; a bare HSet against an
// already-expired key would otherwise leave a partial hash with no expiry.
func (s *ParticipantStore) setFlag(ctx context.Context, sessionID, participantID, field string, value bool) error {
	key := participantKey(sessionID, participantID)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, key, field, encodeBool(value))
	pipe.Expire(ctx, key, s.ttl)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *ParticipantStore) DeleteParticipant(ctx context.Context, sessionID, participantID string) error {
	return s.client.Del(ctx, participantKey(sessionID, participantID)).Err()
}

func decodeParticipant(sessionID, participantID string, fields map[string]string) domain.Participant {
	return domain.Participant{
		ParticipantID: participantID,
		SessionID:     sessionID,
		Nickname:      fields["nickname"],
		TotalScore:    decodeInt(fields["totalScore"]),
		TotalTimeMs:   decodeInt64(fields["totalTimeMs"]),
		StreakCount:   decodeInt(fields["streakCount"]),
		IsActive:      decodeBool(fields["isActive"]),
		IsEliminated:  decodeBool(fields["isEliminated"]),
		IsBanned:      decodeBool(fields["isBanned"]),
		IsSpectator:   decodeBool(fields["isSpectator"]),
	}
}
