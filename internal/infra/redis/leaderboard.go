package redis

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/redis/go-redis/v9"

	"quizlive/internal/domain"
)

// Leaderboard ranks participants in a sorted set per session.
//
// The ZSET score is a composite: integer quiz score plus a fractional
// tiebreak derived from total elapsed time, so equal scores rank the faster
// participant first. Residual ties (equal score and time) fall back to the
// sorted set's lexicographic member order, which is deterministic by
// participant id.
type Leaderboard struct {
	client *redis.Client
	ttl    time.Duration
}

func NewLeaderboard(client *redis.Client, ttl time.Duration) *Leaderboard {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Leaderboard{client: client, ttl: ttl}
}

func leaderboardKey(sessionID string) string { return "session:" + sessionID + ":leaderboard" }
func nicknameKey(sessionID string) string    { return "session:" + sessionID + ":nicknames" }

// maxTiebreakMs caps the time component so it stays a strict fraction and
// can never outweigh a single point of score.
const maxTiebreakMs = 1 << 30

func compositeScore(score int, totalTimeMs int64) float64 {
	clamped := totalTimeMs
	if clamped < 0 {
		clamped = 0
	}
	if clamped > maxTiebreakMs {
		clamped = maxTiebreakMs
	}
	fraction := (float64(maxTiebreakMs-clamped) / float64(maxTiebreakMs)) * 0.999
	return float64(score) + fraction
}

// UpdateScore writes a participant's current standing.
func (l *Leaderboard) UpdateScore(ctx context.Context, sessionID string, entry domain.LeaderboardEntry) error {
	key := leaderboardKey(sessionID)
	pipe := l.client.TxPipeline()
	pipe.ZAdd(ctx, key, redis.Z{
		Score:  compositeScore(entry.Score, entry.TotalTimeMs),
		Member: entry.ParticipantID,
	})
	pipe.HSet(ctx, nicknameKey(sessionID), entry.ParticipantID, entry.Nickname)
	pipe.Expire(ctx, key, l.ttl)
	pipe.Expire(ctx, nicknameKey(sessionID), l.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("update leaderboard %s: %w", sessionID, err)
	}
	return nil
}

// TopK returns the top k entries by descending score.
func (l *Leaderboard) TopK(ctx context.Context, sessionID string, k int) ([]domain.LeaderboardEntry, error) {
	if k <= 0 {
		k = 10
	}
	zs, err := l.client.ZRevRangeWithScores(ctx, leaderboardKey(sessionID), 0, int64(k-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("leaderboard topk %s: %w", sessionID, err)
	}
	nicknames, err := l.client.HGetAll(ctx, nicknameKey(sessionID)).Result()
	if err != nil {
		nicknames = map[string]string{}
	}

	entries := make([]domain.LeaderboardEntry, 0, len(zs))
	for i, z := range zs {
		participantID, _ := z.Member.(string)
		score := int(math.Floor(z.Score))
		fraction := z.Score - float64(score)
		timeMs := int64(math.Round((1 - fraction/0.999) * float64(maxTiebreakMs)))
		if timeMs < 0 {
			timeMs = 0
		}
		entries = append(entries, domain.LeaderboardEntry{
			ParticipantID: participantID,
			Nickname:      nicknames[participantID],
			Score:         score,
			TotalTimeMs:   timeMs,
			Rank:          i + 1,
		})
	}
	return entries, nil
}

// RemoveParticipant drops one member, e.g. after a kick.
func (l *Leaderboard) RemoveParticipant(ctx context.Context, sessionID, participantID string) error {
	pipe := l.client.TxPipeline()
	pipe.ZRem(ctx, leaderboardKey(sessionID), participantID)
	pipe.HDel(ctx, nicknameKey(sessionID), participantID)
	_, err := pipe.Exec(ctx)
	return err
}

// DeleteLeaderboard removes the session's ranking on teardown.
func (l *Leaderboard) DeleteLeaderboard(ctx context.Context, sessionID string) error {
	return l.client.Del(ctx, leaderboardKey(sessionID), nicknameKey(sessionID)).Err()
}
