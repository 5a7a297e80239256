package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"quizlive/internal/domain"
)

// AnswerBuffer is an append-only list per session holding raw submissions
// until the scoring pipeline drains them.
type AnswerBuffer struct {
	client *redis.Client
	ttl    time.Duration
}

func NewAnswerBuffer(client *redis.Client, ttl time.Duration) *AnswerBuffer {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &AnswerBuffer{client: client, ttl: ttl}
}

func answerBufferKey(sessionID string) string { return "session:" + sessionID + ":answers" }

// Append pushes one answer to the tail, preserving submission order.
func (b *AnswerBuffer) Append(ctx context.Context, answer domain.Answer) error {
	raw, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	key := answerBufferKey(answer.SessionID)
	pipe := b.client.TxPipeline()
	pipe.RPush(ctx, key, raw)
	pipe.Expire(ctx, key, b.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("append answer %s: %w", answer.SessionID, err)
	}
	return nil
}

// Flush atomically reads and clears the buffer. Read and delete run inside
// one MULTI/EXEC so no submission can slip in between and be lost.
func (b *AnswerBuffer) Flush(ctx context.Context, sessionID string) ([]domain.Answer, error) {
	key := answerBufferKey(sessionID)
	pipe := b.client.TxPipeline()
	rangeCmd := pipe.LRange(ctx, key, 0, -1)
	pipe.Del(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("flush answers %s: %w", sessionID, err)
	}

	raws := rangeCmd.Val()
	answers := make([]domain.Answer, 0, len(raws))
	for _, raw := range raws {
		var a domain.Answer
		if err := json.Unmarshal([]byte(raw), &a); err != nil {
			return answers, fmt.Errorf("decode buffered answer: %w", err)
		}
		answers = append(answers, a)
	}
	return answers, nil
}

// Len reports how many answers wait in the buffer.
func (b *AnswerBuffer) Len(ctx context.Context, sessionID string) (int64, error) {
	return b.client.LLen(ctx, answerBufferKey(sessionID)).Result()
}
