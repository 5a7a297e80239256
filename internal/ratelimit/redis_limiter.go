package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"quizlive/internal/audit"
)

// RedisLimiter implements Limiter on atomic Redis counters. The TTL is set
// only on the first increment in a window (INCR, then EXPIRE when the count
// is 1), so there is no race between an existence check and a TTL set.
type RedisLimiter struct {
	client    *redis.Client
	cfg       Config
	auditSink audit.Sink
	logger    *slog.Logger
}

func NewRedisLimiter(client *redis.Client, cfg Config, auditSink audit.Sink, logger *slog.Logger) *RedisLimiter {
	return &RedisLimiter{
		client:    client,
		cfg:       cfg.WithDefaults(),
		auditSink: auditSink,
		logger:    logger.With("component", "ratelimit"),
	}
}

func (l *RedisLimiter) AllowJoin(ctx context.Context, ip string) Result {
	return l.windowed(ctx, ClassJoin, joinKey(ip), ip, int64(l.cfg.JoinAttempts), l.cfg.JoinWindow)
}

func (l *RedisLimiter) AllowMessage(ctx context.Context, socketID string) Result {
	return l.windowed(ctx, ClassMessage, messageKey(socketID), socketID, int64(l.cfg.MessagesPerSec), time.Second)
}

func (l *RedisLimiter) AllowAnswer(ctx context.Context, participantID, questionID string) Result {
	key := answerKey(participantID, questionID)
	ok, err := l.client.SetNX(ctx, key, "1", l.cfg.AnswerLockTTL).Result()
	if err != nil {
		// Fail open: availability over strict enforcement.
		l.logger.Error("answer limiter unavailable, allowing", "err", err)
		return Result{Allowed: true}
	}
	if ok {
		return Result{Allowed: true, Count: 1}
	}

	retry := l.remainingTTL(ctx, key, l.cfg.AnswerLockTTL)
	l.violation(ctx, ClassAnswer, participantID+":"+questionID, 2, 1)
	return Result{Allowed: false, RetryAfter: retry, Count: 2}
}

func (l *RedisLimiter) windowed(ctx context.Context, class Class, key, identifier string, limit int64, window time.Duration) Result {
	count, err := l.client.Incr(ctx, key).Result()
	if err != nil {
		l.logger.Error("rate limiter unavailable, allowing", "class", class, "err", err)
		return Result{Allowed: true}
	}
	if count == 1 {
		if err := l.client.Expire(ctx, key, window).Err(); err != nil {
			l.logger.Error("rate limiter expire failed", "class", class, "err", err)
		}
	}
	if count <= limit {
		return Result{Allowed: true, Count: count}
	}

	retry := l.remainingTTL(ctx, key, window)
	l.violation(ctx, class, identifier, count, limit)
	return Result{Allowed: false, RetryAfter: retry, Count: count}
}

func (l *RedisLimiter) remainingTTL(ctx context.Context, key string, fallback time.Duration) time.Duration {
	ttl, err := l.client.TTL(ctx, key).Result()
	if err != nil || ttl <= 0 {
		return fallback
	}
	return ttl
}

func (l *RedisLimiter) violation(ctx context.Context, class Class, identifier string, count, limit int64) {
	l.auditSink.Record(ctx, audit.Event{
		Kind:   audit.KindRateLimitViolation,
		Reason: string(class),
		Details: map[string]any{
			"identifier": identifier,
			"count":      count,
			"limit":      limit,
		},
	})
}

func (l *RedisLimiter) Reset(ctx context.Context, class Class, identifier string) error {
	return l.client.Del(ctx, classKey(class, identifier)).Err()
}

func (l *RedisLimiter) Inspect(ctx context.Context, class Class, identifier string) (int64, error) {
	val, err := l.client.Get(ctx, classKey(class, identifier)).Int64()
	if err == redis.Nil {
		return 0, nil
	}
	return val, err
}

func joinKey(ip string) string        { return "rl:join:" + ip }
func messageKey(socket string) string { return "rl:msg:" + socket }
func answerKey(participantID, questionID string) string {
	return fmt.Sprintf("rl:answer:%s:%s", participantID, questionID)
}

func classKey(class Class, identifier string) string {
	switch class {
	case ClassJoin:
		return joinKey(identifier)
	case ClassMessage:
		return messageKey(identifier)
	default:
		return "rl:answer:" + identifier
	}
}
