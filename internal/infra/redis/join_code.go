package redis

import (
	"context"
	"fmt"
	"math/rand"
	"time"

	"github.com/redis/go-redis/v9"

	"quizlive/internal/domain"
)

// JoinCodeStore maps human-enterable 6-character codes to session ids, with
// a TTL independent of the session record itself.
type JoinCodeStore struct {
	client *redis.Client
	ttl    time.Duration
}

func NewJoinCodeStore(client *redis.Client, ttl time.Duration) *JoinCodeStore {
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &JoinCodeStore{client: client, ttl: ttl}
}

func joinCodeKey(code string) string { return "joincode:" + code }

const codeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"

// Mint generates a fresh code and binds it to the session. A few retries
// cover the rare collision with a still-live code.
func (s *JoinCodeStore) Mint(ctx context.Context, sessionID string) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		code := s.generate()
		ok, err := s.client.SetNX(ctx, joinCodeKey(code), sessionID, s.ttl).Result()
		if err != nil {
			return "", fmt.Errorf("mint join code: %w", err)
		}
		if ok {
			return code, nil
		}
	}
	return "", fmt.Errorf("mint join code: exhausted attempts")
}

// Bind associates an externally chosen code with a session.
func (s *JoinCodeStore) Bind(ctx context.Context, code, sessionID string) error {
	if err := s.client.Set(ctx, joinCodeKey(code), sessionID, s.ttl).Err(); err != nil {
		return fmt.Errorf("bind join code %s: %w", code, err)
	}
	return nil
}

// ResolveJoinCode returns the session id a code points at.
func (s *JoinCodeStore) ResolveJoinCode(ctx context.Context, code string) (string, error) {
	sessionID, err := s.client.Get(ctx, joinCodeKey(code)).Result()
	if err == redis.Nil {
		return "", domain.ErrJoinCodeNotFound
	}
	if err != nil {
		return "", fmt.Errorf("resolve join code %s: %w", code, err)
	}
	return sessionID, nil
}

// Release frees a code, e.g. when its session ends.
func (s *JoinCodeStore) Release(ctx context.Context, code string) error {
	return s.client.Del(ctx, joinCodeKey(code)).Err()
}

// generate uses the top-level rand functions; sessions are created from
// concurrent requests and rand.Rand is not safe for concurrent use.
func (s *JoinCodeStore) generate() string {
	buf := make([]byte, 6)
	for i := range buf {
		buf[i] = codeAlphabet[rand.Intn(len(codeAlphabet))]
	}
	return string(buf)
}
