package ratelimit

import (
	"context"
	"sync"
	"time"
)

// MemoryLimiter is the in-process fallback used when Redis is not configured.
// Limits then only bind per gateway process.
type MemoryLimiter struct {
	cfg   Config
	clock func() time.Time

	mu      sync.Mutex
	windows map[string]*window
}

type window struct {
	count     int64
	expiresAt time.Time
}

func NewMemoryLimiter(cfg Config) *MemoryLimiter {
	return &MemoryLimiter{
		cfg:     cfg.WithDefaults(),
		clock:   time.Now,
		windows: make(map[string]*window),
	}
}

func (l *MemoryLimiter) AllowJoin(_ context.Context, ip string) Result {
	return l.windowed(joinKey(ip), int64(l.cfg.JoinAttempts), l.cfg.JoinWindow)
}

func (l *MemoryLimiter) AllowMessage(_ context.Context, socketID string) Result {
	return l.windowed(messageKey(socketID), int64(l.cfg.MessagesPerSec), time.Second)
}

func (l *MemoryLimiter) AllowAnswer(_ context.Context, participantID, questionID string) Result {
	return l.windowed(answerKey(participantID, questionID), 1, l.cfg.AnswerLockTTL)
}

func (l *MemoryLimiter) windowed(key string, limit int64, ttl time.Duration) Result {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clock()
	w, ok := l.windows[key]
	if !ok || now.After(w.expiresAt) {
		w = &window{expiresAt: now.Add(ttl)}
		l.windows[key] = w
	}
	w.count++
	if w.count <= limit {
		return Result{Allowed: true, Count: w.count}
	}
	return Result{Allowed: false, RetryAfter: w.expiresAt.Sub(now), Count: w.count}
}

func (l *MemoryLimiter) Reset(_ context.Context, class Class, identifier string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.windows, classKey(class, identifier))
	return nil
}

func (l *MemoryLimiter) Inspect(_ context.Context, class Class, identifier string) (int64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	w, ok := l.windows[classKey(class, identifier)]
	if !ok || l.clock().After(w.expiresAt) {
		return 0, nil
	}
	return w.count, nil
}

// Sweep drops expired windows; call periodically to bound memory.
func (l *MemoryLimiter) Sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.clock()
	for key, w := range l.windows {
		if now.After(w.expiresAt) {
			delete(l.windows, key)
		}
	}
}
