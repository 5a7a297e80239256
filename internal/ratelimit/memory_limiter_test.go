package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryJoinWindow(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(Config{JoinAttempts: 3, JoinWindow: time.Minute})

	for i := 0; i < 3; i++ {
		res := l.AllowJoin(ctx, "10.0.0.1")
		require.True(t, res.Allowed, "attempt %d should be allowed", i+1)
	}
	res := l.AllowJoin(ctx, "10.0.0.1")
	require.False(t, res.Allowed)
	require.Greater(t, res.RetryAfter, time.Duration(0))

	// A different IP keeps its own window.
	require.True(t, l.AllowJoin(ctx, "10.0.0.2").Allowed)
}

func TestMemoryJoinWindowExpires(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(Config{JoinAttempts: 1, JoinWindow: time.Minute})
	now := time.Now()
	l.clock = func() time.Time { return now }

	require.True(t, l.AllowJoin(ctx, "10.0.0.1").Allowed)
	require.False(t, l.AllowJoin(ctx, "10.0.0.1").Allowed)

	now = now.Add(61 * time.Second)
	require.True(t, l.AllowJoin(ctx, "10.0.0.1").Allowed)
}

func TestMemoryAnswerSingleShot(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(Config{})

	first := l.AllowAnswer(ctx, "p1", "q1")
	require.True(t, first.Allowed)

	second := l.AllowAnswer(ctx, "p1", "q1")
	require.False(t, second.Allowed)

	// Other question, fresh lock.
	require.True(t, l.AllowAnswer(ctx, "p1", "q2").Allowed)
}

func TestMemoryMessageBudget(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(Config{MessagesPerSec: 2})

	require.True(t, l.AllowMessage(ctx, "sock-1").Allowed)
	require.True(t, l.AllowMessage(ctx, "sock-1").Allowed)
	require.False(t, l.AllowMessage(ctx, "sock-1").Allowed)
}

func TestMemoryResetAndInspect(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(Config{JoinAttempts: 2})

	l.AllowJoin(ctx, "10.0.0.1")
	l.AllowJoin(ctx, "10.0.0.1")

	count, err := l.Inspect(ctx, ClassJoin, "10.0.0.1")
	require.NoError(t, err)
	require.EqualValues(t, 2, count)

	require.NoError(t, l.Reset(ctx, ClassJoin, "10.0.0.1"))
	count, err = l.Inspect(ctx, ClassJoin, "10.0.0.1")
	require.NoError(t, err)
	require.EqualValues(t, 0, count)
}

func TestMemorySweepDropsExpired(t *testing.T) {
	ctx := context.Background()
	l := NewMemoryLimiter(Config{JoinAttempts: 1, JoinWindow: time.Minute})
	now := time.Now()
	l.clock = func() time.Time { return now }

	l.AllowJoin(ctx, "10.0.0.1")
	now = now.Add(2 * time.Minute)
	l.Sweep()

	l.mu.Lock()
	remaining := len(l.windows)
	l.mu.Unlock()
	require.Zero(t, remaining)
}
