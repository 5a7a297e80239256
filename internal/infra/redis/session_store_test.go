package redis

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"quizlive/internal/domain"
)

func newTestRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return mr, redis.NewClient(&redis.Options{Addr: mr.Addr()})
}

func TestSessionStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewSessionStore(client, nil, time.Minute)

	created := time.Now().Truncate(time.Millisecond)
	session := domain.Session{
		SessionID:            "s1",
		QuizID:               "quiz-1",
		JoinCode:             "ABC234",
		State:                domain.StateActiveQuestion,
		CurrentQuestionIndex: 2,
		ParticipantCount:     7,
		AllowLateJoiners:     true,
		TimerEndTime:         created.Add(30 * time.Second).UnixMilli(),
		CreatedAt:            created,
	}
	if err := store.SaveSession(ctx, session); err != nil {
		t.Fatalf("save: %v", err)
	}
	if !mr.Exists("session:s1:state") {
		t.Fatalf("expected session hash key")
	}
	if mr.TTL("session:s1:state") <= 0 {
		t.Fatalf("expected TTL on session key")
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.QuizID != session.QuizID || got.State != session.State ||
		got.CurrentQuestionIndex != 2 || got.ParticipantCount != 7 ||
		!got.AllowLateJoiners || got.TimerEndTime != session.TimerEndTime {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestSessionStoreFieldUpdates(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewSessionStore(client, nil, time.Minute)

	if err := store.SaveSession(ctx, domain.Session{SessionID: "s1", State: domain.StateLobby}); err != nil {
		t.Fatalf("save: %v", err)
	}

	if err := store.UpdateState(ctx, "s1", domain.StateReveal); err != nil {
		t.Fatalf("update state: %v", err)
	}
	if err := store.SetCurrentQuestion(ctx, "s1", 4); err != nil {
		t.Fatalf("set question: %v", err)
	}
	if err := store.SetAllowLateJoiners(ctx, "s1", true); err != nil {
		t.Fatalf("set late joiners: %v", err)
	}
	count, err := store.IncrParticipantCount(ctx, "s1", 3)
	if err != nil || count != 3 {
		t.Fatalf("incr count: %d %v", count, err)
	}
	count, _ = store.IncrParticipantCount(ctx, "s1", -1)
	if count != 2 {
		t.Fatalf("decr count: %d", count)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.StateReveal || got.CurrentQuestionIndex != 4 || !got.AllowLateJoiners || got.ParticipantCount != 2 {
		t.Fatalf("updates lost: %+v", got)
	}
}

func TestSessionStoreMissWithoutFallback(t *testing.T) {
	ctx := context.Background()
	_, client := newTestRedis(t)
	store := NewSessionStore(client, nil, time.Minute)

	if _, err := store.GetSession(ctx, "missing"); err != domain.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

type stubSessionFallback struct {
	session domain.Session
	err     error
	calls   int
}

func (s *stubSessionFallback) FindSession(context.Context, string) (domain.Session, error) {
	s.calls++
	return s.session, s.err
}

func TestSessionStoreFallbackBackfills(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	fb := &stubSessionFallback{session: domain.Session{SessionID: "s1", QuizID: "quiz-1", State: domain.StateLobby}}
	store := NewSessionStore(client, fb, time.Minute)

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.QuizID != "quiz-1" {
		t.Fatalf("fallback record expected, got %+v", got)
	}
	if !mr.Exists("session:s1:state") {
		t.Fatalf("expected cache backfill")
	}

	// Second read is served from the cache.
	if _, err := store.GetSession(ctx, "s1"); err != nil {
		t.Fatalf("get: %v", err)
	}
	if fb.calls != 1 {
		t.Fatalf("expected one fallback call, got %d", fb.calls)
	}
}

func TestSessionStoreDelete(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	store := NewSessionStore(client, nil, time.Minute)

	_ = store.SaveSession(ctx, domain.Session{SessionID: "s1"})
	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if mr.Exists("session:s1:state") {
		t.Fatalf("expected key removed")
	}
}
