package memory

import (
	"context"
	"testing"
	"time"

	"quizlive/internal/domain"
)

func TestSessionStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewSessionStore()

	if _, err := store.GetSession(ctx, "ghost"); err != domain.ErrSessionNotFound {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}

	if err := store.SaveSession(ctx, domain.Session{SessionID: "s1", State: domain.StateLobby}); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := store.UpdateState(ctx, "s1", domain.StateActiveQuestion); err != nil {
		t.Fatalf("update: %v", err)
	}
	if err := store.SetCurrentQuestion(ctx, "s1", 1); err != nil {
		t.Fatalf("set question: %v", err)
	}
	count, err := store.IncrParticipantCount(ctx, "s1", 2)
	if err != nil || count != 2 {
		t.Fatalf("incr: %d %v", count, err)
	}

	got, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.State != domain.StateActiveQuestion || got.CurrentQuestionIndex != 1 || got.ParticipantCount != 2 {
		t.Fatalf("unexpected session %+v", got)
	}

	if err := store.DeleteSession(ctx, "s1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.GetSession(ctx, "s1"); err != domain.ErrSessionNotFound {
		t.Fatalf("expected session gone, got %v", err)
	}
}

func TestParticipantStoreFlags(t *testing.T) {
	ctx := context.Background()
	store := NewParticipantStore()

	_ = store.SaveParticipant(ctx, domain.Participant{ParticipantID: "p1", SessionID: "s1", Nickname: "Alice"})

	if err := store.SetBanned(ctx, "s1", "p1", true); err != nil {
		t.Fatalf("ban: %v", err)
	}
	if err := store.SetActive(ctx, "s1", "p1", true); err != nil {
		t.Fatalf("activate: %v", err)
	}
	got, err := store.GetParticipant(ctx, "s1", "p1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !got.IsBanned || !got.IsActive {
		t.Fatalf("flags lost: %+v", got)
	}

	if err := store.SetBanned(ctx, "s1", "ghost", true); err != domain.ErrParticipantNotFound {
		t.Fatalf("expected ErrParticipantNotFound, got %v", err)
	}
}

func TestLeaderboardOrdering(t *testing.T) {
	ctx := context.Background()
	lb := NewLeaderboard()

	_ = lb.UpdateScore(ctx, "s1", domain.LeaderboardEntry{ParticipantID: "p1", Score: 100, TotalTimeMs: 5000})
	_ = lb.UpdateScore(ctx, "s1", domain.LeaderboardEntry{ParticipantID: "p2", Score: 200, TotalTimeMs: 9000})
	_ = lb.UpdateScore(ctx, "s1", domain.LeaderboardEntry{ParticipantID: "p3", Score: 150, TotalTimeMs: 2000})

	top, err := lb.TopK(ctx, "s1", 10)
	if err != nil {
		t.Fatalf("topk: %v", err)
	}
	want := []string{"p2", "p3", "p1"}
	for i := range want {
		if top[i].ParticipantID != want[i] {
			t.Fatalf("rank %d: want %s, got %s", i+1, want[i], top[i].ParticipantID)
		}
		if top[i].Rank != i+1 {
			t.Fatalf("rank field: want %d, got %d", i+1, top[i].Rank)
		}
	}
}

func TestLeaderboardTieBreak(t *testing.T) {
	ctx := context.Background()
	lb := NewLeaderboard()

	_ = lb.UpdateScore(ctx, "s1", domain.LeaderboardEntry{ParticipantID: "slow", Score: 100, TotalTimeMs: 9000})
	_ = lb.UpdateScore(ctx, "s1", domain.LeaderboardEntry{ParticipantID: "fast", Score: 100, TotalTimeMs: 2000})

	top, _ := lb.TopK(ctx, "s1", 2)
	if top[0].ParticipantID != "fast" {
		t.Fatalf("expected faster participant first, got %s", top[0].ParticipantID)
	}
}

func TestAnswerBufferFlushClears(t *testing.T) {
	ctx := context.Background()
	buf := NewAnswerBuffer()

	_ = buf.Append(ctx, domain.Answer{SessionID: "s1", ParticipantID: "p1", QuestionID: "q1"})
	_ = buf.Append(ctx, domain.Answer{SessionID: "s1", ParticipantID: "p2", QuestionID: "q1"})

	n, _ := buf.Len(ctx, "s1")
	if n != 2 {
		t.Fatalf("expected 2 buffered, got %d", n)
	}

	answers, err := buf.Flush(ctx, "s1")
	if err != nil || len(answers) != 2 {
		t.Fatalf("flush: %d %v", len(answers), err)
	}
	if answers[0].ParticipantID != "p1" {
		t.Fatalf("order lost: %+v", answers)
	}

	answers, _ = buf.Flush(ctx, "s1")
	if len(answers) != 0 {
		t.Fatalf("expected empty second flush")
	}
}

func TestJoinCodeStore(t *testing.T) {
	ctx := context.Background()
	store := NewJoinCodeStore(time.Minute)

	code, err := store.Mint(ctx, "s1")
	if err != nil || len(code) != 6 {
		t.Fatalf("mint: %q %v", code, err)
	}
	sessionID, err := store.ResolveJoinCode(ctx, code)
	if err != nil || sessionID != "s1" {
		t.Fatalf("resolve: %q %v", sessionID, err)
	}
	if err := store.Release(ctx, code); err != nil {
		t.Fatalf("release: %v", err)
	}
	if _, err := store.ResolveJoinCode(ctx, code); err != domain.ErrJoinCodeNotFound {
		t.Fatalf("expected code released, got %v", err)
	}
}
