package redis

import (
	"context"
	"testing"
	"time"

	"quizlive/internal/domain"
)

func TestAnswerBufferPreservesOrder(t *testing.T) {
	ctx := context.Background()
	mr, client := newTestRedis(t)
	buf := NewAnswerBuffer(client, time.Minute)

	base := time.Now().Truncate(time.Millisecond)
	for i, pid := range []string{"p1", "p2", "p3"} {
		err := buf.Append(ctx, domain.Answer{
			AnswerID:      pid + "-a",
			SessionID:     "s1",
			ParticipantID: pid,
			QuestionID:    "q1",
			SubmittedAt:   base.Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("append: %v", err)
		}
	}
	if mr.TTL("session:s1:answers") <= 0 {
		t.Fatalf("expected TTL on buffer key")
	}

	n, err := buf.Len(ctx, "s1")
	if err != nil || n != 3 {
		t.Fatalf("len: %d %v", n, err)
	}

	answers, err := buf.Flush(ctx, "s1")
	if err != nil {
		t.Fatalf("flush: %v", err)
	}
	if len(answers) != 3 {
		t.Fatalf("expected 3 answers, got %d", len(answers))
	}
	for i, pid := range []string{"p1", "p2", "p3"} {
		if answers[i].ParticipantID != pid {
			t.Fatalf("position %d: want %s, got %s", i, pid, answers[i].ParticipantID)
		}
	}

	// Flush cleared the list.
	if mr.Exists("session:s1:answers") {
		t.Fatalf("expected buffer key removed after flush")
	}
	answers, err = buf.Flush(ctx, "s1")
	if err != nil || len(answers) != 0 {
		t.Fatalf("expected empty second flush, got %d %v", len(answers), err)
	}
}
