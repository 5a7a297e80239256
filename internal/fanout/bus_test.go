package fanout

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"quizlive/internal/logging"
)

func testLogger() *slog.Logger { return logging.New(io.Discard, slog.LevelError) }

func TestLocalBusPublish(t *testing.T) {
	hub := NewHub()
	bus := NewLocalBus(hub)
	ctx := context.Background()

	received := make(chan Envelope, 1)
	bus.Subscribe(ctx, "session:s1:participants", "sock-1", func(env Envelope) { received <- env })

	if err := bus.Publish(ctx, "session:s1:participants", "quiz_started", map[string]string{"sessionId": "s1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}

	select {
	case env := <-received:
		if env.Event != "quiz_started" {
			t.Fatalf("expected quiz_started, got %s", env.Event)
		}
	default:
		t.Fatalf("expected synchronous local delivery")
	}

	count, _ := bus.GlobalCount(ctx, "session:s1:participants")
	if count != 1 {
		t.Fatalf("expected count 1, got %d", count)
	}
}

func TestRedisBusPublishDelivers(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	hub := NewHub()
	bus := NewRedisBus(client, hub, testLogger())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go bus.Run(ctx)

	received := make(chan Envelope, 1)
	bus.Subscribe(ctx, "session:s1:participants", "sock-1", func(env Envelope) { received <- env })

	// The consumer loop attaches asynchronously; retry until the publish
	// lands or we give up.
	deadline := time.After(5 * time.Second)
	for {
		if err := bus.Publish(ctx, "session:s1:participants", "timer_tick", map[string]int{"remainingSeconds": 9}); err != nil {
			t.Fatalf("publish: %v", err)
		}
		select {
		case env := <-received:
			if env.Event != "timer_tick" {
				t.Fatalf("expected timer_tick, got %s", env.Event)
			}
			var payload struct {
				RemainingSeconds int `json:"remainingSeconds"`
			}
			if err := json.Unmarshal(env.Payload, &payload); err != nil {
				t.Fatalf("payload: %v", err)
			}
			if payload.RemainingSeconds != 9 {
				t.Fatalf("expected 9 remaining, got %d", payload.RemainingSeconds)
			}
			return
		case <-time.After(50 * time.Millisecond):
		case <-deadline:
			t.Fatalf("no delivery through redis bus")
		}
	}
}

func TestRedisBusGlobalCount(t *testing.T) {
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("run miniredis: %v", err)
	}
	defer mr.Close()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})

	hub := NewHub()
	bus := NewRedisBus(client, hub, testLogger())
	ctx := context.Background()

	bus.Subscribe(ctx, "c1", "sock-1", func(Envelope) {})
	bus.Subscribe(ctx, "c1", "sock-2", func(Envelope) {})

	count, err := bus.GlobalCount(ctx, "c1")
	if err != nil {
		t.Fatalf("global count: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2, got %d", count)
	}

	bus.UnsubscribeAll(ctx, "sock-1")
	count, _ = bus.GlobalCount(ctx, "c1")
	if count != 1 {
		t.Fatalf("expected 1 after unsubscribe, got %d", count)
	}

	// Never visited channel reads zero, not an error.
	count, err = bus.GlobalCount(ctx, "nowhere")
	if err != nil || count != 0 {
		t.Fatalf("expected zero count, got %d err %v", count, err)
	}
}
