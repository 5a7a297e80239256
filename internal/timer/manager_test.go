package timer

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"quizlive/internal/domain"
	"quizlive/internal/fanout"
	"quizlive/internal/infra/memory"
	"quizlive/internal/logging"
)

func testLogger() *slog.Logger { return logging.New(io.Discard, slog.LevelError) }

func newTestManager(t *testing.T, interval time.Duration) (*Manager, *fanout.Hub, *memory.SessionStore) {
	t.Helper()
	hub := fanout.NewHub()
	bus := fanout.NewLocalBus(hub)
	store := memory.NewSessionStore()
	if err := store.SaveSession(context.Background(), domain.Session{SessionID: "s1"}); err != nil {
		t.Fatalf("seed session: %v", err)
	}
	return NewManager(bus, store, testLogger(), WithInterval(interval)), hub, store
}

func TestExpiryFiresExactlyOnce(t *testing.T) {
	m, _, _ := newTestManager(t, 10*time.Millisecond)

	var fired int32
	done := make(chan struct{}, 1)
	m.Start(context.Background(), "s1", "q1", 30*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
		done <- struct{}{}
	})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("expiry never fired")
	}
	time.Sleep(100 * time.Millisecond)
	if n := atomic.LoadInt32(&fired); n != 1 {
		t.Fatalf("expected exactly one expiry, got %d", n)
	}
	if m.Live() != 0 {
		t.Fatalf("expected countdown removed after expiry")
	}
}

func TestLateExpiryCleanupKeepsReplacement(t *testing.T) {
	m, _, _ := newTestManager(t, 10*time.Second)
	ctx := context.Background()

	first := m.Start(ctx, "s1", "q1", time.Hour, nil)
	second := m.Start(ctx, "s1", "q1", time.Hour, nil)

	// A replaced countdown whose final cycle is already past its stop check
	// still runs its cleanup; that cleanup must not evict the replacement.
	m.removeIfCurrent(timerKey("s1", "q1"), first)
	got, ok := m.Get("s1", "q1")
	if !ok || got != second {
		t.Fatalf("replacement evicted by stale cleanup")
	}

	m.removeIfCurrent(timerKey("s1", "q1"), second)
	if m.Live() != 0 {
		t.Fatalf("expected current countdown removed by its own cleanup")
	}
	second.Stop()
}

func TestTickBroadcastsToAllAudiences(t *testing.T) {
	// Long interval: only the immediate tick fires during the test.
	m, hub, _ := newTestManager(t, 10*time.Second)

	ticks := make(chan string, 3)
	for _, channel := range fanout.SessionChannels("s1") {
		ch := channel
		hub.Subscribe(ch, "sock-"+ch, func(env fanout.Envelope) {
			if env.Event == domain.EventTimerTick {
				ticks <- string(env.Payload)
			}
		})
	}

	m.Start(context.Background(), "s1", "q1", 5*time.Second, nil)
	defer m.Stop("s1", "q1")

	payloads := make([]string, 0, 3)
	for i := 0; i < 3; i++ {
		select {
		case p := <-ticks:
			payloads = append(payloads, p)
		case <-time.After(2 * time.Second):
			t.Fatalf("missing tick on audience channel %d", i)
		}
	}
	if payloads[0] != payloads[1] || payloads[1] != payloads[2] {
		t.Fatalf("audience payloads differ: %v", payloads)
	}

	var tick domain.TimerTick
	if err := json.Unmarshal([]byte(payloads[0]), &tick); err != nil {
		t.Fatalf("payload: %v", err)
	}
	if tick.QuestionID != "q1" || tick.RemainingSeconds != 5 || tick.ServerTime == 0 {
		t.Fatalf("unexpected tick %+v", tick)
	}
}

func TestPausePreservesDeadline(t *testing.T) {
	m, _, _ := newTestManager(t, 10*time.Second)

	cd := m.Start(context.Background(), "s1", "q1", time.Hour, nil)
	defer m.Stop("s1", "q1")
	deadline := cd.EndTime()

	if !m.Pause("s1", "q1") {
		t.Fatalf("pause should find the countdown")
	}
	if cd.CurrentState() != StatePaused {
		t.Fatalf("expected paused, got %s", cd.CurrentState())
	}
	if !cd.EndTime().Equal(deadline) {
		t.Fatalf("pause must not move the deadline")
	}

	if !m.Resume("s1", "q1") {
		t.Fatalf("resume should find the countdown")
	}
	if cd.CurrentState() != StateRunning {
		t.Fatalf("expected running, got %s", cd.CurrentState())
	}
	if !cd.EndTime().Equal(deadline) {
		t.Fatalf("resume must not move the deadline")
	}
}

func TestResetIssuesFreshDeadline(t *testing.T) {
	m, _, store := newTestManager(t, 10*time.Second)
	ctx := context.Background()

	first := m.Start(ctx, "s1", "q1", time.Minute, nil)
	firstDeadline := first.EndTime()

	second := m.Reset(ctx, "s1", "q1", time.Hour, nil)
	defer m.Stop("s1", "q1")
	if !second.EndTime().After(firstDeadline) {
		t.Fatalf("reset deadline should be later than the original")
	}
	if m.Live() != 1 {
		t.Fatalf("expected one live countdown, got %d", m.Live())
	}

	session, err := store.GetSession(ctx, "s1")
	if err != nil {
		t.Fatalf("get session: %v", err)
	}
	if session.TimerEndTime != second.EndTime().UnixMilli() {
		t.Fatalf("persisted end time out of sync: %d vs %d", session.TimerEndTime, second.EndTime().UnixMilli())
	}
}

func TestStopSuppressesExpiry(t *testing.T) {
	m, _, _ := newTestManager(t, 5*time.Millisecond)

	var fired int32
	m.Start(context.Background(), "s1", "q1", 40*time.Millisecond, func() {
		atomic.AddInt32(&fired, 1)
	})
	m.Stop("s1", "q1")

	time.Sleep(100 * time.Millisecond)
	if atomic.LoadInt32(&fired) != 0 {
		t.Fatalf("stopped countdown must not fire expiry")
	}
	if m.Live() != 0 {
		t.Fatalf("expected no live countdowns")
	}
}

func TestStopAllForSession(t *testing.T) {
	m, _, _ := newTestManager(t, 10*time.Second)
	ctx := context.Background()

	m.Start(ctx, "s1", "q1", time.Hour, nil)
	m.Start(ctx, "s1", "q2", time.Hour, nil)
	m.Start(ctx, "s2", "q1", time.Hour, nil)

	m.StopAllForSession("s1")
	if m.Live() != 1 {
		t.Fatalf("expected only the s2 countdown left, got %d", m.Live())
	}
	if _, ok := m.Get("s2", "q1"); !ok {
		t.Fatalf("s2 countdown should survive")
	}
	m.StopAllForSession("s2")
}

func TestStartReplacesExisting(t *testing.T) {
	m, _, _ := newTestManager(t, 10*time.Second)
	ctx := context.Background()

	first := m.Start(ctx, "s1", "q1", time.Hour, nil)
	second := m.Start(ctx, "s1", "q1", time.Hour, nil)
	defer m.Stop("s1", "q1")

	if first == second {
		t.Fatalf("expected a fresh countdown instance")
	}
	if first.CurrentState() != StateStopped {
		t.Fatalf("replaced countdown should be stopped, got %s", first.CurrentState())
	}
	if m.Live() != 1 {
		t.Fatalf("expected one live countdown, got %d", m.Live())
	}
}
