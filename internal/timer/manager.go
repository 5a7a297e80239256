package timer

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"time"

	"quizlive/internal/fanout"
)

// EndTimeWriter persists the authoritative deadline so other processes and
// reconnecting clients can recompute remaining time.
type EndTimeWriter interface {
	SetTimerEndTime(ctx context.Context, sessionID string, endTime int64) error
}

// Manager owns every live countdown, indexed by sessionID:questionID. One
// live instance per key; starting over an existing key replaces it.
type Manager struct {
	bus      fanout.Bus
	store    EndTimeWriter
	logger   *slog.Logger
	interval time.Duration
	clock    func() time.Time

	mu     sync.Mutex
	timers map[string]*Countdown
}

// Option tweaks Manager construction; used by tests to compress time.
type Option func(*Manager)

// WithInterval overrides the 1-second tick interval.
func WithInterval(d time.Duration) Option {
	return func(m *Manager) { m.interval = d }
}

// WithClock overrides the time source.
func WithClock(clock func() time.Time) Option {
	return func(m *Manager) { m.clock = clock }
}

func NewManager(bus fanout.Bus, store EndTimeWriter, logger *slog.Logger, opts ...Option) *Manager {
	m := &Manager{
		bus:      bus,
		store:    store,
		logger:   logger.With("component", "timer"),
		interval: time.Second,
		clock:    time.Now,
		timers:   make(map[string]*Countdown),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches a countdown for (sessionID, questionID), replacing any live
// instance for the same key. The deadline is persisted before ticking begins;
// persistence failures are logged and the countdown runs anyway.
func (m *Manager) Start(ctx context.Context, sessionID, questionID string, limit time.Duration, onExpire func()) *Countdown {
	key := timerKey(sessionID, questionID)

	m.mu.Lock()
	if existing, ok := m.timers[key]; ok {
		existing.Stop()
	}
	var cd *Countdown
	cd = newCountdown(
		sessionID, questionID, m.interval, m.clock,
		publishTick(m.bus, sessionID, m.logger),
		func() {
			defer m.removeIfCurrent(key, cd)
			if onExpire != nil {
				onExpire()
			}
		},
		m.logger,
	)
	m.timers[key] = cd
	m.mu.Unlock()

	endTime := m.clock().Add(limit)
	if err := m.store.SetTimerEndTime(ctx, sessionID, endTime.UnixMilli()); err != nil {
		m.logger.Error("persist timer end time failed",
			"sessionId", sessionID, "questionId", questionID, "err", err)
	}

	cd.start(limit)
	return cd
}

// Reset stops the current instance and starts over with a fresh deadline
// exactly limit from now.
func (m *Manager) Reset(ctx context.Context, sessionID, questionID string, limit time.Duration, onExpire func()) *Countdown {
	m.Stop(sessionID, questionID)
	return m.Start(ctx, sessionID, questionID, limit, onExpire)
}

// Pause suspends the countdown for a key, if one is live.
func (m *Manager) Pause(sessionID, questionID string) bool {
	cd, ok := m.Get(sessionID, questionID)
	if !ok {
		return false
	}
	cd.Pause()
	return true
}

// Resume restarts a paused countdown.
func (m *Manager) Resume(sessionID, questionID string) bool {
	cd, ok := m.Get(sessionID, questionID)
	if !ok {
		return false
	}
	cd.Resume()
	return true
}

// Stop terminates the countdown for a key without firing expiry.
func (m *Manager) Stop(sessionID, questionID string) {
	key := timerKey(sessionID, questionID)
	m.mu.Lock()
	cd, ok := m.timers[key]
	if ok {
		delete(m.timers, key)
	}
	m.mu.Unlock()
	if ok {
		cd.Stop()
	}
}

// StopAllForSession tears down every countdown belonging to a session.
func (m *Manager) StopAllForSession(sessionID string) {
	prefix := sessionID + ":"
	m.mu.Lock()
	var stopped []*Countdown
	for key, cd := range m.timers {
		if strings.HasPrefix(key, prefix) {
			stopped = append(stopped, cd)
			delete(m.timers, key)
		}
	}
	m.mu.Unlock()
	for _, cd := range stopped {
		cd.Stop()
	}
}

// Get returns the live countdown for a key.
func (m *Manager) Get(sessionID, questionID string) (*Countdown, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cd, ok := m.timers[timerKey(sessionID, questionID)]
	return cd, ok
}

// Live reports how many countdowns are currently indexed.
func (m *Manager) Live() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.timers)
}

// removeIfCurrent drops the index entry only while it still points at cd. A
// replaced countdown's late expiry must not evict its successor.
func (m *Manager) removeIfCurrent(key string, cd *Countdown) {
	m.mu.Lock()
	if m.timers[key] == cd {
		delete(m.timers, key)
	}
	m.mu.Unlock()
}

func timerKey(sessionID, questionID string) string {
	return sessionID + ":" + questionID
}
