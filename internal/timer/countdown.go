// Package timer runs the server-authoritative per-question countdowns.
// Remaining time is always derived from an absolute end time, never
// decremented, so ticks cannot accumulate drift.
package timer

import (
	"context"
	"log/slog"
	"math"
	"sync"
	"time"

	"quizlive/internal/domain"
	"quizlive/internal/fanout"
)

// State of one countdown instance.
type State string

const (
	StateRunning State = "running"
	StatePaused  State = "paused"
	StateStopped State = "stopped"
	StateExpired State = "expired"
)

// Countdown is one live timer for a (session, question) pair.
type Countdown struct {
	sessionID  string
	questionID string
	interval   time.Duration
	clock      func() time.Time
	publish    func(domain.TimerTick)
	onExpire   func()
	logger     *slog.Logger

	mu      sync.Mutex
	endTime time.Time
	state   State
	quit    chan struct{}
	fired   bool
}

func newCountdown(sessionID, questionID string, interval time.Duration, clock func() time.Time, publish func(domain.TimerTick), onExpire func(), logger *slog.Logger) *Countdown {
	return &Countdown{
		sessionID:  sessionID,
		questionID: questionID,
		interval:   interval,
		clock:      clock,
		publish:    publish,
		onExpire:   onExpire,
		logger:     logger,
		state:      StateStopped,
	}
}

func (c *Countdown) start(limit time.Duration) time.Time {
	c.mu.Lock()
	c.endTime = c.clock().Add(limit)
	c.state = StateRunning
	c.fired = false
	quit := make(chan struct{})
	c.quit = quit
	c.mu.Unlock()

	go c.run(quit)
	return c.EndTime()
}

// Pause halts the tick loop without touching the end time.
func (c *Countdown) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateRunning {
		return
	}
	c.state = StatePaused
	close(c.quit)
	c.quit = nil
}

// Resume restarts ticking toward the original end time. Pausing does not
// extend the deadline; time spent paused still counts against it.
func (c *Countdown) Resume() {
	c.mu.Lock()
	if c.state != StatePaused {
		c.mu.Unlock()
		return
	}
	c.state = StateRunning
	quit := make(chan struct{})
	c.quit = quit
	c.mu.Unlock()

	go c.run(quit)
}

// Stop terminates the countdown without firing the expiry callback.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stopLocked(StateStopped)
}

func (c *Countdown) stopLocked(next State) {
	if c.state == StateStopped || c.state == StateExpired {
		return
	}
	if c.quit != nil {
		close(c.quit)
		c.quit = nil
	}
	c.state = next
}

// EndTime returns the absolute deadline.
func (c *Countdown) EndTime() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.endTime
}

// Remaining is the authoritative remaining duration, clamped at zero.
func (c *Countdown) Remaining() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	remaining := c.endTime.Sub(c.clock())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CurrentState reports the instance state.
func (c *Countdown) CurrentState() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Countdown) run(quit chan struct{}) {
	// One tick immediately, then on the interval.
	if c.tick(quit) {
		return
	}
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if c.tick(quit) {
				return
			}
		}
	}
}

// tick broadcasts the remaining time; returns true when the countdown
// reached zero and terminated.
func (c *Countdown) tick(quit chan struct{}) bool {
	c.mu.Lock()
	if c.state != StateRunning || c.quit != quit {
		c.mu.Unlock()
		return true
	}
	now := c.clock()
	remaining := c.endTime.Sub(now)
	if remaining < 0 {
		remaining = 0
	}
	secs := int(math.Ceil(remaining.Seconds()))
	expired := secs == 0
	if expired {
		c.stopLocked(StateExpired)
		c.fired = true
	}
	tick := domain.TimerTick{
		QuestionID:       c.questionID,
		RemainingSeconds: secs,
		ServerTime:       now.UnixMilli(),
	}
	c.mu.Unlock()

	c.publish(tick)

	if expired {
		c.fireExpiry()
	}
	return expired
}

// fireExpiry runs the expiry callback exactly once; failures are contained.
func (c *Countdown) fireExpiry() {
	if c.onExpire == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("expiry callback panicked",
				"sessionId", c.sessionID, "questionId", c.questionID, "panic", r)
		}
	}()
	c.onExpire()
}

// publishTick builds the broadcast closure for a countdown: the same payload
// goes to the participants, big screen and controller channels in one cycle.
func publishTick(bus fanout.Bus, sessionID string, logger *slog.Logger) func(domain.TimerTick) {
	return func(tick domain.TimerTick) {
		ctx := context.Background()
		for _, channel := range fanout.SessionChannels(sessionID) {
			if err := bus.Publish(ctx, channel, domain.EventTimerTick, tick); err != nil {
				// Transient broadcast errors never tear down the loop.
				logger.Error("tick publish failed", "channel", channel, "err", err)
			}
		}
	}
}
