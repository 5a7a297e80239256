// Package guard applies CPU/memory-based admission control ahead of
// authentication. Sampling failures always fail open: monitoring must never
// become an outage vector.
package guard

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"quizlive/internal/audit"
)

// Levels of load pressure.
const (
	LevelOK       = "ok"
	LevelWarning  = "warning"
	LevelCritical = "critical"
)

// Decision is the guard's verdict for one connection attempt.
type Decision struct {
	Allow      bool
	Level      string
	RetryAfter time.Duration
	CPUPercent float64
	MemPercent float64
}

// Config sets the two-tier thresholds.
type Config struct {
	Enabled        bool
	WarnCPUPercent float64 // default 70
	CriticalCPU    float64 // default 90
	WarnMemPercent float64 // default 75
	CriticalMem    float64 // default 90
	RetryAfter     time.Duration // default 30s
	SampleInterval time.Duration // default 5s
}

func (c Config) withDefaults() Config {
	if c.WarnCPUPercent <= 0 {
		c.WarnCPUPercent = 70
	}
	if c.CriticalCPU <= 0 {
		c.CriticalCPU = 90
	}
	if c.WarnMemPercent <= 0 {
		c.WarnMemPercent = 75
	}
	if c.CriticalMem <= 0 {
		c.CriticalMem = 90
	}
	if c.RetryAfter <= 0 {
		c.RetryAfter = 30 * time.Second
	}
	if c.SampleInterval <= 0 {
		c.SampleInterval = 5 * time.Second
	}
	return c
}

// Sampler reads current CPU and memory utilization in percent.
type Sampler func() (cpuPct, memPct float64, err error)

// GopsutilSampler reads host utilization via gopsutil.
//
// Containerized deployments should verify these numbers reflect cgroup
// limits rather than the host before enabling hard rejection; memory in
// particular can read artificially high inside a constrained environment.
func GopsutilSampler() (float64, float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil {
		return 0, 0, err
	}
	cpuPct := 0.0
	if len(percents) > 0 {
		cpuPct = percents[0]
	}
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0, 0, err
	}
	return cpuPct, vm.UsedPercent, nil
}

// Guard caches one sample per interval so per-connection checks stay cheap.
type Guard struct {
	cfg       Config
	sampler   Sampler
	auditSink audit.Sink
	logger    *slog.Logger
	clock     func() time.Time

	mu        sync.Mutex
	lastAt    time.Time
	lastCPU   float64
	lastMem   float64
	lastError error
}

func New(cfg Config, sampler Sampler, auditSink audit.Sink, logger *slog.Logger) *Guard {
	if sampler == nil {
		sampler = GopsutilSampler
	}
	return &Guard{
		cfg:       cfg.withDefaults(),
		sampler:   sampler,
		auditSink: auditSink,
		logger:    logger.With("component", "guard"),
		clock:     time.Now,
	}
}

// Check decides whether to admit a new connection.
func (g *Guard) Check(ctx context.Context, remoteAddr string) Decision {
	if !g.cfg.Enabled {
		return Decision{Allow: true, Level: LevelOK}
	}

	cpuPct, memPct, err := g.sample()
	if err != nil {
		g.logger.Warn("resource sampling failed, admitting", "err", err)
		return Decision{Allow: true, Level: LevelOK}
	}

	d := Decision{Allow: true, Level: LevelOK, CPUPercent: cpuPct, MemPercent: memPct}
	switch {
	case cpuPct >= g.cfg.CriticalCPU || memPct >= g.cfg.CriticalMem:
		d.Allow = false
		d.Level = LevelCritical
		d.RetryAfter = g.cfg.RetryAfter
		g.logger.Warn("rejecting connection under critical load",
			"cpu", cpuPct, "mem", memPct, "remoteAddr", remoteAddr)
		g.auditSink.Record(ctx, audit.Event{
			Kind:       audit.KindAdmissionRejected,
			RemoteAddr: remoteAddr,
			Reason:     LevelCritical,
			Details:    map[string]any{"cpu": cpuPct, "mem": memPct},
		})
	case cpuPct >= g.cfg.WarnCPUPercent || memPct >= g.cfg.WarnMemPercent:
		d.Level = LevelWarning
		g.logger.Warn("admitting connection under elevated load",
			"cpu", cpuPct, "mem", memPct, "remoteAddr", remoteAddr)
	}
	return d
}

func (g *Guard) sample() (float64, float64, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.clock()
	if now.Sub(g.lastAt) < g.cfg.SampleInterval {
		return g.lastCPU, g.lastMem, g.lastError
	}
	cpuPct, memPct, err := g.sampler()
	g.lastAt = now
	g.lastCPU, g.lastMem, g.lastError = cpuPct, memPct, err
	return cpuPct, memPct, err
}
