// Package perfmon samples operation latencies into bounded rolling windows
// and raises two-tier threshold alerts.
package perfmon

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Thresholds is a two-tier latency budget for one category.
type Thresholds struct {
	Warning  time.Duration
	Critical time.Duration
}

// Alert is raised when a sample or the category p95 crosses a threshold.
type Alert struct {
	Category string
	Level    string // "warning" or "critical"
	Value    time.Duration
	P95      bool // true when raised by the periodic sweep
	At       time.Time
}

// Stats summarizes one category's current window.
type Stats struct {
	Count int
	Min   time.Duration
	Max   time.Duration
	Avg   time.Duration
	P50   time.Duration
	P95   time.Duration
	P99   time.Duration
}

// Monitor holds one bounded sample window per named category. Oldest samples
// are evicted on overflow so memory stays bounded under sustained load.
type Monitor struct {
	capacity int
	onAlert  func(Alert)
	logger   *slog.Logger
	clock    func() time.Time

	mu         sync.RWMutex
	windows    map[string]*window
	thresholds map[string]Thresholds
}

type window struct {
	samples []time.Duration
	next    int
	full    bool
}

func New(capacity int, onAlert func(Alert), logger *slog.Logger) *Monitor {
	if capacity <= 0 {
		capacity = 1000
	}
	return &Monitor{
		capacity:   capacity,
		onAlert:    onAlert,
		logger:     logger.With("component", "perfmon"),
		clock:      time.Now,
		windows:    make(map[string]*window),
		thresholds: make(map[string]Thresholds),
	}
}

// SetThresholds installs the two-tier budget for a category.
func (m *Monitor) SetThresholds(category string, t Thresholds) {
	m.mu.Lock()
	m.thresholds[category] = t
	m.mu.Unlock()
}

// Record stores one latency sample and checks it against the category's
// thresholds immediately.
func (m *Monitor) Record(category string, d time.Duration) {
	m.mu.Lock()
	w, ok := m.windows[category]
	if !ok {
		w = &window{samples: make([]time.Duration, m.capacity)}
		m.windows[category] = w
	}
	w.samples[w.next] = d
	w.next = (w.next + 1) % m.capacity
	if w.next == 0 {
		w.full = true
	}
	t, hasThresholds := m.thresholds[category]
	m.mu.Unlock()

	if !hasThresholds {
		return
	}
	switch {
	case t.Critical > 0 && d >= t.Critical:
		m.alert(Alert{Category: category, Level: "critical", Value: d, At: m.clock()})
	case t.Warning > 0 && d >= t.Warning:
		m.alert(Alert{Category: category, Level: "warning", Value: d, At: m.clock()})
	}
}

// Measure times fn and records the elapsed latency under category.
func (m *Monitor) Measure(category string, fn func()) {
	start := m.clock()
	fn()
	m.Record(category, m.clock().Sub(start))
}

// Stats computes min/max/avg and nearest-rank percentiles over the window.
func (m *Monitor) Stats(category string) (Stats, bool) {
	m.mu.RLock()
	w, ok := m.windows[category]
	if !ok {
		m.mu.RUnlock()
		return Stats{}, false
	}
	sorted := w.sorted()
	m.mu.RUnlock()

	if len(sorted) == 0 {
		return Stats{}, false
	}

	var total time.Duration
	for _, d := range sorted {
		total += d
	}
	return Stats{
		Count: len(sorted),
		Min:   sorted[0],
		Max:   sorted[len(sorted)-1],
		Avg:   total / time.Duration(len(sorted)),
		P50:   nearestRank(sorted, 50),
		P95:   nearestRank(sorted, 95),
		P99:   nearestRank(sorted, 99),
	}, true
}

// Sweep re-evaluates each category's p95 against its thresholds; a window can
// drift past budget even when no single sample just crossed it.
func (m *Monitor) Sweep() {
	m.mu.RLock()
	categories := make([]string, 0, len(m.windows))
	for c := range m.windows {
		categories = append(categories, c)
	}
	m.mu.RUnlock()

	for _, category := range categories {
		stats, ok := m.Stats(category)
		if !ok {
			continue
		}
		m.mu.RLock()
		t, hasThresholds := m.thresholds[category]
		m.mu.RUnlock()
		if !hasThresholds {
			continue
		}
		switch {
		case t.Critical > 0 && stats.P95 >= t.Critical:
			m.alert(Alert{Category: category, Level: "critical", Value: stats.P95, P95: true, At: m.clock()})
		case t.Warning > 0 && stats.P95 >= t.Warning:
			m.alert(Alert{Category: category, Level: "warning", Value: stats.P95, P95: true, At: m.clock()})
		}
	}
}

// Run sweeps on an interval until ctx is canceled.
func (m *Monitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep()
		}
	}
}

func (m *Monitor) alert(a Alert) {
	m.logger.Warn("latency threshold crossed",
		"category", a.Category, "level", a.Level, "value", a.Value, "p95", a.P95)
	if m.onAlert != nil {
		m.onAlert(a)
	}
}

func (w *window) sorted() []time.Duration {
	n := w.next
	if w.full {
		n = len(w.samples)
	}
	out := make([]time.Duration, n)
	copy(out, w.samples[:n])
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// nearestRank picks the pth percentile from an ascending slice.
func nearestRank(sorted []time.Duration, p int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (p*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
