package perfmon

import (
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"quizlive/internal/logging"
)

func testLogger() *slog.Logger { return logging.New(io.Discard, slog.LevelError) }

func TestStatsPercentiles(t *testing.T) {
	m := New(1000, nil, testLogger())
	for i := 1; i <= 100; i++ {
		m.Record("auth", time.Duration(i)*time.Millisecond)
	}

	stats, ok := m.Stats("auth")
	require.True(t, ok)
	require.Equal(t, 100, stats.Count)
	require.Equal(t, time.Millisecond, stats.Min)
	require.Equal(t, 100*time.Millisecond, stats.Max)
	require.Equal(t, 50*time.Millisecond+500*time.Microsecond, stats.Avg)
	require.Equal(t, 50*time.Millisecond, stats.P50)
	require.Equal(t, 95*time.Millisecond, stats.P95)
	require.Equal(t, 99*time.Millisecond, stats.P99)
}

func TestStatsUnknownCategory(t *testing.T) {
	m := New(0, nil, testLogger())
	_, ok := m.Stats("nothing")
	require.False(t, ok)
}

func TestRingBufferEvictsOldest(t *testing.T) {
	m := New(4, nil, testLogger())
	for i := 1; i <= 6; i++ {
		m.Record("dispatch", time.Duration(i)*time.Millisecond)
	}

	stats, ok := m.Stats("dispatch")
	require.True(t, ok)
	require.Equal(t, 4, stats.Count)
	// Samples 1 and 2 rolled off.
	require.Equal(t, 3*time.Millisecond, stats.Min)
	require.Equal(t, 6*time.Millisecond, stats.Max)
}

func TestRecordFiresImmediateAlert(t *testing.T) {
	var alerts []Alert
	m := New(0, func(a Alert) { alerts = append(alerts, a) }, testLogger())
	m.SetThresholds("auth", Thresholds{Warning: 10 * time.Millisecond, Critical: 50 * time.Millisecond})

	m.Record("auth", 5*time.Millisecond)
	require.Empty(t, alerts)

	m.Record("auth", 20*time.Millisecond)
	require.Len(t, alerts, 1)
	require.Equal(t, "warning", alerts[0].Level)

	m.Record("auth", 80*time.Millisecond)
	require.Len(t, alerts, 2)
	require.Equal(t, "critical", alerts[1].Level)
}

func TestSweepAlertsOnP95(t *testing.T) {
	var alerts []Alert
	m := New(0, func(a Alert) { alerts = append(alerts, a) }, testLogger())
	m.SetThresholds("dispatch", Thresholds{Warning: 40 * time.Millisecond})

	for i := 0; i < 95; i++ {
		m.Record("dispatch", 10*time.Millisecond)
	}
	for i := 0; i < 6; i++ {
		m.Record("dispatch", 45*time.Millisecond)
	}

	// Immediate alerts fired per slow sample; the sweep re-raises from the
	// window's p95 even with no new traffic.
	alerts = alerts[:0]
	m.Sweep()
	require.NotEmpty(t, alerts)
	require.True(t, alerts[0].P95)
	require.Equal(t, "warning", alerts[0].Level)
}

func TestMeasureRecords(t *testing.T) {
	m := New(0, nil, testLogger())
	m.Measure("work", func() {})

	stats, ok := m.Stats("work")
	require.True(t, ok)
	require.Equal(t, 1, stats.Count)
}
