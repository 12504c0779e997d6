package workflow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestHistogram_Observe(t *testing.T) {
	h := NewHistogram(16)

	require.Equal(t, DurationStats{}, h.Stats("pricing"), "empty key yields zeros")
	require.Equal(t, 0.0, h.P95("pricing"))

	for i := 1; i <= 10; i++ {
		h.Observe("pricing", time.Duration(i)*10*time.Millisecond)
	}

	stats := h.Stats("pricing")
	require.Equal(t, 10, stats.Count)
	require.Equal(t, 100.0, stats.MaxMs)
	require.Equal(t, 50.0, stats.P50Ms)
	require.Equal(t, 100.0, stats.P95Ms)
	require.Equal(t, 100.0, h.P95("pricing"))
}

func TestHistogram_WindowTrims(t *testing.T) {
	h := NewHistogram(4)
	for i := 1; i <= 8; i++ {
		h.Observe("k", time.Duration(i)*time.Millisecond)
	}

	stats := h.Stats("k")
	require.Equal(t, 4, stats.Count, "only the newest window survives")
	require.Equal(t, 8.0, stats.MaxMs)
	require.Equal(t, 6.0, stats.P50Ms, "old samples are gone")
}

func TestHistogram_Snapshot(t *testing.T) {
	h := NewHistogram(0) // default window
	h.Observe("stage/pricing", 10*time.Millisecond)
	h.Observe("agent/pricing-1", 20*time.Millisecond)

	snap := h.Snapshot()
	require.Len(t, snap, 2)
	require.Equal(t, 1, snap["stage/pricing"].Count)
	require.Equal(t, 20.0, snap["agent/pricing-1"].MaxMs)
}
