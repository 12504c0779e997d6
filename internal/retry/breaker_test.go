package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bidfabric/bidfabric/internal/faults"
)

func testBreakerSet(threshold int, cooldown time.Duration) *BreakerSet {
	return NewBreakerSet(BreakerConfig{
		FailureThreshold: threshold,
		Cooldown:         cooldown,
		CooldownCap:      8 * cooldown,
	})
}

func TestBreaker_OpensAtThreshold(t *testing.T) {
	s := testBreakerSet(3, time.Minute)

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Allow("pricing-1"))
		s.RecordFailure("pricing-1")
	}
	require.Equal(t, BreakerClosed, s.State("pricing-1"))

	s.RecordFailure("pricing-1")
	require.Equal(t, BreakerOpen, s.State("pricing-1"))

	err := s.Allow("pricing-1")
	require.Error(t, err)
	require.True(t, faults.IsKind(err, faults.BreakerOpen))
}

func TestBreaker_SuccessResetsFailureCount(t *testing.T) {
	s := testBreakerSet(3, time.Minute)

	s.RecordFailure("a")
	s.RecordFailure("a")
	s.RecordSuccess("a")
	s.RecordFailure("a")
	s.RecordFailure("a")
	require.Equal(t, BreakerClosed, s.State("a"), "interleaved success keeps the streak below threshold")
}

func TestBreaker_DestinationsAreIndependent(t *testing.T) {
	s := testBreakerSet(1, time.Minute)

	s.RecordFailure("dead")
	require.Equal(t, BreakerOpen, s.State("dead"))
	require.NoError(t, s.Allow("alive"))
}

func TestBreaker_HalfOpenSingleProbe(t *testing.T) {
	s := testBreakerSet(1, 40*time.Millisecond)

	s.RecordFailure("b")
	require.Error(t, s.Allow("b"), "open rejects immediately")

	time.Sleep(60 * time.Millisecond)

	require.NoError(t, s.Allow("b"), "cooldown elapsed, one probe admitted")
	require.Equal(t, BreakerHalfOpen, s.State("b"))

	err := s.Allow("b")
	require.Error(t, err, "second caller is rejected while the probe is in flight")
	require.True(t, faults.IsKind(err, faults.BreakerOpen))

	s.RecordSuccess("b")
	require.Equal(t, BreakerClosed, s.State("b"))
	require.NoError(t, s.Allow("b"))
}

func TestBreaker_FailedProbeDoublesCooldown(t *testing.T) {
	s := testBreakerSet(1, 40*time.Millisecond)

	s.RecordFailure("c")
	time.Sleep(60 * time.Millisecond)
	require.NoError(t, s.Allow("c"))

	// The probe fails: re-open with the cooldown doubled to 80ms.
	s.RecordFailure("c")
	require.Equal(t, BreakerOpen, s.State("c"))
	require.Error(t, s.Allow("c"))

	time.Sleep(50 * time.Millisecond)
	require.Error(t, s.Allow("c"), "original cooldown is no longer enough")

	time.Sleep(50 * time.Millisecond)
	require.NoError(t, s.Allow("c"), "doubled cooldown elapsed")
}

func TestBreaker_Snapshots(t *testing.T) {
	s := testBreakerSet(1, time.Minute)
	s.RecordFailure("x")
	require.NoError(t, s.Allow("y"))
	s.RecordSuccess("y")

	snaps := s.Snapshots()
	require.Len(t, snaps, 2)
	byDest := make(map[string]BreakerSnapshot, len(snaps))
	for _, sn := range snaps {
		byDest[sn.Destination] = sn
	}
	require.Equal(t, BreakerOpen, byDest["x"].State)
	require.False(t, byDest["x"].NextProbeAt.IsZero())
	require.Equal(t, BreakerClosed, byDest["y"].State)
	require.Equal(t, 1, byDest["y"].SuccessCount)
}
