package retry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/bidfabric/bidfabric/internal/envelope"
)

func TestFromPolicy_NilUsesDefaults(t *testing.T) {
	b := FromPolicy(nil, StrategyLinear)
	require.Equal(t, DefaultMaxAttempts, b.MaxAttempts())
	require.Equal(t, 100*time.Millisecond, b.Delay(1))
}

func TestFromPolicy_UnknownStrategyFallsBackToExponential(t *testing.T) {
	b := FromPolicy(&envelope.RetryPolicy{Strategy: "bogus", MaxAttempts: 2}, "bogus")
	require.Equal(t, 2, b.MaxAttempts())
	// Exponential delays carry jitter; just check the first retry is near base.
	d := b.Delay(1)
	require.GreaterOrEqual(t, d, 80*time.Millisecond)
	require.LessOrEqual(t, d, 120*time.Millisecond)
}

func TestImmediate(t *testing.T) {
	b := FromPolicy(&envelope.RetryPolicy{Strategy: StrategyImmediate, MaxAttempts: 5}, "")
	require.Equal(t, 5, b.MaxAttempts())
	for i := 1; i <= 5; i++ {
		require.Equal(t, time.Duration(0), b.Delay(i))
	}
}

func TestLinear(t *testing.T) {
	b := FromPolicy(&envelope.RetryPolicy{Strategy: StrategyLinear, MaxAttempts: 4, StepMs: 50}, "")
	require.Equal(t, 50*time.Millisecond, b.Delay(1))
	require.Equal(t, 100*time.Millisecond, b.Delay(2))
	require.Equal(t, 150*time.Millisecond, b.Delay(3))
	require.Equal(t, 50*time.Millisecond, b.Delay(0), "attempts below 1 clamp to 1")
}

func TestFibonacci(t *testing.T) {
	b := FromPolicy(&envelope.RetryPolicy{Strategy: StrategyFibonacci, MaxAttempts: 6, BaseMs: 100}, "")
	want := []time.Duration{
		100 * time.Millisecond, // fib(1)=1
		100 * time.Millisecond, // fib(2)=1
		200 * time.Millisecond, // fib(3)=2
		300 * time.Millisecond, // fib(4)=3
		500 * time.Millisecond, // fib(5)=5
	}
	for i, w := range want {
		require.Equal(t, w, b.Delay(i+1), "attempt %d", i+1)
	}
}

func TestFibonacci_Cap(t *testing.T) {
	b := FromPolicy(&envelope.RetryPolicy{Strategy: StrategyFibonacci, MaxAttempts: 10, BaseMs: 100, CapMs: 250}, "")
	require.Equal(t, 250*time.Millisecond, b.Delay(4))
	require.Equal(t, 250*time.Millisecond, b.Delay(9))
}

func TestExponential_JitterBounds(t *testing.T) {
	b := FromPolicy(&envelope.RetryPolicy{Strategy: StrategyExponential, MaxAttempts: 5, BaseMs: 100, Factor: 2}, "")
	// Raw delays are 100, 200, 400ms; jitter is ±20%.
	for attempt, raw := range map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
	} {
		for i := 0; i < 50; i++ {
			d := b.Delay(attempt)
			require.GreaterOrEqual(t, d, raw*8/10, "attempt %d", attempt)
			require.LessOrEqual(t, d, raw*12/10, "attempt %d", attempt)
		}
	}
}

func TestExponential_Cap(t *testing.T) {
	b := FromPolicy(&envelope.RetryPolicy{Strategy: StrategyExponential, MaxAttempts: 10, BaseMs: 100, Factor: 2, CapMs: 300}, "")
	for i := 0; i < 50; i++ {
		d := b.Delay(8)
		require.LessOrEqual(t, d, 360*time.Millisecond, "capped raw plus jitter")
	}
}
