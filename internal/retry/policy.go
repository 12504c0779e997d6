// Package retry provides the backoff strategies and per-destination circuit
// breaker used by the fabric's send-and-await path.
package retry

import (
	"math"
	"math/rand"
	"time"

	"github.com/bidfabric/bidfabric/internal/envelope"
)

// Strategy names.
const (
	StrategyImmediate   = "immediate"
	StrategyLinear      = "linear"
	StrategyExponential = "exponential"
	StrategyFibonacci   = "fibonacci"
)

// Defaults applied when a policy omits parameters.
const (
	DefaultMaxAttempts = 3
	DefaultBaseMs      = 100
	DefaultStepMs      = 100
	DefaultFactor      = 2.0
	DefaultCapMs       = 30000
)

// jitterFraction is the ±20% jitter applied to exponential delays.
const jitterFraction = 0.2

// Backoff computes the wait before each retry attempt.
type Backoff interface {
	// Delay returns the wait before attempt n (1-based; attempt 1 is the
	// first retry after the initial failure).
	Delay(attempt int) time.Duration
	// MaxAttempts is the total attempt bound, including the first try.
	MaxAttempts() int
}

// FromPolicy builds a Backoff from an envelope's embedded retry policy.
// A nil policy yields the given default strategy with default parameters.
func FromPolicy(rp *envelope.RetryPolicy, defaultStrategy string) Backoff {
	if rp == nil {
		rp = &envelope.RetryPolicy{Strategy: defaultStrategy}
	}
	max := rp.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	base := rp.BaseMs
	if base <= 0 {
		base = DefaultBaseMs
	}
	step := rp.StepMs
	if step <= 0 {
		step = DefaultStepMs
	}
	factor := rp.Factor
	if factor <= 0 {
		factor = DefaultFactor
	}
	cap := rp.CapMs
	if cap <= 0 {
		cap = DefaultCapMs
	}

	switch rp.Strategy {
	case StrategyImmediate:
		return immediate{max: max}
	case StrategyLinear:
		return linear{max: max, step: msDur(step)}
	case StrategyFibonacci:
		return fibonacci{max: max, base: msDur(base), cap: msDur(cap)}
	default:
		return exponential{max: max, base: msDur(base), factor: factor, cap: msDur(cap)}
	}
}

func msDur(ms int) time.Duration {
	return time.Duration(ms) * time.Millisecond
}

type immediate struct {
	max int
}

func (i immediate) Delay(int) time.Duration { return 0 }
func (i immediate) MaxAttempts() int        { return i.max }

type linear struct {
	max  int
	step time.Duration
}

// Delay for linear: attempt n waits n * step.
func (l linear) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(attempt) * l.step
}

func (l linear) MaxAttempts() int { return l.max }

type exponential struct {
	max    int
	base   time.Duration
	factor float64
	cap    time.Duration
}

// Delay for exponential: min(cap, base * factor^(n-1)) with ±20% jitter.
func (e exponential) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	raw := float64(e.base) * math.Pow(e.factor, float64(attempt-1))
	if raw > float64(e.cap) {
		raw = float64(e.cap)
	}
	jitter := 1 + jitterFraction*(2*rand.Float64()-1) //nolint:gosec // G404: jitter does not need crypto randomness
	return time.Duration(raw * jitter)
}

func (e exponential) MaxAttempts() int { return e.max }

type fibonacci struct {
	max  int
	base time.Duration
	cap  time.Duration
}

// Delay for fibonacci: min(cap, fib(n) * base).
func (f fibonacci) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := time.Duration(fib(attempt)) * f.base
	if d > f.cap {
		return f.cap
	}
	return d
}

func (f fibonacci) MaxAttempts() int { return f.max }

// fib returns the nth Fibonacci number with fib(1) = fib(2) = 1.
func fib(n int) int64 {
	if n <= 2 {
		return 1
	}
	a, b := int64(1), int64(1)
	for i := 3; i <= n; i++ {
		a, b = b, a+b
	}
	return b
}
