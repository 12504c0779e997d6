package retry

import (
	"sync"
	"time"

	"github.com/bidfabric/bidfabric/internal/faults"
)

// BreakerState is the circuit state for one destination.
type BreakerState string

const (
	BreakerClosed   BreakerState = "closed"
	BreakerOpen     BreakerState = "open"
	BreakerHalfOpen BreakerState = "half_open"
)

// BreakerConfig tunes the per-destination circuit breakers.
type BreakerConfig struct {
	// FailureThreshold opens the breaker after this many consecutive failures.
	FailureThreshold int
	// Cooldown is the initial open-state duration before a probe is allowed.
	Cooldown time.Duration
	// CooldownCap bounds the exponentially extended cooldown.
	CooldownCap time.Duration
}

// DefaultBreakerConfig mirrors the configuration defaults.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		FailureThreshold: 5,
		Cooldown:         5 * time.Second,
		CooldownCap:      60 * time.Second,
	}
}

// BreakerSnapshot is a point-in-time view of one destination's breaker.
type BreakerSnapshot struct {
	Destination  string       `json:"destination"`
	State        BreakerState `json:"state"`
	FailureCount int          `json:"failure_count"`
	SuccessCount int          `json:"success_count"`
	OpenedAt     time.Time    `json:"opened_at,omitempty"`
	NextProbeAt  time.Time    `json:"next_probe_at,omitempty"`
}

// breaker holds one destination's circuit state. Guarded by its own mutex so
// destinations fail independently.
type breaker struct {
	mu           sync.Mutex
	state        BreakerState
	failureCount int
	successCount int
	openedAt     time.Time
	nextProbeAt  time.Time
	cooldown     time.Duration
	probing      bool
	cfg          BreakerConfig
}

// Allow decides whether a send may proceed. In the open state calls fail
// immediately until the cooldown elapses; then exactly one probe is admitted
// (half-open) until its outcome is recorded.
func (b *breaker) Allow(dest string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case BreakerOpen:
		if time.Now().Before(b.nextProbeAt) {
			return faults.New(faults.BreakerOpen, "destination %s is circuit-open until %s", dest, b.nextProbeAt.Format(time.RFC3339)).WithDestination(dest)
		}
		b.state = BreakerHalfOpen
		b.probing = true
		return nil
	case BreakerHalfOpen:
		if b.probing {
			return faults.New(faults.BreakerOpen, "destination %s is half-open with a probe in flight", dest).WithDestination(dest)
		}
		b.probing = true
		return nil
	default:
		return nil
	}
}

// RecordSuccess resets the breaker toward closed.
func (b *breaker) RecordSuccess() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.successCount++
	b.probing = false
	if b.state == BreakerHalfOpen {
		b.state = BreakerClosed
		b.cooldown = b.cfg.Cooldown
	}
	b.failureCount = 0
}

// RecordFailure counts a failure; at the threshold the breaker opens. A
// failed half-open probe re-opens with the cooldown doubled, capped.
func (b *breaker) RecordFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.failureCount++
	wasProbe := b.state == BreakerHalfOpen
	b.probing = false

	if wasProbe {
		b.cooldown *= 2
		if b.cooldown > b.cfg.CooldownCap {
			b.cooldown = b.cfg.CooldownCap
		}
		b.open()
		return
	}
	if b.state == BreakerClosed && b.failureCount >= b.cfg.FailureThreshold {
		b.cooldown = b.cfg.Cooldown
		b.open()
	}
}

func (b *breaker) open() {
	b.state = BreakerOpen
	b.openedAt = time.Now()
	b.nextProbeAt = b.openedAt.Add(b.cooldown)
}

func (b *breaker) snapshot(dest string) BreakerSnapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return BreakerSnapshot{
		Destination:  dest,
		State:        b.state,
		FailureCount: b.failureCount,
		SuccessCount: b.successCount,
		OpenedAt:     b.openedAt,
		NextProbeAt:  b.nextProbeAt,
	}
}

// BreakerSet manages one breaker per destination, created lazily.
type BreakerSet struct {
	mu       sync.RWMutex
	breakers map[string]*breaker
	cfg      BreakerConfig
}

// NewBreakerSet creates a breaker set with the given config.
func NewBreakerSet(cfg BreakerConfig) *BreakerSet {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = DefaultBreakerConfig().FailureThreshold
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = DefaultBreakerConfig().Cooldown
	}
	if cfg.CooldownCap <= 0 {
		cfg.CooldownCap = DefaultBreakerConfig().CooldownCap
	}
	return &BreakerSet{
		breakers: make(map[string]*breaker),
		cfg:      cfg,
	}
}

func (s *BreakerSet) get(dest string) *breaker {
	s.mu.RLock()
	b, ok := s.breakers[dest]
	s.mu.RUnlock()
	if ok {
		return b
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[dest]; ok {
		return b
	}
	b = &breaker{state: BreakerClosed, cooldown: s.cfg.Cooldown, cfg: s.cfg}
	s.breakers[dest] = b
	return b
}

// Allow checks the destination's breaker before a send.
func (s *BreakerSet) Allow(dest string) error {
	return s.get(dest).Allow(dest)
}

// RecordSuccess records a successful round-trip to the destination.
func (s *BreakerSet) RecordSuccess(dest string) {
	s.get(dest).RecordSuccess()
}

// RecordFailure records a failed round-trip to the destination.
func (s *BreakerSet) RecordFailure(dest string) {
	s.get(dest).RecordFailure()
}

// State returns the destination's current breaker state.
func (s *BreakerSet) State(dest string) BreakerState {
	return s.get(dest).snapshot(dest).State
}

// Snapshots returns a view of every known breaker.
func (s *BreakerSet) Snapshots() []BreakerSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]BreakerSnapshot, 0, len(s.breakers))
	for dest, b := range s.breakers {
		out = append(out, b.snapshot(dest))
	}
	return out
}
