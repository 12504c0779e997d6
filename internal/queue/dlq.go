package queue

import (
	"sync"
	"time"

	"github.com/bidfabric/bidfabric/internal/envelope"
	"github.com/bidfabric/bidfabric/internal/faults"
)

// DefaultDLQMax bounds each destination's dead-letter queue; the oldest
// entry is evicted first when the bound is hit.
const DefaultDLQMax = 1000

// DeadLetter is an envelope whose delivery exhausted retries, held for
// operator inspection. Dead-lettered messages are never retried
// automatically; operators may re-submit them.
type DeadLetter struct {
	Envelope  *envelope.Envelope `json:"envelope"`
	Reason    string             `json:"reason"`
	LastError string             `json:"last_error"`
	Attempts  int                `json:"attempts"`
	History   []faults.Attempt   `json:"history,omitempty"`
	At        time.Time          `json:"at"`
}

// DeadLetterStore holds dead letters per destination, bounded per queue.
type DeadLetterStore struct {
	mu      sync.RWMutex
	entries map[string][]DeadLetter
	max     int
	total   uint64
}

// NewDeadLetterStore creates a store. max <= 0 uses DefaultDLQMax.
func NewDeadLetterStore(max int) *DeadLetterStore {
	if max <= 0 {
		max = DefaultDLQMax
	}
	return &DeadLetterStore{
		entries: make(map[string][]DeadLetter),
		max:     max,
	}
}

// Add records a dead letter for the envelope's destination, returning any
// entries evicted by the per-destination bound so callers mirroring the
// store elsewhere can drop them too.
func (s *DeadLetterStore) Add(dl DeadLetter) []DeadLetter {
	if dl.At.IsZero() {
		dl.At = time.Now()
	}
	dest := dl.Envelope.Recipient

	s.mu.Lock()
	defer s.mu.Unlock()
	list := append(s.entries[dest], dl)
	var evicted []DeadLetter
	if len(list) > s.max {
		evicted = append(evicted, list[:len(list)-s.max]...)
		list = list[len(list)-s.max:]
	}
	s.entries[dest] = list
	s.total++
	return evicted
}

// For returns a copy of the destination's dead letters, oldest first.
func (s *DeadLetterStore) For(dest string) []DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeadLetter, len(s.entries[dest]))
	copy(out, s.entries[dest])
	return out
}

// Find returns the dead letter holding the given original message id.
func (s *DeadLetterStore) Find(messageID string) (DeadLetter, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, list := range s.entries {
		for _, dl := range list {
			if dl.Envelope.MessageID == messageID {
				return dl, true
			}
		}
	}
	return DeadLetter{}, false
}

// Remove deletes the dead letter with the given message id, returning it.
// Used by operator re-submission.
func (s *DeadLetterStore) Remove(messageID string) (DeadLetter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for dest, list := range s.entries {
		for i, dl := range list {
			if dl.Envelope.MessageID == messageID {
				s.entries[dest] = append(list[:i:i], list[i+1:]...)
				return dl, true
			}
		}
	}
	return DeadLetter{}, false
}

// List returns every held dead letter across destinations, oldest first per
// destination.
func (s *DeadLetterStore) List() []DeadLetter {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]DeadLetter, 0)
	for _, list := range s.entries {
		out = append(out, list...)
	}
	return out
}

// Count returns the number of currently held dead letters.
func (s *DeadLetterStore) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, list := range s.entries {
		n += len(list)
	}
	return n
}

// Total returns the number of dead letters ever recorded, including evicted.
func (s *DeadLetterStore) Total() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.total
}
