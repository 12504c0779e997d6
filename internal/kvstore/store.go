// Package kvstore provides the namespaced key-value state store backing
// workflow snapshots, audit trails, agent state, and dead letters. Two
// backends implement the same contract: an in-memory store with NDJSON
// snapshots, and a SQLite store for durable single-writer deployments.
package kvstore

import (
	"encoding/json"
	"time"
)

// Well-known namespaces.
const (
	NSWorkflows  = "workflows"
	NSAudit      = "workflows/audit"
	NSAgentState = "agents/state"
	NSDeadLetter = "dlq"
)

// NoTTL marks entries that never expire.
const NoTTL time.Duration = 0

// Entry is one stored record, as carried by Snapshot and Restore.
type Entry struct {
	Namespace string          `json:"ns"`
	Key       string          `json:"k"`
	Value     json.RawMessage `json:"v"`
	// ExpiresAt is unix nanos; zero means no expiry.
	ExpiresAt int64 `json:"exp,omitempty"`
}

// Expired reports whether the entry's TTL has elapsed at now.
func (e Entry) Expired(now time.Time) bool {
	return e.ExpiresAt > 0 && now.UnixNano() > e.ExpiresAt
}

// Store is the namespaced KV contract. Values are opaque JSON documents.
// TTLs are honored at read time; backends may also reap lazily.
type Store interface {
	// Set writes the value under ns/key. ttl of NoTTL means no expiry.
	Set(ns, key string, value json.RawMessage, ttl time.Duration) error
	// Get returns the value under ns/key, or ok=false when absent or expired.
	Get(ns, key string) (json.RawMessage, bool, error)
	// Delete removes ns/key. Deleting an absent key is not an error.
	Delete(ns, key string) error
	// Keys lists live keys in ns with the given prefix, sorted.
	Keys(ns, prefix string) ([]string, error)
	// Snapshot returns all live entries in ns.
	Snapshot(ns string) ([]Entry, error)
	// Restore replaces the contents of ns with the given entries.
	Restore(ns string, entries []Entry) error
	// Close releases backend resources.
	Close() error
}

// SetJSON marshals v and stores it under ns/key.
func SetJSON(s Store, ns, key string, v any, ttl time.Duration) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.Set(ns, key, raw, ttl)
}

// GetJSON reads ns/key into out. Returns ok=false when the key is absent.
func GetJSON(s Store, ns, key string, out any) (bool, error) {
	raw, ok, err := s.Get(ns, key)
	if err != nil || !ok {
		return false, err
	}
	return true, json.Unmarshal(raw, out)
}
