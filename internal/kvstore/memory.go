package kvstore

import (
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/bidfabric/bidfabric/internal/log"
)

// cleanupInterval is how often go-cache reaps expired entries.
const cleanupInterval = time.Minute

// Memory is the reference Store: one go-cache per namespace, with optional
// NDJSON snapshots for restart survival.
type Memory struct {
	mu         sync.RWMutex
	namespaces map[string]*gocache.Cache

	snap     *snapshotter
	snapDone chan struct{}
	snapOnce sync.Once
}

// MemoryOptions configures snapshot persistence for the memory store.
type MemoryOptions struct {
	// SnapshotPath is the NDJSON file location. Empty disables persistence.
	SnapshotPath string
	// SnapshotInterval is the rewrite cadence. Zero uses one minute.
	SnapshotInterval time.Duration
}

// NewMemory creates the in-memory store. When opts.SnapshotPath is set, any
// existing snapshot is loaded and a background writer rewrites the file at
// the configured interval and on Close.
func NewMemory(opts MemoryOptions) (*Memory, error) {
	m := &Memory{
		namespaces: make(map[string]*gocache.Cache),
		snapDone:   make(chan struct{}),
	}
	if opts.SnapshotPath == "" {
		return m, nil
	}

	m.snap = newSnapshotter(opts.SnapshotPath)
	entries, err := m.snap.load()
	if err != nil {
		return nil, err
	}
	now := time.Now()
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		ttl := gocache.NoExpiration
		if e.ExpiresAt > 0 {
			ttl = time.Until(time.Unix(0, e.ExpiresAt))
		}
		m.ns(e.Namespace).Set(e.Key, e.Value, ttl)
	}
	log.Info(log.CatStore, "snapshot loaded", "path", opts.SnapshotPath, "entries", len(entries))

	interval := opts.SnapshotInterval
	if interval <= 0 {
		interval = time.Minute
	}
	log.SafeGo("kvstore-snapshot", func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.snapDone:
				return
			case <-ticker.C:
				if err := m.writeSnapshot(); err != nil {
					log.ErrorErr(log.CatStore, "snapshot write failed", err)
				}
			}
		}
	})
	return m, nil
}

// ns returns the namespace cache, creating it on first use.
func (m *Memory) ns(name string) *gocache.Cache {
	m.mu.RLock()
	c, ok := m.namespaces[name]
	m.mu.RUnlock()
	if ok {
		return c
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.namespaces[name]; ok {
		return c
	}
	c = gocache.New(gocache.NoExpiration, cleanupInterval)
	m.namespaces[name] = c
	return c
}

// Set writes the value under ns/key.
func (m *Memory) Set(ns, key string, value json.RawMessage, ttl time.Duration) error {
	exp := gocache.NoExpiration
	if ttl > 0 {
		exp = ttl
	}
	// Copy so callers can reuse their buffer.
	m.ns(ns).Set(key, json.RawMessage(append([]byte(nil), value...)), exp)
	return nil
}

// Get returns the value under ns/key. go-cache filters expired entries.
func (m *Memory) Get(ns, key string) (json.RawMessage, bool, error) {
	v, ok := m.ns(ns).Get(key)
	if !ok {
		return nil, false, nil
	}
	raw, ok := v.(json.RawMessage)
	if !ok {
		log.Error(log.CatStore, "unexpected value type in store", "ns", ns, "key", key)
		return nil, false, nil
	}
	return raw, true, nil
}

// Delete removes ns/key.
func (m *Memory) Delete(ns, key string) error {
	m.ns(ns).Delete(key)
	return nil
}

// Keys lists live keys in ns with the given prefix, sorted.
func (m *Memory) Keys(ns, prefix string) ([]string, error) {
	items := m.ns(ns).Items()
	keys := make([]string, 0, len(items))
	for k := range items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// Snapshot returns all live entries in ns.
func (m *Memory) Snapshot(ns string) ([]Entry, error) {
	items := m.ns(ns).Items()
	out := make([]Entry, 0, len(items))
	for k, item := range items {
		raw, ok := item.Object.(json.RawMessage)
		if !ok {
			continue
		}
		out = append(out, Entry{Namespace: ns, Key: k, Value: raw, ExpiresAt: item.Expiration})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// Restore replaces the contents of ns with the given entries.
func (m *Memory) Restore(ns string, entries []Entry) error {
	c := m.ns(ns)
	c.Flush()
	now := time.Now()
	for _, e := range entries {
		if e.Expired(now) {
			continue
		}
		ttl := gocache.NoExpiration
		if e.ExpiresAt > 0 {
			ttl = time.Until(time.Unix(0, e.ExpiresAt))
		}
		c.Set(e.Key, json.RawMessage(append([]byte(nil), e.Value...)), ttl)
	}
	return nil
}

// writeSnapshot collects every namespace and rewrites the NDJSON file.
func (m *Memory) writeSnapshot() error {
	if m.snap == nil {
		return nil
	}
	m.mu.RLock()
	names := make([]string, 0, len(m.namespaces))
	for name := range m.namespaces {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)

	var all []Entry
	for _, name := range names {
		entries, err := m.Snapshot(name)
		if err != nil {
			return err
		}
		all = append(all, entries...)
	}
	return m.snap.write(all)
}

// Close stops the snapshot writer after a final rewrite.
func (m *Memory) Close() error {
	var err error
	m.snapOnce.Do(func() {
		close(m.snapDone)
		err = m.writeSnapshot()
	})
	return err
}

var _ Store = (*Memory)(nil)
