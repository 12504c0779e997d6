package kvstore

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newSQLite(t *testing.T) *SQLite {
	t.Helper()
	s, err := NewSQLiteInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSQLite_SetGetDelete(t *testing.T) {
	s := newSQLite(t)

	require.NoError(t, s.Set(NSWorkflows, "wf-1", json.RawMessage(`{"status":"running"}`), NoTTL))

	raw, ok, err := s.Get(NSWorkflows, "wf-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"status":"running"}`, string(raw))

	// Upsert overwrites.
	require.NoError(t, s.Set(NSWorkflows, "wf-1", json.RawMessage(`{"status":"completed"}`), NoTTL))
	raw, ok, err = s.Get(NSWorkflows, "wf-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"status":"completed"}`, string(raw))

	require.NoError(t, s.Delete(NSWorkflows, "wf-1"))
	_, ok, err = s.Get(NSWorkflows, "wf-1")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, s.Delete(NSWorkflows, "absent"))
}

func TestSQLite_TTLReapedAtRead(t *testing.T) {
	s := newSQLite(t)
	require.NoError(t, s.Set(NSAgentState, "k", json.RawMessage(`1`), 20*time.Millisecond))

	_, ok, err := s.Get(NSAgentState, "k")
	require.NoError(t, err)
	require.True(t, ok)

	time.Sleep(40 * time.Millisecond)

	_, ok, err = s.Get(NSAgentState, "k")
	require.NoError(t, err)
	require.False(t, ok)

	keys, err := s.Keys(NSAgentState, "")
	require.NoError(t, err)
	require.Empty(t, keys)
}

func TestSQLite_KeysPrefixSorted(t *testing.T) {
	s := newSQLite(t)
	for _, k := range []string{"wf-2:00000001", "wf-1:00000002", "wf-1:00000001"} {
		require.NoError(t, s.Set(NSAudit, k, json.RawMessage(`{}`), NoTTL))
	}

	keys, err := s.Keys(NSAudit, "wf-1:")
	require.NoError(t, err)
	require.Equal(t, []string{"wf-1:00000001", "wf-1:00000002"}, keys)
}

func TestSQLite_SnapshotRestore(t *testing.T) {
	s := newSQLite(t)
	require.NoError(t, s.Set(NSWorkflows, "a", json.RawMessage(`1`), NoTTL))
	require.NoError(t, s.Set(NSWorkflows, "b", json.RawMessage(`2`), NoTTL))

	entries, err := s.Snapshot(NSWorkflows)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	require.Equal(t, "a", entries[0].Key)

	require.NoError(t, s.Set(NSWorkflows, "stale", json.RawMessage(`0`), NoTTL))
	require.NoError(t, s.Restore(NSWorkflows, entries))

	_, ok, _ := s.Get(NSWorkflows, "stale")
	require.False(t, ok, "restore replaces the namespace")
	raw, ok, _ := s.Get(NSWorkflows, "b")
	require.True(t, ok)
	require.Equal(t, "2", string(raw))
}

func TestSQLite_FileBacked(t *testing.T) {
	path := filepath.Join(t.TempDir(), "data", "state.db")

	s, err := NewSQLite(path)
	require.NoError(t, err)
	require.NoError(t, s.Set(NSWorkflows, "wf-1", json.RawMessage(`{"n":1}`), NoTTL))
	require.NoError(t, s.Close())

	reopened, err := NewSQLite(path)
	require.NoError(t, err)
	defer reopened.Close()

	raw, ok, err := reopened.Get(NSWorkflows, "wf-1")
	require.NoError(t, err)
	require.True(t, ok)
	require.JSONEq(t, `{"n":1}`, string(raw))
}

func TestSQLite_JSONHelpers(t *testing.T) {
	s := newSQLite(t)

	type rec struct {
		Seq int `json:"seq"`
	}
	require.NoError(t, SetJSON(s, NSAudit, "wf:00000001", rec{Seq: 1}, NoTTL))

	var got rec
	ok, err := GetJSON(s, NSAudit, "wf:00000001", &got)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, 1, got.Seq)
}
