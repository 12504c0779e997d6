package kvstore

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/bidfabric/bidfabric/internal/log"
)

// snapshotter persists store entries as NDJSON, one entry per line. Writes
// go through a temp file and rename so a crash never leaves a torn snapshot.
type snapshotter struct {
	path string
}

func newSnapshotter(path string) *snapshotter {
	return &snapshotter{path: filepath.Clean(path)}
}

// load reads the snapshot file. A missing file is an empty store, not an
// error. Unparseable lines are skipped so one bad record cannot hold the
// whole store hostage.
func (s *snapshotter) load() ([]Entry, error) {
	f, err := os.Open(s.path) // #nosec G304 -- path comes from our own config
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open snapshot: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	skipped := 0
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			skipped++
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read snapshot: %w", err)
	}
	if skipped > 0 {
		log.Warn(log.CatStore, "skipped unparseable snapshot lines", "path", s.path, "count", skipped)
	}
	return entries, nil
}

// write rewrites the full snapshot atomically.
func (s *snapshotter) write(entries []Entry) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0750); err != nil {
		return fmt.Errorf("create snapshot directory: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".snapshot-*")
	if err != nil {
		return fmt.Errorf("create snapshot temp file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // best effort cleanup on error paths

	w := bufio.NewWriter(tmp)
	enc := json.NewEncoder(w)
	for _, e := range entries {
		if err := enc.Encode(e); err != nil {
			tmp.Close() //nolint:errcheck
			return fmt.Errorf("encode snapshot entry: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		tmp.Close() //nolint:errcheck
		return fmt.Errorf("flush snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close snapshot temp file: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}
