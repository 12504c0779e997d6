package workflow

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"github.com/bidfabric/bidfabric/internal/log"
)

// reloadDebounce coalesces bursts of filesystem events (editors write
// multiple times per save) into one reload.
const reloadDebounce = 200 * time.Millisecond

// Library holds the loaded templates: builtins from the embedded FS plus
// user templates from an optional directory, with hot reload on change.
type Library struct {
	dir string

	mu        sync.RWMutex
	templates map[string]*Template

	watcher   *fsnotify.Watcher
	closeOnce sync.Once
	done      chan struct{}
}

// NewLibrary loads builtin templates and, when dir is non-empty, overlays the
// user templates found there and watches the directory for changes.
func NewLibrary(dir string) (*Library, error) {
	l := &Library{
		dir:       dir,
		templates: make(map[string]*Template),
		done:      make(chan struct{}),
	}
	if err := l.reload(); err != nil {
		return nil, err
	}
	if dir != "" {
		if err := l.watch(); err != nil {
			// Hot reload is a convenience; a missing watcher never blocks boot.
			log.Warn(log.CatEngine, "template watch unavailable", "dir", dir, "err", err)
		}
	}
	return l, nil
}

// Get returns the template by id.
func (l *Library) Get(id string) (*Template, bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	t, ok := l.templates[id]
	return t, ok
}

// List returns all templates sorted by id.
func (l *Library) List() []*Template {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]*Template, 0, len(l.templates))
	for _, t := range l.templates {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TemplateID < out[j].TemplateID })
	return out
}

// Select picks the template for a submitted document: an explicit template_id
// wins, then the first matching selection predicate (by template id order),
// then the standard default.
func (l *Library) Select(doc map[string]any, explicitID string) (*Template, error) {
	if explicitID != "" {
		t, ok := l.Get(explicitID)
		if !ok {
			return nil, fmt.Errorf("unknown template %q", explicitID)
		}
		return t, nil
	}
	for _, t := range l.List() {
		if t.Selection.Matches(doc) {
			return t, nil
		}
	}
	t, ok := l.Get(DefaultTemplateID)
	if !ok {
		return nil, fmt.Errorf("default template %q is not loaded", DefaultTemplateID)
	}
	return t, nil
}

// Close stops the directory watcher.
func (l *Library) Close() {
	l.closeOnce.Do(func() {
		close(l.done)
		if l.watcher != nil {
			_ = l.watcher.Close()
		}
	})
}

// reload rebuilds the template map from builtins plus the user directory.
// Invalid files are skipped with a warning so one bad template cannot take
// the rest down.
func (l *Library) reload() error {
	loaded := make(map[string]*Template)

	err := fs.WalkDir(builtinFS, "templates", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() || !isYAML(path) {
			return err
		}
		raw, err := builtinFS.ReadFile(path)
		if err != nil {
			return err
		}
		t, err := parseTemplate(raw)
		if err != nil {
			return fmt.Errorf("builtin template %s: %w", path, err)
		}
		loaded[t.TemplateID] = t
		return nil
	})
	if err != nil {
		return err
	}

	if l.dir != "" {
		entries, err := os.ReadDir(l.dir)
		if err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("reading template dir %s: %w", l.dir, err)
		}
		for _, e := range entries {
			if e.IsDir() || !isYAML(e.Name()) {
				continue
			}
			path := filepath.Join(l.dir, e.Name())
			raw, err := os.ReadFile(path)
			if err != nil {
				log.Warn(log.CatEngine, "template unreadable", "path", path, "err", err)
				continue
			}
			t, err := parseTemplate(raw)
			if err != nil {
				log.Warn(log.CatEngine, "template invalid, skipped", "path", path, "err", err)
				continue
			}
			loaded[t.TemplateID] = t
		}
	}

	l.mu.Lock()
	l.templates = loaded
	l.mu.Unlock()
	log.Info(log.CatEngine, "templates loaded", "count", len(loaded))
	return nil
}

func (l *Library) watch() error {
	if err := os.MkdirAll(l.dir, 0o750); err != nil {
		return err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(l.dir); err != nil {
		_ = w.Close()
		return err
	}
	l.watcher = w

	log.SafeGo("template-watcher", func() {
		var timer *time.Timer
		for {
			select {
			case <-l.done:
				if timer != nil {
					timer.Stop()
				}
				return
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Remove) && !ev.Has(fsnotify.Rename) {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(reloadDebounce, func() {
					if err := l.reload(); err != nil {
						log.ErrorErr(log.CatEngine, "template reload failed", err)
					}
				})
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				log.Warn(log.CatEngine, "template watcher error", "err", err)
			}
		}
	})
	return nil
}

func parseTemplate(raw []byte) (*Template, error) {
	var t Template
	if err := yaml.Unmarshal(raw, &t); err != nil {
		return nil, err
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return &t, nil
}

func isYAML(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}
