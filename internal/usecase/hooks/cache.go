package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"

	"toolrun/internal/domain"
)

// Event names a hook point.
type Event string

const (
	PreToolUse  Event = "pre_tool_use"
	PostToolUse Event = "post_tool_use"
)

// Spec is one hook definition from a hook file.
type Spec struct {
	Name    string        `yaml:"name"`
	Event   Event         `yaml:"event"`
	Matcher string        `yaml:"matcher"` // regexp on the tool name; empty matches all
	Command string        `yaml:"command"`
	Timeout time.Duration `yaml:"timeout"`

	Source  string         `yaml:"-"`
	matcher *regexp.Regexp `yaml:"-"`
}

type hookFile struct {
	Hooks []Spec `yaml:"hooks"`
}

type cachedFile struct {
	modTime time.Time
	size    int64
	exists  bool
	specs   []Spec
}

// MatcherCache keeps parsed hook files in memory. An entry is dropped when
// fsnotify reports a change to its file, and is re-checked against the
// file's mtime and size on every lookup, which also covers filesystems
// without change notifications.
type MatcherCache struct {
	mu      sync.Mutex
	files   []string
	entries map[string]*cachedFile
	loads   atomic.Int64

	watcher  *fsnotify.Watcher
	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once

	bus    domain.EventBus
	logger *slog.Logger
}

// NewMatcherCache creates a cache over the given hook files. When watch is
// set, the files' directories are watched for changes; failure to set up the
// watcher leaves the cache on stat checks alone.
func NewMatcherCache(files []string, watch bool, bus domain.EventBus, logger *slog.Logger) *MatcherCache {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	c := &MatcherCache{
		entries: make(map[string]*cachedFile),
		done:    make(chan struct{}),
		bus:     bus,
		logger:  logger,
	}
	for _, f := range files {
		if abs, err := filepath.Abs(f); err == nil {
			f = abs
		}
		c.files = append(c.files, f)
	}
	if watch && len(c.files) > 0 {
		if err := c.startWatcher(); err != nil {
			logger.Warn("hook file watcher unavailable, relying on stat checks", "error", err)
		}
	}
	return c
}

func (c *MatcherCache) startWatcher() error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	dirs := make(map[string]bool)
	for _, f := range c.files {
		dir := filepath.Dir(f)
		if dirs[dir] {
			continue
		}
		dirs[dir] = true
		// Watch the directory: editors often replace files instead of writing them.
		if err := w.Add(dir); err != nil {
			c.logger.Debug("cannot watch hook dir", "dir", dir, "error", err)
		}
	}
	c.watcher = w
	c.wg.Add(1)
	go c.processEvents()
	return nil
}

func (c *MatcherCache) processEvents() {
	defer c.wg.Done()
	for {
		select {
		case <-c.done:
			return
		case event, ok := <-c.watcher.Events:
			if !ok {
				return
			}
			if event.Has(fsnotify.Chmod) && !event.Has(fsnotify.Write) {
				continue
			}
			c.Invalidate(event.Name)
		case err, ok := <-c.watcher.Errors:
			if !ok {
				return
			}
			c.logger.Warn("hook file watcher error", "error", err)
		}
	}
}

// Invalidate drops the cached entry for path, if it is a tracked hook file.
func (c *MatcherCache) Invalidate(path string) {
	path = filepath.Clean(path)
	c.mu.Lock()
	_, ok := c.entries[path]
	delete(c.entries, path)
	c.mu.Unlock()
	if !ok {
		return
	}
	c.logger.Debug("hook file invalidated", "path", path)
	if c.bus != nil {
		c.bus.Publish(context.Background(), domain.NewEvent(domain.EventHookCacheInvalidated, "", map[string]string{"path": path}))
	}
}

// Match returns the hooks for event whose matcher accepts toolName, in file
// order. Missing files contribute nothing; unparsable files are an error.
func (c *MatcherCache) Match(event Event, toolName string) ([]Spec, error) {
	var out []Spec
	for _, f := range c.files {
		specs, err := c.load(f)
		if err != nil {
			return nil, err
		}
		for _, s := range specs {
			if s.Event != event {
				continue
			}
			if s.matcher != nil && !s.matcher.MatchString(toolName) {
				continue
			}
			out = append(out, s)
		}
	}
	return out, nil
}

// Loads returns how many times a hook file was parsed.
func (c *MatcherCache) Loads() int64 { return c.loads.Load() }

func (c *MatcherCache) load(path string) ([]Spec, error) {
	info, statErr := os.Stat(path)

	c.mu.Lock()
	entry, ok := c.entries[path]
	c.mu.Unlock()
	if ok {
		switch {
		case statErr != nil && !entry.exists:
			return nil, nil
		case statErr == nil && entry.exists && info.ModTime().Equal(entry.modTime) && info.Size() == entry.size:
			return entry.specs, nil
		}
	}

	fresh := &cachedFile{}
	if statErr != nil {
		if !os.IsNotExist(statErr) {
			return nil, fmt.Errorf("hooks: stat %s: %w", path, statErr)
		}
	} else {
		specs, err := parseFile(path)
		if err != nil {
			return nil, err
		}
		c.loads.Add(1)
		fresh = &cachedFile{modTime: info.ModTime(), size: info.Size(), exists: true, specs: specs}
	}

	c.mu.Lock()
	c.entries[path] = fresh
	c.mu.Unlock()
	return fresh.specs, nil
}

func parseFile(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("hooks: read %s: %w", path, err)
	}
	var hf hookFile
	if err := yaml.Unmarshal(data, &hf); err != nil {
		return nil, fmt.Errorf("hooks: parse %s: %w", path, err)
	}
	for i := range hf.Hooks {
		s := &hf.Hooks[i]
		s.Source = path
		if s.Name == "" {
			s.Name = fmt.Sprintf("%s#%d", filepath.Base(path), i)
		}
		if s.Event != PreToolUse && s.Event != PostToolUse {
			return nil, fmt.Errorf("hooks: %s: hook %q has unknown event %q", path, s.Name, s.Event)
		}
		if s.Command == "" {
			return nil, fmt.Errorf("hooks: %s: hook %q has no command", path, s.Name)
		}
		if s.Matcher != "" {
			re, err := regexp.Compile(s.Matcher)
			if err != nil {
				return nil, fmt.Errorf("hooks: %s: hook %q matcher: %w", path, s.Name, err)
			}
			s.matcher = re
		}
	}
	return hf.Hooks, nil
}

// Close stops the watcher.
func (c *MatcherCache) Close() error {
	var err error
	c.stopOnce.Do(func() {
		close(c.done)
		if c.watcher != nil {
			err = c.watcher.Close()
		}
		c.wg.Wait()
	})
	return err
}
