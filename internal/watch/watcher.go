// Package watch pushes cache invalidations when a watched repository
// changes on disk. Fingerprints already keep stale entries from being
// served; the watcher frees them early and keeps the snapshot store small.
package watch

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"repolens/internal/cache"
	"repolens/internal/logging"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

type Invalidator interface {
	Invalidate(scope cache.Scope) (int, error)
}

type Watcher struct {
	watcher    *fsnotify.Watcher
	inv        Invalidator
	logger     *logging.Logger
	debounce   time.Duration
	ignoreDirs map[string]bool
	ignoreGit  map[string]bool

	mu      sync.Mutex
	repos   map[string]*time.Timer
	closed  bool
	done    chan struct{}
	flushes sync.WaitGroup
}

func New(inv Invalidator, logger *logging.Logger, debounce time.Duration) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if logger == nil {
		logger = logging.Nop()
	}
	if debounce <= 0 {
		debounce = 200 * time.Millisecond
	}
	w := &Watcher{
		watcher:  watcher,
		inv:      inv,
		logger:   logger.Named("watch"),
		debounce: debounce,
		ignoreDirs: map[string]bool{
			"node_modules": true,
			"vendor":       true,
			"dist":         true,
			"build":        true,
		},
		ignoreGit: map[string]bool{
			"objects": true,
			"logs":    true,
			"hooks":   true,
			"lfs":     true,
		},
		repos: make(map[string]*time.Timer),
		done:  make(chan struct{}),
	}
	go w.loop()
	return w, nil
}

// Watch starts watching the repository at root. Repeated calls are no-ops.
func (w *Watcher) Watch(root string) error {
	root = filepath.Clean(root)
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return fmt.Errorf("watcher closed")
	}
	if _, ok := w.repos[root]; ok {
		w.mu.Unlock()
		return nil
	}
	w.repos[root] = nil
	w.mu.Unlock()

	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && w.shouldIgnore(root, path) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watching %s: %w", path, err)
		}
		return nil
	})
	if err != nil {
		w.mu.Lock()
		delete(w.repos, root)
		w.mu.Unlock()
		return err
	}
	w.logger.Debug("watching repository", zap.String("repo", root))
	return nil
}

// Repos lists watched roots.
func (w *Watcher) Repos() []string {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]string, 0, len(w.repos))
	for r := range w.repos {
		out = append(out, r)
	}
	sort.Strings(out)
	return out
}

// shouldIgnore skips bulky trees. Inside .git only HEAD, the index and refs
// matter, so object and log directories are skipped.
func (w *Watcher) shouldIgnore(root, path string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return true
	}
	parts := strings.Split(rel, string(filepath.Separator))
	if parts[0] == ".git" {
		return len(parts) > 1 && w.ignoreGit[parts[1]]
	}
	for _, part := range parts {
		if w.ignoreDirs[part] {
			return true
		}
	}
	return false
}

func (w *Watcher) loop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handle(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("watcher error", zap.Error(err))
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handle(event fsnotify.Event) {
	if event.Op == fsnotify.Chmod {
		return
	}
	root := w.rootOf(event.Name)
	if root == "" || w.shouldIgnore(root, event.Name) {
		return
	}

	if event.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := w.watcher.Add(event.Name); err != nil {
				w.logger.Error("adding new directory to watcher", zap.Error(err))
			}
		}
	}
	w.schedule(root)
}

// rootOf returns the longest watched root containing path.
func (w *Watcher) rootOf(path string) string {
	w.mu.Lock()
	defer w.mu.Unlock()
	best := ""
	for root := range w.repos {
		if (path == root || strings.HasPrefix(path, root+string(filepath.Separator))) && len(root) > len(best) {
			best = root
		}
	}
	return best
}

// schedule coalesces bursts of events into one invalidation per repo.
func (w *Watcher) schedule(root string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if t := w.repos[root]; t != nil {
		if t.Stop() {
			t.Reset(w.debounce)
			return
		}
	}
	w.flushes.Add(1)
	w.repos[root] = time.AfterFunc(w.debounce, func() {
		defer w.flushes.Done()
		w.flush(root)
	})
}

func (w *Watcher) flush(root string) {
	w.mu.Lock()
	w.repos[root] = nil
	w.mu.Unlock()

	removed, err := w.inv.Invalidate(cache.Scope{Repo: root})
	if err != nil {
		w.logger.Error("invalidating repository", zap.String("repo", root), zap.Error(err))
		return
	}
	w.logger.Debug("repository changed", zap.String("repo", root), zap.Int("removed", removed))
}

// Close stops watching and waits for pending invalidations.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	close(w.done)
	w.mu.Unlock()

	err := w.watcher.Close()
	w.flushes.Wait()
	return err
}
