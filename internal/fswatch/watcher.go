// Package fswatch provides a debounced, recursive, gitignore-aware
// filesystem watcher for a workspace worktree, plus a narrow secondary
// watcher dedicated to detecting git HEAD movement without reflog parsing.
package fswatch

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	gitignore "github.com/sabhiram/go-gitignore"
)

// alwaysSkip mirrors gitservice's diff excludes: directories never worth
// watching regardless of .gitignore contents.
var alwaysSkip = map[string]bool{
	".git":         true,
	"node_modules": true,
	"target":       true,
	"dist":         true,
	"build":        true,
	".venv":        true,
}

// DebounceWindow is the quiet period after the last filesystem event before
// a change notification fires.
const DebounceWindow = 200 * time.Millisecond

// Watcher recursively watches a worktree root, debouncing bursts of
// filesystem events into a single notification and re-scoping its watch set
// as directories are created or removed.
type Watcher struct {
	root    string
	fsn     *fsnotify.Watcher
	ignore  *gitignore.GitIgnore
	log     *slog.Logger
	onEvent func()

	mu      sync.Mutex
	watched map[string]bool
}

// New constructs a Watcher rooted at root. onEvent is invoked (on its own
// goroutine) no more than once per DebounceWindow of quiet, however many raw
// fsnotify events arrived during the window.
func New(root string, log *slog.Logger, onEvent func()) (*Watcher, error) {
	fsn, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		root:    root,
		fsn:     fsn,
		log:     log,
		onEvent: onEvent,
		watched: make(map[string]bool),
	}
	w.ignore = loadIgnore(root)

	if err := w.addTreeRecursive(root); err != nil {
		fsn.Close()
		return nil, err
	}
	return w, nil
}

func loadIgnore(root string) *gitignore.GitIgnore {
	path := filepath.Join(root, ".gitignore")
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	ig, err := gitignore.CompileIgnoreFile(path)
	if err != nil {
		return nil
	}
	return ig
}

func (w *Watcher) shouldSkipDir(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	if rel == "." {
		return false
	}
	if alwaysSkip[filepath.Base(path)] {
		return true
	}
	if w.ignore != nil && w.ignore.MatchesPath(rel) {
		return true
	}
	return false
}

func (w *Watcher) addTreeRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && w.shouldSkipDir(path) {
			return filepath.SkipDir
		}
		w.mu.Lock()
		already := w.watched[path]
		w.mu.Unlock()
		if already {
			return nil
		}
		if err := w.fsn.Add(path); err != nil {
			w.log.Debug("failed to watch directory", "path", path, "err", err)
			return nil
		}
		w.mu.Lock()
		w.watched[path] = true
		w.mu.Unlock()
		return nil
	})
}

func (w *Watcher) removeTree(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	for path := range w.watched {
		if path == dir || isUnder(dir, path) {
			w.fsn.Remove(path)
			delete(w.watched, path)
		}
	}
}

func isUnder(parent, path string) bool {
	rel, err := filepath.Rel(parent, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepath.IsAbs(rel) && rel[0] != '.'
}

// Run blocks, dispatching debounced onEvent calls, until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	defer w.fsn.Close()

	var timer *time.Timer
	var timerC <-chan time.Time
	pending := false

	resetTimer := func() {
		if timer == nil {
			timer = time.NewTimer(DebounceWindow)
		} else {
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(DebounceWindow)
		}
		timerC = timer.C
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-w.fsn.Events:
			if !ok {
				return
			}
			w.handleRawEvent(ev)
			pending = true
			resetTimer()

		case <-timerC:
			timerC = nil
			if pending {
				pending = false
				go w.onEvent()
			}

		case err, ok := <-w.fsn.Errors:
			if !ok {
				return
			}
			w.log.Debug("fswatch error", "err", err)
		}
	}
}

func (w *Watcher) handleRawEvent(ev fsnotify.Event) {
	if ev.Op&fsnotify.Create == fsnotify.Create {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if !w.shouldSkipDir(ev.Name) {
				if err := w.addTreeRecursive(ev.Name); err != nil {
					w.log.Debug("failed to watch new directory", "path", ev.Name, "err", err)
				}
			}
		}
	}
	if ev.Op&(fsnotify.Remove|fsnotify.Rename) != 0 {
		w.removeTree(ev.Name)
	}
}
