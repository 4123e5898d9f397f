package fswatch

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// GitStateWatcher watches a worktree's .git/HEAD and .git/logs/HEAD for
// writes, signalling branch switches, commits, rebases, and resets without
// having to poll or parse the reflog itself — the caller re-reads HEAD via
// gitservice whenever notified.
type GitStateWatcher struct {
	fsn     *fsnotify.Watcher
	log     *slog.Logger
	onEvent func()
}

// NewGitStateWatcher watches the HEAD-related files under the .git
// directory resolved from worktree (handling both a plain repo and a
// linked worktree's gitdir redirect).
func NewGitStateWatcher(worktree string, log *slog.Logger, onEvent func()) (*GitStateWatcher, error) {
	gitDir, err := resolveGitDirForWatch(worktree)
	if err != nil {
		return nil, err
	}

	fsn, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	if err := fsn.Add(gitDir); err != nil {
		fsn.Close()
		return nil, err
	}
	logsHeadDir := filepath.Join(gitDir, "logs")
	if _, err := os.Stat(logsHeadDir); err == nil {
		_ = fsn.Add(logsHeadDir)
	}

	return &GitStateWatcher{fsn: fsn, log: log, onEvent: onEvent}, nil
}

// Run blocks, debouncing HEAD-file writes the same way the main Watcher
// debounces working-tree churn, until ctx is cancelled.
func (g *GitStateWatcher) Run(ctx context.Context) {
	defer g.fsn.Close()

	var timer *time.Timer
	var timerC <-chan time.Time
	pending := false

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return

		case ev, ok := <-g.fsn.Events:
			if !ok {
				return
			}
			if filepath.Base(ev.Name) != "HEAD" {
				continue
			}
			pending = true
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

		case <-timerC:
			timerC = nil
			if pending {
				pending = false
				go g.onEvent()
			}

		case err, ok := <-g.fsn.Errors:
			if !ok {
				return
			}
			g.log.Debug("git state watch error", "err", err)
		}
	}
}

func resolveGitDirForWatch(worktree string) (string, error) {
	dotGit := filepath.Join(worktree, ".git")
	fi, err := os.Stat(dotGit)
	if err != nil {
		return "", err
	}
	if fi.IsDir() {
		return dotGit, nil
	}
	contents, err := os.ReadFile(dotGit)
	if err != nil {
		return "", err
	}
	const prefix = "gitdir: "
	s := string(contents)
	if len(s) > len(prefix) && s[:len(prefix)] == prefix {
		gitDir := s[len(prefix) : len(s)-1]
		if !filepath.IsAbs(gitDir) {
			gitDir = filepath.Join(worktree, gitDir)
		}
		return filepath.Clean(gitDir), nil
	}
	return dotGit, nil
}
