// Package diffstream computes and maintains, for one (workspace, repo)
// pair, the live set of file diffs between the workspace's branch HEAD and
// a recomputed base commit, publishing JSON-Patch operations onto the event
// bus as the working tree, HEAD, or target branch moves (spec.md §4.9).
// Grounded on internal/fswatch's debounced-callback watchers and
// internal/gitservice's GetDiffs/MergeBase, fanned in with
// golang.org/x/sync/errgroup the way canopy's worker pool composes
// independent signal sources into one supervised goroutine group.
package diffstream

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orchestrate-dev/orchestrator/internal/eventbus"
	"github.com/orchestrate-dev/orchestrator/internal/fswatch"
	"github.com/orchestrate-dev/orchestrator/internal/gitservice"
	"github.com/orchestrate-dev/orchestrator/internal/store"
)

// ByteBudget is the cumulative content-bytes ceiling per stream before
// subsequent diffs degrade to stats-only (additions/deletions counts with
// content_omitted=true).
const ByteBudget = 200 << 20 // 200 MiB

// PollInterval is how often the stream re-reads its WorkspaceRepo row to
// notice a user-driven target-branch change.
const PollInterval = 1 * time.Second

// Handle represents one live diff stream; Close aborts its backing
// goroutines and releases its watchers.
type Handle struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Close aborts the stream's goroutines and blocks until they exit.
func (h *Handle) Close() {
	h.cancel()
	<-h.done
}

type diffEntry struct {
	additions      int
	deletions      int
	contentSent    bool
	contentOmitted bool
}

// stream holds the mutable state for one running (workspace, repo) diff
// computation: the known diff set and the cumulative byte counter the
// budget policy is measured against.
type stream struct {
	s          *store.Store
	git        *gitservice.Service
	bus        *eventbus.Bus
	log        *slog.Logger
	scratchKey string

	worktree     string
	wsRepoID     string
	targetBranch string

	mu        sync.Mutex
	known     map[string]diffEntry
	emitted   int64
	statsOnly bool
}

// Start launches the diff stream for wsRepo against repoWorktree, publishing
// to the scratch subject scratchKey (typically keyed by the workspace/repo
// pair or a caller-chosen review id). The returned Handle's Close stops it.
func Start(ctx context.Context, s *store.Store, git *gitservice.Service, bus *eventbus.Bus, log *slog.Logger, wsRepo WorkspaceRepoView, scratchKey string) (*Handle, error) {
	ctx, cancel := context.WithCancel(ctx)

	st := &stream{
		s:            s,
		git:          git,
		bus:          bus,
		log:          log,
		scratchKey:   scratchKey,
		worktree:     wsRepo.WorktreePath,
		wsRepoID:     wsRepo.ID,
		targetBranch: wsRepo.BaseBranch,
		known:        make(map[string]diffEntry),
	}

	if err := st.resetToNewBase(ctx); err != nil {
		cancel()
		return nil, err
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		st.run(ctx)
	}()

	return &Handle{cancel: cancel, done: done}, nil
}

// WorkspaceRepoView is the subset of model.WorkspaceRepo the stream needs,
// kept local so this package doesn't have to import pkg/model just for
// three string fields.
type WorkspaceRepoView struct {
	ID           string
	WorktreePath string
	BranchName   string
	BaseBranch   string
}

// run drives the three-signal steady-state loop: filesystem events, git
// HEAD/reflog changes, and a 1-second target-branch poll, each running in
// an errgroup-supervised goroutine; filesystem and git signals travel on
// their own channels (fsEvents, gitEvents), which reactLoop drains.
func (st *stream) run(ctx context.Context) {
	g, ctx := errgroup.WithContext(ctx)

	fsEvents := make(chan struct{}, 1)
	gitEvents := make(chan struct{}, 1)

	signal := func(ch chan struct{}) func() {
		return func() {
			select {
			case ch <- struct{}{}:
			default:
			}
		}
	}

	fsWatcher, err := fswatch.New(st.worktree, st.log, signal(fsEvents))
	if err != nil {
		st.log.Warn("diffstream: filesystem watcher unavailable", "worktree", st.worktree, "err", err)
	} else {
		g.Go(func() error { fsWatcher.Run(ctx); return nil })
	}

	gitWatcher, err := fswatch.NewGitStateWatcher(st.worktree, st.log, signal(gitEvents))
	if err != nil {
		st.log.Warn("diffstream: git state watcher unavailable", "worktree", st.worktree, "err", err)
	} else {
		g.Go(func() error { gitWatcher.Run(ctx); return nil })
	}

	g.Go(func() error {
		st.pollTargetBranch(ctx, fsEvents, gitEvents)
		return nil
	})

	g.Go(func() error {
		st.reactLoop(ctx, fsEvents, gitEvents)
		return nil
	})

	_ = g.Wait()
}
