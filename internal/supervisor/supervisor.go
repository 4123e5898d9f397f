// Package supervisor translates an executor action into a running
// SpawnedChild, persists the resulting ExecutionProcess row, feeds the
// child's stdout through the executor's normalizer (whose Sink publishes to
// the event bus), logs its stderr, and reconciles the row on exit.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/orchestrate-dev/orchestrator/internal/apperr"
	"github.com/orchestrate-dev/orchestrator/internal/eventbus"
	"github.com/orchestrate-dev/orchestrator/internal/executor"
	"github.com/orchestrate-dev/orchestrator/internal/gitservice"
	"github.com/orchestrate-dev/orchestrator/internal/store"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

// GracePeriod is how long Cancel waits for a cooperative SIGTERM exit
// before escalating to SIGKILL on the process group.
const GracePeriod = 5 * time.Second

// env vars appended to every spawned agent/script so common JS/Rust/npm
// chatter doesn't pollute the agent's line-protocol stdout.
var quietEnv = []string{
	"NPM_CONFIG_LOGLEVEL=error",
	"NODE_NO_WARNINGS=1",
	"NO_COLOR=1",
	"RUST_LOG=error",
}

// entry is the in-memory bookkeeping for one running process, keyed by
// ExecutionProcess id. Grounded on claudecode_backend.go's
// `sessions map[string]*Session` + sync.RWMutex pattern, generalized from a
// request/response backend's session table to a long-lived supervised OS
// process table.
type entry struct {
	child  *executor.SpawnedChild
	cancel context.CancelFunc
	// done is closed by awaitExit once the row has been finalized, so
	// Cancel can wait for the real exit without racing awaitExit for the
	// single value on child.ExitC.
	done chan struct{}
}

// RepoWorktree identifies one repo's checked-out worktree inside a
// workspace, for before/after HEAD bookkeeping.
type RepoWorktree struct {
	RepoID       string
	WorktreePath string
}

// SpawnRequest describes one supervised process run.
type SpawnRequest struct {
	SessionID   string
	WorkspaceID string
	Reason      model.ExecutionProcessReason
	Exec        executor.Executor
	Opts        executor.SpawnOptions
	Mode        SpawnMode
	Repos       []RepoWorktree
	Sink        executor.NormalizedSink
}

// SpawnMode selects which of the executor's spawn* methods to call.
type SpawnMode int

const (
	ModeSpawn SpawnMode = iota
	ModeFollowUp
	ModeReview
)

// actionForSpawn builds the structured ExecutorAction persisted alongside
// the process row from the request's reason/mode, the discriminated union
// spec.md §3 names (CodingAgentInitialRequest, CodingAgentFollowUpRequest,
// ReviewRequest, ScriptRequest).
func actionForSpawn(req SpawnRequest) model.ExecutorAction {
	switch req.Reason {
	case model.ReasonSetupScript, model.ReasonCleanupScript, model.ReasonDevServer:
		return model.ExecutorAction{Kind: model.ActionScriptRequest, Script: req.Opts.Prompt}
	}
	switch req.Mode {
	case ModeFollowUp:
		return model.ExecutorAction{
			Kind:              model.ActionCodingAgentFollowUpRequest,
			Prompt:            req.Opts.Prompt,
			ExistingSessionID: req.Opts.ExistingSessionID,
		}
	case ModeReview:
		return model.ExecutorAction{Kind: model.ActionReviewRequest, Prompt: req.Opts.Prompt}
	default:
		return model.ExecutorAction{Kind: model.ActionCodingAgentInitialRequest, Prompt: req.Opts.Prompt}
	}
}

// Supervisor owns the process table and drives the start/exit sequence of
// §4.6: resolve cwd, insert the row, record before-HEAD, spawn, wire stdio,
// register cancellation, and on exit reconcile the row and record
// after-HEAD.
type Supervisor struct {
	store *store.Store
	git   *gitservice.Service
	bus   *eventbus.Bus
	log   *slog.Logger

	tracer trace.Tracer

	mu      sync.RWMutex
	running map[string]*entry
}

func New(s *store.Store, git *gitservice.Service, bus *eventbus.Bus, log *slog.Logger) *Supervisor {
	return &Supervisor{
		store:   s,
		git:     git,
		bus:     bus,
		log:     log,
		tracer:  otel.Tracer("orchestrator.supervisor"),
		running: make(map[string]*entry),
	}
}

// Spawn runs the start sequence: insert the ExecutionProcess row, record
// before-HEAD for each repo, spawn the child, mirror its stdio, and
// register it in the running table. The returned process id can be used
// with Cancel or to look up status via the store.
func (sv *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*model.ExecutionProcess, error) {
	ctx, span := sv.tracer.Start(ctx, "supervisor.process",
		trace.WithAttributes(
			attribute.String("supervisor.session_id", req.SessionID),
			attribute.String("supervisor.workspace_id", req.WorkspaceID),
			attribute.String("supervisor.reason", string(req.Reason)),
		))
	defer span.End()

	proc, err := sv.store.Processes.Create(ctx, store.CreateProcessParams{
		SessionID:   req.SessionID,
		WorkspaceID: req.WorkspaceID,
		Reason:      req.Reason,
		Action:      actionForSpawn(req),
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create process row")
		return nil, err
	}

	for _, rw := range req.Repos {
		info, err := sv.git.GetHeadInfo(rw.WorktreePath)
		if err != nil {
			sv.log.Warn("supervisor: before-head snapshot failed", "repo_id", rw.RepoID, "err", err)
			continue
		}
		if err := sv.store.Processes.RecordRepoState(ctx, model.ExecutionProcessRepoState{
			ExecutionProcessID: proc.ID,
			RepoID:             rw.RepoID,
			BeforeHeadCommit:   info.SHA,
		}, true); err != nil {
			sv.log.Warn("supervisor: before-head record failed", "repo_id", rw.RepoID, "err", err)
		}
	}

	req.Opts.Env = append(append([]string{}, req.Opts.Env...), quietEnv...)

	runCtx, cancel := context.WithCancel(ctx)
	child, err := sv.dispatchSpawn(runCtx, req)
	if err != nil {
		cancel()
		span.RecordError(err)
		span.SetStatus(codes.Error, "spawn child")
		_ = sv.store.Processes.Finish(ctx, proc.ID, model.ProcessFailed, nil)
		return nil, apperr.New(apperr.Fatal, "Supervisor.Spawn", proc.ID, err)
	}

	done := make(chan struct{})
	sv.mu.Lock()
	sv.running[proc.ID] = &entry{child: child, cancel: cancel, done: done}
	sv.mu.Unlock()

	go sv.mirrorStdio(runCtx, proc, child, req)
	go sv.awaitExit(runCtx, context.WithoutCancel(ctx), proc, child, req, done)

	return proc, nil
}

func (sv *Supervisor) dispatchSpawn(ctx context.Context, req SpawnRequest) (*executor.SpawnedChild, error) {
	switch req.Mode {
	case ModeFollowUp:
		return req.Exec.SpawnFollowUp(ctx, req.Opts)
	case ModeReview:
		return req.Exec.SpawnReview(ctx, req.Opts)
	default:
		return req.Exec.Spawn(ctx, req.Opts)
	}
}

// mirrorStdio wires the child's stdout into the executor's NormalizeLogs and
// writes each stderr line to the supervisor's log as a warning; stderr does
// not produce ErrorMessage entries. A per-session normalization failure
// never kills the session, only logs and moves on.
func (sv *Supervisor) mirrorStdio(ctx context.Context, proc *model.ExecutionProcess, child *executor.SpawnedChild, req SpawnRequest) {
	// A process with no Sink (a setup/cleanup script) still needs its
	// stdout drained, or sustained output fills the OS pipe buffer and the
	// child deadlocks writing to it; NormalizeLogs is still the thing doing
	// the draining, it just has nowhere to publish since discardSink no-ops.
	sink := req.Sink
	if sink == nil {
		sink = discardSink{}
	}
	if err := req.Exec.NormalizeLogs(ctx, child.Stdout, req.Opts.Cwd, sink); err != nil && ctx.Err() == nil {
		sv.log.Error("supervisor: normalize logs failed", "process_id", proc.ID, "err", err)
	}
	if child.Stderr != nil {
		go sv.mirrorStderr(proc, child.Stderr)
	}
}

// discardSink satisfies executor.NormalizedSink for a process with nothing
// to normalize (a setup/cleanup script): NormalizeLogs still runs and
// drains the child's stdout, it just has nowhere to publish the result.
type discardSink struct{}

func (discardSink) Emit(patch any) error { return nil }

func (sv *Supervisor) mirrorStderr(proc *model.ExecutionProcess, stderr io.Reader) {
	buf := make([]byte, 4096)
	for {
		n, err := stderr.Read(buf)
		if n > 0 {
			sv.log.Warn("supervisor: stderr", "process_id", proc.ID, "line", string(buf[:n]))
		}
		if err != nil {
			return
		}
	}
}

// awaitExit blocks on the child's exit signal, then runs the exit sequence:
// finalize the row's status, and compute after-HEAD for every repo so
// downstream diff/merge logic can tell whether this run advanced HEAD.
func (sv *Supervisor) awaitExit(runCtx, ctx context.Context, proc *model.ExecutionProcess, child *executor.SpawnedChild, req SpawnRequest, done chan struct{}) {
	defer close(done)
	code := <-child.ExitC

	sv.mu.Lock()
	delete(sv.running, proc.ID)
	sv.mu.Unlock()

	status := model.ProcessCompleted
	if code != 0 {
		status = model.ProcessFailed
	}
	if runCtx.Err() != nil {
		status = model.ProcessKilled
	}

	exitCode := code
	if err := sv.store.Processes.Finish(ctx, proc.ID, status, &exitCode); err != nil {
		sv.log.Error("supervisor: finish process failed", "process_id", proc.ID, "err", err)
	}

	for _, rw := range req.Repos {
		info, err := sv.git.GetHeadInfo(rw.WorktreePath)
		if err != nil {
			sv.log.Warn("supervisor: after-head snapshot failed", "repo_id", rw.RepoID, "err", err)
			continue
		}
		if err := sv.store.Processes.RecordRepoState(ctx, model.ExecutionProcessRepoState{
			ExecutionProcessID: proc.ID,
			RepoID:             rw.RepoID,
			AfterHeadCommit:    info.SHA,
		}, false); err != nil {
			sv.log.Warn("supervisor: after-head record failed", "repo_id", rw.RepoID, "err", err)
		}
	}

	if sv.bus != nil {
		_ = sv.bus.PublishWorkspace(req.WorkspaceID, eventbus.LogMsg{Kind: eventbus.KindFinished, SessionID: req.SessionID})
	}
}

// Cancel fires the process's cooperative cancel handle, waits GracePeriod,
// then escalates to SIGKILL on the whole process group. The resulting row
// status is Killed regardless of the child's own exit code, set by
// awaitExit observing ctx.Err() != nil.
func (sv *Supervisor) Cancel(processID string) error {
	sv.mu.RLock()
	e, ok := sv.running[processID]
	sv.mu.RUnlock()
	if !ok {
		return apperr.New(apperr.NotFound, "Supervisor.Cancel", processID, fmt.Errorf("no running process with that id"))
	}

	e.cancel()

	select {
	case <-e.done:
	case <-time.After(GracePeriod):
		e.child.Kill()
		<-e.done
	}
	return nil
}

// Quiescent reports whether workspaceID currently has no running
// non-dev-server process, the precondition destructive orchestrator
// operations (delete workspace, squash-merge) must check first.
func (sv *Supervisor) Quiescent(ctx context.Context, workspaceID string) (bool, error) {
	has, err := sv.store.Processes.HasRunningNonDevServer(ctx, workspaceID)
	if err != nil {
		return false, err
	}
	return !has, nil
}

// ReconcileOnStartup kills stale "running" rows left over from a previous
// process (crash recovery): any row still marked running in the store has
// no live OS process backing it once the supervisor restarts, since the
// in-memory table is empty on a fresh start.
func (sv *Supervisor) ReconcileOnStartup(ctx context.Context) error {
	stale, err := sv.store.Processes.ListRunning(ctx)
	if err != nil {
		return err
	}
	for _, p := range stale {
		sv.log.Warn("supervisor: reconciling stale running process from previous run", "process_id", p.ID)
		if err := sv.store.Processes.Finish(ctx, p.ID, model.ProcessKilled, nil); err != nil {
			sv.log.Error("supervisor: failed to reconcile stale process", "process_id", p.ID, "err", err)
		}
	}
	return nil
}
