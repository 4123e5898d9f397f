package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/orchestrate-dev/orchestrator/internal/apperr"
	"github.com/orchestrate-dev/orchestrator/internal/store"
	"github.com/orchestrate-dev/orchestrator/pkg/model"
)

// Subject families. Each maps to one JetStream stream; a stream's subjects
// use NATS wildcard tokens so a single stream backs every entity of that
// kind while still letting subscribers scope to one entity via a subject
// filter on Subscribe.
const (
	streamWorkspaces         = "workspaces"
	streamTasks              = "tasks"
	streamProjects           = "projects"
	streamExecutionProcesses = "execution_processes"
	streamScratch            = "scratch"
)

func subjectWorkspace(workspaceID string) string {
	return fmt.Sprintf("workspaces.%s", workspaceID)
}

func subjectTask(taskID string) string {
	return fmt.Sprintf("tasks.%s", taskID)
}

func subjectProject(projectID string) string {
	return fmt.Sprintf("projects.%s", projectID)
}

func subjectSession(sessionID string) string {
	return fmt.Sprintf("execution_processes.%s", sessionID)
}

func subjectScratch(scratchID string) string {
	return fmt.Sprintf("scratch.%s", scratchID)
}

// PatchOp is a single RFC 6902 JSON-Patch operation — the shape carried
// inside a LogMsg's JSONPatch payload. Mirrors internal/normalizer's own
// PatchOp; duplicated here rather than imported since normalizer imports
// this package and an import back would cycle.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// EnsureStreams creates every topic-family stream up front, called once
// during orchestrator startup.
func (b *Bus) EnsureStreams() error {
	families := map[string][]string{
		streamWorkspaces:         {"workspaces.*"},
		streamTasks:              {"tasks.*"},
		streamProjects:           {"projects.*"},
		streamExecutionProcesses: {"execution_processes.*"},
		streamScratch:            {"scratch.*"},
	}
	for name, subjects := range families {
		if err := b.EnsureStream(name, subjects); err != nil {
			return err
		}
	}
	return nil
}

// PublishWorkspace broadcasts a workspace-scoped event (status transitions,
// container lifecycle) to every subscriber watching that workspace.
func (b *Bus) PublishWorkspace(workspaceID string, msg LogMsg) error {
	return b.Publish(subjectWorkspace(workspaceID), msg)
}

// PublishTask broadcasts a task-scoped event.
func (b *Bus) PublishTask(taskID string, msg LogMsg) error {
	return b.Publish(subjectTask(taskID), msg)
}

// PublishProject broadcasts a project-scoped event.
func (b *Bus) PublishProject(projectID string, msg LogMsg) error {
	return b.Publish(subjectProject(projectID), msg)
}

// PublishProcess broadcasts a normalized JSON-patch event for one execution
// process, addressed by its owning session so a client following a
// conversation only receives patches for that session's turns.
func (b *Bus) PublishProcess(sessionID string, msg LogMsg) error {
	return b.Publish(subjectSession(sessionID), msg)
}

// PublishScratch broadcasts to an ephemeral, caller-chosen scratch topic —
// used by the diff stream for a single in-flight review that has no
// durable entity ID of its own yet.
func (b *Bus) PublishScratch(scratchID string, msg LogMsg) error {
	return b.Publish(subjectScratch(scratchID), msg)
}

// StreamWorkspaces derives the "replace root -> Ready -> filtered patches"
// feed for every workspace matching archived/limit: it snapshots the
// current rows from the store, emits them as one replace-root patch at
// "/workspaces", emits Ready, then tails live workspace patches, rewriting
// Replace into Add/Remove at the moment a workspace starts or stops
// matching the archived filter.
func (b *Bus) StreamWorkspaces(ctx context.Context, s *store.Store, archived *bool, limit int) (*Subscription, error) {
	rows, err := s.Workspaces.List(ctx, archived, limit)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]any, len(rows))
	known := make(map[string]bool, len(rows))
	for _, w := range rows {
		snapshot[w.ID] = w
		known[w.ID] = true
	}
	belongs := func(id string) (bool, error) {
		w, err := s.Workspaces.Get(ctx, id)
		if apperr.Is(err, apperr.NotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if archived == nil {
			return true, nil
		}
		isArchived := w.Status == model.WorkspaceClosed
		return isArchived == *archived, nil
	}
	return b.deriveStream(ctx, "/workspaces", snapshot, known, "workspaces.*", belongs)
}

// StreamTasks derives the per-project task feed the same way StreamWorkspaces
// does, scoped to tasks belonging to projectID.
func (b *Bus) StreamTasks(ctx context.Context, s *store.Store, projectID string) (*Subscription, error) {
	rows, err := s.Tasks.ListByProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]any, len(rows))
	known := make(map[string]bool, len(rows))
	for _, t := range rows {
		snapshot[t.ID] = t
		known[t.ID] = true
	}
	belongs := func(id string) (bool, error) {
		t, err := s.Tasks.Get(ctx, id)
		if apperr.Is(err, apperr.NotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return t.ProjectID == projectID, nil
	}
	return b.deriveStream(ctx, "/tasks", snapshot, known, "tasks.*", belongs)
}

// StreamProjects derives the unfiltered project feed — every existing
// project belongs, so the filter rewrite yields add for a new project,
// replace for a known one, and remove once the project's row is gone.
func (b *Bus) StreamProjects(ctx context.Context, s *store.Store) (*Subscription, error) {
	rows, err := s.Projects.List(ctx)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]any, len(rows))
	known := make(map[string]bool, len(rows))
	for _, p := range rows {
		snapshot[p.ID] = p
		known[p.ID] = true
	}
	belongs := func(id string) (bool, error) {
		_, err := s.Projects.Get(ctx, id)
		if apperr.Is(err, apperr.NotFound) {
			return false, nil
		}
		return err == nil, err
	}
	return b.deriveStream(ctx, "/projects", snapshot, known, "projects.*", belongs)
}

// StreamProcessesForSession subscribes to the normalized log stream for one
// coding session, across however many execution processes (turns) it runs.
// The channel is shared with internal/normalizer's conversation entries
// ("/entries/<idx>", "/diffs/<path>"), which pass through unfiltered — only
// "/execution_processes/<id>" patches are subject to the replace-root
// snapshot and the showSoftDeleted filter, since dropped processes still
// need to stream their own live conversation while they're excluded from
// the Processes tab view.
func (b *Bus) StreamProcessesForSession(ctx context.Context, s *store.Store, sessionID string, showSoftDeleted bool) (*Subscription, error) {
	rows, err := s.Processes.ListBySession(ctx, sessionID, showSoftDeleted)
	if err != nil {
		return nil, err
	}
	snapshot := make(map[string]any, len(rows))
	known := make(map[string]bool, len(rows))
	for _, p := range rows {
		snapshot[p.ID] = p
		known[p.ID] = true
	}
	belongs := func(id string) (bool, error) {
		p, err := s.Processes.Get(ctx, id)
		if apperr.Is(err, apperr.NotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		if p.SessionID != sessionID {
			return false, nil
		}
		return showSoftDeleted || !p.Dropped, nil
	}
	return b.deriveStream(ctx, "/execution_processes", snapshot, known, subjectSession(sessionID), belongs)
}

// StreamScratch subscribes to an ephemeral scratch topic. Unlike the derived
// entity streams above, the scratch subject's producer (internal/diffstream)
// already emits its own initial-phase adds followed by Ready, so the
// subscriber side needs no additional snapshot/Ready synthesis here.
func (b *Bus) StreamScratch(ctx context.Context, scratchID string) (*Subscription, error) {
	return b.Subscribe(ctx, subjectScratch(scratchID))
}

// deriveStream implements the shared "replace root -> Ready -> filtered
// patches" machinery every derived entity stream above composes: it hands
// the caller-built snapshot to the subscriber as one replace-root patch,
// follows it with Ready, then relays the subject's live traffic, rewriting
// each entity patch's op against belongs so a freshly-matching id arrives as
// Add and a no-longer-matching one arrives as Remove. subject may be a
// wildcard ("workspaces.*") or a subject already scoped to one entity
// (session-keyed execution process subjects); either way live delivery uses
// subscribeLive so the bus's own retained replay never duplicates what the
// snapshot already captured.
func (b *Bus) deriveStream(ctx context.Context, rootPath string, snapshot map[string]any, known map[string]bool, subject string, belongs func(id string) (bool, error)) (*Subscription, error) {
	live, err := b.subscribeLive(ctx, subject)
	if err != nil {
		return nil, err
	}

	out := make(chan LogMsg, 2048)
	sub := &Subscription{ch: out, log: b.log, sub: live.sub}

	initial, err := json.Marshal([]PatchOp{{Op: "add", Path: rootPath, Value: snapshot}})
	if err != nil {
		live.Unsubscribe()
		return nil, fmt.Errorf("marshal snapshot patch: %w", err)
	}

	go func() {
		defer close(out)
		select {
		case out <- LogMsg{Kind: KindJSONPatch, JSONPatch: initial}:
		case <-ctx.Done():
			return
		}
		select {
		case out <- LogMsg{Kind: KindReady}:
		case <-ctx.Done():
			return
		}
		for msg := range live.C() {
			fwd, ok, err := reconcileMsg(rootPath, known, belongs, msg)
			if err != nil {
				b.log.Warn("eventbus: derived stream reconciliation failed", "subject", subject, "err", err)
				continue
			}
			if !ok {
				continue
			}
			select {
			case out <- fwd:
			case <-ctx.Done():
				return
			}
		}
	}()

	return sub, nil
}

// reconcileMsg rewrites a JSONPatch LogMsg's ops against the filter's
// current membership set, dropping the message entirely if every op in it
// was filtered out. Non-JSONPatch messages (Ready, Finished, SessionId,
// Lagged) pass through unchanged.
func reconcileMsg(rootPath string, known map[string]bool, belongs func(id string) (bool, error), msg LogMsg) (LogMsg, bool, error) {
	if msg.Kind != KindJSONPatch {
		return msg, true, nil
	}

	var ops []PatchOp
	if err := json.Unmarshal(msg.JSONPatch, &ops); err != nil {
		return LogMsg{}, false, fmt.Errorf("unmarshal patch ops: %w", err)
	}

	prefix := rootPath + "/"
	out := make([]PatchOp, 0, len(ops))
	for _, op := range ops {
		if !strings.HasPrefix(op.Path, prefix) {
			out = append(out, op)
			continue
		}
		id := strings.TrimPrefix(op.Path, prefix)
		in, err := belongs(id)
		if err != nil {
			return LogMsg{}, false, err
		}
		wasKnown := known[id]
		switch {
		case in && !wasKnown:
			op.Op = "add"
			known[id] = true
		case in && wasKnown:
			op.Op = "replace"
		case !in && wasKnown:
			op.Op = "remove"
			op.Value = nil
			known[id] = false
		default: // !in && !wasKnown: never part of this view, stays excluded
			continue
		}
		out = append(out, op)
	}
	if len(out) == 0 {
		return LogMsg{}, false, nil
	}

	data, err := json.Marshal(out)
	if err != nil {
		return LogMsg{}, false, fmt.Errorf("marshal reconciled ops: %w", err)
	}
	msg.JSONPatch = data
	return msg, true, nil
}
