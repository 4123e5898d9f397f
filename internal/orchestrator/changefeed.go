package orchestrator

import (
	"context"
	"encoding/json"

	"github.com/orchestrate-dev/orchestrator/internal/eventbus"
	"github.com/orchestrate-dev/orchestrator/internal/store"
)

// wireChangeFeed registers the store's change-hook bridge: every committed
// insert/update fires a ChangeEvent, which fans out into its own detached
// goroutine that re-reads the fresh row and publishes it as a JSON-Patch op
// on the matching bus subject (spec.md §4.1's change-notification contract,
// §5's "update hooks fan out by spawning a detached task that emits the
// patch"). Projects, tasks, workspaces, and execution processes are the
// four entity kinds with a root path on the bus (§3's events section); every
// other table's ChangeEvent is ignored here.
func (o *Orchestrator) wireChangeFeed() {
	o.store.OnChange(func(ev store.ChangeEvent) {
		go o.publishChange(ev)
	})
}

func (o *Orchestrator) publishChange(ev store.ChangeEvent) {
	if ev.Op == store.Delete {
		return
	}
	op := "replace"
	if ev.Op == store.Insert {
		op = "add"
	}

	ctx := context.Background()
	switch ev.Table {
	case "projects":
		p, err := o.store.Projects.Get(ctx, ev.RowID)
		if err != nil {
			o.log.Warn("orchestrator: change feed read failed", "table", ev.Table, "id", ev.RowID, "err", err)
			return
		}
		o.publishEntityPatch(func(msg eventbus.LogMsg) error { return o.bus.PublishProject(ev.RowID, msg) }, op, "/projects/"+ev.RowID, p)

	case "tasks":
		t, err := o.store.Tasks.Get(ctx, ev.RowID)
		if err != nil {
			o.log.Warn("orchestrator: change feed read failed", "table", ev.Table, "id", ev.RowID, "err", err)
			return
		}
		o.publishEntityPatch(func(msg eventbus.LogMsg) error { return o.bus.PublishTask(ev.RowID, msg) }, op, "/tasks/"+ev.RowID, t)

	case "workspaces":
		w, err := o.store.Workspaces.Get(ctx, ev.RowID)
		if err != nil {
			o.log.Warn("orchestrator: change feed read failed", "table", ev.Table, "id", ev.RowID, "err", err)
			return
		}
		o.publishEntityPatch(func(msg eventbus.LogMsg) error { return o.bus.PublishWorkspace(ev.RowID, msg) }, op, "/workspaces/"+ev.RowID, w)

	case "execution_processes":
		p, err := o.store.Processes.Get(ctx, ev.RowID)
		if err != nil {
			o.log.Warn("orchestrator: change feed read failed", "table", ev.Table, "id", ev.RowID, "err", err)
			return
		}
		// Processes are addressed on the bus by their owning session, not
		// their own id, so a client following one session's turns sees every
		// process that belongs to it on a single subject.
		o.publishEntityPatch(func(msg eventbus.LogMsg) error { return o.bus.PublishProcess(p.SessionID, msg) }, op, "/execution_processes/"+ev.RowID, p)
	}
}

// publishEntityPatch wraps value in a single JSON-Patch op at path and hands
// the resulting LogMsg to publish; a marshal or publish failure only logs,
// since a missed change-feed patch is not fatal to the mutation it followed.
func (o *Orchestrator) publishEntityPatch(publish func(eventbus.LogMsg) error, op, path string, value any) {
	data, err := json.Marshal([]eventbus.PatchOp{{Op: op, Path: path, Value: value}})
	if err != nil {
		o.log.Warn("orchestrator: marshal change patch failed", "path", path, "err", err)
		return
	}
	if err := publish(eventbus.LogMsg{Kind: eventbus.KindJSONPatch, JSONPatch: data}); err != nil {
		o.log.Warn("orchestrator: publish change patch failed", "path", path, "err", err)
	}
}
