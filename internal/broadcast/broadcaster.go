// Package broadcast pushes a freshly advanced trunk out to every registered
// workspace. Propagation is an at-least-once fan-out: syncing a workspace
// that is already current is a no-op, so retrying an interrupted broadcast
// is always safe.
package broadcast

import (
	"context"
	"log/slog"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/kazz187/mergeguild/internal/eventbus"
	"github.com/kazz187/mergeguild/internal/gittree"
	"github.com/kazz187/mergeguild/internal/hook"
	"github.com/kazz187/mergeguild/internal/workspace"
	"github.com/kazz187/mergeguild/pkg/retry"
)

type Broadcaster struct {
	workspaces workspace.Repository
	tree       gittree.Tree
	bus        *eventbus.Bus
	hooks      *hook.Runner
	policy     retry.Policy
}

func New(workspaces workspace.Repository, tree gittree.Tree, bus *eventbus.Bus, hooks *hook.Runner, policy retry.Policy) *Broadcaster {
	return &Broadcaster{
		workspaces: workspaces,
		tree:       tree,
		bus:        bus,
		hooks:      hooks,
		policy:     policy,
	}
}

// Broadcast fast-forwards every workspace except the trunk itself and the
// merge source (whose branch just landed; its owner syncs on its own
// schedule). Failures are per-workspace: one diverged clone never blocks the
// rest of the fleet.
func (b *Broadcaster) Broadcast(ctx context.Context, sourceWorkspaceID, trunkRevision string) {
	all, err := b.workspaces.List(ctx)
	if err != nil {
		slog.Error("broadcast: failed to list workspaces", "error", err)
		return
	}

	p := pool.New().WithContext(ctx)
	for _, ws := range all {
		if ws.Trunk || ws.ID == sourceWorkspaceID {
			continue
		}
		p.Go(func(ctx context.Context) error {
			b.syncOne(ctx, ws, trunkRevision)
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		slog.Error("broadcast interrupted", "error", err)
	}
}

func (b *Broadcaster) syncOne(ctx context.Context, ws *workspace.Workspace, trunkRevision string) {
	if ws.Revision == trunkRevision && !ws.Diverged {
		return
	}
	if ws.Diverged {
		// Already flagged; its owner has to resolve before syncs resume.
		return
	}

	var revision string
	err := b.policy.Do(ctx, func(ctx context.Context) error {
		var ffErr error
		revision, ffErr = b.tree.FastForward(ctx, ws.Root)
		return ffErr
	}, func(err error) bool {
		return !gittree.IsConflict(err)
	})
	if err != nil {
		if gittree.IsConflict(err) {
			slog.Warn("workspace diverged from trunk", "workspace_id", ws.ID, "worker", ws.WorkerName)
			if _, merr := b.workspaces.Mutate(ctx, ws.ID, func(ws *workspace.Workspace) error {
				ws.Diverged = true
				return nil
			}); merr != nil {
				slog.Error("failed to mark workspace diverged", "workspace_id", ws.ID, "error", merr)
			}
			b.bus.PublishNew(eventbus.TypeWorkspaceDiverged, ws.ID, "", map[string]string{"worker": ws.WorkerName})
			return
		}
		slog.Error("failed to sync workspace", "workspace_id", ws.ID, "error", err)
		return
	}

	if _, err := b.workspaces.Mutate(ctx, ws.ID, func(ws *workspace.Workspace) error {
		ws.Revision = revision
		ws.Diverged = false
		ws.LastSeenAt = time.Now()
		return nil
	}); err != nil {
		slog.Error("failed to record workspace revision", "workspace_id", ws.ID, "error", err)
		return
	}
	b.bus.PublishNew(eventbus.TypeWorkspaceSynced, ws.ID, revision, map[string]string{"worker": ws.WorkerName})
	if b.hooks != nil {
		b.hooks.PostSync(ctx, map[string]string{
			"WORKSPACE_ID": ws.ID,
			"WORKER":       ws.WorkerName,
			"ROOT":         ws.Root,
			"REVISION":     revision,
		})
	}
	slog.Info("workspace synced", "workspace_id", ws.ID, "worker", ws.WorkerName, "revision", revision)
}
