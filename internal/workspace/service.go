package workspace

import (
	"context"
	"log/slog"
	"time"

	"github.com/kazz187/mergeguild/internal/eventbus"
	"github.com/kazz187/mergeguild/internal/gittree"
	"github.com/kazz187/mergeguild/pkg/cerr"
)

// Service manages workspace lifecycle: trunk bootstrap, worker registration
// (clone from trunk) and synchronization back up to the trunk revision.
type Service struct {
	repo Repository
	tree gittree.Tree
	bus  *eventbus.Bus
}

func NewService(repo Repository, tree gittree.Tree, bus *eventbus.Bus) *Service {
	return &Service{
		repo: repo,
		tree: tree,
		bus:  bus,
	}
}

// EnsureTrunk initializes the authoritative repository at root and registers
// its workspace record. Safe to call on every server start.
func (s *Service) EnsureTrunk(ctx context.Context, root string) (*Workspace, error) {
	if err := s.tree.Init(ctx, root); err != nil {
		return nil, err
	}
	branch, err := s.tree.DefaultBranch(ctx, root)
	if err != nil {
		return nil, err
	}
	revision, err := s.tree.Revision(ctx, root)
	if err != nil {
		return nil, err
	}

	trunk, err := s.repo.GetTrunk(ctx)
	if err == nil {
		return s.repo.Mutate(ctx, trunk.ID, func(ws *Workspace) error {
			ws.Root = root
			ws.Branch = branch
			ws.Revision = revision
			ws.LastSeenAt = time.Now()
			return nil
		})
	}
	if !cerr.IsCode(err, cerr.NotFound) {
		return nil, err
	}

	trunk = New("trunk", root, branch)
	trunk.Trunk = true
	trunk.Revision = revision
	if err := s.repo.Create(ctx, trunk); err != nil {
		return nil, err
	}
	slog.Info("registered trunk workspace", "id", trunk.ID, "root", root, "branch", branch)
	return trunk, nil
}

// Register clones the trunk into root for workerName and records the
// workspace. Re-registration after a worker restart is idempotent: the
// existing record is refreshed instead of duplicated.
func (s *Service) Register(ctx context.Context, workerName, root string) (*Workspace, error) {
	if existing, err := s.repo.GetByWorker(ctx, workerName); err == nil {
		return s.repo.Mutate(ctx, existing.ID, func(ws *Workspace) error {
			ws.Root = root
			ws.LastSeenAt = time.Now()
			return nil
		})
	} else if !cerr.IsCode(err, cerr.NotFound) {
		return nil, err
	}

	trunk, err := s.repo.GetTrunk(ctx)
	if err != nil {
		return nil, err
	}

	// Root may already hold a clone from a previous run.
	if _, err := s.tree.Revision(ctx, root); err != nil {
		if err := s.tree.Clone(ctx, trunk.Root, root); err != nil {
			return nil, err
		}
	}
	branch, err := s.tree.DefaultBranch(ctx, root)
	if err != nil {
		return nil, err
	}
	revision, err := s.tree.Revision(ctx, root)
	if err != nil {
		return nil, err
	}

	ws := New(workerName, root, branch)
	ws.Revision = revision
	if err := s.repo.Create(ctx, ws); err != nil {
		return nil, err
	}
	slog.Info("registered workspace", "id", ws.ID, "worker", workerName, "root", root)
	return ws, nil
}

// Sync advances the workspace to the current trunk revision with a
// fast-forward. Syncing an already-current workspace is a no-op, so calling
// it twice is harmless. Divergent local history marks the workspace and
// surfaces the conflict to its owner.
func (s *Service) Sync(ctx context.Context, id string) (*Workspace, error) {
	ws, err := s.repo.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ws.Trunk {
		return ws, nil
	}

	trunk, err := s.repo.GetTrunk(ctx)
	if err != nil {
		return nil, err
	}
	trunkRevision, err := s.tree.Revision(ctx, trunk.Root)
	if err != nil {
		return nil, err
	}
	if ws.Revision == trunkRevision && !ws.Diverged {
		return s.repo.Mutate(ctx, ws.ID, func(ws *Workspace) error {
			ws.LastSeenAt = time.Now()
			return nil
		})
	}

	revision, err := s.tree.FastForward(ctx, ws.Root)
	if err != nil {
		if gittree.IsConflict(err) {
			if _, merr := s.repo.Mutate(ctx, ws.ID, func(ws *Workspace) error {
				ws.Diverged = true
				return nil
			}); merr != nil {
				slog.Error("failed to mark workspace diverged", "workspace_id", ws.ID, "error", merr)
			}
			s.bus.PublishNew(eventbus.TypeWorkspaceDiverged, ws.ID, "", map[string]string{"worker": ws.WorkerName})
		}
		return nil, err
	}

	updated, err := s.repo.Mutate(ctx, ws.ID, func(ws *Workspace) error {
		ws.Revision = revision
		ws.Diverged = false
		ws.LastSeenAt = time.Now()
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.PublishNew(eventbus.TypeWorkspaceSynced, ws.ID, revision, map[string]string{"worker": ws.WorkerName})
	return updated, nil
}

// Touch refreshes the worker liveness heartbeat.
func (s *Service) Touch(ctx context.Context, id string) {
	if _, err := s.repo.Mutate(ctx, id, func(ws *Workspace) error {
		ws.LastSeenAt = time.Now()
		return nil
	}); err != nil {
		slog.Debug("failed to touch workspace", "workspace_id", id, "error", err)
	}
}
