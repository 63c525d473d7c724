package workspace_test

import (
	"context"
	"testing"

	"github.com/kazz187/mergeguild/internal/eventbus"
	"github.com/kazz187/mergeguild/internal/gittree"
	"github.com/kazz187/mergeguild/internal/workspace"
	workspaceimpl "github.com/kazz187/mergeguild/internal/workspace/repositoryimpl"
	"github.com/kazz187/mergeguild/pkg/storage"
)

// fakeTree simulates a trunk at a fixed revision and records clone and
// fast-forward calls.
type fakeTree struct {
	gittree.Tree
	trunkRevision string
	cloned        map[string]bool // dst -> cloned
	conflictRoots map[string]bool // roots whose fast-forward conflicts
	ffCalls       int
}

func newFakeTree(revision string) *fakeTree {
	return &fakeTree{
		trunkRevision: revision,
		cloned:        map[string]bool{},
		conflictRoots: map[string]bool{},
	}
}

func (f *fakeTree) Init(ctx context.Context, root string) error {
	f.cloned[root] = true
	return nil
}

func (f *fakeTree) Clone(ctx context.Context, src, dst string) error {
	f.cloned[dst] = true
	return nil
}

func (f *fakeTree) DefaultBranch(ctx context.Context, root string) (string, error) {
	return "main", nil
}

func (f *fakeTree) Revision(ctx context.Context, root string) (string, error) {
	if !f.cloned[root] {
		return "", &notARepoError{root: root}
	}
	return f.trunkRevision, nil
}

func (f *fakeTree) FastForward(ctx context.Context, root string) (string, error) {
	f.ffCalls++
	if f.conflictRoots[root] {
		return "", &gittree.ConflictError{Op: "fast-forward", Branch: "main"}
	}
	return f.trunkRevision, nil
}

type notARepoError struct{ root string }

func (e *notARepoError) Error() string { return "not a repository: " + e.root }

func newService(t *testing.T, tree gittree.Tree) (*workspace.Service, workspace.Repository) {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	repo := workspaceimpl.NewYAMLRepository(store)
	return workspace.NewService(repo, tree, eventbus.New()), repo
}

func TestEnsureTrunkIsIdempotent(t *testing.T) {
	ctx := context.Background()
	tree := newFakeTree("rev-1")
	svc, repo := newService(t, tree)

	first, err := svc.EnsureTrunk(ctx, "/srv/trunk")
	if err != nil {
		t.Fatalf("EnsureTrunk failed: %v", err)
	}
	if !first.Trunk || first.Branch != "main" || first.Revision != "rev-1" {
		t.Errorf("unexpected trunk record: %+v", first)
	}

	tree.trunkRevision = "rev-2"
	second, err := svc.EnsureTrunk(ctx, "/srv/trunk")
	if err != nil {
		t.Fatalf("second EnsureTrunk failed: %v", err)
	}
	if second.ID != first.ID {
		t.Errorf("expected the trunk record to be reused, got %s and %s", first.ID, second.ID)
	}
	if second.Revision != "rev-2" {
		t.Errorf("expected refreshed revision rev-2, got %s", second.Revision)
	}

	all, err := repo.List(ctx)
	if err != nil {
		t.Fatalf("List failed: %v", err)
	}
	if len(all) != 1 {
		t.Errorf("expected a single trunk record, got %d", len(all))
	}
}

func TestRegisterClonesTrunk(t *testing.T) {
	ctx := context.Background()
	tree := newFakeTree("rev-1")
	svc, _ := newService(t, tree)

	if _, err := svc.EnsureTrunk(ctx, "/srv/trunk"); err != nil {
		t.Fatalf("EnsureTrunk failed: %v", err)
	}

	ws, err := svc.Register(ctx, "worker-a", "/srv/worker-a")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}
	if !tree.cloned["/srv/worker-a"] {
		t.Error("expected the workspace root to be cloned from trunk")
	}
	if ws.WorkerName != "worker-a" || ws.Revision != "rev-1" || ws.Trunk {
		t.Errorf("unexpected workspace record: %+v", ws)
	}

	// A restart re-registers the same worker without a second clone or a
	// duplicate record.
	again, err := svc.Register(ctx, "worker-a", "/srv/worker-a")
	if err != nil {
		t.Fatalf("re-register failed: %v", err)
	}
	if again.ID != ws.ID {
		t.Errorf("expected re-registration to reuse record %s, got %s", ws.ID, again.ID)
	}
}

func TestSyncFastForwards(t *testing.T) {
	ctx := context.Background()
	tree := newFakeTree("rev-1")
	svc, repo := newService(t, tree)

	if _, err := svc.EnsureTrunk(ctx, "/srv/trunk"); err != nil {
		t.Fatalf("EnsureTrunk failed: %v", err)
	}
	ws, err := svc.Register(ctx, "worker-a", "/srv/worker-a")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	// Already current: no fast-forward runs.
	if _, err := svc.Sync(ctx, ws.ID); err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if tree.ffCalls != 0 {
		t.Errorf("expected no fast-forward on a current workspace, got %d", tree.ffCalls)
	}

	tree.trunkRevision = "rev-2"
	synced, err := svc.Sync(ctx, ws.ID)
	if err != nil {
		t.Fatalf("Sync failed: %v", err)
	}
	if synced.Revision != "rev-2" || synced.Diverged {
		t.Errorf("expected rev-2 and converged, got %+v", synced)
	}
	if tree.ffCalls != 1 {
		t.Errorf("expected exactly one fast-forward, got %d", tree.ffCalls)
	}

	// Trunk itself never syncs.
	trunk, err := repo.GetTrunk(ctx)
	if err != nil {
		t.Fatalf("GetTrunk failed: %v", err)
	}
	if _, err := svc.Sync(ctx, trunk.ID); err != nil {
		t.Errorf("trunk sync must be a no-op, got %v", err)
	}
}

func TestSyncMarksDivergedOnConflict(t *testing.T) {
	ctx := context.Background()
	tree := newFakeTree("rev-1")
	svc, repo := newService(t, tree)

	if _, err := svc.EnsureTrunk(ctx, "/srv/trunk"); err != nil {
		t.Fatalf("EnsureTrunk failed: %v", err)
	}
	ws, err := svc.Register(ctx, "worker-a", "/srv/worker-a")
	if err != nil {
		t.Fatalf("Register failed: %v", err)
	}

	bus := eventbus.New()
	svc = workspace.NewService(repo, tree, bus)
	subID, sub := bus.Subscribe(4)
	defer bus.Unsubscribe(subID)

	tree.trunkRevision = "rev-2"
	tree.conflictRoots["/srv/worker-a"] = true

	_, err = svc.Sync(ctx, ws.ID)
	if !gittree.IsConflict(err) {
		t.Fatalf("expected a conflict, got %v", err)
	}

	got, err := repo.Get(ctx, ws.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if !got.Diverged {
		t.Error("expected the workspace to be marked diverged")
	}

	select {
	case ev := <-sub:
		if ev.Type != eventbus.TypeWorkspaceDiverged {
			t.Errorf("expected %s event, got %s", eventbus.TypeWorkspaceDiverged, ev.Type)
		}
	default:
		t.Error("expected a diverged event on the bus")
	}

	// Once the worker resolves the divergence, sync recovers.
	tree.conflictRoots["/srv/worker-a"] = false
	synced, err := svc.Sync(ctx, ws.ID)
	if err != nil {
		t.Fatalf("Sync after recovery failed: %v", err)
	}
	if synced.Revision != "rev-2" || synced.Diverged {
		t.Errorf("expected recovered workspace at rev-2, got %+v", synced)
	}
}
