package broadcast

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/kazz187/mergeguild/internal/eventbus"
	"github.com/kazz187/mergeguild/internal/gittree"
	"github.com/kazz187/mergeguild/internal/workspace"
	workspaceimpl "github.com/kazz187/mergeguild/internal/workspace/repositoryimpl"
	"github.com/kazz187/mergeguild/pkg/retry"
	"github.com/kazz187/mergeguild/pkg/storage"
)

type fakeTree struct {
	gittree.Tree

	mu       sync.Mutex
	revision string
	synced   []string        // roots fast-forwarded, in call order
	conflict map[string]bool // roots that refuse to fast-forward
	failures map[string]int  // roots that fail transiently N times
}

func (f *fakeTree) FastForward(ctx context.Context, root string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.conflict[root] {
		return "", &gittree.ConflictError{Op: "fast-forward", Branch: "main"}
	}
	if f.failures[root] > 0 {
		f.failures[root]--
		return "", context.DeadlineExceeded
	}
	f.synced = append(f.synced, root)
	return f.revision, nil
}

func (f *fakeTree) syncedRoots() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.synced...)
}

func newRepo(t *testing.T) workspace.Repository {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return workspaceimpl.NewYAMLRepository(store)
}

func addWorkspace(t *testing.T, repo workspace.Repository, worker, revision string, trunk bool) *workspace.Workspace {
	t.Helper()
	ws := workspace.New(worker, "/tmp/"+worker, "main")
	ws.Revision = revision
	ws.Trunk = trunk
	if err := repo.Create(context.Background(), ws); err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}
	return ws
}

func fastPolicy() retry.Policy {
	return retry.Policy{Attempts: 3, InitialBackoff: time.Millisecond, Factor: 1.0}
}

func TestBroadcastSkipsTrunkSourceAndCurrent(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	addWorkspace(t, repo, "trunk", "rev-2", true)
	source := addWorkspace(t, repo, "worker-a", "rev-1", false)
	behind := addWorkspace(t, repo, "worker-b", "rev-1", false)
	addWorkspace(t, repo, "worker-c", "rev-2", false) // already current

	tree := &fakeTree{revision: "rev-2"}
	b := New(repo, tree, eventbus.New(), nil, fastPolicy())
	b.Broadcast(ctx, source.ID, "rev-2")

	synced := tree.syncedRoots()
	if len(synced) != 1 || synced[0] != behind.Root {
		t.Errorf("expected only %s to sync, got %v", behind.Root, synced)
	}

	got, err := repo.Get(ctx, behind.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Revision != "rev-2" {
		t.Errorf("expected recorded revision rev-2, got %q", got.Revision)
	}
}

func TestBroadcastMarksDivergedWorkspace(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	addWorkspace(t, repo, "trunk", "rev-2", true)
	bad := addWorkspace(t, repo, "worker-a", "rev-1", false)
	good := addWorkspace(t, repo, "worker-b", "rev-1", false)

	tree := &fakeTree{
		revision: "rev-2",
		conflict: map[string]bool{bad.Root: true},
	}
	bus := eventbus.New()
	_, events := bus.Subscribe(16)

	b := New(repo, tree, bus, nil, fastPolicy())
	b.Broadcast(ctx, "", "rev-2")

	gotBad, _ := repo.Get(ctx, bad.ID)
	if !gotBad.Diverged {
		t.Error("expected the conflicting workspace to be marked diverged")
	}
	gotGood, _ := repo.Get(ctx, good.ID)
	if gotGood.Revision != "rev-2" || gotGood.Diverged {
		t.Errorf("one diverged workspace must not block the rest, got %+v", gotGood)
	}

	var sawDiverged bool
	for len(events) > 0 {
		if e := <-events; e.Type == eventbus.TypeWorkspaceDiverged && e.ResourceID == bad.ID {
			sawDiverged = true
		}
	}
	if !sawDiverged {
		t.Error("expected a workspace.diverged event")
	}
}

func TestBroadcastRetriesTransientFailures(t *testing.T) {
	repo := newRepo(t)
	ctx := context.Background()

	addWorkspace(t, repo, "trunk", "rev-2", true)
	flaky := addWorkspace(t, repo, "worker-a", "rev-1", false)

	tree := &fakeTree{
		revision: "rev-2",
		failures: map[string]int{flaky.Root: 2},
	}
	b := New(repo, tree, eventbus.New(), nil, fastPolicy())
	b.Broadcast(ctx, "", "rev-2")

	got, _ := repo.Get(ctx, flaky.ID)
	if got.Revision != "rev-2" {
		t.Errorf("expected sync to succeed after retries, got revision %q", got.Revision)
	}
}
