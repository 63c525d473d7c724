package claim

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kazz187/mergeguild/internal/audit"
	auditimpl "github.com/kazz187/mergeguild/internal/audit/repositoryimpl"
	"github.com/kazz187/mergeguild/internal/eventbus"
	"github.com/kazz187/mergeguild/internal/gittree"
	"github.com/kazz187/mergeguild/internal/task"
	taskimpl "github.com/kazz187/mergeguild/internal/task/repositoryimpl"
	"github.com/kazz187/mergeguild/internal/workspace"
	workspaceimpl "github.com/kazz187/mergeguild/internal/workspace/repositoryimpl"
	"github.com/kazz187/mergeguild/pkg/cerr"
	"github.com/kazz187/mergeguild/pkg/storage"
)

// fakeTree serves a fixed trunk revision; nothing else is exercised by the
// claim protocol.
type fakeTree struct {
	gittree.Tree
	revision string
}

func (f *fakeTree) Revision(ctx context.Context, root string) (string, error) {
	return f.revision, nil
}

type fixture struct {
	coordinator *Coordinator
	tasks       task.Repository
	workspaces  workspace.Repository
	audits      audit.Repository
	tree        *fakeTree
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	tasks := taskimpl.NewYAMLRepository(store)
	workspaces := workspaceimpl.NewYAMLRepository(store)
	audits := auditimpl.NewYAMLRepository(store)
	tree := &fakeTree{revision: "rev-1"}
	return &fixture{
		coordinator: NewCoordinator(tasks, workspaces, audits, tree, eventbus.New(), 30*time.Minute, time.Minute, time.Hour),
		tasks:       tasks,
		workspaces:  workspaces,
		audits:      audits,
		tree:        tree,
	}
}

func (f *fixture) addWorkspace(t *testing.T, workerName, revision string, trunk bool) *workspace.Workspace {
	t.Helper()
	ws := workspace.New(workerName, "/tmp/"+workerName, "main")
	ws.Revision = revision
	ws.Trunk = trunk
	if err := f.workspaces.Create(context.Background(), ws); err != nil {
		t.Fatalf("failed to create workspace: %v", err)
	}
	return ws
}

func TestClaimAssignsOpenTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorkspace(t, "trunk", "rev-1", true)
	f.addWorkspace(t, "worker-a", "rev-1", false)

	tk := task.New("t", "", nil)
	if err := f.tasks.Create(ctx, tk); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	claimed, err := f.coordinator.Claim(ctx, "worker-a")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if claimed.ID != tk.ID {
		t.Errorf("expected task %s, got %s", tk.ID, claimed.ID)
	}
	if claimed.Status != task.StatusAssigned || claimed.Owner != "worker-a" {
		t.Errorf("expected ASSIGNED/worker-a, got %s/%q", claimed.Status, claimed.Owner)
	}
	if claimed.LeaseExpiresAt.IsZero() {
		t.Error("expected a stamped lease")
	}

	trail, err := f.audits.List(ctx, "task", tk.ID)
	if err != nil {
		t.Fatalf("audit List failed: %v", err)
	}
	if len(trail) != 1 || trail[0].To != string(task.StatusAssigned) {
		t.Errorf("expected one claim audit entry, got %+v", trail)
	}
}

func TestClaimNoOpenTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorkspace(t, "trunk", "rev-1", true)
	f.addWorkspace(t, "worker-a", "rev-1", false)

	if _, err := f.coordinator.Claim(ctx, "worker-a"); err != ErrNoOpenTasks {
		t.Errorf("expected ErrNoOpenTasks, got %v", err)
	}
}

func TestClaimRejectsStaleWorkspace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorkspace(t, "trunk", "rev-2", true)
	f.addWorkspace(t, "worker-a", "rev-1", false)
	f.tree.revision = "rev-2"

	tk := task.New("t", "", nil)
	if err := f.tasks.Create(ctx, tk); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	if _, err := f.coordinator.Claim(ctx, "worker-a"); err != ErrStaleWorkspace {
		t.Errorf("expected ErrStaleWorkspace, got %v", err)
	}

	got, err := f.tasks.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != task.StatusOpen {
		t.Errorf("task must stay OPEN behind a stale workspace, got %s", got.Status)
	}
}

func TestClaimRejectsDivergedWorkspace(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorkspace(t, "trunk", "rev-1", true)
	ws := f.addWorkspace(t, "worker-a", "rev-1", false)
	if _, err := f.workspaces.Mutate(ctx, ws.ID, func(ws *workspace.Workspace) error {
		ws.Diverged = true
		return nil
	}); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	if _, err := f.coordinator.Claim(ctx, "worker-a"); err != ErrStaleWorkspace {
		t.Errorf("expected ErrStaleWorkspace, got %v", err)
	}
}

func TestClaimUnknownWorker(t *testing.T) {
	f := newFixture(t)
	f.addWorkspace(t, "trunk", "rev-1", true)

	_, err := f.coordinator.Claim(context.Background(), "ghost")
	if !cerr.IsCode(err, cerr.NotFound) {
		t.Errorf("expected NotFound for unregistered worker, got %v", err)
	}
}

func TestRenewExtendsLease(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorkspace(t, "trunk", "rev-1", true)
	f.addWorkspace(t, "worker-a", "rev-1", false)

	tk := task.New("t", "", nil)
	if err := f.tasks.Create(ctx, tk); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	claimed, err := f.coordinator.Claim(ctx, "worker-a")
	if err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	renewed, err := f.coordinator.Renew(ctx, claimed.ID, "worker-a")
	if err != nil {
		t.Fatalf("Renew failed: %v", err)
	}
	if renewed.LeaseExpiresAt.Before(claimed.LeaseExpiresAt) {
		t.Errorf("renewed lease %v must not precede the original %v", renewed.LeaseExpiresAt, claimed.LeaseExpiresAt)
	}

	if _, err := f.coordinator.Renew(ctx, claimed.ID, "worker-b"); err == nil {
		t.Error("expected renew by a non-owner to fail")
	}
}

func TestReleaseReturnsTaskToOpen(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorkspace(t, "trunk", "rev-1", true)
	f.addWorkspace(t, "worker-a", "rev-1", false)

	tk := task.New("t", "", nil)
	if err := f.tasks.Create(ctx, tk); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.coordinator.Claim(ctx, "worker-a"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	released, err := f.coordinator.Release(ctx, tk.ID, "worker-a")
	if err != nil {
		t.Fatalf("Release failed: %v", err)
	}
	if released.Status != task.StatusOpen || released.Owner != "" {
		t.Errorf("expected OPEN with no owner, got %s/%q", released.Status, released.Owner)
	}

	// The released task is claimable again, by anyone.
	f.addWorkspace(t, "worker-b", "rev-1", false)
	if _, err := f.coordinator.Claim(ctx, "worker-b"); err != nil {
		t.Errorf("re-claim after release failed: %v", err)
	}
}

func TestSweepReturnsExpiredLeases(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorkspace(t, "trunk", "rev-1", true)
	f.addWorkspace(t, "worker-a", "rev-1", false)

	expired := task.New("expired", "", nil)
	live := task.New("live", "", nil)
	for _, tk := range []*task.Task{expired, live} {
		if err := f.tasks.Create(ctx, tk); err != nil {
			t.Fatalf("Create failed: %v", err)
		}
	}
	if _, err := f.tasks.UpdateStatus(ctx, expired.ID, task.StatusOpen, task.StatusAssigned, "worker-a", func(t *task.Task) {
		t.LeaseExpiresAt = time.Now().Add(-time.Minute)
	}); err != nil {
		t.Fatalf("assign failed: %v", err)
	}
	if _, err := f.tasks.UpdateStatus(ctx, live.ID, task.StatusOpen, task.StatusAssigned, "worker-a", func(t *task.Task) {
		t.LeaseExpiresAt = time.Now().Add(time.Hour)
	}); err != nil {
		t.Fatalf("assign failed: %v", err)
	}

	swept, err := f.coordinator.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if swept != 1 {
		t.Errorf("expected 1 swept task, got %d", swept)
	}

	got, _ := f.tasks.Get(ctx, expired.ID)
	if got.Status != task.StatusOpen || got.Owner != "" {
		t.Errorf("expected expired task back to OPEN, got %s/%q", got.Status, got.Owner)
	}
	got, _ = f.tasks.Get(ctx, live.ID)
	if got.Status != task.StatusAssigned {
		t.Errorf("expected live lease untouched, got %s", got.Status)
	}
}

func TestSweepReturnsDeadWorkerTasks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorkspace(t, "trunk", "rev-1", true)
	ws := f.addWorkspace(t, "worker-a", "rev-1", false)

	tk := task.New("t", "", nil)
	if err := f.tasks.Create(ctx, tk); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.coordinator.Claim(ctx, "worker-a"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}

	// Lease is live, but the worker stopped heartbeating long ago.
	if _, err := f.workspaces.Mutate(ctx, ws.ID, func(ws *workspace.Workspace) error {
		ws.LastSeenAt = time.Now().Add(-2 * time.Hour)
		return nil
	}); err != nil {
		t.Fatalf("Mutate failed: %v", err)
	}

	swept, err := f.coordinator.Sweep(ctx)
	if err != nil {
		t.Fatalf("Sweep failed: %v", err)
	}
	if swept != 1 {
		t.Errorf("expected the dead worker's task swept, got %d", swept)
	}
	got, _ := f.tasks.Get(ctx, tk.ID)
	if got.Status != task.StatusOpen {
		t.Errorf("expected task back to OPEN, got %s", got.Status)
	}
}

func TestRenewAfterSweepReportsLeaseExpired(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.addWorkspace(t, "trunk", "rev-1", true)
	f.addWorkspace(t, "worker-a", "rev-1", false)

	tk := task.New("t", "", nil)
	if err := f.tasks.Create(ctx, tk); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	if _, err := f.coordinator.Claim(ctx, "worker-a"); err != nil {
		t.Fatalf("Claim failed: %v", err)
	}
	if _, err := f.tasks.UpdateStatus(ctx, tk.ID, task.StatusAssigned, task.StatusOpen, "worker-a", nil); err != nil {
		t.Fatalf("sweep-back failed: %v", err)
	}

	_, err := f.coordinator.Renew(ctx, tk.ID, "worker-a")
	var expired *LeaseExpiredError
	if !errors.As(err, &expired) {
		t.Fatalf("expected LeaseExpiredError, got %v", err)
	}
	if expired.TaskID != tk.ID || expired.Owner != "worker-a" {
		t.Errorf("unexpected error detail: %+v", expired)
	}
}
