package repositoryimpl

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kazz187/mergeguild/internal/ledger"
	"github.com/kazz187/mergeguild/internal/task"
	"github.com/kazz187/mergeguild/pkg/cerr"
	"github.com/kazz187/mergeguild/pkg/storage"
)

func newTestRepo(t *testing.T) *YAMLRepository {
	t.Helper()
	store, err := storage.NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}
	return NewYAMLRepository(store)
}

func TestCreateAndGet(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tk := task.New("add parser", "implement the config parser", map[string]string{"area": "config"})
	if err := repo.Create(ctx, tk); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	got, err := repo.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Title != tk.Title {
		t.Errorf("expected title %q, got %q", tk.Title, got.Title)
	}
	if got.Status != task.StatusOpen {
		t.Errorf("expected status OPEN, got %s", got.Status)
	}

	if err := repo.Create(ctx, tk); !cerr.IsCode(err, cerr.AlreadyExists) {
		t.Errorf("expected AlreadyExists on duplicate create, got %v", err)
	}
}

func TestUpdateStatusCAS(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tk := task.New("t", "", nil)
	if err := repo.Create(ctx, tk); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	claimed, err := repo.UpdateStatus(ctx, tk.ID, task.StatusOpen, task.StatusAssigned, "worker-a", nil)
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if claimed.Owner != "worker-a" {
		t.Errorf("expected owner worker-a, got %q", claimed.Owner)
	}
	if claimed.Revision != 1 {
		t.Errorf("expected revision 1, got %d", claimed.Revision)
	}

	// Second claim must observe the stale state, not overwrite it.
	_, err = repo.UpdateStatus(ctx, tk.ID, task.StatusOpen, task.StatusAssigned, "worker-b", nil)
	if !ledger.IsStale(err) {
		t.Fatalf("expected StaleStateError, got %v", err)
	}

	// A different worker cannot transition an owned task.
	_, err = repo.UpdateStatus(ctx, tk.ID, task.StatusAssigned, task.StatusInReview, "worker-b", nil)
	if !ledger.IsStale(err) {
		t.Fatalf("expected StaleStateError for owner mismatch, got %v", err)
	}

	// The owner can.
	got, err := repo.UpdateStatus(ctx, tk.ID, task.StatusAssigned, task.StatusInReview, "worker-a", nil)
	if err != nil {
		t.Fatalf("owner transition failed: %v", err)
	}
	if got.Status != task.StatusInReview {
		t.Errorf("expected IN_REVIEW, got %s", got.Status)
	}
}

// TestUpdateStatusSelfEdgeRefreshesLease covers lease renewal: the
// ASSIGNED -> ASSIGNED refresh is not a lifecycle transition and must not be
// rejected by the transition map.
func TestUpdateStatusSelfEdgeRefreshesLease(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tk := task.New("t", "", nil)
	if err := repo.Create(ctx, tk); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	first := time.Now().Add(30 * time.Minute)
	if _, err := repo.UpdateStatus(ctx, tk.ID, task.StatusOpen, task.StatusAssigned, "worker-a", func(t *task.Task) {
		t.LeaseExpiresAt = first
	}); err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	later := time.Now().Add(time.Hour)
	renewed, err := repo.UpdateStatus(ctx, tk.ID, task.StatusAssigned, task.StatusAssigned, "worker-a", func(t *task.Task) {
		t.LeaseExpiresAt = later
	})
	if err != nil {
		t.Fatalf("renewal refresh failed: %v", err)
	}
	if renewed.Status != task.StatusAssigned || renewed.Owner != "worker-a" {
		t.Errorf("refresh must not change state, got %s/%q", renewed.Status, renewed.Owner)
	}
	if !renewed.LeaseExpiresAt.Equal(later) {
		t.Errorf("expected lease %v, got %v", later, renewed.LeaseExpiresAt)
	}
	if renewed.Revision != 2 {
		t.Errorf("expected revision 2 after refresh, got %d", renewed.Revision)
	}

	// The refresh is still owner-bound.
	if _, err := repo.UpdateStatus(ctx, tk.ID, task.StatusAssigned, task.StatusAssigned, "worker-b", nil); !ledger.IsStale(err) {
		t.Errorf("expected StaleStateError for a non-owner refresh, got %v", err)
	}
}

func TestUpdateStatusRejectsInvalidTransition(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tk := task.New("t", "", nil)
	if err := repo.Create(ctx, tk); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	_, err := repo.UpdateStatus(ctx, tk.ID, task.StatusOpen, task.StatusCompleted, "worker-a", nil)
	if !cerr.IsCode(err, cerr.FailedPrecondition) {
		t.Errorf("expected FailedPrecondition, got %v", err)
	}
}

func TestUpdateStatusReleaseClearsOwnerAndLease(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tk := task.New("t", "", nil)
	if err := repo.Create(ctx, tk); err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	_, err := repo.UpdateStatus(ctx, tk.ID, task.StatusOpen, task.StatusAssigned, "worker-a", func(t *task.Task) {
		t.LeaseExpiresAt = time.Now().Add(30 * time.Minute)
	})
	if err != nil {
		t.Fatalf("claim failed: %v", err)
	}

	released, err := repo.UpdateStatus(ctx, tk.ID, task.StatusAssigned, task.StatusOpen, "worker-a", nil)
	if err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if released.Owner != "" {
		t.Errorf("expected cleared owner, got %q", released.Owner)
	}
	if !released.LeaseExpiresAt.IsZero() {
		t.Errorf("expected cleared lease, got %v", released.LeaseExpiresAt)
	}
}

// TestConcurrentClaimsSingleWinner drives K concurrent claimants at one open
// task: exactly one CAS succeeds and everyone else observes a stale state.
func TestConcurrentClaimsSingleWinner(t *testing.T) {
	repo := newTestRepo(t)
	ctx := context.Background()

	tk := task.New("contended", "", nil)
	if err := repo.Create(ctx, tk); err != nil {
		t.Fatalf("Create failed: %v", err)
	}

	const workers = 16
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		wins  int
		stale int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			owner := fmt.Sprintf("worker-%d", i)
			_, err := repo.UpdateStatus(ctx, tk.ID, task.StatusOpen, task.StatusAssigned, owner, nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				wins++
			case ledger.IsStale(err):
				stale++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("expected exactly 1 winner, got %d", wins)
	}
	if stale != workers-1 {
		t.Errorf("expected %d stale losers, got %d", workers-1, stale)
	}

	got, err := repo.Get(ctx, tk.ID)
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if got.Status != task.StatusAssigned || got.Owner == "" {
		t.Errorf("expected an assigned task with an owner, got %s/%q", got.Status, got.Owner)
	}
}
