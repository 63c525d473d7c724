// Package claim implements the task claim protocol: workers race for OPEN
// tasks through a compare-and-swap, hold time-bounded leases while assigned,
// and lapsed leases are swept back to OPEN.
package claim

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/kazz187/mergeguild/internal/audit"
	"github.com/kazz187/mergeguild/internal/eventbus"
	"github.com/kazz187/mergeguild/internal/gittree"
	"github.com/kazz187/mergeguild/internal/ledger"
	"github.com/kazz187/mergeguild/internal/task"
	"github.com/kazz187/mergeguild/internal/workspace"
	"github.com/kazz187/mergeguild/pkg/cerr"
)

var (
	// ErrNoOpenTasks is returned when every claimable task was taken before
	// (or while) the worker tried. Workers back off and poll again.
	ErrNoOpenTasks = cerr.NewError(cerr.NotFound, "no open tasks available", nil)
	// ErrStaleWorkspace is returned when a worker tries to claim from a
	// workspace that is behind the trunk or has diverged. The worker must
	// sync before claiming.
	ErrStaleWorkspace = cerr.NewError(cerr.FailedPrecondition, "workspace is behind trunk, sync before claiming", nil)
)

// LeaseExpiredError is returned when a worker renews a task it no longer
// holds: the lease lapsed and the sweeper (or another claim) already moved
// the record on. The worker abandons its in-progress work.
type LeaseExpiredError struct {
	TaskID string
	Owner  string
}

func (e *LeaseExpiredError) Error() string {
	return fmt.Sprintf("lease on task %s expired for %s", e.TaskID, e.Owner)
}

type Coordinator struct {
	tasks      task.Repository
	workspaces workspace.Repository
	audits     audit.Repository
	tree       gittree.Tree
	bus        *eventbus.Bus

	leaseDuration time.Duration
	sweepInterval time.Duration
	workerTimeout time.Duration
}

func NewCoordinator(
	tasks task.Repository,
	workspaces workspace.Repository,
	audits audit.Repository,
	tree gittree.Tree,
	bus *eventbus.Bus,
	leaseDuration, sweepInterval, workerTimeout time.Duration,
) *Coordinator {
	return &Coordinator{
		tasks:         tasks,
		workspaces:    workspaces,
		audits:        audits,
		tree:          tree,
		bus:           bus,
		leaseDuration: leaseDuration,
		sweepInterval: sweepInterval,
		workerTimeout: workerTimeout,
	}
}

// Claim assigns one OPEN task to workerName. The worker's workspace must be
// at the current trunk revision: claiming from a stale base would produce a
// proposal against history the trunk has already moved past.
//
// The claim itself is a CAS per candidate: losing a race for one task is not
// an error, the next candidate is tried. Only when every candidate is lost
// (or none exist) does the worker get ErrNoOpenTasks.
func (c *Coordinator) Claim(ctx context.Context, workerName string) (*task.Task, error) {
	if err := c.checkFreshness(ctx, workerName); err != nil {
		return nil, err
	}

	candidates, err := c.tasks.ListOpen(ctx)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, ErrNoOpenTasks
	}

	leaseUntil := time.Now().Add(c.leaseDuration)
	for _, candidate := range candidates {
		claimed, err := c.tasks.UpdateStatus(ctx, candidate.ID, task.StatusOpen, task.StatusAssigned, workerName, func(t *task.Task) {
			t.LeaseExpiresAt = leaseUntil
		})
		if err != nil {
			if ledger.IsStale(err) {
				// Lost the race for this task, try the next candidate.
				slog.Debug("claim lost", "task_id", candidate.ID, "worker", workerName)
				continue
			}
			return nil, err
		}
		audit.Record(ctx, c.audits, "task", claimed.ID, string(task.StatusOpen), string(task.StatusAssigned), workerName, "claimed")
		c.bus.PublishNew(eventbus.TypeTaskClaimed, claimed.ID, "", map[string]string{"worker": workerName})
		return claimed, nil
	}
	return nil, ErrNoOpenTasks
}

// Renew extends the lease on a task the worker currently holds. Renewing a
// task the sweeper already reclaimed yields a *LeaseExpiredError.
func (c *Coordinator) Renew(ctx context.Context, taskID, workerName string) (*task.Task, error) {
	leaseUntil := time.Now().Add(c.leaseDuration)
	renewed, err := c.tasks.UpdateStatus(ctx, taskID, task.StatusAssigned, task.StatusAssigned, workerName, func(t *task.Task) {
		t.LeaseExpiresAt = leaseUntil
	})
	if err != nil {
		if ledger.IsStale(err) {
			if current, gerr := c.tasks.Get(ctx, taskID); gerr == nil && current.Owner != workerName {
				return nil, &LeaseExpiredError{TaskID: taskID, Owner: workerName}
			}
		}
		return nil, err
	}
	return renewed, nil
}

// Release abandons an assigned task, returning it to the claimable pool.
func (c *Coordinator) Release(ctx context.Context, taskID, workerName string) (*task.Task, error) {
	released, err := c.tasks.UpdateStatus(ctx, taskID, task.StatusAssigned, task.StatusOpen, workerName, nil)
	if err != nil {
		return nil, err
	}
	audit.Record(ctx, c.audits, "task", taskID, string(task.StatusAssigned), string(task.StatusOpen), workerName, "released")
	c.bus.PublishNew(eventbus.TypeTaskReleased, taskID, "", map[string]string{"worker": workerName})
	return released, nil
}

// Sweep returns every ASSIGNED task whose lease lapsed, or whose owner
// stopped heartbeating, to OPEN. A worker that renews between the scan and
// the CAS keeps its task; the stale swap simply loses.
func (c *Coordinator) Sweep(ctx context.Context) (int, error) {
	assigned, _, err := c.tasks.List(ctx, task.StatusAssigned, "", 0, 0)
	if err != nil {
		return 0, err
	}
	if len(assigned) == 0 {
		return 0, nil
	}

	lastSeen := map[string]time.Time{}
	workspaces, err := c.workspaces.List(ctx)
	if err != nil {
		return 0, err
	}
	for _, ws := range workspaces {
		lastSeen[ws.WorkerName] = ws.LastSeenAt
	}

	now := time.Now()
	swept := 0
	for _, t := range assigned {
		reason := ""
		switch {
		case t.LeaseExpired(now, c.leaseDuration):
			reason = "lease expired for " + t.Owner
		case now.Sub(lastSeen[t.Owner]) > c.workerTimeout:
			reason = "owner " + t.Owner + " stopped heartbeating"
		default:
			continue
		}
		expiredOwner := t.Owner
		if _, err := c.tasks.UpdateStatus(ctx, t.ID, task.StatusAssigned, task.StatusOpen, expiredOwner, nil); err != nil {
			if ledger.IsStale(err) {
				continue
			}
			slog.Error("failed to sweep expired lease", "task_id", t.ID, "error", err)
			continue
		}
		slog.Warn("task returned to open", "task_id", t.ID, "owner", expiredOwner, "reason", reason)
		audit.Record(ctx, c.audits, "task", t.ID, string(task.StatusAssigned), string(task.StatusOpen), "sweeper", reason)
		c.bus.PublishNew(eventbus.TypeLeaseExpired, t.ID, "", map[string]string{"owner": expiredOwner})
		swept++
	}
	return swept, nil
}

// Run sweeps expired leases on a fixed interval until ctx is done.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := c.Sweep(ctx); err != nil {
				slog.Error("lease sweep failed", "error", err)
			}
		}
	}
}

func (c *Coordinator) checkFreshness(ctx context.Context, workerName string) error {
	ws, err := c.workspaces.GetByWorker(ctx, workerName)
	if err != nil {
		return err
	}
	if ws.Diverged {
		return ErrStaleWorkspace
	}
	trunk, err := c.workspaces.GetTrunk(ctx)
	if err != nil {
		return err
	}
	trunkRevision, err := c.tree.Revision(ctx, trunk.Root)
	if err != nil {
		return err
	}
	if ws.Revision != trunkRevision {
		return ErrStaleWorkspace
	}
	return nil
}
