// Package merge owns the proposal lifecycle: submission, review verdicts and
// the serialized merge pipeline that lands approved branches on the trunk.
package merge

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/kazz187/mergeguild/internal/audit"
	"github.com/kazz187/mergeguild/internal/eventbus"
	"github.com/kazz187/mergeguild/internal/gittree"
	"github.com/kazz187/mergeguild/internal/hook"
	"github.com/kazz187/mergeguild/internal/ledger"
	"github.com/kazz187/mergeguild/internal/proposal"
	"github.com/kazz187/mergeguild/internal/task"
	"github.com/kazz187/mergeguild/internal/workspace"
	"github.com/kazz187/mergeguild/pkg/cerr"
	"github.com/kazz187/mergeguild/pkg/retry"
)

// TrunkBroadcaster propagates a newly advanced trunk to the worker fleet.
type TrunkBroadcaster interface {
	Broadcast(ctx context.Context, sourceWorkspaceID, trunkRevision string)
}

type Coordinator struct {
	proposals   proposal.Repository
	tasks       task.Repository
	workspaces  workspace.Repository
	audits      audit.Repository
	tree        gittree.Tree
	slots       *Slots
	bus         *eventbus.Bus
	hooks       *hook.Runner
	broadcaster TrunkBroadcaster

	policy         retry.Policy
	rescanInterval time.Duration

	pending chan string
	mu      sync.Mutex
	// inflight tracks proposals currently in the merge pipeline so the
	// rescan never double-enqueues; escalated tracks proposals whose merge
	// exhausted its retries and now needs an operator, so the rescan does
	// not retry them forever.
	inflight  map[string]bool
	escalated map[string]bool
}

func NewCoordinator(
	proposals proposal.Repository,
	tasks task.Repository,
	workspaces workspace.Repository,
	audits audit.Repository,
	tree gittree.Tree,
	bus *eventbus.Bus,
	hooks *hook.Runner,
	broadcaster TrunkBroadcaster,
	policy retry.Policy,
	rescanInterval time.Duration,
) *Coordinator {
	return &Coordinator{
		proposals:      proposals,
		tasks:          tasks,
		workspaces:     workspaces,
		audits:         audits,
		tree:           tree,
		slots:          NewSlots(),
		bus:            bus,
		hooks:          hooks,
		broadcaster:    broadcaster,
		policy:         policy,
		rescanInterval: rescanInterval,
		pending:        make(chan string, 64),
		inflight:       make(map[string]bool),
		escalated:      make(map[string]bool),
	}
}

// Submit opens a change proposal for a task the worker currently owns. The
// touched-path set is computed up front from the branch diff; the task moves
// to IN_REVIEW in the same step.
func (c *Coordinator) Submit(ctx context.Context, taskID, workerName, title, description string) (*proposal.Proposal, error) {
	t, err := c.tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t.Status != task.StatusAssigned || t.Owner != workerName {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("task is %s owned by %q, not assigned to %q", t.Status, t.Owner, workerName), nil)
	}

	ws, err := c.workspaces.GetByWorker(ctx, workerName)
	if err != nil {
		return nil, err
	}
	trunk, err := c.workspaces.GetTrunk(ctx)
	if err != nil {
		return nil, err
	}

	branch := proposal.BranchName(taskID, workerName)
	touched, err := c.tree.Diff(ctx, ws.Root, trunk.Branch, branch)
	if err != nil {
		return nil, err
	}

	p := proposal.New(taskID, workerName, title, description, ws.ID, branch, trunk.Branch)
	p.TouchedPaths = touched
	if err := c.proposals.Create(ctx, p); err != nil {
		return nil, err
	}

	if _, err := c.tasks.UpdateStatus(ctx, taskID, task.StatusAssigned, task.StatusInReview, workerName, func(t *task.Task) {
		t.ProposalID = p.ID
		t.Branch = branch
	}); err != nil {
		return nil, err
	}

	audit.Record(ctx, c.audits, "proposal", p.ID, "", string(proposal.StatusOpen), workerName, "submitted for task "+taskID)
	c.bus.PublishNew(eventbus.TypeProposalSubmitted, p.ID, "", map[string]string{"task_id": taskID, "author": workerName})
	slog.Info("proposal submitted", "proposal_id", p.ID, "task_id", taskID, "author", workerName, "paths", len(touched))
	return p, nil
}

// Approve records the verdict and hands the proposal to the merge pipeline.
// Merging happens asynchronously; callers observe the outcome through the
// proposal status and the event stream.
func (c *Coordinator) Approve(ctx context.Context, proposalID, reviewer, comments string) (*proposal.Proposal, error) {
	p, err := c.proposals.UpdateStatus(ctx, proposalID, proposal.StatusOpen, proposal.StatusApproved, func(p *proposal.Proposal) {
		p.ReviewComments = append(p.ReviewComments, proposal.ReviewComment{
			Reviewer:  reviewer,
			Approved:  true,
			Comments:  comments,
			CreatedAt: time.Now(),
		})
	})
	if err != nil {
		return nil, err
	}
	audit.Record(ctx, c.audits, "proposal", proposalID, string(proposal.StatusOpen), string(proposal.StatusApproved), reviewer, comments)
	c.bus.PublishNew(eventbus.TypeProposalApproved, proposalID, "", map[string]string{"reviewer": reviewer})
	c.enqueue(proposalID)
	return p, nil
}

// Reject returns the proposal to its author with review comments. The task
// goes back to ASSIGNED so the same owner can address the feedback.
func (c *Coordinator) Reject(ctx context.Context, proposalID, reviewer, comments string) (*proposal.Proposal, error) {
	p, err := c.proposals.UpdateStatus(ctx, proposalID, proposal.StatusOpen, proposal.StatusRejected, func(p *proposal.Proposal) {
		p.ReviewComments = append(p.ReviewComments, proposal.ReviewComment{
			Reviewer:  reviewer,
			Approved:  false,
			Comments:  comments,
			CreatedAt: time.Now(),
		})
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.tasks.UpdateStatus(ctx, p.TaskID, task.StatusInReview, task.StatusAssigned, p.Author, nil); err != nil && !ledger.IsStale(err) {
		slog.Error("failed to return rejected task to its owner", "task_id", p.TaskID, "error", err)
	}
	audit.Record(ctx, c.audits, "proposal", proposalID, string(proposal.StatusOpen), string(proposal.StatusRejected), reviewer, comments)
	c.bus.PublishNew(eventbus.TypeProposalRejected, proposalID, "", map[string]string{"reviewer": reviewer})
	return p, nil
}

// Resubmit reopens a rejected proposal after its author pushed new commits
// to the same branch. The touched-path set is recomputed for the new head
// and the task returns to IN_REVIEW.
func (c *Coordinator) Resubmit(ctx context.Context, proposalID, author string) (*proposal.Proposal, error) {
	current, err := c.proposals.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if current.Author != author {
		return nil, cerr.NewError(cerr.PermissionDenied, "only the author can resubmit a proposal", nil)
	}
	ws, err := c.workspaces.Get(ctx, current.SourceWorkspaceID)
	if err != nil {
		return nil, err
	}
	touched, err := c.tree.Diff(ctx, ws.Root, current.TargetBranch, current.SourceBranch)
	if err != nil {
		return nil, err
	}

	p, err := c.proposals.UpdateStatus(ctx, proposalID, proposal.StatusRejected, proposal.StatusOpen, func(p *proposal.Proposal) {
		p.TouchedPaths = touched
		p.ConflictingPaths = nil
	})
	if err != nil {
		return nil, err
	}
	if _, err := c.tasks.UpdateStatus(ctx, p.TaskID, task.StatusAssigned, task.StatusInReview, author, nil); err != nil && !ledger.IsStale(err) {
		slog.Error("failed to move resubmitted task to review", "task_id", p.TaskID, "error", err)
	}
	audit.Record(ctx, c.audits, "proposal", proposalID, string(proposal.StatusRejected), string(proposal.StatusOpen), author, "resubmitted")
	c.bus.PublishNew(eventbus.TypeProposalResubmit, proposalID, "", map[string]string{"author": author})
	return p, nil
}

// Run drains the merge queue until ctx is done. A periodic rescan picks up
// APPROVED proposals that were enqueued by a previous process or whose
// enqueue was dropped on a full channel.
func (c *Coordinator) Run(ctx context.Context) error {
	ticker := time.NewTicker(c.rescanInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case id := <-c.pending:
			c.dispatch(ctx, id)
		case <-ticker.C:
			c.rescan(ctx)
		}
	}
}

func (c *Coordinator) enqueue(id string) {
	select {
	case c.pending <- id:
	default:
		// Queue full; the rescan will pick it up.
		slog.Warn("merge queue full, deferring to rescan", "proposal_id", id)
	}
}

func (c *Coordinator) rescan(ctx context.Context) {
	approved, _, err := c.proposals.List(ctx, proposal.StatusApproved, "", 0, 0)
	if err != nil {
		slog.Error("merge rescan failed", "error", err)
		return
	}
	for _, p := range approved {
		c.mu.Lock()
		skip := c.inflight[p.ID] || c.escalated[p.ID]
		c.mu.Unlock()
		if !skip {
			c.enqueue(p.ID)
		}
	}
}

func (c *Coordinator) dispatch(ctx context.Context, id string) {
	c.mu.Lock()
	if c.inflight[id] {
		c.mu.Unlock()
		return
	}
	c.inflight[id] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.inflight, id)
			c.mu.Unlock()
		}()
		if err := c.mergeOne(ctx, id); err != nil {
			slog.Error("merge pipeline failed", "proposal_id", id, "error", err)
		}
	}()
}

// mergeOne lands one approved proposal on the trunk. Overlap with another
// in-flight merge queues on the path-set slots; the status CAS guards
// against a competing engine process picking up the same proposal.
func (c *Coordinator) mergeOne(ctx context.Context, id string) error {
	p, err := c.proposals.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status != proposal.StatusApproved {
		return nil
	}

	trunk, err := c.workspaces.GetTrunk(ctx)
	if err != nil {
		return err
	}
	source, err := c.workspaces.Get(ctx, p.SourceWorkspaceID)
	if err != nil {
		return err
	}

	// The branch may have gained commits since submission (conflict
	// reconciliation lands resolution commits without a resubmit), so the
	// path set the slots serialize on is recomputed at merge time.
	touched, err := c.tree.Diff(ctx, source.Root, p.TargetBranch, p.SourceBranch)
	if err != nil {
		return err
	}
	p, err = c.proposals.UpdateStatus(ctx, p.ID, proposal.StatusApproved, proposal.StatusApproved, func(p *proposal.Proposal) {
		p.TouchedPaths = touched
	})
	if err != nil {
		if ledger.IsStale(err) {
			return nil
		}
		return err
	}

	if err := c.slots.Acquire(ctx, p.ID, p.TouchedPaths); err != nil {
		return err
	}
	defer c.slots.Release(p.ID)

	if _, err := c.proposals.UpdateStatus(ctx, p.ID, proposal.StatusApproved, proposal.StatusMerging, nil); err != nil {
		if ledger.IsStale(err) {
			return nil
		}
		return err
	}

	var mergeCommit string
	err = c.policy.Do(ctx, func(ctx context.Context) error {
		var mergeErr error
		mergeCommit, mergeErr = c.tree.Merge(ctx, trunk.Root, source.Root, p.SourceBranch, p.MergeMessage())
		return mergeErr
	}, func(err error) bool {
		return !gittree.IsConflict(err)
	})
	if err != nil {
		if gittree.IsConflict(err) {
			return c.recordConflict(ctx, p, err)
		}
		return c.escalate(ctx, p, err)
	}

	return c.finishMerge(ctx, p, trunk, source, mergeCommit)
}

func (c *Coordinator) finishMerge(ctx context.Context, p *proposal.Proposal, trunk, source *workspace.Workspace, mergeCommit string) error {
	merged, err := c.proposals.UpdateStatus(ctx, p.ID, proposal.StatusMerging, proposal.StatusMerged, func(p *proposal.Proposal) {
		p.MergeCommit = mergeCommit
		p.ConflictingPaths = nil
	})
	if err != nil {
		return err
	}
	if _, err := c.tasks.UpdateStatus(ctx, p.TaskID, task.StatusInReview, task.StatusCompleted, p.Author, nil); err != nil && !ledger.IsStale(err) {
		slog.Error("failed to complete merged task", "task_id", p.TaskID, "error", err)
	}

	// The trunk keeps its record of the new revision; workspaces follow via
	// the broadcaster.
	if _, err := c.workspaces.Mutate(ctx, trunk.ID, func(ws *workspace.Workspace) error {
		ws.Revision = mergeCommit
		ws.LastSeenAt = time.Now()
		return nil
	}); err != nil {
		slog.Error("failed to record trunk revision", "error", err)
	}

	// The landed branch is no longer needed in the source workspace.
	if err := c.tree.DeleteBranch(ctx, source.Root, p.SourceBranch); err != nil {
		slog.Warn("failed to delete merged branch", "branch", p.SourceBranch, "error", err)
	}

	audit.Record(ctx, c.audits, "proposal", p.ID, string(proposal.StatusMerging), string(proposal.StatusMerged), proposal.SystemReviewer, "merged as "+mergeCommit)
	audit.Record(ctx, c.audits, "task", p.TaskID, string(task.StatusInReview), string(task.StatusCompleted), proposal.SystemReviewer, "proposal "+p.ID+" merged")
	c.bus.PublishNew(eventbus.TypeProposalMerged, p.ID, mergeCommit, map[string]string{"task_id": p.TaskID})
	c.bus.PublishNew(eventbus.TypeTaskCompleted, p.TaskID, "", map[string]string{"proposal_id": p.ID})
	slog.Info("proposal merged", "proposal_id", p.ID, "task_id", p.TaskID, "merge_commit", mergeCommit)

	if c.broadcaster != nil {
		c.broadcaster.Broadcast(ctx, p.SourceWorkspaceID, mergeCommit)
	}
	if c.hooks != nil {
		c.hooks.PostMerge(ctx, map[string]string{
			"PROPOSAL_ID":  merged.ID,
			"TASK_ID":      merged.TaskID,
			"AUTHOR":       merged.Author,
			"MERGE_COMMIT": mergeCommit,
		})
	}
	return nil
}

// recordConflict is the expected non-mergeable outcome: the proposal returns
// to OPEN carrying a system-authored comment, and its owner re-syncs and
// resubmits. The task stays IN_REVIEW.
func (c *Coordinator) recordConflict(ctx context.Context, p *proposal.Proposal, err error) error {
	conflict := conflictIn(err)
	comment := fmt.Sprintf("Merge conflict with trunk in: %s. Sync your workspace, resolve, and resubmit.",
		strings.Join(conflict.Paths, ", "))

	if _, uerr := c.proposals.UpdateStatus(ctx, p.ID, proposal.StatusMerging, proposal.StatusOpen, func(p *proposal.Proposal) {
		p.ConflictingPaths = conflict.Paths
		p.ReviewComments = append(p.ReviewComments, proposal.ReviewComment{
			Reviewer:  proposal.SystemReviewer,
			Approved:  false,
			Comments:  comment,
			CreatedAt: time.Now(),
		})
	}); uerr != nil {
		return uerr
	}
	audit.Record(ctx, c.audits, "proposal", p.ID, string(proposal.StatusMerging), string(proposal.StatusOpen), proposal.SystemReviewer, comment)
	c.bus.PublishNew(eventbus.TypeProposalConflicted, p.ID, "", map[string]string{
		"task_id": p.TaskID,
		"paths":   strings.Join(conflict.Paths, ","),
	})
	slog.Info("merge conflict, proposal returned to review", "proposal_id", p.ID, "paths", conflict.Paths)
	return nil
}

// escalate parks a proposal whose merge kept failing for non-conflict
// reasons. The status rolls back to APPROVED so the record is accurate, but
// the pipeline will not retry it until an operator intervenes.
func (c *Coordinator) escalate(ctx context.Context, p *proposal.Proposal, err error) error {
	c.mu.Lock()
	c.escalated[p.ID] = true
	c.mu.Unlock()

	if _, uerr := c.proposals.UpdateStatus(ctx, p.ID, proposal.StatusMerging, proposal.StatusApproved, nil); uerr != nil {
		slog.Error("failed to roll back escalated proposal", "proposal_id", p.ID, "error", uerr)
	}
	c.bus.PublishNew(eventbus.TypeMergeEscalated, p.ID, "", map[string]string{"error": err.Error()})
	return cerr.NewError(cerr.Internal, fmt.Sprintf("merge escalated for proposal %s", p.ID), err)
}

// Retry unparks an escalated proposal and hands it back to the pipeline,
// for an operator who has addressed the underlying failure.
func (c *Coordinator) Retry(ctx context.Context, proposalID string) (*proposal.Proposal, error) {
	p, err := c.proposals.Get(ctx, proposalID)
	if err != nil {
		return nil, err
	}
	if p.Status != proposal.StatusApproved {
		return nil, cerr.NewError(cerr.FailedPrecondition,
			fmt.Sprintf("proposal is %s, only an APPROVED proposal can be retried", p.Status), nil)
	}
	c.mu.Lock()
	delete(c.escalated, proposalID)
	c.mu.Unlock()
	slog.Info("escalated proposal requeued", "proposal_id", proposalID)
	c.enqueue(proposalID)
	return p, nil
}

func conflictIn(err error) *gittree.ConflictError {
	var conflict *gittree.ConflictError
	if !errors.As(err, &conflict) {
		return &gittree.ConflictError{}
	}
	return conflict
}
