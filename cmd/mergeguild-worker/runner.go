package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/kazz187/mergeguild/internal/client"
	"github.com/kazz187/mergeguild/internal/gittree"
	"github.com/kazz187/mergeguild/internal/proposal"
	"github.com/kazz187/mergeguild/internal/task"
	"github.com/kazz187/mergeguild/pkg/cerr"
)

// runner drives one worker's claim/implement/submit loop: register the
// workspace, sync it to the trunk, claim a task, branch, run the implementer
// command, commit, submit a proposal, then shepherd that proposal through
// review (rejection feedback, merge conflicts) until it lands.
type runner struct {
	client *client.Client
	tree   gittree.Tree

	name          string
	root          string
	implementer   string
	pollInterval  time.Duration
	renewInterval time.Duration

	workspaceID string
}

func (r *runner) run(ctx context.Context) error {
	ws, err := r.client.RegisterWorkspace(ctx, r.name, r.root)
	if err != nil {
		return fmt.Errorf("failed to register workspace: %w", err)
	}
	r.workspaceID = ws.ID
	slog.Info("workspace registered", "workspace_id", ws.ID, "root", r.root)

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.cycle(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			slog.Error("work cycle failed", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pollInterval):
		}
	}
}

// cycle performs one claim attempt and, if it wins a task, carries it to
// completion. An empty pool or a lost race is a normal outcome.
func (r *runner) cycle(ctx context.Context) error {
	if _, err := r.client.SyncWorkspace(ctx, r.workspaceID); err != nil {
		if cerr.IsCode(err, cerr.Aborted) {
			// Diverged: local history the trunk does not have. An operator
			// (or the implementer agent) has to reconcile; keep heartbeating.
			slog.Warn("workspace diverged from trunk, waiting for resolution")
			return r.client.Heartbeat(ctx, r.workspaceID)
		}
		return err
	}

	claimed, err := r.client.Claim(ctx, r.name)
	if err != nil {
		if cerr.IsCode(err, cerr.NotFound) {
			slog.Debug("no open tasks")
			return nil
		}
		if cerr.IsCode(err, cerr.FailedPrecondition) {
			slog.Debug("workspace stale, will sync next cycle")
			return nil
		}
		return err
	}
	slog.Info("claimed task", "task_id", claimed.ID, "title", claimed.Title)

	if err := r.workTask(ctx, claimed); err != nil {
		slog.Error("failed to complete task, releasing", "task_id", claimed.ID, "error", err)
		if _, relErr := r.client.Release(context.WithoutCancel(ctx), claimed.ID, r.name); relErr != nil {
			slog.Error("release failed", "task_id", claimed.ID, "error", relErr)
		}
		return err
	}
	return nil
}

func (r *runner) workTask(ctx context.Context, t *task.Task) error {
	// The lease must stay fresh for as long as the implementer runs.
	renewCtx, stopRenew := context.WithCancel(ctx)
	defer stopRenew()
	go r.renewLoop(renewCtx, t.ID)

	branch := proposal.BranchName(t.ID, r.name)
	if err := r.tree.CreateBranch(ctx, r.root, branch); err != nil {
		return err
	}

	if err := r.implement(ctx, t, branch, ""); err != nil {
		return err
	}

	p, err := r.client.SubmitProposal(ctx, t.ID, r.name, t.Title, t.Description)
	if err != nil {
		return err
	}
	slog.Info("proposal submitted", "proposal_id", p.ID, "branch", branch)

	return r.watchProposal(ctx, t, p.ID, branch)
}

// watchProposal polls until the proposal merges, reacting to review
// rejections and merge conflicts along the way.
func (r *runner) watchProposal(ctx context.Context, t *task.Task, proposalID, branch string) error {
	seenComments := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(r.pollInterval):
		}

		p, err := r.client.GetProposal(ctx, proposalID)
		if err != nil {
			slog.Warn("failed to poll proposal", "proposal_id", proposalID, "error", err)
			continue
		}

		switch p.Status {
		case proposal.StatusMerged:
			slog.Info("proposal merged", "proposal_id", p.ID, "merge_commit", p.MergeCommit)
			if err := r.tree.Checkout(ctx, r.root, p.TargetBranch); err != nil {
				slog.Warn("failed to return to trunk branch", "error", err)
			}
			if _, err := r.client.SyncWorkspace(ctx, r.workspaceID); err != nil {
				slog.Warn("post-merge sync failed", "error", err)
			}
			return nil

		case proposal.StatusRejected:
			feedback := latestFeedback(p, &seenComments)
			slog.Info("proposal rejected, reworking", "proposal_id", p.ID)
			if err := r.implement(ctx, t, branch, feedback); err != nil {
				return err
			}
			if _, err := r.client.Resubmit(ctx, p.ID, r.name); err != nil {
				return err
			}
			slog.Info("proposal resubmitted", "proposal_id", p.ID)

		case proposal.StatusOpen:
			if len(p.ConflictingPaths) == 0 {
				continue
			}
			feedback := latestFeedback(p, &seenComments)
			if feedback == "" {
				continue
			}
			// The trunk moved under this proposal. Bring the branch up to
			// date and let the implementer resolve the overlap.
			slog.Info("merge conflict reported, reconciling", "proposal_id", p.ID, "paths", p.ConflictingPaths)
			if err := r.reconcile(ctx, t, branch, p.TargetBranch, p.ConflictingPaths, feedback); err != nil {
				return err
			}

		case proposal.StatusApproved, proposal.StatusMerging:
			// In the pipeline; keep waiting.
		}
	}
}

// reconcile merges the current trunk into the feature branch (conflict
// markers land in the tree) and runs the implementer to resolve them.
func (r *runner) reconcile(ctx context.Context, t *task.Task, branch, targetBranch string, conflictPaths []string, feedback string) error {
	if err := r.tree.Checkout(ctx, r.root, branch); err != nil {
		return err
	}
	fetch := exec.CommandContext(ctx, "git", "fetch", "origin")
	fetch.Dir = r.root
	if output, err := fetch.CombinedOutput(); err != nil {
		return fmt.Errorf("failed to fetch trunk: %s", output)
	}
	cmd := exec.CommandContext(ctx, "git", "merge", "origin/"+targetBranch, "--no-ff", "--no-commit")
	cmd.Dir = r.root
	if output, err := cmd.CombinedOutput(); err != nil && !strings.Contains(string(output), "CONFLICT") {
		return fmt.Errorf("failed to merge trunk into %s: %s", branch, output)
	}

	prompt := fmt.Sprintf("Resolve the merge conflicts in: %s.\n%s", strings.Join(conflictPaths, ", "), feedback)
	return r.implement(ctx, t, branch, prompt)
}

// implement runs the operator-supplied implementer command inside the
// workspace and commits whatever it produced.
func (r *runner) implement(ctx context.Context, t *task.Task, branch, feedback string) error {
	if err := r.tree.Checkout(ctx, r.root, branch); err != nil {
		return err
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", r.implementer)
	cmd.Dir = r.root
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = append(os.Environ(),
		"MERGEGUILD_TASK_ID="+t.ID,
		"MERGEGUILD_TASK_TITLE="+t.Title,
		"MERGEGUILD_TASK_DESCRIPTION="+t.Description,
		"MERGEGUILD_BRANCH="+branch,
		"MERGEGUILD_FEEDBACK="+feedback,
	)
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("implementer command failed: %w", err)
	}

	message := fmt.Sprintf("%s\n\nTask: %s", t.Title, t.ID)
	if _, err := r.tree.CommitAll(ctx, r.root, message); err != nil {
		return err
	}
	return nil
}

func (r *runner) renewLoop(ctx context.Context, taskID string) {
	ticker := time.NewTicker(r.renewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.client.Renew(ctx, taskID, r.name); err != nil {
				slog.Warn("lease renew failed", "task_id", taskID, "error", err)
			}
			if err := r.client.Heartbeat(ctx, r.workspaceID); err != nil {
				slog.Debug("heartbeat failed", "error", err)
			}
		}
	}
}

// latestFeedback joins the review comments the worker has not yet acted on.
func latestFeedback(p *proposal.Proposal, seen *int) string {
	if len(p.ReviewComments) <= *seen {
		return ""
	}
	var lines []string
	for _, comment := range p.ReviewComments[*seen:] {
		lines = append(lines, fmt.Sprintf("%s: %s", comment.Reviewer, comment.Comments))
	}
	*seen = len(p.ReviewComments)
	return strings.Join(lines, "\n")
}
