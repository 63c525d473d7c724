package main

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/joho/godotenv"

	"github.com/kazz187/mergeguild/internal/client"
	"github.com/kazz187/mergeguild/internal/proposal"
	"github.com/kazz187/mergeguild/internal/task"
	"github.com/kazz187/mergeguild/pkg/clog"
)

var (
	app       = kingpin.New("mergeguild-reviewer", "Review agent for mergeguild change proposals")
	serverURL = app.Flag("server", "Engine base URL").Envar("MERGEGUILD_SERVER_URL").Default("http://localhost:3200").String()
	apiKey    = app.Flag("api-key", "Engine API key").Envar("MERGEGUILD_API_KEY").Required().String()
	name      = app.Flag("name", "Reviewer name").Envar("MERGEGUILD_REVIEWER_NAME").Default("reviewer").String()
	command   = app.Flag("reviewer", "Shell command that reviews a diff on stdin; exit 0 approves, non-zero rejects with stdout as feedback. Empty auto-approves.").
			Envar("MERGEGUILD_REVIEWER_CMD").String()
	pollInterval    = app.Flag("poll", "Proposal poll interval").Default("30s").Duration()
	monitorInterval = app.Flag("monitor", "Engine state report interval").Default("60s").Duration()
	logLevel        = app.Flag("log-level", "Log level").Default("debug").String()
)

func main() {
	_ = godotenv.Load()
	kingpin.MustParse(app.Parse(os.Args[1:]))

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(clog.NewAttributesHandler(clog.NewTextHandler(os.Stderr, clog.WithLevel(level)))))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	r := &reviewer{
		client:  client.New(*serverURL, *apiKey),
		name:    *name,
		command: *command,
	}

	pollTicker := time.NewTicker(*pollInterval)
	defer pollTicker.Stop()
	monitorTicker := time.NewTicker(*monitorInterval)
	defer monitorTicker.Stop()

	slog.Info("reviewer started", "name", *name, "auto_approve", *command == "")
	for {
		select {
		case <-ctx.Done():
			slog.Info("reviewer stopped")
			return
		case <-pollTicker.C:
			r.reviewPass(ctx)
		case <-monitorTicker.C:
			r.monitorPass(ctx)
		}
	}
}

type reviewer struct {
	client  *client.Client
	name    string
	command string
	// reviewed tracks the proposal revision last judged, so a proposal is
	// re-reviewed only after it changes (resubmission, conflict comment).
	reviewed map[string]int64
}

func (r *reviewer) reviewPass(ctx context.Context) {
	open, err := r.client.ListProposals(ctx, proposal.StatusOpen, "")
	if err != nil {
		slog.Error("failed to list open proposals", "error", err)
		return
	}
	if r.reviewed == nil {
		r.reviewed = make(map[string]int64)
	}

	for _, p := range open {
		if rev, ok := r.reviewed[p.ID]; ok && rev == p.Revision {
			continue
		}
		if err := r.reviewOne(ctx, p); err != nil {
			slog.Error("review failed", "proposal_id", p.ID, "error", err)
			continue
		}
		r.reviewed[p.ID] = p.Revision
	}
}

func (r *reviewer) reviewOne(ctx context.Context, p *proposal.Proposal) error {
	diff, err := r.client.ProposalDiff(ctx, p.ID)
	if err != nil {
		return err
	}

	approved, feedback := true, "auto-approved"
	if r.command != "" {
		approved, feedback = r.judge(ctx, p, diff)
	}

	if approved {
		_, err = r.client.Approve(ctx, p.ID, r.name, feedback)
	} else {
		_, err = r.client.Reject(ctx, p.ID, r.name, feedback)
	}
	if err != nil {
		return err
	}
	slog.Info("proposal reviewed", "proposal_id", p.ID, "approved", approved)
	return nil
}

// judge pipes the diff to the reviewer command. Exit 0 approves; anything
// else rejects, with the command's output as the review feedback.
func (r *reviewer) judge(ctx context.Context, p *proposal.Proposal, diff string) (bool, string) {
	cmd := exec.CommandContext(ctx, "sh", "-c", r.command)
	cmd.Stdin = strings.NewReader(diff)
	cmd.Env = append(os.Environ(),
		"MERGEGUILD_PROPOSAL_ID="+p.ID,
		"MERGEGUILD_TASK_ID="+p.TaskID,
		"MERGEGUILD_PROPOSAL_TITLE="+p.Title,
		"MERGEGUILD_AUTHOR="+p.Author,
	)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = os.Stderr

	if err := cmd.Run(); err != nil {
		feedback := strings.TrimSpace(out.String())
		if feedback == "" {
			feedback = fmt.Sprintf("reviewer command failed: %v", err)
		}
		return false, feedback
	}
	feedback := strings.TrimSpace(out.String())
	if feedback == "" {
		feedback = "lgtm"
	}
	return true, feedback
}

// monitorPass logs a one-line picture of the engine's state.
func (r *reviewer) monitorPass(ctx context.Context) {
	openTasks, err := r.client.ListTasks(ctx, task.StatusOpen, "")
	if err != nil {
		slog.Error("monitor pass failed", "error", err)
		return
	}
	assigned, _ := r.client.ListTasks(ctx, task.StatusAssigned, "")
	inReview, _ := r.client.ListTasks(ctx, task.StatusInReview, "")
	openProposals, _ := r.client.ListProposals(ctx, proposal.StatusOpen, "")
	approved, _ := r.client.ListProposals(ctx, proposal.StatusApproved, "")

	slog.Info("engine state",
		"tasks_open", len(openTasks),
		"tasks_assigned", len(assigned),
		"tasks_in_review", len(inReview),
		"proposals_open", len(openProposals),
		"proposals_approved", len(approved),
	)
}
