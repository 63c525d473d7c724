package proposal

import (
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"
)

type Status string

const (
	StatusOpen     Status = "OPEN"
	StatusApproved Status = "APPROVED"
	StatusMerging  Status = "MERGING"
	StatusMerged   Status = "MERGED"
	StatusRejected Status = "REJECTED"
)

// validTransitions is the proposal lifecycle state machine. MERGING returns
// to OPEN when the merge hits a conflict, and rolls back to APPROVED when
// the merge is escalated after retry exhaustion; REJECTED re-enters OPEN
// after the author pushes new commits to the same branch.
var validTransitions = map[Status][]Status{
	StatusOpen:     {StatusApproved, StatusRejected},
	StatusApproved: {StatusMerging},
	StatusMerging:  {StatusMerged, StatusOpen, StatusApproved},
	StatusMerged:   {},
	StatusRejected: {StatusOpen},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// SystemReviewer authors the review comments the engine attaches itself,
// e.g. conflict reports.
const SystemReviewer = "system"

type ReviewComment struct {
	Reviewer  string    `yaml:"reviewer" json:"reviewer"`
	Approved  bool      `yaml:"approved" json:"approved"`
	Comments  string    `yaml:"comments" json:"comments"`
	CreatedAt time.Time `yaml:"created_at" json:"created_at"`
}

type Proposal struct {
	ID                string `yaml:"id" json:"id"`
	TaskID            string `yaml:"task_id" json:"task_id"`
	Author            string `yaml:"author" json:"author"`
	Title             string `yaml:"title" json:"title"`
	Description       string `yaml:"description" json:"description"`
	SourceWorkspaceID string `yaml:"source_workspace_id" json:"source_workspace_id"`
	SourceBranch      string `yaml:"source_branch" json:"source_branch"`
	// TargetBranch is always the trunk branch of the authoritative
	// workspace.
	TargetBranch     string            `yaml:"target_branch" json:"target_branch"`
	Status           Status            `yaml:"status" json:"status"`
	ReviewComments   []ReviewComment   `yaml:"review_comments,omitempty" json:"review_comments,omitempty"`
	TouchedPaths     []string          `yaml:"touched_paths,omitempty" json:"touched_paths,omitempty"`
	ConflictingPaths []string          `yaml:"conflicting_paths,omitempty" json:"conflicting_paths,omitempty"`
	MergeCommit      string            `yaml:"merge_commit,omitempty" json:"merge_commit,omitempty"`
	Metadata         map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	Revision         int64             `yaml:"revision" json:"revision"`
	CreatedAt        time.Time         `yaml:"created_at" json:"created_at"`
	UpdatedAt        time.Time         `yaml:"updated_at" json:"updated_at"`
}

func New(taskID, author, title, description, sourceWorkspaceID, sourceBranch, targetBranch string) *Proposal {
	now := time.Now()
	return &Proposal{
		ID:                ulid.Make().String(),
		TaskID:            taskID,
		Author:            author,
		Title:             title,
		Description:       description,
		SourceWorkspaceID: sourceWorkspaceID,
		SourceBranch:      sourceBranch,
		TargetBranch:      targetBranch,
		Status:            StatusOpen,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

// BranchName is the source branch naming convention for a task's proposal.
func BranchName(taskID, author string) string {
	return fmt.Sprintf("feature/%s-%s", taskID, author)
}

// MergeMessage is the commit message recorded on the trunk merge commit.
func (p *Proposal) MergeMessage() string {
	return fmt.Sprintf("Merge proposal %s: %s\n\nCloses task %s", p.ID, p.Title, p.TaskID)
}
