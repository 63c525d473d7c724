package eventbus

import "time"

type Type string

const (
	TypeTaskCreated        Type = "task.created"
	TypeTaskClaimed        Type = "task.claimed"
	TypeTaskReleased       Type = "task.released"
	TypeTaskCompleted      Type = "task.completed"
	TypeLeaseExpired       Type = "task.lease_expired"
	TypeProposalSubmitted  Type = "proposal.submitted"
	TypeProposalApproved   Type = "proposal.approved"
	TypeProposalRejected   Type = "proposal.rejected"
	TypeProposalResubmit   Type = "proposal.resubmitted"
	TypeProposalMerged     Type = "proposal.merged"
	TypeProposalConflicted Type = "proposal.conflicted"
	TypeMergeEscalated     Type = "proposal.merge_escalated"
	TypeWorkspaceSynced    Type = "workspace.synced"
	TypeWorkspaceDiverged  Type = "workspace.diverged"
	TypeLedgerChanged      Type = "ledger.changed"
)

type Event struct {
	ID         string            `json:"id"`
	Type       Type              `json:"type"`
	ResourceID string            `json:"resource_id"`
	Payload    string            `json:"payload"`
	Metadata   map[string]string `json:"metadata,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
}
