package task

import (
	"time"

	"github.com/oklog/ulid/v2"
)

type Status string

const (
	StatusOpen      Status = "OPEN"
	StatusAssigned  Status = "ASSIGNED"
	StatusInReview  Status = "IN_REVIEW"
	StatusCompleted Status = "COMPLETED"
)

// validTransitions is the task lifecycle state machine. ASSIGNED returns to
// OPEN on abandonment or lease expiry; IN_REVIEW returns to ASSIGNED when a
// proposal is rejected and the same owner continues.
var validTransitions = map[Status][]Status{
	StatusOpen:      {StatusAssigned},
	StatusAssigned:  {StatusInReview, StatusOpen},
	StatusInReview:  {StatusCompleted, StatusAssigned},
	StatusCompleted: {},
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range validTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

type Task struct {
	ID             string            `yaml:"id" json:"id"`
	Title          string            `yaml:"title" json:"title"`
	Description    string            `yaml:"description" json:"description"`
	Status         Status            `yaml:"status" json:"status"`
	Owner          string            `yaml:"owner,omitempty" json:"owner,omitempty"`
	Branch         string            `yaml:"branch,omitempty" json:"branch,omitempty"`
	ProposalID     string            `yaml:"proposal_id,omitempty" json:"proposal_id,omitempty"`
	LeaseExpiresAt time.Time         `yaml:"lease_expires_at,omitempty" json:"lease_expires_at,omitempty"`
	Metadata       map[string]string `yaml:"metadata,omitempty" json:"metadata,omitempty"`
	// Revision is the optimistic-concurrency counter, incremented on every
	// write.
	Revision    int64     `yaml:"revision" json:"revision"`
	CreatedAt   time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt   time.Time `yaml:"updated_at" json:"updated_at"`
	CompletedAt time.Time `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
}

func New(title, description string, metadata map[string]string) *Task {
	now := time.Now()
	return &Task{
		ID:          ulid.Make().String(),
		Title:       title,
		Description: description,
		Status:      StatusOpen,
		Metadata:    metadata,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// LeaseExpired reports whether the claim lease has lapsed. A task without a
// stamped lease is judged by its last update instead, so a crash between
// assignment and lease stamping still gets swept.
func (t *Task) LeaseExpired(now time.Time, fallback time.Duration) bool {
	if t.Status != StatusAssigned {
		return false
	}
	if !t.LeaseExpiresAt.IsZero() {
		return now.After(t.LeaseExpiresAt)
	}
	return now.Sub(t.UpdatedAt) > fallback
}
