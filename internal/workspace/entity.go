package workspace

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Workspace is one worker's private clone of the versioned tree, plus the
// single privileged trunk record holding merged history.
type Workspace struct {
	ID         string `yaml:"id" json:"id"`
	WorkerName string `yaml:"worker_name" json:"worker_name"`
	Root       string `yaml:"root" json:"root"`
	Branch     string `yaml:"branch" json:"branch"`
	// Revision is the last trunk commit this workspace has been
	// synchronized to. It is monotonically non-decreasing and must equal
	// the latest trunk revision before the owning worker is handed a new
	// task.
	Revision string `yaml:"revision" json:"revision"`
	Trunk    bool   `yaml:"trunk,omitempty" json:"trunk,omitempty"`
	// Diverged marks a workspace whose fast-forward failed because of
	// local divergent history; its owner is not handed new work until it
	// converges.
	Diverged   bool      `yaml:"diverged,omitempty" json:"diverged,omitempty"`
	LastSeenAt time.Time `yaml:"last_seen_at" json:"last_seen_at"`
	CreatedAt  time.Time `yaml:"created_at" json:"created_at"`
	UpdatedAt  time.Time `yaml:"updated_at" json:"updated_at"`
}

func New(workerName, root, branch string) *Workspace {
	now := time.Now()
	return &Workspace{
		ID:         ulid.Make().String(),
		WorkerName: workerName,
		Root:       root,
		Branch:     branch,
		LastSeenAt: now,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
}
