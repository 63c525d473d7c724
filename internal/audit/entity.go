package audit

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Entry records a single state transition in one of the ledgers. The audit
// trail is append-only; entries are never updated or removed.
type Entry struct {
	ID           string    `yaml:"id" json:"id"`
	ResourceKind string    `yaml:"resource_kind" json:"resource_kind"` // "task", "proposal", "workspace"
	ResourceID   string    `yaml:"resource_id" json:"resource_id"`
	From         string    `yaml:"from" json:"from"`
	To           string    `yaml:"to" json:"to"`
	Actor        string    `yaml:"actor" json:"actor"`
	Note         string    `yaml:"note,omitempty" json:"note,omitempty"`
	CreatedAt    time.Time `yaml:"created_at" json:"created_at"`
}

func NewEntry(resourceKind, resourceID, from, to, actor, note string) *Entry {
	return &Entry{
		ID:           ulid.Make().String(),
		ResourceKind: resourceKind,
		ResourceID:   resourceID,
		From:         from,
		To:           to,
		Actor:        actor,
		Note:         note,
		CreatedAt:    time.Now(),
	}
}
