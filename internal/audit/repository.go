package audit

import (
	"context"
	"log/slog"
)

type Repository interface {
	Append(ctx context.Context, entry *Entry) error
	// List returns entries for a resource, oldest first. An empty resourceID
	// returns the whole trail.
	List(ctx context.Context, resourceKind, resourceID string) ([]*Entry, error)
}

// Record appends a transition entry and logs instead of failing: the audit
// trail must never block the transition it describes.
func Record(ctx context.Context, repo Repository, resourceKind, resourceID, from, to, actor, note string) {
	entry := NewEntry(resourceKind, resourceID, from, to, actor, note)
	if err := repo.Append(ctx, entry); err != nil {
		slog.Error("failed to append audit entry",
			"resource_kind", resourceKind,
			"resource_id", resourceID,
			"from", from,
			"to", to,
			"error", err,
		)
	}
}
