package task

import "context"

type Repository interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id string) (*Task, error)
	List(ctx context.Context, status Status, owner string, limit, offset int) ([]*Task, int, error)
	ListOpen(ctx context.Context) ([]*Task, error)
	// UpdateStatus is the compare-and-swap at the heart of the claim
	// protocol. It atomically re-reads the record, fails with a
	// *ledger.StaleStateError if the current status (or, for owner-bound
	// transitions, the owner) no longer matches, and otherwise applies the
	// transition plus the optional mutate and bumps the revision. No locks
	// are held across the caller's read-decide-write gap; this CAS is the
	// sole concurrency-safety mechanism for tasks.
	UpdateStatus(ctx context.Context, id string, expected, next Status, owner string, mutate func(*Task)) (*Task, error)
}
