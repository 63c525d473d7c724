package proposal

import "context"

type Repository interface {
	Create(ctx context.Context, p *Proposal) error
	Get(ctx context.Context, id string) (*Proposal, error)
	List(ctx context.Context, status Status, taskID string, limit, offset int) ([]*Proposal, int, error)
	// UpdateStatus is the proposal-side compare-and-swap: it fails with a
	// *ledger.StaleStateError when the current status no longer matches
	// expected, and otherwise applies the transition plus the optional
	// mutate and bumps the revision. Proposals are never deleted, only
	// status-transitioned, so the full review history survives.
	UpdateStatus(ctx context.Context, id string, expected, next Status, mutate func(*Proposal)) (*Proposal, error)
}
