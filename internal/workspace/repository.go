package workspace

import "context"

type Repository interface {
	Create(ctx context.Context, ws *Workspace) error
	Get(ctx context.Context, id string) (*Workspace, error)
	GetByWorker(ctx context.Context, workerName string) (*Workspace, error)
	GetTrunk(ctx context.Context) (*Workspace, error)
	List(ctx context.Context) ([]*Workspace, error)
	// Mutate applies fn to the record inside the store's per-key swap, so
	// concurrent revision/liveness updates never clobber each other.
	Mutate(ctx context.Context, id string, fn func(*Workspace) error) (*Workspace, error)
	Delete(ctx context.Context, id string) error
}
