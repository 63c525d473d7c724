package repositoryimpl

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/mergeguild/internal/ledger"
	"github.com/kazz187/mergeguild/internal/task"
	"github.com/kazz187/mergeguild/pkg/cerr"
	"github.com/kazz187/mergeguild/pkg/storage"
)

const tasksPrefix = "tasks"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", tasksPrefix, id)
}

func (r *YAMLRepository) Create(ctx context.Context, t *task.Task) error {
	exists, err := r.storage.Exists(ctx, path(t.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("task", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "task already exists", nil)
	}
	data, err := yaml.Marshal(t)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal task: %w", err))
	}
	if err := r.storage.Write(ctx, path(t.ID), data); err != nil {
		return cerr.WrapStorageWriteError("task", err)
	}
	return nil
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*task.Task, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("task", err)
	}
	var t task.Task
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, cerr.NewError(cerr.DataLoss, "corrupt task record", fmt.Errorf("failed to unmarshal task: %w", err))
	}
	return &t, nil
}

func (r *YAMLRepository) List(ctx context.Context, status task.Status, owner string, limit, offset int) ([]*task.Task, int, error) {
	paths, err := r.storage.List(ctx, tasksPrefix)
	if err != nil {
		return nil, 0, cerr.WrapStorageReadError("tasks", err)
	}

	sort.Strings(paths)

	var all []*task.Task
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var t task.Task
		if err := yaml.Unmarshal(data, &t); err != nil {
			continue
		}
		if status != "" && t.Status != status {
			continue
		}
		if owner != "" && t.Owner != owner {
			continue
		}
		all = append(all, &t)
	}

	total := len(all)
	if offset >= total {
		return nil, total, nil
	}
	all = all[offset:]
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, total, nil
}

// ListOpen returns a snapshot of claimable tasks. The snapshot may be stale
// by the time a claim is attempted; the CAS in UpdateStatus resolves the
// race.
func (r *YAMLRepository) ListOpen(ctx context.Context) ([]*task.Task, error) {
	open, _, err := r.List(ctx, task.StatusOpen, "", 0, 0)
	return open, err
}

func (r *YAMLRepository) UpdateStatus(ctx context.Context, id string, expected, next task.Status, owner string, mutate func(*task.Task)) (*task.Task, error) {
	var updated *task.Task
	err := r.storage.Swap(ctx, path(id), func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, cerr.NewError(cerr.NotFound, "task not found", nil)
		}
		var t task.Task
		if err := yaml.Unmarshal(current, &t); err != nil {
			return nil, cerr.NewError(cerr.DataLoss, "corrupt task record", fmt.Errorf("failed to unmarshal task: %w", err))
		}
		if t.Status != expected {
			return nil, &ledger.StaleStateError{
				Kind:     "task",
				ID:       id,
				Expected: string(expected),
				Actual:   string(t.Status),
			}
		}
		// Transitions out of an owned state must come from the owner.
		if expected != task.StatusOpen && owner != "" && t.Owner != owner {
			return nil, &ledger.StaleStateError{
				Kind:     "task",
				ID:       id,
				Expected: owner,
				Actual:   t.Owner,
			}
		}
		// expected == next refreshes the current state (lease renewal)
		// rather than transitioning out of it.
		if expected != next && !expected.CanTransitionTo(next) {
			return nil, cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("invalid transition %s -> %s", expected, next), nil)
		}

		t.Status = next
		switch next {
		case task.StatusOpen:
			t.Owner = ""
			t.LeaseExpiresAt = time.Time{}
		case task.StatusAssigned:
			if expected == task.StatusOpen {
				t.Owner = owner
			}
		case task.StatusCompleted:
			t.CompletedAt = time.Now()
		}
		if mutate != nil {
			mutate(&t)
		}
		t.Revision++
		t.UpdatedAt = time.Now()

		data, err := yaml.Marshal(&t)
		if err != nil {
			return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal task: %w", err))
		}
		updated = &t
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
