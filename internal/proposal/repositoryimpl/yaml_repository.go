package repositoryimpl

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/mergeguild/internal/ledger"
	"github.com/kazz187/mergeguild/internal/proposal"
	"github.com/kazz187/mergeguild/pkg/cerr"
	"github.com/kazz187/mergeguild/pkg/storage"
)

const proposalsPrefix = "proposals"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", proposalsPrefix, id)
}

func (r *YAMLRepository) Create(ctx context.Context, p *proposal.Proposal) error {
	exists, err := r.storage.Exists(ctx, path(p.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("proposal", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "proposal already exists", nil)
	}
	data, err := yaml.Marshal(p)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal proposal: %w", err))
	}
	if err := r.storage.Write(ctx, path(p.ID), data); err != nil {
		return cerr.WrapStorageWriteError("proposal", err)
	}
	return nil
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*proposal.Proposal, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("proposal", err)
	}
	var p proposal.Proposal
	if err := yaml.Unmarshal(data, &p); err != nil {
		return nil, cerr.NewError(cerr.DataLoss, "corrupt proposal record", fmt.Errorf("failed to unmarshal proposal: %w", err))
	}
	return &p, nil
}

func (r *YAMLRepository) List(ctx context.Context, status proposal.Status, taskID string, limit, offset int) ([]*proposal.Proposal, int, error) {
	paths, err := r.storage.List(ctx, proposalsPrefix)
	if err != nil {
		return nil, 0, cerr.WrapStorageReadError("proposals", err)
	}

	sort.Strings(paths)

	var all []*proposal.Proposal
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var pr proposal.Proposal
		if err := yaml.Unmarshal(data, &pr); err != nil {
			continue
		}
		if status != "" && pr.Status != status {
			continue
		}
		if taskID != "" && pr.TaskID != taskID {
			continue
		}
		all = append(all, &pr)
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

func (r *YAMLRepository) UpdateStatus(ctx context.Context, id string, expected, next proposal.Status, mutate func(*proposal.Proposal)) (*proposal.Proposal, error) {
	var updated *proposal.Proposal
	err := r.storage.Swap(ctx, path(id), func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, cerr.NewError(cerr.NotFound, "proposal not found", nil)
		}
		var p proposal.Proposal
		if err := yaml.Unmarshal(current, &p); err != nil {
			return nil, cerr.NewError(cerr.DataLoss, "corrupt proposal record", fmt.Errorf("failed to unmarshal proposal: %w", err))
		}
		if p.Status != expected {
			return nil, &ledger.StaleStateError{
				Kind:     "proposal",
				ID:       id,
				Expected: string(expected),
				Actual:   string(p.Status),
			}
		}
		// expected == next refreshes record fields without leaving the
		// state, e.g. recomputing the touched-path set before a merge.
		if expected != next && !expected.CanTransitionTo(next) {
			return nil, cerr.NewError(cerr.FailedPrecondition, fmt.Sprintf("invalid transition %s -> %s", expected, next), nil)
		}

		p.Status = next
		if mutate != nil {
			mutate(&p)
		}
		p.Revision++
		p.UpdatedAt = time.Now()

		data, err := yaml.Marshal(&p)
		if err != nil {
			return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal proposal: %w", err))
		}
		updated = &p
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}
