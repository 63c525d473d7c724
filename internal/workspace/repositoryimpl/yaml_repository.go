package repositoryimpl

import (
	"context"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/mergeguild/internal/workspace"
	"github.com/kazz187/mergeguild/pkg/cerr"
	"github.com/kazz187/mergeguild/pkg/storage"
)

const workspacesPrefix = "workspaces"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", workspacesPrefix, id)
}

func (r *YAMLRepository) Create(ctx context.Context, ws *workspace.Workspace) error {
	exists, err := r.storage.Exists(ctx, path(ws.ID))
	if err != nil {
		return cerr.WrapStorageWriteError("workspace", err)
	}
	if exists {
		return cerr.NewError(cerr.AlreadyExists, "workspace already exists", nil)
	}
	data, err := yaml.Marshal(ws)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal workspace: %w", err))
	}
	if err := r.storage.Write(ctx, path(ws.ID), data); err != nil {
		return cerr.WrapStorageWriteError("workspace", err)
	}
	return nil
}

func (r *YAMLRepository) Get(ctx context.Context, id string) (*workspace.Workspace, error) {
	data, err := r.storage.Read(ctx, path(id))
	if err != nil {
		return nil, cerr.WrapStorageReadError("workspace", err)
	}
	var ws workspace.Workspace
	if err := yaml.Unmarshal(data, &ws); err != nil {
		return nil, cerr.NewError(cerr.DataLoss, "corrupt workspace record", fmt.Errorf("failed to unmarshal workspace: %w", err))
	}
	return &ws, nil
}

func (r *YAMLRepository) GetByWorker(ctx context.Context, workerName string) (*workspace.Workspace, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, ws := range all {
		if ws.WorkerName == workerName {
			return ws, nil
		}
	}
	return nil, cerr.NewError(cerr.NotFound, "workspace not found", nil)
}

func (r *YAMLRepository) GetTrunk(ctx context.Context) (*workspace.Workspace, error) {
	all, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	for _, ws := range all {
		if ws.Trunk {
			return ws, nil
		}
	}
	return nil, cerr.NewError(cerr.NotFound, "trunk workspace not found", nil)
}

func (r *YAMLRepository) List(ctx context.Context) ([]*workspace.Workspace, error) {
	paths, err := r.storage.List(ctx, workspacesPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("workspaces", err)
	}

	sort.Strings(paths)

	var all []*workspace.Workspace
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var ws workspace.Workspace
		if err := yaml.Unmarshal(data, &ws); err != nil {
			continue
		}
		all = append(all, &ws)
	}
	return all, nil
}

func (r *YAMLRepository) Mutate(ctx context.Context, id string, fn func(*workspace.Workspace) error) (*workspace.Workspace, error) {
	var updated *workspace.Workspace
	err := r.storage.Swap(ctx, path(id), func(current []byte, exists bool) ([]byte, error) {
		if !exists {
			return nil, cerr.NewError(cerr.NotFound, "workspace not found", nil)
		}
		var ws workspace.Workspace
		if err := yaml.Unmarshal(current, &ws); err != nil {
			return nil, cerr.NewError(cerr.DataLoss, "corrupt workspace record", fmt.Errorf("failed to unmarshal workspace: %w", err))
		}
		if err := fn(&ws); err != nil {
			return nil, err
		}
		ws.UpdatedAt = time.Now()

		data, err := yaml.Marshal(&ws)
		if err != nil {
			return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal workspace: %w", err))
		}
		updated = &ws
		return data, nil
	})
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (r *YAMLRepository) Delete(ctx context.Context, id string) error {
	if err := r.storage.Delete(ctx, path(id)); err != nil {
		return cerr.WrapStorageDeleteError("workspace", err)
	}
	return nil
}
