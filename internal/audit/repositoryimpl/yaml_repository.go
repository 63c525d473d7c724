package repositoryimpl

import (
	"context"
	"fmt"
	"sort"

	"gopkg.in/yaml.v3"

	"github.com/kazz187/mergeguild/internal/audit"
	"github.com/kazz187/mergeguild/pkg/cerr"
	"github.com/kazz187/mergeguild/pkg/storage"
)

const auditPrefix = "audit"

type YAMLRepository struct {
	storage storage.Storage
}

func NewYAMLRepository(s storage.Storage) *YAMLRepository {
	return &YAMLRepository{storage: s}
}

func path(id string) string {
	return fmt.Sprintf("%s/%s.yaml", auditPrefix, id)
}

func (r *YAMLRepository) Append(ctx context.Context, entry *audit.Entry) error {
	data, err := yaml.Marshal(entry)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to marshal audit entry: %w", err))
	}
	if err := r.storage.Write(ctx, path(entry.ID), data); err != nil {
		return cerr.WrapStorageWriteError("audit entry", err)
	}
	return nil
}

func (r *YAMLRepository) List(ctx context.Context, resourceKind, resourceID string) ([]*audit.Entry, error) {
	paths, err := r.storage.List(ctx, auditPrefix)
	if err != nil {
		return nil, cerr.WrapStorageReadError("audit entries", err)
	}

	// Entry IDs are ULIDs, so lexicographic path order is creation order.
	sort.Strings(paths)

	var entries []*audit.Entry
	for _, p := range paths {
		data, err := r.storage.Read(ctx, p)
		if err != nil {
			continue
		}
		var entry audit.Entry
		if err := yaml.Unmarshal(data, &entry); err != nil {
			continue
		}
		if resourceKind != "" && entry.ResourceKind != resourceKind {
			continue
		}
		if resourceID != "" && entry.ResourceID != resourceID {
			continue
		}
		entries = append(entries, &entry)
	}
	return entries, nil
}
