// Package gittree wraps the branch/commit/merge/diff primitives of git.
// The collaboration engine layers its orchestration on top of this adapter
// and never touches the repository format itself.
package gittree

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

// ConflictError reports that a merge or fast-forward could not be applied
// automatically. It is a recoverable, expected outcome: the owning worker
// re-synchronizes and resubmits.
type ConflictError struct {
	Op     string   // "merge" or "fast-forward"
	Branch string   // the branch being applied
	Paths  []string // files with conflicts
	Output string   // raw git output
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s conflict on branch %s: %d file(s) affected", e.Op, e.Branch, len(e.Paths))
}

// IsConflict reports whether err is (or wraps) a ConflictError.
func IsConflict(err error) bool {
	var conflict *ConflictError
	return errors.As(err, &conflict)
}

// Tree is the versioned-file-tree contract the engine depends on. Worker
// workspaces are clones of the trunk repository; branch references passed
// between workspaces travel via fetch.
type Tree interface {
	// Init turns root into a repository with an initial commit, or does
	// nothing if one already exists.
	Init(ctx context.Context, root string) error
	// Clone clones the repository at src into dst.
	Clone(ctx context.Context, src, dst string) error
	// DefaultBranch resolves the trunk branch name (main, falling back to
	// master).
	DefaultBranch(ctx context.Context, root string) (string, error)
	// CreateBranch creates and checks out a branch at the current HEAD.
	CreateBranch(ctx context.Context, root, name string) error
	// Checkout switches root to an existing branch.
	Checkout(ctx context.Context, root, branch string) error
	// CommitAll stages everything and commits. A clean tree is not an
	// error; the current HEAD commit is returned either way.
	CommitAll(ctx context.Context, root, message string) (string, error)
	// Diff returns the paths touched between base and head (three-dot,
	// i.e. changes on head since the common ancestor).
	Diff(ctx context.Context, root, base, head string) ([]string, error)
	// FileAtRevision returns the contents of path at revision.
	FileAtRevision(ctx context.Context, root, revision, path string) ([]byte, error)
	// Merge fetches sourceBranch from sourceRoot and merges it into the
	// current branch of trunkRoot with a merge commit. On conflict the
	// merge is aborted and a *ConflictError is returned.
	Merge(ctx context.Context, trunkRoot, sourceRoot, sourceBranch, message string) (string, error)
	// FastForward advances root's current branch to its origin. Divergent
	// local history yields a *ConflictError. The new HEAD is returned.
	FastForward(ctx context.Context, root string) (string, error)
	// Revision returns the current HEAD commit of root.
	Revision(ctx context.Context, root string) (string, error)
	// DeleteBranch removes a fully merged branch.
	DeleteBranch(ctx context.Context, root, branch string) error
}

func splitLines(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return strings.Split(s, "\n")
}
