package gittree

import (
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kazz187/mergeguild/pkg/cerr"
)

// CLI implements Tree by shelling out to the git binary.
type CLI struct{}

func NewCLI() *CLI {
	return &CLI{}
}

func (g *CLI) run(ctx context.Context, dir string, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return string(output), fmt.Errorf("git %s: %w\n%s", strings.Join(args, " "), err, string(output))
	}
	return string(output), nil
}

func (g *CLI) Init(ctx context.Context, root string) error {
	if _, err := g.run(ctx, root, "rev-parse", "--git-dir"); err == nil {
		return nil
	}
	if _, err := g.run(ctx, root, "init", "--initial-branch=main"); err != nil {
		return cerr.NewError(cerr.Unavailable, "failed to init repository", err)
	}
	// An empty repository has no HEAD to clone or merge against.
	if _, err := g.run(ctx, root, "rev-parse", "HEAD"); err != nil {
		if _, err := g.run(ctx, root, "commit", "--allow-empty", "-m", "Initial commit"); err != nil {
			return cerr.NewError(cerr.Unavailable, "failed to create initial commit", err)
		}
	}
	return nil
}

func (g *CLI) Clone(ctx context.Context, src, dst string) error {
	if _, err := g.run(ctx, "", "clone", src, dst); err != nil {
		return cerr.NewError(cerr.Unavailable, "failed to clone repository", err)
	}
	return nil
}

func (g *CLI) DefaultBranch(ctx context.Context, root string) (string, error) {
	for _, branch := range []string{"main", "master"} {
		if _, err := g.run(ctx, root, "rev-parse", "--verify", "refs/heads/"+branch); err == nil {
			return branch, nil
		}
	}
	out, err := g.run(ctx, root, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", cerr.NewError(cerr.Unavailable, "failed to resolve default branch", err)
	}
	return strings.TrimSpace(out), nil
}

func (g *CLI) CreateBranch(ctx context.Context, root, name string) error {
	if _, err := g.run(ctx, root, "checkout", "-B", name); err != nil {
		return cerr.NewError(cerr.Unavailable, fmt.Sprintf("failed to create branch %s", name), err)
	}
	return nil
}

func (g *CLI) Checkout(ctx context.Context, root, branch string) error {
	if _, err := g.run(ctx, root, "checkout", branch); err != nil {
		return cerr.NewError(cerr.Unavailable, fmt.Sprintf("failed to checkout %s", branch), err)
	}
	return nil
}

func (g *CLI) CommitAll(ctx context.Context, root, message string) (string, error) {
	if _, err := g.run(ctx, root, "add", "-A"); err != nil {
		return "", cerr.NewError(cerr.Unavailable, "failed to stage changes", err)
	}
	out, err := g.run(ctx, root, "commit", "-m", message)
	if err != nil && !strings.Contains(out, "nothing to commit") {
		return "", cerr.NewError(cerr.Unavailable, "failed to commit", err)
	}
	return g.Revision(ctx, root)
}

func (g *CLI) Diff(ctx context.Context, root, base, head string) ([]string, error) {
	out, err := g.run(ctx, root, "diff", "--name-only", base+"..."+head)
	if err != nil {
		return nil, cerr.NewError(cerr.Unavailable, "failed to diff", err)
	}
	return splitLines(out), nil
}

func (g *CLI) FileAtRevision(ctx context.Context, root, revision, path string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, "git", "show", revision+":"+path)
	cmd.Dir = root
	output, err := cmd.Output()
	if err != nil {
		// A path absent at the revision is an added or deleted file, not
		// a backend failure.
		if strings.Contains(err.Error(), "exit status 128") {
			return nil, nil
		}
		return nil, cerr.NewError(cerr.Unavailable, fmt.Sprintf("failed to read %s at %s", path, revision), err)
	}
	return output, nil
}

func (g *CLI) Merge(ctx context.Context, trunkRoot, sourceRoot, sourceBranch, message string) (string, error) {
	if _, err := g.run(ctx, trunkRoot, "fetch", sourceRoot, sourceBranch); err != nil {
		return "", cerr.NewError(cerr.Unavailable, fmt.Sprintf("failed to fetch %s", sourceBranch), err)
	}
	out, err := g.run(ctx, trunkRoot, "merge", "--no-ff", "-m", message, "FETCH_HEAD")
	if err != nil {
		if strings.Contains(out, "CONFLICT") || strings.Contains(out, "Automatic merge failed") {
			paths := g.conflictingPaths(ctx, trunkRoot)
			g.abortMerge(ctx, trunkRoot)
			return "", &ConflictError{
				Op:     "merge",
				Branch: sourceBranch,
				Paths:  paths,
				Output: out,
			}
		}
		return "", cerr.NewError(cerr.Unavailable, fmt.Sprintf("failed to merge %s", sourceBranch), err)
	}
	return g.Revision(ctx, trunkRoot)
}

func (g *CLI) FastForward(ctx context.Context, root string) (string, error) {
	if _, err := g.run(ctx, root, "fetch", "origin"); err != nil {
		return "", cerr.NewError(cerr.Unavailable, "failed to fetch origin", err)
	}
	branch, err := g.DefaultBranch(ctx, root)
	if err != nil {
		return "", err
	}
	out, err := g.run(ctx, root, "merge", "--ff-only", "origin/"+branch)
	if err != nil {
		if strings.Contains(out, "Not possible to fast-forward") || strings.Contains(out, "fatal: Need to specify how to reconcile") {
			return "", &ConflictError{
				Op:     "fast-forward",
				Branch: branch,
				Paths:  g.conflictingPaths(ctx, root),
				Output: out,
			}
		}
		return "", cerr.NewError(cerr.Unavailable, "failed to fast-forward", err)
	}
	return g.Revision(ctx, root)
}

func (g *CLI) Revision(ctx context.Context, root string) (string, error) {
	out, err := g.run(ctx, root, "rev-parse", "HEAD")
	if err != nil {
		return "", cerr.NewError(cerr.Unavailable, "failed to resolve HEAD", err)
	}
	return strings.TrimSpace(out), nil
}

func (g *CLI) DeleteBranch(ctx context.Context, root, branch string) error {
	if _, err := g.run(ctx, root, "branch", "-D", branch); err != nil {
		return cerr.NewError(cerr.Unavailable, fmt.Sprintf("failed to delete branch %s", branch), err)
	}
	return nil
}

func (g *CLI) conflictingPaths(ctx context.Context, root string) []string {
	cmd := exec.CommandContext(ctx, "git", "diff", "--name-only", "--diff-filter=U")
	cmd.Dir = root
	output, err := cmd.Output()
	if err != nil {
		return nil
	}
	return splitLines(string(output))
}

func (g *CLI) abortMerge(ctx context.Context, root string) {
	_, _ = g.run(ctx, root, "merge", "--abort")
}
