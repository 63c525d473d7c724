package merge

import (
	"context"
	"fmt"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/kazz187/mergeguild/pkg/cerr"
)

// RenderDiff produces a unified diff of a proposal's touched paths between
// the trunk branch and the proposal branch, for human and agent reviewers.
func (c *Coordinator) RenderDiff(ctx context.Context, proposalID string) (string, error) {
	p, err := c.proposals.Get(ctx, proposalID)
	if err != nil {
		return "", err
	}
	ws, err := c.workspaces.Get(ctx, p.SourceWorkspaceID)
	if err != nil {
		return "", err
	}

	// Diff against the live branch head rather than the recorded path set:
	// conflict resolution commits may have widened it since submission.
	paths, err := c.tree.Diff(ctx, ws.Root, p.TargetBranch, p.SourceBranch)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, path := range paths {
		// A nil content on either side is an added or deleted file.
		before, err := c.tree.FileAtRevision(ctx, ws.Root, p.TargetBranch, path)
		if err != nil {
			return "", err
		}
		after, err := c.tree.FileAtRevision(ctx, ws.Root, p.SourceBranch, path)
		if err != nil {
			return "", err
		}

		text, err := difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
			A:        difflib.SplitLines(string(before)),
			B:        difflib.SplitLines(string(after)),
			FromFile: fmt.Sprintf("a/%s", path),
			ToFile:   fmt.Sprintf("b/%s", path),
			Context:  3,
		})
		if err != nil {
			return "", cerr.NewError(cerr.Internal, "failed to render diff", err)
		}
		sb.WriteString(text)
	}
	return sb.String(), nil
}
