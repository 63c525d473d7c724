// Package hook runs operator-supplied shell commands after engine events
// (post-merge, post-sync). Hooks are observational: a failing hook is logged
// and never fails the operation that triggered it.
package hook

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"mvdan.cc/sh/v3/syntax"
)

type Runner struct {
	postMerge []string
	postSync  []string
	timeout   time.Duration
}

// NewRunner parses and normalizes the configured hook commands. A command
// that is not valid shell is rejected at startup rather than at merge time.
func NewRunner(postMerge, postSync []string, timeout time.Duration) (*Runner, error) {
	normalizedMerge, err := normalize(postMerge)
	if err != nil {
		return nil, fmt.Errorf("invalid post-merge hook: %w", err)
	}
	normalizedSync, err := normalize(postSync)
	if err != nil {
		return nil, fmt.Errorf("invalid post-sync hook: %w", err)
	}
	return &Runner{
		postMerge: normalizedMerge,
		postSync:  normalizedSync,
		timeout:   timeout,
	}, nil
}

func (r *Runner) PostMerge(ctx context.Context, env map[string]string) {
	r.run(ctx, "post-merge", r.postMerge, env)
}

func (r *Runner) PostSync(ctx context.Context, env map[string]string) {
	r.run(ctx, "post-sync", r.postSync, env)
}

func (r *Runner) run(ctx context.Context, stage string, commands []string, env map[string]string) {
	environ := os.Environ()
	for k, v := range env {
		environ = append(environ, "MERGEGUILD_"+k+"="+v)
	}
	for _, command := range commands {
		hookCtx, cancel := context.WithTimeout(ctx, r.timeout)
		cmd := exec.CommandContext(hookCtx, "sh", "-c", command)
		cmd.Env = environ
		output, err := cmd.CombinedOutput()
		cancel()
		if err != nil {
			slog.Warn("hook failed",
				"stage", stage,
				"command", command,
				"output", strings.TrimSpace(string(output)),
				"error", err,
			)
			continue
		}
		slog.Debug("hook finished", "stage", stage, "command", command)
	}
}

// normalize parses each command and prints it back in canonical form, which
// both validates the syntax and strips formatting noise.
func normalize(commands []string) ([]string, error) {
	parser := syntax.NewParser()
	printer := syntax.NewPrinter()
	normalized := make([]string, 0, len(commands))
	for _, command := range commands {
		file, err := parser.Parse(strings.NewReader(command), "")
		if err != nil {
			return nil, fmt.Errorf("%q: %w", command, err)
		}
		var sb strings.Builder
		if err := printer.Print(&sb, file); err != nil {
			return nil, fmt.Errorf("%q: %w", command, err)
		}
		normalized = append(normalized, strings.TrimSpace(sb.String()))
	}
	return normalized, nil
}
