package hook

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestNewRunnerRejectsInvalidShell(t *testing.T) {
	_, err := NewRunner([]string{"echo ok", "if then fi"}, nil, time.Second)
	if err == nil {
		t.Error("expected a parse error for invalid shell")
	}
}

func TestNewRunnerNormalizes(t *testing.T) {
	r, err := NewRunner([]string{"echo    'hello'   "}, nil, time.Second)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	if got := r.postMerge[0]; got != "echo 'hello'" {
		t.Errorf("expected normalized command, got %q", got)
	}
}

func TestPostMergeRunsWithEnv(t *testing.T) {
	out := filepath.Join(t.TempDir(), "hook.out")
	r, err := NewRunner([]string{`echo "$MERGEGUILD_PROPOSAL_ID" > ` + out}, nil, 5*time.Second)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}

	r.PostMerge(context.Background(), map[string]string{"PROPOSAL_ID": "p-123"})

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("hook output missing: %v", err)
	}
	if string(data) != "p-123\n" {
		t.Errorf("expected hook to see the proposal ID, got %q", data)
	}
}

func TestHookFailureIsSwallowed(t *testing.T) {
	r, err := NewRunner([]string{"exit 1"}, nil, time.Second)
	if err != nil {
		t.Fatalf("NewRunner failed: %v", err)
	}
	// Must not panic or propagate the failure.
	r.PostMerge(context.Background(), nil)
}
