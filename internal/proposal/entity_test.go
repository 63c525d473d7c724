package proposal

import "testing"

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusOpen, StatusApproved, true},
		{StatusOpen, StatusRejected, true},
		{StatusApproved, StatusMerging, true},
		{StatusMerging, StatusMerged, true},
		{StatusMerging, StatusOpen, true},     // conflict, back to the author
		{StatusMerging, StatusApproved, true}, // escalation rollback
		{StatusRejected, StatusOpen, true},
		{StatusOpen, StatusMerging, false},
		{StatusOpen, StatusMerged, false},
		{StatusApproved, StatusMerged, false},
		{StatusMerged, StatusOpen, false},
		{StatusRejected, StatusApproved, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.allowed, got)
		}
	}
}

func TestBranchName(t *testing.T) {
	if got := BranchName("01ABC", "worker-1"); got != "feature/01ABC-worker-1" {
		t.Errorf("unexpected branch name %q", got)
	}
}

func TestMergeMessage(t *testing.T) {
	p := New("task-1", "worker-1", "Add parser", "", "ws-1", "feature/task-1-worker-1", "main")
	want := "Merge proposal " + p.ID + ": Add parser\n\nCloses task task-1"
	if got := p.MergeMessage(); got != want {
		t.Errorf("unexpected merge message %q", got)
	}
}
