package task

import (
	"testing"
	"time"
)

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from    Status
		to      Status
		allowed bool
	}{
		{StatusOpen, StatusAssigned, true},
		{StatusAssigned, StatusInReview, true},
		{StatusAssigned, StatusOpen, true},
		{StatusInReview, StatusCompleted, true},
		{StatusInReview, StatusAssigned, true},
		{StatusOpen, StatusCompleted, false},
		{StatusOpen, StatusInReview, false},
		{StatusCompleted, StatusOpen, false},
		{StatusCompleted, StatusAssigned, false},
		{StatusInReview, StatusOpen, false},
	}
	for _, tt := range tests {
		if got := tt.from.CanTransitionTo(tt.to); got != tt.allowed {
			t.Errorf("%s -> %s: expected %v, got %v", tt.from, tt.to, tt.allowed, got)
		}
	}
}

func TestLeaseExpired(t *testing.T) {
	now := time.Now()
	fallback := 30 * time.Minute

	tests := []struct {
		name    string
		task    Task
		expired bool
	}{
		{
			name:    "open task never expires",
			task:    Task{Status: StatusOpen, LeaseExpiresAt: now.Add(-time.Hour)},
			expired: false,
		},
		{
			name:    "live lease",
			task:    Task{Status: StatusAssigned, LeaseExpiresAt: now.Add(time.Hour)},
			expired: false,
		},
		{
			name:    "lapsed lease",
			task:    Task{Status: StatusAssigned, LeaseExpiresAt: now.Add(-time.Minute)},
			expired: true,
		},
		{
			name:    "no lease stamped, recently updated",
			task:    Task{Status: StatusAssigned, UpdatedAt: now.Add(-time.Minute)},
			expired: false,
		},
		{
			name:    "no lease stamped, stale",
			task:    Task{Status: StatusAssigned, UpdatedAt: now.Add(-time.Hour)},
			expired: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.task.LeaseExpired(now, fallback); got != tt.expired {
				t.Errorf("expected %v, got %v", tt.expired, got)
			}
		})
	}
}
