package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestDoSucceedsFirstAttempt(t *testing.T) {
	p := Policy{Attempts: 3, InitialBackoff: time.Millisecond, Factor: 2}
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
}

func TestDoRetriesTransientFailures(t *testing.T) {
	p := Policy{Attempts: 3, InitialBackoff: time.Millisecond, Factor: 2}
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, nil)
	if err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
}

func TestDoExhaustsAttempts(t *testing.T) {
	p := Policy{Attempts: 3, InitialBackoff: time.Millisecond, Factor: 2}
	calls := 0
	wantErr := errors.New("still broken")
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return wantErr
	}, nil)
	if calls != 3 {
		t.Errorf("expected 3 calls, got %d", calls)
	}
	if !errors.Is(err, wantErr) {
		t.Errorf("expected wrapped %v, got %v", wantErr, err)
	}
}

func TestDoStopsOnNonRetryable(t *testing.T) {
	p := Policy{Attempts: 5, InitialBackoff: time.Millisecond, Factor: 2}
	permanent := errors.New("permanent")
	calls := 0
	err := p.Do(context.Background(), func(ctx context.Context) error {
		calls++
		return permanent
	}, func(err error) bool { return false })
	if calls != 1 {
		t.Errorf("expected 1 call, got %d", calls)
	}
	if !errors.Is(err, permanent) {
		t.Errorf("expected %v, got %v", permanent, err)
	}
}

func TestDoHonorsContextCancellation(t *testing.T) {
	p := Policy{Attempts: 10, InitialBackoff: time.Hour, Factor: 2}
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	err := p.Do(ctx, func(ctx context.Context) error {
		return errors.New("transient")
	}, nil)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
