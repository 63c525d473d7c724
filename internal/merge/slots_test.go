package merge

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestSlotsDisjointSetsDoNotBlock(t *testing.T) {
	s := NewSlots()

	if !s.TryAcquire("p1", []string{"a.go", "b.go"}) {
		t.Fatal("first acquire must succeed")
	}
	if !s.TryAcquire("p2", []string{"c.go"}) {
		t.Error("disjoint path set must not block")
	}
}

func TestSlotsOverlappingSetsQueue(t *testing.T) {
	s := NewSlots()

	if !s.TryAcquire("p1", []string{"a.go", "b.go"}) {
		t.Fatal("first acquire must succeed")
	}
	if s.TryAcquire("p2", []string{"b.go", "c.go"}) {
		t.Fatal("overlapping path set must not acquire")
	}

	acquired := make(chan struct{})
	go func() {
		if err := s.Acquire(context.Background(), "p2", []string{"b.go", "c.go"}); err != nil {
			t.Errorf("Acquire failed: %v", err)
		}
		close(acquired)
	}()

	select {
	case <-acquired:
		t.Fatal("acquire must block while the slot is held")
	case <-time.After(20 * time.Millisecond):
	}

	s.Release("p1")
	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("acquire must proceed after release")
	}

	if holder, ok := s.Holder("b.go"); !ok || holder != "p2" {
		t.Errorf("expected b.go held by p2, got %q/%v", holder, ok)
	}
}

func TestSlotsAcquireRespectsContext(t *testing.T) {
	s := NewSlots()
	s.TryAcquire("p1", []string{"a.go"})

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := s.Acquire(ctx, "p2", []string{"a.go"}); err != context.DeadlineExceeded {
		t.Errorf("expected DeadlineExceeded, got %v", err)
	}
}

func TestSlotsReacquireSameHolder(t *testing.T) {
	s := NewSlots()
	s.TryAcquire("p1", []string{"a.go"})
	if !s.TryAcquire("p1", []string{"a.go", "b.go"}) {
		t.Error("a holder must be able to extend its own path set")
	}
}

func TestSlotsConcurrentAcquirersSerialize(t *testing.T) {
	s := NewSlots()
	var (
		mu     sync.Mutex
		active int
		peak   int
		wg     sync.WaitGroup
	)

	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			holder := string(rune('a' + i))
			if err := s.Acquire(context.Background(), holder, []string{"shared.go"}); err != nil {
				t.Errorf("Acquire failed: %v", err)
				return
			}
			mu.Lock()
			active++
			if active > peak {
				peak = active
			}
			mu.Unlock()

			time.Sleep(time.Millisecond)

			mu.Lock()
			active--
			mu.Unlock()
			s.Release(holder)
		}(i)
	}
	wg.Wait()

	if peak != 1 {
		t.Errorf("expected serialized access to the shared slot, peak was %d", peak)
	}
}
