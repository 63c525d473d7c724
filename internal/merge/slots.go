package merge

import (
	"context"
	"sync"
)

// Slots serializes merges by the file paths they touch. A proposal holds the
// slot for every path in its set; proposals with disjoint path sets merge in
// parallel, overlapping ones queue. Acquisition is all-or-nothing, so two
// waiters with partially overlapping sets cannot deadlock each other.
type Slots struct {
	mu   sync.Mutex
	held map[string]string // path -> holder proposal ID
	// wait is closed and replaced whenever any slot frees up, waking every
	// blocked Acquire for another attempt.
	wait chan struct{}
}

func NewSlots() *Slots {
	return &Slots{
		held: make(map[string]string),
		wait: make(chan struct{}),
	}
}

// TryAcquire takes the slots for paths on behalf of holder if every one is
// free, reporting whether it succeeded. Re-acquiring slots already held by
// the same holder succeeds.
func (s *Slots) TryAcquire(holder string, paths []string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.tryAcquireLocked(holder, paths)
}

// Acquire blocks until every slot in paths is free, then takes them all.
func (s *Slots) Acquire(ctx context.Context, holder string, paths []string) error {
	for {
		s.mu.Lock()
		if s.tryAcquireLocked(holder, paths) {
			s.mu.Unlock()
			return nil
		}
		wait := s.wait
		s.mu.Unlock()

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-wait:
		}
	}
}

// Release frees every slot held by holder and wakes waiters.
func (s *Slots) Release(holder string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	freed := false
	for path, h := range s.held {
		if h == holder {
			delete(s.held, path)
			freed = true
		}
	}
	if freed {
		close(s.wait)
		s.wait = make(chan struct{})
	}
}

// Holder returns the proposal currently holding path, if any.
func (s *Slots) Holder(path string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	holder, ok := s.held[path]
	return holder, ok
}

func (s *Slots) tryAcquireLocked(holder string, paths []string) bool {
	for _, path := range paths {
		if h, ok := s.held[path]; ok && h != holder {
			return false
		}
	}
	for _, path := range paths {
		s.held[path] = holder
	}
	return true
}
