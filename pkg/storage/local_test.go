package storage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"
)

func TestLocalStorageReadWrite(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	if _, err := s.Read(ctx, "tasks/missing.yaml"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if err := s.Write(ctx, "tasks/a.yaml", []byte("id: a")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}
	data, err := s.Read(ctx, "tasks/a.yaml")
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if string(data) != "id: a" {
		t.Errorf("unexpected content: %q", data)
	}

	exists, err := s.Exists(ctx, "tasks/a.yaml")
	if err != nil || !exists {
		t.Errorf("expected tasks/a.yaml to exist, got %v %v", exists, err)
	}

	if err := s.Delete(ctx, "tasks/a.yaml"); err != nil {
		t.Fatalf("failed to delete: %v", err)
	}
	if err := s.Delete(ctx, "tasks/a.yaml"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound on double delete, got %v", err)
	}
}

func TestLocalStorageList(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	for i := 0; i < 3; i++ {
		path := fmt.Sprintf("tasks/%d.yaml", i)
		if err := s.Write(ctx, path, []byte("x")); err != nil {
			t.Fatalf("failed to write %s: %v", path, err)
		}
	}
	// Nested entries are directories and must not show up in a flat listing.
	if err := s.Write(ctx, "tasks/sub/deep.yaml", []byte("x")); err != nil {
		t.Fatalf("failed to write nested record: %v", err)
	}

	paths, err := s.List(ctx, "tasks")
	if err != nil {
		t.Fatalf("failed to list: %v", err)
	}
	if len(paths) != 3 {
		t.Fatalf("expected 3 records, got %d: %v", len(paths), paths)
	}

	paths, err = s.List(ctx, "proposals")
	if err != nil {
		t.Fatalf("failed to list empty prefix: %v", err)
	}
	if len(paths) != 0 {
		t.Errorf("expected empty listing, got %v", paths)
	}
}

func TestLocalStorageSwapSerializes(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	const workers = 16
	const rounds = 25

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < rounds; j++ {
				err := s.Swap(ctx, "counter", func(current []byte, exists bool) ([]byte, error) {
					n := 0
					if exists {
						v, err := strconv.Atoi(string(current))
						if err != nil {
							return nil, err
						}
						n = v
					}
					return []byte(strconv.Itoa(n + 1)), nil
				})
				if err != nil {
					t.Errorf("swap failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	data, err := s.Read(ctx, "counter")
	if err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		t.Fatalf("counter is not a number: %q", data)
	}
	if n != workers*rounds {
		t.Errorf("expected %d increments, got %d", workers*rounds, n)
	}
}

func TestLocalStorageSwapErrorAbortsWrite(t *testing.T) {
	ctx := context.Background()
	s, err := NewLocalStorage(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create storage: %v", err)
	}

	if err := s.Write(ctx, "record", []byte("before")); err != nil {
		t.Fatalf("failed to write: %v", err)
	}

	sentinel := errors.New("refused")
	err = s.Swap(ctx, "record", func(current []byte, exists bool) ([]byte, error) {
		return nil, sentinel
	})
	if !errors.Is(err, sentinel) {
		t.Fatalf("expected sentinel error, got %v", err)
	}

	data, err := s.Read(ctx, "record")
	if err != nil {
		t.Fatalf("failed to read: %v", err)
	}
	if string(data) != "before" {
		t.Errorf("aborted swap must not change the record, got %q", data)
	}
}
