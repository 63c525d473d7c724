package storage

import (
	"context"
	"errors"
)

// ErrNotFound is returned when a requested path does not exist in storage.
var ErrNotFound = errors.New("not found")

// SwapFunc computes the new content of a record from its current content.
// exists is false when the record does not exist yet (current is nil).
// An error returned by the function aborts the swap and is propagated
// unchanged to the caller.
type SwapFunc func(current []byte, exists bool) ([]byte, error)

// Storage provides an abstraction over key-value style file storage.
// Swap is the atomic read-modify-write primitive the ledgers build their
// compare-and-swap discipline on: no two Swap calls for the same path may
// interleave their read and write.
type Storage interface {
	Read(ctx context.Context, path string) ([]byte, error)
	Write(ctx context.Context, path string, data []byte) error
	Delete(ctx context.Context, path string) error
	List(ctx context.Context, prefix string) ([]string, error)
	Exists(ctx context.Context, path string) (bool, error)
	Swap(ctx context.Context, path string, fn SwapFunc) error
}
