package cache

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrCacheMiss indicates the requested key was not found in cache
	ErrCacheMiss = errors.New("cache miss")

	// ErrInvalidEntry indicates the cache entry is invalid or corrupted
	ErrInvalidEntry = errors.New("invalid cache entry")

	// ErrStorageFault indicates the durable medium is unavailable or corrupt.
	// It is never retried by the store.
	ErrStorageFault = errors.New("storage fault")
)

// StorageError wraps a failure of the underlying medium.
type StorageError struct {
	Op  string
	Err error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage fault during %s: %v", e.Op, e.Err)
}

// Unwrap implements error unwrapping for errors.Is/As.
func (e *StorageError) Unwrap() error {
	return e.Err
}

// Is makes every StorageError match ErrStorageFault.
func (e *StorageError) Is(target error) bool {
	return target == ErrStorageFault
}

func storageFault(op string, err error) error {
	CacheErrors.WithLabelValues(op).Inc()
	return &StorageError{Op: op, Err: err}
}

// Store is a durable key to entry store.
//
// Implementations must allow concurrent use; operations on different keys do
// not block each other and writes to the same key resolve last-write-wins.
type Store interface {
	// Put inserts or overwrites the entry for entry.Key.
	Put(ctx context.Context, entry *CacheEntry) error

	// Get returns the entry for key or ErrCacheMiss.
	Get(ctx context.Context, key CacheKey) (*CacheEntry, error)

	// Delete removes the entry if present. Deleting an absent key is a no-op.
	Delete(ctx context.Context, key CacheKey) error

	// Clear removes all entries.
	Clear(ctx context.Context) error

	// ListAll returns an unordered snapshot of all entries.
	ListAll(ctx context.Context) ([]*CacheEntry, error)

	// ListMeta returns an unordered snapshot of entry metadata without bodies.
	ListMeta(ctx context.Context) ([]EntryMeta, error)

	// TotalSize returns the sum of SizeBytes over all entries.
	TotalSize(ctx context.Context) (int64, error)
}

// Estimate is the storage consumption reported by the environment.
type Estimate struct {
	// Usage is the storage currently consumed
	Usage int64

	// Quota is the advisory ceiling reported by the environment
	Quota int64
}

// Estimator reports environment storage accounting. It is reporting-only;
// budget enforcement never consults it.
type Estimator interface {
	Estimate(ctx context.Context) (Estimate, error)
}

// Namespaces manages version-tagged stores.
type Namespaces interface {
	// Open returns the store tagged with version.
	Open(version string) Store

	// Retire deletes every store whose tag differs from current and
	// returns how many were removed.
	Retire(ctx context.Context, current string) (int, error)
}
