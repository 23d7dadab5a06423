// Package cachestore defines the cache storage collaborator used by restores
// and provides a content-addressed disk implementation of it.
package cachestore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound is matched by every error a Store returns for a missing key.
var ErrNotFound = errors.New("cachestore: entry not found")

// Info is the metadata of a cached entry. It is captured once at lookup time
// and never re-queried.
type Info struct {
	// Key is the original cache key.
	Key string
	// Path is the resolved storage location of the entry's content.
	Path string
	// Root is the root location of the store that holds the entry.
	Root string
	// Digest identifies the content, e.g. "sha256:...".
	Digest string
	Size   int64
	Time   time.Time
	// Metadata holds free-form attributes recorded when the entry was put.
	Metadata map[string]string
}

// Store defines the interface for cache storage backends.
// Implementations can be swapped to use different storage mechanisms.
type Store interface {
	// Info returns metadata for key, or an error matching ErrNotFound if the
	// key is absent.
	Info(ctx context.Context, key string) (*Info, error)

	// Open returns the raw archive bytes of an existing key. Callers must
	// check Info first; the caller closes the returned reader.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Put stores body under key and returns the resulting metadata.
	Put(ctx context.Context, key string, body io.Reader, meta map[string]string) (*Info, error)

	// Root returns a human-readable location of the store, used in error
	// messages.
	Root() string

	// Close performs any cleanup operations needed by the backend.
	Close() error
}

// NotFoundError reports a key that the store does not hold.
type NotFoundError struct {
	Key  string
	Root string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("no cache entry for %s found in %s", e.Key, e.Root)
}

// Is makes errors.Is(err, ErrNotFound) match.
func (e *NotFoundError) Is(target error) bool {
	return target == ErrNotFound
}
