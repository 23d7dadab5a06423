package locking

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
)

// defaultRetryDelay is how long FlockGroup waits between attempts to take a
// contended lock.
const defaultRetryDelay = 10 * time.Millisecond

// FlockGroup is a Group implementation backed by advisory file locks, one
// lock file per key under dir. It provides mutual exclusion across processes
// that share dir, and is combined with a MemLock for goroutines within the
// same process since flock(2) locks are per open file description.
type FlockGroup struct {
	dir   string
	local *MemLock
}

// NewFlockGroup creates a FlockGroup storing its lock files in dir.
func NewFlockGroup(dir string) (*FlockGroup, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create lock directory: %w", err)
	}
	return &FlockGroup{
		dir:   dir,
		local: NewMemLock(),
	}, nil
}

func (g *FlockGroup) DoWithLock(ctx context.Context, key string, fn func() error) error {
	return g.local.DoWithLock(ctx, key, func() error {
		fl := flock.New(filepath.Join(g.dir, key+".lock"))
		locked, err := fl.TryLockContext(ctx, defaultRetryDelay)
		if err != nil {
			return fmt.Errorf("failed to lock %s: %w", key, err)
		}
		if !locked {
			return fmt.Errorf("failed to lock %s", key)
		}
		defer fl.Unlock()
		return fn()
	})
}
