// Package locking provides mutual exclusion over cache keys, both within a
// process and across processes sharing a cache directory.
package locking

import "context"

// Group runs functions with mutual exclusion over sets of keys.
type Group interface {
	// DoWithLock runs fn while holding the lock for key. It returns ctx.Err()
	// if the lock could not be acquired before ctx was done.
	DoWithLock(ctx context.Context, key string, fn func() error) error
}
