package locking

import (
	"context"
	"sync"
)

// MemLock is a Group implementation that uses in-memory locks for mutual
// exclusion. It only works within a single process and doesn't protect a cache
// directory shared by multiple processes. It's used primarily in tests.
type MemLock struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func NewMemLock() *MemLock {
	return &MemLock{
		locks: make(map[string]chan struct{}),
	}
}

func (s *MemLock) DoWithLock(ctx context.Context, key string, fn func() error) error {
	s.mu.Lock()
	lock, ok := s.locks[key]
	if !ok {
		lock = make(chan struct{}, 1)
		s.locks[key] = lock
	}
	s.mu.Unlock()

	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-lock }()
	return fn()
}
