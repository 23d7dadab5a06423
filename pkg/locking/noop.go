package locking

import "context"

// NoOpGroup is a Group implementation that performs no locking.
// Every call executes the function immediately. This is useful for stores
// that are only ever read, or in tests.
type NoOpGroup struct{}

// NewNoOpGroup creates a new NoOpGroup.
func NewNoOpGroup() *NoOpGroup {
	return &NoOpGroup{}
}

func (n *NoOpGroup) DoWithLock(ctx context.Context, _ string, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}
