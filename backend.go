package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/richardartoul/cacherestore/backends"
	"github.com/richardartoul/cacherestore/pkg/cachestore"
	"github.com/richardartoul/cacherestore/pkg/locking"
)

// newStore builds the configured cache store. Stores can be swapped to use
// different storage mechanisms; the memo and debug decorators wrap any of
// them.
func newStore(ctx context.Context, cfg Config, logger zerolog.Logger) (cachestore.Store, error) {
	var (
		store cachestore.Store
		err   error
	)
	switch cfg.Backend {
	case backendDisk:
		opts := []cachestore.DiskOption{
			cachestore.WithLogger(logger.With().Str("component", "disk").Logger()),
		}
		switch cfg.Locking {
		case lockingMemory:
			opts = append(opts, cachestore.WithLocks(locking.NewMemLock()))
		case lockingNone:
			opts = append(opts, cachestore.WithLocks(locking.NewNoOpGroup()))
		}
		store, err = cachestore.NewDisk(filepath.Clean(cfg.CacheDir), opts...)
	case backendS3:
		store, err = backends.NewS3(ctx, cfg.S3)
	case backendRedis:
		store, err = backends.NewRedis(ctx, cfg.Redis)
	default:
		err = fmt.Errorf("unknown backend %q", cfg.Backend)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Backend, err)
	}

	if cfg.MemoSize > 0 {
		memo, err := backends.NewMemo(store, cfg.MemoSize, cfg.MemoTTL)
		if err != nil {
			_ = store.Close() //nolint:errcheck // already failing
			return nil, err
		}
		store = memo
	}
	if cfg.Debug {
		store = backends.NewDebug(store, logger)
	}
	return store, nil
}
