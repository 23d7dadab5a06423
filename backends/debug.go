// Package backends provides remote cache stores and decorators around any
// cachestore.Store.
package backends

import (
	"context"
	"errors"
	"io"

	"github.com/rs/zerolog"

	"github.com/richardartoul/cacherestore/pkg/cachestore"
)

// Debug wraps any Store and adds debug logging.
// This allows any backend implementation to have debug logging without
// coupling the debug logic to the backend implementation.
type Debug struct {
	store  cachestore.Store
	logger zerolog.Logger
}

// NewDebug creates a new debug wrapper around an existing store.
func NewDebug(store cachestore.Store, logger zerolog.Logger) *Debug {
	return &Debug{
		store:  store,
		logger: logger.With().Str("store", store.Root()).Logger(),
	}
}

// Info looks up a key with debug logging.
func (d *Debug) Info(ctx context.Context, key string) (*cachestore.Info, error) {
	d.logger.Debug().Str("key", key).Msg("info")

	info, err := d.store.Info(ctx, key)
	switch {
	case errors.Is(err, cachestore.ErrNotFound):
		d.logger.Debug().Str("key", key).Msg("info: MISS")
	case err != nil:
		d.logger.Debug().Str("key", key).Err(err).Msg("info: ERROR")
	default:
		d.logger.Debug().
			Str("key", key).
			Str("path", info.Path).
			Str("digest", info.Digest).
			Int64("size", info.Size).
			Msg("info: HIT")
	}
	return info, err
}

// Open opens a key's content with debug logging.
func (d *Debug) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	d.logger.Debug().Str("key", key).Msg("open")

	rc, err := d.store.Open(ctx, key)
	if err != nil {
		d.logger.Debug().Str("key", key).Err(err).Msg("open: ERROR")
		return nil, err
	}
	return &debugReader{ReadCloser: rc, key: key, logger: d.logger}, nil
}

// Put stores a key with debug logging.
func (d *Debug) Put(ctx context.Context, key string, body io.Reader, meta map[string]string) (*cachestore.Info, error) {
	d.logger.Debug().Str("key", key).Msg("put")

	info, err := d.store.Put(ctx, key, body, meta)
	if err != nil {
		d.logger.Debug().Str("key", key).Err(err).Msg("put: ERROR")
		return nil, err
	}

	d.logger.Debug().Str("key", key).Str("path", info.Path).Int64("size", info.Size).Msg("put: stored")
	return info, nil
}

// Root returns the wrapped store's root.
func (d *Debug) Root() string {
	return d.store.Root()
}

// Close performs cleanup operations with debug logging.
func (d *Debug) Close() error {
	d.logger.Debug().Msg("close: closing store")

	err := d.store.Close()
	if err != nil {
		d.logger.Debug().Err(err).Msg("close: ERROR")
	}
	return err
}

// debugReader logs how many bytes were streamed when it is closed.
type debugReader struct {
	io.ReadCloser
	key    string
	n      int64
	logger zerolog.Logger
}

func (r *debugReader) Read(p []byte) (int, error) {
	n, err := r.ReadCloser.Read(p)
	r.n += int64(n)
	return n, err
}

func (r *debugReader) Close() error {
	r.logger.Debug().Str("key", r.key).Int64("bytes", r.n).Msg("open: closed stream")
	return r.ReadCloser.Close()
}
