package backends

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/dgraph-io/ristretto/v2"

	"github.com/richardartoul/cacherestore/pkg/cachestore"
)

// DefaultMemoTTL bounds how long a memoized Info stays valid.
const DefaultMemoTTL = time.Minute

// Memo wraps a Store and memoizes successful Info lookups in memory, which
// saves a round trip per restore for remote stores. Misses are never
// memoized.
type Memo struct {
	store cachestore.Store
	cache *ristretto.Cache[string, *cachestore.Info]
	ttl   time.Duration
}

// NewMemo creates a memo holding up to size entries for ttl each. A zero ttl
// uses DefaultMemoTTL.
func NewMemo(store cachestore.Store, size int64, ttl time.Duration) (*Memo, error) {
	if size <= 0 {
		return nil, fmt.Errorf("memo: size must be positive, got %d", size)
	}
	if ttl <= 0 {
		ttl = DefaultMemoTTL
	}

	cache, err := ristretto.NewCache(&ristretto.Config[string, *cachestore.Info]{
		NumCounters:        size * 10, // number of keys to track frequency of
		MaxCost:            size,      // each entry costs 1
		BufferItems:        64,        // number of keys per Get buffer
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("memo: %w", err)
	}

	return &Memo{store: store, cache: cache, ttl: ttl}, nil
}

// Info returns a memoized Info when present and asks the wrapped store
// otherwise.
func (m *Memo) Info(ctx context.Context, key string) (*cachestore.Info, error) {
	if info, ok := m.cache.Get(key); ok {
		return cloneInfo(info), nil
	}

	info, err := m.store.Info(ctx, key)
	if err != nil {
		return nil, err
	}
	m.remember(info)
	return info, nil
}

// Open delegates to the wrapped store.
func (m *Memo) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	return m.store.Open(ctx, key)
}

// Put delegates to the wrapped store and replaces any memoized Info.
func (m *Memo) Put(ctx context.Context, key string, body io.Reader, meta map[string]string) (*cachestore.Info, error) {
	m.cache.Del(key)

	info, err := m.store.Put(ctx, key, body, meta)
	if err != nil {
		return nil, err
	}
	m.remember(info)
	return info, nil
}

// Root returns the wrapped store's root.
func (m *Memo) Root() string {
	return m.store.Root()
}

// Close releases the memo and closes the wrapped store.
func (m *Memo) Close() error {
	m.cache.Close()
	return m.store.Close()
}

func (m *Memo) remember(info *cachestore.Info) {
	m.cache.SetWithTTL(info.Key, cloneInfo(info), 1, m.ttl)
	// Make the entry visible to the next Get.
	m.cache.Wait()
}

func cloneInfo(info *cachestore.Info) *cachestore.Info {
	c := *info
	if info.Metadata != nil {
		c.Metadata = make(map[string]string, len(info.Metadata))
		for k, v := range info.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}
