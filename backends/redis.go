package backends

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/redis/go-redis/v9"

	"github.com/richardartoul/cacherestore/pkg/cachestore"
)

// Hash fields of an index entry.
const (
	redisFieldKey    = "key"
	redisFieldDigest = "digest"
	redisFieldSize   = "size"
	redisFieldTime   = "time"
	redisFieldMeta   = "meta:"
)

// RedisConfig locates the Redis server that holds cache entries.
type RedisConfig struct {
	Addr   string `yaml:"addr"`
	DB     int    `yaml:"db"`
	Prefix string `yaml:"prefix"`
}

// Redis is a Store that keeps content as plain string values addressed by
// digest, and one hash per key pointing at it.
type Redis struct {
	client *redis.Client
	prefix string
	root   string
}

// NewRedis connects to the configured server and verifies it is reachable.
func NewRedis(ctx context.Context, cfg RedisConfig) (*Redis, error) {
	if cfg.Addr == "" {
		return nil, errors.New("redis: addr is required")
	}
	client := redis.NewClient(&redis.Options{
		Addr: cfg.Addr,
		DB:   cfg.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("redis: ping %s: %w", cfg.Addr, err)
	}
	return newRedis(client, cfg.Prefix), nil
}

func newRedis(client *redis.Client, prefix string) *Redis {
	if prefix == "" {
		prefix = "cacherestore"
	}
	opts := client.Options()
	return &Redis{
		client: client,
		prefix: prefix,
		root:   fmt.Sprintf("redis://%s/%d/%s", opts.Addr, opts.DB, prefix),
	}
}

// Root returns the redis:// URL of the key prefix.
func (r *Redis) Root() string {
	return r.root
}

// Info reads the key's index hash and checks that its content exists.
func (r *Redis) Info(ctx context.Context, key string) (*cachestore.Info, error) {
	fields, err := r.client.HGetAll(ctx, r.indexKey(key)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: read index: %w", err)
	}
	if len(fields) == 0 || fields[redisFieldKey] != key {
		return nil, &cachestore.NotFoundError{Key: key, Root: r.root}
	}

	info, err := r.parseIndex(key, fields)
	if err != nil {
		return nil, err
	}

	n, err := r.client.Exists(ctx, r.contentKey(info.Digest)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: check content: %w", err)
	}
	if n == 0 {
		return nil, &cachestore.NotFoundError{Key: key, Root: r.root}
	}
	return info, nil
}

// Open returns the key's content.
func (r *Redis) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	dgst, err := r.client.HGet(ctx, r.indexKey(key), redisFieldDigest).Result()
	if errors.Is(err, redis.Nil) {
		return nil, &cachestore.NotFoundError{Key: key, Root: r.root}
	}
	if err != nil {
		return nil, fmt.Errorf("redis: read index: %w", err)
	}

	data, err := r.client.Get(ctx, r.contentKey(dgst)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, &cachestore.NotFoundError{Key: key, Root: r.root}
	}
	if err != nil {
		return nil, fmt.Errorf("redis: read content: %w", err)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Put writes the content and the index hash in one transaction.
func (r *Redis) Put(ctx context.Context, key string, body io.Reader, meta map[string]string) (*cachestore.Info, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("redis: read body: %w", err)
	}

	info := &cachestore.Info{
		Key:    key,
		Root:   r.root,
		Digest: digest.FromBytes(data).String(),
		Size:   int64(len(data)),
		Time:   time.Now(),
	}
	info.Path = r.root + "/" + r.contentKey(info.Digest)

	fields := map[string]any{
		redisFieldKey:    key,
		redisFieldDigest: info.Digest,
		redisFieldSize:   strconv.FormatInt(info.Size, 10),
		redisFieldTime:   strconv.FormatInt(info.Time.UnixNano(), 10),
	}
	for name, value := range meta {
		if info.Metadata == nil {
			info.Metadata = make(map[string]string, len(meta))
		}
		info.Metadata[name] = value
		fields[redisFieldMeta+name] = value
	}

	indexKey := r.indexKey(key)
	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, r.contentKey(info.Digest), data, 0)
		pipe.Del(ctx, indexKey)
		pipe.HSet(ctx, indexKey, fields)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("redis: write entry: %w", err)
	}
	return info, nil
}

// Close closes the client.
func (r *Redis) Close() error {
	return r.client.Close()
}

func (r *Redis) parseIndex(key string, fields map[string]string) (*cachestore.Info, error) {
	corrupt := func(field string) error {
		return fmt.Errorf("redis: corrupt index for %s: bad %s %q", key, field, fields[field])
	}

	dgst, err := digest.Parse(fields[redisFieldDigest])
	if err != nil {
		return nil, corrupt(redisFieldDigest)
	}
	size, err := strconv.ParseInt(fields[redisFieldSize], 10, 64)
	if err != nil {
		return nil, corrupt(redisFieldSize)
	}
	nanos, err := strconv.ParseInt(fields[redisFieldTime], 10, 64)
	if err != nil {
		return nil, corrupt(redisFieldTime)
	}

	info := &cachestore.Info{
		Key:    key,
		Path:   r.root + "/" + r.contentKey(dgst.String()),
		Root:   r.root,
		Digest: dgst.String(),
		Size:   size,
		Time:   time.Unix(0, nanos),
	}
	for field, value := range fields {
		if name, ok := strings.CutPrefix(field, redisFieldMeta); ok {
			if info.Metadata == nil {
				info.Metadata = make(map[string]string)
			}
			info.Metadata[name] = value
		}
	}
	return info, nil
}

func (r *Redis) indexKey(key string) string {
	return r.prefix + ":index:" + objectID(key)
}

func (r *Redis) contentKey(dgst string) string {
	return r.prefix + ":content:" + dgst
}
