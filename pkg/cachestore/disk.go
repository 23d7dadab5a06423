package cachestore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/opencontainers/go-digest"
	"github.com/rs/zerolog"

	"github.com/richardartoul/cacherestore/pkg/locking"
)

// indexFormatVersion prefixes index file names so that layout changes never
// read stale entries.
const indexFormatVersion = "v1-"

// Disk is a Store that keeps entries in a local directory. Content is
// addressed by digest under content/, and each key has a small index file
// under index/ pointing at it. Both trees are organized into 256
// subdirectories (00-ff), similar to Go's build cache structure.
type Disk struct {
	root   string // Absolute path to cache directory
	locks  locking.Group
	logger zerolog.Logger
}

// DiskOption configures a Disk store.
type DiskOption func(*Disk)

// WithLocks sets the lock group used to serialize writers of the same key.
// By default a file-lock group under <root>/locks is used.
func WithLocks(g locking.Group) DiskOption {
	return func(d *Disk) {
		d.locks = g
	}
}

// WithLogger sets the logger used for warnings about damaged entries.
func WithLogger(logger zerolog.Logger) DiskOption {
	return func(d *Disk) {
		d.logger = logger
	}
}

// NewDisk creates a disk store rooted at dir, creating it if needed.
func NewDisk(dir string, opts ...DiskOption) (*Disk, error) {
	// Convert to absolute path once at initialization so every path
	// reported in Info and errors is absolute.
	absDir, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to get absolute path: %w", err)
	}

	for _, sub := range []string{"index", "content", "tmp"} {
		if err := os.MkdirAll(filepath.Join(absDir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
	}

	d := &Disk{
		root:   absDir,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.locks == nil {
		fg, err := locking.NewFlockGroup(filepath.Join(absDir, "locks"))
		if err != nil {
			return nil, err
		}
		d.locks = fg
	}
	return d, nil
}

// Root returns the absolute cache directory.
func (d *Disk) Root() string {
	return d.root
}

// Info reads the index entry for key.
func (d *Disk) Info(ctx context.Context, key string) (*Info, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	info, err := d.readIndex(key)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, &NotFoundError{Key: key, Root: d.root}
		}
		return nil, err
	}

	// The index may outlive its content if someone pruned content/ by hand.
	if _, err := os.Stat(info.Path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			d.logger.Warn().
				Str("key", key).
				Str("path", info.Path).
				Msg("cache index points at missing content")
			return nil, &NotFoundError{Key: key, Root: d.root}
		}
		return nil, fmt.Errorf("failed to stat cache content: %w", err)
	}
	return info, nil
}

// Open opens the content of key for reading.
func (d *Disk) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	info, err := d.Info(ctx, key)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(info.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open cache content: %w", err)
	}
	return f, nil
}

// Put writes body as the content of key and records its index entry.
func (d *Disk) Put(ctx context.Context, key string, body io.Reader, meta map[string]string) (*Info, error) {
	var info *Info
	err := d.locks.DoWithLock(ctx, keyID(key), func() error {
		dgst, size, err := d.writeContent(body)
		if err != nil {
			return err
		}
		info = &Info{
			Key:      key,
			Path:     d.contentPath(dgst),
			Root:     d.root,
			Digest:   dgst.String(),
			Size:     size,
			Time:     time.Now().Truncate(time.Second),
			Metadata: meta,
		}
		return d.writeIndex(info)
	})
	if err != nil {
		return nil, err
	}
	return info, nil
}

// Close is a no-op; the disk store holds no open handles between calls.
func (d *Disk) Close() error {
	return nil
}

// writeContent streams body into a temp file while digesting it, then
// renames the file into its content-addressed location.
func (d *Disk) writeContent(body io.Reader) (digest.Digest, int64, error) {
	tmpFile, err := os.CreateTemp(filepath.Join(d.root, "tmp"), "content-*")
	if err != nil {
		return "", 0, fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) // Clean up if something goes wrong

	digester := digest.Canonical.Digester()
	size, err := io.Copy(io.MultiWriter(tmpFile, digester.Hash()), body)
	closeErr := tmpFile.Close()
	if err != nil {
		return "", 0, fmt.Errorf("failed to write to temp file: %w", err)
	}
	if closeErr != nil {
		return "", 0, fmt.Errorf("failed to close temp file: %w", closeErr)
	}

	dgst := digester.Digest()
	contentPath := d.contentPath(dgst)
	if err := os.MkdirAll(filepath.Dir(contentPath), 0o755); err != nil {
		return "", 0, fmt.Errorf("failed to create content directory: %w", err)
	}
	// Identical content is already in place under the same digest, so a
	// rename over it is harmless.
	if err := os.Rename(tmpPath, contentPath); err != nil {
		return "", 0, fmt.Errorf("failed to rename cache file: %w", err)
	}
	return dgst, size, nil
}

// writeIndex atomically writes the index entry for info.Key.
func (d *Disk) writeIndex(info *Info) error {
	indexPath := d.indexPath(info.Key)
	if err := os.MkdirAll(filepath.Dir(indexPath), 0o755); err != nil {
		return fmt.Errorf("failed to create index directory: %w", err)
	}

	// Format: key:hex\ndigest:algo:hex\nsize:num\ntime:unix\nmeta:quoted=quoted\n
	var b strings.Builder
	fmt.Fprintf(&b, "key:%s\n", hex.EncodeToString([]byte(info.Key)))
	fmt.Fprintf(&b, "digest:%s\n", info.Digest)
	fmt.Fprintf(&b, "size:%d\n", info.Size)
	fmt.Fprintf(&b, "time:%d\n", info.Time.Unix())
	names := make([]string, 0, len(info.Metadata))
	for name := range info.Metadata {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(&b, "meta:%s=%s\n", strconv.Quote(name), strconv.Quote(info.Metadata[name]))
	}

	// Write to temp file first, then rename, so a partial index file never
	// exists.
	tmpPath := indexPath + ".tmp"
	if err := os.WriteFile(tmpPath, []byte(b.String()), 0o644); err != nil {
		return fmt.Errorf("failed to write temp index: %w", err)
	}
	if err := os.Rename(tmpPath, indexPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename index: %w", err)
	}
	return nil
}

// readIndex reads and parses the index entry for key.
func (d *Disk) readIndex(key string) (*Info, error) {
	data, err := os.ReadFile(d.indexPath(key))
	if err != nil {
		return nil, err
	}

	info := &Info{Root: d.root}
	var keyHex string
	var putTimeUnix int64
	for _, line := range strings.Split(string(data), "\n") {
		name, value, ok := strings.Cut(strings.TrimSpace(line), ":")
		if !ok {
			continue
		}
		switch name {
		case "key":
			keyHex = value
		case "digest":
			info.Digest = value
		case "size":
			info.Size, _ = strconv.ParseInt(value, 10, 64)
		case "time":
			putTimeUnix, _ = strconv.ParseInt(value, 10, 64)
		case "meta":
			if err := parseMeta(info, value); err != nil {
				return nil, fmt.Errorf("corrupt cache index for %s: %w", key, err)
			}
		}
	}

	storedKey, err := hex.DecodeString(keyHex)
	if err != nil {
		return nil, fmt.Errorf("corrupt cache index for %s: %w", key, err)
	}
	// Two keys hashing to the same ID would be a sha256 collision; treat a
	// mismatch as a damaged index rather than serve the wrong content.
	if string(storedKey) != key {
		return nil, fmt.Errorf("corrupt cache index for %s: key mismatch", key)
	}
	dgst, err := digest.Parse(info.Digest)
	if err != nil {
		return nil, fmt.Errorf("corrupt cache index for %s: %w", key, err)
	}

	info.Key = key
	info.Path = d.contentPath(dgst)
	info.Time = time.Unix(putTimeUnix, 0)
	return info, nil
}

func parseMeta(info *Info, value string) error {
	rawName, rawValue, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("malformed metadata line %q", value)
	}
	name, err := strconv.Unquote(rawName)
	if err != nil {
		return err
	}
	v, err := strconv.Unquote(rawValue)
	if err != nil {
		return err
	}
	if info.Metadata == nil {
		info.Metadata = make(map[string]string)
	}
	info.Metadata[name] = v
	return nil
}

// keyID hashes an arbitrary key into a fixed-size hex identifier that is safe
// to use as a file name.
func keyID(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

// indexPath converts a key to its index file path. Files are organized into
// 256 subdirectories based on the first byte of the key's hash.
func (d *Disk) indexPath(key string) string {
	id := keyID(key)
	return filepath.Join(d.root, "index", id[:2], indexFormatVersion+id)
}

// contentPath returns where content with the given digest lives.
func (d *Disk) contentPath(dgst digest.Digest) string {
	enc := dgst.Encoded()
	return filepath.Join(d.root, "content", string(dgst.Algorithm()), enc[:2], enc)
}
