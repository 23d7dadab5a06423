// Package extract materializes tar archives, optionally gzip or zstd
// compressed, under a target directory.
package extract

import (
	"archive/tar"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// errFilterFailed stands in when a Filter fails without an error value.
var errFilterFailed = errors.New("extract: filter failed")

// Stats summarizes one Run.
type Stats struct {
	// Considered counts entries handed to the filter.
	Considered int
	// Extracted counts entries written to disk.
	Extracted int
	// Skipped counts entries excluded by the filter, by Keep, or by
	// non-strict validation.
	Skipped int
	// Bytes counts regular file content written.
	Bytes  int64
	Format Format
}

// Unpacker extracts archive streams according to its Config.
type Unpacker struct {
	cfg    Config
	dir    string
	logger zerolog.Logger
}

// Option configures an Unpacker.
type Option func(*Unpacker)

// WithLogger sets the logger used for skipped-entry warnings and per-entry
// debug output.
func WithLogger(logger zerolog.Logger) Option {
	return func(u *Unpacker) {
		u.logger = logger
	}
}

// New creates an Unpacker. cfg.Dir must name an existing directory.
func New(cfg Config, opts ...Option) (*Unpacker, error) {
	if cfg.Dir == "" {
		return nil, errors.New("extract: target directory is required")
	}
	dir, err := filepath.Abs(cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("extract: %w", err)
	}
	u := &Unpacker{
		cfg:    cfg,
		dir:    dir,
		logger: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(u)
	}
	return u, nil
}

// Run reads an archive from r and extracts it. It stops at the first fatal
// error: a stream or decoding failure, a filter returning ActionFail (whose
// error is returned unchanged), an invalid entry in strict mode, a filesystem
// failure, or ctx being done. Entries extracted before the failure are left
// in place.
//
// Every filesystem access goes through an os.Root opened on the target
// directory, so no entry can reach outside it even through symlinks planted
// by earlier entries.
func (u *Unpacker) Run(ctx context.Context, r io.Reader) (Stats, error) {
	var stats Stats

	dec, err := newDecoder(r)
	if errors.Is(err, errEmptyStream) {
		return stats, nil
	}
	if err != nil {
		return stats, err
	}
	defer dec.close()
	stats.Format = dec.format

	root, err := os.OpenRoot(u.dir)
	if err != nil {
		return stats, err
	}
	defer root.Close()
	x := &extraction{cfg: u.cfg, root: root, logger: u.logger}

	tr := tar.NewReader(dec.out)
	for {
		if err := ctx.Err(); err != nil {
			return stats, err
		}

		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			if dec.failed() {
				return stats, dec.wrap(err)
			}
			return stats, fmt.Errorf("extract: read header: %w", err)
		}
		if hdr.Typeflag == tar.TypeXGlobalHeader {
			continue
		}

		stats.Considered++
		entry := newEntry(hdr)
		decision := Include()
		if u.cfg.Filter != nil {
			decision = u.cfg.Filter(hdr.Name, entry)
		}
		switch decision.Action {
		case ActionFail:
			if decision.Err == nil {
				return stats, errFilterFailed
			}
			return stats, decision.Err
		case ActionExclude:
			stats.Skipped++
			continue
		}

		n, extracted, err := x.extractEntry(tr, entry)
		if err != nil {
			if dec.failed() {
				return stats, dec.wrap(err)
			}
			return stats, err
		}
		if extracted {
			stats.Extracted++
			stats.Bytes += n
		} else {
			stats.Skipped++
		}
	}

	if err := dec.drain(); err != nil {
		return stats, err
	}
	return stats, nil
}

// maxLinkHops bounds symlink resolution in escapes.
const maxLinkHops = 40

// extraction is the state of one Run. Names passed to root are slash
// separated paths relative to the target directory.
type extraction struct {
	cfg    Config
	root   *os.Root
	logger zerolog.Logger
}

// extractEntry writes one entry. It returns extracted=false for entries
// skipped without error.
func (x *extraction) extractEntry(tr *tar.Reader, entry *Entry) (int64, bool, error) {
	rel, ok := relativePath(entry.Path, x.cfg.Strip)
	if !ok {
		return 0, false, nil
	}
	if rel == "" {
		return 0, false, x.invalid(entry, "path escapes the target directory")
	}
	if err := x.checkParents(rel); err != nil {
		return 0, false, x.invalid(entry, err.Error())
	}

	x.logger.Debug().
		Str("path", entry.Path).
		Str("type", entry.Type.String()).
		Int64("size", entry.Size).
		Msg("extracting entry")

	switch entry.Type {
	case TypeDirectory:
		if x.isSymlink(rel) {
			return 0, false, x.invalid(entry, "directory entry is an existing symlink")
		}
		return 0, true, x.writeDir(rel, entry)
	case TypeFile:
		if x.cfg.MaxFileSize > 0 && entry.Size > x.cfg.MaxFileSize {
			return 0, false, x.invalid(entry, fmt.Sprintf("size %d exceeds limit %d", entry.Size, x.cfg.MaxFileSize))
		}
		if x.keepExisting(rel) {
			return 0, false, nil
		}
		n, err := x.writeFile(rel, tr, entry)
		return n, err == nil, err
	case TypeSymlink:
		if path.IsAbs(entry.Linkname) {
			return 0, false, x.invalid(entry, "symlink target escapes the target directory")
		}
		// Joined without cleaning: "a/link/.." must be resolved through
		// a/link as it exists on disk.
		target := entry.Linkname
		if dir := path.Dir(rel); dir != "." {
			target = dir + "/" + target
		}
		escaped, err := x.escapes(target)
		if err != nil {
			return 0, false, err
		}
		if escaped {
			return 0, false, x.invalid(entry, "symlink target escapes the target directory")
		}
		if x.keepExisting(rel) {
			return 0, false, nil
		}
		return 0, true, x.writeSymlink(rel, entry.Linkname)
	case TypeLink:
		linkRel, ok := relativePath(entry.Linkname, x.cfg.Strip)
		if !ok || linkRel == "" {
			return 0, false, x.invalid(entry, "hard link target escapes the target directory")
		}
		escaped, err := x.escapes(path.Dir(linkRel))
		if err != nil {
			return 0, false, err
		}
		if escaped || x.checkParents(linkRel) != nil {
			return 0, false, x.invalid(entry, "hard link target escapes the target directory")
		}
		if _, err := x.root.Lstat(filepath.FromSlash(linkRel)); err != nil {
			return 0, false, x.invalid(entry, "hard link target does not exist")
		}
		if x.keepExisting(rel) {
			return 0, false, nil
		}
		return 0, true, x.writeHardlink(rel, linkRel)
	default:
		return 0, false, x.invalid(entry, fmt.Sprintf("unsupported entry type %q", entry.Header.Typeflag))
	}
}

// relativePath strips leading components and normalizes name. ok is false
// when nothing is left after stripping; rel is empty when the name escapes
// the target directory.
func relativePath(name string, strip int) (rel string, ok bool) {
	// Absolute names are extracted relative to the target directory.
	name = strings.TrimLeft(filepath.ToSlash(name), "/")
	if strip > 0 {
		parts := strings.Split(strings.TrimSuffix(name, "/"), "/")
		if len(parts) <= strip {
			return "", false
		}
		name = strings.Join(parts[strip:], "/")
	}
	for _, part := range strings.Split(name, "/") {
		if part == ".." {
			return "", true
		}
	}
	cleaned := path.Clean(name)
	if cleaned == "." {
		return "", false
	}
	return cleaned, true
}

// escapes resolves name against what is already on disk, following
// symlinks planted by earlier entries, and reports whether it leaves the
// target directory. Components that do not exist yet are resolved
// lexically.
func (x *extraction) escapes(name string) (bool, error) {
	var resolved []string
	pending := strings.Split(name, "/")
	hops := 0
	for len(pending) > 0 {
		part := pending[0]
		pending = pending[1:]
		switch part {
		case "", ".":
			continue
		case "..":
			if len(resolved) == 0 {
				return true, nil
			}
			resolved = resolved[:len(resolved)-1]
			continue
		}

		resolved = append(resolved, part)
		current := filepath.FromSlash(strings.Join(resolved, "/"))
		fi, err := x.root.Lstat(current)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return false, err
		}
		if fi.Mode()&os.ModeSymlink == 0 {
			continue
		}

		hops++
		if hops > maxLinkHops {
			return true, nil
		}
		target, err := x.root.Readlink(current)
		if err != nil {
			return false, err
		}
		target = filepath.ToSlash(target)
		if path.IsAbs(target) {
			return true, nil
		}
		resolved = resolved[:len(resolved)-1]
		pending = append(strings.Split(target, "/"), pending...)
	}
	return false, nil
}

// checkParents refuses to write through a symlink planted by an earlier
// entry.
func (x *extraction) checkParents(rel string) error {
	parts := strings.Split(rel, "/")
	for i := 1; i < len(parts); i++ {
		dir := filepath.FromSlash(strings.Join(parts[:i], "/"))
		fi, err := x.root.Lstat(dir)
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		if err != nil {
			return err
		}
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("parent %s is a symlink", parts[i-1])
		}
	}
	return nil
}

func (x *extraction) isSymlink(rel string) bool {
	fi, err := x.root.Lstat(filepath.FromSlash(rel))
	return err == nil && fi.Mode()&os.ModeSymlink != 0
}

// invalid returns an InvalidEntryError in strict mode, and nil after logging
// a warning otherwise.
func (x *extraction) invalid(entry *Entry, reason string) error {
	if x.cfg.Strict {
		return &InvalidEntryError{Path: entry.Path, Reason: reason}
	}
	x.logger.Warn().
		Str("path", entry.Path).
		Str("reason", reason).
		Msg("skipping archive entry")
	return nil
}

func (x *extraction) keepExisting(rel string) bool {
	if !x.cfg.Keep {
		return false
	}
	_, err := x.root.Lstat(filepath.FromSlash(rel))
	return err == nil
}

func (x *extraction) writeDir(rel string, entry *Entry) error {
	name := filepath.FromSlash(rel)
	if err := x.root.MkdirAll(name, 0o755); err != nil {
		return err
	}
	if x.cfg.PreserveMode {
		// Keep the owner able to write entries into the directory.
		if err := x.root.Chmod(name, entry.Mode|0o700); err != nil {
			return err
		}
	}
	if x.cfg.PreserveTimes && !entry.ModTime.IsZero() {
		return x.root.Chtimes(name, entry.ModTime, entry.ModTime)
	}
	return nil
}

// writeFile writes the entry to a temp file in the same directory and renames
// it into place, so partially written files are never visible at rel.
func (x *extraction) writeFile(rel string, r io.Reader, entry *Entry) (int64, error) {
	dir := path.Dir(rel)
	if err := x.mkdirParent(rel); err != nil {
		return 0, err
	}
	tempName := filepath.FromSlash(path.Join(dir, ".extract-"+uuid.NewString()))
	tempFile, err := x.root.OpenFile(tempName, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		return 0, fmt.Errorf("create temp file: %w", err)
	}

	n, err := io.Copy(tempFile, r)
	closeErr := tempFile.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil {
		mode := os.FileMode(0o644)
		if x.cfg.PreserveMode {
			mode = entry.Mode
		}
		err = x.root.Chmod(tempName, mode)
	}
	if err == nil && x.cfg.PreserveTimes && !entry.ModTime.IsZero() {
		err = x.root.Chtimes(tempName, entry.ModTime, entry.ModTime)
	}
	if err == nil {
		err = x.root.Rename(tempName, filepath.FromSlash(rel))
	}
	if err != nil {
		_ = x.root.Remove(tempName) //nolint:errcheck // best-effort cleanup
		return n, err
	}
	return n, nil
}

func (x *extraction) writeSymlink(rel, linkname string) error {
	if err := x.prepareLink(rel); err != nil {
		return err
	}
	return x.root.Symlink(linkname, filepath.FromSlash(rel))
}

func (x *extraction) writeHardlink(rel, source string) error {
	if err := x.prepareLink(rel); err != nil {
		return err
	}
	return x.root.Link(filepath.FromSlash(source), filepath.FromSlash(rel))
}

// prepareLink creates rel's parent and removes a non-directory already at
// rel.
func (x *extraction) prepareLink(rel string) error {
	if err := x.mkdirParent(rel); err != nil {
		return err
	}
	name := filepath.FromSlash(rel)
	fi, err := x.root.Lstat(name)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("extract: %s is a directory", rel)
	}
	return x.root.Remove(name)
}

func (x *extraction) mkdirParent(rel string) error {
	dir := path.Dir(rel)
	if dir == "." {
		return nil
	}
	return x.root.MkdirAll(filepath.FromSlash(dir), 0o755)
}
