package extract

import (
	"archive/tar"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testEntry struct {
	name     string
	body     string
	typeflag byte
	linkname string
	mode     int64
}

func buildTar(t *testing.T, entries ...testEntry) []byte {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	for _, e := range entries {
		typeflag := e.typeflag
		if typeflag == 0 {
			typeflag = tar.TypeReg
		}
		mode := e.mode
		if mode == 0 {
			mode = 0o644
		}
		hdr := &tar.Header{
			Name:     e.name,
			Typeflag: typeflag,
			Linkname: e.linkname,
			Mode:     mode,
			ModTime:  time.Unix(1_600_000_000, 0),
		}
		if typeflag == tar.TypeReg {
			hdr.Size = int64(len(e.body))
		}
		require.NoError(t, tw.WriteHeader(hdr))
		if typeflag == tar.TypeReg {
			_, err := tw.Write([]byte(e.body))
			require.NoError(t, err)
		}
	}
	require.NoError(t, tw.Close())
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	_, err := zw.Write(data)
	require.NoError(t, err)
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func zstdBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	defer enc.Close()
	return enc.EncodeAll(data, nil)
}

func packageArchive(t *testing.T) []byte {
	return buildTar(t,
		testEntry{name: "package/", typeflag: tar.TypeDir, mode: 0o755},
		testEntry{name: "package/package.json", body: `{"name":"tape"}`},
		testEntry{name: "package/readme.markdown", body: "# tape"},
		testEntry{name: "package/bin/tape", body: "#!/usr/bin/env node", mode: 0o755},
	)
}

func run(t *testing.T, cfg Config, data []byte) (Stats, error) {
	t.Helper()
	u, err := New(cfg)
	require.NoError(t, err)
	return u.Run(context.Background(), bytes.NewReader(data))
}

func readFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	return string(data)
}

func TestRunFormats(t *testing.T) {
	raw := packageArchive(t)
	tests := []struct {
		name   string
		data   []byte
		format Format
	}{
		{name: "tar", data: raw, format: FormatTar},
		{name: "gzip", data: gzipBytes(t, raw), format: FormatGzip},
		{name: "zstd", data: zstdBytes(t, raw), format: FormatZstd},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			stats, err := run(t, DefaultConfig(dir), tt.data)
			require.NoError(t, err)
			assert.Equal(t, tt.format, stats.Format)
			assert.Equal(t, 4, stats.Considered)
			assert.Equal(t, 4, stats.Extracted)
			assert.Equal(t, `{"name":"tape"}`, readFile(t, filepath.Join(dir, "package", "package.json")))

			fi, err := os.Stat(filepath.Join(dir, "package", "bin", "tape"))
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())
		})
	}
}

func TestRunStripAndFilter(t *testing.T) {
	dir := t.TempDir()
	var seen []string
	cfg := DefaultConfig(dir)
	cfg.Strip = 1
	cfg.Filter = func(path string, entry *Entry) Decision {
		seen = append(seen, path)
		if filepath.Base(path) == "readme.markdown" {
			assert.Equal(t, TypeFile, entry.Type)
			return Exclude()
		}
		return Include()
	}

	stats, err := run(t, cfg, gzipBytes(t, packageArchive(t)))
	require.NoError(t, err)
	assert.Equal(t, []string{"package/", "package/package.json", "package/readme.markdown", "package/bin/tape"}, seen)
	assert.Equal(t, 4, stats.Considered)
	// The stripped "package/" entry and the excluded readme are skipped.
	assert.Equal(t, 2, stats.Skipped)

	assert.FileExists(t, filepath.Join(dir, "package.json"))
	assert.NoFileExists(t, filepath.Join(dir, "readme.markdown"))
}

func TestRunFilterFailReturnsErrorUnchanged(t *testing.T) {
	want := errors.New("this error should be handled")
	cfg := DefaultConfig(t.TempDir())
	calls := 0
	cfg.Filter = func(string, *Entry) Decision {
		calls++
		return Fail(want)
	}

	stats, err := run(t, cfg, packageArchive(t))
	assert.Same(t, want, err)
	assert.Equal(t, 1, calls)
	assert.Equal(t, 0, stats.Extracted)
}

func TestRunEmpty(t *testing.T) {
	tests := map[string][]byte{
		"no bytes":         nil,
		"empty tar":        buildTar(t),
		"gzipped no bytes": gzipBytes(t, nil),
		"gzipped empty":    gzipBytes(t, buildTar(t)),
	}
	for name, data := range tests {
		t.Run(name, func(t *testing.T) {
			stats, err := run(t, DefaultConfig(t.TempDir()), data)
			require.NoError(t, err)
			assert.Equal(t, 0, stats.Considered)
		})
	}
}

func TestRunCorruptGzip(t *testing.T) {
	full := gzipBytes(t, packageArchive(t))

	t.Run("truncated", func(t *testing.T) {
		_, err := run(t, DefaultConfig(t.TempDir()), full[:len(full)/2])
		require.ErrorIs(t, err, ErrDecompression)
		assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	})

	t.Run("bad header", func(t *testing.T) {
		_, err := run(t, DefaultConfig(t.TempDir()), []byte{0x1f, 0x8b, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00})
		require.ErrorIs(t, err, ErrDecompression)
		assert.ErrorIs(t, err, gzip.ErrHeader)

		var de *DecompressError
		require.ErrorAs(t, err, &de)
		assert.Equal(t, FormatGzip, de.Format)
	})

	t.Run("bad checksum", func(t *testing.T) {
		data := bytes.Clone(full)
		// The CRC-32 sits in the 8-byte trailer.
		data[len(data)-8] ^= 0xff
		_, err := run(t, DefaultConfig(t.TempDir()), data)
		require.ErrorIs(t, err, ErrDecompression)
		assert.ErrorIs(t, err, gzip.ErrChecksum)
	})
}

func TestRunSourceErrorIsNotDecompression(t *testing.T) {
	want := errors.New("disk on fire")
	r := io.MultiReader(bytes.NewReader(gzipBytes(t, packageArchive(t))[:20]), &failingReader{err: want})
	u, err := New(DefaultConfig(t.TempDir()))
	require.NoError(t, err)

	_, err = u.Run(context.Background(), r)
	assert.Same(t, want, err)
}

type failingReader struct{ err error }

func (f *failingReader) Read([]byte) (int, error) { return 0, f.err }

// symlinkChain plants p/q -> .. so that r -> p/q/.. looks inside the
// target directory as text but resolves to its parent on disk, then tries to
// use r to reach outside.
func symlinkChain() []testEntry {
	return []testEntry{
		{name: "p/", typeflag: tar.TypeDir, mode: 0o755},
		{name: "p/q", typeflag: tar.TypeSymlink, linkname: ".."},
		{name: "r", typeflag: tar.TypeSymlink, linkname: "p/q/.."},
		{name: "stolen", typeflag: tar.TypeLink, linkname: "r/secret.txt"},
		{name: "r/", typeflag: tar.TypeDir, mode: 0o777},
	}
}

func TestRunStrictness(t *testing.T) {
	tests := []struct {
		name    string
		entries []testEntry
		// Expected counts when Strict is off.
		considered int
		extracted  int
	}{
		{name: "dotdot", entries: []testEntry{{name: "../evil.txt", body: "x"}}, considered: 2, extracted: 1},
		{name: "nested dotdot", entries: []testEntry{{name: "a/../../evil.txt", body: "x"}}, considered: 2, extracted: 1},
		{name: "symlink escape", entries: []testEntry{{name: "link", typeflag: tar.TypeSymlink, linkname: "../../etc/passwd"}}, considered: 2, extracted: 1},
		{name: "absolute symlink", entries: []testEntry{{name: "link", typeflag: tar.TypeSymlink, linkname: "/etc/passwd"}}, considered: 2, extracted: 1},
		{name: "fifo", entries: []testEntry{{name: "pipe", typeflag: tar.TypeFifo}}, considered: 2, extracted: 1},
		{name: "hard link to missing file", entries: []testEntry{{name: "l", typeflag: tar.TypeLink, linkname: "missing.txt"}}, considered: 2, extracted: 1},
		// p/, p/q and r/ are harmless once r is skipped.
		{name: "symlink chain", entries: symlinkChain(), considered: 6, extracted: 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := buildTar(t, append(tt.entries, testEntry{name: "ok.txt", body: "fine"})...)

			dir := t.TempDir()
			_, err := run(t, DefaultConfig(dir), data)
			require.ErrorIs(t, err, ErrInvalidEntry)
			assert.NoFileExists(t, filepath.Join(dir, "ok.txt"))

			lenient := DefaultConfig(t.TempDir())
			lenient.Strict = false
			stats, err := run(t, lenient, data)
			require.NoError(t, err)
			assert.Equal(t, tt.considered, stats.Considered)
			assert.Equal(t, tt.extracted, stats.Extracted)
			assert.FileExists(t, filepath.Join(lenient.Dir, "ok.txt"))
		})
	}
}

func TestRunSymlinkChainStaysInside(t *testing.T) {
	for _, strict := range []bool{true, false} {
		t.Run(fmt.Sprintf("strict=%v", strict), func(t *testing.T) {
			base := t.TempDir()
			require.NoError(t, os.WriteFile(filepath.Join(base, "secret.txt"), []byte("outside"), 0o600))
			require.NoError(t, os.Chmod(base, 0o755))
			dir := filepath.Join(base, "target")
			require.NoError(t, os.Mkdir(dir, 0o755))

			cfg := DefaultConfig(dir)
			cfg.Strict = strict
			_, err := run(t, cfg, buildTar(t, symlinkChain()...))
			if strict {
				require.ErrorIs(t, err, ErrInvalidEntry)
			} else {
				require.NoError(t, err)
			}

			assert.NoFileExists(t, filepath.Join(dir, "stolen"))
			fi, err := os.Stat(base)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())
			fi, err = os.Lstat(filepath.Join(dir, "r"))
			if err == nil {
				assert.Zero(t, fi.Mode()&os.ModeSymlink, "r must not be a symlink")
			}
		})
	}
}

func TestRunPlantedSymlinkOnDisk(t *testing.T) {
	base := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(base, "secret.txt"), []byte("outside"), 0o600))
	require.NoError(t, os.Chmod(base, 0o755))
	dir := filepath.Join(base, "target")
	require.NoError(t, os.Mkdir(dir, 0o755))
	require.NoError(t, os.Symlink("..", filepath.Join(dir, "r")))

	data := buildTar(t,
		testEntry{name: "stolen", typeflag: tar.TypeLink, linkname: "r/secret.txt"},
		testEntry{name: "r/", typeflag: tar.TypeDir, mode: 0o777},
	)

	_, err := run(t, DefaultConfig(dir), data)
	require.ErrorIs(t, err, ErrInvalidEntry)

	lenient := DefaultConfig(dir)
	lenient.Strict = false
	stats, err := run(t, lenient, data)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Extracted)

	assert.NoFileExists(t, filepath.Join(dir, "stolen"))
	fi, err := os.Stat(base)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o755), fi.Mode().Perm())
}

func TestRunRefusesWritingThroughSymlink(t *testing.T) {
	data := buildTar(t,
		testEntry{name: "sub", typeflag: tar.TypeSymlink, linkname: "."},
		testEntry{name: "sub/file.txt", body: "x"},
	)
	dir := t.TempDir()
	_, err := run(t, DefaultConfig(dir), data)
	require.ErrorIs(t, err, ErrInvalidEntry)
	assert.NoFileExists(t, filepath.Join(dir, "file.txt"))
}

func TestRunLinks(t *testing.T) {
	dir := t.TempDir()
	data := buildTar(t,
		testEntry{name: "a.txt", body: "content"},
		testEntry{name: "b.txt", typeflag: tar.TypeLink, linkname: "a.txt"},
		testEntry{name: "c.txt", typeflag: tar.TypeSymlink, linkname: "a.txt"},
	)
	stats, err := run(t, DefaultConfig(dir), data)
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Extracted)
	assert.Equal(t, "content", readFile(t, filepath.Join(dir, "b.txt")))
	assert.Equal(t, "content", readFile(t, filepath.Join(dir, "c.txt")))

	target, err := os.Readlink(filepath.Join(dir, "c.txt"))
	require.NoError(t, err)
	assert.Equal(t, "a.txt", target)
}

func TestRunKeepAndOverwrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.txt"), []byte("old"), 0o644))
	data := buildTar(t, testEntry{name: "a.txt", body: "new"})

	cfg := DefaultConfig(dir)
	cfg.Keep = true
	stats, err := run(t, cfg, data)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Skipped)
	assert.Equal(t, "old", readFile(t, filepath.Join(dir, "a.txt")))

	_, err = run(t, DefaultConfig(dir), data)
	require.NoError(t, err)
	assert.Equal(t, "new", readFile(t, filepath.Join(dir, "a.txt")))
}

func TestRunMaxFileSize(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.MaxFileSize = 3
	_, err := run(t, cfg, buildTar(t, testEntry{name: "big.txt", body: "four"}))
	assert.ErrorIs(t, err, ErrInvalidEntry)
}

func TestRunPreserveTimes(t *testing.T) {
	cfg := DefaultConfig(t.TempDir())
	cfg.PreserveTimes = true
	_, err := run(t, cfg, buildTar(t, testEntry{name: "a.txt", body: "x"}))
	require.NoError(t, err)

	fi, err := os.Stat(filepath.Join(cfg.Dir, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, int64(1_600_000_000), fi.ModTime().Unix())
}

func TestRunContextCancelled(t *testing.T) {
	u, err := New(DefaultConfig(t.TempDir()))
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = u.Run(ctx, bytes.NewReader(packageArchive(t)))
	assert.ErrorIs(t, err, context.Canceled)
}

func TestNewRequiresDir(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}
