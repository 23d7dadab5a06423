// Package testutil builds archive fixtures for tests.
package testutil

import (
	"archive/tar"
	"bytes"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/stretchr/testify/require"
)

// File is one regular file of a fixture archive.
type File struct {
	Name string
	Body string
}

// PackageFiles mimics the layout of a published npm tarball.
var PackageFiles = []File{
	{Name: "package/package.json", Body: `{"name":"tape","version":"5.0.0"}`},
	{Name: "package/index.js", Body: "module.exports = require('./lib/test');\n"},
	{Name: "package/lib/test.js", Body: "module.exports = function test() {};\n"},
	{Name: "package/readme.markdown", Body: "# tape\n"},
}

// TarGz returns a gzip-compressed tar archive holding files, with parent
// directory entries added before their first child.
func TarGz(t testing.TB, files ...File) []byte {
	t.Helper()

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	tw := tar.NewWriter(zw)
	modTime := time.Unix(1_600_000_000, 0)
	seenDirs := make(map[string]bool)
	for _, f := range files {
		for i := 0; i < len(f.Name); i++ {
			if f.Name[i] != '/' || seenDirs[f.Name[:i+1]] {
				continue
			}
			dir := f.Name[:i+1]
			seenDirs[dir] = true
			require.NoError(t, tw.WriteHeader(&tar.Header{
				Name:     dir,
				Typeflag: tar.TypeDir,
				Mode:     0o755,
				ModTime:  modTime,
			}))
		}
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     f.Name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(f.Body)),
			ModTime:  modTime,
		}))
		_, err := tw.Write([]byte(f.Body))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, zw.Close())
	return buf.Bytes()
}
