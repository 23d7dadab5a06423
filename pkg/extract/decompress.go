package extract

import (
	"bufio"
	"bytes"
	"errors"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Format identifies how an archive stream is encoded.
type Format uint8

const (
	FormatTar Format = iota
	FormatGzip
	FormatZstd
)

func (f Format) String() string {
	switch f {
	case FormatTar:
		return "tar"
	case FormatGzip:
		return "gzip"
	case FormatZstd:
		return "zstd"
	default:
		return "unknown"
	}
}

var (
	gzipMagic = []byte{0x1f, 0x8b}
	zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}
)

// errEmptyStream signals a stream with no bytes at all.
var errEmptyStream = errors.New("extract: empty stream")

// trackingReader records the first non-EOF error returned by r. The error is
// still passed through unchanged so tar sees exactly what the decoder said.
type trackingReader struct {
	r   io.Reader
	err error
}

func (t *trackingReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && !errors.Is(err, io.EOF) && t.err == nil {
		t.err = err
	}
	return n, err
}

// decoder is a decompressed view of an archive stream.
type decoder struct {
	format Format
	// source tracks reads of the raw stream, out tracks the decoded bytes.
	source *trackingReader
	out    *trackingReader
	close  func()
}

// newDecoder sniffs the stream format and returns a decoder for it. It
// returns errEmptyStream if r holds no bytes.
func newDecoder(r io.Reader) (*decoder, error) {
	source := &trackingReader{r: r}
	br := bufio.NewReader(source)
	magic, err := br.Peek(len(zstdMagic))
	if len(magic) == 0 {
		if err == nil || errors.Is(err, io.EOF) {
			return nil, errEmptyStream
		}
		return nil, err
	}

	d := &decoder{source: source, close: func() {}}
	switch {
	case bytes.HasPrefix(magic, gzipMagic):
		d.format = FormatGzip
		zr, err := gzip.NewReader(br)
		if err != nil {
			return nil, d.wrap(err)
		}
		d.out = &trackingReader{r: zr}
		d.close = func() { _ = zr.Close() } //nolint:errcheck // reader only
	case bytes.HasPrefix(magic, zstdMagic):
		d.format = FormatZstd
		zr, err := zstd.NewReader(br, zstd.WithDecoderConcurrency(1))
		if err != nil {
			return nil, d.wrap(err)
		}
		d.out = &trackingReader{r: zr}
		d.close = zr.Close
	default:
		d.format = FormatTar
		d.out = &trackingReader{r: br}
	}
	return d, nil
}

// wrap attributes err to the layer that produced it: a failing source is
// reported as is, a failing decoder as a DecompressError.
func (d *decoder) wrap(err error) error {
	if d.source.err != nil {
		return d.source.err
	}
	if d.format == FormatTar {
		return err
	}
	if d.out != nil && d.out.err != nil {
		err = d.out.err
	}
	return &DecompressError{Format: d.format, Err: err}
}

// failed reports whether any stream layer has returned an error.
func (d *decoder) failed() bool {
	return d.source.err != nil || (d.format != FormatTar && d.out.err != nil)
}

// drain consumes the rest of the decoded stream so that trailing checksums
// are verified and the source is read to the end.
func (d *decoder) drain() error {
	if _, err := io.Copy(io.Discard, d.out); err != nil {
		return d.wrap(err)
	}
	return nil
}
