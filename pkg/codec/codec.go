// Package codec provides the byte-stream compression transforms applied to
// pack entry payloads.
package codec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"math"

	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// ID identifies a codec inside a pack header. Values are stored on disk;
// changing them breaks existing packs.
type ID uint8

const (
	IDNone ID = 0
	IDZlib ID = 1
	IDZstd ID = 2
	IDLZ4  ID = 3
)

func (id ID) String() string {
	if c, err := ByID(id); err == nil {
		return c.Name()
	}
	return fmt.Sprintf("unknown(%d)", uint8(id))
}

// Codec is a pluggable compression transform.
type Codec interface {
	ID() ID
	Name() string
	NewWriter(w io.Writer) (io.WriteCloser, error)
	NewReader(r io.Reader) (io.ReadCloser, error)
}

var (
	None Codec = noneCodec{}
	Zlib Codec = zlibCodec{level: zlib.DefaultCompression}
	Zstd Codec = zstdCodec{level: zstd.SpeedDefault}
	LZ4  Codec = lz4Codec{}
)

// Lookup returns the codec registered under name. An empty name selects
// zlib.
func Lookup(name string) (Codec, error) {
	switch name {
	case "", "zlib":
		return Zlib, nil
	case "zstd":
		return Zstd, nil
	case "lz4":
		return LZ4, nil
	case "none":
		return None, nil
	default:
		return nil, fmt.Errorf("unknown codec %q", name)
	}
}

// ByID returns the codec stored in a pack header.
func ByID(id ID) (Codec, error) {
	switch id {
	case IDNone:
		return None, nil
	case IDZlib:
		return Zlib, nil
	case IDZstd:
		return Zstd, nil
	case IDLZ4:
		return LZ4, nil
	default:
		return nil, fmt.Errorf("unsupported codec id %d", uint8(id))
	}
}

// WithLevel returns a copy of c tuned to a compression level in 0..9. Codecs
// without levels return themselves.
func WithLevel(c Codec, level int) Codec {
	switch c.(type) {
	case zlibCodec:
		return zlibCodec{level: level}
	case zstdCodec:
		return zstdCodec{level: zstd.EncoderLevelFromZstd(level)}
	default:
		return c
	}
}

// Encode compresses src in one call.
func Encode(c Codec, dst io.Writer, src []byte) error {
	w, err := c.NewWriter(dst)
	if err != nil {
		return fmt.Errorf("%s writer: %w", c.Name(), err)
	}
	if _, err := w.Write(src); err != nil {
		_ = w.Close()
		return fmt.Errorf("%s compress: %w", c.Name(), err)
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("%s close: %w", c.Name(), err)
	}
	return nil
}

// maxPrealloc caps the buffer reserved up front from a declared size.
const maxPrealloc = 1 << 20

// ErrSizeMismatch reports a stream that inflates to a length other than
// the one declared for it.
var ErrSizeMismatch = errors.New("inflated size mismatch")

// Decode inflates exactly size bytes from r. The declared size is not
// trusted for allocation; the output grows as data actually arrives.
func Decode(c Codec, r io.Reader, size int64) ([]byte, error) {
	if size < 0 {
		return nil, fmt.Errorf("%s decompress: negative size %d: %w", c.Name(), size, ErrSizeMismatch)
	}
	rc, err := c.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("%s reader: %w", c.Name(), err)
	}
	defer rc.Close()
	var buf bytes.Buffer
	buf.Grow(int(min(size, maxPrealloc)))
	limit := size
	if limit < math.MaxInt64 {
		limit++
	}
	if _, err := buf.ReadFrom(io.LimitReader(rc, limit)); err != nil {
		return nil, fmt.Errorf("%s decompress: %w", c.Name(), err)
	}
	if int64(buf.Len()) != size {
		return nil, fmt.Errorf("%s decompress: got %d bytes, want %d: %w", c.Name(), buf.Len(), size, ErrSizeMismatch)
	}
	return buf.Bytes(), nil
}

// ---------------------------------------------------------------------------
// none
// ---------------------------------------------------------------------------

type noneCodec struct{}

func (noneCodec) ID() ID       { return IDNone }
func (noneCodec) Name() string { return "none" }

func (noneCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return nopWriteCloser{w}, nil
}

func (noneCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(r), nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// ---------------------------------------------------------------------------
// zlib
// ---------------------------------------------------------------------------

type zlibCodec struct {
	level int
}

func (zlibCodec) ID() ID       { return IDZlib }
func (zlibCodec) Name() string { return "zlib" }

func (c zlibCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zlib.NewWriterLevel(w, c.level)
}

func (zlibCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return zlib.NewReader(r)
}

// ---------------------------------------------------------------------------
// zstd
// ---------------------------------------------------------------------------

type zstdCodec struct {
	level zstd.EncoderLevel
}

func (zstdCodec) ID() ID       { return IDZstd }
func (zstdCodec) Name() string { return "zstd" }

func (c zstdCodec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return zstd.NewWriter(w, zstd.WithEncoderLevel(c.level), zstd.WithEncoderConcurrency(1))
}

func (zstdCodec) NewReader(r io.Reader) (io.ReadCloser, error) {
	dec, err := zstd.NewReader(r, zstd.WithDecoderConcurrency(1))
	if err != nil {
		return nil, err
	}
	return dec.IOReadCloser(), nil
}

// ---------------------------------------------------------------------------
// lz4
// ---------------------------------------------------------------------------

type lz4Codec struct{}

func (lz4Codec) ID() ID       { return IDLZ4 }
func (lz4Codec) Name() string { return "lz4" }

func (lz4Codec) NewWriter(w io.Writer) (io.WriteCloser, error) {
	return lz4.NewWriter(w), nil
}

func (lz4Codec) NewReader(r io.Reader) (io.ReadCloser, error) {
	return io.NopCloser(lz4.NewReader(r)), nil
}
