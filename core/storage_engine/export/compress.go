package export

import (
	"io"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
	"github.com/ulikunitz/xz"
)

// Compression is chosen from the destination's extension.
type Compression int

const (
	CompressNone Compression = iota
	CompressZstd
	CompressLZ4
	CompressXZ
)

func (c Compression) String() string {
	switch c {
	case CompressZstd:
		return "zstd"
	case CompressLZ4:
		return "lz4"
	case CompressXZ:
		return "xz"
	default:
		return "none"
	}
}

func CompressionFor(path string) Compression {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".zst", ".zstd":
		return CompressZstd
	case ".lz4":
		return CompressLZ4
	case ".xz":
		return CompressXZ
	default:
		return CompressNone
	}
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

// NewWriter wraps w with the compressor. Closing the result finishes the
// compressed stream but does not close w.
func (c Compression) NewWriter(w io.Writer) (io.WriteCloser, error) {
	switch c {
	case CompressZstd:
		return zstd.NewWriter(w, zstd.WithEncoderLevel(zstd.SpeedDefault))
	case CompressLZ4:
		return lz4.NewWriter(w), nil
	case CompressXZ:
		return xz.NewWriter(w)
	default:
		return nopWriteCloser{w}, nil
	}
}

// NewReader is the inverse of NewWriter.
func (c Compression) NewReader(r io.Reader) (io.ReadCloser, error) {
	switch c {
	case CompressZstd:
		d, err := zstd.NewReader(r)
		if err != nil {
			return nil, err
		}
		return d.IOReadCloser(), nil
	case CompressLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CompressXZ:
		xr, err := xz.NewReader(r)
		if err != nil {
			return nil, err
		}
		return io.NopCloser(xr), nil
	default:
		return io.NopCloser(r), nil
	}
}
