package blob

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// FileCompression identifies how the record stream of an archive file
// is compressed. The whole post-header stream is compressed as one
// unit, never record by record.
type FileCompression byte

const (
	// CompressionNone stores the record stream uncompressed.
	CompressionNone FileCompression = 0

	// CompressionZstd compresses the record stream with zstandard.
	// This is the default for archive files.
	CompressionZstd FileCompression = 1

	// CompressionLz4 compresses the record stream with the lz4 frame
	// format, trading ratio for speed.
	CompressionLz4 FileCompression = 2
)

// ErrUnknownCompression is returned for compression bytes this build
// does not understand.
var ErrUnknownCompression = errors.New("unknown file compression")

// String implements fmt.Stringer for log output.
func (c FileCompression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionZstd:
		return "zstd"
	case CompressionLz4:
		return "lz4"
	default:
		return fmt.Sprintf("compression(%d)", byte(c))
	}
}

// ParseCompression maps a configuration name back to a compression
// mode. It accepts the names String produces, case-insensitively.
func ParseCompression(name string) (FileCompression, error) {
	switch strings.ToLower(name) {
	case "none":
		return CompressionNone, nil
	case "zstd":
		return CompressionZstd, nil
	case "lz4":
		return CompressionLz4, nil
	default:
		return CompressionNone, fmt.Errorf("%w: %q", ErrUnknownCompression, name)
	}
}

// Compress returns the compressed form of data under c.
func (c FileCompression) Compress(data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		enc, err := zstd.NewWriter(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd encoder: %w", err)
		}
		defer enc.Close()

		return enc.EncodeAll(data, nil), nil
	case CompressionLz4:
		var buf bytes.Buffer

		w := lz4.NewWriter(&buf)
		if _, err := w.Write(data); err != nil {
			return nil, fmt.Errorf("lz4 compress: %w", err)
		}

		if err := w.Close(); err != nil {
			return nil, fmt.Errorf("finish lz4 frame: %w", err)
		}

		return buf.Bytes(), nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
	}
}

// Decompress reverses Compress.
func (c FileCompression) Decompress(data []byte) ([]byte, error) {
	switch c {
	case CompressionNone:
		return data, nil
	case CompressionZstd:
		dec, err := zstd.NewReader(nil)
		if err != nil {
			return nil, fmt.Errorf("create zstd decoder: %w", err)
		}
		defer dec.Close()

		out, err := dec.DecodeAll(data, nil)
		if err != nil {
			return nil, fmt.Errorf("zstd decompress: %w", err)
		}

		return out, nil
	case CompressionLz4:
		out, err := io.ReadAll(lz4.NewReader(bytes.NewReader(data)))
		if err != nil {
			return nil, fmt.Errorf("lz4 decompress: %w", err)
		}

		return out, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownCompression, c)
	}
}
