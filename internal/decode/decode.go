// Package decode turns a staged object file into its ordered text lines.
package decode

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"
)

// Codec names the compression applied to stored objects.
type Codec string

const (
	CodecGzip Codec = "gzip"
	CodecZstd Codec = "zstd"
	CodecLZ4  Codec = "lz4"
	CodecNone Codec = "none"
	// CodecAuto picks a codec from the file extension.
	CodecAuto Codec = "auto"
)

// DefaultMaxLineBytes bounds a single decoded line.
const DefaultMaxLineBytes = 16 << 20

// ParseCodec validates a codec name. The empty string means gzip.
func ParseCodec(s string) (Codec, error) {
	switch c := Codec(strings.ToLower(strings.TrimSpace(s))); c {
	case "":
		return CodecGzip, nil
	case CodecGzip, CodecZstd, CodecLZ4, CodecNone, CodecAuto:
		return c, nil
	default:
		return "", fmt.Errorf("unsupported codec %q (must be gzip, zstd, lz4, none, or auto)", s)
	}
}

// Decoder reads compressed line-delimited files.
type Decoder struct {
	codec        Codec
	maxLineBytes int
	logger       *slog.Logger
}

// New creates a Decoder. A maxLineBytes of zero selects DefaultMaxLineBytes.
func New(codec Codec, maxLineBytes int, logger *slog.Logger) *Decoder {
	if codec == "" {
		codec = CodecGzip
	}
	if maxLineBytes <= 0 {
		maxLineBytes = DefaultMaxLineBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Decoder{codec: codec, maxLineBytes: maxLineBytes, logger: logger}
}

// Decode returns the lines of the file at path in order. A file that cannot
// be read or decompressed yields no lines and ok == false; the failure is
// logged rather than returned.
func (d *Decoder) Decode(path string) (lines []string, ok bool) {
	lines, err := d.readLines(path)
	if err != nil {
		d.logger.Error("failed to decode staged object", "path", path, "codec", string(d.codecFor(path)), "error", err)
		return nil, false
	}
	return lines, true
}

func (d *Decoder) readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	r, err := d.decompress(f, d.codecFor(path))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = r.Close()
	}()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, min(64*1024, d.maxLineBytes)), d.maxLineBytes)

	var lines []string
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read lines: %w", err)
	}
	return lines, nil
}

func (d *Decoder) codecFor(path string) Codec {
	if d.codec != CodecAuto {
		return d.codec
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".gz", ".gzip":
		return CodecGzip
	case ".zst", ".zstd":
		return CodecZstd
	case ".lz4":
		return CodecLZ4
	default:
		return CodecNone
	}
}

func (d *Decoder) decompress(r io.Reader, codec Codec) (io.ReadCloser, error) {
	switch codec {
	case CodecGzip:
		zr, err := gzip.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("gzip header: %w", err)
		}
		return zr, nil
	case CodecZstd:
		zr, err := zstd.NewReader(r)
		if err != nil {
			return nil, fmt.Errorf("zstd reader: %w", err)
		}
		return zr.IOReadCloser(), nil
	case CodecLZ4:
		return io.NopCloser(lz4.NewReader(r)), nil
	case CodecNone:
		return io.NopCloser(r), nil
	default:
		return nil, fmt.Errorf("unsupported codec %q", codec)
	}
}
