package compression

import (
	"bytes"
	"compress/flate"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxSize bounds the decompressed size of a single entry.
const DefaultMaxSize = 8 << 20

// ErrTooLarge is returned when decompressed data exceeds the limit.
var ErrTooLarge = errors.New("decompressed data exceeds size limit")

// Compressor handles payload compression
type Compressor struct {
	compressionLevel int
	maxSize          int64
}

// NewCompressor creates a new compressor with default compression level
func NewCompressor() *Compressor {
	return &Compressor{
		compressionLevel: gzip.DefaultCompression,
		maxSize:          DefaultMaxSize,
	}
}

// NewCompressorWithLevel creates a new compressor with specified compression level
func NewCompressorWithLevel(level int) *Compressor {
	c := NewCompressor()
	c.compressionLevel = level
	return c
}

// WithMaxSize returns a copy of c that refuses output larger than n bytes.
func (c *Compressor) WithMaxSize(n int64) *Compressor {
	out := *c
	out.maxSize = n
	return &out
}

// Compress compresses data using GZIP
func (c *Compressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer

	writer, err := gzip.NewWriterLevel(&buf, c.compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}

	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write data: %w", err)
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close gzip writer: %w", err)
	}

	return buf.Bytes(), nil
}

// CompressRaw compresses data as a bare deflate stream without gzip framing.
func (c *Compressor) CompressRaw(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	writer, err := flate.NewWriter(&buf, c.compressionLevel)
	if err != nil {
		return nil, fmt.Errorf("failed to create deflate writer: %w", err)
	}
	if _, err := writer.Write(data); err != nil {
		writer.Close()
		return nil, fmt.Errorf("failed to write data: %w", err)
	}
	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close deflate writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress decompresses GZIP data. Data without a valid gzip stream is
// retried as raw deflate; when both fail the gzip error is returned.
func (c *Compressor) Decompress(data []byte) ([]byte, error) {
	out, gzErr := c.gunzip(data)
	if gzErr == nil {
		return out, nil
	}
	if errors.Is(gzErr, ErrTooLarge) {
		return nil, gzErr
	}
	out, err := c.limitedRead(flate.NewReader(bytes.NewReader(data)))
	if err != nil {
		return nil, gzErr
	}
	return out, nil
}

func (c *Compressor) gunzip(data []byte) ([]byte, error) {
	reader, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip reader: %w", err)
	}
	defer reader.Close()
	return c.limitedRead(reader)
}

func (c *Compressor) limitedRead(r io.Reader) ([]byte, error) {
	if rc, ok := r.(io.Closer); ok {
		defer rc.Close()
	}
	var buf bytes.Buffer
	n, err := io.Copy(&buf, io.LimitReader(r, c.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read compressed data: %w", err)
	}
	if n > c.maxSize {
		return nil, ErrTooLarge
	}
	return buf.Bytes(), nil
}
