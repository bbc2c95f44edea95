// Package compression provides optional compression of large cached
// values. Adapted from the teacher's pkg/compression (only its test
// file survived retrieval): the compressors now wrap
// github.com/klauspost/compress instead of the stdlib compress/gzip,
// since klauspost/compress is already pulled in transitively by the
// teacher's Prometheus stack and is a drop-in faster/smaller encoder.
package compression

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
)

// Algorithm names a compression scheme, also the value's Compressor.Name().
type Algorithm string

const (
	CompressorNone    Algorithm = "none"
	CompressorGzip    Algorithm = "gzip"
	CompressorDeflate Algorithm = "deflate"
)

// Config controls whether and how stored values get compressed.
type Config struct {
	Enabled   bool
	Algorithm Algorithm
	MinSize   int
	Level     int
}

// NewDefaultConfig returns compression disabled, gzip at the default
// level, with a 1KiB minimum size threshold.
func NewDefaultConfig() *Config {
	return &Config{
		Enabled:   false,
		Algorithm: CompressorGzip,
		MinSize:   1024,
		Level:     -1,
	}
}

func (c *Config) WithEnabled(enabled bool) *Config {
	c.Enabled = enabled
	return c
}

func (c *Config) WithAlgorithm(a Algorithm) *Config {
	c.Algorithm = a
	return c
}

func (c *Config) WithMinSize(size int) *Config {
	c.MinSize = size
	return c
}

func (c *Config) WithLevel(level int) *Config {
	c.Level = level
	return c
}

// Compressor compresses and decompresses raw bytes.
type Compressor interface {
	Name() string
	Compress(data []byte) ([]byte, error)
	Decompress(data []byte) ([]byte, error)
}

// NoOpCompressor returns data unchanged; used when compression is
// disabled so callers never need a nil check.
type NoOpCompressor struct{}

func NewNoOpCompressor() *NoOpCompressor { return &NoOpCompressor{} }

func (*NoOpCompressor) Name() string                        { return string(CompressorNone) }
func (*NoOpCompressor) Compress(data []byte) ([]byte, error) { return data, nil }
func (*NoOpCompressor) Decompress(data []byte) ([]byte, error) {
	return data, nil
}

// GzipCompressor compresses with klauspost/compress/gzip.
type GzipCompressor struct {
	level int
}

func NewGzipCompressor(level int) *GzipCompressor { return &GzipCompressor{level: level} }

func (*GzipCompressor) Name() string { return string(CompressorGzip) }

func (c *GzipCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("compression: gzip writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compression: gzip write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compression: gzip close: %w", err)
	}
	return buf.Bytes(), nil
}

func (*GzipCompressor) Decompress(data []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("compression: gzip reader: %w", err)
	}
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("compression: gzip read: %w", err)
	}
	return out, nil
}

// DeflateCompressor compresses with klauspost/compress/flate.
type DeflateCompressor struct {
	level int
}

func NewDeflateCompressor(level int) *DeflateCompressor { return &DeflateCompressor{level: level} }

func (*DeflateCompressor) Name() string { return string(CompressorDeflate) }

func (c *DeflateCompressor) Compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, c.level)
	if err != nil {
		return nil, fmt.Errorf("compression: flate writer: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return nil, fmt.Errorf("compression: flate write: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("compression: flate close: %w", err)
	}
	return buf.Bytes(), nil
}

func (*DeflateCompressor) Decompress(data []byte) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(data))
	defer r.Close()
	out, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("compression: flate read: %w", err)
	}
	return out, nil
}

// NewCompressor builds the Compressor cfg names. A nil or disabled
// config, or CompressorNone, yields NoOpCompressor.
func NewCompressor(cfg *Config) (Compressor, error) {
	if cfg == nil || !cfg.Enabled || cfg.Algorithm == CompressorNone {
		return NewNoOpCompressor(), nil
	}
	switch cfg.Algorithm {
	case CompressorGzip:
		return NewGzipCompressor(cfg.Level), nil
	case CompressorDeflate:
		return NewDeflateCompressor(cfg.Level), nil
	default:
		return nil, fmt.Errorf("compression: unknown algorithm %q", cfg.Algorithm)
	}
}

// SerializeAndCompress JSON-encodes value, then compresses the result
// with compressor only if it is at least minSize bytes and compression
// actually shrinks it; otherwise the uncompressed serialized bytes are
// returned with wasCompressed=false.
func SerializeAndCompress(value any, compressor Compressor, minSize int) (data []byte, wasCompressed bool, err error) {
	serialized, err := json.Marshal(value)
	if err != nil {
		return nil, false, fmt.Errorf("compression: serialize: %w", err)
	}
	if len(serialized) < minSize || compressor == nil {
		return serialized, false, nil
	}
	compressed, err := compressor.Compress(serialized)
	if err != nil {
		return nil, false, fmt.Errorf("compression: compress: %w", err)
	}
	if len(compressed) >= len(serialized) {
		return serialized, false, nil
	}
	return compressed, true, nil
}

// DecompressAndDeserialize reverses SerializeAndCompress: decompresses
// data through compressor only if wasCompressed, then JSON-decodes into
// out.
func DecompressAndDeserialize(data []byte, wasCompressed bool, compressor Compressor, out any) error {
	serialized := data
	if wasCompressed {
		var err error
		serialized, err = compressor.Decompress(data)
		if err != nil {
			return fmt.Errorf("compression: decompress: %w", err)
		}
	}
	if err := json.Unmarshal(serialized, out); err != nil {
		return fmt.Errorf("compression: deserialize: %w", err)
	}
	return nil
}
