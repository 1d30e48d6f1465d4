// Package codec provides the zstd transforms used by the compress and
// decompress modes.
package codec

import (
	"errors"
	"fmt"
	"strings"

	"github.com/klauspost/compress/zstd"
)

const (
	CompressName   = "zstd-compress"
	DecompressName = "zstd-decompress"
)

// ErrEmptyFrame is returned when a compressed frame decodes to nothing.
var ErrEmptyFrame = errors.New("zstd frame decoded to zero bytes")

// ParseLevel maps a level name to a zstd encoder level.
func ParseLevel(s string) (zstd.EncoderLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "fastest", "fast":
		return zstd.SpeedFastest, nil
	case "", "default":
		return zstd.SpeedDefault, nil
	case "better":
		return zstd.SpeedBetterCompression, nil
	case "best":
		return zstd.SpeedBestCompression, nil
	default:
		return zstd.SpeedDefault, fmt.Errorf("unknown compression level %q", s)
	}
}

// Compressor compresses one block into one zstd frame.
type Compressor struct {
	enc *zstd.Encoder
}

// NewCompressor creates a compressor. EncodeAll is safe for concurrent use,
// concurrency only bounds the encoder's internal state.
func NewCompressor(level zstd.EncoderLevel, concurrency int) (*Compressor, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	enc, err := zstd.NewWriter(nil,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(concurrency),
	)
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	return &Compressor{enc: enc}, nil
}

func (c *Compressor) Name() string { return CompressName }

// Apply returns src compressed as a single zstd frame.
func (c *Compressor) Apply(src []byte) ([]byte, error) {
	return c.enc.EncodeAll(src, nil), nil
}

// Close releases encoder resources.
func (c *Compressor) Close() error {
	return c.enc.Close()
}

// Decompressor expands one zstd frame back into the original block.
type Decompressor struct {
	dec *zstd.Decoder
}

// NewDecompressor creates a decompressor that refuses output above maxBlock
// bytes per frame.
func NewDecompressor(maxBlock int, concurrency int) (*Decompressor, error) {
	if concurrency < 1 {
		concurrency = 1
	}
	opts := []zstd.DOption{zstd.WithDecoderConcurrency(concurrency)}
	if maxBlock > 0 {
		opts = append(opts, zstd.WithDecoderMaxMemory(uint64(maxBlock)))
	}
	dec, err := zstd.NewReader(nil, opts...)
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	return &Decompressor{dec: dec}, nil
}

func (d *Decompressor) Name() string { return DecompressName }

// Apply decodes src, which must hold exactly one compressed block.
func (d *Decompressor) Apply(src []byte) ([]byte, error) {
	out, err := d.dec.DecodeAll(src, nil)
	if err != nil {
		return nil, fmt.Errorf("zstd decompress: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrEmptyFrame
	}
	return out, nil
}

// Close releases decoder resources.
func (d *Decompressor) Close() {
	d.dec.Close()
}
