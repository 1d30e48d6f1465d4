package pipeline

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
)

// FrameHeaderSize is the length prefix in front of every frame payload.
const FrameHeaderSize = 4

// DefaultMaxFrameLength bounds frames accepted from a framed source.
const DefaultMaxFrameLength = 64 << 20

// WriteFrame writes payload as one frame: a little-endian int32 length
// followed by the payload bytes.
func WriteFrame(w io.Writer, payload []byte) (int, error) {
	if len(payload) > math.MaxInt32 {
		return 0, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(payload))
	}

	var hdr [FrameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[:], uint32(int32(len(payload))))

	n, err := w.Write(hdr[:])
	if err != nil {
		return n, err
	}
	m, err := w.Write(payload)
	return n + m, err
}

// parseFrameLength validates a frame header against maxLength.
func parseFrameLength(hdr []byte, maxLength int) (int, error) {
	length := int32(binary.LittleEndian.Uint32(hdr))
	switch {
	case length <= 0:
		return 0, fmt.Errorf("%w: length %d", ErrCorruptFrame, length)
	case maxLength > 0 && int(length) > maxLength:
		return 0, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, maxLength)
	}
	return int(length), nil
}

// FrameReader reads frames back from a framed stream.
type FrameReader struct {
	r         io.Reader
	maxLength int
	offset    int64
}

// NewFrameReader reads frames from r. maxLength <= 0 disables the length check.
func NewFrameReader(r io.Reader, maxLength int) *FrameReader {
	return &FrameReader{r: r, maxLength: maxLength}
}

// Offset is the stream position of the next frame header.
func (fr *FrameReader) Offset() int64 { return fr.offset }

// Next returns the next payload. It returns io.EOF at a clean frame boundary
// and ErrTruncatedFrame when the stream stops inside a frame.
func (fr *FrameReader) Next() ([]byte, error) {
	var hdr [FrameHeaderSize]byte
	n, err := io.ReadFull(fr.r, hdr[:])
	if err != nil {
		if errors.Is(err, io.EOF) && n == 0 {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: header at offset %d", ErrTruncatedFrame, fr.offset)
		}
		return nil, err
	}

	length, err := parseFrameLength(hdr[:], fr.maxLength)
	if err != nil {
		return nil, fmt.Errorf("frame at offset %d: %w", fr.offset, err)
	}

	payload := make([]byte, length)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: payload at offset %d", ErrTruncatedFrame, fr.offset)
		}
		return nil, err
	}

	fr.offset += int64(FrameHeaderSize + length)
	return payload, nil
}
