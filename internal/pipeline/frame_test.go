package pipeline

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFrame_Layout(t *testing.T) {
	var buf bytes.Buffer
	n, err := WriteFrame(&buf, []byte("hello"))
	require.NoError(t, err)
	assert.Equal(t, 9, n)

	out := buf.Bytes()
	assert.Equal(t, uint32(5), binary.LittleEndian.Uint32(out[:4]))
	assert.Equal(t, []byte("hello"), out[4:])
}

func TestFrameReader_RoundTrip(t *testing.T) {
	payloads := [][]byte{[]byte("a"), bytes.Repeat([]byte("b"), 300), []byte("cd")}

	var buf bytes.Buffer
	for _, p := range payloads {
		_, err := WriteFrame(&buf, p)
		require.NoError(t, err)
	}

	fr := NewFrameReader(&buf, 0)
	for _, want := range payloads {
		got, err := fr.Next()
		require.NoError(t, err)
		assert.Equal(t, want, got)
	}
	_, err := fr.Next()
	assert.ErrorIs(t, err, io.EOF)
	assert.Equal(t, int64(4*3+1+300+2), fr.Offset())
}

func TestFrameReader_Errors(t *testing.T) {
	header := func(n int32) []byte {
		h := make([]byte, 4)
		binary.LittleEndian.PutUint32(h, uint32(n))
		return h
	}

	tests := []struct {
		name    string
		input   []byte
		max     int
		wantErr error
	}{
		{"partial header", []byte{1, 0}, 0, ErrTruncatedFrame},
		{"partial payload", append(header(4), 'x', 'y'), 0, ErrTruncatedFrame},
		{"zero length", header(0), 0, ErrCorruptFrame},
		{"negative length", header(-7), 0, ErrCorruptFrame},
		{"too large", append(header(10), make([]byte, 10)...), 8, ErrFrameTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewFrameReader(bytes.NewReader(tt.input), tt.max).Next()
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}
