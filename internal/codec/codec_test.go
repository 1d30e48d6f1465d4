package codec

import (
	"bytes"
	"sync"
	"testing"

	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    zstd.EncoderLevel
		wantErr bool
	}{
		{"", zstd.SpeedDefault, false},
		{"fastest", zstd.SpeedFastest, false},
		{"Default", zstd.SpeedDefault, false},
		{"better", zstd.SpeedBetterCompression, false},
		{" best ", zstd.SpeedBestCompression, false},
		{"ultra", zstd.SpeedDefault, true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestRoundTrip(t *testing.T) {
	c, err := NewCompressor(zstd.SpeedDefault, 2)
	require.NoError(t, err)
	defer c.Close()

	d, err := NewDecompressor(1<<20, 2)
	require.NoError(t, err)
	defer d.Close()

	assert.Equal(t, CompressName, c.Name())
	assert.Equal(t, DecompressName, d.Name())

	src := bytes.Repeat([]byte("chunk copier "), 2000)
	compressed, err := c.Apply(src)
	require.NoError(t, err)
	assert.Less(t, len(compressed), len(src))

	out, err := d.Apply(compressed)
	require.NoError(t, err)
	assert.Equal(t, src, out)
}

func TestConcurrentApply(t *testing.T) {
	c, err := NewCompressor(zstd.SpeedFastest, 4)
	require.NoError(t, err)
	defer c.Close()
	d, err := NewDecompressor(0, 4)
	require.NoError(t, err)
	defer d.Close()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			src := bytes.Repeat([]byte{byte(i)}, 1000+i)
			enc, err := c.Apply(src)
			assert.NoError(t, err)
			dec, err := d.Apply(enc)
			assert.NoError(t, err)
			assert.Equal(t, src, dec)
		}(i)
	}
	wg.Wait()
}

func TestDecompress_Garbage(t *testing.T) {
	d, err := NewDecompressor(0, 1)
	require.NoError(t, err)
	defer d.Close()

	_, err = d.Apply([]byte("definitely not zstd"))
	assert.Error(t, err)
}
