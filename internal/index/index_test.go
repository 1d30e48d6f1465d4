package index

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/pipeline"
)

func sampleBuilder() *Builder {
	b := NewBuilder()
	var target int64
	for i := int64(0); i < 4; i++ {
		payload := bytes.Repeat([]byte{byte('a' + i)}, 10)
		b.Add(pipeline.FrameInfo{
			Seq:          i,
			SourceOffset: i * 10,
			SourceLength: 10,
			TargetOffset: target,
			TargetLength: 14,
			Payload:      payload,
		})
		target += 14
	}
	return b
}

func TestBuilder_EncodeRead(t *testing.T) {
	b := sampleBuilder()
	require.Equal(t, 4, b.Len())

	data, err := b.Encode(map[string]string{"mode": "copy", "target": "out.bin"})
	require.NoError(t, err)

	entries, err := Read(data)
	require.NoError(t, err)
	assert.Equal(t, b.Entries(), entries)

	assert.Equal(t, int64(2), entries[2].Seq)
	assert.Equal(t, int64(28), entries[2].TargetOffset)
	assert.True(t, Verify(entries[2], bytes.Repeat([]byte{'c'}, 10)))
	assert.False(t, Verify(entries[2], bytes.Repeat([]byte{'d'}, 10)))
}

func TestLocate(t *testing.T) {
	entries := sampleBuilder().Entries()

	tests := []struct {
		offset  int64
		wantSeq int64
		found   bool
	}{
		{0, 0, true},
		{9, 0, true},
		{10, 1, true},
		{35, 3, true},
		{39, 3, true},
		{40, 0, false},
		{-1, 0, false},
	}

	for _, tt := range tests {
		e, ok := Locate(entries, tt.offset)
		assert.Equal(t, tt.found, ok, "offset %d", tt.offset)
		if ok {
			assert.Equal(t, tt.wantSeq, e.Seq, "offset %d", tt.offset)
		}
	}

	_, ok := Locate(nil, 0)
	assert.False(t, ok)
}

func TestChecksum(t *testing.T) {
	sum := Checksum([]byte("chunk"))
	assert.Len(t, sum, 16)
	assert.Equal(t, sum, Checksum([]byte("chunk")))
	assert.NotEqual(t, sum, Checksum([]byte("chunks")))
}

func TestKey(t *testing.T) {
	assert.Equal(t, "out/data.bin.idx.parquet", Key("out/data.bin"))
}

func TestRead_Garbage(t *testing.T) {
	_, err := Read([]byte("not parquet"))
	assert.Error(t, err)
}
