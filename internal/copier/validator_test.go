package copier

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/index"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/pipeline"
)

// framedEntries builds entries for sizes framed with a 4-byte header.
func framedEntries(sizes ...int) ([]index.Entry, pipeline.Stats) {
	var entries []index.Entry
	var src, dst int64
	for i, n := range sizes {
		entries = append(entries, index.Entry{
			Seq:          int64(i),
			SourceOffset: src,
			SourceLength: int32(n),
			TargetOffset: dst,
			TargetLength: int32(n + pipeline.FrameHeaderSize),
		})
		src += int64(n)
		dst += int64(n + pipeline.FrameHeaderSize)
	}
	stats := pipeline.Stats{
		BlocksRead:    int64(len(sizes)),
		BytesRead:     src,
		BlocksWritten: int64(len(sizes)),
		BytesWritten:  dst,
	}
	return entries, stats
}

func TestValidateRun_Valid(t *testing.T) {
	entries, stats := framedEntries(1024, 1024, 500)
	result := ValidateRun(stats, 2548, entries)
	assert.True(t, result.Passed, result.Errors)
	assert.Empty(t, result.Errors)
	assert.Empty(t, result.Warnings)
}

func TestValidateRun_EmptySource(t *testing.T) {
	result := ValidateRun(pipeline.Stats{}, 0, nil)
	assert.True(t, result.Passed)
	assert.Equal(t, []string{"empty source"}, result.Warnings)
}

func TestValidateRun_Failures(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func([]index.Entry, *pipeline.Stats) []index.Entry
		size    int64
		wantErr string
	}{
		{
			name: "blocks lost",
			mutate: func(e []index.Entry, s *pipeline.Stats) []index.Entry {
				s.BlocksRead++
				return e
			},
			size:    2548,
			wantErr: "block count mismatch",
		},
		{
			name:    "source not consumed",
			mutate:  func(e []index.Entry, s *pipeline.Stats) []index.Entry { return e },
			size:    4000,
			wantErr: "source not fully consumed",
		},
		{
			name: "skipped frames",
			mutate: func(e []index.Entry, s *pipeline.Stats) []index.Entry {
				s.FramesSkipped = 1
				return e
			},
			size:    2548,
			wantErr: "1 frames skipped",
		},
		{
			name: "missing entry",
			mutate: func(e []index.Entry, s *pipeline.Stats) []index.Entry {
				return e[:2]
			},
			size:    2548,
			wantErr: "index has 2 entries for 3 written blocks",
		},
		{
			name: "source gap",
			mutate: func(e []index.Entry, s *pipeline.Stats) []index.Entry {
				e[1].SourceOffset += 10
				return e
			},
			size:    2548,
			wantErr: "source gap before frame 1",
		},
		{
			name: "target gap",
			mutate: func(e []index.Entry, s *pipeline.Stats) []index.Entry {
				e[2].TargetOffset--
				return e
			},
			size:    2548,
			wantErr: "target gap before frame 2",
		},
		{
			name: "out of order",
			mutate: func(e []index.Entry, s *pipeline.Stats) []index.Entry {
				e[0].Seq, e[1].Seq = e[1].Seq, e[0].Seq
				return e
			},
			size:    2548,
			wantErr: "frame 0 out of order",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			entries, stats := framedEntries(1024, 1024, 500)
			entries = tt.mutate(entries, &stats)
			result := ValidateRun(stats, tt.size, entries)
			assert.False(t, result.Passed)
			assert.NotEmpty(t, result.Errors)

			found := false
			for _, e := range result.Errors {
				if strings.HasPrefix(e, tt.wantErr) {
					found = true
				}
			}
			assert.True(t, found, "want %q in %v", tt.wantErr, result.Errors)
		})
	}
}
