package copier

import (
	"fmt"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/index"
	"github.com/withObsrvr/obsrvr-chunk-copier/internal/pipeline"
)

// ValidationResult contains the outcome of run validation.
type ValidationResult struct {
	Passed   bool
	Errors   []string
	Warnings []string
}

func (r *ValidationResult) fail(format string, args ...any) {
	r.Errors = append(r.Errors, fmt.Sprintf(format, args...))
	r.Passed = false
}

// ValidateRun checks a finished pipeline before its target is committed:
// - every block read was written
// - the whole source was consumed
// - frames tile the source and the target without gaps or overlaps
func ValidateRun(stats pipeline.Stats, sourceSize int64, entries []index.Entry) ValidationResult {
	result := ValidationResult{Passed: true}

	if stats.BlocksWritten != stats.BlocksRead {
		result.fail("block count mismatch: read %d, wrote %d", stats.BlocksRead, stats.BlocksWritten)
	}
	if stats.BytesRead != sourceSize {
		result.fail("source not fully consumed: read %d of %d bytes", stats.BytesRead, sourceSize)
	}
	if stats.FramesSkipped > 0 {
		result.fail("%d frames skipped", stats.FramesSkipped)
	}

	if int64(len(entries)) != stats.BlocksWritten {
		result.fail("index has %d entries for %d written blocks", len(entries), stats.BlocksWritten)
		return result
	}

	var sourceEnd, targetEnd int64
	for i, e := range entries {
		if e.Seq != int64(i) {
			result.fail("frame %d out of order: seq %d", i, e.Seq)
		}
		if e.SourceOffset != sourceEnd {
			result.fail("source gap before frame %d: expected offset %d, got %d", i, sourceEnd, e.SourceOffset)
		}
		if e.TargetOffset != targetEnd {
			result.fail("target gap before frame %d: expected offset %d, got %d", i, targetEnd, e.TargetOffset)
		}
		if e.SourceLength <= 0 {
			result.fail("frame %d has empty source range", i)
		}
		sourceEnd = e.SourceOffset + int64(e.SourceLength)
		targetEnd = e.TargetOffset + int64(e.TargetLength)
	}

	if sourceEnd != sourceSize {
		result.fail("frames cover %d of %d source bytes", sourceEnd, sourceSize)
	}
	if targetEnd != stats.BytesWritten {
		result.fail("frames cover %d of %d target bytes", targetEnd, stats.BytesWritten)
	}

	if sourceSize == 0 {
		result.Warnings = append(result.Warnings, "empty source")
	}
	return result
}
