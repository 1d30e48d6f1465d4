package copier

import (
	"fmt"
	"strings"
	"time"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/pipeline"
)

// Mode selects what a run does to the bytes between source and target.
type Mode string

const (
	// ModeCopy frames raw chunks.
	ModeCopy Mode = "copy"
	// ModeCompress frames zstd-compressed chunks.
	ModeCompress Mode = "compress"
	// ModeDecompress reads frames of compressed chunks and writes the
	// original bytes.
	ModeDecompress Mode = "decompress"
)

// ParseMode converts a subcommand name to a Mode.
func ParseMode(s string) (Mode, error) {
	switch m := Mode(strings.ToLower(strings.TrimSpace(s))); m {
	case ModeCopy, ModeCompress, ModeDecompress:
		return m, nil
	default:
		return "", fmt.Errorf("unknown mode %q", s)
	}
}

func (m Mode) String() string { return string(m) }

// Job is one source-to-target transfer.
type Job struct {
	Mode   Mode
	Source string // key in the source backend
	Target string // key in the storage backend

	// Progress, if set, receives writer progress on the writer goroutine.
	Progress func(pipeline.Progress)
}

func (j Job) validate() error {
	if _, err := ParseMode(string(j.Mode)); err != nil {
		return err
	}
	if j.Source == "" {
		return fmt.Errorf("source key is required")
	}
	if j.Target == "" {
		return fmt.Errorf("target key is required")
	}
	return nil
}

// Summary describes a finished run, whatever its outcome.
type Summary struct {
	RunID     string
	Mode      Mode
	SourceURI string
	TargetURI string
	IndexURI  string // empty unless an index was written
	Outcome   string // "success" | "failed" | "canceled"
	SHA256    string // empty unless the target was committed

	ChunkSize  int
	SourceSize int64
	Stats      pipeline.Stats

	StartedAt  time.Time
	FinishedAt time.Time
}

// Duration is the wall time of the run.
func (s *Summary) Duration() time.Duration {
	return s.FinishedAt.Sub(s.StartedAt)
}
