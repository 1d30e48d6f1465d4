package main

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/copier"
)

type transferArgs struct {
	Source string `arg:"-s,--source,required" placeholder:"KEY" help:"source object key"`
	Target string `arg:"-t,--target,required" placeholder:"KEY" help:"target object key"`
}

type statusArgs struct {
	Target string `arg:"-t,--target,required" placeholder:"KEY" help:"target object key"`
}

type cliArgs struct {
	Config    string    `arg:"-c,--config,env:CHUNK_COPIER_CONFIG" placeholder:"FILE" help:"YAML config file"`
	Quiet     bool      `arg:"-q" help:"quiet (hide progress)"`
	ChunkSize chunkSize `arg:"--chunk-size" placeholder:"N" help:"chunk size (1<=N<=1G), e.g. 16K. overrides the config"`
	Overwrite bool      `arg:"-y" help:"yes, overwrite an existing target"`

	Copy       *transferArgs `arg:"subcommand:copy" help:"copy a source into a framed target"`
	Compress   *transferArgs `arg:"subcommand:compress" help:"compress a source into framed zstd chunks"`
	Decompress *transferArgs `arg:"subcommand:decompress" help:"restore the original bytes of a compressed target"`
	Status     *statusArgs   `arg:"subcommand:status" help:"print the last run report for a target"`
}

func (cliArgs) Description() string {
	return "Copy a file through a bounded chunk pipeline, optionally compressing it.\n"
}

func (cliArgs) Version() string {
	return fmt.Sprintf("chunk-copier %s (%s)", copier.Version, copier.GitSHA)
}

// transfer returns the mode and keys of the selected transfer subcommand.
func (a *cliArgs) transfer() (copier.Mode, *transferArgs, bool) {
	switch {
	case a.Copy != nil:
		return copier.ModeCopy, a.Copy, true
	case a.Compress != nil:
		return copier.ModeCompress, a.Compress, true
	case a.Decompress != nil:
		return copier.ModeDecompress, a.Decompress, true
	default:
		return "", nil, false
	}
}

type chunkSize struct {
	Size int
}

var sizeRegexp = regexp.MustCompile(`(?i)^(\d+)(b|k|m|g|kb|mb|gb)?$`)

func (c *chunkSize) UnmarshalText(buf []byte) error {
	str := string(buf)
	match := sizeRegexp.FindStringSubmatch(str)
	if len(match) < 2 {
		return fmt.Errorf("invalid size %s", str)
	}
	sizeValue, err := strconv.ParseInt(match[1], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid size %s", str)
	}
	switch strings.ToLower(match[2]) {
	case "", "b":
	case "k", "kb":
		sizeValue *= 1024
	case "m", "mb":
		sizeValue *= 1024 * 1024
	case "g", "gb":
		sizeValue *= 1024 * 1024 * 1024
	}
	if sizeValue < 1 {
		return fmt.Errorf("less than 1 byte")
	}
	if sizeValue > 1024*1024*1024 {
		return fmt.Errorf("greater than 1G")
	}
	c.Size = int(sizeValue)
	return nil
}
