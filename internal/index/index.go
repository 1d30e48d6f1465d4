// Package index builds the parquet sidecar describing every frame written
// to a target.
package index

import (
	"bytes"
	"fmt"
	"io"
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/parquet-go/parquet-go"

	"github.com/withObsrvr/obsrvr-chunk-copier/internal/pipeline"
)

// Suffix is appended to a target key to name its index.
const Suffix = ".idx.parquet"

// Key returns the index key for a target key.
func Key(target string) string {
	return target + Suffix
}

// Entry is one row of the index: where a frame came from in the source and
// where it landed in the target.
type Entry struct {
	Seq          int64  `parquet:"seq"`
	SourceOffset int64  `parquet:"source_offset"`
	SourceLength int32  `parquet:"source_length"`
	TargetOffset int64  `parquet:"target_offset"`
	TargetLength int32  `parquet:"target_length"`
	Checksum     string `parquet:"checksum"` // xxhash64 of the payload, hex
}

// Contains reports whether the source offset falls inside this frame.
func (e Entry) Contains(sourceOffset int64) bool {
	return sourceOffset >= e.SourceOffset && sourceOffset < e.SourceOffset+int64(e.SourceLength)
}

// Checksum returns the checksum recorded for a payload.
func Checksum(payload []byte) string {
	return fmt.Sprintf("%016x", xxhash.Sum64(payload))
}

// Verify reports whether payload matches the checksum recorded in e.
func Verify(e Entry, payload []byte) bool {
	return Checksum(payload) == e.Checksum
}

// Builder collects entries from the writer's frame callback.
type Builder struct {
	mu      sync.Mutex
	entries []Entry
}

// NewBuilder creates an empty builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// Add records one written frame. It matches pipeline.Hooks.OnWritten.
func (b *Builder) Add(fi pipeline.FrameInfo) {
	e := Entry{
		Seq:          fi.Seq,
		SourceOffset: fi.SourceOffset,
		SourceLength: int32(fi.SourceLength),
		TargetOffset: fi.TargetOffset,
		TargetLength: int32(fi.TargetLength),
		Checksum:     Checksum(fi.Payload),
	}
	b.mu.Lock()
	b.entries = append(b.entries, e)
	b.mu.Unlock()
}

// Entries returns a copy of the collected entries.
func (b *Builder) Entries() []Entry {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Entry(nil), b.entries...)
}

// Len returns the number of entries.
func (b *Builder) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.entries)
}

// Encode serializes the collected entries as parquet.
func (b *Builder) Encode(meta map[string]string) ([]byte, error) {
	var buf bytes.Buffer
	if err := Write(&buf, b.Entries(), meta); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Write serializes entries as a zstd-compressed parquet file. meta lands in
// the file's key/value metadata.
func Write(w io.Writer, entries []Entry, meta map[string]string) error {
	opts := []parquet.WriterOption{parquet.Compression(&parquet.Zstd)}
	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		opts = append(opts, parquet.KeyValueMetadata(k, meta[k]))
	}

	pw := parquet.NewGenericWriter[Entry](w, opts...)
	if _, err := pw.Write(entries); err != nil {
		pw.Close()
		return fmt.Errorf("write index rows: %w", err)
	}
	if err := pw.Close(); err != nil {
		return fmt.Errorf("close index writer: %w", err)
	}
	return nil
}

// Read parses an index file.
func Read(data []byte) ([]Entry, error) {
	entries, err := parquet.Read[Entry](bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("read index: %w", err)
	}
	return entries, nil
}

// Locate finds the frame containing sourceOffset. entries must be in seq
// order, which is how the writer produces them.
func Locate(entries []Entry, sourceOffset int64) (Entry, bool) {
	i := sort.Search(len(entries), func(i int) bool {
		return entries[i].SourceOffset+int64(entries[i].SourceLength) > sourceOffset
	})
	if i < len(entries) && entries[i].Contains(sourceOffset) {
		return entries[i], true
	}
	return Entry{}, false
}
