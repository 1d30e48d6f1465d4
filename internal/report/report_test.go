package report

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileManager_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	m, err := NewManager(Config{Enabled: true, Dir: filepath.Join(dir, "reports")})
	require.NoError(t, err)

	ctx := context.Background()
	started := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	r := &Report{
		RunID:      "run-1",
		Mode:       "compress",
		TargetKey:  "out/data.bin.zst",
		Outcome:    "success",
		Blocks:     3,
		BytesIn:    40000,
		BytesOut:   1200,
		StartedAt:  started,
		FinishedAt: started.Add(2 * time.Second),
	}
	require.NoError(t, m.Save(ctx, r))

	got, err := m.Load(ctx, "out/data.bin.zst")
	require.NoError(t, err)
	assert.Equal(t, r, got)
	assert.Equal(t, 2*time.Second, got.Duration())

	entries, err := os.ReadDir(filepath.Join(dir, "reports"))
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "report_out_data.bin.zst.json", entries[0].Name())
}

func TestFileManager_SaveReplaces(t *testing.T) {
	m, err := NewManager(Config{Enabled: true, Dir: t.TempDir()})
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, m.Save(ctx, &Report{RunID: "a", TargetKey: "t"}))
	require.NoError(t, m.Save(ctx, &Report{RunID: "b", TargetKey: "t"}))

	got, err := m.Load(ctx, "t")
	require.NoError(t, err)
	assert.Equal(t, "b", got.RunID)
}

func TestFileManager_Missing(t *testing.T) {
	m, err := NewManager(Config{Enabled: true, Dir: t.TempDir()})
	require.NoError(t, err)

	_, err = m.Load(context.Background(), "nothing")
	assert.ErrorIs(t, err, ErrNoReport)
}

func TestNoopManager(t *testing.T) {
	m, err := NewManager(Config{})
	require.NoError(t, err)

	require.NoError(t, m.Save(context.Background(), &Report{TargetKey: "x"}))
	_, err = m.Load(context.Background(), "x")
	assert.ErrorIs(t, err, ErrNoReport)
}

func TestSanitize(t *testing.T) {
	assert.Equal(t, "a_b_c.bin", sanitize("/a/b c.bin"))
	assert.Equal(t, "s3___x", sanitize("s3://x"))
}
