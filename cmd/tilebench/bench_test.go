package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunBench_Synthetic(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	res, err := runBench(ctx, "", benchOptions{
		pairs:    300,
		width:    1280,
		height:   800,
		steps:    3,
		maxBytes: "64MiB",
	})
	require.NoError(t, err)

	assert.Equal(t, 300, res.Pairs)
	assert.Equal(t, 2, res.Batches)
	assert.Equal(t, 3, res.Steps)
	assert.Equal(t, 6, res.Window.Columns)
	assert.Positive(t, res.Metrics.BuildCount)
	assert.Zero(t, res.Metrics.BuildErrors)
	assert.Equal(t, res.Window.Visible.Len(), res.ReadyTiles)
	assert.Zero(t, res.Placeholder)
	assert.False(t, res.OverBudget)
	assert.LessOrEqual(t, res.Gallery.Memory.Used, res.Gallery.Memory.Max)

	color.NoColor = true
	var out bytes.Buffer
	renderResult(&out, res)
	assert.Contains(t, out.String(), "within budget")
	assert.Contains(t, out.String(), "scroll steps")
}

func TestRunBench_InvalidBudget(t *testing.T) {
	_, err := runBench(context.Background(), "", benchOptions{pairs: 10, maxBytes: "1KiB", width: 100, height: 100})
	require.Error(t, err)
}

func TestRunBench_NoPairs(t *testing.T) {
	_, err := runBench(context.Background(), "", benchOptions{pairs: 0, width: 100, height: 100})
	require.ErrorIs(t, err, ErrNoPairs)
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "IMG_0002.CR3"), make([]byte, 1234), 0o600))

	path := filepath.Join(dir, "pairs.yaml")
	yaml := `
pairs:
  - archive: /photos/IMG_0001.CR3
    preview: /photos/IMG_0001.JPG
    size: 42
    modified: 2024-05-01T10:00:00Z
  - archive: IMG_0002.CR3
    preview: IMG_0002.JPG
  - preview: /photos/IMG_0003.JPG
    size: 7
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	pairs, err := loadManifest(path)
	require.NoError(t, err)
	require.Len(t, pairs, 3)

	assert.Equal(t, "/photos/IMG_0001.CR3", pairs[0].ArchivePath)
	assert.Equal(t, int64(42), pairs[0].SizeBytes)
	assert.Equal(t, time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC), pairs[0].ModTime.UTC())

	assert.Equal(t, filepath.Join(dir, "IMG_0002.CR3"), pairs[1].ArchivePath)
	assert.Equal(t, filepath.Join(dir, "IMG_0002.JPG"), pairs[1].PreviewPath)
	assert.Equal(t, int64(1234), pairs[1].SizeBytes)
	assert.False(t, pairs[1].ModTime.IsZero())

	assert.Empty(t, pairs[2].ArchivePath)
	assert.NotEqual(t, pairs[0].ID, pairs[2].ID)
}

func TestLoadManifest_Errors(t *testing.T) {
	dir := t.TempDir()

	empty := filepath.Join(dir, "empty.yaml")
	require.NoError(t, os.WriteFile(empty, []byte("pairs: []\n"), 0o600))
	_, err := loadManifest(empty)
	require.ErrorIs(t, err, ErrEmptyManifest)

	blank := filepath.Join(dir, "blank.yaml")
	require.NoError(t, os.WriteFile(blank, []byte("pairs:\n  - size: 1\n"), 0o600))
	_, err = loadManifest(blank)
	require.Error(t, err)

	_, err = loadManifest(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)
}

func TestSyntheticPairs(t *testing.T) {
	pairs := syntheticPairs(3)
	require.Len(t, pairs, 3)
	assert.NotEqual(t, pairs[0].ID, pairs[1].ID)
	assert.Equal(t, "/synthetic/IMG_000002.JPG", pairs[2].PreviewPath)
}

func TestVersionCommand(t *testing.T) {
	cmd := newRootCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, "tilebench dev (commit: none)\n", out.String())
}
