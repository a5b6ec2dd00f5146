package extract

import (
	"archive/zip"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type zipEntry struct {
	name    string
	content string
}

func writeZip(t *testing.T, entries []zipEntry) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "export.zip")
	f, err := os.Create(path)
	require.NoError(t, err)
	w := zip.NewWriter(f)
	for _, e := range entries {
		entry, err := w.Create(e.name)
		require.NoError(t, err)
		_, err = entry.Write([]byte(e.content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	require.NoError(t, f.Close())
	return path
}

func TestUnpack(t *testing.T) {
	archive := writeZip(t, []zipEntry{
		{"slack-export-acme/channels/general/general.txt", "hello"},
		{"slack-export-acme/files/F1/report.pdf", "%PDF"},
	})
	dest := filepath.Join(t.TempDir(), "extract")

	var calls []int
	err := Unpack(context.Background(), archive, dest, Options{
		OnProgress: func(done, total, pct int) {
			assert.Equal(t, 2, total)
			calls = append(calls, pct)
		},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dest, "slack-export-acme", "channels", "general", "general.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = os.Stat(filepath.Join(dest, "slack-export-acme", "files", "F1", "report.pdf"))
	require.NoError(t, err)

	// Final callback always fires and reports completion.
	require.NotEmpty(t, calls)
	assert.Equal(t, 100, calls[len(calls)-1])
}

func TestUnpackProgressCadence(t *testing.T) {
	var entries []zipEntry
	for i := 0; i < 25; i++ {
		entries = append(entries, zipEntry{fmt.Sprintf("f/%02d.txt", i), "x"})
	}
	archive := writeZip(t, entries)

	var done []int
	err := Unpack(context.Background(), archive, t.TempDir(), Options{
		ProgressEvery: 10,
		OnProgress: func(d, total, pct int) {
			assert.Equal(t, 25, total)
			done = append(done, d)
		},
	})
	require.NoError(t, err)
	assert.Equal(t, []int{10, 20, 25}, done)
}

func TestUnpackCorruptArchive(t *testing.T) {
	empty := filepath.Join(t.TempDir(), "empty.zip")
	require.NoError(t, os.WriteFile(empty, nil, 0o644))

	err := Unpack(context.Background(), empty, t.TempDir(), Options{})
	assert.ErrorIs(t, err, ErrCorruptArchive)
}

func TestUnpackRejectsPathTraversal(t *testing.T) {
	archive := writeZip(t, []zipEntry{
		{"ok.txt", "fine"},
		{"../evil.txt", "nope"},
	})
	parent := t.TempDir()
	dest := filepath.Join(parent, "extract")

	err := Unpack(context.Background(), archive, dest, Options{})
	assert.ErrorIs(t, err, ErrPathEscape)

	_, statErr := os.Stat(filepath.Join(parent, "evil.txt"))
	assert.True(t, os.IsNotExist(statErr))

	// The entry extracted before the bad one stays on disk.
	_, statErr = os.Stat(filepath.Join(dest, "ok.txt"))
	assert.NoError(t, statErr)
}

func TestUnpackCancelLeavesPartialFiles(t *testing.T) {
	archive := writeZip(t, []zipEntry{
		{"a.txt", "a"},
		{"b.txt", "b"},
	})
	dest := t.TempDir()

	checks := 0
	err := Unpack(context.Background(), archive, dest, Options{
		Cancelled: func() bool {
			checks++
			return checks > 1
		},
	})
	assert.ErrorIs(t, err, ErrCancelled)

	_, statErr := os.Stat(filepath.Join(dest, "a.txt"))
	assert.NoError(t, statErr)
	_, statErr = os.Stat(filepath.Join(dest, "b.txt"))
	assert.True(t, os.IsNotExist(statErr))
}

func TestUnpackContextCancelled(t *testing.T) {
	archive := writeZip(t, []zipEntry{{"a.txt", "a"}})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := Unpack(ctx, archive, t.TempDir(), Options{})
	assert.ErrorIs(t, err, context.Canceled)
}
