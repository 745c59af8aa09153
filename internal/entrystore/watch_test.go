package entrystore

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// replaceFile swaps in new content the way editors save: write aside, rename.
func replaceFile(t *testing.T, path, content string) {
	t.Helper()
	tmp := path + ".edit"
	require.NoError(t, os.WriteFile(tmp, []byte(content), 0o644))
	require.NoError(t, os.Rename(tmp, path))
}

func TestWatchReloadsOnExternalEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.yaml")
	s, err := OpenFile(path)
	require.NoError(t, err)

	e := NewEntry("Home", validData())
	require.NoError(t, s.Create(context.Background(), e))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []Entry, 8)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() {
		_ = s.Watch(ctx, logger, func(entries []Entry) { got <- entries })
	}()
	// Let the watcher register before editing.
	time.Sleep(50 * time.Millisecond)

	edited := `
entries:
  - id: ` + e.ID + `
    title: Home
    data:
      api_key: key
      latitude: 47.6
      longitude: -122.3
      update_interval: 45
`
	replaceFile(t, path, edited)

	select {
	case entries := <-got:
		require.Len(t, entries, 1)
		assert.Equal(t, 45, entries[0].Data.UpdateInterval)
	case <-time.After(2 * time.Second):
		t.Fatal("watcher did not report the edit")
	}

	current, err := s.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, 45, current.Data.UpdateInterval)
}

func TestWatchKeepsEntriesOnBadEdit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "entries.yaml")
	s, err := OpenFile(path)
	require.NoError(t, err)
	e := NewEntry("Home", validData())
	require.NoError(t, s.Create(context.Background(), e))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	got := make(chan []Entry, 8)
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	go func() {
		_ = s.Watch(ctx, logger, func(entries []Entry) { got <- entries })
	}()
	time.Sleep(50 * time.Millisecond)

	replaceFile(t, path, "entries: [")

	select {
	case <-got:
		t.Fatal("invalid file must not be applied")
	case <-time.After(200 * time.Millisecond):
	}
	current, err := s.Get(context.Background(), e.ID)
	require.NoError(t, err)
	assert.Equal(t, e.ID, current.ID)
}
