package progress_test

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkgraph-crawler/linkgraph/internal/progress"
	"github.com/linkgraph-crawler/linkgraph/internal/storage"
)

func newTracker(t *testing.T) (*progress.Tracker, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "progress.json")
	return progress.NewTracker(path, zerolog.Nop()), path
}

func TestLoadMissingFile(t *testing.T) {
	tracker, _ := newTracker(t)

	p := tracker.Load()
	assert.Equal(t, 1, p.CurrentPage)
	assert.Zero(t, p.Processed)
	assert.False(t, p.Running)
}

func TestCommitAndReload(t *testing.T) {
	tracker, path := newTracker(t)
	tracker.Load()

	p := storage.Progress{
		CurrentPage: 7,
		BatchSize:   50,
		TotalURLs:   500,
		Processed:   300,
		Succeeded:   280,
		Failed:      20,
		Running:     true,
	}
	require.NoError(t, tracker.Commit(p))

	// A fresh tracker over the same file sees the committed record.
	reloaded := progress.NewTracker(path, zerolog.Nop()).Load()
	assert.Equal(t, 7, reloaded.CurrentPage)
	assert.EqualValues(t, 300, reloaded.Processed)
	assert.EqualValues(t, reloaded.Processed, reloaded.Succeeded+reloaded.Failed)
	assert.False(t, reloaded.UpdatedAt.IsZero())
}

func TestCommitIsAtomicJSON(t *testing.T) {
	tracker, path := newTracker(t)
	tracker.Load()

	require.NoError(t, tracker.Commit(storage.Progress{CurrentPage: 2, BatchSize: 10}))
	require.NoError(t, tracker.Commit(storage.Progress{CurrentPage: 3, BatchSize: 10}))

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var p storage.Progress
	require.NoError(t, json.Unmarshal(data, &p), "the on-disk file is always one whole JSON object")
	assert.Equal(t, 3, p.CurrentPage)

	// No temp files left behind.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestLoadMalformedFallsBack(t *testing.T) {
	tracker, path := newTracker(t)
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	p := tracker.Load()
	assert.Equal(t, 1, p.CurrentPage)
	assert.Equal(t, 1, p.BatchSize)
}

func TestLoadClampsInvalidValues(t *testing.T) {
	tracker, path := newTracker(t)
	require.NoError(t, os.WriteFile(path, []byte(`{"current_page":0,"batch_size":-5}`), 0644))

	p := tracker.Load()
	assert.Equal(t, 1, p.CurrentPage)
	assert.Equal(t, 1, p.BatchSize)
}

func TestSnapshotTracksCommits(t *testing.T) {
	tracker, _ := newTracker(t)
	tracker.Load()

	require.NoError(t, tracker.Commit(storage.Progress{CurrentPage: 5, BatchSize: 50, ActiveSessionID: "s-1"}))

	snap := tracker.Snapshot()
	assert.Equal(t, 5, snap.CurrentPage)
	assert.Equal(t, "s-1", snap.ActiveSessionID)
}

func TestReset(t *testing.T) {
	tracker, path := newTracker(t)
	tracker.Load()
	require.NoError(t, tracker.Commit(storage.Progress{CurrentPage: 9, BatchSize: 50}))

	require.NoError(t, tracker.Reset())
	_, err := os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	assert.Equal(t, 1, tracker.Snapshot().CurrentPage)

	// Resetting twice is fine.
	require.NoError(t, tracker.Reset())
}
