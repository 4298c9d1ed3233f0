// Package progress persists the scheduler checkpoint across restarts.
package progress

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/linkgraph-crawler/linkgraph/internal/storage"
)

// Tracker owns the durable Progress record. Writes are atomic (temp file +
// rename); reads never fail scheduler startup — a missing, unreadable or
// malformed file yields a fresh record (page 1, zero counters), with a logged
// warning for the unreadable and malformed cases.
type Tracker struct {
	path string
	log  zerolog.Logger

	mu      sync.RWMutex
	current storage.Progress
}

// NewTracker creates a tracker persisting to path.
func NewTracker(path string, log zerolog.Logger) *Tracker {
	return &Tracker{
		path: path,
		log:  log.With().Str("component", "progress").Logger(),
	}
}

// Load reads the persisted record, falling back to a fresh one.
func (t *Tracker) Load() storage.Progress {
	t.mu.Lock()
	defer t.mu.Unlock()

	p := storage.Progress{CurrentPage: 1, BatchSize: 1}

	data, err := os.ReadFile(t.path)
	switch {
	case os.IsNotExist(err):
		// First run.
	case err != nil:
		t.log.Warn().Err(err).Str("path", t.path).Msg("progress unreadable, starting fresh")
	default:
		if jsonErr := json.Unmarshal(data, &p); jsonErr != nil {
			t.log.Warn().Err(jsonErr).Str("path", t.path).Msg("progress malformed, starting fresh")
			p = storage.Progress{CurrentPage: 1, BatchSize: 1}
		}
	}

	if p.CurrentPage < 1 {
		p.CurrentPage = 1
	}
	if p.BatchSize < 1 {
		p.BatchSize = 1
	}

	t.current = p
	return p
}

// Commit writes the record atomically and refreshes the snapshot.
func (t *Tracker) Commit(p storage.Progress) error {
	p.UpdatedAt = time.Now().UTC()

	data, err := json.MarshalIndent(&p, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(t.path)
	tmp, err := os.CreateTemp(dir, ".progress-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	if err := os.Rename(tmpName, t.path); err != nil {
		os.Remove(tmpName)
		return err
	}

	t.mu.Lock()
	t.current = p
	t.mu.Unlock()
	return nil
}

// Snapshot returns the last loaded or committed record. Safe for the
// monitoring API to call concurrently with scheduler commits.
func (t *Tracker) Snapshot() storage.Progress {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.current
}

// Reset removes the persisted record.
func (t *Tracker) Reset() error {
	t.mu.Lock()
	t.current = storage.Progress{CurrentPage: 1, BatchSize: 1}
	t.mu.Unlock()

	err := os.Remove(t.path)
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
