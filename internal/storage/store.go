package storage

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
)

// Selector decides which target absorbs the next write. Implemented by the
// rotation manager; defined here so storage stays at the bottom of the DAG.
type Selector interface {
	// ChooseWriteTarget returns the name of the least-loaded healthy target
	// not in exclude, or ErrNoCapacity.
	ChooseWriteTarget(exclude map[string]struct{}) (string, error)

	// RecordWrite updates in-memory usage counters after a committed write.
	RecordWrite(name string, rows, bytes int64)
}

const (
	writeAttempts = 3
	retryBase     = 250 * time.Millisecond
)

// Store is the multi-target persistence facade. Transient backend errors
// retry with backoff; persistent failures re-route through the selector.
type Store struct {
	frontier *Frontier
	targets  map[string]*DB
	order    []string
	primary  *DB
	selector Selector
	window   time.Duration
	log      zerolog.Logger
}

// NewStore assembles the facade. The first target is the primary, which
// holds scores, the progress mirror and the usage meta-table.
func NewStore(frontier *Frontier, targets []*DB, selector Selector, window time.Duration, log zerolog.Logger) *Store {
	s := &Store{
		frontier: frontier,
		targets:  make(map[string]*DB, len(targets)),
		selector: selector,
		window:   window,
		log:      log.With().Str("component", "store").Logger(),
	}
	for i, t := range targets {
		s.targets[t.Name()] = t
		s.order = append(s.order, t.Name())
		if i == 0 {
			s.primary = t
		}
	}
	return s
}

// Primary returns the primary target.
func (s *Store) Primary() *DB { return s.primary }

// Target returns a target by name, or nil.
func (s *Store) Target(name string) *DB { return s.targets[name] }

// Close closes every handle.
func (s *Store) Close() error {
	var first error
	if s.frontier != nil {
		if err := s.frontier.Close(); err != nil && first == nil {
			first = err
		}
	}
	for _, name := range s.order {
		if err := s.targets[name].Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// --- Frontier ---

// GetFrontierBatch returns one stable page of the frontier.
func (s *Store) GetFrontierBatch(page, size int) ([]string, error) {
	var urls []string
	err := s.withRetry("frontier_batch", func() error {
		var err error
		urls, err = s.frontier.GetFrontierBatch(page, size)
		return err
	})
	return urls, err
}

// CountFrontier returns the number of distinct frontier URLs.
func (s *Store) CountFrontier() (int64, error) {
	var count int64
	err := s.withRetry("frontier_count", func() error {
		var err error
		count, err = s.frontier.CountFrontier()
		return err
	})
	return count, err
}

// AlreadyCrawled reports whether any target holds a page for url inside the
// recrawl window.
func (s *Store) AlreadyCrawled(url string) (bool, error) {
	for _, name := range s.order {
		crawled, err := s.targets[name].AlreadyCrawled(url, s.window)
		if err != nil {
			return false, err
		}
		if crawled {
			return true, nil
		}
	}
	return false, nil
}

// --- Sessions ---

// CreateSession opens a session on every target (so each target's rows stay
// locally joinable) and returns the session id plus the write target chosen
// for the batch.
func (s *Store) CreateSession(configJSON string) (string, string, error) {
	target, err := s.selector.ChooseWriteTarget(nil)
	if err != nil {
		return "", "", err
	}

	id, err := s.targets[target].CreateSession(configJSON, target)
	if err != nil {
		return "", "", err
	}
	for _, name := range s.order {
		if name == target {
			continue
		}
		if err := s.mirrorSession(name, id, configJSON, target); err != nil {
			s.log.Warn().Err(err).Str("target", name).Msg("session mirror failed")
		}
	}
	return id, target, nil
}

func (s *Store) mirrorSession(name, id, configJSON, target string) error {
	db := s.targets[name]
	db.mu.Lock()
	defer db.mu.Unlock()
	_, err := db.db.Exec(`
		INSERT INTO sessions (id, started_at, status, config_json, target_db)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING
	`, id, time.Now().UTC(), SessionActive, configJSON, target)
	return classify("mirror_session", name, err)
}

// EndSession closes the session on every target.
func (s *Store) EndSession(id, status string) error {
	var first error
	for _, name := range s.order {
		if err := s.targets[name].EndSession(id, status); err != nil && first == nil {
			first = err
		}
	}
	return first
}

// --- Writes ---

// WritePage persists a page and its links atomically on a rotation-selected
// target. Transient errors retry in place; a target that keeps failing is
// excluded and the write re-routes. With no target left the call returns
// ErrNoCapacity, which the scheduler treats as fatal for the batch.
func (s *Store) WritePage(ctx context.Context, page *Page, links []*Link) error {
	exclude := make(map[string]struct{})

	for {
		name, err := s.selector.ChooseWriteTarget(exclude)
		if err != nil {
			return err
		}
		db := s.targets[name]
		if db == nil {
			return ErrNoCapacity
		}

		rows, bytes, err := s.writeWithBackoff(ctx, db, page, links)
		if err == nil {
			s.selector.RecordWrite(name, rows, bytes)
			return nil
		}
		if ctx.Err() != nil {
			return err
		}

		s.log.Warn().Err(err).Str("target", name).Str("url", page.URL).
			Msg("write failed, re-routing")
		exclude[name] = struct{}{}
	}
}

func (s *Store) writeWithBackoff(ctx context.Context, db *DB, page *Page, links []*Link) (int64, int64, error) {
	var lastErr error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(retryBase << (attempt - 1)):
			case <-ctx.Done():
				return 0, 0, ctx.Err()
			}
		}
		rows, bytes, err := db.WritePage(page, links)
		if err == nil {
			return rows, bytes, nil
		}
		lastErr = err
		if !IsTransient(err) {
			break
		}
	}
	return 0, 0, lastErr
}

// withRetry retries transient errors with the standard backoff schedule.
func (s *Store) withRetry(op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < writeAttempts; attempt++ {
		if attempt > 0 {
			time.Sleep(retryBase << (attempt - 1))
		}
		if lastErr = fn(); lastErr == nil {
			return nil
		}
		if !IsTransient(lastErr) {
			return lastErr
		}
		s.log.Debug().Err(lastErr).Str("op", op).Int("attempt", attempt+1).Msg("transient store error")
	}
	return lastErr
}

// --- Analyzer surface ---

// IterLinks streams links from every target in order.
func (s *Store) IterLinks(fn func(*Link) error) error {
	for _, name := range s.order {
		if err := s.targets[name].IterLinks(fn); err != nil {
			return err
		}
	}
	return nil
}

// UpsertDomainScores writes domain results to the primary.
func (s *Store) UpsertDomainScores(scores []*DomainScore) error {
	return s.withRetry("upsert_domain_scores", func() error {
		return s.primary.UpsertDomainScores(scores)
	})
}

// UpsertPageRankScores writes PageRank results to the primary.
func (s *Store) UpsertPageRankScores(scores []*PageRankScore) error {
	return s.withRetry("upsert_pagerank_scores", func() error {
		return s.primary.UpsertPageRankScores(scores)
	})
}

// --- Monitoring surface ---

// AggregateStats merges per-target counters.
func (s *Store) AggregateStats() (*Stats, error) {
	total := &Stats{PagesPerDay: make(map[string]int64)}
	for _, name := range s.order {
		stats, err := s.targets[name].TargetStats()
		if err != nil {
			return nil, err
		}
		total.TotalPages += stats.TotalPages
		total.TotalLinks += stats.TotalLinks
		total.TotalSessions += stats.TotalSessions
		for day, count := range stats.PagesPerDay {
			total.PagesPerDay[day] += count
		}
	}
	return total, nil
}

// SaveProgress mirrors the progress record to the primary. Best-effort: the
// file backend is authoritative and a degraded primary must not stall the
// scheduler commit path.
func (s *Store) SaveProgress(p *Progress) {
	if err := s.primary.SaveProgress(p); err != nil {
		s.log.Warn().Err(err).Msg("progress mirror failed")
	}
}

// IsNoCapacity reports whether err is the capacity sentinel.
func IsNoCapacity(err error) bool { return errors.Is(err, ErrNoCapacity) }
