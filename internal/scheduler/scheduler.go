// Package scheduler drives the batch-resumable crawl loop.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/linkgraph-crawler/linkgraph/internal/config"
	"github.com/linkgraph-crawler/linkgraph/internal/fetcher"
	"github.com/linkgraph-crawler/linkgraph/internal/progress"
	"github.com/linkgraph-crawler/linkgraph/internal/robots"
	"github.com/linkgraph-crawler/linkgraph/internal/storage"
	"github.com/linkgraph-crawler/linkgraph/internal/urlutil"
)

const (
	// How often the idle state re-checks the frontier for new rows.
	idlePoll = 5 * time.Second

	// Per-URL budget multiplier for the batch deadline, floored below.
	perURLDeadline   = 10 * time.Second
	batchDeadlineMin = 5 * time.Minute
	drainGracePeriod = 30 * time.Second
)

var batchesCommitted = promauto.NewCounter(prometheus.CounterOpts{
	Name: "linkgraph_batches_committed_total",
	Help: "Frontier batches fully committed.",
})

// Store is the persistence surface the scheduler drives.
type Store interface {
	GetFrontierBatch(page, size int) ([]string, error)
	CountFrontier() (int64, error)
	AlreadyCrawled(url string) (bool, error)
	CreateSession(configJSON string) (sessionID, targetDB string, err error)
	EndSession(id, status string) error
	WritePage(ctx context.Context, page *storage.Page, links []*storage.Link) error
	SaveProgress(p *storage.Progress)
}

// FetchClient fetches one URL. Implemented by fetcher.Fetcher.
type FetchClient interface {
	Fetch(ctx context.Context, url string) (*fetcher.Result, error)
}

// PageExtractor turns a fetched body into a page and links.
type PageExtractor interface {
	Extract(finalURL string, body []byte, contentType string) (*storage.Page, []*storage.Link)
}

// errBatchAborted carries a batch-fatal store failure out of the worker
// pool; the page offset is left unchanged so the batch replays.
var errBatchAborted = errors.New("scheduler: batch aborted")

// Scheduler is the single-threaded owner of Progress. Workers only fetch,
// extract and write; every counter lands back on the scheduler goroutine
// through atomics read after the pool drains.
type Scheduler struct {
	cfg        *config.Config
	store      Store
	fetch      FetchClient
	extract    PageExtractor
	robots     *robots.Cache
	tracker    *progress.Tracker
	normalizer *urlutil.Normalizer
	log        zerolog.Logger
}

// New wires the scheduler. robotsCache may be nil when compliance is off.
func New(cfg *config.Config, store Store, fetch FetchClient, extract PageExtractor,
	robotsCache *robots.Cache, tracker *progress.Tracker, log zerolog.Logger) *Scheduler {
	return &Scheduler{
		cfg:        cfg,
		store:      store,
		fetch:      fetch,
		extract:    extract,
		robots:     robotsCache,
		tracker:    tracker,
		normalizer: urlutil.DefaultNormalizer(nil),
		log:        log.With().Str("component", "scheduler").Logger(),
	}
}

// Run executes the crawl loop until the context is canceled (drain) or a
// batch-fatal store error occurs; an exhausted frontier idles, polling for
// new rows. A canceled context is a clean shutdown, not an error.
func (s *Scheduler) Run(ctx context.Context) error {
	p := s.tracker.Load()

	// Batch-size changes between runs apply from the next batch; the page
	// offset is deliberately not rescaled.
	if p.BatchSize != s.cfg.BatchSize {
		p.BatchSize = s.cfg.BatchSize
	}
	p.Running = true

	// Guards the empty-page rescan against spinning when the frontier count
	// stays ahead of processed (e.g. after --reset inside the recrawl window).
	var lastRescanProcessed int64 = -1

	for {
		if ctx.Err() != nil {
			return s.shutdown(p, "")
		}

		urls, err := s.store.GetFrontierBatch(p.CurrentPage, p.BatchSize)
		if err != nil {
			s.shutdown(p, "frontier read failed")
			return fmt.Errorf("frontier batch %d: %w", p.CurrentPage, err)
		}

		if total, countErr := s.store.CountFrontier(); countErr == nil {
			p.TotalURLs = total
		}

		if len(urls) == 0 {
			// The frontier may have grown behind already-consumed offsets;
			// dedup makes the rescan cheap.
			if p.TotalURLs > p.Processed {
				if p.Processed == lastRescanProcessed {
					// The last rescan made no progress; pace the next one.
					select {
					case <-time.After(idlePoll):
					case <-ctx.Done():
						return s.shutdown(p, "")
					}
				}
				lastRescanProcessed = p.Processed
				s.log.Info().Int64("frontier", p.TotalURLs).Int64("processed", p.Processed).
					Msg("frontier grew, rescanning from page 1")
				p.CurrentPage = 1
				continue
			}
			if err := s.idle(ctx); err != nil {
				return s.shutdown(p, "")
			}
			continue
		}

		runnable, preFailed := s.filter(ctx, urls)

		if len(runnable) == 0 {
			// Fully filtered batches are still consumed.
			p.CurrentPage++
			p.Processed += preFailed
			p.Failed += preFailed
			if err := s.commit(&p); err != nil {
				return err
			}
			continue
		}

		sessionID, targetDB, err := s.store.CreateSession(s.cfg.Snapshot())
		if err != nil {
			if storage.IsNoCapacity(err) {
				s.shutdown(p, "no database capacity")
				return err
			}
			s.shutdown(p, "session create failed")
			return err
		}
		s.log.Info().Str("session", sessionID).Str("target", targetDB).
			Int("page", p.CurrentPage).Int("urls", len(runnable)).Msg("batch started")

		p.ActiveSessionID = sessionID
		if err := s.commit(&p); err != nil {
			s.store.EndSession(sessionID, storage.SessionFailed)
			return err
		}

		outcome := s.runBatch(ctx, sessionID, runnable)

		p.Processed += preFailed + outcome.succeeded + outcome.failed
		p.Succeeded += outcome.succeeded
		p.Failed += preFailed + outcome.failed
		p.ActiveSessionID = ""

		switch {
		case outcome.fatal != nil:
			s.store.EndSession(sessionID, storage.SessionFailed)
			s.shutdown(p, outcome.fatal.Error())
			return outcome.fatal

		case outcome.interrupted:
			// The same page replays; already-written URLs are skipped by
			// the recrawl window.
			s.store.EndSession(sessionID, storage.SessionFailed)
			if ctx.Err() != nil {
				return s.shutdown(p, "")
			}
			s.log.Warn().Int("page", p.CurrentPage).Msg("batch deadline expired, page will replay")
			if err := s.commit(&p); err != nil {
				return err
			}

		default:
			p.CurrentPage++
			s.store.EndSession(sessionID, storage.SessionCompleted)
			batchesCommitted.Inc()
			if err := s.commit(&p); err != nil {
				return err
			}
		}
	}
}

// filter drops URLs that are already crawled inside the recrawl window and
// counts normalization and robots failures. Returns the fetchable set and
// the pre-fetch failure count.
func (s *Scheduler) filter(ctx context.Context, urls []string) ([]string, int64) {
	var runnable []string
	var preFailed int64

	for _, raw := range urls {
		normalized, err := s.normalizer.Normalize(raw)
		if err != nil {
			s.log.Warn().Str("url", raw).Err(err).Msg("normalization failed")
			preFailed++
			continue
		}

		crawled, err := s.store.AlreadyCrawled(normalized)
		if err == nil && crawled {
			s.log.Debug().Str("url", normalized).Msg("inside recrawl window, skipped")
			continue
		}

		if s.cfg.RespectRobots && s.robots != nil &&
			!s.robots.IsAllowed(ctx, normalized, s.cfg.UserAgent) {
			s.log.Warn().Str("url", normalized).Str("kind", string(fetcher.KindRobotsDenied)).
				Msg("fetch skipped")
			preFailed++
			continue
		}

		runnable = append(runnable, normalized)
	}
	return runnable, preFailed
}

type batchOutcome struct {
	succeeded   int64
	failed      int64
	interrupted bool
	fatal       error
}

// batchDeadline returns the per-batch processing budget: batch_size x 10s,
// floored at 5 minutes.
func batchDeadline(batchSize int) time.Duration {
	deadline := time.Duration(batchSize) * perURLDeadline
	if deadline < batchDeadlineMin {
		deadline = batchDeadlineMin
	}
	return deadline
}

// runBatch fans the URLs across the worker pool and waits for it to drain.
// Per-URL failures only count; a NoCapacity or permanent store error
// cancels the rest of the batch and surfaces as fatal.
func (s *Scheduler) runBatch(ctx context.Context, sessionID string, urls []string) batchOutcome {
	// The deadline is sized off the configured batch size, not the filtered
	// URL count: dedup and robots skips must not shrink the drain window.
	batchCtx, cancel := context.WithTimeout(ctx, batchDeadline(s.cfg.BatchSize))
	defer cancel()

	var (
		succeeded atomic.Int64
		failed    atomic.Int64
		fatalOnce sync.Once
		fatal     error
	)

	jobs := make(chan string)
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.MaxConcurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for url := range jobs {
				err := s.processURL(batchCtx, sessionID, url)
				switch {
				case err == nil:
					succeeded.Add(1)
				case errors.Is(err, errBatchAborted):
					fatalOnce.Do(func() {
						fatal = err
						cancel()
					})
				case batchCtx.Err() != nil:
					// Abandoned mid-flight during drain; not a URL failure,
					// the page replays.
				default:
					failed.Add(1)
				}
			}
		}()
	}

feed:
	for _, url := range urls {
		select {
		case jobs <- url:
		case <-batchCtx.Done():
			break feed
		}
	}
	close(jobs)

	// On drain, give in-flight fetches a bounded grace period.
	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(drainGracePeriod):
		s.log.Warn().Msg("drain grace period expired with workers in flight")
		cancel()
		<-done
	}

	outcome := batchOutcome{
		succeeded: succeeded.Load(),
		failed:    failed.Load(),
		fatal:     fatal,
	}
	if fatal == nil && (ctx.Err() != nil || batchCtx.Err() != nil) &&
		outcome.succeeded+outcome.failed < int64(len(urls)) {
		outcome.interrupted = true
	}
	return outcome
}

// processURL runs fetch → extract → atomic page+links write for one URL.
func (s *Scheduler) processURL(ctx context.Context, sessionID, url string) error {
	result, err := s.fetch.Fetch(ctx, url)
	if err != nil {
		var fe *fetcher.FetchError
		if errors.As(err, &fe) {
			if fe.Kind == fetcher.KindCancelled {
				return err
			}
			s.log.Warn().Str("url", url).Str("kind", string(fe.Kind)).
				Int("status", fe.Status).Msg("fetch failed")
		}
		return err
	}

	page, links := s.extract.Extract(result.FinalURL, result.Body, result.ContentType)
	page.HTTPStatus = result.StatusCode
	page.ResponseTimeMs = result.ResponseTime.Milliseconds()
	page.SessionID = sessionID
	for _, link := range links {
		link.SessionID = sessionID
	}

	if err := s.store.WritePage(ctx, page, links); err != nil {
		if storage.IsNoCapacity(err) || !storage.IsTransient(err) {
			return fmt.Errorf("%w: %w", errBatchAborted, err)
		}
		s.log.Warn().Str("url", url).Err(err).Msg("page write failed")
		return err
	}

	s.log.Debug().Str("url", url).Int("links", len(links)).Msg("page stored")
	return nil
}

// idle waits for new frontier rows, polling the count.
func (s *Scheduler) idle(ctx context.Context) error {
	ticker := time.NewTicker(idlePoll)
	defer ticker.Stop()

	baseline, _ := s.store.CountFrontier()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			count, err := s.store.CountFrontier()
			if err != nil {
				continue
			}
			if count > baseline {
				s.log.Info().Int64("frontier", count).Msg("new frontier rows")
				return nil
			}
		}
	}
}

// commit persists Progress to the file backend and mirrors it to the store.
func (s *Scheduler) commit(p *storage.Progress) error {
	p.UpdatedAt = time.Now().UTC()
	if err := s.tracker.Commit(*p); err != nil {
		return fmt.Errorf("progress commit: %w", err)
	}
	s.store.SaveProgress(p)
	return nil
}

// shutdown records the final progress state without advancing the page.
func (s *Scheduler) shutdown(p storage.Progress, reason string) error {
	p.Running = false
	p.ActiveSessionID = ""
	if reason != "" {
		s.log.Error().Str("reason", reason).Msg("scheduler stopping")
	} else {
		s.log.Info().Msg("scheduler drained")
	}
	return s.commit(&p)
}
