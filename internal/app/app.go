// Package app wires the crawl engine together and supervises its lifecycle.
package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/linkgraph-crawler/linkgraph/internal/analyzer"
	"github.com/linkgraph-crawler/linkgraph/internal/config"
	"github.com/linkgraph-crawler/linkgraph/internal/extract"
	"github.com/linkgraph-crawler/linkgraph/internal/fetcher"
	"github.com/linkgraph-crawler/linkgraph/internal/monitor"
	"github.com/linkgraph-crawler/linkgraph/internal/progress"
	"github.com/linkgraph-crawler/linkgraph/internal/robots"
	"github.com/linkgraph-crawler/linkgraph/internal/rotation"
	"github.com/linkgraph-crawler/linkgraph/internal/scheduler"
	"github.com/linkgraph-crawler/linkgraph/internal/storage"
	"github.com/linkgraph-crawler/linkgraph/internal/urlutil"
)

// Exit codes.
const (
	ExitOK        = 0
	ExitScheduler = 1
	ExitStore     = 2
	ExitConfig    = 3
)

// App owns every long-lived component.
type App struct {
	cfg      *config.Config
	log      zerolog.Logger
	logBuf   *monitor.LogBuffer
	store    *storage.Store
	rot      *rotation.Manager
	tracker  *progress.Tracker
	sched    *scheduler.Scheduler
	monitor  *monitor.Server
	analyzer *analyzer.Analyzer
}

// New builds the application from configuration.
func New(cfg *config.Config) (*App, error) {
	logBuf := monitor.NewLogBuffer(0)
	log := zerolog.New(zerolog.MultiLevelWriter(os.Stderr, logBuf)).
		With().Timestamp().Logger()

	frontier, err := storage.OpenFrontier(cfg.FrontierDSN)
	if err != nil {
		return nil, fmt.Errorf("open frontier: %w", err)
	}

	var (
		targets    []*storage.DB
		rotConfigs []rotation.TargetConfig
	)
	for _, t := range cfg.Targets {
		db, err := storage.Open(t.Name, t.DSN)
		if err != nil {
			frontier.Close()
			for _, opened := range targets {
				opened.Close()
			}
			return nil, fmt.Errorf("open target %s: %w", t.Name, err)
		}
		targets = append(targets, db)
		rotConfigs = append(rotConfigs, rotation.TargetConfig{
			DB:                db,
			URL:               t.DSN,
			StorageQuotaBytes: t.StorageQuotaBytes,
			MonthlyWriteLimit: t.MonthlyWriteLimit,
		})
	}

	rot := rotation.NewManager(rotConfigs, targets[0], log)
	store := storage.NewStore(frontier, targets, rot, cfg.RecrawlWindow(), log)

	var robotsCache *robots.Cache
	if cfg.RespectRobots {
		robotsCache = robots.NewCache(nil, log)
	}

	tracker := progress.NewTracker(cfg.ProgressPath, log)
	fetch := fetcher.New(cfg, robotsCache, log)
	extractor := extract.New(urlutil.DefaultNormalizer(nil))
	sched := scheduler.New(cfg, store, fetch, extractor, robotsCache, tracker, log)
	an := analyzer.New(store, cfg.SpamAnchorTerms, cfg.SpamThreshold, log)
	mon := monitor.New(store, rot, tracker, logBuf, log)

	return &App{
		cfg:      cfg,
		log:      log,
		logBuf:   logBuf,
		store:    store,
		rot:      rot,
		tracker:  tracker,
		sched:    sched,
		monitor:  mon,
		analyzer: an,
	}, nil
}

// Tracker exposes the progress tracker for CLI helpers.
func (a *App) Tracker() *progress.Tracker { return a.tracker }

// Store exposes the store for CLI helpers.
func (a *App) Store() *storage.Store { return a.store }

// Analyze runs one on-demand analysis pass.
func (a *App) Analyze(ctx context.Context) error {
	_, err := a.analyzer.Run(ctx)
	return err
}

// Close releases every handle.
func (a *App) Close() {
	a.rot.Flush()
	if err := a.store.Close(); err != nil {
		a.log.Warn().Err(err).Msg("store close failed")
	}
}

// Run starts the monitoring API and background loops, then drives the
// scheduler until completion or shutdown. The first interrupt or terminate
// signal triggers a drain; a second within the grace window exits
// immediately after a best-effort progress flush. Returns the process exit
// code.
func (a *App) Run(parent context.Context) int {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	go func() {
		select {
		case <-ctx.Done():
			return
		case <-sigCh:
		}
		a.log.Info().Msg("shutdown signal received, draining")
		cancel()

		hard := time.NewTimer(5 * time.Second)
		defer hard.Stop()
		select {
		case <-sigCh:
			a.log.Warn().Msg("second signal, exiting immediately")
			a.tracker.Commit(a.tracker.Snapshot())
			os.Exit(ExitScheduler)
		case <-hard.C:
		}
	}()

	go a.monitorLoop(ctx)
	go a.rot.Run(ctx)
	go a.analyzeLoop(ctx)

	err := a.sched.Run(ctx)
	switch {
	case err == nil || errors.Is(err, context.Canceled):
		a.log.Info().Msg("clean shutdown")
		return ExitOK
	case isStoreFailure(err):
		a.log.Error().Err(err).Msg("unrecoverable store error")
		return ExitStore
	default:
		a.log.Error().Err(err).Msg("fatal scheduler error")
		return ExitScheduler
	}
}

func (a *App) monitorLoop(ctx context.Context) {
	if err := a.monitor.Run(ctx, a.cfg.MonitorAddr); err != nil {
		a.log.Error().Err(err).Msg("monitoring api failed")
	}
}

// analyzeLoop runs the link-graph pass on the configured cadence.
func (a *App) analyzeLoop(ctx context.Context) {
	if a.cfg.AnalyzeIntervalHours <= 0 {
		return
	}
	interval := time.Duration(a.cfg.AnalyzeIntervalHours) * time.Hour
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := a.analyzer.Run(ctx); err != nil && ctx.Err() == nil {
				a.log.Error().Err(err).Msg("analysis pass failed")
			}
		}
	}
}

// isStoreFailure classifies the scheduler error for the exit code.
func isStoreFailure(err error) bool {
	if storage.IsNoCapacity(err) {
		return true
	}
	var se *storage.StoreError
	return errors.As(err, &se)
}
