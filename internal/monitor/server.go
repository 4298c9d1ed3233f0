package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/linkgraph-crawler/linkgraph/internal/progress"
	"github.com/linkgraph-crawler/linkgraph/internal/storage"
)

const (
	logsDefaultLimit = 100
	logsMaxLimit     = 1000
)

// StatsSource aggregates store-wide counters.
type StatsSource interface {
	AggregateStats() (*storage.Stats, error)
}

// UsageSource exposes the rotation snapshot.
type UsageSource interface {
	Snapshot() []storage.DatabaseUsage
}

// Server is the read-only monitoring API. No mutating endpoints; bind to
// loopback or front with a reverse proxy.
type Server struct {
	stats   StatsSource
	usage   UsageSource
	tracker *progress.Tracker
	logs    *LogBuffer
	started time.Time
	log     zerolog.Logger
}

// New creates the server.
func New(stats StatsSource, usage UsageSource, tracker *progress.Tracker, logs *LogBuffer, log zerolog.Logger) *Server {
	return &Server{
		stats:   stats,
		usage:   usage,
		tracker: tracker,
		logs:    logs,
		started: time.Now(),
		log:     log.With().Str("component", "monitor").Logger(),
	}
}

// Handler builds the router.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/progress", s.handleProgress)
	r.Get("/stats", s.handleStats)
	r.Get("/databases", s.handleDatabases)
	r.Get("/logs", s.handleLogs)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	return r
}

// Run serves until ctx is canceled.
func (s *Server) Run(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info().Str("addr", addr).Msg("monitoring api listening")
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "ok"
	if _, err := s.stats.AggregateStats(); err != nil {
		// The API itself keeps serving on store errors.
		status = "degraded"
	}

	down := 0
	usages := s.usage.Snapshot()
	for _, u := range usages {
		if u.Status == storage.UsageDown {
			down++
		}
	}
	if len(usages) > 0 && down == len(usages) {
		status = "down"
	}

	p := s.tracker.Snapshot()
	payload := map[string]any{
		"status":   status,
		"uptime_s": int64(time.Since(s.started).Seconds()),
	}
	if p.ActiveSessionID != "" {
		payload["active_session_id"] = p.ActiveSessionID
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleProgress(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.tracker.Snapshot())
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.stats.AggregateStats()
	if err != nil {
		writeJSON(w, http.StatusOK, map[string]any{"error": "store unavailable"})
		return
	}

	p := s.tracker.Snapshot()
	if p.Processed > 0 {
		stats.SuccessRate = float64(p.Succeeded) / float64(p.Processed)
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleDatabases(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.usage.Snapshot())
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	limit := logsDefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid limit"})
			return
		}
		limit = parsed
	}
	if limit > logsMaxLimit {
		limit = logsMaxLimit
	}
	writeJSON(w, http.StatusOK, s.logs.Entries(limit))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}
