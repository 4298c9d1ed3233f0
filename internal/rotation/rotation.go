// Package rotation steers writes across database targets by quota headroom.
package rotation

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/linkgraph-crawler/linkgraph/internal/storage"
)

const (
	// Targets at or above this usage on either axis never receive writes.
	selectionCap = 0.85

	warningThreshold  = 0.70
	criticalThreshold = 0.90

	// Consecutive probe failures before a target is marked down.
	downAfterFailures = 3
	// Consecutive probe successes before a down target is restored.
	restoreAfterSuccesses = 2

	probeInterval = 60 * time.Second
	probeTimeout  = 5 * time.Second

	defaultStorageQuota = 5 << 30 // 5 GiB
	defaultWriteLimit   = 10_000_000
)

var (
	usageGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linkgraph_rotation_usage_ratio",
		Help: "Worst-axis usage ratio per database target.",
	}, []string{"target"})

	downGauge = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "linkgraph_rotation_target_down",
		Help: "1 when the target is marked down.",
	}, []string{"target"})
)

// TargetConfig declares one managed target.
type TargetConfig struct {
	DB                *storage.DB
	URL               string
	StorageQuotaBytes int64
	MonthlyWriteLimit int64
}

type targetState struct {
	db    *storage.DB
	usage storage.DatabaseUsage

	consecFailures  int
	consecSuccesses int

	// UTC month the write counter belongs to.
	monthYear  int
	monthMonth time.Month
}

// Manager tracks per-target usage and selects write targets. Counter updates
// hold the mutex; Snapshot copies out under it.
type Manager struct {
	mu      sync.Mutex
	targets map[string]*targetState
	order   []string
	meta    *storage.DB
	log     zerolog.Logger

	// Capacity alerts fire once per depletion, not per write.
	alerted bool
}

// NewManager builds the manager and seeds counters from the usage
// meta-table on the primary, when present.
func NewManager(configs []TargetConfig, meta *storage.DB, log zerolog.Logger) *Manager {
	m := &Manager{
		targets: make(map[string]*targetState, len(configs)),
		meta:    meta,
		log:     log.With().Str("component", "rotation").Logger(),
	}

	persisted := map[string]*storage.DatabaseUsage{}
	if meta != nil {
		if loaded, err := meta.LoadUsage(); err == nil {
			persisted = loaded
		}
	}

	now := time.Now().UTC()
	for _, cfg := range configs {
		quota := cfg.StorageQuotaBytes
		if quota <= 0 {
			quota = defaultStorageQuota
		}
		limit := cfg.MonthlyWriteLimit
		if limit <= 0 {
			limit = defaultWriteLimit
		}

		st := &targetState{
			db: cfg.DB,
			usage: storage.DatabaseUsage{
				Name:              cfg.DB.Name(),
				URL:               cfg.URL,
				BytesUsed:         cfg.DB.FileSize(),
				StorageQuotaBytes: quota,
				MonthlyWriteLimit: limit,
				Status:            storage.UsageHealthy,
			},
			monthYear:  now.Year(),
			monthMonth: now.Month(),
		}
		if prev, ok := persisted[cfg.DB.Name()]; ok {
			st.usage.WritesThisMonth = prev.WritesThisMonth
			if !prev.LastHealthCheck.IsZero() {
				st.monthYear = prev.LastHealthCheck.UTC().Year()
				st.monthMonth = prev.LastHealthCheck.UTC().Month()
			}
		}
		m.recomputeStatus(st)

		m.targets[st.usage.Name] = st
		m.order = append(m.order, st.usage.Name)
	}
	return m
}

// ChooseWriteTarget returns the eligible target with the most headroom.
// A target is eligible when it is not down and both usage axes sit below
// the selection cap. Implements storage.Selector.
func (m *Manager) ChooseWriteTarget(exclude map[string]struct{}) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	best := ""
	bestRatio := 2.0
	for _, name := range m.order {
		if _, skip := exclude[name]; skip {
			continue
		}
		st := m.targets[name]
		if st.usage.Status == storage.UsageDown {
			continue
		}
		if st.usage.WriteRatio() >= selectionCap || st.usage.ByteRatio() >= selectionCap {
			continue
		}
		if ratio := st.usage.LoadRatio(); ratio < bestRatio {
			best, bestRatio = name, ratio
		}
	}

	if best == "" {
		if !m.alerted {
			m.alerted = true
			m.log.Error().Msg("critical: every database target at or above the usage cap")
		}
		return "", storage.ErrNoCapacity
	}
	m.alerted = false
	return best, nil
}

// RecordWrite updates in-memory counters. Implements storage.Selector.
func (m *Manager) RecordWrite(name string, rows, bytes int64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, ok := m.targets[name]
	if !ok {
		return
	}
	m.rollMonth(st, time.Now().UTC())
	st.usage.WritesThisMonth += rows
	st.usage.BytesUsed += bytes
	m.recomputeStatus(st)
}

// rollMonth resets the write counter on the first write of a new UTC
// calendar month.
func (m *Manager) rollMonth(st *targetState, now time.Time) {
	if now.Year() == st.monthYear && now.Month() == st.monthMonth {
		return
	}
	m.log.Info().Str("target", st.usage.Name).
		Int64("writes", st.usage.WritesThisMonth).
		Msg("monthly write counter reset")
	st.usage.WritesThisMonth = 0
	st.monthYear = now.Year()
	st.monthMonth = now.Month()
}

// RecordHealthProbe updates target status from a probe outcome. Three
// consecutive failures mark a target down; a down target needs two
// consecutive successes and comes back as warning, never healthy.
func (m *Manager) RecordHealthProbe(name string, ok bool, rtt time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()

	st, found := m.targets[name]
	if !found {
		return
	}
	st.usage.LastHealthCheck = time.Now().UTC()

	if ok {
		st.consecFailures = 0
		if st.usage.Status == storage.UsageDown {
			st.consecSuccesses++
			if st.consecSuccesses >= restoreAfterSuccesses {
				st.consecSuccesses = 0
				st.usage.Status = storage.UsageWarning
				m.log.Info().Str("target", name).Dur("rtt", rtt).Msg("target restored to warning")
			}
		} else {
			m.recomputeStatus(st)
		}
	} else {
		st.consecSuccesses = 0
		st.consecFailures++
		if st.consecFailures >= downAfterFailures && st.usage.Status != storage.UsageDown {
			st.usage.Status = storage.UsageDown
			m.log.Error().Str("target", name).Msg("target marked down")
		}
	}
	m.export(st)
}

// recomputeStatus derives the usage status from quota ratios. Down is owned
// by the probe path and never overwritten here.
func (m *Manager) recomputeStatus(st *targetState) {
	if st.usage.Status == storage.UsageDown {
		return
	}
	switch ratio := st.usage.LoadRatio(); {
	case ratio >= criticalThreshold:
		st.usage.Status = storage.UsageCritical
	case ratio >= warningThreshold:
		st.usage.Status = storage.UsageWarning
	default:
		st.usage.Status = storage.UsageHealthy
	}
	m.export(st)
}

func (m *Manager) export(st *targetState) {
	usageGauge.WithLabelValues(st.usage.Name).Set(st.usage.LoadRatio())
	if st.usage.Status == storage.UsageDown {
		downGauge.WithLabelValues(st.usage.Name).Set(1)
	} else {
		downGauge.WithLabelValues(st.usage.Name).Set(0)
	}
}

// Snapshot returns a copy of every target's usage, in configuration order.
func (m *Manager) Snapshot() []storage.DatabaseUsage {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]storage.DatabaseUsage, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.targets[name].usage)
	}
	return out
}

// Run probes targets and flushes counters until ctx is canceled. Down
// targets re-probe on the same 60s cadence as healthy ones.
func (m *Manager) Run(ctx context.Context) {
	ticker := time.NewTicker(probeInterval)
	defer ticker.Stop()

	m.probeAll(ctx)
	for {
		select {
		case <-ctx.Done():
			m.Flush()
			return
		case <-ticker.C:
			m.probeAll(ctx)
			m.refreshSizes()
			m.Flush()
		}
	}
}

func (m *Manager) probeAll(ctx context.Context) {
	m.mu.Lock()
	names := append([]string(nil), m.order...)
	m.mu.Unlock()

	for _, name := range names {
		st := m.targets[name]
		probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		start := time.Now()
		err := st.db.Ping(probeCtx)
		cancel()
		m.RecordHealthProbe(name, err == nil, time.Since(start))
	}
}

func (m *Manager) refreshSizes() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, name := range m.order {
		st := m.targets[name]
		if size := st.db.FileSize(); size > 0 {
			st.usage.BytesUsed = size
		}
		m.recomputeStatus(st)
	}
}

// Flush persists counters to the usage meta-table.
func (m *Manager) Flush() {
	if m.meta == nil {
		return
	}
	for _, u := range m.Snapshot() {
		row := u
		if err := m.meta.SaveUsage(&row); err != nil {
			m.log.Warn().Err(err).Str("target", u.Name).Msg("usage flush failed")
		}
	}
}
