// Package config defines the crawl engine configuration.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ConfigError reports invalid or unrecognized configuration. The process
// exits with code 3 before any work when one is raised at startup.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	if e.Field == "" {
		return fmt.Sprintf("config: %s", e.Reason)
	}
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

// Target describes one rotation-managed database target.
type Target struct {
	// Name identifies the target in logs, metrics and the usage meta-table.
	Name string `json:"name"`

	// DSN is the sqlite path (or full DSN) for this target.
	DSN string `json:"dsn"`

	// AuthToken is passed through to hosted backends; empty for local files.
	AuthToken string `json:"auth_token,omitempty"`

	// StorageQuotaBytes caps stored bytes; 0 means the default quota.
	StorageQuotaBytes int64 `json:"storage_quota_bytes,omitempty"`

	// MonthlyWriteLimit caps row writes per calendar month (UTC); 0 means default.
	MonthlyWriteLimit int64 `json:"monthly_write_limit,omitempty"`
}

// Config holds every recognized option. Unknown options in a config file
// reject at startup with ConfigError.
type Config struct {
	// === Crawl politeness & concurrency ===

	// Minimum inter-request delay per host.
	DelayMs int `json:"delay_ms"`

	// Global fetch worker count.
	MaxConcurrency int `json:"max_concurrency"`

	// Concurrent requests allowed per origin.
	PerHostConcurrency int `json:"per_host_concurrency"`

	// === Batching ===

	// URLs pulled per frontier page.
	BatchSize int `json:"batch_size"`

	// A URL crawled within this window is skipped on replay.
	RecrawlWindowDays int `json:"recrawl_window_days"`

	// === Fetch ===

	// User-agent presented to servers. Additional truthful variants may be
	// listed in UserAgentPool for rotation.
	UserAgent     string   `json:"user_agent"`
	UserAgentPool []string `json:"user_agent_pool,omitempty"`

	RespectRobots bool `json:"respect_robots"`

	// Retries per URL after the initial attempt, on retryable failures.
	RetryAttempts int `json:"retry_attempts"`

	// Overall per-URL budget covering all attempts.
	GlobalTimeoutMs int `json:"global_timeout_ms"`

	// === Storage ===

	// FrontierDSN is the read-only backlinks database.
	FrontierDSN string `json:"frontier_dsn"`

	// Targets are the rotation-managed write databases. The first is the
	// primary (scores, progress mirror, usage meta-table).
	Targets []Target `json:"targets"`

	// === Progress ===

	ProgressPath string `json:"progress_path"`

	// === Monitoring ===

	MonitorAddr string `json:"monitor_addr"`

	// === Analyzer ===

	// Hours between link-graph analysis passes; 0 disables the timer.
	AnalyzeIntervalHours int `json:"analyze_interval_hours"`

	// Anchor-text patterns treated as spam signals.
	SpamAnchorTerms []string `json:"spam_anchor_terms,omitempty"`

	// Links scoring above this are flagged.
	SpamThreshold float64 `json:"spam_threshold"`
}

// Default returns a Config with documented defaults.
func Default() *Config {
	return &Config{
		DelayMs:            1500,
		MaxConcurrency:     5,
		PerHostConcurrency: 2,
		BatchSize:          50,
		RecrawlWindowDays:  7,
		UserAgent:          "LinkGraphCrawler/1.0 (+https://github.com/linkgraph-crawler)",
		RespectRobots:      true,
		RetryAttempts:      3,
		GlobalTimeoutMs:    90_000,
		FrontierDSN:        "backlinks.db",
		Targets: []Target{
			{Name: "primary", DSN: "crawl.db"},
		},
		ProgressPath:         "progress.json",
		MonitorAddr:          "127.0.0.1:8600",
		AnalyzeIntervalHours: 24,
		SpamThreshold:        0.8,
	}
}

// Validate checks ranges. Unlike lenient clamping, violations are errors:
// a misconfigured crawler must not start.
func (c *Config) Validate() error {
	if c.DelayMs < 0 {
		return &ConfigError{Field: "delay_ms", Reason: "must be >= 0"}
	}
	if c.MaxConcurrency < 1 || c.MaxConcurrency > 20 {
		return &ConfigError{Field: "max_concurrency", Reason: "must be in [1,20]"}
	}
	if c.PerHostConcurrency < 1 || c.PerHostConcurrency > c.MaxConcurrency {
		return &ConfigError{Field: "per_host_concurrency", Reason: "must be in [1,max_concurrency]"}
	}
	if c.BatchSize < 1 {
		return &ConfigError{Field: "batch_size", Reason: "must be >= 1"}
	}
	if c.RecrawlWindowDays < 0 {
		return &ConfigError{Field: "recrawl_window_days", Reason: "must be >= 0"}
	}
	if strings.TrimSpace(c.UserAgent) == "" {
		return &ConfigError{Field: "user_agent", Reason: "must not be empty"}
	}
	if c.RetryAttempts < 0 || c.RetryAttempts > 10 {
		return &ConfigError{Field: "retry_attempts", Reason: "must be in [0,10]"}
	}
	if c.GlobalTimeoutMs < 1000 {
		return &ConfigError{Field: "global_timeout_ms", Reason: "must be >= 1000"}
	}
	if len(c.Targets) == 0 {
		return &ConfigError{Field: "targets", Reason: "at least one database target required"}
	}
	seen := make(map[string]struct{}, len(c.Targets))
	for _, t := range c.Targets {
		if t.Name == "" || t.DSN == "" {
			return &ConfigError{Field: "targets", Reason: "every target needs name and dsn"}
		}
		if _, dup := seen[t.Name]; dup {
			return &ConfigError{Field: "targets", Reason: fmt.Sprintf("duplicate target name %q", t.Name)}
		}
		seen[t.Name] = struct{}{}
	}
	if c.ProgressPath == "" {
		return &ConfigError{Field: "progress_path", Reason: "must not be empty"}
	}
	if c.SpamThreshold <= 0 || c.SpamThreshold > 1 {
		return &ConfigError{Field: "spam_threshold", Reason: "must be in (0,1]"}
	}
	return nil
}

// Derived accessors keep duration math in one place.

func (c *Config) Delay() time.Duration         { return time.Duration(c.DelayMs) * time.Millisecond }
func (c *Config) GlobalTimeout() time.Duration { return time.Duration(c.GlobalTimeoutMs) * time.Millisecond }
func (c *Config) RecrawlWindow() time.Duration {
	return time.Duration(c.RecrawlWindowDays) * 24 * time.Hour
}

// UserAgents returns the rotation pool, always containing the primary agent.
func (c *Config) UserAgents() []string {
	agents := []string{c.UserAgent}
	for _, ua := range c.UserAgentPool {
		if ua != "" && ua != c.UserAgent {
			agents = append(agents, ua)
		}
	}
	return agents
}

// Snapshot serializes the configuration for session provenance.
func (c *Config) Snapshot() string {
	data, err := json.Marshal(c)
	if err != nil {
		return "{}"
	}
	return string(data)
}

// Load builds the configuration: defaults, then the optional JSON file, then
// environment overrides. A .env file next to the process is honored.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, &ConfigError{Field: "file", Reason: err.Error()}
		}
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(cfg); err != nil {
			return nil, &ConfigError{Field: "file", Reason: err.Error()}
		}
	}

	godotenv.Load()
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overrides fields from LINKGRAPH_* variables.
func (c *Config) applyEnv() error {
	if v := os.Getenv("LINKGRAPH_USER_AGENT"); v != "" {
		c.UserAgent = v
	}
	if v := os.Getenv("LINKGRAPH_MONITOR_ADDR"); v != "" {
		c.MonitorAddr = v
	}
	if v := os.Getenv("LINKGRAPH_FRONTIER_DSN"); v != "" {
		c.FrontierDSN = v
	}
	if v := os.Getenv("LINKGRAPH_PROGRESS_PATH"); v != "" {
		c.ProgressPath = v
	}
	if v := os.Getenv("LINKGRAPH_TARGETS"); v != "" {
		var targets []Target
		if err := json.Unmarshal([]byte(v), &targets); err != nil {
			return &ConfigError{Field: "LINKGRAPH_TARGETS", Reason: err.Error()}
		}
		c.Targets = targets
	}

	intVars := []struct {
		name string
		dst  *int
	}{
		{"LINKGRAPH_DELAY_MS", &c.DelayMs},
		{"LINKGRAPH_MAX_CONCURRENCY", &c.MaxConcurrency},
		{"LINKGRAPH_PER_HOST_CONCURRENCY", &c.PerHostConcurrency},
		{"LINKGRAPH_BATCH_SIZE", &c.BatchSize},
		{"LINKGRAPH_RECRAWL_WINDOW_DAYS", &c.RecrawlWindowDays},
		{"LINKGRAPH_RETRY_ATTEMPTS", &c.RetryAttempts},
		{"LINKGRAPH_GLOBAL_TIMEOUT_MS", &c.GlobalTimeoutMs},
	}
	for _, iv := range intVars {
		v := os.Getenv(iv.name)
		if v == "" {
			continue
		}
		parsed, err := strconv.Atoi(v)
		if err != nil {
			return &ConfigError{Field: iv.name, Reason: "not an integer"}
		}
		*iv.dst = parsed
	}

	if v := os.Getenv("LINKGRAPH_RESPECT_ROBOTS"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			return &ConfigError{Field: "LINKGRAPH_RESPECT_ROBOTS", Reason: "not a boolean"}
		}
		c.RespectRobots = parsed
	}
	return nil
}
