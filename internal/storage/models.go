// Package storage provides data persistence for crawl results.
package storage

import "time"

// Session statuses.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// Session represents one crawl batch run.
type Session struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	EndedAt    *time.Time `json:"ended_at,omitempty"`
	Status     string     `json:"status"`
	ConfigJSON string     `json:"config_json"`
	TargetDB   string     `json:"target_db"`
}

// Page represents a crawled resource.
type Page struct {
	ID             int64     `json:"id"`
	URL            string    `json:"url"`
	Title          string    `json:"title,omitempty"`
	Text           string    `json:"text"`
	HTMLSize       int64     `json:"html_size"`
	WordCount      int       `json:"word_count"`
	HTTPStatus     int       `json:"http_status"`
	ResponseTimeMs int64     `json:"response_time_ms"`
	ContentHash    string    `json:"content_hash"`
	CrawledAt      time.Time `json:"crawled_at"`
	SessionID      string    `json:"session_id"`
}

// Link represents a discovered edge in the link graph.
type Link struct {
	ID           int64     `json:"id"`
	SourceURL    string    `json:"source_url"`
	TargetURL    string    `json:"target_url"`
	AnchorText   string    `json:"anchor_text,omitempty"`
	Context      string    `json:"context,omitempty"`
	IsNofollow   bool      `json:"is_nofollow"`
	DiscoveredAt time.Time `json:"discovered_at"`
	SessionID    string    `json:"session_id"`
}

// DomainScore holds the analyzer's authority result for one domain.
type DomainScore struct {
	Domain           string    `json:"domain"`
	AuthorityScore   float64   `json:"authority_score"`
	BacklinkCount    int64     `json:"backlink_count"`
	ReferringDomains int64     `json:"referring_domains"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// PageRankScore holds the analyzer's PageRank result for one URL.
type PageRankScore struct {
	URL       string    `json:"url"`
	Score     float64   `json:"score"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Progress is the scheduler's durable checkpoint. processed must equal
// succeeded + failed; current_page and batch_size are always >= 1.
type Progress struct {
	CurrentPage     int       `json:"current_page"`
	BatchSize       int       `json:"batch_size"`
	TotalURLs       int64     `json:"total_urls"`
	Processed       int64     `json:"processed"`
	Succeeded       int64     `json:"succeeded"`
	Failed          int64     `json:"failed"`
	UpdatedAt       time.Time `json:"updated_at"`
	ActiveSessionID string    `json:"active_session_id,omitempty"`
	Running         bool      `json:"running"`
}

// Database usage statuses.
const (
	UsageHealthy  = "healthy"
	UsageWarning  = "warning"
	UsageCritical = "critical"
	UsageDown     = "down"
)

// DatabaseUsage tracks storage and write-quota consumption of one target.
type DatabaseUsage struct {
	Name              string    `json:"name"`
	URL               string    `json:"url"`
	BytesUsed         int64     `json:"bytes_used"`
	StorageQuotaBytes int64     `json:"storage_quota_bytes"`
	WritesThisMonth   int64     `json:"writes_this_month"`
	MonthlyWriteLimit int64     `json:"monthly_write_limit"`
	LastHealthCheck   time.Time `json:"last_health_check"`
	Status            string    `json:"status"`
}

// WriteRatio is the fraction of the monthly write quota consumed.
func (u *DatabaseUsage) WriteRatio() float64 {
	if u.MonthlyWriteLimit <= 0 {
		return 0
	}
	return float64(u.WritesThisMonth) / float64(u.MonthlyWriteLimit)
}

// ByteRatio is the fraction of the storage quota consumed.
func (u *DatabaseUsage) ByteRatio() float64 {
	if u.StorageQuotaBytes <= 0 {
		return 0
	}
	return float64(u.BytesUsed) / float64(u.StorageQuotaBytes)
}

// LoadRatio is the rotation selection key: the worse of the two axes.
func (u *DatabaseUsage) LoadRatio() float64 {
	w, b := u.WriteRatio(), u.ByteRatio()
	if w > b {
		return w
	}
	return b
}

// Stats aggregates store-wide counters for the monitoring API.
type Stats struct {
	TotalPages    int64            `json:"total_pages"`
	TotalLinks    int64            `json:"total_links"`
	TotalSessions int64            `json:"total_sessions"`
	PagesPerDay   map[string]int64 `json:"pages_per_day"`
	SuccessRate   float64          `json:"success_rate"`
}
