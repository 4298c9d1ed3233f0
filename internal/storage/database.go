package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// DB is one target database. All writes to a target serialize through its
// mutex; SQLite supports a single writer per file anyway.
type DB struct {
	name string
	path string
	db   *sql.DB
	mu   sync.Mutex
}

// Open opens a target database and creates the schema.
func Open(name, dsn string) (*DB, error) {
	path := dsn
	if idx := strings.IndexByte(path, '?'); idx != -1 {
		path = path[:idx]
	}
	if !strings.Contains(dsn, "?") {
		dsn = fmt.Sprintf("%s?_journal=WAL&_synchronous=NORMAL&_cache_size=10000&_busy_timeout=5000", dsn)
	}

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, classify("open", name, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, classify("ping", name, err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	d := &DB{name: name, path: path, db: db}
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, classify("schema", name, err)
	}
	return d, nil
}

// Name returns the configured target name.
func (d *DB) Name() string { return d.name }

// Path returns the sqlite file path backing this target.
func (d *DB) Path() string { return d.path }

// Close closes the database connection.
func (d *DB) Close() error { return d.db.Close() }

// Ping probes the target for the rotation health check.
func (d *DB) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// FileSize returns the on-disk size of the target, for usage accounting.
func (d *DB) FileSize() int64 {
	info, err := os.Stat(d.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// --- Session operations ---

// CreateSession creates a new crawl session and returns its id.
func (d *DB) CreateSession(configJSON, targetDB string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	id := uuid.NewString()
	_, err := d.db.Exec(`
		INSERT INTO sessions (id, started_at, status, config_json, target_db)
		VALUES (?, ?, ?, ?, ?)
	`, id, time.Now().UTC(), SessionActive, configJSON, targetDB)
	if err != nil {
		return "", classify("create_session", d.name, err)
	}
	return id, nil
}

// EndSession closes a session with a terminal status.
func (d *DB) EndSession(id, status string) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		UPDATE sessions SET ended_at = ?, status = ? WHERE id = ?
	`, time.Now().UTC(), status, id)
	return classify("end_session", d.name, err)
}

// GetSession retrieves a session by id.
func (d *DB) GetSession(id string) (*Session, error) {
	var s Session
	var ended sql.NullTime
	err := d.db.QueryRow(`
		SELECT id, started_at, ended_at, status, config_json, target_db
		FROM sessions WHERE id = ?
	`, id).Scan(&s.ID, &s.StartedAt, &ended, &s.Status, &s.ConfigJSON, &s.TargetDB)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, classify("get_session", d.name, err)
	}
	if ended.Valid {
		s.EndedAt = &ended.Time
	}
	return &s, nil
}

// --- Page + Link operations ---

// WritePage stores a page and its outbound links in one transaction.
// Returns rows and bytes written for rotation accounting.
func (d *DB) WritePage(page *Page, links []*Link) (rows, bytes int64, err error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return 0, 0, classify("write_page", d.name, err)
	}
	defer tx.Rollback()

	res, err := tx.Exec(`
		INSERT INTO pages (url, title, text, html_size, word_count, http_status,
			response_time_ms, content_hash, crawled_at, session_id)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(url, session_id) DO NOTHING
	`, page.URL, page.Title, page.Text, page.HTMLSize, page.WordCount,
		page.HTTPStatus, page.ResponseTimeMs, page.ContentHash, page.CrawledAt, page.SessionID)
	if err != nil {
		return 0, 0, classify("write_page", d.name, err)
	}
	n, _ := res.RowsAffected()
	rows += n
	bytes += int64(len(page.URL) + len(page.Title) + len(page.Text) + len(page.ContentHash))

	if len(links) > 0 {
		stmt, err := tx.Prepare(`
			INSERT INTO links (source_url, target_url, anchor_text, context,
				is_nofollow, discovered_at, session_id)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(source_url, target_url, session_id) DO NOTHING
		`)
		if err != nil {
			return 0, 0, classify("write_links", d.name, err)
		}
		defer stmt.Close()

		for _, link := range links {
			res, err := stmt.Exec(link.SourceURL, link.TargetURL, link.AnchorText,
				link.Context, link.IsNofollow, link.DiscoveredAt, link.SessionID)
			if err != nil {
				return 0, 0, classify("write_links", d.name, err)
			}
			n, _ := res.RowsAffected()
			rows += n
			bytes += int64(len(link.SourceURL) + len(link.TargetURL) + len(link.AnchorText) + len(link.Context))
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, classify("write_page", d.name, err)
	}
	return rows, bytes, nil
}

// AlreadyCrawled reports whether a page exists for url within the window.
func (d *DB) AlreadyCrawled(url string, window time.Duration) (bool, error) {
	var count int
	err := d.db.QueryRow(`
		SELECT COUNT(*) FROM pages WHERE url = ? AND crawled_at >= ?
	`, url, time.Now().UTC().Add(-window)).Scan(&count)
	if err != nil {
		return false, classify("already_crawled", d.name, err)
	}
	return count > 0, nil
}

// IterLinks streams every link row to fn without materializing the graph.
// Iteration stops at the first error fn returns.
func (d *DB) IterLinks(fn func(*Link) error) error {
	rows, err := d.db.Query(`
		SELECT id, source_url, target_url, anchor_text, context, is_nofollow, discovered_at, session_id
		FROM links ORDER BY id
	`)
	if err != nil {
		return classify("iter_links", d.name, err)
	}
	defer rows.Close()

	for rows.Next() {
		var link Link
		var anchor, context sql.NullString
		if err := rows.Scan(&link.ID, &link.SourceURL, &link.TargetURL, &anchor,
			&context, &link.IsNofollow, &link.DiscoveredAt, &link.SessionID); err != nil {
			return classify("iter_links", d.name, err)
		}
		link.AnchorText = anchor.String
		link.Context = context.String
		if err := fn(&link); err != nil {
			return err
		}
	}
	return classify("iter_links", d.name, rows.Err())
}

// --- Score operations ---

// UpsertDomainScores writes analyzer domain results in one transaction.
func (d *DB) UpsertDomainScores(scores []*DomainScore) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return classify("upsert_domain_scores", d.name, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO domain_scores (domain, authority_score, backlink_count, referring_domains, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(domain) DO UPDATE SET
			authority_score = excluded.authority_score,
			backlink_count = excluded.backlink_count,
			referring_domains = excluded.referring_domains,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return classify("upsert_domain_scores", d.name, err)
	}
	defer stmt.Close()

	for _, s := range scores {
		if _, err := stmt.Exec(s.Domain, s.AuthorityScore, s.BacklinkCount, s.ReferringDomains, s.UpdatedAt); err != nil {
			return classify("upsert_domain_scores", d.name, err)
		}
	}
	return classify("upsert_domain_scores", d.name, tx.Commit())
}

// UpsertPageRankScores writes analyzer PageRank results in one transaction.
func (d *DB) UpsertPageRankScores(scores []*PageRankScore) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	tx, err := d.db.Begin()
	if err != nil {
		return classify("upsert_pagerank_scores", d.name, err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`
		INSERT INTO pagerank_scores (url, score, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(url) DO UPDATE SET
			score = excluded.score,
			updated_at = excluded.updated_at
	`)
	if err != nil {
		return classify("upsert_pagerank_scores", d.name, err)
	}
	defer stmt.Close()

	for _, s := range scores {
		if _, err := stmt.Exec(s.URL, s.Score, s.UpdatedAt); err != nil {
			return classify("upsert_pagerank_scores", d.name, err)
		}
	}
	return classify("upsert_pagerank_scores", d.name, tx.Commit())
}

// DomainScores returns all domain scores, highest authority first.
func (d *DB) DomainScores() ([]*DomainScore, error) {
	rows, err := d.db.Query(`
		SELECT domain, authority_score, backlink_count, referring_domains, updated_at
		FROM domain_scores ORDER BY authority_score DESC
	`)
	if err != nil {
		return nil, classify("domain_scores", d.name, err)
	}
	defer rows.Close()

	var scores []*DomainScore
	for rows.Next() {
		var s DomainScore
		if err := rows.Scan(&s.Domain, &s.AuthorityScore, &s.BacklinkCount, &s.ReferringDomains, &s.UpdatedAt); err != nil {
			return nil, classify("domain_scores", d.name, err)
		}
		scores = append(scores, &s)
	}
	return scores, classify("domain_scores", d.name, rows.Err())
}

// PageRankScores returns all PageRank scores, highest first.
func (d *DB) PageRankScores() ([]*PageRankScore, error) {
	rows, err := d.db.Query(`
		SELECT url, score, updated_at FROM pagerank_scores ORDER BY score DESC
	`)
	if err != nil {
		return nil, classify("pagerank_scores", d.name, err)
	}
	defer rows.Close()

	var scores []*PageRankScore
	for rows.Next() {
		var s PageRankScore
		if err := rows.Scan(&s.URL, &s.Score, &s.UpdatedAt); err != nil {
			return nil, classify("pagerank_scores", d.name, err)
		}
		scores = append(scores, &s)
	}
	return scores, classify("pagerank_scores", d.name, rows.Err())
}

// --- Progress mirror ---

// SaveProgress mirrors the progress record into the singleton row.
func (d *DB) SaveProgress(p *Progress) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO progress (singleton_key, current_page, batch_size, total_urls,
			processed, succeeded, failed, updated_at, active_session_id, running)
		VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(singleton_key) DO UPDATE SET
			current_page = excluded.current_page,
			batch_size = excluded.batch_size,
			total_urls = excluded.total_urls,
			processed = excluded.processed,
			succeeded = excluded.succeeded,
			failed = excluded.failed,
			updated_at = excluded.updated_at,
			active_session_id = excluded.active_session_id,
			running = excluded.running
	`, p.CurrentPage, p.BatchSize, p.TotalURLs, p.Processed, p.Succeeded,
		p.Failed, p.UpdatedAt, p.ActiveSessionID, p.Running)
	return classify("save_progress", d.name, err)
}

// --- Usage meta-table ---

// SaveUsage flushes rotation counters for one target.
func (d *DB) SaveUsage(u *DatabaseUsage) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	_, err := d.db.Exec(`
		INSERT INTO database_usage (name, url, bytes_used, storage_quota_bytes,
			writes_this_month, monthly_write_limit, last_health_check, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(name) DO UPDATE SET
			url = excluded.url,
			bytes_used = excluded.bytes_used,
			storage_quota_bytes = excluded.storage_quota_bytes,
			writes_this_month = excluded.writes_this_month,
			monthly_write_limit = excluded.monthly_write_limit,
			last_health_check = excluded.last_health_check,
			status = excluded.status
	`, u.Name, u.URL, u.BytesUsed, u.StorageQuotaBytes, u.WritesThisMonth,
		u.MonthlyWriteLimit, u.LastHealthCheck, u.Status)
	return classify("save_usage", d.name, err)
}

// LoadUsage reads persisted rotation counters, keyed by target name.
func (d *DB) LoadUsage() (map[string]*DatabaseUsage, error) {
	rows, err := d.db.Query(`
		SELECT name, url, bytes_used, storage_quota_bytes, writes_this_month,
			monthly_write_limit, last_health_check, status
		FROM database_usage
	`)
	if err != nil {
		return nil, classify("load_usage", d.name, err)
	}
	defer rows.Close()

	usage := make(map[string]*DatabaseUsage)
	for rows.Next() {
		var u DatabaseUsage
		var checked sql.NullTime
		if err := rows.Scan(&u.Name, &u.URL, &u.BytesUsed, &u.StorageQuotaBytes,
			&u.WritesThisMonth, &u.MonthlyWriteLimit, &checked, &u.Status); err != nil {
			return nil, classify("load_usage", d.name, err)
		}
		if checked.Valid {
			u.LastHealthCheck = checked.Time
		}
		usage[u.Name] = &u
	}
	return usage, classify("load_usage", d.name, rows.Err())
}

// --- Statistics ---

// TargetStats aggregates this target's counters for the monitoring API.
func (d *DB) TargetStats() (*Stats, error) {
	stats := &Stats{PagesPerDay: make(map[string]int64)}

	if err := d.db.QueryRow(`SELECT COUNT(*) FROM pages`).Scan(&stats.TotalPages); err != nil {
		return nil, classify("stats", d.name, err)
	}
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM links`).Scan(&stats.TotalLinks); err != nil {
		return nil, classify("stats", d.name, err)
	}
	if err := d.db.QueryRow(`SELECT COUNT(*) FROM sessions`).Scan(&stats.TotalSessions); err != nil {
		return nil, classify("stats", d.name, err)
	}

	rows, err := d.db.Query(`SELECT date(crawled_at), COUNT(*) FROM pages GROUP BY date(crawled_at)`)
	if err != nil {
		return nil, classify("stats", d.name, err)
	}
	defer rows.Close()
	for rows.Next() {
		var day string
		var count int64
		if err := rows.Scan(&day, &count); err != nil {
			return nil, classify("stats", d.name, err)
		}
		stats.PagesPerDay[day] = count
	}
	return stats, classify("stats", d.name, rows.Err())
}
