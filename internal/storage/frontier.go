package storage

import (
	"database/sql"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Frontier reads the externally-populated backlinks table. The engine treats
// it as append-only and never mutates it.
type Frontier struct {
	db *sql.DB
}

// OpenFrontier opens the backlinks database read-only.
func OpenFrontier(dsn string) (*Frontier, error) {
	if !strings.Contains(dsn, "?") {
		// mode=ro only reaches SQLite through a file: URI.
		if !strings.HasPrefix(dsn, "file:") {
			dsn = "file:" + dsn
		}
		dsn = fmt.Sprintf("%s?_busy_timeout=5000&mode=ro", dsn)
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, classify("open_frontier", "frontier", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, classify("ping_frontier", "frontier", err)
	}
	db.SetMaxOpenConns(2)
	return &Frontier{db: db}, nil
}

// Close closes the frontier connection.
func (f *Frontier) Close() error { return f.db.Close() }

// GetFrontierBatch returns one page of distinct frontier URLs. The frontier
// is the union of source and target columns; each URL is ordered by the
// first insertion id it appeared at, which keeps paging stable while the
// table grows at the tail.
func (f *Frontier) GetFrontierBatch(page, size int) ([]string, error) {
	if page < 1 || size < 1 {
		return nil, classify("frontier_batch", "frontier",
			fmt.Errorf("invalid page=%d size=%d", page, size))
	}

	// Sources order ahead of targets within the same row (2i vs 2i+1) so
	// the insertion order is total, not just per-row.
	rows, err := f.db.Query(`
		SELECT url FROM (
			SELECT url, MIN(ord) AS first_ord FROM (
				SELECT id*2 AS ord, source_url AS url FROM backlinks
				UNION ALL
				SELECT id*2+1 AS ord, target_url AS url FROM backlinks
			)
			GROUP BY url
		)
		ORDER BY first_ord
		LIMIT ? OFFSET ?
	`, size, (page-1)*size)
	if err != nil {
		return nil, classify("frontier_batch", "frontier", err)
	}
	defer rows.Close()

	var urls []string
	for rows.Next() {
		var u string
		if err := rows.Scan(&u); err != nil {
			return nil, classify("frontier_batch", "frontier", err)
		}
		urls = append(urls, u)
	}
	return urls, classify("frontier_batch", "frontier", rows.Err())
}

// CountFrontier returns the number of distinct URLs in the frontier.
func (f *Frontier) CountFrontier() (int64, error) {
	var count int64
	err := f.db.QueryRow(`
		SELECT COUNT(*) FROM (
			SELECT source_url AS url FROM backlinks
			UNION
			SELECT target_url FROM backlinks
		)
	`).Scan(&count)
	if err != nil {
		return 0, classify("frontier_count", "frontier", err)
	}
	return count, nil
}
