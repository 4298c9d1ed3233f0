package storage_test

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkgraph-crawler/linkgraph/internal/storage"
)

func openTestDB(t *testing.T) *storage.DB {
	t.Helper()
	db, err := storage.Open("test", filepath.Join(t.TempDir(), "crawl.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func TestSessionLifecycle(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateSession(`{"batch_size":50}`, "test")
	require.NoError(t, err)
	require.NotEmpty(t, id)

	s, err := db.GetSession(id)
	require.NoError(t, err)
	require.NotNil(t, s)
	assert.Equal(t, storage.SessionActive, s.Status)
	assert.Nil(t, s.EndedAt)
	assert.Equal(t, "test", s.TargetDB)

	require.NoError(t, db.EndSession(id, storage.SessionCompleted))

	s, err = db.GetSession(id)
	require.NoError(t, err)
	assert.Equal(t, storage.SessionCompleted, s.Status)
	assert.NotNil(t, s.EndedAt)
}

func TestWritePageWithLinks(t *testing.T) {
	db := openTestDB(t)

	sid, err := db.CreateSession("{}", "test")
	require.NoError(t, err)

	page := &storage.Page{
		URL:         "http://example.com/a",
		Title:       "A",
		Text:        "hello world",
		WordCount:   2,
		HTTPStatus:  200,
		ContentHash: "abc",
		CrawledAt:   time.Now().UTC(),
		SessionID:   sid,
	}
	links := []*storage.Link{
		{SourceURL: page.URL, TargetURL: "http://example.com/b", AnchorText: "b", DiscoveredAt: time.Now().UTC(), SessionID: sid},
		{SourceURL: page.URL, TargetURL: "http://other.com/", IsNofollow: true, DiscoveredAt: time.Now().UTC(), SessionID: sid},
	}

	rows, bytes, err := db.WritePage(page, links)
	require.NoError(t, err)
	assert.EqualValues(t, 3, rows)
	assert.Positive(t, bytes)

	// Same url+session is idempotent, duplicate link rows are ignored.
	rows, _, err = db.WritePage(page, links)
	require.NoError(t, err)
	assert.EqualValues(t, 0, rows)

	var got []*storage.Link
	require.NoError(t, db.IterLinks(func(l *storage.Link) error {
		got = append(got, l)
		return nil
	}))
	require.Len(t, got, 2)
	assert.Equal(t, "http://example.com/b", got[0].TargetURL)
	assert.False(t, got[0].IsNofollow)
	assert.True(t, got[1].IsNofollow)
}

func TestAlreadyCrawledWindow(t *testing.T) {
	db := openTestDB(t)

	sid, err := db.CreateSession("{}", "test")
	require.NoError(t, err)

	fresh := &storage.Page{URL: "http://example.com/fresh", CrawledAt: time.Now().UTC(), SessionID: sid}
	stale := &storage.Page{URL: "http://example.com/stale", CrawledAt: time.Now().UTC().Add(-10 * 24 * time.Hour), SessionID: sid}

	_, _, err = db.WritePage(fresh, nil)
	require.NoError(t, err)
	_, _, err = db.WritePage(stale, nil)
	require.NoError(t, err)

	window := 7 * 24 * time.Hour

	crawled, err := db.AlreadyCrawled("http://example.com/fresh", window)
	require.NoError(t, err)
	assert.True(t, crawled)

	crawled, err = db.AlreadyCrawled("http://example.com/stale", window)
	require.NoError(t, err)
	assert.False(t, crawled, "pages outside the recrawl window are eligible again")

	crawled, err = db.AlreadyCrawled("http://example.com/never", window)
	require.NoError(t, err)
	assert.False(t, crawled)
}

func TestScoreUpserts(t *testing.T) {
	db := openTestDB(t)
	now := time.Now().UTC()

	require.NoError(t, db.UpsertDomainScores([]*storage.DomainScore{
		{Domain: "example.com", AuthorityScore: 40, BacklinkCount: 10, ReferringDomains: 3, UpdatedAt: now},
	}))
	require.NoError(t, db.UpsertDomainScores([]*storage.DomainScore{
		{Domain: "example.com", AuthorityScore: 55, BacklinkCount: 12, ReferringDomains: 4, UpdatedAt: now},
		{Domain: "other.com", AuthorityScore: 20, UpdatedAt: now},
	}))

	domains, err := db.DomainScores()
	require.NoError(t, err)
	require.Len(t, domains, 2)
	assert.Equal(t, "example.com", domains[0].Domain)
	assert.InDelta(t, 55, domains[0].AuthorityScore, 1e-9)

	require.NoError(t, db.UpsertPageRankScores([]*storage.PageRankScore{
		{URL: "http://example.com/", Score: 0.6, UpdatedAt: now},
		{URL: "http://other.com/", Score: 0.4, UpdatedAt: now},
	}))
	require.NoError(t, db.UpsertPageRankScores([]*storage.PageRankScore{
		{URL: "http://other.com/", Score: 0.7, UpdatedAt: now},
	}))

	ranks, err := db.PageRankScores()
	require.NoError(t, err)
	require.Len(t, ranks, 2)
	assert.Equal(t, "http://other.com/", ranks[0].URL)
}

func TestProgressMirror(t *testing.T) {
	db := openTestDB(t)

	p := &storage.Progress{CurrentPage: 3, BatchSize: 50, Processed: 100, Succeeded: 90, Failed: 10, UpdatedAt: time.Now().UTC()}
	require.NoError(t, db.SaveProgress(p))

	p.CurrentPage = 4
	require.NoError(t, db.SaveProgress(p), "singleton row updates in place")
}

func TestUsageRoundtrip(t *testing.T) {
	db := openTestDB(t)

	u := &storage.DatabaseUsage{
		Name:              "alpha",
		URL:               "alpha.db",
		BytesUsed:         1024,
		StorageQuotaBytes: 4096,
		WritesThisMonth:   10,
		MonthlyWriteLimit: 100,
		LastHealthCheck:   time.Now().UTC(),
		Status:            storage.UsageWarning,
	}
	require.NoError(t, db.SaveUsage(u))

	u.WritesThisMonth = 20
	require.NoError(t, db.SaveUsage(u))

	loaded, err := db.LoadUsage()
	require.NoError(t, err)
	require.Contains(t, loaded, "alpha")
	assert.EqualValues(t, 20, loaded["alpha"].WritesThisMonth)
	assert.Equal(t, storage.UsageWarning, loaded["alpha"].Status)
}

func TestTargetStats(t *testing.T) {
	db := openTestDB(t)

	sid, err := db.CreateSession("{}", "test")
	require.NoError(t, err)

	for _, url := range []string{"http://a.com/1", "http://a.com/2"} {
		page := &storage.Page{URL: url, CrawledAt: time.Now().UTC(), SessionID: sid}
		links := []*storage.Link{{SourceURL: url, TargetURL: "http://b.com/", DiscoveredAt: time.Now().UTC(), SessionID: sid}}
		_, _, err := db.WritePage(page, links)
		require.NoError(t, err)
	}

	stats, err := db.TargetStats()
	require.NoError(t, err)
	assert.EqualValues(t, 2, stats.TotalPages)
	assert.EqualValues(t, 2, stats.TotalLinks)
	assert.EqualValues(t, 1, stats.TotalSessions)
	assert.Len(t, stats.PagesPerDay, 1)
}

func TestDatabaseUsageLoadRatio(t *testing.T) {
	u := &storage.DatabaseUsage{
		BytesUsed: 50, StorageQuotaBytes: 100,
		WritesThisMonth: 10, MonthlyWriteLimit: 100,
	}
	assert.InDelta(t, 0.5, u.LoadRatio(), 1e-9)

	u.WritesThisMonth = 90
	assert.InDelta(t, 0.9, u.LoadRatio(), 1e-9)
}
