package storage

// Schema contains SQL statements to create the crawl tables on a target.
const Schema = `
-- Sessions table: provenance bucket for one crawl batch
CREATE TABLE IF NOT EXISTS sessions (
    id TEXT PRIMARY KEY,
    started_at DATETIME NOT NULL,
    ended_at DATETIME,
    status TEXT NOT NULL DEFAULT 'active',
    config_json TEXT,
    target_db TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_status ON sessions(status);

-- Pages table: one row per crawled resource per session
CREATE TABLE IF NOT EXISTS pages (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    url TEXT NOT NULL,
    title TEXT,
    text TEXT,
    html_size INTEGER DEFAULT 0,
    word_count INTEGER DEFAULT 0,
    http_status INTEGER,
    response_time_ms INTEGER DEFAULT 0,
    content_hash TEXT,
    crawled_at DATETIME NOT NULL,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    UNIQUE(url, session_id)
);

CREATE INDEX IF NOT EXISTS idx_pages_url ON pages(url);
CREATE INDEX IF NOT EXISTS idx_pages_crawled_at ON pages(crawled_at);
CREATE INDEX IF NOT EXISTS idx_pages_content_hash ON pages(content_hash);

-- Links table: discovered edges of the link graph
CREATE TABLE IF NOT EXISTS links (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_url TEXT NOT NULL,
    target_url TEXT NOT NULL,
    anchor_text TEXT,
    context TEXT,
    is_nofollow BOOLEAN DEFAULT 0,
    discovered_at DATETIME NOT NULL,
    session_id TEXT NOT NULL REFERENCES sessions(id),
    UNIQUE(source_url, target_url, session_id)
);

CREATE INDEX IF NOT EXISTS idx_links_source ON links(source_url);
CREATE INDEX IF NOT EXISTS idx_links_target ON links(target_url);

-- Domain authority scores, recomputed by the analyzer
CREATE TABLE IF NOT EXISTS domain_scores (
    domain TEXT PRIMARY KEY,
    authority_score REAL NOT NULL,
    backlink_count INTEGER DEFAULT 0,
    referring_domains INTEGER DEFAULT 0,
    updated_at DATETIME NOT NULL
);

-- PageRank scores, recomputed by the analyzer
CREATE TABLE IF NOT EXISTS pagerank_scores (
    url TEXT PRIMARY KEY,
    score REAL NOT NULL,
    updated_at DATETIME NOT NULL
);

-- Progress mirror: the file backend is authoritative, this row feeds reads
CREATE TABLE IF NOT EXISTS progress (
    singleton_key INTEGER PRIMARY KEY CHECK (singleton_key = 1),
    current_page INTEGER NOT NULL,
    batch_size INTEGER NOT NULL,
    total_urls INTEGER DEFAULT 0,
    processed INTEGER DEFAULT 0,
    succeeded INTEGER DEFAULT 0,
    failed INTEGER DEFAULT 0,
    updated_at DATETIME NOT NULL,
    active_session_id TEXT,
    running BOOLEAN DEFAULT 0
);

-- Per-target usage counters, flushed periodically by the rotation manager
CREATE TABLE IF NOT EXISTS database_usage (
    name TEXT PRIMARY KEY,
    url TEXT,
    bytes_used INTEGER DEFAULT 0,
    storage_quota_bytes INTEGER DEFAULT 0,
    writes_this_month INTEGER DEFAULT 0,
    monthly_write_limit INTEGER DEFAULT 0,
    last_health_check DATETIME,
    status TEXT DEFAULT 'healthy'
);
`

// BacklinksSchema creates the externally-populated frontier table. The
// engine never writes it; the statement exists for tools and tests.
const BacklinksSchema = `
CREATE TABLE IF NOT EXISTS backlinks (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    source_url TEXT NOT NULL,
    target_url TEXT NOT NULL
);
`
