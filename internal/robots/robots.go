// Package robots caches per-origin robots.txt policy.
package robots

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/temoto/robotstxt"
)

const (
	// Parsed robots stay valid this long.
	cacheTTL = 24 * time.Hour
	// 4xx answers (which allow everything) are cached shorter.
	negativeTTL = time.Hour
	// On network failure the origin is treated as allow-all briefly so the
	// fetcher is not starved, then refetched.
	failOpenTTL = 5 * time.Minute

	fetchTimeout = 10 * time.Second
	maxBodySize  = 512 << 10
)

type entry struct {
	data      *robotstxt.RobotsData // nil means allow-all
	fetchedAt time.Time
	ttl       time.Duration
}

func (e *entry) expired() bool {
	return time.Since(e.fetchedAt) > e.ttl
}

// Cache answers allow/deny and crawl-delay queries per origin. A single
// fetch per origin is in flight at a time; concurrent callers park on it.
type Cache struct {
	client *http.Client
	log    zerolog.Logger

	mu       sync.RWMutex
	entries  map[string]*entry
	inflight map[string]chan struct{}
}

// NewCache builds a cache around the given client (nil for a default).
func NewCache(client *http.Client, log zerolog.Logger) *Cache {
	if client == nil {
		client = &http.Client{Timeout: fetchTimeout}
	}
	return &Cache{
		client:   client,
		log:      log.With().Str("component", "robots").Logger(),
		entries:  make(map[string]*entry),
		inflight: make(map[string]chan struct{}),
	}
}

// IsAllowed reports whether userAgent may fetch rawURL.
func (c *Cache) IsAllowed(ctx context.Context, rawURL, userAgent string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return false
	}
	origin := strings.ToLower(u.Scheme) + "://" + strings.ToLower(u.Host)

	e := c.lookup(ctx, origin)
	if e == nil || e.data == nil {
		return true
	}

	path := u.Path
	if path == "" {
		path = "/"
	}
	if u.RawQuery != "" {
		path += "?" + u.RawQuery
	}
	return e.data.TestAgent(path, userAgent)
}

// CrawlDelay returns the robots crawl-delay for the origin, or zero.
func (c *Cache) CrawlDelay(ctx context.Context, origin, userAgent string) time.Duration {
	e := c.lookup(ctx, strings.ToLower(origin))
	if e == nil || e.data == nil {
		return 0
	}
	if group := e.data.FindGroup(userAgent); group != nil {
		return group.CrawlDelay
	}
	return 0
}

// lookup returns the cached entry for origin, fetching it if missing or
// expired. Exactly one fetch per origin runs at a time.
func (c *Cache) lookup(ctx context.Context, origin string) *entry {
	for {
		c.mu.RLock()
		e, ok := c.entries[origin]
		c.mu.RUnlock()
		if ok && !e.expired() {
			return e
		}

		c.mu.Lock()
		// Re-check under the write lock: another waiter may have refreshed.
		if e, ok := c.entries[origin]; ok && !e.expired() {
			c.mu.Unlock()
			return e
		}
		if wait, busy := c.inflight[origin]; busy {
			c.mu.Unlock()
			select {
			case <-wait:
			case <-ctx.Done():
				return nil
			}
			continue
		}
		done := make(chan struct{})
		c.inflight[origin] = done
		c.mu.Unlock()

		e = c.fetch(ctx, origin)

		c.mu.Lock()
		c.entries[origin] = e
		delete(c.inflight, origin)
		close(done)
		c.mu.Unlock()
		return e
	}
}

// fetch retrieves and parses origin's robots.txt, mapping failures to the
// cache policy above.
func (c *Cache) fetch(ctx context.Context, origin string) *entry {
	reqCtx, cancel := context.WithTimeout(ctx, fetchTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, origin+"/robots.txt", nil)
	if err != nil {
		return &entry{fetchedAt: time.Now(), ttl: failOpenTTL}
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.log.Debug().Err(err).Str("origin", origin).Msg("robots fetch failed, failing open")
		return &entry{fetchedAt: time.Now(), ttl: failOpenTTL}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return &entry{fetchedAt: time.Now(), ttl: failOpenTTL}
	}

	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		c.log.Debug().Err(err).Str("origin", origin).Msg("robots parse failed, failing open")
		return &entry{fetchedAt: time.Now(), ttl: failOpenTTL}
	}

	ttl := cacheTTL
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		ttl = negativeTTL
	}
	return &entry{data: data, fetchedAt: time.Now(), ttl: ttl}
}
