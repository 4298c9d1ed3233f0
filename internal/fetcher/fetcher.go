package fetcher

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"

	"github.com/linkgraph-crawler/linkgraph/internal/config"
	"github.com/linkgraph-crawler/linkgraph/internal/robots"
	"github.com/linkgraph-crawler/linkgraph/internal/urlutil"
)

const (
	maxRedirects      = 5
	requestTimeout    = 30 * time.Second
	maxBodySize       = 10 << 20
	retryAfterCeiling = 30 * time.Second
)

// Backoff between retry attempts.
var retryBackoff = []time.Duration{time.Second, 3 * time.Second, 9 * time.Second}

var fetchOutcomes = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "linkgraph_fetch_total",
	Help: "Fetch outcomes by result kind.",
}, []string{"outcome"})

// Fetcher fetches URLs with per-host politeness, redirect tracking and
// retry-with-backoff. Safe for concurrent use.
type Fetcher struct {
	client *http.Client
	cfg    *config.Config
	robots *robots.Cache
	pool   *pool
	agents []string
	uaIdx  atomic.Uint64
	log    zerolog.Logger
}

// New creates a fetcher. robotsCache may be nil when robots compliance is
// disabled in config.
func New(cfg *config.Config, robotsCache *robots.Cache, log zerolog.Logger) *Fetcher {
	transport := &http.Transport{
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:          100,
		MaxIdleConnsPerHost:   10,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		TLSClientConfig:       &tls.Config{},
	}

	return &Fetcher{
		client: &http.Client{
			Transport: transport,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				// Redirects are followed manually to track the chain.
				return http.ErrUseLastResponse
			},
		},
		cfg:    cfg,
		robots: robotsCache,
		pool:   newPool(cfg.MaxConcurrency, cfg.PerHostConcurrency),
		agents: cfg.UserAgents(),
		log:    log.With().Str("component", "fetcher").Logger(),
	}
}

// Fetch retrieves rawURL within the per-URL attempt budget. On success the
// returned Result carries the post-redirect final URL; on failure the error
// is always a *FetchError.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Result, error) {
	agent := f.nextAgent()

	if f.cfg.RespectRobots && f.robots != nil {
		if !f.robots.IsAllowed(ctx, rawURL, agent) {
			fetchOutcomes.WithLabelValues(string(KindRobotsDenied)).Inc()
			return nil, &FetchError{Kind: KindRobotsDenied}
		}
	}

	origin, err := urlutil.Origin(rawURL)
	if err != nil {
		return nil, &FetchError{Kind: KindDNS, Err: err}
	}

	delay := f.cfg.Delay()
	if f.cfg.RespectRobots && f.robots != nil {
		if rd := f.robots.CrawlDelay(ctx, origin, agent); rd > delay {
			delay = rd
		}
	}

	ctx, cancel := context.WithTimeout(ctx, f.cfg.GlobalTimeout())
	defer cancel()

	if err := f.pool.acquire(ctx, origin, delay); err != nil {
		fetchOutcomes.WithLabelValues(string(KindCancelled)).Inc()
		return nil, &FetchError{Kind: KindCancelled, Err: err}
	}
	defer f.pool.release(origin)

	result, fetchErr := f.fetchWithRetries(ctx, rawURL, agent)
	if fetchErr != nil {
		fetchOutcomes.WithLabelValues(string(fetchErr.Kind)).Inc()
		return nil, fetchErr
	}
	fetchOutcomes.WithLabelValues("ok").Inc()
	return result, nil
}

// fetchWithRetries runs the attempt loop: the initial attempt plus
// cfg.RetryAttempts retries for timeouts, DNS failures and 5xx, walking the
// backoff schedule; one extra try for 408/429 honoring Retry-After up to
// 30s; no retry for other 4xx.
func (f *Fetcher) fetchWithRetries(ctx context.Context, rawURL, agent string) (*Result, *FetchError) {
	var lastErr *FetchError
	rateLimitRetried := false

	attempts := f.cfg.RetryAttempts + 1
	if attempts < 1 {
		attempts = 1
	}
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			idx := attempt - 1
			if idx >= len(retryBackoff) {
				idx = len(retryBackoff) - 1
			}
			select {
			case <-time.After(retryBackoff[idx]):
			case <-ctx.Done():
				// Budget exhausted while backing off: report the real
				// failure, not the expired wait.
				return nil, lastErr
			}
		}

		result, fetchErr := f.attempt(ctx, rawURL, agent)
		if fetchErr == nil {
			return result, nil
		}
		lastErr = fetchErr

		if fetchErr.Kind == KindCancelled {
			return nil, fetchErr
		}

		// 408 and 429 retry once, waiting out Retry-After first.
		if fetchErr.Kind == KindHTTPError && (fetchErr.Status == http.StatusRequestTimeout || fetchErr.Status == http.StatusTooManyRequests) {
			if rateLimitRetried {
				return nil, fetchErr
			}
			rateLimitRetried = true
			if wait := retryAfterDelay(fetchErr); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return nil, &FetchError{Kind: KindCancelled, Err: ctx.Err()}
				}
			}
			result, fetchErr = f.attempt(ctx, rawURL, agent)
			if fetchErr == nil {
				return result, nil
			}
			return nil, fetchErr
		}

		if !fetchErr.retryable() {
			return nil, fetchErr
		}
	}
	return nil, lastErr
}

// attempt performs one request cycle including the manual redirect chain.
func (f *Fetcher) attempt(ctx context.Context, rawURL, agent string) (*Result, *FetchError) {
	start := time.Now()
	result := &Result{RequestURL: rawURL}
	currentURL := rawURL

	for hop := 0; hop <= maxRedirects; hop++ {
		reqCtx, cancel := context.WithTimeout(ctx, requestTimeout)

		req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, currentURL, nil)
		if err != nil {
			cancel()
			return nil, &FetchError{Kind: KindDNS, Err: err}
		}
		f.setHeaders(req, agent)

		resp, err := f.client.Do(req)
		if err != nil {
			cancel()
			return nil, f.classify(ctx, err)
		}

		if resp.StatusCode >= 300 && resp.StatusCode < 400 {
			location := resp.Header.Get("Location")
			resp.Body.Close()
			cancel()

			if location == "" {
				return nil, &FetchError{Kind: KindHTTPError, Status: resp.StatusCode}
			}
			next, err := urlutil.ResolveURL(currentURL, location)
			if err != nil {
				return nil, &FetchError{Kind: KindTooManyRedirects, Err: err}
			}
			result.RedirectChain = append(result.RedirectChain, currentURL)
			currentURL = next
			continue
		}

		if resp.StatusCode >= 400 {
			fe := &FetchError{Kind: KindHTTPError, Status: resp.StatusCode}
			if ra := resp.Header.Get("Retry-After"); ra != "" {
				fe.Err = fmt.Errorf("retry-after: %s", ra)
			}
			resp.Body.Close()
			cancel()
			return nil, fe
		}

		body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
		resp.Body.Close()
		cancel()
		if err != nil {
			return nil, f.classify(ctx, err)
		}

		result.FinalURL = currentURL
		result.StatusCode = resp.StatusCode
		result.Headers = resp.Header
		result.Body = body
		result.ContentType = contentType(resp.Header.Get("Content-Type"))
		result.ResponseTime = time.Since(start)
		return result, nil
	}

	return nil, &FetchError{Kind: KindTooManyRedirects}
}

func (f *Fetcher) setHeaders(req *http.Request, agent string) {
	req.Header.Set("User-Agent", agent)
	req.Header.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	req.Header.Set("Accept-Language", "en-US,en;q=0.5")
}

// nextAgent rotates through the configured truthful user-agent pool.
func (f *Fetcher) nextAgent() string {
	idx := f.uaIdx.Add(1) - 1
	return f.agents[idx%uint64(len(f.agents))]
}

// classify maps a transport error to a FetchError kind.
func (f *Fetcher) classify(ctx context.Context, err error) *FetchError {
	if errors.Is(err, context.Canceled) || ctx.Err() == context.Canceled {
		return &FetchError{Kind: KindCancelled, Err: err}
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return &FetchError{Kind: KindDNS, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &FetchError{Kind: KindTimeout, Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &FetchError{Kind: KindTimeout, Err: err}
	}

	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return &FetchError{Kind: KindTimeout, Err: err}
	}

	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "tls") || strings.Contains(msg, "certificate") || strings.Contains(msg, "x509") {
		return &FetchError{Kind: KindTLS, Err: err}
	}

	return &FetchError{Kind: KindDNS, Err: err}
}

func contentType(header string) string {
	if idx := strings.IndexByte(header, ';'); idx != -1 {
		header = header[:idx]
	}
	return strings.TrimSpace(strings.ToLower(header))
}

// retryAfterDelay extracts the Retry-After wait from a 408/429 error,
// capped at the ceiling.
func retryAfterDelay(fe *FetchError) time.Duration {
	if fe.Err == nil {
		return 0
	}
	value, ok := strings.CutPrefix(fe.Err.Error(), "retry-after: ")
	if !ok {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(value)); err == nil {
		wait := time.Duration(secs) * time.Second
		if wait > retryAfterCeiling {
			return retryAfterCeiling
		}
		if wait < 0 {
			return 0
		}
		return wait
	}
	if at, err := http.ParseTime(value); err == nil {
		wait := time.Until(at)
		if wait > retryAfterCeiling {
			return retryAfterCeiling
		}
		if wait < 0 {
			return 0
		}
		return wait
	}
	return 0
}
