// Package analyzer computes link-graph metrics over the accumulated corpus.
package analyzer

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/linkgraph-crawler/linkgraph/internal/storage"
	"github.com/linkgraph-crawler/linkgraph/internal/urlutil"
)

// Store is the persistence surface the analyzer reads and writes.
type Store interface {
	IterLinks(fn func(*storage.Link) error) error
	UpsertDomainScores(scores []*storage.DomainScore) error
	UpsertPageRankScores(scores []*storage.PageRankScore) error
}

// Summary reports one analysis pass.
type Summary struct {
	Nodes        int           `json:"nodes"`
	Edges        int           `json:"edges"`
	Domains      int           `json:"domains"`
	Iterations   int           `json:"iterations"`
	FlaggedLinks int           `json:"flagged_links"`
	Elapsed      time.Duration `json:"elapsed"`
}

// Analyzer builds the in-memory graph from persisted edges and computes
// PageRank, domain authority and spam scores. A pass is idempotent.
type Analyzer struct {
	store     Store
	spamTerms []string
	threshold float64
	log       zerolog.Logger
}

// New creates an analyzer. spamTerms augment the built-in dictionary.
func New(store Store, spamTerms []string, threshold float64, log zerolog.Logger) *Analyzer {
	if threshold <= 0 {
		threshold = 0.8
	}
	return &Analyzer{
		store:     store,
		spamTerms: spamTerms,
		threshold: threshold,
		log:       log.With().Str("component", "analyzer").Logger(),
	}
}

// edge is one directed link in the graph.
type edge struct {
	from, to int
	weight   float64
}

// graph is the in-memory corpus view for one pass.
type graph struct {
	urls      []string
	index     map[string]int
	edges     []edge
	links     []*storage.Link
	perSource map[string]int
}

// Run executes a full analysis pass and persists the results.
func (a *Analyzer) Run(ctx context.Context) (*Summary, error) {
	start := time.Now()

	g, err := a.build(ctx)
	if err != nil {
		return nil, err
	}
	if len(g.urls) == 0 {
		a.log.Info().Msg("empty link corpus, nothing to analyze")
		return &Summary{Elapsed: time.Since(start)}, nil
	}

	ranks, iterations := pageRank(g)

	now := time.Now().UTC()
	prScores := make([]*storage.PageRankScore, len(g.urls))
	rankByURL := make(map[string]float64, len(g.urls))
	for i, url := range g.urls {
		prScores[i] = &storage.PageRankScore{URL: url, Score: ranks[i], UpdatedAt: now}
		rankByURL[url] = ranks[i]
	}
	if err := a.store.UpsertPageRankScores(prScores); err != nil {
		return nil, err
	}

	flagged := a.scoreSpam(g)
	domainScores := a.scoreDomains(g, rankByURL, now)
	if err := a.store.UpsertDomainScores(domainScores); err != nil {
		return nil, err
	}

	summary := &Summary{
		Nodes:        len(g.urls),
		Edges:        len(g.edges),
		Domains:      len(domainScores),
		Iterations:   iterations,
		FlaggedLinks: flagged,
		Elapsed:      time.Since(start),
	}
	a.log.Info().Int("nodes", summary.Nodes).Int("edges", summary.Edges).
		Int("domains", summary.Domains).Int("iterations", summary.Iterations).
		Int("flagged", summary.FlaggedLinks).Dur("elapsed", summary.Elapsed).
		Msg("analysis pass complete")
	return summary, nil
}

// build streams every persisted link into the graph without materializing
// intermediate copies beyond the edge list itself.
func (a *Analyzer) build(ctx context.Context) (*graph, error) {
	g := &graph{
		index:     make(map[string]int),
		perSource: make(map[string]int),
	}

	node := func(url string) int {
		if idx, ok := g.index[url]; ok {
			return idx
		}
		idx := len(g.urls)
		g.index[url] = idx
		g.urls = append(g.urls, url)
		return idx
	}

	err := a.store.IterLinks(func(link *storage.Link) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		weight := 1.0
		if link.IsNofollow {
			// Nofollow edges still carry some signal, heavily discounted.
			weight = 0.1
		}
		g.edges = append(g.edges, edge{
			from:   node(link.SourceURL),
			to:     node(link.TargetURL),
			weight: weight,
		})
		g.links = append(g.links, link)
		g.perSource[link.SourceURL]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	return g, nil
}

func domainOf(rawURL string) string {
	host, err := urlutil.ExtractHost(rawURL)
	if err != nil || host == "" {
		return ""
	}
	return urlutil.ExtractDomain(host)
}
