package analyzer

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkgraph-crawler/linkgraph/internal/storage"
)

// memStore holds links in memory and records upserts.
type memStore struct {
	links   []*storage.Link
	domains []*storage.DomainScore
	ranks   []*storage.PageRankScore
}

func (m *memStore) IterLinks(fn func(*storage.Link) error) error {
	for _, l := range m.links {
		if err := fn(l); err != nil {
			return err
		}
	}
	return nil
}

func (m *memStore) UpsertDomainScores(scores []*storage.DomainScore) error {
	m.domains = scores
	return nil
}

func (m *memStore) UpsertPageRankScores(scores []*storage.PageRankScore) error {
	m.ranks = scores
	return nil
}

func link(src, dst string) *storage.Link {
	return &storage.Link{SourceURL: src, TargetURL: dst, DiscoveredAt: time.Now().UTC()}
}

func nofollowLink(src, dst string) *storage.Link {
	l := link(src, dst)
	l.IsNofollow = true
	return l
}

func TestPageRankSumsToOne(t *testing.T) {
	g := &graph{
		urls:  []string{"a", "b", "c"},
		edges: []edge{{0, 1, 1}, {1, 2, 1}, {2, 0, 1}},
	}
	ranks, iterations := pageRank(g)

	var sum float64
	for _, r := range ranks {
		sum += r
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.LessOrEqual(t, iterations, 100)

	// A symmetric cycle gives every node the same score.
	assert.InDelta(t, ranks[0], ranks[1], 1e-6)
	assert.InDelta(t, ranks[1], ranks[2], 1e-6)
}

func TestPageRankFavorsLinkedNode(t *testing.T) {
	// Everything points at c.
	g := &graph{
		urls:  []string{"a", "b", "c"},
		edges: []edge{{0, 2, 1}, {1, 2, 1}, {2, 0, 1}},
	}
	ranks, _ := pageRank(g)
	assert.Greater(t, ranks[2], ranks[0])
	assert.Greater(t, ranks[2], ranks[1])
}

func TestPageRankHandlesSinks(t *testing.T) {
	// b has no outlinks; its mass must redistribute, not vanish.
	g := &graph{
		urls:  []string{"a", "b"},
		edges: []edge{{0, 1, 1}},
	}
	ranks, iterations := pageRank(g)

	var sum float64
	for _, r := range ranks {
		sum += r
	}
	assert.InDelta(t, 1.0, sum, 1e-9)
	assert.LessOrEqual(t, iterations, 100)
	assert.Greater(t, ranks[1], ranks[0])
}

func TestPageRankNofollowWeight(t *testing.T) {
	// a splits endorsement: followed edge to b, nofollow edge to c.
	g := &graph{
		urls:  []string{"a", "b", "c"},
		edges: []edge{{0, 1, 1.0}, {0, 2, 0.1}},
	}
	ranks, _ := pageRank(g)
	assert.Greater(t, ranks[1], ranks[2], "nofollow edges carry a tenth of the weight")
}

func TestPageRankEmptyGraph(t *testing.T) {
	ranks, iterations := pageRank(&graph{})
	assert.Nil(t, ranks)
	assert.Zero(t, iterations)
}

func TestRunPersistsScores(t *testing.T) {
	store := &memStore{links: []*storage.Link{
		link("http://blog.one.com/post", "http://target.com/"),
		link("http://two.com/a", "http://target.com/"),
		link("http://three.com/", "http://target.com/"),
		nofollowLink("http://spammy.com/", "http://target.com/"),
		link("http://target.com/", "http://two.com/a"),
	}}

	a := New(store, nil, 0.8, zerolog.Nop())
	summary, err := a.Run(context.Background())
	require.NoError(t, err)

	assert.Equal(t, 5, summary.Edges)
	assert.Equal(t, 5, summary.Nodes)
	assert.NotEmpty(t, store.ranks)
	assert.NotEmpty(t, store.domains)

	var sum float64
	for _, r := range store.ranks {
		sum += r.Score
	}
	assert.InDelta(t, 1.0, sum, 1e-9)

	// target.com has four referring domains and must outrank the others.
	byDomain := make(map[string]*storage.DomainScore)
	for _, d := range store.domains {
		byDomain[d.Domain] = d
	}
	require.Contains(t, byDomain, "target.com")
	assert.EqualValues(t, 4, byDomain["target.com"].ReferringDomains)
	assert.EqualValues(t, 4, byDomain["target.com"].BacklinkCount)
	for domain, score := range byDomain {
		if domain == "target.com" {
			continue
		}
		assert.LessOrEqual(t, score.AuthorityScore, byDomain["target.com"].AuthorityScore)
	}
	assert.LessOrEqual(t, byDomain["target.com"].AuthorityScore, 100.0)
}

func TestRunEmptyCorpus(t *testing.T) {
	store := &memStore{}
	a := New(store, nil, 0.8, zerolog.Nop())

	summary, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Zero(t, summary.Nodes)
	assert.Empty(t, store.ranks)
}

func TestRunIdempotent(t *testing.T) {
	store := &memStore{links: []*storage.Link{
		link("http://a.com/", "http://b.com/"),
		link("http://b.com/", "http://c.com/"),
	}}
	a := New(store, nil, 0.8, zerolog.Nop())

	_, err := a.Run(context.Background())
	require.NoError(t, err)
	first := append([]*storage.PageRankScore(nil), store.ranks...)

	_, err = a.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, store.ranks, len(first))
	for i := range first {
		assert.Equal(t, first[i].URL, store.ranks[i].URL)
		assert.InDelta(t, first[i].Score, store.ranks[i].Score, 1e-12)
	}
}

func TestInternalLinksCarryNoAuthority(t *testing.T) {
	store := &memStore{links: []*storage.Link{
		link("http://site.com/a", "http://site.com/b"),
		link("http://site.com/b", "http://site.com/c"),
	}}
	a := New(store, nil, 0.8, zerolog.Nop())

	_, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, store.domains, "same-domain links never feed authority")
}

func TestSpamScoring(t *testing.T) {
	assert.Greater(t, spamScore("cheap viagra casino", 10, defaultSpamTerms), 0.0)
	assert.GreaterOrEqual(t, spamScore("viagra", 300, defaultSpamTerms), 0.8,
		"exact dictionary anchor on a link-dense page flags")
	assert.Zero(t, spamScore("documentation", 10, defaultSpamTerms))

	long := make([]byte, 150)
	for i := range long {
		long[i] = 'x'
	}
	assert.GreaterOrEqual(t, spamScore(string(long), 10, defaultSpamTerms), 0.3)
}

func TestScoreSpamCountsFlagged(t *testing.T) {
	store := &memStore{links: []*storage.Link{
		{SourceURL: "http://spam.com/", TargetURL: "http://t.com/", AnchorText: "viagra"},
		{SourceURL: "http://ok.com/", TargetURL: "http://t.com/", AnchorText: "reference"},
	}}
	// Inflate link density for the spam source.
	for i := 0; i < 250; i++ {
		store.links = append(store.links, link("http://spam.com/", "http://t.com/x"))
	}

	a := New(store, nil, 0.8, zerolog.Nop())
	summary, err := a.Run(context.Background())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, summary.FlaggedLinks, 1)
}
