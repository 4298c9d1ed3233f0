package extract_test

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkgraph-crawler/linkgraph/internal/extract"
	"github.com/linkgraph-crawler/linkgraph/internal/urlutil"
)

func newExtractor() *extract.Extractor {
	return extract.New(urlutil.DefaultNormalizer(nil))
}

const samplePage = `<!DOCTYPE html>
<html>
<head><title>  Sample Page  </title><script>var x = "scripted";</script></head>
<body>
<nav><a href="/nav-link">navigation</a> menu text</nav>
<h1>Heading One</h1>
<p>Intro paragraph mentioning the <a href="/about">about page</a> in passing.</p>
<p>Another block with an <a href="https://other.example.org/path#frag" rel="nofollow">external link</a> here.</p>
<style>.hidden { display: none }</style>
<footer>footer boilerplate</footer>
</body>
</html>`

func TestExtractPageFields(t *testing.T) {
	e := newExtractor()

	page, links := e.Extract("http://example.com/sample", []byte(samplePage), "text/html")

	assert.Equal(t, "http://example.com/sample", page.URL)
	assert.Equal(t, "Sample Page", page.Title)
	assert.EqualValues(t, len(samplePage), page.HTMLSize)
	assert.NotEmpty(t, page.ContentHash)
	assert.Positive(t, page.WordCount)

	// Script, style, nav and footer content never reaches the cleaned text.
	assert.NotContains(t, page.Text, "scripted")
	assert.NotContains(t, page.Text, "display: none")
	assert.NotContains(t, page.Text, "navigation")
	assert.NotContains(t, page.Text, "footer boilerplate")
	assert.Contains(t, page.Text, "Intro paragraph")

	// The nav link is dropped with its subtree; body links survive.
	require.Len(t, links, 2)
	assert.Equal(t, "http://example.com/about", links[0].TargetURL)
	assert.Equal(t, "about page", links[0].AnchorText)
	assert.False(t, links[0].IsNofollow)

	assert.Equal(t, "https://other.example.org/path", links[1].TargetURL, "fragment dropped")
	assert.True(t, links[1].IsNofollow)

	for _, l := range links {
		assert.Equal(t, "http://example.com/sample", l.SourceURL, "links attach to the final url")
	}
}

func TestTitleFallsBackToH1(t *testing.T) {
	e := newExtractor()

	page, _ := e.Extract("http://example.com/", []byte(`<html><body><h1> Only Heading </h1></body></html>`), "text/html")
	assert.Equal(t, "Only Heading", page.Title)
}

func TestTitleTruncated(t *testing.T) {
	e := newExtractor()

	long := strings.Repeat("t", 600)
	page, _ := e.Extract("http://example.com/", []byte("<html><head><title>"+long+"</title></head></html>"), "text/html")
	assert.Len(t, page.Title, 512)
}

func TestNonHTMLYieldsEmptyPage(t *testing.T) {
	e := newExtractor()

	page, links := e.Extract("http://example.com/data.json", []byte(`{"a":1}`), "application/json")
	assert.Empty(t, page.Text)
	assert.Empty(t, links)
	assert.Zero(t, page.WordCount)
	assert.NotEmpty(t, page.ContentHash)
}

func TestContentHashStable(t *testing.T) {
	e := newExtractor()

	a, _ := e.Extract("http://a.com/", []byte(samplePage), "text/html")
	b, _ := e.Extract("http://b.com/", []byte(samplePage), "text/html")
	assert.Equal(t, a.ContentHash, b.ContentHash,
		"identical cleaned text hashes identically across urls")

	c, _ := e.Extract("http://c.com/", []byte(`<html><body>different</body></html>`), "text/html")
	assert.NotEqual(t, a.ContentHash, c.ContentHash)
}

func TestNonHTTPSchemesDropped(t *testing.T) {
	e := newExtractor()

	body := `<html><body>
		<a href="mailto:x@example.com">mail</a>
		<a href="javascript:void(0)">js</a>
		<a href="ftp://example.com/f">ftp</a>
		<a href="/ok">ok</a>
	</body></html>`
	_, links := e.Extract("http://example.com/", []byte(body), "text/html")
	require.Len(t, links, 1)
	assert.Equal(t, "http://example.com/ok", links[0].TargetURL)
}

func TestNofollowRelVariants(t *testing.T) {
	e := newExtractor()

	body := `<html><body>
		<a href="/a" rel="nofollow">a</a>
		<a href="/b" rel="ugc">b</a>
		<a href="/c" rel="sponsored noopener">c</a>
		<a href="/d" rel="noopener">d</a>
	</body></html>`
	_, links := e.Extract("http://example.com/", []byte(body), "text/html")
	require.Len(t, links, 4)
	assert.True(t, links[0].IsNofollow)
	assert.True(t, links[1].IsNofollow)
	assert.True(t, links[2].IsNofollow)
	assert.False(t, links[3].IsNofollow)
}

func TestAnchorContextWindow(t *testing.T) {
	e := newExtractor()

	pad := strings.Repeat("x ", 100)
	body := `<html><body><p>` + pad + `before words <a href="/t">anchor text</a> after words ` + pad + `</p></body></html>`
	_, links := e.Extract("http://example.com/", []byte(body), "text/html")
	require.Len(t, links, 1)

	ctx := links[0].Context
	assert.Contains(t, ctx, "anchor text")
	assert.Contains(t, ctx, "before words")
	assert.Contains(t, ctx, "after words")
	assert.LessOrEqual(t, len(ctx), len("anchor text")+2*64)
}

func TestDuplicateTargetsCollapse(t *testing.T) {
	e := newExtractor()

	body := `<html><body><a href="/t">one</a><a href="/t">two</a></body></html>`
	_, links := e.Extract("http://example.com/", []byte(body), "text/html")
	assert.Len(t, links, 1)
}
