package urlutil_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/linkgraph-crawler/linkgraph/internal/urlutil"
)

func TestNormalizeRules(t *testing.T) {
	n := urlutil.DefaultNormalizer(nil)

	cases := []struct {
		name string
		in   string
		want string
	}{
		{"lowercase scheme and host", "HTTP://Example.COM/Path", "http://example.com/Path"},
		{"strip default http port", "http://example.com:80/a", "http://example.com/a"},
		{"strip default https port", "https://example.com:443/a", "https://example.com/a"},
		{"keep explicit port", "http://example.com:8080/a", "http://example.com:8080/a"},
		{"drop fragment", "http://example.com/a#section", "http://example.com/a"},
		{"root keeps trailing slash", "http://example.com/", "http://example.com/"},
		{"bare host gets root", "http://example.com", "http://example.com/"},
		{"non-root trailing slash stripped", "http://example.com/a/", "http://example.com/a"},
		{"double slashes collapse", "http://example.com//a///b", "http://example.com/a/b"},
		{"dot segments resolve", "http://example.com/a/./b/../c", "http://example.com/a/c"},
		{"query order preserved", "http://example.com/a?z=1&a=2", "http://example.com/a?z=1&a=2"},
		{"percent encoding normalized", "http://example.com/a?q=%2f", "http://example.com/a?q=%2F"},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := n.Normalize(tc.in)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestNormalizeIdempotent(t *testing.T) {
	n := urlutil.DefaultNormalizer([]string{"utm_source"})

	inputs := []string{
		"HTTP://Example.COM:80//a/b/../c/?z=9&a=%2f&utm_source=x#frag",
		"https://example.com/",
		"http://example.com/path?a=1&b=two+words",
		"http://example.com/a%20b",
	}

	for _, in := range inputs {
		once, err := n.Normalize(in)
		require.NoError(t, err, in)
		twice, err := n.Normalize(once)
		require.NoError(t, err, once)
		assert.Equal(t, once, twice, "normalize must be idempotent for %q", in)
	}
}

func TestNormalizeRejectsNonHTTP(t *testing.T) {
	n := urlutil.DefaultNormalizer(nil)

	for _, in := range []string{"ftp://example.com/a", "mailto:a@example.com", "javascript:void(0)", "/relative/path"} {
		_, err := n.Normalize(in)
		assert.Error(t, err, in)
	}
}

func TestNormalizeDropsIgnoredParams(t *testing.T) {
	n := urlutil.DefaultNormalizer([]string{"utm_source", "gclid"})

	got, err := n.Normalize("http://example.com/a?utm_source=news&x=1&gclid=abc")
	require.NoError(t, err)
	assert.Equal(t, "http://example.com/a?x=1", got)
}

func TestExtractDomain(t *testing.T) {
	assert.Equal(t, "example.com", urlutil.ExtractDomain("www.example.com"))
	assert.Equal(t, "example.com", urlutil.ExtractDomain("example.com:8080"))
	assert.Equal(t, "example.co", urlutil.ExtractDomain("a.b.example.co"))
	assert.Equal(t, "localhost", urlutil.ExtractDomain("localhost"))
}

func TestOrigin(t *testing.T) {
	origin, err := urlutil.Origin("HTTPS://Example.com/path?q=1")
	require.NoError(t, err)
	assert.Equal(t, "https://example.com", origin)

	_, err = urlutil.Origin("not a url at all ://")
	assert.Error(t, err)
}
