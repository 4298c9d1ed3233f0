// Package extract turns fetched bodies into Page records and outbound links.
package extract

import (
	"bytes"
	"encoding/hex"
	"strings"
	"time"

	"golang.org/x/net/html"
	"lukechampine.com/blake3"

	"github.com/linkgraph-crawler/linkgraph/internal/storage"
	"github.com/linkgraph-crawler/linkgraph/internal/urlutil"
)

const (
	maxTitleLen   = 512
	maxTextBytes  = 1 << 20
	contextRadius = 64
)

// htmlContentTypes are the only bodies parsed; everything else produces a
// page with empty text and no links.
var htmlContentTypes = map[string]struct{}{
	"text/html":             {},
	"application/xhtml+xml": {},
}

// Extractor parses HTML into a Page and its outbound Links.
type Extractor struct {
	normalizer *urlutil.Normalizer
}

// New creates an extractor using the given URL normalizer.
func New(normalizer *urlutil.Normalizer) *Extractor {
	return &Extractor{normalizer: normalizer}
}

type anchor struct {
	href     string
	text     string
	nofollow bool
}

// Extract builds the page record and link list for one fetched body.
// finalURL is the post-redirect URL and becomes both the page identity and
// the source of every link.
func (e *Extractor) Extract(finalURL string, body []byte, contentType string) (*storage.Page, []*storage.Link) {
	page := &storage.Page{
		URL:       finalURL,
		HTMLSize:  int64(len(body)),
		CrawledAt: time.Now().UTC(),
	}

	if _, ok := htmlContentTypes[contentType]; !ok {
		page.ContentHash = hashText("")
		return page, nil
	}

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		// Malformed HTML: store the page shell, skip links.
		page.ContentHash = hashText("")
		return page, nil
	}

	var (
		title     string
		firstH1   string
		textParts []string
		anchors   []anchor
	)
	walk(doc, &title, &firstH1, &textParts, &anchors)

	cleaned := strings.Join(strings.Fields(strings.Join(textParts, " ")), " ")
	if len(cleaned) > maxTextBytes {
		cleaned = cleaned[:maxTextBytes]
	}

	if title == "" {
		title = firstH1
	}
	title = strings.TrimSpace(title)
	if len(title) > maxTitleLen {
		title = title[:maxTitleLen]
	}

	page.Title = title
	page.Text = cleaned
	page.WordCount = len(strings.Fields(cleaned))
	page.ContentHash = hashText(cleaned)

	links := e.buildLinks(finalURL, cleaned, anchors)
	return page, links
}

// walk collects title, first h1, visible text and anchors in one pass.
// Script, style, nav and footer subtrees contribute no text; head
// contributes the title only.
func walk(n *html.Node, title, firstH1 *string, textParts *[]string, anchors *[]anchor) {
	if n.Type == html.ElementNode {
		switch n.Data {
		case "script", "style", "nav", "footer", "noscript", "template":
			return
		case "title":
			if *title == "" {
				*title = textContent(n)
			}
			return
		case "h1":
			if *firstH1 == "" {
				*firstH1 = strings.TrimSpace(textContent(n))
			}
		case "a":
			if href := attr(n, "href"); href != "" {
				*anchors = append(*anchors, anchor{
					href:     href,
					text:     strings.TrimSpace(textContent(n)),
					nofollow: hasNofollowRel(attr(n, "rel")),
				})
			}
		}
	}

	if n.Type == html.TextNode {
		if text := strings.TrimSpace(n.Data); text != "" {
			*textParts = append(*textParts, text)
		}
		return
	}

	for c := n.FirstChild; c != nil; c = c.NextSibling {
		walk(c, title, firstH1, textParts, anchors)
	}
}

// buildLinks resolves and filters anchors into Link rows. Only http(s)
// targets survive; fragments drop during normalization; each target is
// recorded once per page.
func (e *Extractor) buildLinks(finalURL, cleaned string, anchors []anchor) []*storage.Link {
	now := time.Now().UTC()
	seen := make(map[string]struct{}, len(anchors))
	var links []*storage.Link

	for _, a := range anchors {
		resolved, err := urlutil.ResolveURL(finalURL, a.href)
		if err != nil {
			continue
		}
		target, err := e.normalizer.Normalize(resolved)
		if err != nil {
			continue
		}
		if _, dup := seen[target]; dup {
			continue
		}
		seen[target] = struct{}{}

		links = append(links, &storage.Link{
			SourceURL:    finalURL,
			TargetURL:    target,
			AnchorText:   a.text,
			Context:      anchorContext(cleaned, a.text),
			IsNofollow:   a.nofollow,
			DiscoveredAt: now,
		})
	}
	return links
}

// anchorContext returns up to contextRadius characters of cleaned text on
// each side of the anchor's first occurrence.
func anchorContext(cleaned, anchorText string) string {
	if anchorText == "" {
		return ""
	}
	idx := strings.Index(cleaned, anchorText)
	if idx < 0 {
		return ""
	}
	start := idx - contextRadius
	if start < 0 {
		start = 0
	}
	end := idx + len(anchorText) + contextRadius
	if end > len(cleaned) {
		end = len(cleaned)
	}
	return cleaned[start:end]
}

// hasNofollowRel reports whether a rel attribute opts the link out of
// endorsement (nofollow, ugc or sponsored).
func hasNofollowRel(rel string) bool {
	for _, token := range strings.Fields(strings.ToLower(rel)) {
		switch token {
		case "nofollow", "ugc", "sponsored":
			return true
		}
	}
	return false
}

func hashText(text string) string {
	sum := blake3.Sum256([]byte(text))
	return hex.EncodeToString(sum[:])
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func textContent(n *html.Node) string {
	var sb strings.Builder
	var visit func(*html.Node)
	visit = func(node *html.Node) {
		if node.Type == html.TextNode {
			sb.WriteString(node.Data)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			visit(c)
		}
	}
	visit(n)
	return sb.String()
}
