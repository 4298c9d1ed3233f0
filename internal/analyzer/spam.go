package analyzer

import "strings"

// Built-in anchor patterns commonly seen in link-scheme spam. The config
// list extends this dictionary.
var defaultSpamTerms = []string{
	"buy now", "cheap", "viagra", "casino", "porn", "payday loan",
	"free money", "click here", "work from home", "crypto giveaway",
	"replica", "essay writing",
}

const (
	longAnchorLen    = 100
	denseSourceLinks = 200
)

// scoreSpam assigns each link a heuristic spam score in [0,1] and returns
// how many exceed the configured threshold. Flagged links are logged and
// counted; the spam score does not enter domain authority.
func (a *Analyzer) scoreSpam(g *graph) int {
	terms := append(append([]string(nil), defaultSpamTerms...), a.spamTerms...)
	for i, t := range terms {
		terms[i] = strings.ToLower(t)
	}

	flagged := 0
	for _, link := range g.links {
		score := spamScore(link.AnchorText, g.perSource[link.SourceURL], terms)
		if score > a.threshold {
			flagged++
			a.log.Debug().Str("source", link.SourceURL).Str("target", link.TargetURL).
				Str("anchor", link.AnchorText).Float64("score", score).
				Msg("spam link flagged")
		}
	}
	return flagged
}

// spamScore combines anchor length, dictionary matches and source link
// density into one score.
func spamScore(anchor string, sourceLinkCount int, terms []string) float64 {
	var score float64
	lower := strings.ToLower(anchor)

	if len(anchor) > longAnchorLen {
		score += 0.3
	}

	for _, term := range terms {
		if term == "" {
			continue
		}
		if lower == term {
			// Exact dictionary anchors are the strongest signal.
			score += 0.6
			break
		}
		if strings.Contains(lower, term) {
			score += 0.4
			break
		}
	}

	if sourceLinkCount > denseSourceLinks {
		score += 0.3
	} else if sourceLinkCount > denseSourceLinks/2 {
		score += 0.15
	}

	if score > 1 {
		score = 1
	}
	return score
}
