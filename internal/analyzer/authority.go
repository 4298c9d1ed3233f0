package analyzer

import (
	"math"
	"sort"
	"time"

	"github.com/linkgraph-crawler/linkgraph/internal/storage"
)

// domainAccum gathers per-domain signals during the corpus sweep.
type domainAccum struct {
	backlinks   int64
	referring   map[string]struct{}
	rankSum     float64
	rankCount   int64
	nofollow    int64
	anchors     map[string]struct{}
	anchorTotal int64
}

// scoreDomains combines referring-domain count, mean referring PageRank,
// nofollow ratio and anchor diversity into a 0..100 authority score. The
// mapping is calibrated so the top-percentile domain lands near 95, keeping
// headroom above the current corpus.
func (a *Analyzer) scoreDomains(g *graph, rankByURL map[string]float64, now time.Time) []*storage.DomainScore {
	accums := make(map[string]*domainAccum)

	for _, link := range g.links {
		targetDomain := domainOf(link.TargetURL)
		if targetDomain == "" {
			continue
		}
		sourceDomain := domainOf(link.SourceURL)
		if sourceDomain == targetDomain {
			// Internal links carry no authority.
			continue
		}

		acc, ok := accums[targetDomain]
		if !ok {
			acc = &domainAccum{
				referring: make(map[string]struct{}),
				anchors:   make(map[string]struct{}),
			}
			accums[targetDomain] = acc
		}

		acc.backlinks++
		if sourceDomain != "" {
			acc.referring[sourceDomain] = struct{}{}
		}
		if rank, ok := rankByURL[link.SourceURL]; ok {
			acc.rankSum += rank
			acc.rankCount++
		}
		if link.IsNofollow {
			acc.nofollow++
		}
		if link.AnchorText != "" {
			acc.anchors[link.AnchorText] = struct{}{}
			acc.anchorTotal++
		}
	}

	if len(accums) == 0 {
		return nil
	}

	type rawScore struct {
		domain string
		raw    float64
		acc    *domainAccum
	}
	raws := make([]rawScore, 0, len(accums))
	for domain, acc := range accums {
		raws = append(raws, rawScore{domain: domain, raw: rawAuthority(acc), acc: acc})
	}

	// Calibrate against the top percentile so the best current domain maps
	// to ~95, not 100.
	sorted := make([]float64, len(raws))
	for i, r := range raws {
		sorted[i] = r.raw
	}
	sort.Float64s(sorted)
	pivot := sorted[(len(sorted)*99+99)/100-1]
	if pivot <= 0 {
		pivot = 1
	}

	scores := make([]*storage.DomainScore, 0, len(raws))
	for _, r := range raws {
		scaled := 95 * r.raw / pivot
		if scaled > 100 {
			scaled = 100
		}
		scores = append(scores, &storage.DomainScore{
			Domain:           r.domain,
			AuthorityScore:   scaled,
			BacklinkCount:    r.acc.backlinks,
			ReferringDomains: int64(len(r.acc.referring)),
			UpdatedAt:        now,
		})
	}
	return scores
}

// rawAuthority produces the uncalibrated score: log-scaled referring
// domains, mean referring PageRank, a nofollow penalty and an anchor
// diversity bonus.
func rawAuthority(acc *domainAccum) float64 {
	referring := math.Log1p(float64(len(acc.referring)))

	var meanRank float64
	if acc.rankCount > 0 {
		meanRank = acc.rankSum / float64(acc.rankCount)
	}

	nofollowRatio := 0.0
	if acc.backlinks > 0 {
		nofollowRatio = float64(acc.nofollow) / float64(acc.backlinks)
	}

	diversity := 0.0
	if acc.anchorTotal > 0 {
		diversity = float64(len(acc.anchors)) / float64(acc.anchorTotal)
		if diversity > 1 {
			diversity = 1
		}
	}

	score := referring * (1 + 10*meanRank)
	score *= 1 - 0.5*nofollowRatio
	score *= 0.7 + 0.3*diversity
	return score
}
