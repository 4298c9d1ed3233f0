package analyzer

const (
	damping       = 0.85
	maxIterations = 100
	tolerance     = 1e-6
)

// pageRank runs weighted power iteration over the graph. Sinks redistribute
// their mass uniformly to all nodes; iteration stops when the l-inf
// residual drops below tolerance. The returned scores sum to 1.
func pageRank(g *graph) ([]float64, int) {
	n := len(g.urls)
	if n == 0 {
		return nil, 0
	}

	// Total outgoing weight per node, for transition probabilities.
	outWeight := make([]float64, n)
	for _, e := range g.edges {
		outWeight[e.from] += e.weight
	}

	ranks := make([]float64, n)
	next := make([]float64, n)
	initial := 1.0 / float64(n)
	for i := range ranks {
		ranks[i] = initial
	}

	iterations := 0
	for ; iterations < maxIterations; iterations++ {
		// Mass from sinks spreads evenly before damping.
		var sinkMass float64
		for i := 0; i < n; i++ {
			if outWeight[i] == 0 {
				sinkMass += ranks[i]
			}
		}

		base := (1-damping)/float64(n) + damping*sinkMass/float64(n)
		for i := range next {
			next[i] = base
		}
		for _, e := range g.edges {
			next[e.to] += damping * ranks[e.from] * e.weight / outWeight[e.from]
		}

		var residual float64
		for i := range ranks {
			if diff := abs(next[i] - ranks[i]); diff > residual {
				residual = diff
			}
		}
		ranks, next = next, ranks

		if residual < tolerance {
			iterations++
			break
		}
	}

	// Normalize away floating-point drift so the sum is exactly 1.
	var sum float64
	for _, r := range ranks {
		sum += r
	}
	if sum > 0 {
		for i := range ranks {
			ranks[i] /= sum
		}
	}
	return ranks, iterations
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}
