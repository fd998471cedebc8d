package vision

import (
	"math"
	"runtime"
	"sync"
)

// MatcherOptions tunes descriptor matching.
type MatcherOptions struct {
	Ratio  float64 // Lowe ratio, a match is kept when best < Ratio*second
	Trees  int     // randomized kd-trees
	Checks int     // leaves visited per query
	Seed   int64
	Exact  bool // brute force search instead of the kd forest
}

// DefaultMatcherOptions returns ratio 0.7 with a five tree forest.
func DefaultMatcherOptions() MatcherOptions {
	return MatcherOptions{Ratio: 0.7, Trees: 5, Checks: 50, Seed: 1}
}

// Matcher pairs descriptors by approximate 2-nearest-neighbour search.
type Matcher struct {
	opts MatcherOptions
}

// NewMatcher fills unset options with defaults.
func NewMatcher(opts MatcherOptions) *Matcher {
	def := DefaultMatcherOptions()
	if opts.Ratio <= 0 {
		opts.Ratio = def.Ratio
	}
	if opts.Trees <= 0 {
		opts.Trees = def.Trees
	}
	if opts.Checks <= 0 {
		opts.Checks = def.Checks
	}
	return &Matcher{opts: opts}
}

// Options returns the effective options.
func (m *Matcher) Options() MatcherOptions {
	return m.opts
}

// Match finds, for each descriptor of a, its two nearest neighbours in b and
// keeps the best one when it passes the ratio test. a is the reference set and
// b the moving set. The result follows the order of a and is the same for the
// same inputs and seed.
func (m *Matcher) Match(a, b *KeypointSet) []Correspondence {
	if a.Len() == 0 || b.Len() < 2 {
		return nil
	}

	found := make([]Correspondence, a.Len())
	ok := make([]bool, a.Len())

	var forest *kdForest
	if !m.opts.Exact {
		forest = newKDForest(b.Descriptors, m.opts.Trees, m.opts.Seed)
	}

	workers := runtime.GOMAXPROCS(0)
	chunk := (a.Len() + workers - 1) / workers
	var wg sync.WaitGroup
	for start := 0; start < a.Len(); start += chunk {
		end := min(start+chunk, a.Len())
		wg.Add(1)
		go func() {
			defer wg.Done()
			var s *searcher
			if forest != nil {
				s = forest.newSearcher(m.opts.Checks)
			}
			for i := start; i < end; i++ {
				var nn neighbors
				if s != nil {
					nn = s.knn(a.Descriptors[i], 2)
				} else {
					nn = bruteKNN(b.Descriptors, a.Descriptors[i], 2)
				}
				if len(nn.idx) < 2 {
					continue
				}
				d1, d2 := math.Sqrt(nn.dist[0]), math.Sqrt(nn.dist[1])
				if !(d1 < m.opts.Ratio*d2) {
					continue
				}
				conf := 1.0
				if d2 > 0 {
					conf = 1 - d1/d2
				}
				found[i] = Correspondence{RefIdx: i, MovIdx: nn.idx[0], Distance: d1, Confidence: conf}
				ok[i] = true
			}
		}()
	}
	wg.Wait()

	var out []Correspondence
	for i, c := range found {
		if ok[i] {
			out = append(out, c)
		}
	}
	return out
}

func bruteKNN(data [][]float32, q []float32, k int) neighbors {
	res := neighbors{k: k}
	for i, d := range data {
		res.add(i, sqDist(q, d, res.worst()))
	}
	return res
}
