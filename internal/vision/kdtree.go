package vision

import (
	"math"
	"math/rand"

	"github.com/emirpasic/gods/queues/priorityqueue"
)

const (
	kdRandDims    = 5
	kdSampleMean  = 100
	kdLeafMaxSize = 1
)

// kdNode is either a leaf holding one point index or a split on dim at val.
type kdNode struct {
	dim         int
	val         float32
	left, right *kdNode
	idx         []int
}

func (n *kdNode) leaf() bool {
	return n.left == nil && n.right == nil
}

// kdForest is a set of randomized kd-trees searched together with a shared
// best-bin-first queue.
type kdForest struct {
	data  [][]float32
	roots []*kdNode
}

func newKDForest(data [][]float32, trees int, seed int64) *kdForest {
	f := &kdForest{data: data, roots: make([]*kdNode, trees)}
	rng := rand.New(rand.NewSource(seed))
	for t := 0; t < trees; t++ {
		idx := make([]int, len(data))
		for i := range idx {
			idx[i] = i
		}
		rng.Shuffle(len(idx), func(a, b int) { idx[a], idx[b] = idx[b], idx[a] })
		f.roots[t] = f.build(idx, rng)
	}
	return f
}

func (f *kdForest) build(idx []int, rng *rand.Rand) *kdNode {
	if len(idx) <= kdLeafMaxSize {
		return &kdNode{idx: idx}
	}
	dim, val := f.chooseSplit(idx, rng)
	lo, hi := 0, len(idx)-1
	for lo <= hi {
		if f.data[idx[lo]][dim] < val {
			lo++
			continue
		}
		idx[lo], idx[hi] = idx[hi], idx[lo]
		hi--
	}
	if lo == 0 || lo == len(idx) {
		lo = len(idx) / 2
	}
	return &kdNode{
		dim:   dim,
		val:   val,
		left:  f.build(idx[:lo], rng),
		right: f.build(idx[lo:], rng),
	}
}

// chooseSplit picks one of the highest variance dimensions at random and
// splits at its mean, both estimated on a prefix sample.
func (f *kdForest) chooseSplit(idx []int, rng *rand.Rand) (int, float32) {
	sample := idx
	if len(sample) > kdSampleMean {
		sample = sample[:kdSampleMean]
	}
	dims := len(f.data[idx[0]])
	mean := make([]float64, dims)
	for _, i := range sample {
		for d, v := range f.data[i] {
			mean[d] += float64(v)
		}
	}
	for d := range mean {
		mean[d] /= float64(len(sample))
	}
	variance := make([]float64, dims)
	for _, i := range sample {
		for d, v := range f.data[i] {
			diff := float64(v) - mean[d]
			variance[d] += diff * diff
		}
	}

	top := make([]int, 0, kdRandDims)
	for d := 0; d < dims; d++ {
		if len(top) < kdRandDims || variance[d] > variance[top[len(top)-1]] {
			if len(top) == kdRandDims {
				top = top[:kdRandDims-1]
			}
			pos := len(top)
			for pos > 0 && variance[top[pos-1]] < variance[d] {
				pos--
			}
			top = append(top, 0)
			copy(top[pos+1:], top[pos:])
			top[pos] = d
		}
	}
	dim := top[rng.Intn(len(top))]
	return dim, float32(mean[dim])
}

// neighbors keeps the k closest indices found so far, sorted by distance.
type neighbors struct {
	k    int
	idx  []int
	dist []float64
}

func (n *neighbors) full() bool {
	return len(n.idx) == n.k
}

func (n *neighbors) worst() float64 {
	if !n.full() {
		return math.MaxFloat64
	}
	return n.dist[len(n.dist)-1]
}

func (n *neighbors) add(i int, d float64) {
	if n.full() && d >= n.worst() {
		return
	}
	pos := len(n.idx)
	if n.full() {
		pos--
	} else {
		n.idx = append(n.idx, 0)
		n.dist = append(n.dist, 0)
	}
	for pos > 0 && n.dist[pos-1] > d {
		n.idx[pos] = n.idx[pos-1]
		n.dist[pos] = n.dist[pos-1]
		pos--
	}
	n.idx[pos] = i
	n.dist[pos] = d
}

type branch struct {
	node *kdNode
	dist float64
}

func byBranchDist(a, b interface{}) int {
	da, db := a.(branch).dist, b.(branch).dist
	switch {
	case da < db:
		return -1
	case da > db:
		return 1
	}
	return 0
}

// searcher holds per-query scratch state. It is not shared between goroutines.
type searcher struct {
	f       *kdForest
	checks  int
	visited []uint32
	stamp   uint32
}

func (f *kdForest) newSearcher(checks int) *searcher {
	return &searcher{f: f, checks: checks, visited: make([]uint32, len(f.data))}
}

// knn returns the k approximate nearest neighbours of q as squared distances.
func (s *searcher) knn(q []float32, k int) neighbors {
	s.stamp++
	if s.stamp == 0 {
		clear(s.visited)
		s.stamp = 1
	}
	res := neighbors{k: k}
	heap := priorityqueue.NewWith(byBranchDist)
	checks := 0
	for _, root := range s.f.roots {
		s.descend(root, q, 0, &res, heap, &checks)
	}
	for !heap.Empty() && (checks < s.checks || !res.full()) {
		v, _ := heap.Dequeue()
		b := v.(branch)
		s.descend(b.node, q, b.dist, &res, heap, &checks)
	}
	return res
}

func (s *searcher) descend(node *kdNode, q []float32, mindist float64, res *neighbors, heap *priorityqueue.Queue, checks *int) {
	if mindist > res.worst() {
		return
	}
	for !node.leaf() {
		diff := float64(q[node.dim] - node.val)
		best, other := node.left, node.right
		if diff >= 0 {
			best, other = node.right, node.left
		}
		newDist := mindist + diff*diff
		if newDist < res.worst() || !res.full() {
			heap.Enqueue(branch{node: other, dist: newDist})
		}
		node = best
	}
	for _, i := range node.idx {
		if s.visited[i] == s.stamp {
			continue
		}
		s.visited[i] = s.stamp
		*checks++
		res.add(i, sqDist(q, s.f.data[i], res.worst()))
	}
}

// sqDist stops accumulating once the partial sum exceeds limit.
func sqDist(a, b []float32, limit float64) float64 {
	var sum float64
	for i := 0; i < len(a); i += 4 {
		end := min(i+4, len(a))
		for j := i; j < end; j++ {
			d := float64(a[j] - b[j])
			sum += d * d
		}
		if sum > limit {
			return sum
		}
	}
	return sum
}
