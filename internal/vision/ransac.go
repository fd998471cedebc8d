package vision

import (
	"math"
	"math/rand"
	"slices"

	"github.com/RoaringBitmap/roaring/v2"
)

// RANSACOptions tunes robust homography estimation.
type RANSACOptions struct {
	Threshold  float64 // reprojection error in pixels for an inlier
	MaxIters   int
	Confidence float64
	Seed       int64
	Validate   ValidateOptions
}

// DefaultRANSACOptions mirrors the usual findHomography settings.
func DefaultRANSACOptions() RANSACOptions {
	return RANSACOptions{
		Threshold:  3,
		MaxIters:   2000,
		Confidence: 0.995,
		Seed:       1,
		Validate:   DefaultValidateOptions(),
	}
}

// Estimator fits homographies to noisy correspondences.
type Estimator struct {
	opts RANSACOptions
}

// NewEstimator fills unset options with defaults.
func NewEstimator(opts RANSACOptions) *Estimator {
	def := DefaultRANSACOptions()
	if opts.Threshold <= 0 {
		opts.Threshold = def.Threshold
	}
	if opts.MaxIters <= 0 {
		opts.MaxIters = def.MaxIters
	}
	if opts.Confidence <= 0 || opts.Confidence >= 1 {
		opts.Confidence = def.Confidence
	}
	if opts.Validate == (ValidateOptions{}) {
		opts.Validate = def.Validate
	}
	return &Estimator{opts: opts}
}

// Options returns the effective options.
func (e *Estimator) Options() RANSACOptions {
	return e.opts
}

// Estimate fits the transform taking mov keypoints onto ref keypoints.
func (e *Estimator) Estimate(ref, mov *KeypointSet, matches []Correspondence) (*Homography, error) {
	src, dst := Points(ref, mov, matches)
	return e.EstimatePoints(src, dst)
}

// EstimatePoints fits the transform taking src onto dst. Inlier indices refer
// to positions in src.
func (e *Estimator) EstimatePoints(src, dst []Point) (*Homography, error) {
	n := len(src)
	if n < MinCorrespondences || len(dst) != n {
		return nil, &InsufficientCorrespondencesError{Have: min(n, len(dst)), Need: MinCorrespondences}
	}

	rng := rand.New(rand.NewSource(e.opts.Seed))
	thr2 := e.opts.Threshold * e.opts.Threshold

	var (
		best      *Homography
		bestMask  []bool
		bestCount int
	)
	mask := make([]bool, n)
	sample := make([]int, MinCorrespondences)
	ss := make([]Point, MinCorrespondences)
	sd := make([]Point, MinCorrespondences)

	iters := e.opts.MaxIters
	for it := 0; it < iters; it++ {
		if !drawSample(rng, n, src, dst, sample) {
			continue
		}
		for i, j := range sample {
			ss[i], sd[i] = src[j], dst[j]
		}
		h, ok := fitHomography(ss, sd)
		if !ok {
			continue
		}
		count := countInliers(h, src, dst, thr2, mask)
		if count > bestCount {
			best, bestCount = h, count
			bestMask = append(bestMask[:0], mask...)
			iters = min(iters, updateIters(e.opts.Confidence, float64(n-count)/float64(n), e.opts.MaxIters))
		}
	}
	if best == nil {
		return nil, &DegenerateHomographyError{Reason: "no non-degenerate minimal sample"}
	}

	if bestCount >= MinCorrespondences {
		var is, id []Point
		for i, in := range bestMask {
			if in {
				is = append(is, src[i])
				id = append(id, dst[i])
			}
		}
		if refined, ok := fitHomography(is, id); ok {
			if c := countInliers(refined, src, dst, thr2, mask); c >= bestCount {
				best, bestCount = refined, c
				bestMask = append(bestMask[:0], mask...)
			}
		}
	}

	inliers := roaring.New()
	for i, in := range bestMask {
		if in {
			inliers.Add(uint32(i))
		}
	}
	best.Inliers = inliers
	return best, nil
}

func countInliers(h *Homography, src, dst []Point, thr2 float64, mask []bool) int {
	count := 0
	for i := range src {
		p := h.Apply(src[i])
		dx, dy := p.X-dst[i].X, p.Y-dst[i].Y
		in := dx*dx+dy*dy <= thr2
		mask[i] = in
		if in {
			count++
		}
	}
	return count
}

// drawSample picks distinct indices whose points are not collinear in either
// image.
func drawSample(rng *rand.Rand, n int, src, dst []Point, out []int) bool {
	const attempts = 100
	for a := 0; a < attempts; a++ {
		for i := 0; i < len(out); {
			j := rng.Intn(n)
			if !slices.Contains(out[:i], j) {
				out[i] = j
				i++
			}
		}
		if !collinear(src, out) && !collinear(dst, out) {
			return true
		}
	}
	return false
}

func collinear(pts []Point, idx []int) bool {
	for i := 0; i < len(idx); i++ {
		for j := i + 1; j < len(idx); j++ {
			for k := j + 1; k < len(idx); k++ {
				a, b, c := pts[idx[i]], pts[idx[j]], pts[idx[k]]
				abx, aby := b.X-a.X, b.Y-a.Y
				acx, acy := c.X-a.X, c.Y-a.Y
				cross := math.Abs(abx*acy - aby*acx)
				if cross <= 1e-6*(math.Hypot(abx, aby)*math.Hypot(acx, acy)+1e-12) {
					return true
				}
			}
		}
	}
	return false
}

// updateIters returns how many samples are needed to draw one outlier free
// sample with the given confidence.
func updateIters(conf, outlierRatio float64, maxIters int) int {
	num := math.Max(1-conf, math.SmallestNonzeroFloat64)
	den := 1 - math.Pow(1-outlierRatio, MinCorrespondences)
	if den < math.SmallestNonzeroFloat64 {
		return 0
	}
	num = math.Log(num)
	den = math.Log(den)
	if den >= 0 || -num >= float64(maxIters)*(-den) {
		return maxIters
	}
	return int(math.Round(num / den))
}
