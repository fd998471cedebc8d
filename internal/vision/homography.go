package vision

import (
	"fmt"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"gonum.org/v1/gonum/mat"
)

// Homography is a 3x3 projective transform in row-major order mapping moving
// image coordinates onto the reference frame.
type Homography struct {
	M       [9]float64
	Inliers *roaring.Bitmap // correspondence indices consistent with M, may be nil
}

// Identity returns the identity transform.
func Identity() *Homography {
	return &Homography{M: [9]float64{1, 0, 0, 0, 1, 0, 0, 0, 1}}
}

// Translation returns a pure shift by (tx, ty).
func Translation(tx, ty float64) *Homography {
	return &Homography{M: [9]float64{1, 0, tx, 0, 1, ty, 0, 0, 1}}
}

// NewHomography wraps a matrix.
func NewHomography(m [9]float64) *Homography {
	return &Homography{M: m}
}

// Apply maps p through the transform.
func (h *Homography) Apply(p Point) Point {
	m := &h.M
	w := m[6]*p.X + m[7]*p.Y + m[8]
	return Point{
		X: (m[0]*p.X + m[1]*p.Y + m[2]) / w,
		Y: (m[3]*p.X + m[4]*p.Y + m[5]) / w,
	}
}

// Det returns the determinant of the full matrix.
func (h *Homography) Det() float64 {
	return mat.Det(mat.NewDense(3, 3, h.M[:]))
}

// Inverse returns the inverse transform normalized so that M[8] is 1.
func (h *Homography) Inverse() (*Homography, error) {
	var inv mat.Dense
	if err := inv.Inverse(mat.NewDense(3, 3, h.M[:])); err != nil {
		return nil, &DegenerateHomographyError{Reason: "matrix is not invertible"}
	}
	out := &Homography{}
	copy(out.M[:], inv.RawMatrix().Data)
	return out.Normalized(), nil
}

// Normalized scales the matrix so that M[8] is 1. A matrix with M[8] near
// zero is returned unchanged.
func (h *Homography) Normalized() *Homography {
	out := &Homography{M: h.M, Inliers: h.Inliers}
	if math.Abs(h.M[8]) < 1e-12 {
		return out
	}
	for i := range out.M {
		out.M[i] /= h.M[8]
	}
	return out
}

// NumInliers returns the size of the inlier set.
func (h *Homography) NumInliers() int {
	if h.Inliers == nil {
		return 0
	}
	return int(h.Inliers.GetCardinality())
}

func (h *Homography) String() string {
	m := h.M
	return fmt.Sprintf("[%.6g %.6g %.6g; %.6g %.6g %.6g; %.6g %.6g %.6g]",
		m[0], m[1], m[2], m[3], m[4], m[5], m[6], m[7], m[8])
}

// ValidateOptions bounds what counts as a usable alignment.
type ValidateOptions struct {
	MaxScale   float64 // bound on the affine part's area change, and its inverse
	MaxCond    float64 // condition number bound of the affine part
	MinInliers int
}

// DefaultValidateOptions returns the bounds used by the aligner.
func DefaultValidateOptions() ValidateOptions {
	return ValidateOptions{MaxScale: 4, MaxCond: 10, MinInliers: MinCorrespondences}
}

// Validate rejects transforms that would fold, flip or collapse a w x h image.
func (h *Homography) Validate(w, h2 int, opts ValidateOptions) error {
	for _, v := range h.M {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return &DegenerateHomographyError{Reason: "non-finite coefficient"}
		}
	}
	if math.Abs(h.M[8]) < 1e-12 {
		return &DegenerateHomographyError{Reason: "projective scale is zero"}
	}
	n := h.Normalized()
	if math.Abs(n.Det()) < 1e-9 {
		return &DegenerateHomographyError{Reason: "singular matrix"}
	}

	m := n.M
	det2 := m[0]*m[4] - m[1]*m[3]
	if opts.MaxScale > 0 && (det2 < 1/opts.MaxScale || det2 > opts.MaxScale) {
		return &DegenerateHomographyError{Reason: fmt.Sprintf("area scale %.4g out of range", det2)}
	}
	if opts.MaxCond > 0 {
		if c := mat.Cond(mat.NewDense(2, 2, []float64{m[0], m[1], m[3], m[4]}), 2); c > opts.MaxCond {
			return &DegenerateHomographyError{Reason: fmt.Sprintf("condition number %.4g too large", c)}
		}
	}
	for _, p := range [4]Point{{0, 0}, {float64(w), 0}, {float64(w), float64(h2)}, {0, float64(h2)}} {
		if m[6]*p.X+m[7]*p.Y+m[8] <= 0 {
			return &DegenerateHomographyError{Reason: "image corner maps behind the camera"}
		}
	}
	if opts.MinInliers > 0 && h.Inliers != nil && h.NumInliers() < opts.MinInliers {
		return &DegenerateHomographyError{Reason: fmt.Sprintf("only %d inliers", h.NumInliers())}
	}
	return nil
}

// normalization returns the similarity that moves the centroid of pts to the
// origin with mean distance sqrt(2).
func normalization(pts []Point) [9]float64 {
	var cx, cy float64
	for _, p := range pts {
		cx += p.X
		cy += p.Y
	}
	n := float64(len(pts))
	cx /= n
	cy /= n
	var mean float64
	for _, p := range pts {
		mean += math.Hypot(p.X-cx, p.Y-cy)
	}
	mean /= n
	s := 1.0
	if mean > 1e-12 {
		s = math.Sqrt2 / mean
	}
	return [9]float64{s, 0, -s * cx, 0, s, -s * cy, 0, 0, 1}
}

func applyNorm(t [9]float64, p Point) Point {
	return Point{X: t[0]*p.X + t[2], Y: t[4]*p.Y + t[5]}
}

// fitHomography solves the normalized direct linear transform mapping src
// onto dst. It needs at least four pairs.
func fitHomography(src, dst []Point) (*Homography, bool) {
	n := len(src)
	if n < MinCorrespondences || n != len(dst) {
		return nil, false
	}
	ts, td := normalization(src), normalization(dst)

	rows := 2 * n
	if rows < 9 {
		rows = 9 // SVDFull needs a square or tall matrix to expose the null space
	}
	a := mat.NewDense(rows, 9, nil)
	for i := 0; i < n; i++ {
		s := applyNorm(ts, src[i])
		d := applyNorm(td, dst[i])
		x, y, u, v := s.X, s.Y, d.X, d.Y
		a.SetRow(2*i, []float64{0, 0, 0, -x, -y, -1, v * x, v * y, v})
		a.SetRow(2*i+1, []float64{x, y, 1, 0, 0, 0, -u * x, -u * y, -u})
	}

	var svd mat.SVD
	if !svd.Factorize(a, mat.SVDFull) {
		return nil, false
	}
	var vt mat.Dense
	svd.VTo(&vt)
	var hn [9]float64
	for i := 0; i < 9; i++ {
		hn[i] = vt.At(i, 8)
	}

	var tdInv mat.Dense
	if err := tdInv.Inverse(mat.NewDense(3, 3, td[:])); err != nil {
		return nil, false
	}
	var tmp, full mat.Dense
	tmp.Mul(&tdInv, mat.NewDense(3, 3, hn[:]))
	full.Mul(&tmp, mat.NewDense(3, 3, ts[:]))

	h := &Homography{}
	copy(h.M[:], full.RawMatrix().Data)
	if math.Abs(h.M[8]) < 1e-12 {
		return nil, false
	}
	return h.Normalized(), true
}
