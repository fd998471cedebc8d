package vision

import (
	"image"
	"math"
	"sort"

	"gonum.org/v1/gonum/mat"
)

const (
	siftImgBorder      = 5
	siftMaxInterpSteps = 5
	siftInitSigma      = 0.5
	siftOriHistBins    = 36
	siftOriSigFactor   = 1.5
	siftOriRadius      = 3 * siftOriSigFactor
	siftOriPeakRatio   = 0.8
	siftDescrWidth     = 4
	siftDescrHistBins  = 8
	siftDescrSclFactor = 3.0
	siftDescrMagThr    = 0.2

	// DescriptorSize is the length of a SIFT descriptor.
	DescriptorSize = siftDescrWidth * siftDescrWidth * siftDescrHistBins
)

// SIFTOptions tunes the detector.
type SIFTOptions struct {
	Layers            int     // scale samples per octave
	Sigma             float64 // blur of the first octave layer
	ContrastThreshold float64
	EdgeThreshold     float64
	MaxOctaves        int  // 0 for as many as the image allows
	MaxFeatures       int  // 0 keeps every keypoint
	Upsample          bool // double the input before building the pyramid
}

// DefaultSIFTOptions returns Lowe's parameters.
func DefaultSIFTOptions() SIFTOptions {
	return SIFTOptions{
		Layers:            3,
		Sigma:             1.6,
		ContrastThreshold: 0.04,
		EdgeThreshold:     10,
	}
}

// SIFT extracts scale-invariant keypoints and 128 dimensional descriptors.
// It is safe for concurrent use.
type SIFT struct {
	opts SIFTOptions
}

// NewSIFT fills unset options with defaults.
func NewSIFT(opts SIFTOptions) *SIFT {
	def := DefaultSIFTOptions()
	if opts.Layers <= 0 {
		opts.Layers = def.Layers
	}
	if opts.Sigma <= 0 {
		opts.Sigma = def.Sigma
	}
	if opts.ContrastThreshold <= 0 {
		opts.ContrastThreshold = def.ContrastThreshold
	}
	if opts.EdgeThreshold <= 0 {
		opts.EdgeThreshold = def.EdgeThreshold
	}
	return &SIFT{opts: opts}
}

// Options returns the effective options.
func (s *SIFT) Options() SIFTOptions {
	return s.opts
}

// octave holds the scale space of one resolution level.
type octave struct {
	index int
	gauss []*grayImage
	dog   []*grayImage
	scale float64 // octave pixel to input pixel
}

// Extract detects keypoints in img. An image without any structure yields an
// empty set and no error.
func (s *SIFT) Extract(img image.Image) (*KeypointSet, error) {
	b := img.Bounds()
	if b.Dx() <= 0 || b.Dy() <= 0 {
		return nil, ErrEmptyImage
	}

	base := toGray(img)
	inputScale := 1.0
	assumed := siftInitSigma
	if s.opts.Upsample {
		base = double(base)
		inputScale = 0.5
		assumed *= 2
	}
	base = gaussianBlur(base, math.Sqrt(math.Max(s.opts.Sigma*s.opts.Sigma-assumed*assumed, 0.01)))

	n := octaveCount(base.w, base.h)
	if s.opts.MaxOctaves > 0 && n > s.opts.MaxOctaves {
		n = s.opts.MaxOctaves
	}
	sigmas := layerSigmas(s.opts.Sigma, s.opts.Layers)

	set := &KeypointSet{}
	for o := 0; o < n; o++ {
		oct := octave{
			index: o,
			gauss: make([]*grayImage, s.opts.Layers+3),
			dog:   make([]*grayImage, s.opts.Layers+2),
			scale: math.Ldexp(inputScale, o),
		}
		oct.gauss[0] = base
		for i := 1; i < len(oct.gauss); i++ {
			oct.gauss[i] = gaussianBlur(oct.gauss[i-1], sigmas[i])
		}
		for i := range oct.dog {
			oct.dog[i] = subtract(oct.gauss[i+1], oct.gauss[i])
		}
		s.detect(&oct, set)

		next := oct.gauss[s.opts.Layers]
		if next.w/2 <= 2*siftImgBorder || next.h/2 <= 2*siftImgBorder {
			break
		}
		base = halve(next)
	}

	if s.opts.MaxFeatures > 0 && set.Len() > s.opts.MaxFeatures {
		retainStrongest(set, s.opts.MaxFeatures)
	}
	return set, nil
}

func octaveCount(w, h int) int {
	n := int(math.Floor(math.Log2(float64(min(w, h))))) - 2
	if n < 1 {
		n = 1
	}
	return n
}

// layerSigmas returns the incremental blur between consecutive layers.
func layerSigmas(sigma float64, layers int) []float64 {
	sig := make([]float64, layers+3)
	k := math.Pow(2, 1/float64(layers))
	sig[0] = sigma
	for i := 1; i < len(sig); i++ {
		prev := math.Pow(k, float64(i-1)) * sigma
		total := prev * k
		sig[i] = math.Sqrt(total*total - prev*prev)
	}
	return sig
}

func retainStrongest(set *KeypointSet, n int) {
	idx := make([]int, set.Len())
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool {
		return set.Keypoints[idx[a]].Response > set.Keypoints[idx[b]].Response
	})
	idx = idx[:n]
	sort.Ints(idx)
	kps := make([]Keypoint, n)
	desc := make([][]float32, n)
	for i, j := range idx {
		kps[i] = set.Keypoints[j]
		desc[i] = set.Descriptors[j]
	}
	set.Keypoints = kps
	set.Descriptors = desc
}

func (s *SIFT) detect(oct *octave, set *KeypointSet) {
	layers := s.opts.Layers
	threshold := float32(0.5 * s.opts.ContrastThreshold / float64(layers))
	w, h := oct.dog[0].w, oct.dog[0].h

	for i := 1; i <= layers; i++ {
		prev, cur, next := oct.dog[i-1], oct.dog[i], oct.dog[i+1]
		for r := siftImgBorder; r < h-siftImgBorder; r++ {
			for c := siftImgBorder; c < w-siftImgBorder; c++ {
				v := cur.pix[r*w+c]
				if v <= threshold && v >= -threshold {
					continue
				}
				if !isExtremum(prev, cur, next, r, c, v) {
					continue
				}
				cand, ok := s.localize(oct, i, r, c)
				if !ok {
					continue
				}
				s.describe(oct, cand, set)
			}
		}
	}
}

func isExtremum(prev, cur, next *grayImage, r, c int, v float32) bool {
	w := cur.w
	if v > 0 {
		for dy := -1; dy <= 1; dy++ {
			off := (r+dy)*w + c
			for dx := -1; dx <= 1; dx++ {
				if prev.pix[off+dx] > v || next.pix[off+dx] > v {
					return false
				}
				if (dy != 0 || dx != 0) && cur.pix[off+dx] > v {
					return false
				}
			}
		}
		return true
	}
	for dy := -1; dy <= 1; dy++ {
		off := (r+dy)*w + c
		for dx := -1; dx <= 1; dx++ {
			if prev.pix[off+dx] < v || next.pix[off+dx] < v {
				return false
			}
			if (dy != 0 || dx != 0) && cur.pix[off+dx] < v {
				return false
			}
		}
	}
	return true
}

// candidate is a refined extremum in octave coordinates.
type candidate struct {
	layer    int
	r, c     int
	xr, xc   float64 // sub-pixel offsets
	xi       float64 // sub-layer offset
	response float64
}

// localize fits a 3D quadratic around the extremum and rejects low contrast
// and edge responses.
func (s *SIFT) localize(oct *octave, layer, r, c int) (candidate, bool) {
	layers := s.opts.Layers
	w, h := oct.dog[0].w, oct.dog[0].h

	var (
		xi, xr, xc    float64
		dD            [3]float64
		dxx, dyy, dxy float64
		converged     bool
	)
	for step := 0; step < siftMaxInterpSteps; step++ {
		img, prev, next := oct.dog[layer], oct.dog[layer-1], oct.dog[layer+1]

		dD = [3]float64{
			(img.at(c+1, r) - img.at(c-1, r)) * 0.5,
			(img.at(c, r+1) - img.at(c, r-1)) * 0.5,
			(next.at(c, r) - prev.at(c, r)) * 0.5,
		}
		v2 := img.at(c, r) * 2
		dxx = img.at(c+1, r) + img.at(c-1, r) - v2
		dyy = img.at(c, r+1) + img.at(c, r-1) - v2
		dss := next.at(c, r) + prev.at(c, r) - v2
		dxy = (img.at(c+1, r+1) - img.at(c-1, r+1) - img.at(c+1, r-1) + img.at(c-1, r-1)) * 0.25
		dxs := (next.at(c+1, r) - next.at(c-1, r) - prev.at(c+1, r) + prev.at(c-1, r)) * 0.25
		dys := (next.at(c, r+1) - next.at(c, r-1) - prev.at(c, r+1) + prev.at(c, r-1)) * 0.25

		H := mat.NewDense(3, 3, []float64{
			dxx, dxy, dxs,
			dxy, dyy, dys,
			dxs, dys, dss,
		})
		var x mat.VecDense
		if err := x.SolveVec(H, mat.NewVecDense(3, dD[:])); err != nil {
			return candidate{}, false
		}
		xc, xr, xi = -x.AtVec(0), -x.AtVec(1), -x.AtVec(2)

		if math.Abs(xi) < 0.5 && math.Abs(xr) < 0.5 && math.Abs(xc) < 0.5 {
			converged = true
			break
		}
		const limit = float64(math.MaxInt32 / 3)
		if math.Abs(xi) > limit || math.Abs(xr) > limit || math.Abs(xc) > limit {
			return candidate{}, false
		}

		c += int(math.Round(xc))
		r += int(math.Round(xr))
		layer += int(math.Round(xi))
		if layer < 1 || layer > layers ||
			c < siftImgBorder || c >= w-siftImgBorder ||
			r < siftImgBorder || r >= h-siftImgBorder {
			return candidate{}, false
		}
	}
	if !converged {
		return candidate{}, false
	}

	contrast := oct.dog[layer].at(c, r) + 0.5*(dD[0]*xc+dD[1]*xr+dD[2]*xi)
	if math.Abs(contrast)*float64(layers) < s.opts.ContrastThreshold {
		return candidate{}, false
	}

	tr := dxx + dyy
	det := dxx*dyy - dxy*dxy
	edge := s.opts.EdgeThreshold
	if det <= 0 || tr*tr*edge >= (edge+1)*(edge+1)*det {
		return candidate{}, false
	}

	return candidate{layer: layer, r: r, c: c, xr: xr, xc: xc, xi: xi, response: math.Abs(contrast)}, true
}

// describe assigns orientations and appends one keypoint per orientation peak.
func (s *SIFT) describe(oct *octave, cand candidate, set *KeypointSet) {
	layers := float64(s.opts.Layers)
	sclOctv := s.opts.Sigma * math.Pow(2, (float64(cand.layer)+cand.xi)/layers)
	img := oct.gauss[cand.layer]

	var hist [siftOriHistBins]float64
	orientationHistogram(img, cand.c, cand.r, int(math.Round(siftOriRadius*sclOctv)), siftOriSigFactor*sclOctv, &hist)

	maxv := hist[0]
	for _, v := range hist[1:] {
		maxv = math.Max(maxv, v)
	}
	thr := maxv * siftOriPeakRatio

	for j := 0; j < siftOriHistBins; j++ {
		l := (j + siftOriHistBins - 1) % siftOriHistBins
		rr := (j + 1) % siftOriHistBins
		if !(hist[j] > hist[l] && hist[j] > hist[rr] && hist[j] >= thr) {
			continue
		}
		bin := float64(j) + 0.5*(hist[l]-hist[rr])/(hist[l]-2*hist[j]+hist[rr])
		if bin < 0 {
			bin += siftOriHistBins
		} else if bin >= siftOriHistBins {
			bin -= siftOriHistBins
		}
		angle := bin * 2 * math.Pi / siftOriHistBins

		px := float64(cand.c) + cand.xc
		py := float64(cand.r) + cand.xr
		desc := descriptor(img, px, py, angle, sclOctv)
		set.Keypoints = append(set.Keypoints, Keypoint{
			X:        px * oct.scale,
			Y:        py * oct.scale,
			Sigma:    sclOctv * oct.scale,
			Angle:    angle,
			Response: cand.response,
			Octave:   oct.index,
		})
		set.Descriptors = append(set.Descriptors, desc)
	}
}

// gradient returns the central difference gradient with y pointing up.
func gradient(img *grayImage, x, y int) (dx, dy float64) {
	dx = img.at(x+1, y) - img.at(x-1, y)
	dy = img.at(x, y-1) - img.at(x, y+1)
	return dx, dy
}

func orientationHistogram(img *grayImage, cx, cy, radius int, sigma float64, out *[siftOriHistBins]float64) {
	var raw [siftOriHistBins]float64
	expScale := -1 / (2 * sigma * sigma)
	for i := -radius; i <= radius; i++ {
		y := cy + i
		if y <= 0 || y >= img.h-1 {
			continue
		}
		for j := -radius; j <= radius; j++ {
			x := cx + j
			if x <= 0 || x >= img.w-1 {
				continue
			}
			dx, dy := gradient(img, x, y)
			ori := math.Atan2(dy, dx)
			if ori < 0 {
				ori += 2 * math.Pi
			}
			bin := int(math.Round(ori * siftOriHistBins / (2 * math.Pi)))
			if bin >= siftOriHistBins {
				bin -= siftOriHistBins
			}
			raw[bin] += math.Exp(float64(i*i+j*j)*expScale) * math.Hypot(dx, dy)
		}
	}
	n := siftOriHistBins
	for i := 0; i < n; i++ {
		out[i] = (raw[(i+n-2)%n]+raw[(i+2)%n])*(1.0/16) +
			(raw[(i+n-1)%n]+raw[(i+1)%n])*(4.0/16) +
			raw[i]*(6.0/16)
	}
}

// descriptor computes the 4x4x8 gradient histogram around (px, py), rotated
// by angle and spread over hist_width = 3*scl pixels per cell.
func descriptor(img *grayImage, px, py, angle, scl float64) []float32 {
	const (
		d = siftDescrWidth
		n = siftDescrHistBins
	)
	cx, cy := int(math.Round(px)), int(math.Round(py))
	histWidth := siftDescrSclFactor * scl
	radius := int(math.Round(histWidth * math.Sqrt2 * (d + 1) * 0.5))
	radius = min(radius, int(math.Sqrt(float64(img.w*img.w+img.h*img.h))))
	cosT := math.Cos(angle) / histWidth
	sinT := math.Sin(angle) / histWidth
	binsPerRad := float64(n) / (2 * math.Pi)
	expScale := -1.0 / (d * d * 0.5)

	hist := make([]float64, (d+2)*(d+2)*(n+2))
	for i := -radius; i <= radius; i++ {
		for j := -radius; j <= radius; j++ {
			cRot := float64(j)*cosT - float64(i)*sinT
			rRot := float64(j)*sinT + float64(i)*cosT
			rbin := rRot + d/2 - 0.5
			cbin := cRot + d/2 - 0.5
			r := cy + i
			c := cx + j
			if rbin <= -1 || rbin >= d || cbin <= -1 || cbin >= d ||
				r <= 0 || r >= img.h-1 || c <= 0 || c >= img.w-1 {
				continue
			}
			dx, dy := gradient(img, c, r)
			ori := math.Atan2(dy, dx)
			if ori < 0 {
				ori += 2 * math.Pi
			}
			mag := math.Hypot(dx, dy) * math.Exp((cRot*cRot+rRot*rRot)*expScale)

			obin := (ori - angle) * binsPerRad
			r0 := int(math.Floor(rbin))
			c0 := int(math.Floor(cbin))
			o0 := int(math.Floor(obin))
			rbin -= float64(r0)
			cbin -= float64(c0)
			obin -= float64(o0)
			if o0 < 0 {
				o0 += n
			}
			if o0 >= n {
				o0 -= n
			}

			vr1 := mag * rbin
			vr0 := mag - vr1
			vrc11 := vr1 * cbin
			vrc10 := vr1 - vrc11
			vrc01 := vr0 * cbin
			vrc00 := vr0 - vrc01
			vrco111 := vrc11 * obin
			vrco110 := vrc11 - vrco111
			vrco101 := vrc10 * obin
			vrco100 := vrc10 - vrco101
			vrco011 := vrc01 * obin
			vrco010 := vrc01 - vrco011
			vrco001 := vrc00 * obin
			vrco000 := vrc00 - vrco001

			idx := ((r0+1)*(d+2)+c0+1)*(n+2) + o0
			hist[idx] += vrco000
			hist[idx+1] += vrco001
			hist[idx+(n+2)] += vrco010
			hist[idx+(n+3)] += vrco011
			hist[idx+(d+2)*(n+2)] += vrco100
			hist[idx+(d+2)*(n+2)+1] += vrco101
			hist[idx+(d+3)*(n+2)] += vrco110
			hist[idx+(d+3)*(n+2)+1] += vrco111
		}
	}

	out := make([]float64, DescriptorSize)
	for i := 0; i < d; i++ {
		for j := 0; j < d; j++ {
			idx := ((i+1)*(d+2) + (j + 1)) * (n + 2)
			hist[idx] += hist[idx+n]
			hist[idx+1] += hist[idx+n+1]
			for k := 0; k < n; k++ {
				out[(i*d+j)*n+k] = hist[idx+k]
			}
		}
	}

	var nrm2 float64
	for _, v := range out {
		nrm2 += v * v
	}
	thr := math.Sqrt(nrm2) * siftDescrMagThr
	nrm2 = 0
	for i, v := range out {
		v = math.Min(v, thr)
		out[i] = v
		nrm2 += v * v
	}
	scale := 1 / math.Max(math.Sqrt(nrm2), math.SmallestNonzeroFloat32)
	desc := make([]float32, DescriptorSize)
	for i, v := range out {
		desc[i] = float32(v * scale)
	}
	return desc
}
