package vision

import (
	"errors"
	"image/color"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lapse/internal/imagetest"
)

const (
	testW = 320
	testH = 240
)

func extract(t *testing.T, scene *imagetest.Scene, ox, oy int) *KeypointSet {
	t.Helper()
	set, err := NewSIFT(DefaultSIFTOptions()).Extract(scene.Render(testW, testH, ox, oy))
	require.NoError(t, err)
	return set
}

func TestSIFTFindsKeypointsOnTexture(t *testing.T) {
	set := extract(t, imagetest.NewScene(testW, testH, 7), 0, 0)
	require.Greater(t, set.Len(), 50)
	require.Len(t, set.Descriptors, set.Len())
	for i, kp := range set.Keypoints {
		assert.Len(t, set.Descriptors[i], DescriptorSize)
		assert.True(t, kp.X >= 0 && kp.X < testW && kp.Y >= 0 && kp.Y < testH, "keypoint %d out of bounds: %+v", i, kp)
		assert.True(t, kp.Angle >= 0 && kp.Angle < 2*math.Pi)
	}
}

func TestSIFTDeterministic(t *testing.T) {
	scene := imagetest.NewScene(testW, testH, 11)
	a := extract(t, scene, 0, 0)
	b := extract(t, scene, 0, 0)
	require.Equal(t, a.Keypoints, b.Keypoints)
	require.Equal(t, a.Descriptors, b.Descriptors)
}

func TestSIFTSolidColourHasNoKeypoints(t *testing.T) {
	set, err := NewSIFT(DefaultSIFTOptions()).Extract(imagetest.Solid(testW, testH, color.RGBA{90, 90, 90, 255}))
	require.NoError(t, err)
	require.Zero(t, set.Len())
}

func TestSIFTMaxFeatures(t *testing.T) {
	img := imagetest.NewScene(testW, testH, 3).Render(testW, testH, 0, 0)
	all, err := NewSIFT(DefaultSIFTOptions()).Extract(img)
	require.NoError(t, err)
	require.Greater(t, all.Len(), 20)

	opts := DefaultSIFTOptions()
	opts.MaxFeatures = 20
	top, err := NewSIFT(opts).Extract(img)
	require.NoError(t, err)
	require.Equal(t, 20, top.Len())
}

func TestMatcherIdentity(t *testing.T) {
	set := extract(t, imagetest.NewScene(testW, testH, 5), 0, 0)
	matches := NewMatcher(DefaultMatcherOptions()).Match(set, set)
	require.NotEmpty(t, matches)

	same := 0
	for _, m := range matches {
		if m.RefIdx == m.MovIdx {
			same++
			assert.Zero(t, m.Distance)
			assert.Equal(t, 1.0, m.Confidence)
		}
	}
	assert.GreaterOrEqual(t, float64(same), 0.9*float64(len(matches)))
}

func TestMatcherRatioMonotonic(t *testing.T) {
	scene := imagetest.NewScene(testW, testH, 9)
	ref := extract(t, scene, 0, 0)
	mov := extract(t, scene, 6, 4)

	for _, exact := range []bool{false, true} {
		prev := -1
		for _, ratio := range []float64{0.4, 0.5, 0.6, 0.7, 0.8, 0.9} {
			opts := DefaultMatcherOptions()
			opts.Ratio = ratio
			opts.Exact = exact
			n := len(NewMatcher(opts).Match(ref, mov))
			assert.GreaterOrEqual(t, n, prev, "ratio %.1f exact=%v", ratio, exact)
			prev = n
		}
	}
}

func TestMatcherDeterministic(t *testing.T) {
	scene := imagetest.NewScene(testW, testH, 13)
	ref := extract(t, scene, 0, 0)
	mov := extract(t, scene, 10, 0)
	m := NewMatcher(DefaultMatcherOptions())
	require.Equal(t, m.Match(ref, mov), m.Match(ref, mov))
}

func TestMatcherNeedsTwoCandidates(t *testing.T) {
	set := extract(t, imagetest.NewScene(testW, testH, 5), 0, 0)
	one := &KeypointSet{Keypoints: set.Keypoints[:1], Descriptors: set.Descriptors[:1]}
	require.Empty(t, NewMatcher(DefaultMatcherOptions()).Match(set, one))
	require.Empty(t, NewMatcher(DefaultMatcherOptions()).Match(&KeypointSet{}, set))
}

func TestMatcherFollowsReferenceOrder(t *testing.T) {
	scene := imagetest.NewScene(testW, testH, 17)
	ref := extract(t, scene, 0, 0)
	mov := extract(t, scene, 4, 8)
	matches := NewMatcher(DefaultMatcherOptions()).Match(ref, mov)
	require.NotEmpty(t, matches)
	for i := 1; i < len(matches); i++ {
		assert.Less(t, matches[i-1].RefIdx, matches[i].RefIdx)
	}
}

func TestEstimateRecoversTranslation(t *testing.T) {
	scene := imagetest.NewScene(testW, testH, 21)
	ref := extract(t, scene, 0, 0)
	mov := extract(t, scene, 10, 0)

	matches := NewMatcher(DefaultMatcherOptions()).Match(ref, mov)
	require.GreaterOrEqual(t, len(matches), MinCorrespondences)

	h, err := NewEstimator(DefaultRANSACOptions()).Estimate(ref, mov, matches)
	require.NoError(t, err)
	require.NoError(t, h.Validate(testW, testH, DefaultValidateOptions()))

	// mov(x) shows ref(x+10), so mov points map 10px right.
	for _, p := range []Point{{40, 40}, {160, 120}, {280, 200}} {
		q := h.Apply(p)
		assert.InDelta(t, p.X+10, q.X, 1.0)
		assert.InDelta(t, p.Y, q.Y, 1.0)
	}
}

func TestEstimateDeterministic(t *testing.T) {
	scene := imagetest.NewScene(testW, testH, 23)
	ref := extract(t, scene, 0, 0)
	mov := extract(t, scene, 7, -5)
	matches := NewMatcher(DefaultMatcherOptions()).Match(ref, mov)
	require.GreaterOrEqual(t, len(matches), MinCorrespondences)

	est := NewEstimator(DefaultRANSACOptions())
	h1, err := est.Estimate(ref, mov, matches)
	require.NoError(t, err)
	h2, err := est.Estimate(ref, mov, matches)
	require.NoError(t, err)
	require.Equal(t, h1.M, h2.M)
	require.Equal(t, h1.Inliers.ToArray(), h2.Inliers.ToArray())
}

func TestEstimatePointsWithOutliers(t *testing.T) {
	truth := NewHomography([9]float64{1.02, 0.01, 5, -0.015, 0.99, -3, 1e-5, -2e-5, 1})
	var src, dst []Point
	for i := 0; i < 60; i++ {
		p := Point{X: float64((i * 37) % 300), Y: float64((i * 53) % 220)}
		src = append(src, p)
		dst = append(dst, truth.Apply(p))
	}
	for i := 0; i < 20; i++ {
		src = append(src, Point{X: float64(i * 13), Y: float64(i * 7)})
		dst = append(dst, Point{X: float64(300 - i*11), Y: float64(i * 17)})
	}

	h, err := NewEstimator(DefaultRANSACOptions()).EstimatePoints(src, dst)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, h.NumInliers(), 60)
	for i := 0; i < 60; i++ {
		assert.True(t, h.Inliers.Contains(uint32(i)))
	}
	for i, v := range h.M {
		assert.InDelta(t, truth.M[i], v, 1e-3*math.Max(1, math.Abs(truth.M[i])))
	}
}

func TestEstimateNeedsFourPoints(t *testing.T) {
	src := []Point{{0, 0}, {10, 0}, {0, 10}}
	_, err := NewEstimator(DefaultRANSACOptions()).EstimatePoints(src, src)
	var insufficient *InsufficientCorrespondencesError
	require.True(t, errors.As(err, &insufficient))
	assert.Equal(t, 3, insufficient.Have)
}

func TestEstimateCollinearIsDegenerate(t *testing.T) {
	var pts []Point
	for i := 0; i < 10; i++ {
		pts = append(pts, Point{X: float64(i), Y: float64(2 * i)})
	}
	_, err := NewEstimator(DefaultRANSACOptions()).EstimatePoints(pts, pts)
	var degenerate *DegenerateHomographyError
	require.True(t, errors.As(err, &degenerate))
}

func TestValidate(t *testing.T) {
	opts := DefaultValidateOptions()
	cases := []struct {
		name string
		h    *Homography
		ok   bool
	}{
		{"identity", Identity(), true},
		{"translation", Translation(10, -4), true},
		{"scale up", NewHomography([9]float64{3, 0, 0, 0, 3, 0, 0, 0, 1}), false},
		{"mirror", NewHomography([9]float64{-1, 0, 100, 0, 1, 0, 0, 0, 1}), false},
		{"stretched", NewHomography([9]float64{1.8, 0, 0, 0, 0.15, 0, 0, 0, 1}), false},
		{"zero scale", NewHomography([9]float64{1, 0, 0, 0, 1, 0, 0, 0, 0}), false},
		{"nan", NewHomography([9]float64{math.NaN(), 0, 0, 0, 1, 0, 0, 0, 1}), false},
		{"horizon", NewHomography([9]float64{1, 0, 0, 0, 1, 0, -0.01, 0, 1}), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.h.Validate(testW, testH, opts)
			if tc.ok {
				assert.NoError(t, err)
				return
			}
			var degenerate *DegenerateHomographyError
			assert.True(t, errors.As(err, &degenerate), "got %v", err)
		})
	}
}

func TestHomographyInverse(t *testing.T) {
	h := NewHomography([9]float64{1.1, 0.05, 12, -0.02, 0.95, -7, 1e-4, 2e-4, 1})
	inv, err := h.Inverse()
	require.NoError(t, err)
	p := Point{X: 123, Y: 45}
	back := inv.Apply(h.Apply(p))
	assert.InDelta(t, p.X, back.X, 1e-9)
	assert.InDelta(t, p.Y, back.Y, 1e-9)
}

func TestWarpIdentity(t *testing.T) {
	src := imagetest.NewScene(testW, testH, 1).Render(testW, testH, 0, 0)
	out, err := NewWarper().Warp(src, Identity(), testW, testH)
	require.NoError(t, err)
	require.Equal(t, src.Pix, out.Pix)
}

func TestWarpDeterministic(t *testing.T) {
	src := imagetest.NewScene(testW, testH, 3).Render(testW, testH, 0, 0)
	h := NewHomography([9]float64{0.98, 0.05, 3.3, -0.04, 1.01, -2.7, 1e-5, 0, 1})
	w := NewWarper()
	out1, err := w.Warp(src, h, testW, testH)
	require.NoError(t, err)
	out2, err := w.Warp(src, h, testW, testH)
	require.NoError(t, err)
	require.Equal(t, out1.Pix, out2.Pix)
}

func TestWarpTranslationFillsBackground(t *testing.T) {
	scene := imagetest.NewScene(testW, testH, 2)
	src := scene.Render(testW, testH, 0, 0)
	out, err := NewWarper().Warp(src, Translation(10, 0), 200, 100)
	require.NoError(t, err)
	require.Equal(t, 200, out.Bounds().Dx())
	require.Equal(t, 100, out.Bounds().Dy())

	for y := 0; y < 100; y++ {
		for x := 0; x < 10; x++ {
			assert.Equal(t, color.RGBA{0, 0, 0, 255}, out.RGBAAt(x, y))
		}
		for x := 10; x < 200; x += 17 {
			assert.Equal(t, src.RGBAAt(x-10, y), out.RGBAAt(x, y))
		}
	}
}

func TestAlignShiftedViewMatchesReference(t *testing.T) {
	scene := imagetest.NewScene(testW, testH, 33)
	refImg := scene.Render(testW, testH, 0, 0)
	movImg := scene.Render(testW, testH, 10, 0)

	sift := NewSIFT(DefaultSIFTOptions())
	ref, err := sift.Extract(refImg)
	require.NoError(t, err)
	mov, err := sift.Extract(movImg)
	require.NoError(t, err)

	h, err := NewEstimator(DefaultRANSACOptions()).Estimate(ref, mov, NewMatcher(DefaultMatcherOptions()).Match(ref, mov))
	require.NoError(t, err)
	h.M = [9]float64{1, 0, math.Round(h.M[2]), 0, 1, math.Round(h.M[5]), 0, 0, 1}
	require.Equal(t, Translation(10, 0).M, h.M)

	out, err := NewWarper().Warp(movImg, h, testW, testH)
	require.NoError(t, err)
	for y := 0; y < testH; y += 7 {
		for x := 20; x < testW; x += 7 {
			require.Equal(t, refImg.RGBAAt(x, y), out.RGBAAt(x, y))
		}
	}
}

func TestAlignReferenceToItselfIsIdentity(t *testing.T) {
	img := imagetest.NewScene(testW, testH, 8).Render(testW, testH, 0, 0)
	set, err := NewSIFT(DefaultSIFTOptions()).Extract(img)
	require.NoError(t, err)

	h, err := NewEstimator(DefaultRANSACOptions()).Estimate(set, set, NewMatcher(DefaultMatcherOptions()).Match(set, set))
	require.NoError(t, err)
	for i, v := range h.M {
		assert.InDelta(t, Identity().M[i], v, 1e-6, "entry %d", i)
	}

	out, err := NewWarper().Warp(img, h, testW, testH)
	require.NoError(t, err)
	require.Equal(t, img.Pix, out.Pix)
}
