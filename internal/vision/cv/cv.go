//go:build withcv
// +build withcv

// Package cv runs the alignment primitives through OpenCV. It produces the
// same types as the native engine so the two can be swapped per run.
package cv

import (
	"image"
	"image/draw"
	"math"

	"github.com/RoaringBitmap/roaring/v2"
	"gocv.io/x/gocv"

	"lapse/internal/vision"
)

// Extract detects SIFT keypoints with OpenCV.
func Extract(img image.Image) (*vision.KeypointSet, error) {
	if img.Bounds().Empty() {
		return nil, vision.ErrEmptyImage
	}
	src, err := gocv.ImageToMatRGB(img)
	if err != nil {
		return nil, err
	}
	defer src.Close()
	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(src, &gray, gocv.ColorBGRToGray)

	sift := gocv.NewSIFT()
	defer sift.Close()
	mask := gocv.NewMat()
	defer mask.Close()
	kps, desc := sift.DetectAndCompute(gray, mask)
	defer desc.Close()

	set := &vision.KeypointSet{
		Keypoints:   make([]vision.Keypoint, len(kps)),
		Descriptors: make([][]float32, len(kps)),
	}
	for i, kp := range kps {
		set.Keypoints[i] = vision.Keypoint{
			X:        kp.X,
			Y:        kp.Y,
			Sigma:    kp.Size / 2,
			Angle:    kp.Angle * math.Pi / 180,
			Response: kp.Response,
			Octave:   kp.Octave,
		}
		row := make([]float32, desc.Cols())
		for c := range row {
			row[c] = desc.GetFloatAt(i, c)
		}
		set.Descriptors[i] = row
	}
	return set, nil
}

func descriptorMat(set *vision.KeypointSet) gocv.Mat {
	m := gocv.NewMatWithSize(set.Len(), len(set.Descriptors[0]), gocv.MatTypeCV32F)
	for r, row := range set.Descriptors {
		for c, v := range row {
			m.SetFloatAt(r, c, v)
		}
	}
	return m
}

// Match queries every reference descriptor against the moving set with
// FLANN 2-NN search and the ratio test.
func Match(ref, mov *vision.KeypointSet, ratio float64) []vision.Correspondence {
	if ref.Len() == 0 || mov.Len() < 2 {
		return nil
	}
	query := descriptorMat(ref)
	defer query.Close()
	train := descriptorMat(mov)
	defer train.Close()

	matcher := gocv.NewFlannBasedMatcher()
	defer matcher.Close()

	var out []vision.Correspondence
	for _, pair := range matcher.KnnMatch(query, train, 2) {
		if len(pair) < 2 || !(pair[0].Distance < ratio*pair[1].Distance) {
			continue
		}
		conf := 1.0
		if pair[1].Distance > 0 {
			conf = 1 - pair[0].Distance/pair[1].Distance
		}
		out = append(out, vision.Correspondence{
			RefIdx:     pair[0].QueryIdx,
			MovIdx:     pair[0].TrainIdx,
			Distance:   pair[0].Distance,
			Confidence: conf,
		})
	}
	return out
}

func pointMat(pts []vision.Point) gocv.Mat {
	m := gocv.NewMatWithSize(len(pts), 2, gocv.MatTypeCV64F)
	for i, p := range pts {
		m.SetDoubleAt(i, 0, p.X)
		m.SetDoubleAt(i, 1, p.Y)
	}
	return m
}

// Estimate fits the moving to reference homography with OpenCV RANSAC.
func Estimate(ref, mov *vision.KeypointSet, matches []vision.Correspondence, opts vision.RANSACOptions) (*vision.Homography, error) {
	if len(matches) < vision.MinCorrespondences {
		return nil, &vision.InsufficientCorrespondencesError{Have: len(matches), Need: vision.MinCorrespondences}
	}
	srcPts, dstPts := vision.Points(ref, mov, matches)
	src := pointMat(srcPts)
	defer src.Close()
	dst := pointMat(dstPts)
	defer dst.Close()
	mask := gocv.NewMat()
	defer mask.Close()

	hm := gocv.FindHomography(src, &dst, gocv.HomograpyMethodRANSAC, opts.Threshold, &mask, opts.MaxIters, opts.Confidence)
	defer hm.Close()
	if hm.Empty() {
		return nil, &vision.DegenerateHomographyError{Reason: "opencv found no homography"}
	}

	h := &vision.Homography{Inliers: roaring.New()}
	for r := 0; r < 3; r++ {
		for c := 0; c < 3; c++ {
			h.M[r*3+c] = hm.GetDoubleAt(r, c)
		}
	}
	for i := 0; i < mask.Rows(); i++ {
		if mask.GetUCharAt(i, 0) != 0 {
			h.Inliers.Add(uint32(i))
		}
	}
	return h, nil
}

// Warp resamples src into a w x h reference frame with a black border.
func Warp(src *image.RGBA, h *vision.Homography, w, hgt int) (*image.RGBA, error) {
	if w <= 0 || hgt <= 0 {
		return nil, vision.ErrEmptyImage
	}
	in, err := gocv.ImageToMatRGB(src)
	if err != nil {
		return nil, err
	}
	defer in.Close()

	hm := gocv.NewMatWithSize(3, 3, gocv.MatTypeCV64F)
	defer hm.Close()
	for i, v := range h.M {
		hm.SetDoubleAt(i/3, i%3, v)
	}
	out := gocv.NewMat()
	defer out.Close()
	gocv.WarpPerspective(in, &out, hm, image.Pt(w, hgt))

	img, err := out.ToImage()
	if err != nil {
		return nil, err
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, hgt))
	draw.Draw(dst, dst.Bounds(), img, img.Bounds().Min, draw.Src)
	return dst, nil
}
