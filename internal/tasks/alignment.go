package tasks

import (
	"image"

	"lapse/internal/vision"
)

// AlignmentProcessor is one implementation of the alignment primitives. The
// pipeline drives the four steps itself so engines can be swapped per run.
type AlignmentProcessor interface {
	Name() string
	IsAvailable() bool
	// Extract detects keypoints and descriptors. The set is not modified
	// afterwards and may be shared between goroutines.
	Extract(img image.Image) (*vision.KeypointSet, error)
	// Match pairs reference keypoints with keypoints of the moving image.
	Match(ref, mov *vision.KeypointSet) []vision.Correspondence
	// Estimate fits the homography taking the moving image onto the reference.
	Estimate(ref, mov *vision.KeypointSet, matches []vision.Correspondence) (*vision.Homography, error)
	// Warp resamples img through h onto a w x hgt canvas.
	Warp(img *image.RGBA, h *vision.Homography, w, hgt int) (*image.RGBA, error)
}

// FrameReport records how a single image went through the pipeline.
type FrameReport struct {
	Name            string
	Reference       bool
	Keypoints       int
	Correspondences int
	Inliers         int
	Homography      *vision.Homography
	Output          string
	Err             error
	Elapsed         float64 // seconds
}
