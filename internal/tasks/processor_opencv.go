//go:build withcv
// +build withcv

package tasks

import (
	"image"

	"lapse/internal/config"
	"lapse/internal/vision"
	"lapse/internal/vision/cv"
)

func init() {
	extraProcessors = append(extraProcessors, func(cfg *config.AlignmentConfig) AlignmentProcessor {
		return &OpenCVProcessor{
			ratio:  MatcherOptions(cfg).Ratio,
			ransac: RANSACOptions(cfg),
		}
	})
}

// OpenCVProcessor delegates the alignment primitives to OpenCV via gocv.
type OpenCVProcessor struct {
	ratio  float64
	ransac vision.RANSACOptions
}

func (p *OpenCVProcessor) Name() string      { return "opencv" }
func (p *OpenCVProcessor) IsAvailable() bool { return true }

func (p *OpenCVProcessor) Extract(img image.Image) (*vision.KeypointSet, error) {
	return cv.Extract(img)
}

func (p *OpenCVProcessor) Match(ref, mov *vision.KeypointSet) []vision.Correspondence {
	return cv.Match(ref, mov, p.ratio)
}

func (p *OpenCVProcessor) Estimate(ref, mov *vision.KeypointSet, matches []vision.Correspondence) (*vision.Homography, error) {
	return cv.Estimate(ref, mov, matches, p.ransac)
}

func (p *OpenCVProcessor) Warp(img *image.RGBA, h *vision.Homography, w, hgt int) (*image.RGBA, error) {
	return cv.Warp(img, h, w, hgt)
}
