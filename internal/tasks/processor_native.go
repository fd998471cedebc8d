package tasks

import (
	"image"

	"lapse/internal/config"
	"lapse/internal/vision"
)

// NativeProcessor runs the pure Go engine.
type NativeProcessor struct {
	sift      *vision.SIFT
	matcher   *vision.Matcher
	estimator *vision.Estimator
	warper    *vision.Warper
}

// NewNativeProcessor builds the engine from the alignment config. A nil config
// yields the defaults.
func NewNativeProcessor(cfg *config.AlignmentConfig) *NativeProcessor {
	return &NativeProcessor{
		sift:      vision.NewSIFT(SIFTOptions(cfg)),
		matcher:   vision.NewMatcher(MatcherOptions(cfg)),
		estimator: vision.NewEstimator(RANSACOptions(cfg)),
		warper:    vision.NewWarper(),
	}
}

func (p *NativeProcessor) Name() string      { return "native" }
func (p *NativeProcessor) IsAvailable() bool { return true }

func (p *NativeProcessor) Extract(img image.Image) (*vision.KeypointSet, error) {
	return p.sift.Extract(img)
}

func (p *NativeProcessor) Match(ref, mov *vision.KeypointSet) []vision.Correspondence {
	return p.matcher.Match(ref, mov)
}

func (p *NativeProcessor) Estimate(ref, mov *vision.KeypointSet, matches []vision.Correspondence) (*vision.Homography, error) {
	return p.estimator.Estimate(ref, mov, matches)
}

func (p *NativeProcessor) Warp(img *image.RGBA, h *vision.Homography, w, hgt int) (*image.RGBA, error) {
	return p.warper.Warp(img, h, w, hgt)
}

// SIFTOptions maps the config section onto extractor options.
func SIFTOptions(cfg *config.AlignmentConfig) vision.SIFTOptions {
	opts := vision.DefaultSIFTOptions()
	if cfg == nil {
		return opts
	}
	c := cfg.SIFT
	if c.Layers > 0 {
		opts.Layers = c.Layers
	}
	if c.Sigma > 0 {
		opts.Sigma = c.Sigma
	}
	if c.ContrastThreshold > 0 {
		opts.ContrastThreshold = c.ContrastThreshold
	}
	if c.EdgeThreshold > 0 {
		opts.EdgeThreshold = c.EdgeThreshold
	}
	opts.MaxOctaves = c.MaxOctaves
	opts.MaxFeatures = c.MaxFeatures
	opts.Upsample = c.Upsample
	return opts
}

// MatcherOptions maps the config section onto matcher options.
func MatcherOptions(cfg *config.AlignmentConfig) vision.MatcherOptions {
	opts := vision.DefaultMatcherOptions()
	if cfg == nil {
		return opts
	}
	c := cfg.Matcher
	if c.Ratio > 0 {
		opts.Ratio = c.Ratio
	}
	if c.Trees > 0 {
		opts.Trees = c.Trees
	}
	if c.Checks > 0 {
		opts.Checks = c.Checks
	}
	if c.Seed != 0 {
		opts.Seed = c.Seed
	}
	opts.Exact = c.Exact
	return opts
}

// RANSACOptions maps the config section onto estimator options.
func RANSACOptions(cfg *config.AlignmentConfig) vision.RANSACOptions {
	opts := vision.DefaultRANSACOptions()
	if cfg == nil {
		return opts
	}
	c := cfg.RANSAC
	if c.Threshold > 0 {
		opts.Threshold = c.Threshold
	}
	if c.MaxIters > 0 {
		opts.MaxIters = c.MaxIters
	}
	if c.Confidence > 0 {
		opts.Confidence = c.Confidence
	}
	if c.Seed != 0 {
		opts.Seed = c.Seed
	}
	if c.MaxScale > 0 {
		opts.Validate.MaxScale = c.MaxScale
	}
	if c.MaxCondition > 0 {
		opts.Validate.MaxCond = c.MaxCondition
	}
	if c.MinInliers > 0 {
		opts.Validate.MinInliers = c.MinInliers
	}
	return opts
}
