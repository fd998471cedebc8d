package tasks

import (
	"fmt"
	"image"

	"lapse/internal/config"
)

// Equalizer applies contrast limited adaptive histogram equalization to the
// lightness of an image before feature extraction.
type Equalizer struct {
	Tiles     int
	Bins      int
	ClipLimit float64
}

func NewEqualizer(cfg config.Equalize) *Equalizer {
	e := &Equalizer{Tiles: cfg.Tiles, Bins: cfg.Bins, ClipLimit: cfg.ClipLimit}
	if e.Tiles <= 0 {
		e.Tiles = 8
	}
	if e.Bins <= 0 {
		e.Bins = 128
	}
	if e.ClipLimit <= 0 {
		e.ClipLimit = 2
	}
	return e
}

// Equalize returns an equalized copy; img is left untouched.
func (e *Equalizer) Equalize(img *image.RGBA) (*image.RGBA, error) {
	release := acquireMagick()
	defer release()

	mw, err := wandFromRGBA(img)
	if err != nil {
		return nil, err
	}
	defer mw.Destroy()

	b := img.Bounds()
	tw := max(1, b.Dx()/e.Tiles)
	th := max(1, b.Dy()/e.Tiles)
	if err := mw.CLAHEImage(uint(tw), uint(th), float64(e.Bins), e.ClipLimit); err != nil {
		return nil, fmt.Errorf("clahe: %w", err)
	}
	return rgbaFromWand(mw)
}
