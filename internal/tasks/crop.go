package tasks

import (
	"fmt"
	"image"
	"strings"

	"lapse/internal/config"
	"lapse/internal/fsutil"
)

// Crop anchors.
const (
	AnchorTopRight    = "top-right"
	AnchorTopLeft     = "top-left"
	AnchorBottomRight = "bottom-right"
	AnchorBottomLeft  = "bottom-left"
	AnchorCenter      = "center"
)

// CropError reports a crop that does not fit the image it is applied to.
type CropError struct {
	Width  int
	Height int
	Rect   image.Rectangle
}

func (e *CropError) Error() string {
	return fmt.Sprintf("crop %v does not fit a %dx%d image", e.Rect, e.Width, e.Height)
}

// CropRect selects a window of every frame before alignment. Width and Height
// are pixels; when zero the fractions of the image size are used instead.
type CropRect struct {
	Disabled       bool
	Anchor         string
	Width          int
	Height         int
	WidthFraction  float64
	HeightFraction float64
	OffsetX        int
	OffsetY        int
}

// CropFromConfig converts the config record.
func CropFromConfig(c config.Crop) CropRect {
	return CropRect{
		Disabled:       c.Disabled,
		Anchor:         c.Anchor,
		Width:          c.Width,
		Height:         c.Height,
		WidthFraction:  c.WidthFraction,
		HeightFraction: c.HeightFraction,
		OffsetX:        c.OffsetX,
		OffsetY:        c.OffsetY,
	}
}

// Resolve returns the window for a w x h image.
func (c CropRect) Resolve(w, h int) (image.Rectangle, error) {
	full := image.Rect(0, 0, w, h)
	if c.Disabled {
		return full, nil
	}

	cw, ch := c.Width, c.Height
	if cw <= 0 {
		cw = w
		if c.WidthFraction > 0 {
			cw = int(float64(w) * c.WidthFraction)
		}
	}
	if ch <= 0 {
		ch = h
		if c.HeightFraction > 0 {
			ch = int(float64(h) * c.HeightFraction)
		}
	}

	var x0, y0 int
	switch strings.ToLower(c.Anchor) {
	case "", AnchorTopRight:
		x0, y0 = w-cw, 0
	case AnchorTopLeft:
		x0, y0 = 0, 0
	case AnchorBottomRight:
		x0, y0 = w-cw, h-ch
	case AnchorBottomLeft:
		x0, y0 = 0, h-ch
	case AnchorCenter:
		x0, y0 = (w-cw)/2, (h-ch)/2
	default:
		return image.Rectangle{}, fmt.Errorf("unknown crop anchor %q", c.Anchor)
	}
	r := image.Rect(x0, y0, x0+cw, y0+ch).Add(image.Pt(c.OffsetX, c.OffsetY))
	if cw <= 0 || ch <= 0 || !r.In(full) {
		return r, &CropError{Width: w, Height: h, Rect: r}
	}
	return r, nil
}

// Apply returns a copy of the cropped window with a zero origin.
func (c CropRect) Apply(img *image.RGBA) (*image.RGBA, error) {
	b := img.Bounds()
	r, err := c.Resolve(b.Dx(), b.Dy())
	if err != nil {
		return nil, err
	}
	if r == image.Rect(0, 0, b.Dx(), b.Dy()) {
		return img, nil
	}
	return fsutil.ToRGBA(img.SubImage(r.Add(b.Min))), nil
}

// BorderCrop trims the same number of pixels from every edge.
type BorderCrop struct {
	Border int
}

// Apply trims the border. An image that would end up empty is a CropError.
func (c BorderCrop) Apply(img *image.RGBA) (*image.RGBA, error) {
	if c.Border <= 0 {
		return img, nil
	}
	b := img.Bounds()
	r := image.Rect(c.Border, c.Border, b.Dx()-c.Border, b.Dy()-c.Border)
	if r.Empty() {
		return nil, &CropError{Width: b.Dx(), Height: b.Dy(), Rect: r}
	}
	return fsutil.ToRGBA(img.SubImage(r.Add(b.Min))), nil
}
