package tasks

import (
	"fmt"
	"image"
	"strings"

	"gopkg.in/gographics/imagick.v3/imagick"

	"lapse/internal/config"
)

// Overlayer stamps text onto frames with ImageMagick.
type Overlayer struct {
	X           float64
	Y           float64
	FontSize    float64
	LineHeight  float64
	Fill        string
	Stroke      string
	StrokeWidth float64
	Font        string
}

// NewOverlayer builds an overlayer from the overlay config section.
func NewOverlayer(cfg config.Overlay) *Overlayer {
	return &Overlayer{
		X:           cfg.X,
		Y:           cfg.Y,
		FontSize:    cfg.FontSize,
		LineHeight:  cfg.LineHeight,
		Fill:        cfg.Fill,
		Stroke:      cfg.Stroke,
		StrokeWidth: cfg.StrokeWidth,
		Font:        cfg.Font,
	}
}

// Render returns a copy of img with text drawn one line at a time, starting at
// (X, Y) and moving down LineHeight per line.
func (o *Overlayer) Render(img *image.RGBA, text string) (*image.RGBA, error) {
	release := acquireMagick()
	defer release()

	mw, err := wandFromRGBA(img)
	if err != nil {
		return nil, err
	}
	defer mw.Destroy()

	dw := imagick.NewDrawingWand()
	defer dw.Destroy()
	fill := imagick.NewPixelWand()
	defer fill.Destroy()
	stroke := imagick.NewPixelWand()
	defer stroke.Destroy()

	if !fill.SetColor(o.Fill) {
		return nil, fmt.Errorf("invalid fill colour %q", o.Fill)
	}
	if !stroke.SetColor(o.Stroke) {
		return nil, fmt.Errorf("invalid stroke colour %q", o.Stroke)
	}
	dw.SetFillColor(fill)
	dw.SetStrokeColor(stroke)
	dw.SetStrokeWidth(o.StrokeWidth)
	dw.SetStrokeAntialias(true)
	dw.SetTextAntialias(true)
	dw.SetFontSize(o.FontSize)
	if o.Font != "" {
		if err := dw.SetFont(o.Font); err != nil {
			return nil, fmt.Errorf("font %s: %w", o.Font, err)
		}
	}

	for i, line := range strings.Split(text, "\n") {
		y := o.Y + float64(i)*o.LineHeight
		if err := mw.AnnotateImage(dw, o.X, y, 0, line); err != nil {
			return nil, fmt.Errorf("annotate: %w", err)
		}
	}
	return rgbaFromWand(mw)
}
