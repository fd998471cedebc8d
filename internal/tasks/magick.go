package tasks

import (
	"fmt"
	"image"
	"sync"

	"gopkg.in/gographics/imagick.v3/imagick"
)

var (
	magickMu     sync.Mutex
	magickLoaded bool
	magickRefs   int
)

// acquireMagick initializes the MagickWand environment on first use. The
// returned release must be called when the caller is done with its wands.
func acquireMagick() (release func()) {
	magickMu.Lock()
	if !magickLoaded {
		imagick.Initialize()
		magickLoaded = true
	}
	magickRefs++
	magickMu.Unlock()
	return func() {
		magickMu.Lock()
		magickRefs--
		magickMu.Unlock()
	}
}

// TerminateMagick tears the MagickWand environment down at process exit. It
// does nothing while a wand is in use or when ImageMagick was never loaded.
func TerminateMagick() {
	magickMu.Lock()
	defer magickMu.Unlock()
	if !magickLoaded || magickRefs > 0 {
		return
	}
	imagick.Terminate()
	magickLoaded = false
}

// wandFromRGBA loads img into a new wand. The caller destroys it.
func wandFromRGBA(img *image.RGBA) (*imagick.MagickWand, error) {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	pix := make([]byte, 0, w*h*3)
	for y := 0; y < h; y++ {
		row := img.Pix[y*img.Stride : y*img.Stride+w*4]
		for x := 0; x < w; x++ {
			pix = append(pix, row[x*4], row[x*4+1], row[x*4+2])
		}
	}
	mw := imagick.NewMagickWand()
	if err := mw.ConstituteImage(uint(w), uint(h), "RGB", imagick.PIXEL_CHAR, pix); err != nil {
		mw.Destroy()
		return nil, fmt.Errorf("constitute image: %w", err)
	}
	return mw, nil
}

// rgbaFromWand exports the current wand image as opaque RGBA.
func rgbaFromWand(mw *imagick.MagickWand) (*image.RGBA, error) {
	w, h := mw.GetImageWidth(), mw.GetImageHeight()
	raw, err := mw.ExportImagePixels(0, 0, w, h, "RGB", imagick.PIXEL_CHAR)
	if err != nil {
		return nil, fmt.Errorf("export pixels: %w", err)
	}
	pix, ok := raw.([]byte)
	if !ok {
		return nil, fmt.Errorf("unexpected pixel type: %T", raw)
	}
	out := image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	for i, j := 0, 0; j+2 < len(pix); i, j = i+4, j+3 {
		out.Pix[i] = pix[j]
		out.Pix[i+1] = pix[j+1]
		out.Pix[i+2] = pix[j+2]
		out.Pix[i+3] = 0xff
	}
	return out, nil
}
