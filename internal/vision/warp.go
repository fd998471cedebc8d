package vision

import (
	"image"
	"image/color"
	"math"
)

// Warper resamples a moving image into the reference frame.
type Warper struct {
	Background color.RGBA
}

// NewWarper returns a warper with an opaque black background.
func NewWarper() *Warper {
	return &Warper{Background: color.RGBA{A: 255}}
}

// Warp maps every output pixel (x, y) of a w x h canvas back through the
// inverse of h and samples src bilinearly. Samples outside src take the
// background colour. The output is always opaque.
func (wp *Warper) Warp(src *image.RGBA, h *Homography, w, hgt int) (*image.RGBA, error) {
	if w <= 0 || hgt <= 0 {
		return nil, ErrEmptyImage
	}
	inv, err := h.Inverse()
	if err != nil {
		return nil, err
	}
	dst := image.NewRGBA(image.Rect(0, 0, w, hgt))
	sb := src.Bounds()
	sw, sh := sb.Dx(), sb.Dy()
	m := inv.M

	for y := 0; y < hgt; y++ {
		row := dst.Pix[y*dst.Stride : y*dst.Stride+w*4]
		fy := float64(y)
		for x := 0; x < w; x++ {
			fx := float64(x)
			den := m[6]*fx + m[7]*fy + m[8]
			out := row[x*4 : x*4+4]
			if den == 0 {
				wp.fill(out)
				continue
			}
			sx := snap((m[0]*fx + m[1]*fy + m[2]) / den)
			sy := snap((m[3]*fx + m[4]*fy + m[5]) / den)
			wp.sample(src, sw, sh, sx, sy, out)
		}
	}
	return dst, nil
}

func (wp *Warper) fill(out []uint8) {
	out[0], out[1], out[2], out[3] = wp.Background.R, wp.Background.G, wp.Background.B, 255
}

// snap removes floating point noise so integer shifts copy pixels exactly.
func snap(v float64) float64 {
	if r := math.Round(v); math.Abs(v-r) < 1e-6 {
		return r
	}
	return v
}

func (wp *Warper) texel(src *image.RGBA, sw, sh, x, y int) [3]float64 {
	if x < 0 || y < 0 || x >= sw || y >= sh {
		return [3]float64{float64(wp.Background.R), float64(wp.Background.G), float64(wp.Background.B)}
	}
	o := src.PixOffset(src.Rect.Min.X+x, src.Rect.Min.Y+y)
	p := src.Pix[o : o+3]
	return [3]float64{float64(p[0]), float64(p[1]), float64(p[2])}
}

func (wp *Warper) sample(src *image.RGBA, sw, sh int, sx, sy float64, out []uint8) {
	if sx <= -1 || sy <= -1 || sx >= float64(sw) || sy >= float64(sh) {
		wp.fill(out)
		return
	}
	x0, y0 := int(math.Floor(sx)), int(math.Floor(sy))
	ax, ay := sx-float64(x0), sy-float64(y0)
	if ax == 0 && ay == 0 {
		c := wp.texel(src, sw, sh, x0, y0)
		out[0], out[1], out[2], out[3] = uint8(c[0]), uint8(c[1]), uint8(c[2]), 255
		return
	}
	c00 := wp.texel(src, sw, sh, x0, y0)
	c10 := wp.texel(src, sw, sh, x0+1, y0)
	c01 := wp.texel(src, sw, sh, x0, y0+1)
	c11 := wp.texel(src, sw, sh, x0+1, y0+1)
	for i := 0; i < 3; i++ {
		top := c00[i]*(1-ax) + c10[i]*ax
		bot := c01[i]*(1-ax) + c11[i]*ax
		out[i] = uint8(math.Round(math.Min(255, math.Max(0, top*(1-ay)+bot*ay))))
	}
	out[3] = 255
}
