package vision

import (
	"image"
	"math"
)

// grayImage is a single channel float32 plane with values in [0, 1].
type grayImage struct {
	w, h int
	pix  []float32
}

func newGray(w, h int) *grayImage {
	return &grayImage{w: w, h: h, pix: make([]float32, w*h)}
}

func (g *grayImage) at(x, y int) float64 {
	return float64(g.pix[y*g.w+x])
}

// toGray converts to luma using the BT.601 weights.
func toGray(img image.Image) *grayImage {
	b := img.Bounds()
	g := newGray(b.Dx(), b.Dy())
	if rgba, ok := img.(*image.RGBA); ok {
		for y := 0; y < g.h; y++ {
			row := rgba.Pix[rgba.PixOffset(b.Min.X, b.Min.Y+y):]
			for x := 0; x < g.w; x++ {
				p := row[x*4 : x*4+3]
				g.pix[y*g.w+x] = float32((0.299*float64(p[0]) + 0.587*float64(p[1]) + 0.114*float64(p[2])) / 255)
			}
		}
		return g
	}
	for y := 0; y < g.h; y++ {
		for x := 0; x < g.w; x++ {
			r, gg, bb, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			g.pix[y*g.w+x] = float32((0.299*float64(r) + 0.587*float64(gg) + 0.114*float64(bb)) / 65535)
		}
	}
	return g
}

// reflect101 maps an out of range index back inside [0, n) without repeating
// the edge sample.
func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - 2 - i
		}
	}
	return i
}

func gaussianKernel(sigma float64) []float32 {
	radius := int(math.Ceil(4 * sigma))
	if radius < 1 {
		radius = 1
	}
	k := make([]float32, 2*radius+1)
	var sum float64
	for i := -radius; i <= radius; i++ {
		v := math.Exp(-float64(i*i) / (2 * sigma * sigma))
		k[i+radius] = float32(v)
		sum += v
	}
	for i := range k {
		k[i] = float32(float64(k[i]) / sum)
	}
	return k
}

// gaussianBlur applies a separable blur with reflected borders.
func gaussianBlur(src *grayImage, sigma float64) *grayImage {
	k := gaussianKernel(sigma)
	r := len(k) / 2
	tmp := newGray(src.w, src.h)
	for y := 0; y < src.h; y++ {
		row := src.pix[y*src.w : (y+1)*src.w]
		out := tmp.pix[y*src.w : (y+1)*src.w]
		for x := 0; x < src.w; x++ {
			var acc float32
			if x >= r && x+r < src.w {
				for i, kv := range k {
					acc += kv * row[x+i-r]
				}
			} else {
				for i, kv := range k {
					acc += kv * row[reflect101(x+i-r, src.w)]
				}
			}
			out[x] = acc
		}
	}
	dst := newGray(src.w, src.h)
	for y := 0; y < src.h; y++ {
		out := dst.pix[y*src.w : (y+1)*src.w]
		for i, kv := range k {
			yy := reflect101(y+i-r, src.h)
			in := tmp.pix[yy*src.w : (yy+1)*src.w]
			for x := range out {
				out[x] += kv * in[x]
			}
		}
	}
	return dst
}

// halve keeps every second sample in both directions.
func halve(src *grayImage) *grayImage {
	dst := newGray(src.w/2, src.h/2)
	for y := 0; y < dst.h; y++ {
		for x := 0; x < dst.w; x++ {
			dst.pix[y*dst.w+x] = src.pix[(2*y)*src.w+2*x]
		}
	}
	return dst
}

// double upsamples with bilinear interpolation.
func double(src *grayImage) *grayImage {
	dst := newGray(src.w*2, src.h*2)
	for y := 0; y < dst.h; y++ {
		sy := float64(y) / 2
		y0 := int(sy)
		y1 := min(y0+1, src.h-1)
		fy := float32(sy - float64(y0))
		for x := 0; x < dst.w; x++ {
			sx := float64(x) / 2
			x0 := int(sx)
			x1 := min(x0+1, src.w-1)
			fx := float32(sx - float64(x0))
			top := src.pix[y0*src.w+x0]*(1-fx) + src.pix[y0*src.w+x1]*fx
			bot := src.pix[y1*src.w+x0]*(1-fx) + src.pix[y1*src.w+x1]*fx
			dst.pix[y*dst.w+x] = top*(1-fy) + bot*fy
		}
	}
	return dst
}

func subtract(a, b *grayImage) *grayImage {
	d := newGray(a.w, a.h)
	for i := range d.pix {
		d.pix[i] = a.pix[i] - b.pix[i]
	}
	return d
}
