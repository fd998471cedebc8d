// Package imagetest renders deterministic textured scenes for alignment tests.
package imagetest

import (
	"image"
	"image/color"
	"math"
	"math/rand"
)

type shape struct {
	ellipse bool
	cx, cy  float64
	rx, ry  float64
	cos     float64
	sin     float64
	col     [3]uint8
}

// Scene is an infinite canvas of random ellipses and rotated rectangles.
// Pixel values depend only on canvas coordinates, so rendering at an integer
// offset reproduces an exactly shifted image.
type Scene struct {
	shapes []shape
	bg     [3]uint8
}

// NewScene scatters shapes over a w x h region padded by a margin, so views
// shifted by up to margin pixels stay textured.
func NewScene(w, h int, seed int64) *Scene {
	const margin = 64
	rng := rand.New(rand.NewSource(seed))
	s := &Scene{bg: [3]uint8{110, 120, 130}}
	n := w * h / 900
	if n < 40 {
		n = 40
	}
	for i := 0; i < n; i++ {
		a := rng.Float64() * math.Pi
		s.shapes = append(s.shapes, shape{
			ellipse: rng.Intn(2) == 0,
			cx:      -margin + rng.Float64()*(float64(w)+2*margin),
			cy:      -margin + rng.Float64()*(float64(h)+2*margin),
			rx:      4 + rng.Float64()*18,
			ry:      4 + rng.Float64()*18,
			cos:     math.Cos(a),
			sin:     math.Sin(a),
			col:     [3]uint8{uint8(rng.Intn(256)), uint8(rng.Intn(256)), uint8(rng.Intn(256))},
		})
	}
	return s
}

func (s *Scene) colorAt(x, y float64) [3]uint8 {
	c := s.bg
	for i := range s.shapes {
		sh := &s.shapes[i]
		dx, dy := x-sh.cx, y-sh.cy
		u := dx*sh.cos + dy*sh.sin
		v := -dx*sh.sin + dy*sh.cos
		var inside bool
		if sh.ellipse {
			inside = (u*u)/(sh.rx*sh.rx)+(v*v)/(sh.ry*sh.ry) <= 1
		} else {
			inside = math.Abs(u) <= sh.rx && math.Abs(v) <= sh.ry
		}
		if inside {
			c = sh.col
		}
	}
	return c
}

// Render draws a w x h view whose pixel (x, y) shows canvas point
// (x+ox, y+oy), supersampled 2x2.
func (s *Scene) Render(w, h, ox, oy int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	offs := [2]float64{0.25, 0.75}
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var acc [3]int
			for _, sy := range offs {
				for _, sx := range offs {
					c := s.colorAt(float64(x+ox)+sx, float64(y+oy)+sy)
					acc[0] += int(c[0])
					acc[1] += int(c[1])
					acc[2] += int(c[2])
				}
			}
			img.SetRGBA(x, y, color.RGBA{uint8(acc[0] / 4), uint8(acc[1] / 4), uint8(acc[2] / 4), 255})
		}
	}
	return img
}

// Solid returns a w x h image of a single colour.
func Solid(w, h int, c color.RGBA) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for i := 0; i < len(img.Pix); i += 4 {
		img.Pix[i], img.Pix[i+1], img.Pix[i+2], img.Pix[i+3] = c.R, c.G, c.B, c.A
	}
	return img
}
