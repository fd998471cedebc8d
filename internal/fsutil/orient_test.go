package fsutil

import (
	"bytes"
	"encoding/binary"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"
	"testing"
)

// exifJPEG encodes img as a JPEG carrying an APP1 segment with only an
// orientation tag.
func exifJPEG(t *testing.T, img image.Image, orientation uint16) []byte {
	t.Helper()
	var enc bytes.Buffer
	if err := jpeg.Encode(&enc, img, &jpeg.Options{Quality: 95}); err != nil {
		t.Fatalf("encode: %v", err)
	}

	var tiff bytes.Buffer
	tiff.WriteString("MM")
	binary.Write(&tiff, binary.BigEndian, uint16(42))
	binary.Write(&tiff, binary.BigEndian, uint32(8))
	binary.Write(&tiff, binary.BigEndian, uint16(1))
	binary.Write(&tiff, binary.BigEndian, uint16(0x0112))
	binary.Write(&tiff, binary.BigEndian, uint16(3))
	binary.Write(&tiff, binary.BigEndian, uint32(1))
	binary.Write(&tiff, binary.BigEndian, orientation)
	binary.Write(&tiff, binary.BigEndian, uint16(0))
	binary.Write(&tiff, binary.BigEndian, uint32(0))

	payload := append([]byte("Exif\x00\x00"), tiff.Bytes()...)
	var out bytes.Buffer
	out.Write(enc.Bytes()[:2])
	out.Write([]byte{0xFF, 0xE1})
	binary.Write(&out, binary.BigEndian, uint16(len(payload)+2))
	out.Write(payload)
	out.Write(enc.Bytes()[2:])
	return out.Bytes()
}

func isRed(c color.RGBA) bool  { return c.R > 180 && c.B < 80 }
func isBlue(c color.RGBA) bool { return c.B > 180 && c.R < 80 }

func TestLoadImageAppliesOrientation(t *testing.T) {
	// left half red, right half blue
	src := image.NewRGBA(image.Rect(0, 0, 32, 16))
	for y := 0; y < 16; y++ {
		for x := 0; x < 32; x++ {
			c := color.RGBA{R: 255, A: 255}
			if x >= 16 {
				c = color.RGBA{B: 255, A: 255}
			}
			src.SetRGBA(x, y, c)
		}
	}

	path := filepath.Join(t.TempDir(), "phone.jpg")
	if err := os.WriteFile(path, exifJPEG(t, src, 6), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	if o := ReadOrientation(bytes.NewReader(exifJPEG(t, src, 6))); o != 6 {
		t.Fatalf("expected orientation 6, got %d", o)
	}

	img, err := LoadImage(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if img.Bounds().Dx() != 16 || img.Bounds().Dy() != 32 {
		t.Fatalf("expected 16x32 after rotation, got %v", img.Bounds())
	}
	// rotated clockwise: the left half ends up on top
	if !isRed(img.RGBAAt(8, 4)) || !isBlue(img.RGBAAt(8, 28)) {
		t.Fatalf("unexpected colours top %v bottom %v", img.RGBAAt(8, 4), img.RGBAAt(8, 28))
	}
}

func TestOrientCorners(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 3, 2))
	mark := color.RGBA{R: 255, A: 255}
	src.SetRGBA(0, 0, mark)

	cases := map[int]image.Point{
		1: {0, 0},
		2: {2, 0},
		3: {2, 1},
		4: {0, 1},
		5: {0, 0},
		6: {1, 0},
		7: {1, 2},
		8: {0, 2},
	}
	for o, want := range cases {
		out := Orient(src, o)
		if out.RGBAAt(want.X, want.Y) != mark {
			t.Fatalf("orientation %d: expected mark at %v", o, want)
		}
		if o >= 5 && (out.Bounds().Dx() != 2 || out.Bounds().Dy() != 3) {
			t.Fatalf("orientation %d: expected swapped bounds, got %v", o, out.Bounds())
		}
	}
}

func TestReadOrientationWithoutExif(t *testing.T) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 4, 4)), nil); err != nil {
		t.Fatalf("encode: %v", err)
	}
	if o := ReadOrientation(&buf); o != 1 {
		t.Fatalf("expected default orientation, got %d", o)
	}
}
