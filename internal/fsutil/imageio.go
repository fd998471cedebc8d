package fsutil

import (
	"bufio"
	"bytes"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spakin/netpbm"
	"golang.org/x/image/bmp"
	"golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"
)

// DefaultJPEGQuality is used when no quality is configured.
const DefaultJPEGQuality = 95

// DecodeError reports a file that could not be read as an image.
type DecodeError struct {
	Path string
	Err  error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s: %v", e.Path, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// LoadImage decodes path into an opaque RGBA image with a zero origin. JPEG
// and TIFF files are turned upright according to their EXIF orientation.
func LoadImage(path string) (*image.RGBA, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &DecodeError{Path: path, Err: err}
	}
	rgba := ToRGBA(img)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".tif", ".tiff":
		rgba = Orient(rgba, ReadOrientation(bytes.NewReader(data)))
	}
	return rgba, nil
}

// ToRGBA converts img to RGBA with a zero origin, copying only when needed.
func ToRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	out := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(out, out.Bounds(), img, b.Min, draw.Src)
	return out
}

// Encode writes img in the format implied by ext.
func Encode(w io.Writer, img image.Image, ext string, quality int) error {
	if quality <= 0 || quality > 100 {
		quality = DefaultJPEGQuality
	}
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return jpeg.Encode(w, img, &jpeg.Options{Quality: quality})
	case ".png":
		return png.Encode(w, img)
	case ".tif", ".tiff":
		return tiff.Encode(w, img, &tiff.Options{Compression: tiff.Deflate})
	case ".bmp":
		return bmp.Encode(w, img)
	case ".ppm", ".pnm":
		return netpbm.Encode(w, img, &netpbm.EncodeOptions{Format: netpbm.PPM, MaxValue: 255})
	case ".pgm":
		return netpbm.Encode(w, img, &netpbm.EncodeOptions{Format: netpbm.PGM, MaxValue: 255})
	case ".pam":
		return netpbm.Encode(w, img, &netpbm.EncodeOptions{Format: netpbm.PAM, MaxValue: 255, TupleType: "RGB_ALPHA"})
	}
	return fmt.Errorf("unsupported output format %q", ext)
}

// OutputName returns the name an image is written under. Formats that can
// only be decoded, such as webp, are written as png.
func OutputName(name string) string {
	ext := filepath.Ext(name)
	if strings.EqualFold(ext, ".webp") {
		return strings.TrimSuffix(name, ext) + ".png"
	}
	return name
}

// SaveImage encodes img to path, replacing any existing file atomically.
func SaveImage(path string, img image.Image, quality int) error {
	if err := EnsureDir(filepath.Dir(path)); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())

	w := bufio.NewWriter(tmp)
	if err := Encode(w, img, filepath.Ext(path), quality); err != nil {
		tmp.Close()
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// ContentType returns the MIME type for an output extension.
func ContentType(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".tif", ".tiff":
		return "image/tiff"
	case ".bmp":
		return "image/bmp"
	case ".ppm", ".pnm":
		return "image/x-portable-pixmap"
	case ".pgm":
		return "image/x-portable-graymap"
	case ".pam":
		return "image/x-portable-arbitrarymap"
	}
	return "application/octet-stream"
}
