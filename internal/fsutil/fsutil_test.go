package fsutil

import (
	"errors"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestListImagesSortedAndFlat(t *testing.T) {
	dir := t.TempDir()
	for _, n := range []string{"b.JPG", "a.png", "c.txt", "d.tiff"} {
		writeFile(t, filepath.Join(dir, n))
	}
	if err := os.Mkdir(filepath.Join(dir, "with_timestamps"), 0o755); err != nil {
		t.Fatal(err)
	}
	writeFile(t, filepath.Join(dir, "with_timestamps", "a.png"))

	names, err := ListImageNames(dir)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	want := []string{"a.png", "b.JPG", "d.tiff"}
	if !reflect.DeepEqual(names, want) {
		t.Fatalf("expected %v, got %v", want, names)
	}

	frames, err := ListFrames(dir)
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(frames) != 2 || filepath.Base(frames[0]) != "a.png" {
		t.Fatalf("unexpected frames %v", frames)
	}
}

func TestSaveAndLoadRoundTrip(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 8, 6))
	for y := 0; y < 6; y++ {
		for x := 0; x < 8; x++ {
			img.SetRGBA(x, y, color.RGBA{uint8(x * 30), uint8(y * 40), 7, 255})
		}
	}

	dir := t.TempDir()
	for _, ext := range []string{".png", ".tiff", ".bmp", ".ppm"} {
		path := filepath.Join(dir, "frame"+ext)
		if err := SaveImage(path, img, 0); err != nil {
			t.Fatalf("save %s: %v", ext, err)
		}
		got, err := LoadImage(path)
		if err != nil {
			t.Fatalf("load %s: %v", ext, err)
		}
		if got.Bounds() != img.Bounds() {
			t.Fatalf("%s: bounds %v", ext, got.Bounds())
		}
		if got.RGBAAt(3, 2) != img.RGBAAt(3, 2) {
			t.Fatalf("%s: pixel mismatch %v vs %v", ext, got.RGBAAt(3, 2), img.RGBAAt(3, 2))
		}
	}
}

func TestWebpWrittenAsPNG(t *testing.T) {
	if got := OutputName("20250611_232336.webp"); got != "20250611_232336.png" {
		t.Fatalf("unexpected output name %q", got)
	}
	if got := OutputName("a.JPG"); got != "a.JPG" {
		t.Fatalf("expected name unchanged, got %q", got)
	}

	img := image.NewRGBA(image.Rect(0, 0, 2, 2))
	err := SaveImage(filepath.Join(t.TempDir(), "a.webp"), img, 0)
	if err == nil || !strings.Contains(err.Error(), "unsupported output format") {
		t.Fatalf("expected webp output to be rejected, got %v", err)
	}
}

func TestLoadImageDecodeError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "broken.jpg")
	writeFile(t, path)

	_, err := LoadImage(path)
	var decodeErr *DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError, got %v", err)
	}
	if decodeErr.Path != path {
		t.Fatalf("unexpected path %q", decodeErr.Path)
	}
}

func TestBoundConcurrencyNeverBelowOne(t *testing.T) {
	if got := BoundConcurrency(0, nil, nil); got != 1 {
		t.Fatalf("expected 1, got %d", got)
	}
	if got := BoundConcurrency(3, nil, nil); got != 3 {
		t.Fatalf("expected unchanged request, got %d", got)
	}
}
