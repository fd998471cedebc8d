package tasks

import (
	"context"
	"errors"
	"image"
	"image/color"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"lapse/internal/config"
	"lapse/internal/fsutil"
	"lapse/internal/imagetest"
	"lapse/internal/sink"
	"lapse/internal/vision"
)

const (
	sceneW = 320
	sceneH = 240
)

type stubRenderer struct {
	mu    sync.Mutex
	texts map[string]bool
}

func (r *stubRenderer) Render(img *image.RGBA, text string) (*image.RGBA, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.texts == nil {
		r.texts = make(map[string]bool)
	}
	r.texts[text] = true
	return img, nil
}

type frameSpec struct {
	name   string
	ox, oy int
}

// writeScene renders shifted views of one scene into dir as lossless PNGs.
func writeScene(t *testing.T, dir string, seed int64, frames ...frameSpec) {
	t.Helper()
	scene := imagetest.NewScene(sceneW, sceneH, seed)
	for _, f := range frames {
		if err := fsutil.SaveImage(filepath.Join(dir, f.name), scene.Render(sceneW, sceneH, f.ox, f.oy), 0); err != nil {
			t.Fatalf("save %s: %v", f.name, err)
		}
	}
}

func newTestAligner(t *testing.T) *TimelapseAligner {
	t.Helper()
	a := NewTimelapseAligner(config.Default(), nil)
	a.Overlayer = &stubRenderer{}
	a.Equalizer = nil
	return a
}

func testRequest(t *testing.T, in string) (AlignRequest, string) {
	t.Helper()
	out := filepath.Join(t.TempDir(), "aligned")
	dst, err := sink.NewDir(out, 0)
	if err != nil {
		t.Fatalf("sink: %v", err)
	}
	return AlignRequest{
		InputDir:    in,
		PreCrop:     CropRect{Disabled: true},
		PostCrop:    BorderCrop{Border: 12},
		Concurrency: 2,
		Sink:        dst,
	}, out
}

func TestAlignAllEmitsEveryFrame(t *testing.T) {
	in := t.TempDir()
	writeScene(t, in, 21,
		frameSpec{"20250611_232336.png", 0, 0},
		frameSpec{"20250613_211243.png", 10, 0},
		frameSpec{"20250615_011058.png", 0, 6},
	)
	req, out := testRequest(t, in)

	var events []ProgressEvent
	req.Progress = func(ev ProgressEvent) { events = append(events, ev) }

	report, err := newTestAligner(t).AlignAll(context.Background(), req)
	if err != nil {
		t.Fatalf("align: %v", err)
	}
	if report.Reference != "20250611_232336.png" {
		t.Fatalf("expected first image as reference, got %s", report.Reference)
	}
	if report.Aligned() != 3 || len(report.Frames) != 3 {
		t.Fatalf("expected 3 outputs, got %d (%v)", report.Aligned(), report.Failures)
	}

	names, err := fsutil.ListImageNames(out)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	inNames, _ := fsutil.ListImageNames(in)
	if len(names) != len(inNames) {
		t.Fatalf("expected outputs %v to mirror inputs %v", names, inNames)
	}
	for i := range names {
		if names[i] != inNames[i] {
			t.Fatalf("expected outputs %v to mirror inputs %v", names, inNames)
		}
		img, err := fsutil.LoadImage(filepath.Join(out, names[i]))
		if err != nil {
			t.Fatalf("load output: %v", err)
		}
		if img.Bounds() != image.Rect(0, 0, sceneW-24, sceneH-24) {
			t.Fatalf("%s: expected %dx%d, got %v", names[i], sceneW-24, sceneH-24, img.Bounds())
		}
	}

	if len(events) != 3 || events[2].Done != 3 || events[2].Total != 3 {
		t.Fatalf("unexpected progress events %+v", events)
	}
	if ok, _ := AlignmentUpToDate(in, out); !ok {
		t.Fatalf("expected the output listing to match the input listing")
	}
}

func TestAlignAllRecoversTranslation(t *testing.T) {
	in := t.TempDir()
	writeScene(t, in, 33,
		frameSpec{"a.png", 0, 0},
		frameSpec{"b.png", 10, 0},
	)
	req, out := testRequest(t, in)

	report, err := newTestAligner(t).AlignAll(context.Background(), req)
	if err != nil {
		t.Fatalf("align: %v", err)
	}

	var moved *FrameReport
	for i := range report.Frames {
		if report.Frames[i].Name == "b.png" {
			moved = &report.Frames[i]
		}
	}
	if moved == nil || moved.Homography == nil {
		t.Fatalf("missing frame report for b.png: %+v", report.Frames)
	}
	p := moved.Homography.Apply(vision.Point{X: 100, Y: 100})
	if math.Abs(p.X-110) > 1 || math.Abs(p.Y-100) > 1 {
		t.Fatalf("expected a shift of 10px, point maps to %+v (%v)", p, moved.Homography)
	}
	if moved.Inliers < vision.MinCorrespondences || moved.Correspondences < moved.Inliers {
		t.Fatalf("unexpected match counts %+v", moved)
	}

	ref, _ := fsutil.LoadImage(filepath.Join(out, "a.png"))
	got, _ := fsutil.LoadImage(filepath.Join(out, "b.png"))
	var sum, n int
	for y := 0; y < got.Bounds().Dy(); y += 3 {
		for x := 0; x < got.Bounds().Dx(); x += 3 {
			r, g := ref.RGBAAt(x, y), got.RGBAAt(x, y)
			sum += absDiff(r.R, g.R) + absDiff(r.G, g.G) + absDiff(r.B, g.B)
			n += 3
		}
	}
	if mean := float64(sum) / float64(n); mean > 4 {
		t.Fatalf("aligned frame differs from the reference by %.2f on average", mean)
	}
}

func absDiff(a, b uint8) int {
	if a > b {
		return int(a - b)
	}
	return int(b - a)
}

func TestAlignAllSolidReference(t *testing.T) {
	in := t.TempDir()
	if err := fsutil.SaveImage(filepath.Join(in, "a.png"), imagetest.Solid(sceneW, sceneH, color.RGBA{90, 90, 90, 255}), 0); err != nil {
		t.Fatalf("save: %v", err)
	}
	writeScene(t, in, 5, frameSpec{"b.png", 0, 0}, frameSpec{"c.png", 4, 4})
	req, _ := testRequest(t, in)

	report, err := newTestAligner(t).AlignAll(context.Background(), req)
	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected BatchError, got %v", err)
	}
	if names := batchErr.Names(); len(names) != 2 || names[0] != "b.png" || names[1] != "c.png" {
		t.Fatalf("unexpected failed names %v", names)
	}
	var insufficient *vision.InsufficientCorrespondencesError
	if !errors.As(report.Failures["b.png"], &insufficient) {
		t.Fatalf("expected InsufficientCorrespondencesError, got %v", report.Failures["b.png"])
	}
	if insufficient.Have != 0 {
		t.Fatalf("expected zero correspondences, got %d", insufficient.Have)
	}
	if _, ok := report.Outputs["a.png"]; !ok || report.Aligned() != 1 {
		t.Fatalf("expected only the reference to be written, got %v", report.Outputs)
	}
}

func TestAlignAllIsolatesDecodeFailures(t *testing.T) {
	in := t.TempDir()
	writeScene(t, in, 12, frameSpec{"a.png", 0, 0}, frameSpec{"c.png", 3, 2})
	if err := os.WriteFile(filepath.Join(in, "b.png"), []byte("not a png"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	req, _ := testRequest(t, in)

	report, err := newTestAligner(t).AlignAll(context.Background(), req)
	var decodeErr *fsutil.DecodeError
	if !errors.As(err, &decodeErr) {
		t.Fatalf("expected DecodeError inside batch error, got %v", err)
	}
	if _, ok := report.Outputs["c.png"]; !ok {
		t.Fatalf("expected c.png aligned despite b.png failing: %v", report.Failures)
	}
}

func TestAlignAllFailFastCancelsRemaining(t *testing.T) {
	in := t.TempDir()
	writeScene(t, in, 12, frameSpec{"a.png", 0, 0}, frameSpec{"c.png", 3, 2}, frameSpec{"d.png", -2, 4})
	if err := os.WriteFile(filepath.Join(in, "b.png"), []byte("not a png"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	req, _ := testRequest(t, in)
	req.Concurrency = 1
	req.FailFast = true

	report, err := newTestAligner(t).AlignAll(context.Background(), req)
	var batchErr *BatchError
	if !errors.As(err, &batchErr) {
		t.Fatalf("expected BatchError, got %v", err)
	}
	var decodeErr *fsutil.DecodeError
	if !errors.As(report.Failures["b.png"], &decodeErr) {
		t.Fatalf("expected b.png decode failure, got %v", report.Failures["b.png"])
	}
	for _, name := range []string{"c.png", "d.png"} {
		if !errors.Is(report.Failures[name], context.Canceled) {
			t.Fatalf("expected %s cancelled, got %v", name, report.Failures[name])
		}
		if _, ok := report.Outputs[name]; ok {
			t.Fatalf("%s should not be written after fail-fast", name)
		}
	}
	if len(report.Frames) != 4 {
		t.Fatalf("expected every frame reported, got %d", len(report.Frames))
	}
}

func TestAlignAllExplicitReferenceAndOverlay(t *testing.T) {
	in := t.TempDir()
	writeScene(t, in, 44,
		frameSpec{"20250611_232336.png", 5, 0},
		frameSpec{"20250613_211243.png", 0, 0},
		frameSpec{"notes.png", 0, 5},
	)
	req, out := testRequest(t, in)
	req.Reference = "20250613_211243.png"
	req.Overlay = true

	a := newTestAligner(t)
	renderer := a.Overlayer.(*stubRenderer)
	report, err := a.AlignAll(context.Background(), req)

	var tsErr *TimestampError
	if !errors.As(err, &tsErr) || tsErr.Name != "notes.png" {
		t.Fatalf("expected TimestampError for notes.png, got %v", err)
	}
	if report.Reference != "20250613_211243.png" {
		t.Fatalf("unexpected reference %s", report.Reference)
	}
	if report.Aligned() != 3 {
		t.Fatalf("a missing timestamp must only fail the overlay copy, got %v", report.Failures)
	}
	if _, ok := report.Failures[DefaultOverlaySubdir+"/notes.png"]; !ok {
		t.Fatalf("expected overlay failure for notes.png, got %v", report.Failures)
	}
	if !renderer.texts["11/06/2025\n23:23"] || !renderer.texts["13/06/2025\n21:12"] {
		t.Fatalf("unexpected overlay texts %v", renderer.texts)
	}
	stamped, _ := fsutil.ListImageNames(filepath.Join(out, DefaultOverlaySubdir))
	if len(stamped) != 2 {
		t.Fatalf("expected two timestamped copies, got %v", stamped)
	}
}

func TestAlignAllUnknownReference(t *testing.T) {
	in := t.TempDir()
	writeScene(t, in, 3, frameSpec{"a.png", 0, 0})
	req, _ := testRequest(t, in)
	req.Reference = "missing.png"
	if _, err := newTestAligner(t).AlignAll(context.Background(), req); err == nil {
		t.Fatalf("expected error for a reference outside the input set")
	}
}

func TestAlignAllReferenceCropFailureIsFatal(t *testing.T) {
	in := t.TempDir()
	writeScene(t, in, 3, frameSpec{"a.png", 0, 0}, frameSpec{"b.png", 2, 0})
	req, _ := testRequest(t, in)
	req.PreCrop = CropRect{Anchor: AnchorTopRight, Width: 3000, Height: 3000}

	_, err := newTestAligner(t).AlignAll(context.Background(), req)
	var cropErr *CropError
	if !errors.As(err, &cropErr) {
		t.Fatalf("expected CropError, got %v", err)
	}
	var batchErr *BatchError
	if errors.As(err, &batchErr) {
		t.Fatalf("a reference failure must abort the batch, got %v", err)
	}
}
