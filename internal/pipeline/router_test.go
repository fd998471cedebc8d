package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"lapse/internal/config"
	"lapse/internal/sink"
	"lapse/internal/storage"
	"lapse/internal/tasks"
	"lapse/internal/vision"
)

type stubAligner struct {
	calls   int
	lastReq tasks.AlignRequest
	report  tasks.AlignReport
	err     error
}

func (s *stubAligner) align(_ context.Context, req tasks.AlignRequest) (tasks.AlignReport, error) {
	s.calls++
	s.lastReq = req
	if req.Progress != nil {
		req.Progress(tasks.ProgressEvent{Done: 1, Total: 1, Name: "a.jpg"})
	}
	return s.report, s.err
}

type stubEncoder struct {
	videos []tasks.VideoRequest
	gifs   []tasks.GIFRequest
	err    error
}

func (s *stubEncoder) video(_ context.Context, req tasks.VideoRequest) (tasks.OutputFile, error) {
	s.videos = append(s.videos, req)
	return tasks.OutputFile{Path: req.Output, Format: "mp4", Frames: 2}, s.err
}

func (s *stubEncoder) gif(_ context.Context, req tasks.GIFRequest) (tasks.OutputFile, error) {
	s.gifs = append(s.gifs, req)
	return tasks.OutputFile{Path: req.Output, Format: "gif", Frames: 2}, s.err
}

func newTestRouter(t *testing.T, al *stubAligner, enc *stubEncoder) *router {
	t.Helper()
	cfg := config.Default()
	cfg.Processing.TempDir = t.TempDir()
	return &router{
		log:     slog.Default(),
		cfg:     cfg,
		alignFn: al.align,
		videoFn: enc.video,
		gifFn:   enc.gif,
		sinkFn: func(_ context.Context, dir string) (sink.Sink, error) {
			return sink.NewDir(dir, 90)
		},
	}
}

func touch(t *testing.T, dir string, names ...string) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	for _, n := range names {
		if err := os.WriteFile(filepath.Join(dir, n), []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestRouterUnknownJobType(t *testing.T) {
	r := newTestRouter(t, &stubAligner{}, &stubEncoder{})
	res := r.Process(context.Background(), Job{ID: "x", Type: "stack"})
	if res.Error == nil || !strings.Contains(res.Error.Error(), "unknown job type") {
		t.Fatalf("expected unknown job type error, got %v", res.Error)
	}
}

func TestRouterAlignAppliesOptions(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in")
	touch(t, in, "20250611_232336.jpg", "20250613_211200.jpg")
	al := &stubAligner{report: tasks.AlignReport{Reference: "20250611_232336.jpg", Processor: "native"}}
	r := newTestRouter(t, al, &stubEncoder{})

	var progressed []string
	r.progress = func(id string, ev tasks.ProgressEvent) { progressed = append(progressed, id+":"+ev.Name) }

	res := r.Process(context.Background(), Job{
		ID:        "align-1",
		Type:      JobAlign,
		InputPath: in,
		Output:    filepath.Join(t.TempDir(), "out"),
		Options: map[string]any{
			"reference":  "20250613_211200.jpg",
			"order":      "timestamp",
			"timestamps": true,
			"workers":    float64(3),
			"failFast":   true,
			"images":     []any{"x.jpg", "y.jpg"},
		},
	})
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if al.calls != 1 {
		t.Fatalf("expected one alignment, got %d", al.calls)
	}
	req := al.lastReq
	if req.Reference != "20250613_211200.jpg" || req.Ordering.Name() != "timestamp" {
		t.Fatalf("options not applied: reference=%q order=%q", req.Reference, req.Ordering.Name())
	}
	if !req.Overlay || !req.FailFast || req.Concurrency != 3 {
		t.Fatalf("flags not applied: %+v", req)
	}
	if len(req.Images) != 2 || req.Images[1] != "y.jpg" {
		t.Fatalf("images not applied: %v", req.Images)
	}
	if req.Sink == nil || req.InputDir != in {
		t.Fatalf("expected sink and input dir to be set")
	}
	if len(progressed) != 1 || progressed[0] != "align-1:a.jpg" {
		t.Fatalf("expected progress tagged with the job id, got %v", progressed)
	}
	if res.Meta["reference"] != "20250611_232336.jpg" {
		t.Fatalf("unexpected meta %v", res.Meta)
	}
}

func TestRouterAlignRejectsUnknownOrder(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in")
	touch(t, in, "a.jpg")
	al := &stubAligner{}
	r := newTestRouter(t, al, &stubEncoder{})
	res := r.Process(context.Background(), Job{
		ID: "o", Type: JobAlign, InputPath: in, Output: t.TempDir(),
		Options: map[string]any{"order": "random"},
	})
	if res.Error == nil {
		t.Fatalf("expected an error for an unknown ordering")
	}
	if al.calls != 0 {
		t.Fatalf("alignment must not run")
	}
}

func TestRouterAlignSkipsWhenUpToDate(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in")
	out := filepath.Join(t.TempDir(), "out")
	touch(t, in, "a.jpg", "b.jpg")
	touch(t, out, "a.jpg", "b.jpg")

	al := &stubAligner{}
	r := newTestRouter(t, al, &stubEncoder{})
	res := r.Process(context.Background(), Job{ID: "s", Type: JobAlign, InputPath: in, Output: out})
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if al.calls != 0 || res.Meta["skipped"] != true {
		t.Fatalf("expected skip, calls=%d meta=%v", al.calls, res.Meta)
	}

	res = r.Process(context.Background(), Job{ID: "f", Type: JobAlign, InputPath: in, Output: out, Options: map[string]any{"force": true}})
	if res.Error != nil {
		t.Fatalf("unexpected error: %v", res.Error)
	}
	if al.calls != 1 {
		t.Fatalf("force must realign")
	}
	if _, err := os.Stat(filepath.Join(out, "a.jpg")); !os.IsNotExist(err) {
		t.Fatalf("force must clear stale outputs, stat err=%v", err)
	}
}

func TestRouterRecordsFrames(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "lapse.db"))
	if err != nil {
		t.Fatalf("store: %v", err)
	}
	defer store.Close()

	in := filepath.Join(t.TempDir(), "in")
	touch(t, in, "a.jpg", "b.jpg", "c.jpg")
	failure := &vision.InsufficientCorrespondencesError{Have: 0, Need: 4}
	al := &stubAligner{
		report: tasks.AlignReport{
			Reference: "a.jpg",
			Processor: "native",
			Outputs:   map[string]string{"a.jpg": "out/a.jpg", "b.jpg": "out/b.jpg"},
			Failures:  map[string]error{"c.jpg": failure},
			Frames: []tasks.FrameReport{
				{Name: "a.jpg", Reference: true, Keypoints: 120, Output: "out/a.jpg"},
				{Name: "b.jpg", Keypoints: 110, Correspondences: 40, Inliers: 35, Homography: vision.Translation(10, 0), Output: "out/b.jpg", Elapsed: 0.25},
				{Name: "c.jpg", Err: failure},
			},
		},
		err: &tasks.BatchError{Failures: map[string]error{"c.jpg": failure}},
	}
	r := newTestRouter(t, al, &stubEncoder{})
	r.store = store

	res := r.Process(context.Background(), Job{ID: "rec", Type: JobAlign, InputPath: in, Output: filepath.Join(t.TempDir(), "out")})
	var be *tasks.BatchError
	if !errors.As(res.Error, &be) {
		t.Fatalf("expected batch error, got %v", res.Error)
	}
	if res.Meta["aligned"] != 2 || res.Meta["failed"] != 1 {
		t.Fatalf("unexpected meta %v", res.Meta)
	}

	frames, err := store.JobFrames("rec")
	if err != nil {
		t.Fatalf("frames: %v", err)
	}
	if len(frames) != 3 {
		t.Fatalf("expected 3 frames, got %d", len(frames))
	}
	status := map[string]string{}
	for _, f := range frames {
		status[f.Name] = f.Status
		if f.RefKeypoints != 120 {
			t.Fatalf("expected reference keypoints on every frame, got %d", f.RefKeypoints)
		}
	}
	if status["a.jpg"] != "reference" || status["b.jpg"] != "aligned" || status["c.jpg"] != "failed" {
		t.Fatalf("unexpected statuses %v", status)
	}
	for _, f := range frames {
		if f.Name == "b.jpg" {
			if f.Homography == nil || f.Homography[2] != 10 {
				t.Fatalf("expected stored homography, got %v", f.Homography)
			}
			if f.Elapsed != 250*time.Millisecond {
				t.Fatalf("unexpected elapsed %v", f.Elapsed)
			}
		}
	}
}

func TestRouterRunContinuesAfterPartialFailure(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "in")
	out := filepath.Join(root, "aligned")
	touch(t, in, "a.jpg", "b.jpg")

	failure := errors.New("bad frame")
	al := &stubAligner{err: &tasks.BatchError{Failures: map[string]error{"b.jpg": failure}}}
	enc := &stubEncoder{}
	r := newTestRouter(t, al, enc)

	res := r.Process(context.Background(), Job{ID: "run", Type: JobRun, InputPath: in, Output: out, Options: map[string]any{"gifFps": 5.0}})
	if !errors.Is(res.Error, failure) {
		t.Fatalf("expected the frame failure to be reported, got %v", res.Error)
	}
	if len(enc.videos) != 1 || len(enc.gifs) != 1 {
		t.Fatalf("expected video and gif encodes, got %d and %d", len(enc.videos), len(enc.gifs))
	}
	if enc.videos[0].FramesDir != out || enc.videos[0].Output != filepath.Join(root, "timelapse.mp4") {
		t.Fatalf("unexpected video request %+v", enc.videos[0])
	}
	if enc.videos[0].FPS != 7 {
		t.Fatalf("expected configured fps 7, got %v", enc.videos[0].FPS)
	}
	g := enc.gifs[0]
	if g.Output != filepath.Join(root, "timelapse.gif") || g.FPS != 5 || g.Resize != 1024 || g.LastDelayMultiplier != 2 {
		t.Fatalf("unexpected gif request %+v", g)
	}
}

func TestRouterRunStopsOnFatalAlignment(t *testing.T) {
	in := filepath.Join(t.TempDir(), "in")
	touch(t, in, "a.jpg")
	al := &stubAligner{err: errors.New("reference a.jpg: decode failed")}
	enc := &stubEncoder{}
	r := newTestRouter(t, al, enc)

	res := r.Process(context.Background(), Job{ID: "run", Type: JobRun, InputPath: in, Output: filepath.Join(t.TempDir(), "out")})
	if res.Error == nil {
		t.Fatalf("expected fatal error")
	}
	if len(enc.videos)+len(enc.gifs) != 0 {
		t.Fatalf("encoders must not run after a fatal alignment error")
	}
}

func TestOptionHelpers(t *testing.T) {
	opts := map[string]any{"i": 3, "f": 2.5, "jf": float64(4), "s": "x", "b": true}
	if getIntOption(opts, "i") != 3 || getIntOption(opts, "jf") != 4 || getIntOption(opts, "missing") != 0 {
		t.Fatalf("int option conversion failed")
	}
	if getFloat64Option(opts, "f") != 2.5 || getFloat64Option(opts, "i") != 3 {
		t.Fatalf("float option conversion failed")
	}
	if getStringOption(opts, "s") != "x" || getStringOption(opts, "b") != "" {
		t.Fatalf("string option conversion failed")
	}
	if !getBoolOption(opts, "b") || getBoolOption(opts, "s") {
		t.Fatalf("bool option conversion failed")
	}
}
