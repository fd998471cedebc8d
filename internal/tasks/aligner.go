package tasks

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"path"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lapse/internal/config"
	"lapse/internal/fsutil"
	"lapse/internal/sink"
	"lapse/internal/vision"
)

// DefaultOverlaySubdir holds the timestamped copies of the aligned frames.
const DefaultOverlaySubdir = "with_timestamps"

// TextRenderer draws text onto a copy of an image.
type TextRenderer interface {
	Render(img *image.RGBA, text string) (*image.RGBA, error)
}

// ContrastEqualizer prepares an image for feature extraction.
type ContrastEqualizer interface {
	Equalize(img *image.RGBA) (*image.RGBA, error)
}

// AlignRequest describes one alignment batch.
type AlignRequest struct {
	InputDir      string
	Images        []string // explicit paths, used instead of listing InputDir
	Reference     string   // name or path; the first image in order when empty
	Ordering      Ordering
	Processor     string // engine name, the configured default when empty
	PreCrop       CropRect
	PostCrop      BorderCrop
	Overlay       bool
	OverlaySubdir string
	Equalize      bool
	Concurrency   int
	FailFast      bool
	MinKeypoints  int
	Sink          sink.Sink
	Progress      func(ProgressEvent)
}

// ProgressEvent is emitted once per finished image, reference included.
type ProgressEvent struct {
	Done    int
	Total   int
	Name    string
	Err     error
	Elapsed time.Duration
}

// AlignReport summarizes a batch. Outputs and Failures are keyed by file name;
// overlay outputs and failures are keyed by subdir/name.
type AlignReport struct {
	Reference string
	Processor string
	Outputs   map[string]string
	Overlays  map[string]string
	Failures  map[string]error
	Frames    []FrameReport
	Elapsed   time.Duration
}

// Aligned counts the images written to the main output.
func (r AlignReport) Aligned() int {
	return len(r.Outputs)
}

// BatchError lists every image that failed in a batch.
type BatchError struct {
	Failures map[string]error
}

func (e *BatchError) Names() []string {
	names := make([]string, 0, len(e.Failures))
	for n := range e.Failures {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

func (e *BatchError) Error() string {
	names := e.Names()
	return fmt.Sprintf("%d image(s) failed to align: %s", len(names), strings.Join(names, ", "))
}

// Unwrap exposes the per-image errors to errors.Is and errors.As.
func (e *BatchError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, n := range e.Names() {
		errs = append(errs, e.Failures[n])
	}
	return errs
}

// TimelapseAligner aligns a set of frames onto a reference frame.
type TimelapseAligner struct {
	Manager   *AlignmentManager
	Validate  vision.ValidateOptions
	Overlayer TextRenderer
	Equalizer ContrastEqualizer
	Logger    *slog.Logger
}

// NewTimelapseAligner wires the engines, overlay and equalizer from cfg.
func NewTimelapseAligner(cfg *config.Config, logger *slog.Logger) *TimelapseAligner {
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TimelapseAligner{
		Manager:   NewAlignmentManager(&cfg.Alignment),
		Validate:  RANSACOptions(&cfg.Alignment).Validate,
		Overlayer: NewOverlayer(cfg.Overlay),
		Equalizer: NewEqualizer(cfg.Alignment.Equalize),
		Logger:    logger,
	}
}

// RequestFromConfig fills the batch policy of a request from cfg.
func RequestFromConfig(cfg *config.Config) (AlignRequest, error) {
	ord, err := OrderingByName(cfg.Alignment.Order)
	if err != nil {
		return AlignRequest{}, err
	}
	return AlignRequest{
		Ordering:      ord,
		Processor:     cfg.Alignment.DefaultProcessor,
		PreCrop:       CropFromConfig(cfg.Alignment.PreCrop),
		PostCrop:      BorderCrop{Border: cfg.Alignment.PostCrop.Border},
		Overlay:       cfg.Overlay.Enabled,
		OverlaySubdir: cfg.Overlay.Subdir,
		Equalize:      cfg.Alignment.Equalize.Enabled,
		Concurrency:   cfg.Alignment.MaxConcurrency,
		FailFast:      cfg.Alignment.FailFast,
		MinKeypoints:  cfg.Alignment.MinKeypoints,
	}, nil
}

// referenceFrame is the decoded, cropped reference shared by all workers.
type referenceFrame struct {
	set    *vision.KeypointSet
	width  int
	height int
}

type batch struct {
	req    AlignRequest
	proc   AlignmentProcessor
	ref    referenceFrame
	logger *slog.Logger

	mu            sync.Mutex
	done          int
	total         int
	report        *AlignReport
	overlays      sink.Sink
	overlaySubdir string
}

// AlignAll aligns every image onto the reference and emits the results through
// req.Sink. Per-image failures do not stop the batch unless FailFast is set;
// they are returned together as a *BatchError alongside the report.
func (a *TimelapseAligner) AlignAll(ctx context.Context, req AlignRequest) (AlignReport, error) {
	start := time.Now()
	logger := a.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if req.Sink == nil {
		return AlignReport{}, errors.New("no output sink")
	}
	if req.Ordering == nil {
		req.Ordering = LexicographicOrder{}
	}

	paths, err := listInputs(req)
	if err != nil {
		return AlignReport{}, err
	}
	refPath, moving, err := splitReference(paths, req.Reference)
	if err != nil {
		return AlignReport{}, err
	}

	proc, err := a.Manager.Select(req.Processor)
	if err != nil {
		return AlignReport{}, err
	}

	concurrency := req.Concurrency
	if concurrency <= 0 {
		concurrency = runtime.NumCPU()
	}
	concurrency = fsutil.BoundConcurrency(concurrency, paths, logger)

	report := AlignReport{
		Reference: filepath.Base(refPath),
		Processor: proc.Name(),
		Outputs:   make(map[string]string),
		Overlays:  make(map[string]string),
		Failures:  make(map[string]error),
	}
	b := &batch{
		req:    req,
		proc:   proc,
		logger: logger,
		total:  len(paths),
		report: &report,
	}
	if req.Overlay {
		sub := req.OverlaySubdir
		if sub == "" {
			sub = DefaultOverlaySubdir
		}
		b.overlays = req.Sink.Sub(sub)
		b.overlaySubdir = sub
	}

	logger.Info("starting alignment",
		"reference", report.Reference,
		"images", len(paths),
		"processor", proc.Name(),
		"workers", concurrency,
	)

	refFrame, refReport, err := a.prepareReference(ctx, b, refPath)
	b.finish(refReport)
	if err != nil {
		report.Elapsed = time.Since(start)
		return report, fmt.Errorf("reference %s: %w", report.Reference, err)
	}
	b.ref = refFrame

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for _, p := range moving {
		g.Go(func() error {
			rep := a.alignOne(gctx, b, p)
			b.finish(rep)
			if rep.Err != nil && req.FailFast {
				return rep.Err
			}
			return nil
		})
	}
	waitErr := g.Wait()

	sort.Slice(report.Frames, func(i, j int) bool {
		if report.Frames[i].Reference != report.Frames[j].Reference {
			return report.Frames[i].Reference
		}
		return req.Ordering.Less(report.Frames[i].Name, report.Frames[j].Name)
	})
	report.Elapsed = time.Since(start)
	logger.Info("alignment done",
		"aligned", report.Aligned(),
		"failed", len(report.Failures),
		"elapsed", report.Elapsed.Round(time.Millisecond),
	)
	logger.Info(fmt.Sprintf("done in %.2fs", report.Elapsed.Seconds()))

	if err := ctx.Err(); err != nil {
		return report, err
	}
	if len(report.Failures) > 0 {
		return report, &BatchError{Failures: report.Failures}
	}
	return report, waitErr
}

func listInputs(req AlignRequest) ([]string, error) {
	paths := append([]string(nil), req.Images...)
	if len(paths) == 0 {
		if req.InputDir == "" {
			return nil, errors.New("no input directory or images given")
		}
		listed, err := fsutil.ListImages(req.InputDir)
		if err != nil {
			return nil, err
		}
		paths = listed
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no images found in %s", req.InputDir)
	}
	SortPaths(paths, req.Ordering)
	return paths, nil
}

// splitReference separates the reference from the images to align. An
// explicit reference must be one of paths.
func splitReference(paths []string, reference string) (string, []string, error) {
	if reference == "" {
		return paths[0], paths[1:], nil
	}
	want := filepath.Base(reference)
	for i, p := range paths {
		if filepath.Base(p) == want {
			moving := make([]string, 0, len(paths)-1)
			moving = append(moving, paths[:i]...)
			moving = append(moving, paths[i+1:]...)
			return p, moving, nil
		}
	}
	return "", nil, fmt.Errorf("reference %s is not among the input images", want)
}

func (a *TimelapseAligner) prepareReference(ctx context.Context, b *batch, p string) (referenceFrame, FrameReport, error) {
	start := time.Now()
	rep := FrameReport{Name: filepath.Base(p), Reference: true, Homography: vision.Identity()}
	fail := func(err error) (referenceFrame, FrameReport, error) {
		rep.Err = err
		rep.Elapsed = time.Since(start).Seconds()
		return referenceFrame{}, rep, err
	}

	img, err := a.decodeAndCrop(ctx, b.req, p)
	if err != nil {
		return fail(err)
	}
	set, err := a.extract(b, img)
	if err != nil {
		return fail(err)
	}
	rep.Keypoints = set.Len()

	bounds := img.Bounds()
	out, err := b.req.PostCrop.Apply(img)
	if err != nil {
		return fail(err)
	}
	if err := a.emit(ctx, b, &rep, out); err != nil {
		return fail(err)
	}
	rep.Elapsed = time.Since(start).Seconds()
	return referenceFrame{set: set, width: bounds.Dx(), height: bounds.Dy()}, rep, nil
}

func (a *TimelapseAligner) alignOne(ctx context.Context, b *batch, p string) FrameReport {
	start := time.Now()
	rep := FrameReport{Name: filepath.Base(p)}
	fail := func(err error) FrameReport {
		rep.Err = err
		rep.Elapsed = time.Since(start).Seconds()
		return rep
	}

	img, err := a.decodeAndCrop(ctx, b.req, p)
	if err != nil {
		return fail(err)
	}
	set, err := a.extract(b, img)
	if err != nil {
		return fail(err)
	}
	rep.Keypoints = set.Len()
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	matches := b.proc.Match(b.ref.set, set)
	rep.Correspondences = len(matches)
	h, err := b.proc.Estimate(b.ref.set, set, matches)
	if err != nil {
		return fail(err)
	}
	rep.Homography = h
	rep.Inliers = h.NumInliers()
	bounds := img.Bounds()
	if err := h.Validate(bounds.Dx(), bounds.Dy(), a.Validate); err != nil {
		return fail(err)
	}
	if err := ctx.Err(); err != nil {
		return fail(err)
	}

	warped, err := b.proc.Warp(img, h, b.ref.width, b.ref.height)
	if err != nil {
		return fail(err)
	}
	out, err := b.req.PostCrop.Apply(warped)
	if err != nil {
		return fail(err)
	}
	if err := a.emit(ctx, b, &rep, out); err != nil {
		return fail(err)
	}
	rep.Elapsed = time.Since(start).Seconds()
	return rep
}

func (a *TimelapseAligner) decodeAndCrop(ctx context.Context, req AlignRequest, p string) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	img, err := fsutil.LoadImage(p)
	if err != nil {
		return nil, err
	}
	return req.PreCrop.Apply(img)
}

// extract runs feature detection, on an equalized copy when requested.
func (a *TimelapseAligner) extract(b *batch, img *image.RGBA) (*vision.KeypointSet, error) {
	src := img
	if b.req.Equalize && a.Equalizer != nil {
		eq, err := a.Equalizer.Equalize(img)
		if err != nil {
			return nil, fmt.Errorf("equalize: %w", err)
		}
		src = eq
	}
	set, err := b.proc.Extract(src)
	if err != nil {
		return nil, err
	}
	if b.req.MinKeypoints > 0 && set.Len() < b.req.MinKeypoints {
		return nil, &vision.InsufficientFeaturesError{Have: set.Len(), Need: b.req.MinKeypoints}
	}
	return set, nil
}

// emit writes the frame and, when enabled, its timestamped copy. A failed
// overlay is recorded against the overlay name only.
func (a *TimelapseAligner) emit(ctx context.Context, b *batch, rep *FrameReport, img *image.RGBA) error {
	loc, err := b.req.Sink.Put(ctx, rep.Name, img)
	if err != nil {
		return err
	}
	rep.Output = loc
	if b.overlays == nil || a.Overlayer == nil {
		return nil
	}

	key := path.Join(b.overlaySubdir, rep.Name)
	overlayErr := func() error {
		text, err := OverlayText(rep.Name)
		if err != nil {
			return err
		}
		stamped, err := a.Overlayer.Render(img, text)
		if err != nil {
			return fmt.Errorf("overlay: %w", err)
		}
		oloc, err := b.overlays.Put(ctx, rep.Name, stamped)
		if err != nil {
			return err
		}
		b.mu.Lock()
		b.report.Overlays[key] = oloc
		b.mu.Unlock()
		return nil
	}()
	if overlayErr != nil {
		b.logger.Warn("overlay failed", "image", rep.Name, "error", overlayErr)
		b.mu.Lock()
		b.report.Failures[key] = overlayErr
		b.mu.Unlock()
	}
	return nil
}

// finish records a frame and reports progress.
func (b *batch) finish(rep FrameReport) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.done++
	b.report.Frames = append(b.report.Frames, rep)
	if rep.Err != nil {
		b.report.Failures[rep.Name] = rep.Err
		b.logger.Warn("alignment failed",
			"image", rep.Name,
			"done", b.done,
			"total", b.total,
			"error", rep.Err,
		)
	} else {
		b.report.Outputs[rep.Name] = rep.Output
		b.logger.Info(fmt.Sprintf("aligned %d of %d", b.done, b.total),
			"image", rep.Name,
			"keypoints", rep.Keypoints,
			"matches", rep.Correspondences,
			"inliers", rep.Inliers,
		)
	}
	if b.req.Progress != nil {
		b.req.Progress(ProgressEvent{
			Done:    b.done,
			Total:   b.total,
			Name:    rep.Name,
			Err:     rep.Err,
			Elapsed: time.Duration(rep.Elapsed * float64(time.Second)),
		})
	}
}
