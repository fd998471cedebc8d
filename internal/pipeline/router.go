package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"time"

	"lapse/internal/config"
	"lapse/internal/fsutil"
	"lapse/internal/sink"
	"lapse/internal/storage"
	"lapse/internal/tasks"
)

// router implements Processor and routes jobs to their concrete handlers.
type router struct {
	log      *slog.Logger
	store    *storage.Store
	cfg      *config.Config
	alignFn  alignFunc
	videoFn  videoFunc
	gifFn    gifFunc
	sinkFn   sinkFunc
	progress func(jobID string, ev tasks.ProgressEvent)
}

type alignFunc func(ctx context.Context, req tasks.AlignRequest) (tasks.AlignReport, error)

type videoFunc func(ctx context.Context, req tasks.VideoRequest) (tasks.OutputFile, error)

type gifFunc func(ctx context.Context, req tasks.GIFRequest) (tasks.OutputFile, error)

type sinkFunc func(ctx context.Context, dir string) (sink.Sink, error)

func newRouter(logger *slog.Logger, store *storage.Store, cfg *config.Config, progress func(string, tasks.ProgressEvent)) Processor {
	aligner := tasks.NewTimelapseAligner(cfg, logger)
	return &router{
		log:     logger,
		store:   store,
		cfg:     cfg,
		alignFn: aligner.AlignAll,
		videoFn: tasks.EncodeVideo,
		gifFn:   tasks.EncodeGIF,
		sinkFn: func(ctx context.Context, dir string) (sink.Sink, error) {
			return sink.New(ctx, dir, cfg.Sink, cfg.Encoding.JPEGQuality)
		},
		progress: progress,
	}
}

func (r *router) Process(ctx context.Context, job Job) Result {
	switch job.Type {
	case JobAlign:
		return r.handleAlign(ctx, job)
	case JobVideo:
		return r.handleVideo(ctx, job)
	case JobGIF:
		return r.handleGIF(ctx, job)
	case JobRun:
		return r.handleRun(ctx, job)
	default:
		return Result{Job: job, Error: fmt.Errorf("unknown job type: %s", job.Type)}
	}
}

func (r *router) handleAlign(ctx context.Context, job Job) Result {
	meta := map[string]any{"output": job.Output}

	force := getBoolOption(job.Options, "force")
	if !force {
		upToDate, err := tasks.AlignmentUpToDate(job.InputPath, job.Output)
		if err != nil {
			return Result{Job: job, Error: err, Meta: meta}
		}
		if upToDate {
			r.log.Info("aligned frames are up to date, skipping", "input", job.InputPath, "output", job.Output)
			meta["skipped"] = true
			return Result{Job: job, Meta: meta}
		}
	}
	if err := tasks.ClearOutputImages(job.Output, r.cfg.Overlay.Subdir); err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}

	req, err := r.alignRequest(job)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	req.Sink, err = r.sinkFn(ctx, job.Output)
	if err != nil {
		return Result{Job: job, Error: err, Meta: meta}
	}
	meta["sink"] = req.Sink.Location()
	if r.progress != nil {
		req.Progress = func(ev tasks.ProgressEvent) { r.progress(job.ID, ev) }
	}

	report, err := r.alignFn(ctx, req)
	r.recordFrames(job.ID, report)

	meta["reference"] = report.Reference
	meta["processor"] = report.Processor
	meta["aligned"] = report.Aligned()
	meta["failed"] = len(report.Failures)
	meta["elapsed_seconds"] = report.Elapsed.Seconds()
	if len(report.Failures) > 0 {
		failed := make([]string, 0, len(report.Failures))
		for name := range report.Failures {
			failed = append(failed, name)
		}
		sort.Strings(failed)
		meta["failures"] = failed
	}
	return Result{Job: job, Error: err, Meta: meta}
}

// alignRequest overlays job options on the configured batch policy.
func (r *router) alignRequest(job Job) (tasks.AlignRequest, error) {
	req, err := tasks.RequestFromConfig(r.cfg)
	if err != nil {
		return req, err
	}
	req.InputDir = job.InputPath
	req.Images = getStringsOption(job.Options, "images")
	if ref := getStringOption(job.Options, "reference"); ref != "" {
		req.Reference = ref
	}
	if order := getStringOption(job.Options, "order"); order != "" {
		if req.Ordering, err = tasks.OrderingByName(order); err != nil {
			return req, err
		}
	}
	if p := getStringOption(job.Options, "processor"); p != "" {
		req.Processor = p
	}
	if _, ok := job.Options["timestamps"]; ok {
		req.Overlay = getBoolOption(job.Options, "timestamps")
	}
	if _, ok := job.Options["equalize"]; ok {
		req.Equalize = getBoolOption(job.Options, "equalize")
	}
	if _, ok := job.Options["failFast"]; ok {
		req.FailFast = getBoolOption(job.Options, "failFast")
	}
	if n := getIntOption(job.Options, "workers"); n > 0 {
		req.Concurrency = n
	}
	return req, nil
}

func (r *router) recordFrames(jobID string, report tasks.AlignReport) {
	if r.store == nil {
		return
	}
	var refKeypoints int
	for _, f := range report.Frames {
		if f.Reference {
			refKeypoints = f.Keypoints
		}
	}
	for _, f := range report.Frames {
		rec := storage.FrameRecord{
			JobID:           jobID,
			Name:            f.Name,
			Reference:       report.Reference,
			Status:          "aligned",
			Processor:       report.Processor,
			RefKeypoints:    refKeypoints,
			Keypoints:       f.Keypoints,
			Correspondences: f.Correspondences,
			Inliers:         f.Inliers,
			OutputPath:      f.Output,
			Elapsed:         time.Duration(f.Elapsed * float64(time.Second)),
		}
		if f.Reference {
			rec.Status = "reference"
		}
		if f.Homography != nil {
			m := f.Homography.M
			rec.Homography = &m
			rec.InlierSet = f.Homography.Inliers
		}
		if f.Err != nil {
			rec.Status = "failed"
			rec.Error = f.Err.Error()
		}
		if err := r.store.RecordFrame(rec); err != nil {
			r.log.Warn("failed to record frame", "job_id", jobID, "image", f.Name, "error", err)
		}
	}
}

func (r *router) handleVideo(ctx context.Context, job Job) Result {
	vc := r.cfg.Encoding.Video
	req := tasks.VideoRequest{
		FramesDir: job.InputPath,
		Output:    job.Output,
		FPS:       vc.FPS,
		Codec:     vc.Codec,
		PixFmt:    vc.PixFmt,
		Repeat:    vc.Repeat,
		Resize:    vc.Resize,
		Tool:      vc.Tool,
		WorkDir:   r.cfg.Processing.TempDir,
	}
	if fps := getFloat64Option(job.Options, "fps"); fps > 0 {
		req.FPS = fps
	}
	if n := getIntOption(job.Options, "repeat"); n > 0 {
		req.Repeat = n
	}
	if n := getIntOption(job.Options, "resize"); n > 0 {
		req.Resize = n
	}
	if req.WorkDir != "" {
		if err := fsutil.EnsureDir(req.WorkDir); err != nil {
			return Result{Job: job, Error: err}
		}
	}

	out, err := r.videoFn(ctx, req)
	return Result{Job: job, Error: err, Meta: outputMeta(out)}
}

func (r *router) handleGIF(ctx context.Context, job Job) Result {
	gc := r.cfg.Encoding.GIF
	req := tasks.GIFRequest{
		FramesDir:           job.InputPath,
		Output:              job.Output,
		FPS:                 gc.FPS,
		Resize:              gc.Resize,
		LastDelayMultiplier: gc.LastDelayMultiplier,
	}
	if fps := getFloat64Option(job.Options, "fps"); fps > 0 {
		req.FPS = fps
	}
	if n := getIntOption(job.Options, "resize"); n > 0 {
		req.Resize = n
	}
	if m := getFloat64Option(job.Options, "lastDelay"); m > 0 {
		req.LastDelayMultiplier = m
	}

	out, err := r.gifFn(ctx, req)
	return Result{Job: job, Error: err, Meta: outputMeta(out)}
}

// handleRun aligns the input, then encodes the aligned frames as a video and
// a GIF. Partial alignment failures do not stop the encoders.
func (r *router) handleRun(ctx context.Context, job Job) Result {
	aligned := r.handleAlign(ctx, Job{ID: job.ID, Type: JobAlign, InputPath: job.InputPath, Output: job.Output, Options: job.Options})
	meta := map[string]any{"align": aligned.Meta}
	var batchErr *tasks.BatchError
	if aligned.Error != nil && !errors.As(aligned.Error, &batchErr) {
		return Result{Job: job, Error: aligned.Error, Meta: meta}
	}

	outDir := filepath.Dir(filepath.Clean(job.Output))
	errs := []error{aligned.Error}

	if r.cfg.Encoding.Video.Enabled && !getBoolOption(job.Options, "noVideo") {
		out := getStringOption(job.Options, "video")
		if out == "" {
			out = filepath.Join(outDir, r.cfg.Encoding.Video.Output)
		}
		res := r.handleVideo(ctx, Job{ID: job.ID, Type: JobVideo, InputPath: job.Output, Output: out, Options: job.Options})
		meta["video"] = res.Meta
		errs = append(errs, res.Error)
	}
	if r.cfg.Encoding.GIF.Enabled && !getBoolOption(job.Options, "noGIF") {
		out := getStringOption(job.Options, "gif")
		if out == "" {
			out = filepath.Join(outDir, r.cfg.Encoding.GIF.Output)
		}
		gifOpts := map[string]any{}
		if v, ok := job.Options["gifFps"]; ok {
			gifOpts["fps"] = v
		}
		res := r.handleGIF(ctx, Job{ID: job.ID, Type: JobGIF, InputPath: job.Output, Output: out, Options: gifOpts})
		meta["gif"] = res.Meta
		errs = append(errs, res.Error)
	}
	return Result{Job: job, Error: errors.Join(errs...), Meta: meta}
}

func outputMeta(out tasks.OutputFile) map[string]any {
	return map[string]any{
		"output": out.Path,
		"format": out.Format,
		"codec":  out.Codec,
		"frames": out.Frames,
		"size":   out.Size,
	}
}

// Helper functions to safely extract typed options from job.Options map.
// Options decoded from JSON carry numbers as float64.
func getBoolOption(options map[string]any, key string) bool {
	if val, ok := options[key].(bool); ok {
		return val
	}
	return false
}

func getStringOption(options map[string]any, key string) string {
	if val, ok := options[key].(string); ok {
		return val
	}
	return ""
}

func getStringsOption(options map[string]any, key string) []string {
	switch val := options[key].(type) {
	case []string:
		return val
	case []any:
		out := make([]string, 0, len(val))
		for _, v := range val {
			if s, ok := v.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func getFloat64Option(options map[string]any, key string) float64 {
	switch val := options[key].(type) {
	case float64:
		return val
	case int:
		return float64(val)
	}
	return 0.0
}

func getIntOption(options map[string]any, key string) int {
	switch val := options[key].(type) {
	case int:
		return val
	case float64:
		return int(val)
	}
	return 0
}
