package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"lapse/internal/config"
	"lapse/internal/pipeline"
	"lapse/internal/storage"
	"lapse/internal/tasks"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"
)

// NewRootCmd creates the root Cobra command
func NewRootCmd(cfg *config.Config, log *slog.Logger, store *storage.Store, pipe *pipeline.Pipeline) *cobra.Command {
	return newCommand(NewRoot(pipe, cfg, log, store))
}

func newCommand(root *Root) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "lapse",
		Short: "Lapse aligns time-lapse photo sequences",
		Long: `Lapse registers every photo of a fixed-camera sequence onto a reference frame
using SIFT features and a RANSAC homography, then encodes the aligned frames
as a video and an animated GIF.`,
		SilenceUsage: true,
	}
	rootCmd.SetOut(root.out)

	// Processing commands
	rootCmd.AddCommand(newAlignCmd(root))
	rootCmd.AddCommand(newVideoCmd(root))
	rootCmd.AddCommand(newGIFCmd(root))
	rootCmd.AddCommand(newRunCmd(root))
	rootCmd.AddCommand(newWatchCmd(root))

	// Service and inspection commands
	rootCmd.AddCommand(newServeCmd(root))
	rootCmd.AddCommand(newJobsCmd(root))
	rootCmd.AddCommand(newFramesCmd(root))
	rootCmd.AddCommand(newToolsCmd(root))
	rootCmd.AddCommand(newConfigCmd(root))
	rootCmd.AddCommand(newVersionCmd(root))

	return rootCmd
}

// alignFlags are shared by align, run and watch.
type alignFlags struct {
	output     string
	reference  string
	order      string
	timestamps bool
	equalize   bool
	workers    int
	failFast   bool
	processor  string
	force      bool
}

func (f *alignFlags) register(cmd *cobra.Command, root *Root) {
	cmd.Flags().StringVarP(&f.output, "output", "o", root.cfg.Paths.DefaultOutput, "directory for the aligned frames")
	cmd.Flags().StringVar(&f.reference, "reference", "", "reference image name, first in order if empty")
	cmd.Flags().StringVar(&f.order, "order", root.cfg.Alignment.Order, "frame order (lexicographic|timestamp)")
	cmd.Flags().BoolVar(&f.timestamps, "timestamps", root.cfg.Overlay.Enabled, "also write copies stamped with the capture time")
	cmd.Flags().BoolVar(&f.equalize, "equalize", root.cfg.Alignment.Equalize.Enabled, "equalize contrast before feature extraction")
	cmd.Flags().IntVar(&f.workers, "workers", root.cfg.Alignment.MaxConcurrency, "parallel alignments, 0 means one per CPU")
	cmd.Flags().BoolVar(&f.failFast, "fail-fast", root.cfg.Alignment.FailFast, "stop the batch at the first failed image")
	cmd.Flags().StringVar(&f.processor, "processor", "", "alignment engine (native|opencv), configured default if empty")
	cmd.Flags().BoolVar(&f.force, "force", false, "realign even when the output is up to date")
}

func (f *alignFlags) options() map[string]any {
	return map[string]any{
		"reference":  f.reference,
		"order":      f.order,
		"timestamps": f.timestamps,
		"equalize":   f.equalize,
		"workers":    f.workers,
		"failFast":   f.failFast,
		"processor":  f.processor,
		"force":      f.force,
		"source":     "cli",
	}
}

func newAlignCmd(root *Root) *cobra.Command {
	var flags alignFlags

	cmd := &cobra.Command{
		Use:   "align <input_directory>",
		Short: "Align every image of a directory onto a reference frame",
		Long: `Align every image of a directory onto a reference frame.

The images are sorted, the first one becomes the reference unless --reference
names another, and every other image is warped onto it. Aligned frames keep
their original names.

Examples:
  lapse align pictures/ --output aligned_pictures/
  lapse align pictures/ --order timestamp --timestamps
  lapse align pictures/ --reference 20250611_232336.jpg --workers 4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job := pipeline.Job{
				ID:        pipeline.NewJobID("al"),
				Type:      pipeline.JobAlign,
				InputPath: args[0],
				Output:    flags.output,
				Options:   flags.options(),
			}
			_, err := root.enqueueAndWait(cmd.Context(), job)
			return err
		},
	}
	flags.register(cmd, root)
	return cmd
}

func newVideoCmd(root *Root) *cobra.Command {
	var (
		output string
		fps    float64
		repeat int
		resize int
	)

	cmd := &cobra.Command{
		Use:   "video <frames_directory>",
		Short: "Encode a directory of frames as a video",
		Long: `Encode the frames of a directory, in name order, as a video with ffmpeg.

Examples:
  lapse video aligned_pictures/ --output out/timelapse.mp4 --fps 7
  lapse video aligned_pictures/ --repeat 3 --resize 1920`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if output == "" {
				output = siblingOutput(input, root.cfg.Encoding.Video.Output)
			}
			job := pipeline.Job{
				ID:        pipeline.NewJobID("vid"),
				Type:      pipeline.JobVideo,
				InputPath: input,
				Output:    output,
				Options: map[string]any{
					"fps":    fps,
					"repeat": repeat,
					"resize": resize,
					"source": "cli",
				},
			}
			_, err := root.enqueueAndWait(cmd.Context(), job)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output video path, next to the frames directory if empty")
	cmd.Flags().Float64Var(&fps, "fps", root.cfg.Encoding.Video.FPS, "frames per second")
	cmd.Flags().IntVar(&repeat, "repeat", root.cfg.Encoding.Video.Repeat, "times each frame is repeated")
	cmd.Flags().IntVar(&resize, "resize", root.cfg.Encoding.Video.Resize, "fit frames within this many pixels, 0 keeps the size")
	return cmd
}

func newGIFCmd(root *Root) *cobra.Command {
	var (
		output    string
		fps       float64
		resize    int
		lastDelay float64
	)

	cmd := &cobra.Command{
		Use:   "gif <frames_directory>",
		Short: "Encode a directory of frames as an animated GIF",
		Long: `Encode the frames of a directory, in name order, as an endlessly looping GIF.

Examples:
  lapse gif aligned_pictures/ --output out/timelapse.gif --fps 3 --resize 1024
  lapse gif aligned_pictures/ --last-delay 4`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			input := args[0]
			if output == "" {
				output = siblingOutput(input, root.cfg.Encoding.GIF.Output)
			}
			job := pipeline.Job{
				ID:        pipeline.NewJobID("gif"),
				Type:      pipeline.JobGIF,
				InputPath: input,
				Output:    output,
				Options: map[string]any{
					"fps":       fps,
					"resize":    resize,
					"lastDelay": lastDelay,
					"source":    "cli",
				},
			}
			_, err := root.enqueueAndWait(cmd.Context(), job)
			return err
		},
	}

	cmd.Flags().StringVarP(&output, "output", "o", "", "output GIF path, next to the frames directory if empty")
	cmd.Flags().Float64Var(&fps, "fps", root.cfg.Encoding.GIF.FPS, "frames per second")
	cmd.Flags().IntVar(&resize, "resize", root.cfg.Encoding.GIF.Resize, "fit frames within this many pixels, 0 keeps the size")
	cmd.Flags().Float64Var(&lastDelay, "last-delay", root.cfg.Encoding.GIF.LastDelayMultiplier, "delay multiplier of the last frame")
	return cmd
}

func newRunCmd(root *Root) *cobra.Command {
	var (
		flags   alignFlags
		video   string
		gif     string
		noVideo bool
		noGIF   bool
	)

	cmd := &cobra.Command{
		Use:   "run <input_directory>",
		Short: "Align a directory, then encode the video and the GIF",
		Long: `Align a directory, then encode the aligned frames as a video and a GIF.

Alignment is skipped when the output already holds every input name. The
encoders run even when some images failed to align.

Examples:
  lapse run pictures/ --output aligned_pictures/
  lapse run pictures/ --video out/perdita.mp4 --gif out/perdita.gif`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := flags.options()
			opts["video"] = video
			opts["gif"] = gif
			opts["noVideo"] = noVideo
			opts["noGIF"] = noGIF
			job := pipeline.Job{
				ID:        pipeline.NewJobID("run"),
				Type:      pipeline.JobRun,
				InputPath: args[0],
				Output:    flags.output,
				Options:   opts,
			}
			_, err := root.enqueueAndWait(cmd.Context(), job)
			return err
		},
	}

	flags.register(cmd, root)
	cmd.Flags().StringVar(&video, "video", "", "output video path, next to the aligned directory if empty")
	cmd.Flags().StringVar(&gif, "gif", "", "output GIF path, next to the aligned directory if empty")
	cmd.Flags().BoolVar(&noVideo, "no-video", false, "skip the video")
	cmd.Flags().BoolVar(&noGIF, "no-gif", false, "skip the GIF")
	return cmd
}

func newWatchCmd(root *Root) *cobra.Command {
	var flags alignFlags

	cmd := &cobra.Command{
		Use:   "watch <input_directory>",
		Short: "Realign and re-encode whenever frames are added",
		Long: `Watch a directory and realign it whenever images change.

Bursts of changes are merged until the directory is quiet for
watch.debounce, and runs are spaced by at least watch.min_interval. Each run
aligns the directory and then encodes the video and GIF enabled under
watch.video and watch.gif.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.watch(cmd.Context(), args[0], flags)
		},
	}
	flags.register(cmd, root)
	return cmd
}

// watch runs one cycle immediately, then one per debounced burst of events.
func (r *Root) watch(ctx context.Context, input string, flags alignFlags) error {
	events, stop, err := r.watchFn(input, r.log)
	if err != nil {
		return fmt.Errorf("watch %s: %w", input, err)
	}
	defer stop()

	limiter := rate.NewLimiter(rate.Every(r.cfg.Watch.MinInterval.Duration), 1)
	if r.cfg.Watch.MinInterval.Duration <= 0 {
		limiter = rate.NewLimiter(rate.Inf, 1)
	}
	limiter.Allow()
	r.watchCycle(ctx, input, flags)

	err = tasks.Debounce(ctx, events, r.cfg.Watch.Debounce.Duration, limiter, func(ctx context.Context, batch []tasks.FrameEvent) {
		r.log.Info("frames changed", "dir", input, "events", len(batch))
		r.watchCycle(ctx, input, flags)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (r *Root) watchCycle(ctx context.Context, input string, flags alignFlags) {
	start := time.Now()
	job := pipeline.Job{
		ID:        pipeline.NewJobID("al"),
		Type:      pipeline.JobAlign,
		InputPath: input,
		Output:    flags.output,
		Options:   flags.options(),
	}
	res, err := r.enqueueAndWait(ctx, job)
	var batchErr *tasks.BatchError
	if err != nil && !errors.As(err, &batchErr) {
		r.log.Error("watch alignment failed", "dir", input, "error", err)
		return
	}
	if res.Meta["skipped"] == true {
		return
	}

	var encodes []pipeline.Job
	if r.cfg.Watch.Video {
		encodes = append(encodes, pipeline.Job{
			ID:        pipeline.NewJobID("vid"),
			Type:      pipeline.JobVideo,
			InputPath: flags.output,
			Output:    siblingOutput(flags.output, r.cfg.Encoding.Video.Output),
		})
	}
	if r.cfg.Watch.GIF {
		encodes = append(encodes, pipeline.Job{
			ID:        pipeline.NewJobID("gif"),
			Type:      pipeline.JobGIF,
			InputPath: flags.output,
			Output:    siblingOutput(flags.output, r.cfg.Encoding.GIF.Output),
		})
	}
	for _, job := range encodes {
		if _, err := r.enqueueAndWait(ctx, job); err != nil {
			r.log.Error("watch encode failed", "type", job.Type, "output", job.Output, "error", err)
		}
	}
	r.log.Info("watch cycle finished", "dir", input, "duration", time.Since(start).Round(time.Millisecond))
}

// siblingOutput places name next to dir, the way out/ sits beside the
// aligned frames.
func siblingOutput(dir, name string) string {
	return filepath.Join(filepath.Dir(filepath.Clean(dir)), name)
}

func newServeCmd(root *Root) *cobra.Command {
	var addr string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API",
		Long: `Start an HTTP server to submit jobs, inspect their history and follow progress.

Endpoints: /healthz, /jobs, /jobs/{id}, /jobs/{id}/frames, /stream (SSE), /ws.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			root.log.Info("starting server", "addr", addr)
			return root.serveFn(cmd.Context(), addr, root.store, root.pipeline, root.log)
		},
	}

	cmd.Flags().StringVar(&addr, "addr", root.cfg.Server.Addr, "server address (host:port)")
	return cmd
}

func newJobsCmd(root *Root) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdJobs(limit)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of jobs to show")
	return cmd
}

func newFramesCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "frames <job_id>",
		Short: "Show the per-image outcome of an alignment job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdFrames(args[0])
		},
	}
}

func newToolsCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "tools",
		Short: "Show encoder and alignment engine availability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdTools()
		},
	}
}

func newConfigCmd(root *Root) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect configuration settings",
	}
	showCmd := &cobra.Command{
		Use:   "show",
		Short: "Show current configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.configShow()
		},
	}
	cmd.AddCommand(showCmd)
	return cmd
}

func newVersionCmd(root *Root) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		RunE: func(cmd *cobra.Command, args []string) error {
			return root.cmdVersion()
		},
	}
}
