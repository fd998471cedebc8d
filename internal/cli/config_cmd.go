package cli

import (
	"fmt"
	"os"
	"runtime"
	"text/tabwriter"
	"time"

	"lapse/internal/logging"
	"lapse/internal/tasks"
)

const version = "0.3.0"

func (r *Root) configShow() error {
	cfgPath := os.Getenv("LAPSE_CONFIG")
	if cfgPath == "" {
		cfgPath = "(default) ~/.config/lapse/config.json"
	}
	a := r.cfg.Alignment
	fmt.Fprintf(r.out, "Config file: %s\n", cfgPath)
	fmt.Fprintf(r.out, "\nPaths:\n")
	fmt.Fprintf(r.out, "  Database: %s\n", r.cfg.Paths.DatabasePath)
	fmt.Fprintf(r.out, "  Default output: %s\n", r.cfg.Paths.DefaultOutput)
	fmt.Fprintf(r.out, "  Temp directory: %s\n", r.cfg.Processing.TempDir)
	fmt.Fprintf(r.out, "  Parallel jobs: %d\n", r.cfg.Processing.ParallelJobs)
	fmt.Fprintf(r.out, "\nAlignment:\n")
	fmt.Fprintf(r.out, "  Processor: %s\n", a.DefaultProcessor)
	fmt.Fprintf(r.out, "  Order: %s\n", a.Order)
	fmt.Fprintf(r.out, "  Max concurrency: %d\n", a.MaxConcurrency)
	fmt.Fprintf(r.out, "  Ratio: %.2f\n", a.Matcher.Ratio)
	fmt.Fprintf(r.out, "  RANSAC threshold: %.1fpx, %d iterations\n", a.RANSAC.Threshold, a.RANSAC.MaxIters)
	if a.PreCrop.Disabled {
		fmt.Fprintf(r.out, "  Pre-crop: disabled\n")
	} else {
		fmt.Fprintf(r.out, "  Pre-crop: %dx%d %s\n", a.PreCrop.Width, a.PreCrop.Height, a.PreCrop.Anchor)
	}
	fmt.Fprintf(r.out, "  Post-crop border: %d\n", a.PostCrop.Border)
	fmt.Fprintf(r.out, "  Equalize: %t\n", a.Equalize.Enabled)
	fmt.Fprintf(r.out, "\nOutput:\n")
	fmt.Fprintf(r.out, "  Timestamps: %t (%s)\n", r.cfg.Overlay.Enabled, r.cfg.Overlay.Subdir)
	fmt.Fprintf(r.out, "  Video: %s at %.0f fps\n", r.cfg.Encoding.Video.Output, r.cfg.Encoding.Video.FPS)
	fmt.Fprintf(r.out, "  GIF: %s at %.0f fps\n", r.cfg.Encoding.GIF.Output, r.cfg.Encoding.GIF.FPS)
	if r.cfg.Sink.S3.Enabled {
		fmt.Fprintf(r.out, "  S3 mirror: %s/%s\n", r.cfg.Sink.S3.Endpoint, r.cfg.Sink.S3.Bucket)
	}
	fmt.Fprintf(r.out, "\nLogging:\n")
	fmt.Fprintf(r.out, "  Level: %s\n", r.cfg.Logging.Level)
	fmt.Fprintf(r.out, "  Format: %s\n", r.cfg.Logging.Format)
	fmt.Fprintf(r.out, "  Directory: %s\n", r.cfg.Logging.LogDir)
	return nil
}

func (r *Root) cmdVersion() error {
	fmt.Fprintf(r.out, "lapse v%s\n", version)
	fmt.Fprintf(r.out, "Built with Go %s\n", runtime.Version())
	mgr := tasks.NewAlignmentManager(&r.cfg.Alignment)
	fmt.Fprintf(r.out, "Alignment engines:\n")
	for _, name := range mgr.Names() {
		status := "❌ unavailable"
		if mgr.Processors()[name].IsAvailable() {
			status = "✅ available"
		}
		fmt.Fprintf(r.out, "  %s: %s\n", name, status)
	}
	return nil
}

// cmdTools shows encoder and engine availability.
func (r *Root) cmdTools() error {
	status := r.newToolManager().GetToolStatus()
	for _, group := range sortedKeys(status) {
		fmt.Fprintf(r.out, "%s:\n", group)
		for _, name := range tasks.SortedToolNames(status[group]) {
			st := status[group][name]
			logging.LogToolStatus(r.log, name, st.Available, st.Version, st.Path, st.Error)
			if !st.Available {
				fmt.Fprintf(r.out, "  ❌ %s\n", name)
				continue
			}
			if st.Version != "" {
				fmt.Fprintf(r.out, "  ✅ %s (%s)\n", name, st.Version)
			} else {
				fmt.Fprintf(r.out, "  ✅ %s\n", name)
			}
		}
	}
	return nil
}

func (r *Root) cmdJobs(limit int) error {
	recs, err := r.store.RecentJobs(limit)
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tTYPE\tSTATUS\tCREATED\tINPUT\tERROR")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\n",
			rec.ID, rec.JobType, rec.Status, rec.CreatedAt.Local().Format(time.DateTime), rec.InputPath, rec.Error)
	}
	return tw.Flush()
}

func (r *Root) cmdFrames(jobID string) error {
	recs, err := r.store.JobFrames(jobID)
	if err != nil {
		return err
	}
	if len(recs) == 0 {
		return fmt.Errorf("no frames recorded for job %s", jobID)
	}
	fmt.Fprintf(r.out, "Reference: %s (%d keypoints)\n", recs[0].Reference, recs[0].RefKeypoints)
	tw := tabwriter.NewWriter(r.out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tSTATUS\tKEYPOINTS\tMATCHES\tINLIERS\tELAPSED\tERROR")
	for _, rec := range recs {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\t%s\n",
			rec.Name, rec.Status, rec.Keypoints, rec.Correspondences, rec.Inliers, rec.Elapsed, rec.Error)
	}
	return tw.Flush()
}
