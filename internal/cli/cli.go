package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sort"

	"lapse/internal/config"
	"lapse/internal/pipeline"
	"lapse/internal/server"
	"lapse/internal/storage"
	"lapse/internal/tasks"
)

type pipelineClient interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Event, func())
}

type toolManager interface {
	GetToolStatus() map[string]map[string]tasks.ToolStatus
}

type toolManagerFactory func(*config.Config) toolManager

type serverFunc func(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error

// frameSource starts watching dir and returns its events and a stop function.
type frameSource func(dir string, log *slog.Logger) (<-chan tasks.FrameEvent, func() error, error)

func defaultServe(ctx context.Context, addr string, store *storage.Store, pipe pipelineClient, log *slog.Logger) error {
	return server.Serve(ctx, addr, store, pipe, log)
}

func defaultFrameSource(dir string, log *slog.Logger) (<-chan tasks.FrameEvent, func() error, error) {
	fw, err := tasks.NewFrameWatcher(dir, log)
	if err != nil {
		return nil, nil, err
	}
	if err := fw.Start(); err != nil {
		fw.Stop()
		return nil, nil, err
	}
	return fw.Events, fw.Stop, nil
}

// Root wires CLI commands to the pipeline.
type Root struct {
	pipeline    pipelineClient
	cfg         *config.Config
	log         *slog.Logger
	store       *storage.Store
	out         io.Writer
	toolFactory toolManagerFactory
	serveFn     serverFunc
	watchFn     frameSource
}

// NewRoot constructs the state shared by all commands.
func NewRoot(pl *pipeline.Pipeline, cfg *config.Config, logger *slog.Logger, store *storage.Store) *Root {
	return &Root{
		pipeline: pl,
		cfg:      cfg,
		log:      logger,
		store:    store,
		out:      os.Stdout,
		toolFactory: func(cfg *config.Config) toolManager {
			return tasks.NewToolManager(cfg)
		},
		serveFn: defaultServe,
		watchFn: defaultFrameSource,
	}
}

func (r *Root) newToolManager() toolManager {
	if r.toolFactory != nil {
		return r.toolFactory(r.cfg)
	}
	return tasks.NewToolManager(r.cfg)
}

// enqueueAndWait submits job and blocks until its result arrives, printing
// per-image progress on the way.
func (r *Root) enqueueAndWait(ctx context.Context, job pipeline.Job) (pipeline.Result, error) {
	events, unsubscribe := r.pipeline.Subscribe()
	defer unsubscribe()
	if err := r.enqueue(ctx, job); err != nil {
		return pipeline.Result{}, err
	}
	results, err := pipeline.WaitResults(ctx, events, []string{job.ID}, r.printProgress)
	if err != nil {
		return pipeline.Result{}, err
	}
	res := results[job.ID]
	r.printSummary(res)
	return res, res.Error
}

func (r *Root) enqueue(ctx context.Context, job pipeline.Job) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if err := r.pipeline.Submit(job); err != nil {
		return err
	}

	r.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath)
	return nil
}

func (r *Root) printProgress(p pipeline.Progress) {
	if p.Err != nil {
		fmt.Fprintf(r.out, "[%d/%d] %s failed: %v\n", p.Done, p.Total, p.Name, p.Err)
		return
	}
	fmt.Fprintf(r.out, "[%d/%d] %s\n", p.Done, p.Total, p.Name)
}

func (r *Root) printSummary(res pipeline.Result) {
	switch res.Job.Type {
	case pipeline.JobAlign:
		printAlignMeta(r.out, res.Meta)
	case pipeline.JobVideo, pipeline.JobGIF:
		printOutputMeta(r.out, res.Meta)
	case pipeline.JobRun:
		if m, ok := res.Meta["align"].(map[string]any); ok {
			printAlignMeta(r.out, m)
		}
		for _, key := range []string{"video", "gif"} {
			if m, ok := res.Meta[key].(map[string]any); ok {
				printOutputMeta(r.out, m)
			}
		}
	}
	var batchErr *tasks.BatchError
	if errors.As(res.Error, &batchErr) {
		for _, name := range batchErr.Names() {
			fmt.Fprintf(r.out, "  %s: %v\n", name, batchErr.Failures[name])
		}
	}
}

func printAlignMeta(w io.Writer, meta map[string]any) {
	if meta == nil {
		return
	}
	if meta["skipped"] == true {
		fmt.Fprintf(w, "Aligned frames in %v are up to date\n", meta["output"])
		return
	}
	if _, ok := meta["aligned"]; !ok {
		return
	}
	fmt.Fprintf(w, "Aligned %v frames onto %v (%v failed) in %.2fs -> %v\n",
		meta["aligned"], meta["reference"], meta["failed"], toFloat(meta["elapsed_seconds"]), meta["sink"])
}

func printOutputMeta(w io.Writer, meta map[string]any) {
	if meta == nil || meta["output"] == "" || meta["output"] == nil {
		return
	}
	fmt.Fprintf(w, "Created %v (%v frames) at %v\n", meta["format"], meta["frames"], meta["output"])
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case float64:
		return n
	case int:
		return float64(n)
	}
	return 0
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
