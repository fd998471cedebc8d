package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sync"
	"time"

	"log/slog"

	"lapse/internal/config"
	"lapse/internal/logging"
	"lapse/internal/storage"
	"lapse/internal/tasks"
)

// JobType enumerates supported processing categories.
type JobType string

const (
	JobAlign JobType = "align"
	JobVideo JobType = "video"
	JobGIF   JobType = "gif"
	JobRun   JobType = "run"
)

// Job represents a single processing request.
type Job struct {
	ID        string         `json:"id"`
	Type      JobType        `json:"type"`
	InputPath string         `json:"input"`
	Output    string         `json:"output"`
	Options   map[string]any `json:"options,omitempty"`
}

// Result captures the outcome of a Job.
type Result struct {
	Job   Job
	Error error
	Meta  map[string]any
}

// Progress reports one finished image of a running alignment job.
type Progress struct {
	JobID string
	tasks.ProgressEvent
}

// Event is delivered to subscribers: either a progress update or a result.
type Event struct {
	Progress *Progress
	Result   *Result
}

// Processor executes a job and returns a Result.
type Processor interface {
	Process(ctx context.Context, job Job) Result
}

// Pipeline orchestrates job dispatch across workers.
type Pipeline struct {
	processor Processor
	log       *slog.Logger
	jobs      chan Job
	wg        sync.WaitGroup
	cancel    context.CancelFunc
	startOnce sync.Once
	stopOnce  sync.Once
	store     *storage.Store
	cfg       *config.Config
	mu        sync.Mutex
	subs      map[int]chan Event
	nextSubID int
}

// New creates a new Pipeline with the given concurrency backed by the task router.
func New(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config) *Pipeline {
	return newPipeline(ctx, concurrency, logger, store, cfg, nil)
}

func newPipeline(ctx context.Context, concurrency int, logger *slog.Logger, store *storage.Store, cfg *config.Config, proc Processor) *Pipeline {
	if concurrency < 1 {
		concurrency = 1
	}
	if cfg == nil {
		cfg = config.Default()
	}
	if logger == nil {
		logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(ctx)
	p := &Pipeline{
		log:    logger,
		jobs:   make(chan Job, concurrency*2),
		cancel: cancel,
		store:  store,
		subs:   make(map[int]chan Event),
		cfg:    cfg,
	}

	p.startOnce.Do(func() {
		p.processor = proc
		if p.processor == nil {
			p.processor = newRouter(logger, store, cfg, p.publishProgress)
		}
		for i := 0; i < concurrency; i++ {
			p.wg.Add(1)
			go p.worker(ctx, i)
		}
	})

	return p
}

// Submit adds a job to the processing queue.
func (p *Pipeline) Submit(job Job) error {
	if p.store != nil {
		optsJSON, _ := json.Marshal(job.Options)
		_ = p.store.RecordJobQueued(storage.JobRecord{
			ID:          job.ID,
			JobType:     string(job.Type),
			Status:      "queued",
			InputPath:   job.InputPath,
			OutputPath:  job.Output,
			OptionsJSON: string(optsJSON),
		})
	}

	select {
	case p.jobs <- job:
		return nil
	default:
		return errors.New("job queue is full")
	}
}

// Stop signals workers to exit and waits for completion.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() {
		p.cancel()
		close(p.jobs)
		p.wg.Wait()
		p.mu.Lock()
		for id, ch := range p.subs {
			close(ch)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	})
}

func (p *Pipeline) worker(ctx context.Context, id int) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case job, ok := <-p.jobs:
			if !ok {
				return
			}
			start := time.Now()

			logging.LogJobStart(p.log, string(job.Type), job.ID, job.InputPath, job.Output, job.Options)

			if p.store != nil {
				_ = p.store.RecordJobStart(job.ID)
			}
			res := p.processor.Process(ctx, job)
			duration := time.Since(start)

			status := "completed"
			if res.Error != nil {
				status = "failed"
				logging.LogJobError(p.log, string(job.Type), job.ID, duration, res.Error, map[string]any{
					"input":   job.InputPath,
					"output":  job.Output,
					"options": job.Options,
				})
			} else {
				logging.LogJobComplete(p.log, string(job.Type), job.ID, duration, res.Meta)
			}
			if p.store != nil {
				_ = p.store.RecordJobResult(job.ID, status, res.Meta, errString(res.Error))
			}

			p.broadcast(Event{Result: &res})
		}
	}
}

// Subscribe returns a channel for receiving progress and results and an
// unsubscribe function.
func (p *Pipeline) Subscribe() (<-chan Event, func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextSubID
	p.nextSubID++
	ch := make(chan Event, 32)
	p.subs[id] = ch
	unsub := func() {
		p.mu.Lock()
		if c, ok := p.subs[id]; ok {
			close(c)
			delete(p.subs, id)
		}
		p.mu.Unlock()
	}
	return ch, unsub
}

// WaitResults reads events until a result for each job id in ids arrived,
// forwarding progress to onProgress when set.
func WaitResults(ctx context.Context, events <-chan Event, ids []string, onProgress func(Progress)) (map[string]Result, error) {
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		want[id] = true
	}
	out := make(map[string]Result, len(ids))
	for len(out) < len(ids) {
		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return out, errors.New("pipeline stopped")
			}
			if ev.Progress != nil && want[ev.Progress.JobID] && onProgress != nil {
				onProgress(*ev.Progress)
			}
			if ev.Result != nil && want[ev.Result.Job.ID] {
				out[ev.Result.Job.ID] = *ev.Result
			}
		}
	}
	return out, nil
}

func (p *Pipeline) publishProgress(jobID string, ev tasks.ProgressEvent) {
	p.broadcast(Event{Progress: &Progress{JobID: jobID, ProgressEvent: ev}})
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// broadcast fans ev out to subscribers. Progress is dropped for slow
// subscribers; results wait briefly before being dropped.
func (p *Pipeline) broadcast(ev Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for id, ch := range p.subs {
		select {
		case ch <- ev:
			continue
		default:
		}
		if ev.Result == nil {
			continue
		}
		select {
		case ch <- ev:
		case <-time.After(time.Second):
			p.log.Warn("result channel full", "subscriber", id, "job", ev.Result.Job.ID)
		}
	}
}

// NewJobID returns a sortable job id such as "al-20250611T232336-0042".
func NewJobID(prefix string) string {
	ts := time.Now().UTC().Format("20060102T150405")
	return fmt.Sprintf("%s-%s-%04d", prefix, ts, rand.IntN(10000))
}
