package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"lapse/internal/pipeline"
	"lapse/internal/storage"

	"github.com/gorilla/mux"
)

// JobQueue is the part of the pipeline the server needs.
type JobQueue interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Event, func())
}

// Server exposes job submission, history and live progress over HTTP.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline JobQueue
	log      *slog.Logger
	hub      *hub
	server   *http.Server
}

// NewServer creates a server. store may be nil, in which case the history
// endpoints report an error.
func NewServer(addr string, store *storage.Store, pipe JobQueue, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		log:      log,
		hub:      newHub(log),
	}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.relay(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		s.hub.closeAll()

		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Serve runs a server on addr until ctx is done.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe JobQueue, log *slog.Logger) error {
	return NewServer(addr, store, pipe, log).Start(ctx)
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/jobs/{id}/frames", s.handleFrames).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
	return r
}

// relay forwards pipeline events to websocket clients.
func (s *Server) relay(ctx context.Context) {
	events, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, err := json.Marshal(newEventMessage(ev))
			if err != nil {
				s.log.Warn("encode event", "error", err)
				continue
			}
			s.hub.broadcast(payload)
		}
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			http.Error(w, "invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	recs, err := s.store.RecentJobs(limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

type jobView struct {
	storage.JobRecord
	Meta map[string]any `json:"meta,omitempty"`
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	rec, err := s.store.Job(id)
	if errors.Is(err, sql.ErrNoRows) {
		http.Error(w, "job not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	view := jobView{JobRecord: rec}
	meta, err := s.store.JobMeta(id)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	view.Meta = meta
	writeJSON(w, http.StatusOK, view)
}

type frameView struct {
	Name            string      `json:"name"`
	Reference       string      `json:"reference"`
	Status          string      `json:"status"`
	Processor       string      `json:"processor,omitempty"`
	RefKeypoints    int         `json:"ref_keypoints"`
	Keypoints       int         `json:"keypoints"`
	Correspondences int         `json:"correspondences"`
	Inliers         int         `json:"inliers"`
	Homography      *[9]float64 `json:"homography,omitempty"`
	InlierIndices   []uint32    `json:"inlier_indices,omitempty"`
	Output          string      `json:"output,omitempty"`
	Error           string      `json:"error,omitempty"`
	ElapsedMillis   int64       `json:"elapsed_ms"`
}

func (s *Server) handleFrames(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.JobFrames(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	views := make([]frameView, 0, len(recs))
	for _, rec := range recs {
		v := frameView{
			Name:            rec.Name,
			Reference:       rec.Reference,
			Status:          rec.Status,
			Processor:       rec.Processor,
			RefKeypoints:    rec.RefKeypoints,
			Keypoints:       rec.Keypoints,
			Correspondences: rec.Correspondences,
			Inliers:         rec.Inliers,
			Homography:      rec.Homography,
			Output:          rec.OutputPath,
			Error:           rec.Error,
			ElapsedMillis:   rec.Elapsed.Milliseconds(),
		}
		if rec.InlierSet != nil {
			v.InlierIndices = rec.InlierSet.ToArray()
		}
		views = append(views, v)
	}
	writeJSON(w, http.StatusOK, views)
}

var jobPrefixes = map[pipeline.JobType]string{
	pipeline.JobAlign: "al",
	pipeline.JobVideo: "vid",
	pipeline.JobGIF:   "gif",
	pipeline.JobRun:   "run",
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var job pipeline.Job
	if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
		http.Error(w, fmt.Sprintf("invalid job: %v", err), http.StatusBadRequest)
		return
	}
	prefix, ok := jobPrefixes[job.Type]
	if !ok {
		http.Error(w, fmt.Sprintf("unknown job type: %q", job.Type), http.StatusBadRequest)
		return
	}
	if job.InputPath == "" || job.Output == "" {
		http.Error(w, "input and output are required", http.StatusBadRequest)
		return
	}
	if job.ID == "" {
		job.ID = pipeline.NewJobID(prefix)
	}
	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.log.Info("job queued", "type", job.Type, "id", job.ID, "input", job.InputPath, "source", "http")
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	events, unsubscribe := s.pipeline.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			payload, _ := json.Marshal(newEventMessage(ev))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
