package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"meteorcal/internal/pipeline"
	"meteorcal/internal/storage"
)

// Jobs is the part of the pipeline the server drives.
type Jobs interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// Server exposes job status and calibration results over HTTP.
type Server struct {
	addr   string
	store  *storage.Store
	jobs   Jobs
	hub    *Hub
	log    *slog.Logger
	server *http.Server
}

// NewServer creates a server for the given store and pipeline.
func NewServer(addr string, store *storage.Store, jobs Jobs, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:  addr,
		store: store,
		jobs:  jobs,
		hub:   NewHub(log),
		log:   log,
	}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.Run(ctx)
	go s.forwardResults(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Graceful shutdown
	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
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

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs", s.handleSubmit).Methods("POST")
	r.HandleFunc("/jobs/{id}", s.handleJobMeta).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.HandleFunc("/ws", s.hub.ServeWS).Methods("GET")
	r.HandleFunc("/stations/{code}/summaries", s.handleSummaries).Methods("GET")
	r.HandleFunc("/stations/{code}/catalogs", s.handleCatalogs).Methods("GET")
	r.HandleFunc("/stations/{code}/runs/{month}/{run}/manifest", s.handleManifest).Methods("GET")
}

// ResultView is the wire form of a job result.
type ResultView struct {
	JobID   string         `json:"job_id"`
	Type    string         `json:"type"`
	Station string         `json:"station,omitempty"`
	Night   string         `json:"night,omitempty"`
	Error   string         `json:"error,omitempty"`
	Meta    map[string]any `json:"meta,omitempty"`
}

func viewOf(res pipeline.Result) ResultView {
	v := ResultView{
		JobID:   res.Job.ID,
		Type:    string(res.Job.Type),
		Station: res.Job.Station,
		Night:   res.Job.Night,
		Meta:    res.Meta,
	}
	if res.Error != nil {
		v.Error = res.Error.Error()
	}
	return v
}

// SubmitRequest is the body of POST /jobs.
type SubmitRequest struct {
	Type    string         `json:"type"`
	Station string         `json:"station"`
	Night   string         `json:"night"`
	Input   string         `json:"input"`
	Output  string         `json:"output"`
	Options map[string]any `json:"options"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	recs, err := s.store.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJobMeta(w http.ResponseWriter, r *http.Request) {
	meta, err := s.store.JobMeta(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
		return
	}
	jt, err := pipeline.ParseJobType(req.Type)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job := pipeline.Job{
		ID:        uuid.NewString(),
		Type:      jt,
		Station:   strings.ToUpper(req.Station),
		Night:     req.Night,
		InputPath: req.Input,
		Output:    req.Output,
		Options:   req.Options,
	}
	if err := s.jobs.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleSummaries(w http.ResponseWriter, r *http.Request) {
	sums, err := s.store.Summaries(strings.ToUpper(mux.Vars(r)["code"]))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, sums)
}

// handleManifest lists the frames of one run at a stage, median by default.
func (s *Server) handleManifest(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	runID := strings.ToUpper(vars["code"]) + "/" + vars["month"] + "/" + vars["run"]
	stage := r.URL.Query().Get("stage")
	if stage == "" {
		stage = storage.StageMedian
	}
	entries, err := s.store.Manifest(runID, stage)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []storage.ManifestEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleCatalogs(w http.ResponseWriter, r *http.Request) {
	states, err := s.store.CatalogStates(strings.ToUpper(mux.Vars(r)["code"]))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if want := r.URL.Query().Get("state"); want != "" {
		filtered := states[:0]
		for _, st := range states {
			if st.State == want {
				filtered = append(filtered, st)
			}
		}
		states = filtered
	}
	writeJSON(w, http.StatusOK, states)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	resCh, unsubscribe := s.jobs.Subscribe()
	defer unsubscribe()
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(viewOf(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// forwardResults relays pipeline results to websocket clients.
func (s *Server) forwardResults(ctx context.Context) {
	resCh, unsubscribe := s.jobs.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, err := json.Marshal(viewOf(res))
			if err == nil {
				s.hub.Broadcast(payload)
			}
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
