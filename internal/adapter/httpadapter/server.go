package httpadapter

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// JobStatus tracks the one job a flightwx process runs. It is ready while
// the job is running.
type JobStatus struct {
	mu       sync.Mutex
	job      string
	runID    string
	started  time.Time
	finished time.Time
	running  bool
	err      error
}

// NewJobStatus creates a status for a job that has not started yet.
func NewJobStatus(job, runID string) *JobStatus {
	return &JobStatus{job: job, runID: runID}
}

// Start marks the job as running.
func (s *JobStatus) Start(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.started = now
	s.running = true
}

// Finish records the job outcome.
func (s *JobStatus) Finish(now time.Time, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.finished = now
	s.running = false
	s.err = err
}

// CheckReadiness implements the shared ReadinessChecker.
func (s *JobStatus) CheckReadiness(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch {
	case s.running:
		return nil
	case s.err != nil:
		return s.err
	case s.finished.IsZero():
		return errors.New("job not started")
	}
	return errors.New("job finished")
}

type statusBody struct {
	Job      string     `json:"job"`
	RunID    string     `json:"run_id"`
	Running  bool       `json:"running"`
	Started  *time.Time `json:"started_at,omitempty"`
	Finished *time.Time `json:"finished_at,omitempty"`
	Error    string     `json:"error,omitempty"`
}

func (s *JobStatus) snapshot() statusBody {
	s.mu.Lock()
	defer s.mu.Unlock()
	b := statusBody{Job: s.job, RunID: s.runID, Running: s.running}
	if !s.started.IsZero() {
		t := s.started
		b.Started = &t
	}
	if !s.finished.IsZero() {
		t := s.finished
		b.Finished = &t
	}
	if s.err != nil {
		b.Error = s.err.Error()
	}
	return b
}

// Server exposes health, readiness, job status and metrics while a job runs.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /status and
// /metrics routes. A nil gatherer serves the default registry.
func NewServer(addr string, status *JobStatus, gatherer prometheus.Gatherer, logger *slog.Logger) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(status))
	mux.HandleFunc("GET /status", func(w http.ResponseWriter, _ *http.Request) {
		sharedobs.WriteJSON(w, http.StatusOK, status.snapshot())
	})
	mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}
