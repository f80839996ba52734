// Package httpadapter serves the operational endpoints of a pipeline
// process: liveness, readiness, Prometheus metrics, and the last run's
// summary.
package httpadapter

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/hail-property-matcher/internal/pipeline"
)

// RunReporter is the part of the pipeline runner the server reads.
type RunReporter interface {
	sharedobs.ReadinessChecker
	LastRun() (pipeline.RunSummary, bool)
}

// Server exposes health, readiness, metrics, and run status endpoints.
type Server struct {
	httpServer *http.Server
	runs       RunReporter
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics, and
// /status routes. Readiness turns green after the first successful run.
func NewServer(addr string, runs RunReporter, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		runs:   runs,
		logger: logger,
	}

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(runs))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", s.handleStatus)

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

type stageStatus struct {
	Stage      string         `json:"stage"`
	Status     string         `json:"status"`
	Input      int            `json:"input"`
	Rows       int            `json:"rows"`
	DurationMS int64          `json:"duration_ms"`
	Counts     map[string]int `json:"counts,omitempty"`
}

type matchStatus struct {
	Properties       int     `json:"properties"`
	Matched          int     `json:"matched"`
	EventsConsidered int     `json:"events_considered"`
	Matches          int     `json:"matches"`
	DamagePercentage float64 `json:"damage_percentage"`
}

type runStatus struct {
	RunID       string        `json:"run_id"`
	State       string        `json:"state"`
	Started     time.Time     `json:"started"`
	Finished    time.Time     `json:"finished"`
	FailedStage string        `json:"failed_stage,omitempty"`
	ErrorKind   string        `json:"error_kind,omitempty"`
	Error       string        `json:"error,omitempty"`
	Stages      []stageStatus `json:"stages"`
	Match       *matchStatus  `json:"match,omitempty"`
}

func toRunStatus(s pipeline.RunSummary) runStatus {
	out := runStatus{
		RunID:       s.RunID,
		State:       string(s.State),
		Started:     s.Started.UTC(),
		Finished:    s.Finished.UTC(),
		FailedStage: s.FailedStage,
		ErrorKind:   s.ErrorKind,
		Error:       s.Error,
		Stages:      make([]stageStatus, len(s.Stages)),
	}
	for i, st := range s.Stages {
		out.Stages[i] = stageStatus{
			Stage:      st.Stage,
			Status:     st.Status,
			Input:      st.Input,
			Rows:       st.Rows,
			DurationMS: st.Duration.Milliseconds(),
			Counts:     st.Counts,
		}
		if st.Match != nil {
			out.Match = &matchStatus{
				Properties:       st.Match.Properties,
				Matched:          st.Match.Matched,
				EventsConsidered: st.Match.EventsConsidered,
				Matches:          st.Match.Matches,
				DamagePercentage: st.Match.DamagePercentage,
			}
		}
	}
	return out
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	summary, ok := s.runs.LastRun()
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		_ = json.NewEncoder(w).Encode(map[string]string{"status": "no run yet"})
		return
	}
	if err := json.NewEncoder(w).Encode(toRunStatus(summary)); err != nil {
		s.logger.Error("failed to encode run status", "error", err)
	}
}
