// Package httpapi exposes the batch coordinator over HTTP and provides a
// typed client for it.
package httpapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"batch-pipeline/pkg/batch"
)

// Engine is the part of *batch.Coordinator the handlers drive.
type Engine interface {
	Submit(ctx context.Context, req batch.SubmissionRequest) (string, error)
	Prepare(ctx context.Context, req batch.SubmissionRequest) (string, error)
	Start(ctx context.Context, batchID string) error
	Cancel(ctx context.Context, batchID string) error
	Purge(ctx context.Context, batchID string) error
	Snapshot(batchID string) (*batch.Snapshot, error)
	Summary(batchID string) (*batch.Summary, error)
}

// Archive serves batches that are no longer held in memory, such as those
// finished before a restart.
type Archive interface {
	GetBatch(ctx context.Context, batchID string) (*batch.Job, error)
	GetSummary(ctx context.Context, batchID string) (*batch.Summary, error)
}

// SummaryCache keeps summaries of purged batches.
type SummaryCache interface {
	Put(ctx context.Context, s *batch.Summary) error
	Get(ctx context.Context, batchID string) (*batch.Summary, error)
}

// HealthCheck reports whether a dependency is reachable.
type HealthCheck func(ctx context.Context) error

type Options struct {
	Engine       Engine                 // Required
	Archive      Archive                // Optional
	Cache        SummaryCache           // Optional
	HealthChecks map[string]HealthCheck // Optional: reported by GET /health
	MaxBodyBytes int64                  // Optional: defaults to 4 MiB
	Logger       *slog.Logger           // Optional
}

type Server struct {
	engine  Engine
	archive Archive
	cache   SummaryCache
	checks  map[string]HealthCheck
	logger  *slog.Logger
	handler http.Handler
}

type submitRequest struct {
	batch.SubmissionRequest
	// Hold registers the batch without starting it.
	Hold bool `json:"hold"`
}

type submitResponse struct {
	BatchID string            `json:"batch_id"`
	Status  batch.BatchStatus `json:"status"`
}

type healthResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

func NewServer(opts Options) (*Server, error) {
	if opts.Engine == nil {
		return nil, errors.New("engine is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxBody := opts.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 4 << 20
	}

	s := &Server{
		engine:  opts.Engine,
		archive: opts.Archive,
		cache:   opts.Cache,
		checks:  opts.HealthChecks,
		logger:  logger.With("component", "http_api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /batches", s.handleSubmit)
	mux.HandleFunc("GET /batches/{id}", s.handleSnapshot)
	mux.HandleFunc("POST /batches/{id}/start", s.handleStart)
	mux.HandleFunc("POST /batches/{id}/cancel", s.handleCancel)
	mux.HandleFunc("GET /batches/{id}/summary", s.handleSummary)
	mux.HandleFunc("DELETE /batches/{id}", s.handlePurge)

	s.handler = Recover(s.logger)(Logging(s.logger)(MaxBody(maxBody)(mux)))
	return s, nil
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{Status: "ok"}
	for name, check := range s.checks {
		if err := check(r.Context()); err != nil {
			if resp.Checks == nil {
				resp.Checks = make(map[string]string)
			}
			resp.Checks[name] = err.Error()
		}
	}
	if len(resp.Checks) > 0 {
		resp.Status = "degraded"
		WriteJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	WriteJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if !DecodeJSON(w, r, &req) {
		return
	}

	if req.Hold {
		id, err := s.engine.Prepare(r.Context(), req.SubmissionRequest)
		if err != nil {
			WriteError(w, err)
			return
		}
		WriteJSON(w, http.StatusCreated, submitResponse{BatchID: id, Status: batch.BatchHeld})
		return
	}

	id, err := s.engine.Submit(r.Context(), req.SubmissionRequest)
	if err != nil {
		status, body := errorResponse(err)
		body.BatchID = id
		if status >= http.StatusInternalServerError {
			s.logger.ErrorContext(r.Context(), "submit batch", "batch_id", id, "error", err)
		}
		WriteJSON(w, status, body)
		return
	}
	WriteJSON(w, http.StatusAccepted, submitResponse{BatchID: id, Status: batch.BatchRunning})
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.engine.Snapshot(id)
	if err != nil && batch.CodeOf(err) == batch.CodeNotFound && s.archive != nil {
		var job *batch.Job
		if job, err = s.archive.GetBatch(r.Context(), id); err == nil {
			snap = batch.SnapshotOf(job)
		}
	}
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, snap)
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.Start, http.StatusAccepted)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.engine.Cancel, http.StatusOK)
}

// transition applies op to the batch and responds with its new snapshot.
func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, string) error, status int) {
	id := r.PathValue("id")
	if err := op(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	snap, err := s.engine.Snapshot(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	WriteJSON(w, status, snap)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	summary, err := s.summary(r.Context(), r.PathValue("id"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	WriteJSON(w, http.StatusOK, summary)
}

// summary looks in memory first, then the cache of purged batches, then
// durable storage.
func (s *Server) summary(ctx context.Context, id string) (*batch.Summary, error) {
	summary, err := s.engine.Summary(id)
	if err == nil || batch.CodeOf(err) != batch.CodeNotFound {
		return summary, err
	}
	if s.cache != nil {
		summary, cerr := s.cache.Get(ctx, id)
		if cerr == nil {
			return summary, nil
		}
		if batch.CodeOf(cerr) != batch.CodeNotFound {
			s.logger.WarnContext(ctx, "summary cache lookup failed", "batch_id", id, "error", cerr)
		}
	}
	if s.archive != nil {
		return s.archive.GetSummary(ctx, id)
	}
	return nil, err
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	summary, err := s.engine.Summary(id)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	if s.cache != nil {
		if err := s.cache.Put(r.Context(), summary); err != nil {
			s.logger.WarnContext(r.Context(), "cache summary before purge", "batch_id", id, "error", err)
		}
	}
	if err := s.engine.Purge(r.Context(), id); err != nil {
		s.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status, body := errorResponse(err)
	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(r.Context(), "request failed",
			"method", r.Method,
			"path", r.URL.Path,
			"error", err,
		)
	}
	WriteJSON(w, status, body)
}
