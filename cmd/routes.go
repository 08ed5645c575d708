package main

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/sells-group/listing-sync/internal/config"
	"github.com/sells-group/listing-sync/internal/monitoring"
	"github.com/sells-group/listing-sync/internal/replication/job"
)

// jobRunner is satisfied by *job.Engine.
type jobRunner interface {
	RunJob(ctx context.Context, name string) (*job.Report, error)
	Run(ctx context.Context, j job.Job) (*job.Report, error)
}

// chainDispatcher is satisfied by *job.Dispatcher.
type chainDispatcher interface {
	Dispatch(ctx context.Context, chain string) (bool, string, error)
}

// opsDeps are the collaborators behind the HTTP surface.
type opsDeps struct {
	Jobs        jobRunner
	Known       func(name string) bool
	Dispatcher  chainDispatcher
	Progress    monitoring.ProgressLister
	Cursors     monitoring.CursorLister
	Runs        monitoring.SyncLogQuerier
	Replication config.ReplicationConfig
}

// opsServer serves the operational endpoints. Jobs started over HTTP run
// on the server context, not the request context.
type opsServer struct {
	ctx  context.Context
	deps opsDeps
	wg   sync.WaitGroup
	log  *zap.Logger
}

func newOpsServer(ctx context.Context, deps opsDeps) *opsServer {
	return &opsServer{ctx: ctx, deps: deps, log: zap.L().With(zap.String("component", "serve"))}
}

// Wait blocks until every job started over HTTP has returned.
func (s *opsServer) Wait() { s.wg.Wait() }

// Routes builds the chi router.
func (s *opsServer) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.health)
	r.Get("/status", s.status)
	r.Post("/jobs/{name}", s.runJob)
	r.Post("/import-now", s.importNow)
	r.Post("/import/ids", s.importIDs)
	r.Handle("/metrics", promhttp.Handler())
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

func (s *opsServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *opsServer) status(w http.ResponseWriter, r *http.Request) {
	since := 24 * time.Hour
	if v := r.URL.Query().Get("since"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid since duration")
			return
		}
		since = d
	}
	view, err := collectStatus(r.Context(), s.deps.Progress, s.deps.Cursors, s.deps.Runs, time.Now().Add(-since))
	if err != nil {
		s.log.Error("collect status", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "status unavailable")
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *opsServer) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	if s.deps.Known == nil || !s.deps.Known(name) {
		writeError(w, http.StatusNotFound, "unknown job "+name)
		return
	}
	s.async(name, func(ctx context.Context) (*job.Report, error) {
		return s.deps.Jobs.RunJob(ctx, name)
	})
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted", "job": name})
}

func (s *opsServer) importNow(w http.ResponseWriter, r *http.Request) {
	ok, reason, err := s.deps.Dispatcher.Dispatch(r.Context(), job.ImportNowChain)
	if err != nil {
		s.log.Error("dispatch import-now", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "dispatch failed")
		return
	}
	if !ok {
		writeJSON(w, http.StatusConflict, map[string]string{"status": "refused", "reason": reason})
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "queued", "chain": job.ImportNowChain})
}

type importIDsRequest struct {
	MLSNumbers []string `json:"mls_numbers"`
	Provider   string   `json:"provider"`
}

func (s *opsServer) importIDs(w http.ResponseWriter, r *http.Request) {
	var req importIDsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	j, err := job.NewByIDImport(req.MLSNumbers, s.deps.Replication)
	if err != nil {
		writeError(w, http.StatusBadRequest, "mls_numbers is required")
		return
	}
	if req.Provider != "" {
		j.Only(req.Provider)
	}
	s.async(j.Name(), func(ctx context.Context) (*job.Report, error) {
		return s.deps.Jobs.Run(ctx, j)
	})
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":    "accepted",
		"job":       j.Name(),
		"count":     len(j.IDs()),
		"truncated": j.Truncated,
	})
}

func (s *opsServer) async(name string, run func(ctx context.Context) (*job.Report, error)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		rep, err := run(s.ctx)
		if err != nil {
			s.log.Error("http job failed", zap.String("job", name), zap.Error(err))
			return
		}
		s.log.Info("http job finished",
			zap.String("job", name),
			zap.String("outcome", string(rep.Outcome)),
			zap.Duration("duration", rep.Duration),
		)
	}()
}
