package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/lead-enricher/internal/model"
	"github.com/sells-group/lead-enricher/internal/monitoring"
	"github.com/sells-group/lead-enricher/internal/pipeline"
	"github.com/sells-group/lead-enricher/internal/source"
	"github.com/sells-group/lead-enricher/internal/store"
)

func (s *Server) handleInfo(w http.ResponseWriter, _ *http.Request) {
	running, _ := s.opts.Manager.Running()
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        "lead-enricher",
		"version":     s.opts.Version,
		"uptime_secs": int(time.Since(s.startedAt).Seconds()),
		"workers":     s.opts.JobConfig.Workers,
		"batch_size":  s.opts.JobConfig.BatchSize,
		"adapters":    s.opts.JobConfig.Adapters,
		"running_job": running,
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store != nil {
		if err := s.opts.Store.Ping(r.Context()); err != nil {
			zap.L().Warn("server: store ping failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unhealthy", "store": err.Error()})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type jobView struct {
	Summary  model.JobSummary     `json:"summary"`
	Progress *monitoring.Snapshot `json:"progress,omitempty"`
}

func viewOf(job *pipeline.Job) jobView {
	snap := job.Snapshot()
	return jobView{Summary: job.Summary(), Progress: &snap}
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	job := s.opts.Manager.Latest()
	if job == nil {
		writeJSON(w, http.StatusOK, map[string]string{"status": "idle"})
		return
	}
	writeJSON(w, http.StatusOK, viewOf(job))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if s.collector == nil {
		writeError(w, http.StatusNotImplemented, "metrics need a store")
		return
	}
	hours := queryInt(r, "lookback_hours", 24)
	snap, err := s.collector.Collect(r.Context(), hours)
	if err != nil {
		zap.L().Error("server: collect metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not collect metrics")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

type processRequest struct {
	BatchSize   int      `json:"batch_size"`
	MaxWorkers  int      `json:"max_workers"`
	Identifiers []string `json:"identifiers"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req processRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.BatchSize < 0 || req.MaxWorkers < 0 {
		writeError(w, http.StatusBadRequest, "batch_size and max_workers must be positive")
		return
	}

	cfg := s.opts.JobConfig
	if req.BatchSize > 0 {
		cfg.BatchSize = req.BatchSize
	}
	if req.MaxWorkers > 0 {
		cfg.Workers = req.MaxWorkers
	}

	if id, running := s.opts.Manager.Running(); running {
		writeJSON(w, http.StatusConflict, map[string]string{"error": "a job is already running", "job_id": id})
		return
	}

	var src source.Source = s.opts.Source
	if len(req.Identifiers) > 0 {
		src = source.FromIdentifiers(req.Identifiers)
	}
	if src == nil {
		writeError(w, http.StatusBadRequest, "no source configured; send identifiers")
		return
	}

	seq, err := src.LoadBatch(r.Context(), "", cfg.BatchSize)
	if err != nil {
		zap.L().Error("server: load batch", zap.Error(err))
		writeError(w, http.StatusBadGateway, "could not load batch")
		return
	}

	job, err := s.opts.Manager.Submit(r.Context(), cfg, seq)
	switch {
	case eris.Is(err, pipeline.ErrJobRunning):
		writeError(w, http.StatusConflict, "a job is already running")
		return
	case err != nil:
		zap.L().Error("server: submit job", zap.Error(err))
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	zap.L().Info("server: job accepted",
		zap.String("job_id", job.ID),
		zap.Int("leads", len(job.Leads)),
		zap.Int("workers", cfg.Workers),
	)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"status":  "accepted",
		"job_id":  job.ID,
		"total":   len(job.Leads),
		"workers": cfg.Workers,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeJSON(w, http.StatusOK, s.opts.Manager.List())
		return
	}
	jobs, err := s.opts.Store.ListJobs(r.Context(), store.JobFilter{
		State: model.JobState(r.URL.Query().Get("state")),
		Limit: queryInt(r, "limit", 50),
	})
	if err != nil {
		zap.L().Error("server: list jobs", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list jobs")
		return
	}
	if jobs == nil {
		jobs = []model.JobSummary{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if job, err := s.opts.Manager.Get(id); err == nil {
		writeJSON(w, http.StatusOK, viewOf(job))
		return
	}
	if s.opts.Store == nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	summary, err := s.opts.Store.GetJob(r.Context(), id)
	switch {
	case eris.Is(err, store.ErrNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case err != nil:
		zap.L().Error("server: get job", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not read job")
	default:
		writeJSON(w, http.StatusOK, jobView{Summary: *summary})
	}
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, err := s.opts.Manager.Cancel(id)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if !cancelled {
		writeError(w, http.StatusConflict, "job already finished")
		return
	}
	zap.L().Info("server: job cancel requested", zap.String("job_id", id))
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "cancelling", "job_id": id})
}

func (s *Server) handleJobLeads(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, http.StatusNotImplemented, "scored leads need a store")
		return
	}
	id := chi.URLParam(r, "id")
	leads, err := s.opts.Store.ListScoredLeads(r.Context(), id, store.LeadFilter{
		Tier:   r.URL.Query().Get("tier"),
		Limit:  queryInt(r, "limit", 100),
		Offset: queryInt(r, "offset", 0),
	})
	if err != nil {
		zap.L().Error("server: list scored leads", zap.String("job_id", id), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list leads")
		return
	}
	if leads == nil {
		leads = []model.ScoredLead{}
	}
	writeJSON(w, http.StatusOK, leads)
}

func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	if s.opts.Store == nil {
		writeError(w, http.StatusNotImplemented, "dead letters need a store")
		return
	}
	entries, err := s.opts.Store.ListDLQ(r.Context(), store.DLQFilter{
		JobID: r.URL.Query().Get("job_id"),
		Kind:  model.ErrorKind(r.URL.Query().Get("error_kind")),
		Limit: queryInt(r, "limit", 100),
	})
	if err != nil {
		zap.L().Error("server: list dlq", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not list dead letters")
		return
	}
	if entries == nil {
		entries = []model.DLQEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return def
	}
	return n
}
