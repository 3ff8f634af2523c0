// Package api exposes the HTTP interface over the core service operations.
// Accounts and API-key issuance live elsewhere; this surface only honors the
// operation contracts.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/geda-valentim/ingestify-to-ai/internal/jobs"
	"github.com/geda-valentim/ingestify-to-ai/internal/metrics"
	"github.com/geda-valentim/ingestify-to-ai/internal/service"
)

// Server wires HTTP handlers to the service layer.
type Server struct {
	router  chi.Router
	service *service.Service
	logger  *zap.Logger
}

// NewServer constructs a Server with its routes.
func NewServer(svc *service.Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{service: svc, logger: logger}

	r := chi.NewRouter()
	r.Get("/healthz", s.healthz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.createJob)
			r.Get("/", s.listJobs)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/", s.getJob)
				r.Delete("/", s.deleteJob)
				r.Post("/cancel", s.cancelJob)
				r.Get("/pages", s.getPages)
			})
		})
		r.Route("/pages/{page_id}", func(r chi.Router) {
			r.Post("/retry", s.retryPage)
		})
		r.Route("/crawlers", func(r chi.Router) {
			r.Post("/", s.createCrawler)
			r.Route("/{crawler_id}", func(r chi.Router) {
				r.Get("/", s.getCrawler)
				r.Put("/", s.updateCrawler)
				r.Post("/pause", s.pauseCrawler)
				r.Post("/resume", s.resumeCrawler)
				r.Post("/stop", s.stopCrawler)
				r.Post("/run", s.runCrawlerNow)
				r.Get("/executions", s.listExecutions)
			})
		})
		r.Get("/executions/{execution_id}/progress", s.getExecutionProgress)
		r.Get("/executions/{execution_id}/files", s.listCrawledFiles)
	})

	s.router = r
	return s
}

// Handler returns the http handler.
func (s *Server) Handler() http.Handler { return s.router }

type createJobRequest struct {
	UserID     string `json:"user_id"`
	SourceType string `json:"source_type"`
	Source     string `json:"source"`
	Name       string `json:"name"`
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, jobs.Invalid("body", "malformed request body: %v", err))
		return
	}
	job, warning, err := s.service.CreateJob(r.Context(), service.CreateJobRequest{
		UserID:     req.UserID,
		SourceType: jobs.SourceType(req.SourceType),
		Source:     req.Source,
		Name:       req.Name,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"job": job, "duplicate_warning": warning})
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	f := jobs.ListFilter{
		Status: jobs.Status(r.URL.Query().Get("status")),
		Type:   jobs.Type(r.URL.Query().Get("type")),
		Limit:  intQuery(r, "limit"),
		Offset: intQuery(r, "offset"),
	}
	out, err := s.service.ListJobs(r.Context(), r.URL.Query().Get("user_id"), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": out})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	s.renderJob(w, r, chi.URLParam(r, "job_id"))
}

func (s *Server) getCrawler(w http.ResponseWriter, r *http.Request) {
	s.renderJob(w, r, chi.URLParam(r, "crawler_id"))
}

func (s *Server) renderJob(w http.ResponseWriter, r *http.Request, id string) {
	job, err := s.service.GetJob(r.Context(), id)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.service.DeleteJob(r.Context(), chi.URLParam(r, "job_id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.service.CancelJob(r.Context(), chi.URLParam(r, "job_id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) getPages(w http.ResponseWriter, r *http.Request) {
	pages, err := s.service.GetPages(r.Context(), chi.URLParam(r, "job_id"), intQuery(r, "limit"), intQuery(r, "offset"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"pages": pages})
}

func (s *Server) retryPage(w http.ResponseWriter, r *http.Request) {
	newID, err := s.service.RetryPage(r.Context(), chi.URLParam(r, "page_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"new_page_job_id": newID})
}

type createCrawlerRequest struct {
	UserID   string                `json:"user_id"`
	URL      string                `json:"url"`
	Name     string                `json:"name"`
	Config   jobs.CrawlerConfig    `json:"crawler_config"`
	Schedule *jobs.CrawlerSchedule `json:"crawler_schedule,omitempty"`
	Preset   string                `json:"retry_preset,omitempty"`
}

func (s *Server) createCrawler(w http.ResponseWriter, r *http.Request) {
	var req createCrawlerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, jobs.Invalid("body", "malformed request body: %v", err))
		return
	}
	crawler, warning, err := s.service.CreateCrawler(r.Context(), service.CreateCrawlerRequest{
		UserID:   req.UserID,
		URL:      req.URL,
		Name:     req.Name,
		Config:   req.Config,
		Schedule: req.Schedule,
		Preset:   req.Preset,
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"crawler": crawler, "duplicate_warning": warning})
}

func (s *Server) updateCrawler(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Config   *jobs.CrawlerConfig   `json:"crawler_config,omitempty"`
		Schedule *jobs.CrawlerSchedule `json:"crawler_schedule,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, jobs.Invalid("body", "malformed request body: %v", err))
		return
	}
	crawler, err := s.service.UpdateCrawler(r.Context(), chi.URLParam(r, "crawler_id"), req.Config, req.Schedule)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, crawler)
}

func (s *Server) pauseCrawler(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.service.PauseCrawler)
}

func (s *Server) resumeCrawler(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.service.ResumeCrawler)
}

func (s *Server) stopCrawler(w http.ResponseWriter, r *http.Request) {
	s.lifecycle(w, r, s.service.StopCrawler)
}

func (s *Server) lifecycle(w http.ResponseWriter, r *http.Request, op func(ctx context.Context, id string) error) {
	if err := op(r.Context(), chi.URLParam(r, "crawler_id")); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) runCrawlerNow(w http.ResponseWriter, r *http.Request) {
	execution, err := s.service.RunCrawlerNow(r.Context(), chi.URLParam(r, "crawler_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, execution)
}

func (s *Server) listExecutions(w http.ResponseWriter, r *http.Request) {
	executions, err := s.service.ListExecutions(r.Context(), chi.URLParam(r, "crawler_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"executions": executions})
}

func (s *Server) getExecutionProgress(w http.ResponseWriter, r *http.Request) {
	progress, err := s.service.GetExecutionProgress(r.Context(), chi.URLParam(r, "execution_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, progress)
}

func (s *Server) listCrawledFiles(w http.ResponseWriter, r *http.Request) {
	files, err := s.service.ListCrawledFiles(r.Context(), chi.URLParam(r, "execution_id"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"files": files})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("write response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var typed *jobs.Error
	if errors.As(err, &typed) {
		switch typed.Kind {
		case jobs.KindInvalidInput:
			code = http.StatusBadRequest
		case jobs.KindNotFound:
			code = http.StatusNotFound
		case jobs.KindConflict:
			code = http.StatusConflict
		case jobs.KindTransient:
			code = http.StatusServiceUnavailable
		case jobs.KindCancelled:
			code = http.StatusConflict
		}
	}
	s.writeJSON(w, code, map[string]any{
		"error":  err.Error(),
		"kind":   string(jobs.KindOf(err)),
		"reason": jobs.ReasonOf(err),
	})
}

func intQuery(r *http.Request, key string) int {
	v, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return v
}
