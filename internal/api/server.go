// Package api exposes the HTTP interface for the scan service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/tarabot/tarabot/internal/config"
	"github.com/tarabot/tarabot/internal/metrics"
	"github.com/tarabot/tarabot/internal/scan"
	"github.com/tarabot/tarabot/internal/service"
)

// Server wires HTTP handlers to the scan service.
type Server struct {
	router chi.Router
	svc    *service.Service
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(svc *service.Service, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{svc: svc, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(timeoutMiddleware(60 * time.Second))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/scans", func(r chi.Router) {
			r.Post("/", s.createScan)
			r.Get("/", s.listScans)
			r.Route("/{scan_id}", func(r chi.Router) {
				r.Get("/", s.getScan)
				r.Delete("/", s.deleteScan)
				r.Post("/start", s.startScan)
				r.Post("/pause", s.pauseScan)
				r.Post("/cancel", s.cancelScan)
				r.Get("/results", s.listResults)
			})
		})
		r.Route("/queue", func(r chi.Router) {
			r.Get("/status", s.queueStatus)
			r.Post("/pause", s.pauseQueue)
			r.Post("/resume", s.resumeQueue)
			r.Post("/clean", s.cleanQueue)
		})
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// The queue is the one hard dependency; a status read exercises it.
	if _, err := s.svc.QueueStatus(r.Context()); err != nil {
		writeError(w, http.StatusServiceUnavailable, "queue unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type createScanRequest struct {
	Name           string   `json:"name"`
	DomainListID   string   `json:"domain_list_id"`
	DomainListName string   `json:"domain_list_name"`
	StartIndex     int      `json:"start_index"`
	IncludeSubs    bool     `json:"include_subdomains"`
	Subdomains     []string `json:"subdomains"`
	Paths          []string `json:"paths"`
	SearchTerms    []string `json:"search_terms"`
	Concurrency    int      `json:"concurrency"`
	TimeoutSeconds int      `json:"timeout_seconds"`
	BatchSize      int      `json:"batch_size"`
	URLBatchSize   int      `json:"url_batch_size"`
	Retries        int      `json:"retries"`
}

func (s *Server) createScan(w http.ResponseWriter, r *http.Request) {
	var req createScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.DomainListID == "" || len(req.Paths) == 0 || len(req.SearchTerms) == 0 {
		writeError(w, http.StatusBadRequest, "domain_list_id, paths and search_terms are required")
		return
	}
	rec, err := s.svc.CreateScan(r.Context(), scan.Config{
		Name:           req.Name,
		DomainListID:   req.DomainListID,
		DomainListName: req.DomainListName,
		StartIndex:     req.StartIndex,
		IncludeSubs:    req.IncludeSubs,
		Subdomains:     req.Subdomains,
		Paths:          req.Paths,
		SearchTerms:    req.SearchTerms,
		Concurrency:    req.Concurrency,
		Timeout:        time.Duration(req.TimeoutSeconds) * time.Second,
		BatchSize:      req.BatchSize,
		URLBatchSize:   req.URLBatchSize,
		Retries:        req.Retries,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (s *Server) listScans(w http.ResponseWriter, r *http.Request) {
	scans, err := s.svc.ListScans(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scans": scans})
}

func (s *Server) getScan(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.GetScan(r.Context(), chi.URLParam(r, "scan_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) deleteScan(w http.ResponseWriter, r *http.Request) {
	existed, err := s.svc.DeleteScan(r.Context(), chi.URLParam(r, "scan_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	if !existed {
		writeError(w, http.StatusNotFound, "scan not found")
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"deleted": true})
}

func (s *Server) startScan(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.StartScan(r.Context(), chi.URLParam(r, "scan_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, rec)
}

func (s *Server) pauseScan(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.PauseScan(r.Context(), chi.URLParam(r, "scan_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) cancelScan(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.CancelScan(r.Context(), chi.URLParam(r, "scan_id"))
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) listResults(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	limit := queryInt(r, "limit", 50)
	if limit > 500 {
		limit = 500
	}
	results, err := s.svc.Results(r.Context(), chi.URLParam(r, "scan_id"), page, limit)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"page":    page,
		"limit":   limit,
		"results": results,
	})
}

func (s *Server) queueStatus(w http.ResponseWriter, r *http.Request) {
	st, err := s.svc.QueueStatus(r.Context())
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) pauseQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.PauseQueue(r.Context()); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) resumeQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.ResumeQueue(r.Context()); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}

func (s *Server) cleanQueue(w http.ResponseWriter, r *http.Request) {
	if err := s.svc.CleanQueue(r.Context()); err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"cleaned": true})
}

func (s *Server) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, scan.ErrNotFound):
		writeError(w, http.StatusNotFound, "scan not found")
	case errors.Is(err, service.ErrConflict):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, scan.ErrInvalidPayload):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 1 {
		return def
	}
	return n
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
