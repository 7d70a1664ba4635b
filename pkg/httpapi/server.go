// Package httpapi exposes the job orchestration REST surface.
package httpapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"

	"github.com/cyverse-gis/eemt/internal/core/domain"
	"github.com/cyverse-gis/eemt/internal/core/ports"
	"github.com/cyverse-gis/eemt/internal/core/services"
)

// maxUploadBytes bounds DEM uploads (multipart memory threshold is lower;
// the rest spills to disk).
const maxUploadBytes = 2 << 30

// ClusterStatusProvider is what the cluster endpoint needs from the
// master. Nil provider means this server runs without a cluster.
type ClusterStatusProvider interface {
	Status() domain.ClusterStatus
}

type Server struct {
	logger    *slog.Logger
	engine    *services.Engine
	store     ports.JobStore
	workspace *services.WorkspaceManager
	retention *services.RetentionManager
	eventBus  *services.EventBus
	cluster   ClusterStatusProvider
}

func NewServer(
	logger *slog.Logger,
	engine *services.Engine,
	store ports.JobStore,
	workspace *services.WorkspaceManager,
	retention *services.RetentionManager,
	eventBus *services.EventBus,
	cluster ClusterStatusProvider,
) *Server {
	return &Server{
		logger:    logger,
		engine:    engine,
		store:     store,
		workspace: workspace,
		retention: retention,
		eventBus:  eventBus,
		cluster:   cluster,
	}
}

// Handler builds the route tree with permissive CORS for the browser UI.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/health", s.handleHealth)

	r.Route("/api/jobs", func(r chi.Router) {
		r.Post("/", s.handleSubmitJob)
		r.Get("/", s.handleListJobs)
		r.Get("/{id}", s.handleGetJob)
		r.Delete("/{id}", s.handleDeleteJob)
		r.Post("/{id}/cancel", s.handleCancelJob)
		r.Get("/{id}/events", s.handleJobEvents)
	})

	r.Get("/api/cluster/status", s.handleClusterStatus)
	r.Post("/api/cleanup", s.handleCleanup)

	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type"},
	})
	return c.Handler(r)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// submitRequest is the JSON submission body. Multipart submissions carry
// the same fields as form values plus the DEM file itself.
type submitRequest struct {
	WorkflowType string  `json:"workflow_type"`
	DEMFilename  string  `json:"dem_filename"`
	Step         float64 `json:"step"`
	LinkeValue   float64 `json:"linke_value"`
	AlbedoValue  float64 `json:"albedo_value"`
	NumThreads   int     `json:"num_threads"`
	StartYear    int     `json:"start_year"`
	EndYear      int     `json:"end_year"`
}

func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	var err error

	ct := r.Header.Get("Content-Type")
	if strings.HasPrefix(ct, "multipart/form-data") {
		req, err = s.parseMultipartSubmit(r)
	} else {
		err = json.NewDecoder(r.Body).Decode(&req)
	}
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	wt, err := domain.ParseWorkflowType(req.WorkflowType)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if req.DEMFilename == "" {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("dem_filename is required"))
		return
	}
	if filepath.Base(req.DEMFilename) != req.DEMFilename {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("dem_filename must be a bare filename"))
		return
	}
	if _, err := os.Stat(filepath.Join(s.workspace.UploadsDir(), req.DEMFilename)); err != nil {
		s.writeError(w, http.StatusBadRequest, fmt.Errorf("dem file %s not found in uploads", req.DEMFilename))
		return
	}

	params := domain.Parameters{
		Step:        req.Step,
		LinkeValue:  req.LinkeValue,
		AlbedoValue: req.AlbedoValue,
		NumThreads:  req.NumThreads,
		StartYear:   req.StartYear,
		EndYear:     req.EndYear,
	}
	if err := params.WithDefaults().Validate(wt); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	id, err := s.engine.Submit(r.Context(), wt, req.DEMFilename, params)
	if err != nil {
		s.mapError(w, err)
		return
	}

	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusCreated, job)
}

// parseMultipartSubmit stores the uploaded DEM into the uploads dir and
// reads workflow parameters from the form fields.
func (s *Server) parseMultipartSubmit(r *http.Request) (submitRequest, error) {
	var req submitRequest

	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return req, fmt.Errorf("invalid multipart form: %w", err)
	}

	req.WorkflowType = r.FormValue("workflow_type")
	req.Step = formFloat(r, "step")
	req.LinkeValue = formFloat(r, "linke_value")
	req.AlbedoValue = formFloat(r, "albedo_value")
	req.NumThreads = formInt(r, "num_threads")
	req.StartYear = formInt(r, "start_year")
	req.EndYear = formInt(r, "end_year")

	file, header, err := r.FormFile("file")
	if err != nil {
		// No file part: caller references an already uploaded DEM.
		req.DEMFilename = r.FormValue("dem_filename")
		return req, nil
	}
	defer file.Close()

	name := filepath.Base(header.Filename)
	if name == "" || name == "." {
		return req, fmt.Errorf("upload has no filename")
	}

	dst, err := os.Create(filepath.Join(s.workspace.UploadsDir(), name))
	if err != nil {
		return req, fmt.Errorf("failed to store upload: %w", err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, io.LimitReader(file, maxUploadBytes)); err != nil {
		return req, fmt.Errorf("failed to store upload: %w", err)
	}

	req.DEMFilename = name
	return req, nil
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	var status domain.JobStatus
	if v := r.URL.Query().Get("status"); v != "" {
		status = domain.JobStatus(v)
	}
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, fmt.Errorf("invalid limit %q", v))
			return
		}
		limit = n
	}

	jobs, err := s.store.List(r.Context(), status, limit)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(chi.URLParam(r, "id"))
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleDeleteJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(chi.URLParam(r, "id"))
	if err := s.engine.Delete(r.Context(), id); err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"id": string(id), "status": "deleted"})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	id := domain.JobID(chi.URLParam(r, "id"))
	if err := s.engine.Cancel(r.Context(), id); err != nil {
		s.mapError(w, err)
		return
	}
	job, err := s.store.Get(r.Context(), id)
	if err != nil {
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, job)
}

// handleJobEvents streams job status, progress, and log events over SSE
// until the client disconnects.
func (s *Server) handleJobEvents(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.Get(r.Context(), domain.JobID(id)); err != nil {
		s.mapError(w, err)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.writeError(w, http.StatusInternalServerError, fmt.Errorf("streaming not supported"))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ch, unsub := s.eventBus.Subscribe(id)
	defer unsub()

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "event: %s\ndata: %s\n\n", evt.Type, evt.Data)
			flusher.Flush()
		}
	}
}

func (s *Server) handleClusterStatus(w http.ResponseWriter, _ *http.Request) {
	if s.cluster == nil {
		s.writeJSON(w, http.StatusOK, domain.ClusterStatus{State: "disabled"})
		return
	}
	s.writeJSON(w, http.StatusOK, s.cluster.Status())
}

func (s *Server) handleCleanup(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DryRun bool `json:"dry_run"`
	}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, err)
			return
		}
	}

	summary, err := s.retention.Run(r.Context(), req.DryRun)
	if err != nil {
		if errors.Is(err, services.ErrCleanupInProgress) {
			s.writeError(w, http.StatusConflict, err)
			return
		}
		s.mapError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, summary)
}

// mapError translates domain sentinels into HTTP status codes.
func (s *Server) mapError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		s.writeError(w, http.StatusNotFound, err)
	case errors.Is(err, domain.ErrInvalidState):
		s.writeError(w, http.StatusConflict, err)
	case errors.Is(err, domain.ErrBackendUnavailable):
		s.writeError(w, http.StatusServiceUnavailable, err)
	case errors.Is(err, services.ErrQueueFull):
		s.writeError(w, http.StatusServiceUnavailable, err)
	default:
		s.writeError(w, http.StatusInternalServerError, err)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("failed to encode response", "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, code int, err error) {
	s.writeJSON(w, code, map[string]string{"error": err.Error()})
}

func formFloat(r *http.Request, key string) float64 {
	v, _ := strconv.ParseFloat(r.FormValue(key), 64)
	return v
}

func formInt(r *http.Request, key string) int {
	v, _ := strconv.Atoi(r.FormValue(key))
	return v
}
