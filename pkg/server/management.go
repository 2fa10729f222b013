package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/nimburion/jobwatch/pkg/health"
	"github.com/nimburion/jobwatch/pkg/jobs"
	"github.com/nimburion/jobwatch/pkg/observability/logger"
	"github.com/nimburion/jobwatch/pkg/observability/metrics"
	"github.com/nimburion/jobwatch/pkg/repository"
	"github.com/nimburion/jobwatch/pkg/version"
)

// DefaultListLimit caps /jobs when no limit is given.
const DefaultListLimit = 50

// Management bundles what the management endpoints read from.
type Management struct {
	Health  *health.Registry
	Metrics *metrics.Registry
	Store   repository.Store
	Version version.Info
}

// ManagementServer serves liveness, readiness, metrics and a read-mostly view of the job
// repository for dashboards:
//
//	GET    /health              liveness, always 200
//	GET    /ready               dependency checks, 503 when unhealthy
//	GET    /metrics             prometheus exposition
//	GET    /version             build metadata
//	GET    /jobs?set=&limit=    records of one set, newest first
//	GET    /jobs/{id}           one record
//	GET    /tags                monitored tags
//	GET    /tags/{tag}/jobs     ids indexed under a monitored tag
//	PUT    /tags/{tag}          start monitoring
//	DELETE /tags/{tag}          stop monitoring
type ManagementServer struct {
	*Server
	deps Management
	log  logger.Logger
}

// NewManagementServer wires the management routes.
func NewManagementServer(cfg Config, deps Management, log logger.Logger) (*ManagementServer, error) {
	if deps.Health == nil || deps.Metrics == nil || deps.Store == nil {
		return nil, errors.New("health registry, metrics registry and store are required")
	}
	if log == nil {
		return nil, errors.New("logger is required")
	}
	s := &ManagementServer{deps: deps, log: log}
	s.Server = NewServer(cfg, s.Routes(), log)
	return s, nil
}

// Routes returns the management handler.
func (s *ManagementServer) Routes() http.Handler {
	r := mux.NewRouter()
	r.Use(requestIDMiddleware(), loggingMiddleware(s.log), recoveryMiddleware(s.log))

	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/ready", s.deps.Health.Handler()).Methods(http.MethodGet)
	r.Handle("/metrics", s.deps.Metrics.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/version", s.handleVersion).Methods(http.MethodGet)

	r.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleFindJob).Methods(http.MethodGet)
	r.HandleFunc("/tags", s.handleTags).Methods(http.MethodGet)
	r.HandleFunc("/tags/{tag}/jobs", s.handleTagJobs).Methods(http.MethodGet)
	r.HandleFunc("/tags/{tag}", s.handleMonitor).Methods(http.MethodPut)
	r.HandleFunc("/tags/{tag}", s.handleStopMonitoring).Methods(http.MethodDelete)
	return r
}

func (s *ManagementServer) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": string(health.StatusHealthy)})
}

func (s *ManagementServer) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Version)
}

func (s *ManagementServer) handleListJobs(w http.ResponseWriter, r *http.Request) {
	set := repository.Set(r.URL.Query().Get("set"))
	if set == "" {
		set = repository.SetPending
	}
	limit := DefaultListLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "limit must be a non-negative integer"})
			return
		}
		limit = n
	}
	records, err := s.deps.Store.List(r.Context(), set, limit)
	if err != nil {
		s.writeError(w, err)
		return
	}
	total, err := s.deps.Store.Count(r.Context(), set)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []repository.JobRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"set": set, "total": total, "jobs": records})
}

func (s *ManagementServer) handleFindJob(w http.ResponseWriter, r *http.Request) {
	rec, err := s.deps.Store.Find(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *ManagementServer) handleTags(w http.ResponseWriter, r *http.Request) {
	tags, err := s.deps.Store.Monitoring(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	if tags == nil {
		tags = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tags": tags})
}

func (s *ManagementServer) handleTagJobs(w http.ResponseWriter, r *http.Request) {
	tag := mux.Vars(r)["tag"]
	ids, err := s.deps.Store.JobIDs(r.Context(), tag)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tag": tag, "jobs": ids})
}

func (s *ManagementServer) handleMonitor(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.Monitor(r.Context(), mux.Vars(r)["tag"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *ManagementServer) handleStopMonitoring(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Store.StopMonitoring(r.Context(), mux.Vars(r)["tag"]); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error string `json:"error"`
}

// writeError maps repository error classes onto status codes.
func (s *ManagementServer) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, jobs.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, jobs.ErrValidation):
		status = http.StatusBadRequest
	case errors.Is(err, jobs.ErrClosed):
		status = http.StatusServiceUnavailable
	default:
		s.log.Error("management request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
