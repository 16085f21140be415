// Package server exposes the job-control surface over HTTP: create,
// poll, and cancel weekly runs, and read the event history.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"tradecouncil/internal/domain"
	"tradecouncil/internal/events"
	"tradecouncil/internal/jobs"
	"tradecouncil/internal/logging"
	"tradecouncil/internal/pipeline"
)

// Server routes HTTP requests to the job manager and the event store.
type Server struct {
	manager *jobs.Manager
	store   *events.Store
	http    *http.Server
	log     *zap.SugaredLogger
}

// New builds the server on addr.
func New(addr string, manager *jobs.Manager, store *events.Store) *Server {
	s := &Server{
		manager: manager,
		store:   store,
		log:     logging.Named("server"),
	}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/jobs", s.handleCreateJob).Methods(http.MethodPost)
	r.HandleFunc("/jobs", s.handleListJobs).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleJobStatus).Methods(http.MethodGet)
	r.HandleFunc("/jobs/{id}", s.handleCancelJob).Methods(http.MethodDelete)
	r.HandleFunc("/weeks", s.handleWeeks).Methods(http.MethodGet)
	r.HandleFunc("/weeks/{week}/events", s.handleWeekEvents).Methods(http.MethodGet)

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// ListenAndServe blocks until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Infow("listening", "addr", s.http.Addr)
	err := s.http.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type createJobRequest struct {
	Mode      string `json:"mode"`
	WeekID    string `json:"week_id"`
	UserQuery string `json:"user_query"`
}

type createJobResponse struct {
	JobID string `json:"job_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	mode, err := pipeline.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	weekID := domain.WeekID(req.WeekID)
	if req.WeekID == "" {
		weekID = domain.WeekIDFor(time.Now(), time.UTC)
	} else if err := weekID.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	jobID, err := s.manager.Create(mode, jobs.Inputs{WeekID: weekID, UserQuery: req.UserQuery})
	if err != nil {
		if errors.Is(err, jobs.ErrDuplicateWeek) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, createJobResponse{JobID: jobID})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.List())
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	snap, err := s.manager.Status(mux.Vars(r)["id"])
	if err != nil {
		writeJobError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.Cancel(mux.Vars(r)["id"]); err != nil {
		writeJobError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleWeeks(w http.ResponseWriter, r *http.Request) {
	weeks, err := s.store.Weeks(r.Context())
	if err != nil {
		s.log.Errorw("list weeks failed", "error", err)
		writeError(w, http.StatusInternalServerError, "event store unavailable")
		return
	}
	writeJSON(w, http.StatusOK, weeks)
}

func (s *Server) handleWeekEvents(w http.ResponseWriter, r *http.Request) {
	weekID := domain.WeekID(mux.Vars(r)["week"])
	if err := weekID.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	filter := events.Filter{
		WeekID: weekID,
		Type:   domain.EventType(r.URL.Query().Get("type")),
	}
	list, err := s.store.List(r.Context(), filter)
	if err != nil {
		s.log.Errorw("list events failed", "week", weekID, "error", err)
		writeError(w, http.StatusInternalServerError, "event store unavailable")
		return
	}
	if list == nil {
		list = []domain.Event{}
	}
	writeJSON(w, http.StatusOK, list)
}

func writeJobError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, jobs.ErrEvicted):
		writeError(w, http.StatusGone, err.Error())
	case errors.Is(err, jobs.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, errorResponse{Error: msg})
}
