// Package api exposes the messaging facade and task registry over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"taskd/internal/domain"
	"taskd/internal/jobstore"
	"taskd/internal/messaging"
	"taskd/internal/taskreg"
	"taskd/internal/telemetry"
)

type Server struct {
	msg     *messaging.Service
	tasks   *taskreg.Service
	limiter *rate.Limiter
}

// NewServer wires the routes. submitRate limits work submission per second;
// zero disables limiting.
func NewServer(msg *messaging.Service, tasks *taskreg.Service, submitRate int) http.Handler {
	s := &Server{msg: msg, tasks: tasks}
	if submitRate > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(submitRate), submitRate)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)

	r.Get("/health", s.health)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.With(s.rateLimit).Post("/messages", s.sendMessage)
		r.With(s.rateLimit).Post("/jobs", s.submitJob)
		r.Get("/jobs", s.listJobs)
		r.Get("/jobs/{id}", s.getJob)
		r.Delete("/jobs/{id}", s.cancelJob)

		r.Post("/tasks", s.createTask)
		r.Get("/tasks", s.listTasks)
		r.Get("/tasks/{id}", s.getTask)
		r.Put("/tasks/{id}", s.updateTask)
		r.Delete("/tasks/{id}", s.deleteTask)
		r.Post("/tasks/{id}/pause", s.pauseTask)
		r.Post("/tasks/{id}/resume", s.resumeTask)
	})

	return r
}

func (s *Server) rateLimit(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.limiter != nil && !s.limiter.Allow() {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limit exceeded", http.StatusTooManyRequests)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.msg.Health())
}

type sendMessageReq struct {
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload"`
	CorrelationID string         `json:"correlation_id"`
	Priority      string         `json:"priority"`
}

type jobIDResp struct {
	JobID string `json:"job_id"`
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req sendMessageReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	prio, err := domain.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	id, err := s.msg.Send(domain.Message{
		Type:          req.Type,
		Payload:       req.Payload,
		CorrelationID: req.CorrelationID,
		Priority:      prio,
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, jobIDResp{JobID: id})
}

type submitJobReq struct {
	Type       string            `json:"type"`
	Payload    map[string]any    `json:"payload"`
	Priority   string            `json:"priority"`
	MaxRetries *int              `json:"max_retries"`
	Metadata   map[string]string `json:"metadata"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	prio, err := domain.ParsePriority(req.Priority)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	job := domain.Job{
		Type:       req.Type,
		Payload:    req.Payload,
		Priority:   prio,
		MaxRetries: domain.DefaultMaxRetries,
		Metadata:   req.Metadata,
	}
	if req.MaxRetries != nil {
		if *req.MaxRetries < 0 {
			http.Error(w, "max_retries must be >= 0", http.StatusBadRequest)
			return
		}
		job.MaxRetries = *req.MaxRetries
	}
	id, err := s.msg.Submit(job)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusAccepted, jobIDResp{JobID: id})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.msg.Status(id)
	if err != nil {
		if errors.Is(err, jobstore.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	status := domain.Status(r.URL.Query().Get("status"))
	if !status.Valid() {
		http.Error(w, "status query parameter is required (pending|running|completed|failed|cancelled)", http.StatusBadRequest)
		return
	}
	jobs := s.msg.ByStatus(status)
	if jobs == nil {
		jobs = []*domain.Job{}
	}
	writeJSON(w, http.StatusOK, jobs)
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !s.msg.Cancel(id) {
		http.Error(w, "job is not pending or does not exist", http.StatusConflict)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type taskReq struct {
	Name           *string        `json:"name"`
	Description    *string        `json:"description"`
	Payload        map[string]any `json:"payload"`
	TaskType       *string        `json:"task_type"`
	ScheduledAt    *time.Time     `json:"scheduled_at"`
	RepeatInterval *string        `json:"repeat_interval"`
	CronExpression *string        `json:"cron_expression"`
	IsActive       *bool          `json:"is_active"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	task := domain.Task{Payload: req.Payload}
	if req.Name != nil {
		task.Name = *req.Name
	}
	if req.Description != nil {
		task.Description = *req.Description
	}
	if req.TaskType != nil {
		task.TaskType = domain.TaskType(*req.TaskType)
	}
	if req.ScheduledAt != nil {
		task.ScheduledAt = *req.ScheduledAt
	}
	if req.RepeatInterval != nil {
		task.RepeatInterval = domain.RepeatInterval(*req.RepeatInterval)
	}
	if req.CronExpression != nil {
		task.CronExpression = *req.CronExpression
	}
	created, err := s.tasks.Create(r.Context(), task)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	var f taskreg.Filter
	if v := r.URL.Query().Get("task_type"); v != "" {
		tt := domain.TaskType(v)
		if !tt.Valid() {
			http.Error(w, "task_type must be scheduled or repeated", http.StatusBadRequest)
			return
		}
		f.TaskType = &tt
	}
	if v := r.URL.Query().Get("is_active"); v != "" {
		active := v == "true"
		f.IsActive = &active
	}
	tasks, err := s.tasks.List(r.Context(), f)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.tasks.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, taskreg.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) updateTask(w http.ResponseWriter, r *http.Request) {
	var req taskReq
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	upd := taskreg.TaskUpdate{
		Name:        req.Name,
		Description: req.Description,
		Payload:     req.Payload,
		ScheduledAt: req.ScheduledAt,
		IsActive:    req.IsActive,
	}
	if req.TaskType != nil {
		tt := domain.TaskType(*req.TaskType)
		upd.TaskType = &tt
	}
	if req.RepeatInterval != nil {
		ri := domain.RepeatInterval(*req.RepeatInterval)
		upd.RepeatInterval = &ri
	}
	if req.CronExpression != nil {
		upd.CronExpression = req.CronExpression
	}
	task, err := s.tasks.Update(r.Context(), chi.URLParam(r, "id"), upd)
	if err != nil {
		if errors.Is(err, taskreg.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) deleteTask(w http.ResponseWriter, r *http.Request) {
	if err := s.tasks.Delete(r.Context(), chi.URLParam(r, "id")); err != nil {
		if errors.Is(err, taskreg.ErrNotFound) {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	if !s.tasks.Pause(r.Context(), chi.URLParam(r, "id")) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	if !s.tasks.Resume(r.Context(), chi.URLParam(r, "id")) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("content-type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
