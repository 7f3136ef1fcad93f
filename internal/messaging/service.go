// Package messaging is the stateless facade collaborators use to submit work
// and observe job state. It wraps the job store and worker pool; it keeps no
// state of its own.
package messaging

import (
	"context"
	"errors"
	"time"

	"taskd/internal/domain"
	"taskd/internal/jobstore"
	"taskd/internal/telemetry"
	"taskd/internal/worker"
)

type Service struct {
	store *jobstore.Store
	pool  *worker.Pool
}

func New(store *jobstore.Store, pool *worker.Pool) *Service {
	return &Service{store: store, pool: pool}
}

// Send converts a message into a job, enqueues it and returns the job id.
// The message's correlation id is carried in the job metadata so handlers can
// dedupe duplicate deliveries.
func (s *Service) Send(msg domain.Message) (string, error) {
	if msg.Type == "" {
		return "", errors.New("message type is required")
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	id := s.store.Enqueue(msg.Job())
	telemetry.JobsEnqueued.Inc()
	telemetry.QueueDepth.Set(float64(s.store.PendingDepth()))
	return id, nil
}

// Submit enqueues a caller-built job directly, for collaborators that need
// explicit priority, retry bounds or metadata.
func (s *Service) Submit(job domain.Job) (string, error) {
	if job.Type == "" {
		return "", errors.New("job type is required")
	}
	id := s.store.Enqueue(job)
	telemetry.JobsEnqueued.Inc()
	telemetry.QueueDepth.Set(float64(s.store.PendingDepth()))
	return id, nil
}

// Status returns the job record, or jobstore.ErrNotFound.
func (s *Service) Status(jobID string) (*domain.Job, error) {
	return s.store.Get(jobID)
}

// Cancel cancels a pending job. It returns false for running, terminal and
// unknown jobs.
func (s *Service) Cancel(jobID string) bool {
	return s.store.Cancel(jobID)
}

// ByStatus lists jobs in the given lifecycle state, oldest first.
func (s *Service) ByStatus(status domain.Status) []*domain.Job {
	return s.store.ByStatus(status)
}

// Register binds a handler to a job type on the underlying pool.
func (s *Service) Register(jobType string, h worker.Handler) {
	s.pool.Register(jobType, h)
}

// Start restores persisted jobs and launches the worker pool.
func (s *Service) Start(ctx context.Context) error {
	return s.pool.Start(ctx)
}

// Stop shuts the worker pool down within its grace period.
func (s *Service) Stop(ctx context.Context) {
	s.pool.Stop(ctx)
}

// Health summarises queue state for the health endpoint.
type Health struct {
	Status string         `json:"status"`
	Queue  jobstore.Stats `json:"queue"`
}

func (s *Service) Health() Health {
	st := s.store.Stats()
	h := Health{Status: "healthy", Queue: st}
	if st.ByStatus[domain.StatusFailed] > 10 {
		h.Status = "degraded"
	}
	return h
}
