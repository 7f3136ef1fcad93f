// Package jobstore owns every job record and the four priority sub-queues.
// All operations run under a single lock, so priority scans and snapshot
// writes are atomic with respect to each other.
package jobstore

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"taskd/internal/domain"
	"taskd/internal/snapshot"
)

var (
	// ErrEmpty means every sub-queue is empty. Callers poll.
	ErrEmpty = errors.New("no jobs ready")
	// ErrNotFound means the job id is unknown to the store.
	ErrNotFound = errors.New("job not found")
)

// Store keeps one FIFO sub-queue per priority level plus the job table.
// Queue entries are job ids; cancellation leaves the entry in place and the
// dequeuer discards it.
type Store struct {
	mu     sync.Mutex
	jobs   map[string]*domain.Job
	queues [domain.NumPriorities][]string
	rr     int // next tier for round-robin dequeue

	snap snapshot.Store // nil disables durability
}

// New returns an empty store. snap may be nil for a purely in-memory store
// (tests, ephemeral deployments).
func New(snap snapshot.Store) *Store {
	return &Store{
		jobs: make(map[string]*domain.Job),
		snap: snap,
	}
}

// Enqueue adds a job to the sub-queue matching its priority and returns the
// job id. A job without an id gets one assigned; a job whose id is already
// known is re-queued (retry path): its status returns to pending and the
// supplied retry_count/error are merged into the record.
func (s *Store) Enqueue(job domain.Job) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if !job.Priority.Valid() {
		job.Priority = domain.PriorityNormal
	}

	if existing, ok := s.jobs[job.ID]; ok {
		existing.Status = domain.StatusPending
		existing.StartedAt = nil
		existing.RetryCount = job.RetryCount
		if job.Error != "" {
			existing.Error = job.Error
		}
		s.queues[existing.Priority] = append(s.queues[existing.Priority], existing.ID)
		s.persistLocked()
		return existing.ID
	}

	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}
	if job.MaxRetries == 0 {
		job.MaxRetries = domain.DefaultMaxRetries
	}
	job.Status = domain.StatusPending
	rec := job.Clone()
	s.jobs[rec.ID] = rec
	s.queues[rec.Priority] = append(s.queues[rec.Priority], rec.ID)
	s.persistLocked()
	return rec.ID
}

// Dequeue pops the next pending job and atomically marks it running. With
// respectPriority it scans urgent → high → normal → low; otherwise it
// round-robins across non-empty sub-queues. Returns ErrEmpty when nothing is
// ready; that is a poll signal, not a failure.
func (s *Store) Dequeue(respectPriority bool) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if respectPriority {
		for p := domain.PriorityUrgent; p >= domain.PriorityLow; p-- {
			if j := s.popLocked(p); j != nil {
				return s.startLocked(j), nil
			}
		}
		return nil, ErrEmpty
	}

	for i := 0; i < domain.NumPriorities; i++ {
		p := domain.Priority((s.rr + i) % domain.NumPriorities)
		if j := s.popLocked(p); j != nil {
			s.rr = (int(p) + 1) % domain.NumPriorities
			return s.startLocked(j), nil
		}
	}
	return nil, ErrEmpty
}

// popLocked pops the head of one sub-queue, discarding entries whose job was
// cancelled (or otherwise left the pending state) while queued.
func (s *Store) popLocked(p domain.Priority) *domain.Job {
	q := s.queues[p]
	for len(q) > 0 {
		id := q[0]
		q = q[1:]
		j, ok := s.jobs[id]
		if ok && j.Status == domain.StatusPending {
			s.queues[p] = q
			return j
		}
	}
	s.queues[p] = q
	return nil
}

func (s *Store) startLocked(j *domain.Job) *domain.Job {
	now := time.Now()
	j.Status = domain.StatusRunning
	j.StartedAt = &now
	s.persistLocked()
	return j.Clone()
}

// Get returns a copy of the job or ErrNotFound.
func (s *Store) Get(id string) (*domain.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	return j.Clone(), nil
}

// ByStatus returns copies of all jobs with the given status, oldest first.
func (s *Store) ByStatus(status domain.Status) []*domain.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*domain.Job
	for _, j := range s.jobs {
		if j.Status == status {
			out = append(out, j.Clone())
		}
	}
	sort.Slice(out, func(i, k int) bool { return out[i].CreatedAt.Before(out[k].CreatedAt) })
	return out
}

// Update describes a partial mutation applied by Apply. Nil fields are left
// untouched.
type Update struct {
	Status      domain.Status
	Result      map[string]any
	Error       *string
	RetryCount  *int
	CompletedAt *time.Time
}

// Apply merges an update into the job record. Completed/failed transitions
// stamp completed_at unless the update supplies one. Returns ErrNotFound for
// unknown ids.
func (s *Store) Apply(id string, u Update) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if u.Status != "" {
		j.Status = u.Status
	}
	if u.Result != nil {
		j.Result = u.Result
	}
	if u.Error != nil {
		j.Error = *u.Error
	}
	if u.RetryCount != nil {
		j.RetryCount = *u.RetryCount
	}
	switch {
	case u.CompletedAt != nil:
		j.CompletedAt = u.CompletedAt
	case u.Status == domain.StatusCompleted || u.Status == domain.StatusFailed:
		now := time.Now()
		j.CompletedAt = &now
	}
	s.persistLocked()
	return nil
}

// Cancel marks a pending job cancelled. Cancelling a running, terminal or
// unknown job returns false; pending-only cancellation is a hard contract.
func (s *Store) Cancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.Status != domain.StatusPending {
		return false
	}
	now := time.Now()
	j.Status = domain.StatusCancelled
	j.CompletedAt = &now
	s.persistLocked()
	return true
}

// Restore loads the last snapshot. Jobs found running (the process died
// mid-execution) are reset to pending and re-queued, which makes execution
// at-least-once: handlers must tolerate duplicates or dedupe via the
// correlation id. Pending jobs are re-queued as-is; terminal jobs are loaded
// for inspection only. Returns the number of running jobs recovered.
func (s *Store) Restore(ctx context.Context) (int, error) {
	if s.snap == nil {
		return 0, nil
	}
	loaded, err := s.snap.Load(ctx)
	if err != nil {
		return 0, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.jobs = make(map[string]*domain.Job, len(loaded))
	for i := range s.queues {
		s.queues[i] = nil
	}

	recovered := 0
	var pending []*domain.Job
	for i := range loaded {
		j := loaded[i].Clone()
		if j.Status == domain.StatusRunning {
			j.Status = domain.StatusPending
			j.StartedAt = nil
			recovered++
		}
		s.jobs[j.ID] = j
		if j.Status == domain.StatusPending {
			pending = append(pending, j)
		}
	}
	sort.Slice(pending, func(i, k int) bool { return pending[i].CreatedAt.Before(pending[k].CreatedAt) })
	for _, j := range pending {
		s.queues[j.Priority] = append(s.queues[j.Priority], j.ID)
	}
	s.persistLocked()
	return recovered, nil
}

// Stats is a point-in-time summary for health reporting.
type Stats struct {
	Total      int                   `json:"total_jobs"`
	ByStatus   map[domain.Status]int `json:"by_status"`
	QueueDepth map[string]int        `json:"queue_depth"`
}

func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := Stats{
		ByStatus:   make(map[domain.Status]int),
		QueueDepth: make(map[string]int, domain.NumPriorities),
	}
	for _, j := range s.jobs {
		st.Total++
		st.ByStatus[j.Status]++
	}
	for p := domain.PriorityLow; p <= domain.PriorityUrgent; p++ {
		st.QueueDepth[p.String()] = len(s.queues[p])
	}
	return st
}

// PendingDepth reports the total number of queued entries across all tiers.
func (s *Store) PendingDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for i := range s.queues {
		n += len(s.queues[i])
	}
	return n
}

// Cleanup drops terminal jobs completed before the cutoff and returns how
// many were removed.
func (s *Store) Cleanup(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, j := range s.jobs {
		if j.Status.Terminal() && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	if removed > 0 {
		s.persistLocked()
	}
	return removed
}

// persistLocked rewrites the snapshot. A write failure is logged and does not
// fail the triggering operation: durability is best-effort.
func (s *Store) persistLocked() {
	if s.snap == nil {
		return
	}
	all := make([]domain.Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		all = append(all, *j.Clone())
	}
	if err := s.snap.Save(context.Background(), all); err != nil {
		log.Error().Err(err).Int("jobs", len(all)).Msg("job snapshot write failed")
	}
}
