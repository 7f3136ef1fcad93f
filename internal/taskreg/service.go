// Package taskreg is the CRUD owner of task records and keeps the
// scheduler's trigger table consistent with them.
package taskreg

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"taskd/internal/domain"
	"taskd/internal/scheduler"
)

// Triggers is the slice of the scheduler the registry drives.
type Triggers interface {
	Register(task domain.Task) error
	Unregister(taskID string) bool
	Pause(taskID string) bool
	Resume(taskID string) bool
	SetHooks(h scheduler.Hooks)
}

type Service struct {
	repo  Repository
	sched Triggers
}

func New(repo Repository, sched Triggers) *Service {
	s := &Service{repo: repo, sched: sched}
	sched.SetHooks(scheduler.Hooks{
		Fired:       s.recordFire,
		Deactivated: s.deactivate,
	})
	return s
}

// Create validates the task, persists it and registers its trigger. The
// returned task carries the generated id and timestamps.
func (s *Service) Create(ctx context.Context, task domain.Task) (domain.Task, error) {
	if task.ID == "" {
		task.ID = uuid.NewString()
	}
	if task.Name == "" {
		return domain.Task{}, fmt.Errorf("task name is required")
	}
	if err := scheduler.ValidateTask(task); err != nil {
		return domain.Task{}, err
	}
	if task.TaskType == domain.TaskScheduled && !task.ScheduledAt.After(time.Now()) {
		return domain.Task{}, fmt.Errorf("scheduled_at must be in the future for one-time tasks")
	}

	now := time.Now()
	task.CreatedAt = now
	task.UpdatedAt = now
	task.IsActive = true
	task.LastFiredAt = nil
	task.NextFireAt = nil

	if err := s.repo.Put(ctx, task); err != nil {
		return domain.Task{}, fmt.Errorf("persist task: %w", err)
	}
	// No transaction spans the store and the scheduler; the startup Resync
	// pass re-registers anything lost between these two steps.
	if err := s.sched.Register(task); err != nil {
		return domain.Task{}, err
	}
	log.Info().Str("task_id", task.ID).Str("name", task.Name).Str("type", string(task.TaskType)).Msg("task created")
	return task, nil
}

func (s *Service) Get(ctx context.Context, id string) (domain.Task, error) {
	return s.repo.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	return s.repo.List(ctx, f)
}

// TaskUpdate carries the mutable task fields. Nil pointers leave the field
// unchanged.
type TaskUpdate struct {
	Name           *string
	Description    *string
	Payload        map[string]any
	TaskType       *domain.TaskType
	ScheduledAt    *time.Time
	RepeatInterval *domain.RepeatInterval
	CronExpression *string
	IsActive       *bool
}

func (u TaskUpdate) touchesTiming() bool {
	return u.TaskType != nil || u.ScheduledAt != nil || u.RepeatInterval != nil || u.CronExpression != nil
}

// Update re-validates changed timing fields and re-registers the trigger when
// any of them changed. Jobs already enqueued by past fires are untouched.
func (s *Service) Update(ctx context.Context, id string, u TaskUpdate) (domain.Task, error) {
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}

	if u.Name != nil {
		task.Name = *u.Name
	}
	if u.Description != nil {
		task.Description = *u.Description
	}
	if u.Payload != nil {
		task.Payload = u.Payload
	}
	if u.TaskType != nil {
		task.TaskType = *u.TaskType
	}
	if u.ScheduledAt != nil {
		task.ScheduledAt = *u.ScheduledAt
	}
	if u.RepeatInterval != nil {
		task.RepeatInterval = *u.RepeatInterval
	}
	if u.CronExpression != nil {
		task.CronExpression = *u.CronExpression
	}
	if u.IsActive != nil {
		task.IsActive = *u.IsActive
	}

	if err := scheduler.ValidateTask(task); err != nil {
		return domain.Task{}, err
	}
	if u.touchesTiming() {
		if task.TaskType == domain.TaskScheduled && !task.ScheduledAt.After(time.Now()) {
			return domain.Task{}, fmt.Errorf("scheduled_at must be in the future for one-time tasks")
		}
		// Timing changed: the persisted next-fire no longer applies.
		task.NextFireAt = nil
	}
	task.UpdatedAt = time.Now()

	if err := s.repo.Put(ctx, task); err != nil {
		return domain.Task{}, fmt.Errorf("persist task: %w", err)
	}

	if u.touchesTiming() || u.IsActive != nil {
		s.sched.Unregister(id)
		if task.IsActive {
			if err := s.sched.Register(task); err != nil {
				return domain.Task{}, err
			}
		}
	}
	return task, nil
}

// Delete removes the task and its trigger. Jobs produced by past fires are
// not retroactively cancelled.
func (s *Service) Delete(ctx context.Context, id string) error {
	if err := s.repo.Delete(ctx, id); err != nil {
		return err
	}
	s.sched.Unregister(id)
	log.Info().Str("task_id", id).Msg("task deleted")
	return nil
}

// Pause keeps the task but suspends its trigger. Returns false for unknown
// ids.
func (s *Service) Pause(ctx context.Context, id string) bool {
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return false
	}
	task.IsActive = false
	task.UpdatedAt = time.Now()
	if err := s.repo.Put(ctx, task); err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("failed to persist pause")
	}
	return s.sched.Pause(id)
}

// Resume reactivates a paused task's trigger.
func (s *Service) Resume(ctx context.Context, id string) bool {
	task, err := s.repo.Get(ctx, id)
	if err != nil {
		return false
	}
	task.IsActive = true
	task.UpdatedAt = time.Now()
	if err := s.repo.Put(ctx, task); err != nil {
		log.Error().Err(err).Str("task_id", id).Msg("failed to persist resume")
	}
	if s.sched.Resume(id) {
		return true
	}
	// Trigger missing (e.g. paused before a restart): rebuild it.
	return s.sched.Register(task) == nil
}

// Resync registers triggers for every active task. Run at startup, it both
// rebuilds the ephemeral trigger table and closes the create/register crash
// gap, because registration is idempotent.
func (s *Service) Resync(ctx context.Context) error {
	active := true
	tasks, err := s.repo.List(ctx, Filter{IsActive: &active})
	if err != nil {
		return fmt.Errorf("list active tasks: %w", err)
	}
	for _, t := range tasks {
		if err := s.sched.Register(t); err != nil {
			log.Error().Err(err).Str("task_id", t.ID).Msg("failed to re-register task")
		}
	}
	log.Info().Int("tasks", len(tasks)).Msg("trigger table rebuilt")
	return nil
}

// recordFire persists fire bookkeeping so a restart can apply the missed-fire
// policy from real data.
func (s *Service) recordFire(taskID string, firedAt, next time.Time) {
	ctx := context.Background()
	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return
	}
	task.LastFiredAt = &firedAt
	if next.IsZero() {
		task.NextFireAt = nil
	} else {
		task.NextFireAt = &next
	}
	if err := s.repo.Put(ctx, task); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to persist fire record")
	}
}

// deactivate marks a one-time task inactive after it fired (or expired under
// the skip policy). The record persists for inspection.
func (s *Service) deactivate(taskID string) {
	ctx := context.Background()
	task, err := s.repo.Get(ctx, taskID)
	if err != nil {
		return
	}
	task.IsActive = false
	task.UpdatedAt = time.Now()
	if err := s.repo.Put(ctx, task); err != nil {
		log.Error().Err(err).Str("task_id", taskID).Msg("failed to deactivate task")
	}
}
