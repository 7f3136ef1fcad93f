// Package scheduler converts task definitions into messages at the right
// times. It owns only the ephemeral trigger table (task id → next fire);
// task records live in the registry and the table is rebuilt from them on
// startup.
package scheduler

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"taskd/internal/domain"
	"taskd/internal/telemetry"
)

// Emitter receives the message produced when a trigger fires. The messaging
// facade satisfies this.
type Emitter interface {
	Send(msg domain.Message) (string, error)
}

// MissedPolicy controls what happens to occurrences that passed while the
// process was down. Skip recomputes strictly from the current time forward,
// dropping missed occurrences; CatchUp fires once immediately, collapsing
// any number of misses into a single fire.
type MissedPolicy string

const (
	PolicySkip    MissedPolicy = "skip"
	PolicyCatchUp MissedPolicy = "catchup"
)

// Hooks lets the task registry persist fire bookkeeping and deactivate
// exhausted one-time tasks. Both are optional.
type Hooks struct {
	Fired       func(taskID string, firedAt, next time.Time)
	Deactivated func(taskID string)
}

type trigger struct {
	task   domain.Task
	next   time.Time
	paused bool
}

type Service struct {
	emitter Emitter
	tick    time.Duration
	policy  MissedPolicy
	now     func() time.Time

	mu       sync.Mutex
	triggers map[string]*trigger
	hooks    Hooks

	stopCh chan struct{}
	done   chan struct{}
}

func New(emitter Emitter, tick time.Duration, policy MissedPolicy) *Service {
	if tick <= 0 {
		tick = time.Second
	}
	if policy != PolicyCatchUp {
		policy = PolicySkip
	}
	return &Service{
		emitter:  emitter,
		tick:     tick,
		policy:   policy,
		now:      time.Now,
		triggers: make(map[string]*trigger),
	}
}

func (s *Service) SetHooks(h Hooks) {
	s.mu.Lock()
	s.hooks = h
	s.mu.Unlock()
}

// Start launches the timer loop. Resolution is the configured tick, one
// second by default.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	go s.loop(s.stopCh, s.done)
	log.Info().Dur("tick", s.tick).Str("missed_policy", string(s.policy)).Msg("scheduler started")
}

func (s *Service) Stop() {
	s.mu.Lock()
	stopCh, done := s.stopCh, s.done
	s.stopCh, s.done = nil, nil
	s.mu.Unlock()
	if stopCh == nil {
		return
	}
	close(stopCh)
	<-done
	log.Info().Msg("scheduler stopped")
}

func (s *Service) loop(stopCh <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	t := time.NewTicker(s.tick)
	defer t.Stop()
	for {
		select {
		case <-stopCh:
			return
		case <-t.C:
			s.fireDue(s.now())
		}
	}
}

// Register validates the task and installs its trigger. Occurrences already
// in the past are handled per the missed-fire policy; under skip a past
// one-time task is deactivated without firing.
func (s *Service) Register(task domain.Task) error {
	if err := ValidateTask(task); err != nil {
		return err
	}
	now := s.now()

	var next time.Time
	switch {
	case task.NextFireAt != nil && !task.NextFireAt.IsZero():
		// Persisted from a previous run: lets us tell a missed occurrence
		// from a task that was never due.
		next = *task.NextFireAt
	case task.TaskType == domain.TaskScheduled:
		next = task.ScheduledAt
	default:
		n, err := NextOccurrence(task, now)
		if err != nil {
			return err
		}
		next = n
	}

	if !next.After(now) {
		switch s.policy {
		case PolicyCatchUp:
			next = now
		default: // skip
			if task.TaskType == domain.TaskScheduled {
				s.mu.Lock()
				deactivated := s.hooks.Deactivated
				delete(s.triggers, task.ID)
				s.mu.Unlock()
				if deactivated != nil {
					deactivated(task.ID)
				}
				log.Info().Str("task_id", task.ID).Msg("one-time task expired while down, skipped")
				return nil
			}
			n, err := NextOccurrence(task, now)
			if err != nil {
				return err
			}
			next = n
		}
	}

	s.mu.Lock()
	s.triggers[task.ID] = &trigger{task: task, next: next}
	s.mu.Unlock()
	log.Debug().Str("task_id", task.ID).Time("next", next).Msg("trigger registered")
	return nil
}

// Unregister removes the trigger. Returns false for unknown ids.
func (s *Service) Unregister(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.triggers[taskID]; !ok {
		return false
	}
	delete(s.triggers, taskID)
	return true
}

// Cancel removes the trigger. It does not retroactively cancel jobs already
// enqueued by past fires.
func (s *Service) Cancel(taskID string) bool { return s.Unregister(taskID) }

// Pause suspends the trigger but keeps it installed.
func (s *Service) Pause(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.triggers[taskID]
	if !ok {
		return false
	}
	tr.paused = true
	return true
}

// Resume reactivates a paused trigger. The next fire is recomputed from the
// current time so a long pause does not produce a stale immediate fire.
func (s *Service) Resume(taskID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.triggers[taskID]
	if !ok {
		return false
	}
	tr.paused = false
	if tr.task.IsRecurring() && !tr.next.After(s.now()) {
		if n, err := NextOccurrence(tr.task, s.now()); err == nil {
			tr.next = n
		}
	}
	return true
}

// NextFire reports the pending fire time for a task, for diagnostics.
func (s *Service) NextFire(taskID string) (time.Time, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	tr, ok := s.triggers[taskID]
	if !ok {
		return time.Time{}, false
	}
	return tr.next, true
}

// fireDue emits a message for every trigger at or past its fire time, then
// immediately recomputes the next occurrence so one fire can never
// double-trigger.
func (s *Service) fireDue(now time.Time) {
	s.mu.Lock()
	var due []*trigger
	for _, tr := range s.triggers {
		if !tr.paused && !tr.next.After(now) {
			due = append(due, tr)
		}
	}
	hooks := s.hooks
	s.mu.Unlock()

	for _, tr := range due {
		taskID := tr.task.ID
		msg := domain.Message{
			Type:          "scheduled_task",
			Payload:       map[string]any{"task_id": taskID},
			Timestamp:     now,
			CorrelationID: "task_" + taskID,
		}
		if _, err := s.emitter.Send(msg); err != nil {
			log.Error().Err(err).Str("task_id", taskID).Msg("failed to emit scheduled task")
		} else {
			telemetry.SchedulerFires.Inc()
		}

		if !tr.task.IsRecurring() {
			s.mu.Lock()
			delete(s.triggers, taskID)
			s.mu.Unlock()
			if hooks.Fired != nil {
				hooks.Fired(taskID, now, time.Time{})
			}
			if hooks.Deactivated != nil {
				hooks.Deactivated(taskID)
			}
			continue
		}

		next, err := NextOccurrence(tr.task, s.now())
		if err != nil {
			log.Error().Err(err).Str("task_id", taskID).Msg("failed to recompute trigger, unregistering")
			s.mu.Lock()
			delete(s.triggers, taskID)
			s.mu.Unlock()
			continue
		}
		s.mu.Lock()
		tr.next = next
		s.mu.Unlock()
		if hooks.Fired != nil {
			hooks.Fired(taskID, now, next)
		}
	}
}

// ValidateTask enforces the recurrence invariants: a repeated task needs a
// valid interval, custom intervals need a parseable cron expression, and
// every task needs an anchor time.
func ValidateTask(task domain.Task) error {
	if task.ID == "" {
		return errors.New("task id is required")
	}
	if !task.TaskType.Valid() {
		return fmt.Errorf("unknown task type %q", task.TaskType)
	}
	if task.ScheduledAt.IsZero() {
		return errors.New("scheduled_at is required")
	}
	if task.TaskType == domain.TaskRepeated {
		if !task.RepeatInterval.Valid() {
			return fmt.Errorf("repeat_interval is required for repeated tasks")
		}
		if task.RepeatInterval == domain.RepeatCustom {
			if task.CronExpression == "" {
				return errors.New("cron_expression is required for custom repeat intervals")
			}
			if err := ValidateCronExpression(task.CronExpression); err != nil {
				return fmt.Errorf("invalid cron expression: %w", err)
			}
		} else if task.CronExpression != "" {
			return errors.New("cron_expression is only valid with the custom interval")
		}
	}
	return nil
}

// ValidateCronExpression checks standard 5-field cron syntax.
func ValidateCronExpression(expr string) error {
	_, err := cron.ParseStandard(expr)
	return err
}

// NextOccurrence computes the first fire time strictly after the given
// instant. One-time tasks return their anchor unchanged. For monthly tasks a
// day-of-month that does not exist in a month clamps to that month's last
// day (a task anchored to the 31st fires on Feb 28/29).
func NextOccurrence(task domain.Task, after time.Time) (time.Time, error) {
	anchor := task.ScheduledAt
	if task.TaskType == domain.TaskScheduled {
		return anchor, nil
	}

	h, m, sec := anchor.Clock()
	loc := after.Location()

	switch task.RepeatInterval {
	case domain.RepeatDaily:
		c := time.Date(after.Year(), after.Month(), after.Day(), h, m, sec, 0, loc)
		if !c.After(after) {
			c = c.AddDate(0, 0, 1)
		}
		return c, nil

	case domain.RepeatWeekly:
		delta := (int(anchor.Weekday()) - int(after.Weekday()) + 7) % 7
		c := time.Date(after.Year(), after.Month(), after.Day()+delta, h, m, sec, 0, loc)
		if !c.After(after) {
			c = c.AddDate(0, 0, 7)
		}
		return c, nil

	case domain.RepeatMonthly:
		day := anchor.Day()
		year, month := after.Year(), after.Month()
		for i := 0; i < 14; i++ {
			d := day
			if last := daysIn(year, month); d > last {
				d = last
			}
			c := time.Date(year, month, d, h, m, sec, 0, loc)
			if c.After(after) {
				return c, nil
			}
			month++
			if month > time.December {
				month = time.January
				year++
			}
		}
		return time.Time{}, fmt.Errorf("no monthly occurrence found after %s", after)

	case domain.RepeatCustom:
		sched, err := cron.ParseStandard(task.CronExpression)
		if err != nil {
			return time.Time{}, err
		}
		return sched.Next(after), nil
	}
	return time.Time{}, fmt.Errorf("unknown repeat interval %q", task.RepeatInterval)
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}
