package domain

import (
	"fmt"
	"time"
)

// Priority orders jobs across the store's sub-queues. Higher values are
// dequeued first when priority dispatch is enabled.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
	PriorityUrgent

	NumPriorities = 4
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityNormal:
		return "normal"
	case PriorityHigh:
		return "high"
	case PriorityUrgent:
		return "urgent"
	}
	return "normal"
}

func (p Priority) Valid() bool { return p >= PriorityLow && p <= PriorityUrgent }

func ParsePriority(s string) (Priority, error) {
	switch s {
	case "low":
		return PriorityLow, nil
	case "normal", "":
		return PriorityNormal, nil
	case "high":
		return PriorityHigh, nil
	case "urgent":
		return PriorityUrgent, nil
	}
	return PriorityNormal, fmt.Errorf("unknown priority %q", s)
}

func (p Priority) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

func (p *Priority) UnmarshalText(b []byte) error {
	v, err := ParsePriority(string(b))
	if err != nil {
		return err
	}
	*p = v
	return nil
}

// Status tracks a job through its lifecycle.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusRunning, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether a job in this status will never run again.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// DefaultMaxRetries applies when a job is submitted without an explicit bound.
const DefaultMaxRetries = 3

// Job is a single executable unit of work. The job store owns the canonical
// record; everything handed out to callers is a copy.
type Job struct {
	ID          string            `json:"id"`
	Type        string            `json:"type"`
	Payload     map[string]any    `json:"payload,omitempty"`
	Priority    Priority          `json:"priority"`
	Status      Status            `json:"status"`
	CreatedAt   time.Time         `json:"created_at"`
	ScheduledAt *time.Time        `json:"scheduled_at,omitempty"`
	StartedAt   *time.Time        `json:"started_at,omitempty"`
	CompletedAt *time.Time        `json:"completed_at,omitempty"`
	Result      map[string]any    `json:"result,omitempty"`
	Error       string            `json:"error,omitempty"`
	RetryCount  int               `json:"retry_count"`
	MaxRetries  int               `json:"max_retries"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// CorrelationID returns the metadata correlation id, if any.
func (j *Job) CorrelationID() string {
	if j.Metadata == nil {
		return ""
	}
	return j.Metadata["correlation_id"]
}

// Clone returns a deep-enough copy: maps are duplicated, values are not.
func (j *Job) Clone() *Job {
	c := *j
	if j.Payload != nil {
		c.Payload = make(map[string]any, len(j.Payload))
		for k, v := range j.Payload {
			c.Payload[k] = v
		}
	}
	if j.Result != nil {
		c.Result = make(map[string]any, len(j.Result))
		for k, v := range j.Result {
			c.Result[k] = v
		}
	}
	if j.Metadata != nil {
		c.Metadata = make(map[string]string, len(j.Metadata))
		for k, v := range j.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// Message is an ephemeral request to execute work. It is translated 1:1 into
// a Job at submission time and has no lifecycle of its own.
type Message struct {
	Type          string         `json:"type"`
	Payload       map[string]any `json:"payload,omitempty"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
	Priority      Priority       `json:"priority,omitempty"`
}

// Job builds the job a message turns into. The caller is expected to enqueue it.
func (m Message) Job() Job {
	return Job{
		Type:       m.Type,
		Payload:    m.Payload,
		Priority:   m.Priority,
		MaxRetries: DefaultMaxRetries,
		Metadata:   map[string]string{"correlation_id": m.CorrelationID},
	}
}

// TaskType distinguishes one-time from recurring task definitions.
type TaskType string

const (
	TaskScheduled TaskType = "scheduled"
	TaskRepeated  TaskType = "repeated"
)

func (t TaskType) Valid() bool { return t == TaskScheduled || t == TaskRepeated }

// RepeatInterval selects the recurrence rule for repeated tasks.
type RepeatInterval string

const (
	RepeatDaily   RepeatInterval = "daily"
	RepeatWeekly  RepeatInterval = "weekly"
	RepeatMonthly RepeatInterval = "monthly"
	RepeatCustom  RepeatInterval = "custom"
)

func (r RepeatInterval) Valid() bool {
	switch r {
	case RepeatDaily, RepeatWeekly, RepeatMonthly, RepeatCustom:
		return true
	}
	return false
}

// Task is a declarative definition of when jobs of type "scheduled_task"
// should be produced. The task registry owns the canonical record; the
// scheduler only keeps a derived trigger.
type Task struct {
	ID             string         `json:"id"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Payload        map[string]any `json:"payload,omitempty"`
	TaskType       TaskType       `json:"task_type"`
	ScheduledAt    time.Time      `json:"scheduled_at"`
	RepeatInterval RepeatInterval `json:"repeat_interval,omitempty"`
	CronExpression string         `json:"cron_expression,omitempty"`
	IsActive       bool           `json:"is_active"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`

	// Fire bookkeeping, maintained by the registry on scheduler callbacks.
	// Persisted so a restart can tell a missed occurrence from a fresh task.
	LastFiredAt *time.Time `json:"last_fired_at,omitempty"`
	NextFireAt  *time.Time `json:"next_fire_at,omitempty"`
}

func (t *Task) IsRecurring() bool { return t.TaskType == TaskRepeated }
