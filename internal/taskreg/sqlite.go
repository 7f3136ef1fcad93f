package taskreg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"taskd/internal/domain"
)

// ErrNotFound means the task id is unknown to the registry.
var ErrNotFound = errors.New("task not found")

// Filter narrows List results. Nil fields match everything.
type Filter struct {
	TaskType *domain.TaskType
	IsActive *bool
	Limit    int
	Offset   int
}

// Repository is the durable home of task records.
type Repository interface {
	Put(ctx context.Context, t domain.Task) error
	Get(ctx context.Context, id string) (domain.Task, error)
	List(ctx context.Context, f Filter) ([]domain.Task, error)
	Delete(ctx context.Context, id string) error
}

// EnsureSchema creates the tasks table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
CREATE TABLE IF NOT EXISTS tasks (
  id TEXT PRIMARY KEY,
  name TEXT NOT NULL,
  description TEXT NOT NULL DEFAULT '',
  payload TEXT,
  task_type TEXT NOT NULL CHECK(task_type IN ('scheduled','repeated')),
  scheduled_at TEXT NOT NULL,
  repeat_interval TEXT NOT NULL DEFAULT '',
  cron_expression TEXT NOT NULL DEFAULT '',
  is_active INTEGER NOT NULL DEFAULT 1,
  created_at TEXT NOT NULL,
  updated_at TEXT NOT NULL,
  last_fired_at TEXT,
  next_fire_at TEXT
);
CREATE INDEX IF NOT EXISTS idx_tasks_active ON tasks(is_active, task_type);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteRepo struct{ db *sql.DB }

func NewSQLiteRepo(db *sql.DB) Repository { return &sqliteRepo{db: db} }

func (r *sqliteRepo) Put(ctx context.Context, t domain.Task) error {
	payload, err := marshalPayload(t.Payload)
	if err != nil {
		return fmt.Errorf("task %s payload: %w", t.ID, err)
	}
	_, err = r.db.ExecContext(ctx, `
INSERT OR REPLACE INTO tasks (id,name,description,payload,task_type,scheduled_at,repeat_interval,cron_expression,is_active,created_at,updated_at,last_fired_at,next_fire_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.Name, t.Description, payload, string(t.TaskType),
		t.ScheduledAt.Format(time.RFC3339Nano),
		string(t.RepeatInterval), t.CronExpression, boolInt(t.IsActive),
		t.CreatedAt.Format(time.RFC3339Nano), t.UpdatedAt.Format(time.RFC3339Nano),
		timeText(t.LastFiredAt), timeText(t.NextFireAt))
	return err
}

func (r *sqliteRepo) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.db.QueryRowContext(ctx, selectCols+` FROM tasks WHERE id=?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

func (r *sqliteRepo) List(ctx context.Context, f Filter) ([]domain.Task, error) {
	q := selectCols + ` FROM tasks WHERE 1=1`
	var args []any
	if f.TaskType != nil {
		q += ` AND task_type=?`
		args = append(args, string(*f.TaskType))
	}
	if f.IsActive != nil {
		q += ` AND is_active=?`
		args = append(args, boolInt(*f.IsActive))
	}
	q += ` ORDER BY created_at`
	if f.Limit > 0 {
		q += ` LIMIT ? OFFSET ?`
		args = append(args, f.Limit, f.Offset)
	}

	rows, err := r.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *sqliteRepo) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM tasks WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const selectCols = `SELECT id,name,description,payload,task_type,scheduled_at,repeat_interval,cron_expression,is_active,created_at,updated_at,last_fired_at,next_fire_at`

type scanner interface{ Scan(dest ...any) error }

func scanTask(row scanner) (domain.Task, error) {
	var (
		t                                 domain.Task
		payload                           sql.NullString
		taskType, repeatInterval          string
		scheduledAt, createdAt, updatedAt string
		lastFired, nextFire               sql.NullString
		active                            int
	)
	err := row.Scan(&t.ID, &t.Name, &t.Description, &payload, &taskType,
		&scheduledAt, &repeatInterval, &t.CronExpression, &active,
		&createdAt, &updatedAt, &lastFired, &nextFire)
	if err != nil {
		return domain.Task{}, err
	}
	t.TaskType = domain.TaskType(taskType)
	t.RepeatInterval = domain.RepeatInterval(repeatInterval)
	t.IsActive = active != 0
	if payload.Valid && payload.String != "" {
		if err := json.Unmarshal([]byte(payload.String), &t.Payload); err != nil {
			return domain.Task{}, fmt.Errorf("task %s payload: %w", t.ID, err)
		}
	}
	if t.ScheduledAt, err = time.Parse(time.RFC3339Nano, scheduledAt); err != nil {
		return domain.Task{}, fmt.Errorf("task %s scheduled_at: %w", t.ID, err)
	}
	if t.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return domain.Task{}, fmt.Errorf("task %s created_at: %w", t.ID, err)
	}
	if t.UpdatedAt, err = time.Parse(time.RFC3339Nano, updatedAt); err != nil {
		return domain.Task{}, fmt.Errorf("task %s updated_at: %w", t.ID, err)
	}
	if t.LastFiredAt, err = parseTimeText(lastFired); err != nil {
		return domain.Task{}, fmt.Errorf("task %s last_fired_at: %w", t.ID, err)
	}
	if t.NextFireAt, err = parseTimeText(nextFire); err != nil {
		return domain.Task{}, fmt.Errorf("task %s next_fire_at: %w", t.ID, err)
	}
	return t, nil
}

func marshalPayload(p map[string]any) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	b, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func timeText(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

func parseTimeText(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
