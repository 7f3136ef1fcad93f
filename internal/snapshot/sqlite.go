package snapshot

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"taskd/internal/domain"
)

// EnsureSchema creates the jobs table if it doesn't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS jobs (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL,
  payload TEXT,
  priority TEXT NOT NULL CHECK(priority IN ('low','normal','high','urgent')) DEFAULT 'normal',
  status TEXT NOT NULL CHECK(status IN ('pending','running','completed','failed','cancelled')) DEFAULT 'pending',
  created_at TEXT NOT NULL,
  scheduled_at TEXT,
  started_at TEXT,
  completed_at TEXT,
  result TEXT,
  error TEXT NOT NULL DEFAULT '',
  retry_count INTEGER NOT NULL DEFAULT 0,
  max_retries INTEGER NOT NULL DEFAULT 3,
  metadata TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status ON jobs(status);
`
	_, err := db.Exec(schema)
	return err
}

type sqliteStore struct{ db *sql.DB }

// NewSQLite returns a snapshot store backed by an open SQLite handle. The
// caller owns the handle; Close is a no-op so the connection can be shared
// with the task repository.
func NewSQLite(db *sql.DB) Store { return &sqliteStore{db: db} }

func (s *sqliteStore) Save(ctx context.Context, jobs []domain.Job) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM jobs`); err != nil {
		return err
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT INTO jobs (id,type,payload,priority,status,created_at,scheduled_at,started_at,completed_at,result,error,retry_count,max_retries,metadata)
VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for i := range jobs {
		j := &jobs[i]
		payload, err := encodeJSON(j.Payload)
		if err != nil {
			return fmt.Errorf("job %s payload: %w", j.ID, err)
		}
		result, err := encodeJSON(j.Result)
		if err != nil {
			return fmt.Errorf("job %s result: %w", j.ID, err)
		}
		metadata, err := encodeJSON(j.Metadata)
		if err != nil {
			return fmt.Errorf("job %s metadata: %w", j.ID, err)
		}
		_, err = stmt.ExecContext(ctx,
			j.ID, j.Type, payload, j.Priority.String(), string(j.Status),
			j.CreatedAt.Format(time.RFC3339Nano),
			encodeTime(j.ScheduledAt), encodeTime(j.StartedAt), encodeTime(j.CompletedAt),
			result, j.Error, j.RetryCount, j.MaxRetries, metadata)
		if err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *sqliteStore) Load(ctx context.Context) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id,type,payload,priority,status,created_at,scheduled_at,started_at,completed_at,result,error,retry_count,max_retries,metadata
FROM jobs`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		var (
			j                                   domain.Job
			payload, result, metadata           sql.NullString
			priority, status, createdAt         string
			scheduledAt, startedAt, completedAt sql.NullString
		)
		if err := rows.Scan(&j.ID, &j.Type, &payload, &priority, &status, &createdAt,
			&scheduledAt, &startedAt, &completedAt, &result, &j.Error,
			&j.RetryCount, &j.MaxRetries, &metadata); err != nil {
			return nil, err
		}
		if j.Priority, err = domain.ParsePriority(priority); err != nil {
			return nil, fmt.Errorf("job %s: %w", j.ID, err)
		}
		j.Status = domain.Status(status)
		if j.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
			return nil, fmt.Errorf("job %s created_at: %w", j.ID, err)
		}
		if j.ScheduledAt, err = decodeTime(scheduledAt); err != nil {
			return nil, fmt.Errorf("job %s scheduled_at: %w", j.ID, err)
		}
		if j.StartedAt, err = decodeTime(startedAt); err != nil {
			return nil, fmt.Errorf("job %s started_at: %w", j.ID, err)
		}
		if j.CompletedAt, err = decodeTime(completedAt); err != nil {
			return nil, fmt.Errorf("job %s completed_at: %w", j.ID, err)
		}
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &j.Payload); err != nil {
				return nil, fmt.Errorf("job %s payload: %w", j.ID, err)
			}
		}
		if result.Valid && result.String != "" {
			if err := json.Unmarshal([]byte(result.String), &j.Result); err != nil {
				return nil, fmt.Errorf("job %s result: %w", j.ID, err)
			}
		}
		if metadata.Valid && metadata.String != "" {
			if err := json.Unmarshal([]byte(metadata.String), &j.Metadata); err != nil {
				return nil, fmt.Errorf("job %s metadata: %w", j.ID, err)
			}
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func (s *sqliteStore) Close() error { return nil }

func encodeJSON(v any) (sql.NullString, error) {
	switch x := v.(type) {
	case map[string]any:
		if x == nil {
			return sql.NullString{}, nil
		}
	case map[string]string:
		if x == nil {
			return sql.NullString{}, nil
		}
	}
	b, err := json.Marshal(v)
	if err != nil {
		return sql.NullString{}, err
	}
	return sql.NullString{String: string(b), Valid: true}, nil
}

func encodeTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: t.Format(time.RFC3339Nano), Valid: true}
}

func decodeTime(s sql.NullString) (*time.Time, error) {
	if !s.Valid || s.String == "" {
		return nil, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}
