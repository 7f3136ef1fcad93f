// Package snapshot persists the job store's full job table. A snapshot is
// rewritten on every mutating store call; durability is best-effort by
// contract, so callers log and swallow Save errors.
package snapshot

import (
	"context"

	"taskd/internal/domain"
)

// Store is a durable backend for the job table.
type Store interface {
	// Save replaces the previous snapshot with the given jobs.
	Save(ctx context.Context, jobs []domain.Job) error
	// Load returns the jobs from the last snapshot, or an empty slice when
	// no snapshot exists yet.
	Load(ctx context.Context) ([]domain.Job, error)
	Close() error
}
