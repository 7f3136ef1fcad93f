package snapshot

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"taskd/internal/domain"
)

func sampleJobs() []domain.Job {
	started := time.Now().Add(-time.Minute).UTC().Truncate(time.Millisecond)
	return []domain.Job{
		{
			ID:        "a",
			Type:      "echo",
			Payload:   map[string]any{"text": "hi"},
			Priority:  domain.PriorityUrgent,
			Status:    domain.StatusRunning,
			CreatedAt: time.Now().Add(-2 * time.Minute).UTC().Truncate(time.Millisecond),
			StartedAt: &started,
			Metadata:  map[string]string{"correlation_id": "task_1"},
		},
		{
			ID:         "b",
			Type:       "shell",
			Priority:   domain.PriorityLow,
			Status:     domain.StatusFailed,
			CreatedAt:  time.Now().UTC().Truncate(time.Millisecond),
			Error:      "exit 1",
			RetryCount: 3,
			MaxRetries: 3,
		},
	}
}

func checkRoundTrip(t *testing.T, store Store) {
	t.Helper()
	ctx := context.Background()
	want := sampleJobs()

	if err := store.Save(ctx, want); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := store.Load(ctx)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(got) != len(want) {
		t.Fatalf("loaded %d jobs, want %d", len(got), len(want))
	}

	byID := make(map[string]domain.Job, len(got))
	for _, j := range got {
		byID[j.ID] = j
	}
	a, ok := byID["a"]
	if !ok {
		t.Fatal("job a missing after round trip")
	}
	if a.Status != domain.StatusRunning || a.Priority != domain.PriorityUrgent {
		t.Fatalf("job a = %s/%s", a.Status, a.Priority)
	}
	if a.Payload["text"] != "hi" {
		t.Fatalf("job a payload = %v", a.Payload)
	}
	if a.Metadata["correlation_id"] != "task_1" {
		t.Fatalf("job a metadata = %v", a.Metadata)
	}
	if a.StartedAt == nil || !a.StartedAt.Equal(*want[0].StartedAt) {
		t.Fatalf("job a started_at = %v, want %v", a.StartedAt, want[0].StartedAt)
	}
	b := byID["b"]
	if b.Error != "exit 1" || b.RetryCount != 3 {
		t.Fatalf("job b = %q retry=%d", b.Error, b.RetryCount)
	}
	if b.StartedAt != nil {
		t.Fatal("job b grew a started_at")
	}

	// Save is a full rewrite: a shrunk set replaces the old one.
	if err := store.Save(ctx, want[:1]); err != nil {
		t.Fatalf("second save: %v", err)
	}
	got, err = store.Load(ctx)
	if err != nil {
		t.Fatalf("second load: %v", err)
	}
	if len(got) != 1 || got[0].ID != "a" {
		t.Fatalf("second load = %d jobs, want only job a", len(got))
	}
}

func TestSQLiteRoundTrip(t *testing.T) {
	db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "snap.db"))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)
	if err := EnsureSchema(db); err != nil {
		t.Fatalf("ensure schema: %v", err)
	}
	checkRoundTrip(t, NewSQLite(db))
}

func TestFileRoundTrip(t *testing.T) {
	store, err := NewFile(filepath.Join(t.TempDir(), "snap.json"))
	if err != nil {
		t.Fatal(err)
	}
	checkRoundTrip(t, store)
}

func TestFileLoadMissingFile(t *testing.T) {
	store, err := NewFile(filepath.Join(t.TempDir(), "never-written.json"))
	if err != nil {
		t.Fatal(err)
	}
	jobs, err := store.Load(context.Background())
	if err != nil {
		t.Fatalf("load of missing file: %v", err)
	}
	if jobs != nil {
		t.Fatalf("expected no jobs, got %d", len(jobs))
	}
}

func TestFileRequiresPath(t *testing.T) {
	if _, err := NewFile(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}
