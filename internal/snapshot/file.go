package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	"taskd/internal/domain"
)

// fileDoc is the on-disk layout: all known jobs keyed by id.
type fileDoc struct {
	SavedAt time.Time             `json:"saved_at"`
	Jobs    map[string]domain.Job `json:"jobs"`
}

type fileStore struct{ path string }

// NewFile returns a snapshot store that rewrites a single JSON file on every
// Save, via temp-file-and-rename so a crash mid-write never corrupts the
// previous snapshot.
func NewFile(path string) (Store, error) {
	if path == "" {
		return nil, errors.New("snapshot file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	return &fileStore{path: path}, nil
}

func (s *fileStore) Save(ctx context.Context, jobs []domain.Job) error {
	doc := fileDoc{SavedAt: time.Now(), Jobs: make(map[string]domain.Job, len(jobs))}
	for _, j := range jobs {
		doc.Jobs[j.ID] = j
	}
	b, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, s.path)
}

func (s *fileStore) Load(ctx context.Context) ([]domain.Job, error) {
	b, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var doc fileDoc
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, err
	}
	jobs := make([]domain.Job, 0, len(doc.Jobs))
	for _, j := range doc.Jobs {
		jobs = append(jobs, j)
	}
	return jobs, nil
}

func (s *fileStore) Close() error { return nil }
