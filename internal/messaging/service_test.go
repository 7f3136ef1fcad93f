package messaging

import (
	"testing"
	"time"

	"taskd/internal/domain"
	"taskd/internal/jobstore"
	"taskd/internal/worker"
)

func newService() (*Service, *jobstore.Store) {
	store := jobstore.New(nil)
	pool := worker.NewPool(store, 1, 5*time.Millisecond, time.Second)
	return New(store, pool), store
}

func TestSendCarriesCorrelationID(t *testing.T) {
	svc, store := newService()

	id, err := svc.Send(domain.Message{
		Type:          "notify",
		Payload:       map[string]any{"to": "ops"},
		CorrelationID: "corr-9",
		Priority:      domain.PriorityUrgent,
	})
	if err != nil {
		t.Fatal(err)
	}

	job, err := store.Get(id)
	if err != nil {
		t.Fatal(err)
	}
	if job.Type != "notify" {
		t.Fatalf("type = %q", job.Type)
	}
	if job.Priority != domain.PriorityUrgent {
		t.Fatalf("priority = %s", job.Priority)
	}
	if job.CorrelationID() != "corr-9" {
		t.Fatalf("correlation id = %q", job.CorrelationID())
	}
	if job.MaxRetries != domain.DefaultMaxRetries {
		t.Fatalf("max_retries = %d", job.MaxRetries)
	}
}

func TestSendRequiresType(t *testing.T) {
	svc, _ := newService()
	if _, err := svc.Send(domain.Message{}); err == nil {
		t.Fatal("expected error for empty type")
	}
	if _, err := svc.Submit(domain.Job{}); err == nil {
		t.Fatal("expected error for empty job type")
	}
}

func TestHealthDegradesOnFailures(t *testing.T) {
	svc, store := newService()

	if h := svc.Health(); h.Status != "healthy" {
		t.Fatalf("initial health = %q", h.Status)
	}

	for i := 0; i < 11; i++ {
		id := store.Enqueue(domain.Job{Type: "t", Priority: domain.PriorityUrgent})
		if _, err := store.Dequeue(true); err != nil {
			t.Fatal(err)
		}
		if err := store.Apply(id, jobstore.Update{Status: domain.StatusFailed}); err != nil {
			t.Fatal(err)
		}
	}

	h := svc.Health()
	if h.Status != "degraded" {
		t.Fatalf("health = %q, want degraded", h.Status)
	}
	if h.Queue.ByStatus[domain.StatusFailed] != 11 {
		t.Fatalf("failed count = %d", h.Queue.ByStatus[domain.StatusFailed])
	}
}
