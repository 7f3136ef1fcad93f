package api

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"taskd/internal/jobstore"
	"taskd/internal/messaging"
	"taskd/internal/scheduler"
	"taskd/internal/taskreg"
	"taskd/internal/worker"
)

func newTestServer(t *testing.T, submitRate int) *httptest.Server {
	t.Helper()
	store := jobstore.New(nil)
	pool := worker.NewPool(store, 1, 5*time.Millisecond, time.Second)
	msg := messaging.New(store, pool)
	sched := scheduler.New(msg, time.Second, scheduler.PolicySkip)
	tasks := taskreg.New(taskreg.NewMemoryRepo(), sched)

	srv := httptest.NewServer(NewServer(msg, tasks, submitRate))
	t.Cleanup(srv.Close)
	return srv
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatal(err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, dst any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(dst); err != nil {
		t.Fatal(err)
	}
}

func TestJobLifecycleOverHTTP(t *testing.T) {
	srv := newTestServer(t, 0)

	resp := postJSON(t, srv.URL+"/api/jobs", map[string]any{
		"type":     "echo",
		"payload":  map[string]any{"text": "hi"},
		"priority": "high",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit = %d", resp.StatusCode)
	}
	var submitted struct {
		JobID string `json:"job_id"`
	}
	decodeJSON(t, resp, &submitted)
	if submitted.JobID == "" {
		t.Fatal("no job id")
	}

	resp, err := http.Get(srv.URL + "/api/jobs/" + submitted.JobID)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get job = %d", resp.StatusCode)
	}
	var job struct {
		Status   string `json:"status"`
		Priority string `json:"priority"`
	}
	decodeJSON(t, resp, &job)
	if job.Status != "pending" || job.Priority != "high" {
		t.Fatalf("job = %+v", job)
	}

	resp, err = http.Get(srv.URL + "/api/jobs?status=pending")
	if err != nil {
		t.Fatal(err)
	}
	var list []json.RawMessage
	decodeJSON(t, resp, &list)
	if len(list) != 1 {
		t.Fatalf("pending list = %d", len(list))
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/api/jobs/"+submitted.JobID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("cancel = %d", resp.StatusCode)
	}

	// Cancelling again conflicts: the job is no longer pending.
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel = %d", resp.StatusCode)
	}
}

func TestSubmitRejectsBadInput(t *testing.T) {
	srv := newTestServer(t, 0)

	cases := []map[string]any{
		{},
		{"type": "echo", "priority": "asap"},
		{"type": "echo", "max_retries": -1},
	}
	for i, body := range cases {
		resp := postJSON(t, srv.URL+"/api/jobs", body)
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("case %d: status = %d, want 400", i, resp.StatusCode)
		}
	}

	resp, err := http.Get(srv.URL + "/api/jobs/does-not-exist")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown job = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/jobs?status=bogus")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad status filter = %d", resp.StatusCode)
	}
}

func TestSendMessage(t *testing.T) {
	srv := newTestServer(t, 0)

	resp := postJSON(t, srv.URL+"/api/messages", map[string]any{
		"type":           "notify",
		"payload":        map[string]any{"to": "ops"},
		"correlation_id": "corr-1",
	})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("send = %d", resp.StatusCode)
	}
	var out struct {
		JobID string `json:"job_id"`
	}
	decodeJSON(t, resp, &out)

	resp, err := http.Get(srv.URL + "/api/jobs/" + out.JobID)
	if err != nil {
		t.Fatal(err)
	}
	var job struct {
		Metadata map[string]string `json:"metadata"`
	}
	decodeJSON(t, resp, &job)
	if job.Metadata["correlation_id"] != "corr-1" {
		t.Fatalf("metadata = %v", job.Metadata)
	}
}

func TestRateLimit(t *testing.T) {
	srv := newTestServer(t, 1)

	limited := false
	for i := 0; i < 5; i++ {
		resp := postJSON(t, srv.URL+"/api/jobs", map[string]any{"type": "echo"})
		resp.Body.Close()
		if resp.StatusCode == http.StatusTooManyRequests {
			limited = true
			break
		}
	}
	if !limited {
		t.Fatal("burst of submits was never rate limited")
	}
}

func TestTaskCRUDOverHTTP(t *testing.T) {
	srv := newTestServer(t, 0)

	resp := postJSON(t, srv.URL+"/api/tasks", map[string]any{
		"name":            "standup reminder",
		"task_type":       "repeated",
		"scheduled_at":    time.Now().Add(time.Hour).Format(time.RFC3339),
		"repeat_interval": "weekly",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create = %d", resp.StatusCode)
	}
	var created struct {
		ID       string `json:"id"`
		IsActive bool   `json:"is_active"`
	}
	decodeJSON(t, resp, &created)
	if created.ID == "" || !created.IsActive {
		t.Fatalf("created = %+v", created)
	}

	resp = postJSON(t, srv.URL+"/api/tasks", map[string]any{
		"name":      "broken",
		"task_type": "repeated",
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("invalid create = %d", resp.StatusCode)
	}

	resp, err := http.Get(srv.URL + "/api/tasks?task_type=repeated")
	if err != nil {
		t.Fatal(err)
	}
	var tasks []json.RawMessage
	decodeJSON(t, resp, &tasks)
	if len(tasks) != 1 {
		t.Fatalf("list = %d", len(tasks))
	}

	body, _ := json.Marshal(map[string]any{"name": "renamed"})
	req, _ := http.NewRequest(http.MethodPut, srv.URL+"/api/tasks/"+created.ID, bytes.NewReader(body))
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("update = %d", resp.StatusCode)
	}
	var updated struct {
		Name string `json:"name"`
	}
	decodeJSON(t, resp, &updated)
	if updated.Name != "renamed" {
		t.Fatalf("update name = %q", updated.Name)
	}

	for _, action := range []string{"pause", "resume"} {
		resp, err := http.Post(fmt.Sprintf("%s/api/tasks/%s/%s", srv.URL, created.ID, action), "", nil)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("%s = %d", action, resp.StatusCode)
		}
	}

	req, _ = http.NewRequest(http.MethodDelete, srv.URL+"/api/tasks/"+created.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("delete = %d", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/api/tasks/" + created.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("get deleted task = %d", resp.StatusCode)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv := newTestServer(t, 0)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatal(err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("health = %d", resp.StatusCode)
	}
	var health struct {
		Status string `json:"status"`
	}
	decodeJSON(t, resp, &health)
	if health.Status != "healthy" {
		t.Fatalf("status = %q", health.Status)
	}
}
