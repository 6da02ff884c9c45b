package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	_ "github.com/dbporter/dbporter/internal/adapter/postgres"
	"github.com/dbporter/dbporter/internal/config"
	"github.com/dbporter/dbporter/internal/task"
)

func newTestServer(t *testing.T) (*httptest.Server, *task.Store) {
	t.Helper()
	store, err := task.Open(t.TempDir())
	if err != nil {
		t.Fatalf("opening store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	cfg := &config.Config{
		Storage: map[string]config.StorageConfig{
			"disk": {Type: "LOCAL", Root: t.TempDir()},
		},
		Profiles: []config.Profile{
			{ID: "shop", Engine: "postgres", Host: "db", Database: "shop"},
		},
	}
	ts := httptest.NewServer(NewServer(cfg, store).Handler())
	t.Cleanup(ts.Close)
	return ts, store
}

func postJSON(t *testing.T, url, body string) *http.Response {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s error: %v", url, err)
	}
	return resp
}

func decodeTask(t *testing.T, resp *http.Response) *task.Task {
	t.Helper()
	defer resp.Body.Close()
	var tk task.Task
	if err := json.NewDecoder(resp.Body).Decode(&tk); err != nil {
		t.Fatalf("decoding task: %v", err)
	}
	return &tk
}

func TestEnqueueEndpoint(t *testing.T) {
	ts, store := newTestServer(t)

	resp := postJSON(t, ts.URL+"/tasks", `{
		"kind": "export",
		"profile_id": "shop",
		"params": {"storage": "disk", "table": "orders", "format": "csv"}
	}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, want 201", resp.StatusCode)
	}
	tk := decodeTask(t, resp)
	if tk.ID == "" || tk.State != task.StateQueued {
		t.Fatalf("task = %+v", tk)
	}

	stored, err := store.Get(context.Background(), tk.ID)
	if err != nil {
		t.Fatalf("enqueued task not in store: %v", err)
	}
	if stored.Params.Table != "orders" {
		t.Fatalf("stored params = %+v", stored.Params)
	}
}

func TestEnqueueValidation(t *testing.T) {
	ts, _ := newTestServer(t)

	tests := []struct {
		name string
		body string
	}{
		{"unknown kind", `{"kind": "vacuum", "profile_id": "shop", "params": {"storage": "disk"}}`},
		{"export without table", `{"kind": "export", "profile_id": "shop", "params": {"storage": "disk", "format": "csv"}}`},
		{"export without format", `{"kind": "export", "profile_id": "shop", "params": {"storage": "disk", "table": "t"}}`},
		{"restore without path", `{"kind": "restore", "profile_id": "shop", "params": {"storage": "disk"}}`},
		{"unknown profile", `{"kind": "backup", "profile_id": "ghost", "params": {"storage": "disk"}}`},
		{"unknown storage", `{"kind": "backup", "profile_id": "shop", "params": {"storage": "tape"}}`},
		{"malformed body", `{`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := postJSON(t, ts.URL+"/tasks", tt.body)
			resp.Body.Close()
			if resp.StatusCode != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400", resp.StatusCode)
			}
		})
	}
}

func TestGetAndListEndpoints(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	queued, _ := store.Enqueue(ctx, task.KindBackup, "shop", task.Params{Storage: "disk"})

	resp, err := http.Get(ts.URL + "/tasks/" + queued.ID)
	if err != nil {
		t.Fatalf("GET error: %v", err)
	}
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET status = %d", resp.StatusCode)
	}
	if got := decodeTask(t, resp); got.ID != queued.ID {
		t.Fatalf("got task %s, want %s", got.ID, queued.ID)
	}

	resp, _ = http.Get(ts.URL + "/tasks/ghost")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET unknown status = %d, want 404", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/tasks?state=queued")
	if err != nil {
		t.Fatalf("GET list error: %v", err)
	}
	defer resp.Body.Close()
	var list []*task.Task
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		t.Fatalf("decoding list: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("list = %d tasks, want 1", len(list))
	}
}

func TestCancelEndpoint(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	queued, _ := store.Enqueue(ctx, task.KindBackup, "shop", task.Params{Storage: "disk"})

	resp := postJSON(t, ts.URL+"/tasks/"+queued.ID+"/cancel", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("cancel status = %d, want 202", resp.StatusCode)
	}

	// Already terminal: conflict.
	resp = postJSON(t, ts.URL+"/tasks/"+queued.ID+"/cancel", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second cancel status = %d, want 409", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/tasks/ghost/cancel", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("cancel unknown status = %d, want 404", resp.StatusCode)
	}
}

func TestRetryEndpoint(t *testing.T) {
	ts, store := newTestServer(t)
	ctx := context.Background()

	orig, _ := store.Enqueue(ctx, task.KindExport, "shop", task.Params{Storage: "disk", Table: "orders", Format: "csv"})
	claimed, err := store.Claim(ctx)
	if err != nil || claimed == nil {
		t.Fatalf("Claim = %v, %v", claimed, err)
	}
	store.Finish(ctx, claimed.ID, task.StateFailed, "boom", -1)

	resp := postJSON(t, ts.URL+"/tasks/"+orig.ID+"/retry", "")
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("retry status = %d, want 201", resp.StatusCode)
	}
	clone := decodeTask(t, resp)
	if clone.RetryOf != orig.ID {
		t.Fatalf("RetryOf = %q, want %q", clone.RetryOf, orig.ID)
	}

	// Queued tasks cannot be retried.
	resp = postJSON(t, ts.URL+"/tasks/"+clone.ID+"/retry", "")
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("retry queued status = %d, want 409", resp.StatusCode)
	}
}
