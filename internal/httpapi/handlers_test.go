package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hongbietcode/ccengine/pkg/client"
	"github.com/hongbietcode/ccengine/pkg/models"
)

// newTestApp builds an app with a temp home and a fake CLI binary.
func newTestApp(t *testing.T, script string) *httptest.Server {
	t.Helper()
	bin := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(bin, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	app, err := NewApp(ServerOptions{
		Home:    t.TempDir(),
		Addr:    "127.0.0.1:0",
		Command: bin,
	})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = app.Store.Close() })
	return ts
}

func postJSON(t *testing.T, url, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return resp, b
}

func TestHandlers(t *testing.T) {
	ts := newTestApp(t, `
cat <<'EOF'
{"type":"system","subtype":"init","session_id":"sess-1"}
{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg_1"}}}
{"type":"stream_event","event":{"type":"content_block_delta","delta":{"text":"ok"}}}
{"type":"stream_event","event":{"type":"message_stop"}}
EOF
`)

	// Health
	resp, err := http.Get(ts.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health: %v %v", err, resp)
	}
	resp.Body.Close()

	// Models catalog
	resp, err = http.Get(ts.URL + "/models")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /models: %v", err)
	}
	var modelsBody struct {
		Default string            `json:"default"`
		Aliases map[string]string `json:"aliases"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&modelsBody)
	resp.Body.Close()
	if modelsBody.Default == "" || len(modelsBody.Aliases) == 0 {
		t.Errorf("models catalog empty: %+v", modelsBody)
	}

	// Create without projectPath is rejected
	resp, _ = postJSON(t, ts.URL+"/tasks", `{"title":"x"}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("POST /tasks without projectPath: %d", resp.StatusCode)
	}

	// Create a task
	project := t.TempDir()
	resp, body := postJSON(t, ts.URL+"/tasks",
		fmt.Sprintf(`{"projectPath":%q,"title":"fix the bug","tags":["bug"]}`, project))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("POST /tasks: %d %s", resp.StatusCode, body)
	}
	var task models.Task
	if err := json.Unmarshal(body, &task); err != nil {
		t.Fatalf("decode task: %v", err)
	}
	if task.ID == "" || task.Status != models.StatusPending {
		t.Fatalf("created task: %+v", task)
	}

	// List scoped to the project
	resp, err = http.Get(ts.URL + "/tasks?projectPath=" + project)
	if err != nil {
		t.Fatalf("GET /tasks: %v", err)
	}
	var list []models.Task
	_ = json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if len(list) != 1 || list[0].ID != task.ID {
		t.Fatalf("list: %+v", list)
	}

	// Pause before start conflicts
	resp, _ = postJSON(t, ts.URL+"/tasks/"+task.ID+"/pause", `{}`)
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("pause pending task: %d", resp.StatusCode)
	}

	// Start and wait for completion
	resp, body = postJSON(t, ts.URL+"/tasks/"+task.ID+"/start", `{}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("start: %d %s", resp.StatusCode, body)
	}
	waitTaskStatus(t, ts.URL, task.ID, models.StatusCompleted)

	// Task detail has the assistant message
	resp, err = http.Get(ts.URL + "/tasks/" + task.ID)
	if err != nil {
		t.Fatalf("GET task: %v", err)
	}
	var detail struct {
		Task     models.Task          `json:"task"`
		Messages []models.TaskMessage `json:"messages"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&detail)
	resp.Body.Close()
	if detail.Task.SessionID != "sess-1" {
		t.Errorf("sessionId = %q", detail.Task.SessionID)
	}
	if len(detail.Messages) != 1 || detail.Messages[0].Content != "ok" {
		t.Errorf("messages: %+v", detail.Messages)
	}

	// Unknown task is 404
	resp, _ = postJSON(t, ts.URL+"/tasks/nope/start", `{}`)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("start unknown task: %d", resp.StatusCode)
	}

	// Governor utilization
	resp, err = http.Get(ts.URL + "/governor")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /governor: %v", err)
	}
	var util models.Utilization
	_ = json.NewDecoder(resp.Body).Decode(&util)
	resp.Body.Close()
	if util.GlobalMax != models.DefaultMaxConcurrentRuns {
		t.Errorf("globalMax = %d", util.GlobalMax)
	}

	// Delete
	req, _ := http.NewRequest(http.MethodDelete, ts.URL+"/tasks/"+task.ID, nil)
	resp, err = http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("DELETE task: %v %v", err, resp)
	}
	resp.Body.Close()
	resp, err = http.Get(ts.URL + "/tasks/" + task.ID)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("GET deleted task: %d", resp.StatusCode)
	}
}

func waitTaskStatus(t *testing.T, baseURL, taskID, want string) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		resp, err := http.Get(baseURL + "/tasks/" + taskID)
		if err != nil {
			t.Fatalf("GET task: %v", err)
		}
		var detail struct {
			Task models.Task `json:"task"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&detail)
		resp.Body.Close()
		if detail.Task.Status == want {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatalf("task never reached %s", want)
}

func TestAPIKeyMiddleware(t *testing.T) {
	app, err := NewApp(ServerOptions{
		Home:   t.TempDir(),
		Addr:   "127.0.0.1:0",
		APIKey: "secret",
	})
	if err != nil {
		t.Fatalf("NewApp: %v", err)
	}
	ts := httptest.NewServer(app.Server.Handler)
	t.Cleanup(ts.Close)
	t.Cleanup(func() { _ = app.Store.Close() })

	// Health is exempt
	resp, err := http.Get(ts.URL + "/health")
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("GET /health: %v %v", err, resp)
	}
	resp.Body.Close()

	// Missing key
	resp, err = http.Get(ts.URL + "/tasks")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("no key: %d", resp.StatusCode)
	}

	// Header key
	req, _ := http.NewRequest(http.MethodGet, ts.URL+"/tasks", nil)
	req.Header.Set("X-API-Key", "secret")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("with key: %d", resp.StatusCode)
	}

	// Query key
	resp, err = http.Get(ts.URL + "/tasks?api_key=secret")
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("query key: %d", resp.StatusCode)
	}
}

func TestSDKRoundTrip(t *testing.T) {
	ts := newTestApp(t, `
cat <<'EOF'
{"type":"system","subtype":"init","session_id":"sess-9"}
{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg_1"}}}
{"type":"stream_event","event":{"type":"content_block_delta","delta":{"text":"done"}}}
{"type":"stream_event","event":{"type":"message_stop"}}
EOF
`)
	c := client.New(ts.URL, "")
	ctx := context.Background()

	def, aliases, err := c.Models(ctx)
	if err != nil {
		t.Fatalf("Models: %v", err)
	}
	if def == "" || len(aliases) == 0 {
		t.Fatalf("models catalog empty: default=%q aliases=%d", def, len(aliases))
	}

	task, err := c.CreateTask(ctx, client.CreateTaskRequest{
		ProjectPath: t.TempDir(), Title: "sdk",
	})
	if err != nil {
		t.Fatalf("CreateTask: %v", err)
	}
	if err := c.SendMessage(ctx, task.ID, "do it", &models.TaskConfig{Model: "sonnet"}); err != nil {
		t.Fatalf("SendMessage: %v", err)
	}

	deadline := time.Now().Add(10 * time.Second)
	for {
		got, msgs, err := c.GetTask(ctx, task.ID)
		if err != nil {
			t.Fatalf("GetTask: %v", err)
		}
		if got.Status == models.StatusCompleted {
			if len(msgs) < 2 {
				t.Fatalf("messages = %d, want user + assistant", len(msgs))
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("task never completed, at %s (%s)", got.Status, got.ErrorMessage)
		}
		time.Sleep(20 * time.Millisecond)
	}
}
