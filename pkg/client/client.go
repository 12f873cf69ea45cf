// Package client provides a Go SDK for the ccengine HTTP API.
package client

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/hongbietcode/ccengine/pkg/models"
)

// Client calls the ccengine HTTP API. It is safe for concurrent use.
type Client struct {
	BaseURL    string       // e.g. "http://localhost:4517"
	APIKey     string       // optional; set for X-API-Key / api_key
	HTTPClient *http.Client // optional; nil uses http.DefaultClient
}

// New returns a client for the given base URL (e.g. "http://localhost:4517").
// APIKey is optional; when set, requests use the X-API-Key header.
func New(baseURL, apiKey string) *Client {
	return &Client{BaseURL: baseURL, APIKey: apiKey}
}

func (c *Client) client() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(b)
	}
	u := c.BaseURL + path
	req, err := http.NewRequestWithContext(ctx, method, u, bodyReader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.APIKey != "" {
		req.Header.Set("X-API-Key", c.APIKey)
	}
	return c.client().Do(req)
}

func (c *Client) doJSON(ctx context.Context, method, path string, body any, out any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errBody struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errBody)
		if errBody.Error != "" {
			return fmt.Errorf("api %s %s: %s", method, path, errBody.Error)
		}
		return fmt.Errorf("api %s %s: status %d", method, path, resp.StatusCode)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}

// Health returns the /health response (ok: true).
func (c *Client) Health(ctx context.Context) (ok bool, err error) {
	var out struct {
		OK bool `json:"ok"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/health", nil, &out)
	return out.OK, err
}

// Models returns the model alias resolution table and the default model id.
func (c *Client) Models(ctx context.Context) (defaultModel string, aliases map[string]string, err error) {
	var out struct {
		Default string            `json:"default"`
		Aliases map[string]string `json:"aliases"`
	}
	err = c.doJSON(ctx, http.MethodGet, "/models", nil, &out)
	return out.Default, out.Aliases, err
}

// Utilization returns current governor occupancy.
func (c *Client) Utilization(ctx context.Context) (*models.Utilization, error) {
	var out models.Utilization
	err := c.doJSON(ctx, http.MethodGet, "/governor", nil, &out)
	return &out, err
}

// CreateTaskRequest is the body for CreateTask.
type CreateTaskRequest struct {
	ProjectPath string            `json:"projectPath"`
	Title       string            `json:"title"`
	Description string            `json:"description,omitempty"`
	Tags        []string          `json:"tags,omitempty"`
	Priority    string            `json:"priority,omitempty"`
	Config      models.TaskConfig `json:"config"`
}

// CreateTask creates a task and returns it.
func (c *Client) CreateTask(ctx context.Context, req CreateTaskRequest) (*models.Task, error) {
	var out models.Task
	err := c.doJSON(ctx, http.MethodPost, "/tasks", req, &out)
	return &out, err
}

// ListTasks returns tasks, optionally scoped to one project and status.
func (c *Client) ListTasks(ctx context.Context, projectPath, status string) ([]models.Task, error) {
	q := url.Values{}
	if projectPath != "" {
		q.Set("projectPath", projectPath)
	}
	if status != "" {
		q.Set("status", status)
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	var out []models.Task
	err := c.doJSON(ctx, http.MethodGet, path, nil, &out)
	return out, err
}

// GetTask returns a task and its message history.
func (c *Client) GetTask(ctx context.Context, taskID string) (*models.Task, []models.TaskMessage, error) {
	var out struct {
		Task     *models.Task         `json:"task"`
		Messages []models.TaskMessage `json:"messages"`
	}
	err := c.doJSON(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID), nil, &out)
	return out.Task, out.Messages, err
}

// StartTask starts a pending or paused task.
func (c *Client) StartTask(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/start", map[string]string{}, nil)
}

// SendMessage appends a user message and runs the task with it. A non-nil
// config replaces the task's run config from this run on.
func (c *Client) SendMessage(ctx context.Context, taskID, content string, cfg *models.TaskConfig) error {
	body := struct {
		Content string             `json:"content"`
		Config  *models.TaskConfig `json:"config,omitempty"`
	}{Content: content, Config: cfg}
	return c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/message", body, nil)
}

// PauseTask pauses a running task.
func (c *Client) PauseTask(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/pause", map[string]string{}, nil)
}

// CancelTask cancels a task.
func (c *Client) CancelTask(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodPost, "/tasks/"+url.PathEscape(taskID)+"/cancel", map[string]string{}, nil)
}

// DeleteTask removes a task and its messages.
func (c *Client) DeleteTask(ctx context.Context, taskID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/tasks/"+url.PathEscape(taskID), nil, nil)
}

// StreamTask subscribes to a task's SSE feed and calls fn for each event
// until the context is cancelled or the stream ends. Keepalive comments and
// the initial connected ping are skipped.
func (c *Client) StreamTask(ctx context.Context, taskID string, fn func(models.StreamEvent)) error {
	resp, err := c.do(ctx, http.MethodGet, "/tasks/"+url.PathEscape(taskID)+"/stream", nil)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("api stream: status %d", resp.StatusCode)
	}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 64*1024), 10*1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev models.StreamEvent
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			continue
		}
		if ev.Type == "" {
			continue
		}
		fn(ev)
	}
	if err := sc.Err(); err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}
