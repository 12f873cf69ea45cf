// Package models provides shared types for the ccengine HTTP API and external
// tools. These types mirror the API JSON and are stable for use by pkg/client
// and the desktop UI.
package models

import "encoding/json"

// Task is a unit of orchestrated work with a persisted lifecycle and at most
// one attached running process. Timestamps are Unix seconds.
type Task struct {
	ID           string   `json:"id"`
	ProjectPath  string   `json:"projectPath"`
	Title        string   `json:"title"`
	Description  string   `json:"description,omitempty"`
	Tags         []string `json:"tags,omitempty"`
	Priority     string   `json:"priority,omitempty"`
	Status       string   `json:"status"`
	CreatedAt    int64    `json:"createdAt"`
	UpdatedAt    int64    `json:"updatedAt"`
	StartedAt    *int64   `json:"startedAt,omitempty"`
	CompletedAt  *int64   `json:"completedAt,omitempty"`
	MessageCount int      `json:"messageCount"`
	ErrorMessage string   `json:"errorMessage,omitempty"`
	// SessionID is the external CLI session id announced on the stream;
	// when known, resume passes it back via --resume.
	SessionID string `json:"sessionId,omitempty"`
}

// TaskMessage is one turn in a task's conversation. Messages are append-only.
type TaskMessage struct {
	ID        string   `json:"id"`
	TaskID    string   `json:"taskId"`
	Role      string   `json:"role"`
	Content   string   `json:"content"`
	Timestamp int64    `json:"timestamp"`
	ToolUse   *ToolUse `json:"toolUse,omitempty"`
}

// ToolUse is the structured record attached to a message that represents a
// tool invocation.
type ToolUse struct {
	ToolName string          `json:"toolName"`
	Input    json.RawMessage `json:"input,omitempty"`
	Output   string          `json:"output,omitempty"`
}

// TaskConfig holds per-invocation parameters. A config is immutable once a run
// is spawned; a later run (resume, continuation) may supply a different one.
type TaskConfig struct {
	Model          string   `json:"model,omitempty"`
	PermissionMode string   `json:"permissionMode,omitempty"`
	MaxTokens      int      `json:"maxTokens,omitempty"`
	Temperature    *float64 `json:"temperature,omitempty"`
	SystemPrompt   string   `json:"systemPrompt,omitempty"`
	AutoStart      bool     `json:"autoStart,omitempty"`
	// FreshSession forces a new CLI session even when the task has a
	// recorded SessionID.
	FreshSession bool `json:"freshSession,omitempty"`
}

// StreamEvent is a transient event decoded from one line of the external
// process's output, or synthesized by the engine (status changes, run end).
// Type is the discriminator; only the fields relevant to that type are set.
type StreamEvent struct {
	Type      string          `json:"type"`
	TaskID    string          `json:"taskId,omitempty"`
	MessageID string          `json:"messageId,omitempty"`
	Delta     string          `json:"delta,omitempty"`
	Content   string          `json:"content,omitempty"`
	ToolID    string          `json:"toolId,omitempty"`
	ToolName  string          `json:"toolName,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	Output    string          `json:"output,omitempty"`
	Error     string          `json:"error,omitempty"`
	Status    string          `json:"status,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	Progress  string          `json:"progress,omitempty"`
}

// StatusChange is published on the global status stream so list views can
// refresh without subscribing per task.
type StatusChange struct {
	TaskID    string `json:"taskId"`
	NewStatus string `json:"newStatus"`
}

// Utilization is the /governor API response.
type Utilization struct {
	Active     int            `json:"active"`
	GlobalMax  int            `json:"globalMax"`
	ByProject  map[string]int `json:"byProject,omitempty"`
	ProjectMax int            `json:"projectMax"`
}
