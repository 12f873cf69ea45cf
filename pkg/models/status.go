package models

// Task statuses used throughout the codebase.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Message roles.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleSystem    = "system"
	RoleTool      = "tool"
)

// Task priorities. Descriptive only; no scheduling effect.
const (
	PriorityLow    = "low"
	PriorityNormal = "normal"
	PriorityHigh   = "high"
)

// Permission modes passed to the external CLI.
const (
	PermissionDefault           = "default"
	PermissionAcceptEdits       = "acceptEdits"
	PermissionBypassPermissions = "bypassPermissions"
	PermissionPlan              = "plan"
)

// Stream event types.
const (
	EventStatusChanged   = "statusChanged"
	EventMessageStart    = "messageStart"
	EventContentDelta    = "contentDelta"
	EventMessageComplete = "messageComplete"
	EventToolUse         = "toolUse"
	EventToolResult      = "toolResult"
	EventError           = "error"
	EventProgress        = "progress"
	// EventSessionEnded is synthesized by the runner when the process exits;
	// it never comes off the wire.
	EventSessionEnded = "sessionEnded"
)

// Default limits.
const (
	DefaultMaxConcurrentRuns   = 5
	DefaultMaxRunsPerProject   = 10
	DefaultMaxRequestBodyBytes = 1 << 20 // 1 MiB
	DefaultTaskListLimit       = 1000
	DefaultSSEChannelBuffer    = 256
	DefaultEventChannelBuffer  = 128
)

// IsTerminal reports whether status is completed, failed, or cancelled.
// Completed is terminal only per run; continuation can reopen it.
func IsTerminal(status string) bool {
	switch status {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}
