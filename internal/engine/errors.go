package engine

import (
	"errors"
	"fmt"
)

// ErrTaskBusy is returned when an operation requires exclusive access to a
// task that already has an attached run.
var ErrTaskBusy = errors.New("task already has an attached run")

// SpawnError means the external process could not be started: the binary is
// missing from PATH or the working directory is invalid. It is fatal to the
// run and never retried automatically.
type SpawnError struct {
	Reason string
	Err    error
}

func (e *SpawnError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("spawn failed: %s: %v", e.Reason, e.Err)
	}
	return "spawn failed: " + e.Reason
}

func (e *SpawnError) Unwrap() error { return e.Err }

// TransitionError is a rejected lifecycle transition. The task state is left
// unchanged.
type TransitionError struct {
	TaskID string
	From   string
	To     string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("invalid transition for task %s: %s -> %s", e.TaskID, e.From, e.To)
}

// Admission rejection scopes.
const (
	ScopeGlobal  = "global"
	ScopeProject = "project"
)

// AdmissionError means the governor rejected a start or resume because a
// concurrency limit was hit. The task keeps its prior status; the caller may
// retry later.
type AdmissionError struct {
	Scope       string // ScopeGlobal or ScopeProject
	Max         int
	ProjectPath string
}

func (e *AdmissionError) Error() string {
	if e.Scope == ScopeProject {
		return fmt.Sprintf("project concurrency limit reached (%d) for %s", e.Max, e.ProjectPath)
	}
	return fmt.Sprintf("global concurrency limit reached (%d)", e.Max)
}
