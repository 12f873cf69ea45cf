package engine

import (
	"github.com/hongbietcode/ccengine/pkg/models"
)

// transitions is the lifecycle table. Completed -> Running is the
// continuation path (a new message sent to an already-completed task);
// Failed and Cancelled have no way out.
var transitions = map[string][]string{
	models.StatusPending:   {models.StatusRunning},
	models.StatusRunning:   {models.StatusPaused, models.StatusCompleted, models.StatusFailed, models.StatusCancelled},
	models.StatusPaused:    {models.StatusRunning, models.StatusCancelled},
	models.StatusCompleted: {models.StatusRunning},
}

// CanTransition reports whether from -> to is a defined lifecycle transition.
func CanTransition(from, to string) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Transition validates and applies a status change on the task, maintaining
// the derived timestamp invariants:
//
//   - startedAt is set the first time the task enters Running, and reset when
//     it re-enters Running from Completed (continuation), which also clears
//     completedAt;
//   - completedAt is set exactly when the task enters Completed, Failed, or
//     Cancelled;
//   - errorMessage is set only when the task enters Failed.
//
// On an undefined transition the task is left untouched and a
// *TransitionError is returned.
func Transition(task *models.Task, to string, now int64, errMsg string) error {
	from := task.Status
	if !CanTransition(from, to) {
		return &TransitionError{TaskID: task.ID, From: from, To: to}
	}

	switch to {
	case models.StatusRunning:
		if from == models.StatusCompleted {
			// Continuation reopens the task for a fresh run.
			task.StartedAt = &now
			task.CompletedAt = nil
		} else if task.StartedAt == nil {
			task.StartedAt = &now
		}
		task.ErrorMessage = ""
	case models.StatusCompleted, models.StatusCancelled:
		task.CompletedAt = &now
	case models.StatusFailed:
		task.CompletedAt = &now
		task.ErrorMessage = errMsg
	}

	task.Status = to
	task.UpdatedAt = now
	return nil
}
