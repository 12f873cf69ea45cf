package engine

import (
	"os/exec"
	"sync"
)

// procHandle tracks one live external process for a task run.
type procHandle struct {
	runID string
	cmd   *exec.Cmd
}

// Registry maps task ids to their running process handle. It is the only
// state mutated from more than one goroutine per task (the reader loop and
// the pause/cancel caller), so attach, detach, and kill are atomic with
// respect to each other. The raw handle never leaves this package.
type Registry struct {
	mu    sync.Mutex
	procs map[string]procHandle
}

// NewRegistry returns an empty process registry.
func NewRegistry() *Registry {
	return &Registry{procs: make(map[string]procHandle)}
}

// attach records the process for taskID. Only one process may be attached to
// a task at a time; attaching over a live handle returns ErrTaskBusy.
func (r *Registry) attach(taskID, runID string, cmd *exec.Cmd) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.procs[taskID]; ok {
		return ErrTaskBusy
	}
	r.procs[taskID] = procHandle{runID: runID, cmd: cmd}
	return nil
}

// detach removes the handle for taskID, but only if it still belongs to
// runID; a stale detach from a superseded run is a no-op.
func (r *Registry) detach(taskID, runID string) {
	r.mu.Lock()
	if h, ok := r.procs[taskID]; ok && h.runID == runID {
		delete(r.procs, taskID)
	}
	r.mu.Unlock()
}

// Kill terminates the attached process for taskID and removes it from the
// registry. Killing a task with no attached process is a safe no-op; the
// reported bool says whether anything was killed. Once Kill returns, the
// handle is no longer tracked.
func (r *Registry) Kill(taskID string) bool {
	r.mu.Lock()
	h, ok := r.procs[taskID]
	if ok {
		delete(r.procs, taskID)
	}
	r.mu.Unlock()
	if !ok {
		return false
	}
	// Best-effort: the process may have already exited; the reader loop
	// observes the actual exit and finishes cleanup. The whole group dies
	// so no grandchild can keep the stdout pipe open.
	killProcGroup(h.cmd)
	return true
}

// Attached reports whether taskID currently has a process and which run owns it.
func (r *Registry) Attached(taskID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.procs[taskID]
	return h.runID, ok
}

// Len returns the number of attached processes.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.procs)
}
