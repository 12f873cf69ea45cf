package engine

import (
	"sync"

	"github.com/hongbietcode/ccengine/pkg/models"
)

// Governor is the admission controller for task runs. Its counters are backed
// by the set of currently-admitted runs rather than task status, so the two
// cannot drift apart: a run is counted from Admit until Release, which the
// manager calls when the run's exit is actually observed.
//
// Runs are keyed by run id, not task id, so a late release from a killed run
// can never free the slot of the run that replaced it.
type Governor struct {
	mu            sync.Mutex
	maxGlobal     int
	maxPerProject int
	active        map[string]string // run id -> project path
}

// NewGovernor returns a governor with the given limits; zero or negative
// values fall back to the defaults (5 global, 10 per project).
func NewGovernor(maxGlobal, maxPerProject int) *Governor {
	if maxGlobal <= 0 {
		maxGlobal = models.DefaultMaxConcurrentRuns
	}
	if maxPerProject <= 0 {
		maxPerProject = models.DefaultMaxRunsPerProject
	}
	return &Governor{
		maxGlobal:     maxGlobal,
		maxPerProject: maxPerProject,
		active:        make(map[string]string),
	}
}

// Admit reserves a run slot for runID under projectPath. Check and insert
// happen under one lock, so two racing admissions can never both slip past a
// nearly-full limit. Returns *AdmissionError naming the limit that was hit.
func (g *Governor) Admit(runID, projectPath string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(g.active) >= g.maxGlobal {
		return &AdmissionError{Scope: ScopeGlobal, Max: g.maxGlobal}
	}
	project := 0
	for _, p := range g.active {
		if p == projectPath {
			project++
		}
	}
	if project >= g.maxPerProject {
		return &AdmissionError{Scope: ScopeProject, Max: g.maxPerProject, ProjectPath: projectPath}
	}
	g.active[runID] = projectPath
	return nil
}

// Release frees the slot held by runID. Releasing an unknown or
// already-released run is a no-op, keeping cleanup idempotent under racing
// cancel and exit signals.
func (g *Governor) Release(runID string) {
	g.mu.Lock()
	delete(g.active, runID)
	g.mu.Unlock()
}

// Active returns the number of admitted runs.
func (g *Governor) Active() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Utilization snapshots current counters for the /governor API.
func (g *Governor) Utilization() models.Utilization {
	g.mu.Lock()
	defer g.mu.Unlock()
	byProject := make(map[string]int)
	for _, p := range g.active {
		byProject[p]++
	}
	return models.Utilization{
		Active:     len(g.active),
		GlobalMax:  g.maxGlobal,
		ByProject:  byProject,
		ProjectMax: g.maxPerProject,
	}
}
