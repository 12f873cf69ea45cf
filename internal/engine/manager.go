package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	ccotel "github.com/hongbietcode/ccengine/internal/otel"
	"github.com/hongbietcode/ccengine/internal/store"
	"github.com/hongbietcode/ccengine/pkg/models"
)

// Options tunes a Manager. Zero values fall back to the package defaults.
type Options struct {
	MaxConcurrent int
	MaxPerProject int
	Command       string
	Logger        *slog.Logger
}

// Manager owns the task lifecycle: it composes the store, the admission
// governor, the process registry, the runner, and the event dispatcher.
// All public methods are safe for concurrent use.
type Manager struct {
	store  store.Store
	gov    *Governor
	reg    *Registry
	runner *Runner
	disp   *Dispatcher
	logger *slog.Logger
	now    func() int64

	mu     sync.Mutex
	active map[string]*taskState
}

// taskState is the in-memory side of a task: the persisted snapshot plus the
// run bookkeeping that never hits the store.
type taskState struct {
	task     *models.Task
	messages []models.TaskMessage
	config   models.TaskConfig
	runID    string
	runErr   string
	runStart time.Time
}

func NewManager(st store.Store, opts Options) *Manager {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reg := NewRegistry()
	return &Manager{
		store:  st,
		gov:    NewGovernor(opts.MaxConcurrent, opts.MaxPerProject),
		reg:    reg,
		runner: NewRunner(opts.Command, reg, logger),
		disp:   NewDispatcher(logger),
		logger: logger,
		now:    func() int64 { return time.Now().Unix() },
		active: make(map[string]*taskState),
	}
}

// Dispatcher exposes the event fan-out for transports (SSE, SDK).
func (m *Manager) Dispatcher() *Dispatcher { return m.disp }

// Utilization reports current governor occupancy.
func (m *Manager) Utilization() models.Utilization { return m.gov.Utilization() }

// CreateRequest carries the fields of a new task.
type CreateRequest struct {
	ProjectPath string
	Title       string
	Description string
	Tags        []string
	Priority    string
	Config      models.TaskConfig
}

// Create persists a new pending task. When the config asks for auto-start the
// task is started immediately; an admission rejection at that point leaves the
// task pending rather than failing the create.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*models.Task, error) {
	if req.ProjectPath == "" {
		return nil, fmt.Errorf("project path is required")
	}
	if req.Priority == "" {
		req.Priority = models.PriorityNormal
	}
	now := m.now()
	task := &models.Task{
		ID:          uuid.NewString(),
		ProjectPath: req.ProjectPath,
		Title:       req.Title,
		Description: req.Description,
		Tags:        req.Tags,
		Priority:    req.Priority,
		Status:      models.StatusPending,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	m.mu.Lock()
	st := &taskState{task: task, config: req.Config}
	if err := m.store.SaveTask(ctx, task, nil); err != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("persist task: %w", err)
	}
	m.active[task.ID] = st
	m.logger.Info("task created", "taskId", task.ID, "projectPath", task.ProjectPath)

	var startErr error
	if req.Config.AutoStart {
		startErr = m.startLocked(ctx, st, "")
	}
	m.mu.Unlock()

	if startErr != nil {
		var admission *AdmissionError
		if errors.As(startErr, &admission) {
			m.logger.Warn("auto-start deferred", "taskId", task.ID, "error", startErr)
			return task, nil
		}
		return task, startErr
	}
	return task, nil
}

// Start launches a run for a pending or paused task.
func (m *Manager) Start(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.loadLocked(ctx, taskID)
	if err != nil {
		return err
	}
	switch st.task.Status {
	case models.StatusPending, models.StatusPaused:
	default:
		return &TransitionError{TaskID: taskID, From: st.task.Status, To: models.StatusRunning}
	}
	return m.startLocked(ctx, st, "")
}

// SendMessage appends a user message and runs the task with it. On a
// completed task this is a continuation: the task goes back to running and
// the run resumes the recorded CLI session. A non-nil config replaces the
// task's config for this and later runs.
func (m *Manager) SendMessage(ctx context.Context, taskID, content string, cfg *models.TaskConfig) error {
	if content == "" {
		return fmt.Errorf("message content is empty")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.loadLocked(ctx, taskID)
	if err != nil {
		return err
	}
	switch st.task.Status {
	case models.StatusPending, models.StatusPaused, models.StatusCompleted:
	default:
		return &TransitionError{TaskID: taskID, From: st.task.Status, To: models.StatusRunning}
	}
	if cfg != nil {
		st.config = *cfg
	}

	st.messages = append(st.messages, models.TaskMessage{
		ID:        uuid.NewString(),
		TaskID:    taskID,
		Role:      models.RoleUser,
		Content:   content,
		Timestamp: m.now(),
	})
	st.task.MessageCount = len(st.messages)
	st.task.UpdatedAt = m.now()
	if err := m.store.SaveTask(ctx, st.task, st.messages); err != nil {
		return fmt.Errorf("persist message: %w", err)
	}
	return m.startLocked(ctx, st, content)
}

// Pause kills the task's process and parks it. Progress streamed so far is
// already persisted; a later Start resumes the CLI session.
func (m *Manager) Pause(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.loadLocked(ctx, taskID)
	if err != nil {
		return err
	}
	if st.task.Status != models.StatusRunning {
		return &TransitionError{TaskID: taskID, From: st.task.Status, To: models.StatusPaused}
	}
	m.reg.Kill(taskID)
	return m.transitionLocked(ctx, st, models.StatusPaused, "")
}

// Cancel terminates the task for good. Cancelling an already cancelled task
// is a no-op.
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.loadLocked(ctx, taskID)
	if err != nil {
		return err
	}
	switch st.task.Status {
	case models.StatusCancelled:
		return nil
	case models.StatusRunning, models.StatusPaused:
	default:
		return &TransitionError{TaskID: taskID, From: st.task.Status, To: models.StatusCancelled}
	}
	m.reg.Kill(taskID)
	if err := m.transitionLocked(ctx, st, models.StatusCancelled, ""); err != nil {
		return err
	}
	// With no run in flight there is no sessionEnded to evict the entry.
	if st.runID == "" {
		delete(m.active, taskID)
	}
	return nil
}

// Delete removes a task and its messages from the store. Running tasks must
// be cancelled or paused first.
func (m *Manager) Delete(ctx context.Context, taskID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.loadLocked(ctx, taskID)
	if err != nil {
		return err
	}
	if st.task.Status == models.StatusRunning {
		return fmt.Errorf("task %s is running; cancel it before deleting", taskID)
	}
	if err := m.store.DeleteTask(ctx, taskID); err != nil {
		return err
	}
	delete(m.active, taskID)
	return nil
}

// Task returns a task and its messages.
func (m *Manager) Task(ctx context.Context, taskID string) (*models.Task, []models.TaskMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, err := m.loadLocked(ctx, taskID)
	if err != nil {
		return nil, nil, err
	}
	task := *st.task
	msgs := make([]models.TaskMessage, len(st.messages))
	copy(msgs, st.messages)
	return &task, msgs, nil
}

// List returns tasks, newest first, optionally scoped to one project.
func (m *Manager) List(ctx context.Context, projectPath string, f store.Filter) ([]models.Task, error) {
	return m.store.ListTasks(ctx, projectPath, f)
}

// loadLocked returns the in-memory state for a task, reading it through from
// the store on first touch. Terminal tasks are not cached: browsing history
// must not grow the active map, and a continuation re-enters it through
// startLocked. Caller holds m.mu.
func (m *Manager) loadLocked(ctx context.Context, taskID string) (*taskState, error) {
	if st, ok := m.active[taskID]; ok {
		return st, nil
	}
	task, msgs, err := m.store.LoadTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	st := &taskState{task: task, messages: msgs}
	if !models.IsTerminal(task.Status) {
		m.active[taskID] = st
	}
	return st, nil
}

// startLocked admits, transitions, and spawns one run. prompt overrides the
// derived prompt when non-empty. Caller holds m.mu.
func (m *Manager) startLocked(ctx context.Context, st *taskState, prompt string) error {
	runID := uuid.NewString()
	if err := m.gov.Admit(runID, st.task.ProjectPath); err != nil {
		var aerr *AdmissionError
		if errors.As(err, &aerr) {
			ccotel.RecordAdmissionRejection(ctx, aerr.Scope)
		}
		return err
	}
	if err := m.transitionLocked(ctx, st, models.StatusRunning, ""); err != nil {
		m.gov.Release(runID)
		return err
	}
	st.runID = runID
	st.runErr = ""
	st.runStart = time.Now()
	m.active[st.task.ID] = st

	if prompt == "" {
		prompt = m.derivePrompt(st)
	}
	req := SpawnRequest{
		TaskID:      st.task.ID,
		ProjectPath: st.task.ProjectPath,
		Prompt:      prompt,
		SessionID:   st.task.SessionID,
		RunID:       runID,
		Config:      st.config,
	}
	taskID := st.task.ID
	err := m.runner.Spawn(ctx, req, func(ev models.StreamEvent) {
		m.handleEvent(taskID, runID, ev)
	})
	if err != nil {
		m.gov.Release(runID)
		st.runID = ""
		if terr := m.transitionLocked(ctx, st, models.StatusFailed, err.Error()); terr != nil {
			m.logger.Error("mark spawn failure", "taskId", taskID, "error", terr)
		}
		delete(m.active, taskID)
		return err
	}
	return nil
}

// derivePrompt picks the prompt for a run started without an explicit
// message: the most recent user message, else the task title.
func (m *Manager) derivePrompt(st *taskState) string {
	for i := len(st.messages) - 1; i >= 0; i-- {
		if st.messages[i].Role == models.RoleUser {
			return st.messages[i].Content
		}
	}
	if st.task.Title != "" {
		return st.task.Title
	}
	return st.task.Description
}

// transitionLocked applies a lifecycle transition, persists, and broadcasts
// the status change. Caller holds m.mu.
func (m *Manager) transitionLocked(ctx context.Context, st *taskState, to, errMsg string) error {
	if err := Transition(st.task, to, m.now(), errMsg); err != nil {
		return err
	}
	if err := m.store.SaveTask(ctx, st.task, st.messages); err != nil {
		return fmt.Errorf("persist transition: %w", err)
	}
	m.disp.PublishStatus(models.StatusChange{TaskID: st.task.ID, NewStatus: to})
	m.logger.Info("task status", "taskId", st.task.ID, "status", to)
	return nil
}

// handleEvent runs on a run's reader goroutine. Events from a superseded run
// are dropped, except that a sessionEnded always releases its governor slot.
func (m *Manager) handleEvent(taskID, runID string, ev models.StreamEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if ev.Type == models.EventSessionEnded {
		m.gov.Release(runID)
	}

	st, ok := m.active[taskID]
	if !ok || st.runID != runID {
		if ev.Type != models.EventSessionEnded {
			m.logger.Debug("dropping event from stale run", "taskId", taskID, "runId", runID)
		}
		return
	}

	ctx := context.Background()
	ccotel.RecordStreamEvent(ctx, ev.Type)
	if ev.SessionID != "" {
		st.task.SessionID = ev.SessionID
	}

	switch ev.Type {
	case models.EventMessageStart:
		st.messages = append(st.messages, models.TaskMessage{
			ID:        ev.MessageID,
			TaskID:    taskID,
			Role:      models.RoleAssistant,
			Timestamp: m.now(),
		})
		st.task.MessageCount = len(st.messages)
		m.persistLocked(ctx, st)
	case models.EventContentDelta:
		if msg := m.findMessageLocked(st, ev.MessageID); msg != nil {
			msg.Content += ev.Delta
		}
	case models.EventMessageComplete:
		if msg := m.findMessageLocked(st, ev.MessageID); msg != nil {
			if ev.Content != "" {
				msg.Content = ev.Content
			}
			m.persistLocked(ctx, st)
		}
	case models.EventToolUse:
		st.messages = append(st.messages, models.TaskMessage{
			ID:        uuid.NewString(),
			TaskID:    taskID,
			Role:      models.RoleTool,
			Timestamp: m.now(),
			ToolUse: &models.ToolUse{
				ToolName: ev.ToolName,
				Input:    ev.Input,
			},
		})
		st.task.MessageCount = len(st.messages)
		m.persistLocked(ctx, st)
	case models.EventToolResult:
		for i := len(st.messages) - 1; i >= 0; i-- {
			tu := st.messages[i].ToolUse
			if tu != nil && tu.ToolName == ev.ToolName && tu.Output == "" {
				tu.Output = ev.Output
				break
			}
		}
		m.persistLocked(ctx, st)
	case models.EventError:
		st.runErr = ev.Error
	case models.EventSessionEnded:
		st.runID = ""
		if st.task.Status == models.StatusRunning {
			to := models.StatusCompleted
			errMsg := ""
			switch {
			case ev.Error != "":
				to, errMsg = models.StatusFailed, ev.Error
			case st.runErr != "":
				to, errMsg = models.StatusFailed, st.runErr
			}
			if err := m.transitionLocked(ctx, st, to, errMsg); err != nil {
				m.logger.Error("finalize run", "taskId", taskID, "error", err)
			}
		}
		if !st.runStart.IsZero() {
			ccotel.RecordRunDuration(ctx, st.task.Status, time.Since(st.runStart))
		}
		if models.IsTerminal(st.task.Status) {
			delete(m.active, taskID)
		}
	}

	m.disp.Publish(ev)
}

func (m *Manager) persistLocked(ctx context.Context, st *taskState) {
	st.task.UpdatedAt = m.now()
	if err := m.store.SaveTask(ctx, st.task, st.messages); err != nil {
		m.logger.Error("persist snapshot", "taskId", st.task.ID, "error", err)
	}
}

func (m *Manager) findMessageLocked(st *taskState, messageID string) *models.TaskMessage {
	if messageID == "" {
		return nil
	}
	// Newest first: a resumed session may reuse message ids across runs.
	for i := len(st.messages) - 1; i >= 0; i-- {
		if st.messages[i].ID == messageID {
			return &st.messages[i]
		}
	}
	return nil
}
