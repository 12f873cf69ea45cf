package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"

	"github.com/hongbietcode/ccengine/internal/modelmap"
	"github.com/hongbietcode/ccengine/pkg/models"
)

// maxLineBytes bounds a single stream-json line. Assistant turns can carry
// large tool inputs, so this is well above the bufio default.
const maxLineBytes = 10 * 1024 * 1024

// stderrTailLines is how many trailing stderr lines are kept for the failure
// message when the process exits non-zero.
const stderrTailLines = 20

// SpawnRequest describes one process run.
type SpawnRequest struct {
	TaskID      string
	ProjectPath string
	Prompt      string
	SessionID   string
	RunID       string
	Config      models.TaskConfig
}

// EmitFunc receives parsed events in stream order. The runner calls it from
// the run's reader goroutine; the final call for a run is always a single
// EventSessionEnded.
type EmitFunc func(ev models.StreamEvent)

// Runner spawns the coding-agent CLI for a task and streams its output as
// events. A zero Command means "claude".
type Runner struct {
	Command  string
	Registry *Registry
	Logger   *slog.Logger
}

func NewRunner(command string, reg *Registry, logger *slog.Logger) *Runner {
	if command == "" {
		command = "claude"
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{Command: command, Registry: reg, Logger: logger}
}

// Spawn validates the request, starts the process, registers it, and launches
// the reader goroutine. It returns once the process has started; events arrive
// on emit afterwards. All validation failures surface as *SpawnError before
// any process exists. The child is not bound to ctx: a run outlives the
// request that started it, and termination goes through Registry.Kill.
func (r *Runner) Spawn(ctx context.Context, req SpawnRequest, emit EmitFunc) error {
	bin, err := exec.LookPath(r.Command)
	if err != nil {
		return &SpawnError{Reason: fmt.Sprintf("%s not found on PATH", r.Command), Err: err}
	}
	if err := checkProjectPath(req.ProjectPath); err != nil {
		return err
	}

	args := buildArgs(req)
	cmd := exec.Command(bin, args...)
	cmd.Dir = req.ProjectPath
	// Own process group, so Kill reaches tool subprocesses that would
	// otherwise inherit the stdout pipe and stall the reader.
	setProcGroup(cmd)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return &SpawnError{Reason: "stdout pipe", Err: err}
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return &SpawnError{Reason: "stderr pipe", Err: err}
	}

	if err := cmd.Start(); err != nil {
		return &SpawnError{Reason: "start process", Err: err}
	}
	if err := r.Registry.attach(req.TaskID, req.RunID, cmd); err != nil {
		// Another run holds the slot; kill the orphan we just started.
		killProcGroup(cmd)
		_ = cmd.Wait()
		return &SpawnError{Reason: "task already has a live process", Err: err}
	}

	r.Logger.Info("run started",
		"taskId", req.TaskID,
		"runId", req.RunID,
		"pid", cmd.Process.Pid,
		"model", modelmap.Normalize(req.Config.Model))

	go r.consume(req, cmd, stdout, stderr, emit)
	return nil
}

// consume reads the process streams until exit and emits events in line
// order, ending with exactly one sessionEnded.
func (r *Runner) consume(req SpawnRequest, cmd *exec.Cmd, stdout, stderr io.ReadCloser, emit EmitFunc) {
	var wg sync.WaitGroup
	var tailMu sync.Mutex
	var tail []string

	wg.Add(1)
	go func() {
		defer wg.Done()
		sc := bufio.NewScanner(stderr)
		sc.Buffer(make([]byte, 64*1024), maxLineBytes)
		for sc.Scan() {
			line := sc.Text()
			r.Logger.Debug("run stderr", "taskId", req.TaskID, "line", line)
			tailMu.Lock()
			tail = append(tail, line)
			if len(tail) > stderrTailLines {
				tail = tail[1:]
			}
			tailMu.Unlock()
		}
	}()

	parser := newStreamParser()
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		if ev, ok := parser.parseLine(sc.Text()); ok {
			ev.TaskID = req.TaskID
			emit(ev)
		}
	}
	if err := sc.Err(); err != nil {
		r.Logger.Warn("run stdout read", "taskId", req.TaskID, "error", err)
	}
	if ev, ok := parser.flush(); ok {
		ev.TaskID = req.TaskID
		emit(ev)
	}

	wg.Wait()
	err := cmd.Wait()
	r.Registry.detach(req.TaskID, req.RunID)

	end := models.StreamEvent{Type: models.EventSessionEnded, TaskID: req.TaskID}
	if err != nil {
		tailMu.Lock()
		msg := strings.TrimSpace(strings.Join(tail, "\n"))
		tailMu.Unlock()
		if msg != "" {
			end.Error = fmt.Sprintf("%v: %s", err, msg)
		} else {
			end.Error = err.Error()
		}
		r.Logger.Warn("run exited", "taskId", req.TaskID, "runId", req.RunID, "error", err)
	} else {
		r.Logger.Info("run exited", "taskId", req.TaskID, "runId", req.RunID)
	}
	emit(end)
}

// buildArgs assembles the CLI invocation for one run.
func buildArgs(req SpawnRequest) []string {
	args := []string{
		"-p",
		"--verbose",
		"--output-format", "stream-json",
		"--include-partial-messages",
		"--model", modelmap.Normalize(req.Config.Model),
	}
	if pm := req.Config.PermissionMode; pm != "" && pm != models.PermissionDefault {
		args = append(args, "--permission-mode", string(pm))
	}
	if req.SessionID != "" && !req.Config.FreshSession {
		args = append(args, "--resume", req.SessionID)
	}
	if req.Config.SystemPrompt != "" {
		args = append(args, "--append-system-prompt", req.Config.SystemPrompt)
	}
	return append(args, req.Prompt)
}

func checkProjectPath(path string) error {
	if path == "" {
		return &SpawnError{Reason: "project path is empty"}
	}
	if !filepath.IsAbs(path) {
		return &SpawnError{Reason: fmt.Sprintf("project path %q is not absolute", path)}
	}
	info, err := os.Stat(path)
	if err != nil {
		return &SpawnError{Reason: fmt.Sprintf("project path %q does not exist", path), Err: err}
	}
	if !info.IsDir() {
		return &SpawnError{Reason: fmt.Sprintf("project path %q is not a directory", path)}
	}
	return nil
}
