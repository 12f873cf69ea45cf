package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/hongbietcode/ccengine/pkg/models"
)

// fakeClaude writes an executable shell script that stands in for the real
// CLI binary and returns its path.
func fakeClaude(t *testing.T, script string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "claude")
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+script), 0o755); err != nil {
		t.Fatalf("write fake binary: %v", err)
	}
	return path
}

// runToEnd spawns a run and collects events until the sessionEnded arrives.
func runToEnd(t *testing.T, r *Runner, req SpawnRequest) []models.StreamEvent {
	t.Helper()
	ch := make(chan models.StreamEvent, 64)
	if err := r.Spawn(context.Background(), req, func(ev models.StreamEvent) { ch <- ev }); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	var out []models.StreamEvent
	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-ch:
			out = append(out, ev)
			if ev.Type == models.EventSessionEnded {
				return out
			}
		case <-deadline:
			t.Fatalf("timed out; events so far: %+v", out)
		}
	}
}

func TestRunnerStreamsEventsInOrder(t *testing.T) {
	bin := fakeClaude(t, `
cat <<'EOF'
{"type":"system","subtype":"init","session_id":"sess-1"}
{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg_1"}}}
{"type":"stream_event","event":{"type":"content_block_delta","delta":{"text":"hi"}}}
{"type":"stream_event","event":{"type":"message_stop"}}
EOF
`)
	reg := NewRegistry()
	r := NewRunner(bin, reg, nil)

	events := runToEnd(t, r, SpawnRequest{
		TaskID: "t1", RunID: "r1", ProjectPath: t.TempDir(), Prompt: "go",
	})

	types := make([]string, len(events))
	for i, ev := range events {
		types[i] = ev.Type
		if ev.TaskID != "t1" {
			t.Errorf("event %d taskId = %q", i, ev.TaskID)
		}
	}
	want := []string{
		models.EventProgress,
		models.EventMessageStart,
		models.EventContentDelta,
		models.EventMessageComplete,
		models.EventSessionEnded,
	}
	if strings.Join(types, ",") != strings.Join(want, ",") {
		t.Fatalf("event order %v, want %v", types, want)
	}
	if events[0].SessionID != "sess-1" {
		t.Errorf("init sessionId = %q", events[0].SessionID)
	}

	end := events[len(events)-1]
	if end.Error != "" {
		t.Errorf("clean exit carried error %q", end.Error)
	}
	if reg.Len() != 0 {
		t.Errorf("registry still holds %d handles after exit", reg.Len())
	}
}

func TestRunnerNonZeroExitCarriesStderr(t *testing.T) {
	bin := fakeClaude(t, `
echo "fatal: no credentials" >&2
exit 1
`)
	r := NewRunner(bin, NewRegistry(), nil)
	events := runToEnd(t, r, SpawnRequest{
		TaskID: "t1", RunID: "r1", ProjectPath: t.TempDir(), Prompt: "go",
	})

	end := events[len(events)-1]
	if end.Error == "" {
		t.Fatal("non-zero exit produced no error")
	}
	if !strings.Contains(end.Error, "no credentials") {
		t.Errorf("error %q missing stderr tail", end.Error)
	}
}

func TestRunnerKilledMidMessageFlushesPartial(t *testing.T) {
	bin := fakeClaude(t, `
echo '{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg_1"}}}'
echo '{"type":"stream_event","event":{"type":"content_block_delta","delta":{"text":"part"}}}'
sleep 60
`)
	reg := NewRegistry()
	r := NewRunner(bin, reg, nil)

	ch := make(chan models.StreamEvent, 64)
	if err := r.Spawn(context.Background(), SpawnRequest{
		TaskID: "t1", RunID: "r1", ProjectPath: t.TempDir(), Prompt: "go",
	}, func(ev models.StreamEvent) { ch <- ev }); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	// Wait for the delta, then kill through the registry like Pause does.
	deadline := time.After(10 * time.Second)
	var events []models.StreamEvent
	for len(events) < 2 {
		select {
		case ev := <-ch:
			events = append(events, ev)
		case <-deadline:
			t.Fatalf("timed out waiting for deltas, got %+v", events)
		}
	}
	if !reg.Kill("t1") {
		t.Fatal("kill found no process")
	}
	for {
		select {
		case ev := <-ch:
			events = append(events, ev)
			if ev.Type == models.EventSessionEnded {
				// The partial message is completed before the end event.
				prev := events[len(events)-2]
				if prev.Type != models.EventMessageComplete || prev.Content != "part" {
					t.Errorf("no partial flush before end: %+v", prev)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for session end")
		}
	}
}

func TestRunnerSpawnOutlivesCallerContext(t *testing.T) {
	bin := fakeClaude(t, `
sleep 1
cat <<'EOF'
{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg_1"}}}
{"type":"stream_event","event":{"type":"content_block_delta","delta":{"text":"ok"}}}
{"type":"stream_event","event":{"type":"message_stop"}}
EOF
`)
	r := NewRunner(bin, NewRegistry(), nil)

	// An HTTP start request's context dies as soon as the response is
	// written; the run must not die with it.
	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan models.StreamEvent, 64)
	if err := r.Spawn(ctx, SpawnRequest{
		TaskID: "t1", RunID: "r1", ProjectPath: t.TempDir(), Prompt: "go",
	}, func(ev models.StreamEvent) { ch <- ev }); err != nil {
		t.Fatalf("spawn: %v", err)
	}
	cancel()

	deadline := time.After(10 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Type == models.EventSessionEnded {
				if ev.Error != "" {
					t.Fatalf("run died with caller context: %q", ev.Error)
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for session end")
		}
	}
}

func TestRunnerKillStopsToolSubprocesses(t *testing.T) {
	// The subprocess spawns its own child which inherits the stdout pipe;
	// killing must take the whole group down or the reader never sees EOF.
	bin := fakeClaude(t, `
echo '{"type":"stream_event","event":{"type":"message_start","message":{"id":"msg_1"}}}'
sleep 60 &
sleep 60
`)
	reg := NewRegistry()
	r := NewRunner(bin, reg, nil)

	ch := make(chan models.StreamEvent, 64)
	if err := r.Spawn(context.Background(), SpawnRequest{
		TaskID: "t1", RunID: "r1", ProjectPath: t.TempDir(), Prompt: "go",
	}, func(ev models.StreamEvent) { ch <- ev }); err != nil {
		t.Fatalf("spawn: %v", err)
	}

	deadline := time.After(10 * time.Second)
	select {
	case <-ch:
	case <-deadline:
		t.Fatal("timed out waiting for first event")
	}
	if !reg.Kill("t1") {
		t.Fatal("kill found no process")
	}
	for {
		select {
		case ev := <-ch:
			if ev.Type == models.EventSessionEnded {
				return
			}
		case <-deadline:
			t.Fatal("session end blocked on an orphaned subprocess")
		}
	}
}

func TestRunnerPassesFlagsAndPrompt(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args.txt")
	bin := fakeClaude(t, `printf '%s\n' "$@" > `+out)
	r := NewRunner(bin, NewRegistry(), nil)

	runToEnd(t, r, SpawnRequest{
		TaskID: "t1", RunID: "r1", ProjectPath: t.TempDir(),
		Prompt:    "do the thing",
		SessionID: "sess-7",
		Config: models.TaskConfig{
			Model:          "sonnet",
			PermissionMode: models.PermissionPlan,
			SystemPrompt:   "be brief",
		},
	})

	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	args := strings.Split(strings.TrimSpace(string(raw)), "\n")

	wantPairs := map[string]string{
		"--output-format":        "stream-json",
		"--model":                "claude-sonnet-4-5-20250929",
		"--permission-mode":      "plan",
		"--resume":               "sess-7",
		"--append-system-prompt": "be brief",
	}
	for flag, val := range wantPairs {
		found := false
		for i := 0; i < len(args)-1; i++ {
			if args[i] == flag && args[i+1] == val {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("missing %s %s in %v", flag, val, args)
		}
	}
	for _, flag := range []string{"-p", "--verbose", "--include-partial-messages"} {
		found := false
		for _, a := range args {
			if a == flag {
				found = true
			}
		}
		if !found {
			t.Errorf("missing flag %s in %v", flag, args)
		}
	}
	if args[len(args)-1] != "do the thing" {
		t.Errorf("prompt is not the final argument: %v", args)
	}
}

func TestRunnerFreshSessionSkipsResume(t *testing.T) {
	out := filepath.Join(t.TempDir(), "args.txt")
	bin := fakeClaude(t, `printf '%s\n' "$@" > `+out)
	r := NewRunner(bin, NewRegistry(), nil)

	runToEnd(t, r, SpawnRequest{
		TaskID: "t1", RunID: "r1", ProjectPath: t.TempDir(),
		Prompt: "go", SessionID: "sess-7",
		Config: models.TaskConfig{FreshSession: true},
	})

	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read args: %v", err)
	}
	if strings.Contains(string(raw), "--resume") {
		t.Errorf("fresh session still passed --resume: %s", raw)
	}
}

func TestRunnerSpawnValidation(t *testing.T) {
	reg := NewRegistry()
	emit := func(models.StreamEvent) {}

	t.Run("missing binary", func(t *testing.T) {
		r := NewRunner(filepath.Join(t.TempDir(), "nope"), reg, nil)
		err := r.Spawn(context.Background(), SpawnRequest{
			TaskID: "t1", RunID: "r1", ProjectPath: t.TempDir(), Prompt: "go",
		}, emit)
		var serr *SpawnError
		if !errors.As(err, &serr) {
			t.Fatalf("got %v, want *SpawnError", err)
		}
	})

	bin := fakeClaude(t, "exit 0")
	r := NewRunner(bin, reg, nil)

	t.Run("relative project path", func(t *testing.T) {
		err := r.Spawn(context.Background(), SpawnRequest{
			TaskID: "t1", RunID: "r1", ProjectPath: "relative/path", Prompt: "go",
		}, emit)
		var serr *SpawnError
		if !errors.As(err, &serr) {
			t.Fatalf("got %v, want *SpawnError", err)
		}
	})

	t.Run("missing project path", func(t *testing.T) {
		err := r.Spawn(context.Background(), SpawnRequest{
			TaskID: "t1", RunID: "r1", ProjectPath: filepath.Join(t.TempDir(), "gone"), Prompt: "go",
		}, emit)
		var serr *SpawnError
		if !errors.As(err, &serr) {
			t.Fatalf("got %v, want *SpawnError", err)
		}
	})

	t.Run("project path is a file", func(t *testing.T) {
		file := filepath.Join(t.TempDir(), "f.txt")
		if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
			t.Fatal(err)
		}
		err := r.Spawn(context.Background(), SpawnRequest{
			TaskID: "t1", RunID: "r1", ProjectPath: file, Prompt: "go",
		}, emit)
		var serr *SpawnError
		if !errors.As(err, &serr) {
			t.Fatalf("got %v, want *SpawnError", err)
		}
	})
}
