package cli

import (
	"testing"
)

func TestNewRootCmd_hasSubcommands(t *testing.T) {
	root := NewRootCmd("test")
	if root == nil {
		t.Fatal("NewRootCmd returned nil")
	}
	cmds := root.Commands()
	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}
	for _, want := range []string{"start", "stop", "status", "doctor", "task", "daemon"} {
		if !names[want] {
			t.Errorf("expected subcommand %q", want)
		}
	}
}

func TestNewRootCmd_versionFlag(t *testing.T) {
	root := NewRootCmd("1.2.3")
	if root.Version != "1.2.3" {
		t.Errorf("Version: got %q", root.Version)
	}
}

func TestNewRootCmd_hasHomeFlag(t *testing.T) {
	root := NewRootCmd("")
	f := root.PersistentFlags().Lookup("home")
	if f == nil {
		t.Fatal("expected --home persistent flag")
	}
}

func TestTaskCmd_subcommands(t *testing.T) {
	root := NewRootCmd("")
	task, _, err := root.Find([]string{"task"})
	if err != nil {
		t.Fatalf("find task: %v", err)
	}
	names := make(map[string]bool)
	for _, c := range task.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"list", "create", "show", "start", "send", "pause", "cancel", "delete", "watch"} {
		if !names[want] {
			t.Errorf("expected task subcommand %q", want)
		}
	}
}
