//go:build !windows

package engine

import (
	"os/exec"
	"syscall"
)

// setProcGroup puts the child in its own process group so a kill can reach
// every subprocess it spawned, not just the direct child.
func setProcGroup(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
}

// killProcGroup terminates the child's whole process group. Falls back to the
// child alone when the group signal fails (already reaped, no group).
func killProcGroup(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		_ = cmd.Process.Kill()
	}
}
