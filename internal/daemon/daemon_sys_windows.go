//go:build windows

package daemon

import (
	"os"
	"os/exec"
)

func setDaemonSysProcAttr(cmd *exec.Cmd) {
	// No Setsid on Windows; process runs in same console by default.
}

func processExists(pid int) bool {
	// On Windows there is no kill(pid, 0). Assume the process exists if the
	// pid is valid; callers get connection refused if the daemon died.
	return pid > 0
}

func signalTerm(proc *os.Process) error {
	// SIGTERM is not supported on Windows; terminate outright.
	return proc.Kill()
}
