package daemon

import "path/filepath"

// Runtime state (pid, lock, addr files and the sqlite db) lives under
// <home>/protected so a user poking around ~/.ccengine does not clobber it.
func protectedDir(home string) string {
	return filepath.Join(home, "protected")
}

func runtimePath(home, name string) string {
	return filepath.Join(protectedDir(home), name)
}

func pidPath(home string) string  { return runtimePath(home, "daemon.pid") }
func lockPath(home string) string { return runtimePath(home, "daemon.lock") }
func addrPath(home string) string { return runtimePath(home, "daemon.addr") }
