package daemon

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
)

func TestStartForeground_emptyHome(t *testing.T) {
	ctx := context.Background()
	err := StartForeground(ctx, StartOptions{Home: ""})
	if err == nil {
		t.Fatal("StartForeground empty home: expected error")
	}
}

func TestStatus_noPidFile(t *testing.T) {
	st, err := Status(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Running {
		t.Error("expected not running with no pid file")
	}
}

func TestStatus_stalePidFile(t *testing.T) {
	home := t.TempDir()
	if err := os.MkdirAll(protectedDir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	// Pid that almost certainly does not exist.
	if err := os.WriteFile(pidPath(home), []byte("999999\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := Status(context.Background(), home)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if st.Running {
		t.Error("expected not running for stale pid")
	}
	if _, err := os.Stat(pidPath(home)); !os.IsNotExist(err) {
		t.Error("stale pid file not cleaned up")
	}
}

func TestStatus_runningProcess(t *testing.T) {
	home := t.TempDir()
	if err := os.MkdirAll(protectedDir(home), 0o755); err != nil {
		t.Fatal(err)
	}
	// Our own pid is alive by definition.
	pid := os.Getpid()
	if err := os.WriteFile(pidPath(home), []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(addrPath(home), []byte("127.0.0.1:4517\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	st, err := Status(context.Background(), home)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !st.Running || st.PID != pid || st.Addr != "127.0.0.1:4517" {
		t.Errorf("status: %+v", st)
	}
}

func TestStop_notRunning(t *testing.T) {
	stopped, err := Stop(context.Background(), t.TempDir())
	if err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if stopped {
		t.Error("Stop reported a stop with nothing running")
	}
}

func TestAcquireLock_exclusive(t *testing.T) {
	path := filepath.Join(t.TempDir(), "protected", "daemon.lock")
	l1, err := acquireLock(path)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	defer l1.release()

	if _, err := acquireLock(path); err == nil {
		t.Fatal("second lock acquired while first held")
	}

	l1.release()
	l2, err := acquireLock(path)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	l2.release()
}
