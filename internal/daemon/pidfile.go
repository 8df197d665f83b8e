package daemon

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/taskforge/taskforge/internal/filestore"
)

// isProcessAlive reports whether pid names a live process, by sending
// it the null signal. Grounded on the teacher's
// internal/devops/process.Manager isProcessAlive (syscall.Kill(pid, 0)
// as a liveness probe with no side effect).
func isProcessAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	return syscall.Kill(pid, 0) == nil
}

// readPIDFile parses the pid recorded at path.
func readPIDFile(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

// acquirePIDFile writes the current process's pid to path. If a pid
// file already exists and names a dead process, it is treated as a
// crash: the caller is told so it can log `system.crash_recovery`
// before the stale file is replaced (spec.md §5, "on startup a stale
// PID triggers recovery"). If it names a live process, acquisition
// fails outright: two daemons must never share a project root.
func acquirePIDFile(path string) (crashRecovered bool, err error) {
	if existing, readErr := readPIDFile(path); readErr == nil {
		if isProcessAlive(existing) {
			return false, fmt.Errorf("daemon: pid file %s names running process %d", path, existing)
		}
		crashRecovered = true
	}

	pid := os.Getpid()
	if err := filestore.AtomicWrite(path, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return false, fmt.Errorf("daemon: write pid file %s: %w", path, err)
	}
	return crashRecovered, nil
}

// releasePIDFile removes the pid file on a clean shutdown.
func releasePIDFile(path string) {
	_ = os.Remove(path)
}
