// Package lock provides the process-wide single-instance guard
// described in spec.md §5: a PID file with a liveness check, so a
// second instance refuses to start against the same state directory.
package lock

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"
)

// ErrAlreadyRunning is returned by Acquire when a live process already
// holds the lock.
var ErrAlreadyRunning = errors.New("lock: another instance is already running")

// Lock is a held PID-file lock. Release removes the file.
type Lock struct {
	path string
}

// Acquire reads any existing PID file at path, refuses to start if
// that PID is still alive, and otherwise writes the current PID and
// returns a held Lock.
func Acquire(path string) (*Lock, error) {
	if existing, ok := readAlivePID(path); ok {
		return nil, fmt.Errorf("%w (pid %d, file %s)", ErrAlreadyRunning, existing, path)
	}

	if err := os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{path: path}, nil
}

// Release removes the lock file. Safe to call once; a second call is
// a no-op if the file is already gone.
func (l *Lock) Release() error {
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove lock file: %w", err)
	}
	return nil
}

// readAlivePID reads a PID from an existing lock file and reports
// whether that process is still alive. A missing, empty, or corrupt
// file is treated as "not running" (stale lock is safe to overwrite).
func readAlivePID(path string) (int, bool) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, processAlive(pid)
}

// processAlive sends signal 0, which on Unix performs existence and
// permission checks without actually signaling the process.
func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}
