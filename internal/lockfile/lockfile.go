// Package lockfile guards a state directory so only one EngagePipe process
// runs the scheduler and outbox sender against it.
//
// The lock is an flock on a file in the directory; the kernel drops it when the
// process exits, so a crash never leaves the directory locked.
package lockfile

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory
const LockFileName = "engagepipe.lock"

// Lock represents an active directory lock
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes the exclusive lock on stateDir for role (for example
// "scheduler"). It fails with *LockError when another process holds it.
func AcquireLock(stateDir, role string) (*Lock, error) {
	lockPath := filepath.Join(stateDir, LockFileName)
	slog.Debug("Lockfile.AcquireLock: attempting", "lock_path", lockPath, "role", role)

	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}

	// No O_TRUNC: the holder's info must survive a failed attempt.
	file, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", lockPath, err)
	}

	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		info := readExistingLockInfo(lockPath)
		slog.Error("Lockfile.AcquireLock: held by another process", "lock_path", lockPath, "holder", info, "error", err)
		return nil, &LockError{LockPath: lockPath, ExistingInfo: info, Cause: err}
	}

	info := fmt.Sprintf("pid=%d role=%s started=%s\n", os.Getpid(), role, time.Now().UTC().Format(time.RFC3339))
	if err := writeInfo(file, info); err != nil {
		_ = syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock information to %s: %w", lockPath, err)
	}

	slog.Info("Lockfile.AcquireLock: acquired", "lock_path", lockPath, "role", role, "pid", os.Getpid())
	return &Lock{file: file, path: lockPath}, nil
}

func writeInfo(f *os.File, info string) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.WriteAt([]byte(info), 0); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		slog.Warn("Lockfile.writeInfo: sync failed", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release drops the lock and removes the lock file. Safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove while still holding the lock so a waiting process never sees our info.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		slog.Warn("Lockfile.Release: remove failed", "lock_path", l.path, "error", err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		slog.Warn("Lockfile.Release: unlock failed", "lock_path", l.path, "error", err)
	}
	err := l.file.Close()
	l.file = nil
	slog.Info("Lockfile.Release: released", "lock_path", l.path)
	return err
}

// LockError reports that another process holds the state directory lock.
type LockError struct {
	LockPath     string
	ExistingInfo string
	Cause        error
}

func (e *LockError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "another EngagePipe instance holds %s", e.LockPath)
	if e.ExistingInfo != "" {
		fmt.Fprintf(&b, " (%s)", e.ExistingInfo)
	}
	b.WriteString("; run only one scheduler per state directory, or start this one with --scheduler=false")
	return b.String()
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

// readExistingLockInfo describes the current holder for error messages.
func readExistingLockInfo(lockPath string) string {
	data, err := os.ReadFile(lockPath)
	if err != nil {
		return "unable to read lock file information"
	}
	content := strings.TrimSpace(string(data))
	if content == "" {
		return "lock file contains no process information"
	}
	if pid := extractPIDFromLockInfo(content); pid > 0 {
		state := "running"
		if !isProcessRunning(pid) {
			state = "not running"
		}
		return fmt.Sprintf("%s, %s", content, state)
	}
	return content
}

// extractPIDFromLockInfo returns the pid= value, or 0.
func extractPIDFromLockInfo(content string) int {
	for _, field := range strings.Fields(content) {
		if v, ok := strings.CutPrefix(field, "pid="); ok {
			if pid, err := strconv.Atoi(v); err == nil {
				return pid
			}
		}
	}
	return 0
}

// isProcessRunning probes pid with signal 0.
func isProcessRunning(pid int) bool {
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return process.Signal(syscall.Signal(0)) == nil
}
