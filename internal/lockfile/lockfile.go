// Package lockfile keeps two TriagePipe processes from sharing one state directory.
//
// The lock is an flock(2) on a file inside the state directory, so the kernel drops it
// when the process dies.
package lockfile

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
)

// LockFileName is created inside the state directory.
const LockFileName = "triagepipe.lock"

// ErrLocked is wrapped by LockError when another process holds the lock.
var ErrLocked = errors.New("state directory is locked by another process")

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// Acquire takes an exclusive, non-blocking lock on stateDir, creating the directory
// when needed. It returns a *LockError when the lock is already held.
func Acquire(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		f.Close()
		holder := describeHolder(path)
		slog.Error("lockfile.Acquire: state directory already locked", "lock_path", path, "holder", holder)
		return nil, &LockError{Path: path, Holder: holder, Cause: err}
	}

	if err := f.Truncate(0); err != nil {
		unlockAndClose(f)
		return nil, fmt.Errorf("truncate lock file %s: %w", path, err)
	}
	if _, err := f.WriteString("pid=" + strconv.Itoa(os.Getpid()) + "\n"); err != nil {
		unlockAndClose(f)
		return nil, fmt.Errorf("write lock file %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		slog.Warn("lockfile.Acquire: sync failed", "lock_path", path, "error", err)
	}

	slog.Info("lockfile.Acquire: lock held", "lock_path", path, "pid", os.Getpid())
	return &Lock{file: f, path: path}, nil
}

// Path returns the lock file location.
func (l *Lock) Path() string {
	return l.path
}

// Release drops the lock and removes the file. Calling it twice is harmless.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, fmt.Errorf("unlock: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close: %w", err))
	}
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("remove: %w", err))
	}
	l.file = nil
	slog.Debug("lockfile.Release: lock released", "lock_path", l.path)
	return errors.Join(errs...)
}

func unlockAndClose(f *os.File) {
	_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
	_ = f.Close()
}

// LockError reports a lock held by someone else.
type LockError struct {
	Path   string
	Holder string
	Cause  error
}

func (e *LockError) Error() string {
	msg := fmt.Sprintf("another TriagePipe instance is using this state directory (lock file %s)", e.Path)
	if e.Holder != "" {
		msg += ", held by " + e.Holder
	}
	return msg + "; remove the file only if that process is gone"
}

// Is matches ErrLocked.
func (e *LockError) Is(target error) bool {
	return target == ErrLocked
}

func (e *LockError) Unwrap() error {
	return e.Cause
}

func describeHolder(path string) string {
	data, err := os.ReadFile(path)
	if err != nil || len(data) == 0 {
		return ""
	}
	pid := parsePID(string(data))
	if pid <= 0 {
		return strings.TrimSpace(string(data))
	}
	if processAlive(pid) {
		return fmt.Sprintf("pid %d (running)", pid)
	}
	return fmt.Sprintf("pid %d (not running, stale lock)", pid)
}

// parsePID reads the "pid=N" line written by Acquire.
func parsePID(content string) int {
	for _, line := range strings.Split(content, "\n") {
		v, ok := strings.CutPrefix(strings.TrimSpace(line), "pid=")
		if !ok {
			continue
		}
		if pid, err := strconv.Atoi(v); err == nil {
			return pid
		}
	}
	return 0
}

func processAlive(pid int) bool {
	p, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return p.Signal(syscall.Signal(0)) == nil
}
