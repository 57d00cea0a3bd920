// Package lockfile keeps two CivicPipe processes from sharing one state directory.
//
// The lock is an flock on a file inside the directory, so the kernel drops it when the
// holder exits, cleanly or not. The file records who holds it for error messages.
package lockfile

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// LockFileName is the name of the lock file created in the state directory.
const LockFileName = "civicpipe.lock"

// ErrLocked is wrapped by LockError.
var ErrLocked = errors.New("state directory is locked by another process")

// Holder describes the process recorded in a lock file.
type Holder struct {
	PID       int
	Hostname  string
	StartedAt time.Time
}

// Lock is a held state directory lock.
type Lock struct {
	file *os.File
	path string
}

// AcquireLock takes an exclusive, non-blocking lock on stateDir, creating the directory
// if needed. When another process holds it the error is a *LockError.
func AcquireLock(stateDir string) (*Lock, error) {
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory %s: %w", stateDir, err)
	}
	path := filepath.Join(stateDir, LockFileName)

	// O_TRUNC would wipe the holder's record before we know we own the lock.
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open lock file %s: %w", path, err)
	}
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		file.Close()
		lerr := &LockError{Path: path, Cause: err}
		if h, ok := ReadHolder(path); ok {
			lerr.Holder = &h
			lerr.Running = isProcessRunning(h.PID)
		}
		slog.Error("State directory already locked", "lock_path", path, "holder", lerr.holderString())
		return nil, lerr
	}

	if err := writeHolder(file); err != nil {
		syscall.Flock(int(file.Fd()), syscall.LOCK_UN)
		file.Close()
		return nil, fmt.Errorf("failed to write lock file %s: %w", path, err)
	}
	slog.Info("Acquired state directory lock", "lock_path", path, "pid", os.Getpid())
	return &Lock{file: file, path: path}, nil
}

func writeHolder(file *os.File) error {
	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.Seek(0, 0); err != nil {
		return err
	}
	host, _ := os.Hostname()
	_, err := fmt.Fprintf(file, "pid=%d\nhost=%s\nstarted=%s\n", os.Getpid(), host, time.Now().UTC().Format(time.RFC3339))
	if err != nil {
		return err
	}
	if err := file.Sync(); err != nil {
		slog.Warn("Failed to sync lock file", "error", err)
	}
	return nil
}

// Path returns the lock file path.
func (l *Lock) Path() string { return l.path }

// Release unlocks and removes the lock file. It is safe to call more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	var errs []error
	// Remove while still holding the lock so a waiting process never sees our record.
	if err := os.Remove(l.path); err != nil && !os.IsNotExist(err) {
		errs = append(errs, err)
	}
	if err := syscall.Flock(int(l.file.Fd()), syscall.LOCK_UN); err != nil {
		errs = append(errs, err)
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, err)
	}
	l.file = nil
	slog.Info("Released state directory lock", "lock_path", l.path)
	return errors.Join(errs...)
}

// ReadHolder parses the holder record of a lock file.
func ReadHolder(path string) (Holder, bool) {
	f, err := os.Open(path)
	if err != nil {
		return Holder{}, false
	}
	defer f.Close()

	var h Holder
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		key, value, ok := strings.Cut(strings.TrimSpace(sc.Text()), "=")
		if !ok {
			continue
		}
		switch key {
		case "pid":
			h.PID, _ = strconv.Atoi(value)
		case "host":
			h.Hostname = value
		case "started":
			h.StartedAt, _ = time.Parse(time.RFC3339, value)
		}
	}
	return h, h.PID > 0
}

// LockError reports a state directory held by another process.
type LockError struct {
	Path    string
	Holder  *Holder
	Running bool
	Cause   error
}

func (e *LockError) holderString() string {
	if e.Holder == nil {
		return "unknown process"
	}
	state := "not running, stale lock"
	if e.Running {
		state = "running"
	}
	s := fmt.Sprintf("PID %d (%s)", e.Holder.PID, state)
	if e.Holder.Hostname != "" {
		s += " on " + e.Holder.Hostname
	}
	if !e.Holder.StartedAt.IsZero() {
		s += " since " + e.Holder.StartedAt.Format(time.RFC3339)
	}
	return s
}

func (e *LockError) Error() string {
	return fmt.Sprintf("another CivicPipe instance is using this state directory (lock file %s, held by %s); "+
		"remove the lock file only if that process is gone", e.Path, e.holderString())
}

// Is lets errors.Is(err, ErrLocked) match.
func (e *LockError) Is(target error) bool { return target == ErrLocked }

func (e *LockError) Unwrap() error { return e.Cause }

// isProcessRunning sends signal 0, which checks existence without delivering anything.
func isProcessRunning(pid int) bool {
	if pid <= 0 {
		return false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	err = process.Signal(syscall.Signal(0))
	return err == nil || errors.Is(err, syscall.EPERM)
}
