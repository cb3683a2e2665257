package lock

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

// FileName is the lock file created inside a session directory.
const FileName = "LOCK"

// LockHeldError is returned when another process already owns the session
// identity.
type LockHeldError struct {
	Identity string
	PID      int
	Path     string
}

func (e *LockHeldError) Error() string {
	return fmt.Sprintf("session %q is live in PID %d (%s)", e.Identity, e.PID, e.Path)
}

// Lock guarantees a single live session per identity on this host.
type Lock struct {
	file     *os.File
	path     string
	identity string
}

// Acquire takes an exclusive, non-blocking flock on dir/LOCK for identity.
func Acquire(dir, identity string) (*Lock, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}
	lockPath := filepath.Join(dir, FileName)

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		data, _ := os.ReadFile(lockPath)
		_ = f.Close()
		return nil, &LockHeldError{Identity: identity, PID: Owner(string(data)), Path: lockPath}
	}

	if err := f.Truncate(0); err != nil {
		_ = f.Close()
		return nil, err
	}
	content := fmt.Sprintf("identity=%s\npid=%d\ntime=%s\n", identity, os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	if _, err := f.WriteAt([]byte(content), 0); err != nil {
		_ = f.Close()
		return nil, err
	}

	return &Lock{file: f, path: lockPath, identity: identity}, nil
}

// Identity returns the identity this lock was taken for.
func (l *Lock) Identity() string {
	if l == nil {
		return ""
	}
	return l.identity
}

// Release releases the lock. Safe to call on nil receiver and more than once.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

// Owner parses the PID out of lock file contents, 0 if absent.
func Owner(content string) int {
	for _, line := range strings.Split(content, "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			pid, _ := strconv.Atoi(after)
			return pid
		}
	}
	return 0
}
