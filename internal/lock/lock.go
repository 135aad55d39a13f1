// Package lock guarantees a single daemon per session directory.
package lock

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"
)

const fileName = "LOCK"

// HeldError is returned when another process holds the session lock.
type HeldError struct {
	PID   int
	Since time.Time
	Path  string
}

func (e *HeldError) Error() string {
	if e.Since.IsZero() {
		return fmt.Sprintf("session lock held by PID %d (%s)", e.PID, e.Path)
	}
	return fmt.Sprintf("session lock held by PID %d since %s (%s)", e.PID, e.Since.Format(time.RFC3339), e.Path)
}

// Lock represents an acquired session lock file.
type Lock struct {
	file *os.File
	path string
}

// Owner describes the process recorded in a lock file.
type Owner struct {
	PID   int
	Since time.Time
}

// Acquire takes an exclusive flock on the session directory's LOCK file
// and records the owner in it. It returns *HeldError if another process
// already holds it.
func Acquire(sessionDir string) (*Lock, error) {
	lockPath := filepath.Join(sessionDir, fileName)

	if err := os.MkdirAll(sessionDir, 0700); err != nil {
		return nil, fmt.Errorf("create session dir: %w", err)
	}

	f, err := os.OpenFile(lockPath, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("open lock file: %w", err)
	}

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_EX|syscall.LOCK_NB); err != nil {
		owner := readOwner(lockPath)
		_ = f.Close()
		return nil, &HeldError{PID: owner.PID, Since: owner.Since, Path: lockPath}
	}

	if err := writeOwner(f); err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("write lock file: %w", err)
	}
	return &Lock{file: f, path: lockPath}, nil
}

func writeOwner(f *os.File) error {
	if err := f.Truncate(0); err != nil {
		return err
	}
	if _, err := f.Seek(0, 0); err != nil {
		return err
	}
	_, err := fmt.Fprintf(f, "pid=%d\ntime=%s\n", os.Getpid(), time.Now().UTC().Format(time.RFC3339))
	return err
}

// Inspect reports whether a live process holds the session lock and, if
// so, who. It never takes the lock.
func Inspect(sessionDir string) (Owner, bool, error) {
	lockPath := filepath.Join(sessionDir, fileName)
	f, err := os.Open(lockPath)
	if errors.Is(err, os.ErrNotExist) {
		return Owner{}, false, nil
	}
	if err != nil {
		return Owner{}, false, err
	}
	defer func() { _ = f.Close() }()

	err = syscall.Flock(int(f.Fd()), syscall.LOCK_SH|syscall.LOCK_NB)
	if err == nil {
		_ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
		return Owner{}, false, nil
	}
	if !errors.Is(err, syscall.EWOULDBLOCK) {
		return Owner{}, false, err
	}
	return readOwner(lockPath), true, nil
}

// Release releases the lock. Safe to call on nil receiver.
func (l *Lock) Release() error {
	if l == nil || l.file == nil {
		return nil
	}
	// Remove before close so no other process can observe a stale file.
	_ = os.Remove(l.path)
	err := l.file.Close()
	l.file = nil
	return err
}

func readOwner(path string) Owner {
	data, _ := os.ReadFile(path)
	var o Owner
	for _, line := range strings.Split(string(data), "\n") {
		if after, ok := strings.CutPrefix(line, "pid="); ok {
			o.PID, _ = strconv.Atoi(after)
		}
		if after, ok := strings.CutPrefix(line, "time="); ok {
			o.Since, _ = time.Parse(time.RFC3339, after)
		}
	}
	return o
}
