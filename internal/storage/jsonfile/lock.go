package jsonfile

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	lockDirName         = ".bulk.lock"
	scheduleLockDirName = ".schedule.lock"
	lockOwnerFile       = "owner.json"
)

// DirLock is a cross-process lock held as a directory with an owner file.
// os.Mkdir is atomic, so only one process can create it.
type DirLock struct {
	dir string
}

type lockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
}

var ErrLocked = errors.New("lock is held")

// NewDirLock returns the bulk update lock of a data directory.
func NewDirLock(dataDir string) *DirLock {
	return &DirLock{dir: filepath.Join(dataDir, lockDirName)}
}

// TryLock acquires the lock without waiting. The error names the owner
// when it can be read.
func (l *DirLock) TryLock() (func() error, error) {
	if err := os.MkdirAll(filepath.Dir(l.dir), 0o755); err != nil {
		return nil, fmt.Errorf("create lock parent: %w", err)
	}
	if err := os.Mkdir(l.dir, 0o755); err != nil {
		if os.IsExist(err) {
			var owner lockOwner
			ownerPath := filepath.Join(l.dir, lockOwnerFile)
			if readErr := ReadJSON(ownerPath, &owner); readErr == nil && owner.PID > 0 {
				return nil, fmt.Errorf("%w (pid=%d created_at=%s host=%s)",
					ErrLocked, owner.PID, owner.CreatedAt, owner.Hostname)
			}
			return nil, ErrLocked
		}
		return nil, fmt.Errorf("acquire lock %s: %w", l.dir, err)
	}

	owner := lockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
	}
	if err := WriteJSON(filepath.Join(l.dir, lockOwnerFile), owner); err != nil {
		_ = os.RemoveAll(l.dir)
		return nil, fmt.Errorf("write lock owner: %w", err)
	}
	return l.release, nil
}

func (l *DirLock) release() error {
	_ = os.Remove(filepath.Join(l.dir, lockOwnerFile))
	if err := os.Remove(l.dir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release lock %s: %w", l.dir, err)
	}
	return nil
}

// ForceUnlock removes a stale lock left by a process that died.
func (l *DirLock) ForceUnlock() error {
	if err := os.RemoveAll(l.dir); err != nil {
		return fmt.Errorf("remove lock %s: %w", l.dir, err)
	}
	return nil
}

// heldLongerThan reports whether the lock exists and was taken more than d ago.
func (l *DirLock) heldLongerThan(d time.Duration) bool {
	info, err := os.Stat(l.dir)
	return err == nil && time.Since(info.ModTime()) > d
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
