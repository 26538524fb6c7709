// Package supervisor guards against concurrent brokers and owns the helper
// processes the broker starts.
package supervisor

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"syscall"
	"time"
)

// LockInfo represents the lock file contents.
type LockInfo struct {
	PID       int   `json:"pid"`
	StartedAt int64 `json:"started_at"`
}

// ErrAlreadyRunning is returned when another live broker holds the lock.
var ErrAlreadyRunning = errors.New("broker already running")

// AcquireLock creates the lock file, replacing it when its owner is gone.
func AcquireLock(path string) error {
	if info, ok := readLock(path); ok && alive(info.PID) && info.PID != os.Getpid() {
		return fmt.Errorf("%w (pid %d)", ErrAlreadyRunning, info.PID)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.Marshal(LockInfo{PID: os.Getpid(), StartedAt: time.Now().Unix()})
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// ReleaseLock removes the lock file if this process owns it.
func ReleaseLock(path string) error {
	info, ok := readLock(path)
	if ok && info.PID != os.Getpid() {
		return nil
	}
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// IsLocked reports whether a live process holds the lock.
func IsLocked(path string) bool {
	info, ok := readLock(path)
	return ok && alive(info.PID)
}

func readLock(path string) (LockInfo, bool) {
	var info LockInfo
	data, err := os.ReadFile(path)
	if err != nil {
		return info, false
	}
	if json.Unmarshal(data, &info) != nil || info.PID <= 0 {
		return info, false
	}
	return info, true
}

func alive(pid int) bool {
	return syscall.Kill(pid, 0) == nil
}
