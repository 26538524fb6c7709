package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Helper describes a long-running process the broker depends on.
type Helper struct {
	// Tag identifies the process in the process table.
	Tag  string
	Name string
	Args []string
	// LogPath receives the helper's output when set.
	LogPath string
}

type ownedProcess struct {
	cmd  *exec.Cmd
	done chan struct{}
	log  *os.File
}

// Supervisor starts helpers that are not already running and terminates the
// ones it started on Shutdown.
type Supervisor struct {
	checker ProcessChecker

	mu    sync.Mutex
	owned map[string]*ownedProcess
}

func New(checker ProcessChecker) *Supervisor {
	return &Supervisor{checker: checker, owned: make(map[string]*ownedProcess)}
}

// Ensure starts h unless a matching process already runs. It reports whether
// a new process was started.
func (s *Supervisor) Ensure(ctx context.Context, h Helper) (bool, error) {
	s.mu.Lock()
	_, mine := s.owned[h.Tag]
	s.mu.Unlock()
	if mine {
		return false, nil
	}

	running, err := s.checker.IsRunning(ctx, h.Tag)
	if err != nil {
		return false, err
	}
	if running {
		slog.InfoContext(ctx, "helper already running", "tag", h.Tag)
		return false, nil
	}
	return true, s.start(ctx, h)
}

func (s *Supervisor) start(ctx context.Context, h Helper) error {
	cmd := exec.Command(h.Name, h.Args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var logFile *os.File
	if h.LogPath != "" {
		f, err := os.OpenFile(h.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return fmt.Errorf("opening helper log: %w", err)
		}
		cmd.Stdout, cmd.Stderr = f, f
		logFile = f
	}

	if err := cmd.Start(); err != nil {
		if logFile != nil {
			logFile.Close()
		}
		return fmt.Errorf("starting %s: %w", h.Tag, err)
	}

	proc := &ownedProcess{cmd: cmd, done: make(chan struct{}), log: logFile}
	go func() {
		err := cmd.Wait()
		if proc.log != nil {
			proc.log.Close()
		}
		slog.Info("helper exited", "tag", h.Tag, "pid", cmd.Process.Pid, "error", err)
		close(proc.done)
	}()

	s.mu.Lock()
	s.owned[h.Tag] = proc
	s.mu.Unlock()

	slog.InfoContext(ctx, "helper started", "tag", h.Tag, "pid", cmd.Process.Pid)
	return nil
}

// Owned returns the pids of running helpers started by this supervisor.
func (s *Supervisor) Owned() map[string]int {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int, len(s.owned))
	for tag, proc := range s.owned {
		select {
		case <-proc.done:
		default:
			out[tag] = proc.cmd.Process.Pid
		}
	}
	return out
}

// Shutdown sends SIGTERM to every owned helper and SIGKILL to those still
// alive after grace.
func (s *Supervisor) Shutdown(grace time.Duration) {
	s.mu.Lock()
	owned := s.owned
	s.owned = make(map[string]*ownedProcess)
	s.mu.Unlock()

	for tag, proc := range owned {
		pgid := -proc.cmd.Process.Pid
		_ = syscall.Kill(pgid, syscall.SIGTERM)

		select {
		case <-proc.done:
		case <-time.After(grace):
			slog.Warn("helper ignored SIGTERM", "tag", tag)
			_ = syscall.Kill(pgid, syscall.SIGKILL)
			<-proc.done
		}
	}
}
