package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"compute-broker/core/executor"
)

// ProcessChecker reports whether a process whose command line contains tag
// is running.
type ProcessChecker interface {
	IsRunning(ctx context.Context, tag string) (bool, error)
}

// NewProcessChecker reads /proc where it exists and falls back to ps.
func NewProcessChecker(runner executor.CommandRunner) ProcessChecker {
	if info, err := os.Stat("/proc/self/cmdline"); err == nil && !info.IsDir() {
		return ProcChecker{Root: "/proc"}
	}
	return PsChecker{Runner: runner}
}

// ProcChecker scans <Root>/<pid>/cmdline.
type ProcChecker struct {
	Root string
}

func (p ProcChecker) IsRunning(_ context.Context, tag string) (bool, error) {
	entries, err := os.ReadDir(p.Root)
	if err != nil {
		return false, fmt.Errorf("listing processes: %w", err)
	}
	self := os.Getpid()
	for _, entry := range entries {
		pid, err := strconv.Atoi(entry.Name())
		if err != nil || pid == self {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(p.Root, entry.Name(), "cmdline"))
		if err != nil || len(raw) == 0 {
			continue
		}
		cmdline := string(bytes.ReplaceAll(bytes.TrimRight(raw, "\x00"), []byte{0}, []byte{' '}))
		if strings.Contains(cmdline, tag) {
			return true, nil
		}
	}
	return false, nil
}

// PsChecker matches against the output of ps.
type PsChecker struct {
	Runner executor.CommandRunner
}

func (p PsChecker) IsRunning(ctx context.Context, tag string) (bool, error) {
	out, err := p.Runner.Run(ctx, executor.Command{Name: "ps", Args: []string{"-eo", "pid=,args="}})
	if err != nil {
		return false, fmt.Errorf("ps: %w", err)
	}
	self := strconv.Itoa(os.Getpid())
	for _, line := range strings.Split(string(out), "\n") {
		fields := strings.Fields(line)
		if len(fields) < 2 || fields[0] == self {
			continue
		}
		if strings.Contains(strings.Join(fields[1:], " "), tag) {
			return true, nil
		}
	}
	return false, nil
}
