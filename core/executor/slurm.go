package executor

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"compute-broker/core/models"
)

var submitResponse = regexp.MustCompile(`^Submitted batch job (\S+)$`)

// ErrMalformedJobID means the scheduler accepted a submission but returned
// an id that is not a number.
var ErrMalformedJobID = fmt.Errorf("scheduler returned a non-numeric job id")

// Scheduler is the batch scheduler's command-line surface.
type Scheduler interface {
	IdleCores(ctx context.Context) (int, error)
	// Submit runs the batch script as user from dir and returns the raw response.
	Submit(ctx context.Context, user, script, dir string, cores uint64) (string, error)
	UpdateTimeLimit(ctx context.Context, jobID, limit string) error
	QueueStatus(ctx context.Context) (string, error)
	RemoveUser(ctx context.Context, user string) error
	AddUser(ctx context.Context, user string) error
}

// SlurmCLI drives Slurm through sbatch, scontrol, sinfo, squeue and sacctmgr.
type SlurmCLI struct {
	runner  CommandRunner
	account string
	useSudo bool
}

func NewSlurmCLI(runner CommandRunner, account string, useSudo bool) *SlurmCLI {
	return &SlurmCLI{runner: runner, account: account, useSudo: useSudo}
}

func (s *SlurmCLI) privileged(name string, args ...string) Command {
	if !s.useSudo {
		return Command{Name: name, Args: args}
	}
	return Command{Name: "sudo", Args: append([]string{name}, args...)}
}

func (s *SlurmCLI) as(user, name string, args ...string) Command {
	if !s.useSudo {
		return Command{Name: name, Args: args}
	}
	return Command{Name: "sudo", Args: append([]string{"-u", user, name}, args...)}
}

func (s *SlurmCLI) IdleCores(ctx context.Context) (int, error) {
	out, err := s.runner.Run(ctx, Command{Name: "sinfo", Args: []string{"-h", "-o%C"}})
	if err != nil {
		return 0, &models.ConnectivityError{Target: "slurm", Op: "sinfo", Err: fmt.Errorf("%w: %s", err, strings.TrimSpace(string(out)))}
	}
	counts, err := ParseCoreCounts(string(out))
	if err != nil {
		return 0, err
	}
	return counts.Idle, nil
}

func (s *SlurmCLI) Submit(ctx context.Context, user, script, dir string, cores uint64) (string, error) {
	if s.useSudo {
		chown := s.privileged("chown", "-R", user, dir)
		if out, err := s.runner.Run(ctx, chown); err != nil {
			return string(out), fmt.Errorf("chown %s: %w", dir, err)
		}
	}
	cmd := s.as(user, "sbatch", "-N", strconv.FormatUint(cores, 10), script, "--mail-type=ALL")
	cmd.Dir = dir
	out, err := s.runner.Run(ctx, cmd)
	return strings.TrimSpace(string(out)), err
}

func (s *SlurmCLI) UpdateTimeLimit(ctx context.Context, jobID, limit string) error {
	out, err := s.runner.Run(ctx, Command{Name: "scontrol", Args: []string{"update", "jobid=" + jobID, "TimeLimit=" + limit}})
	if err != nil {
		return fmt.Errorf("scontrol update %s: %w: %s", jobID, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *SlurmCLI) QueueStatus(ctx context.Context) (string, error) {
	out, err := s.runner.Run(ctx, Command{Name: "squeue"})
	text := string(out)
	if err != nil || strings.Contains(text, "squeue: error:") {
		if err == nil {
			err = fmt.Errorf("%s", strings.TrimSpace(text))
		}
		return "", &models.ConnectivityError{Target: "slurm", Op: "squeue", Err: err}
	}
	return text, nil
}

func (s *SlurmCLI) RemoveUser(ctx context.Context, user string) error {
	out, err := s.runner.Run(ctx, s.privileged("sacctmgr", "-i", "remove", "user", user))
	if err != nil {
		return fmt.Errorf("sacctmgr remove user %s: %w: %s", user, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (s *SlurmCLI) AddUser(ctx context.Context, user string) error {
	out, err := s.runner.Run(ctx, s.privileged("sacctmgr", "-i", "add", "user", user, "account="+s.account))
	if err != nil {
		return fmt.Errorf("sacctmgr add user %s: %w: %s", user, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// CoreCounts is the cluster-wide core summary reported by sinfo.
type CoreCounts struct {
	Allocated int
	Idle      int
	Other     int
	Total     int
}

// ParseCoreCounts parses the "allocated/idle/other/total" line of sinfo -o%C.
func ParseCoreCounts(output string) (CoreCounts, error) {
	line := strings.TrimSpace(output)
	if line == "" {
		return CoreCounts{}, fmt.Errorf("sinfo returned no core summary")
	}
	fields := strings.Split(line, "/")
	if len(fields) != 4 {
		return CoreCounts{}, fmt.Errorf("unexpected core summary %q", line)
	}
	var n [4]int
	for i, f := range fields {
		v, err := strconv.Atoi(strings.TrimSpace(f))
		if err != nil {
			return CoreCounts{}, fmt.Errorf("unexpected core summary %q: %w", line, err)
		}
		n[i] = v
	}
	return CoreCounts{Allocated: n[0], Idle: n[1], Other: n[2], Total: n[3]}, nil
}

// ParseSubmitResponse extracts the job id from sbatch output. The second
// return is false when the output is not a submission response at all.
// A response with a non-numeric id returns ErrMalformedJobID.
func ParseSubmitResponse(output string) (string, bool, error) {
	m := submitResponse.FindStringSubmatch(strings.TrimSpace(output))
	if m == nil {
		return "", false, nil
	}
	if _, err := strconv.ParseUint(m[1], 10, 64); err != nil {
		return "", true, fmt.Errorf("%w: %q", ErrMalformedJobID, m[1])
	}
	return m[1], true, nil
}

// JobState returns the scheduler state of jobID, or "" once it has left the queue.
func (s *SlurmCLI) JobState(ctx context.Context, jobID string) (string, error) {
	out, err := s.runner.Run(ctx, Command{Name: "squeue", Args: []string{"-h", "-j", jobID, "-o", "%T"}})
	text := strings.TrimSpace(string(out))
	if err != nil {
		if strings.Contains(text, "Invalid job id") {
			return "", nil
		}
		return "", fmt.Errorf("squeue -j %s: %w: %s", jobID, err, text)
	}
	return text, nil
}
