package executor

import (
	"context"
	"strings"
)

// SSHCommandRunner runs commands on a remote host, such as a Slurm login
// node, through the ssh client. Keys and host trust come from the invoking
// user's ssh configuration.
type SSHCommandRunner struct {
	Host   string
	User   string
	Port   string
	Runner CommandRunner
}

// NewSSHCommandRunner creates a runner that executes on host through the
// local ssh binary.
func NewSSHCommandRunner(host, user, port string) *SSHCommandRunner {
	return &SSHCommandRunner{Host: host, User: user, Port: port, Runner: ExecCommandRunner{}}
}

func (r *SSHCommandRunner) Run(ctx context.Context, cmd Command) ([]byte, error) {
	return r.Runner.Run(ctx, Command{Name: "ssh", Args: r.sshArgs(cmd)})
}

func (r *SSHCommandRunner) target() string {
	if r.User == "" {
		return r.Host
	}
	return r.User + "@" + r.Host
}

func (r *SSHCommandRunner) sshArgs(cmd Command) []string {
	args := []string{"-o", "BatchMode=yes"}
	if r.Port != "" {
		args = append(args, "-p", r.Port)
	}
	return append(args, r.target(), "--", remoteCommand(cmd))
}

// remoteCommand renders cmd as a single line for the remote shell.
func remoteCommand(cmd Command) string {
	var b strings.Builder
	if cmd.Dir != "" {
		b.WriteString("cd " + shellQuote(cmd.Dir) + " && ")
	}
	if len(cmd.Env) > 0 {
		b.WriteString("env ")
		for _, kv := range cmd.Env {
			b.WriteString(shellQuote(kv) + " ")
		}
	}
	b.WriteString(shellQuote(cmd.Name))
	for _, arg := range cmd.Args {
		b.WriteString(" " + shellQuote(arg))
	}
	return b.String()
}

func shellQuote(s string) string {
	if s != "" && strings.IndexFunc(s, func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r >= '0' && r <= '9' || strings.ContainsRune("-_./=:%@,+", r))
	}) < 0 {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}
