package executor

import (
	"context"
	"reflect"
	"testing"
)

func TestSSHCommandRunnerWrapsCommand(t *testing.T) {
	rec := &recordingRunner{}
	runner := &SSHCommandRunner{Host: "login01", User: "broker", Port: "2222", Runner: rec}

	_, err := runner.Run(context.Background(), Command{
		Name: "sbatch",
		Args: []string{"-N", "2", "/work/job dir/key*0*105.sh"},
		Dir:  "/work/job dir",
	})
	if err != nil {
		t.Fatal(err)
	}

	want := []string{"-o", "BatchMode=yes", "-p", "2222", "broker@login01", "--",
		`cd '/work/job dir' && sbatch -N 2 '/work/job dir/key*0*105.sh'`}
	if len(rec.commands) != 1 || rec.commands[0].Name != "ssh" || !reflect.DeepEqual(rec.commands[0].Args, want) {
		t.Fatalf("calls = %+v", rec.commands)
	}
}

func TestShellQuote(t *testing.T) {
	tests := map[string]string{
		"squeue":       "squeue",
		"-o%C":         "-o%C",
		"":             "''",
		"a b":          "'a b'",
		"it's":         `'it'\''s'`,
		"account=demo": "account=demo",
	}
	for in, want := range tests {
		if got := shellQuote(in); got != want {
			t.Errorf("shellQuote(%q) = %q, want %q", in, got, want)
		}
	}
}
