package main

import (
	"testing"

	"github.com/kimhsiao/outletsync/internal/cli"
)

func TestVersion(t *testing.T) {
	if Version == "" {
		t.Error("Version should not be empty")
	}
}

func TestRun_exitCodes(t *testing.T) {
	if got := run([]string{"--version"}); got != cli.ExitSuccess {
		t.Errorf("run(--version) = %d, want %d", got, cli.ExitSuccess)
	}
	if got := run([]string{"no-such-command"}); got != cli.ExitCommandError {
		t.Errorf("run(no-such-command) = %d, want %d", got, cli.ExitCommandError)
	}
}
