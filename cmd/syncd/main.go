// Package main is the syncd entry point: the outlet sync daemon and its
// operator commands.
package main

import (
	"os"

	"github.com/kimhsiao/outletsync/internal/cli"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	cmd := cli.NewRootCommand()
	cmd.Version = Version
	cmd.SetArgs(args)
	return cli.ExitCode(cmd.Execute())
}
