// Command ede builds, simulates and verifies CAN nodes running on the
// event dispatcher engine.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/ede/internal/cli"
)

func main() {
	cmd := cli.NewRootCommand()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
