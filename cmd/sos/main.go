// Command sos is the root task of a capability-based microkernel system.
package main

import (
	"context"
	"os"

	"github.com/sos-rootserver/sos/internal/cli"
	"github.com/sos-rootserver/sos/internal/cli/cmd"
)

func main() {
	commands := []cli.Command{
		cmd.Run(),
		cmd.Dump(),
	}

	os.Exit(
		cli.New(context.Background()).
			WithLogger(os.Stderr).
			WithCommands(commands).
			WithHelp(cmd.Help(commands)).
			Execute(os.Args[1:]),
	)
}
