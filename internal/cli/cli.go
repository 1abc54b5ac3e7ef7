// Package cli contains the command-line interface.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sos-rootserver/sos/internal/log"
)

// Command represents a sub-command in the CLI. Each sub-command can have their own flags, config
// and action to perform.
type Command interface {
	// FlagSet returns a set of command options the command accepts.
	FlagSet() *flag.FlagSet

	// Description returns a brief description of the command's function.
	Description() string

	// Usage prints detailed command documentation.
	Usage(out io.Writer) error

	// Run executes the command with arguments. Command output should be written to |out|. It
	// returns an exit code. TODO: Should be an enum, instead of an exit code.
	Run(ctx context.Context, args []string, out io.Writer, logger *log.Logger) int
}

// Commander is a CLI command-runner that handles the life cycle of a CLI command execution. It
// owns dispatch by sub-command name and the one global flag every sub-command shares: the log
// level, since "run" and "dump" both boot the full allocator stack and a noisy Debug trace of
// every frame grant quickly drowns out the result the operator actually asked for.
type Commander struct {
	ctx context.Context
	log *log.Logger

	help     Command
	commands map[string]Command
}

// New creates a new |Commander| that can start sub-commands.
func New(ctx context.Context) *Commander {
	return &Commander{
		ctx:      ctx,
		commands: make(map[string]Command),
	}
}

// Execute parses the global "-level" flag, if present as a leading argument, then dispatches the
// remaining arguments to the named sub-command.
func (cli *Commander) Execute(args []string) int {
	args, level := splitLevelFlag(args)

	if level != "" {
		if err := log.LogLevel.UnmarshalText([]byte(level)); err != nil {
			fmt.Fprintf(os.Stderr, "sos: -level %q: %s\n", level, err)
			return 1
		}
	}

	// With no sub-command named, fall back to help.
	if len(args) == 0 {
		return cli.dispatch(cli.help, nil)
	}

	name := args[0]

	cmd, ok := cli.commands[name]
	if !ok {
		fmt.Fprintf(os.Stderr, "sos: unknown command %q\n\n", name)
		cli.dispatch(cli.help, nil)

		return 1
	}

	return cli.dispatch(cmd, args[1:])
}

// dispatch parses a command's own flags out of args and runs it.
func (cli *Commander) dispatch(cmd Command, args []string) int {
	fs := cmd.FlagSet()

	if err := fs.Parse(args); err != nil {
		cli.log.Error("parse error", "command", fs.Name(), "err", err)
		return 1
	}

	return cmd.Run(cli.ctx, fs.Args(), os.Stdout, cli.log)
}

// splitLevelFlag pulls a leading "-level value" or "-level=value" pair off args, so the global
// flag can precede the sub-command name without the sub-command's own flag.FlagSet needing to
// know about it. Any other leading flag is left in place for the sub-command to parse or reject.
func splitLevelFlag(args []string) ([]string, string) {
	if len(args) == 0 {
		return args, ""
	}

	switch {
	case args[0] == "-level" || args[0] == "--level":
		if len(args) < 2 {
			return args[1:], ""
		}

		return args[2:], args[1]

	case strings.HasPrefix(args[0], "-level=") || strings.HasPrefix(args[0], "--level="):
		_, value, _ := strings.Cut(args[0], "=")
		return args[1:], value
	}

	return args, ""
}

// WithCommands adds a list of commands as sub-commands, indexed by their flag set's name.
func (cli *Commander) WithCommands(cmds []Command) *Commander {
	for _, cmd := range cmds {
		cli.commands[cmd.FlagSet().Name()] = cmd
	}

	return cli
}

// WithHelp configures the help message a command.
func (cli *Commander) WithHelp(cmd Command) *Commander {
	cli.help = cmd
	return cli
}

// WithLogger configures the logger for the CLI. Logs are written to os.Stderr to leave os.Stdout
// for program output.
func (cli *Commander) WithLogger(out *os.File) *Commander {
	logger := log.NewFormattedLogger(out)
	cli.log = logger

	log.SetDefault(logger)

	return cli
}

// Type aliases from std lib.
type (
	Flag    = flag.Flag
	FlagSet = flag.FlagSet
)
