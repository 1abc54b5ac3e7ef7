package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/sos-rootserver/sos/internal/cli"
	"github.com/sos-rootserver/sos/internal/log"
)

// help renders usage for the root task's command surface: booting a
// syscall loop against a CPIO archive of user binaries ("run"), or
// inspecting the allocator state of a boot with no processes ("dump").
type help struct {
	cmd []cli.Command
}

var _ cli.Command = (*help)(nil)

func (help) Description() string {
	return "display help for commands"
}

func (h help) FlagSet() *cli.FlagSet {
	return flag.NewFlagSet("help", flag.ExitOnError)
}

func (h help) Run(_ context.Context, args []string, out io.Writer, _ *log.Logger) int {
	if len(args) == 1 {
		for _, cmd := range h.cmd {
			if args[0] == cmd.FlagSet().Name() {
				h.printCommandHelp(out, cmd)
				return 0
			}
		}

		fmt.Fprintf(out, "sos help: no such command %q\n\n", args[0])
	}

	if err := h.Usage(out); err != nil {
		return 1
	}

	return 0
}

func (h *help) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, `
sos is the root task of a capability-based microkernel system: it boots
the allocators, loads one or more ELF binaries out of a CPIO archive into
their own VSpace and CSpace, and runs the kernel's IPC/fault syscall loop
on their behalf.

Usage:

        sos [-level debug|info|warn|error] <command> [option]... [arg]...

Commands:`)
	if err != nil {
		return err
	}

	for _, cmd := range h.cmd {
		fs := cmd.FlagSet()
		fmt.Fprintf(out, "  %-20s %s\n", fs.Name(), cmd.Description())
	}

	fmt.Fprintf(out, "  %-20s %s\n", h.FlagSet().Name(), h.Description())
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Example:")
	fmt.Fprintln(out, "        sos run -archive programs.cpio -processes init,echo")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Use `sos help <command>` to get help for a command.")

	return err
}

func (h *help) printCommandHelp(out io.Writer, cmd cli.Command) {
	_ = cmd.FlagSet().Parse(nil)

	fmt.Fprint(out, "Usage:\n\n        sos ")

	if err := cmd.Usage(out); err != nil {
		return
	}

	fmt.Fprintln(out, "\nOptions:")
	cmd.FlagSet().SetOutput(out)
	cmd.FlagSet().PrintDefaults()
}

func Help(cmd []cli.Command) *help {
	return &help{
		cmd: cmd,
	}
}
