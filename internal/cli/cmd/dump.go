package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"

	"github.com/sos-rootserver/sos/internal/bootinfo"
	"github.com/sos-rootserver/sos/internal/cli"
	"github.com/sos-rootserver/sos/internal/config"
	"github.com/sos-rootserver/sos/internal/elfloader"
	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/log"
	"github.com/sos-rootserver/sos/internal/sos"
)

// dump boots the root task with no processes and prints its allocator
// state, the debug facility original_source's sos_debug_dump provides.
type dump struct {
	fs *flag.FlagSet
}

var _ cli.Command = (*dump)(nil)

// Dump constructs the "dump" sub-command.
func Dump() *dump {
	return &dump{
		fs: flag.NewFlagSet("dump", flag.ExitOnError),
	}
}

func (dump) Description() string {
	return "boot the root task and print allocator state"
}

func (d *dump) FlagSet() *cli.FlagSet {
	return d.fs
}

func (d *dump) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, "dump")
	return err
}

func (d *dump) Run(_ context.Context, _ []string, out io.Writer, logger *log.Logger) int {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	k := kernel.New(logger)

	info, err := bootinfo.Synthesize(k, defaultBootInfoConfig())
	if err != nil {
		logger.Error("dump: synthesize boot handoff", "err", err)
		return 1
	}

	archive, err := elfloader.ParseArchive(nil)
	if err != nil {
		logger.Error("dump: parse archive", "err", err)
		return 1
	}

	dial := sos.Dial{
		Archive: archive,
		Layout:  config.DefaultLayout(),
		Badges:  config.DefaultBadges(),
		BootCfg: defaultBootstrapConfig(),
	}

	root, err := sos.New(k, info, dial, logger)
	if err != nil {
		logger.Error("dump: boot", "err", err)
		return 1
	}

	if err := root.DebugDump(out); err != nil {
		logger.Error("dump: write", "err", err)
		return 1
	}

	fmt.Fprintln(out, "archive:", root.Archive())

	return 0
}
