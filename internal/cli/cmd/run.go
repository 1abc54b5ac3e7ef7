package cmd

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/sos-rootserver/sos/internal/bootinfo"
	"github.com/sos-rootserver/sos/internal/bootstrap"
	"github.com/sos-rootserver/sos/internal/cli"
	"github.com/sos-rootserver/sos/internal/config"
	"github.com/sos-rootserver/sos/internal/console"
	"github.com/sos-rootserver/sos/internal/elfloader"
	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/log"
	"github.com/sos-rootserver/sos/internal/sos"
)

// run boots the root task: it synthesizes a boot handoff standing in for
// the one a real loader would hand off (original_source/sos/src/main.c
// receives its bootinfo from seL4's boot code; this model's kernel has no
// bootstrap loader of its own, so the command synthesizes an equivalent
// one), loads every named process out of a CPIO archive, and runs the
// syscall loop until interrupted.
type run struct {
	fs *flag.FlagSet

	archivePath string
	processes   string
	interactive bool
}

var _ cli.Command = (*run)(nil)

// Run constructs the "run" sub-command.
func Run() *run {
	r := &run{
		fs: flag.NewFlagSet("run", flag.ExitOnError),
	}

	r.fs.StringVar(&r.archivePath, "archive", "", "path to a CPIO archive of user binaries (default: none)")
	r.fs.StringVar(&r.processes, "processes", "", "comma-separated list of archive entries to load and start")
	r.fs.BoolVar(&r.interactive, "console", false, "run an interactive debug console alongside the syscall loop")

	return r
}

func (run) Description() string {
	return "boot the root task and run its syscall loop"
}

func (r *run) FlagSet() *cli.FlagSet {
	return r.fs
}

func (r *run) Usage(out io.Writer) error {
	_, err := fmt.Fprintln(out, "run [-archive path] [-processes name,name,...]")
	return err
}

func (r *run) Run(ctx context.Context, _ []string, out io.Writer, logger *log.Logger) int {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	var blob []byte

	if r.archivePath != "" {
		data, err := os.ReadFile(r.archivePath)
		if err != nil {
			logger.Error("run: read archive", "path", r.archivePath, "err", err)
			return 1
		}

		blob = data
	}

	archive, err := elfloader.ParseArchive(blob)
	if err != nil {
		logger.Error("run: parse archive", "err", err)
		return 1
	}

	var names []string
	if r.processes != "" {
		names = splitNames(r.processes)
	} else {
		names = archive.List()
	}

	k := kernel.New(logger)

	info, err := bootinfo.Synthesize(k, defaultBootInfoConfig())
	if err != nil {
		logger.Error("run: synthesize boot handoff", "err", err)
		return 1
	}

	dial := sos.Dial{
		Archive:   archive,
		Layout:    config.DefaultLayout(),
		Badges:    config.DefaultBadges(),
		BootCfg:   defaultBootstrapConfig(),
		Processes: names,
	}

	root, err := sos.New(k, info, dial, logger)
	if err != nil {
		logger.Error("run: boot", "err", err)
		return 1
	}

	fmt.Fprintf(out, "sos: booted with %d process(es)\n", len(names))

	runCtx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	if r.interactive {
		con, err := console.New(os.Stdin, os.Stdout, root)
		if err != nil {
			logger.Error("run: console", "err", err)
			return 1
		}

		defer con.Restore()

		consoleCtx, cancelConsole := context.WithCancel(runCtx)
		defer cancelConsole()

		go func() {
			defer stop()

			if err := con.Run(consoleCtx); err != nil {
				logger.Error("run: console", "err", err)
			}
		}()
	}

	if err := root.Run(runCtx); err != nil && runCtx.Err() == nil {
		logger.Error("run: syscall loop", "err", err)
		return 1
	}

	return 0
}

// splitNames splits a comma-separated command-line argument, dropping any
// empty entries a trailing or doubled comma would otherwise produce.
func splitNames(s string) []string {
	var names []string

	start := 0

	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				names = append(names, s[start:i])
			}

			start = i + 1
		}
	}

	return names
}

// defaultBootInfoConfig synthesizes a boot handoff with two general-purpose
// untyped regions and one device region, generous enough for the demo
// workloads this command runs.
func defaultBootInfoConfig() bootinfo.Config {
	return bootinfo.Config{
		InitCNodeBits: 8,
		Regions: []bootinfo.UntypedRegion{
			{Paddr: 0x1000_0000, SizeBits: 26},
			{Paddr: 0x2000_0000, SizeBits: 22},
			{Paddr: 0xfee0_0000, SizeBits: 16, IsDevice: true},
		},
	}
}

// defaultBootstrapConfig sizes the root CSpace and the bookkeeping budget
// bootstrap.Run draws from while standing up the allocators.
func defaultBootstrapConfig() bootstrap.Config {
	return bootstrap.Config{
		TopBits:     6,
		BotBits:     10,
		BudgetPages: 16,
	}
}
