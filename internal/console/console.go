// Package console provides an interactive debug console for the root
// task, driven over a raw host terminal. Keys pressed on the console are
// interpreted as commands against a running *sos.Root, since this
// model's kernel has no terminal device of its own: the debug console is
// original_source's "ncs" shell reimagined for a repository with no
// network stack to serve it over.
package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/sos-rootserver/sos/internal/sos"
)

// ErrNoTTY is returned if standard input is not a terminal.
var ErrNoTTY = errors.New("console: not a TTY")

// Console is an interactive debug shell for a booted root task.
type Console struct {
	root *sos.Root

	in    *os.File
	out   *term.Terminal
	fd    int
	state *term.State
}

// New creates a Console reading from sin and writing to sout. If sin is
// not a terminal, ErrNoTTY is returned. Callers are responsible for
// calling Restore to return the terminal to its initial state.
func New(sin, sout *os.File, root *sos.Root) (*Console, error) {
	fd := int(sin.Fd())

	if !term.IsTerminal(fd) {
		return nil, ErrNoTTY
	}

	saved, err := term.MakeRaw(fd)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoTTY, err)
	}

	screen := struct {
		io.Reader
		io.Writer
	}{sin, sout}

	c := &Console{
		root:  root,
		fd:    fd,
		in:    sin,
		out:   term.NewTerminal(screen, "sos> "),
		state: saved,
	}

	if err := c.setTerminalParams(1, 0); err != nil {
		return nil, err
	}

	return c, nil
}

// Restore returns the terminal to its initial state.
func (c *Console) Restore() {
	_ = c.in.SetReadDeadline(time.Now())
	_ = term.Restore(c.fd, c.state)
}

func (c *Console) setTerminalParams(vmin, vtime byte) error {
	_ = syscall.SetNonblock(c.fd, true)

	termIO, err := unix.IoctlGetTermios(c.fd, getTermiosIoctl)
	if err != nil {
		return err
	}

	termIO.Cc[unix.VMIN] = vmin
	termIO.Cc[unix.VTIME] = vtime

	if err := unix.IoctlSetTermios(c.fd, setTermiosIoctl, termIO); err != nil {
		return err
	}

	_ = c.in.SetReadDeadline(time.Time{})

	return nil
}

// Run reads one key at a time and dispatches debug commands until ctx is
// cancelled or the terminal is closed:
//
//	d    dump allocator and process state
//	l    list the archive's loadable names
//	i    simulate a pending IRQ on badge 1
//	q    quit (returns nil)
func (c *Console) Run(ctx context.Context) error {
	buf := bufio.NewReader(c.in)

	_ = syscall.SetNonblock(c.fd, false)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		b, err := buf.ReadByte()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			return err
		}

		switch b {
		case 'd':
			if err := c.root.DebugDump(c.out); err != nil {
				fmt.Fprintf(c.out, "dump: %v\r\n", err)
			}
		case 'l':
			fmt.Fprintf(c.out, "archive: %v\r\n", c.root.Archive())
		case 'i':
			if err := c.root.SimulateIRQ(1); err != nil {
				fmt.Fprintf(c.out, "simulate irq: %v\r\n", err)
			}
		case 'q':
			return nil
		case '\r', '\n':
			fmt.Fprint(c.out, "\r\n")
		default:
			fmt.Fprintf(c.out, "unknown command %q (d=dump, l=list, i=irq, q=quit)\r\n", b)
		}
	}
}
