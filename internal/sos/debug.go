package sos

import (
	"fmt"
	"io"
)

// DebugDump writes a human-readable snapshot of allocator state to w: free
// bytes left in the untyped table, how many times its bookkeeping pool has
// been refilled, and the frame table's allocated/free counts, followed by
// the running process table: the same read-only diagnostics
// original_source's sos_debug_dump reports.
func (r *Root) DebugDump(w io.Writer) error {
	ut := r.Boot.UT
	frames := r.Boot.Frames

	if _, err := fmt.Fprintf(w, "untyped: %d bytes free, %d pool refills\n", ut.FreeBytes(), ut.Refills()); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "frames: %d allocated, %d free\n", frames.AllocatedCount(), frames.FreeCount()); err != nil {
		return err
	}

	if _, err := fmt.Fprintf(w, "processes: %d\n", len(r.procOrder)); err != nil {
		return err
	}

	for _, name := range r.procOrder {
		for _, proc := range r.procsByBadge {
			if proc.Name != name {
				continue
			}

			if _, err := fmt.Fprintf(w, "  %-16s badge=%#x entry=%#x sp=%#x tcb=%s\n",
				proc.Name, proc.Badge, proc.Entry, proc.SP, proc.TCB); err != nil {
				return err
			}

			break
		}
	}

	return nil
}

// Archive lists every file available to be loaded, for a debug console's
// "ls" command.
func (r *Root) Archive() []string {
	return r.Loader.Archive()
}
