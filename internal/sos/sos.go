// Package sos assembles internal/bootstrap, internal/irq,
// internal/elfloader and internal/syscall into the whole root task
// end to end: boot, stand up the IRQ dispatcher and syscall
// endpoint, load the first user processes out of a CPIO archive, and run
// the syscall loop forever.
//
// One constructor wires every subsystem together; one method runs the
// assembled machine.
package sos

import (
	"context"
	"fmt"

	"github.com/sos-rootserver/sos/internal/bootinfo"
	"github.com/sos-rootserver/sos/internal/bootstrap"
	"github.com/sos-rootserver/sos/internal/config"
	"github.com/sos-rootserver/sos/internal/cspace"
	"github.com/sos-rootserver/sos/internal/elfloader"
	"github.com/sos-rootserver/sos/internal/irq"
	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/kernel/errcode"
	"github.com/sos-rootserver/sos/internal/log"
	syscallsrv "github.com/sos-rootserver/sos/internal/syscall"
	"github.com/sos-rootserver/sos/internal/untyped"
)

// Dial is everything New needs beyond a boot handoff: the parsed CPIO
// archive user binaries are loaded from, the fixed layout and badge
// split, and the names of the processes to start once the allocators
// are in steady state.
type Dial struct {
	Archive   *elfloader.Archive
	Layout    config.Layout
	Badges    config.Badges
	BootCfg   bootstrap.Config
	Processes []string
}

// Root is the fully assembled root task.
type Root struct {
	Boot    *bootstrap.Context
	IRQ     *irq.Dispatcher
	Loader  *elfloader.Loader
	Syscall *syscallsrv.Server

	endpoint     kernel.CPtr
	notification kernel.CPtr

	procsByBadge map[uint64]*elfloader.Process
	procOrder    []string

	log *log.Logger
}

// New runs the bootstrap sequence, stands up the IRQ dispatcher and
// syscall endpoint, loads every named process from dial.Processes, and
// returns a Root ready for Run. Each process in dial.Processes is loaded
// in order and indexed by the badge internal/elfloader minted for it,
// so a later fault can be attributed to the process it came from.
func New(k *kernel.Kernel, info *bootinfo.Info, dial Dial, logger *log.Logger) (*Root, error) {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	bootCfg := dial.BootCfg
	bootCfg.Layout = dial.Layout.Allocators

	bootCtx, err := bootstrap.Run(k, info, bootCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("sos.New: bootstrap: %w", err)
	}

	lw, err := bootCtx.UT.AllocPage()
	if err != nil {
		return nil, kernel.WrapError("sos.New", errcode.OutOfMemory, err)
	}

	ntfnRaw, err := retypeRaw(k, bootCtx.CSpace, lw, kernel.ObjNotification)
	if err != nil {
		return nil, fmt.Errorf("sos.New: notification: %w", err)
	}

	dispatcher, err := irq.Init(k, bootCtx.CSpace.Slots(), ntfnRaw, dial.Badges.IRQFlagBit, dial.Badges.IRQBits, logger)
	if err != nil {
		return nil, fmt.Errorf("sos.New: irq dispatcher: %w", err)
	}

	epFlat, epRaw, err := retypeAddressable(k, bootCtx.CSpace, lw, kernel.ObjEndpoint)
	if err != nil {
		return nil, fmt.Errorf("sos.New: syscall endpoint: %w", err)
	}

	loader, err := elfloader.New(k, bootCtx.CSpace, bootCtx.UT, bootCtx.Mapper, bootCtx.Frames,
		dial.Archive, info.ASIDPool, epFlat, dial.Layout.Process, logger)
	if err != nil {
		return nil, fmt.Errorf("sos.New: elfloader: %w", err)
	}

	srv := syscallsrv.New(k, bootCtx.CSpace, dispatcher, epRaw, ntfnRaw, logger)

	root := &Root{
		Boot:         bootCtx,
		IRQ:          dispatcher,
		Loader:       loader,
		Syscall:      srv,
		endpoint:     epRaw,
		notification: ntfnRaw,
		procsByBadge: make(map[uint64]*elfloader.Process),
		log:          logger,
	}

	srv.OnFault = root.handleFault
	srv.Handler = root.handleSyscall

	for _, name := range dial.Processes {
		proc, err := loader.LoadAndStart(name)
		if err != nil {
			return nil, fmt.Errorf("sos.New: load %q: %w", name, err)
		}

		root.procsByBadge[proc.Badge] = proc
		root.procOrder = append(root.procOrder, name)

		logger.Info("sos: process started", "name", proc.Name, "badge", proc.Badge, "entry", proc.Entry)
	}

	return root, nil
}

// Run drives the syscall loop until ctx is cancelled or a fault this root
// task cannot recover from is delivered.
func (r *Root) Run(ctx context.Context) error {
	return r.Syscall.Run(ctx)
}

// Syscall numbers of the root task's dispatch table: the first message
// word selects the operation, the reply's first word carries the result.
const (
	// SysNop replies immediately with zero.
	SysNop uint64 = iota

	// SysDirCount replies with the number of entries in the boot archive.
	SysDirCount

	// SysDirEnt replies with the byte length of the name of the archive
	// entry whose index is the second message word, or zero past the end
	// of the listing.
	SysDirEnt
)

// handleSyscall is the default Handler wired into the syscall server. It
// dispatches on the first message word per the syscall wire format; the
// directory operations expose the boot archive's listing to user
// processes the way the original's sos_getdirent does.
func (r *Root) handleSyscall(badge uint64, words [kernel.MessageWords]uint64) [kernel.MessageWords]uint64 {
	var reply [kernel.MessageWords]uint64

	switch words[0] {
	case SysNop:

	case SysDirCount:
		reply[0] = uint64(len(r.Loader.Archive()))

	case SysDirEnt:
		names := r.Loader.Archive()
		if idx := words[1]; idx < uint64(len(names)) {
			reply[0] = uint64(len(names[idx]))
		}

	default:
		r.log.Warn("sos: unknown syscall", "badge", badge, "syscall", words[0])
	}

	return reply
}

// handleFault is the default FaultHandler wired into the syscall server:
// it names the offending process, if known, before reporting that the
// loop should stop. Nothing is recovered; the root task aborts with a
// diagnosable message.
func (r *Root) handleFault(badge, label uint64, words [kernel.MessageWords]uint64) bool {
	name := "<unknown>"
	if proc, ok := r.procsByBadge[badge]; ok {
		name = proc.Name
	}

	r.log.Error("sos: unrecovered fault", "process", name, "badge", badge, "label", label, "words", words)

	return false
}

// Process looks up a started process by the badge its endpoint capability
// carries, for callers (the debug console, tests) attributing a delivery
// back to a name.
func (r *Root) Process(badge uint64) (*elfloader.Process, bool) {
	p, ok := r.procsByBadge[badge]
	return p, ok
}

// SimulateIRQ injects a pending interrupt on the shared notification, for
// a debug console's "poke a device" command (original_source/sos/src/
// main.c has no equivalent since it runs on real hardware; this model's
// only way to exercise the IRQ path without one is to simulate it).
func (r *Root) SimulateIRQ(badge uint64) error {
	return r.Boot.Kernel.Signal(r.notification, badge)
}

// Endpoint is the raw syscall endpoint handle, for tests driving the
// syscall loop directly without going through a loaded process.
func (r *Root) Endpoint() kernel.CPtr { return r.endpoint }

// retypeRaw retypes a fresh lightweight object of typ out of lw and
// deposits it at a freshly allocated cspace slot, returning the kernel's
// raw object handle: the form internal/irq and internal/syscall need for
// their direct Send/Recv/Signal/Poll invocations (internal/kernel/ipc.go
// operates on object identity, not cspace address).
func retypeRaw(k *kernel.Kernel, space *cspace.Space, lw untyped.Ut, typ kernel.ObjectType) (kernel.CPtr, error) {
	slot, err := space.AllocSlotRaw()
	if err != nil {
		return kernel.NullCPtr, kernel.WrapError("sos.retypeRaw", errcode.OutOfSlots, err)
	}

	return k.RetypeOne(lw.CPtr(), typ, 0, slot)
}

// retypeAddressable is retypeRaw, but also returns the flat cspace address
// the new object was deposited at: the form internal/elfloader needs for
// its own space.Resolve-based capability copies and mints.
func retypeAddressable(k *kernel.Kernel, space *cspace.Space, lw untyped.Ut, typ kernel.ObjectType) (flat, raw kernel.CPtr, err error) {
	flat, err = space.AllocSlot()
	if err != nil {
		return kernel.NullCPtr, kernel.NullCPtr, kernel.WrapError("sos.retypeAddressable", errcode.OutOfSlots, err)
	}

	slot, err := space.Resolve(flat)
	if err != nil {
		return kernel.NullCPtr, kernel.NullCPtr, err
	}

	raw, err = k.RetypeOne(lw.CPtr(), typ, 0, slot)
	if err != nil {
		return kernel.NullCPtr, kernel.NullCPtr, err
	}

	return flat, raw, nil
}
