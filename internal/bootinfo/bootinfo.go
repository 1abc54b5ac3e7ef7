// Package bootinfo models the kernel's boot handoff: the
// root CNode's initial contents, the handful of pre-granted capabilities
// (initial VSpace, initial TCB, ASID pool, empty-slot range),
// and the array of untyped descriptors (physical address, size-in-bits,
// is-device) the kernel reports at boot.
//
// There is no real seL4 kernel underneath this repository (internal/kernel
// models one in-process), so this package's Synthesize plays the kernel's
// part: it builds the handful of boot-time objects and deposits them into
// a freshly created initial CNode exactly as a real kernel would, so that
// internal/bootstrap can run against it unmodified whether the caller is
// internal/cli/cmd or a _test.go harness.
package bootinfo

import (
	"fmt"

	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/kernel/errcode"
	"github.com/sos-rootserver/sos/internal/log"
)

// Well-known slot indices within the kernel's initial CNode, mirroring the
// fixed seL4_Cap* indices a real boot info hands the root task.
const (
	SlotRootCNode = iota
	SlotVSpace
	SlotTCB
	SlotASIDPool
	firstUntypedSlot
)

// UntypedRegion describes one physical memory region the kernel reports at
// boot, before bootstrap has run.
type UntypedRegion struct {
	Paddr    uint64
	SizeBits uint
	IsDevice bool
}

// UntypedDesc pairs an UntypedRegion with the kernel capability bootinfo
// deposited for it.
type UntypedDesc struct {
	UntypedRegion
	Cap kernel.CPtr
}

// Config parameterizes Synthesize: the initial CNode's size and the
// physical regions the simulated kernel should report as boot untypeds.
type Config struct {
	InitCNodeBits uint
	Regions       []UntypedRegion
}

// Info is the root task's view of the kernel boot handoff: the root
// CNode's initial contents, the pre-granted capabilities, and the
// untyped descriptor array.
type Info struct {
	InitCNode      kernel.CPtr
	InitCNodeBits  uint
	InitVSpace     kernel.CPtr
	InitTCB        kernel.CPtr
	ASIDPool       kernel.CPtr
	Untyped        []UntypedDesc
	EmptySlotStart uint64
	EmptySlotEnd   uint64
}

// Synthesize builds a boot handoff: a root CNode with the fixed capability
// layout above, seeded with one untyped capability per region in cfg, and
// returns the Info the root task would receive. The root CNode's own slot
// zero holds a self-referential capability to itself, the "old root cap"
// internal/bootstrap's step 7 deletes once its contents have been copied
// into the new cspace.
func Synthesize(k *kernel.Kernel, cfg Config) (*Info, error) {
	n := uint64(1) << cfg.InitCNodeBits
	need := uint64(firstUntypedSlot) + uint64(len(cfg.Regions))

	if need > n {
		return nil, kernel.WrapError("bootinfo.Synthesize", errcode.InvalidSize,
			fmt.Errorf("init cnode has %d slots, need at least %d", n, need))
	}

	root := k.BootCNode(cfg.InitCNodeBits)

	if err := k.BootCap(kernel.Slot{CNode: root, Index: SlotRootCNode}, root, kernel.AllRights); err != nil {
		return nil, err
	}

	vspace := k.BootObject(kernel.ObjVSpace, 0)
	if err := k.BootCap(kernel.Slot{CNode: root, Index: SlotVSpace}, vspace, kernel.AllRights); err != nil {
		return nil, err
	}

	tcb := k.BootObject(kernel.ObjTCB, 0)
	if err := k.BootCap(kernel.Slot{CNode: root, Index: SlotTCB}, tcb, kernel.AllRights); err != nil {
		return nil, err
	}

	pool := k.BootObject(kernel.ObjASIDPool, 0)
	if err := k.BootCap(kernel.Slot{CNode: root, Index: SlotASIDPool}, pool, kernel.AllRights); err != nil {
		return nil, err
	}

	if err := k.ASIDPoolAssign(pool, vspace); err != nil {
		return nil, err
	}

	untypedDescs := make([]UntypedDesc, len(cfg.Regions))

	for i, region := range cfg.Regions {
		cptr := k.BootUntyped(region.Paddr, region.SizeBits, region.IsDevice)
		slotIdx := uint64(firstUntypedSlot) + uint64(i)

		if err := k.BootCap(kernel.Slot{CNode: root, Index: slotIdx}, cptr, kernel.AllRights); err != nil {
			return nil, err
		}

		untypedDescs[i] = UntypedDesc{UntypedRegion: region, Cap: cptr}
	}

	logger := log.DefaultLogger()
	logger.Info("bootinfo: synthesized boot handoff", "regions", len(cfg.Regions), "init_cnode_bits", cfg.InitCNodeBits)

	return &Info{
		InitCNode:      root,
		InitCNodeBits:  cfg.InitCNodeBits,
		InitVSpace:     vspace,
		InitTCB:        tcb,
		ASIDPool:       pool,
		Untyped:        untypedDescs,
		EmptySlotStart: need,
		EmptySlotEnd:   n,
	}, nil
}

// PhysicalBounds reports the lowest and highest physical addresses covered
// by any reported region (device or not), for bootstrap's survey step.
func (info *Info) PhysicalBounds() (low, high uint64) {
	low = ^uint64(0)

	for _, u := range info.Untyped {
		if u.Paddr < low {
			low = u.Paddr
		}

		end := u.Paddr + (uint64(1) << u.SizeBits)
		if end > high {
			high = end
		}
	}

	if low > high {
		low = 0
	}

	return low, high
}

// TotalNonDeviceBytes sums the byte size of every non-device region, the
// budget bootstrap's step 1 survey reports.
func (info *Info) TotalNonDeviceBytes() uint64 {
	var total uint64

	for _, u := range info.Untyped {
		if !u.IsDevice {
			total += uint64(1) << u.SizeBits
		}
	}

	return total
}
