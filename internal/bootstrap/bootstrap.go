// Package bootstrap implements the root task's bootstrap sequence:
// the protocol that turns the kernel's boot handoff into
// the steady-state layout of internal/cspace, internal/untyped,
// internal/mapping, internal/frametable, and internal/dma, without ever
// calling an allocator that is not already constructed.
//
// The sequencing follows the original's sos_boot/bootstrap.c, expressed
// as a single Run function returning a fully wired Context.
package bootstrap

import (
	"fmt"

	"github.com/sos-rootserver/sos/internal/bootinfo"
	"github.com/sos-rootserver/sos/internal/cspace"
	"github.com/sos-rootserver/sos/internal/dma"
	"github.com/sos-rootserver/sos/internal/frametable"
	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/kernel/errcode"
	"github.com/sos-rootserver/sos/internal/log"
	"github.com/sos-rootserver/sos/internal/mapping"
	"github.com/sos-rootserver/sos/internal/untyped"
)

// Layout fixes the root task's reserved virtual-memory windows: one per
// permanent subsystem mapping, plus the UT table's own bookkeeping
// window.
type Layout struct {
	UTRefillVaddr          uint64
	CSpaceBookkeepingVaddr uint64
	FrameDataWindow        uint64
	DMAVaddr               uint64
	DMASizeBits            uint
}

// Config parameterizes Run. TopBits/BotBits size the new root task
// cspace; BudgetPages is the minimum number of 4 KiB pages the untyped
// region stolen up front (the smallest non-device region holding at least
// that many pages, taken whole) must provide to bootstrap the allocators
// themselves, a config knob rather than a
// hard-coded budget formula, since the "physical memory" in this model
// is whatever the caller's bootinfo.Config describes rather than a real
// machine's RAM map.
type Config struct {
	TopBits     uint
	BotBits     uint
	Layout      Layout
	BudgetPages int
}

// Context is the steady-state result of bootstrap: every allocator,
// wired to each other and ready for internal/sos to build the IRQ
// dispatcher, syscall endpoint and first user process on top of.
type Context struct {
	Kernel     *kernel.Kernel
	CSpace     *cspace.Space
	UT         *untyped.Table
	Mapper     *mapping.Helper
	Frames     *frametable.Table
	DMA        *dma.Pool
	RootCNode  kernel.CPtr
	RootVSpace kernel.CPtr

	// ConsumedSlots is the number of cptrs bootstrap itself allocated
	// out of the initial bottom CNode, so tests can check that the set
	// of cptrs marked allocated equals the set used during bootstrap.
	ConsumedSlots int
}

// bootinfoSelfSlot tracks bootinfo.SlotRootCNode: the initial cspace's
// self-reference slot, skipped during the copy and deleted at step 7.
const bootinfoSelfSlot = 0

// Run executes the fourteen-step bootstrap protocol against a kernel
// already holding the boot handoff info describes, and returns a
// Context in steady state: any allocation from here on goes through the
// normal allocators.
func Run(k *kernel.Kernel, info *bootinfo.Info, cfg Config, logger *log.Logger) (*Context, error) {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	slotsUsed := 0

	// --- step 1: survey untypeds; compute physical bounds. ---
	low, high := info.PhysicalBounds()
	logger.Info("bootstrap: surveyed untypeds", "regions", len(info.Untyped), "paddr_low", low, "paddr_high", high)

	// --- step 2: budget and steal a single untyped large enough to cover
	// the rest of bootstrap. The stolen region is split entirely into 4
	// KiB pages below (step 11's "page granularity" populates the table
	// from exactly this split), so its size is also this model's bound on
	// how many cspace slots bootstrap itself consumes.
	stolenIdx, _, err := pickSteal(info, cfg.BudgetPages)
	if err != nil {
		return nil, err
	}

	stolen := info.Untyped[stolenIdx]

	// --- step 3: retype the new root CNode and its first bottom-level
	// CNode from the stolen untyped, deposited into the OLD cspace until
	// the new one exists to address itself. ---
	newRootSlot := kernel.Slot{CNode: info.InitCNode, Index: info.EmptySlotStart}

	rootCNode, err := k.RetypeOne(stolen.Cap, kernel.ObjCNode, cfg.TopBits, newRootSlot)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: retype new root cnode: %w", err)
	}

	bottom0Slot := kernel.Slot{CNode: rootCNode, Index: 0}

	bottom0, err := k.RetypeOne(stolen.Cap, kernel.ObjCNode, cfg.BotBits, bottom0Slot)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: retype initial bottom cnode: %w", err)
	}

	space := cspace.NewTwoLevel(k, rootCNode, cfg.TopBits, cfg.BotBits, info.InitVSpace, nil, nil, cfg.Layout.CSpaceBookkeepingVaddr, logger)
	space.SeedBottom(0, bottom0)

	// --- step 4: mint the root CNode into itself at the well-known
	// index, so the new cspace can be invoked recursively. ---
	if err := k.CNodeMint(newRootSlot, kernel.Slot{CNode: bottom0, Index: 0}, kernel.AllRights, 0); err != nil {
		return nil, fmt.Errorf("bootstrap: mint root cnode into itself: %w", err)
	}

	if err := space.MarkAllocated(space.CPtr(0, 0)); err != nil {
		return nil, err
	}
	slotsUsed++

	// --- step 5: switch the root thread's cspace. In this model there is
	// no separate running thread to retarget; the Context returned below
	// is, from this point forward, the only cspace any caller should use.
	// ---
	logger.Debug("bootstrap: root cspace is now self-referential", "root_cnode", rootCNode)

	// --- step 6: copy every non-null capability from the kernel's
	// initial cspace into its mirror slot in the new cspace, skipping the
	// old root's own self-reference at slot zero. Every capability the
	// boot handoff seeded (bootinfo.SlotVSpace, SlotTCB, SlotASIDPool, and
	// the untyped caps) must fit inside the single bottom CNode seeded in
	// step 3, since no further bottom CNode can be materialised until the
	// untyped table and mapper this function builds below exist. ---
	if info.InitCNodeBits > cfg.BotBits {
		return nil, kernel.WrapError("bootstrap.Run", errcode.InvalidSize,
			fmt.Errorf("initial cnode (%d bits) does not fit in one bottom cnode (%d bits)", info.InitCNodeBits, cfg.BotBits))
	}

	copied := 0

	for idx := uint64(0); idx < uint64(1)<<info.InitCNodeBits; idx++ {
		if idx == bootinfoSelfSlot {
			continue
		}

		src := kernel.Slot{CNode: info.InitCNode, Index: idx}

		cap, err := k.SlotCapability(src)
		if err != nil {
			return nil, err
		}

		if cap.Empty() {
			continue
		}

		dest := kernel.Slot{CNode: bottom0, Index: idx}
		if err := k.CNodeCopy(src, dest, cap.Rights); err != nil {
			return nil, fmt.Errorf("bootstrap: copy slot %d into new cspace: %w", idx, err)
		}

		if err := space.MarkAllocated(space.CPtr(0, idx)); err != nil {
			return nil, err
		}

		copied++
	}

	slotsUsed += copied

	logger.Debug("bootstrap: copied capabilities into new cspace", "count", copied)

	// --- step 7: delete the old root cap, zeroing the null slot. ---
	if err := k.CNodeDelete(kernel.Slot{CNode: info.InitCNode, Index: bootinfoSelfSlot}); err != nil {
		return nil, err
	}

	// Build the untyped table and mapper now, so steps 8-11 can use the
	// ordinary Mapper/AllocPage machinery instead of hand-rolled retypes:
	// feed the table the stolen region's pages directly, split to 4 KiB
	// up front. The untyped table's one circularity bottoms out here, at
	// the one point in the whole system where paging structures are
	// built with no allocator underneath them yet.
	ut := untyped.New(k, space.Slots(), nil, info.InitVSpace, cfg.Layout.UTRefillVaddr, logger)
	mapper := mapping.New(k, ut)

	ut.SetMapper(mapper)
	space.SetUntyped(ut)
	space.SetMapper(mapper)

	used, err := splitToPages(k, space, ut, stolen)
	slotsUsed += used

	if err != nil {
		return nil, fmt.Errorf("bootstrap: split stolen untyped: %w", err)
	}

	// --- steps 8-9: building the UT table's own paging tree and mapping
	// its bookkeeping window is now just an ordinary MapFrame call: the
	// mapper lazily retypes whatever PUD/PD/PT levels are missing using
	// the pages just entered above. This pre-faults the window so the UT
	// table's first lazy bookkeeping refill does not have to grow the
	// paging tree under contention. ---
	used, err = reserveWindow(k, space, ut, mapper, info.InitVSpace, cfg.Layout.UTRefillVaddr)
	slotsUsed += used

	if err != nil {
		return nil, fmt.Errorf("bootstrap: reserve ut bookkeeping window: %w", err)
	}

	// --- step 10: carve the DMA large page out of remaining memory and
	// map it at the DMA window. ---
	dmaIdx, err := pickRegion(info, cfg.Layout.DMASizeBits, stolenIdx)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: no region for dma pool: %w", err)
	}

	dmaRegion := info.Untyped[dmaIdx]

	dmaPages := uint64(1) << (cfg.Layout.DMASizeBits - kernel.PageBits)
	slotsUsed += int(dmaPages)

	dmaPool, err := dma.Init(k, space.Slots(), mapper, info.InitVSpace, dmaRegion.Cap, dmaRegion.Paddr, cfg.Layout.DMASizeBits, cfg.Layout.DMAVaddr)
	if err != nil {
		return nil, fmt.Errorf("bootstrap: init dma pool: %w", err)
	}

	// --- step 11: initialise the UT table over the physical bounds,
	// entering every remaining non-device untyped at page granularity,
	// plus the device untypeds marked as such. ---
	for i, u := range info.Untyped {
		if i == stolenIdx || i == dmaIdx {
			continue
		}

		if u.IsDevice {
			ut.Enter(u.Cap, u.SizeBits, u.Paddr, true)
			continue
		}

		used, err := splitToPages(k, space, ut, u)
		slotsUsed += used

		if err != nil {
			return nil, fmt.Errorf("bootstrap: split region %d: %w", i, err)
		}
	}

	// --- step 12: allocate the watermark slots. ---
	if err := space.InitWatermark(); err != nil {
		return nil, fmt.Errorf("bootstrap: init watermark: %w", err)
	}

	// --- steps 13-14: the directly-deposited cptrs (the root self-mint,
	// the boot-cap mirror copies) were marked via MarkAllocated at the
	// point of deposit; everything after step 7 was routed through
	// space.AllocSlotRaw/space.Slots(), so the bitmaps already agree with
	// the multiset of outstanding cptrs. slotsUsed is the count bootstrap
	// consumed out of the steady-state cspace, reported for tests
	// asserting invariant 7. ---
	frames := frametable.New(k, space, mapper, ut, info.InitVSpace, cfg.Layout.FrameDataWindow, logger)

	logger.Info("bootstrap: complete", "root_cnode", rootCNode, "consumed_slots", slotsUsed, "free_bytes", ut.FreeBytes())

	return &Context{
		Kernel:        k,
		CSpace:        space,
		UT:            ut,
		Mapper:        mapper,
		Frames:        frames,
		DMA:           dmaPool,
		RootCNode:     rootCNode,
		RootVSpace:    info.InitVSpace,
		ConsumedSlots: slotsUsed,
	}, nil
}

// splitChunk bounds how many pages splitToPages retypes per kernel call,
// so pages reach the untyped table's free list well before the cspace's
// slot allocation needs to materialise another bottom CNode (whose
// bookkeeping draws pages back out of that same table).
const splitChunk = 64

// splitToPages retypes an entire untyped region into individual 4 KiB
// Untyped objects (the 4 KiB free list is the only pool fully
// pre-populated at boot), entering each chunk into table as it is
// retyped and consuming one fresh cspace slot per resulting page. It
// returns the number of cspace slots it consumed.
func splitToPages(k *kernel.Kernel, space *cspace.Space, table *untyped.Table, region bootinfo.UntypedDesc) (int, error) {
	if region.SizeBits < untyped.PageBits {
		return 0, kernel.WrapError("bootstrap.splitToPages", errcode.InvalidSize,
			fmt.Errorf("region at %#x smaller than a page", region.Paddr))
	}

	count := 1 << (region.SizeBits - untyped.PageBits)
	used := 0

	for done := 0; done < count; done += splitChunk {
		n := splitChunk
		if count-done < n {
			n = count - done
		}

		slots := make([]kernel.Slot, n)

		for i := 0; i < n; i++ {
			slot, err := space.AllocSlotRaw()
			if err != nil {
				return used + i, kernel.WrapError("bootstrap.splitToPages", errcode.OutOfSlots, err)
			}

			slots[i] = slot
		}

		cptrs, err := k.Retype(region.Cap, kernel.ObjUntyped, untyped.PageBits, slots)
		if err != nil {
			return used + n, err
		}

		for i, c := range cptrs {
			paddr := region.Paddr + uint64(done+i)<<untyped.PageBits
			table.Enter(c, untyped.PageBits, paddr, false)
		}

		used += n
	}

	return used, nil
}

// pickSteal finds the smallest non-device region whose page count meets
// budgetPages: a single untyped large enough to cover the whole
// bootstrap, without over-stealing memory this model would otherwise be
// able to offer real allocations.
func pickSteal(info *bootinfo.Info, budgetPages int) (int, uint, error) {
	best := -1
	var bestBits uint

	for i, u := range info.Untyped {
		if u.IsDevice {
			continue
		}

		pages := 1 << (u.SizeBits - untyped.PageBits)
		if pages < budgetPages {
			continue
		}

		if best == -1 || u.SizeBits < bestBits {
			best = i
			bestBits = u.SizeBits
		}
	}

	if best == -1 {
		return 0, 0, kernel.WrapError("bootstrap.pickSteal", errcode.OutOfMemory,
			fmt.Errorf("no untyped region covers a %d-page bootstrap budget", budgetPages))
	}

	return best, bestBits, nil
}

// pickRegion finds a non-device region of at least sizeBits, excluding
// indices already claimed, for the DMA pool carve-out (step 10).
func pickRegion(info *bootinfo.Info, sizeBits uint, exclude ...int) (int, error) {
	excluded := make(map[int]bool, len(exclude))
	for _, i := range exclude {
		excluded[i] = true
	}

	for i, u := range info.Untyped {
		if u.IsDevice || excluded[i] {
			continue
		}

		if u.SizeBits >= sizeBits {
			return i, nil
		}
	}

	return 0, kernel.NewError("bootstrap.pickRegion", errcode.OutOfMemory)
}

// reserveWindow pre-faults a single page at vaddr: it draws a 4 KiB page
// from ut, retypes it to a Frame, and maps it through mapper, building
// whatever PUD/PD/PT levels are missing along the way. It returns the
// number of cspace slots it allocated itself, which is always one, for
// the frame; slots mapper uses for paging structures are not counted.
func reserveWindow(k *kernel.Kernel, space *cspace.Space, ut *untyped.Table, mapper *mapping.Helper, vspace kernel.CPtr, vaddr uint64) (int, error) {
	page, err := ut.AllocPage()
	if err != nil {
		return 0, err
	}

	slot, err := space.AllocSlotRaw()
	if err != nil {
		return 0, kernel.WrapError("bootstrap.reserveWindow", errcode.OutOfSlots, err)
	}

	frame, err := k.RetypeOne(page.CPtr(), kernel.ObjFrame, kernel.PageBits, slot)
	if err != nil {
		return 1, err
	}

	if err := mapper.MapFrame(space.Slots(), frame, vspace, vaddr, kernel.CanRead|kernel.CanWrite); err != nil {
		return 1, err
	}

	// mapper.MapFrame may consume additional slots materializing PUD/PD/PT
	// structures; those go through space.Slots() like every other
	// allocation and are accounted for in the cspace's own bitmaps, just
	// not in this function's return value.
	return 1, nil
}
