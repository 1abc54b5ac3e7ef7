package cspace_test

import (
	"testing"

	"github.com/sos-rootserver/sos/internal/cspace"
	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/kernel/kerneltest"
	"github.com/sos-rootserver/sos/internal/log"
	"github.com/sos-rootserver/sos/internal/untyped"
)

func TestOneLevel_AllocFreeRoundTrip(tt *testing.T) {
	tt.Parallel()

	boot := kerneltest.New(tt, 12, 12)

	root := boot.Kernel.BootCNode(2) // 4 slots
	space := cspace.NewOneLevel(boot.Kernel, root, 2, log.DefaultLogger())

	got := make(map[kernel.CPtr]bool)

	for i := 0; i < 4; i++ {
		c, err := space.AllocSlot()
		if err != nil {
			tt.Fatalf("alloc %d: %v", i, err)
		}

		if got[c] {
			tt.Fatalf("alloc returned duplicate cptr %s", c)
		}

		got[c] = true
	}

	if _, err := space.AllocSlot(); err == nil {
		tt.Fatal("expected OutOfSlots once cspace is full")
	}

	var freed kernel.CPtr
	for c := range got {
		freed = c
		break
	}

	if err := space.FreeSlot(freed); err != nil {
		tt.Fatalf("free: %v", err)
	}

	again, err := space.AllocSlot()
	if err != nil {
		tt.Fatalf("realloc after free: %v", err)
	}

	if again != freed {
		tt.Errorf("got %s, want reuse of freed slot %s", again, freed)
	}
}

func TestOneLevel_FillThenDrainInReverse(tt *testing.T) {
	tt.Parallel()

	boot := kerneltest.New(tt, 12, 12)

	root := boot.Kernel.BootCNode(3) // 8 slots
	space := cspace.NewOneLevel(boot.Kernel, root, 3, log.DefaultLogger())

	var allocated []kernel.CPtr

	// Fill to capacity - 1, leaving exactly one slot free, per scenario B.
	for i := 0; i < 7; i++ {
		c, err := space.AllocSlot()
		if err != nil {
			tt.Fatalf("alloc %d: %v", i, err)
		}

		allocated = append(allocated, c)
	}

	last, err := space.AllocSlot()
	if err != nil {
		tt.Fatalf("final alloc: %v", err)
	}

	allocated = append(allocated, last)

	if _, err := space.AllocSlot(); err == nil {
		tt.Fatal("expected OutOfSlots at full capacity")
	}

	for i := len(allocated) - 1; i >= 0; i-- {
		if err := space.FreeSlot(allocated[i]); err != nil {
			tt.Fatalf("free %d: %v", i, err)
		}
	}

	for i := 0; i < 8; i++ {
		if _, err := space.AllocSlot(); err != nil {
			tt.Fatalf("realloc %d after full drain: %v", i, err)
		}
	}
}

// fixedMapper mirrors internal/untyped's test fake: it builds the paging
// tree down to a single page table the first time it is asked to map a
// frame, then unmaps/remaps whatever frame it is given at that one
// address on every later call.
type fixedMapper struct {
	k      *kernel.Kernel
	vspace kernel.CPtr
	ut     kernel.CPtr
	built  bool
}

func (m *fixedMapper) MapFrame(cspace untyped.Slots, frame, vspace kernel.CPtr, vaddr uint64, rights kernel.Rights) error {
	if !m.built {
		for _, level := range []kernel.Level{kernel.LevelPageUpperDirectory, kernel.LevelPageDirectory, kernel.LevelPageTable} {
			s, err := cspace.AllocSlot()
			if err != nil {
				return err
			}

			obj, err := m.k.RetypeOne(m.ut, level.ObjectType(), 12, s)
			if err != nil {
				return err
			}

			if err := m.k.MapPagingStructure(vspace, obj, level, vaddr); err != nil {
				return err
			}
		}

		m.built = true
	}

	_ = m.k.UnmapPage(vspace, vaddr)

	return m.k.MapPage(vspace, frame, vaddr, rights)
}

// twoLevelHarness wires a root CNode, an untyped.Table stocked with several
// physical pages (enough for a handful of bottom-CNode materialisations and
// bookkeeping refills), and a cspace.Space with its first bottom CNode
// seeded directly, as bootstrap step 3 would before InitWatermark runs.
func twoLevelHarness(tt *testing.T, topBits, botBits uint, pages int) (*kerneltest.Boot, *cspace.Space, *untyped.Table) {
	tt.Helper()

	boot := kerneltest.New(tt, 12, 16)

	structUt := boot.Kernel.BootUntyped(0x20000000, 16, false)
	mapper := &fixedMapper{k: boot.Kernel, vspace: boot.VSpace, ut: structUt}

	// A fresh top-level CNode, as bootstrap step 3 retypes for the new
	// cspace: kerneltest's root CNode already holds its own capability
	// in slot 0.
	top := boot.Kernel.BootCNode(topBits)

	space := cspace.NewTwoLevel(boot.Kernel, top, topBits, botBits, boot.VSpace, nil, mapper, 0x0000_5000_0000_0000, log.DefaultLogger())

	table := untyped.New(boot.Kernel, space.Slots(), mapper, boot.VSpace, 0x0000_5000_0000_1000, log.DefaultLogger())

	for i := 0; i < pages; i++ {
		paddr := uint64(0x30000000 + i*0x1000)
		ut := boot.Kernel.BootUntyped(paddr, untyped.PageBits, false)
		table.Enter(ut, untyped.PageBits, paddr, false)
	}

	space.SetUntyped(table)

	// Seed the first bottom CNode directly out of the boot untyped, the
	// way bootstrap's step 3 retypes the root cspace's initial bottom
	// levels before anything can recurse through AllocSlot.
	seedSlot := kernel.Slot{CNode: top, Index: 0}
	seedCNode, err := boot.Kernel.RetypeOne(boot.Untyped, kernel.ObjCNode, botBits, seedSlot)
	if err != nil {
		tt.Fatalf("seed bottom cnode: %v", err)
	}

	space.SeedBottom(0, seedCNode)

	if err := space.InitWatermark(); err != nil {
		tt.Fatalf("init watermark: %v", err)
	}

	return boot, space, table
}

func TestTwoLevel_MaterializesSecondBottomOnDemand(tt *testing.T) {
	tt.Parallel()

	_, space, _ := twoLevelHarness(tt, 2, 4, 16)

	// Bottom 0 holds 1<<4 = 16 slots, of which the watermark's initial
	// fill already took its share; draining the remainder should not need
	// the untyped table at all.
	var cptrs []kernel.CPtr
	for i := 0; i < 16-cspace.WatermarkSize; i++ {
		c, err := space.AllocSlot()
		if err != nil {
			tt.Fatalf("alloc %d from seeded bottom: %v", i, err)
		}

		cptrs = append(cptrs, c)
	}

	// The next allocation must materialise bottom 1 on demand.
	next, err := space.AllocSlot()
	if err != nil {
		tt.Fatalf("alloc triggering materialisation: %v", err)
	}

	top, _ := space.Decompose(next)
	if top != 1 {
		tt.Errorf("got top index %d, want 1 (newly materialised)", top)
	}

	if _, err := space.Resolve(next); err != nil {
		tt.Errorf("resolve newly materialised slot: %v", err)
	}
}

func TestTwoLevel_FreeClearsTopFullBit(tt *testing.T) {
	tt.Parallel()

	_, space, _ := twoLevelHarness(tt, 2, 4, 16)

	var cptrs []kernel.CPtr
	for i := 0; i < 16-cspace.WatermarkSize; i++ {
		c, err := space.AllocSlot()
		if err != nil {
			tt.Fatalf("alloc %d: %v", i, err)
		}

		cptrs = append(cptrs, c)
	}

	// Bottom 0 is now full; freeing one slot must make it available again
	// without materialising a new bottom CNode.
	if err := space.FreeSlot(cptrs[0]); err != nil {
		tt.Fatalf("free: %v", err)
	}

	reused, err := space.AllocSlot()
	if err != nil {
		tt.Fatalf("realloc: %v", err)
	}

	top, _ := space.Decompose(reused)
	if top != 0 {
		tt.Errorf("got top index %d, want reuse of bottom 0", top)
	}

	if reused != cptrs[0] {
		tt.Errorf("got %s, want exact reuse of freed slot %s", reused, cptrs[0])
	}
}

func TestUntypedRetype_ResolvesBottomLevelOrientation(tt *testing.T) {
	tt.Parallel()

	boot, space, _ := twoLevelHarness(tt, 2, 4, 16)

	dest, err := space.AllocSlot()
	if err != nil {
		tt.Fatalf("alloc dest: %v", err)
	}

	ut := boot.Kernel.BootUntyped(0x40000000, 12, false)

	caps, err := space.UntypedRetype(ut, kernel.ObjFrame, 12, dest, 1)
	if err != nil {
		tt.Fatalf("untyped retype: %v", err)
	}

	slot, err := space.Resolve(dest)
	if err != nil {
		tt.Fatalf("resolve: %v", err)
	}

	cap, err := boot.Kernel.SlotCapability(slot)
	if err != nil {
		tt.Fatalf("slot capability: %v", err)
	}

	if cap.Target != caps[0] {
		tt.Errorf("retyped capability landed in the wrong slot: got target %s, want %s", cap.Target, caps[0])
	}
}
