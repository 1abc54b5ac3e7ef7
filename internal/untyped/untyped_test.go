package untyped_test

import (
	"testing"

	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/kernel/kerneltest"
	"github.com/sos-rootserver/sos/internal/log"
	"github.com/sos-rootserver/sos/internal/untyped"
)

// bumpCspace is a trivial Slots implementation for tests that never frees:
// it just hands out the next never-used index of a fixed-size root CNode.
type bumpCspace struct {
	t    *testing.T
	root kernel.CPtr
	next uint64
}

func (b *bumpCspace) AllocSlot() (kernel.Slot, error) {
	s := kernel.Slot{CNode: b.root, Index: b.next}
	b.next++

	return s, nil
}

func (b *bumpCspace) FreeSlot(kernel.Slot) error { return nil }

// fixedMapper pre-builds the paging tree down to a page table covering the
// single scratch address the bookkeeping pool refill uses, then maps
// whatever frame it is given there on each call, unmapping the previous
// occupant first (the real internal/mapping helper does the retry-on-
// LookupError dance; tests exercise that directly in internal/mapping).
type fixedMapper struct {
	k      *kernel.Kernel
	vspace kernel.CPtr
	vaddr  uint64
	built  bool
	slot   uint64
	ut     kernel.CPtr
	root   kernel.CPtr
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

func newHarness(tt *testing.T, untypedBits, rootBits uint) (*kerneltest.Boot, *bumpCspace, *fixedMapper) {
	tt.Helper()

	boot := kerneltest.New(tt, untypedBits, rootBits)

	// Reserve a second untyped, outside the table, purely to build the
	// scratch window's paging structures for the fake mapper.
	structUt := boot.Kernel.BootUntyped(0x20000000, 16, false)

	cspace := &bumpCspace{t: tt, root: boot.RootCNode, next: 1}
	mapper := &fixedMapper{k: boot.Kernel, vspace: boot.VSpace, ut: structUt, root: boot.RootCNode}

	return boot, cspace, mapper
}

func TestAlloc_SplitChain(tt *testing.T) {
	tt.Parallel()

	boot, cspace, mapper := newHarness(tt, untyped.PageBits, 12)

	table := untyped.New(boot.Kernel, cspace, mapper, boot.VSpace, 0x0000_6000_0000_0000, log.DefaultLogger())
	table.Enter(boot.Untyped, untyped.PageBits, 0x10000000, false)

	// A second page: the 4 KiB free list pops the most recently entered
	// page first, so this one becomes the split chain's parent and the
	// first page backs the bookkeeping-pool refill; one page cannot serve
	// both roles.
	page2 := boot.Kernel.BootUntyped(0x10001000, untyped.PageBits, false)
	table.Enter(page2, untyped.PageBits, 0x10001000, false)

	ut, err := table.Alloc(untyped.EndpointBits)
	if err != nil {
		tt.Fatalf("alloc: %v", err)
	}

	if ut.SizeBits() != untyped.EndpointBits {
		tt.Errorf("got size_bits %d, want %d", ut.SizeBits(), untyped.EndpointBits)
	}

	if table.Refills() != 1 {
		tt.Errorf("got %d pool refills, want exactly 1", table.Refills())
	}

	// Each split's sibling stays resident on its size's free list: one
	// sibling per level from EndpointBits up to PageBits-1.
	var want uint64
	for size := untyped.EndpointBits; size < untyped.PageBits; size++ {
		want += uint64(1) << size
	}

	if table.FreeBytes() != want {
		tt.Errorf("got %d free bytes after split chain, want %d", table.FreeBytes(), want)
	}
}

func TestAllocPage_Exhausted(tt *testing.T) {
	tt.Parallel()

	boot, cspace, mapper := newHarness(tt, untyped.PageBits, 12)

	table := untyped.New(boot.Kernel, cspace, mapper, boot.VSpace, 0x0000_6000_0000_1000, log.DefaultLogger())
	table.Enter(boot.Untyped, untyped.PageBits, 0x10000000, false)

	if _, err := table.AllocPage(); err != nil {
		tt.Fatalf("first alloc_4k: %v", err)
	}

	if _, err := table.AllocPage(); err == nil {
		tt.Fatal("expected OutOfMemory on exhausted free list")
	}
}

func TestAlloc_InvalidSize(tt *testing.T) {
	tt.Parallel()

	boot, cspace, mapper := newHarness(tt, untyped.PageBits, 12)
	table := untyped.New(boot.Kernel, cspace, mapper, boot.VSpace, 0x0000_6000_0000_2000, log.DefaultLogger())

	if _, err := table.Alloc(untyped.PageBits + 1); err == nil {
		tt.Fatal("expected InvalidSize for a size above PageBits")
	}
}

func TestUntypedSplitPartitionsParent(tt *testing.T) {
	tt.Parallel()

	boot, cspace, mapper := newHarness(tt, untyped.PageBits, 12)

	table := untyped.New(boot.Kernel, cspace, mapper, boot.VSpace, 0x0000_6000_0000_3000, log.DefaultLogger())
	table.Enter(boot.Untyped, untyped.PageBits, 0x10000000, false)

	for i := 1; i < 3; i++ {
		paddr := uint64(0x10000000 + i*0x1000)
		page := boot.Kernel.BootUntyped(paddr, untyped.PageBits, false)
		table.Enter(page, untyped.PageBits, paddr, false)
	}

	// Warm the table: the first sub-page alloc pays for the bookkeeping
	// refill and leaves a sibling on the target size's free list.
	if _, err := table.Alloc(untyped.PageBits - 2); err != nil {
		tt.Fatalf("warm-up alloc: %v", err)
	}

	before := table.FreeBytes()

	ut, err := table.Alloc(untyped.PageBits - 2)
	if err != nil {
		tt.Fatalf("alloc: %v", err)
	}

	after := table.FreeBytes()

	if before-after != uint64(1)<<ut.SizeBits() {
		tt.Errorf("free bytes dropped by %d, want %d", before-after, uint64(1)<<ut.SizeBits())
	}

	table.Free(ut)

	if table.FreeBytes() != before {
		tt.Errorf("free bytes after Free: got %d, want %d", table.FreeBytes(), before)
	}
}

func TestAllocDevice(tt *testing.T) {
	tt.Parallel()

	boot, cspace, mapper := newHarness(tt, untyped.PageBits, 12)
	table := untyped.New(boot.Kernel, cspace, mapper, boot.VSpace, 0x0000_6000_0000_4000, log.DefaultLogger())

	devUt := boot.Kernel.BootUntyped(0xfeed0000, untyped.PageBits, true)
	table.Enter(devUt, untyped.PageBits, 0xfeed0000, true)

	ut, err := table.AllocDevice(0xfeed0000)
	if err != nil {
		tt.Fatalf("alloc_4k_device: %v", err)
	}

	if ut.Paddr() != 0xfeed0000 {
		tt.Errorf("got paddr %#x, want %#x", ut.Paddr(), 0xfeed0000)
	}

	if _, err := table.AllocDevice(0xdeadbeef); err == nil {
		tt.Fatal("expected NotFound for unregistered device paddr")
	}
}
