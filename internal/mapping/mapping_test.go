package mapping_test

import (
	"testing"

	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/kernel/kerneltest"
	"github.com/sos-rootserver/sos/internal/log"
	"github.com/sos-rootserver/sos/internal/mapping"
	"github.com/sos-rootserver/sos/internal/untyped"
)

// bumpSlots is a never-freeing untyped.Slots fake, same shape as the one
// internal/untyped's own tests use.
type bumpSlots struct {
	root kernel.CPtr
	next uint64
}

func (b *bumpSlots) AllocSlot() (kernel.Slot, error) {
	s := kernel.Slot{CNode: b.root, Index: b.next}
	b.next++

	return s, nil
}

func (b *bumpSlots) FreeSlot(kernel.Slot) error { return nil }

// enterPages registers n distinct 4 KiB untypeds with table, independent of
// the boot untyped a test uses directly for its own frame capability.
func enterPages(boot *kerneltest.Boot, table *untyped.Table, n int) {
	for i := 0; i < n; i++ {
		paddr := uint64(0x50000000 + i*0x1000)
		ut := boot.Kernel.BootUntyped(paddr, untyped.PageBits, false)
		table.Enter(ut, untyped.PageBits, paddr, false)
	}
}

func TestMapFrame_MaterializesMissingLevelsAndRetries(tt *testing.T) {
	tt.Parallel()

	boot := kerneltest.New(tt, 12, 12)

	table := untyped.New(boot.Kernel, nil, nil, boot.VSpace, 0, log.DefaultLogger())
	enterPages(boot, table, 8)

	helper := mapping.New(boot.Kernel, table)
	slots := &bumpSlots{root: boot.RootCNode, next: 1}

	frameSlot := kernel.Slot{CNode: boot.RootCNode, Index: 50}
	frame, err := boot.Kernel.RetypeOne(boot.Untyped, kernel.ObjFrame, 12, frameSlot)
	if err != nil {
		tt.Fatalf("retype frame: %v", err)
	}

	const vaddr = 0x0000_4000_0000_1000

	if err := helper.MapFrame(slots, frame, boot.VSpace, vaddr, kernel.CanRead|kernel.CanWrite); err != nil {
		tt.Fatalf("map frame through missing PUD/PD/PT: %v", err)
	}

	// Idempotent remap with identical rights must succeed without error.
	if err := helper.MapFrame(slots, frame, boot.VSpace, vaddr, kernel.CanRead|kernel.CanWrite); err != nil {
		tt.Errorf("idempotent remap: %v", err)
	}
}

func TestMapFrameWithSlots_UsesCallerSuppliedPool(tt *testing.T) {
	tt.Parallel()

	boot := kerneltest.New(tt, 12, 12)

	table := untyped.New(boot.Kernel, nil, nil, boot.VSpace, 0, log.DefaultLogger())
	enterPages(boot, table, 8)

	helper := mapping.New(boot.Kernel, table)

	free := []kernel.Slot{
		{CNode: boot.RootCNode, Index: 10},
		{CNode: boot.RootCNode, Index: 11},
		{CNode: boot.RootCNode, Index: 12},
	}

	var used uint64

	frameSlot := kernel.Slot{CNode: boot.RootCNode, Index: 1}
	frame, err := boot.Kernel.RetypeOne(boot.Untyped, kernel.ObjFrame, 12, frameSlot)
	if err != nil {
		tt.Fatalf("retype frame: %v", err)
	}

	const vaddr = 0x0000_4000_0000_2000

	if err := helper.MapFrameWithSlots(free, &used, frame, boot.VSpace, vaddr, kernel.CanRead); err != nil {
		tt.Fatalf("map frame with slots: %v", err)
	}

	if used == 0 {
		tt.Error("expected at least one supplied slot to be marked used")
	}
}

func TestMapFrame_PropagatesNonLookupErrors(tt *testing.T) {
	tt.Parallel()

	boot := kerneltest.New(tt, 16, 12)
	table := untyped.New(boot.Kernel, nil, nil, boot.VSpace, 0, log.DefaultLogger())

	helper := mapping.New(boot.Kernel, table)
	slots := &bumpSlots{root: boot.RootCNode, next: 1}

	if err := helper.MapFrame(slots, kernel.NullCPtr, boot.VSpace, 0x1000, kernel.CanRead); err == nil {
		tt.Fatal("expected an error mapping a null frame capability")
	}
}
