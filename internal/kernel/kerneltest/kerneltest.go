// Package kerneltest builds pre-seeded kernel.Kernel values for
// allocator unit tests, standing in for a full internal/bootstrap run.
package kerneltest

import (
	"testing"

	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/log"
)

// Boot is a kernel plus the handful of capabilities a freshly booted root
// task starts with: one big untyped region, a root CNode sized to hold it,
// and an initial VSpace with an ASID already assigned.
type Boot struct {
	Kernel      *kernel.Kernel
	RootCNode   kernel.CPtr
	RootBits    uint
	Untyped     kernel.CPtr
	UntypedBits uint
	VSpace      kernel.CPtr
	ASIDPool    kernel.CPtr
}

// New constructs a Boot with a single untyped region of untypedBits size
// and a root CNode with rootBits slots, both deposited as if handed to the
// root task at boot. t.Helper() callers get failures attributed to their
// own call site.
func New(t *testing.T, untypedBits, rootBits uint) *Boot {
	t.Helper()

	k := kernel.New(log.DefaultLogger())

	root := k.BootCNode(rootBits)
	ut := k.BootUntyped(0x10000000, untypedBits, false)

	rootCap := kernel.Slot{CNode: root, Index: 0}
	if err := k.BootCap(rootCap, root, kernel.AllRights); err != nil {
		t.Fatalf("kerneltest: seed root cap: %v", err)
	}

	vspace := k.BootObject(kernel.ObjVSpace, 0)
	pool := k.BootObject(kernel.ObjASIDPool, 0)

	if err := k.ASIDPoolAssign(pool, vspace); err != nil {
		t.Fatalf("kerneltest: assign asid: %v", err)
	}

	return &Boot{
		Kernel:      k,
		RootCNode:   root,
		RootBits:    rootBits,
		Untyped:     ut,
		UntypedBits: untypedBits,
		VSpace:      vspace,
		ASIDPool:    pool,
	}
}

// FreeSlot returns the next never-yet-used slot index in the root CNode,
// for tests that need a destination to retype into without going through
// internal/cspace.
func (b *Boot) FreeSlot(t *testing.T, used *uint64) kernel.Slot {
	t.Helper()

	s := kernel.Slot{CNode: b.RootCNode, Index: *used}
	*used++

	return s
}
