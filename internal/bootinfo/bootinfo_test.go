package bootinfo_test

import (
	"testing"

	"github.com/sos-rootserver/sos/internal/bootinfo"
	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/log"
)

func TestSynthesizeSeedsWellKnownSlots(t *testing.T) {
	k := kernel.New(log.DefaultLogger())

	info, err := bootinfo.Synthesize(k, bootinfo.Config{
		InitCNodeBits: 4,
		Regions: []bootinfo.UntypedRegion{
			{Paddr: 0x10000000, SizeBits: 16},
			{Paddr: 0x20000000, SizeBits: 12, IsDevice: true},
		},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	if info.InitCNode == kernel.NullCPtr {
		t.Fatal("expected a non-null init cnode")
	}

	if info.InitVSpace == kernel.NullCPtr || info.InitTCB == kernel.NullCPtr || info.ASIDPool == kernel.NullCPtr {
		t.Fatal("expected vspace, tcb and asid pool to be seeded")
	}

	if len(info.Untyped) != 2 {
		t.Fatalf("expected 2 untyped descriptors, got %d", len(info.Untyped))
	}

	if info.Untyped[0].IsDevice {
		t.Fatal("expected first region to not be a device")
	}

	if !info.Untyped[1].IsDevice {
		t.Fatal("expected second region to be a device")
	}

	wantEmptyStart := uint64(4 + len(info.Untyped))
	if info.EmptySlotStart != wantEmptyStart {
		t.Fatalf("EmptySlotStart = %d, want %d", info.EmptySlotStart, wantEmptyStart)
	}

	if info.EmptySlotEnd != 1<<4 {
		t.Fatalf("EmptySlotEnd = %d, want %d", info.EmptySlotEnd, uint64(1)<<4)
	}
}

func TestSynthesizeRejectsUndersizedCNode(t *testing.T) {
	k := kernel.New(log.DefaultLogger())

	_, err := bootinfo.Synthesize(k, bootinfo.Config{
		InitCNodeBits: 2, // only 4 slots, need 4 fixed + 1 region
		Regions: []bootinfo.UntypedRegion{
			{Paddr: 0x10000000, SizeBits: 16},
		},
	})
	if err == nil {
		t.Fatal("expected an error for an undersized init cnode")
	}
}

func TestPhysicalBoundsAndTotalBytes(t *testing.T) {
	k := kernel.New(log.DefaultLogger())

	info, err := bootinfo.Synthesize(k, bootinfo.Config{
		InitCNodeBits: 4,
		Regions: []bootinfo.UntypedRegion{
			{Paddr: 0x10000000, SizeBits: 16},
			{Paddr: 0x20000000, SizeBits: 20},
			{Paddr: 0xfee00000, SizeBits: 12, IsDevice: true},
		},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	low, high := info.PhysicalBounds()
	if low != 0x10000000 {
		t.Fatalf("low = %#x, want %#x", low, 0x10000000)
	}

	wantHigh := uint64(0xfee00000 + 1<<12)
	if high != wantHigh {
		t.Fatalf("high = %#x, want %#x", high, wantHigh)
	}

	wantTotal := uint64(1<<16) + uint64(1<<20)
	if got := info.TotalNonDeviceBytes(); got != wantTotal {
		t.Fatalf("TotalNonDeviceBytes = %d, want %d", got, wantTotal)
	}
}
