package bootstrap_test

import (
	"testing"

	"github.com/sos-rootserver/sos/internal/bootinfo"
	"github.com/sos-rootserver/sos/internal/bootstrap"
	"github.com/sos-rootserver/sos/internal/cspace"
	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/log"
)

func testConfig() (*kernel.Kernel, *bootinfo.Info, bootstrap.Config) {
	k := kernel.New(log.DefaultLogger())

	info, err := bootinfo.Synthesize(k, bootinfo.Config{
		InitCNodeBits: 4,
		Regions: []bootinfo.UntypedRegion{
			{Paddr: 0x10000000, SizeBits: 16},          // stolen for bootstrap's own use
			{Paddr: 0x20000000, SizeBits: 20},          // carved for the dma pool
			{Paddr: 0xfee00000, SizeBits: 12, IsDevice: true},
		},
	})
	if err != nil {
		panic(err)
	}

	cfg := bootstrap.Config{
		TopBits:     4,
		BotBits:     8,
		BudgetPages: 8,
		Layout: bootstrap.Layout{
			UTRefillVaddr:          0x40000000,
			CSpaceBookkeepingVaddr: 0x41000000,
			FrameDataWindow:        0x50000000,
			DMAVaddr:               0x60000000,
			DMASizeBits:            14,
		},
	}

	return k, info, cfg
}

func TestRunProducesSteadyState(t *testing.T) {
	k, info, cfg := testConfig()

	ctx, err := bootstrap.Run(k, info, cfg, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	if ctx.RootCNode == kernel.NullCPtr {
		t.Fatal("expected non-null root cnode")
	}

	if ctx.UT == nil || ctx.CSpace == nil || ctx.Mapper == nil || ctx.Frames == nil || ctx.DMA == nil {
		t.Fatalf("expected every allocator wired, got %+v", ctx)
	}

	if ctx.ConsumedSlots <= 0 {
		t.Fatalf("expected bootstrap to report consumed slots, got %d", ctx.ConsumedSlots)
	}

	if ctx.UT.FreeBytes() == 0 {
		t.Fatal("expected some free bytes left in the untyped table after bootstrap")
	}

	if got := ctx.CSpace.WatermarkLen(); got < cspace.WatermarkSize {
		t.Fatalf("watermark holds %d slots, want %d reserved", got, cspace.WatermarkSize)
	}

	// The new root cspace must address itself at the well-known self-
	// reference slot (flat cptr 0): resolving it should land on a
	// capability whose Target is the root CNode object itself.
	selfSlot, err := ctx.CSpace.Resolve(0)
	if err != nil {
		t.Fatalf("resolve self-reference cptr: %v", err)
	}

	selfCap, err := k.SlotCapability(selfSlot)
	if err != nil {
		t.Fatalf("read self-reference capability: %v", err)
	}

	if selfCap.Target != ctx.RootCNode {
		t.Fatalf("root cspace not self-referential: slot 0 targets %s, want %s", selfCap.Target, ctx.RootCNode)
	}
}

func TestRunSteadyStateAllocatesPages(t *testing.T) {
	k, info, cfg := testConfig()

	ctx, err := bootstrap.Run(k, info, cfg, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	page, err := ctx.UT.AllocPage()
	if err != nil {
		t.Fatalf("AllocPage after bootstrap: %v", err)
	}

	if !page.Valid() {
		t.Fatal("expected a valid page handle")
	}

	frame, err := ctx.Frames.AllocFrame()
	if err != nil {
		t.Fatalf("AllocFrame after bootstrap: %v", err)
	}

	data, err := ctx.Frames.FrameData(frame)
	if err != nil {
		t.Fatalf("FrameData: %v", err)
	}

	if len(data) != 1<<12 {
		t.Fatalf("expected a 4 KiB frame, got %d bytes", len(data))
	}
}

func TestRunDMAPoolAllocates(t *testing.T) {
	k, info, cfg := testConfig()

	ctx, err := bootstrap.Run(k, info, cfg, nil)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}

	vaddr, paddr := ctx.DMA.Alloc(256, 128)
	if vaddr == 0 || paddr == 0 {
		t.Fatal("expected a non-zero dma allocation")
	}
}

func TestRunRejectsOversizedInitCNode(t *testing.T) {
	k := kernel.New(log.DefaultLogger())

	info, err := bootinfo.Synthesize(k, bootinfo.Config{
		InitCNodeBits: 10,
		Regions: []bootinfo.UntypedRegion{
			{Paddr: 0x10000000, SizeBits: 20},
			{Paddr: 0x20000000, SizeBits: 20},
		},
	})
	if err != nil {
		t.Fatalf("Synthesize: %v", err)
	}

	cfg := bootstrap.Config{
		TopBits:     4,
		BotBits:     8, // smaller than InitCNodeBits: must be rejected
		BudgetPages: 8,
		Layout: bootstrap.Layout{
			UTRefillVaddr:          0x40000000,
			CSpaceBookkeepingVaddr: 0x41000000,
			FrameDataWindow:        0x50000000,
			DMAVaddr:               0x60000000,
			DMASizeBits:            14,
		},
	}

	if _, err := bootstrap.Run(k, info, cfg, nil); err == nil {
		t.Fatal("expected an error when the initial cnode does not fit in one bottom cnode")
	}
}
