package kernel_test

import (
	"errors"
	"testing"

	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/kernel/errcode"
	"github.com/sos-rootserver/sos/internal/log"
)

func TestRetype_Frames(tt *testing.T) {
	tt.Parallel()

	k := kernel.New(log.DefaultLogger())
	root := k.BootCNode(8)
	ut := k.BootUntyped(0x1000000, 16, false) // 64 KiB -> 16 frames

	caps, err := k.Retype(ut, kernel.ObjFrame, 12, []kernel.Slot{{CNode: root, Index: 0}, {CNode: root, Index: 1}, {CNode: root, Index: 2}, {CNode: root, Index: 3}, {CNode: root, Index: 4}, {CNode: root, Index: 5}, {CNode: root, Index: 6}, {CNode: root, Index: 7}, {CNode: root, Index: 8}, {CNode: root, Index: 9}, {CNode: root, Index: 10}, {CNode: root, Index: 11}, {CNode: root, Index: 12}, {CNode: root, Index: 13}, {CNode: root, Index: 14}, {CNode: root, Index: 15}})
	if err != nil {
		tt.Fatalf("retype: %v", err)
	}

	if len(caps) != 16 {
		tt.Fatalf("got %d caps, want 16", len(caps))
	}

	if _, err := k.Retype(ut, kernel.ObjFrame, 12, []kernel.Slot{{CNode: root, Index: 16}}); !errors.Is(err, kernel.Sentinel(errcode.OutOfMemory)) {
		tt.Errorf("retype past exhausted capacity: got %v, want OutOfMemory", err)
	}
}

func TestRetype_MultipleCallsAdvanceCursor(tt *testing.T) {
	tt.Parallel()

	k := kernel.New(log.DefaultLogger())
	root := k.BootCNode(8)
	ut := k.BootUntyped(0x1100000, 14, false) // 16 KiB -> 4 frames

	first, err := k.Retype(ut, kernel.ObjFrame, 12, []kernel.Slot{{CNode: root, Index: 0}})
	if err != nil {
		tt.Fatalf("first retype: %v", err)
	}

	second, err := k.Retype(ut, kernel.ObjFrame, 12, []kernel.Slot{{CNode: root, Index: 1}})
	if err != nil {
		tt.Fatalf("second retype: %v", err)
	}

	firstInfo, err := k.Info(first[0])
	if err != nil {
		tt.Fatalf("info: %v", err)
	}

	secondInfo, err := k.Info(second[0])
	if err != nil {
		tt.Fatalf("info: %v", err)
	}

	if secondInfo.Paddr != firstInfo.Paddr+0x1000 {
		tt.Errorf("got second paddr %#x, want %#x", secondInfo.Paddr, firstInfo.Paddr+0x1000)
	}
}

func TestRetype_UntypedChildren(tt *testing.T) {
	tt.Parallel()

	k := kernel.New(log.DefaultLogger())
	root := k.BootCNode(8)
	ut := k.BootUntyped(0x2000000, 16, false)

	// A child larger than its parent is malformed outright.
	_, err := k.Retype(ut, kernel.ObjUntyped, 17, []kernel.Slot{{CNode: root, Index: 0}})
	if !errors.Is(err, kernel.Sentinel(errcode.InvalidSize)) {
		tt.Errorf("got %v, want InvalidSize for an oversized child", err)
	}

	// Children advance the parent's free-index cursor; four halves exceed
	// the parent's capacity.
	firstTwo := []kernel.Slot{{CNode: root, Index: 0}, {CNode: root, Index: 1}}
	if _, err := k.Retype(ut, kernel.ObjUntyped, 15, firstTwo); err != nil {
		tt.Fatalf("splitting into two halves: %v", err)
	}

	_, err = k.Retype(ut, kernel.ObjUntyped, 15, []kernel.Slot{{CNode: root, Index: 2}})
	if !errors.Is(err, kernel.Sentinel(errcode.OutOfMemory)) {
		tt.Errorf("got %v, want OutOfMemory once the parent is consumed", err)
	}
}

func TestCNodeMintCopyMove(tt *testing.T) {
	tt.Parallel()

	k := kernel.New(log.DefaultLogger())
	root := k.BootCNode(8)
	ut := k.BootUntyped(0x3000000, 12, false)

	caps, err := k.Retype(ut, kernel.ObjFrame, 12, []kernel.Slot{{CNode: root, Index: 0}})
	if err != nil {
		tt.Fatalf("retype: %v", err)
	}

	src := kernel.Slot{CNode: root, Index: 0}
	mintDest := kernel.Slot{CNode: root, Index: 1}

	if err := k.CNodeMint(src, mintDest, kernel.CanRead, 0xbad9e); err != nil {
		tt.Fatalf("mint: %v", err)
	}

	minted, err := k.SlotCapability(mintDest)
	if err != nil {
		tt.Fatalf("slot capability: %v", err)
	}

	if minted.Target != caps[0] || minted.Badge != 0xbad9e || minted.Rights != kernel.CanRead {
		tt.Errorf("unexpected minted capability: %+v", minted)
	}

	copyDest := kernel.Slot{CNode: root, Index: 2}
	if err := k.CNodeCopy(mintDest, copyDest, kernel.AllRights); err != nil {
		tt.Fatalf("copy: %v", err)
	}

	copied, err := k.SlotCapability(copyDest)
	if err != nil {
		tt.Fatalf("slot capability: %v", err)
	}

	if copied.Badge != 0xbad9e {
		tt.Errorf("copy lost badge: got %#x", copied.Badge)
	}

	moveDest := kernel.Slot{CNode: root, Index: 3}
	if err := k.CNodeMove(copyDest, moveDest); err != nil {
		tt.Fatalf("move: %v", err)
	}

	if cap, _ := k.SlotCapability(copyDest); !cap.Empty() {
		tt.Errorf("move left source occupied: %+v", cap)
	}

	if err := k.CNodeDelete(moveDest); err != nil {
		tt.Fatalf("delete: %v", err)
	}

	if cap, _ := k.SlotCapability(moveDest); !cap.Empty() {
		tt.Errorf("delete left slot occupied: %+v", cap)
	}
}

func TestMapPage_MissingLevels(tt *testing.T) {
	tt.Parallel()

	k := kernel.New(log.DefaultLogger())
	root := k.BootCNode(8)
	ut := k.BootUntyped(0x4000000, 20, false)
	vspace := k.BootObject(kernel.ObjVSpace, 0)

	frames, err := k.Retype(ut, kernel.ObjFrame, 12, []kernel.Slot{{CNode: root, Index: 0}})
	if err != nil {
		tt.Fatalf("retype frame: %v", err)
	}

	const vaddr = 0x0000_7000_0000_1000

	err = k.MapPage(vspace, frames[0], vaddr, kernel.CanRead|kernel.CanWrite)

	var lookup *kernel.LookupError
	if !errors.As(err, &lookup) || lookup.Level != kernel.LevelPageUpperDirectory {
		tt.Fatalf("got %v, want LookupError at PUD level", err)
	}

	puds, err := k.Retype(ut, kernel.ObjPageUpperDirectory, 12, []kernel.Slot{{CNode: root, Index: 1}})
	if err != nil {
		tt.Fatalf("retype pud: %v", err)
	}

	if err := k.MapPagingStructure(vspace, puds[0], kernel.LevelPageUpperDirectory, vaddr); err != nil {
		tt.Fatalf("map pud: %v", err)
	}

	err = k.MapPage(vspace, frames[0], vaddr, kernel.CanRead|kernel.CanWrite)
	if !errors.As(err, &lookup) || lookup.Level != kernel.LevelPageDirectory {
		tt.Fatalf("got %v, want LookupError at PD level", err)
	}

	pds, err := k.Retype(ut, kernel.ObjPageDirectory, 12, []kernel.Slot{{CNode: root, Index: 2}})
	if err != nil {
		tt.Fatalf("retype pd: %v", err)
	}

	if err := k.MapPagingStructure(vspace, pds[0], kernel.LevelPageDirectory, vaddr); err != nil {
		tt.Fatalf("map pd: %v", err)
	}

	err = k.MapPage(vspace, frames[0], vaddr, kernel.CanRead|kernel.CanWrite)
	if !errors.As(err, &lookup) || lookup.Level != kernel.LevelPageTable {
		tt.Fatalf("got %v, want LookupError at PT level", err)
	}

	pts, err := k.Retype(ut, kernel.ObjPageTable, 12, []kernel.Slot{{CNode: root, Index: 3}})
	if err != nil {
		tt.Fatalf("retype pt: %v", err)
	}

	if err := k.MapPagingStructure(vspace, pts[0], kernel.LevelPageTable, vaddr); err != nil {
		tt.Fatalf("map pt: %v", err)
	}

	if err := k.MapPage(vspace, frames[0], vaddr, kernel.CanRead|kernel.CanWrite); err != nil {
		tt.Fatalf("map page after structures present: %v", err)
	}

	// Remapping the same frame at the same address with matching rights
	// is a no-op, the shared-frame case the loader depends on.
	if err := k.MapPage(vspace, frames[0], vaddr, kernel.CanRead|kernel.CanWrite); err != nil {
		tt.Errorf("idempotent remap failed: %v", err)
	}

	// But a second, different frame at the same address is rejected.
	other, err := k.Retype(ut, kernel.ObjFrame, 12, []kernel.Slot{{CNode: root, Index: 4}})
	if err != nil {
		tt.Fatalf("retype second frame: %v", err)
	}

	var already *kernel.AlreadyMappedError
	if err := k.MapPage(vspace, other[0], vaddr, kernel.CanRead); !errors.As(err, &already) {
		tt.Errorf("got %v, want AlreadyMappedError", err)
	}
}

func TestIRQDispatchRequiresBindAndAck(tt *testing.T) {
	tt.Parallel()

	k := kernel.New(log.DefaultLogger())
	root := k.BootCNode(8)
	ut := k.BootUntyped(0x5000000, 12, false)

	ntfns, err := k.Retype(ut, kernel.ObjNotification, 0, []kernel.Slot{{CNode: root, Index: 0}})
	if err != nil {
		tt.Fatalf("retype notification: %v", err)
	}

	handlerSlot := kernel.Slot{CNode: root, Index: 1}

	handler, err := k.IRQControlGet(7, handlerSlot)
	if err != nil {
		tt.Fatalf("irq control get: %v", err)
	}

	if err := k.IRQHandlerSetNotification(handler, ntfns[0], 1<<3); err != nil {
		tt.Fatalf("set notification: %v", err)
	}

	if err := k.SimulateIRQ(7); err != nil {
		tt.Fatalf("simulate irq: %v", err)
	}

	pending, err := k.Poll(ntfns[0])
	if err != nil {
		tt.Fatalf("poll: %v", err)
	}

	if pending != 1<<3 {
		tt.Errorf("got pending %#x, want %#x", pending, 1<<3)
	}

	if err := k.IRQHandlerAck(handler); err != nil {
		tt.Fatalf("ack: %v", err)
	}
}

func TestSendRecv(tt *testing.T) {
	tt.Parallel()

	k := kernel.New(log.DefaultLogger())
	root := k.BootCNode(8)
	ut := k.BootUntyped(0x6000000, 12, false)

	eps, err := k.Retype(ut, kernel.ObjEndpoint, 0, []kernel.Slot{{CNode: root, Index: 0}})
	if err != nil {
		tt.Fatalf("retype endpoint: %v", err)
	}

	if _, ok, err := k.Recv(eps[0]); err != nil || ok {
		tt.Fatalf("recv on empty endpoint: msg present=%v err=%v", ok, err)
	}

	want := kernel.Message{Badge: 42, Words: [kernel.MessageWords]uint64{1, 2, 3, 4}}
	if err := k.Send(eps[0], want); err != nil {
		tt.Fatalf("send: %v", err)
	}

	got, ok, err := k.Recv(eps[0])
	if err != nil || !ok {
		tt.Fatalf("recv: msg present=%v err=%v", ok, err)
	}

	if got != want {
		tt.Errorf("got %+v, want %+v", got, want)
	}
}
