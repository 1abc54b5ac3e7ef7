// Package cspace implements the L2 capability-space allocator: a one- or
// two-level tree of CNodes addressed by a flat CPtr, tracked with bitmaps
// the way the original two-level design does (libsel4cspace/src/cspace.c),
// including the watermark reservation that breaks the allocation-recursion
// cycle.
package cspace

import (
	"fmt"

	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/kernel/errcode"
	"github.com/sos-rootserver/sos/internal/log"
	"github.com/sos-rootserver/sos/internal/untyped"
)

// WatermarkSize is the number of slots the cspace always keeps pre-
// allocated to break the bottom-CNode-materialisation recursion cycle.
const WatermarkSize = 8

// descriptorsPerPage is how many bottom-level CNode descriptors one
// bookkeeping page's worth of metadata covers before a fresh page must be
// mapped, mirroring the original design's fixed-capacity bookkeeping pages.
const descriptorsPerPage = 32

// Mapper maps one frame into a vspace, consuming cspace slots of its own
// choosing (the watermark, when called from inside cspace) for any
// intermediate paging structures it must create along the way.
type Mapper interface {
	MapFrame(cspace untyped.Slots, frame kernel.CPtr, vspace kernel.CPtr, vaddr uint64, rights kernel.Rights) error
}

type bottomLevel struct {
	cnode   kernel.CPtr
	bitmap  []uint64 // one bit per slot, set == allocated
	free    int
}

// Space is a capability space: either one level (a single CNode, used for
// child processes) or two levels (root CNode of bottom-CNode capabilities,
// used for the root task's own cspace).
type Space struct {
	k      *kernel.Kernel
	root   kernel.CPtr
	vspace kernel.CPtr
	ut     *untyped.Table
	mapper Mapper

	oneLevel bool
	slotBits uint // one-level: total slot bits; two-level: bits per bottom CNode
	topBits  uint // two-level only

	// one-level bookkeeping
	bitmap []uint64
	free   int

	// two-level bookkeeping
	topFull  []uint64 // one bit per top index, set when that bottom CNode has no free slots
	bottoms  []bottomLevel
	descriptorsLeft int // descriptors remaining in the currently mapped bookkeeping page

	bookkeepingVaddr uint64 // fixed scratch window bookkeeping pages are mapped at; reused serially

	watermark []kernel.Slot

	log *log.Logger
}

// NewOneLevel wraps an already-retyped CNode object (sized slotBits) as a
// flat cspace with no bottom level, the layout child processes get.
func NewOneLevel(k *kernel.Kernel, root kernel.CPtr, slotBits uint, logger *log.Logger) *Space {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	n := 1 << slotBits

	return &Space{
		k:        k,
		root:     root,
		oneLevel: true,
		slotBits: slotBits,
		bitmap:   make([]uint64, (n+63)/64),
		free:     n,
		log:      logger,
	}
}

// NewTwoLevel wraps an already-retyped, self-referential root CNode as a
// two-level cspace, the layout the root task's own cspace uses.
// topBits sizes the root CNode's own slot array; botBits sizes each
// bottom-level CNode materialised on demand.
func NewTwoLevel(k *kernel.Kernel, root kernel.CPtr, topBits, botBits uint, vspace kernel.CPtr, ut *untyped.Table, mapper Mapper, bookkeepingVaddr uint64, logger *log.Logger) *Space {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Space{
		k:                k,
		root:             root,
		vspace:           vspace,
		ut:               ut,
		mapper:           mapper,
		slotBits:         botBits,
		topBits:          topBits,
		topFull:          make([]uint64, (1<<topBits+63)/64),
		bottoms:          make([]bottomLevel, 1<<topBits),
		bookkeepingVaddr: bookkeepingVaddr,
		log:              logger,
	}
}

func (s *Space) Root() kernel.CPtr { return s.root }

// SetUntyped wires the untyped table bottom-CNode materialisation draws
// pages from. It is separate from NewTwoLevel because the table's own
// constructor takes this cspace's Slots() view: bootstrap constructs the
// cspace first, then the table, then calls SetUntyped to close the loop.
func (s *Space) SetUntyped(ut *untyped.Table) { s.ut = ut }

// SetMapper wires the mapper used to map fresh bookkeeping pages, for the
// same bootstrap-ordering reason SetUntyped exists: the two-level cspace is
// constructed before the mapping.Helper that depends on its own untyped
// table can exist.
func (s *Space) SetMapper(m Mapper) { s.mapper = m }

// InitWatermark pre-allocates the cspace's reserved slots. Must be called
// once, after the two-level cspace has at least one materialised bottom
// CNode (typically right after bootstrap builds the first one). The
// ordering contract: consume watermark during inner work, complete the
// outer allocation, refill from the now-unblocked allocator.
func (s *Space) InitWatermark() error {
	s.watermark = make([]kernel.Slot, 0, WatermarkSize)

	return s.refillWatermark()
}

func (s *Space) refillWatermark() error {
	for len(s.watermark) < WatermarkSize {
		slot, err := s.AllocSlotRaw()
		if err != nil {
			return kernel.WrapError("cspace.refillWatermark", errcode.OutOfSlots, err)
		}

		s.watermark = append(s.watermark, slot)
	}

	return nil
}

// WatermarkLen reports how many pre-reserved slots the watermark
// currently holds, WatermarkSize in steady state.
func (s *Space) WatermarkLen() int { return len(s.watermark) }

// consumeWatermark pops one pre-reserved slot, used by the bottom-CNode
// materialisation path instead of recursing into AllocSlot.
func (s *Space) consumeWatermark() (kernel.Slot, error) {
	if len(s.watermark) == 0 {
		return kernel.Slot{}, kernel.NewError("cspace.consumeWatermark", errcode.OutOfSlots)
	}

	slot := s.watermark[len(s.watermark)-1]
	s.watermark = s.watermark[:len(s.watermark)-1]

	return slot, nil
}

// watermarkAdapter satisfies untyped.Slots by drawing from the watermark
// instead of the public AllocSlot path, so the untyped table's own
// bookkeeping-pool refill (which runs underneath bottom-CNode
// materialisation) cannot re-enter AllocSlot. Before InitWatermark has run
// (bootstrap's steps 3-11, and InitWatermark's own first fill) the
// watermark is empty; drawing then falls back to AllocSlotRaw, which is
// safe because the bottom CNode being materialised is always seeded with
// free slots before any bookkeeping allocation happens.
type watermarkAdapter struct{ s *Space }

func (w watermarkAdapter) AllocSlot() (kernel.Slot, error) {
	if slot, err := w.s.consumeWatermark(); err == nil {
		return slot, nil
	}

	return w.s.AllocSlotRaw()
}

func (w watermarkAdapter) FreeSlot(kernel.Slot) error { return nil }

// Watermark returns the untyped.Slots view of this cspace's watermark, for
// wiring the UT table used during bottom-CNode materialisation.
func (s *Space) Watermark() untyped.Slots { return watermarkAdapter{s} }

// normalSlots adapts AllocSlotRaw/FreeSlot to untyped.Slots for the
// untyped table's own splitting path (two fresh cspace slots per split),
// which goes through the ordinary allocation path and may itself trigger
// bottom-CNode materialisation (drawing on the watermark, never on this
// same path), but never re-enters untyped.Table.Alloc.
type normalSlots struct{ s *Space }

func (n normalSlots) AllocSlot() (kernel.Slot, error) { return n.s.AllocSlotRaw() }
func (n normalSlots) FreeSlot(kernel.Slot) error      { return nil }

// Slots returns the untyped.Slots view used to wire this cspace into an
// untyped.Table constructor.
func (s *Space) Slots() untyped.Slots { return normalSlots{s} }

// AllocSlot allocates one slot and returns its flat two-level (or
// one-level) address, or the kernel.NullCPtr sentinel when the cspace is
// full.
func (s *Space) AllocSlot() (kernel.CPtr, error) {
	top, bot, err := s.allocIndices()
	if err != nil {
		return kernel.NullCPtr, err
	}

	return s.CPtr(top, bot), nil
}

// AllocSlotRaw is AllocSlot but returns the resolved kernel.Slot directly,
// for callers (the untyped table's splitter, the loader) that invoke
// kernel operations immediately and have no use for the flat cptr.
func (s *Space) AllocSlotRaw() (kernel.Slot, error) {
	top, bot, err := s.allocIndices()
	if err != nil {
		return kernel.Slot{}, err
	}

	if s.oneLevel {
		return kernel.Slot{CNode: s.root, Index: bot}, nil
	}

	return kernel.Slot{CNode: s.bottoms[top].cnode, Index: bot}, nil
}

func (s *Space) allocIndices() (top, bot uint64, err error) {
	if s.oneLevel {
		idx, ok := firstClear(s.bitmap, 1<<s.slotBits)
		if !ok {
			return 0, 0, kernel.NewError("cspace.AllocSlot", errcode.OutOfSlots)
		}

		setBit(s.bitmap, idx)
		s.free--

		return 0, uint64(idx), nil
	}

	usedWatermark := false

	var topIdx, botIdx int

	for {
		var ok bool

		topIdx, ok = firstClear(s.topFull, 1<<s.topBits)
		if !ok {
			return 0, 0, kernel.NewError("cspace.AllocSlot", errcode.OutOfSlots)
		}

		if s.bottoms[topIdx].cnode == kernel.NullCPtr {
			if err := s.materializeBottom(topIdx); err != nil {
				return 0, 0, err
			}

			usedWatermark = true
		}

		botIdx, ok = firstClear(s.bottoms[topIdx].bitmap, 1<<s.slotBits)
		if ok {
			break
		}

		// Materialisation's own bookkeeping (the descriptor frame, the
		// paging structures mapping it) can swallow a small bottom CNode
		// whole; mark it full and keep scanning.
		setBit(s.topFull, topIdx)
	}

	botLevel := &s.bottoms[topIdx]

	setBit(botLevel.bitmap, botIdx)
	botLevel.free--

	if botLevel.free == 0 {
		setBit(s.topFull, topIdx)
	}

	if usedWatermark {
		if err := s.refillWatermark(); err != nil {
			s.log.Warn("cspace: watermark refill failed", "error", err)
		}
	}

	return uint64(topIdx), uint64(botIdx), nil
}

// CPtr computes the flat two-level address for a slot already known to be
// the topIndex'th bottom CNode, for cptr arithmetic bootstrap needs
// (retype orientation, §4.2).
func (s *Space) CPtr(topIndex, botIndex uint64) kernel.CPtr {
	if s.oneLevel {
		return kernel.CPtr(botIndex)
	}

	return kernel.CPtr((topIndex << s.slotBits) | botIndex)
}

// Decompose splits a flat cptr into its top and bottom indices (top is
// always 0 for a one-level cspace).
func (s *Space) Decompose(cptr kernel.CPtr) (topIndex, botIndex uint64) {
	if s.oneLevel {
		return 0, uint64(cptr)
	}

	mask := uint64(1)<<s.slotBits - 1

	return uint64(cptr) >> s.slotBits, uint64(cptr) & mask
}

// Resolve turns a flat cptr into the underlying kernel slot (CNode object,
// index) the kernel's invocations operate on.
func (s *Space) Resolve(cptr kernel.CPtr) (kernel.Slot, error) {
	top, bot := s.Decompose(cptr)

	if s.oneLevel {
		return kernel.Slot{CNode: s.root, Index: bot}, nil
	}

	if top >= uint64(len(s.bottoms)) || s.bottoms[top].cnode == kernel.NullCPtr {
		return kernel.Slot{}, kernel.WrapError("cspace.Resolve", errcode.NotFound, fmt.Errorf("cptr %s has no bottom CNode", cptr))
	}

	return kernel.Slot{CNode: s.bottoms[top].cnode, Index: bot}, nil
}

// MarkAllocated records cptr as occupied without going through the
// allocation path. Bootstrap deposits the root self-mint and the mirror
// copies of the boot capabilities into the bottom CNode directly, and
// their slots must be visible to AllocSlot's bitmap scan before steady
// state begins.
func (s *Space) MarkAllocated(cptr kernel.CPtr) error {
	top, bot := s.Decompose(cptr)

	if s.oneLevel {
		if !bitSet(s.bitmap, int(bot)) {
			setBit(s.bitmap, int(bot))
			s.free--
		}

		return nil
	}

	if top >= uint64(len(s.bottoms)) || s.bottoms[top].cnode == kernel.NullCPtr {
		return kernel.WrapError("cspace.MarkAllocated", errcode.NotFound, fmt.Errorf("cptr %s has no bottom CNode", cptr))
	}

	botLevel := &s.bottoms[top]

	if !bitSet(botLevel.bitmap, int(bot)) {
		setBit(botLevel.bitmap, int(bot))
		botLevel.free--
	}

	if botLevel.free == 0 {
		setBit(s.topFull, int(top))
	}

	return nil
}

// FreeSlot releases a previously allocated cptr back to its bitmap.
func (s *Space) FreeSlot(cptr kernel.CPtr) error {
	top, bot := s.Decompose(cptr)

	if s.oneLevel {
		clearBit(s.bitmap, int(bot))
		s.free++

		return nil
	}

	if top >= uint64(len(s.bottoms)) || s.bottoms[top].cnode == kernel.NullCPtr {
		return kernel.WrapError("cspace.FreeSlot", errcode.NotFound, fmt.Errorf("cptr %s has no bottom CNode", cptr))
	}

	botLevel := &s.bottoms[top]
	wasFull := botLevel.free == 0

	clearBit(botLevel.bitmap, int(bot))
	botLevel.free++

	if wasFull {
		clearBit(s.topFull, int(top))
	}

	return nil
}

// UntypedRetype retypes src into numObjects objects of typ/sizeBits,
// depositing them starting at destCPtr. Each destination cptr is
// resolved to the bottom-level CNode it actually falls in before
// invoking the kernel, never the root.
func (s *Space) UntypedRetype(src kernel.CPtr, typ kernel.ObjectType, sizeBits uint, destCPtr kernel.CPtr, numObjects int) ([]kernel.CPtr, error) {
	dests := make([]kernel.Slot, numObjects)

	for i := 0; i < numObjects; i++ {
		slot, err := s.Resolve(destCPtr + kernel.CPtr(i))
		if err != nil {
			return nil, err
		}

		dests[i] = slot
	}

	return s.k.Retype(src, typ, sizeBits, dests)
}

// SeedBottom installs an already-retyped bottom-level CNode directly,
// bypassing materialisation. Bootstrap uses this for the initial bottom
// CNode(s) it retypes straight out of the stolen untyped in step 3, before
// the watermark exists; every later bottom CNode goes through
// materializeBottom, which depends on at least one seeded CNode already
// having spare capacity so InitWatermark's first refill has somewhere to
// draw slots from without itself needing to materialise anything.
func (s *Space) SeedBottom(topIndex int, cnode kernel.CPtr) {
	s.bottoms[topIndex] = bottomLevel{
		cnode:  cnode,
		bitmap: make([]uint64, (1<<s.slotBits+63)/64),
		free:   1 << s.slotBits,
	}
}

// materializeBottom allocates and installs the topIndex'th bottom-level
// CNode, retyping it directly into its canonical root-level slot. Its
// own bookkeeping-page refill draws on the watermark rather than the
// normal AllocSlot path, so it cannot recurse into itself.
func (s *Space) materializeBottom(topIndex int) error {
	if s.ut == nil {
		return kernel.WrapError("cspace.materializeBottom", errcode.Kernel, fmt.Errorf("two-level cspace has no untyped table"))
	}

	page, err := s.ut.AllocPage()
	if err != nil {
		return err
	}

	cnode, err := s.k.RetypeOne(page.CPtr(), kernel.ObjCNode, s.slotBits, kernel.Slot{CNode: s.root, Index: uint64(topIndex)})
	if err != nil {
		return err
	}

	s.SeedBottom(topIndex, cnode)

	if s.descriptorsLeft == 0 {
		if err := s.refillBookkeepingPage(); err != nil {
			return err
		}
	}

	s.descriptorsLeft--
	s.log.Debug("cspace: materialized bottom cnode", "top_index", topIndex)

	return nil
}

// refillBookkeepingPage maps one fresh frame into the cspace's scratch
// bookkeeping window, standing in for the original's descriptor-table
// page; the descriptor data itself lives in the ordinary Go slices above,
// but the frame is genuinely retyped and mapped so the cptr/slot
// accounting this package's tests assert on matches what a real boot
// would consume.
func (s *Space) refillBookkeepingPage() error {
	page, err := s.ut.AllocPage()
	if err != nil {
		return err
	}

	slot, err := s.consumeWatermark()
	if err != nil {
		// Pre-watermark bootstrap window: the bottom CNode this refill
		// serves was seeded with free slots just above, so the ordinary
		// path terminates without re-entering materialisation.
		slot, err = s.AllocSlotRaw()
		if err != nil {
			return err
		}
	}

	frame, err := s.k.RetypeOne(page.CPtr(), kernel.ObjFrame, untyped.PageBits, slot)
	if err != nil {
		return err
	}

	_ = s.k.UnmapPage(s.vspace, s.bookkeepingVaddr)

	if err := s.mapper.MapFrame(s.Watermark(), frame, s.vspace, s.bookkeepingVaddr, kernel.CanRead|kernel.CanWrite); err != nil {
		return err
	}

	s.descriptorsLeft = descriptorsPerPage

	return nil
}

func firstClear(bm []uint64, n int) (int, bool) {
	for i := 0; i < n; i++ {
		word, bit := i/64, uint(i%64)
		if bm[word]&(1<<bit) == 0 {
			return i, true
		}
	}

	return 0, false
}

func setBit(bm []uint64, i int)   { bm[i/64] |= 1 << uint(i%64) }
func bitSet(bm []uint64, i int) bool { return bm[i/64]&(1<<uint(i%64)) != 0 }
func clearBit(bm []uint64, i int) { bm[i/64] &^= 1 << uint(i%64) }
