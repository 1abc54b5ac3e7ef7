// Package untyped implements the L1 untyped-memory allocator: a table of
// power-of-two-sized physical memory regions (backed by kernel.ObjUntyped
// capabilities) that is split on demand and never coalesced, mirroring the
// original ut_manager design (apps/sos/src/ut_manager/ut_alloc.c) and
// re-expressed with the arena-plus-stable-index convention the other
// allocators in this tree share (internal/frametable).
package untyped

import (
	"fmt"

	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/kernel/errcode"
	"github.com/sos-rootserver/sos/internal/log"
)

// PageBits is the size, in address bits, of the smallest untyped this
// table hands out through the normal alloc path (4 KiB).
const PageBits = kernel.PageBits

// EndpointBits is the smallest untyped size the splitter is ever asked
// for; seL4's smallest retypable object is an Endpoint.
const EndpointBits = 4

// nodesPerRefill is how many bookkeeping (Ut) entries one pool refill
// creates. Chosen arbitrarily; it has no relationship to the backing
// frame's byte size the way the original's pointer-sized Ut struct did,
// since Go's arena entries are ordinary slice elements, not bytes sliced
// out of a mapped page.
const nodesPerRefill = 64

const noIndex = -1

// Slots is the minimal capability-slot-allocation surface the untyped
// table needs when splitting a region: two fresh slots per split, and the
// one slot the bookkeeping-pool refill's intermediate frame capability
// needs. internal/cspace satisfies this.
type Slots interface {
	AllocSlot() (kernel.Slot, error)
	FreeSlot(kernel.Slot) error
}

// Mapper maps a single frame into a vspace at a fixed virtual address, the
// one operation the bookkeeping-pool refill needs (internal/mapping
// satisfies this, modulo the cspace/slots argument it also takes).
type Mapper interface {
	MapFrame(cspace Slots, frame kernel.CPtr, vspace kernel.CPtr, vaddr uint64, rights kernel.Rights) error
}

// node is one arena entry: either a live Ut (sizeBits >= 0, cptr set) or an
// unused bookkeeping slot sitting in the pool awaiting assignment.
type node struct {
	cptr     kernel.CPtr
	sizeBits uint
	paddr    uint64
	device   bool
	next     int // index of next node on whichever list this node is threaded onto, or noIndex
}

// Ut is a handle to one entry in the table: an untyped capability together
// with its size and physical address. The zero value is not valid; use the
// Valid method to test a Ut returned from a fallible call.
type Ut struct {
	index int
	cptr  kernel.CPtr
	size  uint
	paddr uint64
}

func (u Ut) Valid() bool      { return u.index != noIndex }
func (u Ut) CPtr() kernel.CPtr { return u.cptr }
func (u Ut) SizeBits() uint   { return u.size }
func (u Ut) Paddr() uint64    { return u.paddr }

var Null = Ut{index: noIndex}

// Table is the root task's untyped allocator. It owns no goroutine-safety:
// the whole root task is single-threaded and cooperative.
type Table struct {
	k      *kernel.Kernel
	cspace Slots
	mapper Mapper
	vspace kernel.CPtr

	// scratchVaddr is the fixed virtual address the pool-refill frame is
	// mapped at; only ever one frame is mapped there at a time: each
	// refill unmaps the previous refill's frame and maps its own.
	scratchVaddr uint64

	arena []node

	// free[sizeBits] is the head index of the free list for untypeds of
	// that size, or noIndex.
	free map[uint]int

	// pool is the head index of unused bookkeeping entries available to
	// become new Ut nodes when a split needs two fresh ones.
	pool int

	// deviceByPaddr maps a device untyped's physical address to its
	// arena index; device untypeds are never split or pushed onto a
	// size-keyed free list (alloc_4k_device looks them up directly).
	deviceByPaddr map[uint64]int

	refills int // instrumentation: count of bookkeeping-pool refills

	log *log.Logger
}

// New constructs an empty table. scratchVaddr is the fixed window the
// bookkeeping-pool refill temporarily maps a frame at; it
// must not overlap any other permanent mapping.
func New(k *kernel.Kernel, cspace Slots, mapper Mapper, vspace kernel.CPtr, scratchVaddr uint64, logger *log.Logger) *Table {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Table{
		k:             k,
		cspace:        cspace,
		mapper:        mapper,
		vspace:        vspace,
		scratchVaddr:  scratchVaddr,
		free:          make(map[uint]int),
		pool:          noIndex,
		deviceByPaddr: make(map[uint64]int),
		log:           logger,
	}
}

// SetMapper wires the frame mapper the bookkeeping-pool refill maps its
// backing page with. It exists for the same bootstrap-ordering reason as
// cspace.Space.SetMapper: the mapping helper is constructed on top of
// this very table, so the table is built first and the loop closed after.
func (t *Table) SetMapper(m Mapper) { t.mapper = m }

// Enter registers an existing untyped capability (one the bootstrap
// sequence surveyed from the kernel's boot info) into the table at its
// native size, without retyping anything. Device regions are recorded for
// AllocDevice but never placed on a size-keyed free list.
func (t *Table) Enter(cptr kernel.CPtr, sizeBits uint, paddr uint64, device bool) {
	idx := t.newNode(cptr, sizeBits, paddr, device)

	if device {
		t.deviceByPaddr[paddr] = idx

		return
	}

	t.pushFree(sizeBits, idx)
}

func (t *Table) newNode(cptr kernel.CPtr, sizeBits uint, paddr uint64, device bool) int {
	idx := len(t.arena)
	t.arena = append(t.arena, node{cptr: cptr, sizeBits: sizeBits, paddr: paddr, device: device, next: noIndex})

	return idx
}

func (t *Table) pushFree(sizeBits uint, idx int) {
	head, ok := t.free[sizeBits]
	if !ok {
		head = noIndex
	}

	t.arena[idx].next = head
	t.free[sizeBits] = idx
}

func (t *Table) popFree(sizeBits uint) (int, bool) {
	idx, ok := t.free[sizeBits]
	if !ok || idx == noIndex {
		return noIndex, false
	}

	t.free[sizeBits] = t.arena[idx].next
	t.arena[idx].next = noIndex

	return idx, true
}

// AllocPage is alloc_4k: pop the head of the 4 KiB free list directly. It
// never allocates cspace slots and never recurses, the property that
// breaks the bookkeeping-pool refill's own circularity.
func (t *Table) AllocPage() (Ut, error) {
	idx, ok := t.popFree(PageBits)
	if !ok {
		return Null, kernel.NewError("untyped.AllocPage", errcode.OutOfMemory)
	}

	return t.handle(idx), nil
}

// AllocDevice returns the pre-recorded Ut for a device region at paddr.
func (t *Table) AllocDevice(paddr uint64) (Ut, error) {
	idx, ok := t.deviceByPaddr[paddr]
	if !ok {
		return Null, kernel.WrapError("untyped.AllocDevice", errcode.NotFound,
			fmt.Errorf("no device untyped at paddr %#x", paddr))
	}

	return t.handle(idx), nil
}

// Alloc returns one untyped of the given size, splitting a larger one
// (and refilling the bookkeeping pool if needed).
func (t *Table) Alloc(sizeBits uint) (Ut, error) {
	if sizeBits < EndpointBits || sizeBits > PageBits {
		return Null, kernel.WrapError("untyped.Alloc", errcode.InvalidSize,
			fmt.Errorf("size_bits %d outside [%d, %d]", sizeBits, EndpointBits, PageBits))
	}

	if idx, ok := t.popFree(sizeBits); ok {
		return t.handle(idx), nil
	}

	parent, err := t.Alloc(sizeBits + 1)
	if err != nil {
		return Null, err
	}

	if err := t.ensurePool(2); err != nil {
		return Null, err
	}

	leftIdx := t.takePool()
	rightIdx := t.takePool()

	leftSlot, err := t.cspace.AllocSlot()
	if err != nil {
		return Null, kernel.WrapError("untyped.Alloc", errcode.OutOfSlots, err)
	}

	rightSlot, err := t.cspace.AllocSlot()
	if err != nil {
		return Null, kernel.WrapError("untyped.Alloc", errcode.OutOfSlots, err)
	}

	children, err := t.k.Retype(parent.cptr, kernel.ObjUntyped, sizeBits, []kernel.Slot{leftSlot, rightSlot})
	if err != nil {
		return Null, err
	}

	half := uint64(1) << sizeBits
	t.arena[leftIdx] = node{cptr: children[0], sizeBits: sizeBits, paddr: parent.paddr, next: noIndex}
	t.arena[rightIdx] = node{cptr: children[1], sizeBits: sizeBits, paddr: parent.paddr + half, next: noIndex}

	t.pushFree(sizeBits, leftIdx)
	t.pushFree(sizeBits, rightIdx)

	idx, _ := t.popFree(sizeBits)

	return t.handle(idx), nil
}

// Free returns ut to its size-keyed free list. Untypeds are never
// coalesced back into their parent; splitting is one-way.
func (t *Table) Free(ut Ut) {
	t.pushFree(ut.size, ut.index)
}

func (t *Table) handle(idx int) Ut {
	n := t.arena[idx]

	return Ut{index: idx, cptr: n.cptr, size: n.sizeBits, paddr: n.paddr}
}

// takePool removes and returns the head of the bookkeeping pool. Callers
// must have already called ensurePool for however many entries they need.
func (t *Table) takePool() int {
	idx := t.pool
	t.pool = t.arena[idx].next
	t.arena[idx].next = noIndex

	return idx
}

func (t *Table) poolLen() int {
	n := 0

	for idx := t.pool; idx != noIndex; idx = t.arena[idx].next {
		n++
	}

	return n
}

// ensurePool guarantees at least need unused bookkeeping entries are
// available, refilling once if not.
func (t *Table) ensurePool(need int) error {
	if t.poolLen() >= need {
		return nil
	}

	return t.refillPool()
}

// refillPool is the table's one permitted circularity: it grabs a 4 KiB
// untyped via AllocPage (never Alloc, so it cannot recurse into this
// function), retypes it into a frame, maps that frame into the table's own
// vspace, and grows the arena by nodesPerRefill entries, chaining them onto
// the pool list. The frame is left mapped; nothing in this table's
// lifetime ever needs to reclaim bookkeeping-pool frames.
func (t *Table) refillPool() error {
	page, err := t.AllocPage()
	if err != nil {
		return kernel.WrapError("untyped.refillPool", errcode.OutOfMemory, err)
	}

	slot, err := t.cspace.AllocSlot()
	if err != nil {
		return kernel.WrapError("untyped.refillPool", errcode.OutOfSlots, err)
	}

	frame, err := t.k.RetypeOne(page.cptr, kernel.ObjFrame, PageBits, slot)
	if err != nil {
		return err
	}

	// Each refill reuses the same scratch window; drop whatever frame a
	// prior refill left mapped there before mapping the new one.
	_ = t.k.UnmapPage(t.vspace, t.scratchVaddr)

	if err := t.mapper.MapFrame(t.cspace, frame, t.vspace, t.scratchVaddr, kernel.CanRead|kernel.CanWrite); err != nil {
		return err
	}

	for i := 0; i < nodesPerRefill; i++ {
		idx := len(t.arena)
		t.arena = append(t.arena, node{next: t.pool})
		t.pool = idx
	}

	t.refills++
	t.log.Debug("untyped: bookkeeping pool refilled", "count", nodesPerRefill, "total_refills", t.refills)

	return nil
}

// Refills reports how many times the bookkeeping pool has been refilled,
// for tests asserting scenario A's "exactly one refill" expectation.
func (t *Table) Refills() int { return t.refills }

// FreeBytes sums 2^size_bits across every non-device untyped still on a
// free list, for debug dumps and bootstrap's closing log line.
func (t *Table) FreeBytes() uint64 {
	var total uint64

	for size, head := range t.free {
		for idx := head; idx != noIndex; idx = t.arena[idx].next {
			total += uint64(1) << size
		}
	}

	return total
}
