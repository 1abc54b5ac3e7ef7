// Package frametable implements the root task's frame table: a
// memory-efficient doubly linked list of frames threaded through a flat
// arena, the structure the original's frame_table.c documents (and
// leaves as a stub there; the algorithm below is grounded on its
// header's contract, not on any surviving body).
package frametable

import (
	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/kernel/errcode"
	"github.com/sos-rootserver/sos/internal/log"
	"github.com/sos-rootserver/sos/internal/untyped"
)

// PageBits is the size, in address bits, of every frame this table hands
// out (4 KiB).
const PageBits = kernel.PageBits

const noIndex = -1

// FrameRef is a numeric reference to one frame table entry. The zero value
// is not valid; use Valid to test a FrameRef returned from a fallible call.
type FrameRef struct{ index int }

func (r FrameRef) Valid() bool { return r.index != noIndex }

var NullFrame = FrameRef{index: noIndex}

type onList int

const (
	notOnList onList = iota
	onFree
	onAllocated
)

// node is one frame table entry: the page capability backing it, the flat
// cspace address that capability lives at, and the prev/next links for
// whichever of the free or allocated lists it currently sits on. An entry
// is always on exactly one list.
type node struct {
	cptr       kernel.CPtr
	flat       kernel.CPtr
	prev, next int
	list       onList
}

type linkedList struct {
	head, tail int
	length     int
}

func newList() linkedList { return linkedList{head: noIndex, tail: noIndex} }

// Mapper maps one already-retyped frame into the frame table's data
// window. internal/mapping.Helper satisfies this (it also satisfies
// untyped.Mapper and cspace.Mapper with the same method).
type Mapper interface {
	MapFrame(cspace untyped.Slots, frame kernel.CPtr, vspace kernel.CPtr, vaddr uint64, rights kernel.Rights) error
}

// CSpace is the cspace surface the frame table allocates its own bookkeeping
// slots from. Unlike untyped.Slots, AllocSlot here returns the flat cspace
// address a slot was deposited at rather than an already-resolved Slot,
// because FrameSlot hands that address back out to callers (internal/
// elfloader) that mint or copy the frame's capability into a child cspace
// and need a source address to resolve, not just an object handle.
// *cspace.Space satisfies this directly.
type CSpace interface {
	AllocSlot() (kernel.CPtr, error)
	Resolve(kernel.CPtr) (kernel.Slot, error)
}

// slotsAdapter narrows a CSpace back down to untyped.Slots, for the one
// place (Mapper.MapFrame's own internal paging-structure retypes) that
// still wants Slot-returning allocation.
type slotsAdapter struct{ c CSpace }

func (a slotsAdapter) AllocSlot() (kernel.Slot, error) {
	flat, err := a.c.AllocSlot()
	if err != nil {
		return kernel.Slot{}, err
	}

	return a.c.Resolve(flat)
}

func (a slotsAdapter) FreeSlot(kernel.Slot) error { return nil }

// Table is the root task's frame table: every frame it has ever retyped,
// threaded onto a free list or an allocated list.
type Table struct {
	k      *kernel.Kernel
	cspace CSpace
	mapper Mapper
	ut     *untyped.Table
	vspace kernel.CPtr

	// dataWindow is the base of the pre-reserved virtual window each
	// frame is mapped into, one page per arena index: frame i lives at
	// dataWindow + i*4096, and stays mapped there for its entire
	// lifetime, free or allocated, so FrameData can alias it directly.
	dataWindow uint64

	arena []node
	free  linkedList
	alloc linkedList

	log *log.Logger
}

// New constructs an empty frame table. dataWindow must not overlap any
// other permanent mapping in vspace; it must be large enough to cover
// however many frames the workload ultimately allocates.
func New(k *kernel.Kernel, cspace CSpace, mapper Mapper, ut *untyped.Table, vspace kernel.CPtr, dataWindow uint64, logger *log.Logger) *Table {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Table{
		k:          k,
		cspace:     cspace,
		mapper:     mapper,
		ut:         ut,
		vspace:     vspace,
		dataWindow: dataWindow,
		free:       newList(),
		alloc:      newList(),
		log:        logger,
	}
}

// AllocFrame pops the free list's head if non-empty; otherwise it retypes
// and maps a fresh page. Either way the returned frame is threaded onto
// the allocated list before return.
func (t *Table) AllocFrame() (FrameRef, error) {
	if idx := t.free.head; idx != noIndex {
		// Discriminant flips before any link is touched.
		t.arena[idx].list = onAllocated
		t.remove(&t.free, idx)
		t.pushBack(&t.alloc, idx)

		return FrameRef{index: idx}, nil
	}

	idx, err := t.allocFreshFrame()
	if err != nil {
		return NullFrame, err
	}

	t.arena[idx].list = onAllocated
	t.pushBack(&t.alloc, idx)

	return FrameRef{index: idx}, nil
}

// FreeFrame moves ref from the allocated list to the free list without
// zeroing its contents.
func (t *Table) FreeFrame(ref FrameRef) {
	idx := ref.index

	if t.arena[idx].list != onAllocated {
		t.log.Error("frametable: free of a frame not on the allocated list", "index", idx)

		return
	}

	t.arena[idx].list = onFree
	t.remove(&t.alloc, idx)
	t.pushBack(&t.free, idx)
}

// FrameData returns the mutable bytes backing ref's page.
func (t *Table) FrameData(ref FrameRef) ([]byte, error) {
	return t.k.FrameData(t.arena[ref.index].cptr)
}

// FramePage returns the page's raw object handle, the form kernel.FrameData
// and other object-identity-keyed kernel calls need.
func (t *Table) FramePage(ref FrameRef) kernel.CPtr {
	return t.arena[ref.index].cptr
}

// FrameSlot returns the flat cspace address ref's capability was deposited
// at, for callers (the loader) that need to resolve and copy or mint it
// into another cspace rather than invoke the kernel on it directly.
func (t *Table) FrameSlot(ref FrameRef) kernel.CPtr {
	return t.arena[ref.index].flat
}

// FlushFrame and InvalidateFrame are no-ops over the simulated address
// space: there is no cache hierarchy to write back or invalidate. They
// are kept as named hooks for call-site parity with code that runs on
// real hardware.
func (t *Table) FlushFrame(FrameRef)      {}
func (t *Table) InvalidateFrame(FrameRef) {}

// PublishFrame makes ref's contents visible to another address space:
// dcache clean, then icache unify, plus a dcache invalidate when the
// other mapping is writable. The ordering is the contract, not the
// (no-op) operations: write, publish, only then let the child observe.
func (t *Table) PublishFrame(ref FrameRef, childWritable bool) {
	t.FlushFrame(ref)

	if childWritable {
		t.InvalidateFrame(ref)
	}
}

// AllocatedCount and FreeCount report list lengths, for debug dumps and
// tests asserting the discriminant invariant.
func (t *Table) AllocatedCount() int { return t.alloc.length }
func (t *Table) FreeCount() int      { return t.free.length }

func (t *Table) allocFreshFrame() (int, error) {
	page, err := t.ut.AllocPage()
	if err != nil {
		return 0, kernel.WrapError("frametable.allocFreshFrame", errcode.OutOfMemory, err)
	}

	flat, err := t.cspace.AllocSlot()
	if err != nil {
		return 0, kernel.WrapError("frametable.allocFreshFrame", errcode.OutOfSlots, err)
	}

	slot, err := t.cspace.Resolve(flat)
	if err != nil {
		return 0, err
	}

	idx := len(t.arena)
	vaddr := t.dataWindow + uint64(idx)<<PageBits

	frame, err := t.k.RetypeOne(page.CPtr(), kernel.ObjFrame, PageBits, slot)
	if err != nil {
		return 0, err
	}

	if err := t.mapper.MapFrame(slotsAdapter{t.cspace}, frame, t.vspace, vaddr, kernel.CanRead|kernel.CanWrite); err != nil {
		return 0, err
	}

	t.arena = append(t.arena, node{cptr: frame, flat: flat, prev: noIndex, next: noIndex, list: notOnList})
	t.log.Debug("frametable: fresh frame", "index", idx, "vaddr", vaddr)

	return idx, nil
}

func (t *Table) pushBack(l *linkedList, idx int) {
	n := &t.arena[idx]
	n.prev = l.tail
	n.next = noIndex

	if l.tail != noIndex {
		t.arena[l.tail].next = idx
	} else {
		l.head = idx
	}

	l.tail = idx
	l.length++
}

func (t *Table) remove(l *linkedList, idx int) {
	n := &t.arena[idx]

	if n.prev != noIndex {
		t.arena[n.prev].next = n.next
	} else {
		l.head = n.next
	}

	if n.next != noIndex {
		t.arena[n.next].prev = n.prev
	} else {
		l.tail = n.prev
	}

	n.prev, n.next = noIndex, noIndex
	l.length--
}
