// Package dma implements the bump-allocated DMA pool used to hand
// device drivers physically contiguous, virtually mapped memory: one
// large page retyped and mapped once at init, then carved up by
// dma_alloc and never freed, matching apps/sos/src/dma.c's "very simple
// DMA" design ("It does not free and only keeps a memory pool big
// enough to get the network drivers booted").
package dma

import (
	"fmt"

	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/kernel/errcode"
	"github.com/sos-rootserver/sos/internal/untyped"
)

// MinAlign is the minimum alignment every allocation is rounded up to
// before the caller's own alignment is applied (the original's
// DMA_ALIGN_BITS = 7, 128 bytes).
const MinAlign = 128

// CacheOp selects one of the three cache maintenance operations Pool
// exposes; the simulated address space has no cache hierarchy, so these
// are accepted and ignored, but kept as named hooks for call-site
// parity with code written against real hardware.
type CacheOp int

const (
	CacheClean CacheOp = iota
	CacheInvalidate
	CacheCleanInvalidate
)

// Pool is one DMA window: a single physically contiguous region, mapped
// once at a fixed virtual base, bump-allocated thereafter.
type Pool struct {
	vbase uint64
	pbase uint64
	size  uint64
	next  uint64 // offset from vbase/pbase of the next free byte
}

// Init retypes the whole of a DMA region (sizeBits bytes of the untyped
// ut the caller has already carved out of the allocator) into frames and
// maps them at vaddr, one frame at a time, and returns a Pool ready for
// Alloc. It mirrors dma_init followed by _dma_fill eagerly mapping the
// entire window up front rather than on first touch, since this module
// has no page-fault path to lazily fill it on.
func Init(k *kernel.Kernel, cspace untyped.Slots, mapper untyped.Mapper, vspace, ut kernel.CPtr, paddr uint64, sizeBits uint, vaddr uint64) (*Pool, error) {
	if sizeBits < kernel.PageBits {
		return nil, kernel.WrapError("dma.Init", errcode.InvalidSize,
			fmt.Errorf("size_bits %d smaller than a page", sizeBits))
	}

	pageSize := uint64(1) << kernel.PageBits
	total := uint64(1) << sizeBits
	pages := total / pageSize

	for i := uint64(0); i < pages; i++ {
		slot, err := cspace.AllocSlot()
		if err != nil {
			return nil, kernel.WrapError("dma.Init", errcode.OutOfSlots, err)
		}

		frame, err := k.RetypeOne(ut, kernel.ObjFrame, kernel.PageBits, slot)
		if err != nil {
			return nil, err
		}

		if err := mapper.MapFrame(cspace, frame, vspace, vaddr+i*pageSize, kernel.CanRead|kernel.CanWrite); err != nil {
			return nil, err
		}
	}

	return &Pool{vbase: vaddr, pbase: paddr, size: total}, nil
}

// Alloc bumps the pool's cursor, rounding first to MinAlign and then to
// align, and returns the virtual and physical addresses of a size-byte
// region. A zero virtual address signals exhaustion, matching
// sos_dma_malloc's NULL-on-failure contract.
func (p *Pool) Alloc(size uint64, align uint64) (vaddr, paddr uint64) {
	next := roundUp(p.next, MinAlign)
	next = roundUp(next, align)

	if next+size > p.size {
		return 0, 0
	}

	p.next = next + size

	return p.vbase + next, p.pbase + next
}

// PhysToVirt and VirtToPhys are affine translations within the pool's
// window; callers are responsible for keeping addresses in range.
func (p *Pool) PhysToVirt(paddr uint64) uint64 { return paddr - p.pbase + p.vbase }
func (p *Pool) VirtToPhys(vaddr uint64) uint64 { return vaddr - p.vbase + p.pbase }

// CacheOp is the no-op stand-in for sos_dma_cache_op: the simulated
// address space has no cache to clean or invalidate.
func (p *Pool) CacheOp(op CacheOp, vaddr, size uint64) {}

func roundUp(v, align uint64) uint64 {
	if align == 0 {
		return v
	}

	return (v + align - 1) &^ (align - 1)
}
