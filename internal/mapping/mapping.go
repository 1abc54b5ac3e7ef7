// Package mapping implements the L3 page-mapping helper: it maps a frame
// into a vspace, retypes and installs whichever paging structures are
// missing on demand, and retries, mirroring the original's map_frame /
// map_frame_cspace / retype_map_pt|pd|pud family (sos/src/mapping.c).
package mapping

import (
	"errors"

	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/kernel/errcode"
	"github.com/sos-rootserver/sos/internal/untyped"
)

// MaxRetries bounds how many missing paging structures map_frame_impl will
// create in one call: one for each of the PUD/PD/PT levels, never more.
const MaxRetries = 3

// Helper maps frames into a vspace on behalf of a single untyped table and
// kernel, satisfying both internal/untyped.Mapper and internal/cspace.Mapper
// (the two packages never import this one; they only depend on the shape).
type Helper struct {
	k  *kernel.Kernel
	ut *untyped.Table
}

// New builds a Helper. ut supplies the 4 KiB untypeds retype_map_pt/pd/pud
// retype from; it must already be registered with enough free pages to
// cover however many paging structures the caller expects to materialise.
func New(k *kernel.Kernel, ut *untyped.Table) *Helper {
	return &Helper{k: k, ut: ut}
}

// MapFrame implements untyped.Mapper and cspace.Mapper: map the frame at
// vaddr, and on a LookupError retype a fresh paging structure for whichever
// level is missing (drawing a cspace slot from the caller-supplied slots
// source) and retry, up to MaxRetries times.
func (h *Helper) MapFrame(slots untyped.Slots, frame, vspace kernel.CPtr, vaddr uint64, rights kernel.Rights) error {
	return h.mapFrame(slots, nil, nil, frame, vspace, vaddr, rights)
}

// MapFrameWithSlots is map_frame_cspace: the caller supplies its own pool of
// free slots (freeSlots) up front instead of letting the helper draw on the
// cspace's normal allocator, for call sites (the loader, the IPC buffer
// mapper) that must not perturb cspace state while a fault is in flight.
// used has its i'th bit set for every entry of freeSlots this call consumed.
func (h *Helper) MapFrameWithSlots(freeSlots []kernel.Slot, used *uint64, frame, vspace kernel.CPtr, vaddr uint64, rights kernel.Rights) error {
	return h.mapFrame(nil, freeSlots, used, frame, vspace, vaddr, rights)
}

func (h *Helper) mapFrame(slots untyped.Slots, freeSlots []kernel.Slot, used *uint64, frame, vspace kernel.CPtr, vaddr uint64, rights kernel.Rights) error {
	err := h.k.MapPage(vspace, frame, vaddr, rights)

	for attempt := 0; attempt < MaxRetries; attempt++ {
		var lookup *kernel.LookupError
		if !errors.As(err, &lookup) {
			return err
		}

		page, allocErr := h.ut.AllocPage()
		if allocErr != nil {
			return kernel.WrapError("mapping.mapFrame", errcode.OutOfMemory, allocErr)
		}

		var dest kernel.Slot

		if freeSlots != nil {
			if attempt >= len(freeSlots) {
				return kernel.NewError("mapping.mapFrame", errcode.OutOfSlots)
			}

			dest = freeSlots[attempt]

			if used != nil {
				*used |= 1 << uint(attempt)
			}
		} else {
			var slotErr error

			dest, slotErr = slots.AllocSlot()
			if slotErr != nil {
				return kernel.WrapError("mapping.mapFrame", errcode.OutOfSlots, slotErr)
			}
		}

		structure, retypeErr := h.k.RetypeOne(page.CPtr(), lookup.Level.ObjectType(), untyped.PageBits, dest)
		if retypeErr != nil {
			return retypeErr
		}

		if mapErr := h.k.MapPagingStructure(vspace, structure, lookup.Level, vaddr); mapErr != nil {
			return mapErr
		}

		err = h.k.MapPage(vspace, frame, vaddr, rights)
	}

	return err
}
