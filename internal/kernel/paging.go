package kernel

// paging.go implements the four-level page-table walk: four
// levels (VSpace root -> PUD -> PD -> PT -> Frame), each addressed by a
// slice of the virtual address, with MapPage reporting a LookupError for
// whichever level is missing rather than creating it implicitly.

import (
	"fmt"

	"github.com/sos-rootserver/sos/internal/kernel/errcode"
)

const (
	pudShift = 39
	pdShift  = 30
	ptShift  = 21
	pageShift = 12
	idxMask  = 0x1ff
)

func pudIndex(vaddr uint64) uint64 { return (vaddr >> pudShift) & idxMask }
func pdIndex(vaddr uint64) uint64  { return (vaddr >> pdShift) & idxMask }
func ptIndex(vaddr uint64) uint64  { return (vaddr >> ptShift) & idxMask }
func pageIndex(vaddr uint64) uint64 { return (vaddr >> pageShift) & idxMask }

// MapPagingStructure installs an already-retyped PUD/PD/PT object (struct)
// into its parent at the slot vaddr resolves to for that level. It is the
// operation internal/mapping.MapFrame invokes after retyping a fresh
// structure in response to a LookupError.
func (k *Kernel) MapPagingStructure(vspace, structure CPtr, level Level, vaddr uint64) error {
	structObj, err := k.get(structure)
	if err != nil {
		return err
	}

	if structObj.typ != level.ObjectType() {
		return WrapError("kernel.MapPagingStructure", errcode.Kernel,
			fmt.Errorf("%s is a %s, want %s", structure, structObj.typ, level.ObjectType()))
	}

	var index uint64

	var parent *object

	switch level {
	case LevelPageUpperDirectory:
		index = pudIndex(vaddr)
		parent, err = k.get(vspace)
	case LevelPageDirectory:
		parent, err = k.intermediate(vspace, vaddr, LevelPageUpperDirectory)
		index = pdIndex(vaddr)
	case LevelPageTable:
		parent, err = k.intermediate(vspace, vaddr, LevelPageDirectory)
		index = ptIndex(vaddr)
	default:
		return WrapError("kernel.MapPagingStructure", errcode.Kernel, fmt.Errorf("bad level %v", level))
	}

	if err != nil {
		return err
	}

	if _, exists := parent.children[index]; exists {
		return WrapError("kernel.MapPagingStructure", errcode.Kernel, fmt.Errorf("slot %d already populated", index))
	}

	parent.children[index] = structure

	return nil
}

// intermediate resolves the paging structure of the given level that covers
// vaddr, failing with a LookupError naming the first level that is missing
// on the way down.
func (k *Kernel) intermediate(vspace CPtr, vaddr uint64, level Level) (*object, error) {
	root, err := k.get(vspace)
	if err != nil {
		return nil, err
	}

	pud, ok := root.children[pudIndex(vaddr)]
	if !ok {
		return nil, &LookupError{Level: LevelPageUpperDirectory, VAddr: vaddr}
	}

	pudObj, err := k.get(pud)
	if err != nil {
		return nil, err
	}

	if level == LevelPageUpperDirectory {
		return pudObj, nil
	}

	pd, ok := pudObj.children[pdIndex(vaddr)]
	if !ok {
		return nil, &LookupError{Level: LevelPageDirectory, VAddr: vaddr}
	}

	pdObj, err := k.get(pd)
	if err != nil {
		return nil, err
	}

	if level == LevelPageDirectory {
		return pdObj, nil
	}

	pt, ok := pdObj.children[ptIndex(vaddr)]
	if !ok {
		return nil, &LookupError{Level: LevelPageTable, VAddr: vaddr}
	}

	return k.get(pt)
}

// MapPage installs frame at vaddr within vspace. It returns a *LookupError
// if an intermediate PUD/PD/PT is missing (the caller retypes one and
// retries), an *AlreadyMappedError if the page-table slot
// already holds a different frame, or a generic error for anything else.
// Mapping the same frame at the same vaddr twice with matching rights is a
// no-op, the shared-frame case the loader relies on.
func (k *Kernel) MapPage(vspace, frame CPtr, vaddr uint64, rights Rights) error {
	frameObj, err := k.get(frame)
	if err != nil {
		return err
	}

	if frameObj.typ != ObjFrame {
		return WrapError("kernel.MapPage", errcode.Kernel, fmt.Errorf("%s is not a Frame", frame))
	}

	pt, err := k.intermediate(vspace, vaddr, LevelPageTable)
	if err != nil {
		return err
	}

	idx := pageIndex(vaddr)

	if existing, ok := pt.children[idx]; ok {
		if existing == frame {
			if frameObj.rights != rights {
				return WrapError("kernel.MapPage", errcode.PermissionConflict,
					fmt.Errorf("vaddr %#x remapped with different rights", vaddr))
			}

			return nil
		}

		return &AlreadyMappedError{VAddr: vaddr, Existing: existing}
	}

	pt.children[idx] = frame
	frameObj.mappedVSpace = vspace
	frameObj.mappedVAddr = vaddr
	frameObj.rights = rights

	return nil
}

// LookupPage walks vspace's paging tree and reports the frame mapped at
// vaddr and the rights it was mapped with, for debug dumps and for tests
// reading a child's memory back through its own address space.
func (k *Kernel) LookupPage(vspace CPtr, vaddr uint64) (CPtr, Rights, error) {
	pt, err := k.intermediate(vspace, vaddr, LevelPageTable)
	if err != nil {
		return NullCPtr, 0, err
	}

	frame, ok := pt.children[pageIndex(vaddr)]
	if !ok {
		return NullCPtr, 0, &LookupError{Level: LevelPageTable, VAddr: vaddr}
	}

	frameObj, err := k.get(frame)
	if err != nil {
		return NullCPtr, 0, err
	}

	return frame, frameObj.rights, nil
}

// UnmapPage removes whatever frame is mapped at vaddr, if any.
func (k *Kernel) UnmapPage(vspace CPtr, vaddr uint64) error {
	pt, err := k.intermediate(vspace, vaddr, LevelPageTable)
	if err != nil {
		if _, ok := err.(*LookupError); ok {
			return nil
		}

		return err
	}

	idx := pageIndex(vaddr)

	if frame, ok := pt.children[idx]; ok {
		if frameObj, err := k.get(frame); err == nil {
			frameObj.mappedVSpace = NullCPtr
			frameObj.mappedVAddr = 0
		}

		delete(pt.children, idx)
	}

	return nil
}

// ASIDPoolAssign assigns an ASID to vspace, as required before it can be
// the target of any MapPage call.
func (k *Kernel) ASIDPoolAssign(pool, vspace CPtr) error {
	poolObj, err := k.get(pool)
	if err != nil {
		return err
	}

	if poolObj.typ != ObjASIDPool {
		return WrapError("kernel.ASIDPoolAssign", errcode.Kernel, fmt.Errorf("%s is not an ASIDPool", pool))
	}

	vspaceObj, err := k.get(vspace)
	if err != nil {
		return err
	}

	if vspaceObj.typ != ObjVSpace {
		return WrapError("kernel.ASIDPoolAssign", errcode.Kernel, fmt.Errorf("%s is not a VSpace", vspace))
	}

	vspaceObj.asid = true

	return nil
}
