package kernel

// kernel.go holds the object store and the untyped/CNode invocation
// primitives. The root task is single-threaded and cooperative, so a
// *Kernel is an explicit value owned by the root-task context; it carries
// no package-level state and needs no synchronization.

import (
	"fmt"

	"github.com/sos-rootserver/sos/internal/kernel/errcode"
	"github.com/sos-rootserver/sos/internal/log"
)

// PageBits is the log2 of the fixed object size the kernel deals in for
// frames and single-page paging structures (4 KiB).
const PageBits = 12

type object struct {
	typ      ObjectType
	sizeBits uint

	// Untyped
	paddr uint64
	device bool
	used  uint64 // bytes already retyped out of this region, advancing left to right

	// CNode
	slots []Capability

	// Frame / mapped paging structures
	data         []byte
	mappedVSpace CPtr
	mappedVAddr  uint64
	rights       Rights

	// PUD / PD / PT / VSpace: child index -> child object
	children map[uint64]CPtr
	asid     bool // VSpace: has an ASID assigned

	// IRQHandler
	irqNumber int
	bound     CPtr // bound notification object
	boundBadge uint64
	acked     bool

	// Endpoint
	queue []Message

	// Notification
	pending uint64

	// Reply
	replied *Message

	// TCB
	cspaceRoot     CPtr
	vspaceRoot     CPtr
	ipcBufferFrame CPtr
	ipcBufferAddr  uint64
	faultEP        CPtr
	faultBadge     uint64
	pc, sp         uint64
	resumed        bool
	hasSchedCtx    bool
}

// Kernel is the in-process object space described in the package doc.
type Kernel struct {
	objects map[CPtr]*object
	next    CPtr
	log     *log.Logger
}

// New creates an empty kernel with no objects.
func New(logger *log.Logger) *Kernel {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Kernel{
		objects: make(map[CPtr]*object),
		next:    1,
		log:     logger,
	}
}

func (k *Kernel) newObject(typ ObjectType, sizeBits uint) CPtr {
	cptr := k.next
	k.next++
	obj := &object{typ: typ, sizeBits: sizeBits}

	switch typ {
	case ObjPageTable, ObjPageDirectory, ObjPageUpperDirectory, ObjVSpace:
		obj.children = make(map[uint64]CPtr)
	}

	k.objects[cptr] = obj

	return cptr
}

func (k *Kernel) get(cptr CPtr) (*object, error) {
	obj, ok := k.objects[cptr]
	if !ok || cptr == NullCPtr {
		return nil, WrapError("kernel.get", errcode.NotFound, fmt.Errorf("no such object: %s", cptr))
	}

	return obj, nil
}

func (k *Kernel) resolve(s Slot) (*Capability, *object, error) {
	cnode, err := k.get(s.CNode)
	if err != nil {
		return nil, nil, err
	}

	if cnode.typ != ObjCNode {
		return nil, nil, WrapError("kernel.resolve", errcode.Kernel, fmt.Errorf("%s is not a CNode", s.CNode))
	}

	if s.Index >= uint64(len(cnode.slots)) {
		return nil, nil, WrapError("kernel.resolve", errcode.Kernel, fmt.Errorf("slot %d out of range", s.Index))
	}

	return &cnode.slots[s.Index], cnode, nil
}

// ObjectInfo is the read-only view of an object exposed to allocators.
type ObjectInfo struct {
	Type     ObjectType
	SizeBits uint
	Paddr    uint64
	IsDevice bool
	UsedBytes uint64
}

// Info reports the static properties of an object.
func (k *Kernel) Info(cptr CPtr) (ObjectInfo, error) {
	obj, err := k.get(cptr)
	if err != nil {
		return ObjectInfo{}, err
	}

	return ObjectInfo{
		Type:      obj.typ,
		SizeBits:  obj.sizeBits,
		Paddr:     obj.paddr,
		IsDevice:  obj.device,
		UsedBytes: obj.used,
	}, nil
}

// BootUntyped registers one of the kernel's boot-time untyped regions. It is
// only ever called by internal/bootinfo while surveying the boot handoff,
// never once bootstrap is complete.
func (k *Kernel) BootUntyped(paddr uint64, sizeBits uint, isDevice bool) CPtr {
	cptr := k.newObject(ObjUntyped, sizeBits)
	obj := k.objects[cptr]
	obj.paddr = paddr
	obj.device = isDevice

	return cptr
}

// BootCNode registers the kernel's initial CNode (the root task's cspace at
// boot, before bootstrap.Run replaces it) with the given radix and returns
// its handle.
func (k *Kernel) BootCNode(sizeBits uint) CPtr {
	cptr := k.newObject(ObjCNode, sizeBits)
	k.objects[cptr].slots = make([]Capability, 1<<sizeBits)

	return cptr
}

// BootCap installs an already-resolved capability into a boot CNode slot,
// used to seed the handful of fixed capabilities boot info hands the root
// task (its own VSpace, TCB, ASID pool, and so on).
func (k *Kernel) BootCap(dest Slot, target CPtr, rights Rights) error {
	cap, _, err := k.resolve(dest)
	if err != nil {
		return err
	}

	*cap = Capability{Target: target, Badge: 0, Rights: rights}

	return nil
}

// BootObject creates an object directly without going through Retype, used
// by internal/bootinfo to seed boot-granted objects (initial VSpace, TCB,
// ASID pool) that do not originate from a boot untyped in this model.
func (k *Kernel) BootObject(typ ObjectType, sizeBits uint) CPtr {
	return k.newObject(typ, sizeBits)
}

// Retype splits src (an Untyped object) into len(dests) objects of the
// given type and size, depositing each resulting capability into the
// corresponding slot of dests. It implements seL4_Untyped_Retype for the
// object types this root task creates.
//
// Each destination slot is passed directly as the (CNode, index) pair to
// deposit into; the bottom-level-CNode-not-the-root retype orientation
// is the caller's responsibility: internal/cspace
// computes which bottom-level CNode each target cptr falls into and
// passes that slot here.
func (k *Kernel) Retype(src CPtr, typ ObjectType, sizeBits uint, dests []Slot) ([]CPtr, error) {
	ut, err := k.get(src)
	if err != nil {
		return nil, err
	}

	if ut.typ != ObjUntyped {
		return nil, NewError("kernel.Retype", errcode.Kernel)
	}

	numObjects := len(dests)
	need := uint64(numObjects) << sizeBits
	have := uint64(1) << ut.sizeBits

	if typ == ObjUntyped {
		// Child untypeds carve the parent left to right through the same
		// free-index cursor frames use; repeated calls eventually consume
		// the parent completely (seL4_Untyped_Retype semantics).
		if sizeBits > ut.sizeBits {
			return nil, WrapError("kernel.Retype", errcode.InvalidSize,
				fmt.Errorf("child of 2^%d from %s of 2^%d", sizeBits, src, ut.sizeBits))
		}

		if ut.used+need > have {
			return nil, WrapError("kernel.Retype", errcode.OutOfMemory,
				fmt.Errorf("%s has %d bytes free, need %d", src, have-ut.used, need))
		}
	} else if typ == ObjFrame || typ == ObjPageTable || typ == ObjPageDirectory || typ == ObjPageUpperDirectory {
		// These object types are always retyped 4 KiB at a time, but a
		// single untyped region may be retyped into any number of them
		// as capacity allows (mirroring seL4's free-index cursor
		// within an Untyped capability).
		if sizeBits != PageBits {
			return nil, NewError("kernel.Retype", errcode.InvalidSize)
		}

		if ut.used+need > have {
			return nil, WrapError("kernel.Retype", errcode.OutOfMemory,
				fmt.Errorf("%s has %d bytes free, need %d", src, have-ut.used, need))
		}
	}

	destCaps := make([]*Capability, numObjects)

	for i, dest := range dests {
		cap, _, err := k.resolve(dest)
		if err != nil {
			return nil, err
		}

		if !cap.Empty() {
			return nil, WrapError("kernel.Retype", errcode.Kernel, fmt.Errorf("%s occupied", dest))
		}

		destCaps[i] = cap
	}

	out := make([]CPtr, numObjects)
	base := ut.paddr + ut.used

	for i := 0; i < numObjects; i++ {
		child := k.newObject(typ, sizeBits)
		childObj := k.objects[child]

		switch typ {
		case ObjUntyped:
			childObj.paddr = base + uint64(i)*(uint64(1)<<sizeBits)
		case ObjFrame:
			childObj.data = make([]byte, 1<<PageBits)
			childObj.paddr = base + uint64(i)*(uint64(1)<<sizeBits)
		case ObjCNode:
			childObj.slots = make([]Capability, 1<<sizeBits)
		case ObjPageTable, ObjPageDirectory, ObjPageUpperDirectory, ObjVSpace:
			childObj.children = make(map[uint64]CPtr)
		}

		*destCaps[i] = Capability{Target: child, Rights: AllRights}
		out[i] = child
	}

	// Only the byte-addressed object types advance the untyped's free-index
	// cursor; lightweight kernel objects (CNode, TCB, Endpoint, ...) are not
	// tracked against the parent's physical footprint in this model.
	switch typ {
	case ObjUntyped, ObjFrame, ObjPageTable, ObjPageDirectory, ObjPageUpperDirectory:
		ut.used += need
	}

	k.log.Debug("kernel: retype", "src", src, "type", typ, "size_bits", sizeBits, "count", numObjects)

	return out, nil
}

// RetypeOne retypes src into a single object of typ deposited at dest, the
// common case every caller but the untyped splitter (which retypes two
// children from one parent in a single invocation) uses.
func (k *Kernel) RetypeOne(src CPtr, typ ObjectType, sizeBits uint, dest Slot) (CPtr, error) {
	out, err := k.Retype(src, typ, sizeBits, []Slot{dest})
	if err != nil {
		return NullCPtr, err
	}

	return out[0], nil
}

// CNodeMint copies the capability at src into dest, overwriting its badge
// and rights. Used to make the root CNode self-referential during
// bootstrap and to badge per-process endpoints and per-IRQ notifications.
func (k *Kernel) CNodeMint(src, dest Slot, rights Rights, badge uint64) error {
	srcCap, _, err := k.resolve(src)
	if err != nil {
		return err
	}

	if srcCap.Empty() {
		return WrapError("kernel.CNodeMint", errcode.Kernel, fmt.Errorf("%s is empty", src))
	}

	destCap, _, err := k.resolve(dest)
	if err != nil {
		return err
	}

	if !destCap.Empty() {
		return WrapError("kernel.CNodeMint", errcode.Kernel, fmt.Errorf("%s occupied", dest))
	}

	*destCap = Capability{Target: srcCap.Target, Rights: rights, Badge: badge}

	return nil
}

// CNodeCopy copies the capability at src into dest, preserving its badge.
func (k *Kernel) CNodeCopy(src, dest Slot, rights Rights) error {
	srcCap, _, err := k.resolve(src)
	if err != nil {
		return err
	}

	if srcCap.Empty() {
		return nil // copying a null cap is a no-op, as in seL4
	}

	destCap, _, err := k.resolve(dest)
	if err != nil {
		return err
	}

	if !destCap.Empty() {
		return WrapError("kernel.CNodeCopy", errcode.Kernel, fmt.Errorf("%s occupied", dest))
	}

	*destCap = Capability{Target: srcCap.Target, Rights: rights, Badge: srcCap.Badge}

	return nil
}

// CNodeMove relocates a capability from src to dest, clearing src.
func (k *Kernel) CNodeMove(src, dest Slot) error {
	srcCap, _, err := k.resolve(src)
	if err != nil {
		return err
	}

	destCap, _, err := k.resolve(dest)
	if err != nil {
		return err
	}

	if !destCap.Empty() {
		return WrapError("kernel.CNodeMove", errcode.Kernel, fmt.Errorf("%s occupied", dest))
	}

	*destCap = *srcCap
	*srcCap = Capability{}

	return nil
}

// CNodeDelete clears a slot.
func (k *Kernel) CNodeDelete(target Slot) error {
	cap, _, err := k.resolve(target)
	if err != nil {
		return err
	}

	*cap = Capability{}

	return nil
}

// CNodeRevoke removes all derived copies of the capability at target. This
// model does not track a derivation tree, so it behaves exactly like
// CNodeDelete.
func (k *Kernel) CNodeRevoke(target Slot) error {
	return k.CNodeDelete(target)
}

// CNodeSaveReply synthesizes the one-shot reply capability generated when
// the root task receives an IPC from badge, and deposits it at dest.
func (k *Kernel) CNodeSaveReply(dest Slot, badge uint64) error {
	destCap, _, err := k.resolve(dest)
	if err != nil {
		return err
	}

	if !destCap.Empty() {
		return WrapError("kernel.CNodeSaveReply", errcode.Kernel, fmt.Errorf("%s occupied", dest))
	}

	reply := k.newObject(ObjReply, 0)
	k.objects[reply].faultBadge = badge
	*destCap = Capability{Target: reply, Rights: AllRights}

	return nil
}

// SlotCapability returns the capability currently occupying a slot, for
// callers (the loader's fault-handler wiring, debug dumps) that need to
// inspect rather than mutate cspace contents.
func (k *Kernel) SlotCapability(s Slot) (Capability, error) {
	cap, _, err := k.resolve(s)
	if err != nil {
		return Capability{}, err
	}

	return *cap, nil
}

// FrameData returns the mutable backing bytes of a frame object, used by
// internal/frametable.Table.FrameData and the loader to write ELF contents.
func (k *Kernel) FrameData(frame CPtr) ([]byte, error) {
	obj, err := k.get(frame)
	if err != nil {
		return nil, err
	}

	if obj.typ != ObjFrame {
		return nil, WrapError("kernel.FrameData", errcode.Kernel, fmt.Errorf("%s is not a Frame", frame))
	}

	return obj.data, nil
}
