// Package kernel is an in-process model of the capability-invocation
// primitives a seL4-like microkernel exposes to its root task: untyped
// retyping, CNode slot operations, page-table walking, IRQ handler
// binding, TCB configuration, and the two IPC primitives (endpoint
// send/receive, notification signal/poll).
//
// It models the kernel in software for the same reason an emulator
// models a CPU instead of running on real silicon: the allocators and
// the loader built on top of it (internal/untyped, internal/cspace,
// internal/mapping, internal/frametable, internal/irq,
// internal/elfloader, internal/bootstrap) need a kernel that actually
// enforces the same invariants so their behaviour can be tested without
// a seL4 boot environment.
package kernel

import "fmt"

// CPtr identifies an object by the capability slot address at which some
// instance of it was minted into its owner's address space. CPtr zero is
// the null / invalid sentinel and is never allocated to a real object.
type CPtr uint64

const NullCPtr CPtr = 0

func (c CPtr) String() string { return fmt.Sprintf("%#x", uint64(c)) }

// Rights is the access-rights bitmask carried by a capability.
type Rights uint8

const (
	CanRead Rights = 1 << iota
	CanWrite
	CanGrant
)

const AllRights = CanRead | CanWrite | CanGrant

func (r Rights) String() string {
	s := ""
	if r&CanRead != 0 {
		s += "r"
	}

	if r&CanWrite != 0 {
		s += "w"
	}

	if r&CanGrant != 0 {
		s += "g"
	}

	if s == "" {
		return "-"
	}

	return s
}

// ObjectType enumerates the kernel object kinds the root task retypes
// untyped memory into.
type ObjectType int

const (
	ObjNone ObjectType = iota
	ObjUntyped
	ObjCNode
	ObjFrame
	ObjPageTable
	ObjPageDirectory
	ObjPageUpperDirectory
	ObjVSpace
	ObjTCB
	ObjEndpoint
	ObjNotification
	ObjIRQHandler
	ObjASIDPool
	ObjSchedContext
	ObjReply
)

func (t ObjectType) String() string {
	switch t {
	case ObjUntyped:
		return "Untyped"
	case ObjCNode:
		return "CNode"
	case ObjFrame:
		return "Frame"
	case ObjPageTable:
		return "PageTable"
	case ObjPageDirectory:
		return "PageDirectory"
	case ObjPageUpperDirectory:
		return "PageUpperDirectory"
	case ObjVSpace:
		return "VSpace"
	case ObjTCB:
		return "TCB"
	case ObjEndpoint:
		return "Endpoint"
	case ObjNotification:
		return "Notification"
	case ObjIRQHandler:
		return "IRQHandler"
	case ObjASIDPool:
		return "ASIDPool"
	case ObjSchedContext:
		return "SchedContext"
	case ObjReply:
		return "Reply"
	default:
		return "None"
	}
}

// Slot addresses a capability: the index'th slot of a CNode object.
type Slot struct {
	CNode CPtr
	Index uint64
}

func (s Slot) String() string { return fmt.Sprintf("%s[%d]", s.CNode, s.Index) }

// Capability is the contents of an occupied slot.
type Capability struct {
	Target CPtr // the object the capability refers to; NullCPtr if the slot is empty
	Badge  uint64
	Rights Rights
}

func (c Capability) Empty() bool { return c.Target == NullCPtr }

// Level names an intermediate paging structure that MapPage may report
// missing from a lookup.
type Level int

const (
	LevelPageUpperDirectory Level = iota + 1
	LevelPageDirectory
	LevelPageTable
)

func (l Level) ObjectType() ObjectType {
	switch l {
	case LevelPageUpperDirectory:
		return ObjPageUpperDirectory
	case LevelPageDirectory:
		return ObjPageDirectory
	case LevelPageTable:
		return ObjPageTable
	default:
		return ObjNone
	}
}

func (l Level) String() string {
	switch l {
	case LevelPageUpperDirectory:
		return "page-upper-directory"
	case LevelPageDirectory:
		return "page-directory"
	case LevelPageTable:
		return "page-table"
	default:
		return "unknown-level"
	}
}

// LookupError is returned by MapPage when an intermediate paging structure
// is absent. The mapping helper (internal/mapping) retries after supplying
// the missing level.
type LookupError struct {
	Level Level
	VAddr uint64
}

func (e *LookupError) Error() string {
	return fmt.Sprintf("lookup failed at %s for vaddr %#x", e.Level, e.VAddr)
}

// AlreadyMappedError is returned by MapPage when the target page-table slot
// already holds a different frame.
type AlreadyMappedError struct {
	VAddr    uint64
	Existing CPtr
}

func (e *AlreadyMappedError) Error() string {
	return fmt.Sprintf("already mapped: vaddr %#x holds %s", e.VAddr, e.Existing)
}
