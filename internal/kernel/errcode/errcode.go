// Package errcode enumerates the error taxonomy the simulated kernel and the
// allocators built on top of it report.
package errcode

// Code identifies a class of failure raised by the kernel or an allocator
// built on top of it. Code values are comparable and are wrapped by
// [github.com/sos-rootserver/sos/internal/kernel.Error].
type Code int

const (
	// None is the zero value and is never returned from a real failure.
	None Code = iota

	// OutOfMemory: no untyped of the requested size is available and none
	// can be split.
	OutOfMemory

	// OutOfSlots: the cspace cannot allocate another capability slot.
	OutOfSlots

	// InvalidSize: size outside the allocator's tracked range.
	InvalidSize

	// MappingFailed: the kernel refused a map operation for a reason
	// other than a missing intermediate paging structure.
	MappingFailed

	// AlreadyMapped: a specific, recoverable map failure observed when
	// two segments overlap a frame.
	AlreadyMapped

	// PermissionConflict: two segments share a frame but request
	// different rights.
	PermissionConflict

	// BadELF: ELF header validation failed.
	BadELF

	// OutOfBits: the IRQ dispatcher has no free identifier bit.
	OutOfBits

	// NotFound: a lookup (paddr -> Ut, name -> archive entry, badge ->
	// process) failed to find an entry.
	NotFound

	// Kernel: any other kernel invocation error, propagated verbatim.
	Kernel
)

func (c Code) String() string {
	switch c {
	case None:
		return "none"
	case OutOfMemory:
		return "out of memory"
	case OutOfSlots:
		return "out of slots"
	case InvalidSize:
		return "invalid size"
	case MappingFailed:
		return "mapping failed"
	case AlreadyMapped:
		return "already mapped"
	case PermissionConflict:
		return "permission conflict"
	case BadELF:
		return "bad ELF"
	case OutOfBits:
		return "out of bits"
	case NotFound:
		return "not found"
	case Kernel:
		return "kernel error"
	default:
		return "unknown error"
	}
}
