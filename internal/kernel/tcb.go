package kernel

// tcb.go implements the handful of TCB invocations the loader and
// bootstrap sequence need: wiring a thread's cspace,
// vspace, IPC buffer and fault endpoint, setting its initial registers, and
// resuming it. This model never actually schedules or runs the thread; it
// only records the configuration so tests can assert on it and so
// internal/syscall has somewhere to read fault badges from.

import (
	"fmt"

	"github.com/sos-rootserver/sos/internal/kernel/errcode"
)

// TCBConfigure wires a TCB's cspace root, vspace root, and IPC buffer,
// mirroring seL4_TCB_Configure. faultEP is the endpoint capability (already
// minted with the process's badge) that receives this thread's faults.
func (k *Kernel) TCBConfigure(tcb, cspaceRoot, vspaceRoot, ipcBufferFrame CPtr, ipcBufferAddr uint64, faultEP CPtr, faultBadge uint64) error {
	obj, err := k.get(tcb)
	if err != nil {
		return err
	}

	if obj.typ != ObjTCB {
		return WrapError("kernel.TCBConfigure", errcode.Kernel, fmt.Errorf("%s is not a TCB", tcb))
	}

	obj.cspaceRoot = cspaceRoot
	obj.vspaceRoot = vspaceRoot
	obj.ipcBufferFrame = ipcBufferFrame
	obj.ipcBufferAddr = ipcBufferAddr
	obj.faultEP = faultEP
	obj.faultBadge = faultBadge

	return nil
}

// TCBSetSchedParams marks the TCB as holding a scheduling context, the
// minimal MCS bookkeeping this model tracks; scheduling policy itself is
// out of scope.
func (k *Kernel) TCBSetSchedParams(tcb, schedContext CPtr) error {
	obj, err := k.get(tcb)
	if err != nil {
		return err
	}

	if obj.typ != ObjTCB {
		return WrapError("kernel.TCBSetSchedParams", errcode.Kernel, fmt.Errorf("%s is not a TCB", tcb))
	}

	if _, err := k.get(schedContext); err != nil {
		return err
	}

	obj.hasSchedCtx = true

	return nil
}

// TCBWriteRegisters sets the thread's initial program counter and stack
// pointer, as written by the loader after building the initial stack.
func (k *Kernel) TCBWriteRegisters(tcb CPtr, pc, sp uint64) error {
	obj, err := k.get(tcb)
	if err != nil {
		return err
	}

	if obj.typ != ObjTCB {
		return WrapError("kernel.TCBWriteRegisters", errcode.Kernel, fmt.Errorf("%s is not a TCB", tcb))
	}

	obj.pc = pc
	obj.sp = sp

	return nil
}

// TCBResume marks the thread runnable. A TCB without a scheduling context
// or an assigned VSpace ASID cannot resume, matching seL4's behaviour.
func (k *Kernel) TCBResume(tcb CPtr) error {
	obj, err := k.get(tcb)
	if err != nil {
		return err
	}

	if obj.typ != ObjTCB {
		return WrapError("kernel.TCBResume", errcode.Kernel, fmt.Errorf("%s is not a TCB", tcb))
	}

	if !obj.hasSchedCtx {
		return WrapError("kernel.TCBResume", errcode.Kernel, fmt.Errorf("%s has no scheduling context", tcb))
	}

	vspaceObj, err := k.get(obj.vspaceRoot)
	if err != nil {
		return WrapError("kernel.TCBResume", errcode.Kernel, fmt.Errorf("%s has no vspace configured", tcb))
	}

	if !vspaceObj.asid {
		return WrapError("kernel.TCBResume", errcode.Kernel, fmt.Errorf("%s vspace has no ASID", tcb))
	}

	obj.resumed = true
	k.log.Info("kernel: tcb resumed", "tcb", tcb, "pc", fmt.Sprintf("%#x", obj.pc), "sp", fmt.Sprintf("%#x", obj.sp))

	return nil
}

// TCBState reports whatever TCBResume/TCBConfigure/TCBWriteRegisters have
// recorded, for tests and debug dumps.
type TCBState struct {
	CSpaceRoot     CPtr
	VSpaceRoot     CPtr
	IPCBufferAddr  uint64
	FaultEndpoint  CPtr
	FaultBadge     uint64
	PC, SP         uint64
	Resumed        bool
	HasSchedCtx    bool
}

func (k *Kernel) TCBState(tcb CPtr) (TCBState, error) {
	obj, err := k.get(tcb)
	if err != nil {
		return TCBState{}, err
	}

	if obj.typ != ObjTCB {
		return TCBState{}, WrapError("kernel.TCBState", errcode.Kernel, fmt.Errorf("%s is not a TCB", tcb))
	}

	return TCBState{
		CSpaceRoot:    obj.cspaceRoot,
		VSpaceRoot:    obj.vspaceRoot,
		IPCBufferAddr: obj.ipcBufferAddr,
		FaultEndpoint: obj.faultEP,
		FaultBadge:    obj.faultBadge,
		PC:            obj.pc,
		SP:            obj.sp,
		Resumed:       obj.resumed,
		HasSchedCtx:   obj.hasSchedCtx,
	}, nil
}
