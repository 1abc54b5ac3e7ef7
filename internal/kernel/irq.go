package kernel

// irq.go implements the three IRQHandler invocations internal/irq builds
// its dispatcher on: claiming a handler capability for a hardware line,
// binding it to a Notification so signals land in the badge bits the
// dispatcher reads, and acknowledging so the (simulated) interrupt
// controller delivers the next edge.

import (
	"fmt"

	"github.com/sos-rootserver/sos/internal/kernel/errcode"
)

// IRQControlGet claims the handler object for a hardware IRQ number and
// deposits its capability at dest. Each IRQ number may only be claimed
// once; claiming it twice is a configuration bug in the caller.
func (k *Kernel) IRQControlGet(irqNumber int, dest Slot) (CPtr, error) {
	for _, obj := range k.objects {
		if obj.typ == ObjIRQHandler && obj.irqNumber == irqNumber {
			return NullCPtr, WrapError("kernel.IRQControlGet", errcode.Kernel,
				fmt.Errorf("irq %d already claimed", irqNumber))
		}
	}

	handler := k.newObject(ObjIRQHandler, 0)
	k.objects[handler].irqNumber = irqNumber
	k.objects[handler].acked = true // a fresh handler is armed

	destCap, _, err := k.resolve(dest)
	if err != nil {
		return NullCPtr, err
	}

	if !destCap.Empty() {
		return NullCPtr, WrapError("kernel.IRQControlGet", errcode.Kernel, fmt.Errorf("%s occupied", dest))
	}

	*destCap = Capability{Target: handler, Rights: AllRights}

	return handler, nil
}

// IRQHandlerSetNotification binds handler's signals to ntfn, badged with
// badge (typically a single identifier bit).
func (k *Kernel) IRQHandlerSetNotification(handler, ntfn CPtr, badge uint64) error {
	handlerObj, err := k.get(handler)
	if err != nil {
		return err
	}

	if handlerObj.typ != ObjIRQHandler {
		return WrapError("kernel.IRQHandlerSetNotification", errcode.Kernel, fmt.Errorf("%s is not an IRQHandler", handler))
	}

	ntfnObj, err := k.get(ntfn)
	if err != nil {
		return err
	}

	if ntfnObj.typ != ObjNotification {
		return WrapError("kernel.IRQHandlerSetNotification", errcode.Kernel, fmt.Errorf("%s is not a Notification", ntfn))
	}

	handlerObj.bound = ntfn
	handlerObj.boundBadge = badge

	return nil
}

// IRQHandlerAck re-arms handler so the controller may deliver its next
// interrupt. Until acked, SimulateIRQ refuses to fire it again.
func (k *Kernel) IRQHandlerAck(handler CPtr) error {
	handlerObj, err := k.get(handler)
	if err != nil {
		return err
	}

	if handlerObj.typ != ObjIRQHandler {
		return WrapError("kernel.IRQHandlerAck", errcode.Kernel, fmt.Errorf("%s is not an IRQHandler", handler))
	}

	handlerObj.acked = true

	return nil
}

// SimulateIRQ is a test and bootstrap-harness hook standing in for the
// hardware interrupt controller: it signals whichever notification handler
// is bound to, with its configured badge bit ORed into the notification's
// pending word, exactly as real hardware delivery would. It fails if the
// handler was never bound, or was bound but has not been acked since its
// last delivery (mirroring the one-shot nature of the real controller).
func (k *Kernel) SimulateIRQ(irqNumber int) error {
	var handlerObj *object

	for _, obj := range k.objects {
		if obj.typ == ObjIRQHandler && obj.irqNumber == irqNumber {
			handlerObj = obj

			break
		}
	}

	if handlerObj == nil {
		return WrapError("kernel.SimulateIRQ", errcode.NotFound, fmt.Errorf("irq %d not claimed", irqNumber))
	}

	if handlerObj.bound == NullCPtr {
		return WrapError("kernel.SimulateIRQ", errcode.Kernel, fmt.Errorf("irq %d not bound to a notification", irqNumber))
	}

	if !handlerObj.acked {
		return WrapError("kernel.SimulateIRQ", errcode.Kernel, fmt.Errorf("irq %d not acked since its last delivery", irqNumber))
	}

	handlerObj.acked = false

	return k.Signal(handlerObj.bound, handlerObj.boundBadge)
}
