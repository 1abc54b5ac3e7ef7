// Package irq implements the root task's IRQ dispatcher: a fixed badge
// scheme over one shared notification, with one identifier bit per
// registered interrupt source, grounded on sos/src/irq.c
// (sos_init_irq_dispatch / sos_register_irq_handler /
// sos_handle_irq_notification).
package irq

import (
	"fmt"
	"math/bits"

	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/kernel/errcode"
	"github.com/sos-rootserver/sos/internal/log"
)

// Callback handles one delivered interrupt. It is responsible for
// acknowledging the IRQ through handler before returning, the same
// contract as the original's sos_irq_callback_t.
type Callback func(data any, irqNumber int, handler kernel.CPtr) error

// Slots is the minimal cspace surface Register needs: one fresh slot per
// handler, to retype the IRQHandler capability into.
type Slots interface {
	AllocSlot() (kernel.Slot, error)
}

type handlerEntry struct {
	irqNumber int
	cap       kernel.CPtr
	callback  Callback
	data      any
}

// Dispatcher fans a single shared notification's badge bits out to
// per-IRQ callbacks.
type Dispatcher struct {
	k            *kernel.Kernel
	cspace       Slots
	notification kernel.CPtr

	flagBits  uint64
	identBits uint64
	allocated uint64 // allocated_bits: every bit currently in use, plus everything outside identBits

	handlers map[uint64]*handlerEntry // keyed by identifier bit

	log *log.Logger
}

// Init fixes the global badge scheme: flagBits are OR'd into every
// handler's badge unconditionally; identBits is the pool Register draws
// identifier bits from one at a time. The two must not overlap.
func Init(k *kernel.Kernel, cspace Slots, notification kernel.CPtr, flagBits, identBits uint64, logger *log.Logger) (*Dispatcher, error) {
	if flagBits&identBits != 0 {
		return nil, kernel.WrapError("irq.Init", errcode.Kernel,
			fmt.Errorf("flag bits %#x overlap ident bits %#x", flagBits, identBits))
	}

	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Dispatcher{
		k:            k,
		cspace:       cspace,
		notification: notification,
		flagBits:     flagBits,
		identBits:    identBits,
		allocated:    ^identBits,
		handlers:     make(map[uint64]*handlerEntry),
		log:          logger,
	}, nil
}

// Register allocates one free identifier bit, creates an IRQHandler
// capability for irqNumber, binds it to the shared notification with a
// badge of flagBits | (1 << bit), and records the callback. It returns
// the IRQHandler capability so the caller can acknowledge interrupts
// through it.
func (d *Dispatcher) Register(irqNumber int, edge bool, cb Callback, data any) (kernel.CPtr, error) {
	bit, ok := d.allocBit()
	if !ok {
		return kernel.NullCPtr, kernel.NewError("irq.Register", errcode.OutOfBits)
	}

	handlerSlot, err := d.cspace.AllocSlot()
	if err != nil {
		d.freeBit(bit)
		return kernel.NullCPtr, kernel.WrapError("irq.Register", errcode.OutOfSlots, err)
	}

	handlerCap, err := d.k.IRQControlGet(irqNumber, handlerSlot)
	if err != nil {
		d.freeBit(bit)
		return kernel.NullCPtr, err
	}

	badge := d.flagBits | (uint64(1) << bit)

	if err := d.k.IRQHandlerSetNotification(handlerCap, d.notification, badge); err != nil {
		d.freeBit(bit)
		return kernel.NullCPtr, err
	}

	d.handlers[bit] = &handlerEntry{
		irqNumber: irqNumber,
		cap:       handlerCap,
		callback:  cb,
		data:      data,
	}

	d.log.Info("irq: registered handler", "irq", irqNumber, "badge", badge)

	return handlerCap, nil
}

// HandleNotification masks badge against the identifier bits, dispatches
// the set bits from lowest to highest, and clears each as it is handled,
// stopping at the first callback error (matching
// sos_handle_irq_notification). It returns the badge with every handled
// bit cleared; bits outside the identifier mask pass through untouched.
func (d *Dispatcher) HandleNotification(badge uint64) (uint64, error) {
	unchecked := badge & d.allocated & d.identBits

	for unchecked != 0 {
		bit := uint64(bits.TrailingZeros64(unchecked))

		h, ok := d.handlers[bit]
		if ok && h.callback != nil {
			if err := h.callback(h.data, h.irqNumber, h.cap); err != nil {
				return badge, kernel.WrapError("irq.HandleNotification", errcode.Kernel, err)
			}
		}

		badge &^= uint64(1) << bit
		unchecked = badge & d.allocated & d.identBits
	}

	return badge, nil
}

func (d *Dispatcher) allocBit() (uint64, bool) {
	inverted := ^d.allocated

	if inverted == 0 {
		return 0, false
	}

	bit := uint64(bits.TrailingZeros64(inverted))
	d.allocated |= uint64(1) << bit

	return bit, true
}

func (d *Dispatcher) freeBit(bit uint64) {
	d.allocated &^= uint64(1) << bit
}
