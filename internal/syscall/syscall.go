// Package syscall implements the root task's syscall loop, its only
// suspension point. Each iteration blocks
// conceptually on the shared syscall endpoint, branches on the delivered
// badge and message label, and either forwards the delivery to the IRQ
// dispatcher, dispatches a well-formed syscall and replies, or treats any
// other label as a genuine, terminal fault.
//
// The branch structure follows the original's syscall_loop
// (original_source/sos/src/main.c), expressed as a for-select loop that
// runs until its context is cancelled or a fatal error is hit.
package syscall

import (
	"context"
	"fmt"
	"time"

	"github.com/sos-rootserver/sos/internal/irq"
	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/kernel/errcode"
	"github.com/sos-rootserver/sos/internal/log"
)

// Slots is the minimal cspace surface the loop needs to save and free one
// reply capability per syscall.
type Slots interface {
	AllocSlot() (kernel.CPtr, error)
	FreeSlot(kernel.CPtr) error
	Resolve(kernel.CPtr) (kernel.Slot, error)
}

// Handler dispatches one syscall: badge identifies the calling process
// (the per-process badge internal/elfloader minted into its endpoint
// capability) and words is the message's argument payload, words[0] being
// the syscall number per the syscall wire format. It returns the reply
// payload, carried back in a message of equal length.
type Handler func(badge uint64, words [kernel.MessageWords]uint64) [kernel.MessageWords]uint64

// FaultHandler is invoked when the loop receives a message whose label is
// not kernel.NullFaultLabel: a genuine fault from a child. It returns
// whether the loop should keep running; the core's own non-goal is
// recovering faulted children, so the default FaultHandler
// in Server.Run always returns false.
type FaultHandler func(badge, label uint64, words [kernel.MessageWords]uint64) (keepRunning bool)

// Server is the root task's syscall loop: the endpoint user processes and
// the IRQ dispatcher's notification both feed, and the handler/fault
// callbacks that decide what a delivery means.
type Server struct {
	k          *kernel.Kernel
	space      Slots
	dispatcher *irq.Dispatcher
	endpoint   kernel.CPtr
	ntfn       kernel.CPtr

	Handler  Handler
	OnFault  FaultHandler
	IdlePoll time.Duration // how long Run sleeps between empty polls

	log *log.Logger
}

// New builds a Server over an already-created syscall endpoint and the
// shared IRQ notification internal/irq.Init bound to the same
// dispatcher. Handler and OnFault may be set on the returned Server
// before the first call to Run or Step.
func New(k *kernel.Kernel, space Slots, dispatcher *irq.Dispatcher, endpoint, notification kernel.CPtr, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.DefaultLogger()
	}

	return &Server{
		k:          k,
		space:      space,
		dispatcher: dispatcher,
		endpoint:   endpoint,
		ntfn:       notification,
		IdlePoll:   time.Millisecond,
		log:        logger,
	}
}

// Outcome reports what one Step call did, for callers (tests, Run's own
// loop) that want to distinguish idle iterations from real work.
type Outcome int

const (
	Idle Outcome = iota
	HandledIRQ
	HandledSyscall
	Faulted
)

// Step runs exactly one iteration of the loop body: first drain any
// pending IRQ notification (so a batch of coalesced interrupts is fully
// dispatched before a syscall is serviced), then check the syscall
// endpoint for one message.
func (s *Server) Step() (Outcome, error) {
	if s.ntfn != kernel.NullCPtr {
		pending, err := s.k.Poll(s.ntfn)
		if err != nil {
			return Idle, err
		}

		if pending != 0 {
			if _, err := s.dispatcher.HandleNotification(pending); err != nil {
				return Faulted, err
			}

			return HandledIRQ, nil
		}
	}

	msg, ok, err := s.k.Recv(s.endpoint)
	if err != nil {
		return Idle, err
	}

	if !ok {
		return Idle, nil
	}

	if msg.Label != kernel.NullFaultLabel {
		s.log.Error("syscall: genuine fault received", "badge", msg.Badge, "label", msg.Label, "words", msg.Words)

		keepRunning := false
		if s.OnFault != nil {
			keepRunning = s.OnFault(msg.Badge, msg.Label, msg.Words)
		}

		if !keepRunning {
			return Faulted, kernel.WrapError("syscall.Step", errcode.Kernel, faultError{badge: msg.Badge, label: msg.Label})
		}

		return Faulted, nil
	}

	return s.handleSyscall(msg)
}

func (s *Server) handleSyscall(msg kernel.Message) (Outcome, error) {
	replyCPtr, err := s.space.AllocSlot()
	if err != nil {
		return Idle, kernel.WrapError("syscall.handleSyscall", errcode.OutOfSlots, err)
	}

	replySlot, err := s.space.Resolve(replyCPtr)
	if err != nil {
		return Idle, err
	}

	if err := s.k.CNodeSaveReply(replySlot, msg.Badge); err != nil {
		return Idle, err
	}

	defer func() {
		_ = s.k.CNodeDelete(replySlot)
		_ = s.space.FreeSlot(replyCPtr)
	}()

	reply, err := s.k.SlotCapability(replySlot)
	if err != nil {
		return Idle, err
	}

	var result [kernel.MessageWords]uint64

	if s.Handler != nil {
		result = s.Handler(msg.Badge, msg.Words)
	}

	if err := s.k.Reply(reply.Target, kernel.Message{Badge: msg.Badge, Words: result}); err != nil {
		return Idle, err
	}

	s.log.Debug("syscall: dispatched", "badge", msg.Badge, "syscall", msg.Words[0])

	return HandledSyscall, nil
}

// Run executes Step in a loop until ctx is cancelled or Step reports a
// fault the FaultHandler did not absorb: a genuine, unrecovered fault
// aborts the root task.
func (s *Server) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		outcome, err := s.Step()
		if err != nil {
			return err
		}

		if outcome == Idle {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(s.IdlePoll):
			}
		}
	}
}

type faultError struct {
	badge uint64
	label uint64
}

func (e faultError) Error() string {
	return fmt.Sprintf("unrecovered fault from badge %#x, label %d", e.badge, e.label)
}
