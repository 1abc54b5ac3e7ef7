package kernel

// ipc.go implements the two IPC primitives the syscall loop blocks on:
// Endpoint send/receive carrying a small fixed message plus a badge
// identifying the sender, and Notification signal/poll used for IRQ
// delivery. Both are modeled as simple in-process queues;
// there is exactly one reader (the root task's server loop), so no
// multi-waiter ordering semantics are needed.

import (
	"fmt"

	"github.com/sos-rootserver/sos/internal/kernel/errcode"
)

// MessageWords is the number of message-register words a Message
// carries: the syscall number plus three arguments.
const MessageWords = 4

// NullFaultLabel is the message-info label a well-behaved user thread uses
// to perform an ordinary, voluntary IPC Call on its fault endpoint: a
// syscall. Every other label value on that same endpoint is a
// kernel-reported fault.
const NullFaultLabel uint64 = 0

// Message is one IPC transfer: a badge identifying the capability the
// sender invoked through, a message-info label (seL4's convention: zero
// means an ordinary, unlabelled IPC; nonzero identifies a kernel-reported
// fault type), and a small fixed word payload the syscall loop's own
// convention reads the syscall number and arguments from.
type Message struct {
	Badge uint64
	Label uint64
	Words [MessageWords]uint64
}

// Send enqueues msg on ep, badged with the rights-derived badge already on
// the sending capability. This model is non-blocking: a Send never fails
// for lack of a waiting receiver, since the sole receiver in this root task
// is the long-running server loop.
func (k *Kernel) Send(ep CPtr, msg Message) error {
	obj, err := k.get(ep)
	if err != nil {
		return err
	}

	if obj.typ != ObjEndpoint {
		return WrapError("kernel.Send", errcode.Kernel, fmt.Errorf("%s is not an Endpoint", ep))
	}

	obj.queue = append(obj.queue, msg)

	return nil
}

// Recv blocks conceptually until a message is available on ep; in this
// synchronous model it simply reports whether one was already queued. The
// caller (internal/syscall's loop) is expected to poll in its own event
// loop alongside notification Poll calls.
func (k *Kernel) Recv(ep CPtr) (Message, bool, error) {
	obj, err := k.get(ep)
	if err != nil {
		return Message{}, false, err
	}

	if obj.typ != ObjEndpoint {
		return Message{}, false, WrapError("kernel.Recv", errcode.Kernel, fmt.Errorf("%s is not an Endpoint", ep))
	}

	if len(obj.queue) == 0 {
		return Message{}, false, nil
	}

	msg := obj.queue[0]
	obj.queue = obj.queue[1:]

	return msg, true, nil
}

// Signal ORs badge into ntfn's pending word, waking a waiter polling it.
// Multiple signals before a Poll coalesce, matching seL4 notification
// semantics and letting the IRQ dispatcher batch several pending lines
// into one wakeup.
func (k *Kernel) Signal(ntfn CPtr, badge uint64) error {
	obj, err := k.get(ntfn)
	if err != nil {
		return err
	}

	if obj.typ != ObjNotification {
		return WrapError("kernel.Signal", errcode.Kernel, fmt.Errorf("%s is not a Notification", ntfn))
	}

	obj.pending |= badge

	return nil
}

// Reply delivers result through a one-shot reply capability created by
// CNodeSaveReply, completing the synchronous rendezvous (seL4_Reply). The
// capability is single-use; the caller is still responsible for freeing
// the cspace slot that held it.
func (k *Kernel) Reply(reply CPtr, result Message) error {
	obj, err := k.get(reply)
	if err != nil {
		return err
	}

	if obj.typ != ObjReply {
		return WrapError("kernel.Reply", errcode.Kernel, fmt.Errorf("%s is not a Reply", reply))
	}

	msg := result
	obj.replied = &msg

	return nil
}

// ReplyBadge reports which badge a reply capability was saved for, so the
// syscall loop can log which process a reply is headed to.
func (k *Kernel) ReplyBadge(reply CPtr) (uint64, error) {
	obj, err := k.get(reply)
	if err != nil {
		return 0, err
	}

	if obj.typ != ObjReply {
		return 0, WrapError("kernel.ReplyBadge", errcode.Kernel, fmt.Errorf("%s is not a Reply", reply))
	}

	return obj.faultBadge, nil
}

// ReplyResult returns whatever Reply most recently delivered through
// reply, for tests asserting on the syscall loop's behaviour.
func (k *Kernel) ReplyResult(reply CPtr) (Message, bool, error) {
	obj, err := k.get(reply)
	if err != nil {
		return Message{}, false, err
	}

	if obj.typ != ObjReply {
		return Message{}, false, WrapError("kernel.ReplyResult", errcode.Kernel, fmt.Errorf("%s is not a Reply", reply))
	}

	if obj.replied == nil {
		return Message{}, false, nil
	}

	return *obj.replied, true, nil
}

// Poll returns and clears ntfn's pending word.
func (k *Kernel) Poll(ntfn CPtr) (uint64, error) {
	obj, err := k.get(ntfn)
	if err != nil {
		return 0, err
	}

	if obj.typ != ObjNotification {
		return 0, WrapError("kernel.Poll", errcode.Kernel, fmt.Errorf("%s is not a Notification", ntfn))
	}

	pending := obj.pending
	obj.pending = 0

	return pending, nil
}
