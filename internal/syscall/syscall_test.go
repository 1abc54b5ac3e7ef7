package syscall_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sos-rootserver/sos/internal/cspace"
	"github.com/sos-rootserver/sos/internal/irq"
	"github.com/sos-rootserver/sos/internal/kernel"
	"github.com/sos-rootserver/sos/internal/log"
	"github.com/sos-rootserver/sos/internal/syscall"
)

const slotBits = 6

func newFixture(t *testing.T) (*kernel.Kernel, *cspace.Space, *irq.Dispatcher, kernel.CPtr, kernel.CPtr) {
	t.Helper()

	k := kernel.New(log.DefaultLogger())

	root := k.BootCNode(slotBits)
	space := cspace.NewOneLevel(k, root, slotBits, log.DefaultLogger())

	ntfn := k.BootObject(kernel.ObjNotification, 0)

	dispatcher, err := irq.Init(k, oneLevelIRQSlots{space}, ntfn, 1<<63, 0x3f<<57, log.DefaultLogger())
	if err != nil {
		t.Fatalf("irq.Init: %v", err)
	}

	ep := k.BootObject(kernel.ObjEndpoint, 0)

	return k, space, dispatcher, ep, ntfn
}

// oneLevelIRQSlots adapts cspace.Space's CPtr-returning AllocSlot to the
// Slot-returning shape internal/irq.Slots expects.
type oneLevelIRQSlots struct{ space *cspace.Space }

func (o oneLevelIRQSlots) AllocSlot() (kernel.Slot, error) {
	return o.space.AllocSlotRaw()
}

func TestServerStepDispatchesSyscallAndReplies(t *testing.T) {
	k, space, dispatcher, ep, ntfn := newFixture(t)

	srv := syscall.New(k, space, dispatcher, ep, ntfn, nil)

	var gotBadge uint64
	var gotWords [kernel.MessageWords]uint64

	srv.Handler = func(badge uint64, words [kernel.MessageWords]uint64) [kernel.MessageWords]uint64 {
		gotBadge = badge
		gotWords = words

		return [kernel.MessageWords]uint64{words[0] + 1}
	}

	if err := k.Send(ep, kernel.Message{Badge: 7, Words: [kernel.MessageWords]uint64{42}}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	outcome, err := srv.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	if outcome != syscall.HandledSyscall {
		t.Fatalf("outcome = %v, want HandledSyscall", outcome)
	}

	if gotBadge != 7 || gotWords[0] != 42 {
		t.Fatalf("handler saw badge=%d words=%v", gotBadge, gotWords)
	}

	// The reply slot must have been freed; a fresh AllocSlot should reuse it.
	cptr, err := space.AllocSlot()
	if err != nil {
		t.Fatalf("AllocSlot after reply: %v", err)
	}

	if cptr != 0 {
		t.Fatalf("expected the freed reply slot (0) to be reused, got %s", cptr)
	}
}

func TestServerStepIdleWhenNothingQueued(t *testing.T) {
	k, space, dispatcher, ep, ntfn := newFixture(t)

	srv := syscall.New(k, space, dispatcher, ep, ntfn, nil)

	outcome, err := srv.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	if outcome != syscall.Idle {
		t.Fatalf("outcome = %v, want Idle", outcome)
	}
}

func TestServerStepHandlesIRQBeforeSyscall(t *testing.T) {
	k, space, dispatcher, ep, ntfn := newFixture(t)

	srv := syscall.New(k, space, dispatcher, ep, ntfn, nil)

	var fired bool

	if _, err := dispatcher.Register(3, true, func(data any, irqNumber int, handler kernel.CPtr) error {
		fired = true
		return nil
	}, nil); err != nil {
		t.Fatalf("Register: %v", err)
	}

	// The dispatcher hands out ident bits starting at the mask's lowest
	// bit (57 for the default 0x3f<<57 split).
	if err := k.Signal(ntfn, (uint64(1)<<63)|(uint64(1)<<57)); err != nil {
		t.Fatalf("Signal: %v", err)
	}

	outcome, err := srv.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	if outcome != syscall.HandledIRQ {
		t.Fatalf("outcome = %v, want HandledIRQ", outcome)
	}

	if !fired {
		t.Fatalf("registered callback was not invoked")
	}
}

func TestServerStepTreatsNonZeroLabelAsFault(t *testing.T) {
	k, space, dispatcher, ep, ntfn := newFixture(t)

	srv := syscall.New(k, space, dispatcher, ep, ntfn, nil)

	if err := k.Send(ep, kernel.Message{Badge: 9, Label: 2}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	outcome, err := srv.Step()
	if err == nil {
		t.Fatalf("expected an error from an unrecovered fault")
	}

	if outcome != syscall.Faulted {
		t.Fatalf("outcome = %v, want Faulted", outcome)
	}
}

func TestServerStepFaultCanBeAbsorbed(t *testing.T) {
	k, space, dispatcher, ep, ntfn := newFixture(t)

	srv := syscall.New(k, space, dispatcher, ep, ntfn, nil)
	srv.OnFault = func(badge, label uint64, words [kernel.MessageWords]uint64) bool {
		return true
	}

	if err := k.Send(ep, kernel.Message{Badge: 9, Label: 2}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	outcome, err := srv.Step()
	if err != nil {
		t.Fatalf("Step: %v", err)
	}

	if outcome != syscall.Faulted {
		t.Fatalf("outcome = %v, want Faulted", outcome)
	}
}

func TestServerRunStopsOnUnrecoveredFault(t *testing.T) {
	k, space, dispatcher, ep, ntfn := newFixture(t)

	srv := syscall.New(k, space, dispatcher, ep, ntfn, nil)
	srv.IdlePoll = time.Millisecond

	if err := k.Send(ep, kernel.Message{Badge: 1, Label: 5}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := srv.Run(ctx); err == nil {
		t.Fatalf("expected Run to return the fault error")
	} else if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Run timed out instead of stopping on the fault: %v", err)
	}
}
