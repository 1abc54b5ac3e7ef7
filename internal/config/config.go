// Package config holds the root task's fixed virtual-memory layout and
// badge-bit split, constructed by the run and dump commands in
// internal/cli/cmd and threaded
// explicitly through internal/bootstrap, internal/irq and
// internal/elfloader rather than read from package-level state.
package config

import (
	"github.com/sos-rootserver/sos/internal/bootstrap"
	"github.com/sos-rootserver/sos/internal/elfloader"
)

// Layout collects every fixed virtual-address window the root task uses,
// split between the allocator-facing windows bootstrap.Layout already
// tracks and the per-process windows elfloader.Layout tracks.
type Layout struct {
	Allocators bootstrap.Layout
	Process    elfloader.Layout
}

// DefaultLayout is a layout that does not overlap any of its own windows,
// sized generously enough for the demo workloads cmd/sos and the test
// suite boot. A real deployment would size these from the platform's
// actual virtual address width; this model's kernel only checks for
// intra-window overlap, never against hardware limits.
func DefaultLayout() Layout {
	return Layout{
		Allocators: bootstrap.Layout{
			UTRefillVaddr:          0x0000_7000_0000_0000,
			CSpaceBookkeepingVaddr: 0x0000_7000_1000_0000,
			FrameDataWindow:        0x0000_7000_2000_0000,
			DMAVaddr:               0x0000_7000_4000_0000,
			DMASizeBits:            21, // 2 MiB
		},
		Process: elfloader.Layout{
			StackTop:       0x0000_0000_8000_0000,
			StackPages:     4,
			IPCBufferVaddr: 0x0000_0000_7fff_0000,
		},
	}
}

// Badges fixes the badge bit split: the top bit marks a
// notification delivery as IRQ traffic rather than IPC, a configurable run
// of the next bits hands the IRQ dispatcher its per-IRQ identifier bits,
// and everything else is available for per-process badges minted by
// internal/elfloader.
type Badges struct {
	IRQFlagBit uint64 // the single high bit, OR'd into every IRQ notification
	IRQBits    uint64 // mask of bits reserved for IRQ identifiers
}

// DefaultBadges reserves the top bit as the IRQ flag and the next 6 bits
// (one identifier bit per interrupt source, so up to 6 concurrently
// registered sources, more than any workload in this repository's test
// suite registers) as identifier bits.
func DefaultBadges() Badges {
	const flagBit = uint64(1) << 63

	return Badges{
		IRQFlagBit: flagBit,
		IRQBits:    0x3f << 57,
	}
}
