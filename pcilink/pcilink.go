// Package pcilink abstracts the PCI endpoint transport under the NVMe
// controller emulation: mapping windows into host memory, raising
// interrupts toward the host, and allocating BAR backing space.
package pcilink

import (
	"context"
	"errors"
)

var (
	// ErrNoWindow is returned by Map when every mapping window of the
	// endpoint controller is in use.
	ErrNoWindow = errors.New("pcilink: no free mapping window")

	// ErrBadAddress is returned by Map for a host address outside the
	// reachable address space.
	ErrBadAddress = errors.New("pcilink: host address out of range")

	// ErrLinkDown is returned when the PCI link is not up.
	ErrLinkDown = errors.New("pcilink: link is down")
)

// Window is an established mapping of a host physical address range
// into local memory. Size may be smaller than requested; the caller
// must detect partial mappings and either chunk or fail.
type Window struct {
	HostAddr uint64
	Size     int
	Mem      []byte
}

// DMAChannel is one offload copy engine channel. Transfer moves
// len(buf) bytes between buf and the host address, blocking until the
// engine signals completion or ctx is done.
type DMAChannel interface {
	Transfer(ctx context.Context, hostAddr uint64, buf []byte, toHost bool) error
}

// Event signals a link state transition from the transport.
type Event int

const (
	EventLinkUp Event = iota
	EventLinkDown
)

// Link is the endpoint transport consumed by the controller emulation.
type Link interface {
	// Map establishes a window over [addr, addr+size). The returned
	// window may cover less than size bytes.
	Map(addr uint64, size int) (*Window, error)

	// Unmap releases a window returned by Map.
	Unmap(w *Window)

	// MaxWindows is the number of windows that may be mapped
	// concurrently.
	MaxWindows() int

	// AllocBAR allocates zeroed BAR backing space of at least size
	// bytes, visible to the host.
	AllocBAR(size int) ([]uint32, error)

	// RaiseIRQ asserts the interrupt vector toward the host. Vector 0
	// is the admin vector.
	RaiseIRQ(vector uint16) error

	// Vectors is the number of interrupt vectors the host allocated.
	Vectors() int

	// DMA returns the offload copy channels if the transport has an
	// engine: a direction-specific (tx, rx) pair, or the same channel
	// twice when only a shared memcpy engine exists. ok is false when
	// there is no engine at all.
	DMA() (tx, rx DMAChannel, ok bool)

	// Events delivers link state transitions. A nil channel means the
	// transport has no notifier and the link is assumed up.
	Events() <-chan Event
}
