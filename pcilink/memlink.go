package pcilink

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// DMAMode selects which offload channels a MemLink simulates.
type DMAMode int

const (
	DMANone   DMAMode = iota // no engine, mmio only
	DMAShared                // one memcpy channel for both directions
	DMADual                  // direction-specific tx/rx pair
)

// MemLinkConfig tunes the simulated endpoint transport.
type MemLinkConfig struct {
	// HostMemSize is the size of the simulated host physical address
	// space, starting at address 0.
	HostMemSize int

	// WindowSize caps a single mapping; larger Map requests return a
	// partial window. Zero means unlimited.
	WindowSize int

	// MaxWindows bounds concurrent mappings. Zero defaults to 8.
	MaxWindows int

	// Vectors is the interrupt vector count. Zero defaults to 16.
	Vectors int

	DMA DMAMode

	// DMADelay adds per-transfer latency to the simulated engine, for
	// exercising transfer timeouts.
	DMADelay time.Duration
}

// MemLink is an in-memory Link over a simulated host address space. It
// backs the unit tests and the mem backend demo mode.
type MemLink struct {
	cfg  MemLinkConfig
	host []byte

	mu      sync.Mutex
	windows int

	irqs []atomic.Uint64

	events chan Event
	up     atomic.Bool

	wedged atomic.Bool
}

func NewMemLink(cfg MemLinkConfig) *MemLink {
	if cfg.MaxWindows == 0 {
		cfg.MaxWindows = 8
	}
	if cfg.Vectors == 0 {
		cfg.Vectors = 16
	}
	l := &MemLink{
		cfg:    cfg,
		host:   make([]byte, cfg.HostMemSize),
		irqs:   make([]atomic.Uint64, cfg.Vectors),
		events: make(chan Event, 4),
	}
	l.up.Store(true)
	return l
}

func (l *MemLink) Map(addr uint64, size int) (*Window, error) {
	if !l.up.Load() {
		return nil, ErrLinkDown
	}
	if size <= 0 || addr >= uint64(len(l.host)) {
		return nil, ErrBadAddress
	}

	l.mu.Lock()
	if l.windows >= l.cfg.MaxWindows {
		l.mu.Unlock()
		return nil, ErrNoWindow
	}
	l.windows++
	l.mu.Unlock()

	if rem := uint64(len(l.host)) - addr; uint64(size) > rem {
		size = int(rem)
	}
	if l.cfg.WindowSize > 0 && size > l.cfg.WindowSize {
		size = l.cfg.WindowSize
	}

	return &Window{
		HostAddr: addr,
		Size:     size,
		Mem:      l.host[addr : addr+uint64(size)],
	}, nil
}

func (l *MemLink) Unmap(w *Window) {
	if w == nil {
		return
	}
	l.mu.Lock()
	l.windows--
	l.mu.Unlock()
}

func (l *MemLink) MaxWindows() int { return l.cfg.MaxWindows }

func (l *MemLink) AllocBAR(size int) ([]uint32, error) {
	return make([]uint32, (size+3)/4), nil
}

func (l *MemLink) RaiseIRQ(vector uint16) error {
	if !l.up.Load() {
		return ErrLinkDown
	}
	if int(vector) >= len(l.irqs) {
		return ErrBadAddress
	}
	l.irqs[vector].Add(1)
	return nil
}

func (l *MemLink) Vectors() int { return l.cfg.Vectors }

func (l *MemLink) DMA() (DMAChannel, DMAChannel, bool) {
	switch l.cfg.DMA {
	case DMAShared:
		ch := &memDMAChannel{link: l}
		return ch, ch, true
	case DMADual:
		return &memDMAChannel{link: l}, &memDMAChannel{link: l}, true
	default:
		return nil, nil, false
	}
}

func (l *MemLink) Events() <-chan Event { return l.events }

// SetLink flips the simulated link state and posts the transition.
func (l *MemLink) SetLink(up bool) {
	l.up.Store(up)
	if up {
		l.events <- EventLinkUp
	} else {
		l.events <- EventLinkDown
	}
}

// Wedge makes every subsequent DMA transfer hang until the context
// expires, to exercise transfer timeouts.
func (l *MemLink) Wedge(on bool) { l.wedged.Store(on) }

// IRQCount reports how many times a vector has been raised.
func (l *MemLink) IRQCount(vector uint16) uint64 {
	return l.irqs[vector].Load()
}

// WriteHost places b into simulated host memory, as the host would.
func (l *MemLink) WriteHost(addr uint64, b []byte) {
	copy(l.host[addr:], b)
}

// ReadHost copies n bytes out of simulated host memory.
func (l *MemLink) ReadHost(addr uint64, n int) []byte {
	out := make([]byte, n)
	copy(out, l.host[addr:])
	return out
}

type memDMAChannel struct {
	link *MemLink
}

func (c *memDMAChannel) Transfer(ctx context.Context, hostAddr uint64, buf []byte, toHost bool) error {
	l := c.link
	if !l.up.Load() {
		return ErrLinkDown
	}
	if hostAddr+uint64(len(buf)) > uint64(len(l.host)) {
		return ErrBadAddress
	}

	if l.wedged.Load() {
		<-ctx.Done()
		return ctx.Err()
	}

	if l.cfg.DMADelay > 0 {
		select {
		case <-time.After(l.cfg.DMADelay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	if toHost {
		copy(l.host[hostAddr:], buf)
	} else {
		copy(buf, l.host[hostAddr:hostAddr+uint64(len(buf))])
	}
	return nil
}
