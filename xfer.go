package virtnvme

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/virtnvme/virtnvme/nvme"
	"github.com/virtnvme/virtnvme/pcilink"
)

const (
	// dmaMinSize is the transfer size above which the DMA engine is
	// worth the setup cost; anything smaller goes through an MMIO copy
	// even when DMA is available.
	dmaMinSize = 4096

	defaultXferTimeout = time.Second
)

// transferer moves data between local buffers and host memory over the
// endpoint link. The strategy is fixed at construction: MMIO window
// copies always work, and a DMA engine is used on top of them for
// large transfers when the transport has one.
//
// Mapping windows are a shared hardware resource; a weighted semaphore
// sized to the link's window count serializes access so concurrent
// queue workers cannot starve each other of windows.
type transferer struct {
	l    *logrus.Logger
	link pcilink.Link

	windows *semaphore.Weighted

	dma    bool
	tx, rx pcilink.DMAChannel

	timeout time.Duration
}

func newTransferer(l *logrus.Logger, link pcilink.Link, wantDMA bool, timeout time.Duration) *transferer {
	if timeout <= 0 {
		timeout = defaultXferTimeout
	}
	x := &transferer{
		l:       l,
		link:    link,
		windows: semaphore.NewWeighted(int64(link.MaxWindows())),
		timeout: timeout,
	}
	if wantDMA {
		tx, rx, ok := link.DMA()
		if ok {
			x.dma = true
			x.tx, x.rx = tx, rx
		} else {
			l.Warn("DMA requested but the link has no engine, using MMIO copies")
		}
	}
	return x
}

// transferSegments moves a command's data between its buffer and its
// resolved segments, in segment order. Any failure maps to a transfer
// error status; the command must not complete successfully after one.
func (x *transferer) transferSegments(cmd *command) uint16 {
	off := 0
	for i := 0; i < cmd.nrSegs; i++ {
		seg := cmd.segs[i]
		if off+seg.size > len(cmd.buffer) {
			x.l.WithField("cmd", cmd.opcodeName()).
				Error("Segment list overruns command buffer")
			return nvme.SCInternal | nvme.StatusDNR
		}
		if err := x.transfer(seg, cmd.dir, cmd.buffer[off:off+seg.size]); err != nil {
			x.l.WithError(err).WithField("cmd", cmd.opcodeName()).
				WithField("dir", cmd.dir).
				Error("Segment transfer failed")
			return nvme.SCDataXferError | nvme.StatusDNR
		}
		off += seg.size
	}
	return nvme.SCSuccess
}

// transfer moves one segment. buf must be exactly seg.size long.
func (x *transferer) transfer(seg segment, dir direction, buf []byte) error {
	if len(buf) != seg.size {
		return fmt.Errorf("buffer size %d does not match segment size %d", len(buf), seg.size)
	}
	if seg.size == 0 {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), x.timeout)
	defer cancel()

	if x.dma && seg.size > dmaMinSize {
		return x.dmaTransfer(ctx, seg, dir, buf)
	}
	return x.mmioTransfer(ctx, seg, dir, buf)
}

func (x *transferer) dmaTransfer(ctx context.Context, seg segment, dir direction, buf []byte) error {
	var ch pcilink.DMAChannel
	toHost := dir == dirToHost
	if toHost {
		ch = x.tx
	} else {
		ch = x.rx
	}
	if err := ch.Transfer(ctx, seg.addr, buf, toHost); err != nil {
		return fmt.Errorf("dma %s of %d bytes at %#x: %w", dir, seg.size, seg.addr, err)
	}
	metricXferBytes(dir).Inc(int64(seg.size))
	return nil
}

// mmioTransfer copies through mapping windows, chunking when the link
// maps less than asked for.
func (x *transferer) mmioTransfer(ctx context.Context, seg segment, dir direction, buf []byte) error {
	off := 0
	for off < seg.size {
		n, err := x.mmioChunk(ctx, seg.addr+uint64(off), dir, buf[off:])
		if err != nil {
			return fmt.Errorf("mmio %s at %#x+%d: %w", dir, seg.addr, off, err)
		}
		off += n
	}
	metricXferBytes(dir).Inc(int64(seg.size))
	return nil
}

func (x *transferer) mmioChunk(ctx context.Context, addr uint64, dir direction, buf []byte) (int, error) {
	if err := x.windows.Acquire(ctx, 1); err != nil {
		return 0, err
	}
	defer x.windows.Release(1)

	w, err := x.link.Map(addr, len(buf))
	if err != nil {
		return 0, err
	}
	defer x.link.Unmap(w)

	if dir == dirToHost {
		copy(w.Mem, buf[:w.Size])
	} else {
		copy(buf, w.Mem[:w.Size])
	}
	return w.Size, nil
}
