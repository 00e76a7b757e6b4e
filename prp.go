package virtnvme

import (
	"encoding/binary"

	"github.com/virtnvme/virtnvme/nvme"
)

// PRP resolution turns a command's data pointer into a list of host
// memory segments. Commands covering at most two memory pages carry
// both addresses inline (PRP1 and PRP2); larger commands point PRP2
// at a list of page entries, and list pages chain through their last
// entry when the data spills past one page of entries.

// prpOfst returns the offset of a PRP within its memory page.
func (c *Controller) prpOfst(prp uint64) int {
	return int(prp & c.mpsMask)
}

// resolveSegments fills cmd.segs from the command's DPTR. cmd.buffer
// must already be sized to the transfer length. Returns an NVMe status.
func (c *Controller) resolveSegments(cmd *command) uint16 {
	size := len(cmd.buffer)
	if size == 0 {
		cmd.nrSegs = 0
		return nvme.SCSuccess
	}
	if size > c.mdts {
		return nvme.SCInvalidField | nvme.StatusDNR
	}
	// SGLs are advertised as unsupported; a host selecting them gets
	// told so rather than silently misread.
	if cmd.cmd.Flags&nvme.CmdFlagSGLAll != 0 {
		return nvme.SCInvalidField | nvme.StatusDNR
	}

	ofst := c.prpOfst(cmd.cmd.PRP1)
	if ofst&0x3 != 0 {
		return nvme.SCPRPInvalidOffset | nvme.StatusDNR
	}

	if size+ofst <= int(c.mps)*2 {
		return c.resolvePRPSimple(cmd)
	}
	return c.resolvePRPList(cmd)
}

// resolvePRPSimple handles transfers that fit in the two inline PRPs.
func (c *Controller) resolvePRPSimple(cmd *command) uint16 {
	size := len(cmd.buffer)
	prp1 := cmd.cmd.PRP1
	prp1Size := int(c.mps) - c.prpOfst(prp1)

	if size <= prp1Size {
		cmd.allocSegs(1)
		cmd.segs[0] = segment{addr: prp1, size: size}
		return nvme.SCSuccess
	}

	prp2 := cmd.cmd.PRP2
	if prp2 == 0 {
		return nvme.SCInvalidField | nvme.StatusDNR
	}
	if c.prpOfst(prp2) != 0 {
		return nvme.SCPRPInvalidOffset | nvme.StatusDNR
	}

	if prp2 == prp1+uint64(prp1Size) {
		// Physically contiguous pages collapse into one segment.
		cmd.allocSegs(1)
		cmd.segs[0] = segment{addr: prp1, size: size}
		return nvme.SCSuccess
	}

	cmd.allocSegs(2)
	cmd.segs[0] = segment{addr: prp1, size: prp1Size}
	cmd.segs[1] = segment{addr: prp2, size: size - prp1Size}
	return nvme.SCSuccess
}

// resolvePRPList walks a PRP list, staging one page of entries at a
// time from host memory. Contiguous entries coalesce into a single
// segment so the transfer layer sees as few mappings as possible.
func (c *Controller) resolvePRPList(cmd *command) uint16 {
	mps := int(c.mps)
	size := len(cmd.buffer)

	prp1 := cmd.cmd.PRP1
	if prp1 == 0 {
		return nvme.SCInvalidField | nvme.StatusDNR
	}

	// Worst case one segment per page plus the partial first page.
	segs := make([]segment, 0, size/mps+2)
	add := func(addr uint64, n int) {
		if last := len(segs) - 1; last >= 0 && segs[last].addr+uint64(segs[last].size) == addr {
			segs[last].size += n
			return
		}
		segs = append(segs, segment{addr: addr, size: n})
	}

	// PRP1 is always data.
	first := min(mps-c.prpOfst(prp1), size)
	add(prp1, first)
	remaining := size - first

	listPtr := cmd.cmd.PRP2
	listBuf := make([]byte, mps)
	for remaining > 0 {
		if listPtr == 0 {
			return nvme.SCInvalidField | nvme.StatusDNR
		}
		// A list pointer may start mid-page but must be dword aligned.
		listOfst := c.prpOfst(listPtr)
		if listOfst&0x3 != 0 {
			return nvme.SCPRPInvalidOffset | nvme.StatusDNR
		}

		nrEntries := (mps - listOfst) / 8
		listSize := nrEntries * 8
		if err := c.xfer.transfer(segment{addr: listPtr, size: listSize}, dirFromHost, listBuf[:listSize]); err != nil {
			c.l.WithError(err).Error("Failed to read PRP list page")
			return nvme.SCDataXferError | nvme.StatusDNR
		}

		listPtr = 0
		for i := 0; i < nrEntries && remaining > 0; i++ {
			entry := binary.LittleEndian.Uint64(listBuf[i*8:])
			if entry == 0 {
				return nvme.SCInvalidField | nvme.StatusDNR
			}

			// The last slot of a full list page chains to the next
			// page of entries when data remains past it.
			if i == nrEntries-1 && remaining > mps {
				listPtr = entry
				break
			}

			if c.prpOfst(entry) != 0 {
				return nvme.SCPRPInvalidOffset | nvme.StatusDNR
			}
			n := min(mps, remaining)
			add(entry, n)
			remaining -= n
		}
	}

	if len(segs) == 1 {
		cmd.allocSegs(1)
		cmd.segs[0] = segs[0]
	} else {
		cmd.segs = segs
		cmd.nrSegs = len(segs)
	}
	return nvme.SCSuccess
}
