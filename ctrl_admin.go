package virtnvme

import (
	"context"
	"encoding/binary"
	"math/bits"

	"github.com/virtnvme/virtnvme/nvme"
)

// execAdmin handles one admin command. Queue management and the
// features tied to queue topology are answered by the emulation
// itself; identify, log pages and abort are served by the backend and
// then patched to describe the emulated controller rather than the
// backing one.
func (c *Controller) execAdmin(cmd *command) {
	switch cmd.cmd.Opcode {
	case nvme.AdminCreateCQ:
		c.adminCreateCQ(cmd)
	case nvme.AdminCreateSQ:
		c.adminCreateSQ(cmd)
	case nvme.AdminDeleteCQ:
		c.adminDeleteCQ(cmd)
	case nvme.AdminDeleteSQ:
		c.adminDeleteSQ(cmd)
	case nvme.AdminIdentify:
		c.adminPassthrough(cmd, nvme.IdentifyDataLen, c.patchIdentify)
	case nvme.AdminGetLogPage:
		c.adminPassthrough(cmd, cmd.cmd.LogPageLen(), c.patchLogPage)
	case nvme.AdminSetFeatures:
		c.adminSetFeatures(cmd)
	case nvme.AdminGetFeatures:
		c.adminGetFeatures(cmd)
	case nvme.AdminAbort:
		c.adminPassthrough(cmd, 0, nil)
	case nvme.AdminAsyncEvent:
		// Parked; see execCommand.
	default:
		cmd.setStatus(nvme.SCInvalidOpcode)
	}

	if cmd.status != nvme.SCSuccess {
		c.l.WithField("cmd", cmd.opcodeName()).
			WithField("status", nvme.StatusName(cmd.status&^nvme.StatusDNR)).
			Debug("Admin command failed")
	}
}

func (c *Controller) adminCreateCQ(cmd *command) {
	qid := cmd.cmd.QID()
	if qid == 0 {
		cmd.setStatus(nvme.SCQIDInvalid)
		return
	}
	if cmd.cmd.PRP1 == 0 {
		cmd.setStatus(nvme.SCInvalidField)
		return
	}
	st := c.createCQ(qid, cmd.cmd.QSize(), cmd.cmd.IRQVector(), cmd.cmd.QFlags(), cmd.cmd.PRP1)
	if st != nvme.SCSuccess {
		cmd.setStatus(st)
	}
}

func (c *Controller) adminCreateSQ(cmd *command) {
	qid := cmd.cmd.QID()
	if qid == 0 {
		cmd.setStatus(nvme.SCQIDInvalid)
		return
	}
	if cmd.cmd.PRP1 == 0 {
		cmd.setStatus(nvme.SCInvalidField)
		return
	}
	st := c.createSQ(qid, cmd.cmd.CQID(), cmd.cmd.QSize(), cmd.cmd.QFlags(), cmd.cmd.PRP1)
	if st != nvme.SCSuccess {
		cmd.setStatus(st)
	}
}

func (c *Controller) adminDeleteCQ(cmd *command) {
	qid := cmd.cmd.QID()
	if qid == 0 {
		cmd.setStatus(nvme.SCQIDInvalid)
		return
	}
	if st := c.deleteCQ(qid); st != nvme.SCSuccess {
		cmd.setStatus(st)
	}
}

func (c *Controller) adminDeleteSQ(cmd *command) {
	qid := cmd.cmd.QID()
	if qid == 0 {
		cmd.setStatus(nvme.SCQIDInvalid)
		return
	}
	if st := c.deleteSQ(qid); st != nvme.SCSuccess {
		cmd.setStatus(st)
	}
}

// adminPassthrough serves a command from the backend with an optional
// host-visible data phase and a patch hook applied before the data
// goes out.
func (c *Controller) adminPassthrough(cmd *command, size int, patch func(*command)) {
	// The length is host-chosen; bound it before any buffer exists.
	if size > c.mdts {
		cmd.setStatus(nvme.SCInvalidField)
		return
	}
	if size > 0 {
		cmd.dir = dirToHost
		cmd.buffer = make([]byte, size)
		if st := c.resolveSegments(cmd); st != nvme.SCSuccess {
			cmd.status = st
			return
		}
	}

	st, result, err := c.backend.Submit(context.Background(), &cmd.cmd, cmd.buffer)
	if err != nil {
		c.l.WithError(err).WithField("cmd", cmd.opcodeName()).
			Error("Backend failed an admin command")
		cmd.setStatus(nvme.SCInternal)
		return
	}
	cmd.status = st
	cmd.cqe.Result = result
	if st != nvme.SCSuccess || size == 0 {
		return
	}

	if patch != nil {
		patch(cmd)
	}
	if st := c.xfer.transferSegments(cmd); st != nvme.SCSuccess {
		cmd.status = st
	}
}

// patchIdentify rewrites the fields of an identify controller page
// where the emulated controller differs from the backing one.
func (c *Controller) patchIdentify(cmd *command) {
	if cmd.cmd.CNS() != nvme.CNSController {
		return
	}
	b := cmd.buffer

	// The host is talking to this endpoint, not the backing
	// controller behind it.
	binary.LittleEndian.PutUint16(b[0:2], c.vid) // VID
	binary.LittleEndian.PutUint16(b[2:4], c.vid) // SSVID

	// MDTS in units of the minimum page size, log2, bounded by what
	// the transfer layer accepts.
	b[77] = uint8(bits.Len(uint(c.mdts/4096)) - 1)
	b[76] = 0                                    // CMIC: single port, single controller
	b[265] = 0                                   // APSTA: no autonomous power states
	binary.LittleEndian.PutUint32(b[536:540], 0) // SGLS: not supported
}

// patchLogPage marks the queue and feature commands the emulation
// answers itself as supported in the commands supported and effects
// page; the backend only knows about the commands it serves.
func (c *Controller) patchLogPage(cmd *command) {
	if cmd.cmd.LogPageID() != nvme.LogCmdEffects {
		return
	}
	b := cmd.buffer
	for _, op := range []uint8{
		nvme.AdminDeleteSQ, nvme.AdminCreateSQ,
		nvme.AdminDeleteCQ, nvme.AdminCreateCQ,
		nvme.AdminSetFeatures, nvme.AdminGetFeatures,
	} {
		off := int(op) * 4
		if off+4 > len(b) {
			continue
		}
		acs := binary.LittleEndian.Uint32(b[off:])
		binary.LittleEndian.PutUint32(b[off:], acs|nvme.CmdEffectsCSUPP)
	}
}

// ioQueuesResult encodes the fixed number of I/O queue pairs as the
// 0-based NSQR/NCQR pair of the number of queues feature.
func (c *Controller) ioQueuesResult() uint32 {
	n := uint32(c.nrQueues - 2)
	return n | n<<16
}

// hasIOQueues reports whether any I/O queue exists right now.
func (c *Controller) hasIOQueues() bool {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	for qid := 1; qid < c.nrQueues; qid++ {
		if c.sq[qid] != nil || c.cq[qid] != nil {
			return true
		}
	}
	return false
}

func (c *Controller) adminSetFeatures(cmd *command) {
	switch cmd.cmd.FeatureID() {
	case nvme.FeatNumQueues:
		// 0xffff in either half is a reserved count encoding.
		if cmd.cmd.CDW11&0xffff == 0xffff || cmd.cmd.CDW11>>16 == 0xffff {
			cmd.setStatus(nvme.SCInvalidField)
			return
		}
		// Queue topology cannot change under live I/O queues.
		if c.hasIOQueues() {
			cmd.setStatus(nvme.SCCmdSeqError)
			return
		}
		cmd.cqe.Result = c.ioQueuesResult()

	case nvme.FeatArbitration, nvme.FeatIRQCoalesce:
		c.featMu.Lock()
		c.feats[cmd.cmd.FeatureID()] = cmd.cmd.CDW11
		c.featMu.Unlock()

	default:
		// Features the emulation does not own belong to the backing
		// controller.
		c.adminPassthrough(cmd, 0, nil)
	}
}

func (c *Controller) adminGetFeatures(cmd *command) {
	switch cmd.cmd.FeatureID() {
	case nvme.FeatNumQueues:
		cmd.cqe.Result = c.ioQueuesResult()

	case nvme.FeatArbitration, nvme.FeatIRQCoalesce:
		c.featMu.Lock()
		cmd.cqe.Result = c.feats[cmd.cmd.FeatureID()]
		c.featMu.Unlock()

	default:
		c.adminPassthrough(cmd, 0, nil)
	}
}
