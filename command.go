package virtnvme

import (
	"github.com/virtnvme/virtnvme/backend"
	"github.com/virtnvme/virtnvme/nvme"
)

// direction is the data flow of a command relative to the host.
type direction int

const (
	dirNone     direction = iota
	dirFromHost           // host memory -> local buffer (writes)
	dirToHost             // local buffer -> host memory (reads)
)

func (d direction) String() string {
	switch d {
	case dirFromHost:
		return "from-host"
	case dirToHost:
		return "to-host"
	default:
		return "none"
	}
}

// segment is one contiguous range of host physical memory involved in
// a command's data transfer.
type segment struct {
	addr uint64
	size int
}

// command carries one host submission from fetch to completion.
type command struct {
	cmd  nvme.Command
	sqid uint16
	cqid uint16

	status uint16
	cqe    nvme.Completion

	buffer []byte
	dir    direction

	// Most commands resolve to a single segment; seg backs that case
	// without an allocation, segs points either at seg[:] or at an
	// allocated slice.
	nrSegs int
	seg    [1]segment
	segs   []segment

	ns *backend.Namespace
}

func newCommand(sqid, cqid uint16) *command {
	return &command{
		sqid:   sqid,
		cqid:   cqid,
		status: nvme.SCSuccess,
		dir:    dirNone,
	}
}

// allocSegs sizes the segment list for the worst case of n segments.
func (c *command) allocSegs(n int) {
	if n == 1 {
		c.segs = c.seg[:]
	} else {
		c.segs = make([]segment, n)
	}
	c.nrSegs = n
}

func (c *command) setStatus(sc uint16) {
	c.status = sc | nvme.StatusDNR
}

func (c *command) opcodeName() string {
	if c.sqid == 0 {
		return nvme.AdminOpcodeName(c.cmd.Opcode)
	}
	return nvme.IOOpcodeName(c.cmd.Opcode)
}
