// Package backend defines the backing storage controller that actually
// satisfies the commands the emulated PCI controller fetches from the
// host, plus an in-memory implementation used for tests and the demo
// mode.
package backend

import (
	"context"
	"errors"

	"github.com/virtnvme/virtnvme/nvme"
)

var ErrStopped = errors.New("backend: controller is stopped")

// Namespace is the resolved handle for one backing namespace.
type Namespace struct {
	ID       uint32
	LBAShift uint8
	Blocks   uint64
}

// DataLen returns the byte length of a 1-based block count on this
// namespace.
func (ns *Namespace) DataLen(blocks uint32) int {
	return int(blocks) << ns.LBAShift
}

// Controller is the backing controller the emulation submits commands
// to. Submit is synchronous: it returns the NVMe status for the
// command and the completion result dword. A non-nil error means the
// backing controller itself failed, which the caller reports as an
// internal error; a command-level failure comes back as a status code
// with a nil error.
type Controller interface {
	Start() error
	Stop()

	Submit(ctx context.Context, cmd *nvme.Command, buf []byte) (status uint16, result uint32, err error)

	// Namespace resolves a namespace id, or reports that it does not
	// exist.
	Namespace(nsid uint32) (*Namespace, bool)

	// CAP and VS seed the emulated controller's registers.
	CAP() uint64
	VS() uint32

	// QueuePairs is the number of queue pairs the backing controller
	// can serve, including the admin pair.
	QueuePairs() int
}
