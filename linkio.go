package virtnvme

import (
	"fmt"
	"io"
)

// LinkIO exposes host memory behind the link as an io.ReaderAt and
// io.WriterAt, going through the same window pool and transfer
// strategy as command data. Useful for harnesses and for backends
// that want to stage data in host buffers directly.
type LinkIO struct {
	x *transferer
}

var (
	_ io.ReaderAt = (*LinkIO)(nil)
	_ io.WriterAt = (*LinkIO)(nil)
)

// LinkIO returns a raw host memory accessor for this controller.
func (c *Controller) LinkIO() *LinkIO {
	return &LinkIO{x: c.xfer}
}

func (lio *LinkIO) ReadAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative host address %d", off)
	}
	if err := lio.x.transfer(segment{addr: uint64(off), size: len(p)}, dirFromHost, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

func (lio *LinkIO) WriteAt(p []byte, off int64) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("negative host address %d", off)
	}
	if err := lio.x.transfer(segment{addr: uint64(off), size: len(p)}, dirToHost, p); err != nil {
		return 0, err
	}
	return len(p), nil
}
