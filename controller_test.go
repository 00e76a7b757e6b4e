package virtnvme

import (
	"encoding/binary"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtnvme/virtnvme/backend"
	"github.com/virtnvme/virtnvme/nvme"
	"github.com/virtnvme/virtnvme/pcilink"
)

// Host memory layout used by the test harness.
const (
	hostASQ  = 0x10000
	hostACQ  = 0x20000
	hostIOSQ = 0x30000
	hostIOCQ = 0x40000
	hostPRPL = 0x80000
	hostData = 0x100000
)

// testHost drives the controller the way a host NVMe driver would:
// through registers and rings in host memory.
type testHost struct {
	t    *testing.T
	link *pcilink.MemLink
	ctrl *Controller
	be   *backend.Mem
	reg  *nvme.RegBlock

	adminSQ hostSQ
	adminCQ hostCQ
	ioSQ    hostSQ
	ioCQ    hostCQ
}

type hostSQ struct {
	qid   uint16
	addr  uint64
	depth uint16
	tail  uint16
}

type hostCQ struct {
	qid   uint16
	addr  uint64
	depth uint16
	head  uint16
	phase uint16
}

type hostOpts struct {
	cfg      ControllerConfig
	linkCfg  pcilink.MemLinkConfig
	beCfg    backend.MemConfig
	adminLen uint16 // 0-based AQA sizes, 0 means 63
}

func newTestHost(t *testing.T, opts hostOpts) *testHost {
	l := logrus.New()
	l.SetOutput(io.Discard)

	if opts.linkCfg.HostMemSize == 0 {
		opts.linkCfg.HostMemSize = 16 << 20
	}
	link := pcilink.NewMemLink(opts.linkCfg)

	if opts.beCfg.NamespaceSizes == nil {
		opts.beCfg.NamespaceSizes = map[uint32]uint64{1: 8 << 20}
	}
	be, err := backend.NewMem(l, opts.beCfg)
	require.NoError(t, err)
	require.NoError(t, be.Start())

	ctrl, err := NewController(l, link, be, opts.cfg)
	require.NoError(t, err)

	adminLen := opts.adminLen
	if adminLen == 0 {
		adminLen = 63
	}
	h := &testHost{
		t:       t,
		link:    link,
		ctrl:    ctrl,
		be:      be,
		reg:     ctrl.BAR(),
		adminSQ: hostSQ{qid: 0, addr: hostASQ, depth: adminLen + 1},
		adminCQ: hostCQ{qid: 0, addr: hostACQ, depth: adminLen + 1, phase: 1},
	}
	t.Cleanup(func() {
		ctrl.Shutdown()
		be.Stop()
	})
	return h
}

// program writes the admin queue registers and CC the way a driver
// does; the caller decides whether pollCC runs inline or through the
// controller's own poller.
func (h *testHost) program(iosqes, iocqes uint32) {
	aqa := uint32(h.adminSQ.depth-1) | uint32(h.adminCQ.depth-1)<<16
	h.reg.Write32(nvme.RegAQA, aqa)
	h.reg.Write64(nvme.RegASQ, hostASQ)
	h.reg.Write64(nvme.RegACQ, hostACQ)

	cc := nvme.CCEnable | iosqes<<nvme.CCIOSQESShift | iocqes<<nvme.CCIOCQESShift
	h.reg.Write32(nvme.RegCC, cc)
}

func (h *testHost) enable() {
	h.enableWith(6, 4)
}

func (h *testHost) enableWith(iosqes, iocqes uint32) {
	h.program(iosqes, iocqes)
	h.ctrl.pollCC()
}

func (h *testHost) disable() {
	h.reg.Write32(nvme.RegCC, h.reg.Read32(nvme.RegCC)&^nvme.CCEnable)
	h.ctrl.pollCC()
}

func (h *testHost) shutdown() {
	h.reg.Write32(nvme.RegCC, h.reg.Read32(nvme.RegCC)|nvme.CCSHNNormal)
	h.ctrl.pollCC()
}

func (h *testHost) csts() uint32 { return h.reg.Read32(nvme.RegCSTS) }

// submit writes one entry into a submission queue ring and rings its
// tail doorbell.
func (h *testHost) submit(q *hostSQ, cmd *nvme.Command) {
	var buf [nvme.CommandLen]byte
	_, err := cmd.Encode(buf[:])
	require.NoError(h.t, err)
	h.link.WriteHost(q.addr+uint64(q.tail)*nvme.CommandLen, buf[:])
	q.tail = (q.tail + 1) % q.depth
	h.reg.Write32(nvme.SQDoorbell(q.qid), uint32(q.tail))
}

// reap waits for the next completion in a completion queue, consumes
// it and acks the new head through the doorbell.
func (h *testHost) reap(q *hostCQ, timeout time.Duration) nvme.Completion {
	var cqe nvme.Completion
	require.Eventually(h.t, func() bool {
		raw := h.link.ReadHost(q.addr+uint64(q.head)*nvme.CompletionLen, nvme.CompletionLen)
		if err := cqe.Parse(raw); err != nil {
			return false
		}
		return cqe.Phase() == q.phase
	}, timeout, 200*time.Microsecond, "no completion appeared in cq %d", q.qid)

	q.head = (q.head + 1) % q.depth
	if q.head == 0 {
		q.phase ^= 1
	}
	h.reg.Write32(nvme.CQDoorbell(q.qid), uint32(q.head))
	return cqe
}

// admin submits one admin command and reaps its completion.
func (h *testHost) admin(cmd *nvme.Command) nvme.Completion {
	h.submit(&h.adminSQ, cmd)
	return h.reap(&h.adminCQ, 2*time.Second)
}

// createIOQueues builds one I/O queue pair through admin commands.
func (h *testHost) createIOQueues(size uint16) {
	h.ioCQ = hostCQ{qid: 1, addr: hostIOCQ, depth: size + 1, phase: 1}
	h.ioSQ = hostSQ{qid: 1, addr: hostIOSQ, depth: size + 1}

	cqe := h.admin(&nvme.Command{
		Opcode: nvme.AdminCreateCQ,
		PRP1:   hostIOCQ,
		CDW10:  uint32(1) | uint32(size)<<16,
		CDW11:  uint32(nvme.QueuePhysContig|nvme.CQIRQEnabled) | 1<<16,
	})
	require.Equal(h.t, uint16(nvme.SCSuccess), cqe.StatusCode())

	cqe = h.admin(&nvme.Command{
		Opcode: nvme.AdminCreateSQ,
		PRP1:   hostIOSQ,
		CDW10:  uint32(1) | uint32(size)<<16,
		CDW11:  uint32(nvme.QueuePhysContig) | 1<<16,
	})
	require.Equal(h.t, uint16(nvme.SCSuccess), cqe.StatusCode())
}

func TestControllerEnable(t *testing.T) {
	h := newTestHost(t, hostOpts{adminLen: 64})

	assert.False(t, h.ctrl.Enabled())
	assert.Zero(t, h.csts()&nvme.CSTSReady)

	h.enable()

	assert.True(t, h.ctrl.Enabled())
	assert.Equal(t, nvme.CSTSReady, h.csts()&nvme.CSTSReady)

	// AQA held 64, so both admin rings hold 65 entries and start at
	// phase 1.
	h.ctrl.qmu.Lock()
	sq, cq := h.ctrl.sq[0], h.ctrl.cq[0]
	h.ctrl.qmu.Unlock()
	require.NotNil(t, sq)
	require.NotNil(t, cq)
	assert.Equal(t, uint16(65), sq.depth)
	assert.Equal(t, uint16(65), cq.depth)
	assert.Equal(t, uint16(1), cq.phase)
}

func TestControllerEnableRejectsUndersizedEntries(t *testing.T) {
	h := newTestHost(t, hostOpts{})

	// IOSQES of 2^5 = 32 bytes is below the 64 byte command format.
	h.enableWith(5, 4)

	assert.False(t, h.ctrl.Enabled())
	assert.Zero(t, h.csts()&nvme.CSTSReady)
	sqs, cqs := h.ctrl.QueueCounts()
	assert.Zero(t, sqs)
	assert.Zero(t, cqs)

	// Undersized completion entries are rejected the same way.
	h.reg.Write32(nvme.RegCC, 0)
	h.ctrl.pollCC()
	h.enableWith(6, 3)
	assert.False(t, h.ctrl.Enabled())
}

func TestControllerCapShape(t *testing.T) {
	h := newTestHost(t, hostOpts{})

	cap := h.reg.Read64(nvme.RegCAP)
	assert.Zero(t, cap&nvme.CAPDSTRDMask, "doorbell stride must be 4 bytes")
	assert.NotZero(t, cap&nvme.CAPCQR)
	assert.Zero(t, cap&(nvme.CAPNSSRS|nvme.CAPBPS|nvme.CAPPMRS|nvme.CAPCMBS))
	assert.Equal(t, h.be.VS(), h.reg.Read32(nvme.RegVS))
}

func TestControllerDisableTearsDownQueues(t *testing.T) {
	h := newTestHost(t, hostOpts{})
	h.enable()
	h.createIOQueues(31)

	sqs, cqs := h.ctrl.QueueCounts()
	assert.Equal(t, 2, sqs)
	assert.Equal(t, 2, cqs)

	h.disable()

	assert.False(t, h.ctrl.Enabled())
	assert.Zero(t, h.csts()&nvme.CSTSReady)
	sqs, cqs = h.ctrl.QueueCounts()
	assert.Zero(t, sqs)
	assert.Zero(t, cqs)
}

func TestControllerShutdownReportsComplete(t *testing.T) {
	h := newTestHost(t, hostOpts{})
	h.enable()

	h.shutdown()

	assert.False(t, h.ctrl.Enabled())
	assert.Equal(t, nvme.CSTSSHSTCmplt, h.csts()&nvme.CSTSSHSTMask)
	assert.Zero(t, h.csts()&nvme.CSTSReady)
}

func TestControllerDisableDiscardsInFlight(t *testing.T) {
	h := newTestHost(t, hostOpts{})
	h.enable()

	// A deep SQ completing into a shallow CQ: with the host never
	// acking completions, only 3 of the 7 commands can post and the
	// rest are stuck pending when disable hits.
	cqe := h.admin(&nvme.Command{
		Opcode: nvme.AdminCreateCQ,
		PRP1:   hostIOCQ,
		CDW10:  uint32(1) | uint32(3)<<16,
		CDW11:  uint32(nvme.QueuePhysContig|nvme.CQIRQEnabled) | 1<<16,
	})
	require.Equal(t, uint16(nvme.SCSuccess), cqe.StatusCode())
	cqe = h.admin(&nvme.Command{
		Opcode: nvme.AdminCreateSQ,
		PRP1:   hostIOSQ,
		CDW10:  uint32(1) | uint32(7)<<16,
		CDW11:  uint32(nvme.QueuePhysContig) | 1<<16,
	})
	require.Equal(t, uint16(nvme.SCSuccess), cqe.StatusCode())

	for i := 0; i < 7; i++ {
		var buf [nvme.CommandLen]byte
		cmd := nvme.Command{Opcode: nvme.IOFlush, NSID: 1, CommandID: uint16(i)}
		_, err := cmd.Encode(buf[:])
		require.NoError(t, err)
		h.link.WriteHost(hostIOSQ+uint64(i)*nvme.CommandLen, buf[:])
	}
	h.reg.Write32(nvme.SQDoorbell(1), 7)

	// Wait for the CQ to fill to its 3 entry capacity.
	require.Eventually(t, func() bool {
		var e nvme.Completion
		raw := h.link.ReadHost(hostIOCQ+2*nvme.CompletionLen, nvme.CompletionLen)
		return e.Parse(raw) == nil && e.Phase() == 1
	}, 2*time.Second, time.Millisecond)

	h.disable()

	// Everything is gone, no worker holds a reference, and the stuck
	// completions were discarded rather than posted: slot 3 stays
	// untouched.
	sqs, cqs := h.ctrl.QueueCounts()
	assert.Zero(t, sqs)
	assert.Zero(t, cqs)
	assert.False(t, h.ctrl.Enabled())

	var e nvme.Completion
	raw := h.link.ReadHost(hostIOCQ+3*nvme.CompletionLen, nvme.CompletionLen)
	require.NoError(t, e.Parse(raw))
	assert.Zero(t, e.Phase())
}

func TestControllerLinkDownDisables(t *testing.T) {
	h := newTestHost(t, hostOpts{})
	h.ctrl.Run()

	h.program(6, 4)
	require.Eventually(t, func() bool {
		return h.ctrl.Enabled()
	}, 2*time.Second, time.Millisecond, "poller did not enable the controller")

	h.link.SetLink(false)
	require.Eventually(t, func() bool {
		return !h.ctrl.Enabled()
	}, 2*time.Second, time.Millisecond, "link down did not disable the controller")
}

func TestControllerReenable(t *testing.T) {
	h := newTestHost(t, hostOpts{})
	h.enable()
	h.disable()

	h.adminSQ.tail = 0
	h.adminCQ.head = 0
	h.adminCQ.phase = 1
	h.enable()
	require.True(t, h.ctrl.Enabled())

	cqe := h.admin(&nvme.Command{Opcode: nvme.AdminGetFeatures, CDW10: uint32(nvme.FeatNumQueues)})
	assert.Equal(t, uint16(nvme.SCSuccess), cqe.StatusCode())
}

func TestControllerDoorbellGarbageIgnored(t *testing.T) {
	h := newTestHost(t, hostOpts{})
	h.enable()

	// A tail past the ring depth must not fetch anything.
	h.reg.Write32(nvme.SQDoorbell(0), 0x4000)
	time.Sleep(50 * time.Millisecond)
	assert.True(t, h.ctrl.Enabled())

	// The queue recovers once the doorbell makes sense again.
	h.reg.Write32(nvme.SQDoorbell(0), 0)
	cqe := h.admin(&nvme.Command{Opcode: nvme.AdminGetFeatures, CDW10: uint32(nvme.FeatArbitration)})
	assert.Equal(t, uint16(nvme.SCSuccess), cqe.StatusCode())
}

func TestControllerCreateRefusedDuringTeardown(t *testing.T) {
	h := newTestHost(t, hostOpts{})
	h.enable()

	// With a teardown sweep in progress, a racing create-queue must
	// not commit a queue the sweep will never see.
	h.ctrl.qmu.Lock()
	h.ctrl.stopping = true
	h.ctrl.qmu.Unlock()

	st := h.ctrl.createCQ(1, 31, 1, nvme.QueuePhysContig|nvme.CQIRQEnabled, hostIOCQ)
	assert.Equal(t, nvme.SCInternal, st)
	st = h.ctrl.createSQ(1, 0, 31, nvme.QueuePhysContig, hostIOSQ)
	assert.Equal(t, nvme.SCInternal, st)

	sqs, cqs := h.ctrl.QueueCounts()
	assert.Equal(t, 1, sqs)
	assert.Equal(t, 1, cqs)

	// Creation works again once the teardown finishes.
	h.ctrl.qmu.Lock()
	h.ctrl.stopping = false
	h.ctrl.qmu.Unlock()
	h.createIOQueues(31)
}

func TestControllerNeedsMinimumQueues(t *testing.T) {
	l := logrus.New()
	l.SetOutput(io.Discard)

	link := pcilink.NewMemLink(pcilink.MemLinkConfig{HostMemSize: 1 << 20, Vectors: 1})
	be, err := backend.NewMem(l, backend.MemConfig{NamespaceSizes: map[uint32]uint64{1: 1 << 20}})
	require.NoError(t, err)

	_, err = NewController(l, link, be, ControllerConfig{})
	assert.Error(t, err)
}

func TestRegBlockDoorbellLayout(t *testing.T) {
	// The IO doorbells the harness uses must match the BAR layout.
	assert.Equal(t, 0x1000, nvme.SQDoorbell(0))
	assert.Equal(t, 0x1004, nvme.CQDoorbell(0))
	assert.Equal(t, 0x1008, nvme.SQDoorbell(1))
	assert.Equal(t, 0x100c, nvme.CQDoorbell(1))
}

func TestDSMRangeEncoding(t *testing.T) {
	// Guard the range descriptor layout the backend consumes.
	rng := make([]byte, nvme.DSMRangeLen)
	binary.LittleEndian.PutUint32(rng[4:8], 8)
	binary.LittleEndian.PutUint64(rng[8:16], 0x1234)
	assert.Equal(t, uint32(8), binary.LittleEndian.Uint32(rng[4:8]))
	assert.Equal(t, uint64(0x1234), binary.LittleEndian.Uint64(rng[8:16]))
}
