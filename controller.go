package virtnvme

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/virtnvme/virtnvme/backend"
	"github.com/virtnvme/virtnvme/nvme"
	"github.com/virtnvme/virtnvme/pcilink"
)

const (
	// regPollInterval is how often the register poller looks at CC for
	// host-driven state changes. The poller always re-arms: a fatal
	// handling error must never leave the controller deaf to the host.
	regPollInterval = 5 * time.Millisecond

	// maxQueuePairs caps the queue pairs the emulation will advertise,
	// admin pair included, regardless of what the backend offers.
	maxQueuePairs = 16

	defaultMDTSKB = 512

	// defaultVendorID is the PCI vendor id surfaced through identify
	// when the deployment does not configure one.
	defaultVendorID = 0x1b36
)

// ControllerConfig carries the tunables of one emulated controller.
type ControllerConfig struct {
	// MaxQueuePairs limits advertised queue pairs, admin included.
	// Zero means maxQueuePairs.
	MaxQueuePairs int

	// MDTSKB is the maximum data transfer size in KiB. Zero means
	// defaultMDTSKB.
	MDTSKB int

	// VendorID is reported as VID/SSVID in identify controller data,
	// overriding whatever the backing controller claims. Zero means
	// defaultVendorID.
	VendorID uint16

	// DMA asks for the link's DMA engine on large transfers.
	DMA bool

	// XferTimeout bounds every host memory segment transfer.
	XferTimeout time.Duration
}

// Controller is the device-side NVMe controller: it owns the BAR
// register file, reacts to host enable/disable/shutdown, runs the
// queue workers and forwards commands to the backing controller.
type Controller struct {
	l       *logrus.Logger
	link    pcilink.Link
	backend backend.Controller
	xfer    *transferer

	reg *nvme.RegBlock

	cap uint64
	vs  uint32

	nrQueues int
	mdts     int
	vid      uint16

	// Shadow of the enable-time register state. Written only by the
	// register poller goroutine; mps/mpsMask/ioSQES/ioCQES are stable
	// while the controller is enabled, which is the only time queue
	// workers read them.
	cc       uint32
	csts     uint32
	mps      uint64
	mpsMask  uint64
	ioSQES   int
	ioCQES   int

	enabled atomic.Bool

	// qmu guards the queue tables, CQ reference counts and the
	// teardown flag.
	qmu      sync.Mutex
	sq       []*queue
	cq       []*queue
	stopping bool

	// Features the emulation answers itself, keyed by feature id.
	featMu sync.Mutex
	feats  map[uint8]uint32

	pollStop chan struct{}
	pollDone sync.WaitGroup
}

// NewController wires a controller over a link and a backend. The BAR
// is allocated here; the register poller starts with Run.
func NewController(l *logrus.Logger, link pcilink.Link, be backend.Controller, cfg ControllerConfig) (*Controller, error) {
	maxQP := cfg.MaxQueuePairs
	if maxQP <= 0 || maxQP > maxQueuePairs {
		maxQP = maxQueuePairs
	}
	nrQueues := min(maxQP, be.QueuePairs(), link.Vectors())
	if nrQueues < 2 {
		return nil, fmt.Errorf("need at least one I/O queue pair, have %d total", nrQueues)
	}

	mdtsKB := cfg.MDTSKB
	if mdtsKB <= 0 {
		mdtsKB = defaultMDTSKB
	}

	vid := cfg.VendorID
	if vid == 0 {
		vid = defaultVendorID
	}

	barSize := nvme.RegDBS + nrQueues*8
	bar, err := link.AllocBAR(barSize)
	if err != nil {
		return nil, fmt.Errorf("allocating %d byte BAR: %w", barSize, err)
	}

	c := &Controller{
		l:        l,
		link:     link,
		backend:  be,
		xfer:     newTransferer(l, link, cfg.DMA, cfg.XferTimeout),
		reg:      nvme.NewRegBlock(bar),
		vs:       be.VS(),
		nrQueues: nrQueues,
		mdts:     mdtsKB * 1024,
		vid:      vid,
		sq:       make([]*queue, nrQueues),
		cq:       make([]*queue, nrQueues),
		feats:    make(map[uint8]uint32),
		pollStop: make(chan struct{}),
	}

	// The backend's CAP is the starting point, then reshaped for what
	// the emulation actually offers: 4 byte doorbell stride, contiguous
	// queues required, and none of the optional register surfaces.
	cap := be.CAP()
	cap &^= nvme.CAPDSTRDMask
	cap |= nvme.CAPCQR
	cap &^= nvme.CAPNSSRS | nvme.CAPBPS | nvme.CAPPMRS | nvme.CAPCMBS

	c.cap = cap
	c.reg.Write64(nvme.RegCAP, cap)
	c.reg.Write32(nvme.RegVS, c.vs)
	c.reg.Write32(nvme.RegCC, 0)
	c.reg.Write32(nvme.RegCSTS, 0)

	l.WithField("queuePairs", nrQueues).WithField("mdtsKB", mdtsKB).
		WithField("cap", fmt.Sprintf("%#x", cap)).
		Info("NVMe controller created")
	return c, nil
}

// Run starts the register poller. Nonblocking.
func (c *Controller) Run() {
	c.pollDone.Add(1)
	go c.regPoller()
}

// Shutdown disables the controller and stops the poller. Blocks until
// every worker has exited.
func (c *Controller) Shutdown() {
	close(c.pollStop)
	c.pollDone.Wait()
	if c.enabled.Load() {
		c.disable(false)
	}
}

// BAR returns the register file so a transport harness can expose it.
func (c *Controller) BAR() *nvme.RegBlock { return c.reg }

// Enabled reports whether the host has enabled the controller.
func (c *Controller) Enabled() bool { return c.enabled.Load() }

// QueueCounts returns the number of live submission and completion
// queues, for introspection.
func (c *Controller) QueueCounts() (sqs, cqs int) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	for _, q := range c.sq {
		if q != nil {
			sqs++
		}
	}
	for _, q := range c.cq {
		if q != nil {
			cqs++
		}
	}
	return
}

// regPoller watches CC for host transitions and the link for state
// events. It never exits on a handling error.
func (c *Controller) regPoller() {
	defer c.pollDone.Done()

	linkUp := true
	t := time.NewTicker(regPollInterval)
	defer t.Stop()

	for {
		select {
		case <-c.pollStop:
			return

		case ev := <-c.link.Events():
			switch ev {
			case pcilink.EventLinkDown:
				linkUp = false
				if c.enabled.Load() {
					c.l.Warn("PCI link went down, disabling controller")
					c.disable(false)
				}
			case pcilink.EventLinkUp:
				linkUp = true
			}

		case <-t.C:
			if !linkUp {
				continue
			}
			c.pollCC()
		}
	}
}

// pollCC applies one CC snapshot. Runs only on the poller goroutine.
func (c *Controller) pollCC() {
	old := c.cc
	cc := c.reg.Read32(nvme.RegCC)
	c.cc = cc

	if cc&nvme.CCEnable != 0 && old&nvme.CCEnable == 0 {
		c.enable()
	}
	if cc&nvme.CCEnable == 0 && old&nvme.CCEnable != 0 && c.enabled.Load() {
		c.disable(false)
	}
	if cc&nvme.CCSHNMask == nvme.CCSHNNormal && old&nvme.CCSHNMask == 0 {
		c.disable(true)
	}
}

// enable brings the controller up per the CC/AQA/ASQ/ACQ the host
// programmed: creates the admin queue pair and reports ready. A bad
// configuration leaves the controller not ready with zero queues.
func (c *Controller) enable() {
	cc := c.cc

	mpsShift := (cc>>nvme.CCMPSShift)&nvme.CCMPSMask + 12
	c.mps = 1 << mpsShift
	c.mpsMask = c.mps - 1

	c.ioSQES = 1 << ((cc >> nvme.CCIOSQESShift) & 0xf)
	c.ioCQES = 1 << ((cc >> nvme.CCIOCQESShift) & 0xf)
	if c.ioSQES < nvme.CommandLen || c.ioCQES < nvme.CompletionLen {
		c.l.WithField("iosqes", c.ioSQES).WithField("iocqes", c.ioCQES).
			Error("Host programmed undersized queue entries, refusing enable")
		return
	}

	aqa := c.reg.Read32(nvme.RegAQA)
	asq := c.reg.Read64(nvme.RegASQ)
	acq := c.reg.Read64(nvme.RegACQ)

	if st := c.createCQ(0, nvme.AQACQSize(aqa), 0, nvme.QueuePhysContig|nvme.CQIRQEnabled, acq); st != nvme.SCSuccess {
		c.l.WithField("status", nvme.StatusName(st&^nvme.StatusDNR)).
			Error("Admin completion queue rejected, refusing enable")
		return
	}
	if st := c.createSQ(0, 0, nvme.AQASQSize(aqa), nvme.QueuePhysContig, asq); st != nvme.SCSuccess {
		c.deleteCQ(0)
		c.l.WithField("status", nvme.StatusName(st&^nvme.StatusDNR)).
			Error("Admin submission queue rejected, refusing enable")
		return
	}

	c.enabled.Store(true)
	c.csts |= nvme.CSTSReady
	c.reg.Write32(nvme.RegCSTS, c.csts)
	c.l.WithField("mps", c.mps).WithField("asq", fmt.Sprintf("%#x", asq)).
		WithField("acq", fmt.Sprintf("%#x", acq)).
		Info("Controller enabled")
}

// disable tears the controller down: I/O submission queues first so
// nothing new completes, then I/O completion queues, then the admin
// pair. In-flight commands are discarded, never completed. When the
// host asked for a normal shutdown, CSTS reports shutdown complete.
func (c *Controller) disable(shutdown bool) {
	c.enabled.Store(false)

	// An in-flight create-queue admin command must not commit a queue
	// behind the teardown sweep; its worker would leak.
	c.qmu.Lock()
	c.stopping = true
	c.qmu.Unlock()

	var discarded int
	for qid := 1; qid < c.nrQueues; qid++ {
		if c.sqLive(uint16(qid)) {
			c.deleteSQ(uint16(qid))
		}
	}
	for qid := 1; qid < c.nrQueues; qid++ {
		if c.cqLive(uint16(qid)) {
			discarded += c.forceDeleteCQ(uint16(qid))
		}
	}
	if c.sqLive(0) {
		c.deleteSQ(0)
	}
	if c.cqLive(0) {
		discarded += c.forceDeleteCQ(0)
	}

	c.qmu.Lock()
	c.stopping = false
	c.qmu.Unlock()

	c.csts &^= nvme.CSTSReady
	if shutdown {
		c.csts |= nvme.CSTSSHSTCmplt
	}
	c.reg.Write32(nvme.RegCSTS, c.csts)

	c.l.WithField("shutdown", shutdown).WithField("discarded", discarded).
		Info("Controller disabled")
}

func (c *Controller) sqLive(qid uint16) bool {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return int(qid) < len(c.sq) && c.sq[qid] != nil
}

func (c *Controller) cqLive(qid uint16) bool {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	return int(qid) < len(c.cq) && c.cq[qid] != nil
}

// createCQ validates and creates a completion queue and starts its
// worker. Returns an NVMe status without the DNR bit.
func (c *Controller) createCQ(qid, size, vector, flags uint16, pciAddr uint64) uint16 {
	if int(qid) >= c.nrQueues {
		return nvme.SCQIDInvalid
	}
	if size == 0 || size > nvme.CapMQES(c.cap) {
		return nvme.SCQueueSize
	}
	if flags&nvme.QueuePhysContig == 0 {
		return nvme.SCInvalidField
	}
	if int(vector) >= c.link.Vectors() {
		return nvme.SCInvalidVector
	}

	c.qmu.Lock()
	defer c.qmu.Unlock()
	if c.stopping {
		return nvme.SCInternal
	}
	if c.cq[qid] != nil {
		// A create for a live qid is a host protocol error.
		return nvme.SCQIDInvalid
	}

	q := c.newQueue(false, qid, size)
	q.vector = vector
	q.flags = flags
	q.pciAddr = pciAddr
	q.ref = 1
	q.live.Store(true)
	c.cq[qid] = q

	q.done.Add(1)
	go c.cqWorker(q)

	c.l.WithField("qid", qid).WithField("depth", q.depth).
		WithField("vector", vector).Debug("Completion queue created")
	return nvme.SCSuccess
}

// createSQ validates and creates a submission queue bound to a live
// CQ and starts its poll worker.
func (c *Controller) createSQ(qid, cqid, size, flags uint16, pciAddr uint64) uint16 {
	if int(qid) >= c.nrQueues {
		return nvme.SCQIDInvalid
	}
	if size == 0 || size > nvme.CapMQES(c.cap) {
		return nvme.SCQueueSize
	}
	if flags&nvme.QueuePhysContig == 0 {
		return nvme.SCInvalidField
	}

	c.qmu.Lock()
	defer c.qmu.Unlock()
	if c.stopping {
		return nvme.SCInternal
	}
	if int(cqid) >= c.nrQueues || c.cq[cqid] == nil {
		return nvme.SCCQInvalid
	}
	if c.sq[qid] != nil {
		return nvme.SCQIDInvalid
	}

	q := c.newQueue(true, qid, size)
	q.cqid = cqid
	q.flags = flags
	q.pciAddr = pciAddr
	q.live.Store(true)
	c.sq[qid] = q
	c.cq[cqid].ref++

	q.done.Add(1)
	go c.sqWorker(q)

	c.l.WithField("qid", qid).WithField("cqid", cqid).
		WithField("depth", q.depth).Debug("Submission queue created")
	return nvme.SCSuccess
}

// deleteSQ stops a submission queue's worker, waits for it, and drops
// its reference on the bound completion queue.
func (c *Controller) deleteSQ(qid uint16) uint16 {
	c.qmu.Lock()
	if int(qid) >= c.nrQueues || c.sq[qid] == nil {
		c.qmu.Unlock()
		return nvme.SCQIDInvalid
	}
	q := c.sq[qid]
	c.sq[qid] = nil
	c.qmu.Unlock()

	q.live.Store(false)
	close(q.stop)
	q.done.Wait()

	c.qmu.Lock()
	if cq := c.cq[q.cqid]; cq != nil {
		cq.ref--
	}
	c.qmu.Unlock()

	c.l.WithField("qid", qid).Debug("Submission queue deleted")
	return nvme.SCSuccess
}

// deleteCQ refuses to delete a completion queue that still has
// submission queues completing into it.
func (c *Controller) deleteCQ(qid uint16) uint16 {
	c.qmu.Lock()
	if int(qid) >= c.nrQueues || c.cq[qid] == nil {
		c.qmu.Unlock()
		return nvme.SCQIDInvalid
	}
	if c.cq[qid].ref > 1 {
		c.qmu.Unlock()
		return nvme.SCInvalidQueue
	}
	q := c.cq[qid]
	c.cq[qid] = nil
	c.qmu.Unlock()

	c.stopCQ(q)
	c.l.WithField("qid", qid).Debug("Completion queue deleted")
	return nvme.SCSuccess
}

// forceDeleteCQ tears a completion queue down regardless of reference
// count; callers must have deleted its submission queues already.
// Returns the number of discarded pending completions.
func (c *Controller) forceDeleteCQ(qid uint16) int {
	c.qmu.Lock()
	q := c.cq[qid]
	c.cq[qid] = nil
	c.qmu.Unlock()
	if q == nil {
		return 0
	}
	return c.stopCQ(q)
}

func (c *Controller) stopCQ(q *queue) int {
	q.live.Store(false)
	close(q.stop)
	q.done.Wait()
	return q.discardPending()
}

// wakeBoundSQs kicks every submission queue completing into cqid,
// used after completions freed ring slots.
func (c *Controller) wakeBoundSQs(cqid uint16) {
	c.qmu.Lock()
	defer c.qmu.Unlock()
	for _, q := range c.sq {
		if q != nil && q.cqid == cqid {
			q.wake()
		}
	}
}
