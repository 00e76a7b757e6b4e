package virtnvme

import (
	"context"
	"runtime"
	"time"

	"github.com/virtnvme/virtnvme/nvme"
)

const (
	// adminPollInterval paces the admin SQ poller; admin traffic is
	// rare and latency-insensitive.
	adminPollInterval = 5 * time.Millisecond

	// ioPollInterval is the backstop for an idle I/O SQ after its spin
	// burst runs out.
	ioPollInterval = 500 * time.Microsecond

	// ioSpinCount is how many empty polls an I/O SQ worker burns
	// through before it starts sleeping between polls.
	ioSpinCount = 64

	// cqFullRetryDelay paces retries when the host has not consumed
	// enough completions to free a slot.
	cqFullRetryDelay = 100 * time.Microsecond
)

// sqWorker polls one submission queue's tail doorbell and executes
// fetched commands in order. I/O queues spin briefly when idle before
// backing off to a timer; the admin queue just uses the timer.
func (c *Controller) sqWorker(q *queue) {
	defer q.done.Done()

	poll := ioPollInterval
	if q.qid == 0 {
		poll = adminPollInterval
	}

	idle := 0
	for {
		select {
		case <-q.stop:
			return
		default:
		}

		cmds := q.fetchCommands()
		if len(cmds) > 0 {
			idle = 0
			for _, cmd := range cmds {
				c.execCommand(cmd, q)
			}
			continue
		}

		idle++
		if q.qid != 0 && idle < ioSpinCount {
			runtime.Gosched()
			continue
		}

		select {
		case <-q.stop:
			return
		case <-q.kick:
			idle = 0
		case <-time.After(poll):
		}
	}
}

// execCommand runs one command to completion status and hands it to
// its completion queue. sq is the queue the command came from; its
// head at this moment is what the completion reports back.
func (c *Controller) execCommand(cmd *command, sq *queue) {
	if cmd.sqid == 0 {
		c.execAdmin(cmd)
	} else {
		c.execIO(cmd)
	}

	if cmd.cmd.Opcode == nvme.AdminAsyncEvent && cmd.sqid == 0 {
		// Async event requests park host-side until an event exists;
		// nothing here ever generates one, so the command is simply
		// never completed.
		return
	}

	cmd.cqe.SQHead = sq.head
	cmd.cqe.SQID = cmd.sqid
	cmd.cqe.CommandID = cmd.cmd.CommandID
	c.complete(cmd)
}

// complete routes a finished command to its CQ, or discards it when
// the controller or the queue went away mid-flight.
func (c *Controller) complete(cmd *command) {
	if !c.enabled.Load() {
		metricCmdsDiscarded.Inc(1)
		return
	}

	c.qmu.Lock()
	cq := (*queue)(nil)
	if int(cmd.cqid) < len(c.cq) {
		cq = c.cq[cmd.cqid]
	}
	c.qmu.Unlock()

	if cq == nil || !cq.live.Load() {
		metricCmdsDiscarded.Inc(1)
		return
	}
	cq.queueResponse(cmd)
}

// execIO sizes the command's buffer, resolves its host segments,
// pulls write data in, submits to the backend, and pushes read data
// out. Every failure short-circuits to a status.
func (c *Controller) execIO(cmd *command) {
	ns, ok := c.backend.Namespace(cmd.cmd.NSID)
	if !ok {
		cmd.setStatus(nvme.SCInvalidNamespace)
		return
	}
	cmd.ns = ns

	switch cmd.cmd.Opcode {
	case nvme.IORead:
		cmd.dir = dirToHost
		cmd.buffer = make([]byte, ns.DataLen(cmd.cmd.RWBlocks()))
	case nvme.IOWrite:
		cmd.dir = dirFromHost
		cmd.buffer = make([]byte, ns.DataLen(cmd.cmd.RWBlocks()))
	case nvme.IODSM:
		cmd.dir = dirFromHost
		cmd.buffer = make([]byte, int(cmd.cmd.DSMRanges())*nvme.DSMRangeLen)
	case nvme.IOFlush, nvme.IOWriteZeroes:
		// No data phase.
	default:
		cmd.setStatus(nvme.SCInvalidOpcode)
		return
	}

	if st := c.resolveSegments(cmd); st != nvme.SCSuccess {
		cmd.status = st
		return
	}
	if cmd.dir == dirFromHost {
		if st := c.xfer.transferSegments(cmd); st != nvme.SCSuccess {
			cmd.status = st
			return
		}
	}

	st, result, err := c.backend.Submit(context.Background(), &cmd.cmd, cmd.buffer)
	if err != nil {
		c.l.WithError(err).WithField("cmd", cmd.opcodeName()).
			Error("Backend failed an I/O command")
		cmd.setStatus(nvme.SCInternal)
		return
	}
	cmd.status = st
	cmd.cqe.Result = result
	if st != nvme.SCSuccess {
		return
	}

	if cmd.dir == dirToHost {
		if st := c.xfer.transferSegments(cmd); st != nvme.SCSuccess {
			cmd.status = st
		}
	}
}

// cqWorker drains pending completions into host memory, raises the
// queue's interrupt and re-kicks the submission queues it serves.
func (c *Controller) cqWorker(q *queue) {
	defer q.done.Done()

	for {
		select {
		case <-q.stop:
			q.discardPending()
			return
		case <-q.kick:
		}
		c.drainCQ(q)
	}
}

// drainCQ posts everything pending, retrying while the host ring is
// full, until the queue empties or is stopped.
func (c *Controller) drainCQ(q *queue) {
	for {
		posted, retry := c.postBatch(q)

		if posted > 0 {
			metricCompletionsPosted.Inc(int64(posted))
			if q.flags&nvme.CQIRQEnabled != 0 && c.enabled.Load() {
				if err := c.link.RaiseIRQ(q.vector); err != nil {
					c.l.WithError(err).WithField("vector", q.vector).
						Debug("Failed to raise completion interrupt")
				}
			}
			// Completions free submission slots; poll the producers
			// again right away instead of waiting out their timers.
			c.wakeBoundSQs(q.qid)
		}

		if !retry {
			return
		}
		metricCQFull.Inc(1)
		select {
		case <-q.stop:
			q.discardPending()
			return
		case <-time.After(cqFullRetryDelay):
		}
	}
}

// postBatch maps the CQ ring once and posts as many pending entries
// as fit. retry is true when pending work remains (ring full or ring
// unreachable).
func (c *Controller) postBatch(q *queue) (posted int, retry bool) {
	cmds := q.takePending()
	if len(cmds) == 0 {
		return 0, false
	}

	w, err := c.link.Map(q.pciAddr, q.pciSize)
	if err != nil || w.Size < q.pciSize {
		if err == nil {
			c.link.Unmap(w)
		}
		q.requeueFront(cmds)
		return 0, true
	}
	defer c.link.Unmap(w)

	for i, cmd := range cmds {
		idx, phase, ok := q.slot()
		if !ok {
			q.requeueFront(cmds[i:])
			return posted, true
		}
		cmd.cqe.Status = cmd.status<<1 | phase
		if _, err := cmd.cqe.Encode(w.Mem[int(idx)*q.qes:]); err != nil {
			// Ring fits the window by construction; this cannot fail
			// short of a bookkeeping bug.
			c.l.WithError(err).WithField("qid", q.qid).
				Error("Dropping unencodable completion")
		}
		posted++
	}
	return posted, false
}
