package virtnvme

import (
	"sync"
	"sync/atomic"

	"github.com/virtnvme/virtnvme/nvme"
)

// queue is one controller-side ring, submission or completion. A live
// queue owns a worker goroutine: an SQ worker polls the tail doorbell
// and fetches entries, a CQ worker drains pending completions into
// host memory and raises the queue's interrupt vector.
//
// head, tail and phase are touched only by the owning worker (SQ) or
// under mu (CQ); everything else is fixed at creation.
type queue struct {
	ctrl *Controller

	isSQ   bool
	qid    uint16
	cqid   uint16 // SQ only: the CQ this queue completes into
	vector uint16 // CQ only
	flags  uint16

	size  uint16 // 0-based, as the host requested it
	depth uint16 // size + 1
	qes   int    // entry size in bytes

	pciAddr uint64
	pciSize int

	db    int // byte offset of this queue's doorbell register
	head  uint16
	tail  uint16
	phase uint16

	// ref counts the submission queues completing into this CQ, plus
	// one for the CQ itself. Guarded by ctrl.qmu.
	ref int

	live atomic.Bool

	// CQ pending completions, appended by SQ workers and drained by
	// the CQ worker. The lock covers only the slice and ring state;
	// host memory access happens outside it.
	mu      sync.Mutex
	pending []*command

	kick chan struct{}
	stop chan struct{}
	done sync.WaitGroup
}

func (c *Controller) newQueue(isSQ bool, qid, size uint16) *queue {
	q := &queue{
		ctrl:  c,
		isSQ:  isSQ,
		qid:   qid,
		size:  size,
		depth: size + 1,
		phase: 1,
		kick:  make(chan struct{}, 1),
		stop:  make(chan struct{}),
	}
	if isSQ {
		q.db = nvme.SQDoorbell(qid)
		if qid == 0 {
			q.qes = 1 << nvme.AdminSQESLog2
		} else {
			q.qes = c.ioSQES
		}
	} else {
		q.db = nvme.CQDoorbell(qid)
		if qid == 0 {
			q.qes = nvme.CompletionLen
		} else {
			q.qes = c.ioCQES
		}
	}
	q.pciSize = int(q.depth) * q.qes
	return q
}

// wake nudges the queue's worker without blocking. Used by the CQ
// worker to re-poll dependent SQs after freeing a slot, and by the
// completion path to run the CQ drain.
func (q *queue) wake() {
	select {
	case q.kick <- struct{}{}:
	default:
	}
}

// fetchCommands reads the tail doorbell and drains any new submission
// entries from host memory. Runs only on the SQ worker goroutine.
// Returns nil when there is nothing to fetch or the ring is not
// reachable right now.
func (q *queue) fetchCommands() []*command {
	if !q.live.Load() {
		return nil
	}

	tail := uint16(q.ctrl.reg.Read32(q.db))
	if tail == q.head {
		return nil
	}
	// The doorbell lives in host-writable memory; a value past the
	// ring is garbage, not a fetch request.
	if tail >= q.depth {
		q.ctrl.l.WithField("qid", q.qid).WithField("tail", tail).
			Warn("Submission tail doorbell out of range, ignoring")
		return nil
	}

	w, err := q.ctrl.link.Map(q.pciAddr, q.pciSize)
	if err != nil {
		return nil
	}
	defer q.ctrl.link.Unmap(w)
	if w.Size < q.pciSize {
		// The ring did not fit in one window; retry on the next poll
		// rather than read a truncated entry.
		return nil
	}

	var cmds []*command
	for q.head != tail {
		cmd := newCommand(q.qid, q.cqid)
		if err := cmd.cmd.Parse(w.Mem[int(q.head)*q.qes:]); err != nil {
			q.ctrl.l.WithError(err).WithField("qid", q.qid).
				Error("Dropping unreadable submission entry")
			return cmds
		}
		cmds = append(cmds, cmd)
		q.head++
		if q.head == q.depth {
			q.head = 0
		}
	}
	metricCmdsFetched.Inc(int64(len(cmds)))
	return cmds
}

// queueResponse appends a finished command to this CQ's pending list
// and wakes the CQ worker. Safe from any goroutine.
func (q *queue) queueResponse(cmd *command) {
	q.mu.Lock()
	q.pending = append(q.pending, cmd)
	q.mu.Unlock()
	q.wake()
}

// takePending swaps out the pending list. Runs on the CQ worker.
func (q *queue) takePending() []*command {
	q.mu.Lock()
	p := q.pending
	q.pending = nil
	q.mu.Unlock()
	return p
}

// requeueFront puts unposted commands back at the head of the pending
// list, preserving submission order ahead of anything queued meanwhile.
func (q *queue) requeueFront(cmds []*command) {
	q.mu.Lock()
	q.pending = append(cmds, q.pending...)
	q.mu.Unlock()
}

// slot reserves the next CQ slot for one completion: it re-reads the
// head doorbell for host progress, refuses when the ring is full, and
// otherwise returns the entry index and current phase and advances the
// ring state. The host memory copy happens after, outside the lock.
func (q *queue) slot() (idx, phase uint16, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	head := uint16(q.ctrl.reg.Read32(q.db))
	if head < q.depth {
		q.head = head
	}
	next := q.tail + 1
	if next == q.depth {
		next = 0
	}
	if next == q.head {
		return 0, 0, false
	}

	idx, phase = q.tail, q.phase
	q.tail = next
	if q.tail == 0 {
		q.phase ^= 1
	}
	return idx, phase, true
}

// discardPending drops every queued completion without posting it.
// Used on queue deletion and controller teardown.
func (q *queue) discardPending() int {
	q.mu.Lock()
	n := len(q.pending)
	q.pending = nil
	q.mu.Unlock()
	return n
}
