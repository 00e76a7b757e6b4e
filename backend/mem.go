package backend

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/virtnvme/virtnvme/nvme"
)

const memBlockShift = 9 // 512 byte logical blocks

// MemConfig describes the namespaces of an in-memory subsystem.
type MemConfig struct {
	// NamespaceSizes maps nsid to capacity in bytes. Sizes are rounded
	// down to whole logical blocks.
	NamespaceSizes map[uint32]uint64

	// QueuePairs including the admin pair. Zero defaults to 9 (admin
	// plus 8 I/O pairs).
	QueuePairs int
}

// Mem is an in-memory Controller: a tiny NVM subsystem with sparse
// block storage. It exists so the emulation can run and be tested
// without a fabric behind it.
type Mem struct {
	l      *logrus.Logger
	serial string

	qpairs int

	mu      sync.RWMutex
	started bool
	nss     map[uint32]*memNamespace
}

type memNamespace struct {
	info   Namespace
	mu     sync.RWMutex
	blocks map[uint64][]byte
}

func NewMem(l *logrus.Logger, cfg MemConfig) (*Mem, error) {
	if len(cfg.NamespaceSizes) == 0 {
		return nil, fmt.Errorf("mem backend needs at least one namespace")
	}
	qpairs := cfg.QueuePairs
	if qpairs == 0 {
		qpairs = 9
	}

	m := &Mem{
		l:      l,
		serial: uuid.NewString()[:20],
		qpairs: qpairs,
		nss:    make(map[uint32]*memNamespace),
	}
	for nsid, size := range cfg.NamespaceSizes {
		if nsid == 0 {
			return nil, fmt.Errorf("namespace id 0 is reserved")
		}
		m.nss[nsid] = &memNamespace{
			info: Namespace{
				ID:       nsid,
				LBAShift: memBlockShift,
				Blocks:   size >> memBlockShift,
			},
			blocks: make(map[uint64][]byte),
		}
	}
	return m, nil
}

func (m *Mem) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = true
	m.l.WithField("namespaces", len(m.nss)).WithField("serial", m.serial).
		Info("Mem backend started")
	return nil
}

func (m *Mem) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.started = false
}

func (m *Mem) CAP() uint64 {
	// MQES 1023, CSS includes the NVM command set, 500ms ready timeout.
	return 0x3ff | 1<<37 | 1<<24
}

func (m *Mem) VS() uint32 { return 0x00010400 } // 1.4

func (m *Mem) QueuePairs() int { return m.qpairs }

func (m *Mem) Namespace(nsid uint32) (*Namespace, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ns, ok := m.nss[nsid]
	if !ok {
		return nil, false
	}
	return &ns.info, true
}

func (m *Mem) Submit(ctx context.Context, cmd *nvme.Command, buf []byte) (uint16, uint32, error) {
	m.mu.RLock()
	started := m.started
	m.mu.RUnlock()
	if !started {
		return 0, 0, ErrStopped
	}
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}

	// The emulation routes admin commands with NSID semantics distinct
	// from I/O; a command carrying a namespace the subsystem knows is
	// treated as I/O.
	if ns, ok := m.nss[cmd.NSID]; ok && ioOpcode(cmd.Opcode) {
		return m.submitIO(ns, cmd, buf)
	}
	return m.submitAdmin(cmd, buf)
}

func ioOpcode(op uint8) bool {
	switch op {
	case nvme.IOFlush, nvme.IOWrite, nvme.IORead, nvme.IOWriteZeroes, nvme.IODSM:
		return true
	}
	return false
}

func (m *Mem) submitAdmin(cmd *nvme.Command, buf []byte) (uint16, uint32, error) {
	switch cmd.Opcode {
	case nvme.AdminIdentify:
		return m.identify(cmd, buf), 0, nil
	case nvme.AdminGetLogPage:
		// Log pages report nothing of interest: no errors, healthy
		// smart data. The page arrives zeroed.
		return nvme.SCSuccess, 0, nil
	case nvme.AdminAbort:
		// Nothing to abort in a synchronous backend. Result bit 0 set
		// means the command was not found.
		return nvme.SCSuccess, 1, nil
	case nvme.AdminGetFeatures, nvme.AdminSetFeatures:
		// The emulation answers the features it owns before reaching
		// us; everything else is unsupported here.
		return nvme.SCInvalidField | nvme.StatusDNR, 0, nil
	default:
		return nvme.SCInvalidOpcode | nvme.StatusDNR, 0, nil
	}
}

func (m *Mem) identify(cmd *nvme.Command, buf []byte) uint16 {
	if len(buf) < nvme.IdentifyDataLen {
		return nvme.SCInvalidField | nvme.StatusDNR
	}

	switch cmd.CNS() {
	case nvme.CNSController:
		m.identifyController(buf)
	case nvme.CNSNamespace:
		ns, ok := m.nss[cmd.NSID]
		if !ok {
			return nvme.SCInvalidNamespace | nvme.StatusDNR
		}
		identifyNamespace(buf, &ns.info)
	case nvme.CNSActiveNSList:
		m.activeNSList(buf)
	default:
		return nvme.SCInvalidField | nvme.StatusDNR
	}
	return nvme.SCSuccess
}

func (m *Mem) identifyController(b []byte) {
	copyPadded(b[4:24], m.serial)        // SN
	copyPadded(b[24:64], "virtnvme mem") // MN
	copyPadded(b[64:72], "1.0")          // FR
	b[77] = 0                            // MDTS: no backing limit
	binary.LittleEndian.PutUint32(b[80:84], m.VS())
	b[261] = 1 << 0 // LPA: smart per namespace
	b[512] = 0x66   // SQES: 64 byte entries only
	b[513] = 0x44   // CQES: 16 byte entries only
	binary.LittleEndian.PutUint32(b[516:520], uint32(len(m.nss))) // NN
	// ONCS: write zeroes and dataset management
	binary.LittleEndian.PutUint16(b[520:522], 1<<3|1<<2)
}

func identifyNamespace(b []byte, ns *Namespace) {
	binary.LittleEndian.PutUint64(b[0:8], ns.Blocks)   // NSZE
	binary.LittleEndian.PutUint64(b[8:16], ns.Blocks)  // NCAP
	binary.LittleEndian.PutUint64(b[16:24], ns.Blocks) // NUSE
	b[25] = 0                                          // NLBAF: one format
	b[26] = 0                                          // FLBAS: format 0
	// LBAF0: no metadata, LBADS = block shift
	b[130] = ns.LBAShift
}

func (m *Mem) activeNSList(b []byte) {
	ids := make([]uint32, 0, len(m.nss))
	for nsid := range m.nss {
		ids = append(ids, nsid)
	}
	// The list is ordered by nsid.
	for i := 1; i < len(ids); i++ {
		for j := i; j > 0 && ids[j-1] > ids[j]; j-- {
			ids[j-1], ids[j] = ids[j], ids[j-1]
		}
	}
	for i, nsid := range ids {
		if (i+1)*4 > len(b) {
			break
		}
		binary.LittleEndian.PutUint32(b[i*4:], nsid)
	}
}

func copyPadded(dst []byte, s string) {
	for i := range dst {
		dst[i] = ' '
	}
	copy(dst, s)
}

func (m *Mem) submitIO(ns *memNamespace, cmd *nvme.Command, buf []byte) (uint16, uint32, error) {
	switch cmd.Opcode {
	case nvme.IOFlush:
		return nvme.SCSuccess, 0, nil

	case nvme.IORead:
		if st := ns.checkRange(cmd); st != nvme.SCSuccess {
			return st, 0, nil
		}
		ns.read(cmd.RWStartLBA(), buf)
		return nvme.SCSuccess, 0, nil

	case nvme.IOWrite:
		if st := ns.checkRange(cmd); st != nvme.SCSuccess {
			return st, 0, nil
		}
		ns.write(cmd.RWStartLBA(), buf)
		return nvme.SCSuccess, 0, nil

	case nvme.IOWriteZeroes:
		if st := ns.checkRange(cmd); st != nvme.SCSuccess {
			return st, 0, nil
		}
		ns.discard(cmd.RWStartLBA(), uint64(cmd.RWBlocks()))
		return nvme.SCSuccess, 0, nil

	case nvme.IODSM:
		// Only the deallocate attribute matters to us.
		if cmd.CDW11&(1<<2) != 0 {
			ns.dsmDeallocate(cmd, buf)
		}
		return nvme.SCSuccess, 0, nil
	}
	return nvme.SCInvalidOpcode | nvme.StatusDNR, 0, nil
}

func (ns *memNamespace) checkRange(cmd *nvme.Command) uint16 {
	lba := cmd.RWStartLBA()
	blocks := uint64(cmd.RWBlocks())
	// Ordered so a huge lba cannot wrap the sum past the bound.
	if blocks > ns.info.Blocks || lba > ns.info.Blocks-blocks {
		return nvme.SCInvalidField | nvme.StatusDNR
	}
	return nvme.SCSuccess
}

func (ns *memNamespace) read(lba uint64, buf []byte) {
	bs := 1 << ns.info.LBAShift
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	for off := 0; off < len(buf); off += bs {
		blk := ns.blocks[lba+uint64(off/bs)]
		dst := buf[off:min(off+bs, len(buf))]
		if blk == nil {
			clear(dst)
		} else {
			copy(dst, blk)
		}
	}
}

func (ns *memNamespace) write(lba uint64, buf []byte) {
	bs := 1 << ns.info.LBAShift
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for off := 0; off < len(buf); off += bs {
		blk := make([]byte, bs)
		copy(blk, buf[off:min(off+bs, len(buf))])
		ns.blocks[lba+uint64(off/bs)] = blk
	}
}

func (ns *memNamespace) discard(lba, blocks uint64) {
	ns.mu.Lock()
	defer ns.mu.Unlock()
	for i := uint64(0); i < blocks; i++ {
		delete(ns.blocks, lba+i)
	}
}

func (ns *memNamespace) dsmDeallocate(cmd *nvme.Command, buf []byte) {
	// Each range descriptor: attributes u32, block count u32, start lba
	// u64, little endian.
	n := int(cmd.DSMRanges())
	for i := 0; i < n && (i+1)*nvme.DSMRangeLen <= len(buf); i++ {
		d := buf[i*nvme.DSMRangeLen:]
		blocks := binary.LittleEndian.Uint32(d[4:8])
		lba := binary.LittleEndian.Uint64(d[8:16])
		ns.discard(lba, uint64(blocks))
	}
}
