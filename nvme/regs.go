package nvme

import "sync/atomic"

// Controller register offsets within BAR 0, per the published NVMe
// register layout. Doorbells start at RegDBS with a 4 byte stride
// (CAP.DSTRD = 0): SQ y tail at RegDBS + y*8, CQ y head at
// RegDBS + y*8 + 4.
const (
	RegCAP   = 0x00
	RegVS    = 0x08
	RegINTMS = 0x0c
	RegINTMC = 0x10
	RegCC    = 0x14
	RegCSTS  = 0x1c
	RegAQA   = 0x24
	RegASQ   = 0x28
	RegACQ   = 0x30
	RegDBS   = 0x1000
)

// SQDoorbell returns the register offset of the submission queue tail
// doorbell for qid.
func SQDoorbell(qid uint16) int { return RegDBS + int(qid)*8 }

// CQDoorbell returns the register offset of the completion queue head
// doorbell for qid.
func CQDoorbell(qid uint16) int { return RegDBS + int(qid)*8 + 4 }

// CC fields.
const (
	CCEnable      uint32 = 1 << 0
	CCCSSShift           = 4
	CCMPSShift           = 7
	CCMPSMask     uint32 = 0xf
	CCSHNShift           = 14
	CCSHNNormal   uint32 = 1 << 14
	CCSHNAbrupt   uint32 = 2 << 14
	CCSHNMask     uint32 = 3 << 14
	CCIOSQESShift        = 16
	CCIOCQESShift        = 20
)

// CSTS fields.
const (
	CSTSReady     uint32 = 1 << 0
	CSTSFatal     uint32 = 1 << 1
	CSTSSHSTCmplt uint32 = 2 << 2
	CSTSSHSTMask  uint32 = 3 << 2
)

// CAP fields.
const (
	CAPMQESMask    uint64 = 0xffff
	CAPCQR         uint64 = 1 << 16
	CAPDSTRDShift         = 32
	CAPDSTRDMask   uint64 = 0xf << 32
	CAPNSSRS       uint64 = 1 << 36
	CAPBPS         uint64 = 1 << 45
	CAPMPSMinShift        = 48
	CAPMPSMaxShift        = 52
	CAPPMRS        uint64 = 1 << 56
	CAPCMBS        uint64 = 1 << 57
)

// CapMQES extracts the 0-based maximum queue entries supported.
func CapMQES(cap uint64) uint16 { return uint16(cap & CAPMQESMask) }

// AQA fields: 0-based admin queue sizes.
func AQASQSize(aqa uint32) uint16 { return uint16(aqa & 0xfff) }
func AQACQSize(aqa uint32) uint16 { return uint16((aqa >> 16) & 0xfff) }

// AdminSQESLog2 is the fixed log2 entry size of the admin submission
// queue (64 bytes). Admin CQ entries are always CompletionLen.
const AdminSQESLog2 = 6

// RegBlock is the host-visible register file backing BAR 0. The host
// writes doorbells (and CC) concurrently with the controller, so every
// access is an explicit 32-bit atomic over the shared backing slice;
// 64-bit registers are composed from two 32-bit halves the same way a
// host with a 32-bit bus would access them.
type RegBlock struct {
	mem []uint32
}

// NewRegBlock wraps a BAR allocation. The slice length must cover
// RegDBS plus one doorbell pair per supported queue.
func NewRegBlock(mem []uint32) *RegBlock {
	return &RegBlock{mem: mem}
}

// Size returns the register file size in bytes.
func (r *RegBlock) Size() int { return len(r.mem) * 4 }

// Read32 returns the register at byte offset off.
func (r *RegBlock) Read32(off int) uint32 {
	return atomic.LoadUint32(&r.mem[off/4])
}

// Write32 stores v at byte offset off.
func (r *RegBlock) Write32(off int, v uint32) {
	atomic.StoreUint32(&r.mem[off/4], v)
}

// Read64 returns the 64-bit register at byte offset off, low half first.
func (r *RegBlock) Read64(off int) uint64 {
	return uint64(r.Read32(off)) | uint64(r.Read32(off+4))<<32
}

// Write64 stores v at byte offset off as two 32-bit halves.
func (r *RegBlock) Write64(off int, v uint64) {
	r.Write32(off, uint32(v))
	r.Write32(off+4, uint32(v>>32))
}
