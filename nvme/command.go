package nvme

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Submission queue entry:
// 0                                                                       31
// |-----------------------------------------------------------------------|
// | Opcode (uint8)  | Flags (uint8) |         Command ID (uint16)         | 32
// |-----------------------------------------------------------------------|
// |                         Namespace ID (uint32)                         | 64
// |-----------------------------------------------------------------------|
// |                            CDW2, CDW3 ...                             |
// |                           Metadata (uint64)                           |
// |                             PRP1 (uint64)                             |
// |                             PRP2 (uint64)                             |
// |                           CDW10 ... CDW15                             |
// |-----------------------------------------------------------------------|
// 64 bytes total, little endian on the wire.

const (
	// CommandLen is the size of a submission queue entry. IOSQES may
	// negotiate larger entries but never smaller ones.
	CommandLen = 64

	// CompletionLen is the size of a completion queue entry.
	CompletionLen = 16
)

var ErrEntryTooShort = errors.New("queue entry is too short")

// Admin command opcodes.
const (
	AdminDeleteSQ    uint8 = 0x00
	AdminCreateSQ    uint8 = 0x01
	AdminGetLogPage  uint8 = 0x02
	AdminDeleteCQ    uint8 = 0x04
	AdminCreateCQ    uint8 = 0x05
	AdminIdentify    uint8 = 0x06
	AdminAbort       uint8 = 0x08
	AdminSetFeatures uint8 = 0x09
	AdminGetFeatures uint8 = 0x0a
	AdminAsyncEvent  uint8 = 0x0c
)

// I/O command opcodes.
const (
	IOFlush       uint8 = 0x00
	IOWrite       uint8 = 0x01
	IORead        uint8 = 0x02
	IOWriteZeroes uint8 = 0x08
	IODSM         uint8 = 0x09
)

// Command flags (byte 1 of the entry).
const (
	CmdFlagSGLMetaBuf uint8 = 1 << 6
	CmdFlagSGLMetaSeg uint8 = 1 << 7

	// CmdFlagSGLAll covers every PSDT encoding that selects SGLs.
	CmdFlagSGLAll = CmdFlagSGLMetaBuf | CmdFlagSGLMetaSeg
)

// Feature identifiers handled by the emulation layer.
const (
	FeatArbitration uint8 = 0x01
	FeatNumQueues   uint8 = 0x07
	FeatIRQCoalesce uint8 = 0x08
)

// Identify CNS values.
const (
	CNSNamespace    uint8 = 0x00
	CNSController   uint8 = 0x01
	CNSActiveNSList uint8 = 0x02
)

// IdentifyDataLen is the fixed payload size of every identify variant.
const IdentifyDataLen = 4096

// Log page identifiers.
const (
	LogError      uint8 = 0x01
	LogSmart      uint8 = 0x02
	LogFwSlot     uint8 = 0x03
	LogChangedNS  uint8 = 0x04
	LogCmdEffects uint8 = 0x05
)

// CmdEffectsCSUPP marks a command as supported in the commands supported
// and effects log page.
const CmdEffectsCSUPP uint32 = 1 << 0

// Queue flags carried in create SQ/CQ commands.
const (
	QueuePhysContig uint16 = 1 << 0
	CQIRQEnabled    uint16 = 1 << 1
)

// DSMRangeLen is the size of one dataset management range descriptor.
const DSMRangeLen = 16

var adminOpcodeNames = map[uint8]string{
	AdminDeleteSQ:    "delete-sq",
	AdminCreateSQ:    "create-sq",
	AdminGetLogPage:  "get-log-page",
	AdminDeleteCQ:    "delete-cq",
	AdminCreateCQ:    "create-cq",
	AdminIdentify:    "identify",
	AdminAbort:       "abort",
	AdminSetFeatures: "set-features",
	AdminGetFeatures: "get-features",
	AdminAsyncEvent:  "async-event-request",
}

var ioOpcodeNames = map[uint8]string{
	IOFlush:       "flush",
	IOWrite:       "write",
	IORead:        "read",
	IOWriteZeroes: "write-zeroes",
	IODSM:         "dsm",
}

// AdminOpcodeName returns a human readable name for an admin opcode.
func AdminOpcodeName(op uint8) string {
	if n, ok := adminOpcodeNames[op]; ok {
		return n
	}
	return fmt.Sprintf("admin(%#02x)", op)
}

// IOOpcodeName returns a human readable name for an I/O opcode.
func IOOpcodeName(op uint8) string {
	if n, ok := ioOpcodeNames[op]; ok {
		return n
	}
	return fmt.Sprintf("io(%#02x)", op)
}

// Command is a parsed submission queue entry.
type Command struct {
	Opcode    uint8
	Flags     uint8
	CommandID uint16
	NSID      uint32
	CDW2      uint32
	CDW3      uint32
	Metadata  uint64
	PRP1      uint64
	PRP2      uint64
	CDW10     uint32
	CDW11     uint32
	CDW12     uint32
	CDW13     uint32
	CDW14     uint32
	CDW15     uint32
}

// Parse fills c from the first CommandLen bytes of b.
func (c *Command) Parse(b []byte) error {
	if len(b) < CommandLen {
		return ErrEntryTooShort
	}
	c.Opcode = b[0]
	c.Flags = b[1]
	c.CommandID = binary.LittleEndian.Uint16(b[2:4])
	c.NSID = binary.LittleEndian.Uint32(b[4:8])
	c.CDW2 = binary.LittleEndian.Uint32(b[8:12])
	c.CDW3 = binary.LittleEndian.Uint32(b[12:16])
	c.Metadata = binary.LittleEndian.Uint64(b[16:24])
	c.PRP1 = binary.LittleEndian.Uint64(b[24:32])
	c.PRP2 = binary.LittleEndian.Uint64(b[32:40])
	c.CDW10 = binary.LittleEndian.Uint32(b[40:44])
	c.CDW11 = binary.LittleEndian.Uint32(b[44:48])
	c.CDW12 = binary.LittleEndian.Uint32(b[48:52])
	c.CDW13 = binary.LittleEndian.Uint32(b[52:56])
	c.CDW14 = binary.LittleEndian.Uint32(b[56:60])
	c.CDW15 = binary.LittleEndian.Uint32(b[60:64])
	return nil
}

// Encode writes c into b, which must hold at least CommandLen bytes.
func (c *Command) Encode(b []byte) ([]byte, error) {
	if len(b) < CommandLen {
		return nil, ErrEntryTooShort
	}
	b = b[:CommandLen]
	b[0] = c.Opcode
	b[1] = c.Flags
	binary.LittleEndian.PutUint16(b[2:4], c.CommandID)
	binary.LittleEndian.PutUint32(b[4:8], c.NSID)
	binary.LittleEndian.PutUint32(b[8:12], c.CDW2)
	binary.LittleEndian.PutUint32(b[12:16], c.CDW3)
	binary.LittleEndian.PutUint64(b[16:24], c.Metadata)
	binary.LittleEndian.PutUint64(b[24:32], c.PRP1)
	binary.LittleEndian.PutUint64(b[32:40], c.PRP2)
	binary.LittleEndian.PutUint32(b[40:44], c.CDW10)
	binary.LittleEndian.PutUint32(b[44:48], c.CDW11)
	binary.LittleEndian.PutUint32(b[48:52], c.CDW12)
	binary.LittleEndian.PutUint32(b[52:56], c.CDW13)
	binary.LittleEndian.PutUint32(b[56:60], c.CDW14)
	binary.LittleEndian.PutUint32(b[60:64], c.CDW15)
	return b, nil
}

func (c *Command) String() string {
	return fmt.Sprintf("opcode=%#02x cid=%d nsid=%d prp1=%#x prp2=%#x",
		c.Opcode, c.CommandID, c.NSID, c.PRP1, c.PRP2)
}

// Create/delete queue commands pack their arguments into CDW10/CDW11.

// QID returns the queue id of a create or delete queue command.
func (c *Command) QID() uint16 { return uint16(c.CDW10 & 0xffff) }

// QSize returns the 0-based queue size of a create queue command.
func (c *Command) QSize() uint16 { return uint16(c.CDW10 >> 16) }

// QFlags returns the queue flags of a create queue command.
func (c *Command) QFlags() uint16 { return uint16(c.CDW11 & 0xffff) }

// IRQVector returns the interrupt vector of a create CQ command.
func (c *Command) IRQVector() uint16 { return uint16(c.CDW11 >> 16) }

// CQID returns the target completion queue of a create SQ command.
func (c *Command) CQID() uint16 { return uint16(c.CDW11 >> 16) }

// FeatureID returns the feature selected by a set/get features command.
func (c *Command) FeatureID() uint8 { return uint8(c.CDW10 & 0xff) }

// CNS returns the identify structure selector.
func (c *Command) CNS() uint8 { return uint8(c.CDW10 & 0xff) }

// LogPageID returns the log page selected by a get log page command.
func (c *Command) LogPageID() uint8 { return uint8(c.CDW10 & 0xff) }

// LogPageLen returns the byte length requested by a get log page command.
// NUMDL/NUMDU encode a 0-based dword count split across CDW10 and CDW11.
func (c *Command) LogPageLen() int {
	dwords := (uint64(c.CDW10>>16) | uint64(c.CDW11&0xffff)<<16) + 1
	return int(dwords * 4)
}

// RWBlocks returns the 1-based logical block count of a read/write command.
func (c *Command) RWBlocks() uint32 { return (c.CDW12 & 0xffff) + 1 }

// RWStartLBA returns the first logical block of a read/write command.
func (c *Command) RWStartLBA() uint64 {
	return uint64(c.CDW10) | uint64(c.CDW11)<<32
}

// DSMRanges returns the 1-based range count of a dataset management command.
func (c *Command) DSMRanges() uint32 { return (c.CDW10 & 0xff) + 1 }

// Completion is a completion queue entry. The low bit of Status is the
// phase tag; the remaining 15 bits carry the status code (see status.go).
type Completion struct {
	Result    uint32
	Reserved  uint32
	SQHead    uint16
	SQID      uint16
	CommandID uint16
	Status    uint16
}

// Encode writes the completion into b, which must hold at least
// CompletionLen bytes.
func (e *Completion) Encode(b []byte) ([]byte, error) {
	if len(b) < CompletionLen {
		return nil, ErrEntryTooShort
	}
	b = b[:CompletionLen]
	binary.LittleEndian.PutUint32(b[0:4], e.Result)
	binary.LittleEndian.PutUint32(b[4:8], e.Reserved)
	binary.LittleEndian.PutUint16(b[8:10], e.SQHead)
	binary.LittleEndian.PutUint16(b[10:12], e.SQID)
	binary.LittleEndian.PutUint16(b[12:14], e.CommandID)
	binary.LittleEndian.PutUint16(b[14:16], e.Status)
	return b, nil
}

// Parse fills e from the first CompletionLen bytes of b.
func (e *Completion) Parse(b []byte) error {
	if len(b) < CompletionLen {
		return ErrEntryTooShort
	}
	e.Result = binary.LittleEndian.Uint32(b[0:4])
	e.Reserved = binary.LittleEndian.Uint32(b[4:8])
	e.SQHead = binary.LittleEndian.Uint16(b[8:10])
	e.SQID = binary.LittleEndian.Uint16(b[10:12])
	e.CommandID = binary.LittleEndian.Uint16(b[12:14])
	e.Status = binary.LittleEndian.Uint16(b[14:16])
	return nil
}

// Phase returns the phase tag of a posted completion.
func (e *Completion) Phase() uint16 { return e.Status & 1 }

// StatusCode returns the 15-bit status field of a posted completion.
func (e *Completion) StatusCode() uint16 { return e.Status >> 1 }
