package nvme

import "fmt"

// Status codes as carried in the upper 15 bits of a completion entry's
// status field. Values follow the NVMe base specification: generic codes
// in 0x00..0xff, command specific codes offset by 0x100 (status code
// type 1).
const (
	SCSuccess          uint16 = 0x0
	SCInvalidOpcode    uint16 = 0x1
	SCInvalidField     uint16 = 0x2
	SCCmdIDConflict    uint16 = 0x3
	SCDataXferError    uint16 = 0x4
	SCInternal         uint16 = 0x6
	SCAbortRequested   uint16 = 0x7
	SCInvalidNamespace uint16 = 0xb
	SCCmdSeqError      uint16 = 0xc
	SCPRPInvalidOffset uint16 = 0x13

	SCCQInvalid     uint16 = 0x100
	SCQIDInvalid    uint16 = 0x101
	SCQueueSize     uint16 = 0x102
	SCInvalidVector uint16 = 0x108
	SCInvalidQueue  uint16 = 0x10c
)

// StatusDNR is the do-not-retry bit of the 15-bit status field.
const StatusDNR uint16 = 0x4000

var statusNames = map[uint16]string{
	SCSuccess:          "success",
	SCInvalidOpcode:    "invalid opcode",
	SCInvalidField:     "invalid field",
	SCCmdIDConflict:    "command id conflict",
	SCDataXferError:    "data transfer error",
	SCInternal:         "internal error",
	SCAbortRequested:   "abort requested",
	SCInvalidNamespace: "invalid namespace",
	SCCmdSeqError:      "command sequence error",
	SCPRPInvalidOffset: "prp offset invalid",
	SCCQInvalid:        "completion queue invalid",
	SCQIDInvalid:       "queue id invalid",
	SCQueueSize:        "queue size invalid",
	SCInvalidVector:    "interrupt vector invalid",
	SCInvalidQueue:     "invalid queue",
}

// StatusName returns a human readable name for a status code, ignoring
// the DNR bit.
func StatusName(sc uint16) string {
	if n, ok := statusNames[sc&^StatusDNR]; ok {
		return n
	}
	return fmt.Sprintf("status(%#x)", sc)
}
