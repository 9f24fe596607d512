// Package roce encodes and decodes the RoCEv2 headers used to bootstrap a
// one-sided RDMA channel: the base transport header and its extensions, the
// RDMA-CM connection management MADs and the invariant CRC trailer.
package roce

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// ErrMalformedHeader is returned when a header is decoded from a slice whose
// length does not match the header's fixed layout.
var ErrMalformedHeader = errors.New("malformed header")

// Fixed header sizes in bytes.
const (
	BTHSize  = 12
	DETHSize = 8
	MADSize  = 24
	CMSize   = 232
	AETHSize = 4
	RETHSize = 16
	ICRCSize = 4
)

// DefaultPort is the IANA assigned UDP destination port for RoCEv2.
const DefaultPort = 4791

// BTH opcodes used by the bootstrap and injection paths.
const (
	OpcodeRCSendOnly      uint8 = 0x04
	OpcodeRCRDMAWriteOnly uint8 = 0x0a
	OpcodeRCAck           uint8 = 0x11
	OpcodeUDSendOnly      uint8 = 0x64
)

func checkLen(name string, b []byte, want int) error {
	if len(b) != want {
		return fmt.Errorf("%w: %s needs %d bytes, got %d", ErrMalformedHeader, name, want, len(b))
	}
	return nil
}

func put24(b []byte, v uint32) {
	b[0] = byte(v >> 16)
	b[1] = byte(v >> 8)
	b[2] = byte(v)
}

func get24(b []byte) uint32 {
	return uint32(b[0])<<16 | uint32(b[1])<<8 | uint32(b[2])
}

func append24(b []byte, v uint32) []byte {
	return append(b, byte(v>>16), byte(v>>8), byte(v))
}

func appendU16(b []byte, v uint16) []byte { return binary.BigEndian.AppendUint16(b, v) }
func appendU32(b []byte, v uint32) []byte { return binary.BigEndian.AppendUint32(b, v) }
func appendU64(b []byte, v uint64) []byte { return binary.BigEndian.AppendUint64(b, v) }

func b2u(v bool) uint8 {
	if v {
		return 1
	}
	return 0
}
