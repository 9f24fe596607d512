package roce

import (
	"hash/crc32"
	"net/netip"
)

// PseudoHeaderSize is the length of the masked pseudo-header the invariant
// CRC is computed over.
const PseudoHeaderSize = 46

// InvariantFields are the IPv4, UDP and BTH fields that feed the invariant
// CRC. TOS, FlagsFragment, TTL, HeaderChecksum, UDPChecksum and the BTH
// FECN/BECN/Resv6 bits may be rewritten in flight and are masked to all ones.
type InvariantFields struct {
	VersionIHL     uint8
	TOS            uint8
	TotalLength    uint16
	FlagsFragment  uint16
	TTL            uint8
	Protocol       uint8
	HeaderChecksum uint16
	SrcIP          netip.Addr
	DstIP          netip.Addr
	SrcPort        uint16
	DstPort        uint16
	UDPLength      uint16
	UDPChecksum    uint16
	BTH            BTH
}

// PseudoHeader lays out the 46 byte masked header in transmission order.
func PseudoHeader(f InvariantFields) []byte {
	b := make([]byte, 0, PseudoHeaderSize)
	b = appendU64(b, 0xffffffffffffffff)

	b = append(b, f.VersionIHL, 0xff)
	b = appendU16(b, f.TotalLength)
	b = appendU16(b, 0xffff)

	b = append(b, 0xff, f.Protocol)
	b = appendU16(b, 0xffff)
	b = appendIPv4(b, f.SrcIP)

	b = appendIPv4(b, f.DstIP)
	b = appendU16(b, f.SrcPort)
	b = appendU16(b, f.DstPort)

	b = appendU16(b, f.UDPLength)
	b = appendU16(b, 0xffff)
	b = append(b, f.BTH.Opcode, f.BTH.FlagsByte())
	b = appendU16(b, f.BTH.PKey)

	b = append(b, 0xff, byte(f.BTH.DestQP>>16))
	b = appendU16(b, uint16(f.BTH.DestQP))
	b = append(b, f.BTH.ackByte(), byte(f.BTH.PSN>>16))
	return appendU16(b, uint16(f.BTH.PSN))
}

// InvariantCRC returns the CRC-32 (IEEE) of the pseudo-header.
func InvariantCRC(f InvariantFields) uint32 {
	return crc32.ChecksumIEEE(PseudoHeader(f))
}

func appendIPv4(b []byte, a netip.Addr) []byte {
	a = a.Unmap()
	if !a.Is4() {
		return append(b, 0, 0, 0, 0)
	}
	v := a.As4()
	return append(b, v[:]...)
}
