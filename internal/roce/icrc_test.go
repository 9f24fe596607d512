package roce

import (
	"encoding/binary"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleFields() InvariantFields {
	return InvariantFields{
		VersionIHL:    0x45,
		TotalLength:   20 + 8 + 280,
		FlagsFragment: 0x4000,
		TTL:           64,
		Protocol:      17,
		SrcIP:         netip.MustParseAddr("10.0.0.101"),
		DstIP:         netip.MustParseAddr("10.0.0.51"),
		SrcPort:       10000,
		DstPort:       4791,
		UDPLength:     8 + 280,
		BTH:           BTH{Opcode: OpcodeUDSendOnly, MigReq: true, PKey: 0xffff, DestQP: 1, PSN: 100},
	}
}

func TestPseudoHeaderLayout(t *testing.T) {
	f := sampleFields()
	b := PseudoHeader(f)
	require.Len(t, b, PseudoHeaderSize)

	assert.Equal(t, []byte{0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff, 0xff}, b[0:8])
	assert.Equal(t, []byte{0x45, 0xff}, b[8:10])
	assert.Equal(t, uint16(308), binary.BigEndian.Uint16(b[10:12]))
	assert.Equal(t, uint16(0xffff), binary.BigEndian.Uint16(b[12:14]))
	assert.Equal(t, []byte{0xff, 17, 0xff, 0xff, 10, 0, 0, 101}, b[14:22])
	assert.Equal(t, []byte{10, 0, 0, 51}, b[22:26])
	assert.Equal(t, uint16(10000), binary.BigEndian.Uint16(b[26:28]))
	assert.Equal(t, uint16(4791), binary.BigEndian.Uint16(b[28:30]))
	assert.Equal(t, uint16(288), binary.BigEndian.Uint16(b[30:32]))
	assert.Equal(t, []byte{0xff, 0xff, 0x64, 0x40, 0xff, 0xff}, b[32:38])
	assert.Equal(t, []byte{0xff, 0x00, 0x00, 0x01, 0x00, 0x00, 0x00, 0x64}, b[38:46])
}

func TestInvariantCRCDeterministic(t *testing.T) {
	f := sampleFields()
	assert.Equal(t, InvariantCRC(f), InvariantCRC(f))
}

func TestInvariantCRCIgnoresMaskedFields(t *testing.T) {
	base := InvariantCRC(sampleFields())

	mutations := map[string]func(*InvariantFields){
		"tos":             func(f *InvariantFields) { f.TOS = 0xb8 },
		"ttl":             func(f *InvariantFields) { f.TTL = 1 },
		"header checksum": func(f *InvariantFields) { f.HeaderChecksum = 0x1234 },
		"flags fragment":  func(f *InvariantFields) { f.FlagsFragment = 0 },
		"udp checksum":    func(f *InvariantFields) { f.UDPChecksum = 0xbeef },
		"fecn":            func(f *InvariantFields) { f.BTH.FECN = true },
		"becn":            func(f *InvariantFields) { f.BTH.BECN = true },
		"resv6":           func(f *InvariantFields) { f.BTH.Resv6 = 0x15 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			f := sampleFields()
			mutate(&f)
			assert.Equal(t, base, InvariantCRC(f))
		})
	}
}

func TestInvariantCRCCoversUnmaskedFields(t *testing.T) {
	base := InvariantCRC(sampleFields())

	mutations := map[string]func(*InvariantFields){
		"total length": func(f *InvariantFields) { f.TotalLength++ },
		"protocol":     func(f *InvariantFields) { f.Protocol = 6 },
		"src ip":       func(f *InvariantFields) { f.SrcIP = netip.MustParseAddr("10.0.0.102") },
		"dst ip":       func(f *InvariantFields) { f.DstIP = netip.MustParseAddr("10.0.0.52") },
		"src port":     func(f *InvariantFields) { f.SrcPort++ },
		"dst port":     func(f *InvariantFields) { f.DstPort++ },
		"udp length":   func(f *InvariantFields) { f.UDPLength++ },
		"opcode":       func(f *InvariantFields) { f.BTH.Opcode = OpcodeRCAck },
		"migreq":       func(f *InvariantFields) { f.BTH.MigReq = false },
		"pkey":         func(f *InvariantFields) { f.BTH.PKey = 0x7fff },
		"dest qp":      func(f *InvariantFields) { f.BTH.DestQP = 0x010001 },
		"ack request":  func(f *InvariantFields) { f.BTH.AckReq = true },
		"psn":          func(f *InvariantFields) { f.BTH.PSN = 101 },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			f := sampleFields()
			mutate(&f)
			assert.NotEqual(t, base, InvariantCRC(f))
		})
	}
}
