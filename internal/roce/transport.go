package roce

import "encoding/binary"

// BTH is the InfiniBand base transport header carried by every RoCEv2 packet.
type BTH struct {
	Opcode    uint8
	Solicited bool
	MigReq    bool
	PadCount  uint8 // 2 bits
	Version   uint8 // 4 bits
	PKey      uint16
	FECN      bool
	BECN      bool
	Resv6     uint8  // 6 bits
	DestQP    uint32 // 24 bits
	AckReq    bool
	Resv7     uint8  // 7 bits
	PSN       uint32 // 24 bits
}

// FlagsByte returns byte 1 of the header: solicited, migreq, pad count and
// transport header version.
func (h BTH) FlagsByte() uint8 {
	return b2u(h.Solicited)<<7 | b2u(h.MigReq)<<6 | (h.PadCount&0x3)<<4 | h.Version&0xf
}

func (h BTH) congestionByte() uint8 {
	return b2u(h.FECN)<<7 | b2u(h.BECN)<<6 | h.Resv6&0x3f
}

func (h BTH) ackByte() uint8 {
	return b2u(h.AckReq)<<7 | h.Resv7&0x7f
}

// Append encodes the header onto b.
func (h BTH) Append(b []byte) []byte {
	b = append(b, h.Opcode, h.FlagsByte())
	b = appendU16(b, h.PKey)
	b = append(b, h.congestionByte())
	b = append24(b, h.DestQP)
	b = append(b, h.ackByte())
	return append24(b, h.PSN)
}

// Unmarshal decodes exactly BTHSize bytes.
func (h *BTH) Unmarshal(b []byte) error {
	if err := checkLen("BTH", b, BTHSize); err != nil {
		return err
	}
	h.Opcode = b[0]
	h.Solicited = b[1]&0x80 != 0
	h.MigReq = b[1]&0x40 != 0
	h.PadCount = (b[1] >> 4) & 0x3
	h.Version = b[1] & 0xf
	h.PKey = binary.BigEndian.Uint16(b[2:4])
	h.FECN = b[4]&0x80 != 0
	h.BECN = b[4]&0x40 != 0
	h.Resv6 = b[4] & 0x3f
	h.DestQP = get24(b[5:8])
	h.AckReq = b[8]&0x80 != 0
	h.Resv7 = b[8] & 0x7f
	h.PSN = get24(b[9:12])
	return nil
}

// DETH is the datagram extended transport header used by UD sends.
type DETH struct {
	QKey     uint32
	Reserved uint8
	SourceQP uint32 // 24 bits
}

func (h DETH) Append(b []byte) []byte {
	b = appendU32(b, h.QKey)
	b = append(b, h.Reserved)
	return append24(b, h.SourceQP)
}

func (h *DETH) Unmarshal(b []byte) error {
	if err := checkLen("DETH", b, DETHSize); err != nil {
		return err
	}
	h.QKey = binary.BigEndian.Uint32(b[0:4])
	h.Reserved = b[4]
	h.SourceQP = get24(b[5:8])
	return nil
}

// AETH is the ACK extended transport header.
type AETH struct {
	Syndrome uint8
	MSN      uint32 // 24 bits
}

func (h AETH) Append(b []byte) []byte {
	b = append(b, h.Syndrome)
	return append24(b, h.MSN)
}

func (h *AETH) Unmarshal(b []byte) error {
	if err := checkLen("AETH", b, AETHSize); err != nil {
		return err
	}
	h.Syndrome = b[0]
	h.MSN = get24(b[1:4])
	return nil
}

// RETH is the RDMA extended transport header that addresses remote memory.
type RETH struct {
	VirtualAddress uint64
	RKey           uint32
	DMALength      uint32
}

func (h RETH) Append(b []byte) []byte {
	b = appendU64(b, h.VirtualAddress)
	b = appendU32(b, h.RKey)
	return appendU32(b, h.DMALength)
}

func (h *RETH) Unmarshal(b []byte) error {
	if err := checkLen("RETH", b, RETHSize); err != nil {
		return err
	}
	h.VirtualAddress = binary.BigEndian.Uint64(b[0:8])
	h.RKey = binary.BigEndian.Uint32(b[8:12])
	h.DMALength = binary.BigEndian.Uint32(b[12:16])
	return nil
}
