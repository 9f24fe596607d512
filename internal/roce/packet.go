package roce

import (
	"encoding/binary"
	"fmt"
)

// Kind identifies the header layout of a RoCEv2 UDP payload.
type Kind int

const (
	KindConnectRequest Kind = iota
	KindConnectReply
	KindReadyToUse
	KindAck
	KindSend
	KindRDMAWrite
)

var kindNames = map[Kind]string{
	KindConnectRequest: "ConnectRequest",
	KindConnectReply:   "ConnectReply",
	KindReadyToUse:     "ReadyToUse",
	KindAck:            "Ack",
	KindSend:           "Send",
	KindRDMAWrite:      "RDMAWrite",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("Kind(%d)", int(k))
}

// CMPacketSize is the size of a CM packet: BTH, DETH, MAD, CM body and iCRC.
const CMPacketSize = BTHSize + DETHSize + MADSize + CMSize + ICRCSize

// AckPacketSize is the size of an acknowledgement: BTH, AETH and iCRC.
const AckPacketSize = BTHSize + AETHSize + ICRCSize

// minLen returns the smallest payload length for the kind and whether the
// layout is fixed, in which case the length must match exactly.
func (k Kind) minLen() (int, bool) {
	switch k {
	case KindConnectRequest, KindConnectReply, KindReadyToUse:
		return CMPacketSize, true
	case KindAck:
		return AckPacketSize, true
	case KindSend:
		return BTHSize + ICRCSize, false
	case KindRDMAWrite:
		return BTHSize + RETHSize + ICRCSize, false
	}
	return 0, false
}

// Fits reports whether a payload of n bytes has the layout of kind k.
func (k Kind) Fits(n int) bool {
	want, exact := k.minLen()
	if want == 0 {
		return false
	}
	if exact {
		return n == want
	}
	return n >= want
}

// Packet is a decoded RoCEv2 UDP payload. Optional headers are nil when the
// layout does not carry them.
type Packet struct {
	BTH            BTH
	DETH           *DETH
	RETH           *RETH
	AETH           *AETH
	MAD            *MAD
	ConnectRequest *ConnectRequest
	ConnectReply   *ConnectReply
	ReadyToUse     *ReadyToUse
	Payload        []byte
	ICRC           uint32
}

// Len returns the encoded size of the packet including the iCRC trailer.
func (p *Packet) Len() int {
	n := BTHSize + len(p.Payload) + ICRCSize
	if p.DETH != nil {
		n += DETHSize
	}
	if p.RETH != nil {
		n += RETHSize
	}
	if p.AETH != nil {
		n += AETHSize
	}
	if p.MAD != nil {
		n += MADSize
	}
	if p.ConnectRequest != nil || p.ConnectReply != nil || p.ReadyToUse != nil {
		n += CMSize
	}
	return n
}

// Marshal encodes the packet in wire order followed by the iCRC trailer.
func (p *Packet) Marshal() []byte {
	b := make([]byte, 0, p.Len())
	b = p.BTH.Append(b)
	if p.DETH != nil {
		b = p.DETH.Append(b)
	}
	if p.RETH != nil {
		b = p.RETH.Append(b)
	}
	if p.AETH != nil {
		b = p.AETH.Append(b)
	}
	if p.MAD != nil {
		b = p.MAD.Append(b)
	}
	switch {
	case p.ConnectRequest != nil:
		b = p.ConnectRequest.Append(b)
	case p.ConnectReply != nil:
		b = p.ConnectReply.Append(b)
	case p.ReadyToUse != nil:
		b = p.ReadyToUse.Append(b)
	}
	b = append(b, p.Payload...)
	return appendU32(b, p.ICRC)
}

// Decode parses a UDP payload with the layout of kind. The total length is
// validated before any header is sliced.
func Decode(b []byte, kind Kind) (*Packet, error) {
	if !kind.Fits(len(b)) {
		return nil, fmt.Errorf("%w: %d bytes is not a %s packet", ErrMalformedHeader, len(b), kind)
	}
	p := &Packet{}
	if err := p.BTH.Unmarshal(b[:BTHSize]); err != nil {
		return nil, err
	}
	off := BTHSize
	end := len(b) - ICRCSize
	next := func(n int) []byte {
		s := b[off : off+n]
		off += n
		return s
	}

	switch kind {
	case KindConnectRequest, KindConnectReply, KindReadyToUse:
		p.DETH = &DETH{}
		if err := p.DETH.Unmarshal(next(DETHSize)); err != nil {
			return nil, err
		}
		p.MAD = &MAD{}
		if err := p.MAD.Unmarshal(next(MADSize)); err != nil {
			return nil, err
		}
		body := next(CMSize)
		var err error
		switch kind {
		case KindConnectRequest:
			p.ConnectRequest = &ConnectRequest{}
			err = p.ConnectRequest.Unmarshal(body)
		case KindConnectReply:
			p.ConnectReply = &ConnectReply{}
			err = p.ConnectReply.Unmarshal(body)
		default:
			p.ReadyToUse = &ReadyToUse{}
			err = p.ReadyToUse.Unmarshal(body)
		}
		if err != nil {
			return nil, err
		}
	case KindAck:
		p.AETH = &AETH{}
		if err := p.AETH.Unmarshal(next(AETHSize)); err != nil {
			return nil, err
		}
	case KindRDMAWrite:
		p.RETH = &RETH{}
		if err := p.RETH.Unmarshal(next(RETHSize)); err != nil {
			return nil, err
		}
	}

	if off < end {
		p.Payload = append([]byte(nil), b[off:end]...)
	}
	p.ICRC = binary.BigEndian.Uint32(b[end:])
	return p, nil
}

// MemoryRegionSize is the size of the memory region advertisement the
// collector sends after the handshake.
const MemoryRegionSize = 16

// MemoryRegion describes the collector's remote memory. The collector writes
// it as host order (little-endian) words: address, length, key.
type MemoryRegion struct {
	Address uint64
	Length  uint32
	RKey    uint32
}

// DecodeMemoryRegion parses the first MemoryRegionSize bytes of a SEND payload.
func DecodeMemoryRegion(b []byte) (MemoryRegion, error) {
	if len(b) < MemoryRegionSize {
		return MemoryRegion{}, fmt.Errorf("%w: memory region needs %d bytes, got %d", ErrMalformedHeader, MemoryRegionSize, len(b))
	}
	return MemoryRegion{
		Address: binary.LittleEndian.Uint64(b[0:8]),
		Length:  binary.LittleEndian.Uint32(b[8:12]),
		RKey:    binary.LittleEndian.Uint32(b[12:16]),
	}, nil
}

func (m MemoryRegion) Append(b []byte) []byte {
	b = binary.LittleEndian.AppendUint64(b, m.Address)
	b = binary.LittleEndian.AppendUint32(b, m.Length)
	return binary.LittleEndian.AppendUint32(b, m.RKey)
}
