package roce

import (
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"net/netip"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
)

// ErrNotUDP is returned by Decoder.Decode for frames without an IPv4/UDP datagram.
var ErrNotUDP = errors.New("frame carries no IPv4/UDP datagram")

const (
	ipv4HeaderLen = 20
	udpHeaderLen  = 8
	versionIHL    = 0x45
	flagsDF       = 0x4000
)

// Endpoint describes the Ethernet/IPv4/UDP envelope of outbound frames.
type Endpoint struct {
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	IPID    uint16
	TOS     uint8
	TTL     uint8
}

// DefaultEndpoint returns the translator to collector envelope of the
// reference testbed.
func DefaultEndpoint() Endpoint {
	return Endpoint{
		SrcMAC:  net.HardwareAddr{0xb8, 0xce, 0xf6, 0xd2, 0x13, 0x26},
		DstMAC:  net.HardwareAddr{0xb8, 0xce, 0xf6, 0xd2, 0x12, 0xc7},
		SrcIP:   netip.MustParseAddr("10.0.0.101"),
		DstIP:   netip.MustParseAddr("10.0.0.51"),
		SrcPort: 10000,
		DstPort: DefaultPort,
		IPID:    0x2c70,
		TTL:     64,
	}
}

// InvariantFields returns the pseudo-header inputs p would be sent with.
func (e Endpoint) InvariantFields(p *Packet) InvariantFields {
	n := p.Len()
	return InvariantFields{
		VersionIHL:    versionIHL,
		TOS:           e.TOS,
		TotalLength:   uint16(ipv4HeaderLen + udpHeaderLen + n),
		FlagsFragment: flagsDF,
		TTL:           e.TTL,
		Protocol:      uint8(layers.IPProtocolUDP),
		SrcIP:         e.SrcIP,
		DstIP:         e.DstIP,
		SrcPort:       e.SrcPort,
		DstPort:       e.DstPort,
		UDPLength:     uint16(udpHeaderLen + n),
		BTH:           p.BTH,
	}
}

// Encapsulate stamps the invariant CRC into p and serializes it into an
// Ethernet frame addressed by e.
func Encapsulate(e Endpoint, p *Packet) ([]byte, error) {
	p.ICRC = InvariantCRC(e.InvariantFields(p))
	return SerializeUDP(e, p.Marshal())
}

// SerializeUDP wraps payload in Ethernet, IPv4 and UDP headers with lengths
// and checksums filled in.
func SerializeUDP(e Endpoint, payload []byte) ([]byte, error) {
	eth := &layers.Ethernet{
		SrcMAC:       e.SrcMAC,
		DstMAC:       e.DstMAC,
		EthernetType: layers.EthernetTypeIPv4,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TOS:      e.TOS,
		Id:       e.IPID,
		Flags:    layers.IPv4DontFragment,
		TTL:      e.TTL,
		Protocol: layers.IPProtocolUDP,
		SrcIP:    net.IP(e.SrcIP.AsSlice()),
		DstIP:    net.IP(e.DstIP.AsSlice()),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(e.SrcPort),
		DstPort: layers.UDPPort(e.DstPort),
	}
	if err := udp.SetNetworkLayerForChecksum(ip); err != nil {
		return nil, fmt.Errorf("failed to set network layer for checksum: %w", err)
	}

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{
		FixLengths:       true,
		ComputeChecksums: true,
	}
	if err := gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(payload)); err != nil {
		return nil, fmt.Errorf("failed to serialize frame: %w", err)
	}
	return buf.Bytes(), nil
}

// Datagram is an inbound UDP datagram together with the header fields the
// invariant CRC covers.
type Datagram struct {
	SrcMAC  net.HardwareAddr
	DstMAC  net.HardwareAddr
	Fields  InvariantFields
	Payload []byte
}

// VerifyICRC recomputes the invariant CRC and compares it with the trailer.
func (d *Datagram) VerifyICRC() bool {
	if len(d.Payload) < BTHSize+ICRCSize {
		return false
	}
	f := d.Fields
	if err := f.BTH.Unmarshal(d.Payload[:BTHSize]); err != nil {
		return false
	}
	want := binary.BigEndian.Uint32(d.Payload[len(d.Payload)-ICRCSize:])
	return InvariantCRC(f) == want
}

// Decoder unwraps Ethernet/IPv4/UDP frames. It reuses its layer buffers and
// is not safe for concurrent use.
type Decoder struct {
	parser  *gopacket.DecodingLayerParser
	eth     layers.Ethernet
	ip4     layers.IPv4
	udp     layers.UDP
	payload gopacket.Payload
	decoded []gopacket.LayerType
}

func NewDecoder() *Decoder {
	d := &Decoder{}
	d.parser = gopacket.NewDecodingLayerParser(
		layers.LayerTypeEthernet,
		&d.eth,
		&d.ip4,
		&d.udp,
		&d.payload,
	)
	d.parser.IgnoreUnsupported = true
	return d
}

// Decode returns the UDP datagram carried by frame. The payload is copied
// so it outlives the capture buffer.
func (d *Decoder) Decode(frame []byte) (*Datagram, error) {
	d.decoded = d.decoded[:0]
	if err := d.parser.DecodeLayers(frame, &d.decoded); err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	var haveIP, haveUDP bool
	for _, lt := range d.decoded {
		switch lt {
		case layers.LayerTypeIPv4:
			haveIP = true
		case layers.LayerTypeUDP:
			haveUDP = true
		}
	}
	if !haveIP || !haveUDP {
		return nil, ErrNotUDP
	}

	src, _ := netip.AddrFromSlice(d.ip4.SrcIP.To4())
	dst, _ := netip.AddrFromSlice(d.ip4.DstIP.To4())
	return &Datagram{
		SrcMAC: append(net.HardwareAddr(nil), d.eth.SrcMAC...),
		DstMAC: append(net.HardwareAddr(nil), d.eth.DstMAC...),
		Fields: InvariantFields{
			VersionIHL:     d.ip4.Version<<4 | d.ip4.IHL,
			TOS:            d.ip4.TOS,
			TotalLength:    d.ip4.Length,
			FlagsFragment:  uint16(d.ip4.Flags)<<13 | d.ip4.FragOffset,
			TTL:            d.ip4.TTL,
			Protocol:       uint8(d.ip4.Protocol),
			HeaderChecksum: d.ip4.Checksum,
			SrcIP:          src,
			DstIP:          dst,
			SrcPort:        uint16(d.udp.SrcPort),
			DstPort:        uint16(d.udp.DstPort),
			UDPLength:      d.udp.Length,
			UDPChecksum:    d.udp.Checksum,
		},
		Payload: append([]byte(nil), d.udp.Payload...),
	}, nil
}
