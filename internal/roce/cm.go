package roce

import (
	"encoding/binary"
	"net/netip"
)

// Communication management attribute IDs.
const (
	AttrConnectRequest uint16 = 0x0010
	AttrConnectReply   uint16 = 0x0013
	AttrReadyToUse     uint16 = 0x0014
)

const (
	madBaseVersion    = 0x01
	madClassCM        = 0x07
	madClassVersion   = 0x02
	madMethodSend     = 0x03
	cmTransactionID   = 0x000000067c313d63
	cmAttrModifier    = 0x30000000
	rdmaCMServicePort = 0x0106 // RDMA_PS_TCP
	rdmaCMSourcePort  = 0xd079
	cmVendorWord      = 0x000015b3
)

// MAD is the management datagram header that prefixes every CM message.
type MAD struct {
	BaseVersion       uint8
	MgmtClass         uint8
	ClassVersion      uint8
	Method            uint8
	Status            uint16
	ClassSpecific     uint16
	TransactionID     uint64
	AttributeID       uint16
	Reserved          uint16
	AttributeModifier uint32
}

// NewCMMAD returns the CM class MAD header for the given attribute.
func NewCMMAD(attr uint16) MAD {
	return MAD{
		BaseVersion:       madBaseVersion,
		MgmtClass:         madClassCM,
		ClassVersion:      madClassVersion,
		Method:            madMethodSend,
		TransactionID:     cmTransactionID,
		AttributeID:       attr,
		AttributeModifier: cmAttrModifier,
	}
}

func (m MAD) Append(b []byte) []byte {
	b = append(b, m.BaseVersion, m.MgmtClass, m.ClassVersion, m.Method)
	b = appendU16(b, m.Status)
	b = appendU16(b, m.ClassSpecific)
	b = appendU64(b, m.TransactionID)
	b = appendU16(b, m.AttributeID)
	b = appendU16(b, m.Reserved)
	return appendU32(b, m.AttributeModifier)
}

func (m *MAD) Unmarshal(b []byte) error {
	if err := checkLen("MAD", b, MADSize); err != nil {
		return err
	}
	m.BaseVersion = b[0]
	m.MgmtClass = b[1]
	m.ClassVersion = b[2]
	m.Method = b[3]
	m.Status = binary.BigEndian.Uint16(b[4:6])
	m.ClassSpecific = binary.BigEndian.Uint16(b[6:8])
	m.TransactionID = binary.BigEndian.Uint64(b[8:16])
	m.AttributeID = binary.BigEndian.Uint16(b[16:18])
	m.Reserved = binary.BigEndian.Uint16(b[18:20])
	m.AttributeModifier = binary.BigEndian.Uint32(b[20:24])
	return nil
}

// ConnectRequest is the 232 byte CM REQ body.
type ConnectRequest struct {
	LocalCommID    uint32
	VendorWord     uint32
	ServiceID      uint64
	LocalCAGUID    uint64
	Reserved       uint32
	LocalQKey      uint32
	LocalQPWord    uint32 // QPN << 8 | responder resources
	TransportWords [4]uint32
	LIDWord        uint32
	PrimarySrcGID  [16]byte
	PrimaryDstGID  [16]byte
	PathWords      [2]uint32
	AlternatePath  [44]byte
	PrivateData    [92]byte
}

// DefaultCAGUID is the local channel adapter GUID advertised in requests.
const DefaultCAGUID uint64 = 0xb8cef60300d21326

// NewConnectRequest builds the request the translator sends for the given
// collector port. The port doubles as the local communication ID and as the
// RDMA-CM service port.
func NewConnectRequest(port uint16, caGUID uint64, src, dst netip.Addr) ConnectRequest {
	r := ConnectRequest{
		LocalCommID:    uint32(port),
		VendorWord:     cmVendorWord,
		ServiceID:      uint64(rdmaCMServicePort)<<16 | uint64(port),
		LocalCAGUID:    caGUID,
		LocalQPWord:    uint32(port) << 8,
		TransportWords: [4]uint32{0x00000003, 0x000000b0, 0xe6fb20b3, 0xffff30f0},
		LIDWord:        0xffffffff,
		PrimarySrcGID:  mappedGID(src),
		PrimaryDstGID:  mappedGID(dst),
		PathWords:      [2]uint32{0x943e0007, 0x00400098},
	}
	r.PrivateData = rdmaCMPrivateData(src, dst)
	return r
}

// mappedGID returns the IPv4-mapped GID for a RoCEv2 endpoint address.
func mappedGID(a netip.Addr) [16]byte {
	return a.As16()
}

func rdmaCMPrivateData(src, dst netip.Addr) [92]byte {
	var p [92]byte
	p[1] = 0x40 // IPv4
	binary.BigEndian.PutUint16(p[2:4], rdmaCMSourcePort)
	if src.Is4() {
		s := src.As4()
		copy(p[16:20], s[:])
	}
	if dst.Is4() {
		d := dst.As4()
		copy(p[32:36], d[:])
	}
	return p
}

func (r ConnectRequest) Append(b []byte) []byte {
	b = appendU32(b, r.LocalCommID)
	b = appendU32(b, r.VendorWord)
	b = appendU64(b, r.ServiceID)
	b = appendU64(b, r.LocalCAGUID)
	b = appendU32(b, r.Reserved)
	b = appendU32(b, r.LocalQKey)
	b = appendU32(b, r.LocalQPWord)
	for _, w := range r.TransportWords {
		b = appendU32(b, w)
	}
	b = appendU32(b, r.LIDWord)
	b = append(b, r.PrimarySrcGID[:]...)
	b = append(b, r.PrimaryDstGID[:]...)
	for _, w := range r.PathWords {
		b = appendU32(b, w)
	}
	b = append(b, r.AlternatePath[:]...)
	return append(b, r.PrivateData[:]...)
}

func (r *ConnectRequest) Unmarshal(b []byte) error {
	if err := checkLen("ConnectRequest", b, CMSize); err != nil {
		return err
	}
	r.LocalCommID = binary.BigEndian.Uint32(b[0:4])
	r.VendorWord = binary.BigEndian.Uint32(b[4:8])
	r.ServiceID = binary.BigEndian.Uint64(b[8:16])
	r.LocalCAGUID = binary.BigEndian.Uint64(b[16:24])
	r.Reserved = binary.BigEndian.Uint32(b[24:28])
	r.LocalQKey = binary.BigEndian.Uint32(b[28:32])
	r.LocalQPWord = binary.BigEndian.Uint32(b[32:36])
	off := 36
	for i := range r.TransportWords {
		r.TransportWords[i] = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
	}
	r.LIDWord = binary.BigEndian.Uint32(b[off : off+4])
	off += 4
	off += copy(r.PrimarySrcGID[:], b[off:])
	off += copy(r.PrimaryDstGID[:], b[off:])
	for i := range r.PathWords {
		r.PathWords[i] = binary.BigEndian.Uint32(b[off : off+4])
		off += 4
	}
	off += copy(r.AlternatePath[:], b[off:])
	copy(r.PrivateData[:], b[off:])
	return nil
}

// ConnectReply is the 232 byte CM REP body. Only the leading fields are
// interpreted; the rest is carried opaquely.
type ConnectReply struct {
	LocalCommID        uint32
	RemoteCommID       uint32
	LocalQKey          uint32
	LocalQPN           uint32 // 24 bits
	ResponderResources uint8
	LocalEECN          uint32 // 24 bits
	InitiatorDepth     uint8
	StartingPSN        uint32 // 24 bits
	Flags              uint8
	Rest               [208]byte
}

func (r ConnectReply) Append(b []byte) []byte {
	b = appendU32(b, r.LocalCommID)
	b = appendU32(b, r.RemoteCommID)
	b = appendU32(b, r.LocalQKey)
	b = append24(b, r.LocalQPN)
	b = append(b, r.ResponderResources)
	b = append24(b, r.LocalEECN)
	b = append(b, r.InitiatorDepth)
	b = append24(b, r.StartingPSN)
	b = append(b, r.Flags)
	return append(b, r.Rest[:]...)
}

func (r *ConnectReply) Unmarshal(b []byte) error {
	if err := checkLen("ConnectReply", b, CMSize); err != nil {
		return err
	}
	r.LocalCommID = binary.BigEndian.Uint32(b[0:4])
	r.RemoteCommID = binary.BigEndian.Uint32(b[4:8])
	r.LocalQKey = binary.BigEndian.Uint32(b[8:12])
	r.LocalQPN = get24(b[12:15])
	r.ResponderResources = b[15]
	r.LocalEECN = get24(b[16:19])
	r.InitiatorDepth = b[19]
	r.StartingPSN = get24(b[20:23])
	r.Flags = b[23]
	copy(r.Rest[:], b[24:])
	return nil
}

// ReadyToUse is the 232 byte CM RTU body.
type ReadyToUse struct {
	LocalCommID  uint32
	RemoteCommID uint32
	PrivateData  [224]byte
}

func (r ReadyToUse) Append(b []byte) []byte {
	b = appendU32(b, r.LocalCommID)
	b = appendU32(b, r.RemoteCommID)
	return append(b, r.PrivateData[:]...)
}

func (r *ReadyToUse) Unmarshal(b []byte) error {
	if err := checkLen("ReadyToUse", b, CMSize); err != nil {
		return err
	}
	r.LocalCommID = binary.BigEndian.Uint32(b[0:4])
	r.RemoteCommID = binary.BigEndian.Uint32(b[4:8])
	copy(r.PrivateData[:], b[8:])
	return nil
}
