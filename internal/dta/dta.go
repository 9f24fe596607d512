// Package dta encodes and decodes Direct Telemetry Access records: a three
// byte base header followed by an operation specific body.
package dta

import (
	"encoding/binary"
	"errors"
	"fmt"
)

var (
	// ErrUnknownOpcode is returned when the base header names no known operation.
	ErrUnknownOpcode = errors.New("unknown DTA opcode")
	// ErrMalformedRecord is returned when a record has the wrong length.
	ErrMalformedRecord = errors.New("malformed DTA record")
)

// Opcode selects the telemetry operation.
type Opcode uint8

const (
	OpKeyWrite     Opcode = 0x01
	OpAppend       Opcode = 0x02
	OpKeyIncrement Opcode = 0x03
	OpPostcard     Opcode = 0x04
)

func (o Opcode) String() string {
	switch o {
	case OpKeyWrite:
		return "keywrite"
	case OpAppend:
		return "append"
	case OpKeyIncrement:
		return "keyincrement"
	case OpPostcard:
		return "postcard"
	}
	return fmt.Sprintf("opcode(0x%02x)", uint8(o))
}

// Default UDP ports DTA reporters send from and to.
const (
	DefaultSrcPort = 40041
	DefaultDstPort = 40040
)

// BaseSize is the size of the base header.
const BaseSize = 3

// Base is the header shared by every record.
type Base struct {
	Opcode         Opcode
	Seq            uint8
	Immediate      bool
	Retransmitable bool
	Reserved       uint8 // 6 bits
}

func (b Base) Append(dst []byte) []byte {
	var flags uint8
	if b.Immediate {
		flags |= 0x80
	}
	if b.Retransmitable {
		flags |= 0x40
	}
	flags |= b.Reserved & 0x3f
	return append(dst, uint8(b.Opcode), b.Seq, flags)
}

func (b *Base) Unmarshal(src []byte) error {
	if len(src) != BaseSize {
		return fmt.Errorf("%w: base header needs %d bytes, got %d", ErrMalformedRecord, BaseSize, len(src))
	}
	b.Opcode = Opcode(src[0])
	b.Seq = src[1]
	b.Immediate = src[2]&0x80 != 0
	b.Retransmitable = src[2]&0x40 != 0
	b.Reserved = src[2] & 0x3f
	return nil
}

// Record is the body of one telemetry operation.
type Record interface {
	Opcode() Opcode
	Size() int
	Append(b []byte) []byte
}

// KeyWrite stores Data under Key in Redundancy slots.
type KeyWrite struct {
	Redundancy uint8
	Key        uint32
	Data       uint32
}

func (KeyWrite) Opcode() Opcode { return OpKeyWrite }
func (KeyWrite) Size() int      { return 9 }

func (r KeyWrite) Append(b []byte) []byte {
	b = append(b, r.Redundancy)
	b = binary.BigEndian.AppendUint32(b, r.Key)
	return binary.BigEndian.AppendUint32(b, r.Data)
}

func (r *KeyWrite) Unmarshal(b []byte) error {
	if err := checkSize(r, b); err != nil {
		return err
	}
	r.Redundancy = b[0]
	r.Key = binary.BigEndian.Uint32(b[1:5])
	r.Data = binary.BigEndian.Uint32(b[5:9])
	return nil
}

// KeyIncrement adds Counter to the value stored under Key.
type KeyIncrement struct {
	Redundancy uint8
	Key        uint32
	Counter    uint64
}

func (KeyIncrement) Opcode() Opcode { return OpKeyIncrement }
func (KeyIncrement) Size() int      { return 13 }

func (r KeyIncrement) Append(b []byte) []byte {
	b = append(b, r.Redundancy)
	b = binary.BigEndian.AppendUint32(b, r.Key)
	return binary.BigEndian.AppendUint64(b, r.Counter)
}

func (r *KeyIncrement) Unmarshal(b []byte) error {
	if err := checkSize(r, b); err != nil {
		return err
	}
	r.Redundancy = b[0]
	r.Key = binary.BigEndian.Uint32(b[1:5])
	r.Counter = binary.BigEndian.Uint64(b[5:13])
	return nil
}

// Append adds Data to the tail of list ListID.
type Append struct {
	ListID uint32
	Data   uint32
}

func (Append) Opcode() Opcode { return OpAppend }
func (Append) Size() int      { return 8 }

func (r Append) Append(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, r.ListID)
	return binary.BigEndian.AppendUint32(b, r.Data)
}

func (r *Append) Unmarshal(b []byte) error {
	if err := checkSize(r, b); err != nil {
		return err
	}
	r.ListID = binary.BigEndian.Uint32(b[0:4])
	r.Data = binary.BigEndian.Uint32(b[4:8])
	return nil
}

// Postcard reports a per-hop value for the flow identified by its five tuple.
type Postcard struct {
	SrcIP   uint32
	DstIP   uint32
	SrcPort uint16
	DstPort uint16
	Proto   uint8
	Data    uint32
}

func (Postcard) Opcode() Opcode { return OpPostcard }
func (Postcard) Size() int      { return 17 }

func (r Postcard) Append(b []byte) []byte {
	b = binary.BigEndian.AppendUint32(b, r.SrcIP)
	b = binary.BigEndian.AppendUint32(b, r.DstIP)
	b = binary.BigEndian.AppendUint16(b, r.SrcPort)
	b = binary.BigEndian.AppendUint16(b, r.DstPort)
	b = append(b, r.Proto)
	return binary.BigEndian.AppendUint32(b, r.Data)
}

func (r *Postcard) Unmarshal(b []byte) error {
	if err := checkSize(r, b); err != nil {
		return err
	}
	r.SrcIP = binary.BigEndian.Uint32(b[0:4])
	r.DstIP = binary.BigEndian.Uint32(b[4:8])
	r.SrcPort = binary.BigEndian.Uint16(b[8:10])
	r.DstPort = binary.BigEndian.Uint16(b[10:12])
	r.Proto = b[12]
	r.Data = binary.BigEndian.Uint32(b[13:17])
	return nil
}

func checkSize(r Record, b []byte) error {
	if len(b) != r.Size() {
		return fmt.Errorf("%w: %s body needs %d bytes, got %d", ErrMalformedRecord, r.Opcode(), r.Size(), len(b))
	}
	return nil
}

// Message is a base header together with its record.
type Message struct {
	Base   Base
	Record Record
}

// Marshal encodes m. The base opcode is taken from the record.
func Marshal(m Message) []byte {
	base := m.Base
	base.Opcode = m.Record.Opcode()
	b := make([]byte, 0, BaseSize+m.Record.Size())
	b = base.Append(b)
	return m.Record.Append(b)
}

// Encode encodes r with the low 8 bits of seq as its sequence number.
func Encode(r Record, seq uint64) []byte {
	return Marshal(Message{Base: Base{Seq: uint8(seq)}, Record: r})
}

// Decode parses a complete record. Records are returned by value.
func Decode(b []byte) (Message, error) {
	if len(b) < BaseSize {
		return Message{}, fmt.Errorf("%w: %d bytes is shorter than the base header", ErrMalformedRecord, len(b))
	}
	var m Message
	if err := m.Base.Unmarshal(b[:BaseSize]); err != nil {
		return Message{}, err
	}
	body := b[BaseSize:]

	var err error
	switch m.Base.Opcode {
	case OpKeyWrite:
		var r KeyWrite
		err = r.Unmarshal(body)
		m.Record = r
	case OpAppend:
		var r Append
		err = r.Unmarshal(body)
		m.Record = r
	case OpKeyIncrement:
		var r KeyIncrement
		err = r.Unmarshal(body)
		m.Record = r
	case OpPostcard:
		var r Postcard
		err = r.Unmarshal(body)
		m.Record = r
	default:
		return Message{}, fmt.Errorf("%w: 0x%02x", ErrUnknownOpcode, uint8(m.Base.Opcode))
	}
	if err != nil {
		return Message{}, err
	}
	return m, nil
}
