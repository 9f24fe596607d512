package dta

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeyWriteEncoding(t *testing.T) {
	b := Encode(KeyWrite{Redundancy: 4, Key: 42, Data: 1000}, 0)
	require.Len(t, b, BaseSize+9)
	assert.Equal(t, byte(0x01), b[0])
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x04, 0x00, 0x00, 0x00, 0x2a, 0x00, 0x00, 0x03, 0xe8}, b)

	m, err := Decode(b)
	require.NoError(t, err)
	assert.Equal(t, OpKeyWrite, m.Base.Opcode)
	assert.Equal(t, KeyWrite{Redundancy: 4, Key: 42, Data: 1000}, m.Record)
}

func TestRecordRoundTrip(t *testing.T) {
	tests := []struct {
		name   string
		record Record
		size   int
	}{
		{"keywrite", KeyWrite{Redundancy: 0xff, Key: 0xffffffff, Data: 0xffffffff}, 12},
		{"keyincrement", KeyIncrement{Redundancy: 2, Key: 7, Counter: 0xffffffffffffffff}, 16},
		{"append", Append{ListID: 3, Data: 0xdeadbeef}, 11},
		{"postcard", Postcard{SrcIP: 0x0a000065, DstIP: 0x0a000033, SrcPort: 40041, DstPort: 40040, Proto: 17, Data: 9}, 20},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := Message{
				Base:   Base{Seq: 255, Immediate: true, Retransmitable: true, Reserved: 0x2a},
				Record: tt.record,
			}
			b := Marshal(msg)
			require.Len(t, b, tt.size)

			got, err := Decode(b)
			require.NoError(t, err)
			msg.Base.Opcode = tt.record.Opcode()
			assert.Equal(t, msg, got)
		})
	}
}

func TestBaseFlagBits(t *testing.T) {
	b := Base{Opcode: OpAppend, Seq: 9, Immediate: true}.Append(nil)
	assert.Equal(t, []byte{0x02, 0x09, 0x80}, b)

	b = Base{Opcode: OpAppend, Seq: 9, Retransmitable: true}.Append(nil)
	assert.Equal(t, []byte{0x02, 0x09, 0x40}, b)
}

func TestEncodeWrapsSequence(t *testing.T) {
	assert.Equal(t, byte(255), Encode(Append{}, 255)[1])
	assert.Equal(t, byte(0), Encode(Append{}, 256)[1])
	assert.Equal(t, byte(1), Encode(Append{}, 257)[1])
}

func TestDecodeErrors(t *testing.T) {
	_, err := Decode([]byte{0x01, 0x00})
	assert.ErrorIs(t, err, ErrMalformedRecord)

	_, err = Decode([]byte{0x7f, 0x00, 0x00, 0x01})
	assert.ErrorIs(t, err, ErrUnknownOpcode)

	b := Encode(KeyWrite{Key: 1}, 0)
	_, err = Decode(b[:len(b)-1])
	assert.ErrorIs(t, err, ErrMalformedRecord)

	_, err = Decode(append(Encode(Append{}, 0), 0x00))
	assert.ErrorIs(t, err, ErrMalformedRecord)
}

func TestOpcodeString(t *testing.T) {
	assert.Equal(t, "keywrite", OpKeyWrite.String())
	assert.Equal(t, "postcard", OpPostcard.String())
	assert.Equal(t, "opcode(0x7f)", Opcode(0x7f).String())
}

func TestSequencerWraps(t *testing.T) {
	var s Sequencer
	for i := 0; i < 256; i++ {
		assert.Equal(t, uint8(i), s.Next())
	}
	assert.Equal(t, uint8(0), s.Next())
	assert.Equal(t, byte(1), s.Stamp(KeyWrite{})[1])
}

func TestSequencerConcurrent(t *testing.T) {
	var s Sequencer
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 64; j++ {
				s.Next()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, uint8(0), s.Next())
}
