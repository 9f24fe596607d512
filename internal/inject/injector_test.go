package inject

import (
	"context"
	"encoding/binary"
	"errors"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/dtachannel/internal/bootstrap"
	"github.com/yuuki/dtachannel/internal/config"
	"github.com/yuuki/dtachannel/internal/dta"
	"github.com/yuuki/dtachannel/internal/metadata"
	"github.com/yuuki/dtachannel/internal/roce"
)

type recordingSink struct {
	mu     sync.Mutex
	frames [][]byte
	err    error
}

func (s *recordingSink) WritePacketData(data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.frames = append(s.frames, append([]byte(nil), data...))
	return nil
}

func dtaEndpoint() roce.Endpoint {
	ep := roce.DefaultEndpoint()
	ep.SrcPort = dta.DefaultSrcPort
	ep.DstPort = dta.DefaultDstPort
	return ep
}

func testConfig(op string) *config.InjectConfig {
	return &config.InjectConfig{
		Operation:  op,
		Key:        42,
		Data:       1000,
		Counter:    7,
		Redundancy: 4,
		ListID:     3,
		Flow: config.FlowConfig{
			SrcIP:   netip.MustParseAddr("10.0.0.1"),
			DstIP:   netip.MustParseAddr("10.0.0.2"),
			SrcPort: 1234,
			DstPort: 80,
			Proto:   6,
		},
		BatchSize: 1,
		Endpoint:  dtaEndpoint(),
		RoCEPort:  roce.DefaultPort,
	}
}

func decodeFrame(t *testing.T, frame []byte) *roce.Datagram {
	t.Helper()
	dg, err := roce.NewDecoder().Decode(frame)
	require.NoError(t, err)
	return dg
}

func decodeRecord(t *testing.T, frame []byte) dta.Message {
	t.Helper()
	dg := decodeFrame(t, frame)
	assert.Equal(t, uint16(dta.DefaultSrcPort), dg.Fields.SrcPort)
	assert.Equal(t, uint16(dta.DefaultDstPort), dg.Fields.DstPort)
	msg, err := dta.Decode(dg.Payload)
	require.NoError(t, err)
	return msg
}

func TestSingleKeyWrite(t *testing.T) {
	sink := &recordingSink{}
	inj, err := New(testConfig(config.OperationKeyWrite), sink)
	require.NoError(t, err)

	sent, err := inj.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, sent)
	require.Len(t, sink.frames, 1)

	dg := decodeFrame(t, sink.frames[0])
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x04, 0, 0, 0, 42, 0, 0, 0x03, 0xe8}, dg.Payload)
}

func TestOperations(t *testing.T) {
	tests := []struct {
		op   string
		want dta.Record
	}{
		{config.OperationKeyWrite, dta.KeyWrite{Redundancy: 4, Key: 42, Data: 1000}},
		{config.OperationKeyIncrement, dta.KeyIncrement{Redundancy: 4, Key: 42, Counter: 7}},
		{config.OperationAppend, dta.Append{ListID: 3, Data: 1000}},
		{config.OperationPostcard, dta.Postcard{SrcIP: 0x0a000001, DstIP: 0x0a000002, SrcPort: 1234, DstPort: 80, Proto: 6, Data: 1000}},
	}
	for _, tt := range tests {
		t.Run(tt.op, func(t *testing.T) {
			inj, err := New(testConfig(tt.op), &recordingSink{})
			require.NoError(t, err)

			frame, err := inj.Frame(0)
			require.NoError(t, err)
			msg := decodeRecord(t, frame)
			assert.Equal(t, tt.want.Opcode(), msg.Base.Opcode)
			assert.Equal(t, tt.want, msg.Record)
		})
	}
}

func TestLoopIncrementsAndSequences(t *testing.T) {
	cfg := testConfig(config.OperationKeyWrite)
	cfg.Loop = true
	cfg.Count = 5
	cfg.BatchSize = 2
	cfg.IncrementKey = true
	cfg.IncrementData = true

	sink := &recordingSink{}
	inj, err := New(cfg, sink)
	require.NoError(t, err)

	sent, err := inj.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, sent)
	require.Len(t, sink.frames, 5)

	for n, frame := range sink.frames {
		msg := decodeRecord(t, frame)
		assert.Equal(t, uint8(n), msg.Base.Seq)
		assert.Equal(t, dta.KeyWrite{Redundancy: 4, Key: 42 + uint32(n), Data: 1000 + uint32(n)}, msg.Record)
	}
}

func TestLoopStopsOnCancel(t *testing.T) {
	cfg := testConfig(config.OperationAppend)
	cfg.Loop = true
	cfg.BatchSize = 10
	cfg.BatchInterval = 10 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	sink := &recordingSink{}
	inj, err := New(cfg, sink)
	require.NoError(t, err)

	sent, err := inj.Run(ctx)
	require.NoError(t, err)
	assert.Positive(t, sent)
	assert.Len(t, sink.frames, sent)
}

func TestRateLimited(t *testing.T) {
	cfg := testConfig(config.OperationAppend)
	cfg.Loop = true
	cfg.Count = 5
	cfg.Rate = 50

	inj, err := New(cfg, &recordingSink{})
	require.NoError(t, err)

	start := time.Now()
	sent, err := inj.Run(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 5, sent)
	// Four gaps of 20ms after the first frame.
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestSinkFailure(t *testing.T) {
	cfg := testConfig(config.OperationKeyWrite)
	cfg.Loop = true
	cfg.Count = 3

	inj, err := New(cfg, &recordingSink{err: errors.New("link down")})
	require.NoError(t, err)

	sent, err := inj.Run(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 0, sent)
}

func TestRDMAWrite(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, metadata.Write(dir, bootstrap.ConnectionParameters{
		QueuePairNumber: 0x00ab12,
		StartPSN:        0xfffffe,
		RemoteAddress:   0x00007fab00000000,
		RemoteLength:    16,
		RemoteKey:       0xcafe,
	}))

	cfg := testConfig(config.OperationRDMAWrite)
	cfg.MetadataDir = dir
	cfg.Key = 3
	cfg.IncrementKey = true
	cfg.Loop = true
	cfg.Count = 3

	sink := &recordingSink{}
	inj, err := New(cfg, sink)
	require.NoError(t, err)

	sent, err := inj.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 3, sent)

	wantPSN := []uint32{0xfffffe, 0xffffff, 0}
	// Keys 3, 4, 5 map to slots 3, 0, 1 of the four slot region.
	wantAddr := []uint64{0x00007fab0000000c, 0x00007fab00000000, 0x00007fab00000004}
	for n, frame := range sink.frames {
		dg := decodeFrame(t, frame)
		assert.Equal(t, uint16(roce.DefaultPort), dg.Fields.DstPort)
		assert.True(t, dg.VerifyICRC(), "frame %d", n)

		pkt, err := roce.Decode(dg.Payload, roce.KindRDMAWrite)
		require.NoError(t, err)
		assert.Equal(t, uint8(roce.OpcodeRCRDMAWriteOnly), pkt.BTH.Opcode)
		assert.Equal(t, uint32(0x00ab12), pkt.BTH.DestQP)
		assert.Equal(t, wantPSN[n], pkt.BTH.PSN)
		require.NotNil(t, pkt.RETH)
		assert.Equal(t, wantAddr[n], pkt.RETH.VirtualAddress)
		assert.Equal(t, uint32(0xcafe), pkt.RETH.RKey)
		assert.Equal(t, uint32(4), pkt.RETH.DMALength)
		assert.Equal(t, uint32(1000), binary.BigEndian.Uint32(pkt.Payload))
	}
}

func TestRDMAWriteNeedsMetadata(t *testing.T) {
	cfg := testConfig(config.OperationRDMAWrite)
	cfg.MetadataDir = t.TempDir()

	_, err := New(cfg, &recordingSink{})
	assert.ErrorIs(t, err, metadata.ErrIncomplete)
}
