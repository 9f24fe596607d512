package bootstrap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/dtachannel/internal/roce"
)

// connectReply builds the collector's REP as it appears on the wire.
func connectReply(commID, qpn, psn uint32) []byte {
	mad := roce.NewCMMAD(roce.AttrConnectReply)
	pkt := &roce.Packet{
		BTH:  roce.BTH{Opcode: roce.OpcodeUDSendOnly, PKey: 0xffff, DestQP: 1},
		DETH: &roce.DETH{QKey: 0x80010000, SourceQP: 1},
		MAD:  &mad,
		ConnectReply: &roce.ConnectReply{
			LocalCommID:  commID,
			RemoteCommID: 1337,
			LocalQPN:     qpn,
			StartingPSN:  psn,
		},
	}
	return pkt.Marshal()
}

// metadataSend builds the collector's memory region advertisement.
func metadataSend(addr uint64, length, rkey uint32) []byte {
	pkt := &roce.Packet{
		BTH:     roce.BTH{Opcode: roce.OpcodeRCSendOnly, PKey: 0xffff, DestQP: 1337 << 8},
		Payload: roce.MemoryRegion{Address: addr, Length: length, RKey: rkey}.Append(nil),
	}
	return pkt.Marshal()
}

func startedMachine(t *testing.T) *Machine {
	t.Helper()
	m := NewMachine(1337, DefaultOptions())
	require.NoError(t, m.Start())
	require.Len(t, m.Outbound(), 1)
	return m
}

func TestStartQueuesConnectRequest(t *testing.T) {
	m := NewMachine(1337, DefaultOptions())
	assert.Equal(t, StateIdle, m.State())
	require.NoError(t, m.Start())
	assert.Equal(t, StateAwaitConnectReply, m.State())

	out := m.Outbound()
	require.Len(t, out, 1)
	req := out[0]
	assert.Equal(t, roce.OpcodeUDSendOnly, req.BTH.Opcode)
	assert.True(t, req.BTH.MigReq)
	assert.Equal(t, uint32(1), req.BTH.DestQP)
	assert.Equal(t, uint32(100), req.BTH.PSN)
	assert.Equal(t, uint32(0x80010000), req.DETH.QKey)
	assert.Equal(t, uint32(1337), req.DETH.SourceQP)
	assert.Equal(t, roce.AttrConnectRequest, req.MAD.AttributeID)
	assert.Equal(t, uint32(1337), req.ConnectRequest.LocalCommID)
	assert.Equal(t, uint32(1337<<8), req.ConnectRequest.LocalQPWord)
	assert.Equal(t, uint64(0x01060000|1337), req.ConnectRequest.ServiceID)
	assert.Equal(t, roce.CMPacketSize, req.Len())

	assert.Empty(t, m.Outbound())
	assert.Error(t, m.Start())
}

func TestHandshakeScenario(t *testing.T) {
	m := startedMachine(t)

	assert.Equal(t, StateAwaitMetadata, m.OnFrame(connectReply(0x1234, 0x00ab12, 0x000064)))
	_, ok := m.Params()
	assert.False(t, ok)

	assert.Equal(t, StateEstablished, m.OnFrame(metadataSend(0x00007fab00000000, 0x1000, 0xcafe)))
	require.NoError(t, m.Err())

	params, ok := m.Params()
	require.True(t, ok)
	assert.Equal(t, ConnectionParameters{
		LocalCommID:     1337,
		RemoteCommID:    0x1234,
		QueuePairNumber: 0x00ab12,
		StartPSN:        0x000064,
		RemoteAddress:   0x00007fab00000000,
		RemoteLength:    0x1000,
		RemoteKey:       0xcafe,
	}, params)

	out := m.Outbound()
	require.Len(t, out, 2)

	rtu := out[0]
	require.NotNil(t, rtu.ReadyToUse)
	assert.Equal(t, roce.AttrReadyToUse, rtu.MAD.AttributeID)
	assert.Equal(t, uint32(1337), rtu.ReadyToUse.LocalCommID)
	assert.Equal(t, uint32(0x1234), rtu.ReadyToUse.RemoteCommID)
	assert.Equal(t, roce.CMPacketSize, rtu.Len())

	ack := out[1]
	require.NotNil(t, ack.AETH)
	assert.Equal(t, roce.OpcodeRCAck, ack.BTH.Opcode)
	assert.Equal(t, uint32(0x00ab12), ack.BTH.DestQP)
	assert.Equal(t, uint32(2), ack.AETH.MSN)
	assert.Equal(t, roce.AckPacketSize, ack.Len())

	assert.Zero(t, m.Misclassified())
}

func TestEstablishedAcknowledgesExtraFrames(t *testing.T) {
	m := startedMachine(t)
	m.OnFrame(connectReply(0x1234, 0x00ab12, 0x64))
	m.OnFrame(metadataSend(1, 2, 3))
	m.Outbound()

	assert.Equal(t, StateEstablished, m.OnFrame([]byte{0x01}))
	out := m.Outbound()
	require.Len(t, out, 1)
	assert.Equal(t, uint32(3), out[0].AETH.MSN)

	params, ok := m.Params()
	require.True(t, ok)
	assert.Equal(t, uint64(1), params.RemoteAddress)
}

func TestTimeoutLeavesParametersUntouched(t *testing.T) {
	m := startedMachine(t)
	m.Timeout()

	assert.Equal(t, StateFailed, m.State())
	assert.ErrorIs(t, m.Err(), ErrTimeout)
	assert.NotErrorIs(t, m.Err(), ErrMalformedConnectReply)
	params, ok := m.Params()
	assert.False(t, ok)
	assert.Equal(t, ConnectionParameters{}, params)
	assert.Empty(t, m.Outbound())
}

func TestTimeoutWhileAwaitingMetadata(t *testing.T) {
	m := startedMachine(t)
	m.OnFrame(connectReply(0x1234, 0x00ab12, 0x64))
	m.Timeout()

	assert.Equal(t, StateFailed, m.State())
	assert.ErrorIs(t, m.Err(), ErrTimeout)
	_, ok := m.Params()
	assert.False(t, ok)
}

func TestShortConnectReplyFails(t *testing.T) {
	m := startedMachine(t)
	rep := connectReply(0x1234, 0x00ab12, 0x64)

	assert.Equal(t, StateFailed, m.OnFrame(rep[:100]))
	assert.ErrorIs(t, m.Err(), ErrMalformedConnectReply)
	assert.ErrorIs(t, m.Err(), roce.ErrMalformedHeader)
	assert.Empty(t, m.Outbound())

	// Terminal: later frames change nothing.
	assert.Equal(t, StateFailed, m.OnFrame(metadataSend(1, 2, 3)))
	assert.Empty(t, m.Outbound())
}

func TestShortMetadataFails(t *testing.T) {
	m := startedMachine(t)
	m.OnFrame(connectReply(0x1234, 0x00ab12, 0x64))
	m.Outbound()

	short := (&roce.Packet{BTH: roce.BTH{Opcode: roce.OpcodeRCSendOnly}, Payload: make([]byte, 8)}).Marshal()
	assert.Equal(t, StateFailed, m.OnFrame(short))
	assert.ErrorIs(t, m.Err(), ErrMalformedMetadata)
	assert.Empty(t, m.Outbound())
}

func TestMisclassifiedFrameIsCounted(t *testing.T) {
	m := startedMachine(t)

	// A metadata sized frame where the reply is expected is still decoded
	// as a reply, which fails on length.
	assert.Equal(t, StateFailed, m.OnFrame(metadataSend(1, 2, 3)))
	assert.Equal(t, 1, m.Misclassified())
	assert.ErrorIs(t, m.Err(), ErrMalformedConnectReply)
}

func TestMisclassifiedReplyWhileAwaitingMetadata(t *testing.T) {
	m := startedMachine(t)
	m.OnFrame(connectReply(0x1234, 0x00ab12, 0x64))

	// A retransmitted REP arrives second; its first bytes are read as the
	// memory region.
	assert.Equal(t, StateEstablished, m.OnFrame(connectReply(0x1234, 0x00ab12, 0x64)))
	assert.Equal(t, 1, m.Misclassified())
}

func TestAbort(t *testing.T) {
	m := startedMachine(t)
	m.Abort(assert.AnError)
	assert.Equal(t, StateFailed, m.State())
	assert.ErrorIs(t, m.Err(), ErrCanceled)
	assert.ErrorIs(t, m.Err(), assert.AnError)

	// No effect once terminal.
	m.Timeout()
	assert.NotErrorIs(t, m.Err(), ErrTimeout)
}

func TestStateString(t *testing.T) {
	assert.Equal(t, "AwaitConnectReply", StateAwaitConnectReply.String())
	assert.Equal(t, "State(9)", State(9).String())
	assert.True(t, StateFailed.Terminal())
	assert.False(t, StateAwaitMetadata.Terminal())
}
