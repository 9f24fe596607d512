package bootstrap

import (
	"fmt"
	"net/netip"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/dtachannel/internal/roce"
)

const (
	defaultPSN  = 100
	defaultQKey = 0x80010000
	defaultPKey = 0xffff
	// CM MADs are addressed to the well-known GSI queue pair.
	gsiQP = 1
	// Acknowledgement sent for the metadata SEND, the second inbound frame.
	metadataMSN = 2
)

// metadataPacketSize is the size of the collector's memory region SEND.
const metadataPacketSize = roce.BTHSize + roce.MemoryRegionSize + roce.ICRCSize

// Options tunes the outbound headers of a handshake.
type Options struct {
	SrcIP  netip.Addr
	DstIP  netip.Addr
	CAGUID uint64
	PSN    uint32
	QKey   uint32
	PKey   uint16
}

// DefaultOptions returns the header values the collector expects.
func DefaultOptions() Options {
	ep := roce.DefaultEndpoint()
	return Options{
		SrcIP:  ep.SrcIP,
		DstIP:  ep.DstIP,
		CAGUID: roce.DefaultCAGUID,
		PSN:    defaultPSN,
		QKey:   defaultQKey,
		PKey:   defaultPKey,
	}
}

// Machine is the handshake state machine for one collector port. It is not
// safe for concurrent use; frames must be fed from a single goroutine in
// arrival order.
type Machine struct {
	port  uint16
	opts  Options
	state State
	err   error

	// pending is filled while the handshake runs and copied to params only
	// once it completes.
	pending ConnectionParameters
	params  ConnectionParameters

	outbox        []*roce.Packet
	frames        uint32
	misclassified int
}

// NewMachine returns an idle machine for the collector listening on port.
func NewMachine(port uint16, opts Options) *Machine {
	return &Machine{
		port: port,
		opts: opts,
	}
}

func (m *Machine) Port() uint16 { return m.port }

func (m *Machine) State() State { return m.state }

// Err returns the failure reason once the machine is Failed.
func (m *Machine) Err() error { return m.err }

// Params returns the learned parameters. ok is false unless the handshake
// reached Established.
func (m *Machine) Params() (ConnectionParameters, bool) {
	if m.state != StateEstablished {
		return ConnectionParameters{}, false
	}
	return m.params, true
}

// Misclassified returns how many frames looked like a different packet type
// than the one the current state expected.
func (m *Machine) Misclassified() int { return m.misclassified }

// Outbound drains the packets queued for transmission.
func (m *Machine) Outbound() []*roce.Packet {
	out := m.outbox
	m.outbox = nil
	return out
}

// Start queues the ConnectRequest and waits for the reply.
func (m *Machine) Start() error {
	if m.state != StateIdle {
		return fmt.Errorf("cannot start handshake in state %s", m.state)
	}

	req := roce.NewConnectRequest(m.port, m.opts.CAGUID, m.opts.SrcIP, m.opts.DstIP)
	mad := roce.NewCMMAD(roce.AttrConnectRequest)
	m.outbox = append(m.outbox, &roce.Packet{
		BTH:            m.cmBTH(),
		DETH:           &roce.DETH{QKey: m.opts.QKey, SourceQP: uint32(m.port)},
		MAD:            &mad,
		ConnectRequest: &req,
	})
	m.pending.LocalCommID = uint32(m.port)
	m.transition(StateAwaitConnectReply)
	return nil
}

// OnFrame feeds one inbound RoCEv2 UDP payload and returns the new state.
func (m *Machine) OnFrame(payload []byte) State {
	if m.state == StateIdle || m.state == StateFailed {
		log.Debug().
			Uint16("port", m.port).
			Str("state", m.state.String()).
			Int("len", len(payload)).
			Msg("Ignoring frame outside of an active handshake")
		return m.state
	}

	m.frames++
	switch m.state {
	case StateAwaitConnectReply:
		m.checkLayout(payload, roce.KindConnectReply)
		m.onConnectReply(payload)
	case StateAwaitMetadata:
		m.checkLayout(payload, roce.KindSend)
		m.onMetadata(payload)
	case StateEstablished:
		log.Debug().
			Uint16("port", m.port).
			Uint32("msn", m.frames).
			Msg("Acknowledging frame on established channel")
		m.queueAck(m.frames)
	}
	return m.state
}

func (m *Machine) onConnectReply(payload []byte) {
	pkt, err := roce.Decode(payload, roce.KindConnectReply)
	if err != nil {
		m.fail(fmt.Errorf("%w: %w", ErrMalformedConnectReply, err))
		return
	}
	rep := pkt.ConnectReply
	m.pending.RemoteCommID = rep.LocalCommID
	m.pending.QueuePairNumber = rep.LocalQPN
	m.pending.StartPSN = rep.StartingPSN

	log.Debug().
		Uint16("port", m.port).
		Uint32("remote_comm_id", rep.LocalCommID).
		Uint32("qpn", rep.LocalQPN).
		Uint32("start_psn", rep.StartingPSN).
		Msg("Received ConnectReply")

	mad := roce.NewCMMAD(roce.AttrReadyToUse)
	m.outbox = append(m.outbox, &roce.Packet{
		BTH:  m.cmBTH(),
		DETH: &roce.DETH{QKey: m.opts.QKey, SourceQP: uint32(m.port)},
		MAD:  &mad,
		ReadyToUse: &roce.ReadyToUse{
			LocalCommID:  uint32(m.port),
			RemoteCommID: rep.LocalCommID,
		},
	})
	m.transition(StateAwaitMetadata)
}

func (m *Machine) onMetadata(payload []byte) {
	pkt, err := roce.Decode(payload, roce.KindSend)
	if err != nil {
		m.fail(fmt.Errorf("%w: %w", ErrMalformedMetadata, err))
		return
	}
	mr, err := roce.DecodeMemoryRegion(pkt.Payload)
	if err != nil {
		m.fail(fmt.Errorf("%w: %w", ErrMalformedMetadata, err))
		return
	}
	m.pending.RemoteAddress = mr.Address
	m.pending.RemoteLength = mr.Length
	m.pending.RemoteKey = mr.RKey

	m.queueAck(metadataMSN)
	m.params = m.pending
	m.transition(StateEstablished)

	log.Info().
		Uint16("port", m.port).
		Uint32("qpn", m.params.QueuePairNumber).
		Uint32("start_psn", m.params.StartPSN).
		Str("remote_addr", fmt.Sprintf("0x%016x", m.params.RemoteAddress)).
		Uint32("remote_len", m.params.RemoteLength).
		Uint32("rkey", m.params.RemoteKey).
		Msg("RDMA channel established")
}

// Timeout fails the handshake if it is still waiting for a frame.
func (m *Machine) Timeout() {
	if m.state.Terminal() {
		return
	}
	m.fail(fmt.Errorf("%w in state %s", ErrTimeout, m.state))
}

// Abort fails the handshake with ErrCanceled wrapping cause.
func (m *Machine) Abort(cause error) {
	if m.state.Terminal() {
		return
	}
	if cause == nil {
		m.fail(ErrCanceled)
		return
	}
	m.fail(fmt.Errorf("%w: %w", ErrCanceled, cause))
}

func (m *Machine) cmBTH() roce.BTH {
	return roce.BTH{
		Opcode: roce.OpcodeUDSendOnly,
		MigReq: true,
		PKey:   m.opts.PKey,
		DestQP: gsiQP,
		PSN:    m.opts.PSN,
	}
}

func (m *Machine) queueAck(msn uint32) {
	m.outbox = append(m.outbox, &roce.Packet{
		BTH: roce.BTH{
			Opcode: roce.OpcodeRCAck,
			PKey:   m.opts.PKey,
			DestQP: m.pending.QueuePairNumber,
			PSN:    m.opts.PSN,
		},
		AETH: &roce.AETH{MSN: msn},
	})
}

// checkLayout flags frames whose length matches a different packet than the
// one expected. Classification still follows arrival order.
func (m *Machine) checkLayout(payload []byte, want roce.Kind) {
	got, ok := apparentKind(len(payload))
	if !ok || got == want {
		return
	}
	m.misclassified++
	log.Warn().
		Uint16("port", m.port).
		Str("state", m.state.String()).
		Str("expected", want.String()).
		Str("apparent", got.String()).
		Int("len", len(payload)).
		Msg("Inbound frame looks like a different packet than expected")
}

func apparentKind(n int) (roce.Kind, bool) {
	switch n {
	case roce.CMPacketSize:
		return roce.KindConnectReply, true
	case roce.AckPacketSize:
		return roce.KindAck, true
	case metadataPacketSize:
		return roce.KindSend, true
	}
	return 0, false
}

func (m *Machine) transition(next State) {
	log.Debug().
		Uint16("port", m.port).
		Str("from", m.state.String()).
		Str("to", next.String()).
		Msg("Handshake state transition")
	m.state = next
}

func (m *Machine) fail(err error) {
	m.err = err
	log.Warn().Err(err).Uint16("port", m.port).Str("state", m.state.String()).Msg("Handshake failed")
	m.transition(StateFailed)
}
