// Package capture runs a bootstrap state machine against a packet capture
// handle: one goroutine reads inbound frames, the caller's goroutine feeds
// them to the machine in arrival order and transmits whatever it queues.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/pcap"
	"github.com/rs/zerolog/log"
	"github.com/yuuki/dtachannel/internal/bootstrap"
	"github.com/yuuki/dtachannel/internal/roce"
)

const (
	DefaultQueueSize = 16
	DefaultWindow    = 5 * time.Second
)

// Source yields raw Ethernet frames. *pcap.Handle satisfies it.
type Source interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
}

// Sink transmits raw Ethernet frames. *pcap.Handle satisfies it.
type Sink interface {
	WritePacketData(data []byte) error
}

// Config controls a Loop.
type Config struct {
	// Endpoint addresses outbound frames. Inbound frames are accepted when
	// their UDP destination port equals Endpoint.DstPort.
	Endpoint roce.Endpoint
	// Window bounds how long the machine may wait in one state.
	Window time.Duration
	// StrictICRC drops inbound frames whose invariant CRC does not verify.
	// Otherwise a mismatch is only logged and counted.
	StrictICRC bool
	// DemuxByPort drops frames that are not addressed to the machine's port,
	// for handshakes to several ports sharing one link.
	DemuxByPort bool
	QueueSize   int
}

// Stats counts what a Loop saw.
type Stats struct {
	Frames        uint64
	Skipped       uint64
	ICRCMismatch  uint64
	Sent          uint64
	QueueOverflow uint64
}

// Loop drives one handshake. A Loop is single use.
type Loop struct {
	cfg  Config
	src  Source
	sink Sink

	frames        atomic.Uint64
	skipped       atomic.Uint64
	icrcMismatch  atomic.Uint64
	sent          atomic.Uint64
	queueOverflow atomic.Uint64
}

func NewLoop(src Source, sink Sink, cfg Config) *Loop {
	if cfg.Window <= 0 {
		cfg.Window = DefaultWindow
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	return &Loop{cfg: cfg, src: src, sink: sink}
}

func (l *Loop) Stats() Stats {
	return Stats{
		Frames:        l.frames.Load(),
		Skipped:       l.skipped.Load(),
		ICRCMismatch:  l.icrcMismatch.Load(),
		Sent:          l.sent.Load(),
		QueueOverflow: l.queueOverflow.Load(),
	}
}

// Run starts m and feeds it until it reaches a terminal state. A ctx deadline
// fails the handshake with bootstrap.ErrTimeout, cancellation with
// bootstrap.ErrCanceled. The capture goroutine has exited when Run returns.
func (l *Loop) Run(ctx context.Context, m *bootstrap.Machine) error {
	ctx, cancel := context.WithCancel(ctx)
	frames := make(chan []byte, l.cfg.QueueSize)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer close(frames)
		l.capture(ctx, m.Port(), frames)
	}()
	defer func() {
		cancel()
		wg.Wait()
	}()

	if err := m.Start(); err != nil {
		return err
	}
	if err := l.flush(m); err != nil {
		m.Abort(err)
		return m.Err()
	}

	timer := time.NewTimer(l.cfg.Window)
	defer timer.Stop()

	in := frames
	for !m.State().Terminal() {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				m.Timeout()
			} else {
				m.Abort(ctx.Err())
			}
		case <-timer.C:
			m.Timeout()
		case payload, ok := <-in:
			if !ok {
				log.Debug().Uint16("port", m.Port()).Msg("Capture source exhausted, waiting for window to expire")
				in = nil
				continue
			}
			prev := m.State()
			m.OnFrame(payload)
			if err := l.flush(m); err != nil {
				m.Abort(err)
				continue
			}
			if m.State() != prev {
				timer.Reset(l.cfg.Window)
			}
		}
	}
	return m.Err()
}

func (l *Loop) flush(m *bootstrap.Machine) error {
	for _, pkt := range m.Outbound() {
		frame, err := roce.Encapsulate(l.cfg.Endpoint, pkt)
		if err != nil {
			return fmt.Errorf("failed to encapsulate packet: %w", err)
		}
		if err := l.sink.WritePacketData(frame); err != nil {
			return fmt.Errorf("failed to send packet: %w", err)
		}
		l.sent.Add(1)
		log.Debug().
			Uint16("port", m.Port()).
			Uint8("opcode", pkt.BTH.Opcode).
			Int("len", len(frame)).
			Msg("Sent frame")
	}
	return nil
}

func (l *Loop) capture(ctx context.Context, port uint16, out chan<- []byte) {
	dec := roce.NewDecoder()
	for ctx.Err() == nil {
		data, _, err := l.src.ReadPacketData()
		if err != nil {
			if errors.Is(err, pcap.NextErrorTimeoutExpired) {
				continue
			}
			if errors.Is(err, io.EOF) || errors.Is(err, pcap.NextErrorNoMorePackets) {
				return
			}
			log.Debug().Err(err).Msg("Failed to read packet")
			continue
		}

		dg, err := dec.Decode(data)
		if err != nil {
			l.skipped.Add(1)
			log.Debug().Err(err).Msg("Skipping undecodable frame")
			continue
		}
		if dg.Fields.DstPort != l.cfg.Endpoint.DstPort {
			l.skipped.Add(1)
			continue
		}
		if l.cfg.DemuxByPort && !addressedTo(dg.Payload, port) {
			l.skipped.Add(1)
			continue
		}
		if !dg.VerifyICRC() {
			l.icrcMismatch.Add(1)
			log.Warn().
				Uint16("port", port).
				Str("src", dg.Fields.SrcIP.String()).
				Bool("strict", l.cfg.StrictICRC).
				Msg("Invariant CRC mismatch on inbound frame")
			if l.cfg.StrictICRC {
				continue
			}
		}

		l.frames.Add(1)
		select {
		case out <- dg.Payload:
		case <-ctx.Done():
			return
		default:
			// The machine stops consuming once terminal; block only while
			// it can still make progress.
			l.queueOverflow.Add(1)
			select {
			case out <- dg.Payload:
			case <-ctx.Done():
				return
			}
		}
	}
}

// addressedTo reports whether a RoCEv2 payload belongs to the handshake for
// port: either a reply echoing port as our communication ID, or a packet
// to the queue pair number port.
func addressedTo(payload []byte, port uint16) bool {
	if len(payload) < roce.BTHSize {
		return false
	}
	var bth roce.BTH
	if err := bth.Unmarshal(payload[:roce.BTHSize]); err != nil {
		return false
	}
	if bth.DestQP == uint32(port) {
		return true
	}
	if len(payload) != roce.CMPacketSize {
		return false
	}
	off := roce.BTHSize + roce.DETHSize + roce.MADSize
	var rep roce.ConnectReply
	if err := rep.Unmarshal(payload[off : off+roce.CMSize]); err != nil {
		return false
	}
	return rep.RemoteCommID == uint32(port)
}
