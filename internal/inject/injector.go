// Package inject generates synthetic telemetry traffic: DTA records for the
// translator and RDMA WRITE frames straight into a collector's memory region.
package inject

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/yuuki/dtachannel/internal/bootstrap"
	"github.com/yuuki/dtachannel/internal/capture"
	"github.com/yuuki/dtachannel/internal/config"
	"github.com/yuuki/dtachannel/internal/dta"
	"github.com/yuuki/dtachannel/internal/metadata"
	"github.com/yuuki/dtachannel/internal/roce"
	"github.com/yuuki/dtachannel/internal/telemetry"
	"go.uber.org/ratelimit"
)

// writeSize is the payload size of one RDMA WRITE, a single 32-bit value.
const writeSize = 4

const psnMask = 0xffffff

// Injector builds frames for one operation and writes them to a sink.
type Injector struct {
	cfg     *config.InjectConfig
	sink    capture.Sink
	limiter ratelimit.Limiter
	metrics *telemetry.Metrics
	seq     dta.Sequencer

	// channel and psn address rdma-write frames.
	channel bootstrap.ConnectionParameters
	psn     uint32
}

// New returns an injector for cfg.Operation. rdma-write loads the channel
// from cfg.MetadataDir, so the bootstrap must have completed.
func New(cfg *config.InjectConfig, sink capture.Sink) (*Injector, error) {
	inj := &Injector{
		cfg:     cfg,
		sink:    sink,
		limiter: ratelimit.NewUnlimited(),
	}
	if cfg.Rate > 0 {
		inj.limiter = ratelimit.New(cfg.Rate)
	}

	if cfg.Operation == config.OperationRDMAWrite {
		channel, err := metadata.Read(cfg.MetadataDir)
		if err != nil {
			return nil, fmt.Errorf("failed to load channel metadata: %w", err)
		}
		if channel.RemoteLength < writeSize {
			return nil, fmt.Errorf("remote memory region of %d bytes is too small", channel.RemoteLength)
		}
		inj.channel = channel
		inj.psn = channel.StartPSN
		log.Info().
			Str("dir", cfg.MetadataDir).
			Uint32("qpn", channel.QueuePairNumber).
			Str("remote_addr", fmt.Sprintf("0x%016x", channel.RemoteAddress)).
			Msg("Loaded RDMA channel")
	}
	return inj, nil
}

// SetMetrics enables injection counters.
func (i *Injector) SetMetrics(m *telemetry.Metrics) {
	i.metrics = m
}

// Frame builds the n-th frame of the run, applying the configured key and
// data increments.
func (i *Injector) Frame(n int) ([]byte, error) {
	key, data := i.cfg.Key, i.cfg.Data
	listID := i.cfg.ListID
	if i.cfg.IncrementKey {
		key += uint32(n)
		listID += uint32(n)
	}
	if i.cfg.IncrementData {
		data += uint32(n)
	}

	var rec dta.Record
	switch i.cfg.Operation {
	case config.OperationKeyWrite:
		rec = dta.KeyWrite{Redundancy: i.cfg.Redundancy, Key: key, Data: data}
	case config.OperationKeyIncrement:
		rec = dta.KeyIncrement{Redundancy: i.cfg.Redundancy, Key: key, Counter: i.cfg.Counter}
	case config.OperationAppend:
		rec = dta.Append{ListID: listID, Data: data}
	case config.OperationPostcard:
		f := i.cfg.Flow
		rec = dta.Postcard{
			SrcIP:   binary.BigEndian.Uint32(f.SrcIP.AsSlice()),
			DstIP:   binary.BigEndian.Uint32(f.DstIP.AsSlice()),
			SrcPort: f.SrcPort,
			DstPort: f.DstPort,
			Proto:   f.Proto,
			Data:    data,
		}
	case config.OperationRDMAWrite:
		return i.writeFrame(key, data)
	default:
		return nil, fmt.Errorf("unknown operation %q", i.cfg.Operation)
	}
	return roce.SerializeUDP(i.cfg.Endpoint, i.seq.Stamp(rec))
}

// writeFrame addresses slot key of the remote region, wrapping at its end.
func (i *Injector) writeFrame(key, data uint32) ([]byte, error) {
	slots := uint64(i.channel.RemoteLength / writeSize)
	offset := (uint64(key) % slots) * writeSize

	pkt := &roce.Packet{
		BTH: roce.BTH{
			Opcode: roce.OpcodeRCRDMAWriteOnly,
			PKey:   0xffff,
			DestQP: i.channel.QueuePairNumber,
			PSN:    i.psn,
		},
		RETH: &roce.RETH{
			VirtualAddress: i.channel.RemoteAddress + offset,
			RKey:           i.channel.RemoteKey,
			DMALength:      writeSize,
		},
		Payload: binary.BigEndian.AppendUint32(nil, data),
	}
	i.psn = (i.psn + 1) & psnMask

	ep := i.cfg.Endpoint
	ep.DstPort = i.cfg.RoCEPort
	return roce.Encapsulate(ep, pkt)
}

// Run transmits the configured frames and returns how many were sent.
// Without Loop a single frame is sent. With Loop frames are sent in batches
// until Count is reached (or forever when Count is 0) or ctx is done.
func (i *Injector) Run(ctx context.Context) (int, error) {
	total := 1
	if i.cfg.Loop {
		total = i.cfg.Count
	}

	log.Info().
		Str("operation", i.cfg.Operation).
		Int("count", total).
		Int("batch_size", i.cfg.BatchSize).
		Int("rate", i.cfg.Rate).
		Msg("Starting injection")

	sent := 0
	for total == 0 || sent < total {
		batch := 0
		for batch < i.cfg.BatchSize && (total == 0 || sent < total) {
			if err := ctx.Err(); err != nil {
				i.record(ctx, batch)
				return sent, nil
			}
			i.limiter.Take()

			frame, err := i.Frame(sent)
			if err != nil {
				i.record(ctx, batch)
				return sent, err
			}
			if err := i.sink.WritePacketData(frame); err != nil {
				i.record(ctx, batch)
				return sent, fmt.Errorf("failed to send frame %d: %w", sent, err)
			}
			sent++
			batch++
		}
		i.record(ctx, batch)
		log.Debug().Int("batch", batch).Int("sent", sent).Msg("Batch sent")

		if i.cfg.BatchInterval > 0 && (total == 0 || sent < total) {
			select {
			case <-ctx.Done():
				return sent, nil
			case <-time.After(i.cfg.BatchInterval):
			}
		}
	}

	log.Info().Str("operation", i.cfg.Operation).Int("sent", sent).Msg("Injection finished")
	return sent, nil
}

func (i *Injector) record(ctx context.Context, n int) {
	if i.metrics != nil && n > 0 {
		i.metrics.RecordInjected(context.WithoutCancel(ctx), i.cfg.Operation, n)
	}
}
