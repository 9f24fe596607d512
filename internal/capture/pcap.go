package capture

import (
	"fmt"
	"time"

	"github.com/google/gopacket/pcap"
	"github.com/rs/zerolog/log"
)

const (
	DefaultSnapLen     = 1024
	DefaultReadTimeout = 100 * time.Millisecond
)

// Filter returns the BPF expression matching RoCEv2 traffic to udpPort.
func Filter(udpPort uint16) string {
	return fmt.Sprintf("udp dst port %d", udpPort)
}

// OpenLive opens iface for capturing inbound RoCEv2 frames to udpPort and for
// injecting frames. The read timeout keeps ReadPacketData returning so the
// capture goroutine notices cancellation.
func OpenLive(iface string, udpPort uint16, snaplen int32, readTimeout time.Duration) (*pcap.Handle, error) {
	if snaplen <= 0 {
		snaplen = DefaultSnapLen
	}
	if readTimeout <= 0 {
		readTimeout = DefaultReadTimeout
	}

	handle, err := pcap.OpenLive(iface, snaplen, false, readTimeout)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", iface, err)
	}
	if err := handle.SetDirection(pcap.DirectionIn); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to restrict %s to inbound frames: %w", iface, err)
	}
	if err := handle.SetBPFFilter(Filter(udpPort)); err != nil {
		handle.Close()
		return nil, fmt.Errorf("failed to set BPF filter on %s: %w", iface, err)
	}

	log.Debug().
		Str("iface", iface).
		Str("filter", Filter(udpPort)).
		Int32("snaplen", snaplen).
		Msg("Opened capture handle")
	return handle, nil
}

// OpenOffline opens a capture file as a frame source, for replaying a
// recorded handshake.
func OpenOffline(path string) (*pcap.Handle, error) {
	handle, err := pcap.OpenOffline(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open capture file %s: %w", path, err)
	}
	return handle, nil
}

// OpenInjector opens iface for transmitting frames only.
func OpenInjector(iface string) (*pcap.Handle, error) {
	handle, err := pcap.OpenLive(iface, DefaultSnapLen, false, pcap.BlockForever)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s for injection: %w", iface, err)
	}
	return handle, nil
}
