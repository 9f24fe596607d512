package config

import (
	"fmt"
	"net/netip"
	"time"

	"github.com/spf13/pflag"
	"github.com/yuuki/dtachannel/internal/dta"
	"github.com/yuuki/dtachannel/internal/roce"
)

// Injector operations.
const (
	OperationKeyWrite     = "keywrite"
	OperationKeyIncrement = "keyincrement"
	OperationAppend       = "append"
	OperationPostcard     = "postcard"
	OperationRDMAWrite    = "rdma-write"
)

// InjectConfig holds configuration for the telemetry injector
type InjectConfig struct {
	LogLevel  string
	Interface string
	Operation string

	Key        uint32
	Data       uint32
	Counter    uint64
	Redundancy uint8
	ListID     uint32
	Flow       FlowConfig

	Loop          bool
	Count         int
	IncrementKey  bool
	IncrementData bool
	Rate          int
	BatchSize     int
	BatchInterval time.Duration

	// MetadataDir holds the channel metadata rdma-write frames are addressed with.
	MetadataDir string

	// Endpoint addresses DTA frames. rdma-write frames use RoCEPort as
	// their UDP destination port instead.
	Endpoint roce.Endpoint
	RoCEPort uint16

	MetricsEnabled    bool
	OtelCollectorAddr string
}

// FlowConfig is the five tuple a postcard reports on.
type FlowConfig struct {
	SrcIP   netip.Addr
	DstIP   netip.Addr
	SrcPort uint16
	DstPort uint16
	Proto   uint8
}

// SetupInjectFlags sets up the command line flags for the injector. The
// operation is the first positional argument.
func SetupInjectFlags(flagSet *pflag.FlagSet) {
	setupCommonFlags(flagSet, "inject.yaml")
	setupEndpointFlags(flagSet, dta.DefaultSrcPort, dta.DefaultDstPort)

	flagSet.Uint16("roce-port", roce.DefaultPort, "UDP destination port of rdma-write frames")
	flagSet.Uint32("key", 0, "Key of keywrite and keyincrement records")
	flagSet.Uint32("data", 1, "Data value of keywrite, append and postcard records")
	flagSet.Uint64("counter", 1, "Increment of keyincrement records")
	flagSet.Uint8("redundancy", 2, "Redundancy level of keywrite and keyincrement records")
	flagSet.Uint32("list-id", 0, "List of append records")
	flagSet.String("flow-src-ip", "10.0.0.1", "Postcard flow source IPv4")
	flagSet.String("flow-dst-ip", "10.0.0.2", "Postcard flow destination IPv4")
	flagSet.Uint16("flow-src-port", 1234, "Postcard flow source port")
	flagSet.Uint16("flow-dst-port", 80, "Postcard flow destination port")
	flagSet.Uint8("flow-proto", 6, "Postcard flow IP protocol")
	flagSet.Bool("loop", false, "Keep injecting until --count frames were sent or interrupted")
	flagSet.Int("count", 0, "Number of frames to send when looping (0 means unlimited)")
	flagSet.Bool("increment-key", false, "Increment the key (or list id) after every frame")
	flagSet.Bool("increment-data", false, "Increment the data value after every frame")
	flagSet.Int("rate", 0, "Maximum frames per second (0 means unlimited)")
	flagSet.Int("batch-size", 1, "Frames sent back to back before pausing")
	flagSet.Uint32("batch-interval-ms", 0, "Pause between batches in milliseconds")
	flagSet.String("metadata-dir", "rdma_metadata", "Channel metadata directory used by rdma-write")
}

// LoadInjectConfig loads the configuration for the injector from flags,
// environment variables and an optional config file
func LoadInjectConfig(flagSet *pflag.FlagSet) (*InjectConfig, error) {
	v, err := loadViper(flagSet, "DTA_INJECT")
	if err != nil {
		return nil, err
	}

	operation := flagSet.Arg(0)
	if operation == "" {
		operation = v.GetString("operation")
	}
	switch operation {
	case OperationKeyWrite, OperationKeyIncrement, OperationAppend, OperationPostcard, OperationRDMAWrite:
	default:
		return nil, fmt.Errorf("unknown operation %q (keywrite, keyincrement, append, postcard, rdma-write)", operation)
	}

	endpoint, err := parseEndpoint(v)
	if err != nil {
		return nil, err
	}
	rocePort, err := parsePort(v.GetString("roce-port"))
	if err != nil {
		return nil, fmt.Errorf("invalid roce-port: %w", err)
	}

	flowSrc, err := parseIPv4(v.GetString("flow-src-ip"))
	if err != nil {
		return nil, fmt.Errorf("invalid flow-src-ip: %w", err)
	}
	flowDst, err := parseIPv4(v.GetString("flow-dst-ip"))
	if err != nil {
		return nil, fmt.Errorf("invalid flow-dst-ip: %w", err)
	}

	config := &InjectConfig{
		LogLevel:   v.GetString("log-level"),
		Interface:  v.GetString("iface"),
		Operation:  operation,
		Key:        v.GetUint32("key"),
		Data:       v.GetUint32("data"),
		Counter:    v.GetUint64("counter"),
		Redundancy: uint8(v.GetUint("redundancy")),
		ListID:     v.GetUint32("list-id"),
		Flow: FlowConfig{
			SrcIP:   flowSrc,
			DstIP:   flowDst,
			SrcPort: v.GetUint16("flow-src-port"),
			DstPort: v.GetUint16("flow-dst-port"),
			Proto:   uint8(v.GetUint("flow-proto")),
		},
		Loop:              v.GetBool("loop"),
		Count:             v.GetInt("count"),
		IncrementKey:      v.GetBool("increment-key"),
		IncrementData:     v.GetBool("increment-data"),
		Rate:              v.GetInt("rate"),
		BatchSize:         v.GetInt("batch-size"),
		BatchInterval:     time.Duration(v.GetUint32("batch-interval-ms")) * time.Millisecond,
		MetadataDir:       v.GetString("metadata-dir"),
		Endpoint:          endpoint,
		RoCEPort:          rocePort,
		MetricsEnabled:    v.GetBool("metrics-enabled"),
		OtelCollectorAddr: v.GetString("otel-collector-addr"),
	}

	if config.Count < 0 || config.Rate < 0 {
		return nil, fmt.Errorf("count and rate must not be negative")
	}
	if config.BatchSize <= 0 {
		return nil, fmt.Errorf("batch-size must be positive")
	}
	if config.Operation == OperationRDMAWrite && config.MetadataDir == "" {
		return nil, fmt.Errorf("rdma-write needs --metadata-dir")
	}

	return config, nil
}

// CreateDefaultInjectConfig creates a default configuration file for the injector
func CreateDefaultInjectConfig(path string) error {
	configContent := `# DTA telemetry injector configuration
operation: "keywrite" # keywrite, keyincrement, append, postcard, rdma-write
log-level: "info" # debug, info, warn, error
iface: "enp4s0f0"
src-mac: "b8:ce:f6:d2:13:26"
dst-mac: "b8:ce:f6:d2:12:c7"
src-ip: "10.0.0.101"
dst-ip: "10.0.0.51"
src-port: 40041
dst-port: 40040
roce-port: 4791
ip-id: "0x2c70"
ttl: 64
key: 0
data: 1
counter: 1
redundancy: 2
list-id: 0
loop: false
count: 0 # 0 means unlimited
increment-key: false
increment-data: false
rate: 0 # frames per second, 0 means unlimited
batch-size: 1
batch-interval-ms: 0
metadata-dir: "rdma_metadata"
metrics-enabled: false
otel-collector-addr: "localhost:4317"
`

	return writeConfigFile(path, configContent)
}
