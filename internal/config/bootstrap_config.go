package config

import (
	"fmt"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"github.com/yuuki/dtachannel/internal/roce"
)

// BootstrapConfig holds configuration for the RDMA bootstrap translator
type BootstrapConfig struct {
	TranslatorID string
	LogLevel     string

	// Ports lists the collector ports to bootstrap. With a single port the
	// metadata goes to Dir itself, otherwise to Dir/<port>.
	Ports      []uint16
	Dir        string
	Interface  string
	Timeout    time.Duration
	Window     time.Duration
	StrictICRC bool

	Endpoint roce.Endpoint
	CAGUID   uint64

	MetricsEnabled    bool
	OtelCollectorAddr string
	RegistryURI       string
}

// SetupBootstrapFlags sets up the command line flags for the bootstrap translator
func SetupBootstrapFlags(flagSet *pflag.FlagSet) {
	setupCommonFlags(flagSet, "bootstrap.yaml")
	setupEndpointFlags(flagSet, 10000, roce.DefaultPort)

	flagSet.String("translator-id", "", "Translator identifier (defaults to the hostname)")
	flagSet.Uint16("port", 1337, "Collector port the channel is bound to; also the local communication ID")
	flagSet.IntSlice("ports", nil, "Bootstrap several collector ports concurrently (overrides --port)")
	flagSet.String("dir", "rdma_metadata", "Directory the channel metadata files are written to")
	flagSet.Uint32("timeout-ms", 10000, "Overall handshake deadline in milliseconds")
	flagSet.Uint32("window-ms", 5000, "How long to wait in one handshake state in milliseconds")
	flagSet.Bool("strict-icrc", false, "Drop inbound frames whose invariant CRC does not verify")
	flagSet.String("ca-guid", fmt.Sprintf("%#x", roce.DefaultCAGUID), "Local CA GUID advertised in the ConnectRequest")
	flagSet.String("registry-uri", "", "rqlite URI to mirror established channels into (disabled when empty)")
}

// LoadBootstrapConfig loads the configuration for the bootstrap translator
// from flags, environment variables and an optional config file
func LoadBootstrapConfig(flagSet *pflag.FlagSet) (*BootstrapConfig, error) {
	v, err := loadViper(flagSet, "DTA_BOOTSTRAP")
	if err != nil {
		return nil, err
	}

	endpoint, err := parseEndpoint(v)
	if err != nil {
		return nil, err
	}

	caGUID, err := strconv.ParseUint(v.GetString("ca-guid"), 0, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid ca-guid: %w", err)
	}

	var ports []uint16
	if raw := v.GetIntSlice("ports"); len(raw) > 0 {
		seen := make(map[uint16]bool, len(raw))
		for _, p := range raw {
			if p <= 0 || p > 0xffff {
				return nil, fmt.Errorf("invalid port %d in ports", p)
			}
			if seen[uint16(p)] {
				return nil, fmt.Errorf("duplicate port %d in ports", p)
			}
			seen[uint16(p)] = true
			ports = append(ports, uint16(p))
		}
	} else {
		port, err := parsePort(v.GetString("port"))
		if err != nil {
			return nil, fmt.Errorf("invalid port: %w", err)
		}
		ports = []uint16{port}
	}

	timeoutMS := v.GetUint32("timeout-ms")
	windowMS := v.GetUint32("window-ms")
	if timeoutMS == 0 || windowMS == 0 {
		return nil, fmt.Errorf("timeout-ms and window-ms must be positive")
	}

	config := &BootstrapConfig{
		TranslatorID:      v.GetString("translator-id"),
		LogLevel:          v.GetString("log-level"),
		Ports:             ports,
		Dir:               v.GetString("dir"),
		Interface:         v.GetString("iface"),
		Timeout:           time.Duration(timeoutMS) * time.Millisecond,
		Window:            time.Duration(windowMS) * time.Millisecond,
		StrictICRC:        v.GetBool("strict-icrc"),
		Endpoint:          endpoint,
		CAGUID:            caGUID,
		MetricsEnabled:    v.GetBool("metrics-enabled"),
		OtelCollectorAddr: v.GetString("otel-collector-addr"),
		RegistryURI:       v.GetString("registry-uri"),
	}
	if config.TranslatorID == "" {
		config.TranslatorID = getSystemHostname()
	}
	if config.Dir == "" {
		return nil, fmt.Errorf("dir must not be empty")
	}

	return config, nil
}

// CreateDefaultBootstrapConfig creates a default configuration file for the bootstrap translator
func CreateDefaultBootstrapConfig(path string) error {
	configContent := `# DTA channel bootstrap configuration
translator-id: "" # Leave empty to use hostname
log-level: "info" # debug, info, warn, error
port: 1337
# ports: [1336, 1337, 1338] # Bootstrap several collectors into dir/<port>
dir: "rdma_metadata"
iface: "enp4s0f0"
timeout-ms: 10000 # 10 seconds
window-ms: 5000 # 5 seconds per handshake state
strict-icrc: false
src-mac: "b8:ce:f6:d2:13:26"
dst-mac: "b8:ce:f6:d2:12:c7"
src-ip: "10.0.0.101"
dst-ip: "10.0.0.51"
src-port: 10000
dst-port: 4791 # RoCEv2
ip-id: "0x2c70"
ttl: 64
ca-guid: "0xb8cef60300d21326"
metrics-enabled: false
otel-collector-addr: "localhost:4317"
registry-uri: "" # e.g. http://localhost:4001
`

	return writeConfigFile(path, configContent)
}
