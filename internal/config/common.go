package config

import (
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/yuuki/dtachannel/internal/roce"
)

// getSystemHostname returns the system hostname or a fallback string
func getSystemHostname() string {
	hostname, err := os.Hostname()
	if err != nil {
		return fmt.Sprintf("translator-%d", os.Getpid())
	}
	return hostname
}

// createConfigDirectory ensures the directory for a config file exists
func createConfigDirectory(path string) error {
	dir := filepath.Dir(path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("error creating config directory: %w", err)
		}
	}
	return nil
}

// writeConfigFile writes content to a config file
func writeConfigFile(path, content string) error {
	if err := createConfigDirectory(path); err != nil {
		return err
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// setupCommonFlags registers the flags every binary has.
func setupCommonFlags(flagSet *pflag.FlagSet, configOutput string) {
	flagSet.String("config", "", "Path to configuration file")
	flagSet.Bool("create-config", false, "Create a default configuration file")
	flagSet.String("config-output", configOutput, "Path where to write the default configuration")
	flagSet.Bool("version", false, "Show version information")
	flagSet.String("log-level", "info", "Log level (debug, info, warn, error)")
	flagSet.String("iface", "enp4s0f0", "Network interface to capture on and inject into")
	flagSet.Bool("metrics-enabled", false, "Export metrics over OTLP")
	flagSet.String("otel-collector-addr", "localhost:4317", "OTLP collector address (grpc://, grpcs://, http://, https://)")
}

// setupEndpointFlags registers the Ethernet/IPv4/UDP envelope flags.
func setupEndpointFlags(flagSet *pflag.FlagSet, srcPort, dstPort uint16) {
	ep := roce.DefaultEndpoint()
	flagSet.String("src-mac", ep.SrcMAC.String(), "Source MAC address")
	flagSet.String("dst-mac", ep.DstMAC.String(), "Destination MAC address")
	flagSet.String("src-ip", ep.SrcIP.String(), "Source IPv4 address")
	flagSet.String("dst-ip", ep.DstIP.String(), "Destination IPv4 address")
	flagSet.Uint16("src-port", srcPort, "UDP source port")
	flagSet.Uint16("dst-port", dstPort, "UDP destination port")
	flagSet.String("ip-id", "0x2c70", "IPv4 identification field")
	flagSet.Uint8("ttl", ep.TTL, "IPv4 time to live")
}

// loadViper binds flags and environment variables, then reads the config
// file named by --config if any.
func loadViper(flagSet *pflag.FlagSet, envPrefix string) (*viper.Viper, error) {
	v := viper.New()

	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flagSet); err != nil {
		return nil, fmt.Errorf("failed to bind flags: %w", err)
	}

	if configFile := v.GetString("config"); configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}
	return v, nil
}

func parseEndpoint(v *viper.Viper) (roce.Endpoint, error) {
	var ep roce.Endpoint
	var err error

	if ep.SrcMAC, err = net.ParseMAC(v.GetString("src-mac")); err != nil {
		return ep, fmt.Errorf("invalid src-mac: %w", err)
	}
	if ep.DstMAC, err = net.ParseMAC(v.GetString("dst-mac")); err != nil {
		return ep, fmt.Errorf("invalid dst-mac: %w", err)
	}
	if ep.SrcIP, err = parseIPv4(v.GetString("src-ip")); err != nil {
		return ep, fmt.Errorf("invalid src-ip: %w", err)
	}
	if ep.DstIP, err = parseIPv4(v.GetString("dst-ip")); err != nil {
		return ep, fmt.Errorf("invalid dst-ip: %w", err)
	}

	srcPort, err := parsePort(v.GetString("src-port"))
	if err != nil {
		return ep, fmt.Errorf("invalid src-port: %w", err)
	}
	dstPort, err := parsePort(v.GetString("dst-port"))
	if err != nil {
		return ep, fmt.Errorf("invalid dst-port: %w", err)
	}
	ipID, err := strconv.ParseUint(v.GetString("ip-id"), 0, 16)
	if err != nil {
		return ep, fmt.Errorf("invalid ip-id: %w", err)
	}
	ttl, err := strconv.ParseUint(v.GetString("ttl"), 0, 8)
	if err != nil {
		return ep, fmt.Errorf("invalid ttl: %w", err)
	}

	ep.SrcPort = srcPort
	ep.DstPort = dstPort
	ep.IPID = uint16(ipID)
	ep.TTL = uint8(ttl)
	return ep, nil
}

func parseIPv4(s string) (netip.Addr, error) {
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Addr{}, err
	}
	if !addr.Is4() {
		return netip.Addr{}, fmt.Errorf("%s is not an IPv4 address", s)
	}
	return addr, nil
}

func parsePort(s string) (uint16, error) {
	p, err := strconv.ParseUint(s, 10, 16)
	if err != nil {
		return 0, err
	}
	if p == 0 {
		return 0, fmt.Errorf("port must be non-zero")
	}
	return uint16(p), nil
}
