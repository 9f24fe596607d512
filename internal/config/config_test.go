package config

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/yuuki/dtachannel/internal/roce"
)

func newBootstrapFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flagSet := pflag.NewFlagSet("bootstrap", pflag.ContinueOnError)
	SetupBootstrapFlags(flagSet)
	require.NoError(t, flagSet.Parse(args))
	return flagSet
}

func newInjectFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	flagSet := pflag.NewFlagSet("inject", pflag.ContinueOnError)
	SetupInjectFlags(flagSet)
	require.NoError(t, flagSet.Parse(args))
	return flagSet
}

func TestLoadBootstrapConfigDefaults(t *testing.T) {
	cfg, err := LoadBootstrapConfig(newBootstrapFlags(t))
	require.NoError(t, err)

	assert.Equal(t, []uint16{1337}, cfg.Ports)
	assert.Equal(t, "rdma_metadata", cfg.Dir)
	assert.Equal(t, "enp4s0f0", cfg.Interface)
	assert.Equal(t, 10*time.Second, cfg.Timeout)
	assert.Equal(t, 5*time.Second, cfg.Window)
	assert.False(t, cfg.StrictICRC)
	assert.Equal(t, uint64(roce.DefaultCAGUID), cfg.CAGUID)
	assert.Equal(t, roce.DefaultEndpoint(), cfg.Endpoint)
	assert.NotEmpty(t, cfg.TranslatorID)
	assert.Empty(t, cfg.RegistryURI)
}

func TestLoadBootstrapConfigFlags(t *testing.T) {
	cfg, err := LoadBootstrapConfig(newBootstrapFlags(t,
		"--port", "1338",
		"--dir", "/tmp/meta",
		"--timeout-ms", "250",
		"--strict-icrc",
		"--dst-mac", "aa:bb:cc:dd:ee:ff",
		"--ip-id", "4660",
		"--ca-guid", "0x1122334455667788",
		"--translator-id", "tofino-1",
	))
	require.NoError(t, err)

	assert.Equal(t, []uint16{1338}, cfg.Ports)
	assert.Equal(t, "/tmp/meta", cfg.Dir)
	assert.Equal(t, 250*time.Millisecond, cfg.Timeout)
	assert.True(t, cfg.StrictICRC)
	assert.Equal(t, net.HardwareAddr{0xaa, 0xbb, 0xcc, 0xdd, 0xee, 0xff}, cfg.Endpoint.DstMAC)
	assert.Equal(t, uint16(0x1234), cfg.Endpoint.IPID)
	assert.Equal(t, uint64(0x1122334455667788), cfg.CAGUID)
	assert.Equal(t, "tofino-1", cfg.TranslatorID)
}

func TestLoadBootstrapConfigPorts(t *testing.T) {
	cfg, err := LoadBootstrapConfig(newBootstrapFlags(t, "--ports", "1336,1337,1338"))
	require.NoError(t, err)
	assert.Equal(t, []uint16{1336, 1337, 1338}, cfg.Ports)

	_, err = LoadBootstrapConfig(newBootstrapFlags(t, "--ports", "1337,1337"))
	assert.Error(t, err)

	_, err = LoadBootstrapConfig(newBootstrapFlags(t, "--ports", "70000"))
	assert.Error(t, err)
}

func TestLoadBootstrapConfigInvalid(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "zero port", args: []string{"--port", "0"}},
		{name: "bad mac", args: []string{"--src-mac", "not-a-mac"}},
		{name: "ipv6 address", args: []string{"--dst-ip", "fe80::1"}},
		{name: "bad ca guid", args: []string{"--ca-guid", "xyz"}},
		{name: "zero window", args: []string{"--window-ms", "0"}},
		{name: "ip id overflow", args: []string{"--ip-id", "0x10000"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadBootstrapConfig(newBootstrapFlags(t, tt.args...))
			assert.Error(t, err)
		})
	}
}

func TestLoadBootstrapConfigEnv(t *testing.T) {
	t.Setenv("DTA_BOOTSTRAP_TIMEOUT_MS", "1500")
	t.Setenv("DTA_BOOTSTRAP_REGISTRY_URI", "http://localhost:4001")

	cfg, err := LoadBootstrapConfig(newBootstrapFlags(t))
	require.NoError(t, err)
	assert.Equal(t, 1500*time.Millisecond, cfg.Timeout)
	assert.Equal(t, "http://localhost:4001", cfg.RegistryURI)
}

func TestCreateDefaultBootstrapConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conf", "bootstrap.yaml")
	require.NoError(t, CreateDefaultBootstrapConfig(path))

	_, err := os.Stat(path)
	require.NoError(t, err)

	cfg, err := LoadBootstrapConfig(newBootstrapFlags(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, []uint16{1337}, cfg.Ports)
	assert.Equal(t, roce.DefaultEndpoint(), cfg.Endpoint)
	assert.Equal(t, uint64(roce.DefaultCAGUID), cfg.CAGUID)
}

func TestLoadInjectConfig(t *testing.T) {
	cfg, err := LoadInjectConfig(newInjectFlags(t,
		"keywrite", "--key", "42", "--data", "1000", "--redundancy", "4",
		"--loop", "--count", "10", "--increment-key", "--rate", "500", "--batch-size", "5",
	))
	require.NoError(t, err)

	assert.Equal(t, OperationKeyWrite, cfg.Operation)
	assert.Equal(t, uint32(42), cfg.Key)
	assert.Equal(t, uint32(1000), cfg.Data)
	assert.Equal(t, uint8(4), cfg.Redundancy)
	assert.True(t, cfg.Loop)
	assert.Equal(t, 10, cfg.Count)
	assert.True(t, cfg.IncrementKey)
	assert.False(t, cfg.IncrementData)
	assert.Equal(t, 500, cfg.Rate)
	assert.Equal(t, 5, cfg.BatchSize)
	assert.Equal(t, uint16(40041), cfg.Endpoint.SrcPort)
	assert.Equal(t, uint16(40040), cfg.Endpoint.DstPort)
	assert.Equal(t, uint16(4791), cfg.RoCEPort)
}

func TestLoadInjectConfigOperations(t *testing.T) {
	for _, op := range []string{OperationKeyIncrement, OperationAppend, OperationPostcard, OperationRDMAWrite} {
		cfg, err := LoadInjectConfig(newInjectFlags(t, op))
		require.NoError(t, err, op)
		assert.Equal(t, op, cfg.Operation)
	}

	_, err := LoadInjectConfig(newInjectFlags(t, "teleport"))
	assert.Error(t, err)

	_, err = LoadInjectConfig(newInjectFlags(t))
	assert.Error(t, err)

	_, err = LoadInjectConfig(newInjectFlags(t, "append", "--batch-size", "0"))
	assert.Error(t, err)
}

func TestCreateDefaultInjectConfigRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "inject.yaml")
	require.NoError(t, CreateDefaultInjectConfig(path))

	// The operation comes from the file when no argument is given.
	cfg, err := LoadInjectConfig(newInjectFlags(t, "--config", path))
	require.NoError(t, err)
	assert.Equal(t, OperationKeyWrite, cfg.Operation)
	assert.Equal(t, uint8(2), cfg.Redundancy)
	assert.Equal(t, "rdma_metadata", cfg.MetadataDir)
}
