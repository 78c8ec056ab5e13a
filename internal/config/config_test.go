package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rocketbitz/rdmaxchg-go/queuepair"
	"github.com/rocketbitz/rdmaxchg-go/transfer"
	"github.com/rocketbitz/rdmaxchg-go/verbs"
)

func testFlags(t *testing.T, args ...string) *pflag.FlagSet {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	fs.String("provider", ProviderLoopback, "")
	fs.String("device", "", "")
	fs.Int("port", 1, "")
	fs.Int("gid-index", 0, "")
	fs.String("listen", "", "")
	fs.String("peer", "", "")
	fs.Duration("phase-timeout", 0, "")
	fs.String("log-level", "info", "")
	require.NoError(t, fs.Parse(args))
	return fs
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rdmaxchg.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)

	assert.Equal(t, "passive", cfg.Role)
	assert.Equal(t, ProviderLoopback, cfg.Provider)
	assert.Equal(t, 1, cfg.Device.Port)
	assert.Equal(t, 2048, cfg.QueuePair.PathMTU)
	assert.Equal(t, 0x12, cfg.QueuePair.Timeout)
	assert.Equal(t, 7, cfg.QueuePair.RNRRetry)
	assert.Equal(t, transfer.DefaultListenAddr, cfg.Rendezvous.Listen)
	assert.Equal(t, 60*time.Second, cfg.Rendezvous.Timeout)
	assert.Equal(t, 16, cfg.Transfer.Size)
	assert.Equal(t, "SERVER", cfg.Transfer.ReadMarker)
	assert.Equal(t, "client", cfg.Transfer.WriteMarker)
	assert.Equal(t, 10*time.Millisecond, cfg.Transfer.PollInterval)
	assert.Equal(t, "console", cfg.Log.Format)
}

func TestLoadPriority(t *testing.T) {
	path := writeConfig(t, `
role: active
device:
  name: mlx5_3
  port: 1
queue_pair:
  path_mtu: 1024
rendezvous:
  peer: 10.0.0.7:26214
transfer:
  phase_timeout: 2s
  read_marker: READY
log:
  level: debug
  format: json
`)
	t.Setenv("RDMAXCHG_DEVICE_NAME", "mlx5_0")
	t.Setenv("RDMAXCHG_TRANSFER_POLL_INTERVAL", "5ms")

	cfg, err := Load(path, testFlags(t, "--port=2", "--phase-timeout=750ms"))
	require.NoError(t, err)

	assert.Equal(t, "active", cfg.Role, "file")
	assert.Equal(t, 1024, cfg.QueuePair.PathMTU, "file")
	assert.Equal(t, "READY", cfg.Transfer.ReadMarker, "file")
	assert.Equal(t, "json", cfg.Log.Format, "file")
	assert.Equal(t, "mlx5_0", cfg.Device.Name, "env beats file")
	assert.Equal(t, 5*time.Millisecond, cfg.Transfer.PollInterval, "env")
	assert.Equal(t, 2, cfg.Device.Port, "flag beats file")
	assert.Equal(t, 750*time.Millisecond, cfg.Transfer.PhaseTimeout, "flag beats file")
	assert.Equal(t, "debug", cfg.Log.Level, "unset flag leaves file value")
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"), nil)
	require.Error(t, err)
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"unknown role", "role: observer\n"},
		{"unknown provider", "provider: psm3\n"},
		{"port zero", "device:\n  port: 0\n"},
		{"bad mtu", "queue_pair:\n  path_mtu: 1500\n"},
		{"timeout range", "queue_pair:\n  timeout: 32\n"},
		{"retry range", "queue_pair:\n  retry_count: 8\n"},
		{"cq too shallow", "queue_pair:\n  cq_depth: 32\n"},
		{"log level", "log:\n  level: loud\n"},
		{"log format", "log:\n  format: xml\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body), nil)
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}
}

func TestConfigSessionConfig(t *testing.T) {
	path := writeConfig(t, `
role: server
device:
  name: mlx5_3
  gid_index: 3
queue_pair:
  path_mtu: 4096
  retry_count: 5
  send_capacity: 32
transfer:
  size: 32
`)
	cfg, err := Load(path, testFlags(t, "--listen=127.0.0.1:0"))
	require.NoError(t, err)

	tc, err := cfg.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, queuepair.RolePassive, tc.Role)
	assert.Equal(t, "mlx5_3", tc.Resource.DeviceName)
	assert.Equal(t, 3, tc.Resource.GIDIndex)
	assert.Equal(t, uint8(3), tc.QueuePair.SGIDIndex)
	assert.Equal(t, verbs.MTU4096, tc.QueuePair.PathMTU)
	assert.Equal(t, uint8(5), tc.QueuePair.RetryCount)
	assert.Equal(t, 32, tc.QueuePair.SendCapacity)
	assert.Equal(t, 16, tc.QueuePair.RecvCapacity)
	assert.Equal(t, 32, tc.TransferSize)
	assert.Equal(t, "127.0.0.1:0", tc.ListenAddr)

	cfg.Role = "active"
	_, err = cfg.SessionConfig()
	assert.ErrorIs(t, err, transfer.ErrInvalidConfig, "active role without a peer")
	cfg.Rendezvous.Peer = "127.0.0.1:26214"
	tc, err = cfg.SessionConfig()
	require.NoError(t, err)
	assert.Equal(t, queuepair.RoleActive, tc.Role)
}

func TestNewProvider(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	p, err := cfg.NewProvider()
	require.NoError(t, err)
	assert.Equal(t, "loopback", p.Name())

	cfg.Provider = ProviderIBVerbs
	if p, err := cfg.NewProvider(); err == nil {
		assert.Equal(t, "ibverbs", p.Name())
	} else {
		assert.ErrorIs(t, err, verbs.ErrNotSupported)
	}
}
