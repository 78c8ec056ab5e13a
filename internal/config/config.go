// Package config loads rdmaxchg settings from defaults, an optional YAML file,
// RDMAXCHG_* environment variables and command line flags, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"

	"github.com/rocketbitz/rdmaxchg-go/queuepair"
	"github.com/rocketbitz/rdmaxchg-go/resource"
	"github.com/rocketbitz/rdmaxchg-go/transfer"
	"github.com/rocketbitz/rdmaxchg-go/verbs"
)

// ErrInvalid indicates a configuration that failed validation.
var ErrInvalid = errors.New("rdmaxchg config: invalid")

const (
	ProviderLoopback = "loopback"
	ProviderIBVerbs  = "ibverbs"
)

// Config is the full process configuration.
type Config struct {
	// Role is "passive" or "active"; subcommands override it.
	Role     string `mapstructure:"role"`
	Provider string `mapstructure:"provider"`

	Device     DeviceConfig     `mapstructure:"device"`
	QueuePair  QueuePairConfig  `mapstructure:"queue_pair"`
	Rendezvous RendezvousConfig `mapstructure:"rendezvous"`
	Transfer   TransferConfig   `mapstructure:"transfer"`
	Log        LogConfig        `mapstructure:"log"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
}

// DeviceConfig selects the device, port and GID, and sizes the registered buffer.
type DeviceConfig struct {
	// Name of the device; empty picks the first one.
	Name       string `mapstructure:"name"`
	Port       int    `mapstructure:"port"`
	GIDIndex   int    `mapstructure:"gid_index"`
	BufferSize int    `mapstructure:"buffer_size"`
}

// QueuePairConfig overrides the queue pair transition attributes.
type QueuePairConfig struct {
	// PathMTU is in bytes: 256, 512, 1024, 2048 or 4096.
	PathMTU      int `mapstructure:"path_mtu"`
	MinRNRTimer  int `mapstructure:"min_rnr_timer"`
	HopLimit     int `mapstructure:"hop_limit"`
	Timeout      int `mapstructure:"timeout"`
	RetryCount   int `mapstructure:"retry_count"`
	RNRRetry     int `mapstructure:"rnr_retry"`
	SendCapacity int `mapstructure:"send_capacity"`
	RecvCapacity int `mapstructure:"recv_capacity"`
	CQDepth      int `mapstructure:"cq_depth"`
}

// RendezvousConfig holds the out-of-band exchange addresses.
type RendezvousConfig struct {
	Listen  string        `mapstructure:"listen"`
	Peer    string        `mapstructure:"peer"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// TransferConfig tunes the two phases.
type TransferConfig struct {
	Size         int           `mapstructure:"size"`
	ReadMarker   string        `mapstructure:"read_marker"`
	WriteMarker  string        `mapstructure:"write_marker"`
	PollInterval time.Duration `mapstructure:"poll_interval"`
	PhaseTimeout time.Duration `mapstructure:"phase_timeout"`
}

// LogConfig configures the zap logger built by the command.
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// MetricsConfig enables the Prometheus endpoint when Addr is set.
type MetricsConfig struct {
	Addr string `mapstructure:"addr"`
}

// flagKeys maps command line flag names onto configuration keys.
var flagKeys = map[string]string{
	"provider":      "provider",
	"device":        "device.name",
	"port":          "device.port",
	"gid-index":     "device.gid_index",
	"buffer-size":   "device.buffer_size",
	"listen":        "rendezvous.listen",
	"peer":          "rendezvous.peer",
	"size":          "transfer.size",
	"phase-timeout": "transfer.phase_timeout",
	"log-level":     "log.level",
	"log-format":    "log.format",
	"metrics-addr":  "metrics.addr",
}

// Load reads configPath (if not empty), the environment and any flags in flags that
// were set on the command line, then validates the result.
func Load(configPath string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("RDMAXCHG")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if flags != nil {
		for name, key := range flagKeys {
			flag := flags.Lookup(name)
			if flag == nil || !flag.Changed {
				continue
			}
			if err := v.BindPFlag(key, flag); err != nil {
				return nil, fmt.Errorf("bind flag %s: %w", name, err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	qp := queuepair.DefaultConfig()

	v.SetDefault("role", queuepair.RolePassive.String())
	v.SetDefault("provider", ProviderLoopback)

	v.SetDefault("device.name", "")
	v.SetDefault("device.port", int(qp.Port))
	v.SetDefault("device.gid_index", 0)
	v.SetDefault("device.buffer_size", resource.DefaultBufferSize)

	v.SetDefault("queue_pair.path_mtu", qp.PathMTU.Bytes())
	v.SetDefault("queue_pair.min_rnr_timer", int(qp.MinRNRTimer))
	v.SetDefault("queue_pair.hop_limit", int(qp.HopLimit))
	v.SetDefault("queue_pair.timeout", int(qp.Timeout))
	v.SetDefault("queue_pair.retry_count", int(qp.RetryCount))
	v.SetDefault("queue_pair.rnr_retry", int(qp.RNRRetry))
	v.SetDefault("queue_pair.send_capacity", qp.SendCapacity)
	v.SetDefault("queue_pair.recv_capacity", qp.RecvCapacity)
	v.SetDefault("queue_pair.cq_depth", transfer.DefaultCQDepth)

	v.SetDefault("rendezvous.listen", transfer.DefaultListenAddr)
	v.SetDefault("rendezvous.peer", "")
	v.SetDefault("rendezvous.timeout", transfer.DefaultRendezvousTimeout)

	v.SetDefault("transfer.size", transfer.DefaultTransferSize)
	v.SetDefault("transfer.read_marker", transfer.DefaultReadMarker)
	v.SetDefault("transfer.write_marker", transfer.DefaultWriteMarker)
	v.SetDefault("transfer.poll_interval", transfer.DefaultPollInterval)
	v.SetDefault("transfer.phase_timeout", transfer.DefaultPhaseTimeout)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "console")
	v.SetDefault("metrics.addr", "")
}

func (c *Config) validate() error {
	if _, err := queuepair.ParseRole(c.Role); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Provider {
	case ProviderLoopback, ProviderIBVerbs:
	default:
		return fmt.Errorf("%w: unknown provider %q", ErrInvalid, c.Provider)
	}
	if c.Device.Port < 1 || c.Device.Port > 255 {
		return fmt.Errorf("%w: device port %d", ErrInvalid, c.Device.Port)
	}
	if c.Device.GIDIndex < 0 || c.Device.GIDIndex > 255 {
		return fmt.Errorf("%w: gid index %d", ErrInvalid, c.Device.GIDIndex)
	}
	if c.Device.BufferSize <= 0 {
		return fmt.Errorf("%w: buffer size %d", ErrInvalid, c.Device.BufferSize)
	}
	if _, err := verbs.MTUFromBytes(c.QueuePair.PathMTU); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	for _, f := range []struct {
		name     string
		val, max int
	}{
		{"min_rnr_timer", c.QueuePair.MinRNRTimer, 31},
		{"hop_limit", c.QueuePair.HopLimit, 255},
		{"timeout", c.QueuePair.Timeout, 31},
		{"retry_count", c.QueuePair.RetryCount, 7},
		{"rnr_retry", c.QueuePair.RNRRetry, 7},
	} {
		if f.val < 0 || f.val > f.max {
			return fmt.Errorf("%w: queue_pair.%s %d out of range 0..%d", ErrInvalid, f.name, f.val, f.max)
		}
	}
	if c.QueuePair.SendCapacity <= 0 || c.QueuePair.RecvCapacity <= 0 {
		return fmt.Errorf("%w: queue pair capacity must be positive", ErrInvalid)
	}
	if c.QueuePair.CQDepth <= c.QueuePair.SendCapacity+c.QueuePair.RecvCapacity {
		return fmt.Errorf("%w: cq depth %d must exceed send+recv capacity", ErrInvalid, c.QueuePair.CQDepth)
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return fmt.Errorf("%w: log format %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// SessionConfig converts the configuration into a session configuration. Telemetry
// hooks are left for the caller to fill in.
func (c *Config) SessionConfig() (transfer.Config, error) {
	role, err := queuepair.ParseRole(c.Role)
	if err != nil {
		return transfer.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	mtu, err := verbs.MTUFromBytes(c.QueuePair.PathMTU)
	if err != nil {
		return transfer.Config{}, fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	qp := queuepair.DefaultConfig()
	qp.Port = uint8(c.Device.Port)
	qp.SGIDIndex = uint8(c.Device.GIDIndex)
	qp.PathMTU = mtu
	qp.MinRNRTimer = uint8(c.QueuePair.MinRNRTimer)
	qp.HopLimit = uint8(c.QueuePair.HopLimit)
	qp.Timeout = uint8(c.QueuePair.Timeout)
	qp.RetryCount = uint8(c.QueuePair.RetryCount)
	qp.RNRRetry = uint8(c.QueuePair.RNRRetry)
	qp.SendCapacity = c.QueuePair.SendCapacity
	qp.RecvCapacity = c.QueuePair.RecvCapacity

	tc := transfer.Config{
		Role: role,
		Resource: resource.Config{
			DeviceName: c.Device.Name,
			Port:       uint8(c.Device.Port),
			GIDIndex:   c.Device.GIDIndex,
			BufferSize: c.Device.BufferSize,
		},
		QueuePair:         qp,
		CQDepth:           c.QueuePair.CQDepth,
		ListenAddr:        c.Rendezvous.Listen,
		PeerAddr:          c.Rendezvous.Peer,
		TransferSize:      c.Transfer.Size,
		ReadMarker:        c.Transfer.ReadMarker,
		WriteMarker:       c.Transfer.WriteMarker,
		PollInterval:      c.Transfer.PollInterval,
		PhaseTimeout:      c.Transfer.PhaseTimeout,
		RendezvousTimeout: c.Rendezvous.Timeout,
	}
	if err := tc.Validate(); err != nil {
		return transfer.Config{}, err
	}
	return tc, nil
}

// NewProvider returns the verbs provider named by the configuration.
func (c *Config) NewProvider() (verbs.Provider, error) {
	switch c.Provider {
	case ProviderIBVerbs:
		return verbs.NewIBVerbs()
	case ProviderLoopback:
		return verbs.NewLoopback(), nil
	default:
		return nil, fmt.Errorf("%w: unknown provider %q", ErrInvalid, c.Provider)
	}
}
