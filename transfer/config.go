package transfer

import (
	"bytes"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rocketbitz/rdmaxchg-go/queuepair"
	"github.com/rocketbitz/rdmaxchg-go/rendezvous"
	"github.com/rocketbitz/rdmaxchg-go/resource"
)

// ErrInvalidConfig indicates that a session configuration was rejected.
var ErrInvalidConfig = errors.New("rdmaxchg transfer: invalid configuration")

const (
	DefaultTransferSize      = 16
	DefaultReadMarker        = "SERVER"
	DefaultWriteMarker       = "client"
	DefaultCQDepth           = 100000
	DefaultPollInterval      = 10 * time.Millisecond
	DefaultPhaseTimeout      = 30 * time.Second
	DefaultRendezvousTimeout = 60 * time.Second
)

// DefaultListenAddr is the passive side's rendezvous address.
var DefaultListenAddr = net.JoinHostPort("", strconv.Itoa(rendezvous.DefaultPort))

// Config configures one peer of a transfer.
type Config struct {
	Role     queuepair.Role
	Resource resource.Config
	// QueuePair zero fields take the values of queuepair.DefaultConfig.
	QueuePair queuepair.Config
	// CQDepth is clamped to the device maximum.
	CQDepth int

	// ListenAddr is bound by the passive side.
	ListenAddr string
	// PeerAddr is dialed by the active side.
	PeerAddr string

	// TransferSize is the length of each remote read and write, from offset zero.
	TransferSize int
	// ReadMarker is the content the passive side exposes and the active side must read.
	ReadMarker string
	// WriteMarker is the content the active side writes and the passive side waits for.
	WriteMarker string

	PollInterval      time.Duration
	PhaseTimeout      time.Duration
	RendezvousTimeout time.Duration

	Logger           Logger
	StructuredLogger StructuredLogger
	Tracer           Tracer
	Metrics          MetricHook
}

func (c Config) withDefaults() Config {
	c.QueuePair = c.QueuePair.WithDefaults()
	if c.Resource.Port == 0 {
		c.Resource.Port = c.QueuePair.Port
	}
	c.QueuePair.Port = c.Resource.Port
	c.QueuePair.SGIDIndex = uint8(c.Resource.GIDIndex)
	if c.Resource.BufferSize == 0 {
		c.Resource.BufferSize = resource.DefaultBufferSize
	}
	if c.CQDepth == 0 {
		c.CQDepth = DefaultCQDepth
	}
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.TransferSize == 0 {
		c.TransferSize = DefaultTransferSize
	}
	if c.ReadMarker == "" {
		c.ReadMarker = DefaultReadMarker
	}
	if c.WriteMarker == "" {
		c.WriteMarker = DefaultWriteMarker
	}
	if c.PollInterval == 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.PhaseTimeout == 0 {
		c.PhaseTimeout = DefaultPhaseTimeout
	}
	if c.RendezvousTimeout == 0 {
		c.RendezvousTimeout = DefaultRendezvousTimeout
	}
	return c
}

// Validate reports whether the configuration, with defaults applied, can run.
func (c Config) Validate() error {
	c = c.withDefaults()
	switch {
	case c.Role != queuepair.RoleActive && c.Role != queuepair.RolePassive:
		return fmt.Errorf("%w: %s", ErrInvalidConfig, c.Role)
	case c.Role == queuepair.RoleActive && c.PeerAddr == "":
		return fmt.Errorf("%w: active role needs a peer address", ErrInvalidConfig)
	case c.TransferSize < 0:
		return fmt.Errorf("%w: transfer size %d", ErrInvalidConfig, c.TransferSize)
	case c.TransferSize > c.Resource.BufferSize:
		return fmt.Errorf("%w: transfer size %d exceeds buffer size %d", ErrInvalidConfig, c.TransferSize, c.Resource.BufferSize)
	case len(c.ReadMarker) > c.TransferSize || len(c.WriteMarker) > c.TransferSize:
		return fmt.Errorf("%w: markers must fit in %d bytes", ErrInvalidConfig, c.TransferSize)
	case bytes.HasPrefix(c.readPayload(), []byte(c.WriteMarker)):
		// the passive content poll would see the write before it happens
		return fmt.Errorf("%w: write marker %q is indistinguishable from read marker %q", ErrInvalidConfig, c.WriteMarker, c.ReadMarker)
	case c.PollInterval < 0 || c.PhaseTimeout < 0 || c.RendezvousTimeout < 0:
		return fmt.Errorf("%w: negative interval", ErrInvalidConfig)
	}
	return nil
}

func (c Config) readPayload() []byte {
	return padded(c.ReadMarker, c.TransferSize)
}

func (c Config) writePayload() []byte {
	return padded(c.WriteMarker, c.TransferSize)
}

func padded(marker string, size int) []byte {
	buf := make([]byte, size)
	copy(buf, marker)
	return buf
}
