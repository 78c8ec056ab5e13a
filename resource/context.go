// Package resource acquires the per-peer fabric resources: an open device, one protection
// domain and one registered buffer. Every acquisition is recorded on a release Stack so
// that teardown always runs in reverse order, whether Open fails halfway or the session
// ends normally.
package resource

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/rdmaxchg-go/verbs"
)

// ErrInvalidConfig indicates that the resource configuration cannot be satisfied.
var ErrInvalidConfig = errors.New("rdmaxchg resource: invalid configuration")

const (
	// DefaultPort is the device port used when Config.Port is zero.
	DefaultPort uint8 = 1
	// DefaultBufferSize is the registered buffer size used when Config.BufferSize is zero.
	DefaultBufferSize = 4096
)

// Config selects the device and sizes the registered buffer.
type Config struct {
	// DeviceName picks the first device with this name. Empty selects the first device.
	DeviceName string
	Port       uint8
	GIDIndex   int
	// BufferSize is rounded up to the page size.
	BufferSize int
	Access     verbs.AccessFlags
}

func (c Config) withDefaults() Config {
	if c.Port == 0 {
		c.Port = DefaultPort
	}
	if c.BufferSize == 0 {
		c.BufferSize = DefaultBufferSize
	}
	if c.Access == 0 {
		c.Access = verbs.AccessAll
	}
	return c
}

// Context owns the device, protection domain and registered region of one peer.
type Context struct {
	cfg    Config
	dev    verbs.Device
	attr   verbs.DeviceAttr
	port   verbs.PortAttr
	gid    verbs.GID
	buf    *Buffer
	pd     verbs.ProtectionDomain
	mr     verbs.MemoryRegion
	stack  Stack
	closed bool
}

// Open acquires the device, queries its attributes, maps the buffer, allocates the
// protection domain and registers the buffer. On failure everything acquired so far is
// released before the error is returned.
func Open(provider verbs.Provider, cfg Config) (*Context, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	cfg = cfg.withDefaults()
	if cfg.GIDIndex < 0 {
		return nil, fmt.Errorf("%w: gid index %d", ErrInvalidConfig, cfg.GIDIndex)
	}
	if cfg.BufferSize < 0 {
		return nil, fmt.Errorf("%w: buffer size %d", ErrInvalidConfig, cfg.BufferSize)
	}

	c := &Context{cfg: cfg}
	fail := func(err error) (*Context, error) {
		if rerr := c.stack.Release(); rerr != nil {
			err = errors.Join(err, rerr)
		}
		return nil, err
	}

	dev, err := provider.Open(cfg.DeviceName)
	if err != nil {
		return nil, fmt.Errorf("open device: %w", err)
	}
	c.dev = dev
	c.stack.Push("device", dev.Close)

	if c.attr, err = dev.QueryDevice(); err != nil {
		return fail(fmt.Errorf("query device %s: %w", dev.Info().Name, err))
	}
	if c.port, err = dev.QueryPort(cfg.Port); err != nil {
		return fail(fmt.Errorf("query port %d: %w", cfg.Port, err))
	}
	if c.port.State != verbs.PortActive {
		return fail(fmt.Errorf("%w: %s port %d is %s", verbs.ErrPortNotActive, dev.Info().Name, cfg.Port, c.port.State))
	}
	if c.port.GIDTableLen > 0 && cfg.GIDIndex >= c.port.GIDTableLen {
		return fail(fmt.Errorf("%w: gid index %d outside table of %d", ErrInvalidConfig, cfg.GIDIndex, c.port.GIDTableLen))
	}
	if c.gid, err = dev.QueryGID(cfg.Port, cfg.GIDIndex); err != nil {
		return fail(fmt.Errorf("query gid %d: %w", cfg.GIDIndex, err))
	}

	buf, err := NewBuffer(cfg.BufferSize)
	if err != nil {
		return fail(err)
	}
	c.buf = buf
	c.stack.Push("buffer", buf.Free)

	pd, err := dev.AllocPD()
	if err != nil {
		return fail(fmt.Errorf("alloc pd: %w", err))
	}
	c.pd = pd
	c.stack.Push("protection domain", pd.Close)

	mr, err := pd.RegisterMemory(buf.Bytes(), cfg.Access)
	if err != nil {
		return fail(fmt.Errorf("register %d bytes: %w", buf.Len(), err))
	}
	c.mr = mr
	c.stack.Push("memory region", mr.Close)
	return c, nil
}

// Track records a release for a resource built on top of this context, such as a
// completion queue or queue pair. It is released before anything Open acquired.
func (c *Context) Track(name string, release func() error) {
	if c == nil || c.closed {
		return
	}
	c.stack.Push(name, release)
}

// Close releases everything in reverse order of acquisition. It is idempotent.
func (c *Context) Close() error {
	if c == nil || c.closed {
		return nil
	}
	c.closed = true
	return c.stack.Release()
}

func (c *Context) Config() Config                           { return c.cfg }
func (c *Context) Device() verbs.Device                     { return c.dev }
func (c *Context) DeviceAttr() verbs.DeviceAttr             { return c.attr }
func (c *Context) PortAttr() verbs.PortAttr                 { return c.port }
func (c *Context) GID() verbs.GID                           { return c.gid }
func (c *Context) ProtectionDomain() verbs.ProtectionDomain { return c.pd }
func (c *Context) Region() verbs.MemoryRegion               { return c.mr }

// Buffer returns the registered memory. Access while an operation targeting it is in
// flight must go through Region, which serialises with the fabric.
func (c *Context) Buffer() []byte { return c.buf.Bytes() }
