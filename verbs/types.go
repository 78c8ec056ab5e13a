package verbs

import (
	"fmt"
	"net"
)

// AccessFlags controls which operations a memory region or queue pair permits.
// Values match the ibv_access_flags bits.
type AccessFlags uint32

const (
	AccessLocalWrite  AccessFlags = 1 << 0
	AccessRemoteWrite AccessFlags = 1 << 1
	AccessRemoteRead  AccessFlags = 1 << 2
)

// AccessAll is the combined permission used for one-sided read and write targets.
const AccessAll = AccessLocalWrite | AccessRemoteWrite | AccessRemoteRead

// Has reports whether all bits in want are set.
func (a AccessFlags) Has(want AccessFlags) bool {
	return a&want == want
}

// SubsetOf reports whether a grants nothing beyond other.
func (a AccessFlags) SubsetOf(other AccessFlags) bool {
	return a&^other == 0
}

func (a AccessFlags) String() string {
	if a == 0 {
		return "none"
	}
	s := ""
	add := func(name string) {
		if s != "" {
			s += "|"
		}
		s += name
	}
	if a.Has(AccessLocalWrite) {
		add("local_write")
	}
	if a.Has(AccessRemoteWrite) {
		add("remote_write")
	}
	if a.Has(AccessRemoteRead) {
		add("remote_read")
	}
	if rest := a &^ AccessAll; rest != 0 {
		add(fmt.Sprintf("0x%x", uint32(rest)))
	}
	return s
}

// GID is a 128-bit global identifier of a fabric port.
type GID [16]byte

// IsZero reports whether the GID is unset.
func (g GID) IsZero() bool {
	return g == GID{}
}

// String formats the GID as an IPv6 address.
func (g GID) String() string {
	return net.IP(g[:]).String()
}

// MTU is a path MTU enumeration value as used by the verbs API.
type MTU uint8

const (
	MTU256  MTU = 1
	MTU512  MTU = 2
	MTU1024 MTU = 3
	MTU2048 MTU = 4
	MTU4096 MTU = 5
)

// Valid reports whether m is one of the defined MTU values.
func (m MTU) Valid() bool {
	return m >= MTU256 && m <= MTU4096
}

// Bytes returns the MTU in bytes, or zero for an invalid value.
func (m MTU) Bytes() int {
	if !m.Valid() {
		return 0
	}
	return 128 << m
}

func (m MTU) String() string {
	if !m.Valid() {
		return fmt.Sprintf("MTU(%d)", uint8(m))
	}
	return fmt.Sprintf("%d", m.Bytes())
}

// MTUFromBytes maps a byte count to its MTU value.
func MTUFromBytes(n int) (MTU, error) {
	for m := MTU256; m <= MTU4096; m++ {
		if m.Bytes() == n {
			return m, nil
		}
	}
	return 0, fmt.Errorf("%w: mtu %d", ErrInvalidAttr, n)
}

// PortState mirrors ibv_port_state.
type PortState uint8

const (
	PortNop PortState = iota
	PortDown
	PortInit
	PortArmed
	PortActive
	PortActiveDefer
)

func (s PortState) String() string {
	switch s {
	case PortNop:
		return "nop"
	case PortDown:
		return "down"
	case PortInit:
		return "init"
	case PortArmed:
		return "armed"
	case PortActive:
		return "active"
	case PortActiveDefer:
		return "active_defer"
	default:
		return fmt.Sprintf("port_state(%d)", uint8(s))
	}
}

// DeviceInfo identifies an enumerated device.
type DeviceInfo struct {
	Name     string
	NodeGUID uint64
}

// DeviceAttr holds the capability limits reported by a device.
type DeviceAttr struct {
	MaxQPWR         int
	MaxCQE          int
	MaxSGE          int
	MaxMR           int
	MaxQPRdAtom     int
	MaxQPInitRdAtom int
	PhysPortCount   int
}

// PortAttr holds the state of a single device port.
type PortAttr struct {
	State       PortState
	MaxMTU      MTU
	ActiveMTU   MTU
	LID         uint16
	GIDTableLen int
}

// QPCap bounds the outstanding work requests on a queue pair.
type QPCap struct {
	MaxSendWR  int
	MaxRecvWR  int
	MaxSendSGE int
	MaxRecvSGE int
}

// QPInitAttr configures queue pair creation. Only reliable connected queue pairs are created.
type QPInitAttr struct {
	SendCQ    CompletionQueue
	RecvCQ    CompletionQueue
	Cap       QPCap
	SignalAll bool
}

// InitAttr is the attribute set for Reset -> Init.
type InitAttr struct {
	Port      uint8
	PKeyIndex uint16
	Access    AccessFlags
}

// AddressHandle describes the path to the remote port.
type AddressHandle struct {
	IsGlobal     bool
	DGID         GID
	SGIDIndex    uint8
	HopLimit     uint8
	TrafficClass uint8
	FlowLabel    uint32
	DLID         uint16
	SL           uint8
	Port         uint8
}

// RTRAttr is the attribute set for Init -> Ready-To-Receive.
type RTRAttr struct {
	PathMTU         MTU
	DestQPN         uint32
	RQPSN           uint32
	MaxDestRdAtomic uint8
	MinRNRTimer     uint8
	AH              AddressHandle
}

// RTSAttr is the attribute set for Ready-To-Receive -> Ready-To-Send.
type RTSAttr struct {
	SQPSN       uint32
	Timeout     uint8
	RetryCount  uint8
	RNRRetry    uint8
	MaxRdAtomic uint8
}

// Opcode selects the one-sided operation of a send request.
type Opcode uint8

const (
	OpcodeRDMAWrite Opcode = iota
	OpcodeRDMARead
)

func (o Opcode) String() string {
	switch o {
	case OpcodeRDMAWrite:
		return "rdma_write"
	case OpcodeRDMARead:
		return "rdma_read"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(o))
	}
}

// Segment references a byte range of a registered region.
type Segment struct {
	Region MemoryRegion
	Offset int
	Length int
}

// SendRequest is a one-sided work request posted on the send queue.
// RemoteOffset is relative to the start of the remote region.
type SendRequest struct {
	ID           uint64
	Opcode       Opcode
	Local        Segment
	RemoteOffset uint64
	RKey         uint32
	Signaled     bool
}

// RecvRequest is a receive work request posted on the receive queue.
type RecvRequest struct {
	ID    uint64
	Local Segment
}

// MaxPSN is the largest 24-bit packet sequence number.
const MaxPSN = 1<<24 - 1
