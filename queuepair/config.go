package queuepair

import (
	"fmt"
	"strings"

	"github.com/rocketbitz/rdmaxchg-go/verbs"
)

// Role selects which side of the transfer a peer plays.
type Role int

const (
	// RoleActive issues the remote read and remote write.
	RoleActive Role = iota
	// RolePassive owns the target buffer and never sends.
	RolePassive
)

func (r Role) String() string {
	switch r {
	case RoleActive:
		return "active"
	case RolePassive:
		return "passive"
	default:
		return fmt.Sprintf("role(%d)", int(r))
	}
}

// TerminalState is the state Arm leaves the queue pair in for this role.
func (r Role) TerminalState() verbs.QPState {
	if r == RoleActive {
		return verbs.QPStateRTS
	}
	return verbs.QPStateRTR
}

// ParseRole accepts "active"/"client" and "passive"/"server".
func ParseRole(s string) (Role, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "active", "client":
		return RoleActive, nil
	case "passive", "server":
		return RolePassive, nil
	default:
		return 0, fmt.Errorf("unknown role %q", s)
	}
}

// Peer is the remote endpoint learned during rendezvous.
type Peer struct {
	QPN uint32
	GID verbs.GID
}

// Config holds the attributes applied at each transition.
type Config struct {
	Port      uint8
	PKeyIndex uint16
	Access    verbs.AccessFlags

	PathMTU         verbs.MTU
	RQPSN           uint32
	MaxDestRdAtomic uint8
	MinRNRTimer     uint8
	SGIDIndex       uint8
	HopLimit        uint8
	TrafficClass    uint8

	SQPSN       uint32
	Timeout     uint8
	RetryCount  uint8
	RNRRetry    uint8 // 7 retries forever
	MaxRdAtomic uint8

	SendCapacity int
	RecvCapacity int
}

// DefaultConfig returns the attribute set used by both peers unless overridden.
func DefaultConfig() Config {
	return Config{
		Port:            1,
		Access:          verbs.AccessAll,
		PathMTU:         verbs.MTU2048,
		MaxDestRdAtomic: 1,
		MinRNRTimer:     0x12,
		HopLimit:        1,
		Timeout:         0x12,
		RetryCount:      6,
		RNRRetry:        7,
		MaxRdAtomic:     1,
		SendCapacity:    16,
		RecvCapacity:    16,
	}
}

// WithDefaults fills every zero field that has a nonzero default from DefaultConfig.
// PSNs, the pkey index, the SGID index and the traffic class default to zero, so they
// are left alone. A zero timeout, retry count or RNR setting cannot be expressed.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.Port == 0 {
		c.Port = d.Port
	}
	if c.Access == 0 {
		c.Access = d.Access
	}
	if c.PathMTU == 0 {
		c.PathMTU = d.PathMTU
	}
	if c.MaxDestRdAtomic == 0 {
		c.MaxDestRdAtomic = d.MaxDestRdAtomic
	}
	if c.MinRNRTimer == 0 {
		c.MinRNRTimer = d.MinRNRTimer
	}
	if c.HopLimit == 0 {
		c.HopLimit = d.HopLimit
	}
	if c.Timeout == 0 {
		c.Timeout = d.Timeout
	}
	if c.RetryCount == 0 {
		c.RetryCount = d.RetryCount
	}
	if c.RNRRetry == 0 {
		c.RNRRetry = d.RNRRetry
	}
	if c.MaxRdAtomic == 0 {
		c.MaxRdAtomic = d.MaxRdAtomic
	}
	if c.SendCapacity == 0 {
		c.SendCapacity = d.SendCapacity
	}
	if c.RecvCapacity == 0 {
		c.RecvCapacity = d.RecvCapacity
	}
	return c
}

// Clamp limits the configuration to what the device and port report.
func (c Config) Clamp(dev verbs.DeviceAttr, port verbs.PortAttr) Config {
	if port.ActiveMTU.Valid() && c.PathMTU > port.ActiveMTU {
		c.PathMTU = port.ActiveMTU
	}
	if dev.MaxQPWR > 0 {
		c.SendCapacity = min(c.SendCapacity, dev.MaxQPWR)
		c.RecvCapacity = min(c.RecvCapacity, dev.MaxQPWR)
	}
	if dev.MaxQPRdAtom > 0 && int(c.MaxDestRdAtomic) > dev.MaxQPRdAtom {
		c.MaxDestRdAtomic = uint8(dev.MaxQPRdAtom)
	}
	if dev.MaxQPInitRdAtom > 0 && int(c.MaxRdAtomic) > dev.MaxQPInitRdAtom {
		c.MaxRdAtomic = uint8(dev.MaxQPInitRdAtom)
	}
	return c
}

// Cap returns the work queue capacity requested at creation.
func (c Config) Cap() verbs.QPCap {
	return verbs.QPCap{MaxSendWR: c.SendCapacity, MaxRecvWR: c.RecvCapacity, MaxSendSGE: 1, MaxRecvSGE: 1}
}

// InitAttr returns the Reset to Init attribute set.
func (c Config) InitAttr() verbs.InitAttr {
	return verbs.InitAttr{Port: c.Port, PKeyIndex: c.PKeyIndex, Access: c.Access}
}

// RTRAttr returns the Init to RTR attribute set addressing peer by GID.
func (c Config) RTRAttr(peer Peer) verbs.RTRAttr {
	return verbs.RTRAttr{
		PathMTU:         c.PathMTU,
		DestQPN:         peer.QPN,
		RQPSN:           c.RQPSN,
		MaxDestRdAtomic: c.MaxDestRdAtomic,
		MinRNRTimer:     c.MinRNRTimer,
		AH: verbs.AddressHandle{
			IsGlobal:     true,
			DGID:         peer.GID,
			SGIDIndex:    c.SGIDIndex,
			HopLimit:     c.HopLimit,
			TrafficClass: c.TrafficClass,
			Port:         c.Port,
		},
	}
}

// RTSAttr returns the RTR to RTS attribute set.
func (c Config) RTSAttr() verbs.RTSAttr {
	return verbs.RTSAttr{
		SQPSN:       c.SQPSN,
		Timeout:     c.Timeout,
		RetryCount:  c.RetryCount,
		RNRRetry:    c.RNRRetry,
		MaxRdAtomic: c.MaxRdAtomic,
	}
}
