// Package verbs abstracts the RDMA verbs objects used to connect two peers with a
// reliable connected queue pair: devices, protection domains, registered memory,
// completion queues and queue pairs.
//
// Two providers exist. Loopback is an in-process fabric written in Go and is always
// available. IBVerbs binds libibverbs through cgo and is compiled only with the
// rdma_hw build tag:
//
//	go build -tags rdma_hw ./...
package verbs

import "io"

// Provider enumerates and opens devices.
type Provider interface {
	Name() string
	Devices() ([]DeviceInfo, error)
	// Open opens the first device whose name matches. An empty name selects the first device.
	Open(name string) (Device, error)
}

// Device is an opened device context.
type Device interface {
	Info() DeviceInfo
	QueryDevice() (DeviceAttr, error)
	QueryPort(port uint8) (PortAttr, error)
	QueryGID(port uint8, index int) (GID, error)
	AllocPD() (ProtectionDomain, error)
	// CreateCQ creates a completion queue in poll mode (no completion channel).
	CreateCQ(depth int) (CompletionQueue, error)
	Close() error
}

// ProtectionDomain groups memory regions and queue pairs that may reference each other.
type ProtectionDomain interface {
	RegisterMemory(buf []byte, access AccessFlags) (MemoryRegion, error)
	CreateQP(attr QPInitAttr) (QueuePair, error)
	Close() error
}

// MemoryRegion is a registered buffer. Remote peers address it by offset.
// ReadAt and WriteAt are the only supported ways to touch the bytes while
// the region is exposed to the fabric.
type MemoryRegion interface {
	io.ReaderAt
	io.WriterAt
	LKey() uint32
	RKey() uint32
	Len() int
	Access() AccessFlags
	Close() error
}

// CompletionQueue holds completion entries for posted work requests.
type CompletionQueue interface {
	// Poll returns the next entry or ErrNoCompletion without blocking.
	Poll() (WorkCompletion, error)
	Depth() int
	Close() error
}

// QueuePair is a reliable connected endpoint.
type QueuePair interface {
	QPN() uint32
	State() QPState
	Cap() QPCap
	ModifyToInit(attr InitAttr) error
	ModifyToRTR(attr RTRAttr) error
	ModifyToRTS(attr RTSAttr) error
	PostRecv(req RecvRequest) error
	PostSend(req SendRequest) error
	Close() error
}

func checkSegment(seg Segment) error {
	if seg.Region == nil {
		return ErrInvalidHandle{"memory region"}
	}
	if seg.Offset < 0 || seg.Length <= 0 || seg.Offset+seg.Length > seg.Region.Len() {
		return ErrOutOfRange
	}
	return nil
}
