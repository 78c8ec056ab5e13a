//go:build cgo && rdma_hw

package verbs

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/rocketbitz/rdmaxchg-go/internal/capi"
)

// IBVerbs is the libibverbs-backed provider.
type IBVerbs struct{}

// NewIBVerbs returns the hardware provider.
func NewIBVerbs() (Provider, error) {
	return IBVerbs{}, nil
}

// Name implements Provider.
func (IBVerbs) Name() string { return "ibverbs" }

// Devices implements Provider.
func (IBVerbs) Devices() ([]DeviceInfo, error) {
	devs, err := capi.ListDevices()
	if err != nil {
		return nil, err
	}
	out := make([]DeviceInfo, 0, len(devs))
	for _, d := range devs {
		out = append(out, DeviceInfo{Name: d.Name, NodeGUID: d.NodeGUID})
	}
	return out, nil
}

// Open implements Provider.
func (IBVerbs) Open(name string) (Device, error) {
	ctx, info, err := capi.OpenDevice(name)
	if err != nil {
		if name != "" {
			return nil, fmt.Errorf("%w: %q: %v", ErrDeviceNotFound, name, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrDeviceNotFound, err)
	}
	return &hwDevice{handle: ctx, info: DeviceInfo{Name: info.Name, NodeGUID: info.NodeGUID}}, nil
}

type hwDevice struct {
	handle *capi.Context
	info   DeviceInfo
}

func (d *hwDevice) Info() DeviceInfo { return d.info }

func (d *hwDevice) QueryDevice() (DeviceAttr, error) {
	if d == nil || d.handle == nil {
		return DeviceAttr{}, ErrInvalidHandle{"device"}
	}
	a, err := d.handle.QueryDevice()
	if err != nil {
		return DeviceAttr{}, err
	}
	return DeviceAttr(a), nil
}

func (d *hwDevice) QueryPort(port uint8) (PortAttr, error) {
	if d == nil || d.handle == nil {
		return PortAttr{}, ErrInvalidHandle{"device"}
	}
	a, err := d.handle.QueryPort(port)
	if err != nil {
		return PortAttr{}, err
	}
	return PortAttr{
		State:       PortState(a.State),
		MaxMTU:      MTU(a.MaxMTU),
		ActiveMTU:   MTU(a.ActiveMTU),
		LID:         a.LID,
		GIDTableLen: a.GIDTableLen,
	}, nil
}

func (d *hwDevice) QueryGID(port uint8, index int) (GID, error) {
	if d == nil || d.handle == nil {
		return GID{}, ErrInvalidHandle{"device"}
	}
	raw, err := d.handle.QueryGID(port, index)
	return GID(raw), err
}

func (d *hwDevice) AllocPD() (ProtectionDomain, error) {
	if d == nil || d.handle == nil {
		return nil, ErrInvalidHandle{"device"}
	}
	pd, err := d.handle.AllocPD()
	if err != nil {
		return nil, err
	}
	return &hwPD{handle: pd}, nil
}

func (d *hwDevice) CreateCQ(depth int) (CompletionQueue, error) {
	if d == nil || d.handle == nil {
		return nil, ErrInvalidHandle{"device"}
	}
	cq, err := d.handle.CreateCQ(depth)
	if err != nil {
		return nil, err
	}
	return &hwCQ{handle: cq}, nil
}

func (d *hwDevice) Close() error {
	if d == nil || d.handle == nil {
		return nil
	}
	err := d.handle.Close()
	if err == nil {
		d.handle = nil
	}
	return err
}

type hwPD struct {
	handle *capi.PD
}

// RegisterMemory registers buf with zero-based addressing. buf must come from memory
// that the Go runtime does not manage, such as an anonymous mapping.
func (p *hwPD) RegisterMemory(buf []byte, access AccessFlags) (MemoryRegion, error) {
	if p == nil || p.handle == nil {
		return nil, ErrInvalidHandle{"protection domain"}
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrInvalidAttr)
	}
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_MEMLOCK, &lim); err == nil && lim.Cur != unix.RLIM_INFINITY && uint64(len(buf)) > lim.Cur {
		return nil, fmt.Errorf("%w: region of %d bytes exceeds RLIMIT_MEMLOCK (%d)", ErrInvalidAttr, len(buf), lim.Cur)
	}
	mr, err := p.handle.RegisterZeroBased(unsafe.Pointer(&buf[0]), len(buf), hwAccess(access))
	if err != nil {
		return nil, err
	}
	return &hwRegion{handle: mr, buf: buf, access: access}, nil
}

func (p *hwPD) CreateQP(attr QPInitAttr) (QueuePair, error) {
	if p == nil || p.handle == nil {
		return nil, ErrInvalidHandle{"protection domain"}
	}
	send, ok := attr.SendCQ.(*hwCQ)
	if !ok || send.handle == nil {
		return nil, fmt.Errorf("%w: send cq", ErrInvalidAttr)
	}
	recv, ok := attr.RecvCQ.(*hwCQ)
	if !ok || recv.handle == nil {
		return nil, fmt.Errorf("%w: recv cq", ErrInvalidAttr)
	}
	qp, granted, err := p.handle.CreateRCQP(send.handle, recv.handle, capi.QPCap(attr.Cap), attr.SignalAll)
	if err != nil {
		return nil, err
	}
	return &hwQP{handle: qp, cap: QPCap(granted)}, nil
}

func (p *hwPD) Close() error {
	if p == nil || p.handle == nil {
		return nil
	}
	err := p.handle.Close()
	if err == nil {
		p.handle = nil
	}
	return err
}

type hwRegion struct {
	handle *capi.MR
	buf    []byte
	access AccessFlags
}

func (r *hwRegion) LKey() uint32        { return r.handle.LKey() }
func (r *hwRegion) RKey() uint32        { return r.handle.RKey() }
func (r *hwRegion) Len() int            { return len(r.buf) }
func (r *hwRegion) Access() AccessFlags { return r.access }

func (r *hwRegion) ReadAt(p []byte, off int64) (int, error) {
	return readAt(r.buf, p, off)
}

func (r *hwRegion) WriteAt(p []byte, off int64) (int, error) {
	return writeAt(r.buf, p, off)
}

func (r *hwRegion) addr(off int) unsafe.Pointer {
	return unsafe.Pointer(&r.buf[off])
}

func (r *hwRegion) Close() error {
	if r == nil || r.handle == nil {
		return nil
	}
	err := r.handle.Close()
	if err == nil {
		r.handle = nil
	}
	return err
}

type hwCQ struct {
	handle *capi.CQ
}

func (c *hwCQ) Depth() int { return c.handle.Depth() }

func (c *hwCQ) Poll() (WorkCompletion, error) {
	if c == nil || c.handle == nil {
		return WorkCompletion{}, ErrInvalidHandle{"completion queue"}
	}
	wc, ok, err := c.handle.Poll()
	if err != nil {
		return WorkCompletion{}, err
	}
	if !ok {
		return WorkCompletion{}, ErrNoCompletion
	}
	return WorkCompletion{
		ID:        wc.ID,
		Status:    WCStatus(wc.Status),
		Opcode:    WCOpcode(wc.Opcode),
		ByteLen:   wc.ByteLen,
		QPN:       wc.QPN,
		VendorErr: wc.VendorErr,
	}, nil
}

func (c *hwCQ) Close() error {
	if c == nil || c.handle == nil {
		return nil
	}
	err := c.handle.Close()
	if err == nil {
		c.handle = nil
	}
	return err
}

type hwQP struct {
	handle *capi.QP
	cap    QPCap
}

func (q *hwQP) QPN() uint32    { return q.handle.Num() }
func (q *hwQP) State() QPState { return QPState(q.handle.State()) }
func (q *hwQP) Cap() QPCap     { return q.cap }

func (q *hwQP) ModifyToInit(attr InitAttr) error {
	if q == nil || q.handle == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	return q.handle.ModifyToInit(attr.Port, attr.PKeyIndex, hwAccess(attr.Access))
}

func (q *hwQP) ModifyToRTR(attr RTRAttr) error {
	if q == nil || q.handle == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	return q.handle.ModifyToRTR(capi.RTRParams{
		PathMTU:         int(attr.PathMTU),
		DestQPN:         attr.DestQPN,
		RQPSN:           attr.RQPSN,
		MaxDestRdAtomic: attr.MaxDestRdAtomic,
		MinRNRTimer:     attr.MinRNRTimer,
		IsGlobal:        attr.AH.IsGlobal,
		DGID:            attr.AH.DGID,
		SGIDIndex:       attr.AH.SGIDIndex,
		HopLimit:        attr.AH.HopLimit,
		TrafficClass:    attr.AH.TrafficClass,
		FlowLabel:       attr.AH.FlowLabel,
		DLID:            attr.AH.DLID,
		SL:              attr.AH.SL,
		Port:            attr.AH.Port,
	})
}

func (q *hwQP) ModifyToRTS(attr RTSAttr) error {
	if q == nil || q.handle == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	return q.handle.ModifyToRTS(capi.RTSParams(attr))
}

func (q *hwQP) PostRecv(req RecvRequest) error {
	if q == nil || q.handle == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	if err := checkSegment(req.Local); err != nil {
		return fmt.Errorf("post recv: %w", err)
	}
	region, ok := req.Local.Region.(*hwRegion)
	if !ok || region.handle == nil {
		return ErrInvalidHandle{"memory region"}
	}
	return q.handle.PostRecv(req.ID, region.addr(req.Local.Offset), req.Local.Length, region.LKey())
}

func (q *hwQP) PostSend(req SendRequest) error {
	if q == nil || q.handle == nil {
		return ErrInvalidHandle{"queue pair"}
	}
	if err := checkSegment(req.Local); err != nil {
		return fmt.Errorf("post send: %w", err)
	}
	region, ok := req.Local.Region.(*hwRegion)
	if !ok || region.handle == nil {
		return ErrInvalidHandle{"memory region"}
	}
	op := capi.OpRDMAWrite
	if req.Opcode == OpcodeRDMARead {
		op = capi.OpRDMARead
	}
	return q.handle.PostRDMA(req.ID, op, region.addr(req.Local.Offset), req.Local.Length, region.LKey(), req.RemoteOffset, req.RKey, req.Signaled)
}

func (q *hwQP) Close() error {
	if q == nil || q.handle == nil {
		return nil
	}
	err := q.handle.Close()
	if err == nil {
		q.handle = nil
	}
	return err
}

func hwAccess(a AccessFlags) int {
	var out int
	if a.Has(AccessLocalWrite) {
		out |= capi.AccessLocalWrite
	}
	if a.Has(AccessRemoteWrite) {
		out |= capi.AccessRemoteWrite
	}
	if a.Has(AccessRemoteRead) {
		out |= capi.AccessRemoteRead
	}
	return out
}
