package verbs

import (
	"fmt"
	"sync"
)

// Steps recorded in the loopback journal and accepted by WithFault.
const (
	StepOpenDevice  = "open_device"
	StepQueryDevice = "query_device"
	StepQueryPort   = "query_port"
	StepQueryGID    = "query_gid"
	StepAllocPD     = "alloc_pd"
	StepRegMR       = "reg_mr"
	StepCreateCQ    = "create_cq"
	StepCreateQP    = "create_qp"
	StepModifyInit  = "modify_qp_init"
	StepModifyRTR   = "modify_qp_rtr"
	StepModifyRTS   = "modify_qp_rts"
	StepPostSend    = "post_send"
	StepPostRecv    = "post_recv"
	StepDestroyQP   = "destroy_qp"
	StepDestroyCQ   = "destroy_cq"
	StepDeregMR     = "dereg_mr"
	StepDeallocPD   = "dealloc_pd"
	StepCloseDevice = "close_device"
)

var loopbackDeviceAttr = DeviceAttr{
	MaxQPWR:         16384,
	MaxCQE:          65535,
	MaxSGE:          32,
	MaxMR:           1 << 20,
	MaxQPRdAtom:     16,
	MaxQPInitRdAtom: 16,
	PhysPortCount:   1,
}

// Loopback is an in-process fabric. Every device opened from the same Loopback
// shares one address space of queue pairs and memory regions, so two peers in
// one process can connect to each other and move bytes with one-sided operations.
type Loopback struct {
	mu        sync.Mutex
	devices   []DeviceInfo
	portState PortState
	faults    map[string]error
	wcFaults  map[Opcode]WCStatus
	notify    *WCStatus

	regions  map[uint32]*loopRegion
	qps      map[uint32]*loopQP
	inflight []loopTransfer
	nextKey  uint32
	nextQPN  uint32
	journal  []string
}

// LoopbackOption customises a Loopback fabric.
type LoopbackOption func(*Loopback)

// WithDevices replaces the default single device "loop0".
func WithDevices(names ...string) LoopbackOption {
	return func(l *Loopback) {
		l.devices = l.devices[:0]
		for i, name := range names {
			l.devices = append(l.devices, DeviceInfo{Name: name, NodeGUID: 0x0002c90300000000 + uint64(i)})
		}
	}
}

// WithFault makes the named step fail with err every time it runs.
func WithFault(step string, err error) LoopbackOption {
	return func(l *Loopback) {
		l.faults[step] = err
	}
}

// WithCompletionFault completes every one-sided operation of the given opcode with status
// instead of moving data.
func WithCompletionFault(op Opcode, status WCStatus) LoopbackOption {
	return func(l *Loopback) {
		l.wcFaults[op] = status
	}
}

// WithRemoteWriteNotify makes an incoming RDMA write consume one posted receive on the
// target queue pair and raise a receive completion with status. Without it, writes are
// silent on the target, as on most RoCE transports.
func WithRemoteWriteNotify(status WCStatus) LoopbackOption {
	return func(l *Loopback) {
		s := status
		l.notify = &s
	}
}

// WithPortState sets the state reported for port 1 of every device.
func WithPortState(state PortState) LoopbackOption {
	return func(l *Loopback) {
		l.portState = state
	}
}

// NewLoopback constructs an empty loopback fabric.
func NewLoopback(opts ...LoopbackOption) *Loopback {
	l := &Loopback{
		devices:   []DeviceInfo{{Name: "loop0", NodeGUID: 0x0002c90300000000}},
		portState: PortActive,
		faults:    make(map[string]error),
		wcFaults:  make(map[Opcode]WCStatus),
		regions:   make(map[uint32]*loopRegion),
		qps:       make(map[uint32]*loopQP),
		nextKey:   0x1000,
		nextQPN:   0x11,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name implements Provider.
func (l *Loopback) Name() string { return "loopback" }

// Devices implements Provider.
func (l *Loopback) Devices() ([]DeviceInfo, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]DeviceInfo(nil), l.devices...), nil
}

// Journal returns every acquire and release step executed so far, in order.
func (l *Loopback) Journal() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.journal...)
}

// Open implements Provider.
func (l *Loopback) Open(name string) (Device, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.fault(StepOpenDevice); err != nil {
		return nil, err
	}
	for i, info := range l.devices {
		if name != "" && info.Name != name {
			continue
		}
		var gid GID
		gid[0], gid[1] = 0xfe, 0x80
		gid[15] = byte(i + 1)
		l.journal = append(l.journal, StepOpenDevice)
		return &loopDevice{fab: l, info: info, gid: gid}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrDeviceNotFound, name)
}

// fault returns the injected error for step. Caller holds l.mu.
func (l *Loopback) fault(step string) error {
	if err, ok := l.faults[step]; ok {
		return fmt.Errorf("%s: %w", step, err)
	}
	return nil
}

type loopDevice struct {
	fab    *Loopback
	info   DeviceInfo
	gid    GID
	pds    int
	cqs    int
	closed bool
}

func (d *loopDevice) Info() DeviceInfo { return d.info }

func (d *loopDevice) QueryDevice() (DeviceAttr, error) {
	d.fab.mu.Lock()
	defer d.fab.mu.Unlock()
	if d.closed {
		return DeviceAttr{}, ErrInvalidHandle{"device"}
	}
	if err := d.fab.fault(StepQueryDevice); err != nil {
		return DeviceAttr{}, err
	}
	return loopbackDeviceAttr, nil
}

func (d *loopDevice) QueryPort(port uint8) (PortAttr, error) {
	d.fab.mu.Lock()
	defer d.fab.mu.Unlock()
	if d.closed {
		return PortAttr{}, ErrInvalidHandle{"device"}
	}
	if err := d.fab.fault(StepQueryPort); err != nil {
		return PortAttr{}, err
	}
	if port != 1 {
		return PortAttr{}, fmt.Errorf("%w: port %d", ErrInvalidAttr, port)
	}
	return PortAttr{
		State:       d.fab.portState,
		MaxMTU:      MTU4096,
		ActiveMTU:   MTU4096,
		GIDTableLen: 1,
	}, nil
}

func (d *loopDevice) QueryGID(port uint8, index int) (GID, error) {
	d.fab.mu.Lock()
	defer d.fab.mu.Unlock()
	if d.closed {
		return GID{}, ErrInvalidHandle{"device"}
	}
	if err := d.fab.fault(StepQueryGID); err != nil {
		return GID{}, err
	}
	if port != 1 || index != 0 {
		return GID{}, fmt.Errorf("%w: gid port %d index %d", ErrInvalidAttr, port, index)
	}
	return d.gid, nil
}

func (d *loopDevice) AllocPD() (ProtectionDomain, error) {
	d.fab.mu.Lock()
	defer d.fab.mu.Unlock()
	if d.closed {
		return nil, ErrInvalidHandle{"device"}
	}
	if err := d.fab.fault(StepAllocPD); err != nil {
		return nil, err
	}
	d.pds++
	d.fab.journal = append(d.fab.journal, StepAllocPD)
	return &loopPD{dev: d}, nil
}

func (d *loopDevice) CreateCQ(depth int) (CompletionQueue, error) {
	d.fab.mu.Lock()
	defer d.fab.mu.Unlock()
	if d.closed {
		return nil, ErrInvalidHandle{"device"}
	}
	if err := d.fab.fault(StepCreateCQ); err != nil {
		return nil, err
	}
	if depth <= 0 || depth > loopbackDeviceAttr.MaxCQE {
		return nil, fmt.Errorf("%w: cq depth %d", ErrInvalidAttr, depth)
	}
	d.cqs++
	d.fab.journal = append(d.fab.journal, StepCreateCQ)
	return &loopCQ{dev: d, depth: depth}, nil
}

func (d *loopDevice) Close() error {
	if d == nil {
		return nil
	}
	d.fab.mu.Lock()
	defer d.fab.mu.Unlock()
	if d.closed {
		return nil
	}
	if d.pds > 0 || d.cqs > 0 {
		return fmt.Errorf("close device: %w", ErrBusy)
	}
	d.closed = true
	d.fab.journal = append(d.fab.journal, StepCloseDevice)
	return nil
}

type loopPD struct {
	dev    *loopDevice
	mrs    int
	qps    int
	closed bool
}

func (p *loopPD) RegisterMemory(buf []byte, access AccessFlags) (MemoryRegion, error) {
	fab := p.dev.fab
	fab.mu.Lock()
	defer fab.mu.Unlock()
	if p.closed {
		return nil, ErrInvalidHandle{"protection domain"}
	}
	if err := fab.fault(StepRegMR); err != nil {
		return nil, err
	}
	if len(buf) == 0 {
		return nil, fmt.Errorf("%w: empty buffer", ErrInvalidAttr)
	}
	if access.Has(AccessRemoteWrite) && !access.Has(AccessLocalWrite) {
		return nil, fmt.Errorf("%w: remote write requires local write", ErrInvalidAttr)
	}
	key := fab.nextKey
	fab.nextKey++
	mr := &loopRegion{pd: p, buf: buf, key: key, access: access}
	fab.regions[key] = mr
	p.mrs++
	fab.journal = append(fab.journal, StepRegMR)
	return mr, nil
}

func (p *loopPD) CreateQP(attr QPInitAttr) (QueuePair, error) {
	fab := p.dev.fab
	fab.mu.Lock()
	defer fab.mu.Unlock()
	if p.closed {
		return nil, ErrInvalidHandle{"protection domain"}
	}
	if err := fab.fault(StepCreateQP); err != nil {
		return nil, err
	}
	sendCQ, ok := attr.SendCQ.(*loopCQ)
	if !ok || sendCQ.closed || sendCQ.dev != p.dev {
		return nil, fmt.Errorf("%w: send cq", ErrInvalidAttr)
	}
	recvCQ, ok := attr.RecvCQ.(*loopCQ)
	if !ok || recvCQ.closed || recvCQ.dev != p.dev {
		return nil, fmt.Errorf("%w: recv cq", ErrInvalidAttr)
	}
	c := attr.Cap
	if c.MaxSendWR <= 0 || c.MaxSendWR > loopbackDeviceAttr.MaxQPWR || c.MaxRecvWR <= 0 || c.MaxRecvWR > loopbackDeviceAttr.MaxQPWR {
		return nil, fmt.Errorf("%w: qp capacity send=%d recv=%d", ErrInvalidAttr, c.MaxSendWR, c.MaxRecvWR)
	}
	if c.MaxSendSGE > loopbackDeviceAttr.MaxSGE || c.MaxRecvSGE > loopbackDeviceAttr.MaxSGE {
		return nil, fmt.Errorf("%w: sge count", ErrInvalidAttr)
	}
	qpn := fab.nextQPN & MaxPSN
	fab.nextQPN++
	qp := &loopQP{
		pd:        p,
		qpn:       qpn,
		sendCQ:    sendCQ,
		recvCQ:    recvCQ,
		cap:       c,
		signalAll: attr.SignalAll,
	}
	fab.qps[qpn] = qp
	p.qps++
	sendCQ.qps++
	recvCQ.qps++
	fab.journal = append(fab.journal, StepCreateQP)
	return qp, nil
}

func (p *loopPD) Close() error {
	if p == nil {
		return nil
	}
	fab := p.dev.fab
	fab.mu.Lock()
	defer fab.mu.Unlock()
	if p.closed {
		return nil
	}
	if p.mrs > 0 || p.qps > 0 {
		return fmt.Errorf("dealloc pd: %w", ErrBusy)
	}
	p.closed = true
	p.dev.pds--
	fab.journal = append(fab.journal, StepDeallocPD)
	return nil
}

type loopRegion struct {
	pd     *loopPD
	buf    []byte
	key    uint32
	access AccessFlags
	closed bool
}

func (r *loopRegion) LKey() uint32        { return r.key }
func (r *loopRegion) RKey() uint32        { return r.key }
func (r *loopRegion) Len() int            { return len(r.buf) }
func (r *loopRegion) Access() AccessFlags { return r.access }

func (r *loopRegion) ReadAt(p []byte, off int64) (int, error) {
	r.pd.dev.fab.mu.Lock()
	defer r.pd.dev.fab.mu.Unlock()
	return readAt(r.buf, p, off)
}

func (r *loopRegion) WriteAt(p []byte, off int64) (int, error) {
	r.pd.dev.fab.mu.Lock()
	defer r.pd.dev.fab.mu.Unlock()
	return writeAt(r.buf, p, off)
}

func (r *loopRegion) Close() error {
	if r == nil {
		return nil
	}
	fab := r.pd.dev.fab
	fab.mu.Lock()
	defer fab.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	delete(fab.regions, r.key)
	r.pd.mrs--
	fab.journal = append(fab.journal, StepDeregMR)
	return nil
}

type loopEntry struct {
	wc     WorkCompletion
	qp     *loopQP
	retire int
}

type loopCQ struct {
	dev     *loopDevice
	depth   int
	entries []loopEntry
	overrun bool
	qps     int
	closed  bool
}

func (c *loopCQ) Depth() int { return c.depth }

func (c *loopCQ) Poll() (WorkCompletion, error) {
	fab := c.dev.fab
	fab.mu.Lock()
	defer fab.mu.Unlock()
	if c.closed {
		return WorkCompletion{}, ErrInvalidHandle{"completion queue"}
	}
	if c.overrun {
		return WorkCompletion{}, ErrCQOverrun
	}
	if len(c.entries) == 0 {
		return WorkCompletion{}, ErrNoCompletion
	}
	e := c.entries[0]
	c.entries = c.entries[1:]
	if e.qp != nil {
		e.qp.sendOutstanding -= e.retire
	}
	return e.wc, nil
}

// push appends an entry. Caller holds the fabric lock.
func (c *loopCQ) push(e loopEntry) {
	if c.closed {
		return
	}
	if len(c.entries) >= c.depth {
		c.overrun = true
		return
	}
	c.entries = append(c.entries, e)
}

func (c *loopCQ) Close() error {
	if c == nil {
		return nil
	}
	fab := c.dev.fab
	fab.mu.Lock()
	defer fab.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.qps > 0 {
		return fmt.Errorf("destroy cq: %w", ErrBusy)
	}
	c.closed = true
	c.dev.cqs--
	fab.journal = append(fab.journal, StepDestroyCQ)
	return nil
}

func readAt(buf, p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(buf)) {
		return 0, ErrOutOfRange
	}
	n := copy(p, buf[off:])
	if n < len(p) {
		return n, ErrOutOfRange
	}
	return n, nil
}

func writeAt(buf, p []byte, off int64) (int, error) {
	if off < 0 || off > int64(len(buf)) {
		return 0, ErrOutOfRange
	}
	n := copy(buf[off:], p)
	if n < len(p) {
		return n, ErrOutOfRange
	}
	return n, nil
}
