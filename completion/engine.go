// Package completion owns the completion queue shared by a queue pair's send and
// receive queues. It posts work requests, keeps the outstanding count of each queue
// within the negotiated capacity, and waits for completions by polling.
package completion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rocketbitz/rdmaxchg-go/verbs"
)

var (
	// ErrTimeout indicates that a wait operation timed out.
	ErrTimeout = errors.New("rdmaxchg completion: wait timed out")
	// ErrUnsignaled indicates a wait on a work request that produces no completion.
	ErrUnsignaled = errors.New("rdmaxchg completion: work request is unsignaled")
	// ErrUnknownRequest indicates a wait on an id that was never posted or already reaped.
	ErrUnknownRequest = errors.New("rdmaxchg completion: unknown work request")
	// ErrNotAttached indicates that no queue pair has been attached to the engine.
	ErrNotAttached = errors.New("rdmaxchg completion: no queue pair attached")
)

const (
	minBackoff = time.Millisecond
	maxBackoff = 10 * time.Millisecond
)

// Kind identifies the operation a work request performs.
type Kind int

const (
	KindReceive Kind = iota
	KindRead
	KindWrite
)

func (k Kind) String() string {
	switch k {
	case KindReceive:
		return "receive"
	case KindRead:
		return "read"
	case KindWrite:
		return "write"
	default:
		return "operation"
	}
}

// Remote addresses a range in the peer's region: an offset from its start and the
// peer's remote key.
type Remote struct {
	Offset uint64
	RKey   uint32
}

// Completion is one reaped completion record.
type Completion struct {
	ID        uint64
	Kind      Kind
	Status    verbs.WCStatus
	ByteLen   uint32
	QPN       uint32
	VendorErr uint32
}

// Err returns nil for a successful completion and a CompletionError otherwise.
func (c Completion) Err() error {
	if c.Status == verbs.WCSuccess {
		return nil
	}
	return CompletionError{ID: c.ID, Kind: c.Kind, Status: c.Status, VendorErr: c.VendorErr}
}

// CompletionError exposes a non-success completion status.
type CompletionError struct {
	ID        uint64
	Kind      Kind
	Status    verbs.WCStatus
	VendorErr uint32
}

func (e CompletionError) Error() string {
	return fmt.Sprintf("rdmaxchg %s completion error: %s (wr=%d vendor=0x%x)", e.Kind, e.Status, e.ID, e.VendorErr)
}

// Unwrap allows errors.Is / errors.As to match against the completion status.
func (e CompletionError) Unwrap() error {
	return e.Status
}

type request struct {
	kind     Kind
	signaled bool
}

// Engine posts work requests on one queue pair and reaps their completions.
type Engine struct {
	mu    sync.Mutex
	cq    verbs.CompletionQueue
	qp    verbs.QueuePair
	cap   verbs.QPCap
	next  uint64
	reqs  map[uint64]request
	sends []uint64
	recvs int
	stash []Completion
}

// NewEngine creates the completion queue. depth must exceed the combined send and
// receive capacity so that the queue cannot overrun.
func NewEngine(dev verbs.Device, depth int, cap verbs.QPCap) (*Engine, error) {
	if dev == nil {
		return nil, verbs.ErrInvalidHandle{Resource: "device"}
	}
	if cap.MaxSendWR <= 0 || cap.MaxRecvWR <= 0 {
		return nil, fmt.Errorf("%w: capacity send=%d recv=%d", verbs.ErrInvalidAttr, cap.MaxSendWR, cap.MaxRecvWR)
	}
	if total := cap.MaxSendWR + cap.MaxRecvWR; depth <= total {
		return nil, fmt.Errorf("%w: cq depth %d must exceed outstanding capacity %d", verbs.ErrInvalidAttr, depth, total)
	}
	cq, err := dev.CreateCQ(depth)
	if err != nil {
		return nil, fmt.Errorf("create cq: %w", err)
	}
	return &Engine{cq: cq, cap: cap, next: 1, reqs: make(map[uint64]request)}, nil
}

// CQ returns the completion queue for queue pair creation.
func (e *Engine) CQ() verbs.CompletionQueue { return e.cq }

// Cap returns the capacity the engine enforces.
func (e *Engine) Cap() verbs.QPCap { return e.cap }

// Attach binds the queue pair that work requests are posted to. The engine enforces
// the smaller of its own capacity and the capacity the provider granted.
func (e *Engine) Attach(qp verbs.QueuePair) error {
	if qp == nil {
		return verbs.ErrInvalidHandle{Resource: "queue pair"}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.qp != nil {
		return fmt.Errorf("%w: queue pair already attached", verbs.ErrInvalidAttr)
	}
	e.qp = qp
	granted := qp.Cap()
	if granted.MaxSendWR > 0 {
		e.cap.MaxSendWR = min(e.cap.MaxSendWR, granted.MaxSendWR)
	}
	if granted.MaxRecvWR > 0 {
		e.cap.MaxRecvWR = min(e.cap.MaxRecvWR, granted.MaxRecvWR)
	}
	return nil
}

// PostReceive posts a receive for length bytes at offset in region. Receives always
// produce a completion once consumed or flushed.
func (e *Engine) PostReceive(region verbs.MemoryRegion, offset, length int) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.qp == nil {
		return 0, ErrNotAttached
	}
	if e.recvs >= e.cap.MaxRecvWR {
		return 0, fmt.Errorf("post receive: %w (%d outstanding)", verbs.ErrCapacityExceeded, e.recvs)
	}
	id := e.next
	if err := e.qp.PostRecv(verbs.RecvRequest{ID: id, Local: verbs.Segment{Region: region, Offset: offset, Length: length}}); err != nil {
		return 0, fmt.Errorf("post receive: %w", err)
	}
	e.next++
	e.reqs[id] = request{kind: KindReceive, signaled: true}
	e.recvs++
	return id, nil
}

// PostRead reads remote into local.
func (e *Engine) PostRead(local verbs.Segment, remote Remote, signaled bool) (uint64, error) {
	return e.postSend(KindRead, local, remote, signaled)
}

// PostWrite writes local to remote.
func (e *Engine) PostWrite(local verbs.Segment, remote Remote, signaled bool) (uint64, error) {
	return e.postSend(KindWrite, local, remote, signaled)
}

func (e *Engine) postSend(kind Kind, local verbs.Segment, remote Remote, signaled bool) (uint64, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.qp == nil {
		return 0, ErrNotAttached
	}
	if len(e.sends) >= e.cap.MaxSendWR {
		return 0, fmt.Errorf("post %s: %w (%d outstanding)", kind, verbs.ErrCapacityExceeded, len(e.sends))
	}
	op := verbs.OpcodeRDMAWrite
	if kind == KindRead {
		op = verbs.OpcodeRDMARead
	}
	id := e.next
	req := verbs.SendRequest{
		ID:           id,
		Opcode:       op,
		Local:        local,
		RemoteOffset: remote.Offset,
		RKey:         remote.RKey,
		Signaled:     signaled,
	}
	if err := e.qp.PostSend(req); err != nil {
		return 0, fmt.Errorf("post %s: %w", kind, err)
	}
	e.next++
	e.reqs[id] = request{kind: kind, signaled: signaled}
	e.sends = append(e.sends, id)
	return id, nil
}

// Outstanding reports the posted work requests not yet retired by a completion.
func (e *Engine) Outstanding() (send, recv int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.sends), e.recvs
}

// Poll returns at most one completion without blocking. The boolean is false when the
// queue was empty.
func (e *Engine) Poll() (Completion, bool, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.stash) > 0 {
		c := e.stash[0]
		e.stash = e.stash[1:]
		return c, true, nil
	}
	return e.pollLocked()
}

// Await polls until the completion for id arrives. Completions for other requests seen
// meanwhile are kept for later Poll or Await calls. A negative timeout waits until ctx
// is done, zero polls once.
func (e *Engine) Await(ctx context.Context, id uint64, timeout time.Duration) (Completion, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	e.mu.Lock()
	if c, ok := e.takeStashed(id); ok {
		e.mu.Unlock()
		return c, c.Err()
	}
	req, ok := e.reqs[id]
	e.mu.Unlock()
	if !ok {
		return Completion{}, fmt.Errorf("%w: %d", ErrUnknownRequest, id)
	}
	if !req.signaled {
		return Completion{}, fmt.Errorf("%w: %d", ErrUnsignaled, id)
	}

	var deadline time.Time
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}
	backoff := minBackoff
	for {
		select {
		case <-ctx.Done():
			return Completion{}, ctx.Err()
		default:
		}

		e.mu.Lock()
		c, got, err := e.pollLocked()
		if got && c.ID != id {
			e.stash = append(e.stash, c)
		}
		e.mu.Unlock()
		if err != nil {
			return Completion{}, err
		}
		if got {
			if c.ID == id {
				return c, c.Err()
			}
			backoff = minBackoff
			continue
		}
		if timeout == 0 || (timeout > 0 && time.Now().After(deadline)) {
			return Completion{}, fmt.Errorf("%w: %s %d", ErrTimeout, req.kind, id)
		}
		time.Sleep(backoff)
		if backoff < maxBackoff {
			backoff = min(backoff*2, maxBackoff)
		}
	}
}

// Close destroys the completion queue. The queue pair must be destroyed first.
func (e *Engine) Close() error {
	if e == nil || e.cq == nil {
		return nil
	}
	if err := e.cq.Close(); err != nil {
		return err
	}
	e.cq = nil
	return nil
}

func (e *Engine) takeStashed(id uint64) (Completion, bool) {
	for i, c := range e.stash {
		if c.ID == id {
			e.stash = append(e.stash[:i], e.stash[i+1:]...)
			return c, true
		}
	}
	return Completion{}, false
}

// pollLocked reaps one completion from the queue and retires its request. Caller holds e.mu.
func (e *Engine) pollLocked() (Completion, bool, error) {
	if e.cq == nil {
		return Completion{}, false, verbs.ErrInvalidHandle{Resource: "completion queue"}
	}
	wc, err := e.cq.Poll()
	if err != nil {
		if errors.Is(err, verbs.ErrNoCompletion) {
			return Completion{}, false, nil
		}
		return Completion{}, false, fmt.Errorf("poll cq: %w", err)
	}
	c := Completion{
		ID:        wc.ID,
		Kind:      kindOf(wc.Opcode),
		Status:    wc.Status,
		ByteLen:   wc.ByteLen,
		QPN:       wc.QPN,
		VendorErr: wc.VendorErr,
	}
	if req, ok := e.reqs[wc.ID]; ok {
		c.Kind = req.kind
	}
	e.retire(c)
	return c, true, nil
}

// retire releases the slot of c. A send completion also retires every send posted
// before it, since unsignaled sends complete silently in order.
func (e *Engine) retire(c Completion) {
	req, ok := e.reqs[c.ID]
	if !ok {
		return
	}
	delete(e.reqs, c.ID)
	if req.kind == KindReceive {
		e.recvs--
		return
	}
	for i, id := range e.sends {
		if id != c.ID {
			continue
		}
		for _, prior := range e.sends[:i] {
			delete(e.reqs, prior)
		}
		e.sends = append(e.sends[:0:0], e.sends[i+1:]...)
		return
	}
}

func kindOf(op verbs.WCOpcode) Kind {
	switch op {
	case verbs.WCOpcodeRDMARead:
		return KindRead
	case verbs.WCOpcodeRDMAWrite:
		return KindWrite
	default:
		return KindReceive
	}
}
