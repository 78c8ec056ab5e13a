// Package queuepair drives a reliable connected queue pair from Reset to the state its
// role needs. Transitions are checked before the provider is called, so a forbidden
// order never reaches the device, and a transition the provider rejects leaves the
// machine unusable.
package queuepair

import (
	"errors"
	"fmt"

	"github.com/rocketbitz/rdmaxchg-go/verbs"
)

var (
	// ErrInvalidTransition indicates a transition requested from the wrong state.
	ErrInvalidTransition = errors.New("rdmaxchg queuepair: invalid state transition")
	// ErrMachineFailed indicates that an earlier transition was rejected by the provider.
	ErrMachineFailed = errors.New("rdmaxchg queuepair: machine failed")
)

// TransitionError reports a transition attempted from the wrong state.
type TransitionError struct {
	From verbs.QPState
	To   verbs.QPState
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("queue pair cannot move from %s to %s", e.From, e.To)
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// Options configures queue pair creation.
type Options struct {
	Cap verbs.QPCap
	// RegionAccess bounds the access flags accepted at Init. Zero disables the check.
	RegionAccess verbs.AccessFlags
}

// Machine owns one queue pair and tracks its state.
type Machine struct {
	qp           verbs.QueuePair
	state        verbs.QPState
	history      []verbs.QPState
	regionAccess verbs.AccessFlags
	failed       error
}

// New creates a queue pair in Reset whose send and receive queues share cq.
func New(pd verbs.ProtectionDomain, cq verbs.CompletionQueue, opts Options) (*Machine, error) {
	if pd == nil {
		return nil, verbs.ErrInvalidHandle{Resource: "protection domain"}
	}
	if cq == nil {
		return nil, verbs.ErrInvalidHandle{Resource: "completion queue"}
	}
	if opts.Cap.MaxSendWR <= 0 || opts.Cap.MaxRecvWR <= 0 {
		return nil, fmt.Errorf("%w: capacity send=%d recv=%d", verbs.ErrInvalidAttr, opts.Cap.MaxSendWR, opts.Cap.MaxRecvWR)
	}
	qp, err := pd.CreateQP(verbs.QPInitAttr{SendCQ: cq, RecvCQ: cq, Cap: opts.Cap})
	if err != nil {
		return nil, fmt.Errorf("create qp: %w", err)
	}
	return &Machine{
		qp:           qp,
		state:        verbs.QPStateReset,
		history:      []verbs.QPState{verbs.QPStateReset},
		regionAccess: opts.RegionAccess,
	}, nil
}

// QueuePair exposes the underlying queue pair for posting.
func (m *Machine) QueuePair() verbs.QueuePair { return m.qp }

// QPN returns the queue pair number advertised to the peer.
func (m *Machine) QPN() uint32 { return m.qp.QPN() }

// State returns the last state the machine entered.
func (m *Machine) State() verbs.QPState { return m.state }

// History returns every state entered, starting with Reset.
func (m *Machine) History() []verbs.QPState {
	return append([]verbs.QPState(nil), m.history...)
}

// Init binds the queue pair to a port and sets its access flags.
func (m *Machine) Init(attr verbs.InitAttr) error {
	if err := m.check(verbs.QPStateReset, verbs.QPStateInit); err != nil {
		return err
	}
	if attr.Port == 0 {
		return fmt.Errorf("%w: port 0", verbs.ErrInvalidAttr)
	}
	if m.regionAccess != 0 && !attr.Access.SubsetOf(m.regionAccess) {
		return fmt.Errorf("%w: access %s exceeds region access %s", verbs.ErrInvalidAttr, attr.Access, m.regionAccess)
	}
	return m.apply(verbs.QPStateInit, func() error { return m.qp.ModifyToInit(attr) })
}

// ReadyToReceive resolves the peer and sets the path parameters.
func (m *Machine) ReadyToReceive(attr verbs.RTRAttr) error {
	if err := m.check(verbs.QPStateInit, verbs.QPStateRTR); err != nil {
		return err
	}
	switch {
	case !attr.PathMTU.Valid():
		return fmt.Errorf("%w: path mtu %d", verbs.ErrInvalidAttr, attr.PathMTU)
	case attr.DestQPN == 0 || attr.DestQPN > verbs.MaxPSN:
		return fmt.Errorf("%w: dest qpn %#x", verbs.ErrInvalidAttr, attr.DestQPN)
	case attr.RQPSN > verbs.MaxPSN:
		return fmt.Errorf("%w: rq psn %d", verbs.ErrInvalidAttr, attr.RQPSN)
	case attr.MinRNRTimer > 31:
		return fmt.Errorf("%w: min rnr timer %d", verbs.ErrInvalidAttr, attr.MinRNRTimer)
	case !attr.AH.DGID.IsZero() && !attr.AH.IsGlobal:
		return fmt.Errorf("%w: addressing by gid requires global routing", verbs.ErrInvalidAttr)
	case !attr.AH.IsGlobal && attr.AH.DLID == 0:
		return fmt.Errorf("%w: address handle has neither gid nor lid", verbs.ErrInvalidAttr)
	}
	return m.apply(verbs.QPStateRTR, func() error { return m.qp.ModifyToRTR(attr) })
}

// ReadyToSend sets the send-side timing and retry parameters.
func (m *Machine) ReadyToSend(attr verbs.RTSAttr) error {
	if err := m.check(verbs.QPStateRTR, verbs.QPStateRTS); err != nil {
		return err
	}
	switch {
	case attr.SQPSN > verbs.MaxPSN:
		return fmt.Errorf("%w: sq psn %d", verbs.ErrInvalidAttr, attr.SQPSN)
	case attr.Timeout > 31:
		return fmt.Errorf("%w: timeout %d", verbs.ErrInvalidAttr, attr.Timeout)
	case attr.RetryCount > 7:
		return fmt.Errorf("%w: retry count %d", verbs.ErrInvalidAttr, attr.RetryCount)
	case attr.RNRRetry > 7:
		return fmt.Errorf("%w: rnr retry %d", verbs.ErrInvalidAttr, attr.RNRRetry)
	}
	return m.apply(verbs.QPStateRTS, func() error { return m.qp.ModifyToRTS(attr) })
}

// Arm drives the queue pair to role's terminal state against peer.
func (m *Machine) Arm(role Role, peer Peer, cfg Config) error {
	if err := m.Init(cfg.InitAttr()); err != nil {
		return err
	}
	if err := m.ReadyToReceive(cfg.RTRAttr(peer)); err != nil {
		return err
	}
	if role.TerminalState() == verbs.QPStateRTR {
		return nil
	}
	return m.ReadyToSend(cfg.RTSAttr())
}

// Close destroys the queue pair. It is idempotent.
func (m *Machine) Close() error {
	if m == nil || m.qp == nil {
		return nil
	}
	if err := m.qp.Close(); err != nil {
		return err
	}
	m.qp = nil
	return nil
}

func (m *Machine) check(from, to verbs.QPState) error {
	if m == nil || m.qp == nil {
		return verbs.ErrInvalidHandle{Resource: "queue pair"}
	}
	if m.failed != nil {
		return fmt.Errorf("%w: %v", ErrMachineFailed, m.failed)
	}
	if m.state != from {
		return &TransitionError{From: m.state, To: to}
	}
	return nil
}

func (m *Machine) apply(to verbs.QPState, modify func() error) error {
	if err := modify(); err != nil {
		m.failed = err
		return fmt.Errorf("modify qp %s->%s: %w", m.state, to, err)
	}
	m.state = to
	m.history = append(m.history, to)
	return nil
}
