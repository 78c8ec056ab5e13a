// Package transfer runs the two-phase exchange between a passive and an active peer.
//
// The passive peer exposes a marker in its registered buffer and waits. The active
// peer reads the marker with a remote read, then overwrites it with its own marker
// using a remote write. The active side learns about both operations from its own
// completions. The passive side gets no guaranteed notification for a remote write,
// so it posts an advisory receive, polls its completion queue for error status, and
// treats a change of the buffer content as the authoritative signal.
package transfer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/rocketbitz/rdmaxchg-go/completion"
	"github.com/rocketbitz/rdmaxchg-go/queuepair"
	"github.com/rocketbitz/rdmaxchg-go/rendezvous"
	"github.com/rocketbitz/rdmaxchg-go/resource"
	"github.com/rocketbitz/rdmaxchg-go/verbs"
)

var (
	// ErrClosed indicates use of a closed session.
	ErrClosed = errors.New("rdmaxchg transfer: session closed")
	// ErrNotConnected indicates a transfer attempted before Connect.
	ErrNotConnected = errors.New("rdmaxchg transfer: session not connected")
	// ErrAlreadyConnected indicates a second Connect.
	ErrAlreadyConnected = errors.New("rdmaxchg transfer: session already connected")
	// ErrUnexpectedPayload indicates that the remote read returned something other than the read marker.
	ErrUnexpectedPayload = errors.New("rdmaxchg transfer: unexpected payload")
)

// Phase names reported in PhaseReport and used as the phase label in telemetry.
const (
	// PhaseRead covers the active peer's remote read and the passive peer's wait for it.
	PhaseRead = "read"
	// PhaseWrite covers the active peer's remote write and the passive peer's wait for its payload.
	PhaseWrite = "write"
)

// PhaseReport describes one phase as observed by this peer.
type PhaseReport struct {
	Phase    string
	Payload  []byte
	Duration time.Duration
	// Polls counts completion queue polls made while waiting.
	Polls int
	// ReceiveCompleted reports whether the advisory receive fired (passive side only).
	ReceiveCompleted bool
}

// Report is the outcome of Transfer.
type Report struct {
	Role  queuepair.Role
	Read  PhaseReport
	Write PhaseReport
}

// Session is one peer of a transfer.
type Session struct {
	cfg      Config
	qpCfg    queuepair.Config
	provider string
	device   string

	res      *resource.Context
	engine   *completion.Engine
	machine  *queuepair.Machine
	listener *rendezvous.Listener

	local  rendezvous.Descriptor
	remote rendezvous.Descriptor

	span      Span
	lastErr   error
	connected bool
	closed    bool
}

// Open acquires every local resource: device, protection domain, registered buffer,
// completion queue and a queue pair in Reset. The passive side also writes its read
// marker and binds its rendezvous listener. On failure everything is released.
func Open(provider verbs.Provider, cfg Config) (*Session, error) {
	if provider == nil {
		return nil, fmt.Errorf("%w: nil provider", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.withDefaults()

	res, err := resource.Open(provider, cfg.Resource)
	if err != nil {
		return nil, err
	}
	s := &Session{cfg: cfg, provider: provider.Name(), device: res.Device().Info().Name, res: res}
	if err := s.setup(); err != nil {
		if cerr := res.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
		return nil, err
	}

	if cfg.Tracer != nil {
		s.span = cfg.Tracer.StartSpan(spanName,
			TraceAttribute{Key: labelRole, Value: cfg.Role.String()},
			TraceAttribute{Key: labelProvider, Value: s.provider},
			TraceAttribute{Key: labelDevice, Value: s.device},
		)
	}
	port := res.PortAttr()
	attr := res.DeviceAttr()
	s.record("session_opened",
		logKV("device", s.device),
		logKV("port", cfg.Resource.Port),
		logKV("port_state", port.State),
		logKV("lid", port.LID),
		logKV("active_mtu", port.ActiveMTU),
		logKV("path_mtu", s.qpCfg.PathMTU),
		logKV("gid", res.GID()),
		logKV("max_qp_wr", attr.MaxQPWR),
		logKV("max_cqe", attr.MaxCQE),
		logKV("cq_depth", s.engine.CQ().Depth()),
		logKV("lkey", res.Region().LKey()),
		logKV("rkey", res.Region().RKey()),
		logKV("qpn", s.machine.QPN()),
	)
	s.metricSessionOpened()
	return s, nil
}

func (s *Session) setup() error {
	res := s.res
	region := res.Region()
	if s.cfg.TransferSize > region.Len() {
		return fmt.Errorf("%w: transfer size %d exceeds region of %d bytes", ErrInvalidConfig, s.cfg.TransferSize, region.Len())
	}
	attr := res.DeviceAttr()
	s.qpCfg = s.cfg.QueuePair.Clamp(attr, res.PortAttr())
	depth := s.cfg.CQDepth
	if attr.MaxCQE > 0 {
		depth = min(depth, attr.MaxCQE)
	}

	engine, err := completion.NewEngine(res.Device(), depth, s.qpCfg.Cap())
	if err != nil {
		return err
	}
	s.engine = engine
	res.Track("completion queue", engine.Close)

	machine, err := queuepair.New(res.ProtectionDomain(), engine.CQ(), queuepair.Options{Cap: s.qpCfg.Cap(), RegionAccess: region.Access()})
	if err != nil {
		return err
	}
	s.machine = machine
	res.Track("queue pair", machine.Close)
	if err := engine.Attach(machine.QueuePair()); err != nil {
		return err
	}

	s.local = rendezvous.Descriptor{RKey: region.RKey(), QPN: machine.QPN(), GID: res.GID()}
	if s.cfg.Role != queuepair.RolePassive {
		return nil
	}
	if _, err := region.WriteAt(s.cfg.readPayload(), 0); err != nil {
		return fmt.Errorf("prefill: %w", err)
	}
	ln, err := rendezvous.Listen(context.Background(), s.cfg.ListenAddr)
	if err != nil {
		return err
	}
	s.listener = ln
	res.Track("rendezvous listener", ln.Close)
	return nil
}

// Addr returns the bound rendezvous address of a passive session, or nil.
func (s *Session) Addr() net.Addr {
	if s == nil || s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Local returns the descriptor advertised to the peer.
func (s *Session) Local() rendezvous.Descriptor { return s.local }

// Remote returns the descriptor received from the peer after Connect.
func (s *Session) Remote() rendezvous.Descriptor { return s.remote }

// QueuePairState returns the state of the session's queue pair.
func (s *Session) QueuePairState() verbs.QPState { return s.machine.State() }

// Connect exchanges descriptors with the peer and arms the queue pair: the passive side
// stops at RTR, the active side continues to RTS.
func (s *Session) Connect(ctx context.Context) error {
	if s == nil || s.closed {
		return ErrClosed
	}
	if s.connected {
		return ErrAlreadyConnected
	}
	if ctx == nil {
		ctx = context.Background()
	}
	rctx, cancel := context.WithTimeout(ctx, s.cfg.RendezvousTimeout)
	defer cancel()

	var (
		remote rendezvous.Descriptor
		err    error
	)
	if s.cfg.Role == queuepair.RolePassive {
		s.record("rendezvous_listening", logKV("addr", s.listener.Addr().String()))
		remote, err = s.listener.Exchange(rctx, s.local)
	} else {
		s.record("rendezvous_dialing", logKV("addr", s.cfg.PeerAddr))
		remote, err = rendezvous.Dial(rctx, s.cfg.PeerAddr, s.local)
	}
	if err != nil {
		return s.fail("rendezvous_failed", err)
	}
	s.remote = remote
	s.record("rendezvous_complete",
		logKV("local_qpn", s.local.QPN),
		logKV("remote_qpn", remote.QPN),
		logKV("remote_rkey", remote.RKey),
		logKV("remote_gid", remote.GID),
	)

	armErr := s.machine.Arm(s.cfg.Role, queuepair.Peer{QPN: remote.QPN, GID: remote.GID}, s.qpCfg)
	for _, state := range s.machine.History()[1:] {
		s.record("qp_state", logKV("state", state))
		s.metricStateEntered(state.String())
	}
	if armErr != nil {
		return s.fail("arm_failed", armErr)
	}
	s.connected = true
	return nil
}

// Transfer runs the read phase then the write phase.
func (s *Session) Transfer(ctx context.Context) (Report, error) {
	if s == nil || s.closed {
		return Report{}, ErrClosed
	}
	if !s.connected {
		return Report{}, ErrNotConnected
	}
	if ctx == nil {
		ctx = context.Background()
	}
	report := Report{Role: s.cfg.Role}
	var err error
	if s.cfg.Role == queuepair.RoleActive {
		if report.Read, err = s.phase(ctx, PhaseRead, s.activeRead); err != nil {
			return report, err
		}
		report.Write, err = s.phase(ctx, PhaseWrite, s.activeWrite)
		return report, err
	}
	if report.Read, err = s.phase(ctx, PhaseRead, s.passiveRead); err != nil {
		return report, err
	}
	report.Write, err = s.phase(ctx, PhaseWrite, s.passiveWrite)
	return report, err
}

func (s *Session) phase(ctx context.Context, name string, run func(context.Context, *PhaseReport) error) (PhaseReport, error) {
	pr := PhaseReport{Phase: name}
	s.record("phase_start", logKV(labelPhase, name))
	start := time.Now()
	err := run(ctx, &pr)
	pr.Duration = time.Since(start)
	if err != nil {
		s.metricPhaseFailed(name, err)
		return pr, s.fail("phase_failed", fmt.Errorf("%s phase: %w", name, err), logKV(labelPhase, name))
	}
	s.record("phase_complete",
		logKV(labelPhase, name),
		logKV("payload", string(bytes.TrimRight(pr.Payload, "\x00"))),
		logKV("duration", pr.Duration),
		logKV("polls", pr.Polls),
		logKV("receive_completed", pr.ReceiveCompleted),
	)
	s.metricPhaseCompleted(name)
	return pr, nil
}

func (s *Session) activeRead(ctx context.Context, pr *PhaseReport) error {
	id, err := s.engine.PostRead(s.segment(), s.remoteRange(), true)
	if err != nil {
		return err
	}
	if err := s.await(ctx, id, pr); err != nil {
		return err
	}
	payload, err := s.snapshot()
	if err != nil {
		return err
	}
	pr.Payload = payload
	if !bytes.HasPrefix(payload, []byte(s.cfg.ReadMarker)) {
		return fmt.Errorf("%w: read %q, want %q", ErrUnexpectedPayload, bytes.TrimRight(payload, "\x00"), s.cfg.ReadMarker)
	}
	return nil
}

func (s *Session) activeWrite(ctx context.Context, pr *PhaseReport) error {
	payload := s.cfg.writePayload()
	if _, err := s.res.Region().WriteAt(payload, 0); err != nil {
		return err
	}
	pr.Payload = payload
	id, err := s.engine.PostWrite(s.segment(), s.remoteRange(), true)
	if err != nil {
		return err
	}
	return s.await(ctx, id, pr)
}

func (s *Session) await(ctx context.Context, id uint64, pr *PhaseReport) error {
	c, err := s.engine.Await(ctx, id, s.cfg.PhaseTimeout)
	pr.Polls++
	if err != nil {
		var cerr completion.CompletionError
		if errors.As(err, &cerr) {
			s.metricCompletionError(cerr.Kind.String(), cerr.Status.String(), err)
		}
		return err
	}
	s.logEvent("completion", logKV("wr_id", c.ID), logKV(labelKind, c.Kind), logKV("byte_len", c.ByteLen))
	return nil
}

// passiveRead posts the advisory receive for the read phase. A remote read leaves no
// trace on the target, so beyond surfacing an error status already queued there is
// nothing to wait for.
func (s *Session) passiveRead(_ context.Context, pr *PhaseReport) error {
	if _, err := s.engine.PostReceive(s.res.Region(), 0, s.cfg.TransferSize); err != nil {
		return err
	}
	if err := s.drain(pr); err != nil {
		return err
	}
	payload, err := s.snapshot()
	pr.Payload = payload
	return err
}

// passiveWrite waits until the write marker shows up in the buffer. A non-success
// completion observed while waiting fails the phase even if the content matches.
func (s *Session) passiveWrite(ctx context.Context, pr *PhaseReport) error {
	if _, err := s.engine.PostReceive(s.res.Region(), 0, s.cfg.TransferSize); err != nil {
		return err
	}
	want := []byte(s.cfg.WriteMarker)
	deadline := time.Now().Add(s.cfg.PhaseTimeout)
	timer := time.NewTimer(s.cfg.PollInterval)
	defer timer.Stop()
	for {
		payload, err := s.snapshot()
		if err != nil {
			return err
		}
		pr.Payload = payload
		// completions pushed alongside the observed content are drained before it counts
		if err := s.drain(pr); err != nil {
			return err
		}
		if bytes.HasPrefix(payload, want) {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("%w: %q not observed after %s", completion.ErrTimeout, s.cfg.WriteMarker, s.cfg.PhaseTimeout)
		}
		timer.Reset(s.cfg.PollInterval)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// drain polls every queued completion, failing on the first non-success status.
func (s *Session) drain(pr *PhaseReport) error {
	for {
		pr.Polls++
		c, ok, err := s.engine.Poll()
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := c.Err(); err != nil {
			s.metricCompletionError(c.Kind.String(), c.Status.String(), err)
			return err
		}
		if c.Kind == completion.KindReceive {
			pr.ReceiveCompleted = true
		}
		s.logEvent("completion", logKV("wr_id", c.ID), logKV(labelKind, c.Kind), logKV("byte_len", c.ByteLen))
	}
}

func (s *Session) segment() verbs.Segment {
	return verbs.Segment{Region: s.res.Region(), Offset: 0, Length: s.cfg.TransferSize}
}

func (s *Session) remoteRange() completion.Remote {
	return completion.Remote{Offset: 0, RKey: s.remote.RKey}
}

func (s *Session) snapshot() ([]byte, error) {
	buf := make([]byte, s.cfg.TransferSize)
	if _, err := s.res.Region().ReadAt(buf, 0); err != nil {
		return nil, err
	}
	return buf, nil
}

func (s *Session) fail(event string, err error, fields ...logField) error {
	s.lastErr = err
	s.record(event, append(fields, logKV("error", err))...)
	spanRecordError(s.span, err)
	return err
}

// Close releases the listener, queue pair, completion queue, region, protection domain
// and device, in that order. It is idempotent.
func (s *Session) Close() error {
	if s == nil || s.closed {
		return nil
	}
	s.closed = true
	err := s.res.Close()
	if err != nil {
		s.lastErr = errors.Join(s.lastErr, err)
	}
	s.record("session_closed")
	s.metricSessionClosed()
	if s.span != nil {
		s.span.End(s.lastErr)
	}
	return err
}

// Run opens a session, connects it and transfers, closing it on every path.
func Run(ctx context.Context, provider verbs.Provider, cfg Config) (report Report, err error) {
	s, err := Open(provider, cfg)
	if err != nil {
		return Report{}, err
	}
	defer func() {
		if cerr := s.Close(); cerr != nil {
			err = errors.Join(err, cerr)
		}
	}()
	return s.run(ctx)
}

func (s *Session) run(ctx context.Context) (Report, error) {
	if err := s.Connect(ctx); err != nil {
		return Report{}, err
	}
	return s.Transfer(ctx)
}
