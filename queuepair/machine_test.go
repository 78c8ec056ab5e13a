package queuepair

import (
	"errors"
	"reflect"
	"testing"

	"github.com/rocketbitz/rdmaxchg-go/verbs"
)

type fixture struct {
	fab  *verbs.Loopback
	pd   verbs.ProtectionDomain
	cq   verbs.CompletionQueue
	gid  verbs.GID
	peer *Machine
}

func newFixture(t *testing.T, opts ...verbs.LoopbackOption) *fixture {
	t.Helper()
	fab := verbs.NewLoopback(opts...)
	dev, err := fab.Open("")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	gid, err := dev.QueryGID(1, 0)
	if err != nil {
		t.Fatalf("QueryGID failed: %v", err)
	}
	pd, err := dev.AllocPD()
	if err != nil {
		t.Fatalf("AllocPD failed: %v", err)
	}
	cq, err := dev.CreateCQ(64)
	if err != nil {
		t.Fatalf("CreateCQ failed: %v", err)
	}
	t.Cleanup(func() {
		_ = cq.Close()
		_ = pd.Close()
		_ = dev.Close()
	})
	f := &fixture{fab: fab, pd: pd, cq: cq, gid: gid}
	f.peer = f.machine(t)
	return f
}

func (f *fixture) machine(t *testing.T) *Machine {
	t.Helper()
	m, err := New(f.pd, f.cq, Options{Cap: DefaultConfig().Cap(), RegionAccess: verbs.AccessAll})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func (f *fixture) target() Peer {
	return Peer{QPN: f.peer.QPN(), GID: f.gid}
}

func TestArmByRole(t *testing.T) {
	cases := []struct {
		role Role
		want []verbs.QPState
	}{
		{RolePassive, []verbs.QPState{verbs.QPStateReset, verbs.QPStateInit, verbs.QPStateRTR}},
		{RoleActive, []verbs.QPState{verbs.QPStateReset, verbs.QPStateInit, verbs.QPStateRTR, verbs.QPStateRTS}},
	}
	for _, tc := range cases {
		t.Run(tc.role.String(), func(t *testing.T) {
			f := newFixture(t)
			m := f.machine(t)
			if err := m.Arm(tc.role, f.target(), DefaultConfig()); err != nil {
				t.Fatalf("Arm failed: %v", err)
			}
			if got := m.History(); !reflect.DeepEqual(got, tc.want) {
				t.Fatalf("history %v, want %v", got, tc.want)
			}
			if m.State() != tc.role.TerminalState() || m.QueuePair().State() != tc.role.TerminalState() {
				t.Fatalf("machine %s provider %s, want %s", m.State(), m.QueuePair().State(), tc.role.TerminalState())
			}
		})
	}
}

func TestForbiddenOrders(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()
	m := f.machine(t)

	err := m.ReadyToReceive(cfg.RTRAttr(f.target()))
	var terr *TransitionError
	if !errors.As(err, &terr) || !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected transition error for reset->rtr, got %v", err)
	}
	if terr.From != verbs.QPStateReset || terr.To != verbs.QPStateRTR {
		t.Fatalf("unexpected transition %s->%s", terr.From, terr.To)
	}
	if err := m.ReadyToSend(cfg.RTSAttr()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected transition error for reset->rts, got %v", err)
	}

	if err := m.Init(cfg.InitAttr()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	if err := m.ReadyToSend(cfg.RTSAttr()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected transition error for init->rts, got %v", err)
	}
	if err := m.Init(cfg.InitAttr()); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected transition error for repeated init, got %v", err)
	}
	if got := m.QueuePair().State(); got != verbs.QPStateInit {
		t.Fatalf("forbidden transitions reached the provider, state %s", got)
	}
}

func TestAttributeValidation(t *testing.T) {
	f := newFixture(t)
	cfg := DefaultConfig()

	m := f.machine(t)
	if err := m.Init(verbs.InitAttr{Port: 0, Access: verbs.AccessAll}); !errors.Is(err, verbs.ErrInvalidAttr) {
		t.Fatalf("expected invalid attr for port 0, got %v", err)
	}

	narrow, err := New(f.pd, f.cq, Options{Cap: cfg.Cap(), RegionAccess: verbs.AccessLocalWrite | verbs.AccessRemoteRead})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(func() { _ = narrow.Close() })
	if err := narrow.Init(cfg.InitAttr()); !errors.Is(err, verbs.ErrInvalidAttr) {
		t.Fatalf("expected access beyond region to be rejected, got %v", err)
	}
	if narrow.State() != verbs.QPStateReset {
		t.Fatalf("rejected attributes changed state to %s", narrow.State())
	}

	if err := m.Init(cfg.InitAttr()); err != nil {
		t.Fatalf("Init failed: %v", err)
	}
	rtr := cfg.RTRAttr(f.target())
	rtr.AH.IsGlobal = false
	if err := m.ReadyToReceive(rtr); !errors.Is(err, verbs.ErrInvalidAttr) {
		t.Fatalf("expected gid without global routing to be rejected, got %v", err)
	}
	rtr = cfg.RTRAttr(Peer{GID: f.gid})
	if err := m.ReadyToReceive(rtr); !errors.Is(err, verbs.ErrInvalidAttr) {
		t.Fatalf("expected zero dest qpn to be rejected, got %v", err)
	}
	if err := m.ReadyToReceive(cfg.RTRAttr(f.target())); err != nil {
		t.Fatalf("ReadyToReceive failed after rejected attempts: %v", err)
	}
	rts := cfg.RTSAttr()
	rts.RNRRetry = 9
	if err := m.ReadyToSend(rts); !errors.Is(err, verbs.ErrInvalidAttr) {
		t.Fatalf("expected rnr retry to be rejected, got %v", err)
	}
}

func TestProviderRejectionPoisonsMachine(t *testing.T) {
	boom := errors.New("rejected by device")
	f := newFixture(t, verbs.WithFault(verbs.StepModifyRTR, boom))
	m := f.machine(t)
	cfg := DefaultConfig()

	if err := m.Arm(RoleActive, f.target(), cfg); !errors.Is(err, boom) {
		t.Fatalf("expected provider error, got %v", err)
	}
	if m.State() != verbs.QPStateInit {
		t.Fatalf("unexpected state %s", m.State())
	}
	if err := m.ReadyToReceive(cfg.RTRAttr(f.target())); !errors.Is(err, ErrMachineFailed) {
		t.Fatalf("expected failed machine, got %v", err)
	}
}

func TestNewValidatesCapacity(t *testing.T) {
	f := newFixture(t)
	if _, err := New(f.pd, f.cq, Options{}); !errors.Is(err, verbs.ErrInvalidAttr) {
		t.Fatalf("expected invalid attr for zero capacity, got %v", err)
	}
	if _, err := New(nil, f.cq, Options{Cap: DefaultConfig().Cap()}); err == nil {
		t.Fatalf("expected error for nil protection domain")
	}
}

func TestClampAndParseRole(t *testing.T) {
	cfg := DefaultConfig()
	cfg.SendCapacity = 1 << 20
	got := cfg.Clamp(verbs.DeviceAttr{MaxQPWR: 128, MaxQPRdAtom: 1, MaxQPInitRdAtom: 1}, verbs.PortAttr{ActiveMTU: verbs.MTU1024})
	if got.SendCapacity != 128 || got.RecvCapacity != 16 || got.PathMTU != verbs.MTU1024 {
		t.Fatalf("unexpected clamp result %+v", got)
	}
	for in, want := range map[string]Role{"server": RolePassive, "Active": RoleActive, "client": RoleActive} {
		role, err := ParseRole(in)
		if err != nil || role != want {
			t.Fatalf("ParseRole(%q) = %v, %v", in, role, err)
		}
	}
	if _, err := ParseRole("observer"); err == nil {
		t.Fatalf("expected unknown role error")
	}
}

func TestWithDefaultsFillsZeroFields(t *testing.T) {
	got := Config{PathMTU: verbs.MTU1024, RetryCount: 3, RQPSN: 0x42}.WithDefaults()
	want := DefaultConfig()
	want.PathMTU = verbs.MTU1024
	want.RetryCount = 3
	want.RQPSN = 0x42
	if got != want {
		t.Fatalf("WithDefaults = %+v, want %+v", got, want)
	}
	if got := (Config{}).WithDefaults(); got != DefaultConfig() {
		t.Fatalf("zero config should equal defaults, got %+v", got)
	}
}
