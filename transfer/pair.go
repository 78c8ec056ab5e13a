package transfer

import (
	"context"
	"errors"

	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/rdmaxchg-go/queuepair"
	"github.com/rocketbitz/rdmaxchg-go/verbs"
)

// PairReport holds the reports of both peers of RunLoopbackPair.
type PairReport struct {
	Passive Report
	Active  Report
}

// RunLoopbackPair runs a passive and an active session against the same provider in
// one process. The passive session is opened first so that its listener is bound
// before the active side dials; an empty passive ListenAddr binds an ephemeral
// loopback port. If either side fails the other is cancelled.
func RunLoopbackPair(ctx context.Context, provider verbs.Provider, passive, active Config) (PairReport, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	passive.Role = queuepair.RolePassive
	active.Role = queuepair.RoleActive
	if passive.ListenAddr == "" {
		passive.ListenAddr = "127.0.0.1:0"
	}

	ps, err := Open(provider, passive)
	if err != nil {
		return PairReport{}, err
	}
	active.PeerAddr = ps.Addr().String()
	as, err := Open(provider, active)
	if err != nil {
		return PairReport{}, errors.Join(err, ps.Close())
	}

	var out PairReport
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		out.Passive, err = ps.run(gctx)
		return err
	})
	g.Go(func() error {
		var err error
		out.Active, err = as.run(gctx)
		return err
	})
	err = g.Wait()
	return out, errors.Join(err, as.Close(), ps.Close())
}
