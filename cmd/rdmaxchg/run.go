package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/rocketbitz/rdmaxchg-go/internal/config"
	"github.com/rocketbitz/rdmaxchg-go/transfer"
)

func newPeerCmd(role, short string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   role,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Role = role
			return runPeer(cmd, cfg)
		},
	}
	if role == "passive" {
		cmd.Flags().String("listen", "", "rendezvous listen address (default :26214)")
	} else {
		cmd.Flags().String("peer", "", "rendezvous address of the passive peer")
	}
	return cmd
}

func newLoopbackCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "loopback",
		Short: "Run both peers in this process",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cfg.Role = "passive"
			if !cmd.Flags().Changed("listen") {
				cfg.Rendezvous.Listen = "127.0.0.1:0"
			}
			return runLoopback(cmd, cfg)
		},
	}
	cmd.Flags().String("listen", "", "rendezvous listen address of the passive peer (default: ephemeral loopback port)")
	return cmd
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	return config.Load(path, cmd.Flags())
}

func runPeer(cmd *cobra.Command, cfg *config.Config) error {
	env, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer env.close()

	tc, err := cfg.SessionConfig()
	if err != nil {
		return err
	}
	if cfg.Provider == config.ProviderLoopback {
		// the loopback fabric lives inside one process
		return fmt.Errorf("%w: provider %q cannot reach a peer in another process; use --provider %s or the loopback command",
			config.ErrInvalid, cfg.Provider, config.ProviderIBVerbs)
	}
	env.instrument(&tc)

	provider, err := cfg.NewProvider()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	env.log.Infow("starting peer", "role", cfg.Role, "provider", provider.Name(), "device", cfg.Device.Name)
	report, err := transfer.Run(ctx, provider, tc)
	if err != nil {
		env.log.Errorw("transfer failed", "role", cfg.Role, "error", err)
		return err
	}
	printReport(cmd.OutOrStdout(), report)
	return nil
}

func runLoopback(cmd *cobra.Command, cfg *config.Config) error {
	env, err := newApp(cfg)
	if err != nil {
		return err
	}
	defer env.close()

	passive, err := cfg.SessionConfig()
	if err != nil {
		return err
	}
	env.instrument(&passive)
	active := passive

	provider, err := cfg.NewProvider()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	out, err := transfer.RunLoopbackPair(ctx, provider, passive, active)
	if err != nil {
		env.log.Errorw("loopback pair failed", "error", err)
		return err
	}
	w := cmd.OutOrStdout()
	printReport(w, out.Passive)
	printReport(w, out.Active)
	return nil
}

func printReport(w io.Writer, r transfer.Report) {
	for _, pr := range []transfer.PhaseReport{r.Read, r.Write} {
		fmt.Fprintf(w, "%s %s: %q (%s, %d polls)\n", r.Role, pr.Phase, bytes.TrimRight(pr.Payload, "\x00"), pr.Duration, pr.Polls)
	}
}

type app struct {
	log     *zap.SugaredLogger
	metrics transfer.MetricHook
	closers []func()
}

func (a *app) instrument(tc *transfer.Config) {
	tc.StructuredLogger = a.log
	tc.Tracer = newTracer()
	if a.metrics != nil {
		tc.Metrics = a.metrics
	}
}

func (a *app) close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func newApp(cfg *config.Config) (*app, error) {
	logger, err := newLogger(cfg.Log)
	if err != nil {
		return nil, err
	}
	a := &app{log: logger.Sugar()}
	a.closers = append(a.closers, func() { _ = logger.Sync() })

	if cfg.Metrics.Addr != "" {
		metrics, shutdown, err := serveMetrics(cfg.Metrics.Addr, a.log)
		if err != nil {
			a.close()
			return nil, err
		}
		a.metrics = metrics
		a.closers = append(a.closers, func() {
			ctx, cancel := context.WithTimeout(context.Background(), metricsShutdownTimeout)
			defer cancel()
			_ = shutdown(ctx)
		})
	}
	return a, nil
}
