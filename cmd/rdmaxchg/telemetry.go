package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/rocketbitz/rdmaxchg-go/internal/config"
	"github.com/rocketbitz/rdmaxchg-go/transfer"
)

const (
	tracerName             = "github.com/rocketbitz/rdmaxchg-go/cmd/rdmaxchg"
	metricsShutdownTimeout = 2 * time.Second
)

func newLogger(cfg config.LogConfig) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewDevelopmentConfig()
	if cfg.Format == "json" {
		zc = zap.NewProductionConfig()
	}
	zc.Level = zap.NewAtomicLevelAt(level)
	return zc.Build()
}

// newTracer wraps the global tracer provider, a no-op unless one was installed.
func newTracer() transfer.Tracer {
	return transfer.NewOTelTracer(otel.Tracer(tracerName))
}

func serveMetrics(addr string, log *zap.SugaredLogger) (transfer.MetricHook, func(context.Context) error, error) {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics, err := transfer.NewPrometheusMetrics(transfer.PrometheusMetricsOptions{Registerer: reg})
	if err != nil {
		return nil, nil, err
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, fmt.Errorf("metrics listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{Registry: reg}))
	srv := &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Warnw("metrics server stopped", "error", err)
		}
	}()
	log.Infow("serving metrics", "addr", ln.Addr().String())
	return metrics, srv.Shutdown, nil
}
