package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/bjaus/courier"
	"github.com/bjaus/courier/config"
	"github.com/bjaus/courier/metrics"
	"github.com/bjaus/courier/tracing"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

type app struct {
	cfg      config.Config
	logger   *zap.Logger
	registry *prometheus.Registry
	engine   *courier.Engine
	orders   *orderService
}

// newApp loads configuration and builds an engine carrying the demo
// domain, metrics and tracing hooks. Logs go to stderr.
func newApp(configPath string, stderr io.Writer) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	if stderr == nil {
		stderr = os.Stderr
	}
	logger, err := cfg.Log.NewLogger(stderr)
	if err != nil {
		return nil, err
	}

	rt := &app{cfg: cfg, logger: logger, registry: prometheus.NewRegistry()}
	snapshotter := courier.SnapshotterFunc(func(ctx context.Context, aggregateID string) {
		logger.Info("snapshot scheduled", zap.String("aggregate", aggregateID))
	})

	opts := cfg.EngineOptions(logger, snapshotter)
	opts = append(opts, metrics.New(rt.registry).Options()...)
	opts = append(opts, tracing.Options(nil)...)
	rt.engine = courier.New(opts...)

	if rt.orders, err = register(rt.engine); err != nil {
		return nil, fmt.Errorf("register demo domain: %w", err)
	}
	return rt, nil
}

func (rt *app) close(ctx context.Context) error {
	defer func() { _ = rt.logger.Sync() }()
	return rt.engine.Shutdown(ctx)
}
