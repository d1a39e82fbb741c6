package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"github.com/ava-labs/buffered-publisher/pkg/connection"
	"github.com/ava-labs/buffered-publisher/pkg/metrics"
	"github.com/ava-labs/buffered-publisher/pkg/queue"
	"github.com/ava-labs/buffered-publisher/pkg/scheduler"
	"github.com/ava-labs/buffered-publisher/pkg/utils"
)

const shutdownTimeout = 5 * time.Second

// errConnectionLost ends the process so a supervisor can restart it with a
// fresh connection.
var errConnectionLost = errors.New("broker connection lost")

func run(c *cli.Context) error {
	// Build configuration from CLI flags
	cfg, err := buildConfig(c)
	if err != nil {
		return fmt.Errorf("failed to build config: %w", err)
	}

	sugar, err := utils.NewSugaredLogger(cfg.Verbose, cfg.ServiceName)
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer sugar.Desugar().Sync() //nolint:errcheck // best-effort flush; ignore sync errors

	sugar.Infow("config",
		"verbose", cfg.Verbose,
		"serviceName", cfg.ServiceName,
		"transport", cfg.Transport,
		"broker", cfg.BrokerAddress(),
		"dialTimeout", cfg.DialTimeout,
		"listenAddr", cfg.ListenAddr,
		"maxBodyBytes", cfg.MaxBodyBytes,
		"maxInflightRequests", cfg.MaxInflightRequests,
		"bufferReportInterval", cfg.BufferReportInterval,
		"bufferWarnThreshold", cfg.BufferWarnThreshold,
		"metricsHost", cfg.MetricsHost,
		"metricsPort", cfg.MetricsPort,
		"environment", cfg.Environment,
		"region", cfg.Region,
		"cloudProvider", cfg.CloudProvider,
	)

	// Initialize Prometheus metrics with labels for multi-instance filtering
	registry := prometheus.NewRegistry()
	m, err := metrics.NewWithLabels(registry, metrics.Labels{
		Service:       cfg.ServiceName,
		Transport:     cfg.Transport,
		Environment:   cfg.Environment,
		Region:        cfg.Region,
		CloudProvider: cfg.CloudProvider,
	})
	if err != nil {
		return fmt.Errorf("failed to create metrics: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	dialCtx, cancelDial := context.WithTimeout(ctx, cfg.DialTimeout)
	conn, ch, err := cfg.Dialer(sugar.Named(cfg.Transport))(dialCtx, "")
	cancelDial()
	if err != nil {
		return fmt.Errorf("failed to connect to broker: %w", err)
	}

	// Connection errors end the run; the manager already logged them.
	lostCh := make(chan error, 1)
	manager, err := connection.NewManager(sugar.Named("connection"), conn, func(err error) {
		select {
		case lostCh <- err:
		default:
		}
	}, m)
	if err != nil {
		_ = multierr.Combine(ch.Close(), conn.Close())
		return fmt.Errorf("failed to create connection manager: %w", err)
	}

	publisher, err := queue.NewPublishChannel(sugar.Named("publisher"), ch, m)
	if err != nil {
		_ = multierr.Combine(ch.Close(), conn.Close())
		return fmt.Errorf("failed to create publish channel: %w", err)
	}

	// Start metrics server; /health reports broker connection liveness
	metricsServer := metrics.NewServer(cfg.MetricsAddr(), registry, manager.Healthy)
	metricsErrCh := metricsServer.Start()
	if cfg.MetricsHost == "" {
		sugar.Infof("metrics server listening on http://0.0.0.0:%d/metrics", cfg.MetricsPort)
	} else {
		sugar.Infof("metrics server listening on http://%s/metrics", cfg.MetricsAddr())
	}

	ingest := newIngestServer(cfg.ListenAddr, publisher, cfg.MaxBodyBytes, cfg.MaxInflightRequests, sugar.Named("ingest"))
	ingestErrCh := ingest.Start()
	sugar.Infow("ingest server listening", "addr", cfg.ListenAddr)

	g, gctx := errgroup.WithContext(ctx)

	// Connection manager goroutine - an ended event stream means the broker is gone
	g.Go(func() error {
		if err := manager.Run(gctx); err != nil {
			return err
		}
		return errConnectionLost
	})

	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case err := <-lostCh:
			return fmt.Errorf("%w: %w", errConnectionLost, err)
		}
	})

	// Flush task goroutine - resends buffered messages on drain signals
	g.Go(func() error {
		if err := publisher.Run(gctx); err != nil {
			return err
		}
		return errConnectionLost
	})

	// Buffer report goroutine
	g.Go(func() error {
		return scheduler.Start(gctx, publisher, scheduler.LogReporter{
			Log:           sugar.Named("buffer"),
			WarnThreshold: cfg.BufferWarnThreshold,
		}, cfg.BufferReportInterval)
	})

	// Metrics server error monitoring goroutine
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case err := <-metricsErrCh:
			if err != nil {
				return fmt.Errorf("metrics server error: %w", err)
			}
			return nil
		}
	})

	// Ingest server error monitoring goroutine
	g.Go(func() error {
		select {
		case <-gctx.Done():
			return gctx.Err()
		case err := <-ingestErrCh:
			if err != nil {
				return fmt.Errorf("ingest server error: %w", err)
			}
			return nil
		}
	})

	// Wait for first error or completion from any goroutine
	err = g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	sugar.Info("shutting down ingest server")
	if shutdownErr := ingest.Shutdown(shutdownCtx); shutdownErr != nil {
		sugar.Warnw("ingest server shutdown error", "error", shutdownErr)
	}

	sugar.Info("shutting down metrics server")
	if shutdownErr := metricsServer.Shutdown(shutdownCtx); shutdownErr != nil {
		sugar.Warnw("metrics server shutdown error", "error", shutdownErr)
	}

	if closeErr := multierr.Combine(publisher.Close(), conn.Close()); closeErr != nil {
		sugar.Warnw("broker shutdown error", "error", closeErr)
	}

	// A signal is a clean exit.
	if ctx.Err() != nil && errors.Is(err, context.Canceled) {
		err = nil
	}

	sugar.Info("shutdown complete")
	return err
}
