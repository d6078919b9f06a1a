package main

import (
	"context"
	"fmt"
	"net"
	"os"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/outofforest/gdtp"
	"github.com/outofforest/gdtp/identity"
	"github.com/outofforest/gdtp/internal/service"
	"github.com/outofforest/gdtp/market"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

func main() {
	cfg, err := configure(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "gdtp-server: %v\n", err)
		os.Exit(2)
	}

	log := service.NewLogger(cfg.Log)
	defer func() {
		_ = log.Sync()
	}()

	ctx, cancel := service.Context(log)
	defer cancel()

	if err := run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Server failed", zap.Error(err))
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config) error {
	ls, err := net.Listen("tcp", cfg.Listen)
	if err != nil {
		return errors.WithStack(err)
	}

	var metricsLs net.Listener
	if cfg.MetricsListen != "" {
		metricsLs, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = ls.Close()
			return errors.WithStack(err)
		}
	}

	logger.Get(ctx).Info("Starting", zap.String("listen", cfg.Listen), zap.Duration("idleTimeout", cfg.IdleTimeout))

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			return gdtp.RunServer(ctx, ls, gdtp.ServerConfig{
				Identity:     identity.New(),
				Handler:      market.NewHandler(market.NewStore()),
				IdleTimeout:  cfg.IdleTimeout,
				MaxFrameSize: cfg.MaxFrameSize,
			})
		})
		if metricsLs != nil {
			spawn("metrics", parallel.Fail, func(ctx context.Context) error {
				return service.ServeMetrics(ctx, metricsLs, prometheus.NewRegistry())
			})
		}

		return nil
	})
}
