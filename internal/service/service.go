// Package service contains process plumbing shared by the binaries.
package service

import (
	"context"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/outofforest/gdtp/metrics"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

// LogConfig configures the log output.
type LogConfig struct {
	// File is the path of rotated log file written in addition to the console, empty disables it.
	File       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int

	// Debug enables debug entries in the file.
	Debug bool
}

// DefaultLogConfig returns default log config.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		MaxSizeMB:  10,
		MaxBackups: 3,
		MaxAgeDays: 7,
	}
}

// NewLogger creates console logger, teed into the rotated file if configured.
func NewLogger(config LogConfig) *zap.Logger {
	log := logger.New(logger.DefaultConfig)
	if config.File == "" {
		return log
	}

	level := zap.InfoLevel
	if config.Debug {
		level = zap.DebugLevel
	}

	file := zapcore.NewCore(
		zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()),
		zapcore.AddSync(&lumberjack.Logger{
			Filename:   config.File,
			MaxSize:    config.MaxSizeMB,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAgeDays,
		}),
		level,
	)
	return log.WithOptions(zap.WrapCore(func(core zapcore.Core) zapcore.Core {
		return zapcore.NewTee(core, file)
	}))
}

// Context returns context carrying the logger, canceled when the process receives a
// termination signal.
func Context(log *zap.Logger) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(logger.WithLogger(context.Background(), log), os.Interrupt, syscall.SIGTERM)
}

// ServeMetrics registers collectors and exposes them over HTTP on /metrics until context
// is canceled.
func ServeMetrics(ctx context.Context, ls net.Listener, reg *prometheus.Registry) error {
	if err := metrics.Register(reg); err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("closer", parallel.Exit, func(ctx context.Context) error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = server.Shutdown(shutdownCtx)
			return errors.WithStack(ctx.Err())
		})
		spawn("server", parallel.Fail, func(ctx context.Context) error {
			logger.Get(ctx).Info("Metrics server started", zap.Stringer("address", ls.Addr()))
			err := server.Serve(ls)
			if ctx.Err() != nil {
				return errors.WithStack(ctx.Err())
			}
			return errors.WithStack(err)
		})

		return nil
	})
}
