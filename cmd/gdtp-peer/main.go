package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/outofforest/gdtp"
	"github.com/outofforest/gdtp/directory"
	"github.com/outofforest/gdtp/internal/service"
	"github.com/outofforest/gdtp/ledger"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

const inboxInterval = time.Second

func main() {
	cfg, err := configure(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "gdtp-peer: %v\n", err)
		os.Exit(2)
	}

	log := service.NewLogger(cfg.Log)
	defer func() {
		_ = log.Sync()
	}()

	ctx, cancel := service.Context(log)
	defer cancel()

	if err := run(ctx, cfg, os.Stdin, os.Stdout); err != nil && !errors.Is(err, context.Canceled) {
		log.Error("Peer failed", zap.Error(err))
		cancel()
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config, in io.Reader, out io.Writer) error {
	conn, err := net.ListenPacket("udp", net.JoinHostPort("", strconv.Itoa(cfg.PeerPort)))
	if err != nil {
		return errors.WithStack(err)
	}

	client, err := gdtp.Dial(ctx, gdtp.ClientConfig{
		Server:         cfg.Server,
		RequestTimeout: cfg.RequestTimeout,
	})
	if err != nil {
		_ = conn.Close()
		return err
	}

	var metricsLs net.Listener
	if cfg.MetricsListen != "" {
		metricsLs, err = net.Listen("tcp", cfg.MetricsListen)
		if err != nil {
			_ = conn.Close()
			return errors.WithStack(err)
		}
	}

	l := ledger.New(cfg.Ledger)
	dir := directory.New(cfg.Directory)

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("client", parallel.Exit, client.Run)
		spawn("directory", parallel.Fail, dir.Run)
		if metricsLs != nil {
			spawn("metrics", parallel.Fail, func(ctx context.Context) error {
				return service.ServeMetrics(ctx, metricsLs, prometheus.NewRegistry())
			})
		}
		spawn("session", parallel.Exit, func(ctx context.Context) error {
			creds, err := client.Connect(ctx, cfg.Credential)
			if err != nil {
				_ = conn.Close()
				return err
			}
			logger.Get(ctx).Info("Connected", zap.String("identity", creds.Name), zap.Bool("newUser", creds.NewUser))
			_, _ = fmt.Fprintf(out, "Connected as %s, reconnect with -u '#%s'\n", creds.Name, creds.Token)

			messenger := gdtp.NewMessenger(conn, l, dir, gdtp.MessengerConfig{
				Identity:      creds.Name,
				MaxPacketSize: cfg.MaxPacketSize,
			})
			spawn("messenger", parallel.Fail, messenger.Run)
			spawn("inbox", parallel.Fail, func(ctx context.Context) error {
				ticker := time.NewTicker(inboxInterval)
				defer ticker.Stop()

				for {
					select {
					case <-ctx.Done():
						return errors.WithStack(ctx.Err())
					case <-ticker.C:
						printInbox(out, l.CollectAll())
					}
				}
			})

			sh := &shell{
				client:    client,
				messenger: messenger,
				directory: dir,
				ledger:    l,
				peerPort:  cfg.PeerPort,
				out:       out,
			}
			return sh.Run(ctx, readLines(in))
		})

		return nil
	})
}

// readLines reads input in the background. Reading from terminal can't be interrupted, so the
// goroutine lives until the input ends.
func readLines(in io.Reader) <-chan string {
	lines := make(chan string)
	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()
	return lines
}
