package service_test

import (
	"context"
	"io"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/gdtp/internal/service"
	"github.com/outofforest/gdtp/metrics"
	"github.com/outofforest/parallel"
	"github.com/outofforest/qa"
)

func TestServeMetrics(t *testing.T) {
	requireT := require.New(t)

	ctx := qa.NewContext(t)
	group := qa.NewGroup(ctx, t)

	defer func() {
		group.Exit(nil)
		requireT.NoError(group.Wait())
	}()

	ls, err := net.Listen("tcp", "localhost:0")
	requireT.NoError(err)

	group.Spawn("metrics", parallel.Fail, func(ctx context.Context) error {
		return service.ServeMetrics(ctx, ls, prometheus.NewRegistry())
	})

	metrics.DatagramsTruncated.Inc()

	var body []byte
	requireT.Eventually(func() bool {
		resp, err := http.Get("http://" + ls.Addr().String() + "/metrics")
		if err != nil {
			return false
		}
		defer resp.Body.Close()

		body, err = io.ReadAll(resp.Body)
		return err == nil && resp.StatusCode == http.StatusOK
	}, 5*time.Second, 10*time.Millisecond)

	requireT.Contains(string(body), "gdtp_wire_datagrams_truncated_total")
	requireT.Contains(string(body), "gdtp_ledger_pending")
}

func TestLoggerWritesFile(t *testing.T) {
	requireT := require.New(t)

	config := service.DefaultLogConfig()
	config.File = filepath.Join(t.TempDir(), "gdtp.log")

	log := service.NewLogger(config)
	log.Info("Hello")
	log.Debug("Hidden")
	_ = log.Sync()

	content, err := os.ReadFile(config.File)
	requireT.NoError(err)
	requireT.Contains(string(content), "Hello")
	requireT.NotContains(string(content), "Hidden")
}
