package metrics

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "gdtp"

// Transport labels.
const (
	TransportStream   = "stream"
	TransportDatagram = "datagram"
)

var (
	// FramesReceived counts decoded frames per transport and verb.
	FramesReceived = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "frames_received_total",
			Help:      "Frames decoded successfully.",
		},
		[]string{"transport", "kind"},
	)

	// FramesDropped counts frames which could not be decoded or were ignored.
	FramesDropped = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "frames_dropped_total",
			Help:      "Frames dropped because they were malformed or unexpected.",
		},
		[]string{"transport", "reason"},
	)

	// DatagramsTruncated counts outgoing datagrams cut to the packet size.
	DatagramsTruncated = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "wire",
			Name:      "datagrams_truncated_total",
			Help:      "Outgoing datagrams truncated to the maximum packet size.",
		},
	)

	// Connections tracks open stream connections on the server.
	Connections = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "connections",
			Help:      "Open stream connections.",
		},
	)

	// Replies counts replies sent by connection workers.
	Replies = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "server",
			Name:      "replies_total",
			Help:      "Replies sent by connection workers.",
		},
		[]string{"kind"},
	)

	// RequestTimeouts counts client requests resolved without a reply.
	RequestTimeouts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "client",
			Name:      "request_timeouts_total",
			Help:      "Client requests which timed out waiting for a reply.",
		},
	)

	// LedgerPending tracks deliveries waiting for acknowledgment.
	LedgerPending = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "pending",
			Help:      "Deliveries waiting for acknowledgment.",
		},
	)

	// LedgerTransmissions counts transmissions of queued deliveries, first ones included.
	LedgerTransmissions = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "transmissions_total",
			Help:      "Transmissions of queued deliveries.",
		},
	)

	// LedgerAcked counts deliveries removed by acknowledgment.
	LedgerAcked = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "acked_total",
			Help:      "Deliveries acknowledged by the recipient.",
		},
	)

	// LedgerAbandoned counts deliveries dropped after reaching the attempt ceiling.
	LedgerAbandoned = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "abandoned_total",
			Help:      "Deliveries abandoned after the last attempt.",
		},
	)

	// MailboxReceived counts messages appended to mailboxes.
	MailboxReceived = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "mailbox_received_total",
			Help:      "Inbound messages appended to mailboxes.",
		},
	)

	// DirectoryPeers tracks entries of the peer directory.
	DirectoryPeers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "peers",
			Help:      "Known peers.",
		},
	)

	// DirectoryExpired counts entries removed by the sweep.
	DirectoryExpired = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "directory",
			Name:      "expired_total",
			Help:      "Peers removed because they were not seen for longer than TTL.",
		},
	)
)

var (
	registerOnce sync.Once
	registerErr  error
)

// Register registers all collectors once.
func Register(reg prometheus.Registerer) error {
	registerOnce.Do(func() {
		for _, c := range []prometheus.Collector{
			FramesReceived, FramesDropped, DatagramsTruncated,
			Connections, Replies, RequestTimeouts,
			LedgerPending, LedgerTransmissions, LedgerAcked, LedgerAbandoned, MailboxReceived,
			DirectoryPeers, DirectoryExpired,
		} {
			if err := reg.Register(c); err != nil {
				registerErr = errors.WithStack(err)
				return
			}
		}
	})
	return registerErr
}
