package gdtp

import (
	"context"
	"net"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/gdtp/directory"
	"github.com/outofforest/gdtp/ledger"
	"github.com/outofforest/gdtp/metrics"
	"github.com/outofforest/gdtp/wire"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

const (
	// DefaultMaxPacketSize is the default cap of datagram size.
	DefaultMaxPacketSize = 1024

	// DefaultReadTimeout is the default time messenger waits for a datagram before
	// flushing due retries.
	DefaultReadTimeout = 500 * time.Millisecond
)

// ErrUnknownPeer is returned when recipient is not in the directory.
var ErrUnknownPeer = errors.New("unknown peer")

// MessengerConfig is the config of messenger.
type MessengerConfig struct {
	// Identity is the name sent as the sender of posted messages.
	Identity      string
	MaxPacketSize int
	ReadTimeout   time.Duration
}

// Messenger runs the only loop reading and writing the datagram socket. It acknowledges and
// stores inbound messages and transmits deliveries queued in the ledger until they are
// acknowledged or abandoned.
type Messenger struct {
	config    MessengerConfig
	conn      net.PacketConn
	ledger    *ledger.Ledger
	directory *directory.Directory
	ids       idSource
}

// NewMessenger creates messenger. Messenger takes ownership of the connection.
func NewMessenger(
	conn net.PacketConn,
	ledger *ledger.Ledger,
	directory *directory.Directory,
	config MessengerConfig,
) *Messenger {
	if config.MaxPacketSize <= 0 {
		config.MaxPacketSize = DefaultMaxPacketSize
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = DefaultReadTimeout
	}
	return &Messenger{
		config:    config,
		conn:      conn,
		ledger:    ledger,
		directory: directory,
	}
}

// Post queues text for delivery to the recipient known to the directory. It returns the
// logical id of the message.
func (m *Messenger) Post(recipient, text string) (int64, error) {
	addr, exists := m.directory.Lookup(recipient)
	if !exists {
		return 0, errors.Wrapf(ErrUnknownPeer, "recipient %q", recipient)
	}

	id := m.ids.Next(time.Now())
	msg := chatMessage(m.config.Identity, id, text).To(addr)
	if _, err := wire.Encode(msg); err != nil {
		return 0, err
	}
	if !m.ledger.Enqueue(msg) {
		return 0, errors.Errorf("queuing message %d failed", id)
	}
	return id, nil
}

// Run runs the loop until context is canceled or the socket fails.
func (m *Messenger) Run(ctx context.Context) error {
	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("closer", parallel.Exit, func(ctx context.Context) error {
			<-ctx.Done()
			_ = m.conn.Close()
			return errors.WithStack(ctx.Err())
		})
		spawn("loop", parallel.Fail, func(ctx context.Context) error {
			log := logger.Get(ctx)
			log.Info("Messenger started", zap.Stringer("address", m.conn.LocalAddr()))

			buf := make([]byte, m.config.MaxPacketSize)
			for {
				msg, err := m.receive(log, buf)
				if err != nil {
					if ctx.Err() != nil {
						return errors.WithStack(ctx.Err())
					}
					return err
				}
				if msg != nil {
					m.handle(log, msg)
				}
				m.flush(log)
			}
		})

		return nil
	})
}

// receive returns nil message if nothing usable arrived before the read timeout.
func (m *Messenger) receive(log *zap.Logger, buf []byte) (*wire.Message, error) {
	if err := m.conn.SetReadDeadline(time.Now().Add(m.config.ReadTimeout)); err != nil {
		return nil, errors.WithStack(err)
	}

	n, addr, err := m.conn.ReadFrom(buf)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return nil, nil
		}
		return nil, errors.WithStack(err)
	}

	udpAddr, ok := addr.(*net.UDPAddr)
	if !ok {
		metrics.FramesDropped.WithLabelValues(metrics.TransportDatagram, "address").Inc()
		log.Warn("Datagram from unsupported address", zap.Stringer("address", addr))
		return nil, nil
	}

	msg, err := wire.DecodeDatagram(buf[:n])
	if err != nil {
		metrics.FramesDropped.WithLabelValues(metrics.TransportDatagram, "malformed").Inc()
		log.Warn("Dropping datagram", zap.Stringer("from", udpAddr), zap.Error(err))
		return nil, nil
	}
	metrics.FramesReceived.WithLabelValues(metrics.TransportDatagram, msg.Kind.String()).Inc()

	msg.Addr = udpAddr
	return msg, nil
}

func (m *Messenger) handle(log *zap.Logger, msg *wire.Message) {
	switch {
	case msg.Kind == wire.Msg && len(msg.Args) >= 3:
		sender := msg.Args[0]
		if _, err := ledger.ParseID(msg.Args[1]); err != nil {
			metrics.FramesDropped.WithLabelValues(metrics.TransportDatagram, "logical_id").Inc()
			log.Warn("Dropping message", zap.String("sender", sender), zap.Error(err))
			return
		}

		m.send(log, wire.New(wire.MsgAck, sender, msg.Args[1]).To(msg.Addr))
		if m.directory.AddOrRefresh(sender, msg.Addr) {
			log.Info("New peer", zap.String("identity", sender), zap.Stringer("address", msg.Addr))
		}
		m.ledger.Deliver(sender, msg)
		log.Debug("Message received", zap.String("sender", sender), zap.String("id", msg.Args[1]))
	case msg.Kind == wire.MsgAck && len(msg.Args) == 2:
		id, err := ledger.ParseID(msg.Args[1])
		if err != nil {
			metrics.FramesDropped.WithLabelValues(metrics.TransportDatagram, "logical_id").Inc()
			log.Warn("Dropping acknowledgment", zap.Error(err))
			return
		}

		m.directory.AddOrRefresh(msg.Args[0], nil)
		if !m.ledger.Ack(id) {
			log.Debug("Acknowledgment of unknown delivery", zap.Int64("id", id))
			return
		}
		log.Debug("Delivery acknowledged", zap.Int64("id", id))
	default:
		metrics.FramesDropped.WithLabelValues(metrics.TransportDatagram, "unexpected").Inc()
		log.Warn("Dropping unexpected datagram", zap.Stringer("kind", msg.Kind), zap.Int("args", len(msg.Args)))
	}
}

func (m *Messenger) flush(log *zap.Logger) {
	for _, r := range m.ledger.DrainDue() {
		log.Debug("Transmitting delivery", zap.Int64("id", r.ID), zap.Int("attempt", r.Attempts))
		m.send(log, r.Message)
	}
}

// send failures are logged only, the retry loop covers lost transmissions.
func (m *Messenger) send(log *zap.Logger, msg *wire.Message) {
	b, truncated, err := wire.EncodeDatagram(msg, m.config.MaxPacketSize)
	if err != nil {
		log.Error("Encoding datagram failed", zap.Stringer("kind", msg.Kind), zap.Error(err))
		return
	}
	if truncated {
		metrics.DatagramsTruncated.Inc()
		log.Warn("Datagram truncated", zap.Stringer("kind", msg.Kind), zap.Int("size", m.config.MaxPacketSize))
	}

	if _, err := m.conn.WriteTo(b, msg.Addr); err != nil {
		log.Warn("Sending datagram failed", zap.Stringer("to", msg.Addr), zap.Error(err))
	}
}
