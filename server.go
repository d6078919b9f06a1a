package gdtp

import (
	"context"
	"io"
	"net"
	"strings"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/gdtp/metrics"
	"github.com/outofforest/gdtp/wire"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

const (
	// DefaultIdleTimeout bounds the time server waits for the next request on a connection.
	DefaultIdleTimeout = 12 * time.Hour

	// DefaultMaxFrameSize is the default limit of frame size on the stream transport.
	DefaultMaxFrameSize = 64 * 1024
)

// Identity validates and issues user identities. It must be safe for concurrent use.
type Identity interface {
	Validate(token string) (string, bool)
	IssueToken(name string) (string, error)
	Exists(name string) bool
}

// Session describes authenticated connection.
type Session struct {
	Identity   string
	RemoteAddr net.Addr
}

// Handler serves business verbs received on authenticated connections. The returned payload
// becomes the arguments of the success or failure reply. It must be safe for concurrent use.
type Handler interface {
	Handle(ctx context.Context, session Session, msg *wire.Message) (bool, []string)
}

// SessionObserver may be implemented by Handler to learn when sessions start and end.
type SessionObserver interface {
	SessionStarted(session Session)
	SessionEnded(session Session)
}

// ServerConfig defines server configuration.
type ServerConfig struct {
	Identity     Identity
	Handler      Handler
	IdleTimeout  time.Duration
	MaxFrameSize int
}

// RunServer accepts connections and serves each of them until context is canceled.
func RunServer(ctx context.Context, ls net.Listener, config ServerConfig) error {
	if config.Identity == nil {
		return errors.New("no identity specified")
	}
	if config.Handler == nil {
		return errors.New("no handler specified")
	}
	if config.IdleTimeout <= 0 {
		config.IdleTimeout = DefaultIdleTimeout
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}

	return parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("closer", parallel.Exit, func(ctx context.Context) error {
			<-ctx.Done()
			_ = ls.Close()
			return errors.WithStack(ctx.Err())
		})
		spawn("listener", parallel.Fail, func(ctx context.Context) error {
			log := logger.Get(ctx)
			log.Info("Server started", zap.Stringer("address", ls.Addr()))

			for {
				conn, err := ls.Accept()
				if err != nil {
					if ctx.Err() != nil {
						return errors.WithStack(ctx.Err())
					}
					return errors.WithStack(err)
				}

				spawn("conn", parallel.Continue, func(ctx context.Context) error {
					return runServerConn(ctx, conn, config)
				})
			}
		})

		return nil
	})
}

func runServerConn(ctx context.Context, conn net.Conn, config ServerConfig) error {
	metrics.Connections.Inc()
	defer metrics.Connections.Dec()

	w := newWorker(conn, config)
	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("closer", parallel.Exit, func(ctx context.Context) error {
			<-ctx.Done()
			_ = conn.Close()
			return errors.WithStack(ctx.Err())
		})
		spawn("worker", parallel.Exit, w.Run)

		return nil
	})

	if ctx.Err() != nil {
		return errors.WithStack(ctx.Err())
	}
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Get(ctx).Error("Connection worker failed", zap.Error(err))
	}
	return nil
}

type connState int

const (
	stateUnauthenticated connState = iota
	stateAuthenticated
	stateClosing
)

type worker struct {
	config ServerConfig
	conn   net.Conn
	reader *wire.Reader

	state   connState
	session Session
}

func newWorker(conn net.Conn, config ServerConfig) *worker {
	return &worker{
		config: config,
		conn:   conn,
		reader: wire.NewReader(conn, config.MaxFrameSize),
		state:  stateUnauthenticated,
		session: Session{
			RemoteAddr: conn.RemoteAddr(),
		},
	}
}

// Run serves requests until the connection is closed. Failures end only this connection
// so nil is returned unless context is canceled.
func (w *worker) Run(ctx context.Context) error {
	log := logger.Get(ctx).With(zap.Stringer("remote", w.conn.RemoteAddr()))
	log.Debug("Connection accepted")

	defer w.endSession()

	for w.state != stateClosing {
		if err := w.conn.SetReadDeadline(time.Now().Add(w.config.IdleTimeout)); err != nil {
			return w.closed(ctx, log, err)
		}

		msg, err := w.reader.Read()
		if err != nil {
			if errors.Is(err, wire.ErrUnknownVerb) {
				metrics.FramesDropped.WithLabelValues(metrics.TransportStream, "unknown_verb").Inc()
				log.Warn("Unknown request", zap.Error(err))
				if err := w.reply(wire.New(wire.UnknownRequest)); err != nil {
					return w.closed(ctx, log, err)
				}
				continue
			}
			return w.closed(ctx, log, err)
		}
		metrics.FramesReceived.WithLabelValues(metrics.TransportStream, msg.Kind.String()).Inc()

		reply := w.handle(ctx, log, msg)
		if reply == nil {
			continue
		}
		if err := w.reply(reply); err != nil {
			return w.closed(ctx, log, err)
		}
	}

	log.Debug("Connection closed on request", zap.String("identity", w.session.Identity))
	return nil
}

func (w *worker) handle(ctx context.Context, log *zap.Logger, msg *wire.Message) *wire.Message {
	switch {
	case msg.Kind == wire.Connect:
		return w.connect(log, msg)
	case msg.Kind == wire.Disconnect:
		w.state = stateClosing
		return nil
	case msg.Kind.Business():
		if w.state != stateAuthenticated {
			log.Warn("Request without connection", zap.Stringer("kind", msg.Kind))
			return wire.New(wire.NotConnected)
		}
		return w.dispatch(ctx, log, msg)
	default:
		log.Warn("Unexpected request", zap.Stringer("kind", msg.Kind))
		return wire.New(wire.UnknownRequest)
	}
}

// connect accepts "#<token>" for returning users and a bare name to log in or register.
// Failed attempt leaves the connection state untouched.
func (w *worker) connect(log *zap.Logger, msg *wire.Message) *wire.Message {
	if len(msg.Args) != 1 || msg.Args[0] == "" {
		log.Warn("Malformed connection request")
		return wire.New(wire.ConnectKO)
	}

	credential := msg.Args[0]
	if token, ok := strings.CutPrefix(credential, wire.TokenPrefix); ok {
		name, valid := w.config.Identity.Validate(token)
		if !valid {
			log.Warn("Invalid token")
			return wire.New(wire.ConnectKO)
		}
		w.authenticate(log, name)
		return wire.New(wire.ConnectOK, token, name)
	}

	existed := w.config.Identity.Exists(credential)
	token, err := w.config.Identity.IssueToken(credential)
	if err != nil {
		log.Warn("Issuing token failed", zap.String("name", credential), zap.Error(err))
		if existed {
			return wire.New(wire.ConnectKO)
		}
		return wire.New(wire.ConnectNewUserKO)
	}

	w.authenticate(log, credential)
	if existed {
		return wire.New(wire.ConnectOK, token)
	}
	return wire.New(wire.ConnectNewUserOK, token)
}

func (w *worker) authenticate(log *zap.Logger, name string) {
	// Every started session is paired with exactly one end, also when the same identity
	// connects again.
	w.endSession()

	w.state = stateAuthenticated
	w.session.Identity = name
	if o, ok := w.config.Handler.(SessionObserver); ok {
		o.SessionStarted(w.session)
	}
	log.Info("Connection authenticated", zap.String("identity", name))
}

func (w *worker) endSession() {
	if w.session.Identity == "" {
		return
	}
	if o, ok := w.config.Handler.(SessionObserver); ok {
		o.SessionEnded(w.session)
	}
	w.session.Identity = ""
}

func (w *worker) dispatch(ctx context.Context, log *zap.Logger, msg *wire.Message) *wire.Message {
	okKind, koKind, _ := msg.Kind.Replies()

	success, payload := w.config.Handler.Handle(ctx, w.session, msg)
	kind := koKind
	if success {
		kind = okKind
	}

	reply := wire.New(kind, payload...)
	if _, err := wire.Encode(reply); err != nil {
		log.Error("Reply can't be framed", zap.Stringer("kind", kind), zap.Error(err))
		return wire.New(koKind)
	}
	return reply
}

func (w *worker) reply(m *wire.Message) error {
	metrics.Replies.WithLabelValues(m.Kind.String()).Inc()
	return wire.Write(w.conn, m)
}

func (w *worker) closed(ctx context.Context, log *zap.Logger, err error) error {
	w.state = stateClosing

	var netErr net.Error
	switch {
	case ctx.Err() != nil:
		return errors.WithStack(ctx.Err())
	case errors.Is(err, io.EOF):
		log.Debug("Connection closed by peer", zap.String("identity", w.session.Identity))
	case errors.As(err, &netErr) && netErr.Timeout():
		log.Warn("Connection idle for too long", zap.String("identity", w.session.Identity))
	case errors.Is(err, wire.ErrMalformedFrame):
		metrics.FramesDropped.WithLabelValues(metrics.TransportStream, "malformed").Inc()
		log.Warn("Malformed frame, closing connection", zap.Error(err))
	default:
		log.Warn("Connection failed", zap.Error(err))
	}
	return nil
}
