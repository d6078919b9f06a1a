package gdtp

import (
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/gdtp/metrics"
	"github.com/outofforest/gdtp/wire"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
)

// DefaultRequestTimeout is the default time client waits for a reply.
const DefaultRequestTimeout = 5 * time.Second

var (
	// ErrTimeout is returned when reply did not arrive in time. Connection stays open.
	ErrTimeout = errors.New("no reply")

	// ErrRejected is returned when server answered with the failure verb.
	ErrRejected = errors.New("request rejected")

	// ErrNotConnected is returned when server requires authentication first.
	ErrNotConnected = errors.New("not connected")

	// ErrUnknownRequest is returned when server did not recognize the request.
	ErrUnknownRequest = errors.New("unknown request")

	// ErrDisconnected is returned by requests issued after the client disconnected.
	ErrDisconnected = errors.New("disconnected")
)

// ClientConfig is the config of client.
type ClientConfig struct {
	Server         string
	RequestTimeout time.Duration
	MaxFrameSize   int
}

// Credentials are returned by successful connection request.
type Credentials struct {
	Name    string
	Token   string
	NewUser bool
}

// Client sends requests to server over one connection. At most one request is in flight at
// a time: the next frame read from the connection is taken as the reply, so a reply arriving
// after its request timed out is returned to the next request.
type Client struct {
	config ClientConfig
	conn   net.Conn
	reader *wire.Reader

	requestMu sync.Mutex
	writeMu   sync.Mutex
	replyCh   chan *wire.Message

	disconnectOnce sync.Once
	disconnectCh   chan struct{}
	doneOnce       sync.Once
	doneCh         chan struct{}
	err            error
}

// Dial connects to server. Client.Run must be running for requests to receive replies.
func Dial(ctx context.Context, config ClientConfig) (*Client, error) {
	if config.Server == "" {
		return nil, errors.New("no server specified")
	}
	if config.RequestTimeout <= 0 {
		config.RequestTimeout = DefaultRequestTimeout
	}
	if config.MaxFrameSize <= 0 {
		config.MaxFrameSize = DefaultMaxFrameSize
	}

	var dialer net.Dialer
	conn, err := dialer.DialContext(ctx, "tcp", config.Server)
	if err != nil {
		return nil, errors.WithStack(err)
	}

	return &Client{
		config:  config,
		conn:    conn,
		reader:  wire.NewReader(conn, config.MaxFrameSize),
		replyCh:      make(chan *wire.Message),
		disconnectCh: make(chan struct{}),
		doneCh:       make(chan struct{}),
	}, nil
}

// Run reads replies until the connection fails or context is canceled. Any transport
// failure is fatal to the client and is returned, pending and future requests fail with
// the same error. Nil is returned if server closed the connection after Disconnect.
func (c *Client) Run(ctx context.Context) error {
	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		spawn("closer", parallel.Exit, func(ctx context.Context) error {
			<-ctx.Done()
			_ = c.conn.Close()
			return errors.WithStack(ctx.Err())
		})
		spawn("reader", parallel.Exit, func(ctx context.Context) error {
			log := logger.Get(ctx)

			for {
				msg, err := c.reader.Read()
				if err != nil {
					if ctx.Err() != nil {
						return errors.WithStack(ctx.Err())
					}
					if c.disconnecting() && errors.Is(err, io.EOF) {
						log.Info("Disconnected")
						return nil
					}
					log.Error("Server connection failed", zap.Error(err))
					return errors.Wrap(err, "reading reply")
				}
				metrics.FramesReceived.WithLabelValues(metrics.TransportStream, msg.Kind.String()).Inc()

				select {
				case <-ctx.Done():
					return errors.WithStack(ctx.Err())
				case <-c.disconnectCh:
					log.Debug("Frame dropped after disconnect", zap.Stringer("kind", msg.Kind))
				case c.replyCh <- msg:
				}
			}
		})

		return nil
	})

	doneErr := err
	if doneErr == nil {
		doneErr = errors.WithStack(ErrDisconnected)
	}
	c.doneOnce.Do(func() {
		c.err = doneErr
		close(c.doneCh)
	})
	return err
}

// Send writes message without waiting for reply.
func (c *Client) Send(msg *wire.Message) error {
	select {
	case <-c.doneCh:
		return c.err
	default:
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return wire.Write(c.conn, msg)
}

// Request sends message and waits for the reply. ErrTimeout is returned if nothing arrives
// before timeout elapses, zero timeout means the configured one.
func (c *Client) Request(ctx context.Context, msg *wire.Message, timeout time.Duration) (*wire.Message, error) {
	if timeout <= 0 {
		timeout = c.config.RequestTimeout
	}

	c.requestMu.Lock()
	defer c.requestMu.Unlock()

	if err := c.Send(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-c.replyCh:
		return reply, nil
	case <-timer.C:
		metrics.RequestTimeouts.Inc()
		return nil, errors.Wrapf(ErrTimeout, "waiting for reply to %s", msg.Kind)
	case <-c.doneCh:
		return nil, c.err
	case <-ctx.Done():
		return nil, errors.WithStack(ctx.Err())
	}
}

// Connect authenticates the connection. Credential is either user name or token prefixed
// with "#".
func (c *Client) Connect(ctx context.Context, credential string) (Credentials, error) {
	reply, err := c.Request(ctx, wire.New(wire.Connect, credential), 0)
	if err != nil {
		return Credentials{}, err
	}

	switch reply.Kind {
	case wire.ConnectOK:
		if token, ok := strings.CutPrefix(credential, wire.TokenPrefix); ok {
			return Credentials{Name: reply.Arg(1), Token: token}, nil
		}
		return Credentials{Name: credential, Token: reply.Arg(0)}, nil
	case wire.ConnectNewUserOK:
		return Credentials{Name: credential, Token: reply.Arg(0), NewUser: true}, nil
	case wire.ConnectKO, wire.ConnectNewUserKO:
		return Credentials{}, errors.Wrapf(ErrRejected, "connecting as %q", credential)
	default:
		return Credentials{}, errors.Errorf("unexpected reply %s to %s", reply.Kind, wire.Connect)
	}
}

// Call sends business request and returns the payload of the success reply.
func (c *Client) Call(ctx context.Context, kind wire.Kind, args ...string) ([]string, error) {
	okKind, koKind, exists := kind.Replies()
	if !exists {
		return nil, errors.Errorf("%s is not a business request", kind)
	}

	reply, err := c.Request(ctx, wire.New(kind, args...), 0)
	if err != nil {
		return nil, err
	}

	switch reply.Kind {
	case okKind:
		return reply.Args, nil
	case koKind:
		return reply.Args, errors.Wrapf(ErrRejected, "%s", kind)
	case wire.NotConnected:
		return nil, errors.WithStack(ErrNotConnected)
	case wire.UnknownRequest:
		return nil, errors.WithStack(ErrUnknownRequest)
	default:
		return nil, errors.Errorf("unexpected reply %s to %s", reply.Kind, kind)
	}
}

// Disconnect asks server to close the connection. Run returns once it is closed. Frames
// still arriving before the close are dropped.
func (c *Client) Disconnect() error {
	c.disconnectOnce.Do(func() {
		close(c.disconnectCh)
	})
	return c.Send(wire.New(wire.Disconnect))
}

func (c *Client) disconnecting() bool {
	select {
	case <-c.disconnectCh:
		return true
	default:
		return false
	}
}
