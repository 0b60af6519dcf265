package replybus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"syscall"

	"github.com/replybus/replybus-go/broker"
	"github.com/replybus/replybus-go/codec"
	"github.com/replybus/replybus-go/internal/logctx"
)

var (
	// ErrNotConnected is returned by operations that need a live session
	// before Connect has succeeded, or after Close.
	ErrNotConnected = errors.New("transport not connected")
	// ErrOffline indicates the broker client reported the connection as
	// unusable. It clears on the next successful connect event.
	ErrOffline = errors.New("broker connection offline")
	// ErrConnectionClosed indicates the broker closed the connection
	// before it was established.
	ErrConnectionClosed = errors.New("broker connection closed")
)

// Option configures a Client.
type Option func(*newConfig)

type newConfig struct {
	logger *slog.Logger
	codec  codec.Codec
}

// WithLogger sets the slog logger used by the client. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(c *newConfig) { c.logger = l }
}

// WithCodec sets the serializer/deserializer pair. Defaults to codec.JSON.
func WithCodec(cc codec.Codec) Option {
	return func(c *newConfig) { c.codec = cc }
}

type pendingListener struct {
	kind broker.EventKind
	fn   broker.Handler
}

type routeEntry struct {
	cb       Callback
	disposed bool
}

// Client multiplexes request/response exchanges and one-way events over a
// broker session. It owns the session it dials: request ids, the reply
// channel subscription ledger and the connection lifecycle all live here,
// while delivery semantics stay with the broker client behind the session.
//
// All methods are safe for concurrent use.
type Client struct {
	dialer broker.Dialer
	codec  codec.Codec
	log    *slog.Logger
	status *StatusWatcher

	mu             sync.Mutex
	sess           broker.Session
	connected      *future
	initialConnect bool
	reconnecting   bool
	pending        []pendingListener
	routing        map[string]*routeEntry
	ledger         map[string]*channelLedger
	removeHandlers []func()
}

// New creates a Client that will dial its broker session through d on the
// first Connect call.
func New(d broker.Dialer, opts ...Option) *Client {
	cfg := &newConfig{logger: slog.Default(), codec: codec.JSON{}}
	for _, opt := range opts {
		opt(cfg)
	}

	return &Client{
		dialer:         d,
		codec:          cfg.codec,
		log:            slog.New(logctx.Handler{Handler: cfg.logger.Handler()}),
		status:         newStatusWatcher(),
		initialConnect: true,
		routing:        make(map[string]*routeEntry),
		ledger:         make(map[string]*channelLedger),
	}
}

// Status returns the connection status broadcaster.
func (c *Client) Status() *StatusWatcher { return c.status }

// Connect establishes the broker session. It is idempotent: while a session
// exists, every call observes the same outcome, and no second physical
// connection is made. The call settles when the session reports connect or
// close, whichever comes first; a close that arrives before the first
// connect fails the attempt with the close error.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.connected != nil {
		f := c.connected
		c.mu.Unlock()
		return f.wait(ctx)
	}
	f := newFuture()
	c.connected = f
	c.mu.Unlock()

	sess, err := c.dialer.Dial(ctx)
	if err != nil {
		err = fmt.Errorf("dial broker: %w", err)
		c.mu.Lock()
		if c.connected == f {
			c.connected = nil
		}
		c.mu.Unlock()
		f.settle(err)
		return err
	}

	c.mu.Lock()
	if c.connected != f {
		// Close won the race while dialing; the fresh session is orphaned.
		c.mu.Unlock()
		_ = sess.Close()
		err := fmt.Errorf("connect aborted: %w", ErrConnectionClosed)
		f.settle(err)
		return err
	}
	c.sess = sess
	c.wireLifecycleLocked(sess, f)
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	// Queued user listeners attach after the lifecycle handlers, in the
	// order they were registered.
	for _, pl := range pending {
		sess.On(pl.kind, pl.fn)
	}

	if err := sess.Connect(ctx); err != nil {
		err = fmt.Errorf("connect broker session: %w", err)
		c.mu.Lock()
		if c.connected == f {
			c.sess = nil
			c.connected = nil
			c.removeHandlers = nil
		}
		c.mu.Unlock()
		_ = sess.Close()
		f.settle(err)
		return err
	}

	return f.wait(ctx)
}

func (c *Client) wireLifecycleLocked(sess broker.Session, f *future) {
	c.removeHandlers = append(c.removeHandlers,
		sess.On(broker.EventError, c.onError),
		sess.On(broker.EventOffline, c.onOffline),
		sess.On(broker.EventReconnect, c.onReconnect),
		sess.On(broker.EventConnect, func(broker.Event) { c.onConnect(sess, f) }),
		sess.On(broker.EventDisconnect, c.onDisconnect),
		sess.On(broker.EventClose, func(ev broker.Event) { c.onSessionClose(ev, f) }),
	)
}

func (c *Client) onConnect(sess broker.Session, f *future) {
	c.mu.Lock()
	if c.sess != sess {
		c.mu.Unlock()
		return
	}
	c.reconnecting = false
	first := c.initialConnect
	c.initialConnect = false
	c.connected = settledFuture(nil)
	if first {
		// Registered exactly once so reconnects cannot double-dispatch.
		c.removeHandlers = append(c.removeHandlers, sess.On(broker.EventMessage, c.handleMessage))
	}
	c.mu.Unlock()

	c.status.set(StatusConnected)
	f.settle(nil)
	c.log.Info("connect.ok")
}

func (c *Client) onReconnect(broker.Event) {
	c.mu.Lock()
	c.reconnecting = true
	c.mu.Unlock()
	c.status.set(StatusReconnecting)
	c.log.Info("connect.retry")
}

func (c *Client) onOffline(ev broker.Event) {
	err := ErrOffline
	if ev.Err != nil {
		err = fmt.Errorf("%w: %w", ErrOffline, ev.Err)
	}
	c.mu.Lock()
	c.connected = settledFuture(err)
	c.mu.Unlock()
	c.status.set(StatusDisconnected)
	c.log.Warn("connection.offline")
}

func (c *Client) onDisconnect(broker.Event) {
	c.status.set(StatusDisconnected)
	c.log.Info("connection.lost")
}

func (c *Client) onSessionClose(ev broker.Event, f *future) {
	err := ErrConnectionClosed
	if ev.Err != nil {
		err = fmt.Errorf("%w: %w", ErrConnectionClosed, ev.Err)
	}
	c.status.set(StatusClosed)
	// No effect when the connect event already won the race.
	f.settle(err)
	c.log.Info("connection.closed")
}

func (c *Client) onError(ev broker.Event) {
	if ev.Err == nil || isConnectionRefused(ev.Err) {
		// Refused connections are routine while the broker client probes
		// during reconnection.
		return
	}
	c.log.Error("session.error", slog.String("err", ev.Err.Error()))
}

func isConnectionRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED) ||
		strings.Contains(err.Error(), "connection refused")
}

// On registers a handler for session events. Before a session exists the
// registration is queued and drained, in order, when Connect dials.
func (c *Client) On(kind broker.EventKind, h broker.Handler) {
	c.mu.Lock()
	sess := c.sess
	if sess == nil {
		c.pending = append(c.pending, pendingListener{kind: kind, fn: h})
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	sess.On(kind, h)
}

// Unwrap returns the underlying broker session.
func (c *Client) Unwrap() (broker.Session, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.sess == nil {
		return nil, fmt.Errorf("no broker session: %w", ErrNotConnected)
	}
	return c.sess, nil
}

// Close tears down the session and clears all routing, ledger and pending
// listener state. A subsequent Connect rebuilds from scratch.
func (c *Client) Close() {
	c.mu.Lock()
	sess := c.sess
	removes := c.removeHandlers
	c.sess = nil
	c.connected = nil
	c.removeHandlers = nil
	c.pending = nil
	c.routing = make(map[string]*routeEntry)
	c.ledger = make(map[string]*channelLedger)
	c.initialConnect = true
	c.reconnecting = false
	c.mu.Unlock()

	if sess != nil {
		if err := sess.Close(); err != nil {
			c.log.Warn("session.close.fail", slog.String("err", err.Error()))
		}
		for _, rm := range removes {
			rm()
		}
	}
	c.status.set(StatusClosed)
}
