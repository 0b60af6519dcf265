// Package broker defines the session abstraction over a publish/subscribe
// broker connection. It is the collaborator boundary of the transport: the
// concrete broker client (its retry, backoff and TLS concerns) lives behind
// the Session interface, and the transport only consumes the lifecycle
// events and pub/sub primitives declared here.
package broker

import (
	"context"
	"errors"
)

// ErrSessionClosed is returned by session operations after Close.
var ErrSessionClosed = errors.New("broker session closed")

// EventKind identifies a session lifecycle or delivery event. The set is
// closed; implementations must not emit kinds outside it.
type EventKind int

const (
	// EventConnect fires when the session establishes (or re-establishes)
	// a usable connection to the broker.
	EventConnect EventKind = iota
	// EventReconnect fires when the session begins a reconnection attempt.
	EventReconnect
	// EventOffline fires when the session gives up on the current
	// connection and has no usable transport.
	EventOffline
	// EventDisconnect fires when the broker drops the connection.
	EventDisconnect
	// EventClose fires when the session is torn down for good.
	EventClose
	// EventError carries a session-level error that did not change the
	// connection state.
	EventError
	// EventMessage carries an inbound message on a subscribed channel.
	EventMessage
)

func (k EventKind) String() string {
	switch k {
	case EventConnect:
		return "connect"
	case EventReconnect:
		return "reconnect"
	case EventOffline:
		return "offline"
	case EventDisconnect:
		return "disconnect"
	case EventClose:
		return "close"
	case EventError:
		return "error"
	case EventMessage:
		return "message"
	}
	return "unknown"
}

// Event is a single occurrence emitted by a session.
type Event struct {
	Kind EventKind
	// Channel is set for EventMessage.
	Channel string
	// Payload is set for EventMessage.
	Payload []byte
	// Properties carries broker-level message metadata for EventMessage,
	// when the broker supports it.
	Properties map[string]string
	// Err is set for EventError, and for EventClose/EventOffline when the
	// session knows why the connection went away.
	Err error
}

// Handler receives events of the kind it was registered for. Handlers for a
// given session are invoked sequentially in registration order; they must
// not block for long.
type Handler func(Event)

// PublishOptions carries transport-only metadata for a single publish.
// Implementations that have no metadata concept ignore it.
type PublishOptions struct {
	Properties map[string]string
}

// Session is a live handle on a broker connection. Implementations own the
// physical connection and all retry/backoff behavior; the transport layered
// on top never retries.
//
// Handlers must be registered before Connect is called so that no lifecycle
// event can fire unobserved.
type Session interface {
	// Connect starts the connection attempt. It returns quickly; progress
	// and outcome are reported through EventConnect, EventOffline and
	// EventClose. An error is returned only for failures detected before
	// any attempt begins.
	Connect(ctx context.Context) error

	// Publish sends payload to channel. It returns once the broker client
	// has accepted the message, or the broker-reported error otherwise.
	Publish(ctx context.Context, channel string, payload []byte, opts PublishOptions) error

	// Subscribe registers interest in channel. Subscribing to a channel
	// that already has a live subscription is a no-op; a session never
	// holds more than one broker subscription per channel.
	Subscribe(ctx context.Context, channel string) error

	// Unsubscribe drops the subscription for channel, if any.
	Unsubscribe(ctx context.Context, channel string) error

	// On registers h for events of the given kind and returns a closure
	// that removes the registration. Removal is idempotent.
	On(kind EventKind, h Handler) (remove func())

	// Close tears down the connection and emits EventClose. Subsequent
	// operations return ErrSessionClosed.
	Close() error
}

// Dialer constructs sessions. Dial only builds the handle; the caller wires
// its event handlers and then calls Session.Connect.
type Dialer interface {
	Dial(ctx context.Context) (Session, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (Session, error)

func (f DialerFunc) Dial(ctx context.Context) (Session, error) { return f(ctx) }
