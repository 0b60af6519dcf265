// Package brokertest provides a scripted broker.Session fake for unit tests
// and a conformance suite that every real Session implementation should pass.
package brokertest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/replybus/replybus-go/broker"
)

// PublishRecord captures one Publish call observed by the fake session.
type PublishRecord struct {
	Channel string
	Payload []byte
	Options broker.PublishOptions
}

// Session is a scripted in-memory broker.Session. Lifecycle events are
// emitted synchronously, which keeps tests deterministic: Connect emits
// ConnectEvents on the calling goroutine, and tests drive everything else
// through Emit.
type Session struct {
	broker.Emitter

	// ConnectEvents is the event script played by Connect. Defaults to a
	// single EventConnect.
	ConnectEvents []broker.Event
	// ConnectErr, when set, is returned by Connect before any event fires.
	ConnectErr error
	// SubscribeErr, when set, fails every Subscribe call.
	SubscribeErr error
	// PublishErr, when set, fails every Publish call.
	PublishErr error

	mu           sync.Mutex
	subscribed   map[string]int
	unsubscribed map[string]int
	published    []PublishRecord
	dials        int
	closed       bool
}

// NewSession creates a fake session whose Connect immediately reports a
// successful connection.
func NewSession() *Session {
	return &Session{
		ConnectEvents: []broker.Event{{Kind: broker.EventConnect}},
		subscribed:    make(map[string]int),
		unsubscribed:  make(map[string]int),
	}
}

// Dial implements broker.Dialer, handing out the same session every time
// and counting calls.
func (s *Session) Dial(ctx context.Context) (broker.Session, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s.mu.Lock()
	s.dials++
	// Handing the session out again reopens it, so tests can exercise a
	// close-then-reconnect cycle against one fake.
	s.closed = false
	s.mu.Unlock()
	return s, nil
}

// Dials reports how many times Dial was called.
func (s *Session) Dials() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dials
}

// Connect implements broker.Session by playing ConnectEvents.
func (s *Session) Connect(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	if s.ConnectErr != nil {
		return s.ConnectErr
	}
	for _, ev := range s.ConnectEvents {
		s.Emit(ev)
	}
	return nil
}

// Publish implements broker.Session, recording the call.
func (s *Session) Publish(ctx context.Context, channel string, payload []byte, opts broker.PublishOptions) error {
	if s.PublishErr != nil {
		return s.PublishErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return broker.ErrSessionClosed
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.published = append(s.published, PublishRecord{Channel: channel, Payload: buf, Options: opts})
	return nil
}

// Subscribe implements broker.Session, counting calls per channel.
func (s *Session) Subscribe(ctx context.Context, channel string) error {
	if s.SubscribeErr != nil {
		return s.SubscribeErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return broker.ErrSessionClosed
	}
	s.subscribed[channel]++
	return nil
}

// Unsubscribe implements broker.Session, counting calls per channel.
func (s *Session) Unsubscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return broker.ErrSessionClosed
	}
	s.unsubscribed[channel]++
	return nil
}

// Close implements broker.Session.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	s.Emit(broker.Event{Kind: broker.EventClose})
	return nil
}

// Published returns a copy of all recorded publishes.
func (s *Session) Published() []PublishRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]PublishRecord, len(s.published))
	copy(out, s.published)
	return out
}

// SubscribeCount reports how many Subscribe calls were made for channel.
func (s *Session) SubscribeCount(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.subscribed[channel]
}

// UnsubscribeCount reports how many Unsubscribe calls were made for channel.
func (s *Session) UnsubscribeCount(channel string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unsubscribed[channel]
}

// EmitMessage delivers an inbound message event, as the broker would on a
// subscribed channel.
func (s *Session) EmitMessage(channel string, payload []byte) {
	s.Emit(broker.Event{Kind: broker.EventMessage, Channel: channel, Payload: payload})
}

var _ broker.Session = (*Session)(nil)
var _ broker.Dialer = (*Session)(nil)

// SessionFactory creates a connected session pair for conformance testing:
// two sessions against the same broker, so a publish from one is observable
// on the other.
type SessionFactory func(t *testing.T) (a, b broker.Session)

// RunSessionTests runs the Session conformance suite against the factory.
func RunSessionTests(t *testing.T, factory SessionFactory) {
	t.Run("ConnectEmitsConnectEvent", func(t *testing.T) {
		testConnectEmitsConnectEvent(t, factory)
	})
	t.Run("SubscribeDelivers", func(t *testing.T) {
		testSubscribeDelivers(t, factory)
	})
	t.Run("UnsubscribeStopsDelivery", func(t *testing.T) {
		testUnsubscribeStopsDelivery(t, factory)
	})
	t.Run("SubscribeIsIdempotent", func(t *testing.T) {
		testSubscribeIsIdempotent(t, factory)
	})
	t.Run("CloseEmitsCloseEvent", func(t *testing.T) {
		testCloseEmitsCloseEvent(t, factory)
	})
	t.Run("OperationsAfterCloseFail", func(t *testing.T) {
		testOperationsAfterCloseFail(t, factory)
	})
}

// settle gives a real broker time to register a subscription change
// server-side before the suite publishes against it.
func settle() {
	time.Sleep(100 * time.Millisecond)
}

func awaitEvent(t *testing.T, ch <-chan broker.Event, what string) broker.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
		return broker.Event{}
	}
}

func connect(t *testing.T, s broker.Session) {
	t.Helper()
	connected := make(chan broker.Event, 1)
	remove := s.On(broker.EventConnect, func(ev broker.Event) {
		select {
		case connected <- ev:
		default:
		}
	})
	defer remove()
	if err := s.Connect(context.Background()); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	awaitEvent(t, connected, "connect event")
}

func testConnectEmitsConnectEvent(t *testing.T, factory SessionFactory) {
	a, _ := factory(t)
	connect(t, a)
}

func testSubscribeDelivers(t *testing.T, factory SessionFactory) {
	a, b := factory(t)
	messages := make(chan broker.Event, 16)
	a.On(broker.EventMessage, func(ev broker.Event) { messages <- ev })
	connect(t, a)
	connect(t, b)

	ctx := context.Background()
	if err := a.Subscribe(ctx, "orders"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	settle()
	if err := b.Publish(ctx, "orders", []byte("hello"), broker.PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ev := awaitEvent(t, messages, "message event")
	if ev.Channel != "orders" {
		t.Fatalf("expected channel %q, got %q", "orders", ev.Channel)
	}
	if string(ev.Payload) != "hello" {
		t.Fatalf("expected payload %q, got %q", "hello", ev.Payload)
	}
}

func testUnsubscribeStopsDelivery(t *testing.T, factory SessionFactory) {
	a, b := factory(t)
	messages := make(chan broker.Event, 16)
	a.On(broker.EventMessage, func(ev broker.Event) { messages <- ev })
	connect(t, a)
	connect(t, b)

	ctx := context.Background()
	if err := a.Subscribe(ctx, "orders"); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if err := a.Unsubscribe(ctx, "orders"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	settle()
	if err := b.Publish(ctx, "orders", []byte("late"), broker.PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case ev := <-messages:
		t.Fatalf("unexpected delivery after unsubscribe: %q on %q", ev.Payload, ev.Channel)
	case <-time.After(100 * time.Millisecond):
	}
}

func testSubscribeIsIdempotent(t *testing.T, factory SessionFactory) {
	a, b := factory(t)
	messages := make(chan broker.Event, 16)
	a.On(broker.EventMessage, func(ev broker.Event) { messages <- ev })
	connect(t, a)
	connect(t, b)

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if err := a.Subscribe(ctx, "orders"); err != nil {
			t.Fatalf("Subscribe %d failed: %v", i, err)
		}
	}
	settle()
	if err := b.Publish(ctx, "orders", []byte("once"), broker.PublishOptions{}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	awaitEvent(t, messages, "message event")
	select {
	case ev := <-messages:
		t.Fatalf("duplicate delivery after repeated subscribe: %q", ev.Payload)
	case <-time.After(100 * time.Millisecond):
	}
}

func testCloseEmitsCloseEvent(t *testing.T, factory SessionFactory) {
	a, _ := factory(t)
	closed := make(chan broker.Event, 1)
	a.On(broker.EventClose, func(ev broker.Event) {
		select {
		case closed <- ev:
		default:
		}
	})
	connect(t, a)
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	awaitEvent(t, closed, "close event")
}

func testOperationsAfterCloseFail(t *testing.T, factory SessionFactory) {
	a, _ := factory(t)
	connect(t, a)
	if err := a.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	ctx := context.Background()
	ops := map[string]func() error{
		"Publish":     func() error { return a.Publish(ctx, "c", nil, broker.PublishOptions{}) },
		"Subscribe":   func() error { return a.Subscribe(ctx, "c") },
		"Unsubscribe": func() error { return a.Unsubscribe(ctx, "c") },
	}
	for name, op := range ops {
		if err := op(); err == nil {
			t.Fatalf("%s after Close should fail", name)
		}
	}
}
