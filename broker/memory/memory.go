// Package memory provides an in-process implementation of the broker.Session
// interface using Go channels for delivery. A Hub plays the role of the
// broker; every session dialed from the same hub sees the others' publishes.
// It is suitable for single-process deployments and testing.
package memory

import (
	"context"
	"sync"

	"github.com/replybus/replybus-go/broker"
)

// Hub is an in-process pub/sub broker. It fans each published message out to
// every session holding a subscription on the message's channel. Per-channel
// delivery order follows publish order.
type Hub struct {
	mu       sync.Mutex
	sessions map[*Session]struct{}
	topics   map[string]map[*Session]struct{}
}

// NewHub creates an empty hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[*Session]struct{}),
		topics:   make(map[string]map[*Session]struct{}),
	}
}

// Dial implements broker.Dialer. The returned session is idle until Connect
// is called.
func (h *Hub) Dial(ctx context.Context) (broker.Session, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	s := &Session{
		hub:    h,
		events: make(chan broker.Event, 128),
		done:   make(chan struct{}),
	}
	h.mu.Lock()
	h.sessions[s] = struct{}{}
	h.mu.Unlock()
	return s, nil
}

func (h *Hub) publish(from *Session, channel string, payload []byte, opts broker.PublishOptions) {
	h.mu.Lock()
	targets := make([]*Session, 0, len(h.topics[channel]))
	for s := range h.topics[channel] {
		targets = append(targets, s)
	}
	h.mu.Unlock()

	ev := broker.Event{
		Kind:       broker.EventMessage,
		Channel:    channel,
		Payload:    payload,
		Properties: opts.Properties,
	}
	for _, s := range targets {
		s.deliver(ev)
	}
}

func (h *Hub) subscribe(s *Session, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[channel]
	if subs == nil {
		subs = make(map[*Session]struct{})
		h.topics[channel] = subs
	}
	subs[s] = struct{}{}
}

func (h *Hub) unsubscribe(s *Session, channel string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	subs := h.topics[channel]
	delete(subs, s)
	if len(subs) == 0 {
		delete(h.topics, channel)
	}
}

func (h *Hub) drop(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
	for channel, subs := range h.topics {
		delete(subs, s)
		if len(subs) == 0 {
			delete(h.topics, channel)
		}
	}
}

// Session is a hub-backed broker session. Events are delivered from a single
// pump goroutine, so handlers observe them in order.
type Session struct {
	broker.Emitter

	hub    *Hub
	events chan broker.Event
	done   chan struct{}

	mu        sync.Mutex
	started   bool
	closed    bool
	closeOnce sync.Once
}

// Connect starts the delivery pump and emits EventConnect.
func (s *Session) Connect(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return broker.ErrSessionClosed
	}
	if s.started {
		s.mu.Unlock()
		return nil
	}
	s.started = true
	s.mu.Unlock()

	go s.pump()
	s.deliver(broker.Event{Kind: broker.EventConnect})
	return nil
}

func (s *Session) pump() {
	for {
		select {
		case ev := <-s.events:
			s.Emit(ev)
		case <-s.done:
			// Drain anything already queued so close observes a quiet pump.
			for {
				select {
				case ev := <-s.events:
					s.Emit(ev)
				default:
					s.Emit(broker.Event{Kind: broker.EventClose})
					return
				}
			}
		}
	}
}

func (s *Session) deliver(ev broker.Event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Publish implements broker.Session.
func (s *Session) Publish(ctx context.Context, channel string, payload []byte, opts broker.PublishOptions) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return broker.ErrSessionClosed
	}
	buf := make([]byte, len(payload))
	copy(buf, payload)
	s.hub.publish(s, channel, buf, opts)
	return nil
}

// Subscribe implements broker.Session. Subscribing twice is a no-op.
func (s *Session) Subscribe(ctx context.Context, channel string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return broker.ErrSessionClosed
	}
	s.hub.subscribe(s, channel)
	return nil
}

// Unsubscribe implements broker.Session.
func (s *Session) Unsubscribe(ctx context.Context, channel string) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return broker.ErrSessionClosed
	}
	s.hub.unsubscribe(s, channel)
	return nil
}

// Close implements broker.Session. It detaches the session from the hub and
// emits EventClose.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		started := s.started
		s.mu.Unlock()
		s.hub.drop(s)
		if started {
			close(s.done)
		} else {
			// Pump never ran; emit directly so listeners still observe it.
			s.Emit(broker.Event{Kind: broker.EventClose})
		}
	})
	return nil
}

// SimulateOutage emits EventOffline, as a real broker client would after
// exhausting its reconnection budget. Test hook.
func (s *Session) SimulateOutage() {
	s.deliver(broker.Event{Kind: broker.EventOffline})
}

// SimulateRecovery emits EventReconnect followed by EventConnect, mimicking
// a broker client re-establishing its connection. Test hook.
func (s *Session) SimulateRecovery() {
	s.deliver(broker.Event{Kind: broker.EventReconnect})
	s.deliver(broker.Event{Kind: broker.EventConnect})
}

// Compile-time interface checks
var (
	_ broker.Session = (*Session)(nil)
	_ broker.Dialer  = (*Hub)(nil)
)
