// Package redis implements broker.Session over Redis Pub/Sub using
// go-redis. Reconnection, backoff and resubscription are owned by go-redis;
// this package translates its connection lifecycle into broker events.
package redis

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/replybus/replybus-go/broker"
)

// Config contains configuration options for the Redis session.
type Config struct {
	// Client is the Redis client to use. If nil, a client is created from
	// Addr.
	Client redis.UniversalClient
	// Addr is the Redis address used when Client is nil. Defaults to
	// "localhost:6379".
	Addr string
	// ChannelPrefix is prepended to every Pub/Sub channel name. Empty by
	// default.
	ChannelPrefix string
	// Logger receives session-level logs. Defaults to slog.Default().
	Logger *slog.Logger
}

// Dialer implements broker.Dialer for Redis-backed sessions.
type Dialer struct {
	Config Config
}

// Dial implements broker.Dialer.
func (d *Dialer) Dial(ctx context.Context) (broker.Session, error) {
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}

	client := d.Config.Client
	ownsClient := false
	if client == nil {
		addr := d.Config.Addr
		if addr == "" {
			addr = "localhost:6379"
		}
		client = redis.NewClient(&redis.Options{Addr: addr})
		ownsClient = true
	}

	log := d.Config.Logger
	if log == nil {
		log = slog.Default()
	}

	return &Session{
		client:     client,
		ownsClient: ownsClient,
		prefix:     d.Config.ChannelPrefix,
		log:        log,
		done:       make(chan struct{}),
	}, nil
}

// Session is a Redis Pub/Sub backed broker session.
//
// Redis Pub/Sub carries no per-message metadata, so PublishOptions
// properties are silently dropped on publish.
type Session struct {
	broker.Emitter

	client     redis.UniversalClient
	ownsClient bool
	prefix     string
	log        *slog.Logger
	done       chan struct{}

	mu        sync.Mutex
	pubsub    *redis.PubSub
	subs      map[string]struct{}
	degraded  bool
	closed    bool
	closeOnce sync.Once
}

// Connect pings the server and starts the receive loop. The initial
// EventConnect (or EventOffline on ping failure) is emitted from the loop
// goroutine.
func (s *Session) Connect(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return broker.ErrSessionClosed
	}
	if s.pubsub != nil {
		s.mu.Unlock()
		return nil
	}
	s.pubsub = s.client.Subscribe(context.WithoutCancel(ctx))
	s.subs = make(map[string]struct{})
	ps := s.pubsub
	s.mu.Unlock()

	go s.run(ps)
	return nil
}

func (s *Session) run(ps *redis.PubSub) {
	ctx := context.Background()

	if err := s.client.Ping(ctx).Err(); err != nil {
		s.log.Warn("redis.connect.fail", slog.String("err", err.Error()))
		s.Emit(broker.Event{Kind: broker.EventOffline, Err: err})
	} else {
		s.Emit(broker.Event{Kind: broker.EventConnect})
	}

	for {
		msg, err := ps.Receive(ctx)
		if err != nil {
			select {
			case <-s.done:
				s.Emit(broker.Event{Kind: broker.EventClose})
				return
			default:
			}
			s.mu.Lock()
			first := !s.degraded
			s.degraded = true
			s.mu.Unlock()
			if first {
				s.log.Warn("redis.receive.fail", slog.String("err", err.Error()))
				s.Emit(broker.Event{Kind: broker.EventDisconnect, Err: err})
				s.Emit(broker.Event{Kind: broker.EventReconnect})
			}
			// go-redis re-dials and resubscribes on the next Receive.
			continue
		}

		s.mu.Lock()
		recovered := s.degraded
		s.degraded = false
		s.mu.Unlock()
		if recovered {
			s.Emit(broker.Event{Kind: broker.EventConnect})
		}

		switch m := msg.(type) {
		case *redis.Message:
			s.Emit(broker.Event{
				Kind:    broker.EventMessage,
				Channel: s.trim(m.Channel),
				Payload: []byte(m.Payload),
			})
		case *redis.Subscription:
			// Subscription confirmations carry no payload to surface.
		case *redis.Pong:
		default:
			s.Emit(broker.Event{Kind: broker.EventError, Err: fmt.Errorf("unexpected pubsub message %T", msg)})
		}
	}
}

// Publish implements broker.Session.
func (s *Session) Publish(ctx context.Context, channel string, payload []byte, _ broker.PublishOptions) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return broker.ErrSessionClosed
	}
	if err := s.client.Publish(ctx, s.prefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("publish to %q: %w", channel, err)
	}
	return nil
}

// Subscribe implements broker.Session. Subscribing twice is a no-op.
func (s *Session) Subscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return broker.ErrSessionClosed
	}
	if s.pubsub == nil {
		return fmt.Errorf("subscribe to %q: session not connected", channel)
	}
	if _, ok := s.subs[channel]; ok {
		return nil
	}
	if err := s.pubsub.Subscribe(ctx, s.prefix+channel); err != nil {
		return fmt.Errorf("subscribe to %q: %w", channel, err)
	}
	s.subs[channel] = struct{}{}
	return nil
}

// Unsubscribe implements broker.Session.
func (s *Session) Unsubscribe(ctx context.Context, channel string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return broker.ErrSessionClosed
	}
	if s.pubsub == nil {
		return nil
	}
	if _, ok := s.subs[channel]; !ok {
		return nil
	}
	delete(s.subs, channel)
	if err := s.pubsub.Unsubscribe(ctx, s.prefix+channel); err != nil {
		return fmt.Errorf("unsubscribe from %q: %w", channel, err)
	}
	return nil
}

// Close implements broker.Session.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		ps := s.pubsub
		s.mu.Unlock()

		close(s.done)
		if ps != nil {
			err = ps.Close()
		} else {
			// The receive loop never ran; emit close directly.
			s.Emit(broker.Event{Kind: broker.EventClose})
		}
		if s.ownsClient {
			if cerr := s.client.Close(); err == nil {
				err = cerr
			}
		}
	})
	return err
}

func (s *Session) trim(channel string) string {
	if s.prefix != "" && len(channel) > len(s.prefix) && channel[:len(s.prefix)] == s.prefix {
		return channel[len(s.prefix):]
	}
	return channel
}

// Compile-time interface checks
var (
	_ broker.Session = (*Session)(nil)
	_ broker.Dialer  = (*Dialer)(nil)
)
