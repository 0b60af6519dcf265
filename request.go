package replybus

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/replybus/replybus-go/broker"
	"github.com/replybus/replybus-go/codec"
	"github.com/replybus/replybus-go/internal/logctx"
)

// replySuffix derives a reply channel from a request pattern.
const replySuffix = "/reply"

// Response is one delivery to a request callback. IsDisposed marks the
// terminal delivery: no further responses follow it for that request.
type Response struct {
	// Err is set when the responder reported an error, or when the
	// request failed locally (serialization, subscription, publish).
	Err error
	// Data is the response payload, still encoded.
	Data json.RawMessage
	// IsDisposed is true on the terminal delivery.
	IsDisposed bool
}

// Callback receives request responses. It is invoked from the session's
// delivery goroutine and must not block for long.
type Callback func(Response)

// RemoteError is an error reported by the responder inside the wire
// envelope.
type RemoteError struct {
	Message string
}

func (e *RemoteError) Error() string { return e.Message }

func normalizePattern(pattern string) string {
	return strings.TrimSpace(pattern)
}

// channelLedger serializes the subscription decision for one reply channel.
// mu is held across the broker round-trip so the refcount and the live
// subscription can never disagree: subscribe happens iff the count moves
// 0→1, unsubscribe iff it returns to 0.
type channelLedger struct {
	mu   sync.Mutex
	refs int
}

func (c *Client) ledgerFor(channel string) *channelLedger {
	c.mu.Lock()
	defer c.mu.Unlock()
	led := c.ledger[channel]
	if led == nil {
		led = &channelLedger{}
		c.ledger[channel] = led
	}
	return led
}

// ReplyChannel returns the reply channel derived from a request pattern.
func ReplyChannel(pattern string) string {
	return normalizePattern(pattern) + replySuffix
}

// Publish sends a request and routes its responses to cb. Any failure on
// the way out (no session, serialization, subscribe, publish) is delivered
// synchronously to cb as a terminal error, never thrown elsewhere, and
// leaves no subscription state behind.
//
// The returned teardown retires the request: it removes the routing entry
// and releases the reply channel subscription once no other request needs
// it. Calling it more than once, or after the request completed, is safe.
func (c *Client) Publish(ctx context.Context, p *codec.Packet, cb Callback) func() {
	noop := func() {}

	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		cb(Response{Err: ErrNotConnected, IsDisposed: true})
		return noop
	}

	pattern := normalizePattern(p.Pattern)
	replyChannel := pattern + replySuffix
	id := uuid.NewString()

	ctx = logctx.WithRequestData(ctx, &logctx.RequestData{
		RequestID: id,
		Pattern:   pattern,
		Channel:   replyChannel,
	})

	body, err := c.codec.Marshal(&codec.Packet{ID: id, Pattern: pattern, Data: p.Data})
	if err != nil {
		c.log.WarnContext(ctx, "request.encode.fail", slog.String("err", err.Error()))
		cb(Response{Err: err, IsDisposed: true})
		return noop
	}

	led := c.ledgerFor(replyChannel)

	// The ledger lock stays held across the broker round-trip: concurrent
	// requests on one pattern settle into a single decision order, and only
	// a confirmed subscribe may grow the count. A failure here must not
	// leave a half-registered request behind.
	led.mu.Lock()
	if led.refs <= 0 {
		if err := sess.Subscribe(ctx, replyChannel); err != nil {
			led.mu.Unlock()
			c.log.WarnContext(ctx, "reply.subscribe.fail", slog.String("err", err.Error()))
			cb(Response{Err: err, IsDisposed: true})
			return noop
		}
	}
	led.refs++
	led.mu.Unlock()

	c.mu.Lock()
	c.routing[id] = &routeEntry{cb: cb}
	c.mu.Unlock()

	teardown := c.newTeardown(id, replyChannel, led)

	var opts broker.PublishOptions
	if p.Options != nil {
		opts.Properties = p.Options.Properties
	}
	if err := sess.Publish(ctx, pattern, body, opts); err != nil {
		teardown()
		c.log.WarnContext(ctx, "request.publish.fail", slog.String("err", err.Error()))
		cb(Response{Err: err, IsDisposed: true})
		return noop
	}

	c.log.DebugContext(ctx, "request.publish.ok")
	return teardown
}

func (c *Client) newTeardown(id, replyChannel string, led *channelLedger) func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			delete(c.routing, id)
			sess := c.sess
			c.mu.Unlock()

			led.mu.Lock()
			defer led.mu.Unlock()
			led.refs--
			if led.refs > 0 {
				return
			}
			led.refs = 0
			if sess == nil {
				return
			}
			if err := sess.Unsubscribe(context.Background(), replyChannel); err != nil {
				c.log.Warn("reply.unsubscribe.fail",
					slog.String("channel", replyChannel),
					slog.String("err", err.Error()))
			}
		})
	}
}

// DispatchEvent publishes a one-way event to the pattern channel. There is
// no reply subscription and no routing entry; the call settles with the
// broker's acceptance of the publish. No retry happens at this layer.
func (c *Client) DispatchEvent(ctx context.Context, p *codec.Packet) error {
	c.mu.Lock()
	sess := c.sess
	c.mu.Unlock()
	if sess == nil {
		return ErrNotConnected
	}

	pattern := normalizePattern(p.Pattern)
	body, err := c.codec.Marshal(&codec.Packet{Pattern: pattern, Data: p.Data})
	if err != nil {
		return err
	}

	var opts broker.PublishOptions
	if p.Options != nil {
		opts.Properties = p.Options.Properties
	}
	return sess.Publish(ctx, pattern, body, opts)
}

// handleMessage dispatches an inbound message to the pending caller it
// correlates with. Messages for unknown or already-retired ids are dropped:
// late duplicates are legitimate under at-least-once delivery.
func (c *Client) handleMessage(ev broker.Event) {
	env, err := c.codec.Unmarshal(ev.Payload)
	if err != nil {
		c.log.Warn("envelope.decode.fail",
			slog.String("channel", ev.Channel),
			slog.String("err", err.Error()))
		return
	}
	if env.ID == "" {
		return
	}

	c.mu.Lock()
	entry, ok := c.routing[env.ID]
	if !ok || entry.disposed {
		c.mu.Unlock()
		if !ok {
			c.log.Debug("correlate.miss", slog.String("id", env.ID))
		}
		return
	}
	terminal := env.Terminal()
	if terminal {
		// The entry stays in the map until the caller's teardown runs,
		// but nothing may be delivered for this id after the terminal
		// response.
		entry.disposed = true
	}
	cb := entry.cb
	c.mu.Unlock()

	if terminal {
		var rerr error
		if env.Err != "" {
			rerr = &RemoteError{Message: env.Err}
		}
		cb(Response{Err: rerr, Data: env.Response, IsDisposed: true})
		return
	}
	cb(Response{Data: env.Response})
}
