// Package respond adapts producer results onto HTTP responses. A plain
// value or a future renders as one buffered JSON body; a push-sequence
// (sse.Stream) renders as server-push events. The choice is made from the
// result shape and the request's Accept header.
package respond

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"

	"github.com/elnormous/contenttype"

	"github.com/replybus/replybus-go/sse"
)

var (
	jsonMediaType         = contenttype.NewMediaType("application/json")
	eventStreamMediaType  = contenttype.NewMediaType("text/event-stream")
	eventStreamMediaTypes = []contenttype.MediaType{eventStreamMediaType}
)

var errResponseClosed = errors.New("respond: response closed")

// Future is a deferred single result, resolved before buffering.
type Future func(ctx context.Context) (any, error)

// Interceptor transforms the raw push-sequence before framing. When it
// fails, nothing is written and the underlying sequence's producer is never
// consumed.
type Interceptor func(sse.Stream) (sse.Stream, error)

// Option configures event-stream rendering.
type Option func(*config)

type config struct {
	interceptor Interceptor
	writerOpts  []sse.Option
}

// WithInterceptor installs a stream interceptor.
func WithInterceptor(ic Interceptor) Option {
	return func(c *config) { c.interceptor = ic }
}

// WithWriterOptions forwards options to the underlying sse.Writer.
func WithWriterOptions(opts ...sse.Option) Option {
	return func(c *config) { c.writerOpts = append(c.writerOpts, opts...) }
}

// EventStream frames result onto sink as server-sent events. The result
// must be a push-sequence; anything else fails with sse.ErrNotStream before
// any byte is written.
func EventStream(ctx context.Context, sink sse.Sink, result any, opts ...Option) error {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	src, err := intercepted(result, cfg)
	if err != nil {
		return err
	}
	return sse.NewWriter(sink, cfg.writerOpts...).Serve(ctx, src)
}

func intercepted(result any, cfg *config) (sse.Stream, error) {
	src, ok := result.(sse.Stream)
	if !ok {
		return nil, fmt.Errorf("%w (got %T)", sse.ErrNotStream, result)
	}
	if cfg.interceptor != nil {
		wrapped, err := cfg.interceptor(src)
		if err != nil {
			return nil, fmt.Errorf("intercept stream: %w", err)
		}
		src = wrapped
	}
	return src, nil
}

// JSON buffers result and writes it as a single JSON body. Nothing is
// written when marshaling fails.
func JSON(w http.ResponseWriter, status int, result any) error {
	body, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_, err = w.Write(body)
	return err
}

// Write renders result on w, choosing the response mode from its shape:
// an sse.Stream becomes an event stream, a Future is resolved and
// buffered, anything else is buffered as JSON directly.
func Write(w http.ResponseWriter, r *http.Request, result any, opts ...Option) error {
	if _, ok := result.(sse.Stream); ok {
		return writeEventStream(w, r, result, opts...)
	}

	if f, ok := asFuture(result); ok {
		resolved, err := f(r.Context())
		if err != nil {
			writeJSONError(w, http.StatusInternalServerError, err.Error())
			return err
		}
		result = resolved
	}
	return JSON(w, http.StatusOK, result)
}

// asFuture matches both the named Future type and its raw signature.
func asFuture(result any) (Future, bool) {
	switch f := result.(type) {
	case Future:
		return f, true
	case func(context.Context) (any, error):
		return f, true
	}
	return nil, false
}

func writeEventStream(w http.ResponseWriter, r *http.Request, result any, opts ...Option) error {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	// Interception runs before any header or byte goes out.
	src, err := intercepted(result, cfg)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, err.Error())
		return err
	}

	if acc := r.Header.Get("Accept"); acc != "" {
		if _, _, err := contenttype.GetAcceptableMediaType(r, eventStreamMediaTypes); err != nil {
			writeJSONError(w, http.StatusNotAcceptable, "response requires accepting text/event-stream")
			return fmt.Errorf("negotiate event stream: %w", err)
		}
	}

	f, ok := w.(http.Flusher)
	if !ok {
		writeJSONError(w, http.StatusInternalServerError, "streaming unsupported")
		return errors.New("response writer does not support flushing")
	}

	w.Header().Set("Content-Type", eventStreamMediaType.String())
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	f.Flush()

	sink := &responseSink{w: w, f: f, ctx: r.Context()}
	return sse.NewWriter(sink, cfg.writerOpts...).Serve(r.Context(), src)
}

// writeJSONError emits a minimal JSON error body for rejections that happen
// before any response mode was committed.
func writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.Header().Set("Content-Type", jsonMediaType.String())
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": map[string]any{"code": status, "message": msg}})
}

// responseSink wraps an http.ResponseWriter + http.Flusher with a mutex and
// the request context. It serializes writes/flushes and refuses to write
// after the consumer went away.
type responseSink struct {
	mu     sync.Mutex
	w      http.ResponseWriter
	f      http.Flusher
	ctx    context.Context
	closed bool
}

func (s *responseSink) Write(p []byte) (int, error) {
	if s.ctx.Err() != nil {
		return 0, s.ctx.Err()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errResponseClosed
	}
	// Re-check after acquiring the lock to minimize races with cancellation.
	if s.ctx.Err() != nil {
		return 0, s.ctx.Err()
	}
	return s.w.Write(p)
}

func (s *responseSink) Flush() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed || s.ctx.Err() != nil {
		return
	}
	s.f.Flush()
}

// Close marks the sink finished. The HTTP server ends the response when the
// handler returns.
func (s *responseSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var _ sse.Sink = (*responseSink)(nil)
var _ sse.Flusher = (*responseSink)(nil)
