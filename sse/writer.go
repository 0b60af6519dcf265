package sse

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/replybus/replybus-go/internal/logctx"
)

// Option configures a Writer.
type Option func(*Writer)

// WithLogger sets the slog logger used by the writer. Defaults to
// slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) { w.log = l }
}

// Writer frames values as Server-Sent Events on a sink. Event ids start at
// 1 and increment on every frame, data and error frames alike. A Writer is
// bound to one logical stream and is not safe for concurrent use.
type Writer struct {
	sink   Sink
	log    *slog.Logger
	nextID int64

	// drain holds the single outstanding drain-wait registration. It is
	// nil whenever no wait is pending, so repeated backpressure episodes
	// never stack registrations.
	drain <-chan struct{}
}

// NewWriter creates a Writer on sink.
func NewWriter(sink Sink, opts ...Option) *Writer {
	w := &Writer{sink: sink, log: slog.Default(), nextID: 1}
	for _, opt := range opts {
		opt(w)
	}
	w.log = slog.New(logctx.Handler{Handler: w.log.Handler()})
	return w
}

// WriteData writes one data frame: "id: <n>\ndata: <text>\n\n".
func (w *Writer) WriteData(ctx context.Context, data []byte) error {
	return w.writeFrame(ctx, "", data)
}

// WriteError writes one terminal error frame:
// "event: error\nid: <n>\ndata: <message>\n\n".
func (w *Writer) WriteError(ctx context.Context, message string) error {
	return w.writeFrame(ctx, "error", []byte(message))
}

func (w *Writer) writeFrame(ctx context.Context, event string, data []byte) error {
	id := w.nextID
	w.nextID++

	var buf bytes.Buffer
	if event != "" {
		fmt.Fprintf(&buf, "event: %s\n", event)
	}
	fmt.Fprintf(&buf, "id: %d\n", id)
	buf.WriteString("data: ")
	buf.Write(data)
	buf.WriteString("\n\n")

	frame := buf.Bytes()
	for {
		_, err := w.sink.Write(frame)
		if err == nil {
			break
		}
		if !errors.Is(err, ErrSinkFull) {
			return fmt.Errorf("write frame %d: %w", id, err)
		}
		if err := w.awaitDrain(ctx); err != nil {
			return err
		}
	}
	if f, ok := w.sink.(Flusher); ok {
		f.Flush()
	}
	return nil
}

func (w *Writer) awaitDrain(ctx context.Context) error {
	if w.drain == nil {
		d, ok := w.sink.(Drainer)
		if !ok {
			return ErrSinkFull
		}
		w.drain = d.Drain()
	}
	select {
	case <-w.drain:
		w.drain = nil
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Serve consumes src and frames every emission until the sequence
// completes, the producer errors, or ctx is cancelled by the consumer
// going away. The source and the sink are both released on every exit
// path:
//
//   - producer completion: the sink ends with no extra frame;
//   - producer error: one terminal error frame, then the sink ends;
//   - consumer disconnect: the source is closed and the sink ends.
func (w *Writer) Serve(ctx context.Context, src Stream) error {
	defer func() {
		_ = src.Close()
	}()

	for {
		data, err := src.Recv(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				return w.sink.Close()
			}
			if ctx.Err() != nil {
				w.log.InfoContext(ctx, "sse.stream.cancel")
				_ = w.sink.Close()
				return ctx.Err()
			}
			w.log.WarnContext(ctx, "sse.producer.fail", slog.String("err", err.Error()))
			if werr := w.WriteError(ctx, err.Error()); werr != nil {
				_ = w.sink.Close()
				return werr
			}
			return w.sink.Close()
		}

		ctx := logctx.WithStreamData(ctx, &logctx.StreamData{LastEventID: w.nextID})
		if err := w.WriteData(ctx, data); err != nil {
			w.log.WarnContext(ctx, "sse.write.fail", slog.String("err", err.Error()))
			_ = w.sink.Close()
			return err
		}
	}
}
