// Package sse converts a push-sequence of values into Server-Sent Events
// text framing over a byte sink. It owns the monotonic event id counter,
// terminal error frames, slow-consumer backpressure and teardown on
// consumer disconnect.
package sse

import (
	"context"
	"errors"
	"io"
	"sync"
)

var (
	// ErrNotStream reports that a value offered as a streaming response is
	// not a push-sequence. It is raised before any byte is written.
	ErrNotStream = errors.New("sse: response is not an event stream")
	// ErrSinkFull is returned by a Sink whose buffer cannot accept the
	// write right now. The writer waits for the sink's drain signal before
	// retrying.
	ErrSinkFull = errors.New("sse: sink buffer full")
	// ErrStreamClosed is returned by Pipe.Send after the consumer closed
	// the stream.
	ErrStreamClosed = errors.New("sse: stream closed by consumer")
)

// Stream is a push-sequence of values: it emits byte payloads over time
// until it completes, errors, or is closed by the consumer.
type Stream interface {
	// Recv blocks until the next value is available. It returns io.EOF
	// when the sequence completed cleanly and the producer's error when
	// it failed.
	Recv(ctx context.Context) ([]byte, error)

	// Close releases the consumer's interest in the sequence. It must be
	// safe to call after the sequence already completed, and more than
	// once.
	Close() error
}

// Sink is the byte sink frames are written to. A sink with bounded
// buffering may reject a write with ErrSinkFull; such sinks should also
// implement Drainer so the writer can wait instead of spinning. Writes are
// all-or-nothing: a sink must not report ErrSinkFull after a partial write.
type Sink interface {
	io.Writer
	Close() error
}

// Flusher is implemented by sinks that buffer internally; the writer
// flushes after each complete frame.
type Flusher interface {
	Flush()
}

// Drainer is implemented by sinks that can signal writability after
// returning ErrSinkFull. The returned channel delivers (or is closed) once
// the sink can accept more data.
type Drainer interface {
	Drain() <-chan struct{}
}

// Pipe is a channel-backed Stream for in-process producers. The producer
// side calls Send and then CloseSend or Abort; the consumer side is the
// Stream passed to a Writer.
type Pipe struct {
	ch   chan []byte
	done chan struct{}

	err       error
	sendOnce  sync.Once
	closeOnce sync.Once
}

// NewPipe creates a pipe whose producer side may buffer up to buffer values
// ahead of the consumer.
func NewPipe(buffer int) *Pipe {
	return &Pipe{
		ch:   make(chan []byte, buffer),
		done: make(chan struct{}),
	}
}

// Send hands one value to the consumer. It fails with ErrStreamClosed once
// the consumer has closed the stream.
func (p *Pipe) Send(ctx context.Context, data []byte) error {
	select {
	case <-p.done:
		return ErrStreamClosed
	default:
	}
	select {
	case p.ch <- data:
		return nil
	case <-p.done:
		return ErrStreamClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// CloseSend completes the sequence. The consumer observes io.EOF once all
// buffered values are drained.
func (p *Pipe) CloseSend() {
	p.sendOnce.Do(func() { close(p.ch) })
}

// Abort fails the sequence with err. The consumer observes err once all
// buffered values are drained.
func (p *Pipe) Abort(err error) {
	p.sendOnce.Do(func() {
		p.err = err
		close(p.ch)
	})
}

// Recv implements Stream.
func (p *Pipe) Recv(ctx context.Context) ([]byte, error) {
	select {
	case data, ok := <-p.ch:
		if !ok {
			if p.err != nil {
				return nil, p.err
			}
			return nil, io.EOF
		}
		return data, nil
	case <-p.done:
		return nil, ErrStreamClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close implements Stream. It is idempotent and safe after completion.
func (p *Pipe) Close() error {
	p.closeOnce.Do(func() { close(p.done) })
	return nil
}

var _ Stream = (*Pipe)(nil)
