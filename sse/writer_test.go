package sse

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// bufferSink collects frames in memory and records whether it was closed.
type bufferSink struct {
	bytes.Buffer
	closed bool
}

func (s *bufferSink) Close() error {
	s.closed = true
	return nil
}

func TestServeFramesEmissionsInOrder(t *testing.T) {
	p := NewPipe(4)
	ctx := context.Background()
	if err := p.Send(ctx, []byte("a")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if err := p.Send(ctx, []byte("b")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	p.CloseSend()

	sink := &bufferSink{}
	if err := NewWriter(sink).Serve(ctx, p); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	want := "id: 1\ndata: a\n\nid: 2\ndata: b\n\n"
	if got := sink.String(); got != want {
		t.Fatalf("unexpected frames:\n got %q\nwant %q", got, want)
	}
	if !sink.closed {
		t.Fatal("sink must end on completion")
	}
}

func TestServeWritesTerminalErrorFrame(t *testing.T) {
	p := NewPipe(1)
	p.Abort(errors.New("boom"))

	sink := &bufferSink{}
	if err := NewWriter(sink).Serve(context.Background(), p); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	want := "event: error\nid: 1\ndata: boom\n\n"
	if got := sink.String(); got != want {
		t.Fatalf("unexpected frames:\n got %q\nwant %q", got, want)
	}
	if !sink.closed {
		t.Fatal("sink must end after the error frame")
	}
}

func TestErrorFrameSharesIDCounter(t *testing.T) {
	p := NewPipe(2)
	ctx := context.Background()
	if err := p.Send(ctx, []byte("a")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	p.Abort(errors.New("late failure"))

	sink := &bufferSink{}
	if err := NewWriter(sink).Serve(ctx, p); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	want := "id: 1\ndata: a\n\nevent: error\nid: 2\ndata: late failure\n\n"
	if got := sink.String(); got != want {
		t.Fatalf("unexpected frames:\n got %q\nwant %q", got, want)
	}
}

func TestConsumerDisconnectReleasesProducer(t *testing.T) {
	p := NewPipe(1)
	sink := &bufferSink{}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan error, 1)
	go func() {
		served <- NewWriter(sink).Serve(ctx, p)
	}()

	cancel()
	select {
	case err := <-served:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve did not return after consumer disconnect")
	}

	if !sink.closed {
		t.Fatal("sink must end on consumer disconnect")
	}
	if err := p.Send(context.Background(), []byte("x")); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("producer must observe the closed stream, got %v", err)
	}
}

func TestServeToleratesCompletedStreamOnDisconnect(t *testing.T) {
	p := NewPipe(1)
	p.CloseSend()

	sink := &bufferSink{}
	if err := NewWriter(sink).Serve(context.Background(), p); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}
	// Closing again, as a disconnect handler would, must not fail.
	if err := p.Close(); err != nil {
		t.Fatalf("Close after completion failed: %v", err)
	}
	if err := p.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}
}

// chokeSink rejects every other write and counts outstanding drain
// registrations.
type chokeSink struct {
	bufferSink

	mu            sync.Mutex
	full          bool
	outstanding   int
	maxConcurrent int
	registrations int
}

func (s *chokeSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.full {
		s.full = true
		return 0, ErrSinkFull
	}
	s.full = false
	return s.bufferSink.Write(p)
}

func (s *chokeSink) Drain() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.registrations++
	s.outstanding++
	if s.outstanding > s.maxConcurrent {
		s.maxConcurrent = s.outstanding
	}
	ch := make(chan struct{})
	go func() {
		s.mu.Lock()
		s.outstanding--
		s.mu.Unlock()
		close(ch)
	}()
	return ch
}

func TestBackpressureReusesOneDrainRegistration(t *testing.T) {
	p := NewPipe(8)
	ctx := context.Background()
	for _, v := range []string{"a", "b", "c", "d"} {
		if err := p.Send(ctx, []byte(v)); err != nil {
			t.Fatalf("Send failed: %v", err)
		}
	}
	p.CloseSend()

	sink := &chokeSink{}
	if err := NewWriter(sink).Serve(ctx, p); err != nil {
		t.Fatalf("Serve failed: %v", err)
	}

	if sink.maxConcurrent > 1 {
		t.Fatalf("more than one pending drain listener: %d", sink.maxConcurrent)
	}
	if sink.registrations != 4 {
		t.Fatalf("expected one registration per backpressure episode, got %d", sink.registrations)
	}
	want := "id: 1\ndata: a\n\nid: 2\ndata: b\n\nid: 3\ndata: c\n\nid: 4\ndata: d\n\n"
	if got := sink.String(); got != want {
		t.Fatalf("unexpected frames:\n got %q\nwant %q", got, want)
	}
}

func TestPipeDrainsBufferedValuesBeforeEOF(t *testing.T) {
	p := NewPipe(2)
	ctx := context.Background()
	if err := p.Send(ctx, []byte("queued")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	p.CloseSend()

	data, err := p.Recv(ctx)
	if err != nil {
		t.Fatalf("Recv failed: %v", err)
	}
	if string(data) != "queued" {
		t.Fatalf("expected queued value, got %q", data)
	}
	if _, err := p.Recv(ctx); !errors.Is(err, io.EOF) {
		t.Fatalf("expected io.EOF, got %v", err)
	}
}
