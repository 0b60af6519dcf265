package respond

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/replybus/replybus-go/sse"
)

type recordingSink struct {
	strings.Builder
	closed bool
}

func (s *recordingSink) Close() error {
	s.closed = true
	return nil
}

// countingStream fails the test if its producer is ever consumed.
type countingStream struct {
	t     *testing.T
	recvs int
}

func (s *countingStream) Recv(ctx context.Context) ([]byte, error) {
	s.recvs++
	s.t.Fatal("producer must not be consumed")
	return nil, nil
}

func (s *countingStream) Close() error { return nil }

func TestEventStreamRejectsNonStream(t *testing.T) {
	sink := &recordingSink{}

	err := EventStream(context.Background(), sink, 42)
	if !errors.Is(err, sse.ErrNotStream) {
		t.Fatalf("expected ErrNotStream, got %v", err)
	}
	if sink.Len() != 0 {
		t.Fatalf("rejection must happen before any write, got %q", sink.String())
	}
}

func TestEventStreamAppliesInterceptor(t *testing.T) {
	p := sse.NewPipe(2)
	ctx := context.Background()
	if err := p.Send(ctx, []byte("x")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	p.CloseSend()

	sink := &recordingSink{}
	wrap := func(src sse.Stream) (sse.Stream, error) {
		return wrappedStream{src}, nil
	}
	if err := EventStream(ctx, sink, p, WithInterceptor(wrap)); err != nil {
		t.Fatalf("EventStream failed: %v", err)
	}

	want := "id: 1\ndata: [x]\n\n"
	if got := sink.String(); got != want {
		t.Fatalf("unexpected frames:\n got %q\nwant %q", got, want)
	}
}

type wrappedStream struct {
	sse.Stream
}

func (w wrappedStream) Recv(ctx context.Context) ([]byte, error) {
	data, err := w.Stream.Recv(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(data)+2)
	out = append(out, '[')
	out = append(out, data...)
	out = append(out, ']')
	return out, nil
}

func TestInterceptorFailureWritesNothing(t *testing.T) {
	src := &countingStream{t: t}
	sink := &recordingSink{}

	boom := errors.New("interceptor exploded")
	err := EventStream(context.Background(), sink, src, WithInterceptor(func(sse.Stream) (sse.Stream, error) {
		return nil, boom
	}))
	if !errors.Is(err, boom) {
		t.Fatalf("expected interceptor error, got %v", err)
	}
	if sink.Len() != 0 {
		t.Fatalf("no frame may be written, got %q", sink.String())
	}
	if src.recvs != 0 {
		t.Fatal("producer was consumed despite interceptor failure")
	}
}

func TestWriteBuffersPlainValueAsJSON(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sum", nil)

	if err := Write(rec, req, map[string]int{"sum": 3}); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %q", ct)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != `{"sum":3}` {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestWriteResolvesFuture(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sum", nil)

	result := Future(func(ctx context.Context) (any, error) { return 7, nil })
	if err := Write(rec, req, result); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "7" {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestWriteResolvesRawFutureFunc(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/sum", nil)

	result := func(ctx context.Context) (any, error) { return 9, nil }
	if err := Write(rec, req, result); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if got := strings.TrimSpace(rec.Body.String()); got != "9" {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestWriteStreamsEventStream(t *testing.T) {
	p := sse.NewPipe(2)
	ctx := context.Background()
	if err := p.Send(ctx, []byte("a")); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	p.CloseSend()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/watch", nil)
	req.Header.Set("Accept", "text/event-stream")

	if err := Write(rec, req, p); err != nil {
		t.Fatalf("Write failed: %v", err)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}
	if got := rec.Body.String(); got != "id: 1\ndata: a\n\n" {
		t.Fatalf("unexpected body %q", got)
	}
}

func TestWriteRejectsStreamWhenNotAcceptable(t *testing.T) {
	p := sse.NewPipe(1)
	defer p.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/watch", nil)
	req.Header.Set("Accept", "application/json")

	if err := Write(rec, req, p); err == nil {
		t.Fatal("expected a negotiation error")
	}
	if rec.Code != http.StatusNotAcceptable {
		t.Fatalf("expected 406, got %d", rec.Code)
	}
}
