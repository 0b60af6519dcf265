package replybus

import (
	"testing"
	"time"
)

func TestStatusWatcherReplaysCurrentValue(t *testing.T) {
	w := newStatusWatcher()
	w.set(StatusConnected)

	ch, cancel := w.Watch()
	defer cancel()

	select {
	case got := <-ch:
		if got != StatusConnected {
			t.Fatalf("expected %v, got %v", StatusConnected, got)
		}
	case <-time.After(time.Second):
		t.Fatal("subscriber did not observe the current value")
	}
}

func TestStatusWatcherLatestValueWins(t *testing.T) {
	w := newStatusWatcher()
	ch, cancel := w.Watch()
	defer cancel()

	// A slow subscriber sees the most recent value, not a backlog.
	w.set(StatusConnected)
	w.set(StatusReconnecting)
	w.set(StatusDisconnected)

	select {
	case got := <-ch:
		if got != StatusDisconnected {
			t.Fatalf("expected latest value %v, got %v", StatusDisconnected, got)
		}
	case <-time.After(time.Second):
		t.Fatal("no value delivered")
	}
	select {
	case got := <-ch:
		t.Fatalf("stale value delivered: %v", got)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestStatusWatcherMultipleSubscribers(t *testing.T) {
	w := newStatusWatcher()
	a, cancelA := w.Watch()
	b, cancelB := w.Watch()
	defer cancelA()
	defer cancelB()

	w.set(StatusConnected)

	for name, ch := range map[string]<-chan Status{"a": a, "b": b} {
		select {
		case got := <-ch:
			if got != StatusConnected {
				t.Fatalf("subscriber %s: expected %v, got %v", name, StatusConnected, got)
			}
		case <-time.After(time.Second):
			t.Fatalf("subscriber %s saw nothing", name)
		}
	}
}

func TestStatusWatcherCancelIsIdempotent(t *testing.T) {
	w := newStatusWatcher()
	_, cancel := w.Watch()
	cancel()
	cancel()

	// Set must not panic or block with a cancelled subscriber around.
	w.set(StatusConnected)
	if got := w.Last(); got != StatusConnected {
		t.Fatalf("expected %v, got %v", StatusConnected, got)
	}
}
