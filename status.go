package replybus

import "sync"

// Status is the externally observable connection state of a Client.
type Status int

const (
	// StatusDisconnected means no usable connection exists.
	StatusDisconnected Status = iota
	// StatusConnected means the broker connection is usable.
	StatusConnected
	// StatusReconnecting means the broker client is re-establishing the
	// connection.
	StatusReconnecting
	// StatusClosed means the session was torn down.
	StatusClosed
)

func (s Status) String() string {
	switch s {
	case StatusDisconnected:
		return "disconnected"
	case StatusConnected:
		return "connected"
	case StatusReconnecting:
		return "reconnecting"
	case StatusClosed:
		return "closed"
	}
	return "unknown"
}

// StatusWatcher is a latest-value broadcaster of connection status. Every
// subscriber observes the current value on subscription and then each
// subsequent change; a slow subscriber sees the most recent value rather
// than an unbounded backlog.
type StatusWatcher struct {
	mu     sync.Mutex
	cur    Status
	seen   bool
	nextID int
	subs   map[int]chan Status
}

func newStatusWatcher() *StatusWatcher {
	return &StatusWatcher{subs: make(map[int]chan Status)}
}

// Last returns the most recently published status, or StatusDisconnected if
// none has been published yet.
func (w *StatusWatcher) Last() Status {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cur
}

// Watch subscribes to status changes. The channel immediately carries the
// current value when one has been published. The returned closure cancels
// the subscription and is safe to call more than once.
func (w *StatusWatcher) Watch() (<-chan Status, func()) {
	w.mu.Lock()
	id := w.nextID
	w.nextID++
	ch := make(chan Status, 1)
	if w.seen {
		ch <- w.cur
	}
	w.subs[id] = ch
	w.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			w.mu.Lock()
			delete(w.subs, id)
			w.mu.Unlock()
		})
	}
}

func (w *StatusWatcher) set(s Status) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seen && w.cur == s {
		return
	}
	w.cur = s
	w.seen = true
	for _, ch := range w.subs {
		// Replace a pending value instead of blocking: latest wins.
		select {
		case ch <- s:
		default:
			select {
			case <-ch:
			default:
			}
			ch <- s
		}
	}
}
