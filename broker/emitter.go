package broker

import "sync"

// Emitter is a typed event-listener registry keyed by EventKind. Session
// implementations embed it to satisfy the On side of the Session interface.
//
// Emit invokes handlers outside the registry lock, in registration order.
// The zero value is ready to use.
type Emitter struct {
	mu       sync.Mutex
	nextID   int
	handlers map[EventKind][]handlerEntry
}

type handlerEntry struct {
	id int
	fn Handler
}

// On registers h for events of the given kind. The returned closure removes
// the registration and is safe to call more than once.
func (e *Emitter) On(kind EventKind, h Handler) (remove func()) {
	e.mu.Lock()
	if e.handlers == nil {
		e.handlers = make(map[EventKind][]handlerEntry)
	}
	id := e.nextID
	e.nextID++
	e.handlers[kind] = append(e.handlers[kind], handlerEntry{id: id, fn: h})
	e.mu.Unlock()

	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		entries := e.handlers[kind]
		for i, entry := range entries {
			if entry.id == id {
				e.handlers[kind] = append(entries[:i:i], entries[i+1:]...)
				break
			}
		}
	}
}

// Emit delivers ev to every handler registered for ev.Kind. Handlers run on
// the calling goroutine.
func (e *Emitter) Emit(ev Event) {
	e.mu.Lock()
	entries := e.handlers[ev.Kind]
	snapshot := make([]Handler, len(entries))
	for i, entry := range entries {
		snapshot[i] = entry.fn
	}
	e.mu.Unlock()

	for _, h := range snapshot {
		h(ev)
	}
}
