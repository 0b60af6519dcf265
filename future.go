package replybus

import (
	"context"
	"sync"
)

// future is a one-shot settlement shared by every caller awaiting the same
// connection attempt. The first settle wins; later settles are no-ops,
// which is what resolves the connect/close race in favor of the first
// event.
type future struct {
	once sync.Once
	done chan struct{}
	err  error
}

func newFuture() *future {
	return &future{done: make(chan struct{})}
}

// settledFuture returns an already-settled future. With a non-nil err this
// is the "currently unusable" placeholder installed on offline: the error
// is only observed when some caller actually waits.
func settledFuture(err error) *future {
	f := newFuture()
	f.settle(err)
	return f
}

func (f *future) settle(err error) {
	f.once.Do(func() {
		f.err = err
		close(f.done)
	})
}

func (f *future) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}
