package bridge

import (
	"context"
	"sync"

	"github.com/smallnest/chanx"

	"github.com/go-delve/ddmbridge/pkg/logflags"
)

// notifier runs listener callbacks one at a time, in the order they were
// posted, on its own goroutine.
type notifier struct {
	ch   *chanx.UnboundedChan[func()]
	done chan struct{}

	mu     sync.Mutex
	closed bool
}

func newNotifier() *notifier {
	n := &notifier{
		ch:   chanx.NewUnboundedChan[func()](context.Background(), 16),
		done: make(chan struct{}),
	}
	go n.run()
	return n
}

func (n *notifier) run() {
	defer close(n.done)
	for f := range n.ch.Out {
		n.call(f)
	}
}

func (n *notifier) call(f func()) {
	defer func() {
		if ierr := recover(); ierr != nil {
			logflags.BridgeLogger().Errorf("listener panicked: %v", ierr)
		}
	}()
	f()
}

// post queues f. It never blocks, posting after close is a no-op.
func (n *notifier) post(f func()) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.ch.In <- f
}

// close runs the queued callbacks and stops the notifier.
func (n *notifier) close() {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return
	}
	n.closed = true
	close(n.ch.In)
	n.mu.Unlock()
	<-n.done
}
