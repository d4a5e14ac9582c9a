//go:build linux

package ioreq

import (
	"log/slog"
	"sync"

	"gvisor.dev/gvisor/pkg/eventfd"
)

// notifier mirrors fallback wake-ups onto an eventfd for epoll-based loops.
type notifier struct {
	mu     sync.Mutex
	ev     eventfd.Eventfd
	closed bool
}

func newNotifier() *notifier {
	ev, err := eventfd.Create()
	if err != nil {
		slog.Warn("ioreq: fallback eventfd unavailable", "error", err)
		return nil
	}
	return &notifier{ev: ev}
}

func (n *notifier) notify() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	if err := n.ev.Notify(); err != nil {
		slog.Warn("ioreq: signal fallback eventfd", "error", err)
	}
}

func (n *notifier) close() {
	if n == nil {
		return
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return
	}
	n.closed = true
	if err := n.ev.Close(); err != nil {
		slog.Warn("ioreq: close fallback eventfd", "error", err)
	}
}

func (n *notifier) fd() int {
	if n == nil {
		return -1
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.closed {
		return -1
	}
	return n.ev.FD()
}

// EventFD returns a non-blocking eventfd that is signalled every time the
// fallback client is woken, or -1 if none is available. The descriptor is
// owned by the broker and closed when the client is destroyed; readers should
// drain it and then consult Readiness.
func (p *Poller) EventFD() int {
	return p.c.notifier.fd()
}
