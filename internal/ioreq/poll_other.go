//go:build !linux

package ioreq

type notifier struct{}

func newNotifier() *notifier { return nil }

func (n *notifier) notify() {}
func (n *notifier) close()  {}

// EventFD returns -1: eventfd is Linux-only.
func (p *Poller) EventFD() int {
	return -1
}
