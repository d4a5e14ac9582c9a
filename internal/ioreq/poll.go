package ioreq

import (
	"fmt"

	"gvisor.dev/gvisor/pkg/waiter"
)

// Poller exposes the readiness of a VM's fallback client to an external event
// loop without blocking inside the broker. EventIn is asserted while requests
// are pending, EventHUp once the client is being destroyed.
//
// The event loop behind a Poller is the client's consumer: DestroyClient waits
// until Close is called.
type Poller struct {
	c *Client
}

// FallbackPoller returns a Poller bound to vm's current fallback client.
func (b *Broker) FallbackPoller(vm *VM) (*Poller, error) {
	if err := b.checkVM(vm); err != nil {
		return nil, err
	}
	id := vm.FallbackID()
	if id <= 0 {
		return nil, fmt.Errorf("%w: vm %d has no fallback client", ErrInvalidClient, vm.id)
	}
	c, err := b.registry.get(id)
	if err != nil {
		return nil, err
	}
	c.workerExited.Store(false)
	return &Poller{c: c}, nil
}

// Close disconnects the event loop. It must be called once the loop stops
// draining requests, at the latest after it sees EventHUp.
func (p *Poller) Close() {
	p.c.workerExited.Store(true)
}

// ClientID returns the id of the fallback client the poller watches.
func (p *Poller) ClientID() int { return p.c.id }

// Readiness returns the subset of mask currently asserted. EventHUp is
// reported regardless of mask.
func (p *Poller) Readiness(mask waiter.EventMask) waiter.EventMask {
	return p.c.readiness(mask)
}

// EventRegister arranges for e to be notified when the client becomes ready.
func (p *Poller) EventRegister(e *waiter.Entry) error {
	p.c.queue.EventRegister(e)
	return nil
}

func (p *Poller) EventUnregister(e *waiter.Entry) {
	p.c.queue.EventUnregister(e)
}
