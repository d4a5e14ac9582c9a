package ioreq

import (
	"fmt"
	"log/slog"
	"time"

	"gvisor.dev/gvisor/pkg/cleanup"
	"gvisor.dev/gvisor/pkg/waiter"
)

// CreateClient registers a new client for vm. If handler is non-nil the client
// is served by a dedicated worker goroutine that calls handler whenever
// requests are pending; otherwise the caller drives it through Attach.
func (b *Broker) CreateClient(vm *VM, name string, handler Handler) (int, error) {
	return b.createClient(vm, name, handler, false)
}

// CreateFallbackClient registers the client that receives every request no
// other client claims. A VM has at most one.
func (b *Broker) CreateFallbackClient(vm *VM, name string) (int, error) {
	return b.createClient(vm, name, nil, true)
}

func (b *Broker) createClient(vm *VM, name string, handler Handler, fallback bool) (int, error) {
	if err := b.checkVM(vm); err != nil {
		return -1, err
	}
	if fallback && vm.FallbackID() > 0 {
		return -1, fmt.Errorf("%w: vm %d", ErrFallbackExists, vm.id)
	}

	c, err := b.registry.allocate()
	if err != nil {
		return -1, err
	}
	cu := cleanup.Make(func() { b.registry.free(c.id) })
	defer cu.Clean()

	c.name = name
	c.vm = vm
	c.fallback = fallback
	c.handler = handler
	c.workerExited.Store(handler == nil)
	if fallback {
		c.notifier = newNotifier()
		cu.Add(c.notifier.close)
	}

	if err := vm.link(c); err != nil {
		return -1, err
	}

	if handler != nil {
		c.done = make(chan struct{})
		go b.runWorker(c)
	}
	cu.Release()

	slog.Info("ioreq: created client",
		"id", c.id,
		"name", name,
		"vm", vm.id,
		"fallback", fallback,
		"worker", handler != nil)
	return c.id, nil
}

// DestroyClient tears down a client. It marks the client as destroying, wakes
// anything blocked on it and then polls until the worker goroutine, or the
// connected rendezvous caller, has acknowledged. There is no deadline: a
// worker that never returns from its handler, or a caller that never comes
// back to Attach, stalls this call.
//
// Requests still assigned to the client once it has quiesced are retired as
// failed so their vCPUs are not left waiting.
func (b *Broker) DestroyClient(id int) error {
	c, err := b.registry.get(id)
	if err != nil {
		return err
	}
	if c.destroying.Swap(true) {
		return fmt.Errorf("%w: %d", ErrClientDestroying, id)
	}

	c.wake(waiter.EventHUp)
	b.waitForQuiesce(c)

	// Unlinked first so no request is routed to the client while its ranges
	// go away.
	c.vm.unlink(c)
	c.ranges.Clear()
	c.clearTrap()
	b.failPending(c)
	c.notifier.close()
	b.registry.free(id)

	slog.Info("ioreq: destroyed client", "id", id, "name", c.name, "vm", c.vm.id)
	return nil
}

// quiesced reports whether nothing is executing on behalf of c any more.
func (c *Client) quiesced() bool {
	return c.workerExited.Load()
}

func (b *Broker) waitForQuiesce(c *Client) {
	interval := b.cfg.pollInterval()
	warnAfter := b.cfg.warnAfter()
	start := time.Now()
	nextWarn := warnAfter

	for !c.quiesced() {
		time.Sleep(interval)
		// Late waiters may have registered after the first wake.
		c.wake(waiter.EventHUp)

		if waited := time.Since(start); waited >= nextWarn {
			slog.Warn("ioreq: still waiting for client to exit",
				"id", c.id,
				"name", c.name,
				"waited", waited.Round(time.Millisecond))
			nextWarn += warnAfter
		}
	}

	if c.done != nil {
		<-c.done
	}
}
