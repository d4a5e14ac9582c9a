package ioreq

import (
	"math/bits"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/tinyrange/vhm/internal/hv"
)

// Handler services the slots whose bits are set in pending. It must call
// Broker.Complete for every slot it finishes.
type Handler func(id int, pending uint64) error

const trapValid = uint32(1) << 24

// Client is a registered consumer of I/O requests for one VM.
type Client struct {
	id       int
	name     string
	vm       *VM
	fallback bool
	handler  Handler

	destroying atomicbitops.Bool
	// workerExited is true while nothing serves the client: the worker
	// goroutine has returned, or no rendezvous caller or poller is connected.
	// A rendezvous caller connects in Attach and stays connected until Attach
	// reports teardown or it calls Disconnect.
	workerExited atomicbitops.Bool
	// attached counts rendezvous callers currently blocked in Attach.
	attached atomicbitops.Int32

	ranges  RangeTable
	pending atomicbitops.Uint64
	trap    atomicbitops.Uint32

	queue    waiter.Queue
	notifier *notifier

	// done is closed when the worker goroutine returns.
	done chan struct{}
}

func newClient(id int) *Client {
	return &Client{id: id}
}

func (c *Client) ID() int          { return c.id }
func (c *Client) Name() string     { return c.name }
func (c *Client) VM() *VM          { return c.vm }
func (c *Client) IsFallback() bool { return c.fallback }
func (c *Client) Destroying() bool { return c.destroying.Load() }

// RunsWorker reports whether the client is served by its own goroutine.
func (c *Client) RunsWorker() bool { return c.handler != nil }

// Pending returns the set of slots currently assigned to the client.
func (c *Client) Pending() uint64 { return c.pending.Load() }

func (c *Client) Ranges() []Range { return c.ranges.Ranges() }

// Trap returns the PCI function intercepted by the client, if any.
func (c *Client) Trap() (hv.BDF, bool) {
	v := c.trap.Load()
	if v&trapValid == 0 {
		return hv.BDF{}, false
	}
	return hv.BDF{
		Bus:      uint8(v >> 16),
		Device:   uint8(v >> 8),
		Function: uint8(v),
	}, true
}

func (c *Client) setTrap(bdf hv.BDF) {
	c.trap.Store(trapValid | uint32(bdf.Bus)<<16 | uint32(bdf.Device)<<8 | uint32(bdf.Function))
}

func (c *Client) clearTrap() {
	c.trap.Store(0)
}

func (c *Client) trapMatches(bdf hv.BDF) bool {
	trap, ok := c.Trap()
	return ok && trap == bdf
}

func (c *Client) setPending(slot int) {
	bit := uint64(1) << slot
	for {
		old := c.pending.Load()
		if c.pending.CompareAndSwap(old, old|bit) {
			return
		}
	}
}

func (c *Client) clearPending(slot int) {
	bit := uint64(1) << slot
	for {
		old := c.pending.Load()
		if c.pending.CompareAndSwap(old, old&^bit) {
			return
		}
	}
}

func (c *Client) pendingCount() int {
	return bits.OnesCount64(c.pending.Load())
}

// readiness reports the poll events currently asserted by the client.
func (c *Client) readiness(mask waiter.EventMask) waiter.EventMask {
	var ready waiter.EventMask
	if c.pending.Load() != 0 {
		ready |= waiter.EventIn
	}
	if c.destroying.Load() {
		ready |= waiter.EventHUp
	}
	return ready & (mask | waiter.EventHUp | waiter.EventErr)
}

func (c *Client) wake(mask waiter.EventMask) {
	c.queue.Notify(mask)
	c.notifier.notify()
}
