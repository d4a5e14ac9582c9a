package ioreq

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"

	"gvisor.dev/gvisor/pkg/waiter"
)

// AttachResult says why Attach returned.
type AttachResult int

const (
	// AttachHasWork means at least one request is pending for the client.
	AttachHasWork AttachResult = iota
	// AttachDestroying means the client is being destroyed; the caller must
	// stop using it.
	AttachDestroying
	// AttachStopped means the caller's context was cancelled.
	AttachStopped
)

func (r AttachResult) String() string {
	switch r {
	case AttachHasWork:
		return "has-work"
	case AttachDestroying:
		return "destroying"
	case AttachStopped:
		return "stopped"
	default:
		return fmt.Sprintf("AttachResult(%d)", int(r))
	}
}

const clientEvents = waiter.EventIn | waiter.EventHUp

// Attach blocks until the client has pending requests or is being destroyed.
// Cancelling ctx also releases the caller and counts as it exiting. After
// AttachHasWork the caller must service and Complete the pending slots before
// attaching again.
//
// The first call connects the caller. It stays connected, and DestroyClient
// waits for it, until Attach returns AttachDestroying or AttachStopped or the
// caller calls Disconnect.
func (b *Broker) Attach(ctx context.Context, id int) (AttachResult, error) {
	c, err := b.registry.get(id)
	if err != nil {
		return AttachDestroying, err
	}
	if c.handler != nil {
		return AttachDestroying, fmt.Errorf("%w: %d", ErrClientHasWorker, id)
	}

	c.workerExited.Store(false)
	c.attached.Add(1)
	defer c.attached.Add(-1)

	// Register before testing state so a wake between the test and the wait
	// is not lost.
	e, ch := waiter.NewChannelEntry(clientEvents)
	c.queue.EventRegister(&e)
	defer c.queue.EventUnregister(&e)

	for {
		if c.destroying.Load() {
			c.workerExited.Store(true)
			return AttachDestroying, nil
		}
		if c.pending.Load() != 0 {
			return AttachHasWork, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			c.workerExited.Store(true)
			return AttachStopped, ctx.Err()
		}
	}
}

// Disconnect tells the broker that the rendezvous caller of client id has
// stopped serving it without waiting for Attach to report teardown.
func (b *Broker) Disconnect(id int) error {
	c, err := b.registry.get(id)
	if err != nil {
		return err
	}
	if c.handler != nil {
		return fmt.Errorf("%w: %d", ErrClientHasWorker, id)
	}
	c.workerExited.Store(true)
	return nil
}

// runWorker is the body of a handler-bearing client's goroutine.
func (b *Broker) runWorker(c *Client) {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	defer close(c.done)

	e, ch := waiter.NewChannelEntry(clientEvents)
	c.queue.EventRegister(&e)

	for !c.destroying.Load() {
		pending := c.pending.Load()
		if pending == 0 {
			<-ch
			continue
		}
		if err := c.handler(c.id, pending); err != nil {
			slog.Error("ioreq: client handler failed",
				"client", c.id,
				"name", c.name,
				"pending", fmt.Sprintf("%#x", pending),
				"error", err)
		}
	}

	c.queue.EventUnregister(&e)
	c.workerExited.Store(true)
	slog.Debug("ioreq: worker exited", "client", c.id, "name", c.name)
}
