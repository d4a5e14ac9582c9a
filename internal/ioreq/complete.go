package ioreq

import (
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"github.com/tinyrange/vhm/internal/hv"
)

// Complete retires the request in slot owned by client id and tells the
// hypervisor it may resume the vCPU. The slot is released locally even when
// the notification fails; retrying is the hypervisor's business. A slot the
// client does not own is rejected with ErrInvalidSlot and left untouched.
func (b *Broker) Complete(id int, slot int) error {
	c, err := b.registry.get(id)
	if err != nil {
		return err
	}
	if slot < 0 || slot >= hv.MaxRequests {
		return fmt.Errorf("%w: %d", ErrInvalidSlot, slot)
	}
	buf := c.vm.RequestBuffer()
	if buf == nil {
		return fmt.Errorf("%w: vm %d", ErrBufferNotBound, c.vm.id)
	}

	req := &buf[slot]
	if c.pending.Load()&(1<<slot) == 0 || req.Client != int32(id) {
		return fmt.Errorf("%w: slot %d not owned by client %d", ErrInvalidSlot, slot, id)
	}
	return b.retire(c, slot, req, hv.StateSuccess)
}

// retire ends c's ownership of slot. A request still Processing moves to
// state; one the client already settled keeps its state.
func (b *Broker) retire(c *Client, slot int, req *hv.Request, state hv.ProcessState) error {
	if req.State() == hv.StateProcessing {
		req.SetState(state)
	}
	req.SetValid(false)
	c.clearPending(slot)

	if err := b.bridge.NotifyFinished(c.vm.id, slot); err != nil {
		slog.Error("ioreq: notify finished",
			"client", c.id,
			"vm", c.vm.id,
			"slot", slot,
			"error", err)
		return fmt.Errorf("%w: vm %d slot %d: %w", ErrNotifyFailed, c.vm.id, slot, err)
	}
	return nil
}

// failPending retires whatever is still assigned to a client being destroyed.
func (b *Broker) failPending(c *Client) {
	pending := c.pending.Load()
	if pending == 0 {
		return
	}
	buf := c.vm.RequestBuffer()
	if buf == nil {
		c.pending.Store(0)
		return
	}
	slog.Warn("ioreq: failing requests of destroyed client",
		"client", c.id,
		"name", c.name,
		"pending", fmt.Sprintf("%#x", pending))
	for pending != 0 {
		slot := bits.TrailingZeros64(pending)
		pending &^= 1 << slot
		b.retire(c, slot, &buf[slot], hv.StateFailed)
	}
}

// ClearRequests completes every request still owned by the VM's fallback
// client, so a VM being reset does not leave vCPUs waiting.
func (b *Broker) ClearRequests(vm *VM) error {
	if err := b.checkVM(vm); err != nil {
		return err
	}
	id := vm.FallbackID()
	if id <= 0 {
		return nil
	}
	c, err := b.registry.get(id)
	if err != nil {
		return err
	}

	var errs []error
	pending := c.pending.Load()
	for slot := 0; slot < hv.MaxRequests; slot++ {
		if pending&(1<<slot) == 0 {
			continue
		}
		if err := b.Complete(id, slot); err != nil {
			errs = append(errs, err)
		}
	}
	if n := c.pendingCount(); n != 0 {
		slog.Warn("ioreq: fallback client still has pending requests after clear", "client", id, "pending", n)
	}
	return errors.Join(errs...)
}
