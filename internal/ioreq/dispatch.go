package ioreq

import (
	"fmt"
	"log/slog"

	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/tinyrange/vhm/internal/devices/pci"
	"github.com/tinyrange/vhm/internal/hv"
)

// Distribute assigns every newly posted request of vm to a client and wakes
// the clients that received work. Calls for the same VM must be serialized by
// the caller; different VMs may be distributed concurrently.
//
// A range request that matches no client on a VM without a fallback client is
// a broken configuration the hypervisor cannot recover from, and panics. A
// configuration access to a function nobody traps is answered as if the slot
// were empty.
func (b *Broker) Distribute(vm *VM) error {
	if vm == nil || vm.broker != b {
		return ErrInvalidVM
	}
	buf := vm.RequestBuffer()
	if buf == nil {
		return fmt.Errorf("%w: vm %d", ErrBufferNotBound, vm.id)
	}

	n := vm.VCPUCount()
	for slot := 0; slot < n; slot++ {
		req := &buf[slot]
		if !req.IsValid() || req.State() != hv.StatePending {
			continue
		}

		if b.shim.Handle(req) == pci.ShimHandled {
			b.finishHandled(vm, slot, req)
			continue
		}

		if !b.assign(vm, slot, req) {
			pci.MasterAbort(req)
			b.finishHandled(vm, slot, req)
		}
	}

	vm.listMu.RLock()
	defer vm.listMu.RUnlock()
	for _, c := range vm.clients {
		if c.pending.Load() != 0 {
			c.wake(waiter.EventIn)
		}
	}
	return nil
}

// assign reports false for an unclaimed configuration access, which the
// caller resolves without a client.
func (b *Broker) assign(vm *VM, slot int, req *hv.Request) bool {
	vm.listMu.RLock()
	defer vm.listMu.RUnlock()

	target := vm.route(req)
	if target == nil && req.Type == hv.RequestPciConfig {
		slog.Debug("ioreq: no function at config address",
			"vm", vm.id,
			"slot", slot,
			"request", describe(req))
		return false
	}
	if target == nil {
		msg := fmt.Sprintf("ioreq: vm %d slot %d: no client for %s request", vm.id, slot, describe(req))
		slog.Error(msg)
		panic(msg)
	}

	// The slot is fully written before the pending bit becomes visible.
	req.Client = int32(target.id)
	req.SetState(hv.StateProcessing)
	target.setPending(slot)

	slog.Debug("ioreq: assigned request",
		"vm", vm.id,
		"slot", slot,
		"request", describe(req),
		"client", target.id,
		"name", target.name)
	return true
}

// finishHandled retires a request the PCI shim resolved by itself.
func (b *Broker) finishHandled(vm *VM, slot int, req *hv.Request) {
	req.SetState(hv.StateSuccess)
	req.SetValid(false)
	if err := b.bridge.NotifyFinished(vm.id, slot); err != nil {
		slog.Error("ioreq: notify finished for shim-resolved access",
			"vm", vm.id,
			"slot", slot,
			"error", err)
	}
}

func describe(req *hv.Request) string {
	switch req.Type {
	case hv.RequestPciConfig:
		cfg := req.PCI()
		return fmt.Sprintf("pcicfg %s %s reg=0x%x size=%d", cfg.Direction, req.Target(), cfg.Register, cfg.Size)
	default:
		addr, size, _ := req.Bounds()
		var dir hv.Direction
		if req.Type == hv.RequestPortIO {
			dir = req.PIO().Direction
		} else {
			dir = req.MMIO().Direction
		}
		return fmt.Sprintf("%s %s addr=0x%x size=%d", req.Type, dir, addr, size)
	}
}
