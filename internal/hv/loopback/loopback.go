// Package loopback is an in-process hypervisor. It owns the vCPU side of the
// request handshake: a vCPU exit posts a request into its slot of the shared
// buffer, raises the VM's exit notification and blocks until the broker
// reports the slot finished.
package loopback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/vhm/internal/hv"
)

var (
	ErrVMExists      = errors.New("loopback: vm already exists")
	ErrNoBuffer      = errors.New("loopback: no request buffer registered")
	ErrSlotBusy      = errors.New("loopback: vcpu slot still in flight")
	ErrInvalidVCPU   = errors.New("loopback: vcpu out of range")
	ErrRequestFailed = errors.New("loopback: request failed")
)

// ExitFunc is raised after a request is posted. It is never called
// concurrently for the same VM.
type ExitFunc func() error

// Stats counts handshake events for one VM.
type Stats struct {
	Exits     uint64
	Completed uint64
	Failed    uint64
}

type vmState struct {
	id     uint16
	onExit ExitFunc

	buffer atomic.Pointer[hv.RequestBuffer]

	// exitMu serializes exit notifications.
	exitMu sync.Mutex
	done   [hv.MaxRequests]chan struct{}
	// abandoned marks vCPUs whose last Exit stopped waiting before the
	// request was finished.
	abandoned [hv.MaxRequests]atomicbitops.Bool

	exits     atomicbitops.Uint64
	completed atomicbitops.Uint64
	failed    atomicbitops.Uint64
}

// Hypervisor implements hv.Bridge for VMs running in the same process.
type Hypervisor struct {
	mu  sync.Mutex
	vms map[uint16]*vmState
}

var _ hv.Bridge = (*Hypervisor)(nil)

func New() *Hypervisor {
	return &Hypervisor{vms: make(map[uint16]*vmState)}
}

// CreateVM registers a VM whose exits raise onExit.
func (h *Hypervisor) CreateVM(id uint16, onExit ExitFunc) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.vms[id]; ok {
		return fmt.Errorf("%w: %d", ErrVMExists, id)
	}
	vm := &vmState{id: id, onExit: onExit}
	for i := range vm.done {
		vm.done[i] = make(chan struct{}, 1)
	}
	h.vms[id] = vm
	return nil
}

// DestroyVM forgets the VM. In-flight exits keep waiting until their context
// ends.
func (h *Hypervisor) DestroyVM(id uint16) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.vms, id)
}

func (h *Hypervisor) lookup(id uint16) (*vmState, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	vm, ok := h.vms[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", hv.ErrUnknownVM, id)
	}
	return vm, nil
}

// SetRequestBuffer implements hv.Bridge. addr must be the address of a live,
// pinned page owned by this process.
func (h *Hypervisor) SetRequestBuffer(vmID uint16, addr uint64) error {
	vm, err := h.lookup(vmID)
	if err != nil {
		return err
	}
	if addr == 0 || addr%hv.PageSize != 0 {
		return fmt.Errorf("loopback: vm %d: misaligned request buffer 0x%x", vmID, addr)
	}
	vm.buffer.Store((*hv.RequestBuffer)(unsafe.Pointer(uintptr(addr))))
	slog.Debug("loopback: request buffer registered", "vm", vmID, "addr", fmt.Sprintf("0x%x", addr))
	return nil
}

// NotifyFinished implements hv.Bridge.
func (h *Hypervisor) NotifyFinished(vmID uint16, slot int) error {
	vm, err := h.lookup(vmID)
	if err != nil {
		return err
	}
	if slot < 0 || slot >= hv.MaxRequests {
		return fmt.Errorf("%w: %d", ErrInvalidVCPU, slot)
	}
	select {
	case vm.done[slot] <- struct{}{}:
	default:
		slog.Warn("loopback: duplicate completion", "vm", vmID, "slot", slot)
	}
	return nil
}

// Exit runs one I/O exit of vcpu: req is copied into the vCPU's slot, the exit
// is raised and the call blocks until the request is finished. On return req
// holds the completed request, including any value read and any in-place
// rewrite. A request the device marked failed returns ErrRequestFailed.
//
// If ctx ends first the request stays posted. The next Exit of the same vCPU
// waits for it to be finished before reusing the slot; a concurrent Exit on a
// busy vCPU fails with ErrSlotBusy.
func (h *Hypervisor) Exit(ctx context.Context, vmID uint16, vcpu int, req *hv.Request) error {
	vm, err := h.lookup(vmID)
	if err != nil {
		return err
	}
	if vcpu < 0 || vcpu >= hv.MaxRequests {
		return fmt.Errorf("%w: %d", ErrInvalidVCPU, vcpu)
	}
	buf := vm.buffer.Load()
	if buf == nil {
		return fmt.Errorf("%w: vm %d", ErrNoBuffer, vmID)
	}

	slot := &buf[vcpu]
	if slot.IsValid() {
		if !vm.abandoned[vcpu].Load() {
			return fmt.Errorf("%w: vm %d vcpu %d", ErrSlotBusy, vmID, vcpu)
		}
		// The request left behind still owns the slot until its client
		// finishes it.
		select {
		case <-vm.done[vcpu]:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	vm.abandoned[vcpu].Store(false)

	// Drop a completion left over from an abandoned exit.
	select {
	case <-vm.done[vcpu]:
	default:
	}

	slot.Reset()
	slot.CopyPayload(req)
	slot.SetState(hv.StatePending)
	slot.SetValid(true)
	vm.exits.Add(1)

	if err := vm.raise(); err != nil {
		return fmt.Errorf("loopback: vm %d vcpu %d exit: %w", vmID, vcpu, err)
	}

	select {
	case <-vm.done[vcpu]:
	case <-ctx.Done():
		vm.abandoned[vcpu].Store(true)
		return ctx.Err()
	}

	req.CopyPayload(slot)
	req.Client = slot.Client
	req.SetState(slot.State())
	if slot.State() == hv.StateFailed {
		vm.failed.Add(1)
		return fmt.Errorf("%w: vm %d vcpu %d", ErrRequestFailed, vmID, vcpu)
	}
	vm.completed.Add(1)
	return nil
}

func (vm *vmState) raise() error {
	if vm.onExit == nil {
		return nil
	}
	vm.exitMu.Lock()
	defer vm.exitMu.Unlock()
	return vm.onExit()
}

// Stats returns the handshake counters of a VM.
func (h *Hypervisor) Stats(vmID uint16) (Stats, error) {
	vm, err := h.lookup(vmID)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Exits:     vm.exits.Load(),
		Completed: vm.completed.Load(),
		Failed:    vm.failed.Load(),
	}, nil
}
