package ioreq

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"unsafe"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/vhm/internal/hv"
)

// VM is the broker-side view of a guest: its shared request buffer and the
// clients registered against it.
type VM struct {
	broker *Broker
	id     uint16

	vcpus      atomicbitops.Int32
	fallbackID atomicbitops.Int32
	freed      atomicbitops.Bool

	pageMu sync.Mutex
	page   []byte
	buffer atomic.Pointer[hv.RequestBuffer]

	// listMu guards clients. It is never held across a blocking operation.
	listMu  sync.RWMutex
	clients []*Client
}

func (vm *VM) ID() uint16 { return vm.id }

// SetVCPUCount bounds the number of slots scanned by Distribute.
func (vm *VM) SetVCPUCount(n int) {
	if n < 0 {
		n = 0
	}
	if n > hv.MaxRequests {
		n = hv.MaxRequests
	}
	vm.vcpus.Store(int32(n))
}

func (vm *VM) VCPUCount() int {
	return int(vm.vcpus.Load())
}

// FallbackID returns the id of the fallback client, or -1.
func (vm *VM) FallbackID() int {
	return int(vm.fallbackID.Load())
}

// RequestBuffer returns the bound request buffer, or nil.
func (vm *VM) RequestBuffer() *hv.RequestBuffer {
	return vm.buffer.Load()
}

// Clients returns the VM's clients in registration order.
func (vm *VM) Clients() []*Client {
	vm.listMu.RLock()
	defer vm.listMu.RUnlock()
	out := make([]*Client, len(vm.clients))
	copy(out, vm.clients)
	return out
}

// InitRequestBuffer binds page as the VM's shared request buffer: the page is
// pinned and registered with the hypervisor.
func (vm *VM) InitRequestBuffer(page []byte) error {
	if err := vm.broker.checkVM(vm); err != nil {
		return err
	}
	if len(page) != hv.PageSize || hv.PageAddress(page)%hv.PageSize != 0 {
		return fmt.Errorf("%w: got %d bytes", ErrBadBuffer, len(page))
	}

	vm.pageMu.Lock()
	defer vm.pageMu.Unlock()

	if vm.page != nil {
		return fmt.Errorf("%w: vm %d", ErrBufferBound, vm.id)
	}

	if err := hv.PinPage(page); err != nil {
		return fmt.Errorf("vm %d: %w", vm.id, err)
	}
	cu := cleanup.Make(func() {
		if err := hv.UnpinPage(page); err != nil {
			slog.Warn("ioreq: unpin after failed init", "vm", vm.id, "error", err)
		}
	})
	defer cu.Clean()

	if err := vm.broker.bridge.SetRequestBuffer(vm.id, hv.PageAddress(page)); err != nil {
		return fmt.Errorf("%w: vm %d: %w", ErrRegisterBuffer, vm.id, err)
	}

	vm.page = page
	vm.buffer.Store((*hv.RequestBuffer)(unsafe.Pointer(&page[0])))
	cu.Release()

	slog.Info("ioreq: bound request buffer", "vm", vm.id, "addr", fmt.Sprintf("0x%x", hv.PageAddress(page)))
	return nil
}

// Free destroys every remaining client and unpins the request buffer. The VM
// cannot be used afterwards.
func (vm *VM) Free() error {
	if vm.freed.Swap(true) {
		return fmt.Errorf("%w: vm %d already freed", ErrInvalidVM, vm.id)
	}

	var errs []error
	// Specific clients go first so the fallback keeps absorbing requests
	// until nothing else can take them.
	var (
		ordered  []*Client
		fallback *Client
	)
	for _, c := range vm.Clients() {
		if c.fallback {
			fallback = c
			continue
		}
		ordered = append(ordered, c)
	}
	if fallback != nil {
		ordered = append(ordered, fallback)
	}
	for _, c := range ordered {
		if err := vm.broker.DestroyClient(c.id); err != nil {
			errs = append(errs, err)
		}
	}

	vm.pageMu.Lock()
	if vm.page != nil {
		vm.buffer.Store(nil)
		if err := hv.UnpinPage(vm.page); err != nil {
			errs = append(errs, fmt.Errorf("vm %d: %w", vm.id, err))
		}
		vm.page = nil
	}
	vm.pageMu.Unlock()

	vm.broker.forgetVM(vm)
	slog.Info("ioreq: freed vm", "vm", vm.id)
	return errors.Join(errs...)
}

func (vm *VM) link(c *Client) error {
	vm.listMu.Lock()
	defer vm.listMu.Unlock()

	if c.fallback {
		if vm.fallbackID.Load() > 0 {
			return fmt.Errorf("%w: vm %d", ErrFallbackExists, vm.id)
		}
		vm.fallbackID.Store(int32(c.id))
	}
	vm.clients = append(vm.clients, c)
	return nil
}

func (vm *VM) unlink(c *Client) {
	vm.listMu.Lock()
	defer vm.listMu.Unlock()

	for i, other := range vm.clients {
		if other == c {
			vm.clients = append(vm.clients[:i], vm.clients[i+1:]...)
			break
		}
	}
	if c.fallback && vm.fallbackID.Load() == int32(c.id) {
		vm.fallbackID.Store(-1)
	}
}

// route picks the client for req. The caller holds listMu for reading.
func (vm *VM) route(req *hv.Request) *Client {
	var fallback *Client
	for _, c := range vm.clients {
		if c.fallback {
			fallback = c
			continue
		}
		if req.Type == hv.RequestPciConfig {
			if c.trapMatches(req.Target()) {
				return c
			}
			continue
		}
		if c.ranges.Find(req) {
			return c
		}
	}
	return fallback
}
