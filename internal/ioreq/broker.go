// Package ioreq routes I/O requests posted by a hypervisor to the device
// emulation clients registered for them.
//
// The hypervisor publishes one request slot per vCPU in a page shared with
// the broker. On every vCPU exit the VM's exit path calls Distribute, which
// resolves legacy PCI configuration port accesses in place, matches the
// remaining requests against each client's ranges or PCI trap and marks the
// owning client's pending set. Clients either run their own worker goroutine
// (a Handler) or block in Attach. Finished requests are retired with Complete,
// which notifies the hypervisor through the Bridge.
package ioreq

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vhm/internal/devices/pci"
	"github.com/tinyrange/vhm/internal/hv"
)

// Broker owns the client table and the PCI configuration latch shared by all
// VMs it serves.
type Broker struct {
	cfg      Config
	bridge   hv.Bridge
	registry *registry
	shim     *pci.ConfigPortShim

	mu  sync.Mutex
	vms map[uint16]*VM
}

// New returns a broker that reaches the hypervisor through bridge.
func New(bridge hv.Bridge, cfg Config) *Broker {
	return &Broker{
		cfg:      cfg,
		bridge:   bridge,
		registry: newRegistry(),
		shim:     pci.NewConfigPortShim(),
		vms:      make(map[uint16]*VM),
	}
}

// NewVM creates the broker-side state for a VM with the given number of vCPUs.
func (b *Broker) NewVM(id uint16, vcpus int) (*VM, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if _, exists := b.vms[id]; exists {
		return nil, fmt.Errorf("%w: vm %d already exists", ErrInvalidVM, id)
	}

	vm := &VM{
		broker: b,
		id:     id,
	}
	vm.fallbackID.Store(-1)
	vm.SetVCPUCount(vcpus)
	b.vms[id] = vm

	slog.Debug("ioreq: created vm", "vm", id, "vcpus", vm.VCPUCount())
	return vm, nil
}

// LookupVM returns the VM registered under id.
func (b *Broker) LookupVM(id uint16) (*VM, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	vm, ok := b.vms[id]
	return vm, ok
}

func (b *Broker) forgetVM(vm *VM) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.vms[vm.id] == vm {
		delete(b.vms, vm.id)
	}
}

func (b *Broker) checkVM(vm *VM) error {
	if vm == nil || vm.broker != b {
		return ErrInvalidVM
	}
	if vm.freed.Load() {
		return fmt.Errorf("%w: vm %d has been freed", ErrInvalidVM, vm.id)
	}
	return nil
}

// Client returns the client registered under id.
func (b *Broker) Client(id int) (*Client, error) {
	return b.registry.get(id)
}

// ClientCount returns the number of live clients across all VMs.
func (b *Broker) ClientCount() int {
	return b.registry.inUse()
}

// AddRange registers [start, end] of type typ with the client.
func (b *Broker) AddRange(id int, typ hv.RequestType, start, end uint64) error {
	c, err := b.registry.get(id)
	if err != nil {
		return err
	}
	if err := c.ranges.Add(typ, start, end); err != nil {
		return fmt.Errorf("client %d: %w", id, err)
	}
	slog.Debug("ioreq: added range",
		"client", id,
		"type", typ,
		"start", fmt.Sprintf("0x%x", start),
		"end", fmt.Sprintf("0x%x", end))
	return nil
}

// RemoveRange drops a range previously added with AddRange. Removing a range
// that was never added is not an error.
func (b *Broker) RemoveRange(id int, typ hv.RequestType, start, end uint64) error {
	c, err := b.registry.get(id)
	if err != nil {
		return err
	}
	c.ranges.Remove(typ, start, end)
	return nil
}

// InterceptBDF routes PCI configuration requests for bdf to the client.
func (b *Broker) InterceptBDF(id int, bdf hv.BDF) error {
	c, err := b.registry.get(id)
	if err != nil {
		return err
	}
	c.setTrap(bdf)
	slog.Debug("ioreq: intercepting pci function", "client", id, "bdf", bdf.String())
	return nil
}

// UninterceptBDF drops the client's PCI trap. Configuration requests for that
// function go to the fallback client afterwards.
func (b *Broker) UninterceptBDF(id int) error {
	c, err := b.registry.get(id)
	if err != nil {
		return err
	}
	c.clearTrap()
	return nil
}

// RequestBuffer returns the shared request buffer of the client's VM.
func (b *Broker) RequestBuffer(id int) (*hv.RequestBuffer, error) {
	c, err := b.registry.get(id)
	if err != nil {
		return nil, err
	}
	buf := c.vm.RequestBuffer()
	if buf == nil {
		return nil, fmt.Errorf("%w: vm %d", ErrBufferNotBound, c.vm.id)
	}
	return buf, nil
}
