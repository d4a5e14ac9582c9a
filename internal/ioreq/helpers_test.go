package ioreq

import (
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/vhm/internal/hv"
)

type finished struct {
	vm   uint16
	slot int
}

// fakeBridge records every privileged call made by the broker.
type fakeBridge struct {
	mu        sync.Mutex
	buffers   map[uint16]uint64
	finished  []finished
	notifyErr error
	setErr    error

	finishedCh chan finished
}

func newFakeBridge() *fakeBridge {
	return &fakeBridge{
		buffers:    make(map[uint16]uint64),
		finishedCh: make(chan finished, 4*hv.MaxRequests),
	}
}

func (f *fakeBridge) SetRequestBuffer(vmID uint16, addr uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setErr != nil {
		return f.setErr
	}
	f.buffers[vmID] = addr
	return nil
}

func (f *fakeBridge) NotifyFinished(vmID uint16, slot int) error {
	f.mu.Lock()
	f.finished = append(f.finished, finished{vm: vmID, slot: slot})
	err := f.notifyErr
	f.mu.Unlock()

	select {
	case f.finishedCh <- finished{vm: vmID, slot: slot}:
	default:
	}
	return err
}

func (f *fakeBridge) finishedSlots() []finished {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]finished, len(f.finished))
	copy(out, f.finished)
	return out
}

var _ hv.Bridge = (*fakeBridge)(nil)

func newTestBroker(t *testing.T) (*Broker, *fakeBridge) {
	t.Helper()
	bridge := newFakeBridge()
	return New(bridge, Config{DestroyPollInterval: time.Millisecond}), bridge
}

// newTestVM creates a VM with a bound request buffer.
func newTestVM(t *testing.T, b *Broker, id uint16, vcpus int) *VM {
	t.Helper()
	vm, err := b.NewVM(id, vcpus)
	if err != nil {
		t.Fatalf("NewVM(%d): %v", id, err)
	}
	page, err := hv.AllocateRequestPage()
	if err != nil {
		t.Fatalf("allocate page: %v", err)
	}
	if err := vm.InitRequestBuffer(page); err != nil {
		hv.FreeRequestPage(page)
		t.Fatalf("InitRequestBuffer: %v", err)
	}
	t.Cleanup(func() {
		if !vm.freed.Load() {
			if err := vm.Free(); err != nil {
				t.Errorf("vm.Free: %v", err)
			}
		}
		hv.FreeRequestPage(page)
	})
	return vm
}

func postMMIO(vm *VM, slot int, dir hv.Direction, addr, size, value uint64) *hv.Request {
	req := &vm.RequestBuffer()[slot]
	req.Reset()
	req.Type = hv.RequestMMIO
	mmio := req.MMIO()
	mmio.Direction = dir
	mmio.Address = addr
	mmio.Size = size
	mmio.Value = value
	req.SetState(hv.StatePending)
	req.SetValid(true)
	return req
}

func postPIO(vm *VM, slot int, dir hv.Direction, port, size uint64, value uint32) *hv.Request {
	req := &vm.RequestBuffer()[slot]
	req.Reset()
	req.Type = hv.RequestPortIO
	pio := req.PIO()
	pio.Direction = dir
	pio.Address = port
	pio.Size = size
	pio.Value = value
	req.SetState(hv.StatePending)
	req.SetValid(true)
	return req
}

func mustCreateClient(t *testing.T, b *Broker, vm *VM, name string, handler Handler) int {
	t.Helper()
	id, err := b.CreateClient(vm, name, handler)
	if err != nil {
		t.Fatalf("CreateClient(%s): %v", name, err)
	}
	return id
}

func mustClient(t *testing.T, b *Broker, id int) *Client {
	t.Helper()
	c, err := b.Client(id)
	if err != nil {
		t.Fatalf("Client(%d): %v", id, err)
	}
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(time.Millisecond)
	}
}
