package ioreq

import (
	"fmt"
	"math/bits"
	"strings"
	"testing"

	"golang.org/x/sync/errgroup"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/vhm/internal/hv"
)

func TestDistributeRoutesByRange(t *testing.T) {
	b, _ := newTestBroker(t)
	vm := newTestVM(t, b, 1, 2)

	a := mustCreateClient(t, b, vm, "a", nil)
	if err := b.AddRange(a, hv.RequestMMIO, 0x1000, 0x1fff); err != nil {
		t.Fatal(err)
	}
	fb, err := b.CreateFallbackClient(vm, "fallback")
	if err != nil {
		t.Fatal(err)
	}

	r0 := postMMIO(vm, 0, hv.DirectionRead, 0x1500, 4, 0)
	r1 := postMMIO(vm, 1, hv.DirectionWrite, 0x3000, 4, 0xdead)

	if err := b.Distribute(vm); err != nil {
		t.Fatalf("Distribute: %v", err)
	}

	if r0.Client != int32(a) || r0.State() != hv.StateProcessing {
		t.Errorf("slot 0: client=%d state=%s, want client=%d processing", r0.Client, r0.State(), a)
	}
	if r1.Client != int32(fb) || r1.State() != hv.StateProcessing {
		t.Errorf("slot 1: client=%d state=%s, want client=%d processing", r1.Client, r1.State(), fb)
	}
	if got := mustClient(t, b, a).Pending(); got != 1<<0 {
		t.Errorf("client a pending = %#x, want 0x1", got)
	}
	if got := mustClient(t, b, fb).Pending(); got != 1<<1 {
		t.Errorf("fallback pending = %#x, want 0x2", got)
	}
}

func TestDistributeFirstRegisteredClientWins(t *testing.T) {
	b, _ := newTestBroker(t)
	vm := newTestVM(t, b, 1, 1)

	a := mustCreateClient(t, b, vm, "a", nil)
	c := mustCreateClient(t, b, vm, "b", nil)
	b.AddRange(a, hv.RequestMMIO, 0x1000, 0x1fff)
	b.AddRange(c, hv.RequestMMIO, 0x1800, 0x27ff)

	req := postMMIO(vm, 0, hv.DirectionRead, 0x1900, 4, 0)
	if err := b.Distribute(vm); err != nil {
		t.Fatal(err)
	}
	if req.Client != int32(a) {
		t.Fatalf("overlapping ranges: request went to client %d, want %d", req.Client, a)
	}
	if mustClient(t, b, c).Pending() != 0 {
		t.Fatalf("second client received the request as well")
	}
}

func TestDistributeWithoutFallbackPanics(t *testing.T) {
	b, _ := newTestBroker(t)
	vm := newTestVM(t, b, 1, 1)
	a := mustCreateClient(t, b, vm, "a", nil)
	b.AddRange(a, hv.RequestMMIO, 0x1000, 0x1fff)

	postMMIO(vm, 0, hv.DirectionRead, 0x9000, 4, 0)

	defer func() {
		r := recover()
		if r == nil {
			t.Fatal("Distribute did not panic for an unclaimed request")
		}
		if msg := fmt.Sprint(r); !strings.Contains(msg, "no client") {
			t.Fatalf("unexpected panic: %v", msg)
		}
		// Let the cleanup free the VM without touching the stuck slot.
		vm.RequestBuffer()[0].Reset()
	}()
	b.Distribute(vm)
}

func TestDistributeSkipsSettledAndOutOfRangeSlots(t *testing.T) {
	b, _ := newTestBroker(t)
	vm := newTestVM(t, b, 1, 2)
	fb, _ := b.CreateFallbackClient(vm, "fallback")

	done := postMMIO(vm, 0, hv.DirectionRead, 0x10, 4, 0)
	done.SetState(hv.StateProcessing)
	done.Client = 42
	postMMIO(vm, 1, hv.DirectionRead, 0x20, 4, 0).SetValid(false)
	// Slot 2 is beyond the VM's vCPU count.
	beyond := postMMIO(vm, 2, hv.DirectionRead, 0x30, 4, 0)

	if err := b.Distribute(vm); err != nil {
		t.Fatal(err)
	}
	if got := mustClient(t, b, fb).Pending(); got != 0 {
		t.Fatalf("fallback pending = %#x, want none", got)
	}
	if done.Client != 42 {
		t.Fatalf("processing slot was reassigned to %d", done.Client)
	}
	if beyond.State() != hv.StatePending {
		t.Fatalf("slot beyond vcpu count changed state to %s", beyond.State())
	}
}

func TestDistributeRoutesToDestroyingClient(t *testing.T) {
	b, bridge := newTestBroker(t)
	vm := newTestVM(t, b, 1, 2)

	entered := make(chan struct{})
	release := make(chan struct{})
	id := mustCreateClient(t, b, vm, "dev", func(client int, pending uint64) error {
		close(entered)
		<-release
		return b.Complete(client, 0)
	})
	b.AddRange(id, hv.RequestMMIO, 0x1000, 0x1fff)

	postMMIO(vm, 0, hv.DirectionRead, 0x1000, 4, 0)
	if err := b.Distribute(vm); err != nil {
		t.Fatal(err)
	}
	<-entered

	destroyed := make(chan error, 1)
	go func() { destroyed <- b.DestroyClient(id) }()
	waitFor(t, "destroying", func() bool { return mustClient(t, b, id).Destroying() })

	// The client still owns its range while it tears down; with no fallback
	// the request must not be treated as unroutable.
	req := postMMIO(vm, 1, hv.DirectionRead, 0x1004, 4, 0)
	if err := b.Distribute(vm); err != nil {
		t.Fatal(err)
	}
	if req.Client != int32(id) || req.State() != hv.StateProcessing {
		t.Fatalf("request client=%d state=%s, want %d processing", req.Client, req.State(), id)
	}

	close(release)
	if err := <-destroyed; err != nil {
		t.Fatalf("DestroyClient: %v", err)
	}

	// The worker stopped before serving slot 1, so teardown failed it.
	if req.IsValid() || req.State() != hv.StateFailed {
		t.Fatalf("leftover request valid=%v state=%s, want retired as failed", req.IsValid(), req.State())
	}
	want := []finished{{vm: 1, slot: 0}, {vm: 1, slot: 1}}
	if diff := cmp.Diff(want, bridge.finishedSlots(), cmp.AllowUnexported(finished{})); diff != "" {
		t.Errorf("finished notifications (-want +got):\n%s", diff)
	}
}

func TestDistributeResolvesDisabledConfigAccess(t *testing.T) {
	b, bridge := newTestBroker(t)
	vm := newTestVM(t, b, 2, 2)
	fb, _ := b.CreateFallbackClient(vm, "fallback")

	// Latch an address with the enable bit clear, then read the data port.
	addr := postPIO(vm, 0, hv.DirectionWrite, 0xcf8, 4, 0x00001810)
	data := postPIO(vm, 1, hv.DirectionRead, 0xcfc, 4, 0)

	if err := b.Distribute(vm); err != nil {
		t.Fatal(err)
	}

	for slot, req := range []*hv.Request{addr, data} {
		if req.IsValid() || req.State() != hv.StateSuccess {
			t.Errorf("slot %d: valid=%v state=%s, want retired with success", slot, req.IsValid(), req.State())
		}
	}
	if got := data.PIO().Value; got != 0xffffffff {
		t.Errorf("disabled data port read = %#x, want all ones", got)
	}
	if got := mustClient(t, b, fb).Pending(); got != 0 {
		t.Errorf("fallback received %#x for shim-handled accesses", got)
	}

	want := []finished{{vm: 2, slot: 0}, {vm: 2, slot: 1}}
	if diff := cmp.Diff(want, bridge.finishedSlots(), cmp.AllowUnexported(finished{})); diff != "" {
		t.Errorf("finished notifications (-want +got):\n%s", diff)
	}
}

func TestDistributeEmptyConfigSlotReadsAllOnes(t *testing.T) {
	b, bridge := newTestBroker(t)
	vm := newTestVM(t, b, 1, 2)
	dev := mustCreateClient(t, b, vm, "dev", nil)
	b.InterceptBDF(dev, hv.BDF{Device: 3})

	// 00:01.0 register 0 with the enable bit set; nothing traps it and the
	// VM has no fallback client.
	postPIO(vm, 0, hv.DirectionWrite, 0xcf8, 4, 0x80000000|1<<11)
	data := postPIO(vm, 1, hv.DirectionRead, 0xcfc, 4, 0)

	if err := b.Distribute(vm); err != nil {
		t.Fatal(err)
	}
	if got := data.PIO().Value; got != 0xffffffff {
		t.Fatalf("read of empty slot = %#x, want all ones", got)
	}
	if data.IsValid() || data.State() != hv.StateSuccess {
		t.Fatalf("valid=%v state=%s, want retired with success", data.IsValid(), data.State())
	}
	if got := mustClient(t, b, dev).Pending(); got != 0 {
		t.Fatalf("trapping client received %#x", got)
	}
	if n := len(bridge.finishedSlots()); n != 2 {
		t.Fatalf("%d finished notifications, want 2", n)
	}
}

func TestDistributeRoutesConfigAccessToTrap(t *testing.T) {
	b, _ := newTestBroker(t)
	vm := newTestVM(t, b, 1, 1)
	dev := mustCreateClient(t, b, vm, "dev", nil)
	other := mustCreateClient(t, b, vm, "other", nil)
	fb, _ := b.CreateFallbackClient(vm, "fallback")

	if err := b.InterceptBDF(dev, hv.BDF{Bus: 0, Device: 3, Function: 0}); err != nil {
		t.Fatal(err)
	}
	b.InterceptBDF(other, hv.BDF{Bus: 0, Device: 4, Function: 0})

	postPIO(vm, 0, hv.DirectionWrite, 0xcf8, 4, 0x80001810)
	if err := b.Distribute(vm); err != nil {
		t.Fatal(err)
	}

	req := postPIO(vm, 0, hv.DirectionRead, 0xcfe, 2, 0)
	if err := b.Distribute(vm); err != nil {
		t.Fatal(err)
	}

	if req.Type != hv.RequestPciConfig {
		t.Fatalf("request type = %s, want PCI config", req.Type)
	}
	cfg := req.PCI()
	if cfg.Register != 0x12 || cfg.Size != 2 || req.Target() != (hv.BDF{Device: 3}) {
		t.Fatalf("rewritten request = %s reg %#x size %d", req.Target(), cfg.Register, cfg.Size)
	}
	if req.Client != int32(dev) {
		t.Fatalf("config access routed to %d, want %d", req.Client, dev)
	}

	// An untrapped function falls through to the fallback client.
	b.Complete(dev, 0)
	postPIO(vm, 0, hv.DirectionWrite, 0xcf8, 4, 0x80002800)
	b.Distribute(vm)
	req = postPIO(vm, 0, hv.DirectionRead, 0xcfc, 4, 0)
	b.Distribute(vm)
	if req.Client != int32(fb) {
		t.Fatalf("untrapped config access routed to %d, want fallback %d", req.Client, fb)
	}
}

func TestDistributeWakesWorker(t *testing.T) {
	b, bridge := newTestBroker(t)
	vm := newTestVM(t, b, 1, 1)

	id := mustCreateClient(t, b, vm, "worker", func(client int, pending uint64) error {
		for pending != 0 {
			slot := bits.TrailingZeros64(pending)
			pending &^= 1 << slot
			req := &vm.RequestBuffer()[slot]
			req.MMIO().Value = 0x1234
			if err := b.Complete(client, slot); err != nil {
				return err
			}
		}
		return nil
	})
	b.AddRange(id, hv.RequestMMIO, 0x0, 0xfff)

	req := postMMIO(vm, 0, hv.DirectionRead, 0x100, 8, 0)
	if err := b.Distribute(vm); err != nil {
		t.Fatal(err)
	}

	got := <-bridge.finishedCh
	if got != (finished{vm: 1, slot: 0}) {
		t.Fatalf("finished = %+v", got)
	}
	if req.IsValid() || req.State() != hv.StateSuccess || req.MMIO().Value != 0x1234 {
		t.Fatalf("slot not completed: valid=%v state=%s value=%#x", req.IsValid(), req.State(), req.MMIO().Value)
	}
}

func TestDistributeRejectsUnboundVM(t *testing.T) {
	b, _ := newTestBroker(t)
	vm, err := b.NewVM(9, 1)
	if err != nil {
		t.Fatal(err)
	}
	defer vm.Free()

	if err := b.Distribute(vm); err == nil {
		t.Fatal("Distribute on VM without a buffer succeeded")
	}
	other, _ := newTestBroker(t)
	if err := other.Distribute(vm); err == nil {
		t.Fatal("Distribute accepted a VM owned by another broker")
	}
}

// Every dispatched slot is owned by exactly one client, across VMs
// distributed in parallel.
func TestDistributeSingleOwnerAcrossVMs(t *testing.T) {
	b, _ := newTestBroker(t)

	const vms = 4
	var machines []*VM
	for i := 0; i < vms; i++ {
		vm := newTestVM(t, b, uint16(i+1), hv.MaxRequests)
		lo := mustCreateClient(t, b, vm, "lo", nil)
		hi := mustCreateClient(t, b, vm, "hi", nil)
		b.AddRange(lo, hv.RequestMMIO, 0x0000, 0x0fff)
		b.AddRange(hi, hv.RequestMMIO, 0x1000, 0x1fff)
		if _, err := b.CreateFallbackClient(vm, "fallback"); err != nil {
			t.Fatal(err)
		}
		machines = append(machines, vm)
	}

	var g errgroup.Group
	for _, vm := range machines {
		g.Go(func() error {
			for slot := 0; slot < hv.MaxRequests; slot++ {
				postMMIO(vm, slot, hv.DirectionRead, uint64(slot)*0x300, 4, 0)
			}
			return b.Distribute(vm)
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}

	for _, vm := range machines {
		buf := vm.RequestBuffer()
		for slot := 0; slot < hv.MaxRequests; slot++ {
			owners := 0
			for _, c := range vm.Clients() {
				if c.Pending()&(1<<slot) != 0 {
					owners++
					if buf[slot].Client != int32(c.ID()) {
						t.Errorf("vm %d slot %d: pending on %d but request names %d", vm.ID(), slot, c.ID(), buf[slot].Client)
					}
				}
			}
			if owners != 1 {
				t.Errorf("vm %d slot %d: %d owners", vm.ID(), slot, owners)
			}
		}
	}
}

func TestUninterceptBDF(t *testing.T) {
	b, _ := newTestBroker(t)
	vm := newTestVM(t, b, 1, 1)
	dev := mustCreateClient(t, b, vm, "dev", nil)
	fb, _ := b.CreateFallbackClient(vm, "fallback")

	b.InterceptBDF(dev, hv.BDF{Device: 3})
	if err := b.UninterceptBDF(dev); err != nil {
		t.Fatalf("UninterceptBDF: %v", err)
	}
	if _, ok := mustClient(t, b, dev).Trap(); ok {
		t.Fatal("trap still set after UninterceptBDF")
	}

	postPIO(vm, 0, hv.DirectionWrite, 0xcf8, 4, 0x80001800)
	b.Distribute(vm)
	req := postPIO(vm, 0, hv.DirectionRead, 0xcfc, 4, 0)
	b.Distribute(vm)
	if req.Client != int32(fb) {
		t.Fatalf("config access routed to %d, want fallback %d", req.Client, fb)
	}
}
