package loopback_test

import (
	"context"
	"errors"
	"math/bits"
	"testing"
	"time"

	"github.com/tinyrange/vhm/internal/hv"
	"github.com/tinyrange/vhm/internal/hv/loopback"
	"github.com/tinyrange/vhm/internal/ioreq"
)

type rig struct {
	hyp    *loopback.Hypervisor
	broker *ioreq.Broker
	vm     *ioreq.VM
}

func newRig(t *testing.T, id uint16, vcpus int) *rig {
	t.Helper()
	hyp := loopback.New()
	broker := ioreq.New(hyp, ioreq.Config{DestroyPollInterval: time.Millisecond})

	vm, err := broker.NewVM(id, vcpus)
	if err != nil {
		t.Fatal(err)
	}
	if err := hyp.CreateVM(id, func() error { return broker.Distribute(vm) }); err != nil {
		t.Fatal(err)
	}
	page, err := hv.AllocateRequestPage()
	if err != nil {
		t.Fatal(err)
	}
	if err := vm.InitRequestBuffer(page); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		if err := vm.Free(); err != nil {
			t.Errorf("Free: %v", err)
		}
		hyp.DestroyVM(id)
		hv.FreeRequestPage(page)
	})
	return &rig{hyp: hyp, broker: broker, vm: vm}
}

// serveMMIO registers a worker client answering reads in [start, end] with
// value and failing writes when fail is set.
func (r *rig) serveMMIO(t *testing.T, start, end, value uint64, fail bool) int {
	t.Helper()
	id, err := r.broker.CreateClient(r.vm, "mmio", func(id int, pending uint64) error {
		buf, err := r.broker.RequestBuffer(id)
		if err != nil {
			return err
		}
		for pending != 0 {
			slot := bits.TrailingZeros64(pending)
			pending &^= 1 << slot
			req := &buf[slot]
			if req.MMIO().Direction == hv.DirectionRead {
				req.MMIO().Value = value
			} else if fail {
				req.SetState(hv.StateFailed)
			}
			if err := r.broker.Complete(id, slot); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.broker.AddRange(id, hv.RequestMMIO, start, end); err != nil {
		t.Fatal(err)
	}
	return id
}

func mmio(dir hv.Direction, addr, size, value uint64) *hv.Request {
	req := &hv.Request{Type: hv.RequestMMIO}
	req.MMIO().Direction = dir
	req.MMIO().Address = addr
	req.MMIO().Size = size
	req.MMIO().Value = value
	return req
}

func pio(dir hv.Direction, port, size uint64, value uint32) *hv.Request {
	req := &hv.Request{Type: hv.RequestPortIO}
	req.PIO().Direction = dir
	req.PIO().Address = port
	req.PIO().Size = size
	req.PIO().Value = value
	return req
}

func TestExitRoundTrip(t *testing.T) {
	r := newRig(t, 1, 2)
	id := r.serveMMIO(t, 0x1000, 0x1fff, 0xcafe, false)

	req := mmio(hv.DirectionRead, 0x1008, 8, 0)
	if err := r.hyp.Exit(context.Background(), 1, 1, req); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if req.MMIO().Value != 0xcafe {
		t.Fatalf("read value = %#x, want 0xcafe", req.MMIO().Value)
	}
	if req.State() != hv.StateSuccess || req.Client != int32(id) {
		t.Fatalf("state=%s client=%d", req.State(), req.Client)
	}

	stats, err := r.hyp.Stats(1)
	if err != nil {
		t.Fatal(err)
	}
	if stats != (loopback.Stats{Exits: 1, Completed: 1}) {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestExitFailedRequest(t *testing.T) {
	r := newRig(t, 1, 1)
	r.serveMMIO(t, 0x1000, 0x1fff, 0, true)

	err := r.hyp.Exit(context.Background(), 1, 0, mmio(hv.DirectionWrite, 0x1000, 4, 1))
	if !errors.Is(err, loopback.ErrRequestFailed) {
		t.Fatalf("Exit: err = %v, want ErrRequestFailed", err)
	}
	stats, _ := r.hyp.Stats(1)
	if stats.Failed != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestExitDisabledConfigSpace(t *testing.T) {
	r := newRig(t, 3, 1)
	if _, err := r.broker.CreateFallbackClient(r.vm, "fallback"); err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()

	if err := r.hyp.Exit(ctx, 3, 0, pio(hv.DirectionWrite, 0xcf8, 4, 0x00000000)); err != nil {
		t.Fatalf("address write: %v", err)
	}
	req := pio(hv.DirectionRead, 0xcfc, 4, 0)
	if err := r.hyp.Exit(ctx, 3, 0, req); err != nil {
		t.Fatalf("data read: %v", err)
	}
	if req.PIO().Value != 0xffffffff {
		t.Fatalf("data read = %#x, want all ones", req.PIO().Value)
	}
}

func TestExitWaitsForFallback(t *testing.T) {
	r := newRig(t, 2, 1)
	fb, err := r.broker.CreateFallbackClient(r.vm, "fallback")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		for {
			res, err := r.broker.Attach(ctx, fb)
			if err != nil || res != ioreq.AttachHasWork {
				return
			}
			c, _ := r.broker.Client(fb)
			pending := c.Pending()
			buf, _ := r.broker.RequestBuffer(fb)
			for slot := 0; slot < hv.MaxRequests; slot++ {
				if pending&(1<<slot) != 0 {
					buf[slot].PIO().Value = 0x5a
					r.broker.Complete(fb, slot)
				}
			}
		}
	}()

	req := pio(hv.DirectionRead, 0x60, 1, 0)
	if err := r.hyp.Exit(ctx, 2, 0, req); err != nil {
		t.Fatalf("Exit: %v", err)
	}
	if req.PIO().Value != 0x5a || req.Client != int32(fb) {
		t.Fatalf("value=%#x client=%d", req.PIO().Value, req.Client)
	}
}

func TestExitCancelled(t *testing.T) {
	r := newRig(t, 1, 1)
	fb, err := r.broker.CreateFallbackClient(r.vm, "fallback")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err = r.hyp.Exit(ctx, 1, 0, mmio(hv.DirectionRead, 0x10, 4, 0))
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("Exit: err = %v, want deadline exceeded", err)
	}

	// The abandoned request still owns the slot, so the next exit waits
	// for it before posting its own.
	next := make(chan error, 1)
	req := mmio(hv.DirectionRead, 0x20, 4, 0)
	go func() { next <- r.hyp.Exit(context.Background(), 1, 0, req) }()

	select {
	case err := <-next:
		t.Fatalf("Exit returned while the slot was still owned: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	c, err := r.broker.Client(fb)
	if err != nil {
		t.Fatal(err)
	}
	if err := r.broker.Complete(fb, 0); err != nil {
		t.Fatalf("complete abandoned request: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for c.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("second request never reached the fallback client")
		}
		time.Sleep(time.Millisecond)
	}
	buf, _ := r.broker.RequestBuffer(fb)
	buf[0].MMIO().Value = 0x77
	if err := r.broker.Complete(fb, 0); err != nil {
		t.Fatal(err)
	}

	if err := <-next; err != nil {
		t.Fatalf("second Exit: %v", err)
	}
	if req.MMIO().Address != 0x20 || req.MMIO().Value != 0x77 {
		t.Fatalf("second Exit returned addr=%#x value=%#x", req.MMIO().Address, req.MMIO().Value)
	}
}

func TestExitErrors(t *testing.T) {
	hyp := loopback.New()
	ctx := context.Background()

	if err := hyp.Exit(ctx, 9, 0, mmio(hv.DirectionRead, 0, 1, 0)); !errors.Is(err, hv.ErrUnknownVM) {
		t.Fatalf("unknown vm: err = %v", err)
	}
	if err := hyp.CreateVM(9, nil); err != nil {
		t.Fatal(err)
	}
	if err := hyp.CreateVM(9, nil); !errors.Is(err, loopback.ErrVMExists) {
		t.Fatalf("duplicate vm: err = %v", err)
	}
	if err := hyp.Exit(ctx, 9, 0, mmio(hv.DirectionRead, 0, 1, 0)); !errors.Is(err, loopback.ErrNoBuffer) {
		t.Fatalf("no buffer: err = %v", err)
	}
	if err := hyp.Exit(ctx, 9, hv.MaxRequests, mmio(hv.DirectionRead, 0, 1, 0)); !errors.Is(err, loopback.ErrInvalidVCPU) {
		t.Fatalf("bad vcpu: err = %v", err)
	}
	if err := hyp.SetRequestBuffer(9, 0x1001); err == nil {
		t.Fatal("misaligned buffer accepted")
	}
	if err := hyp.NotifyFinished(9, -1); !errors.Is(err, loopback.ErrInvalidVCPU) {
		t.Fatalf("bad slot: err = %v", err)
	}
}
