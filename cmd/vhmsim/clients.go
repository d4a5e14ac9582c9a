package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/waiter"

	"github.com/tinyrange/vhm/internal/hv"
	"github.com/tinyrange/vhm/internal/ioreq"
)

func sizeMask(size uint64) uint64 {
	if size >= 8 {
		return ^uint64(0)
	}
	return uint64(1)<<(size*8) - 1
}

// scratchClient is a bank of registers addressed by guest address. Reads
// return the last value written to the same address.
type scratchClient struct {
	broker *ioreq.Broker
	cfg    ClientConfig
	id     int

	mu   sync.Mutex
	regs map[uint64]uint64

	served atomicbitops.Uint64
}

func newScratchClient(broker *ioreq.Broker, vm *ioreq.VM, cfg ClientConfig) (*scratchClient, error) {
	s := &scratchClient{
		broker: broker,
		cfg:    cfg,
		regs:   make(map[uint64]uint64),
	}

	var handler ioreq.Handler
	if cfg.Mode == "worker" {
		handler = s.serve
	}
	id, err := broker.CreateClient(vm, cfg.Name, handler)
	if err != nil {
		return nil, err
	}
	s.id = id

	typ := hv.RequestMMIO
	if cfg.Kind == "pio" {
		typ = hv.RequestPortIO
	}
	if err := broker.AddRange(id, typ, cfg.Start, cfg.End); err != nil {
		broker.DestroyClient(id)
		return nil, err
	}
	return s, nil
}

// run drives a rendezvous client until ctx ends or the client is destroyed.
func (s *scratchClient) run(ctx context.Context) error {
	for {
		res, err := s.broker.Attach(ctx, s.id)
		switch {
		case res == ioreq.AttachStopped || res == ioreq.AttachDestroying:
			return nil
		case err != nil:
			return err
		}
		c, err := s.broker.Client(s.id)
		if err != nil {
			return err
		}
		if err := s.serve(s.id, c.Pending()); err != nil {
			s.broker.Disconnect(s.id)
			return err
		}
	}
}

func (s *scratchClient) serve(id int, pending uint64) error {
	buf, err := s.broker.RequestBuffer(id)
	if err != nil {
		return err
	}
	var errs []error
	for pending != 0 {
		slot := bits.TrailingZeros64(pending)
		pending &^= 1 << slot
		s.access(&buf[slot])
		s.served.Add(1)
		if err := s.broker.Complete(id, slot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (s *scratchClient) access(req *hv.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch req.Type {
	case hv.RequestPortIO:
		pio := req.PIO()
		mask := sizeMask(pio.Size)
		if pio.Direction == hv.DirectionWrite {
			s.regs[pio.Address] = uint64(pio.Value) & mask
			return
		}
		pio.Value = uint32(s.regs[pio.Address] & mask)
	case hv.RequestMMIO:
		mmio := req.MMIO()
		mask := sizeMask(mmio.Size)
		if mmio.Direction == hv.DirectionWrite {
			s.regs[mmio.Address] = mmio.Value & mask
			return
		}
		mmio.Value = s.regs[mmio.Address] & mask
	default:
		req.SetState(hv.StateFailed)
	}
}

// fallbackLoop answers every unclaimed request the way an empty bus does:
// reads return all ones and writes are dropped. It waits on the broker's
// fallback poller instead of blocking inside the broker.
type fallbackLoop struct {
	broker *ioreq.Broker
	poller *ioreq.Poller
	served atomicbitops.Uint64
}

func newFallbackLoop(broker *ioreq.Broker, vm *ioreq.VM) (*fallbackLoop, error) {
	if _, err := broker.CreateFallbackClient(vm, "fallback"); err != nil {
		return nil, err
	}
	poller, err := broker.FallbackPoller(vm)
	if err != nil {
		return nil, err
	}
	return &fallbackLoop{broker: broker, poller: poller}, nil
}

func (f *fallbackLoop) id() int { return f.poller.ClientID() }

func (f *fallbackLoop) run(ctx context.Context) error {
	defer f.poller.Close()

	e, ch := waiter.NewChannelEntry(waiter.EventIn | waiter.EventHUp)
	if err := f.poller.EventRegister(&e); err != nil {
		return fmt.Errorf("fallback: register: %w", err)
	}
	defer f.poller.EventUnregister(&e)

	for {
		ready := f.poller.Readiness(waiter.EventIn)
		if ready&waiter.EventHUp != 0 {
			return nil
		}
		if ready&waiter.EventIn != 0 {
			if err := f.drain(); err != nil {
				return err
			}
			continue
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return nil
		}
	}
}

func (f *fallbackLoop) drain() error {
	id := f.id()
	c, err := f.broker.Client(id)
	if err != nil {
		return err
	}
	buf, err := f.broker.RequestBuffer(id)
	if err != nil {
		return err
	}

	pending := c.Pending()
	for pending != 0 {
		slot := bits.TrailingZeros64(pending)
		pending &^= 1 << slot

		req := &buf[slot]
		unclaimed(req)
		slog.Debug("fallback: unclaimed access", "slot", slot, "type", req.Type)
		f.served.Add(1)
		if err := f.broker.Complete(id, slot); err != nil {
			slog.Warn("fallback: complete", "slot", slot, "error", err)
		}
	}
	return nil
}

func unclaimed(req *hv.Request) {
	switch req.Type {
	case hv.RequestPortIO:
		if pio := req.PIO(); pio.Direction == hv.DirectionRead {
			pio.Value = uint32(sizeMask(pio.Size))
		}
	case hv.RequestMMIO:
		if mmio := req.MMIO(); mmio.Direction == hv.DirectionRead {
			mmio.Value = sizeMask(mmio.Size)
		}
	case hv.RequestPciConfig:
		if cfg := req.PCI(); cfg.Direction == hv.DirectionRead {
			cfg.Value = int32(uint32(sizeMask(uint64(cfg.Size))))
		}
	}
}
