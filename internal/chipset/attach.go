package chipset

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"math/bits"

	"gvisor.dev/gvisor/pkg/atomicbitops"
	"gvisor.dev/gvisor/pkg/cleanup"

	"github.com/tinyrange/vhm/internal/hv"
	"github.com/tinyrange/vhm/internal/ioreq"
)

var ErrAttached = errors.New("chipset: already attached")

// Attach registers the chipset with broker as worker clients of vm: one
// client claims every port and MMIO region, and each PCI function gets its own
// client trapping its address.
func (c *Chipset) Attach(broker *ioreq.Broker, vm *ioreq.VM) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broker != nil {
		return ErrAttached
	}

	counters := make(map[int]*atomicbitops.Uint64)
	newClient := func(name string) (int, error) {
		served := new(atomicbitops.Uint64)
		id, err := broker.CreateClient(vm, name, func(id int, pending uint64) error {
			return c.serve(broker, served, id, pending)
		})
		if err == nil {
			counters[id] = served
		}
		return id, err
	}

	var created []int
	cu := cleanup.Make(func() {
		for _, id := range created {
			if err := broker.DestroyClient(id); err != nil {
				slog.Warn("chipset: rollback client", "id", id, "error", err)
			}
		}
	})
	defer cu.Clean()

	if len(c.pio) > 0 || len(c.mmio) > 0 {
		id, err := newClient("chipset")
		if err != nil {
			return fmt.Errorf("chipset: create client: %w", err)
		}
		created = append(created, id)

		for _, run := range portRanges(c.pio) {
			if err := broker.AddRange(id, hv.RequestPortIO, run[0], run[1]); err != nil {
				return fmt.Errorf("chipset: claim ports: %w", err)
			}
		}
		for _, binding := range c.mmio {
			r := binding.region
			if err := broker.AddRange(id, hv.RequestMMIO, r.Address, r.Address+r.Size-1); err != nil {
				return fmt.Errorf("chipset: claim mmio: %w", err)
			}
		}
	}

	for _, bdf := range c.pciAddresses() {
		id, err := newClient("pci " + bdf.String())
		if err != nil {
			return fmt.Errorf("chipset: create client for %s: %w", bdf, err)
		}
		created = append(created, id)
		if err := broker.InterceptBDF(id, bdf); err != nil {
			return fmt.Errorf("chipset: trap %s: %w", bdf, err)
		}
	}

	cu.Release()
	c.broker = broker
	c.clients = created
	c.servedBy = counters
	slog.Info("chipset: attached", "vm", vm.ID(), "clients", len(created))
	return nil
}

// Detach destroys the clients created by Attach.
func (c *Chipset) Detach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.broker == nil {
		return nil
	}

	var errs []error
	for _, id := range c.clients {
		if err := c.broker.DestroyClient(id); err != nil {
			errs = append(errs, err)
		}
	}
	c.broker = nil
	c.clients = nil
	c.servedBy = nil
	return errors.Join(errs...)
}

// Served returns how many requests the attached client id has serviced.
func (c *Chipset) Served(id int) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if n, ok := c.servedBy[id]; ok {
		return n.Load()
	}
	return 0
}

// Clients returns the ids of the attached clients.
func (c *Chipset) Clients() []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]int(nil), c.clients...)
}

func (c *Chipset) serve(broker *ioreq.Broker, served *atomicbitops.Uint64, id int, pending uint64) error {
	buf, err := broker.RequestBuffer(id)
	if err != nil {
		return err
	}

	var errs []error
	for pending != 0 {
		slot := bits.TrailingZeros64(pending)
		pending &^= 1 << slot

		req := &buf[slot]
		if err := c.handle(req); err != nil {
			req.SetState(hv.StateFailed)
			c.failed.Add(1)
			slog.Warn("chipset: device access failed", "client", id, "slot", slot, "error", err)
		}
		c.served.Add(1)
		served.Add(1)

		if err := broker.Complete(id, slot); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// handle performs the device access described by req, writing read results
// back into the request.
func (c *Chipset) handle(req *hv.Request) error {
	var scratch [8]byte

	switch req.Type {
	case hv.RequestPortIO:
		pio := req.PIO()
		data, err := accessBytes(scratch[:], pio.Size, 4)
		if err != nil {
			return err
		}
		port := uint16(pio.Address)
		if pio.Direction == hv.DirectionWrite {
			binary.LittleEndian.PutUint32(scratch[:], pio.Value)
			return c.HandlePIO(port, data, true)
		}
		if err := c.HandlePIO(port, data, false); err != nil {
			return err
		}
		pio.Value = uint32(littleEndian(data))
		return nil

	case hv.RequestMMIO, hv.RequestWriteProtect:
		mmio := req.MMIO()
		data, err := accessBytes(scratch[:], mmio.Size, 8)
		if err != nil {
			return err
		}
		if mmio.Direction == hv.DirectionWrite || req.Type == hv.RequestWriteProtect {
			binary.LittleEndian.PutUint64(scratch[:], mmio.Value)
			return c.HandleMMIO(mmio.Address, data, true)
		}
		if err := c.HandleMMIO(mmio.Address, data, false); err != nil {
			return err
		}
		mmio.Value = littleEndian(data)
		return nil

	case hv.RequestPciConfig:
		cfg := req.PCI()
		bdf := req.Target()
		register := uint16(cfg.Register)
		size := uint8(cfg.Size)
		if cfg.Direction == hv.DirectionWrite {
			return c.WritePCI(bdf, register, size, uint32(cfg.Value))
		}
		value, err := c.ReadPCI(bdf, register, size)
		cfg.Value = int32(value)
		return err

	default:
		return fmt.Errorf("chipset: unsupported request type %s", req.Type)
	}
}

func accessBytes(scratch []byte, size uint64, limit uint64) ([]byte, error) {
	switch size {
	case 1, 2, 4, 8:
		if size <= limit {
			return scratch[:size], nil
		}
	}
	return nil, fmt.Errorf("chipset: unsupported access size %d", size)
}

func littleEndian(data []byte) uint64 {
	var buf [8]byte
	copy(buf[:], data)
	return binary.LittleEndian.Uint64(buf[:])
}
