package chipset

import (
	"fmt"
	"sort"
	"sync"

	"gvisor.dev/gvisor/pkg/atomicbitops"

	"github.com/tinyrange/vhm/internal/hv"
	"github.com/tinyrange/vhm/internal/ioreq"
)

// Chipset represents the built dispatch tables for chipset devices.
type Chipset struct {
	devices map[string]ChipsetDevice
	pio     map[uint16]PortIOHandler
	mmio    []mmioBinding
	pci     map[hv.BDF]pciBinding

	mu       sync.Mutex
	broker   *ioreq.Broker
	clients  []int
	servedBy map[int]*atomicbitops.Uint64

	served atomicbitops.Uint64
	failed atomicbitops.Uint64
}

// Start activates all registered devices.
func (c *Chipset) Start() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Start(); err != nil {
			return fmt.Errorf("chipset: start device %q: %w", name, err)
		}
	}
	return nil
}

// Stop deactivates all registered devices.
func (c *Chipset) Stop() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Stop(); err != nil {
			return fmt.Errorf("chipset: stop device %q: %w", name, err)
		}
	}
	return nil
}

// Reset resets all registered devices.
func (c *Chipset) Reset() error {
	for _, name := range c.deviceNames() {
		if err := c.devices[name].Reset(); err != nil {
			return fmt.Errorf("chipset: reset device %q: %w", name, err)
		}
	}
	return nil
}

// HandlePIO dispatches an I/O port access to the registered device.
func (c *Chipset) HandlePIO(port uint16, data []byte, isWrite bool) error {
	handler, ok := c.pio[port]
	if !ok {
		return fmt.Errorf("chipset: no handler for I/O port 0x%04x", port)
	}
	if isWrite {
		return handler.WriteIOPort(port, data)
	}
	return handler.ReadIOPort(port, data)
}

// HandleMMIO dispatches an MMIO access to the registered device.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	accessEnd := addr + uint64(len(data))
	if accessEnd < addr {
		return fmt.Errorf("chipset: MMIO access overflow at 0x%016x", addr)
	}

	for _, binding := range c.mmio {
		start := binding.region.Address
		end := start + binding.region.Size
		if addr >= start && accessEnd <= end {
			if isWrite {
				return binding.handler.WriteMMIO(addr, data)
			}
			return binding.handler.ReadMMIO(addr, data)
		}
	}

	return fmt.Errorf("chipset: no handler for MMIO address 0x%016x", addr)
}

// ReadPCI reads a configuration register of the function at bdf.
func (c *Chipset) ReadPCI(bdf hv.BDF, register uint16, size uint8) (uint32, error) {
	binding, ok := c.pci[bdf]
	if !ok {
		return 0, fmt.Errorf("chipset: no PCI function at %s", bdf)
	}
	return binding.fn.ReadConfig(register, size)
}

// WritePCI writes a configuration register of the function at bdf.
func (c *Chipset) WritePCI(bdf hv.BDF, register uint16, size uint8, value uint32) error {
	binding, ok := c.pci[bdf]
	if !ok {
		return fmt.Errorf("chipset: no PCI function at %s", bdf)
	}
	return binding.fn.WriteConfig(register, size, value)
}

// Stats returns how many requests the chipset has serviced and how many of
// those failed.
func (c *Chipset) Stats() (served, failed uint64) {
	return c.served.Load(), c.failed.Load()
}

func (c *Chipset) deviceNames() []string {
	names := make([]string, 0, len(c.devices))
	for name := range c.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func (c *Chipset) pciAddresses() []hv.BDF {
	out := make([]hv.BDF, 0, len(c.pci))
	for bdf := range c.pci {
		out = append(out, bdf)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Bus != b.Bus {
			return a.Bus < b.Bus
		}
		if a.Device != b.Device {
			return a.Device < b.Device
		}
		return a.Function < b.Function
	})
	return out
}
