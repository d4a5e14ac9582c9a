package chipset

import (
	"fmt"
	"sort"

	"github.com/tinyrange/vhm/internal/devices/pci"
	"github.com/tinyrange/vhm/internal/hv"
)

type mmioBinding struct {
	region  Region
	handler MmioHandler
}

type pciBinding struct {
	device string
	fn     pci.Function
}

// ChipsetBuilder registers devices and their intercepts before creating a Chipset.
type ChipsetBuilder struct {
	devices map[string]ChipsetDevice
	pio     map[uint16]PortIOHandler
	mmio    []mmioBinding
	pci     map[hv.BDF]pciBinding
}

// NewBuilder returns an empty ChipsetBuilder instance.
func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{
		devices: make(map[string]ChipsetDevice),
		pio:     make(map[uint16]PortIOHandler),
		pci:     make(map[hv.BDF]pciBinding),
	}
}

// RegisterDevice adds a chipset device and wires up its intercepts.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	if b == nil {
		return fmt.Errorf("chipset builder is nil")
	}
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if dev == nil {
		return fmt.Errorf("device %q is nil", name)
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	if intercept := dev.SupportsPortIO(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided port I/O ports with nil handler", name)
		}
		for _, port := range intercept.Ports {
			if err := b.WithPioPort(port, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided MMIO regions with nil handler", name)
		}
		for _, region := range intercept.Regions {
			if err := b.WithMmioRegion(region.Address, region.Size, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if intercept := dev.SupportsPCI(); intercept != nil {
		if err := b.withPCIFunction(name, intercept.Address, intercept.Function); err != nil {
			return fmt.Errorf("device %q: %w", name, err)
		}
	}

	b.devices[name] = dev
	return nil
}

// WithPioPort registers a single I/O port handler. The legacy PCI
// configuration ports belong to the broker and cannot be claimed.
func (b *ChipsetBuilder) WithPioPort(port uint16, handler PortIOHandler) error {
	if handler == nil {
		return fmt.Errorf("PIO handler for port 0x%x is nil", port)
	}
	if port >= pci.ConfigAddressPort && port <= pci.ConfigDataPort+3 {
		return fmt.Errorf("PIO port 0x%x is reserved for PCI configuration", port)
	}
	if _, exists := b.pio[port]; exists {
		return fmt.Errorf("PIO port 0x%x already registered", port)
	}
	b.pio[port] = handler
	return nil
}

// WithMmioRegion registers a memory-mapped region handler.
func (b *ChipsetBuilder) WithMmioRegion(base, size uint64, handler MmioHandler) error {
	if handler == nil {
		return fmt.Errorf("MMIO handler for region 0x%x size 0x%x is nil", base, size)
	}
	if size == 0 {
		return fmt.Errorf("MMIO region at 0x%x has zero size", base)
	}
	if base+size < base {
		return fmt.Errorf("MMIO region at 0x%x with size 0x%x overflows", base, size)
	}
	for _, existing := range b.mmio {
		if regionsOverlap(base, size, existing.region.Address, existing.region.Size) {
			return fmt.Errorf(
				"MMIO region 0x%x-0x%x overlaps existing region 0x%x-0x%x",
				base, base+size-1, existing.region.Address, existing.region.Address+existing.region.Size-1)
		}
	}

	b.mmio = append(b.mmio, mmioBinding{
		region:  Region{Address: base, Size: size},
		handler: handler,
	})
	return nil
}

// WithPCIFunction places fn at bdf.
func (b *ChipsetBuilder) WithPCIFunction(bdf hv.BDF, fn pci.Function) error {
	return b.withPCIFunction("", bdf, fn)
}

func (b *ChipsetBuilder) withPCIFunction(device string, bdf hv.BDF, fn pci.Function) error {
	if fn == nil {
		return fmt.Errorf("PCI function %s is nil", bdf)
	}
	if bdf.Device > 31 || bdf.Function > 7 {
		return fmt.Errorf("PCI address %s out of range", bdf)
	}
	if _, exists := b.pci[bdf]; exists {
		return fmt.Errorf("PCI function %s already registered", bdf)
	}
	b.pci[bdf] = pciBinding{device: device, fn: fn}
	return nil
}

// Build finalizes the chipset layout and returns the constructed Chipset.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if b == nil {
		return nil, fmt.Errorf("chipset builder is nil")
	}

	devices := make(map[string]ChipsetDevice, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}

	pio := make(map[uint16]PortIOHandler, len(b.pio))
	for port, handler := range b.pio {
		pio[port] = handler
	}

	mmio := make([]mmioBinding, len(b.mmio))
	copy(mmio, b.mmio)

	functions := make(map[hv.BDF]pciBinding, len(b.pci))
	for bdf, binding := range b.pci {
		functions[bdf] = binding
	}

	return &Chipset{
		devices: devices,
		pio:     pio,
		mmio:    mmio,
		pci:     functions,
	}, nil
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}

// portRanges folds the registered ports into inclusive [start, end] runs.
func portRanges(ports map[uint16]PortIOHandler) [][2]uint64 {
	sorted := make([]int, 0, len(ports))
	for port := range ports {
		sorted = append(sorted, int(port))
	}
	sort.Ints(sorted)

	var runs [][2]uint64
	for _, port := range sorted {
		p := uint64(port)
		if n := len(runs); n > 0 && runs[n-1][1]+1 == p {
			runs[n-1][1] = p
			continue
		}
		runs = append(runs, [2]uint64{p, p})
	}
	return runs
}
