package pci

import (
	"log/slog"
	"sync"

	"github.com/tinyrange/vhm/internal/hv"
)

const (
	ConfigAddressPort = 0x0cf8
	ConfigDataPort    = 0x0cfc

	configDataPortCount = 4
	configEnableBit     = uint32(1) << 31

	// allOnes is what a read of an absent function returns.
	allOnes = 0xffff_ffff
)

// configAddress is the value latched through port 0xCF8 (configuration
// mechanism #1).
type configAddress uint32

func (a configAddress) register() uint32 { return uint32(a) & 0xfc }
func (a configAddress) function() uint8  { return uint8((uint32(a) >> 8) & 0x7) }
func (a configAddress) device() uint8    { return uint8((uint32(a) >> 11) & 0x1f) }
func (a configAddress) bus() uint8       { return uint8((uint32(a) >> 16) & 0xff) }
func (a configAddress) enabled() bool    { return uint32(a)&configEnableBit != 0 }

func (a configAddress) target() hv.BDF {
	return hv.BDF{Bus: a.bus(), Device: a.device(), Function: a.function()}
}

// ShimResult describes what the shim did with a request.
type ShimResult int

const (
	// ShimPassThrough means the request is not a configuration port access.
	ShimPassThrough ShimResult = iota
	// ShimHandled means the request was resolved by the shim and must be
	// completed without being routed to a client.
	ShimHandled
	// ShimRewritten means the request was converted into a PCI configuration
	// request and must be routed by BDF.
	ShimRewritten
)

func (r ShimResult) String() string {
	switch r {
	case ShimHandled:
		return "handled"
	case ShimRewritten:
		return "rewritten"
	default:
		return "pass-through"
	}
}

// ConfigPortShim decodes the legacy PCI configuration ports. Only one
// configuration transaction is outstanding at a time, so a single latch is
// shared by every VM routed through the same broker.
type ConfigPortShim struct {
	mu      sync.Mutex
	address configAddress
}

func NewConfigPortShim() *ConfigPortShim {
	return &ConfigPortShim{}
}

func isConfigAddress(req *hv.Request) bool {
	return req.Type == hv.RequestPortIO && req.PIO().Address == ConfigAddressPort
}

func isConfigData(req *hv.Request) bool {
	if req.Type != hv.RequestPortIO {
		return false
	}
	addr := req.PIO().Address
	return addr >= ConfigDataPort && addr < ConfigDataPort+configDataPortCount
}

// Handle inspects req and, for configuration port accesses, either resolves
// it in place or rewrites it into a PCI configuration request.
func (s *ConfigPortShim) Handle(req *hv.Request) ShimResult {
	switch {
	case isConfigAddress(req):
		s.handleAddress(req.PIO())
		return ShimHandled
	case isConfigData(req):
		return s.handleData(req)
	default:
		return ShimPassThrough
	}
}

func (s *ConfigPortShim) handleAddress(pio *hv.PIORequest) {
	s.mu.Lock()
	defer s.mu.Unlock()

	size := pio.Size
	if size == 0 || size > 4 {
		size = 4
	}

	if pio.Direction == hv.DirectionWrite {
		if size == 4 {
			s.address = configAddress(pio.Value)
			return
		}
		// Sub-dword writes update the addressed bytes only.
		cur := uint32(s.address)
		for i := uint64(0); i < size; i++ {
			shift := i * 8
			mask := uint32(0xff) << shift
			cur = (cur &^ mask) | (pio.Value & mask)
		}
		s.address = configAddress(cur)
		return
	}

	value := uint32(s.address)
	if size < 4 {
		value &= (uint32(1) << (size * 8)) - 1
	}
	pio.Value = value
}

func (s *ConfigPortShim) handleData(req *hv.Request) ShimResult {
	s.mu.Lock()
	latched := s.address
	s.mu.Unlock()

	pio := req.PIO()
	if !latched.enabled() {
		if pio.Direction == hv.DirectionRead {
			pio.Value = allOnes
		}
		return ShimHandled
	}

	offset := uint32(pio.Address - ConfigDataPort)
	target := latched.target()

	req.Type = hv.RequestPciConfig
	pci := req.PCI()
	pci.Bus = int32(target.Bus)
	pci.Device = int32(target.Device)
	pci.Function = int32(target.Function)
	pci.Register = int32(latched.register() + offset)

	slog.Debug("pci shim: rewrote data port access",
		"bdf", target.String(),
		"reg", pci.Register,
		"dir", pci.Direction,
		"size", pci.Size)
	return ShimRewritten
}

// Latched returns the current configuration address.
func (s *ConfigPortShim) Latched() (hv.BDF, uint32, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.address.target(), s.address.register(), s.address.enabled()
}

// MasterAbort resolves a configuration request no function claimed. Reads
// see all ones and writes are dropped, as on a bus with no device present.
func MasterAbort(req *hv.Request) {
	if req.Type != hv.RequestPciConfig {
		return
	}
	if cfg := req.PCI(); cfg.Direction == hv.DirectionRead {
		cfg.Value = -1
	}
}
