// Package pl031 implements the ARM PrimeCell PL031 real time clock as an MMIO
// chipset device.
package pl031

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/tinyrange/vhm/internal/chipset"
)

const (
	regDR   = 0x00 // data, read-only
	regMR   = 0x04 // match
	regLR   = 0x08 // load
	regCR   = 0x0c // control
	regIMSC = 0x10 // interrupt mask
	regRIS  = 0x14 // raw interrupt status
	regMIS  = 0x18 // masked interrupt status
	regICR  = 0x1c // interrupt clear, write-only

	crEnable = 1 << 0
)

// Default base address and size.
const (
	DefaultBase = 0x09010000
	DefaultSize = 0x1000
)

// PrimeCell identification, from 0xfe0 up.
var primeCellID = [8]uint32{0x31, 0x10, 0x04, 0x00, 0x0d, 0xf0, 0x05, 0xb1}

// PL031 counts seconds from the value last loaded into LR. Interrupt status
// is reported but never delivered.
type PL031 struct {
	mu   sync.Mutex
	base uint64
	now  func() time.Time

	loadTime time.Time
	lr       uint32
	mr       uint32
	cr       uint32
	imsc     uint32
	cleared  bool
}

// New creates an RTC at base. now defaults to time.Now.
func New(base uint64, now func() time.Time) *PL031 {
	if now == nil {
		now = time.Now
	}
	p := &PL031{base: base, now: now}
	p.resetLocked()
	return p
}

func (p *PL031) resetLocked() {
	t := p.now()
	p.loadTime = t
	p.lr = uint32(t.Unix())
	p.mr = 0
	p.cr = crEnable
	p.imsc = 0
	p.cleared = false
}

func (p *PL031) Start() error { return nil }
func (p *PL031) Stop() error  { return nil }

func (p *PL031) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.resetLocked()
	return nil
}

func (p *PL031) SupportsPortIO() *chipset.PortIOIntercept { return nil }
func (p *PL031) SupportsPCI() *chipset.PCIIntercept       { return nil }

// SupportsMmio implements chipset.ChipsetDevice.
func (p *PL031) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: []chipset.Region{{Address: p.base, Size: DefaultSize}},
		Handler: p,
	}
}

func (p *PL031) counterLocked() uint32 {
	if p.cr&crEnable == 0 {
		return p.lr
	}
	return p.lr + uint32(p.now().Sub(p.loadTime)/time.Second)
}

func (p *PL031) matchedLocked() bool {
	return !p.cleared && p.mr != 0 && p.counterLocked() >= p.mr
}

func (p *PL031) offset(addr uint64, n int) (uint64, error) {
	if addr < p.base || addr+uint64(n) > p.base+DefaultSize {
		return 0, fmt.Errorf("pl031: address 0x%x out of bounds", addr)
	}
	return addr - p.base, nil
}

// ReadMMIO implements chipset.MmioHandler. Registers are 32 bits wide;
// narrower reads return the addressed bytes.
func (p *PL031) ReadMMIO(addr uint64, data []byte) error {
	off, err := p.offset(addr, len(data))
	if err != nil {
		return err
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := range data {
		o := off + uint64(i)
		data[i] = byte(p.registerLocked(o&^3) >> ((o & 3) * 8))
	}
	return nil
}

func (p *PL031) registerLocked(reg uint64) uint32 {
	switch reg {
	case regDR:
		return p.counterLocked()
	case regMR:
		return p.mr
	case regLR:
		return p.lr
	case regCR:
		return p.cr
	case regIMSC:
		return p.imsc
	case regRIS:
		if p.matchedLocked() {
			return 1
		}
	case regMIS:
		if p.matchedLocked() && p.imsc&1 != 0 {
			return 1
		}
	}
	if reg >= 0xfe0 && reg < 0x1000 {
		return primeCellID[(reg-0xfe0)/4]
	}
	return 0
}

// WriteMMIO implements chipset.MmioHandler. Only aligned 32-bit writes have
// an effect.
func (p *PL031) WriteMMIO(addr uint64, data []byte) error {
	off, err := p.offset(addr, len(data))
	if err != nil {
		return err
	}
	if len(data) != 4 || off%4 != 0 {
		return nil
	}
	value := binary.LittleEndian.Uint32(data)

	p.mu.Lock()
	defer p.mu.Unlock()
	switch off {
	case regMR:
		p.mr = value
		p.cleared = false
	case regLR:
		p.lr = value
		p.loadTime = p.now()
	case regCR:
		if p.cr&crEnable != 0 && value&crEnable == 0 {
			// Freeze the counter where it stands.
			p.lr = p.counterLocked()
		} else if p.cr&crEnable == 0 && value&crEnable != 0 {
			p.loadTime = p.now()
		}
		p.cr = value
	case regIMSC:
		p.imsc = value & 1
	case regICR:
		if value&1 != 0 {
			p.cleared = true
		}
	}
	return nil
}

var (
	_ chipset.ChipsetDevice = (*PL031)(nil)
	_ chipset.MmioHandler   = (*PL031)(nil)
)
