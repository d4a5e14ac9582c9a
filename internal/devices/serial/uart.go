// Package serial provides a transmit-only 8250 UART on legacy I/O ports.
package serial

import (
	"io"
	"log/slog"
	"sync"

	"github.com/tinyrange/vhm/internal/chipset"
)

// COM1 is the conventional base port of the first serial port.
const COM1 = 0x3f8

const (
	uartRegisterCount = 8

	regData    = 0 // THR/RBR, DLL with DLAB
	regIER     = 1 // DLM with DLAB
	regIIR     = 2 // FCR on write
	regLCR     = 3
	regMCR     = 4
	regLSR     = 5
	regMSR     = 6
	regScratch = 7

	lcrDLAB = 1 << 7

	lsrTHRE = 1 << 5
	lsrTEMT = 1 << 6

	iirNoInterrupt = 0x01
)

// UART8250 forwards every byte the guest transmits to out. Reads of the
// receive buffer always return zero.
type UART8250 struct {
	mu   sync.Mutex
	base uint16
	out  io.Writer

	dll byte
	dlm byte
	ier byte
	lcr byte
	mcr byte
	scr byte

	txBytes uint64
}

func NewUART8250(base uint16, out io.Writer) *UART8250 {
	u := &UART8250{base: base, out: out}
	u.resetLocked()
	return u
}

func (u *UART8250) resetLocked() {
	u.dll = 0x0c // 9600 baud
	u.dlm = 0
	u.ier = 0
	u.lcr = 0x03
	u.mcr = 0
	u.scr = 0
}

func (u *UART8250) Start() error { return nil }
func (u *UART8250) Stop() error  { return nil }

func (u *UART8250) Reset() error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.resetLocked()
	return nil
}

// SupportsPortIO implements chipset.ChipsetDevice.
func (u *UART8250) SupportsPortIO() *chipset.PortIOIntercept {
	ports := make([]uint16, uartRegisterCount)
	for i := range ports {
		ports[i] = u.base + uint16(i)
	}
	return &chipset.PortIOIntercept{Ports: ports, Handler: u}
}

func (u *UART8250) SupportsMmio() *chipset.MmioIntercept { return nil }
func (u *UART8250) SupportsPCI() *chipset.PCIIntercept   { return nil }

// ReadIOPort implements chipset.PortIOHandler. Wide accesses read consecutive
// registers.
func (u *UART8250) ReadIOPort(port uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i := range data {
		data[i] = u.readRegisterLocked(port - u.base + uint16(i))
	}
	return nil
}

// WriteIOPort implements chipset.PortIOHandler.
func (u *UART8250) WriteIOPort(port uint16, data []byte) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	for i, b := range data {
		u.writeRegisterLocked(port-u.base+uint16(i), b)
	}
	return nil
}

func (u *UART8250) readRegisterLocked(reg uint16) byte {
	dlab := u.lcr&lcrDLAB != 0
	switch reg {
	case regData:
		if dlab {
			return u.dll
		}
		return 0
	case regIER:
		if dlab {
			return u.dlm
		}
		return u.ier
	case regIIR:
		return iirNoInterrupt
	case regLCR:
		return u.lcr
	case regMCR:
		return u.mcr
	case regLSR:
		return lsrTHRE | lsrTEMT
	case regMSR:
		return 0
	case regScratch:
		return u.scr
	default:
		return 0xff
	}
}

func (u *UART8250) writeRegisterLocked(reg uint16, value byte) {
	dlab := u.lcr&lcrDLAB != 0
	switch reg {
	case regData:
		if dlab {
			u.dll = value
			return
		}
		u.transmitLocked(value)
	case regIER:
		if dlab {
			u.dlm = value
			return
		}
		u.ier = value & 0x0f
	case regLCR:
		u.lcr = value
	case regMCR:
		u.mcr = value & 0x1f
	case regScratch:
		u.scr = value
	}
}

func (u *UART8250) transmitLocked(value byte) {
	u.txBytes++
	if u.out == nil {
		return
	}
	if _, err := u.out.Write([]byte{value}); err != nil {
		slog.Warn("serial: write failed", "port", u.base, "error", err)
	}
}

// TransmittedBytes returns how many bytes the guest has sent.
func (u *UART8250) TransmittedBytes() uint64 {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.txBytes
}

var _ chipset.ChipsetDevice = (*UART8250)(nil)
