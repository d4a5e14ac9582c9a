package hv

import (
	"errors"
	"fmt"
)

var (
	ErrBridgeUnsupported = errors.New("privileged bridge unsupported on this platform")
	ErrUnknownVM         = errors.New("unknown virtual machine")
)

// RequestType is the union discriminant of a Request. The values are part of
// the hypervisor ABI.
type RequestType uint32

const (
	RequestPortIO       RequestType = 0
	RequestMMIO         RequestType = 1
	RequestPciConfig    RequestType = 2
	RequestWriteProtect RequestType = 3
)

func (t RequestType) String() string {
	switch t {
	case RequestPortIO:
		return "pio"
	case RequestMMIO:
		return "mmio"
	case RequestPciConfig:
		return "pcicfg"
	case RequestWriteProtect:
		return "wp"
	default:
		return fmt.Sprintf("RequestType(%d)", uint32(t))
	}
}

// IsRange reports whether requests of this type carry an address/size pair
// that can be matched against registered ranges.
func (t RequestType) IsRange() bool {
	switch t {
	case RequestPortIO, RequestMMIO, RequestWriteProtect:
		return true
	default:
		return false
	}
}

// ProcessState tracks a request through the broker.
type ProcessState int32

const (
	StateFailed     ProcessState = -1
	StatePending    ProcessState = 0
	StateSuccess    ProcessState = 1
	StateProcessing ProcessState = 2
)

func (s ProcessState) String() string {
	switch s {
	case StateFailed:
		return "failed"
	case StatePending:
		return "pending"
	case StateSuccess:
		return "success"
	case StateProcessing:
		return "processing"
	default:
		return fmt.Sprintf("ProcessState(%d)", int32(s))
	}
}

type Direction uint32

const (
	DirectionRead  Direction = 0
	DirectionWrite Direction = 1
)

func (d Direction) String() string {
	if d == DirectionWrite {
		return "write"
	}
	return "read"
}

// BDF identifies a PCI function.
type BDF struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

func (b BDF) String() string {
	return fmt.Sprintf("%02x:%02x.%x", b.Bus, b.Device, b.Function)
}

// ParseBDF parses the "bb:dd.f" form produced by BDF.String.
func ParseBDF(s string) (BDF, error) {
	var bus, dev, fn uint
	if n, err := fmt.Sscanf(s, "%x:%x.%x", &bus, &dev, &fn); err != nil || n != 3 {
		return BDF{}, fmt.Errorf("invalid pci address %q", s)
	}
	if bus > 0xff || dev > 0x1f || fn > 7 {
		return BDF{}, fmt.Errorf("pci address %q out of range", s)
	}
	return BDF{Bus: uint8(bus), Device: uint8(dev), Function: uint8(fn)}, nil
}

// Bridge is the privileged-call path into the hypervisor. The broker calls it
// exactly twice per lifecycle: once to publish the shared request buffer and
// once per completed request.
type Bridge interface {
	// SetRequestBuffer registers the request buffer at addr for vmID.
	SetRequestBuffer(vmID uint16, addr uint64) error

	// NotifyFinished tells the hypervisor that the request in slot has been
	// serviced and the vCPU may resume.
	NotifyFinished(vmID uint16, slot int) error
}
