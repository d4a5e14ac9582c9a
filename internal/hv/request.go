package hv

import (
	"sync/atomic"
	"unsafe"
)

const (
	// MaxRequests is the number of request slots in a RequestBuffer, one per vCPU.
	MaxRequests = 16

	RequestSize = 256
	PageSize    = 4096
)

// Request is one slot of the shared request buffer. The layout matches the
// hypervisor's vhm_request and must not be reordered.
type Request struct {
	_ [0]uint64

	Type      RequestType
	Valid     uint32
	reserved0 [14]uint32
	payload   [64]byte
	Client    int32
	Processed int32
	reserved1 [120]byte
}

// RequestBuffer is the page shared with the hypervisor.
type RequestBuffer [MaxRequests]Request

var (
	_ [unsafe.Sizeof(Request{}) - RequestSize]byte
	_ [RequestSize - unsafe.Sizeof(Request{})]byte
	_ [unsafe.Sizeof(RequestBuffer{}) - PageSize]byte
	_ [PageSize - unsafe.Sizeof(RequestBuffer{})]byte
)

// PIORequest is the port I/O view of the payload.
type PIORequest struct {
	Direction Direction
	_         uint32
	Address   uint64
	Size      uint64
	Value     uint32
}

// MMIORequest is the MMIO (and write-protect) view of the payload.
type MMIORequest struct {
	Direction Direction
	_         uint32
	Address   uint64
	Size      uint64
	Value     uint64
}

// PCIRequest is the PCI configuration view of the payload. Direction, Size
// and Value share their offsets with PIORequest so a port request can be
// rewritten in place.
type PCIRequest struct {
	Direction Direction
	_         [3]uint32
	Size      int64
	Value     int32
	Bus       int32
	Device    int32
	Function  int32
	Register  int32
}

var (
	_ [unsafe.Offsetof(PIORequest{}.Size) - unsafe.Offsetof(PCIRequest{}.Size)]byte
	_ [unsafe.Offsetof(PCIRequest{}.Size) - unsafe.Offsetof(PIORequest{}.Size)]byte
	_ [unsafe.Offsetof(PIORequest{}.Value) - unsafe.Offsetof(PCIRequest{}.Value)]byte
	_ [unsafe.Offsetof(PCIRequest{}.Value) - unsafe.Offsetof(PIORequest{}.Value)]byte
)

func (r *Request) PIO() *PIORequest   { return (*PIORequest)(unsafe.Pointer(&r.payload[0])) }
func (r *Request) MMIO() *MMIORequest { return (*MMIORequest)(unsafe.Pointer(&r.payload[0])) }
func (r *Request) PCI() *PCIRequest   { return (*PCIRequest)(unsafe.Pointer(&r.payload[0])) }

// IsValid reports whether the hypervisor has posted a request in this slot.
func (r *Request) IsValid() bool {
	return atomic.LoadUint32(&r.Valid) != 0
}

func (r *Request) SetValid(valid bool) {
	var v uint32
	if valid {
		v = 1
	}
	atomic.StoreUint32(&r.Valid, v)
}

func (r *Request) State() ProcessState {
	return ProcessState(atomic.LoadInt32(&r.Processed))
}

func (r *Request) SetState(s ProcessState) {
	atomic.StoreInt32(&r.Processed, int32(s))
}

// Bounds returns the accessed address interval of a range-typed request.
func (r *Request) Bounds() (addr uint64, size uint64, ok bool) {
	switch r.Type {
	case RequestPortIO:
		pio := r.PIO()
		return pio.Address, pio.Size, true
	case RequestMMIO, RequestWriteProtect:
		mmio := r.MMIO()
		return mmio.Address, mmio.Size, true
	default:
		return 0, 0, false
	}
}

// Target returns the function addressed by a PCI configuration request.
func (r *Request) Target() BDF {
	pci := r.PCI()
	return BDF{
		Bus:      uint8(pci.Bus),
		Device:   uint8(pci.Device),
		Function: uint8(pci.Function),
	}
}

// Reset zeroes the slot, leaving it invalid and pending.
func (r *Request) Reset() {
	r.SetValid(false)
	r.Type = 0
	r.reserved0 = [14]uint32{}
	r.payload = [64]byte{}
	r.Client = 0
	r.SetState(StatePending)
}

// CopyPayload copies type and payload from src without touching the
// Valid/Processed handshake fields.
func (r *Request) CopyPayload(src *Request) {
	r.Type = src.Type
	r.payload = src.payload
}
