//go:build !unix

package hv

import "unsafe"

func AllocateRequestPage() ([]byte, error) {
	// Over-allocate so the returned slice can start on a page boundary.
	raw := make([]byte, 2*PageSize)
	off := PageSize - int(uintptr(unsafe.Pointer(&raw[0]))%PageSize)
	return raw[off : off+PageSize : off+PageSize], nil
}

func FreeRequestPage(page []byte) error { return nil }

func PinPage(page []byte) error { return ErrBridgeUnsupported }

func UnpinPage(page []byte) error { return nil }

func PageAddress(page []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&page[0])))
}
