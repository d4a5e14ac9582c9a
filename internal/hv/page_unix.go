//go:build unix

package hv

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// AllocateRequestPage maps an anonymous page suitable for use as a
// RequestBuffer. Release it with FreeRequestPage.
func AllocateRequestPage() ([]byte, error) {
	mem, err := unix.Mmap(
		-1,
		0,
		PageSize,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANONYMOUS|unix.MAP_PRIVATE,
	)
	if err != nil {
		return nil, fmt.Errorf("allocate request page: %w", err)
	}
	return mem, nil
}

// FreeRequestPage unmaps a page returned by AllocateRequestPage.
func FreeRequestPage(page []byte) error {
	if err := unix.Munmap(page); err != nil {
		return fmt.Errorf("free request page: %w", err)
	}
	return nil
}

// PinPage locks page into physical memory so the hypervisor can access it
// without faulting.
func PinPage(page []byte) error {
	if err := unix.Mlock(page); err != nil {
		return fmt.Errorf("pin request page: %w", err)
	}
	return nil
}

func UnpinPage(page []byte) error {
	if err := unix.Munlock(page); err != nil {
		return fmt.Errorf("unpin request page: %w", err)
	}
	return nil
}

// PageAddress returns the address the bridge uses to locate page.
func PageAddress(page []byte) uint64 {
	return uint64(uintptr(unsafe.Pointer(&page[0])))
}
