package pci

import (
	"encoding/binary"
	"fmt"
	"sync"
)

const configSpaceSize = 256

// Function models the configuration space of a single bus/device/function.
type Function interface {
	ReadConfig(offset uint16, size uint8) (uint32, error)
	WriteConfig(offset uint16, size uint8, value uint32) error
}

// Identity describes the read-only identification header of a function.
type Identity struct {
	VendorID  uint16
	DeviceID  uint16
	Revision  uint8
	ProgIF    uint8
	Subclass  uint8
	Class     uint8
	HeaderTyp uint8
}

// ConfigSpace is a 256-byte type 0 configuration space with a read-only mask.
type ConfigSpace struct {
	mu       sync.Mutex
	data     [configSpaceSize]byte
	readOnly [configSpaceSize]bool
}

// NewConfigSpace builds a configuration space whose identification fields are
// read-only.
func NewConfigSpace(id Identity) *ConfigSpace {
	c := &ConfigSpace{}
	binary.LittleEndian.PutUint16(c.data[0x00:], id.VendorID)
	binary.LittleEndian.PutUint16(c.data[0x02:], id.DeviceID)
	c.data[0x08] = id.Revision
	c.data[0x09] = id.ProgIF
	c.data[0x0a] = id.Subclass
	c.data[0x0b] = id.Class
	c.data[0x0e] = id.HeaderTyp

	c.SetReadOnly(0x00, 0x03)
	c.SetReadOnly(0x08, 0x0b)
	c.SetReadOnly(0x0e, 0x0e)
	return c
}

// NewHostBridgeConfig returns the configuration space of an i440FX host
// bridge, which is what guests expect to find at 00:00.0.
func NewHostBridgeConfig() *ConfigSpace {
	return NewConfigSpace(Identity{
		VendorID: 0x8086,
		DeviceID: 0x1237,
		Revision: 0x02,
		Class:    0x06,
	})
}

// SetReadOnly marks [start, end] as ignoring writes.
func (c *ConfigSpace) SetReadOnly(start, end uint16) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for off := start; off <= end && int(off) < configSpaceSize; off++ {
		c.readOnly[off] = true
	}
}

// ReadConfig implements Function.
func (c *ConfigSpace) ReadConfig(offset uint16, size uint8) (uint32, error) {
	if err := checkAccess(offset, size); err != nil {
		return allOnes, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	value := uint32(0)
	for i := uint8(0); i < size; i++ {
		value |= uint32(c.data[int(offset)+int(i)]) << (8 * i)
	}
	return value, nil
}

// WriteConfig implements Function.
func (c *ConfigSpace) WriteConfig(offset uint16, size uint8, value uint32) error {
	if err := checkAccess(offset, size); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for i := uint8(0); i < size; i++ {
		off := int(offset) + int(i)
		if c.readOnly[off] {
			continue
		}
		c.data[off] = byte(value >> (8 * i))
	}
	return nil
}

func checkAccess(offset uint16, size uint8) error {
	switch size {
	case 1, 2, 4:
	default:
		return fmt.Errorf("pci config: invalid access size %d", size)
	}
	if int(offset)+int(size) > configSpaceSize {
		return fmt.Errorf("pci config: access at 0x%x size %d outside config space", offset, size)
	}
	return nil
}

// MaskValue truncates value to an access of size bytes.
func MaskValue(value uint32, size uint8) uint32 {
	switch size {
	case 1:
		return value & 0xff
	case 2:
		return value & 0xffff
	case 4:
		return value
	default:
		return allOnes
	}
}

var (
	_ Function = (*ConfigSpace)(nil)
)
