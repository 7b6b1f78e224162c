// Package blockdevice provides the byte-addressable storage media the file
// store is built on.
package blockdevice

import (
	"errors"
	"fmt"
)

var (
	// ErrOutOfRange is returned when an access extends past the device end.
	ErrOutOfRange = errors.New("access out of device range")
	// ErrLocked is returned when another process owns a file-backed device.
	ErrLocked = errors.New("device is locked by another process")
	// ErrClosed is returned for accesses after Close.
	ErrClosed = errors.New("device closed")
)

// Erased is the value of unwritten flash-like storage.
const Erased = 0xFF

// Device is a fixed-size medium addressed from 0. Each call is atomic with
// respect to callers of the same device.
type Device interface {
	// Read fills p with the bytes starting at addr.
	Read(addr uint32, p []byte) error
	// Program stores data starting at addr.
	Program(addr uint32, data []byte) error
	// Size reports the device capacity in bytes.
	Size() uint32
}

func checkRange(addr uint32, n int, size uint32) error {
	if uint64(addr)+uint64(n) > uint64(size) {
		return fmt.Errorf("%w: addr=%d len=%d size=%d", ErrOutOfRange, addr, n, size)
	}
	return nil
}
