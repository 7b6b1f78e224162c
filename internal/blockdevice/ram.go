package blockdevice

import "sync"

// RAM is a memory-backed device. Its content is lost with the process.
type RAM struct {
	mu   sync.RWMutex
	data []byte
}

// NewRAM returns a device of size bytes, every byte set to fill.
func NewRAM(size uint32, fill byte) *RAM {
	data := make([]byte, size)
	if fill != 0 {
		for i := range data {
			data[i] = fill
		}
	}
	return &RAM{data: data}
}

// Read implements Device.
func (r *RAM) Read(addr uint32, p []byte) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if err := checkRange(addr, len(p), uint32(len(r.data))); err != nil {
		return err
	}
	copy(p, r.data[addr:])
	return nil
}

// Program implements Device.
func (r *RAM) Program(addr uint32, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := checkRange(addr, len(data), uint32(len(r.data))); err != nil {
		return err
	}
	copy(r.data[addr:], data)
	return nil
}

// Size implements Device.
func (r *RAM) Size() uint32 {
	return uint32(len(r.data))
}
