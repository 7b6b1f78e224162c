package blockdevice

import (
	"fmt"
	"io"
	"os"
	"sync"
)

// File is a device backed by a regular file. The file is held under an
// exclusive advisory lock for the lifetime of the device.
type File struct {
	mu   sync.Mutex
	f    *os.File
	size uint32
}

// OpenFile opens or creates path as a device of size bytes. A file shorter
// than size is extended with erased bytes.
func OpenFile(path string, size uint32) (*File, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if err := lockFile(f); err != nil {
		f.Close()
		return nil, fmt.Errorf("lock %s: %w", path, err)
	}

	st, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat %s: %w", path, err)
	}
	if st.Size() < int64(size) {
		if err := erase(f, st.Size(), int64(size)); err != nil {
			f.Close()
			return nil, fmt.Errorf("extend %s: %w", path, err)
		}
	}

	return &File{f: f, size: size}, nil
}

func erase(f *os.File, from, to int64) error {
	chunk := make([]byte, 4096)
	for i := range chunk {
		chunk[i] = Erased
	}
	for off := from; off < to; {
		n := int64(len(chunk))
		if to-off < n {
			n = to - off
		}
		if _, err := f.WriteAt(chunk[:n], off); err != nil {
			return err
		}
		off += n
	}
	return f.Sync()
}

// Read implements Device.
func (d *File) Read(addr uint32, p []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return ErrClosed
	}
	if err := checkRange(addr, len(p), d.size); err != nil {
		return err
	}
	if _, err := d.f.ReadAt(p, int64(addr)); err != nil && err != io.EOF {
		return fmt.Errorf("read at %d: %w", addr, err)
	}
	return nil
}

// Program implements Device.
func (d *File) Program(addr uint32, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return ErrClosed
	}
	if err := checkRange(addr, len(data), d.size); err != nil {
		return err
	}
	if _, err := d.f.WriteAt(data, int64(addr)); err != nil {
		return fmt.Errorf("write at %d: %w", addr, err)
	}
	return nil
}

// Size implements Device.
func (d *File) Size() uint32 {
	return d.size
}

// Close syncs, unlocks and closes the backing file.
func (d *File) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.f == nil {
		return nil
	}
	err := d.f.Sync()
	if cerr := d.f.Close(); err == nil {
		err = cerr
	}
	d.f = nil
	return err
}
