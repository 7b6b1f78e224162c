// Package d7afs layers D7A file headers over the flat file store: every
// file starts with its 12-byte FileHeader, followed by the file data.
package d7afs

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/postalsys/alpd/internal/fs"
	"github.com/postalsys/alpd/internal/logging"
)

var (
	// ErrShortHeader is returned when fewer than HeaderSize bytes are decoded.
	ErrShortHeader = errors.New("short file header")
	// ErrInvalidHeader is returned for headers that cannot apply to a file.
	ErrInvalidHeader = errors.New("invalid file header")
)

// ActionHandler runs the action attached to a file after a triggering
// access.
type ActionHandler func(fileID uint8, header FileHeader)

// FileInfo describes a defined file.
type FileInfo struct {
	ID      uint8
	Header  FileHeader
	Backend uint8
}

// FS is the D7A view of a fs.Store.
type FS struct {
	store  *fs.Store
	logger *slog.Logger

	mu     sync.RWMutex
	action ActionHandler
}

// New wraps store.
func New(store *fs.Store, logger *slog.Logger) *FS {
	return &FS{
		store:  store,
		logger: logging.Component(logger, "d7afs"),
	}
}

// Store returns the underlying file store.
func (f *FS) Store() *fs.Store {
	return f.store
}

// Init initializes the store and provisions the system files when the
// store was just formatted.
func (f *FS) Init() error {
	formatted, err := f.store.Init()
	if err != nil {
		return err
	}
	if !formatted {
		return nil
	}

	for _, sf := range SystemFiles() {
		if int(sf.ID) >= f.store.FileCount() {
			break
		}
		if err := f.CreateFile(sf.ID, sf.Header, sf.Data); err != nil {
			return fmt.Errorf("provision %s: %w", sf.Name, err)
		}
	}
	f.logger.Info("system files provisioned", logging.KeyCount, len(SystemFiles()))
	return nil
}

func backendFor(class StorageClass) uint8 {
	switch class {
	case StorageTransient, StorageVolatile:
		return fs.BackendVolatile
	default:
		return fs.BackendPermanent
	}
}

// CreateFile defines file id. The allocated length is raised to the file
// length when smaller; data beyond the header is erased when not given.
func (f *FS) CreateFile(id uint8, h FileHeader, data []byte) error {
	if h.AllocatedLength < h.Length {
		h.AllocatedLength = h.Length
	}
	if uint64(len(data)) > uint64(h.AllocatedLength) {
		return fmt.Errorf("%w: %d bytes of data for %d allocated", ErrInvalidHeader, len(data), h.AllocatedLength)
	}

	initial := make([]byte, 0, HeaderSize+len(data))
	initial = h.AppendBinary(initial)
	initial = append(initial, data...)

	backend := backendFor(h.Properties.StorageClass())
	if err := f.store.CreateFile(id, backend, initial, HeaderSize+h.AllocatedLength); err != nil {
		return err
	}
	f.logger.Debug("file created", logging.KeyFileID, id, logging.KeyLength, h.Length,
		"storage", h.Properties.StorageClass())
	return nil
}

// ReadFileHeader returns the header of id.
func (f *FS) ReadFileHeader(id uint8) (FileHeader, error) {
	var buf [HeaderSize]byte
	if err := f.store.Read(id, 0, buf[:]); err != nil {
		return FileHeader{}, err
	}
	return ParseFileHeader(buf[:])
}

// WriteFileHeader replaces the header of id. The allocation is fixed at
// creation, so h.AllocatedLength is ignored and h.Length may not exceed it.
func (f *FS) WriteFileHeader(id uint8, h FileHeader) error {
	cur, err := f.ReadFileHeader(id)
	if err != nil {
		return err
	}
	if h.Length > cur.AllocatedLength {
		return fmt.Errorf("%w: length %d exceeds allocation %d", ErrInvalidHeader, h.Length, cur.AllocatedLength)
	}
	h.AllocatedLength = cur.AllocatedLength
	return f.store.Write(id, 0, h.AppendBinary(nil))
}

// ReadFile fills p from file id starting at offset.
func (f *FS) ReadFile(id uint8, offset uint32, p []byte) error {
	h, err := f.ReadFileHeader(id)
	if err != nil {
		return err
	}
	if uint64(offset)+uint64(len(p)) > uint64(h.Length) {
		return fmt.Errorf("%w: file %d offset %d length %d size %d",
			fs.ErrInvalidRange, id, offset, len(p), h.Length)
	}
	return f.store.Read(id, HeaderSize+offset, p)
}

// WriteFile stores data in file id starting at offset and then runs the
// file action when it triggers on write.
func (f *FS) WriteFile(id uint8, offset uint32, data []byte) error {
	h, err := f.ReadFileHeader(id)
	if err != nil {
		return err
	}
	if uint64(offset)+uint64(len(data)) > uint64(h.Length) {
		return fmt.Errorf("%w: file %d offset %d length %d size %d",
			fs.ErrBufferExceeded, id, offset, len(data), h.Length)
	}
	if err := f.store.Write(id, HeaderSize+offset, data); err != nil {
		return err
	}

	if h.Properties.ActionEnabled() && h.Properties.Condition() == ActionOnWrite {
		f.mu.RLock()
		action := f.action
		f.mu.RUnlock()
		if action != nil {
			action(id, h)
		}
	}
	return nil
}

// SetActionHandler installs the handler for file actions.
func (f *FS) SetActionHandler(h ActionHandler) {
	f.mu.Lock()
	f.action = h
	f.mu.Unlock()
}

// RegisterModifiedCallback forwards to the store.
func (f *FS) RegisterModifiedCallback(id uint8, cb fs.ModifiedFunc) bool {
	return f.store.RegisterModifiedCallback(id, cb)
}

// UnregisterModifiedCallback forwards to the store.
func (f *FS) UnregisterModifiedCallback(id uint8) bool {
	return f.store.UnregisterModifiedCallback(id)
}

// Files lists defined files with their headers.
func (f *FS) Files() ([]FileInfo, error) {
	var out []FileInfo
	for _, fi := range f.store.Files() {
		h, err := f.ReadFileHeader(fi.ID)
		if err != nil {
			return nil, fmt.Errorf("file %d: %w", fi.ID, err)
		}
		out = append(out, FileInfo{ID: fi.ID, Header: h, Backend: fi.Backend})
	}
	return out, nil
}
