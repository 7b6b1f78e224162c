// Package fs implements a flat table of fixed-size files addressed by a
// one-byte id and laid out append-only over block devices.
//
// The metadata device holds the table:
//
//	0      magic (4 bytes)
//	4      persisted file count (u32, big-endian)
//	8+9*id header record: backend u8, address u32 BE, length u32 BE
//
// Files on the volatile backend have no persisted record and do not
// survive a restart.
package fs

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/postalsys/alpd/internal/blockdevice"
	"github.com/postalsys/alpd/internal/logging"
	"github.com/postalsys/alpd/internal/metrics"
)

// Backend indices.
const (
	BackendMetadata  uint8 = 0
	BackendPermanent uint8 = 1
	BackendVolatile  uint8 = 2
	FirstUserBackend uint8 = 3
	MaxBackends            = 8
)

const (
	// MaxFiles is the largest table a one-byte id can address.
	MaxFiles = 256

	countOffset  = 4
	tableOffset  = 8
	recordSize   = 9
	fillChunkLen = 64
)

var magic = [4]byte{0xD7, 0xA0, 0xF5, 0x01}

// Errors returned by Store.
var (
	ErrNotFound       = errors.New("file not found")
	ErrInvalidRange   = errors.New("read outside file bounds")
	ErrBufferExceeded = errors.New("write outside file bounds")
	ErrAlreadyExists  = errors.New("file already exists")
	ErrIntegrity      = errors.New("file table integrity fault")
	ErrBackend        = errors.New("backend i/o error")
	ErrInvalidBackend = errors.New("invalid backend")
	ErrInvalidFileID  = errors.New("invalid file id")
	ErrInvalidLength  = errors.New("invalid file length")
	ErrNoSpace        = errors.New("backend full")
	ErrNotInitialized = errors.New("file store not initialized")
)

// BackendName returns a printable name for a backend index.
func BackendName(b uint8) string {
	switch b {
	case BackendMetadata:
		return "metadata"
	case BackendPermanent:
		return "permanent"
	case BackendVolatile:
		return "volatile"
	default:
		return fmt.Sprintf("user%d", b)
	}
}

// FileHeader locates a file on its backend. A zero Length means the id is
// not defined.
type FileHeader struct {
	Backend uint8
	Address uint32
	Length  uint32
}

// Defined reports whether the header describes an existing file.
func (h FileHeader) Defined() bool {
	return h.Length != 0
}

// FileInfo pairs a file id with its header.
type FileInfo struct {
	ID uint8
	FileHeader
}

// ModifiedFunc is called after a successful write to a file.
type ModifiedFunc func(fileID uint8)

// Options configures a Store.
type Options struct {
	// FileCount is the table capacity (1..MaxFiles).
	FileCount int

	Metadata  blockdevice.Device
	Permanent blockdevice.Device
	Volatile  blockdevice.Device

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

// Store is the file table. It is safe for concurrent use; modified
// callbacks run on the writer's goroutine after the table lock is
// released.
type Store struct {
	mu          sync.Mutex
	fileCount   int
	devices     [MaxBackends]blockdevice.Device
	headers     []FileHeader
	callbacks   []ModifiedFunc
	dataOffset  [MaxBackends]uint32
	persisted   uint32
	initialized bool

	logger  *slog.Logger
	metrics *metrics.Metrics
}

// New creates a store. Init must be called before files are used.
func New(opts Options) (*Store, error) {
	if opts.FileCount <= 0 || opts.FileCount > MaxFiles {
		return nil, fmt.Errorf("%w: file count %d", ErrInvalidLength, opts.FileCount)
	}
	if opts.Metadata == nil {
		return nil, fmt.Errorf("%w: metadata device required", ErrInvalidBackend)
	}
	if need := tableEnd(opts.FileCount); opts.Metadata.Size() < need {
		return nil, fmt.Errorf("%w: metadata device holds %d bytes, table needs %d",
			ErrNoSpace, opts.Metadata.Size(), need)
	}

	s := &Store{
		fileCount: opts.FileCount,
		headers:   make([]FileHeader, opts.FileCount),
		callbacks: make([]ModifiedFunc, opts.FileCount),
		logger:    logging.Component(opts.Logger, "fs"),
		metrics:   opts.Metrics,
	}
	s.devices[BackendMetadata] = opts.Metadata
	s.devices[BackendPermanent] = opts.Permanent
	s.devices[BackendVolatile] = opts.Volatile
	return s, nil
}

func tableEnd(fileCount int) uint32 {
	return tableOffset + uint32(fileCount)*recordSize
}

// RegisterBackend binds a user backend. Indices below FirstUserBackend are
// reserved.
func (s *Store) RegisterBackend(index uint8, dev blockdevice.Device) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	switch {
	case index < FirstUserBackend || int(index) >= MaxBackends:
		return fmt.Errorf("%w: index %d", ErrInvalidBackend, index)
	case dev == nil:
		return fmt.Errorf("%w: nil device", ErrInvalidBackend)
	case s.devices[index] != nil:
		return fmt.Errorf("%w: index %d already bound", ErrInvalidBackend, index)
	}
	s.devices[index] = dev
	return nil
}

// Init loads the file table, formatting the metadata device when its magic
// is missing. It reports whether a format happened. Calls after the first
// successful one are no-ops.
func (s *Store) Init() (formatted bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initialized {
		return false, nil
	}

	ok, err := s.checkMagic()
	if err != nil {
		return false, err
	}
	if !ok {
		s.logger.Info("formatting file table")
		if err := s.format(); err != nil {
			return false, err
		}
		formatted = true
		if ok, err = s.checkMagic(); err != nil {
			return false, err
		}
		if !ok {
			return false, fmt.Errorf("%w: magic mismatch after format", ErrIntegrity)
		}
	}

	if err := s.load(); err != nil {
		return false, err
	}
	s.initialized = true
	return formatted, nil
}

func (s *Store) checkMagic() (bool, error) {
	var buf [4]byte
	if err := s.devices[BackendMetadata].Read(0, buf[:]); err != nil {
		return false, fmt.Errorf("%w: read magic: %v", ErrBackend, err)
	}
	return buf == magic, nil
}

func (s *Store) format() error {
	table := make([]byte, tableEnd(s.fileCount))
	copy(table, magic[:])
	if err := s.devices[BackendMetadata].Program(0, table); err != nil {
		return fmt.Errorf("%w: format: %v", ErrBackend, err)
	}
	return nil
}

func (s *Store) load() error {
	table := make([]byte, tableEnd(s.fileCount))
	if err := s.devices[BackendMetadata].Read(0, table); err != nil {
		return fmt.Errorf("%w: read table: %v", ErrBackend, err)
	}

	count := binary.BigEndian.Uint32(table[countOffset:])
	if count > uint32(s.fileCount) {
		return fmt.Errorf("%w: file count %d exceeds capacity %d", ErrIntegrity, count, s.fileCount)
	}

	var defined []FileInfo
	for id := 0; id < s.fileCount; id++ {
		rec := table[tableOffset+id*recordSize:]
		h := FileHeader{
			Backend: rec[0],
			Address: binary.BigEndian.Uint32(rec[1:5]),
			Length:  binary.BigEndian.Uint32(rec[5:9]),
		}
		if !h.Defined() {
			continue
		}
		if int(h.Backend) >= MaxBackends || h.Backend == BackendVolatile || s.devices[h.Backend] == nil {
			return fmt.Errorf("%w: file %d on unusable backend %d", ErrIntegrity, id, h.Backend)
		}
		defined = append(defined, FileInfo{ID: uint8(id), FileHeader: h})
	}
	if uint32(len(defined)) != count {
		s.logger.Warn("persisted file count disagrees with table",
			logging.KeyCount, count, "defined", len(defined))
	}

	// Persisted addresses follow creation order, so laying files out in
	// that order keeps every file on its own bytes.
	sort.Slice(defined, func(i, j int) bool {
		a, b := defined[i], defined[j]
		if a.Address != b.Address {
			return a.Address < b.Address
		}
		return a.ID < b.ID
	})

	for i := range s.headers {
		s.headers[i] = FileHeader{}
	}
	s.dataOffset = [MaxBackends]uint32{}
	s.dataOffset[BackendMetadata] = tableEnd(s.fileCount)

	for _, f := range defined {
		addr := s.dataOffset[f.Backend]
		if uint64(addr)+uint64(f.Length) > uint64(s.devices[f.Backend].Size()) {
			return fmt.Errorf("%w: file %d overflows backend %s", ErrIntegrity, f.ID, BackendName(f.Backend))
		}
		if addr != f.Address {
			s.logger.Warn("file relocated",
				logging.KeyFileID, f.ID, "persisted", f.Address, logging.KeyAddress, addr)
		}
		s.headers[f.ID] = FileHeader{Backend: f.Backend, Address: addr, Length: f.Length}
		s.dataOffset[f.Backend] = addr + f.Length
	}
	s.persisted = uint32(len(defined))

	s.logger.Debug("file table loaded", logging.KeyCount, len(defined))
	return nil
}

// CreateFile defines file id on backend with the given length. The content
// is data followed by erased bytes up to length.
func (s *Store) CreateFile(id uint8, backend uint8, data []byte, length uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.initialized {
		return ErrNotInitialized
	}
	if int(id) >= s.fileCount {
		return fmt.Errorf("%w: %d", ErrInvalidFileID, id)
	}
	if int(backend) >= MaxBackends || s.devices[backend] == nil {
		return fmt.Errorf("%w: %d", ErrInvalidBackend, backend)
	}
	if s.headers[id].Defined() {
		return fmt.Errorf("%w: %d", ErrAlreadyExists, id)
	}
	if length == 0 || uint64(len(data)) > uint64(length) {
		return fmt.Errorf("%w: length %d, initial data %d", ErrInvalidLength, length, len(data))
	}

	dev := s.devices[backend]
	addr := s.dataOffset[backend]
	if uint64(addr)+uint64(length) > uint64(dev.Size()) {
		return fmt.Errorf("%w: %s has %d bytes free, need %d",
			ErrNoSpace, BackendName(backend), dev.Size()-addr, length)
	}

	if err := s.fill(dev, addr, data, length); err != nil {
		return err
	}

	h := FileHeader{Backend: backend, Address: addr, Length: length}
	if backend != BackendVolatile {
		if err := s.persist(id, h); err != nil {
			return err
		}
	}
	s.headers[id] = h
	s.dataOffset[backend] = addr + length

	s.metrics.RecordFileCreated(BackendName(backend))
	s.logger.Debug("file created",
		logging.KeyFileID, id, logging.KeyBackend, BackendName(backend),
		logging.KeyAddress, addr, logging.KeyLength, length)
	return nil
}

func (s *Store) fill(dev blockdevice.Device, addr uint32, data []byte, length uint32) error {
	if len(data) > 0 {
		if err := dev.Program(addr, data); err != nil {
			return fmt.Errorf("%w: %v", ErrBackend, err)
		}
	}

	var chunk [fillChunkLen]byte
	for i := range chunk {
		chunk[i] = blockdevice.Erased
	}
	for off := uint32(len(data)); off < length; {
		n := length - off
		if n > fillChunkLen {
			n = fillChunkLen
		}
		if err := dev.Program(addr+off, chunk[:n]); err != nil {
			return fmt.Errorf("%w: %v", ErrBackend, err)
		}
		off += n
	}
	return nil
}

func (s *Store) persist(id uint8, h FileHeader) error {
	var rec [recordSize]byte
	rec[0] = h.Backend
	binary.BigEndian.PutUint32(rec[1:5], h.Address)
	binary.BigEndian.PutUint32(rec[5:9], h.Length)

	meta := s.devices[BackendMetadata]
	if err := meta.Program(tableOffset+uint32(id)*recordSize, rec[:]); err != nil {
		return fmt.Errorf("%w: persist header %d: %v", ErrBackend, id, err)
	}

	var cnt [4]byte
	binary.BigEndian.PutUint32(cnt[:], s.persisted+1)
	if err := meta.Program(countOffset, cnt[:]); err != nil {
		return fmt.Errorf("%w: persist count: %v", ErrBackend, err)
	}
	s.persisted++
	return nil
}

// header returns the defined header of id. The caller holds s.mu.
func (s *Store) header(id uint8) (FileHeader, error) {
	if !s.initialized {
		return FileHeader{}, ErrNotInitialized
	}
	if int(id) >= s.fileCount || !s.headers[id].Defined() {
		return FileHeader{}, fmt.Errorf("%w: %d", ErrNotFound, id)
	}
	return s.headers[id], nil
}

// Read fills p with file content starting at offset.
func (s *Store) Read(id uint8, offset uint32, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.header(id)
	if err != nil {
		return err
	}
	if uint64(offset)+uint64(len(p)) > uint64(h.Length) {
		return fmt.Errorf("%w: file %d offset %d length %d size %d",
			ErrInvalidRange, id, offset, len(p), h.Length)
	}
	if err := s.devices[h.Backend].Read(h.Address+offset, p); err != nil {
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	s.metrics.RecordFileRead(len(p))
	return nil
}

// Write stores data in the file starting at offset and then calls the
// file's modified callback, if any.
func (s *Store) Write(id uint8, offset uint32, data []byte) error {
	s.mu.Lock()
	h, err := s.header(id)
	if err != nil {
		s.mu.Unlock()
		return err
	}
	if uint64(offset)+uint64(len(data)) > uint64(h.Length) {
		s.mu.Unlock()
		return fmt.Errorf("%w: file %d offset %d length %d size %d",
			ErrBufferExceeded, id, offset, len(data), h.Length)
	}
	if err := s.devices[h.Backend].Program(h.Address+offset, data); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrBackend, err)
	}
	cb := s.callbacks[id]
	s.mu.Unlock()

	s.metrics.RecordFileWrite(len(data))
	if cb != nil {
		cb(id)
	}
	return nil
}

// Stat returns the header of id and whether it is defined.
func (s *Store) Stat(id uint8) (FileHeader, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, err := s.header(id)
	if err != nil {
		return FileHeader{}, false
	}
	return h, true
}

// Files lists defined files ordered by id.
func (s *Store) Files() []FileInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []FileInfo
	for id, h := range s.headers {
		if h.Defined() {
			out = append(out, FileInfo{ID: uint8(id), FileHeader: h})
		}
	}
	return out
}

// FileCount returns the table capacity.
func (s *Store) FileCount() int {
	return s.fileCount
}

// RegisterModifiedCallback installs cb for file id. It fails when id is not
// defined or already has a callback.
func (s *Store) RegisterModifiedCallback(id uint8, cb ModifiedFunc) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cb == nil || int(id) >= s.fileCount || !s.headers[id].Defined() || s.callbacks[id] != nil {
		return false
	}
	s.callbacks[id] = cb
	return true
}

// UnregisterModifiedCallback removes the callback of file id. It fails when
// none is installed.
func (s *Store) UnregisterModifiedCallback(id uint8) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if int(id) >= s.fileCount || s.callbacks[id] == nil {
		return false
	}
	s.callbacks[id] = nil
	return true
}
