package node

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/postalsys/alpd/internal/blockdevice"
	"github.com/postalsys/alpd/internal/config"
	"github.com/postalsys/alpd/internal/d7afs"
	"github.com/postalsys/alpd/internal/fs"
	"github.com/postalsys/alpd/internal/logging"
	"github.com/postalsys/alpd/internal/metrics"
)

// Storage backend names
const (
	BackendMemory = "memory"
	BackendFile   = "file"
	BackendBolt   = "bolt"
)

// File names under the data directory.
const (
	metadataFile  = "metadata.bin"
	permanentFile = "permanent.bin"
	boltFile      = "alpd.db"
)

// Storage is an initialized file system and the devices behind it.
type Storage struct {
	Files   *d7afs.FS
	Backend string

	closers []io.Closer
}

// OpenStorage builds the block devices described by cfg, loads the file
// table and provisions the system files on a fresh store. The volatile
// device always lives in memory.
func OpenStorage(cfg config.StorageConfig, dataDir string, logger *slog.Logger, m *metrics.Metrics) (*Storage, error) {
	logger = logging.Component(logger, "storage")
	s := &Storage{Backend: cfg.Backend}

	metadata, permanent, err := s.openDevices(cfg, dataDir)
	if err != nil {
		s.Close()
		return nil, err
	}

	store, err := fs.New(fs.Options{
		FileCount: cfg.FileCount,
		Metadata:  metadata,
		Permanent: permanent,
		Volatile:  blockdevice.NewRAM(uint32(cfg.VolatileSize), blockdevice.Erased),
		Logger:    logger,
		Metrics:   m,
	})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("create file store: %w", err)
	}

	s.Files = d7afs.New(store, logger)
	if err := s.Files.Init(); err != nil {
		s.Close()
		return nil, fmt.Errorf("initialize file system: %w", err)
	}

	logger.Info("storage ready",
		logging.KeyBackend, cfg.Backend,
		logging.KeyCount, store.FileCount())
	return s, nil
}

func (s *Storage) openDevices(cfg config.StorageConfig, dataDir string) (metadata, permanent blockdevice.Device, err error) {
	metaSize := uint32(cfg.MetadataSize)
	permSize := uint32(cfg.PermanentSize)

	switch cfg.Backend {
	case BackendMemory:
		return blockdevice.NewRAM(metaSize, blockdevice.Erased),
			blockdevice.NewRAM(permSize, blockdevice.Erased), nil

	case BackendFile:
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		meta, err := blockdevice.OpenFile(filepath.Join(dataDir, metadataFile), metaSize)
		if err != nil {
			return nil, nil, fmt.Errorf("open metadata device: %w", err)
		}
		s.closers = append(s.closers, meta)
		perm, err := blockdevice.OpenFile(filepath.Join(dataDir, permanentFile), permSize)
		if err != nil {
			return nil, nil, fmt.Errorf("open permanent device: %w", err)
		}
		s.closers = append(s.closers, perm)
		return meta, perm, nil

	case BackendBolt:
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("create data dir: %w", err)
		}
		db, err := blockdevice.OpenBoltDB(filepath.Join(dataDir, boltFile))
		if err != nil {
			return nil, nil, err
		}
		s.closers = append(s.closers, db)
		meta, err := newBolt(db, "metadata", metaSize)
		if err != nil {
			return nil, nil, err
		}
		perm, err := newBolt(db, "permanent", permSize)
		if err != nil {
			return nil, nil, err
		}
		return meta, perm, nil

	default:
		return nil, nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
	}
}

func newBolt(db *bolt.DB, name string, size uint32) (*blockdevice.Bolt, error) {
	d, err := blockdevice.NewBolt(db, name, size)
	if err != nil {
		return nil, fmt.Errorf("open %s device: %w", name, err)
	}
	return d, nil
}

// Close releases the devices.
func (s *Storage) Close() error {
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i].Close(); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
