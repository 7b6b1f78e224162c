package blockdevice

import (
	"encoding/binary"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"
)

// PageSize is the value size used to store device content in bbolt.
const PageSize = 256

// OpenBoltDB opens (or creates) the bbolt database holding one or more
// devices.
func OpenBoltDB(path string) (*bolt.DB, error) {
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open bolt %s: %w", path, err)
	}
	return db, nil
}

// Bolt is a device stored as fixed-size pages in a bbolt bucket. Pages that
// were never programmed read as erased. Every Program is one transaction.
type Bolt struct {
	db     *bolt.DB
	bucket []byte
	size   uint32
}

// NewBolt returns the device stored in bucket name of db.
func NewBolt(db *bolt.DB, name string, size uint32) (*Bolt, error) {
	bucket := []byte(name)
	err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucket)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("create bucket %s: %w", name, err)
	}
	return &Bolt{db: db, bucket: bucket, size: size}, nil
}

func pageKey(page uint32) []byte {
	var k [4]byte
	binary.BigEndian.PutUint32(k[:], page)
	return k[:]
}

// Read implements Device.
func (d *Bolt) Read(addr uint32, p []byte) error {
	if err := checkRange(addr, len(p), d.size); err != nil {
		return err
	}
	return d.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(d.bucket)
		done := 0
		for done < len(p) {
			pos := addr + uint32(done)
			page, off := pos/PageSize, int(pos%PageSize)
			n := PageSize - off
			if n > len(p)-done {
				n = len(p) - done
			}
			dst := p[done : done+n]
			if v := b.Get(pageKey(page)); v != nil {
				copy(dst, v[off:])
			} else {
				for i := range dst {
					dst[i] = Erased
				}
			}
			done += n
		}
		return nil
	})
}

// Program implements Device.
func (d *Bolt) Program(addr uint32, data []byte) error {
	if err := checkRange(addr, len(data), d.size); err != nil {
		return err
	}
	return d.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(d.bucket)
		done := 0
		for done < len(data) {
			pos := addr + uint32(done)
			page, off := pos/PageSize, int(pos%PageSize)
			n := PageSize - off
			if n > len(data)-done {
				n = len(data) - done
			}

			buf := make([]byte, PageSize)
			if v := b.Get(pageKey(page)); v != nil {
				copy(buf, v)
			} else {
				for i := range buf {
					buf[i] = Erased
				}
			}
			copy(buf[off:], data[done:done+n])
			if err := b.Put(pageKey(page), buf); err != nil {
				return fmt.Errorf("put page %d: %w", page, err)
			}
			done += n
		}
		return nil
	})
}

// Size implements Device.
func (d *Bolt) Size() uint32 {
	return d.size
}
