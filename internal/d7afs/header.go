package d7afs

import (
	"encoding/binary"
	"fmt"
)

// HeaderSize is the encoded size of a FileHeader.
const HeaderSize = 12

// StorageClass selects where a file lives.
type StorageClass uint8

// Storage classes.
const (
	StorageTransient  StorageClass = 0
	StorageVolatile   StorageClass = 1
	StorageRestorable StorageClass = 2
	StoragePermanent  StorageClass = 3
)

func (s StorageClass) String() string {
	switch s {
	case StorageTransient:
		return "transient"
	case StorageVolatile:
		return "volatile"
	case StorageRestorable:
		return "restorable"
	case StoragePermanent:
		return "permanent"
	default:
		return fmt.Sprintf("storage(%d)", uint8(s))
	}
}

// ActionCondition selects which file access triggers the file's action.
type ActionCondition uint8

// Action conditions.
const (
	ActionOnList       ActionCondition = 0
	ActionOnRead       ActionCondition = 1
	ActionOnWrite      ActionCondition = 2
	ActionOnWriteFlush ActionCondition = 3
)

// Properties is the file properties byte:
//
//	b7     action enabled
//	b6..4  action condition
//	b1..0  storage class
type Properties uint8

// NewProperties packs a properties byte.
func NewProperties(actionEnabled bool, cond ActionCondition, class StorageClass) Properties {
	p := Properties(cond&0x07)<<4 | Properties(class&0x03)
	if actionEnabled {
		p |= 0x80
	}
	return p
}

// ActionEnabled reports whether the file carries an action.
func (p Properties) ActionEnabled() bool { return p&0x80 != 0 }

// Condition returns the action trigger.
func (p Properties) Condition() ActionCondition { return ActionCondition(p>>4) & 0x07 }

// StorageClass returns the storage class bits.
func (p Properties) StorageClass() StorageClass { return StorageClass(p & 0x03) }

// FileHeader is the D7A file header kept in front of every file's data and
// exchanged by the file-properties ALP actions.
type FileHeader struct {
	Permissions      uint8
	Properties       Properties
	ALPCommandFileID uint8
	InterfaceFileID  uint8
	Length           uint32
	AllocatedLength  uint32
}

// AppendBinary appends the 12-byte big-endian encoding of h.
func (h FileHeader) AppendBinary(dst []byte) []byte {
	dst = append(dst, h.Permissions, byte(h.Properties), h.ALPCommandFileID, h.InterfaceFileID)
	dst = binary.BigEndian.AppendUint32(dst, h.Length)
	return binary.BigEndian.AppendUint32(dst, h.AllocatedLength)
}

// ParseFileHeader decodes the first HeaderSize bytes of b.
func ParseFileHeader(b []byte) (FileHeader, error) {
	if len(b) < HeaderSize {
		return FileHeader{}, fmt.Errorf("%w: %d bytes", ErrShortHeader, len(b))
	}
	return FileHeader{
		Permissions:      b[0],
		Properties:       Properties(b[1]),
		ALPCommandFileID: b[2],
		InterfaceFileID:  b[3],
		Length:           binary.BigEndian.Uint32(b[4:8]),
		AllocatedLength:  binary.BigEndian.Uint32(b[8:12]),
	}, nil
}
