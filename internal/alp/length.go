package alp

import (
	"fmt"
	"io"
)

// MaxLength is the largest value a length operand can carry.
const MaxLength = 1<<30 - 1

// LengthSize returns the encoded size of v in bytes, or 0 if v exceeds
// MaxLength.
func LengthSize(v uint32) int {
	switch {
	case v < 0x40:
		return 1
	case v <= 0x3FFF:
		return 2
	case v <= 0x3FFFFF:
		return 3
	case v <= MaxLength:
		return 4
	default:
		return 0
	}
}

// AppendLength appends the shortest length operand encoding of v. The top
// two bits of the first byte hold the number of bytes that follow, the
// value is big-endian over the remaining 30 bits.
func AppendLength(dst []byte, v uint32) ([]byte, error) {
	n := LengthSize(v)
	if n == 0 {
		return dst, fmt.Errorf("%w: %d", ErrLengthOverflow, v)
	}
	extra := n - 1
	dst = append(dst, byte(extra)<<6|byte(v>>(8*extra))&0x3F)
	for i := extra - 1; i >= 0; i-- {
		dst = append(dst, byte(v>>(8*i)))
	}
	return dst, nil
}

// ReadLength decodes a length operand.
func ReadLength(r io.ByteReader) (uint32, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("%w: length: %v", ErrTruncated, err)
	}
	v := uint32(first & 0x3F)
	for i := 0; i < int(first>>6); i++ {
		b, err := r.ReadByte()
		if err != nil {
			return 0, fmt.Errorf("%w: length: %v", ErrTruncated, err)
		}
		v = v<<8 | uint32(b)
	}
	return v, nil
}

// ParseLength decodes a length operand at the start of b and returns the
// value and the number of bytes it occupies.
func ParseLength(b []byte) (uint32, int, error) {
	if len(b) == 0 {
		return 0, 0, fmt.Errorf("%w: length", ErrTruncated)
	}
	n := 1 + int(b[0]>>6)
	if len(b) < n {
		return 0, 0, fmt.Errorf("%w: length needs %d bytes, have %d", ErrTruncated, n, len(b))
	}
	v := uint32(b[0] & 0x3F)
	for _, c := range b[1:n] {
		v = v<<8 | uint32(c)
	}
	return v, n, nil
}

// FileOffset addresses a byte in a file.
type FileOffset struct {
	FileID uint8
	Offset uint32
}

// Size returns the encoded size of o.
func (o FileOffset) Size() int {
	return 1 + LengthSize(o.Offset)
}

// AppendBinary appends the file id and the offset length operand.
func (o FileOffset) AppendBinary(dst []byte) ([]byte, error) {
	return AppendLength(append(dst, o.FileID), o.Offset)
}

func (o FileOffset) String() string {
	return fmt.Sprintf("file=%d offset=%d", o.FileID, o.Offset)
}

// ReadFileOffset decodes a file offset operand.
func ReadFileOffset(r io.ByteReader) (FileOffset, error) {
	id, err := r.ReadByte()
	if err != nil {
		return FileOffset{}, fmt.Errorf("%w: file id: %v", ErrTruncated, err)
	}
	off, err := ReadLength(r)
	if err != nil {
		return FileOffset{}, err
	}
	return FileOffset{FileID: id, Offset: off}, nil
}
