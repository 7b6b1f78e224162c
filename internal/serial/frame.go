// Package serial implements the modem interface framing used on a byte
// stream such as a UART: each frame carries a message type, a rolling
// counter and a CRC over the payload.
package serial

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrFrameTooLarge is returned when a payload does not fit a frame.
	ErrFrameTooLarge = errors.New("serial payload exceeds maximum size")

	// ErrChecksum is returned for a frame whose CRC does not match.
	ErrChecksum = errors.New("serial frame checksum mismatch")

	// ErrVersion is returned for a frame with an unknown version.
	ErrVersion = errors.New("unsupported serial frame version")
)

// Frame layout (7 byte header):
//
//	Sync    [1 byte]  - 0xC0
//	Version [1 byte]  - 0x00
//	Counter [1 byte]  - rolling, per sender
//	Type    [1 byte]  - message type
//	Length  [1 byte]  - payload length
//	CRC     [2 bytes] - CRC-16/CCITT-FALSE of the payload (big-endian)
const (
	Sync           = 0xC0
	Version        = 0x00
	HeaderSize     = 7
	MaxPayloadSize = 0xFF
)

// Message types
const (
	TypeALPData     uint8 = 0x01
	TypePingRequest uint8 = 0x02
	TypePingReply   uint8 = 0x03
	TypeLogging     uint8 = 0x04
	TypeReboot      uint8 = 0x05
)

// TypeName returns a readable message type.
func TypeName(t uint8) string {
	switch t {
	case TypeALPData:
		return "ALP_DATA"
	case TypePingRequest:
		return "PING_REQUEST"
	case TypePingReply:
		return "PING_RESPONSE"
	case TypeLogging:
		return "LOGGING"
	case TypeReboot:
		return "REBOOTED"
	default:
		return fmt.Sprintf("TYPE_0x%02X", t)
	}
}

// Frame is one serial message.
type Frame struct {
	Counter uint8
	Type    uint8
	Payload []byte
}

// Encode serializes the frame.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrFrameTooLarge, len(f.Payload))
	}
	buf := make([]byte, HeaderSize, HeaderSize+len(f.Payload))
	buf[0] = Sync
	buf[1] = Version
	buf[2] = f.Counter
	buf[3] = f.Type
	buf[4] = uint8(len(f.Payload))
	binary.BigEndian.PutUint16(buf[5:7], CRC16(f.Payload))
	return append(buf, f.Payload...), nil
}

func (f *Frame) String() string {
	return fmt.Sprintf("Frame{Type=%s, Counter=%d, Len=%d}", TypeName(f.Type), f.Counter, len(f.Payload))
}

// Decoder reads frames from a byte stream. Bytes before a sync byte are
// discarded.
type Decoder struct {
	r       *bufio.Reader
	header  [HeaderSize - 1]byte
	skipped int
}

// NewDecoder creates a Decoder reading from r.
func NewDecoder(r io.Reader) *Decoder {
	return &Decoder{r: bufio.NewReader(r)}
}

// Skipped returns the number of bytes discarded while hunting for a sync
// byte.
func (d *Decoder) Skipped() int { return d.skipped }

// Next returns the next frame. A frame that fails its checksum or version
// check is consumed and reported with ErrChecksum or ErrVersion; the
// decoder can be used again after such an error.
func (d *Decoder) Next() (*Frame, error) {
	for {
		b, err := d.r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == Sync {
			break
		}
		d.skipped++
	}

	if _, err := io.ReadFull(d.r, d.header[:]); err != nil {
		return nil, err
	}
	version, counter, typ, length := d.header[0], d.header[1], d.header[2], d.header[3]
	crc := binary.BigEndian.Uint16(d.header[4:6])

	payload := make([]byte, length)
	if _, err := io.ReadFull(d.r, payload); err != nil {
		return nil, err
	}
	if version != Version {
		return nil, fmt.Errorf("%w: %d", ErrVersion, version)
	}
	if got := CRC16(payload); got != crc {
		return nil, fmt.Errorf("%w: got %04X, header %04X", ErrChecksum, got, crc)
	}
	return &Frame{Counter: counter, Type: typ, Payload: payload}, nil
}

// CRC16 computes CRC-16/CCITT-FALSE (poly 0x1021, init 0xFFFF).
func CRC16(data []byte) uint16 {
	crc := uint16(0xFFFF)
	for _, b := range data {
		crc = crc<<8 ^ crcTable[byte(crc>>8)^b]
	}
	return crc
}

var crcTable = func() (t [256]uint16) {
	for i := range t {
		c := uint16(i) << 8
		for j := 0; j < 8; j++ {
			if c&0x8000 != 0 {
				c = c<<1 ^ 0x1021
			} else {
				c <<= 1
			}
		}
		t[i] = c
	}
	return t
}()
