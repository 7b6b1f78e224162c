// Package lorawan defines the long-range stack capability used to forward
// ALP commands over LoRaWAN, the OTAA and ABP session configurations and
// their wire encoding.
package lorawan

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrTruncated is returned when a configuration encoding ends early.
var ErrTruncated = errors.New("truncated lorawan config")

// Status is the outcome reported by the stack.
type Status uint8

// Stack status codes.
const (
	StatusOK            Status = 0
	StatusNotJoined     Status = 1
	StatusTxNotPossible Status = 2
	StatusJoinFailed    Status = 3
	StatusDutyCycle     Status = 4
	StatusBusy          Status = 5
	StatusNoAck         Status = 6
	StatusJoined        Status = 7
	StatusUnknown       Status = 0xFF
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusNotJoined:
		return "NOT_JOINED"
	case StatusTxNotPossible:
		return "TX_NOT_POSSIBLE"
	case StatusJoinFailed:
		return "JOIN_FAILED"
	case StatusDutyCycle:
		return "DUTY_CYCLE"
	case StatusBusy:
		return "BUSY"
	case StatusNoAck:
		return "NO_ACK"
	case StatusJoined:
		return "JOINED"
	default:
		return fmt.Sprintf("STATUS_%d", uint8(s))
	}
}

// Flag bit positions in the first config byte.
const (
	requestAckBit = 1
	adrEnabledBit = 2
)

// Encoded config sizes.
const (
	OTAAConfigSize = 35
	ABPConfigSize  = 43
)

func packFlags(requestAck, adr bool) byte {
	var b byte
	if requestAck {
		b |= 1 << requestAckBit
	}
	if adr {
		b |= 1 << adrEnabledBit
	}
	return b
}

// OTAAConfig configures an over-the-air activated session.
type OTAAConfig struct {
	RequestAck bool
	ADREnabled bool
	AppPort    uint8
	DataRate   uint8
	DevEUI     [8]byte
	AppEUI     [8]byte
	AppKey     [16]byte
}

// AppendBinary appends flags, port, data rate, devEUI, appEUI and appKey.
func (c OTAAConfig) AppendBinary(dst []byte) []byte {
	dst = append(dst, packFlags(c.RequestAck, c.ADREnabled), c.AppPort, c.DataRate)
	dst = append(dst, c.DevEUI[:]...)
	dst = append(dst, c.AppEUI[:]...)
	return append(dst, c.AppKey[:]...)
}

// ReadOTAAConfig decodes an OTAA configuration.
func ReadOTAAConfig(r io.Reader) (OTAAConfig, error) {
	var b [OTAAConfigSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return OTAAConfig{}, fmt.Errorf("%w: otaa: %v", ErrTruncated, err)
	}
	c := OTAAConfig{
		RequestAck: b[0]&(1<<requestAckBit) != 0,
		ADREnabled: b[0]&(1<<adrEnabledBit) != 0,
		AppPort:    b[1],
		DataRate:   b[2],
	}
	copy(c.DevEUI[:], b[3:11])
	copy(c.AppEUI[:], b[11:19])
	copy(c.AppKey[:], b[19:35])
	return c, nil
}

// ABPConfig configures an activation-by-personalization session.
type ABPConfig struct {
	RequestAck bool
	ADREnabled bool
	AppPort    uint8
	DataRate   uint8
	NwkSKey    [16]byte
	AppSKey    [16]byte
	DevAddr    uint32
	NetworkID  uint32
}

// AppendBinary appends flags, port, data rate, keys, device address and
// network id.
func (c ABPConfig) AppendBinary(dst []byte) []byte {
	dst = append(dst, packFlags(c.RequestAck, c.ADREnabled), c.AppPort, c.DataRate)
	dst = append(dst, c.NwkSKey[:]...)
	dst = append(dst, c.AppSKey[:]...)
	dst = binary.BigEndian.AppendUint32(dst, c.DevAddr)
	return binary.BigEndian.AppendUint32(dst, c.NetworkID)
}

// ReadABPConfig decodes an ABP configuration.
func ReadABPConfig(r io.Reader) (ABPConfig, error) {
	var b [ABPConfigSize]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return ABPConfig{}, fmt.Errorf("%w: abp: %v", ErrTruncated, err)
	}
	c := ABPConfig{
		RequestAck: b[0]&(1<<requestAckBit) != 0,
		ADREnabled: b[0]&(1<<adrEnabledBit) != 0,
		AppPort:    b[1],
		DataRate:   b[2],
		DevAddr:    binary.BigEndian.Uint32(b[35:39]),
		NetworkID:  binary.BigEndian.Uint32(b[39:43]),
	}
	copy(c.NwkSKey[:], b[3:19])
	copy(c.AppSKey[:], b[19:35])
	return c, nil
}

// Callbacks receive stack events. They may run on any goroutine.
type Callbacks struct {
	// Receive delivers a downlink payload.
	Receive func(payload []byte)
	// Completed reports the end of the uplink started by Send.
	Completed func(status Status, attempts uint8)
	// StatusUpdate reports progress such as join attempts.
	StatusUpdate func(status Status, attempt uint8)
}

// Stack is the long-range stack capability.
type Stack interface {
	SetCallbacks(cb Callbacks)
	// InitOTAA activates the stack and starts joining.
	InitOTAA(cfg OTAAConfig) error
	// InitABP activates the stack with static session keys.
	InitABP(cfg ABPConfig) error
	// Deinit takes the stack down.
	Deinit()
	// Joined reports whether uplinks are possible.
	Joined() bool
	// Send starts an uplink. A non-OK status means nothing was sent and no
	// Completed callback follows.
	Send(payload []byte, port uint8, requestAck bool) Status
	// DutyCycleDelay is the wait before the next uplink is allowed.
	DutyCycleDelay() time.Duration
}
