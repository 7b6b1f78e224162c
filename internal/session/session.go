// Package session defines the D7A session-layer capability used to
// forward ALP commands over the mesh, together with the session
// configuration and result types and their wire encoding.
package session

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

var (
	// ErrUnavailable is returned by a layer that has no radio behind it.
	ErrUnavailable = errors.New("session layer unavailable")
	// ErrStopped is returned when sending on a stopped layer.
	ErrStopped = errors.New("session layer stopped")
	// ErrNoSession is returned for a response sent outside an inbound session.
	ErrNoSession = errors.New("no inbound session to respond to")
	// ErrNoResponse completes a request that expected responses and got none.
	ErrNoResponse = errors.New("no response received")
	// ErrInvalidClient is returned for an unregistered client id.
	ErrInvalidClient = errors.New("unknown session client")
	// ErrTruncated is returned when an encoding ends early.
	ErrTruncated = errors.New("truncated session operand")
)

// IDType selects how the addressee id is interpreted.
type IDType uint8

// Addressee id types.
const (
	IDTypeNBID IDType = 0
	IDTypeNOID IDType = 1
	IDTypeUID  IDType = 2
	IDTypeVID  IDType = 3
)

// Len returns the id length in bytes.
func (t IDType) Len() int {
	switch t {
	case IDTypeNBID:
		return 1
	case IDTypeUID:
		return 8
	case IDTypeVID:
		return 2
	default:
		return 0
	}
}

func (t IDType) String() string {
	switch t {
	case IDTypeNBID:
		return "NBID"
	case IDTypeNOID:
		return "NOID"
	case IDTypeUID:
		return "UID"
	case IDTypeVID:
		return "VID"
	default:
		return fmt.Sprintf("IDType(%d)", uint8(t))
	}
}

// Addressee identifies the target (or origin) of a session.
//
// Ctrl: b5..4 id type, b3..0 network layer security method.
type Addressee struct {
	Ctrl        uint8
	AccessClass uint8
	ID          []byte
}

// NewAddressee builds an addressee with no network layer security.
func NewAddressee(t IDType, accessClass uint8, id []byte) Addressee {
	return Addressee{Ctrl: uint8(t&0x03) << 4, AccessClass: accessClass, ID: id}
}

// IDType returns the id type bits of Ctrl.
func (a Addressee) IDType() IDType { return IDType(a.Ctrl>>4) & 0x03 }

// NLSMethod returns the network layer security bits of Ctrl.
func (a Addressee) NLSMethod() uint8 { return a.Ctrl & 0x0F }

// AppendBinary appends ctrl, access class and the id, padded or cut to the
// length its type implies.
func (a Addressee) AppendBinary(dst []byte) []byte {
	dst = append(dst, a.Ctrl, a.AccessClass)
	n := a.IDType().Len()
	id := make([]byte, n)
	copy(id, a.ID)
	return append(dst, id...)
}

func (a Addressee) String() string {
	return fmt.Sprintf("%s:%x/ac=%#02x", a.IDType(), a.ID, a.AccessClass)
}

// ReadAddressee decodes an addressee.
func ReadAddressee(r io.Reader) (Addressee, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Addressee{}, fmt.Errorf("%w: addressee: %v", ErrTruncated, err)
	}
	a := Addressee{Ctrl: hdr[0], AccessClass: hdr[1]}
	a.ID = make([]byte, a.IDType().Len())
	if _, err := io.ReadFull(r, a.ID); err != nil {
		return Addressee{}, fmt.Errorf("%w: addressee id: %v", ErrTruncated, err)
	}
	return a, nil
}

// RespMode is the session response mode.
type RespMode uint8

// Response modes.
const (
	RespModeNo        RespMode = 0
	RespModeAll       RespMode = 1
	RespModeAny       RespMode = 2
	RespModeNoRepeat  RespMode = 4
	RespModeOnError   RespMode = 5
	RespModePreferred RespMode = 6
)

// QoS is the session QoS byte:
//
//	b7     stop on error
//	b6     record
//	b5..3  retry mode
//	b2..0  response mode
type QoS uint8

// NewQoS packs a QoS byte.
func NewQoS(resp RespMode, retry uint8, record, stopOnError bool) QoS {
	q := QoS(resp&0x07) | QoS(retry&0x07)<<3
	if record {
		q |= 0x40
	}
	if stopOnError {
		q |= 0x80
	}
	return q
}

// RespMode returns the response mode bits.
func (q QoS) RespMode() RespMode { return RespMode(q & 0x07) }

// RetryMode returns the retry mode bits.
func (q QoS) RetryMode() uint8 { return uint8(q>>3) & 0x07 }

// Record reports the record flag.
func (q QoS) Record() bool { return q&0x40 != 0 }

// StopOnError reports the stop-on-error flag.
func (q QoS) StopOnError() bool { return q&0x80 != 0 }

// ExpectsResponse reports whether the requester waits for responses.
func (q QoS) ExpectsResponse() bool {
	switch q.RespMode() {
	case RespModeAll, RespModeAny, RespModeOnError, RespModePreferred:
		return true
	}
	return false
}

// Config describes how a command is sent over the mesh.
type Config struct {
	QoS            QoS
	DormantTimeout uint8
	Addressee      Addressee
}

// AppendBinary appends qos, dormant timeout and the addressee.
func (c Config) AppendBinary(dst []byte) []byte {
	dst = append(dst, byte(c.QoS), c.DormantTimeout)
	return c.Addressee.AppendBinary(dst)
}

// ReadConfig decodes a session configuration.
func ReadConfig(r io.Reader) (Config, error) {
	var hdr [2]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return Config{}, fmt.Errorf("%w: session config: %v", ErrTruncated, err)
	}
	a, err := ReadAddressee(r)
	if err != nil {
		return Config{}, err
	}
	return Config{QoS: QoS(hdr[0]), DormantTimeout: hdr[1], Addressee: a}, nil
}

// Channel identifies the radio channel a frame was received on.
type Channel struct {
	Header          uint8
	CenterFreqIndex uint16
}

// Result is the link metadata of a received frame.
type Result struct {
	Channel         Channel
	RxLevel         uint8
	LinkBudget      uint8
	TargetRxLevel   uint8
	Status          uint8
	FifoToken       uint8
	SeqNr           uint8
	ResponseTimeout uint8
	Addressee       Addressee
}

// ResultSize returns the encoded size of r.
func (r Result) ResultSize() int {
	return 12 + r.Addressee.IDType().Len()
}

// AppendBinary appends the interface status encoding of r.
func (r Result) AppendBinary(dst []byte) []byte {
	dst = append(dst, r.Channel.Header)
	dst = binary.BigEndian.AppendUint16(dst, r.Channel.CenterFreqIndex)
	dst = append(dst, r.RxLevel, r.LinkBudget, r.TargetRxLevel, r.Status,
		r.FifoToken, r.SeqNr, r.ResponseTimeout)
	return r.Addressee.AppendBinary(dst)
}

// ReadResult decodes the interface status encoding of a result.
func ReadResult(rd io.Reader) (Result, error) {
	var b [10]byte
	if _, err := io.ReadFull(rd, b[:]); err != nil {
		return Result{}, fmt.Errorf("%w: session result: %v", ErrTruncated, err)
	}
	a, err := ReadAddressee(rd)
	if err != nil {
		return Result{}, err
	}
	return Result{
		Channel:         Channel{Header: b[0], CenterFreqIndex: binary.BigEndian.Uint16(b[1:3])},
		RxLevel:         b[3],
		LinkBudget:      b[4],
		TargetRxLevel:   b[5],
		Status:          b[6],
		FifoToken:       b[7],
		SeqNr:           b[8],
		ResponseTimeout: b[9],
		Addressee:       a,
	}, nil
}

// Client receives session events. Implementations must not block.
type Client interface {
	// OnResult delivers a response to a request sent with Send.
	OnResult(transID uint16, payload []byte, res Result)
	// OnCompleted reports the end of a request; err is nil on success.
	OnCompleted(transID uint16, err error)
	// OnUnsolicited delivers an inbound request. It returns true when the
	// client will respond within the session.
	OnUnsolicited(payload []byte, res Result) bool
}

// Layer is the session-layer capability.
type Layer interface {
	// Register adds a client and returns its id.
	Register(c Client) uint8
	// Start brings the stack up. Starting a started layer is a no-op.
	Start() error
	// Stop takes the stack down. Stopping a stopped layer is a no-op.
	Stop() error
	// Send transmits payload. A nil cfg responds within the inbound
	// session currently being served; the returned id is then 0.
	Send(clientID uint8, cfg *Config, payload []byte, expectedResponseLen uint8) (transID uint16, err error)
}

// Disabled is a Layer with no radio. Every Send fails with ErrUnavailable.
type Disabled struct{}

// Register implements Layer.
func (Disabled) Register(Client) uint8 { return 0 }

// Start implements Layer.
func (Disabled) Start() error { return nil }

// Stop implements Layer.
func (Disabled) Stop() error { return nil }

// Send implements Layer.
func (Disabled) Send(uint8, *Config, []byte, uint8) (uint16, error) {
	return 0, ErrUnavailable
}
