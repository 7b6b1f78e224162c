package alp

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"
	"time"

	"github.com/postalsys/alpd/internal/d7afs"
	"github.com/postalsys/alpd/internal/lorawan"
	"github.com/postalsys/alpd/internal/session"
)

// NewD7ASPStatus builds the interface status of a D7A session result.
func NewD7ASPStatus(res session.Result) InterfaceStatus {
	return InterfaceStatus{Interface: InterfaceD7ASP, Data: res.AppendBinary(nil)}
}

// D7ASPResult decodes the session result of a D7ASP interface status.
func (a InterfaceStatus) D7ASPResult() (session.Result, error) {
	if a.Interface != InterfaceD7ASP {
		return session.Result{}, fmt.Errorf("%w: %s is not d7asp", ErrUnsupportedInterface, a.Interface)
	}
	return session.ReadResult(bytes.NewReader(a.Data))
}

// LoRaWANStatus is the interface status of a LoRaWAN uplink.
type LoRaWANStatus struct {
	Attempts uint8
	Status   lorawan.Status
	// DutyCycleWait is the time until the next uplink is allowed.
	DutyCycleWait time.Duration
}

// NewLoRaWANStatus builds the interface status of a LoRaWAN uplink. The
// duty cycle wait is carried in whole seconds.
func NewLoRaWANStatus(itf InterfaceID, st LoRaWANStatus) InterfaceStatus {
	secs := st.DutyCycleWait.Round(time.Second) / time.Second
	switch {
	case secs < 0:
		secs = 0
	case secs > math.MaxUint16:
		secs = math.MaxUint16
	}
	data := []byte{st.Attempts, byte(st.Status)}
	data = binary.BigEndian.AppendUint16(data, uint16(secs))
	return InterfaceStatus{Interface: itf, Data: data}
}

// LoRaWANStatus decodes the status of a LoRaWAN interface status.
func (a InterfaceStatus) LoRaWANStatus() (LoRaWANStatus, error) {
	if a.Interface != InterfaceLoRaWANABP && a.Interface != InterfaceLoRaWANOTAA {
		return LoRaWANStatus{}, fmt.Errorf("%w: %s is not lorawan", ErrUnsupportedInterface, a.Interface)
	}
	if len(a.Data) < 4 {
		return LoRaWANStatus{}, fmt.Errorf("%w: lorawan status of %d bytes", ErrTruncated, len(a.Data))
	}
	return LoRaWANStatus{
		Attempts:      a.Data[0],
		Status:        lorawan.Status(a.Data[1]),
		DutyCycleWait: time.Duration(binary.BigEndian.Uint16(a.Data[2:4])) * time.Second,
	}, nil
}

// ExpectedResponseLength estimates the size of the response a command
// produces: the return actions of its reads and a tag response when one is
// requested on completion. Actions after a forward belong to the remote
// side and are not counted. The result saturates at 255.
func ExpectedResponseLength(cmd []byte) uint8 {
	r := bytes.NewReader(cmd)
	total := 0
	for r.Len() > 0 && total < math.MaxUint8 {
		a, err := ReadAction(r)
		if err != nil {
			break
		}
		switch a := a.(type) {
		case ReadFileData:
			total += 1 + a.FileOffset.Size() + LengthSize(a.Length) + int(a.Length)
		case ReadFileProperties:
			total += 2 + d7afs.HeaderSize
		case RequestTag:
			if a.RespondWhenCompleted {
				total += 2
			}
		case Forward, IndirectForward, Unsupported:
			return clampResponseLength(total)
		}
	}
	return clampResponseLength(total)
}

func clampResponseLength(n int) uint8 {
	if n > math.MaxUint8 {
		return math.MaxUint8
	}
	return uint8(n)
}

// ReturnFileDataLen returns the encoded size of the return file data action
// at the start of b without consuming it. ErrTruncated means b does not yet
// hold the whole action.
func ReturnFileDataLen(b []byte) (int, error) {
	if len(b) < 2 {
		return 0, fmt.Errorf("%w: return file data header", ErrTruncated)
	}
	if OpcodeOf(b[0]) != OpReturnFileData {
		return 0, fmt.Errorf("%w: %s is not return file data", ErrUnknownOperation, OpcodeOf(b[0]))
	}
	total := 2
	_, n, err := ParseLength(b[total:])
	if err != nil {
		return 0, err
	}
	total += n
	dataLen, n, err := ParseLength(b[total:])
	if err != nil {
		return 0, err
	}
	total += n + int(dataLen)
	if len(b) < total {
		return 0, fmt.Errorf("%w: return file data needs %d bytes, have %d", ErrTruncated, total, len(b))
	}
	return total, nil
}
