// Package alp implements the ALP wire format: action control bytes,
// length and file offset operands, forward configurations, query
// predicates and the tag and status actions produced by the processor.
package alp

import (
	"errors"
	"fmt"

	"github.com/postalsys/alpd/internal/d7afs"
	"github.com/postalsys/alpd/internal/fs"
	"github.com/postalsys/alpd/internal/lorawan"
	"github.com/postalsys/alpd/internal/session"
)

var (
	// ErrTruncated is returned when an action ends before its operands do.
	ErrTruncated = errors.New("truncated ALP operand")

	// ErrUnknownOperation is returned for an opcode without a decoder.
	ErrUnknownOperation = errors.New("unknown ALP operation")

	// ErrUnsupportedQuery is returned for query encodings other than an
	// arithmetic comparison against a literal without mask.
	ErrUnsupportedQuery = errors.New("unsupported ALP query")

	// ErrUnsupportedInterface is returned for an unknown interface id.
	ErrUnsupportedInterface = errors.New("unsupported ALP interface")

	// ErrLengthOverflow is returned for lengths that cannot be encoded.
	ErrLengthOverflow = errors.New("ALP length overflow")
)

// Opcode is the operation carried in bits 5..0 of the control byte.
type Opcode uint8

// Operations
const (
	OpNop                  Opcode = 0x00
	OpReadFileData         Opcode = 0x01
	OpReadFileProperties   Opcode = 0x02
	OpWriteFileData        Opcode = 0x04
	OpWriteFileProperties  Opcode = 0x06
	OpBreakQuery           Opcode = 0x09
	OpCreateFile           Opcode = 0x11
	OpReturnFileData       Opcode = 0x20
	OpReturnFileProperties Opcode = 0x21
	OpReturnStatus         Opcode = 0x22
	OpResponseTag          Opcode = 0x23
	OpForward              Opcode = 0x32
	OpIndirectForward      Opcode = 0x33
	OpRequestTag           Opcode = 0x34
)

// Control byte flags
const (
	flagB7     = 0x80
	flagB6     = 0x40
	opcodeMask = 0x3F
)

// OpcodeOf extracts the operation from a control byte.
func OpcodeOf(control byte) Opcode {
	return Opcode(control & opcodeMask)
}

func (o Opcode) String() string {
	switch o {
	case OpNop:
		return "NOP"
	case OpReadFileData:
		return "READ_FILE_DATA"
	case OpReadFileProperties:
		return "READ_FILE_PROPERTIES"
	case OpWriteFileData:
		return "WRITE_FILE_DATA"
	case OpWriteFileProperties:
		return "WRITE_FILE_PROPERTIES"
	case OpBreakQuery:
		return "BREAK_QUERY"
	case OpCreateFile:
		return "CREATE_FILE"
	case OpReturnFileData:
		return "RETURN_FILE_DATA"
	case OpReturnFileProperties:
		return "RETURN_FILE_PROPERTIES"
	case OpReturnStatus:
		return "RETURN_STATUS"
	case OpResponseTag:
		return "RESPONSE_TAG"
	case OpForward:
		return "FORWARD"
	case OpIndirectForward:
		return "INDIRECT_FORWARD"
	case OpRequestTag:
		return "REQUEST_TAG"
	default:
		return fmt.Sprintf("OP_0x%02X", uint8(o))
	}
}

// InterfaceID identifies a forwarding target.
type InterfaceID uint8

// Interfaces
const (
	InterfaceHost        InterfaceID = 0x00
	InterfaceSerial      InterfaceID = 0x01
	InterfaceLoRaWANABP  InterfaceID = 0x02
	InterfaceLoRaWANOTAA InterfaceID = 0x03
	InterfaceD7ASP       InterfaceID = 0xD7
)

func (i InterfaceID) String() string {
	switch i {
	case InterfaceHost:
		return "host"
	case InterfaceSerial:
		return "serial"
	case InterfaceLoRaWANABP:
		return "lorawan-abp"
	case InterfaceLoRaWANOTAA:
		return "lorawan-otaa"
	case InterfaceD7ASP:
		return "d7asp"
	default:
		return fmt.Sprintf("itf-0x%02x", uint8(i))
	}
}

// Status is an ALP status code.
type Status uint8

// Status codes
const (
	StatusOK                      Status = 0x00
	StatusPartiallyCompleted      Status = 0x01
	StatusUnknownError            Status = 0x80
	StatusWrongOperandFormat      Status = 0xF4
	StatusIncompleteOperand       Status = 0xF5
	StatusUnknownOperation        Status = 0xF6
	StatusWriteStorageUnavailable Status = 0xF7
	StatusWriteDataOverflow       Status = 0xF8
	StatusWriteOffsetOverflow     Status = 0xF9
	StatusAllocationOverflow      Status = 0xFA
	StatusLengthOverflow          Status = 0xFB
	StatusInsufficientPermissions Status = 0xFC
	StatusNotRestorable           Status = 0xFD
	StatusFileIDAlreadyExists     Status = 0xFE
	StatusFileIDNotExists         Status = 0xFF
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "OK"
	case StatusPartiallyCompleted:
		return "PARTIALLY_COMPLETED"
	case StatusUnknownError:
		return "UNKNOWN_ERROR"
	case StatusWrongOperandFormat:
		return "WRONG_OPERAND_FORMAT"
	case StatusIncompleteOperand:
		return "INCOMPLETE_OPERAND"
	case StatusUnknownOperation:
		return "UNKNOWN_OPERATION"
	case StatusWriteStorageUnavailable:
		return "WRITE_STORAGE_UNAVAILABLE"
	case StatusWriteDataOverflow:
		return "WRITE_DATA_OVERFLOW"
	case StatusWriteOffsetOverflow:
		return "WRITE_OFFSET_OVERFLOW"
	case StatusAllocationOverflow:
		return "ALLOCATION_OVERFLOW"
	case StatusLengthOverflow:
		return "LENGTH_OVERFLOW"
	case StatusInsufficientPermissions:
		return "INSUFFICIENT_PERMISSIONS"
	case StatusNotRestorable:
		return "NOT_RESTORABLE"
	case StatusFileIDAlreadyExists:
		return "FILE_ID_ALREADY_EXISTS"
	case StatusFileIDNotExists:
		return "FILE_ID_NOT_EXISTS"
	default:
		return fmt.Sprintf("STATUS_0x%02X", uint8(s))
	}
}

// IsError reports whether s is an error code.
func (s Status) IsError() bool {
	return s >= 0x80
}

// StatusFromError maps a decode or file error onto a status code.
func StatusFromError(err error) Status {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrTruncated),
		errors.Is(err, session.ErrTruncated),
		errors.Is(err, lorawan.ErrTruncated):
		return StatusIncompleteOperand
	case errors.Is(err, ErrUnknownOperation):
		return StatusUnknownOperation
	case errors.Is(err, ErrUnsupportedInterface):
		return StatusWrongOperandFormat
	case errors.Is(err, ErrLengthOverflow):
		return StatusLengthOverflow
	case errors.Is(err, fs.ErrNotFound):
		return StatusFileIDNotExists
	case errors.Is(err, fs.ErrAlreadyExists):
		return StatusFileIDAlreadyExists
	case errors.Is(err, fs.ErrNoSpace):
		return StatusAllocationOverflow
	case errors.Is(err, d7afs.ErrInvalidHeader):
		return StatusWrongOperandFormat
	default:
		return StatusUnknownError
	}
}
