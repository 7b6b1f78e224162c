package alp

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/postalsys/alpd/internal/d7afs"
	"github.com/postalsys/alpd/internal/session"
)

// maxDataLength bounds the data operand of a single action.
const maxDataLength = 0xFFFF

// Reader is the input ReadAction consumes. *bytes.Reader and *fifo.Fifo
// satisfy it.
type Reader interface {
	io.Reader
	io.ByteReader
}

// Action is one decoded ALP action. The set of implementations is closed.
type Action interface {
	Opcode() Opcode
	// AppendBinary appends the wire encoding, control byte first.
	AppendBinary(dst []byte) ([]byte, error)
	String() string
	action()
}

// Nop does nothing.
type Nop struct{}

// ReadFileData requests Length bytes of a file.
type ReadFileData struct {
	FileOffset
	Length uint32
}

// ReadFileProperties requests a file header.
type ReadFileProperties struct {
	FileID uint8
}

// WriteFileData writes Data into a file.
type WriteFileData struct {
	FileOffset
	Data []byte
}

// WriteFileProperties replaces a file header.
type WriteFileProperties struct {
	FileID uint8
	Header d7afs.FileHeader
}

// BreakQuery stops the command unless the file value at Target compares
// true against Value.
type BreakQuery struct {
	Comparison Comparison
	Signed     bool
	Value      []byte
	Target     FileOffset
}

// CreateFile creates a file with the given header.
type CreateFile struct {
	FileID uint8
	Header d7afs.FileHeader
}

// ReturnFileData carries file content in a response.
type ReturnFileData struct {
	FileOffset
	Data []byte
}

// ReturnFileProperties carries a file header in a response.
type ReturnFileProperties struct {
	FileID uint8
	Header d7afs.FileHeader
}

// ActionStatus reports the status of the action at Index.
type ActionStatus struct {
	Index  uint8
	Status Status
}

// InterfaceStatus reports link metadata of the interface a response came
// through. D7ASP data is a session result with no length prefix; every
// other interface carries a length byte.
type InterfaceStatus struct {
	Interface InterfaceID
	Data      []byte
}

// ResponseTag echoes the tag of a request.
type ResponseTag struct {
	TagID uint8
	// EOP marks the last response of the command.
	EOP bool
	Err bool
}

// RequestTag attaches a tag to the command.
type RequestTag struct {
	TagID                uint8
	RespondWhenCompleted bool
}

// Forward routes the remaining actions to another interface.
type Forward struct {
	Config InterfaceConfig
}

// IndirectForward routes the remaining actions using the configuration
// stored in a file. When Overload is set, an addressee follows the file id
// on the wire; ReadAction leaves it in the stream because its presence
// depends on the file content.
type IndirectForward struct {
	FileID    uint8
	Overload  bool
	Addressee session.Addressee
}

// Unsupported is an action with an opcode this package does not decode.
// Its operands cannot be skipped.
type Unsupported struct {
	Control byte
}

func (Nop) action()                  {}
func (ReadFileData) action()         {}
func (ReadFileProperties) action()   {}
func (WriteFileData) action()        {}
func (WriteFileProperties) action()  {}
func (BreakQuery) action()           {}
func (CreateFile) action()           {}
func (ReturnFileData) action()       {}
func (ReturnFileProperties) action() {}
func (ActionStatus) action()         {}
func (InterfaceStatus) action()      {}
func (ResponseTag) action()          {}
func (RequestTag) action()           {}
func (Forward) action()              {}
func (IndirectForward) action()      {}
func (Unsupported) action()          {}

// Opcode implements Action.
func (Nop) Opcode() Opcode                  { return OpNop }
func (ReadFileData) Opcode() Opcode         { return OpReadFileData }
func (ReadFileProperties) Opcode() Opcode   { return OpReadFileProperties }
func (WriteFileData) Opcode() Opcode        { return OpWriteFileData }
func (WriteFileProperties) Opcode() Opcode  { return OpWriteFileProperties }
func (BreakQuery) Opcode() Opcode           { return OpBreakQuery }
func (CreateFile) Opcode() Opcode           { return OpCreateFile }
func (ReturnFileData) Opcode() Opcode       { return OpReturnFileData }
func (ReturnFileProperties) Opcode() Opcode { return OpReturnFileProperties }
func (ActionStatus) Opcode() Opcode         { return OpReturnStatus }
func (InterfaceStatus) Opcode() Opcode      { return OpReturnStatus }
func (ResponseTag) Opcode() Opcode          { return OpResponseTag }
func (RequestTag) Opcode() Opcode           { return OpRequestTag }
func (Forward) Opcode() Opcode              { return OpForward }
func (IndirectForward) Opcode() Opcode      { return OpIndirectForward }
func (a Unsupported) Opcode() Opcode        { return OpcodeOf(a.Control) }

// ============================================================================
// Encoding
// ============================================================================

// AppendBinary implements Action.
func (Nop) AppendBinary(dst []byte) ([]byte, error) {
	return append(dst, byte(OpNop)), nil
}

// AppendBinary implements Action.
func (a ReadFileData) AppendBinary(dst []byte) ([]byte, error) {
	dst, err := a.FileOffset.AppendBinary(append(dst, byte(OpReadFileData)))
	if err != nil {
		return dst, err
	}
	return AppendLength(dst, a.Length)
}

// AppendBinary implements Action.
func (a ReadFileProperties) AppendBinary(dst []byte) ([]byte, error) {
	return append(dst, byte(OpReadFileProperties), a.FileID), nil
}

// AppendBinary implements Action.
func (a WriteFileData) AppendBinary(dst []byte) ([]byte, error) {
	return appendFileData(dst, OpWriteFileData, a.FileOffset, a.Data)
}

// AppendBinary implements Action.
func (a WriteFileProperties) AppendBinary(dst []byte) ([]byte, error) {
	return a.Header.AppendBinary(append(dst, byte(OpWriteFileProperties), a.FileID)), nil
}

// AppendBinary implements Action.
func (a BreakQuery) AppendBinary(dst []byte) ([]byte, error) {
	dst = append(dst, byte(OpBreakQuery), byte(NewArithmeticQuery(a.Comparison, a.Signed)))
	dst, err := AppendLength(dst, uint32(len(a.Value)))
	if err != nil {
		return dst, err
	}
	return a.Target.AppendBinary(append(dst, a.Value...))
}

// AppendBinary implements Action.
func (a CreateFile) AppendBinary(dst []byte) ([]byte, error) {
	return a.Header.AppendBinary(append(dst, byte(OpCreateFile), a.FileID)), nil
}

// AppendBinary implements Action.
func (a ReturnFileData) AppendBinary(dst []byte) ([]byte, error) {
	return appendFileData(dst, OpReturnFileData, a.FileOffset, a.Data)
}

// AppendBinary implements Action.
func (a ReturnFileProperties) AppendBinary(dst []byte) ([]byte, error) {
	return a.Header.AppendBinary(append(dst, byte(OpReturnFileProperties), a.FileID)), nil
}

// AppendBinary implements Action.
func (a ActionStatus) AppendBinary(dst []byte) ([]byte, error) {
	return append(dst, byte(OpReturnStatus), a.Index, byte(a.Status)), nil
}

// AppendBinary implements Action.
func (a InterfaceStatus) AppendBinary(dst []byte) ([]byte, error) {
	dst = append(dst, byte(OpReturnStatus)|flagB6, byte(a.Interface))
	if a.Interface != InterfaceD7ASP {
		if len(a.Data) > 0xFF {
			return dst, fmt.Errorf("%w: interface status of %d bytes", ErrLengthOverflow, len(a.Data))
		}
		dst = append(dst, byte(len(a.Data)))
	}
	return append(dst, a.Data...), nil
}

// AppendBinary implements Action.
func (a ResponseTag) AppendBinary(dst []byte) ([]byte, error) {
	return AppendResponseTag(dst, a.TagID, a.EOP, a.Err), nil
}

// AppendBinary implements Action.
func (a RequestTag) AppendBinary(dst []byte) ([]byte, error) {
	c := byte(OpRequestTag)
	if a.RespondWhenCompleted {
		c |= flagB7
	}
	return append(dst, c, a.TagID), nil
}

// AppendBinary implements Action.
func (a Forward) AppendBinary(dst []byte) ([]byte, error) {
	if a.Config == nil {
		return dst, fmt.Errorf("%w: forward without configuration", ErrUnsupportedInterface)
	}
	dst = append(dst, byte(OpForward), byte(a.Config.Interface()))
	return a.Config.AppendBinary(dst), nil
}

// AppendBinary implements Action.
func (a IndirectForward) AppendBinary(dst []byte) ([]byte, error) {
	c := byte(OpIndirectForward)
	if a.Overload {
		c |= flagB7
	}
	dst = append(dst, c, a.FileID)
	if a.Overload {
		dst = a.Addressee.AppendBinary(dst)
	}
	return dst, nil
}

// AppendBinary implements Action.
func (a Unsupported) AppendBinary(dst []byte) ([]byte, error) {
	return append(dst, a.Control), nil
}

func appendFileData(dst []byte, op Opcode, off FileOffset, data []byte) ([]byte, error) {
	dst, err := off.AppendBinary(append(dst, byte(op)))
	if err != nil {
		return dst, err
	}
	dst, err = AppendLength(dst, uint32(len(data)))
	if err != nil {
		return dst, err
	}
	return append(dst, data...), nil
}

// AppendResponseTag appends a tag response: the response tag opcode with
// end-of-procedure in b7 and error in b6, followed by the tag id.
func AppendResponseTag(dst []byte, tagID uint8, eop, isErr bool) []byte {
	c := byte(OpResponseTag)
	if eop {
		c |= flagB7
	}
	if isErr {
		c |= flagB6
	}
	return append(dst, c, tagID)
}

// ============================================================================
// Decoding
// ============================================================================

// ReadAction decodes the next action from r.
func ReadAction(r Reader) (Action, error) {
	ctrl, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	switch OpcodeOf(ctrl) {
	case OpNop:
		return Nop{}, nil
	case OpReadFileData:
		off, err := ReadFileOffset(r)
		if err != nil {
			return nil, err
		}
		n, err := ReadLength(r)
		if err != nil {
			return nil, err
		}
		return ReadFileData{FileOffset: off, Length: n}, nil
	case OpReadFileProperties:
		id, err := readByte(r, "file id")
		if err != nil {
			return nil, err
		}
		return ReadFileProperties{FileID: id}, nil
	case OpWriteFileData:
		off, data, err := readFileData(r)
		if err != nil {
			return nil, err
		}
		return WriteFileData{FileOffset: off, Data: data}, nil
	case OpWriteFileProperties:
		id, h, err := readFileHeaderOperand(r)
		if err != nil {
			return nil, err
		}
		return WriteFileProperties{FileID: id, Header: h}, nil
	case OpBreakQuery:
		return readBreakQuery(r)
	case OpCreateFile:
		id, h, err := readFileHeaderOperand(r)
		if err != nil {
			return nil, err
		}
		return CreateFile{FileID: id, Header: h}, nil
	case OpReturnFileData:
		off, data, err := readFileData(r)
		if err != nil {
			return nil, err
		}
		return ReturnFileData{FileOffset: off, Data: data}, nil
	case OpReturnFileProperties:
		id, h, err := readFileHeaderOperand(r)
		if err != nil {
			return nil, err
		}
		return ReturnFileProperties{FileID: id, Header: h}, nil
	case OpReturnStatus:
		if ctrl&flagB6 != 0 {
			return readInterfaceStatus(r)
		}
		var b [2]byte
		if err := readFull(r, b[:], "action status"); err != nil {
			return nil, err
		}
		return ActionStatus{Index: b[0], Status: Status(b[1])}, nil
	case OpResponseTag:
		id, err := readByte(r, "tag id")
		if err != nil {
			return nil, err
		}
		return ResponseTag{TagID: id, EOP: ctrl&flagB7 != 0, Err: ctrl&flagB6 != 0}, nil
	case OpRequestTag:
		id, err := readByte(r, "tag id")
		if err != nil {
			return nil, err
		}
		return RequestTag{TagID: id, RespondWhenCompleted: ctrl&flagB7 != 0}, nil
	case OpForward:
		itf, err := readByte(r, "interface id")
		if err != nil {
			return nil, err
		}
		cfg, err := ReadInterfaceConfig(r, InterfaceID(itf))
		if err != nil {
			return nil, err
		}
		return Forward{Config: cfg}, nil
	case OpIndirectForward:
		id, err := readByte(r, "interface file id")
		if err != nil {
			return nil, err
		}
		return IndirectForward{FileID: id, Overload: ctrl&flagB7 != 0}, nil
	default:
		return Unsupported{Control: ctrl}, nil
	}
}

// ParseCommand decodes every action in cmd. Actions after a forward are
// decoded as well. An indirect forward with overload stops decoding with
// the actions read so far.
func ParseCommand(cmd []byte) ([]Action, error) {
	r := bytes.NewReader(cmd)
	var actions []Action
	for r.Len() > 0 {
		a, err := ReadAction(r)
		if err != nil {
			return actions, err
		}
		actions = append(actions, a)
		switch a := a.(type) {
		case Unsupported:
			return actions, fmt.Errorf("%w: %s", ErrUnknownOperation, a.Opcode())
		case IndirectForward:
			if a.Overload {
				return actions, nil
			}
		}
	}
	return actions, nil
}

// EncodeCommand concatenates the encodings of actions.
func EncodeCommand(actions ...Action) ([]byte, error) {
	var (
		out []byte
		err error
	)
	for _, a := range actions {
		if out, err = a.AppendBinary(out); err != nil {
			return nil, err
		}
	}
	return out, nil
}

func readByte(r io.ByteReader, what string) (byte, error) {
	b, err := r.ReadByte()
	if err != nil {
		return 0, fmt.Errorf("%w: %s: %v", ErrTruncated, what, err)
	}
	return b, nil
}

func readFull(r io.Reader, p []byte, what string) error {
	if _, err := io.ReadFull(r, p); err != nil {
		return fmt.Errorf("%w: %s: %v", ErrTruncated, what, err)
	}
	return nil
}

func readData(r io.Reader, n uint32) ([]byte, error) {
	if n > maxDataLength {
		return nil, fmt.Errorf("%w: data length %d", ErrLengthOverflow, n)
	}
	data := make([]byte, n)
	if err := readFull(r, data, "data"); err != nil {
		return nil, err
	}
	return data, nil
}

func readFileData(r Reader) (FileOffset, []byte, error) {
	off, err := ReadFileOffset(r)
	if err != nil {
		return FileOffset{}, nil, err
	}
	n, err := ReadLength(r)
	if err != nil {
		return FileOffset{}, nil, err
	}
	data, err := readData(r, n)
	if err != nil {
		return FileOffset{}, nil, err
	}
	return off, data, nil
}

func readFileHeaderOperand(r io.Reader) (uint8, d7afs.FileHeader, error) {
	var b [1 + d7afs.HeaderSize]byte
	if err := readFull(r, b[:], "file header"); err != nil {
		return 0, d7afs.FileHeader{}, err
	}
	h, err := d7afs.ParseFileHeader(b[1:])
	return b[0], h, err
}

func readBreakQuery(r Reader) (Action, error) {
	code, err := readByte(r, "query code")
	if err != nil {
		return nil, err
	}
	q := QueryCode(code)
	if !q.Supported() {
		return nil, fmt.Errorf("%w: code 0x%02x", ErrUnsupportedQuery, code)
	}
	n, err := ReadLength(r)
	if err != nil {
		return nil, err
	}
	value, err := readData(r, n)
	if err != nil {
		return nil, err
	}
	target, err := ReadFileOffset(r)
	if err != nil {
		return nil, err
	}
	return BreakQuery{Comparison: q.Comparison(), Signed: q.Signed(), Value: value, Target: target}, nil
}

func readInterfaceStatus(r Reader) (Action, error) {
	itf, err := readByte(r, "interface id")
	if err != nil {
		return nil, err
	}
	if InterfaceID(itf) == InterfaceD7ASP {
		res, err := session.ReadResult(r)
		if err != nil {
			return nil, err
		}
		return InterfaceStatus{Interface: InterfaceD7ASP, Data: res.AppendBinary(nil)}, nil
	}
	n, err := readByte(r, "interface status length")
	if err != nil {
		return nil, err
	}
	data, err := readData(r, uint32(n))
	if err != nil {
		return nil, err
	}
	return InterfaceStatus{Interface: InterfaceID(itf), Data: data}, nil
}

// ============================================================================
// Formatting
// ============================================================================

func (Nop) String() string { return "NOP" }

func (a ReadFileData) String() string {
	return fmt.Sprintf("READ_FILE_DATA{%s length=%d}", a.FileOffset, a.Length)
}

func (a ReadFileProperties) String() string {
	return fmt.Sprintf("READ_FILE_PROPERTIES{file=%d}", a.FileID)
}

func (a WriteFileData) String() string {
	return fmt.Sprintf("WRITE_FILE_DATA{%s data=%x}", a.FileOffset, a.Data)
}

func (a WriteFileProperties) String() string {
	return fmt.Sprintf("WRITE_FILE_PROPERTIES{file=%d %s}", a.FileID, formatHeader(a.Header))
}

func (a BreakQuery) String() string {
	sign := "unsigned"
	if a.Signed {
		sign = "signed"
	}
	return fmt.Sprintf("BREAK_QUERY{%s %s %x %s}", a.Target, a.Comparison, a.Value, sign)
}

func (a CreateFile) String() string {
	return fmt.Sprintf("CREATE_FILE{file=%d %s}", a.FileID, formatHeader(a.Header))
}

func (a ReturnFileData) String() string {
	return fmt.Sprintf("RETURN_FILE_DATA{%s data=%x}", a.FileOffset, a.Data)
}

func (a ReturnFileProperties) String() string {
	return fmt.Sprintf("RETURN_FILE_PROPERTIES{file=%d %s}", a.FileID, formatHeader(a.Header))
}

func (a ActionStatus) String() string {
	return fmt.Sprintf("RETURN_STATUS{action=%d %s}", a.Index, a.Status)
}

func (a InterfaceStatus) String() string {
	return fmt.Sprintf("RETURN_STATUS{itf=%s data=%x}", a.Interface, a.Data)
}

func (a ResponseTag) String() string {
	return fmt.Sprintf("RESPONSE_TAG{tag=%d eop=%t err=%t}", a.TagID, a.EOP, a.Err)
}

func (a RequestTag) String() string {
	return fmt.Sprintf("REQUEST_TAG{tag=%d respond_when_completed=%t}", a.TagID, a.RespondWhenCompleted)
}

func (a Forward) String() string {
	if a.Config == nil {
		return "FORWARD{}"
	}
	return fmt.Sprintf("FORWARD{itf=%s}", a.Config.Interface())
}

func (a IndirectForward) String() string {
	if a.Overload {
		return fmt.Sprintf("INDIRECT_FORWARD{file=%d overload=%s}", a.FileID, a.Addressee)
	}
	return fmt.Sprintf("INDIRECT_FORWARD{file=%d}", a.FileID)
}

func (a Unsupported) String() string {
	return fmt.Sprintf("UNSUPPORTED{control=0x%02x}", a.Control)
}

func formatHeader(h d7afs.FileHeader) string {
	return fmt.Sprintf("perm=0x%02x props=0x%02x alp=%d itf=%d length=%d alloc=%d",
		h.Permissions, uint8(h.Properties), h.ALPCommandFileID, h.InterfaceFileID, h.Length, h.AllocatedLength)
}

// IsTruncated reports whether err was caused by an action ending early.
func IsTruncated(err error) bool {
	return errors.Is(err, ErrTruncated) || errors.Is(err, io.EOF)
}
