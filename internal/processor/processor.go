// Package processor interprets ALP commands against the file system and
// routes forwarded actions to the host, the D7A session layer or the
// LoRaWAN stack.
//
// A Layer is not safe for concurrent use. Every entry point must run on the
// scheduler worker; callbacks from the session layer, the LoRaWAN stack and
// the file system are posted there by the Layer itself.
package processor

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/postalsys/alpd/internal/alp"
	"github.com/postalsys/alpd/internal/command"
	"github.com/postalsys/alpd/internal/d7afs"
	"github.com/postalsys/alpd/internal/fs"
	"github.com/postalsys/alpd/internal/logging"
	"github.com/postalsys/alpd/internal/lorawan"
	"github.com/postalsys/alpd/internal/metrics"
	"github.com/postalsys/alpd/internal/scheduler"
	"github.com/postalsys/alpd/internal/session"
)

var (
	// ErrNoFreeSlot is returned when every command slot is in use.
	ErrNoFreeSlot = errors.New("no free command slot")

	// ErrUnknownTransaction is returned for a completion that matches no
	// active command.
	ErrUnknownTransaction = errors.New("unknown transaction")

	// ErrNotJoined completes a LoRaWAN forward before the network is joined.
	ErrNotJoined = errors.New("lorawan not joined")

	// ErrNoInterface is returned when a forward targets an interface that
	// is not configured.
	ErrNoInterface = errors.New("forward interface not available")

	// ErrIncomplete marks an action whose operands have not fully arrived.
	ErrIncomplete = errors.New("incomplete action")

	// ErrCommandTooLarge is returned for commands above the payload limit.
	ErrCommandTooLarge = errors.New("command exceeds maximum payload")
)

// Defaults
const (
	DefaultMaxActiveCommands = 4
	DefaultMaxPayload        = 239
)

// responseOverhead is the room a response needs beyond MaxPayload bytes of
// data: a ReturnFileData header with the widest offset and length operands
// (1+1+4+4) and a trailing ResponseTag (2).
const responseOverhead = 12

// ActionError reports the action that stopped a command.
type ActionError struct {
	Index  int
	Opcode alp.Opcode
	Status alp.Status
	Err    error
}

func (e *ActionError) Error() string {
	return fmt.Sprintf("action %d (%s): %s: %v", e.Index, e.Opcode, e.Status, e.Err)
}

func (e *ActionError) Unwrap() error { return e.Err }

// HostOutput receives ALP data addressed to the host.
type HostOutput interface {
	OutputALP(data []byte) error
}

// Poster queues work on the worker that owns the Layer.
type Poster interface {
	Post(p scheduler.Priority, t scheduler.Task) error
}

// Callbacks are the application hooks. All run on the worker.
type Callbacks struct {
	// UnhandledRead may fill buf for a read of a file that does not exist.
	UnhandledRead func(meta session.Result, req alp.ReadFileData, buf []byte) error
	// UnsolicitedData receives return file data actions that arrive
	// without a matching request.
	UnsolicitedData func(meta session.Result, action []byte)
	// CommandResult receives each response to a forwarded command.
	CommandResult func(meta session.Result, data []byte)
	// CommandCompleted reports the end of a forwarded command.
	CommandCompleted func(tagID uint8, success bool)
}

// Options configures a Layer.
type Options struct {
	Files *d7afs.FS

	// MaxActiveCommands is the command pool capacity.
	MaxActiveCommands int
	// MaxPayload bounds commands and single action data.
	MaxPayload int
	// ShellEnabled copies asynchronous results and tags to Host.
	ShellEnabled bool
	// BroadcastVersion announces the firmware version on Start.
	BroadcastVersion bool

	Host      HostOutput
	Session   session.Layer
	LoRaWAN   lorawan.Stack
	Scheduler Poster
	Callbacks Callbacks

	Logger  *slog.Logger
	Metrics *metrics.Metrics
}

type interfaceState uint8

const (
	stateHostOnly interfaceState = iota
	stateSession
	stateLoRaWAN
)

func (s interfaceState) String() string {
	switch s {
	case stateSession:
		return "d7asp"
	case stateLoRaWAN:
		return "lorawan"
	default:
		return "host"
	}
}

// Layer is the ALP command processor.
type Layer struct {
	files      *d7afs.FS
	pool       *command.Pool
	maxPayload int
	shell      bool
	announce   bool
	host       HostOutput
	sess       session.Layer
	lora       lorawan.Stack
	sched      Poster
	cb         Callbacks
	logger     *slog.Logger
	metrics    *metrics.Metrics

	clientID uint8
	state    interfaceState

	// LoRaWAN uplink in flight
	loraBusy   bool
	loraCmd    command.Handle
	loraItf    alp.InterfaceID
	loraConfig []byte

	indirect indirectCache
}

// New creates a Layer, registers it with the session layer and the LoRaWAN
// stack and installs the file action handler.
func New(opts Options) (*Layer, error) {
	if opts.Files == nil {
		return nil, errors.New("processor: file system is required")
	}
	if opts.Scheduler == nil {
		return nil, errors.New("processor: scheduler is required")
	}
	if opts.MaxActiveCommands <= 0 {
		opts.MaxActiveCommands = DefaultMaxActiveCommands
	}
	if opts.MaxPayload <= 0 {
		opts.MaxPayload = DefaultMaxPayload
	}
	if opts.Session == nil {
		opts.Session = session.Disabled{}
	}

	l := &Layer{
		files:      opts.Files,
		pool:       command.NewPool(opts.MaxActiveCommands, opts.MaxPayload, opts.MaxPayload+responseOverhead),
		maxPayload: opts.MaxPayload,
		shell:      opts.ShellEnabled,
		announce:   opts.BroadcastVersion,
		host:       opts.Host,
		sess:       opts.Session,
		lora:       opts.LoRaWAN,
		sched:      opts.Scheduler,
		cb:         opts.Callbacks,
		logger:     logging.Component(opts.Logger, "alp"),
		metrics:    opts.Metrics,
		state:      stateHostOnly,
	}

	l.clientID = l.sess.Register(sessionClient{l})
	if l.lora != nil {
		l.lora.SetCallbacks(l.loraCallbacks())
	}
	l.files.SetActionHandler(func(fileID uint8, h d7afs.FileHeader) {
		l.post(scheduler.PriorityNormal, "file action", func() { l.HandleFileAction(fileID, h) })
	})
	return l, nil
}

// Start brings the session layer up. The session interface is the default
// route for forwarded commands.
func (l *Layer) Start() error {
	if err := l.sess.Start(); err != nil {
		return fmt.Errorf("start session layer: %w", err)
	}
	l.switchTo(stateSession)

	if l.announce {
		if err := l.ExecuteOverD7A(firmwareVersionRequest(), broadcastConfig()); err != nil {
			l.logger.Warn("firmware version broadcast failed", logging.KeyError, err)
		}
	}
	return nil
}

// Stop takes down whichever stack is active.
func (l *Layer) Stop() {
	switch l.state {
	case stateSession:
		if err := l.sess.Stop(); err != nil {
			l.logger.Warn("stop session layer", logging.KeyError, err)
		}
	case stateLoRaWAN:
		l.leaveLoRaWAN()
	}
	l.state = stateHostOnly
	l.indirect.reset(l.files)
}

// ActiveCommands returns the number of allocated command slots.
func (l *Layer) ActiveCommands() int {
	return l.pool.Active()
}

// Capacity returns the command pool capacity.
func (l *Layer) Capacity() int {
	return l.pool.Capacity()
}

// Interface names the stack forwarded commands currently go to.
func (l *Layer) Interface() string {
	return l.state.String()
}

func (l *Layer) post(p scheduler.Priority, what string, t scheduler.Task) {
	if err := l.sched.Post(p, t); err != nil {
		l.logger.Warn("dropping "+what, logging.KeyError, err)
	}
}

// alloc takes a slot and loads cmd into its request buffer.
func (l *Layer) alloc(cmd []byte, origin command.Origin) (command.Handle, error) {
	if len(cmd) > l.maxPayload {
		return -1, fmt.Errorf("%w: %d > %d bytes", ErrCommandTooLarge, len(cmd), l.maxPayload)
	}
	h, ok := l.pool.Alloc()
	if !ok {
		l.metrics.RecordCommandRejected()
		l.logger.Warn("command refused, all slots active",
			logging.KeyOrigin, origin, logging.KeyCount, l.pool.Capacity())
		return -1, ErrNoFreeSlot
	}
	c := l.pool.Get(h)
	c.Reset(origin)
	if err := c.Request.Fill(cmd); err != nil {
		l.pool.Free(h)
		return -1, err
	}
	l.metrics.RecordCommandStart(origin.String())
	l.logger.Debug("command allocated", logging.KeySlot, int(h), logging.KeyOrigin, origin)
	return h, nil
}

// release frees a slot that never left the processor.
func (l *Layer) release(h command.Handle) {
	c := l.pool.Get(h)
	if c == nil || !c.Active() {
		return
	}
	l.logger.Debug("command freed", logging.KeySlot, int(h), logging.KeyTransID, c.TransID)
	l.pool.Free(h)
	l.metrics.RecordCommandFreed()
}

// ProcessCommand runs a command from the console or a local application and
// returns its response. A forwarded command keeps its slot until the
// forward completes; the returned response then holds only the results of
// the actions before the forward. A failed action is reported as an
// *ActionError alongside the partial response.
func (l *Layer) ProcessCommand(cmd []byte, origin command.Origin) ([]byte, error) {
	h, err := l.alloc(cmd, origin)
	if err != nil {
		return nil, err
	}

	resp, fwd, actionErr := l.run(h)
	if origin == command.OriginConsole {
		l.output(resp)
	}
	l.dispose(h, fwd)
	return resp, actionErr
}

// HandleUnsolicited accepts a request that arrived over the session layer
// and reports whether a response will follow. It may be called from any
// goroutine; processing happens in a high priority task.
func (l *Layer) HandleUnsolicited(data []byte, meta session.Result) bool {
	payload := bytes.Clone(data)
	l.post(scheduler.PriorityHigh, "inbound command", func() { l.processInbound(payload, meta) })
	return alp.ExpectedResponseLength(data) > 0
}

func (l *Layer) processInbound(data []byte, meta session.Result) {
	h, err := l.alloc(data, command.OriginRemoteInbound)
	if err != nil {
		l.metrics.RecordUnsolicitedDropped()
		l.logger.Warn("unsolicited command dropped", logging.KeyError, err, logging.KeyLength, len(data))
		return
	}
	l.pool.Get(h).Meta = meta

	resp, fwd, _ := l.run(h)
	if len(resp) > 0 {
		if _, err := l.sess.Send(l.clientID, nil, resp, 0); err != nil {
			l.logger.Warn("sending response failed", logging.KeyError, err)
		}
	}
	l.dispose(h, fwd)
}

// HandleLoRaWANReceive processes a downlink. No response is sent.
func (l *Layer) HandleLoRaWANReceive(data []byte) {
	h, err := l.alloc(data, command.OriginRemoteInbound)
	if err != nil {
		l.metrics.RecordUnsolicitedDropped()
		l.logger.Warn("downlink dropped", logging.KeyError, err)
		return
	}
	_, fwd, _ := l.run(h)
	l.dispose(h, fwd)
}

// dispose hands slot h to its forward route or frees it.
func (l *Layer) dispose(h command.Handle, fwd alp.InterfaceConfig) {
	if fwd != nil {
		l.forward(h, fwd)
		return
	}
	l.release(h)
}

// ExecuteOverD7A sends cmd over the session layer without processing it
// locally. Responses and completion arrive like for a forwarded command.
func (l *Layer) ExecuteOverD7A(cmd []byte, cfg session.Config) error {
	h, err := l.alloc(cmd, command.OriginLocalApp)
	if err != nil {
		return err
	}
	c := l.pool.Get(h)
	payload := c.Request.Drain()

	l.useSession()
	id, err := l.sess.Send(l.clientID, &cfg, payload, alp.ExpectedResponseLength(payload))
	if err != nil {
		l.release(h)
		return fmt.Errorf("send over d7a: %w", err)
	}
	c.TransID = id
	l.metrics.RecordForward(alp.InterfaceD7ASP.String())
	return nil
}

// HandleFileAction runs the command stored in the action file of fileID and
// sends its response over the session described by the interface file.
func (l *Layer) HandleFileAction(fileID uint8, h d7afs.FileHeader) {
	log := l.logger.With(logging.KeyFileID, fileID)

	cmd, err := l.readWholeFile(h.ALPCommandFileID, l.maxPayload)
	if err != nil {
		log.Warn("reading action command failed", logging.KeyError, err)
		return
	}
	itfData, err := l.readWholeFile(h.InterfaceFileID, 1+lorawan.ABPConfigSize)
	if err != nil {
		log.Warn("reading action interface failed", logging.KeyError, err)
		return
	}
	cfg, err := alp.ReadInterfaceFile(bytes.NewReader(itfData))
	if err != nil {
		log.Warn("decoding action interface failed", logging.KeyError, err)
		return
	}
	d7, ok := cfg.(alp.D7ASPConfig)
	if !ok {
		log.Warn("file action needs a d7asp interface", logging.KeyInterface, cfg.Interface())
		return
	}

	slot, err := l.alloc(cmd, command.OriginLocalApp)
	if err != nil {
		return
	}
	resp, fwd, _ := l.run(slot)
	if fwd != nil {
		l.forward(slot, fwd)
		return
	}
	if len(resp) == 0 {
		l.release(slot)
		return
	}

	l.useSession()
	id, err := l.sess.Send(l.clientID, &d7.Config, resp, alp.ExpectedResponseLength(resp))
	if err != nil {
		log.Warn("sending action response failed", logging.KeyError, err)
		l.release(slot)
		return
	}
	l.pool.Get(slot).TransID = id
	log.Debug("file action sent", logging.KeyTransID, id)
}

func (l *Layer) readWholeFile(id uint8, limit int) ([]byte, error) {
	h, err := l.files.ReadFileHeader(id)
	if err != nil {
		return nil, err
	}
	n := int(h.Length)
	if n > limit {
		n = limit
	}
	buf := make([]byte, n)
	if err := l.files.ReadFile(id, 0, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// ============================================================================
// Interpreter
// ============================================================================

// run processes the request of slot h and returns the response built
// locally. A non-nil forward configuration means the rest of the request
// must be routed with forward; the slot then stays allocated.
func (l *Layer) run(h command.Handle) (resp []byte, fwd alp.InterfaceConfig, err error) {
	start := time.Now()
	defer func() { l.metrics.RecordDispatch(time.Since(start).Seconds()) }()

	c := l.pool.Get(h)
	for index := 0; c.Request.Len() > 0; index++ {
		cfg, stop, actionErr := l.step(c, index)
		if actionErr != nil {
			c.Failed = true
			err = actionErr
			break
		}
		if cfg != nil && c.Request.Len() > 0 {
			return c.Response.Drain(), cfg, nil
		}
		if stop {
			break
		}
	}

	if c.RespondWhenCompleted {
		l.appendTag(c, true, c.Failed)
	}
	return c.Response.Drain(), nil, err
}

// step executes one action. It returns a forward configuration when the
// rest of the request must be routed elsewhere and stop when processing of
// the command ends without error.
func (l *Layer) step(c *command.Command, index int) (fwd alp.InterfaceConfig, stop bool, err error) {
	peek, _ := c.Request.Peek(0, 1)
	op := alp.OpcodeOf(peek[0])
	l.metrics.RecordAction(op.String())

	fail := func(status alp.Status, cause error) (alp.InterfaceConfig, bool, error) {
		l.metrics.RecordActionError(status.String())
		l.logger.Debug("action failed",
			logging.KeyOpcode, op, logging.KeyStatus, status, logging.KeyError, cause)
		return nil, true, &ActionError{Index: index, Opcode: op, Status: status, Err: cause}
	}

	if op == alp.OpReturnFileData {
		return nil, l.returnFileData(c), nil
	}

	action, err := alp.ReadAction(c.Request)
	if err != nil {
		if errors.Is(err, alp.ErrUnsupportedQuery) {
			return fail(alp.StatusUnknownError, err)
		}
		return fail(alp.StatusFromError(err), err)
	}

	switch a := action.(type) {
	case alp.Nop:
	case alp.ReadFileData:
		l.logger.Debug("read file", logging.KeyFileID, a.FileID,
			logging.KeyOffset, a.Offset, logging.KeyLength, a.Length)
		if a.Length == 0 || int(a.Length) > l.maxPayload {
			return fail(alp.StatusUnknownError, fmt.Errorf("%w: read of %d bytes", fs.ErrInvalidLength, a.Length))
		}
		data := make([]byte, a.Length)
		err := l.files.ReadFile(a.FileID, a.Offset, data)
		if errors.Is(err, fs.ErrNotFound) && l.cb.UnhandledRead != nil {
			err = l.cb.UnhandledRead(c.Meta, a, data)
		}
		if err != nil {
			return fail(alp.StatusFromError(err), err)
		}
		if err := l.appendAction(c, alp.ReturnFileData{FileOffset: a.FileOffset, Data: data}); err != nil {
			return fail(alp.StatusUnknownError, err)
		}
	case alp.ReadFileProperties:
		l.logger.Debug("read file properties", logging.KeyFileID, a.FileID)
		hdr, err := l.files.ReadFileHeader(a.FileID)
		if err != nil {
			return fail(alp.StatusFromError(err), err)
		}
		if err := l.appendAction(c, alp.ReturnFileProperties{FileID: a.FileID, Header: hdr}); err != nil {
			return fail(alp.StatusUnknownError, err)
		}
	case alp.WriteFileData:
		l.logger.Debug("write file", logging.KeyFileID, a.FileID,
			logging.KeyOffset, a.Offset, logging.KeyLength, len(a.Data))
		if len(a.Data) > l.maxPayload {
			return fail(alp.StatusUnknownError, fmt.Errorf("%w: write of %d bytes", fs.ErrInvalidLength, len(a.Data)))
		}
		if err := l.files.WriteFile(a.FileID, a.Offset, a.Data); err != nil {
			return fail(alp.StatusUnknownError, err)
		}
	case alp.WriteFileProperties:
		l.logger.Debug("write file properties", logging.KeyFileID, a.FileID)
		if err := l.files.WriteFileHeader(a.FileID, a.Header); err != nil {
			return fail(alp.StatusUnknownError, err)
		}
	case alp.BreakQuery:
		if len(a.Value) > l.maxPayload/2 {
			return fail(alp.StatusUnknownError, fmt.Errorf("%w: compare length %d", fs.ErrInvalidLength, len(a.Value)))
		}
		value := make([]byte, len(a.Value))
		if err := l.files.ReadFile(a.Target.FileID, a.Target.Offset, value); err != nil {
			return fail(alp.StatusFromError(err), err)
		}
		ok := alp.EvalArithmetic(value, a.Value, a.Comparison, a.Signed)
		l.logger.Debug("break query", logging.KeyFileID, a.Target.FileID,
			"comparison", a.Comparison, "result", ok)
		if !ok {
			c.Request.Reset()
			return nil, true, nil
		}
	case alp.CreateFile:
		l.logger.Debug("create file", logging.KeyFileID, a.FileID, logging.KeyLength, a.Header.Length)
		if err := l.files.CreateFile(a.FileID, a.Header, nil); err != nil {
			return fail(alp.StatusFromError(err), err)
		}
	case alp.RequestTag:
		c.TagID = a.TagID
		c.RespondWhenCompleted = a.RespondWhenCompleted
	case alp.Forward:
		l.logger.Debug("forward", logging.KeyInterface, a.Config.Interface())
		return a.Config, false, nil
	case alp.IndirectForward:
		cfg, err := l.resolveIndirect(c, a)
		if err != nil {
			return fail(alp.StatusFromError(err), err)
		}
		l.logger.Debug("indirect forward", logging.KeyFileID, a.FileID, logging.KeyInterface, cfg.Interface())
		return cfg, false, nil
	case alp.ReturnFileProperties, alp.ActionStatus, alp.InterfaceStatus, alp.ResponseTag:
		l.logger.Debug("ignoring response action", logging.KeyOpcode, op)
	case alp.ReturnFileData:
		// decoded by returnFileData before ReadAction
	case alp.Unsupported:
		return fail(alp.StatusUnknownOperation, fmt.Errorf("%w: %s", alp.ErrUnknownOperation, op))
	}
	return nil, false, nil
}

// returnFileData handles a return file data action arriving as a request.
// An action that has not fully arrived is skipped along with everything
// after it. It reports whether processing stops.
func (l *Layer) returnFileData(c *command.Command) bool {
	n, err := alp.ReturnFileDataLen(c.Request.Bytes())
	if err != nil {
		skipped := c.Request.Skip(c.Request.Len())
		l.logger.Debug("incomplete operand, skipping", logging.KeyCount, skipped,
			logging.KeyStatus, alp.StatusIncompleteOperand, logging.KeyError, fmt.Errorf("%w: %v", ErrIncomplete, err))
		return true
	}

	raw := make([]byte, n)
	_, _ = c.Request.Read(raw)

	if l.shell {
		out, _ := alp.NewD7ASPStatus(c.Meta).AppendBinary(nil)
		l.output(append(out, raw...))
	}
	if l.cb.UnsolicitedData != nil {
		l.cb.UnsolicitedData(c.Meta, raw)
	}
	return false
}

func (l *Layer) appendAction(c *command.Command, a alp.Action) error {
	b, err := a.AppendBinary(nil)
	if err != nil {
		return err
	}
	_, err = c.Response.Write(b)
	return err
}

func (l *Layer) appendTag(c *command.Command, eop, isErr bool) {
	if err := l.appendAction(c, alp.ResponseTag{TagID: c.TagID, EOP: eop, Err: isErr}); err != nil {
		l.logger.Warn("response buffer full, tag dropped", logging.KeyTagID, c.TagID)
	}
}

// output writes data to the host.
func (l *Layer) output(data []byte) {
	if len(data) == 0 || l.host == nil {
		return
	}
	if err := l.host.OutputALP(data); err != nil {
		l.logger.Warn("host output failed", logging.KeyError, err)
	}
}
